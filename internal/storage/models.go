package storage

import (
	"encoding/json"
	"time"
)

// ConnectionConfig is one configured data source. Rows are owned by the
// admin surface; the collector only reads them and mirrors runtime fields.
type ConnectionConfig struct {
	ID                string
	MachineID         string
	Name              string
	ConnectionType    string
	Config            json.RawMessage
	PollingIntervalMs int
	IsActive          bool
	Scale             float64
	Offset            float64
	LastError         *string
	LastDataAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type SampleRecord struct {
	ConnectionID    string    `json:"connectionId"`
	MachineID       string    `json:"machineId"`
	MeasurementName string    `json:"measurementName"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit,omitempty"`
	SampleTime      time.Time `json:"sampleTime"`
	SubgroupIndex   int64     `json:"subgroupIndex"`
	SubgroupMean    *float64  `json:"subgroupMean"`
	SubgroupRange   *float64  `json:"subgroupRange"`
	UCL             *float64  `json:"ucl"`
	LCL             *float64  `json:"lcl"`
	IsOutOfSpec     bool      `json:"isOutOfSpec"`
	IsOutOfControl  bool      `json:"isOutOfControl"`
	ViolatedRules   []int     `json:"violatedRules"`
}

type AlertRecord struct {
	ID           int64     `json:"id,omitempty"`
	ConnectionID string    `json:"connectionId"`
	MachineID    string    `json:"machineId"`
	AlertType    string    `json:"alertType"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	RuleNumber   int       `json:"ruleNumber"`
	Value        float64   `json:"value"`
	Threshold    float64   `json:"threshold"`
	CreatedAt    time.Time `json:"createdAt"`
}
