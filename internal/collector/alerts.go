package collector

import (
	"fmt"
	"time"

	"spcstream-backend/internal/spc"
	"spcstream-backend/internal/storage"
)

const (
	AlertOutOfControl = "out_of_control"
	AlertShift        = "shift"
	AlertTrend        = "trend"

	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// classifyAlerts turns a sample's violations into one alert per rule.
func classifyAlerts(sample storage.SampleRecord, res spc.Result, at time.Time) []storage.AlertRecord {
	if !res.IsOutOfControl && len(res.ViolatedRules) == 0 {
		return nil
	}
	alerts := make([]storage.AlertRecord, 0, len(res.ViolatedRules))
	for _, rule := range res.ViolatedRules {
		alert := storage.AlertRecord{
			ConnectionID: sample.ConnectionID,
			MachineID:    sample.MachineID,
			RuleNumber:   rule,
			Value:        sample.Value,
			CreatedAt:    at,
		}
		mean := deref(res.Mean)
		switch rule {
		case spc.RuleBeyondLimits:
			alert.AlertType = AlertOutOfControl
			alert.Severity = SeverityCritical
			alert.Threshold = deref(res.UCL)
			bound := "upper"
			if sample.Value < deref(res.LCL) {
				alert.Threshold = deref(res.LCL)
				bound = "lower"
			}
			alert.Message = fmt.Sprintf("%s value %.4g is beyond the %s control limit %.4g", sample.MeasurementName, sample.Value, bound, alert.Threshold)
		case spc.RuleShift:
			alert.AlertType = AlertShift
			alert.Severity = SeverityWarning
			alert.Threshold = mean
			alert.Message = fmt.Sprintf("%s: last 9 values on one side of the mean %.4g", sample.MeasurementName, mean)
		case spc.RuleTrend:
			alert.AlertType = AlertTrend
			alert.Severity = SeverityWarning
			alert.Threshold = mean
			alert.Message = fmt.Sprintf("%s: last 6 values trend in one direction", sample.MeasurementName)
		default:
			alert.AlertType = "rule_violation"
			alert.Severity = SeverityWarning
			alert.Threshold = mean
			alert.Message = fmt.Sprintf("%s violated rule %d", sample.MeasurementName, rule)
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
