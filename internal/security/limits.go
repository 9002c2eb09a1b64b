package security

import "time"

// Limits bound what a single collector may do per tick.
type Limits struct {
	MinPollInterval  time.Duration
	MaxFetchDuration time.Duration
	MaxResultSize    int
}

func DefaultLimits() Limits {
	return Limits{
		MinPollInterval:  100 * time.Millisecond,
		MaxFetchDuration: 30 * time.Second,
		MaxResultSize:    1000,
	}
}

// ClampPoll raises interval to the configured minimum.
func (l Limits) ClampPoll(interval time.Duration) time.Duration {
	if interval < l.MinPollInterval {
		return l.MinPollInterval
	}
	return interval
}
