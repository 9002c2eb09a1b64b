package monitor

import "time"

// WithinCooldownAt reports whether now is still inside the cooldown window
// that started at last. A zero last time is never within cooldown.
func WithinCooldownAt(now, last time.Time, cooldown time.Duration) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < cooldown
}
