package security

import "strings"

// Allowlist restricts which browser origins may open subscriber sockets.
type Allowlist struct {
	Origins []string
}

func (a Allowlist) AllowsOrigin(origin string) bool {
	if len(a.Origins) == 0 || origin == "" {
		return true
	}
	for _, o := range a.Origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
