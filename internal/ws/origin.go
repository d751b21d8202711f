package ws

import (
	"net/http"
	"strings"
)

// OriginPolicy decides which browser origins may open a terminal socket
type OriginPolicy struct {
	// Allowed entries are exact origins, "*", or "scheme://host:*" for any port
	Allowed []string

	// Dev accepts every origin, including none
	Dev bool
}

// ParseOrigins splits a comma-separated origin list, dropping blanks
func ParseOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Check validates the Origin header against the policy
func (p OriginPolicy) Check(r *http.Request) bool {
	if p.Dev {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header - reject (browsers always send Origin for cross-origin)
		return false
	}
	if len(p.Allowed) == 0 {
		// Nothing configured - reject all
		return false
	}

	for _, a := range p.Allowed {
		if a == origin || a == "*" {
			return true
		}
		if strings.HasSuffix(a, ":*") {
			prefix := strings.TrimSuffix(a, "*")
			if strings.HasPrefix(origin, prefix) {
				remainder := strings.TrimPrefix(origin, prefix)
				if len(remainder) > 0 && isNumeric(remainder) {
					return true
				}
			}
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
