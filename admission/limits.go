// Package admission decides whether a proxied request may proceed now,
// must wait for window capacity, or must be rejected outright.
package admission

import (
	"math"
	"strings"
)

// DefaultFamily is the family used when no pattern matches a model name.
const DefaultFamily = "default"

// ModelLimits is the configured upstream ceiling for one model family.
type ModelLimits struct {
	// InputTokensPerMinute is the upstream-advertised input TPM limit.
	InputTokensPerMinute int

	// RequestsPerMinute is the upstream-advertised RPM limit.
	RequestsPerMinute int

	// SafetyFactor is the fraction of the ceiling the proxy will spend,
	// in (0, 1]. Margin for estimation error and pre-reservation.
	SafetyFactor float64
}

// SafeInputTokensPerMinute is the usable input token budget per minute.
func (l ModelLimits) SafeInputTokensPerMinute() int {
	return int(math.Floor(float64(l.InputTokensPerMinute) * l.SafetyFactor))
}

// SafeRequestsPerMinute is the usable request budget per minute.
func (l ModelLimits) SafeRequestsPerMinute() int {
	return int(math.Floor(float64(l.RequestsPerMinute) * l.SafetyFactor))
}

// FamilyPattern maps a model-name substring to a family label.
type FamilyPattern struct {
	Substring string
	Family    string
}

// Resolver maps concrete model names to rate-limit families.
//
// Matching is ordered substring matching, first match wins. Substring
// matching is fragile in general but acceptable for the small known
// model set; the pattern list is configuration, not code.
type Resolver struct {
	patterns []FamilyPattern
}

// NewResolver creates a resolver with the given ordered patterns.
func NewResolver(patterns []FamilyPattern) *Resolver {
	return &Resolver{patterns: patterns}
}

// Resolve returns the family for a model name, or DefaultFamily when no
// pattern matches.
func (r *Resolver) Resolve(model string) string {
	lower := strings.ToLower(model)
	for _, p := range r.patterns {
		if strings.Contains(lower, p.Substring) {
			return p.Family
		}
	}
	return DefaultFamily
}
