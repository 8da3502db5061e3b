// Package accounting holds the proxy's shared usage state: the
// per-model-family rolling window of recent upstream calls and the
// per-tenant daily ledger.
package accounting

import (
	"sync"
	"time"
)

const (
	// minuteWindow is the span the per-minute usage sums cover.
	minuteWindow = time.Minute

	// retention is how long events are kept before pruning. Twice the
	// minute window so a late snapshot still sees the previous minute.
	retention = 2 * time.Minute
)

// UsageEvent is one upstream call's accounted cost. Input tokens hold
// the value recorded at admission (the estimate); a separate correction
// event settles the difference after the call completes.
type UsageEvent struct {
	Timestamp    time.Time
	Family       string
	InputTokens  int
	OutputTokens int
	TenantID     string

	// Correction marks a reconciliation event. Corrections add tokens
	// but not requests, so a reservation plus its correction counts the
	// same as one consolidated record.
	Correction bool
}

// MinuteUsage sums events younger than one minute for a family.
type MinuteUsage struct {
	InputTokens  int
	OutputTokens int
	Requests     int
}

// Accountant tracks rolling usage windows keyed by model family.
//
// Each family has its own lock so a burst on one family never blocks
// admission decisions for another. All public operations prune expired
// events before reading, so callers always see a cleaned window.
type Accountant struct {
	mu       sync.RWMutex
	families map[string]*familyWindow

	now func() time.Time
}

type familyWindow struct {
	mu sync.Mutex
	// events is ordered by non-decreasing timestamp; appends happen
	// under mu so the ordering invariant holds.
	events []UsageEvent
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return NewAccountantWithClock(time.Now)
}

// NewAccountantWithClock creates an accountant on the given clock.
// Tests use it to control event aging.
func NewAccountantWithClock(now func() time.Time) *Accountant {
	return &Accountant{
		families: make(map[string]*familyWindow),
		now:      now,
	}
}

// family returns the window for a family, creating it on first use.
func (a *Accountant) family(name string) *familyWindow {
	a.mu.RLock()
	fw, ok := a.families[name]
	a.mu.RUnlock()
	if ok {
		return fw
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if fw, ok = a.families[name]; ok {
		return fw
	}
	fw = &familyWindow{}
	a.families[name] = fw
	return fw
}

// prune drops events older than the retention horizon. Caller holds fw.mu.
func (fw *familyWindow) prune(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(fw.events) && !fw.events[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		fw.events = append(fw.events[:0], fw.events[i:]...)
	}
}

// minute sums events younger than one minute. Caller holds fw.mu.
func (fw *familyWindow) minute(now time.Time) MinuteUsage {
	start := now.Add(-minuteWindow)
	var u MinuteUsage
	for _, ev := range fw.events {
		if ev.Timestamp.After(start) {
			u.InputTokens += ev.InputTokens
			u.OutputTokens += ev.OutputTokens
			if !ev.Correction {
				u.Requests++
			}
		}
	}
	return u
}

// Record appends a usage event for the family at the current time and
// returns the event timestamp.
func (a *Accountant) Record(family string, inputTokens, outputTokens int, tenantID string) time.Time {
	fw := a.family(family)
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := a.now()
	fw.prune(now)
	fw.events = append(fw.events, UsageEvent{
		Timestamp:    now,
		Family:       family,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TenantID:     tenantID,
	})
	return now
}

// RecordCorrection appends a reconciliation event: extra input tokens
// beyond the reservation (zero when the estimate was high) and the
// actual output tokens. Corrections never count as requests.
func (a *Accountant) RecordCorrection(family string, inputDelta, outputTokens int, tenantID string) {
	fw := a.family(family)
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := a.now()
	fw.prune(now)
	fw.events = append(fw.events, UsageEvent{
		Timestamp:    now,
		Family:       family,
		InputTokens:  inputDelta,
		OutputTokens: outputTokens,
		TenantID:     tenantID,
		Correction:   true,
	})
}

// TryReserve atomically checks the minute window against the given
// limits and, when the request fits, appends a reservation event. The
// check and the append share one critical section so concurrent
// admissions can never collectively exceed the budget.
func (a *Accountant) TryReserve(family string, inputTokens int, tenantID string, maxInputTokens, maxRequests int) (time.Time, bool) {
	fw := a.family(family)
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := a.now()
	fw.prune(now)
	u := fw.minute(now)

	if u.InputTokens+inputTokens > maxInputTokens || u.Requests+1 > maxRequests {
		return time.Time{}, false
	}

	fw.events = append(fw.events, UsageEvent{
		Timestamp:   now,
		Family:      family,
		InputTokens: inputTokens,
		TenantID:    tenantID,
	})
	return now, true
}

// CurrentMinute returns usage summed over events younger than one minute.
func (a *Accountant) CurrentMinute(family string) MinuteUsage {
	fw := a.family(family)
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := a.now()
	fw.prune(now)
	return fw.minute(now)
}

// EarliestExpiry returns the instant the oldest event inside the minute
// window falls out of it, or the zero time when the window is empty.
func (a *Accountant) EarliestExpiry(family string) time.Time {
	fw := a.family(family)
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := a.now()
	fw.prune(now)

	start := now.Add(-minuteWindow)
	for _, ev := range fw.events {
		if ev.Timestamp.After(start) {
			return ev.Timestamp.Add(minuteWindow)
		}
	}
	return time.Time{}
}

// Prune drops expired events for the family. Idempotent.
func (a *Accountant) Prune(family string) {
	fw := a.family(family)
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.prune(a.now())
}

// EventCount reports retained (post-prune) events for the family.
func (a *Accountant) EventCount(family string) int {
	fw := a.family(family)
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.prune(a.now())
	return len(fw.events)
}

// Families lists families that have recorded at least one event.
func (a *Accountant) Families() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.families))
	for name := range a.families {
		names = append(names, name)
	}
	return names
}
