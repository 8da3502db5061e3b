package accounting

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance the accountant's notion of time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRecordAndCurrentMinute(t *testing.T) {
	clock := newFakeClock()
	a := NewAccountant()
	a.now = clock.now

	a.Record("opus-4", 100, 20, "tenant-a")
	a.Record("opus-4", 50, 10, "tenant-b")

	u := a.CurrentMinute("opus-4")
	if u.InputTokens != 150 {
		t.Errorf("InputTokens = %d, want 150", u.InputTokens)
	}
	if u.OutputTokens != 30 {
		t.Errorf("OutputTokens = %d, want 30", u.OutputTokens)
	}
	if u.Requests != 2 {
		t.Errorf("Requests = %d, want 2", u.Requests)
	}
}

func TestFamiliesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	a := NewAccountant()
	a.now = clock.now

	a.Record("opus-4", 100, 0, "tenant-a")
	a.Record("sonnet-4", 30, 0, "tenant-a")

	if got := a.CurrentMinute("opus-4").InputTokens; got != 100 {
		t.Errorf("opus-4 InputTokens = %d, want 100", got)
	}
	if got := a.CurrentMinute("sonnet-4").InputTokens; got != 30 {
		t.Errorf("sonnet-4 InputTokens = %d, want 30", got)
	}
}

func TestEventsAgeOutOfMinute(t *testing.T) {
	clock := newFakeClock()
	a := NewAccountant()
	a.now = clock.now

	a.Record("opus-4", 100, 0, "tenant-a")
	clock.advance(59 * time.Second)
	if got := a.CurrentMinute("opus-4").InputTokens; got != 100 {
		t.Errorf("at 59s InputTokens = %d, want 100", got)
	}

	clock.advance(2 * time.Second)
	if got := a.CurrentMinute("opus-4").InputTokens; got != 0 {
		t.Errorf("at 61s InputTokens = %d, want 0", got)
	}
	// Still retained for the second minute.
	if got := a.EventCount("opus-4"); got != 1 {
		t.Errorf("EventCount = %d, want 1 (inside retention)", got)
	}

	clock.advance(60 * time.Second)
	if got := a.EventCount("opus-4"); got != 0 {
		t.Errorf("EventCount = %d, want 0 (past retention)", got)
	}
}

func TestPruneIdempotent(t *testing.T) {
	clock := newFakeClock()
	a := NewAccountant()
	a.now = clock.now

	a.Record("opus-4", 10, 0, "tenant-a")
	clock.advance(3 * time.Minute)

	a.Prune("opus-4")
	a.Prune("opus-4")
	if got := a.EventCount("opus-4"); got != 0 {
		t.Errorf("EventCount = %d, want 0", got)
	}
}

func TestTryReserveFitsExactly(t *testing.T) {
	clock := newFakeClock()
	a := NewAccountant()
	a.now = clock.now

	ts, ok := a.TryReserve("opus-4", 22500, "tenant-a", 22500, 22)
	if !ok {
		t.Fatal("TryReserve refused a request that exactly fits the budget")
	}
	if !ts.Equal(clock.now()) {
		t.Errorf("reservation timestamp = %v, want %v", ts, clock.now())
	}

	// The window is now full: one more token cannot fit.
	if _, ok := a.TryReserve("opus-4", 1, "tenant-b", 22500, 22); ok {
		t.Error("TryReserve admitted past the token budget")
	}
}

func TestTryReserveRequestCap(t *testing.T) {
	clock := newFakeClock()
	a := NewAccountant()
	a.now = clock.now

	for i := 0; i < 3; i++ {
		if _, ok := a.TryReserve("opus-4", 1, "tenant-a", 1000, 3); !ok {
			t.Fatalf("TryReserve refused request %d under the cap", i+1)
		}
	}
	if _, ok := a.TryReserve("opus-4", 1, "tenant-a", 1000, 3); ok {
		t.Error("TryReserve admitted past the request cap")
	}
}

func TestTryReserveNeverExceedsBudgetConcurrently(t *testing.T) {
	a := NewAccountant()

	const budget = 1000
	const each = 100

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := a.TryReserve("opus-4", each, "tenant-a", budget, 1000); ok {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != budget/each {
		t.Errorf("admitted %d requests, want exactly %d", count, budget/each)
	}
	if got := a.CurrentMinute("opus-4").InputTokens; got > budget {
		t.Errorf("InputTokens = %d, exceeds budget %d", got, budget)
	}
}

func TestCorrectionDoesNotCountAsRequest(t *testing.T) {
	clock := newFakeClock()
	a := NewAccountant()
	a.now = clock.now

	// A reservation plus its zero-delta correction reads the same as one
	// consolidated record of the actual usage.
	a.Record("opus-4", 100, 0, "tenant-a")
	a.RecordCorrection("opus-4", 0, 40, "tenant-a")

	b := NewAccountant()
	b.now = clock.now
	b.Record("opus-4", 100, 40, "tenant-a")

	got, want := a.CurrentMinute("opus-4"), b.CurrentMinute("opus-4")
	if got != want {
		t.Errorf("reserved+corrected = %+v, consolidated = %+v, want equal", got, want)
	}
	if got.Requests != 1 {
		t.Errorf("Requests = %d, want 1", got.Requests)
	}
}

func TestEarliestExpiry(t *testing.T) {
	clock := newFakeClock()
	a := NewAccountant()
	a.now = clock.now

	if got := a.EarliestExpiry("opus-4"); !got.IsZero() {
		t.Errorf("EarliestExpiry on empty window = %v, want zero", got)
	}

	first := a.Record("opus-4", 10, 0, "tenant-a")
	clock.advance(10 * time.Second)
	a.Record("opus-4", 10, 0, "tenant-a")

	want := first.Add(time.Minute)
	if got := a.EarliestExpiry("opus-4"); !got.Equal(want) {
		t.Errorf("EarliestExpiry = %v, want %v", got, want)
	}

	// Once the first event leaves the minute window, the second one
	// becomes the earliest.
	clock.advance(55 * time.Second)
	second := first.Add(10 * time.Second)
	want = second.Add(time.Minute)
	if got := a.EarliestExpiry("opus-4"); !got.Equal(want) {
		t.Errorf("EarliestExpiry after aging = %v, want %v", got, want)
	}
}

func TestFamiliesListing(t *testing.T) {
	a := NewAccountant()
	a.Record("opus-4", 1, 0, "t")
	a.Record("sonnet-4", 1, 0, "t")

	names := a.Families()
	if len(names) != 2 {
		t.Fatalf("Families() returned %d names, want 2", len(names))
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["opus-4"] || !seen["sonnet-4"] {
		t.Errorf("Families() = %v, want opus-4 and sonnet-4", names)
	}
}
