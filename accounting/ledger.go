package accounting

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// dateLayout formats UTC calendar days as ledger keys.
const dateLayout = "2006-01-02"

// TenantDailyUsage is one tenant's token consumption for a UTC calendar
// day. When DateUTC no longer matches today, the record is reset on the
// next access before being read or updated.
type TenantDailyUsage struct {
	DateUTC      string `json:"date_utc"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	RequestCount int    `json:"request_count"`
}

// Ledger tracks per-tenant daily usage with automatic UTC-day rollover.
//
// A calendar-day counter keeps the budget intuitive for operators, and
// UTC avoids DST discontinuities. Records are created lazily on first
// tenant appearance.
//
// When a Store is attached, settlements are mirrored to it
// asynchronously and today's totals are reloaded at startup, so daily
// accounting survives restarts. The rolling window never is. Mirror
// writes flow through a single writer goroutine, queued in settlement
// order, so a concurrent burst cannot persist a stale snapshot over a
// newer one.
type Ledger struct {
	mu      sync.Mutex
	tenants map[string]*TenantDailyUsage

	store    Store
	mirrorCh chan mirrorWrite
	log      *slog.Logger
	now      func() time.Time
}

// mirrorWrite is one queued store update.
type mirrorWrite struct {
	tenantID string
	usage    TenantDailyUsage
}

// NewLedger creates a ledger with no persistence.
func NewLedger() *Ledger {
	return &Ledger{
		tenants: make(map[string]*TenantDailyUsage),
		log:     slog.Default(),
		now:     time.Now,
	}
}

// NewLedgerWithStore creates a ledger mirrored to the given store and
// seeds it with today's persisted totals. A load failure is logged, not
// fatal: the ledger starts empty and keeps mirroring.
func NewLedgerWithStore(ctx context.Context, store Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	l := &Ledger{
		tenants:  make(map[string]*TenantDailyUsage),
		store:    store,
		mirrorCh: make(chan mirrorWrite, 256),
		log:      log,
		now:      time.Now,
	}
	go l.mirrorLoop()

	today := l.now().UTC().Format(dateLayout)
	loaded, err := store.Load(ctx, today)
	if err != nil {
		log.Warn("ledger store load failed, starting empty", "date", today, "error", err)
		return l
	}
	for tenant, usage := range loaded {
		u := usage
		l.tenants[tenant] = &u
	}
	if len(loaded) > 0 {
		log.Info("ledger restored from store", "date", today, "tenants", len(loaded))
	}
	return l
}

// record fetches or lazily creates the tenant record, resetting it when
// the stored day is not today. Caller holds l.mu.
func (l *Ledger) record(tenantID string) *TenantDailyUsage {
	today := l.now().UTC().Format(dateLayout)

	u, ok := l.tenants[tenantID]
	if !ok || u.DateUTC != today {
		u = &TenantDailyUsage{DateUTC: today}
		l.tenants[tenantID] = u
	}
	return u
}

// Today returns the tenant's usage for the current UTC day.
func (l *Ledger) Today(tenantID string) TenantDailyUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.record(tenantID)
}

// Add increments the tenant's counters for one completed request.
func (l *Ledger) Add(tenantID string, inputTokens, outputTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.record(tenantID)
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.RequestCount++

	if l.store == nil {
		return
	}
	// Queued under the lock so the writer sees snapshots in the same
	// order they were settled.
	select {
	case l.mirrorCh <- mirrorWrite{tenantID: tenantID, usage: *u}:
	default:
		// Queue full. Safe to skip: snapshots are cumulative, so the
		// next settlement carries everything this one would have.
	}
}

// mirrorLoop persists queued snapshots one at a time, each with a short
// timeout.
func (l *Ledger) mirrorLoop() {
	for w := range l.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := l.store.Save(ctx, w.tenantID, w.usage); err != nil {
			l.log.Warn("ledger store save failed", "tenant", w.tenantID, "error", err)
		}
		cancel()
	}
}

// QuotaRemaining returns how many input tokens the tenant may still
// spend today against the given daily budget. Never negative.
func (l *Ledger) QuotaRemaining(tenantID string, dailyBudget int) int {
	used := l.Today(tenantID).InputTokens
	if remaining := dailyBudget - used; remaining > 0 {
		return remaining
	}
	return 0
}

// Snapshot returns a copy of every tenant's usage for the current UTC
// day. Stale (previous-day) records are rolled over as they are read.
func (l *Ledger) Snapshot() map[string]TenantDailyUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]TenantDailyUsage, len(l.tenants))
	for tenant := range l.tenants {
		out[tenant] = *l.record(tenant)
	}
	return out
}
