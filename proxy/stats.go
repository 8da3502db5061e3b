package proxy

import (
	"encoding/json"
	"net/http"
	"time"
)

// Snapshot is the point-in-time view served by GET /stats. Pure read:
// it touches only the prune locks the admission hot path already uses.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Proxy     ProxyStats             `json:"proxy"`
	Families  map[string]FamilyStats `json:"families"`
	Tenants   map[string]TenantStats `json:"tenants"`
	Config    ConfigStats            `json:"config"`
}

// ProxyStats reports the concurrency gate's state.
type ProxyStats struct {
	ActiveRequests int `json:"active_requests"`
	QueuedRequests int `json:"queued_requests"`
	MaxConcurrent  int `json:"max_concurrent"`
}

// FamilyStats reports one family's minute window against its limits.
type FamilyStats struct {
	InputTokensUsed          int     `json:"input_tokens_used"`
	OutputTokens             int     `json:"output_tokens"`
	Requests                 int     `json:"requests"`
	SafeInputTokensPerMinute int     `json:"safe_input_tokens_per_minute"`
	SafeRequestsPerMinute    int     `json:"safe_requests_per_minute"`
	Utilization              float64 `json:"utilization"`
}

// TenantStats reports one tenant's daily totals and remaining quota.
type TenantStats struct {
	DateUTC        string `json:"date_utc"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	RequestCount   int    `json:"request_count"`
	QuotaRemaining int    `json:"quota_remaining"`
}

// ConfigStats echoes the operative limits so dashboards need no second
// source.
type ConfigStats struct {
	SafetyFactor              float64 `json:"safety_factor"`
	DailyTokenBudgetPerTenant int     `json:"daily_token_budget_per_tenant"`
	MaxRequestWaitMillis      int64   `json:"max_request_wait_millis"`
	MaxRetries                int     `json:"max_retries"`
}

// Snapshot assembles the current stats view.
func (p *Proxy) Snapshot() Snapshot {
	active, queued, maxConcurrent := p.gate.Stats()

	// Union of configured and observed families, so idle configured
	// families still show their limits.
	names := make(map[string]struct{})
	for family := range p.cfg.ModelLimits {
		names[family] = struct{}{}
	}
	for _, family := range p.window.Families() {
		names[family] = struct{}{}
	}

	families := make(map[string]FamilyStats, len(names))
	for family := range names {
		usage := p.window.CurrentMinute(family)
		limits := p.controller.LimitsFor(family)
		safe := limits.SafeInputTokensPerMinute()

		utilization := 0.0
		if safe > 0 {
			utilization = float64(usage.InputTokens) / float64(safe)
		}

		families[family] = FamilyStats{
			InputTokensUsed:          usage.InputTokens,
			OutputTokens:             usage.OutputTokens,
			Requests:                 usage.Requests,
			SafeInputTokensPerMinute: safe,
			SafeRequestsPerMinute:    limits.SafeRequestsPerMinute(),
			Utilization:              utilization,
		}
	}

	budget := p.controller.DailyBudget()
	tenants := make(map[string]TenantStats)
	for tenant, usage := range p.ledger.Snapshot() {
		tenants[tenant] = TenantStats{
			DateUTC:        usage.DateUTC,
			InputTokens:    usage.InputTokens,
			OutputTokens:   usage.OutputTokens,
			RequestCount:   usage.RequestCount,
			QuotaRemaining: p.ledger.QuotaRemaining(tenant, budget),
		}
	}

	return Snapshot{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(p.started).Round(time.Second).String(),
		Proxy: ProxyStats{
			ActiveRequests: active,
			QueuedRequests: queued,
			MaxConcurrent:  maxConcurrent,
		},
		Families: families,
		Tenants:  tenants,
		Config: ConfigStats{
			SafetyFactor:              p.cfg.SafetyFactor,
			DailyTokenBudgetPerTenant: budget,
			MaxRequestWaitMillis:      p.cfg.MaxRequestWait.Milliseconds(),
			MaxRetries:                p.cfg.MaxRetries,
		},
	}
}

// HandleStats serves GET /stats.
func (p *Proxy) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.Snapshot())
}
