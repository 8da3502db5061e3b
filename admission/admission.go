package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentfleet/claudegate/accounting"
)

// QuotaExceededError is returned when a tenant's daily token budget
// cannot cover the estimated request.
type QuotaExceededError struct {
	TenantID   string
	UsedToday  int
	DailyLimit int
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tenant %q exceeded daily token budget: used %d of %d",
		e.TenantID, e.UsedToday, e.DailyLimit)
}

// DeadlineExceededError is returned when window capacity did not free up
// before the request's admission deadline.
type DeadlineExceededError struct {
	Family string
	Waited time.Duration
}

// Error implements the error interface.
func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("admission deadline exceeded for family %q after waiting %s",
		e.Family, e.Waited.Round(time.Millisecond))
}

// Controller combines the rolling window and the tenant ledger into the
// single admission decision: proceed now, wait, or reject.
type Controller struct {
	window      *accounting.Accountant
	ledger      *accounting.Ledger
	limits      map[string]ModelLimits
	dailyBudget int
	log         *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates an admission controller. The limits map is
// keyed by family; a DefaultFamily entry must be present and is used
// for families without explicit limits.
func NewController(window *accounting.Accountant, ledger *accounting.Ledger, limits map[string]ModelLimits, dailyBudget int, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		window:      window,
		ledger:      ledger,
		limits:      limits,
		dailyBudget: dailyBudget,
		log:         log,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LimitsFor returns the effective limits for a family.
func (c *Controller) LimitsFor(family string) ModelLimits {
	if l, ok := c.limits[family]; ok {
		return l
	}
	return c.limits[DefaultFamily]
}

// DailyBudget returns the per-tenant daily input token budget.
func (c *Controller) DailyBudget() int {
	return c.dailyBudget
}

// Admit blocks until the request fits the family's minute budget or the
// deadline passes. On success it has already reserved the estimated
// tokens in the rolling window and returns the reservation timestamp.
//
// The reservation is intentionally never rolled back, even when the
// upstream call later fails permanently: it bounds upstream spend for
// failing traffic too, and self-corrects when the event ages out of the
// window within a minute.
func (c *Controller) Admit(ctx context.Context, family string, estimatedTokens int, tenantID string, deadline time.Time) (time.Time, error) {
	// Daily quota first: a tenant over budget is rejected immediately,
	// regardless of window headroom.
	used := c.ledger.Today(tenantID).InputTokens
	if used+estimatedTokens > c.dailyBudget {
		return time.Time{}, &QuotaExceededError{
			TenantID:   tenantID,
			UsedToday:  used,
			DailyLimit: c.dailyBudget,
		}
	}

	limits := c.LimitsFor(family)
	safeTokens := limits.SafeInputTokensPerMinute()
	safeRequests := limits.SafeRequestsPerMinute()
	start := c.now()

	for {
		if ts, ok := c.window.TryReserve(family, estimatedTokens, tenantID, safeTokens, safeRequests); ok {
			return ts, nil
		}

		now := c.now()
		wait := time.Second
		// Wake one second after the oldest event leaves the minute
		// window; the margin and the one-second floor prevent tight
		// spinning when the window is full or the request can never fit.
		if expiry := c.window.EarliestExpiry(family); !expiry.IsZero() {
			if until := expiry.Add(time.Second).Sub(now); until > wait {
				wait = until
			}
		}

		if now.Add(wait).After(deadline) {
			return time.Time{}, &DeadlineExceededError{
				Family: family,
				Waited: now.Sub(start),
			}
		}

		c.log.Debug("admission waiting for window capacity",
			"family", family,
			"tenant", tenantID,
			"estimated_tokens", estimatedTokens,
			"wait", wait)

		if err := c.sleep(ctx, wait); err != nil {
			return time.Time{}, err
		}
	}
}
