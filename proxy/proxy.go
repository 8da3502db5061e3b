// Package proxy orchestrates the per-request pipeline: validate,
// estimate, downgrade, admit, bound concurrency, call upstream with
// retries, reconcile usage, respond.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentfleet/claudegate/accounting"
	"github.com/agentfleet/claudegate/admission"
	"github.com/agentfleet/claudegate/config"
	"github.com/agentfleet/claudegate/estimator"
	"github.com/agentfleet/claudegate/gate"
	"github.com/agentfleet/claudegate/observability"
	"github.com/agentfleet/claudegate/upstream"
)

const (
	// tenantHeader identifies the calling agent's owner.
	tenantHeader = "x-instance-id"

	// unknownTenant is accounted when the header is absent.
	unknownTenant = "unknown"

	// maxBodyBytes bounds inbound request bodies.
	maxBodyBytes = 10 << 20
)

// Request outcomes for metrics and logs.
const (
	outcomeOK            = "ok"
	outcomeBadRequest    = "bad_request"
	outcomeQuotaExceeded = "quota_exceeded"
	outcomeAdmissionWait = "admission_timeout"
	outcomeUpstreamError = "upstream_error"
	outcomeClientGone    = "client_gone"
)

// Proxy is the orchestrator. All collaborators are injected so tests
// can substitute fakes; the only shared mutable state lives inside
// them, each internally synchronized.
type Proxy struct {
	cfg        *config.Config
	window     *accounting.Accountant
	ledger     *accounting.Ledger
	controller *admission.Controller
	gate       *gate.Gate
	caller     *upstream.Caller
	resolver   *admission.Resolver
	metrics    *observability.ProxyMetrics
	tracer     trace.Tracer
	log        *slog.Logger
	started    time.Time
}

// New wires a Proxy. metrics may be nil (disabled).
func New(
	cfg *config.Config,
	window *accounting.Accountant,
	ledger *accounting.Ledger,
	controller *admission.Controller,
	g *gate.Gate,
	caller *upstream.Caller,
	metrics *observability.ProxyMetrics,
	log *slog.Logger,
) *Proxy {
	if log == nil {
		log = slog.Default()
	}

	patterns := make([]admission.FamilyPattern, 0, len(cfg.FamilyPatterns))
	for _, p := range cfg.FamilyPatterns {
		patterns = append(patterns, admission.FamilyPattern{Substring: p.Substring, Family: p.Family})
	}

	proxy := &Proxy{
		cfg:        cfg,
		window:     window,
		ledger:     ledger,
		controller: controller,
		gate:       g,
		caller:     caller,
		resolver:   admission.NewResolver(patterns),
		metrics:    metrics,
		tracer:     observability.GetTracer("claudegate.proxy"),
		log:        log,
		started:    time.Now(),
	}

	if metrics != nil {
		caller.OnRetry = func(int, time.Duration) {
			metrics.RecordRetry(context.Background())
		}
	}

	return proxy
}

// HandleMessages serves POST /v1/messages.
func (p *Proxy) HandleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := p.tracer.Start(r.Context(), "proxy.messages")
	defer span.End()

	requestID := RequestIDFromContext(r.Context())
	log := p.log.With("request_id", requestID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		p.finish(ctx, log, outcomeBadRequest, "", start)
		p.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var req upstream.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		p.finish(ctx, log, outcomeBadRequest, "", start)
		p.writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	if req.Model == "" {
		p.finish(ctx, log, outcomeBadRequest, "", start)
		p.writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		p.finish(ctx, log, outcomeBadRequest, "", start)
		p.writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	tenant := r.Header.Get(tenantHeader)
	if tenant == "" {
		tenant = unknownTenant
	}

	estimated := estimator.Estimate(&req)

	servedModel, downgraded := p.resolveDowngrade(req.Model)
	if downgraded {
		body, err = rewriteModel(body, servedModel)
		if err != nil {
			log.Error("model rewrite failed", "error", err)
			p.writeError(w, http.StatusInternalServerError, "api_error", "internal proxy error")
			return
		}
		log.Info("model downgraded", "from", req.Model, "to", servedModel, "tenant", tenant)
		if p.metrics != nil {
			p.metrics.RecordDowngrade(ctx, req.Model, servedModel)
		}
	}

	family := p.resolver.Resolve(servedModel)
	span.SetAttributes(
		attribute.String("tenant", tenant),
		attribute.String("model", servedModel),
		attribute.String("family", family),
		attribute.Int("estimated_tokens", estimated),
	)
	log = log.With("tenant", tenant, "model", servedModel, "family", family)

	// The admission deadline is computed once at entry; admission waits
	// and retry backoff both stay inside it.
	deadline := time.Now().Add(p.cfg.MaxRequestWait)

	admitStart := time.Now()
	if _, err := p.controller.Admit(ctx, family, estimated, tenant, deadline); err != nil {
		p.rejectAdmission(ctx, w, log, err, family, start)
		return
	}
	waited := time.Since(admitStart)
	if p.metrics != nil {
		p.metrics.RecordAdmissionWait(ctx, family, waited)
	}
	if waited > time.Second {
		log.Info("request admitted after wait", "waited", waited, "estimated_tokens", estimated)
	}

	if err := p.gate.Acquire(ctx); err != nil {
		// Client went away while queued; the reservation stays and ages
		// out of the window on its own.
		log.Info("client disconnected before upstream call")
		p.finish(ctx, log, outcomeClientGone, family, start)
		return
	}
	defer p.gate.Release()

	res, err := p.caller.Call(ctx, body, r.Header, deadline)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("client disconnected during upstream call")
			p.finish(ctx, log, outcomeClientGone, family, start)
			return
		}
		log.Error("upstream exhausted", "error", err)
		p.finish(ctx, log, outcomeUpstreamError, family, start)
		p.writeError(w, http.StatusBadGateway, "api_error", "upstream unavailable after retries")
		return
	}

	if res.StatusCode < 300 {
		p.respondSuccess(ctx, w, log, res, req.Model, servedModel, downgraded, family, tenant, estimated, start)
		return
	}

	p.respondUpstreamFailure(ctx, w, log, res, family, start)
}

// resolveDowngrade applies the forbidden-model rules to a requested
// model name.
func (p *Proxy) resolveDowngrade(model string) (string, bool) {
	lower := strings.ToLower(model)
	for _, rule := range p.cfg.Downgrades {
		if strings.Contains(lower, rule.Substring) {
			return rule.Fallback, true
		}
	}
	return model, false
}

// rewriteModel replaces the model field in the raw body, leaving every
// other field byte-identical.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = encoded
	return json.Marshal(fields)
}

// rejectAdmission maps admission failures to client responses.
func (p *Proxy) rejectAdmission(ctx context.Context, w http.ResponseWriter, log *slog.Logger, err error, family string, start time.Time) {
	var quotaErr *admission.QuotaExceededError
	if errors.As(err, &quotaErr) {
		log.Warn("tenant daily quota exceeded",
			"used_today", quotaErr.UsedToday,
			"daily_limit", quotaErr.DailyLimit)
		p.finish(ctx, log, outcomeQuotaExceeded, family, start)
		w.Header().Set("Retry-After", strconv.Itoa(secondsUntilUTCMidnight(time.Now())))
		p.writeEnvelope(w, http.StatusTooManyRequests, upstream.ErrorEnvelope{
			Type: "error",
			Error: upstream.ErrorDetail{
				Type:       "rate_limit_error",
				Message:    fmt.Sprintf("daily token budget exceeded: used %d of %d", quotaErr.UsedToday, quotaErr.DailyLimit),
				UsedToday:  quotaErr.UsedToday,
				DailyLimit: quotaErr.DailyLimit,
			},
		})
		return
	}

	var deadlineErr *admission.DeadlineExceededError
	if errors.As(err, &deadlineErr) {
		log.Warn("admission deadline exceeded", "waited", deadlineErr.Waited)
		p.finish(ctx, log, outcomeAdmissionWait, family, start)
		w.Header().Set("Retry-After", "30")
		p.writeError(w, http.StatusTooManyRequests, "rate_limit_error",
			"request timed out waiting for rate limit capacity")
		return
	}

	// Context cancellation: the client is gone, nothing to write.
	log.Info("client disconnected while waiting for admission")
	p.finish(ctx, log, outcomeClientGone, family, start)
}

// respondSuccess reconciles usage and forwards the upstream body.
func (p *Proxy) respondSuccess(
	ctx context.Context,
	w http.ResponseWriter,
	log *slog.Logger,
	res *upstream.Result,
	requestedModel, servedModel string,
	downgraded bool,
	family, tenant string,
	estimated int,
	start time.Time,
) {
	usage, ok := res.Usage()
	if ok {
		p.reconcile(log, family, tenant, estimated, usage)
	} else {
		log.Warn("response carried no usage, skipping reconciliation")
	}
	if p.metrics != nil {
		p.metrics.RecordTokens(ctx, family, estimated, usage.InputTokens, usage.OutputTokens)
	}
	p.finish(ctx, log, outcomeOK, family, start)

	body := res.Body
	if downgraded {
		if rewritten, err := injectDowngradeNote(body, requestedModel, servedModel); err == nil {
			body = rewritten
		}
		w.Header().Set("X-Proxy-Model-Downgraded", requestedModel+" -> "+servedModel)
	}

	p.copyUpstreamHeaders(w, res)
	p.setRateLimitHeaders(w, family)
	w.WriteHeader(res.StatusCode)
	w.Write(body)
}

// reconcile corrects the window reservation with actual usage and
// settles the tenant ledger. The correction is additive: the original
// reservation event is never mutated, so window ordering holds.
func (p *Proxy) reconcile(log *slog.Logger, family, tenant string, estimated int, usage upstream.Usage) {
	delta := usage.InputTokens - estimated
	if estimated > 0 && usage.InputTokens > 0 {
		ratio := float64(delta) / float64(usage.InputTokens)
		if ratio > 0.25 || ratio < -0.25 {
			log.Warn("token estimate off by more than 25%",
				"estimated", estimated,
				"actual", usage.InputTokens)
		}
	}

	if delta < 0 {
		// Over-estimates self-correct when the reservation ages out;
		// output tokens are still recorded for monitoring.
		delta = 0
	}
	p.window.RecordCorrection(family, delta, usage.OutputTokens, tenant)
	p.ledger.Add(tenant, usage.InputTokens, usage.OutputTokens)
}

// respondUpstreamFailure forwards permanent failures verbatim and wraps
// exhausted server errors as 502.
func (p *Proxy) respondUpstreamFailure(ctx context.Context, w http.ResponseWriter, log *slog.Logger, res *upstream.Result, family string, start time.Time) {
	p.finish(ctx, log, outcomeUpstreamError, family, start)
	log.Warn("upstream failure", "status", res.StatusCode)

	if res.StatusCode >= 500 {
		p.writeError(w, http.StatusBadGateway, "api_error",
			fmt.Sprintf("upstream returned %d after retries", res.StatusCode))
		return
	}

	// 429 after exhaustion and all other 4xx: status and provider body
	// forwarded unchanged.
	p.copyUpstreamHeaders(w, res)
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}

// copyUpstreamHeaders forwards the response headers clients rely on.
func (p *Proxy) copyUpstreamHeaders(w http.ResponseWriter, res *upstream.Result) {
	for _, name := range []string{"Content-Type", "Request-Id", "Anthropic-Organization-Id", "Retry-After"} {
		if v := res.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
}

// setRateLimitHeaders reports the family's remaining safe budget.
func (p *Proxy) setRateLimitHeaders(w http.ResponseWriter, family string) {
	limits := p.controller.LimitsFor(family)
	safe := limits.SafeInputTokensPerMinute()
	used := p.window.CurrentMinute(family).InputTokens
	remaining := safe - used
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit-Tokens", strconv.Itoa(safe))
	w.Header().Set("X-RateLimit-Remaining-Tokens", strconv.Itoa(remaining))
}

// injectDowngradeNote adds a proxy_downgrade object to the top level of
// a JSON response body.
func injectDowngradeNote(body []byte, requested, served string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	note, err := json.Marshal(map[string]string{
		"requested_model": requested,
		"served_model":    served,
	})
	if err != nil {
		return nil, err
	}
	fields["proxy_downgrade"] = note
	return json.Marshal(fields)
}

// finish records the request outcome.
func (p *Proxy) finish(ctx context.Context, log *slog.Logger, outcome, family string, start time.Time) {
	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordRequest(ctx, outcome, family, elapsed)
	}
	log.Debug("request finished", "outcome", outcome, "elapsed", elapsed)
}

// writeError writes a provider-compatible error envelope.
func (p *Proxy) writeError(w http.ResponseWriter, status int, errType, message string) {
	p.writeEnvelope(w, status, upstream.NewErrorEnvelope(errType, message))
}

// writeEnvelope serializes an envelope with the given status.
func (p *Proxy) writeEnvelope(w http.ResponseWriter, status int, envelope upstream.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope)
}

// secondsUntilUTCMidnight is the Retry-After hint for daily quota
// rejections.
func secondsUntilUTCMidnight(now time.Time) int {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	secs := int(midnight.Sub(utc).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
