// Command claudegate runs a rate-limited multi-tenant proxy in front of
// the Anthropic Messages API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentfleet/claudegate/accounting"
	"github.com/agentfleet/claudegate/admission"
	"github.com/agentfleet/claudegate/config"
	"github.com/agentfleet/claudegate/gate"
	"github.com/agentfleet/claudegate/observability"
	"github.com/agentfleet/claudegate/proxy"
	"github.com/agentfleet/claudegate/upstream"
)

const serviceName = "claudegate"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "claudegate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := observability.NewLogger(cfg.LogLevel)

	if _, err := observability.InitMetrics(serviceName); err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	tp, err := observability.InitTracing(serviceName, cfg.TraceConsole)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	metrics, err := observability.NewProxyMetrics()
	if err != nil {
		return fmt.Errorf("creating instruments: %w", err)
	}

	window := accounting.NewAccountant()
	ledger, closeStore, err := buildLedger(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	controller := admission.NewController(window, ledger, familyLimits(cfg), cfg.DailyTokenBudgetPerTenant, log)
	g := gate.New(cfg.MaxConcurrent)

	client := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamCredential)
	caller := upstream.NewCaller(client, upstream.RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		JitterFraction: cfg.RetryJitterFraction,
	}, log)

	p := proxy.New(cfg, window, ledger, controller, g, caller, metrics, log)
	server := proxy.NewServer(p, cfg.ListenAddr, log)

	log.Info("starting claudegate",
		"listen_addr", cfg.ListenAddr,
		"upstream", cfg.UpstreamURL,
		"max_concurrent", cfg.MaxConcurrent,
		"safety_factor", cfg.SafetyFactor,
		"daily_token_budget", cfg.DailyTokenBudgetPerTenant)

	serveErr := server.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-stop:
		log.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

// buildLedger returns the tenant ledger, mirrored to Redis when a URL
// is configured. The returned func closes the store connection.
func buildLedger(cfg *config.Config, log *slog.Logger) (*accounting.Ledger, func(), error) {
	if cfg.RedisURL == "" {
		return accounting.NewLedger(), func() {}, nil
	}

	store, err := accounting.NewRedisStore(cfg.RedisURL, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("redis unreachable: %w", err)
	}

	log.Info("ledger mirroring to redis")
	ledger := accounting.NewLedgerWithStore(ctx, store, log)
	return ledger, func() { store.Close() }, nil
}

// familyLimits converts configured ceilings into admission limits with
// the safety factor applied.
func familyLimits(cfg *config.Config) map[string]admission.ModelLimits {
	out := make(map[string]admission.ModelLimits, len(cfg.ModelLimits))
	for family, limit := range cfg.ModelLimits {
		out[family] = admission.ModelLimits{
			InputTokensPerMinute: limit.InputTokensPerMinute,
			RequestsPerMinute:    limit.RequestsPerMinute,
			SafetyFactor:         cfg.SafetyFactor,
		}
	}
	return out
}
