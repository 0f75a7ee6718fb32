package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mkoval/certledger/internal/authority"
	"github.com/mkoval/certledger/internal/authz"
	"github.com/mkoval/certledger/internal/config"
	"github.com/mkoval/certledger/internal/crl"
	"github.com/mkoval/certledger/internal/engine"
	"github.com/mkoval/certledger/internal/history"
	"github.com/mkoval/certledger/internal/metrics"
	"github.com/mkoval/certledger/internal/record"
	"github.com/mkoval/certledger/internal/state"
	"github.com/mkoval/certledger/internal/telemetry"
	"github.com/mkoval/certledger/internal/web"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver and read-side API",
	Long: `Start certledger as a long-running service.

Ledger webhook deliveries drive the lifecycle flows; the CRL artifact is
rebuilt after every confirmed revocation and on a periodic schedule.

Endpoints:
  /webhook         Inbound ledger webhook (HMAC-validated)
  /healthz         Liveness probe (503 when ledger contact is stale)
  /metrics         Prometheus scrape endpoint
  /api/v1/crl      Latest CRL artifact as JSON
  /api/v1/state    Per-identity certificate state (?identity=)
  /api/v1/history  Recent processed events (requires audit DB)
  /api/v1/builds   Recent CRL builds (requires audit DB)`,
	Example: `  # Run with default config
  certledger serve

  # Custom config and listen address
  certledger serve --config /etc/certledger/config.yaml --listen :9090

  # JSON logging for log aggregation
  certledger serve --log-format json --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("audit-db", "", "Path to SQLite audit database (enables /api/v1/history and /api/v1/builds)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	listenFlag, _ := cmd.Flags().GetString("listen") //nolint:errcheck // flag registered above
	if listenFlag != "" {
		cfg.ListenAddr = listenFlag
	}
	auditDB, _ := cmd.Flags().GetString("audit-db") //nolint:errcheck // flag registered above
	if auditDB != "" {
		cfg.AuditDB = auditDB
	}

	secret := config.WebhookSecret()
	if len(secret) == 0 {
		return fmt.Errorf("CERTLEDGER_WEBHOOK_SECRET is not set")
	}

	svc, err := newLedger(cfg)
	if err != nil {
		return err
	}

	var hist *history.Store
	if cfg.AuditDB != "" {
		hist, err = history.Open(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		defer hist.Close() //nolint:errcheck // best-effort cleanup on shutdown
		slog.Info("audit storage enabled", "path", cfg.AuditDB)
	}

	// Tracing
	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint") //nolint:errcheck // flag registered above
	tracer, tracerShutdown, tracerErr := telemetry.Init(context.Background(), otelEndpoint, version)
	if tracerErr != nil {
		slog.Warn("initializing tracer", "err", tracerErr)
	} else {
		defer tracerShutdown(context.Background()) //nolint:errcheck // best-effort flush
	}

	// Prometheus metrics
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// CA material: required, serve drives issuance.
	auth, err := authority.Load(cfg.Authority)
	if err != nil {
		return fmt.Errorf("loading CA material: %w", err)
	}
	var builderOpts []crl.Option
	if tracer != nil {
		builderOpts = append(builderOpts, crl.WithTracer(tracer))
	}
	builder := crl.New(svc, auth.IssuerName(), builderOpts...)

	// Shared state: latest CRL artifact and last successful ledger contact.
	var mu sync.RWMutex
	var latestCRL *record.CRL
	var lastContact time.Time

	getCRL := func() *record.CRL {
		mu.RLock()
		defer mu.RUnlock()
		return latestCRL
	}
	getLastContact := func() time.Time {
		mu.RLock()
		defer mu.RUnlock()
		return lastContact
	}
	touch := func() {
		mu.Lock()
		lastContact = time.Now()
		mu.Unlock()
	}

	rebuild := func(ctx context.Context) error {
		start := time.Now()
		built, err := builder.Build(ctx)
		if err != nil {
			return err
		}
		duration := time.Since(start)

		if err := writeCRLArtifact(cfg.CRLPath, built); err != nil {
			return err
		}
		if der, derErr := crl.BuildDER(built, auth, cfg.CRLNextUpdate); derErr != nil {
			slog.Warn("signing DER revocation list failed", "err", derErr)
		} else if err := os.WriteFile(cfg.CRLPath+".der", der, 0o644); err != nil {
			slog.Warn("writing DER revocation list failed", "err", err)
		}

		mu.Lock()
		latestCRL = built
		lastContact = time.Now()
		mu.Unlock()

		collector.UpdateCRL(built, duration)
		if hist != nil {
			if err := hist.RecordBuild(built.GeneratedAt, built.TotalIssued, built.TotalRevoked); err != nil {
				slog.Warn("recording build failed", "err", err)
			}
		}
		slog.Info("revocation list rebuilt", "issued", built.TotalIssued,
			"revoked", built.TotalRevoked, "duration", duration.Round(time.Millisecond))
		return nil
	}

	eng, err := buildEngine(cfg, svc,
		engine.WithRecorder(&auditRecorder{hist: hist, collector: collector}),
		engine.WithRebuild(rebuild),
		engine.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	process := func(ctx context.Context, id int) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("entry processing panic recovered", "entry", id, "panic", r)
			}
		}()
		res, err := eng.ProcessEntry(ctx, id)
		if err != nil {
			slog.Error("processing entry failed", "entry", id, "err", err)
			return
		}
		touch()
		slog.Info("entry processed", "entry", id, "outcome", res.Outcome, "detail", res.Detail)
	}

	resolver := state.New(svc, authz.New(svc, svc))

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", web.WebhookHandler(secret, process))
	mux.HandleFunc("/healthz", web.HealthzHandler(getLastContact, 2*cfg.CRLNextUpdate))
	mux.HandleFunc("/api/v1/crl", web.CRLHandler(getCRL))
	mux.HandleFunc("/api/v1/state", web.StateHandler(resolver.Resolve))
	if hist != nil {
		mux.HandleFunc("/api/v1/history", web.HistoryHandler(hist))
		mux.HandleFunc("/api/v1/builds", web.BuildsHandler(hist))
	}
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial build, then periodic rebuilds so the artifact's nextUpdate
	// window never lapses.
	if err := rebuild(ctx); err != nil {
		slog.Error("initial revocation list build failed", "err", err)
	}
	go func() {
		ticker := time.NewTicker(cfg.CRLNextUpdate / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rebuild(ctx); err != nil {
					slog.Error("periodic revocation list build failed", "err", err)
				}
			}
		}
	}()

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("certledger serve listening", "version", version, "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
