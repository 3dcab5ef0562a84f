package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/warden/internal/audit"
	"github.com/MGallo-Code/warden/internal/auth"
	"github.com/MGallo-Code/warden/internal/background"
	"github.com/MGallo-Code/warden/internal/config"
	"github.com/MGallo-Code/warden/internal/kv"
	"github.com/MGallo-Code/warden/internal/lockout"
	"github.com/MGallo-Code/warden/internal/metrics"
	"github.com/MGallo-Code/warden/internal/otp"
	"github.com/MGallo-Code/warden/internal/sms"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tempreg"
	"github.com/MGallo-Code/warden/internal/threat"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

const (
	auditBufferSize   = 1024
	taskMaxRetries    = 2
	sessionRetention  = 7 * 24 * time.Hour
	sessionSweepEvery = 24 * time.Hour
)

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A nil sender is chosen from cfg; tests pass one to read the codes.
func run(ctx context.Context, cfg *config.Config, ready chan<- string, sender sms.Sender) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Redis is optional. Without it pending registrations and codes live in
	// this process, which is only correct for a single instance.
	var (
		rs       auth.SessionCache              = store.NoopSessionCache{}
		pendingS kv.Store[tempreg.Registration] = kv.NewMemoryStore[tempreg.Registration](nil)
		codeS    kv.Store[otp.Record]           = kv.NewMemoryStore[otp.Record](nil)
	)
	if cfg.RedisURL != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
		rs = store.NewRedisStore(rdb)
		pendingS = kv.NewRedisStore[tempreg.Registration](rdb, "warden:pending")
		codeS = kv.NewRedisStore[otp.Record](rdb, "warden:otp")
	} else {
		slog.Warn("REDIS_URL not set, keeping sessions uncached and verification state in memory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Audit: log always, Postgres always, Kafka when brokers are configured.
	sinks := audit.Fanout{audit.LogSink{}, audit.StoreSink{W: ps}}
	if len(cfg.KafkaBrokers) > 0 {
		ks := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
		slog.Info("audit events streaming to kafka", "topic", cfg.KafkaAuditTopic)
	}
	auditor := audit.NewDispatcher(sinks, auditBufferSize)
	defer auditor.Close()

	if sender == nil {
		if sender, err = newSender(cfg); err != nil {
			return err
		}
	}

	queue := background.NewQueue(cfg.TaskWorkers, cfg.TaskQueueSize, taskMaxRetries)
	defer queue.Close()

	h := &auth.AuthHandler{
		PS:      ps,
		RS:      rs,
		Pending: tempreg.New(pendingS, nil),
		OTP: otp.New(codeS, sender, otp.Options{
			RequireCountryCode: cfg.OTPRequireCountryCode,
			Metrics:            m,
		}),
		Lockout: lockout.New(auditor, m, nil),
		Threats: threat.New(threat.Config{
			Production: cfg.Production(),
			RateLimit:  cfg.ThreatRateLimit,
			Audit:      auditor,
			Metrics:    m,
		}),
		Tasks:   queue,
		Metrics: m,
		Cookies: auth.CookieConfig{
			Secret: cfg.SessionSecret,
			Secure: cfg.CookieSecure,
			Strict: cfg.Production(),
			Domain: cfg.CookieDomain,
		},
		SessionTTL: cfg.SessionTTL,
	}

	registerGauges(reg, m, h, auditor, queue)

	sched := newScheduler(h, ps)
	sched.Start(ctx)
	defer sched.Stop()

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	server := &http.Server{
		Handler:           buildRouter(h, cfg.Production(), cfg.TrustedProxies, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden listening", "addr", ln.Addr().String(), "env", cfg.Env, "trusted_proxies", len(cfg.TrustedProxies))
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting, waits for in-flight requests, then the deferred closes
	// drain the task queue and flush the audit dispatcher.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// newSender picks Twilio when configured and the log sender otherwise.
// Config validation already requires Twilio in production.
func newSender(cfg *config.Config) (sms.Sender, error) {
	if !cfg.TwilioConfigured() {
		slog.Warn("twilio not configured, verification codes will only be logged")
		return sms.LogSender{}, nil
	}
	s, err := sms.NewTwilioSender(sms.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		From:       cfg.TwilioFromNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up twilio sender: %w", err)
	}
	return s, nil
}

// sessionCleaner is the part of *store.PostgresStore the scheduler needs.
type sessionCleaner interface {
	CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error)
}

// newScheduler registers every periodic sweep. Each one checks expiry itself,
// so a late or skipped tick only delays reclamation.
func newScheduler(h *auth.AuthHandler, sessions sessionCleaner) *background.Scheduler {
	s := background.NewScheduler()
	s.Every("pending-registration-sweep", tempreg.SweepInterval, func(ctx context.Context) error {
		_, err := h.Pending.Sweep(ctx)
		return err
	})
	s.Every("verification-code-sweep", tempreg.SweepInterval, func(ctx context.Context) error {
		_, err := h.OTP.Sweep(ctx)
		return err
	})
	s.Every("lockout-sweep", lockout.SweepInterval, func(ctx context.Context) error {
		n, err := h.Lockout.Sweep(ctx)
		if n > 0 {
			slog.Info("lockout sweep complete", "purged", n)
		}
		return err
	})
	s.Every("threat-cleanup", threat.CleanupInterval, h.Threats.Cleanup)
	s.Every("session-cleanup", sessionSweepEvery, func(ctx context.Context) error {
		n, err := sessions.CleanupExpiredSessions(ctx, sessionRetention)
		if err == nil {
			slog.Info("session cleanup complete", "deleted", n)
		}
		return err
	})
	return s
}

// registerGauges exposes scrape-time views of in-process state.
func registerGauges(reg prometheus.Registerer, m *metrics.Metrics, h *auth.AuthHandler, auditor *audit.Dispatcher, queue *background.Queue) {
	m.RegisterGauge(reg, "tracked_lockouts", "Identity/origin pairs with recorded failures.", func() float64 {
		return float64(h.Lockout.Stats().Tracked)
	})
	m.RegisterGauge(reg, "active_lockouts", "Identity/origin pairs currently locked.", func() float64 {
		return float64(h.Lockout.Stats().Locked)
	})
	m.RegisterGauge(reg, "flagged_origins", "Origins currently flagged as suspicious.", func() float64 {
		return float64(h.Threats.Stats().FlaggedOrigins)
	})
	m.RegisterGauge(reg, "audit_events_dropped", "Audit events dropped because the buffer was full.", func() float64 {
		return float64(auditor.Dropped())
	})
	m.RegisterGauge(reg, "background_tasks_failed", "Background tasks that exhausted their retries.", func() float64 {
		return float64(queue.Failed())
	})
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler, production bool, trustedProxies []netip.Prefix, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// Forwarding headers count only from TRUSTED_PROXIES; lockout and threat state key on this address.
	r.Use(threat.TrustedRealIP(trustedProxies))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	// After TrustedRealIP so the detector sees the client address.
	r.Use(h.Threats.Middleware)

	r.Get("/health", h.CheckHealth)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Post("/register", h.Register)
	r.Post("/verify-sms", h.VerifySMS)
	r.Post("/resend-sms", h.ResendSMS)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/user", h.Me)
	})

	// Alert details name origins and user agents, so they stay off production
	// listeners; operators there read the aggregates from /metrics.
	if !production {
		r.Get("/security/stats", h.SecurityStats)
	}

	return r
}
