package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/careline/triage/internal/adapters/appointment"
	"github.com/careline/triage/internal/adapters/availability"
	"github.com/careline/triage/internal/adapters/communication"
	"github.com/careline/triage/internal/adapters/health"
	"github.com/careline/triage/internal/adapters/health/heliant"
	"github.com/careline/triage/internal/audit"
	"github.com/careline/triage/internal/kurrentdb"
	"github.com/careline/triage/internal/notification"
	"github.com/careline/triage/internal/shared/auth"
	"github.com/careline/triage/internal/shared/config"
	"github.com/careline/triage/internal/shared/database"
	"github.com/careline/triage/internal/shared/logging"
	"github.com/careline/triage/internal/shared/metrics"
	secmiddleware "github.com/careline/triage/internal/shared/middleware"
	"github.com/careline/triage/internal/shared/types"
	"github.com/careline/triage/internal/triage"
	"github.com/careline/triage/internal/triage/api"
	"github.com/careline/triage/internal/triage/classifier"
	"github.com/careline/triage/internal/triage/escalation"
	"github.com/careline/triage/internal/triage/registry"
)

// App holds all application dependencies
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *database.DB
	KurrentDB *kurrentdb.Client
	Redis     *redis.Client
	HIS       *heliant.Adapter
}

type checker func(ctx context.Context) error

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("triage stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	app := &App{Config: cfg, Logger: logger}
	defer app.close()
	app.connect(ctx)

	clk := clockwork.NewRealClock()

	// Audit trail
	var sink audit.Sink
	switch {
	case app.DB != nil:
		pg := audit.NewPostgresSink(app.DB.Pool)
		if err := pg.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize audit chain: %w", err)
		}
		sink = pg
	case app.KurrentDB != nil:
		kdb := audit.NewKurrentDBSink(app.KurrentDB)
		if err := kdb.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize audit chain: %w", err)
		}
		sink = kdb
	default:
		logger.Warn("no durable audit store configured, keeping audit trail in memory")
		sink = audit.NewMemorySink()
	}
	recorder := audit.NewRecorder(sink, logger)
	reader, _ := sink.(audit.Reader)

	// Notifications
	var notifyProvider notification.Provider = notification.NewLogProvider(logger)
	if app.KurrentDB != nil {
		notifyProvider = notification.MultiProvider{
			notification.NewEventBusProvider(kurrentdb.NewPublisher(app.KurrentDB)),
			notifyProvider,
		}
	}
	notifier := notification.NewService(notifyProvider, notification.DefaultServiceConfig(), logger)

	// Patient data
	var source health.Source
	if app.HIS != nil {
		source = app.HIS
	} else {
		mem := health.NewMemorySource()
		seedPatients(mem)
		source = mem
	}
	var patients health.Provider = health.NewAssembler(source, clk, logger)
	if app.Redis != nil {
		patients = health.NewCached(patients, health.NewRedisStore(app.Redis), cfg.Redis.TTL, logger)
	}

	// Classifier
	keywords := classifier.NewKeywordClassifier()
	var (
		cls classifier.Classifier = keywords
		ext classifier.Extractor  = keywords
	)
	var nlp *classifier.HTTPClient
	if cfg.Classifier.Enabled {
		nlp = classifier.NewHTTPClient(cfg.Classifier)
		cls, ext = nlp, nlp
		logger.Info("using NLP classifier", "url", cfg.Classifier.URL)
	}

	// Escalation collaborators
	var avail availability.Provider
	if cfg.Availability.Enabled {
		avail = availability.NewHTTPClient(cfg.Availability)
	} else {
		roster := availability.NewRoster()
		seedRoster(roster, clk.Now())
		avail = roster
	}
	var comms communication.Provider = communication.NewRecorder()
	if app.KurrentDB != nil {
		comms = communication.NewEventBridge(kurrentdb.NewPublisher(app.KurrentDB))
	}
	calendar := appointment.NewCalendar()
	seedCalendar(calendar, clk.Now())

	coordinator := escalation.New(cfg.Escalation, escalation.Collaborators{
		Availability:  avail,
		Communication: comms,
		Appointments:  calendar,
		Notifier:      notifier,
		Audit:         recorder,
	}, clk, logger)

	reg := registry.New(ctx, registry.Config{
		SessionTimeout: cfg.Triage.SessionTimeout,
		SweepInterval:  cfg.Triage.SweepInterval,
		FollowUpCap:    cfg.Triage.FollowUpCap,
	}, clk, logger)

	engine := triage.New(cfg.Triage, reg, triage.Collaborators{
		Classifier: cls,
		Extractor:  ext,
		Patients:   patients,
		Escalator:  coordinator,
		Audit:      recorder,
	}, triage.NewResponder(cfg.Escalation.EmergencyNumber), clk, logger)

	checks := app.checks()
	if nlp != nil {
		checks["classifier"] = nlp.Health
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.router(api.NewHandler(engine, coordinator, logger), audit.NewHandler(reader), checks),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Workers outlive the signal so cases still running at shutdown can
	// deliver their alerts.
	if err := notifier.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := reg.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("triage listening",
			"addr", srv.Addr,
			"env", cfg.Server.Env,
			"classifier", map[bool]string{true: "nlp", false: "keyword"}[cfg.Classifier.Enabled],
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		engine.Close()
		// Open cases finish their workflow; each one is bounded by its
		// own deadline.
		coordinator.Wait()
		return notifier.Stop()
	})

	return g.Wait()
}

// connect opens the optional backing services. A service that cannot be
// reached is logged and left nil; the in-memory fallback takes its place.
func (app *App) connect(ctx context.Context) {
	cfg, logger := app.Config, app.Logger

	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			logger.Warn("database not available", "error", err)
		} else {
			app.DB = db
			if err := db.Migrate(ctx, logger); err != nil {
				logger.Warn("migration failed", "error", err)
			}
		}
	}

	if cfg.KurrentDB.Enabled {
		client, err := kurrentdb.NewClient(cfg.KurrentDB)
		if err != nil {
			logger.Warn("KurrentDB not available", "error", err)
		} else {
			app.KurrentDB = client
			logger.Info("KurrentDB connected", "host", cfg.KurrentDB.Host, "port", cfg.KurrentDB.Port)
		}
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available, snapshot cache disabled", "error", err)
			_ = rdb.Close()
		} else {
			app.Redis = rdb
		}
	}

	if cfg.HIS.Enabled {
		his, err := heliant.Open(ctx, heliant.DefaultConfig(cfg.HIS))
		if err != nil {
			logger.Warn("HIS not available, using in-memory patient records", "error", err)
		} else {
			app.HIS = his
		}
	}
}

func (app *App) close() {
	if app.HIS != nil {
		_ = app.HIS.Close()
	}
	if app.Redis != nil {
		_ = app.Redis.Close()
	}
	if app.KurrentDB != nil {
		_ = app.KurrentDB.Close()
	}
	if app.DB != nil {
		app.DB.Close()
	}
}

func (app *App) checks() map[string]checker {
	checks := map[string]checker{}
	if app.DB != nil {
		checks["database"] = app.DB.Health
	}
	if app.KurrentDB != nil {
		checks["kurrentdb"] = app.KurrentDB.HealthCheck
	}
	if app.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }
	}
	if app.HIS != nil {
		checks["his"] = app.HIS.Health
	}
	return checks
}

func (app *App) router(h *api.Handler, auditHandler *audit.Handler, checks map[string]checker) http.Handler {
	cfg := app.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(app.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(checks))
	r.Handle("/metrics", metrics.Handler())

	limiter := secmiddleware.NewKeyedRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, principalKey)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.Env == "production" {
			r.Use(auth.Middleware(cfg.Auth))
		} else {
			r.Use(devPrincipal)
		}

		r.Route("/triage", func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Use(secmiddleware.LimitBody(16 << 10))
			r.Mount("/", h.Routes())
		})
		r.Mount("/audit", auditHandler.Routes())
	})

	return r
}

// principalKey rate-limits per authenticated caller, falling back to the
// client address.
func principalKey(r *http.Request) string {
	if p := auth.GetPrincipal(r.Context()); p != nil {
		return p.ID.String()
	}
	return secmiddleware.ClientIP(r)
}

// devPrincipal trusts the X-Patient-ID header outside production so the API
// can be driven without issuing tokens.
func devPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Patient-ID")
		if id == "" {
			id = "dev-patient"
		}
		roles := []string{auth.RolePatient}
		switch role := r.Header.Get("X-Role"); role {
		case auth.RoleProvider, auth.RoleAdmin:
			roles = []string{role}
		}
		p := &auth.Principal{ID: types.ID(id), Roles: roles}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func readyHandler(checks map[string]checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		results := map[string]string{
			"server": "ready",
		}
		allReady := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = "not ready: " + err.Error()
				allReady = false
			} else {
				results[name] = "ready"
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": results,
		})
	}
}
