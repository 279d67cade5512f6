package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	accounthandler "dossier/internal/account/handler"
	accountservice "dossier/internal/account/service"
	accountstore "dossier/internal/account/store"
	"dossier/internal/application/approval"
	"dossier/internal/application/confirmation"
	apphandler "dossier/internal/application/handler"
	appmetrics "dossier/internal/application/metrics"
	"dossier/internal/application/models"
	appservice "dossier/internal/application/service"
	appstore "dossier/internal/application/store"
	"dossier/internal/attachment"
	"dossier/internal/document"
	jwttoken "dossier/internal/jwt_token"
	notifhandler "dossier/internal/notification/handler"
	notifmetrics "dossier/internal/notification/metrics"
	"dossier/internal/notification/sender"
	notifservice "dossier/internal/notification/service"
	notifstore "dossier/internal/notification/store"
	"dossier/internal/platform/config"
	"dossier/internal/platform/httpserver"
	"dossier/internal/platform/kafka"
	"dossier/internal/platform/logger"
	platformmetrics "dossier/internal/platform/metrics"
	"dossier/internal/platform/postgres"
	"dossier/internal/platform/redis"
	"dossier/pkg/platform/audit"
	"dossier/pkg/platform/audit/publishers/compliance"
	auditmemory "dossier/pkg/platform/audit/store/memory"
	auditpostgres "dossier/pkg/platform/audit/store/postgres"
	"dossier/pkg/platform/circuit"
	"dossier/pkg/platform/httputil"
	adminmw "dossier/pkg/platform/middleware/admin"
	authmw "dossier/pkg/platform/middleware/auth"
	"dossier/pkg/platform/middleware/metadata"
	request "dossier/pkg/platform/middleware/request"
	"dossier/pkg/platform/middleware/requesttime"
)

type notificationStore interface {
	notifservice.Store
	appservice.Outbox
}

// infra holds the backing stores selected by configuration. Postgres when
// DATABASE_URL is set, in-memory otherwise.
type infra struct {
	db            *sql.DB
	redis         *redis.Client
	kafka         *kafka.Client
	accounts      accountservice.Store
	applications  appservice.Store
	tx            appservice.Tx
	notifications notificationStore
	audit         audit.Store
}

func (i *infra) Close() {
	if i.kafka != nil {
		i.kafka.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.db != nil {
		_ = i.db.Close()
	}
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	catalog, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	deps, err := buildInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	appMetrics := appmetrics.New()
	auditPublisher := compliance.New(deps.audit,
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics()),
	)

	notificationSender := buildSender(deps, log)
	dispatcher, err := notifservice.New(deps.notifications, notificationSender,
		notifservice.WithConfig(notifservice.Config{
			MaxAttempts:  cfg.Notifications.MaxAttempts,
			BaseBackoff:  cfg.Notifications.BaseBackoff,
			Lease:        cfg.Notifications.Lease,
			BatchSize:    cfg.Notifications.BatchSize,
			PollInterval: cfg.Notifications.PollInterval,
		}),
		notifservice.WithBreaker(circuit.New("notification-sender")),
		notifservice.WithLogger(log),
		notifservice.WithMetrics(notifmetrics.New()),
		notifservice.WithAuditPublisher(auditPublisher),
	)
	if err != nil {
		return fmt.Errorf("create notification dispatcher: %w", err)
	}

	var disambiguator confirmation.Disambiguator = confirmation.RandomDisambiguator{}
	if cfg.Confirmation.Sequence == config.SequenceRedis {
		disambiguator = confirmation.NewRedisSequence(deps.redis)
	}
	generator := confirmation.New(
		confirmation.WithPrefix(cfg.Confirmation.Prefix),
		confirmation.WithDisambiguator(disambiguator),
		confirmation.WithMaxAttempts(cfg.Confirmation.MaxAttempts),
		confirmation.WithLogger(log),
		confirmation.WithMetrics(appMetrics),
	)

	blobs, err := attachment.NewFileStore(cfg.Documents.AttachmentDir, attachment.WithMaxBytes(cfg.Documents.MaxUploadBytes))
	if err != nil {
		return err
	}
	renderer, err := document.NewPDFRenderer(cfg.Documents.DocumentDir, catalog)
	if err != nil {
		return err
	}

	orchestrator, err := approval.New(deps.applications, deps.tx, renderer, catalog,
		approval.WithOutbox(deps.notifications, dispatcher),
		approval.WithAuditPublisher(auditPublisher),
		approval.WithRenderTimeout(cfg.Documents.RenderTimeout),
		approval.WithLogger(log),
		approval.WithMetrics(appMetrics),
	)
	if err != nil {
		return fmt.Errorf("create approval orchestrator: %w", err)
	}

	svc, err := appservice.New(deps.applications, deps.tx, generator, catalog,
		appservice.WithOutbox(deps.notifications, dispatcher),
		appservice.WithBlobStore(blobs),
		appservice.WithApprover(orchestrator),
		appservice.WithLogger(log),
		appservice.WithMetrics(appMetrics),
		appservice.WithAuditPublisher(auditPublisher),
	)
	if err != nil {
		return fmt.Errorf("create application service: %w", err)
	}

	jwtService := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
	accountSvc, err := accountservice.New(deps.accounts, jwtService,
		accountservice.WithResetSender(notificationSender),
		accountservice.WithAuditPublisher(auditPublisher),
		accountservice.WithLogger(log),
		accountservice.WithAccessTokenTTL(cfg.Auth.AccessTokenTTL),
		accountservice.WithResetTTL(cfg.Auth.PasswordResetTTL),
	)
	if err != nil {
		return fmt.Errorf("create account service: %w", err)
	}
	accounts := accounthandler.New(accountSvc, log)
	applications := apphandler.New(svc, log,
		apphandler.WithDocuments(renderer),
		apphandler.WithCatalog(catalog),
		apphandler.WithMaxUploadBytes(cfg.Documents.MaxUploadBytes+1<<20),
	)

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(log))
	r.Use(request.Logger(log))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(platformmetrics.New().LatencyMiddleware)

	r.Get("/health", healthHandler(deps))
	r.Handle("/metrics", promhttp.Handler())
	accounts.RegisterPublic(r)

	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(jwttoken.NewJWTServiceAdapter(jwtService), log))
		accounts.Register(r)
		applications.Register(r)
	})
	if cfg.Auth.PaymentCallbackToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(adminmw.RequireSharedSecret(adminmw.HeaderCallbackToken, cfg.Auth.PaymentCallbackToken, "callback token required", log))
			applications.RegisterCallback(r)
		})
	} else {
		log.Warn("PAYMENT_CALLBACK_TOKEN not set; provider callbacks are disabled")
	}
	if cfg.Auth.AdminAPIToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(adminmw.RequireAdminToken(cfg.Auth.AdminAPIToken, log))
			notifhandler.New(dispatcher, log).Register(r)
			accounts.RegisterAdmin(r)
		})
	} else {
		log.Warn("ADMIN_API_TOKEN not set; notification and account admin endpoints are disabled")
	}

	srv := httpserver.New(cfg.Server.Addr, http.TimeoutHandler(r, cfg.Server.RequestTimeout, `{"error":"timeout"}`))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting dossier", "addr", cfg.Server.Addr, "environment", cfg.Environment, "postgres", deps.db != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := dispatcher.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("notification dispatcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	deps := &infra{}
	fail := func(err error) (*infra, error) {
		deps.Close()
		return nil, err
	}

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return fail(err)
	}
	if db != nil {
		deps.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			return fail(err)
		}
		deps.accounts = accountstore.NewPostgres(db)
		deps.applications = appstore.NewPostgres(db)
		deps.tx = newApplicationPostgresTx(db)
		deps.notifications = notifstore.NewPostgres(db)
		deps.audit = auditpostgres.New(db)
	} else {
		log.Warn("DATABASE_URL not set; using in-memory stores")
		deps.accounts = accountstore.NewInMemory()
		deps.applications = appstore.NewInMemory()
		deps.tx = appservice.NewShardedTx(0)
		deps.notifications = notifstore.NewInMemory()
		deps.audit = auditmemory.NewInMemoryStore()
	}

	if deps.redis, err = redis.New(ctx, cfg.Redis); err != nil {
		return fail(err)
	}

	if deps.kafka, err = kafka.New(cfg.Kafka); err != nil {
		return fail(err)
	}
	if deps.kafka != nil {
		if err := deps.kafka.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.Replication); err != nil {
			return fail(err)
		}
	}
	return deps, nil
}

func buildSender(deps *infra, log *slog.Logger) notifservice.Sender {
	if deps.kafka != nil {
		return sender.NewKafka(deps.kafka, deps.kafka.Topic())
	}
	log.Warn("KAFKA_BROKERS not set; notifications are written to the log")
	return sender.NewLog(log)
}

func loadCatalog(path string) (*models.Catalog, error) {
	if path == "" {
		return models.DefaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	catalog, err := models.LoadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return catalog, nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// healthHandler reports the reachability of every configured backend.
func healthHandler(deps *infra) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]func(context.Context) error{}
		if deps.db != nil {
			checks["postgres"] = deps.db.PingContext
		}
		if deps.redis != nil {
			checks["redis"] = deps.redis.Health
		}
		if deps.kafka != nil {
			checks["kafka"] = deps.kafka.Health
		}

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
