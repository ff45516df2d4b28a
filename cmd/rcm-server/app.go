package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.elastic.co/apm"
	"go.elastic.co/apm/module/apmechov4"
	"go.elastic.co/ecszerolog"

	"github.com/ehr/rcm/internal/config"
	"github.com/ehr/rcm/internal/domain/bed"
	"github.com/ehr/rcm/internal/domain/billing"
	"github.com/ehr/rcm/internal/domain/consent"
	"github.com/ehr/rcm/internal/domain/patient"
	"github.com/ehr/rcm/internal/domain/task"
	"github.com/ehr/rcm/internal/domain/timing"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/envelope"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/hipaa"
	"github.com/ehr/rcm/internal/platform/jobs"
	"github.com/ehr/rcm/internal/platform/metrics"
	"github.com/ehr/rcm/internal/platform/middleware"
	"github.com/ehr/rcm/internal/platform/mio"
	"github.com/ehr/rcm/internal/platform/notification"
	"github.com/ehr/rcm/internal/platform/pdf"
)

const (
	mioTimeout            = 10 * time.Second
	pdfTimeout            = 60 * time.Second
	systemMetricsInterval = 15 * time.Second

	// Signed consent HTML embeds signature images.
	consentSubmitPath = "/api/v1/ehr/consent-form/submit"
)

// newLogger builds the root logger from LOG_FORMAT and LOG_LEVEL.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch cfg.ResolvedLogFormat() {
	case "console":
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	case "ecs":
		return ecszerolog.New(out).With().Str("service.name", cfg.ServiceName).Logger()
	default:
		return zerolog.New(out).With().Timestamp().Str("service", cfg.ServiceName).Logger()
	}
}

// app holds the shared infrastructure and domain services used by both the
// HTTP server and the standalone worker.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	queue   jobs.Queue
	limiter middleware.Limiter
	closers []func() error

	timing     *timing.Service
	consent    *consent.Service
	renders    *consent.Processor
	patients   *patient.Service
	tasks      *task.Service
	claims     *billing.Service
	statements *billing.Statements
	beds       *bed.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.BillingLocation()
	if err != nil {
		return nil, err
	}
	policy, err := timing.ParsePolicy(cfg.BillingOverlapPolicy)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	a := &app{cfg: cfg, logger: logger, pool: pool, metrics: metrics.New()}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	phi, err := hipaa.NewEncryptionService(cfg.PHIEncryptionKey, cfg.PHISalt, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("phi encryption: %w", err)
	}

	var awsCfg aws.Config
	if cfg.BucketName != "" || cfg.ConsentQueueURL != "" || cfg.EmailSender == "ses" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	var store blobstore.BlobStore
	if cfg.BucketName != "" {
		store = blobstore.NewS3Store(blobstore.NewS3Client(awsCfg, cfg.S3Endpoint), cfg.BucketName, cfg.AWSRegion, cfg.S3Endpoint)
		logger.Info().Str("bucket", cfg.BucketName).Msg("using s3 blob store")
	} else {
		store = blobstore.NewMemoryStore(strings.TrimRight(cfg.AppBaseURL, "/") + "/files")
		logger.Warn().Msg("BUCKET_NAME not set, rendered documents are kept in memory")
	}

	if cfg.ConsentQueueURL != "" {
		a.queue = jobs.NewSQSQueue(jobs.NewSQSClient(awsCfg), cfg.ConsentQueueURL)
	} else {
		a.queue = jobs.NewMemoryQueue(0)
	}

	var sender notification.EmailSender
	if cfg.EmailSender == "ses" {
		sender = notification.NewSESSender(notification.NewSESClient(awsCfg), cfg.EmailFrom)
	} else {
		sender = notification.NewLogSender(logger)
	}
	notifier := notification.NewNotifier(sender, notification.NewTemplateEngine())

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		a.closers = append(a.closers, kp.Close)
		publisher = kp
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		a.limiter = middleware.NewRedisLimiter(client, cfg.RateLimitBurst, time.Second)
	}

	renderer := pdf.NewChromeRenderer(cfg.ChromePath, pdfTimeout)
	retry := blobstore.DefaultRetryPolicy(cfg.UploadMaxAttempts)
	tx := db.NewTxRunner(pool)

	a.timing = timing.NewService(timing.NewRepoPG(pool), policy, loc)
	a.timing.SetObserver(a.metrics)

	consentRepo := consent.NewRepoPG(pool)
	a.consent = consent.NewService(consentRepo, tx, a.queue, notifier, phi, publisher, consent.Config{
		TokenTTL:   cfg.ConsentTokenTTL,
		AppBaseURL: cfg.AppBaseURL,
	}, logger)
	a.renders = consent.NewProcessor(consentRepo, tx, renderer, store, publisher, consent.ProcessorConfig{
		OutputDir: cfg.PDFOutputDir,
		Retry:     retry,
	}, logger)
	a.renders.SetObserver(a.metrics)

	devices := mio.NewClient(cfg.MIOBaseURL, cfg.MIOAPIKey, mioTimeout)
	a.patients = patient.NewService(patient.NewRepoPG(pool, phi), tx, phi, devices, logger)

	a.tasks = task.NewService(task.NewRepoPG(pool), loc)

	payments := billing.NewPaymentRepoPG(pool)
	directory := billing.NewPatientDirectoryPG(pool)
	a.claims = billing.NewService(billing.NewClaimRepoPG(pool), payments, directory, tx, publisher, logger)
	a.statements = billing.NewStatements(billing.StatementDeps{
		Repo:      billing.NewStatementRepoPG(pool),
		Payments:  payments,
		Patients:  directory,
		Queue:     a.queue,
		Renderer:  renderer,
		Store:     store,
		Mailer:    notifier,
		Decrypter: phi,
		Publisher: publisher,
	}, billing.StatementConfig{
		Location:   loc,
		AppBaseURL: cfg.AppBaseURL,
		OutputDir:  cfg.PDFOutputDir,
		Retry:      retry,
	}, logger)
	a.statements.SetObserver(a.metrics)

	a.beds = bed.NewService(bed.NewRepoPG(pool), tx, logger)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// infraPaths get no tenant connection and are not counted in HTTP metrics.
var infraPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

func skipInfra(c echo.Context) bool {
	return infraPaths[c.Path()]
}

// authMiddleware falls back to the development identity only when no token
// verification is configured.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func rateLimitConfig(cfg *config.Config, limiter middleware.Limiter) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	rl.Limiter = limiter
	return rl
}

func (a *app) setupServer(e *echo.Echo) error {
	cfg := a.cfg
	e.HTTPErrorHandler = envelope.ErrorHandler(a.logger)

	if cfg.ElasticAPMActive {
		tracer, err := apm.NewTracerOptions(apm.TracerOptions{
			ServiceName:        cfg.ServiceName,
			ServiceEnvironment: cfg.Env,
		})
		if err != nil {
			return fmt.Errorf("apm tracer: %w", err)
		}
		a.closers = append(a.closers, func() error { tracer.Close(); return nil })
		e.Use(apmechov4.Middleware(apmechov4.WithTracer(tracer)))
		a.logger.Info().Msg("elastic apm tracing enabled")
	}

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "10M", consentSubmitPath))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	if cfg.MetricsEnabled {
		e.Use(a.metrics.Middleware(skipInfra))
	}
	e.Use(authMiddleware(cfg))
	e.Use(db.TenantMiddleware(a.pool, cfg.DefaultTenant, skipInfra))
	e.Use(middleware.Audit(a.logger, hipaa.NewAccessLog(a.pool), a.metrics))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": cfg.ServiceName,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", a.metrics.Handler())
	}

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(rateLimitConfig(cfg, a.limiter)))

	timing.NewHandler(a.timing).RegisterRoutes(api)
	consent.NewHandler(a.consent).RegisterRoutes(api)
	patient.NewHandler(a.patients).RegisterRoutes(api)
	task.NewHandler(a.tasks).RegisterRoutes(api)
	billing.NewHandler(a.claims, a.statements).RegisterRoutes(api)
	bed.NewHandler(a.beds).RegisterRoutes(api)

	return nil
}

// newWorker registers every render job kind on a worker pool draining the
// shared queue.
func (a *app) newWorker(workers int) *jobs.Worker {
	w := jobs.NewWorker(a.queue, workers, a.logger)
	w.SetObserver(a.metrics.JobObserver)
	w.Handle(jobs.KindConsentRender, a.tenantScoped(a.renders.HandleRender))
	w.Handle(jobs.KindStatementRender, a.tenantScoped(a.statements.HandleRender))
	return w
}

// tenantScoped runs h on a connection pinned to the job's tenant schema.
func (a *app) tenantScoped(h jobs.HandlerFunc) jobs.HandlerFunc {
	return func(ctx context.Context, job jobs.Job) error {
		tenantID := job.TenantID
		if tenantID == "" {
			tenantID = a.cfg.DefaultTenant
		}
		ctx, conn, err := db.AcquireTenantConn(ctx, a.pool, tenantID)
		if err != nil {
			return err
		}
		defer conn.Release()
		return h(ctx, job)
	}
}

func (a *app) systemCollector() *metrics.SystemCollector {
	return metrics.NewSystemCollector(a.metrics, systemMetricsInterval, a.logger)
}
