package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meritflow/compcycle/internal/di"
	"github.com/meritflow/compcycle/internal/handlers"
	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/platform/config"
	pfirestore "github.com/meritflow/compcycle/internal/platform/firestore"
	"github.com/meritflow/compcycle/internal/platform/idempotency"
	"github.com/meritflow/compcycle/internal/platform/jobs"
	"github.com/meritflow/compcycle/internal/platform/observability"
	"github.com/meritflow/compcycle/internal/platform/secrets"
	platformstorage "github.com/meritflow/compcycle/internal/platform/storage"
	"github.com/meritflow/compcycle/internal/repositories"
	firestoreRepo "github.com/meritflow/compcycle/internal/repositories/firestore"
	"github.com/meritflow/compcycle/internal/repositories/hris"
	"github.com/meritflow/compcycle/internal/services"
)

const (
	idempotencyCollection = "idempotencyKeys"
	nudgeRateLimit        = 20
	nudgeRateWindow       = time.Hour
	verifierTimeout       = 5 * time.Second
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	metrics := observability.NewMetrics()

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	checks := []repositories.DependencyCheck{secretManagerCheck(fetcher)}
	var registryOpts []firestoreRepo.RegistryOption
	if cfg.HRIS.DSN != "" {
		directory, err := hris.Open(cfg.HRIS, hris.WithLogger(logger.Named("hris")))
		if err != nil {
			logger.Fatal("failed to open hris directory", zap.Error(err))
		}
		defer func() {
			if err := directory.Close(); err != nil {
				logger.Warn("hris close error", zap.Error(err))
			}
		}()
		registryOpts = append(registryOpts, firestoreRepo.WithEmployeeDirectory(directory))
		checks = append(checks, repositories.DependencyCheck{
			Name:     "hris",
			Critical: true,
			Timeout:  time.Second,
			Check:    directory.Ping,
		})
	}

	containerOpts := []di.Option{
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
		di.WithJobMetrics(metrics),
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		queue, err := jobs.NewRedisQueue(redisClient, jobs.WithVisibilityTimeout(cfg.Jobs.VisibilityTimeout))
		if err != nil {
			logger.Fatal("failed to initialise redis job queue", zap.Error(err))
		}
		locker, err := jobs.NewRedisLocker(redisClient)
		if err != nil {
			logger.Fatal("failed to initialise redis locker", zap.Error(err))
		}
		containerOpts = append(containerOpts, di.WithQueue(queue), di.WithLocker(locker))
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Critical: true,
			Timeout:  time.Second,
			Check:    queue.Ping,
		})
	} else {
		logger.Warn("redis not configured; jobs are held in memory and lost on restart")
	}

	if cfg.Jobs.Dispatch == config.JobDispatchPubSub {
		pubsubClient, err := pubsub.NewClient(ctx, traceProjectID(cfg))
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(cfg.Jobs.PubSubTopic)
		defer func() {
			topic.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := jobs.NewPubSubDispatcher(topic)
		if err != nil {
			logger.Fatal("failed to initialise pubsub dispatcher", zap.Error(err))
		}
		containerOpts = append(containerOpts, di.WithDispatcher(publisher))
	}

	if cfg.Storage.ExportsBucket != "" {
		store, closeStore, err := newExportStore(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to initialise export store", zap.Error(err))
		}
		defer closeStore()
		containerOpts = append(containerOpts, di.WithExportStore(store))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, append(registryOpts, firestoreRepo.WithDependencyChecks(checks...))...)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient, idempotencyCollection)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	background, stopBackground := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			runIdempotencyCleanup(background, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
		}()
	}
	backgroundWG.Add(1)
	go func() {
		defer backgroundWG.Done()
		if err := container.Runner.Run(background); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job runner stopped", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, verifierTimeout)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithLogger(logger.Named("auth")))

	cycleHandlers := handlers.NewCycleHandlers(authenticator, svc.Cycles, svc.Budgets)
	recommendationOpts := []handlers.RecommendationOption{
		handlers.WithBulkApprovalIdempotency(idempotencyMiddleware),
		handlers.WithNudgeRateLimit(nudgeRateLimit, nudgeRateWindow),
	}
	if redisClient != nil {
		if limiter := handlers.NewRedisRateLimiter(redisClient, "compcycle:nudges", nudgeRateLimit, nudgeRateWindow); limiter != nil {
			recommendationOpts = append(recommendationOpts, handlers.WithNudgeLimiter(limiter))
		}
	}
	recommendationHandlers := handlers.NewRecommendationHandlers(authenticator, svc.Recommendations, svc.Approvals, recommendationOpts...)
	calibrationHandlers := handlers.NewCalibrationHandlers(authenticator, svc.Calibration)
	monitorHandlers := handlers.NewMonitorHandlers(authenticator, svc.Monitors, svc.Scheduler, svc.Exports)
	internalHandlers := handlers.NewInternalJobHandlers(container.Handlers)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.Trace(traceProjectID(cfg)),
			observability.InjectLogger(logger.Named("http")),
			observability.Recoverer,
			observability.RequestLogger(metrics),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCycleRoutes(
			cycleHandlers.Routes,
			recommendationHandlers.Routes,
			calibrationHandlers.CycleRoutes,
			monitorHandlers.Routes,
		),
		handlers.WithCalibrationRoutes(calibrationHandlers.Routes),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, handlers.WithMetricsHandler(metrics.Handler()))
	}
	if cfg.Jobs.Dispatch == config.JobDispatchPubSub {
		opts = append(opts,
			handlers.WithInternalRoutes(internalHandlers.Routes),
			handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg, metrics)),
		)
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("compcycle api listening", zap.String("version", buildInfo.Version), zap.String("dispatch", cfg.Jobs.Dispatch))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	stopBackground()
	backgroundWG.Wait()
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.Purge(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func newExportStore(ctx context.Context, cfg config.Config) (*platformstorage.ExportStore, func(), error) {
	signer, err := platformstorage.NewSigner(ctx, cfg.Storage.SignerEmail, cfg.Storage.SignerKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("storage signer: %w", err)
	}
	urls, err := platformstorage.NewURLSigner(cfg.Storage.ExportsBucket, signer, platformstorage.WithTTL(cfg.Storage.SignedURLTTL))
	if err != nil {
		return nil, nil, err
	}
	client, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}
	store, err := platformstorage.NewExportStore(client, urls)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// secretManagerCheck treats a missing probe secret as healthy; only reachability matters.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const secretHealthReference = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, recorder auth.VerificationRecorder) func(http.Handler) http.Handler {
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger), auth.WithOIDCRecorder(recorder))
	audience := strings.TrimSpace(cfg.Jobs.PushAudience)
	if audience == "" {
		logger.Warn("auth: push audience not configured; job pushes will be rejected")
	}
	if len(cfg.Security.OIDC.ServiceAccounts) == 0 {
		logger.Warn("auth: push service accounts not restricted")
	}
	return validator.RequireOIDC(auth.OIDCPolicy{
		Audience: audience,
		Issuers:  cfg.Security.OIDC.Issuers,
		Emails:   cfg.Security.OIDC.ServiceAccounts,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}
	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRET_CACHE_TTL")); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secret-backed fields that must resolve once their env var is set.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_REDIS_PASSWORD"]) != "" {
		required = append(required, "Redis.Password")
	}
	if strings.TrimSpace(env["API_HRIS_DSN"]) != "" {
		required = append(required, "HRIS.DSN")
	}
	return required
}
