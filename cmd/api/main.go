package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/oklog/ulid/v2"

	"github.com/orderbridge/payments/internal/handlers"
	"github.com/orderbridge/payments/internal/platform/config"
	pfirestore "github.com/orderbridge/payments/internal/platform/firestore"
	"github.com/orderbridge/payments/internal/platform/jobs"
	"github.com/orderbridge/payments/internal/platform/observability"
	"github.com/orderbridge/payments/internal/platform/scheduler"
	"github.com/orderbridge/payments/internal/platform/secrets"
	"github.com/orderbridge/payments/internal/repositories"
	firestoreRepo "github.com/orderbridge/payments/internal/repositories/firestore"
	"github.com/orderbridge/payments/internal/services"
	"github.com/orderbridge/payments/internal/shopline"
)

const (
	webhookRateLimit  = 120
	webhookRateWindow = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("payments")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
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
	)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	publisher, pubsubClient, err := newOrderEventPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise pubsub publisher", zap.Error(err))
	}
	if pubsubClient != nil {
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	}
	if publisher == nil {
		logger.Warn("order events topic not configured; payment events will not be published")
	}

	creds := shopline.Credentials{
		MerchantID:    cfg.Shopline.MerchantID,
		ClientID:      cfg.Shopline.ClientID,
		SandboxKey:    cfg.Shopline.SandboxKey,
		ProductionKey: cfg.Shopline.ProductionKey,
		Sandbox:       cfg.Shopline.Sandbox,
	}

	bypass := shopline.AllowDevelopmentBypass(cfg.Shopline.PublicOrigin, cfg.Security.Environment)
	if bypass {
		logger.Warn("webhook signature verification bypass enabled",
			zap.String("public_origin", cfg.Shopline.PublicOrigin),
			zap.String("environment", cfg.Security.Environment),
		)
	}
	verifier := shopline.NewVerifier(creds,
		shopline.WithDevelopmentBypass(bypass),
		shopline.WithVerifierLogger(zapEventLogger(logger.Named("shopline"))),
	)

	providerClient, err := shopline.NewClient(shopline.ClientConfig{
		Credentials: creds,
		BaseURL:     cfg.Shopline.BaseURL,
		Timeout:     cfg.Shopline.ClientTimeout,
		Logger:      zapEventLogger(logger.Named("shopline")),
	})
	if err != nil {
		logger.Fatal("failed to initialise shopline client", zap.Error(err))
	}

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	linkRepo, err := firestoreRepo.NewCustomerLinkRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise customer link repository", zap.Error(err))
	}

	ids := func() string { return ulid.Make().String() }

	webhookService, err := services.NewWebhookService(services.WebhookServiceDeps{
		Orders:    orderRepo,
		Verifier:  verifier,
		Publisher: publisher,
		Clock:     time.Now,
		IDs:       ids,
	})
	if err != nil {
		logger.Fatal("failed to initialise webhook service", zap.Error(err))
	}

	reconcileService, err := services.NewReconcileService(services.ReconcileServiceDeps{
		Orders:    orderRepo,
		Client:    providerClient,
		Publisher: publisher,
		Clock:     time.Now,
		IDs:       ids,
		Window:    cfg.Reconcile.Window,
		BatchSize: cfg.Reconcile.BatchSize,
	})
	if err != nil {
		logger.Fatal("failed to initialise reconcile service", zap.Error(err))
	}

	customerService, err := services.NewCustomerService(services.CustomerServiceDeps{
		Links:  linkRepo,
		Client: providerClient,
		Clock:  time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise customer service", zap.Error(err))
	}

	orderPaymentService, err := services.NewOrderPaymentService(services.OrderPaymentServiceDeps{
		Orders:    orderRepo,
		Client:    providerClient,
		Publisher: publisher,
		Clock:     time.Now,
		IDs:       ids,
	})
	if err != nil {
		logger.Fatal("failed to initialise order payment service", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthRepository(healthRepo),
		handlers.WithHealthStartTime(startedAt),
	)

	webhookHandlers := handlers.NewWebhookHandlers(webhookService)
	internalHandlers := handlers.NewInternalHandlers(handlers.InternalHandlersDeps{
		Reconcile: reconcileService,
		Customers: customerService,
		Payments:  orderPaymentService,
	})

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithWebhookRoutes(webhookHandlers.Register),
		handlers.WithWebhookMiddlewares(handlers.RateLimitMiddleware(webhookRateLimit, webhookRateWindow)),
		handlers.WithInternalRoutes(internalHandlers.Register),
		handlers.WithInternalMiddlewares(handlers.InternalTokenMiddleware(cfg.Security.InternalToken)),
	)

	runner := scheduler.NewRunner(logger.Named("scheduler"))
	if err := runner.Register(scheduler.JobFunc{
		JobName: "reconcile-sweep",
		Fn: func(ctx context.Context) error {
			_, err := reconcileService.SyncRecent(observability.WithLogger(ctx, logger.Named("reconcile")))
			return err
		},
	}, cfg.Reconcile.Interval); err != nil {
		logger.Fatal("failed to register reconcile job", zap.Error(err))
	}
	if err := runner.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

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
		serverLogger.Info("payments api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop error", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// newOrderEventPublisher constructs the Pub/Sub publisher when a topic is
// configured. The pubsub client is returned so the caller can close it.
func newOrderEventPublisher(ctx context.Context, cfg config.Config) (services.OrderEventPublisher, *pubsub.Client, error) {
	topicName := strings.TrimSpace(cfg.PubSub.OrderEventsTopic)
	if topicName == "" {
		return nil, nil, nil
	}
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if projectID == "" {
		return nil, nil, errors.New("pubsub project id is required when a topic is configured")
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher, err := jobs.NewPubSubOrderEventPublisher(client.Topic(topicName))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return publisher, client, nil
}

func newHealthRepository(client *firestore.Client) (repositories.HealthRepository, error) {
	c := client
	return repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		},
	})
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	}

	envLabel := strings.ToLower(lookup("PAY_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("PAY_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("PAY_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("PAY_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("PAY_GOOGLE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseProjectMap(lookup("PAY_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// parseProjectMap reads "env=project,env=project" pairs.
func parseProjectMap(raw string) map[string]string {
	projects := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}
