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
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/hanko-field/settlement/internal/handlers"
	"github.com/hanko-field/settlement/internal/invoice"
	"github.com/hanko-field/settlement/internal/payments"
	"github.com/hanko-field/settlement/internal/platform/auth"
	"github.com/hanko-field/settlement/internal/platform/config"
	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/platform/jobs"
	"github.com/hanko-field/settlement/internal/platform/observability"
	"github.com/hanko-field/settlement/internal/platform/secrets"
	"github.com/hanko-field/settlement/internal/repositories"
	firestoreRepo "github.com/hanko-field/settlement/internal/repositories/firestore"
	"github.com/hanko-field/settlement/internal/repositories/memory"
	"github.com/hanko-field/settlement/internal/services"
	"github.com/hanko-field/settlement/internal/shipping"
)

const defaultInvoiceSeller = "Hanko Field"

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

	logger := baseLogger.Named("settlement")
	ctx = observability.WithLogger(ctx, logger)
	logEvent := observability.EventLogger(logger)

	resolver, err := newSecretResolver(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(resolver.Resolve)))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var probes []repositories.DependencyProbe

	registry, provider, err := newRegistry(cfg, logEvent)
	if err != nil {
		logger.Fatal("failed to initialise settlement store", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()
	if provider != nil {
		probes = append(probes, repositories.DependencyProbe{Name: "firestore", Timeout: 1500 * time.Millisecond, Check: provider.Ping})
	}

	var notifier services.Notifier
	if topicName := strings.TrimSpace(cfg.PubSub.NotificationTopic); topicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer client.Close()
		topic := client.Topic(topicName)
		defer topic.Stop()
		pubsubNotifier, err := jobs.NewPubSubNotifier(topic, cfg.Pricing.Currency, time.Now)
		if err != nil {
			logger.Fatal("failed to initialise notifier", zap.Error(err))
		}
		notifier = pubsubNotifier
		probes = append(probes, repositories.DependencyProbe{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topicName)
				}
				return nil
			},
		})
	} else {
		logger.Warn("pubsub notification topic not configured; customer emails are skipped")
	}

	var shipper services.ShippingProvider
	if strings.TrimSpace(cfg.Shiprocket.Email) != "" {
		client, err := shipping.NewClient(cfg.Shiprocket, shipping.WithLogger(logEvent))
		if err != nil {
			logger.Fatal("failed to initialise shiprocket client", zap.Error(err))
		}
		shipper = client
	} else {
		logger.Warn("shiprocket credentials not configured; shipments are skipped")
	}

	var refunds services.RefundIssuer
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		refunder, err := payments.NewStripeRefunder(payments.StripeRefunderConfig{APIKey: cfg.PSP.StripeAPIKey, Logger: logEvent})
		if err != nil {
			logger.Fatal("failed to initialise stripe refunder", zap.Error(err))
		}
		refunds = refunder
	}

	seller, _ := config.Lookup("SETTLEMENT_INVOICE_SELLER")
	if strings.TrimSpace(seller) == "" {
		seller = defaultInvoiceSeller
	}
	locale, _ := config.Lookup("SETTLEMENT_INVOICE_LOCALE")
	renderer, err := invoice.NewHTMLRenderer(seller, cfg.Pricing.Currency, locale)
	if err != nil {
		logger.Fatal("failed to initialise invoice renderer", zap.Error(err))
	}

	var archive services.InvoiceArchive
	if bucket := strings.TrimSpace(cfg.Storage.InvoiceBucket); bucket != "" {
		storageClient, err := gcs.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		bucketArchive, err := invoice.NewBucketArchive(storageClient, bucket)
		if err != nil {
			logger.Fatal("failed to initialise invoice archive", zap.Error(err))
		}
		archive = bucketArchive
	}

	pricer := services.NewOrderPricer(services.OrderPricerDeps{
		Shipping: services.NewShippingCalculator(services.ShippingPolicy{
			FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
			FlatFee:               cfg.Pricing.FlatShippingFee,
		}),
		DefaultCommissionRate: cfg.Pricing.DefaultCommissionRate,
		Coupons:               registry.Coupons(),
		Rates:                 registry.ShippingRates(),
		Clock:                 time.Now,
	})
	stock := services.NewStockService(logEvent)

	relay, err := services.NewOutboxRelay(services.OutboxRelayDeps{
		Outbox:         registry.Outbox(),
		Orders:         registry.Orders(),
		Notifier:       notifier,
		Invoices:       renderer,
		Archive:        archive,
		Shipping:       shipper,
		Refunds:        refunds,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: cfg.Outbox.InitialBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
		BatchSize:      cfg.Outbox.BatchSize,
		Clock:          time.Now,
		Logger:         logEvent,
	})
	if err != nil {
		logger.Fatal("failed to initialise outbox relay", zap.Error(err))
	}

	lifecycle, err := services.NewLifecycleManager(services.LifecycleDeps{
		UnitOfWork:  registry,
		Rates:       registry.ShippingRates(),
		Pricer:      pricer,
		Stock:       stock,
		Dispatcher:  relay,
		OutboxLease: relay.Lease(),
		Clock:       time.Now,
		Logger:      logEvent,
	})
	if err != nil {
		logger.Fatal("failed to initialise lifecycle manager", zap.Error(err))
	}

	queries, err := services.NewOrderQueries(services.OrderQueriesDeps{
		Orders:  registry.Orders(),
		Stock:   registry.Stock(),
		Checker: stock,
		Pricer:  pricer,
		Tracker: shipper,
		Logger:  logEvent,
	})
	if err != nil {
		logger.Fatal("failed to initialise order queries", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	actorResolver := auth.NewActorResolver(firebaseVerifier)
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)

	checker, err := repositories.NewHealthChecker(probes, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise health checker", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo(cfg, startedAt)),
		handlers.WithHealthChecker(checker),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithAdminOrderRoutes(handlers.NewAdminOrderHandlers(lifecycle, pricer, queries).Routes),
		handlers.WithAdminMiddlewares(actorResolver.RequireActor(auth.RoleStaff, auth.RoleAdmin)),
		handlers.WithInternalRoutes(handlers.NewInternalHandlers(relay).Routes),
		handlers.WithInternalMiddlewares(oidcMiddleware),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	relayCtx, relayCancel := context.WithCancel(observability.WithLogger(context.Background(), logger.Named("outbox")))
	var relayWG sync.WaitGroup
	if cfg.Outbox.DrainInterval > 0 {
		relayWG.Add(1)
		go func() {
			defer relayWG.Done()
			relay.Run(relayCtx, cfg.Outbox.DrainInterval)
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("settlement api listening", zap.String("store", cfg.Store.Backend))
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
	relayCancel()
	relayWG.Wait()
}

func newSecretResolver(ctx context.Context, logger *zap.Logger) (*secrets.Resolver, error) {
	project, _ := config.Lookup("SETTLEMENT_SECRET_PROJECT_ID")
	if strings.TrimSpace(project) == "" {
		project, _ = config.Lookup("SETTLEMENT_FIREBASE_PROJECT_ID")
	}
	fallback, _ := config.Lookup("SETTLEMENT_SECRET_FALLBACK_FILE")
	if strings.TrimSpace(fallback) == "" {
		fallback = ".secrets.local"
	}
	return secrets.NewResolver(ctx,
		secrets.WithProject(project),
		secrets.WithFallbackFile(fallback),
		secrets.WithLogger(logger.Named("secrets")),
	)
}

// newRegistry returns the configured store. The provider is nil for the memory backend.
func newRegistry(cfg config.Config, logEvent func(context.Context, string, map[string]any)) (repositories.Registry, *pfirestore.Provider, error) {
	if cfg.Store.Backend == config.StoreMemory {
		return memory.NewStore(), nil, nil
	}
	provider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := firestoreRepo.NewRegistry(provider, firestoreRepo.WithLogger(logEvent))
	if err != nil {
		return nil, nil, err
	}
	return registry, provider, nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildInfo(cfg config.Config, started time.Time) handlers.BuildInfo {
	version, _ := config.Lookup("SETTLEMENT_BUILD_VERSION")
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	commit, _ := config.Lookup("SETTLEMENT_BUILD_COMMIT_SHA")
	if strings.TrimSpace(commit) == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
