package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athebyme/storesync/config"
	"github.com/athebyme/storesync/internal/adapters/cache"
	"github.com/athebyme/storesync/internal/adapters/history"
	"github.com/athebyme/storesync/internal/adapters/introspection"
	"github.com/athebyme/storesync/internal/adapters/logger"
	"github.com/athebyme/storesync/internal/adapters/marketplace"
	"github.com/athebyme/storesync/internal/adapters/messaging"
	"github.com/athebyme/storesync/internal/adapters/sot"
	"github.com/athebyme/storesync/internal/api"
	"github.com/athebyme/storesync/internal/api/handlers"
	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/batch"
	"github.com/athebyme/storesync/internal/breaker"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/domain/services"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/athebyme/storesync/internal/ratelimit"
	"github.com/athebyme/storesync/internal/state"
	"github.com/athebyme/storesync/internal/utils"
)

// storeRig bundles everything built once per store at startup: its own
// SoT/marketplace clients (credentials differ per store) layered over
// the process-wide rate governor and adaptive batcher, which are
// already keyed internally by VenueKey and so are safe to share.
type storeRig struct {
	store        models.Store
	sot          *sot.Client
	marketplace  *marketplace.Client
	introspector services.Introspector
	engine       *services.SyncEngine
	orchestrator *services.HybridOrchestrator
}

// main runs the StoreSync daemon: the periodic sweep loop across every
// configured store, a background completion worker for each store the
// HybridOrchestrator bootstraps at startup, and the operator HTTP
// surface (spec.md §4.10,
// §6). It replaces the teacher's Kafka command-subscriber worker loop
// entirely — StoreSync pulls from the SoT on its own schedule and has
// nothing to subscribe to.
func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.ENV == "production")
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting storesync scheduler",
		ports.LogField{Key: "app_name", Value: cfg.AppName},
		ports.LogField{Key: "version", Value: cfg.Version},
		ports.LogField{Key: "env", Value: cfg.ENV},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateMode := atomicfile.ModeAtomic
	if cfg.StateWriteMode == "direct" {
		stateMode = atomicfile.ModeDirect
	}
	stateStore := state.New(cfg.StateDir, stateMode, log)
	checkpoints := state.NewCheckpoints(cfg.StateDir, stateMode, log)
	progress := state.NewProgressWriter(cfg.StateDir, stateMode)

	governor := ratelimit.New(cfg.StateDir, ratelimit.Config{
		MinInterval:     cfg.RateLimit.MinInterval,
		LearningEnabled: cfg.RateLimit.LearningEnabled,
		LearnedCap:      cfg.RateLimit.LearnedCap,
		Buffer:          cfg.RateLimit.Buffer,
		Jitter:          cfg.RateLimit.Jitter,
	}, stateMode, log)

	adaptive := batch.New(cfg.StateDir, batch.Config{
		Min:                 cfg.Adaptive.Min,
		Max:                 cfg.Adaptive.Max,
		Initial:             cfg.Adaptive.Initial,
		GrowthFactor:        cfg.Adaptive.GrowthFactor,
		ShrinkFactor:        cfg.Adaptive.ShrinkFactor,
		SuccessStreakToGrow: cfg.Adaptive.SuccessStreakToGrow,
		BaseDelay:           cfg.Adaptive.BaseDelay,
		MaxDelay:            cfg.Adaptive.MaxDelay,
	}, stateMode, log)

	breakers := breaker.NewRegistry()

	var ledger history.Ledger
	if cfg.Postgres.Enabled {
		connStr, err := utils.GenerateConnectionString(
			cfg.Postgres.Host, cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.SSLMode,
			cfg.Postgres.Port, cfg.Postgres.PoolSize, cfg.Postgres.Timeout,
		)
		if err != nil {
			log.Fatal("invalid postgres configuration", ports.LogField{Key: "error", Value: err.Error()})
		}
		l, err := history.NewPostgresLedger(ctx, connStr)
		if err != nil {
			log.Error("postgres run-history ledger unavailable, continuing without it",
				ports.LogField{Key: "error", Value: err.Error()})
		} else {
			ledger = l
			defer l.Close()
			log.Info("run-history ledger connected")
		}
	}

	var cachePort ports.CachePort
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Error("redis introspection cache unavailable, continuing without it",
				ports.LogField{Key: "error", Value: err.Error()})
		} else {
			cachePort = redisCache
			defer redisCache.Close()
			log.Info("introspection cache connected")
		}
	}

	var publisher ports.MessagingPort
	if cfg.Kafka.Enabled {
		k, err := messaging.NewKafkaMessaging(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout)
		if err != nil {
			log.Error("kafka audit publisher unavailable, continuing without it",
				ports.LogField{Key: "error", Value: err.Error()})
		} else {
			publisher = k
			defer k.Close()
			log.Info("audit event publisher connected")
		}
	}

	stores, err := loadStores(cfg)
	if err != nil {
		log.Fatal("failed to load stores", ports.LogField{Key: "error", Value: err.Error()})
	}
	log.Info("stores loaded", ports.LogField{Key: "count", Value: len(stores)})

	engineCfg := services.EngineConfig{
		SkuField:           cfg.Sync.SkuField,
		DetailChunkSize:    cfg.Sync.DetailChunkSize,
		MaxBatchItems:      cfg.Sync.MaxBatchItems,
		FirstSyncBatchSize: cfg.Sync.FirstSync.BatchSize,
		FirstSyncDelay:     cfg.Sync.FirstSync.Delay,
		DeltaBatchSize:     cfg.Sync.Delta.BatchSize,
		DeltaDelay:         cfg.Sync.Delta.Delay,
		InterPhaseDelay:    cfg.Sync.InterPhaseDelay,
	}
	bgCfg := services.BackgroundConfig{
		InitialDelay:  cfg.Background.InitialDelay,
		DailyLimit:    cfg.Background.DailyLimit,
		BatchInterval: cfg.Background.BatchInterval,
	}
	weights := models.PriorityWeights{
		InStockWeight:      cfg.Priority.InStockWeight,
		HighStockWeight:    cfg.Priority.HighStockWeight,
		LowStockWeight:     cfg.Priority.LowStockWeight,
		HighValueWeight:    cfg.Priority.HighValueWeight,
		HighStockThreshold: cfg.Priority.HighStockThreshold,
		LowStockThreshold:  cfg.Priority.LowStockThreshold,
		HighValueThreshold: cfg.Priority.HighValueThreshold,
	}

	var bgManager *services.BackgroundManager
	rigs := make(map[int]*storeRig, len(stores))

	bgManager = services.NewBackgroundManager(func(storeID int) *services.BackgroundWorker {
		rig, ok := rigs[storeID]
		if !ok {
			return nil
		}
		return services.NewBackgroundWorker(engineCfg, bgCfg, stateStore, rig.sot, rig.marketplace, adaptive, progress, publisher, cfg.Kafka.AuditTopic, log.WithStore(storeID))
	})
	defer bgManager.StopAll()

	for _, st := range stores {
		storeLog := log.WithStore(st.ID)

		sotBreaker := breaker.New(fmt.Sprintf("sot-%d", st.ID), breaker.SoTBreakerConfig())
		marketBreaker := breaker.New(fmt.Sprintf("marketplace-%d", st.ID), breaker.MarketplaceBreakerConfig())
		breakers.Register(sotBreaker)
		breakers.Register(marketBreaker)

		sotClient := sot.NewClient(st.SotBaseURL, st.SotLogin, st.SotPassword, sotBreaker, storeLog)
		marketClient := marketplace.NewClient(governor, marketBreaker, storeLog)

		var introspector services.Introspector = marketClient
		if cachePort != nil {
			introspector = introspection.New(marketClient, cachePort, cfg.Redis.DefaultExpiration, storeLog)
		}

		rigs[st.ID] = &storeRig{
			store:        st,
			sot:          sotClient,
			marketplace:  marketClient,
			introspector: introspector,
			engine:       services.NewSyncEngine(engineCfg, stateStore, checkpoints, sotClient, marketClient, adaptive, governor, storeLog),
			orchestrator: services.NewHybridOrchestrator(engineCfg, stateStore, sotClient, marketClient, introspector, adaptive, weights, cfg.Priority.TopN, bgManager, storeLog),
		}
	}

	// Bootstrap every store with no prior state before the scheduler's
	// periodic sweeps begin, so a brand new store's first observed run
	// is already a delta, not a multi-day full push (spec.md §4.9).
	for _, st := range stores {
		if stateStore.Exists(st.ID) {
			continue
		}
		if err := rigs[st.ID].orchestrator.Bootstrap(ctx, st); err != nil {
			log.Error("hybrid bootstrap failed, store will upgrade to force-full on next sweep",
				ports.LogField{Key: "store", Value: st.ID}, ports.LogField{Key: "error", Value: err.Error()})
		}
	}

	sched := services.NewScheduler(multiEngine{rigs: rigs}, time.Duration(cfg.Sync.IntervalMinutes)*time.Minute, stores, ledger, breakers, publisher, cfg.Kafka.AuditTopic, log)

	operatorHandler := handlers.NewOperatorHandler(sched, breakers, ledger, log)
	router := api.SetupRouter(operatorHandler, log, cfg.Security.BearerAuthEnabled, cfg.Security.JWTSecret)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("operator http server listening", ports.LogField{Key: "addr", Value: srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("operator http server stopped unexpectedly", ports.LogField{Key: "error", Value: err.Error()})
		}
	}()

	go sched.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received, draining in-flight work")

	cancel()
	bgManager.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("operator http server shutdown error", ports.LogField{Key: "error", Value: err.Error()})
	}

	log.Info("storesync scheduler stopped")
}

func loadStores(cfg *config.Config) ([]models.Store, error) {
	raw, err := config.LoadStores(cfg.StoresFile)
	if err != nil {
		return nil, err
	}
	stores := make([]models.Store, 0, len(raw))
	for _, sc := range raw {
		stores = append(stores, models.Store{
			ID:                 sc.ID,
			Name:               sc.Name,
			VenueID:            sc.VenueID,
			SotBaseURL:         sc.SotBaseURL,
			SotLogin:           sc.SotLogin,
			SotPassword:        sc.SotPassword,
			MarketplaceBaseURL: sc.MarketplaceBaseURL,
			MarketplaceUser:    sc.MarketplaceUser,
			MarketplacePass:    sc.MarketplacePass,
			Enabled:            sc.Enabled,
		})
	}
	return stores, nil
}

// multiEngine dispatches Scheduler's per-store Run calls to that
// store's own SyncEngine, built once at startup with that store's
// credentials.
type multiEngine struct {
	rigs map[int]*storeRig
}

func (m multiEngine) Run(ctx context.Context, store models.Store, opts services.RunOptions) models.RunResult {
	rig, ok := m.rigs[store.ID]
	if !ok {
		return models.RunResult{RunID: opts.RunID, StoreID: store.ID, Mode: opts.Mode, Outcome: models.OutcomeError}
	}
	return rig.engine.Run(ctx, store, opts)
}
