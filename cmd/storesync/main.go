package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/athebyme/storesync/config"
	"github.com/athebyme/storesync/internal/adapters/cache"
	"github.com/athebyme/storesync/internal/adapters/introspection"
	"github.com/athebyme/storesync/internal/adapters/logger"
	"github.com/athebyme/storesync/internal/adapters/marketplace"
	"github.com/athebyme/storesync/internal/adapters/sot"
	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/batch"
	"github.com/athebyme/storesync/internal/breaker"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/domain/services"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/athebyme/storesync/internal/ratelimit"
	"github.com/athebyme/storesync/internal/state"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// storesync is the operator's one-shot CLI counterpart to the
// scheduler daemon (spec.md §6): run a single sync pass, seed a new
// store's state, or run the full hybrid first-time sequence, all
// without starting the periodic sweep loop or the HTTP surface.
func main() {
	rootCmd := &cobra.Command{
		Use:   "storesync",
		Short: "one-shot operator commands for the StoreSync engine",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (defaults to config.yaml in cwd)")

	rootCmd.AddCommand(
		newSyncCmd(&configPath),
		newBootstrapCmd(&configPath),
		newHybridInitCmd(&configPath),
		newListStoresCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newSyncCmd(configPath *string) *cobra.Command {
	var storeID int
	var dryRun bool
	var limit int
	var forceFull bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "run one sync pass for a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rig, cleanup, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			store, ok := rig.storeByID(storeID)
			if !ok {
				return fmt.Errorf("unknown store %d", storeID)
			}

			mode := models.ModeDelta
			if forceFull {
				mode = models.ModeForceFull
			}

			engine := rig.engineFor(store)
			result := engine.Run(context.Background(), store, services.RunOptions{
				Mode:   mode,
				Limit:  limit,
				DryRun: dryRun,
				RunID:  uuid.New().String(),
			})

			fmt.Printf("store=%d mode=%s outcome=%s items=%d inventory=%d\n",
				result.StoreID, result.Mode, result.Outcome, result.ItemsPushed, result.InventoryPushed)
			if result.Err != nil {
				return result.Err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&storeID, "store", 0, "store id (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the diff without pushing to the marketplace")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of updates pushed, 0 = unlimited")
	cmd.Flags().BoolVar(&forceFull, "force-full", false, "re-push every sku regardless of what changed")
	cmd.MarkFlagRequired("store")
	return cmd
}

func newBootstrapCmd(configPath *string) *cobra.Command {
	var storeID int
	var all bool

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "write initial state for a store without calling the marketplace",
		RunE: func(cmd *cobra.Command, args []string) error {
			rig, cleanup, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			targets := rig.stores
			if !all {
				store, ok := rig.storeByID(storeID)
				if !ok {
					return fmt.Errorf("unknown store %d", storeID)
				}
				targets = []models.Store{store}
			}

			for _, store := range targets {
				engine := rig.engineFor(store)
				result := engine.Run(context.Background(), store, services.RunOptions{
					Mode:  models.ModeBootstrap,
					RunID: uuid.New().String(),
				})
				fmt.Printf("store=%d mode=%s outcome=%s\n", result.StoreID, result.Mode, result.Outcome)
				if result.Err != nil {
					fmt.Printf("  error: %v\n", result.Err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&storeID, "store", 0, "store id")
	cmd.Flags().BoolVar(&all, "all", false, "bootstrap every configured store")
	return cmd
}

func newHybridInitCmd(configPath *string) *cobra.Command {
	var storeID int

	cmd := &cobra.Command{
		Use:   "hybrid-init",
		Short: "run the full hybrid first-time sequence for a store: bootstrap, introspect, priority push, start background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			rig, cleanup, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			store, ok := rig.storeByID(storeID)
			if !ok {
				return fmt.Errorf("unknown store %d", storeID)
			}

			orchestrator := rig.orchestratorFor(store)
			if err := orchestrator.Bootstrap(context.Background(), store); err != nil {
				return err
			}
			fmt.Printf("hybrid-init complete for store=%d; background worker is now running in this process until it exits\n", storeID)

			// The background worker this kicks off runs on its own
			// goroutine of this process. The command returns right
			// after Bootstrap, so the process exits before that
			// worker's first sweep (which waits the configured
			// initial delay) runs.
			return nil
		},
	}
	cmd.Flags().IntVar(&storeID, "store", 0, "store id (required)")
	cmd.MarkFlagRequired("store")
	return cmd
}

func newListStoresCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-stores",
		Short: "list every configured store and its current sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			raw, err := config.LoadStores(cfg.StoresFile)
			if err != nil {
				return err
			}

			stateMode := atomicfile.ModeAtomic
			if cfg.StateWriteMode == "direct" {
				stateMode = atomicfile.ModeDirect
			}
			log, err := logger.New(cfg.LogLevel, cfg.ENV == "production")
			if err != nil {
				return err
			}
			stateStore := state.New(cfg.StateDir, stateMode, log)

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVENUE\tENABLED\tHAS STATE")
			for _, sc := range raw {
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%v\n", sc.ID, sc.Name, sc.VenueID, sc.Enabled, stateStore.Exists(sc.ID))
			}
			return w.Flush()
		},
	}
}

// cliRuntime is the shared dependency graph for the one-shot commands:
// no scheduler, no HTTP server, just the pieces SyncEngine and
// HybridOrchestrator need, built once per invocation.
type cliRuntime struct {
	stores      []models.Store
	stateStore  *state.Store
	checkpoints *state.Checkpoints
	progress    *state.ProgressWriter
	governor    *ratelimit.Governor
	adaptive    *batch.Batcher
	breakers    *breaker.Registry
	cachePort   ports.CachePort
	engineCfg   services.EngineConfig
	bgCfg       services.BackgroundConfig
	weights     models.PriorityWeights
	topN        int
	logger      ports.LoggerPort
}

func newRuntime(configPath string) (*cliRuntime, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.LogLevel, cfg.ENV == "production")
	if err != nil {
		return nil, nil, err
	}

	raw, err := config.LoadStores(cfg.StoresFile)
	if err != nil {
		return nil, nil, err
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

	stateMode := atomicfile.ModeAtomic
	if cfg.StateWriteMode == "direct" {
		stateMode = atomicfile.ModeDirect
	}

	var cleanups []func()
	var cachePort ports.CachePort
	if cfg.Redis.Enabled {
		ctx := context.Background()
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			cachePort = redisCache
			cleanups = append(cleanups, func() { redisCache.Close() })
		}
	}

	rig := &cliRuntime{
		stores:      stores,
		stateStore:  state.New(cfg.StateDir, stateMode, log),
		checkpoints: state.NewCheckpoints(cfg.StateDir, stateMode, log),
		progress:    state.NewProgressWriter(cfg.StateDir, stateMode),
		governor: ratelimit.New(cfg.StateDir, ratelimit.Config{
			MinInterval:     cfg.RateLimit.MinInterval,
			LearningEnabled: cfg.RateLimit.LearningEnabled,
			LearnedCap:      cfg.RateLimit.LearnedCap,
			Buffer:          cfg.RateLimit.Buffer,
			Jitter:          cfg.RateLimit.Jitter,
		}, stateMode, log),
		adaptive: batch.New(cfg.StateDir, batch.Config{
			Min:                 cfg.Adaptive.Min,
			Max:                 cfg.Adaptive.Max,
			Initial:             cfg.Adaptive.Initial,
			GrowthFactor:        cfg.Adaptive.GrowthFactor,
			ShrinkFactor:        cfg.Adaptive.ShrinkFactor,
			SuccessStreakToGrow: cfg.Adaptive.SuccessStreakToGrow,
			BaseDelay:           cfg.Adaptive.BaseDelay,
			MaxDelay:            cfg.Adaptive.MaxDelay,
		}, stateMode, log),
		breakers:  breaker.NewRegistry(),
		cachePort: cachePort,
		engineCfg: services.EngineConfig{
			SkuField:           cfg.Sync.SkuField,
			DetailChunkSize:    cfg.Sync.DetailChunkSize,
			MaxBatchItems:      cfg.Sync.MaxBatchItems,
			FirstSyncBatchSize: cfg.Sync.FirstSync.BatchSize,
			FirstSyncDelay:     cfg.Sync.FirstSync.Delay,
			DeltaBatchSize:     cfg.Sync.Delta.BatchSize,
			DeltaDelay:         cfg.Sync.Delta.Delay,
			InterPhaseDelay:    cfg.Sync.InterPhaseDelay,
		},
		bgCfg: services.BackgroundConfig{
			InitialDelay:  cfg.Background.InitialDelay,
			DailyLimit:    cfg.Background.DailyLimit,
			BatchInterval: cfg.Background.BatchInterval,
		},
		weights: models.PriorityWeights{
			InStockWeight:      cfg.Priority.InStockWeight,
			HighStockWeight:    cfg.Priority.HighStockWeight,
			LowStockWeight:     cfg.Priority.LowStockWeight,
			HighValueWeight:    cfg.Priority.HighValueWeight,
			HighStockThreshold: cfg.Priority.HighStockThreshold,
			LowStockThreshold:  cfg.Priority.LowStockThreshold,
			HighValueThreshold: cfg.Priority.HighValueThreshold,
		},
		topN:   cfg.Priority.TopN,
		logger: log,
	}

	cleanup := func() {
		for _, c := range cleanups {
			c()
		}
	}
	return rig, cleanup, nil
}

func (r *cliRuntime) storeByID(id int) (models.Store, bool) {
	for _, s := range r.stores {
		if s.ID == id {
			return s, true
		}
	}
	return models.Store{}, false
}

func (r *cliRuntime) engineFor(store models.Store) *services.SyncEngine {
	sotClient, marketClient := r.clientsFor(store)
	return services.NewSyncEngine(r.engineCfg, r.stateStore, r.checkpoints, sotClient, marketClient, r.adaptive, r.governor, r.logger.WithStore(store.ID))
}

func (r *cliRuntime) orchestratorFor(store models.Store) *services.HybridOrchestrator {
	sotClient, marketClient := r.clientsFor(store)
	var introspector services.Introspector = marketClient
	if r.cachePort != nil {
		introspector = introspection.New(marketClient, r.cachePort, 10*time.Minute, r.logger.WithStore(store.ID))
	}
	bgManager := services.NewBackgroundManager(func(storeID int) *services.BackgroundWorker {
		return services.NewBackgroundWorker(r.engineCfg, r.bgCfg, r.stateStore, sotClient, marketClient, r.adaptive, r.progress, nil, "", r.logger.WithStore(storeID))
	})
	return services.NewHybridOrchestrator(r.engineCfg, r.stateStore, sotClient, marketClient, introspector, r.adaptive, r.weights, r.topN, bgManager, r.logger.WithStore(store.ID))
}

func (r *cliRuntime) clientsFor(store models.Store) (*sot.Client, *marketplace.Client) {
	sotBreaker := breaker.New(fmt.Sprintf("sot-%d", store.ID), breaker.SoTBreakerConfig())
	marketBreaker := breaker.New(fmt.Sprintf("marketplace-%d", store.ID), breaker.MarketplaceBreakerConfig())
	r.breakers.Register(sotBreaker)
	r.breakers.Register(marketBreaker)
	sotClient := sot.NewClient(store.SotBaseURL, store.SotLogin, store.SotPassword, sotBreaker, r.logger.WithStore(store.ID))
	marketClient := marketplace.NewClient(r.governor, marketBreaker, r.logger.WithStore(store.ID))
	return sotClient, marketClient
}
