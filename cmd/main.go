package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/slimclaw/slimclaw/abtest"
	"github.com/slimclaw/slimclaw/budget"
	"github.com/slimclaw/slimclaw/caching"
	"github.com/slimclaw/slimclaw/classifier"
	"github.com/slimclaw/slimclaw/config"
	"github.com/slimclaw/slimclaw/latency"
	"github.com/slimclaw/slimclaw/metrics"
	"github.com/slimclaw/slimclaw/monitoring"
	"github.com/slimclaw/slimclaw/pipeline"
	"github.com/slimclaw/slimclaw/pricing"
	"github.com/slimclaw/slimclaw/proxy"
	"github.com/slimclaw/slimclaw/routing"
	"github.com/slimclaw/slimclaw/state"
	"github.com/slimclaw/slimclaw/utils"
	"github.com/slimclaw/slimclaw/window"
)

const (
	budgetSnapshotKey = "slimclaw:snapshot:budget"
	abtestSnapshotKey = "slimclaw:snapshot:abtest"
)

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}
	sugar.Infow("Loaded config", "mode", cfg.Mode, "enabled", cfg.Enabled, "port", cfg.Proxy.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priceCache := pricing.NewCache(cfg.Routing.DynamicPricing.Options(), sugar)
	latencyTracker := latency.NewTracker(cfg.Routing.LatencyTracking, sugar)
	budgetTracker := budget.NewTracker(cfg.Routing.Budget, sugar)

	abtests, err := abtest.NewManager(cfg.Routing.ABTesting, sugar)
	if err != nil {
		sugar.Fatalw("Invalid experiment configuration", "error", err)
	}

	reporter := metrics.NewReporter(cfg.Metrics.LogPath, sugar)
	collector := metrics.NewCollector(cfg.Metrics.CollectorOptions(), reporter, sugar)
	go collector.Start(ctx)

	monitor := monitoring.NewMonitor(cfg.Monitoring, sugar)

	if cfg.Persistence.Enabled {
		var store state.Store
		if cfg.Persistence.ValkeyEndpoint != "" {
			valkeyClient, err := valkey.NewClient(valkey.ClientOption{
				InitAddress: []string{cfg.Persistence.ValkeyEndpoint},
			})
			if err != nil {
				sugar.Fatalw("Failed to create Valkey client", "error", err)
			}
			defer valkeyClient.Close()
			store = state.NewValkeyStore(valkeyClient)
		} else {
			memoryStore, stopCleanup := state.NewMemoryStore()
			defer stopCleanup()
			store = memoryStore
		}

		keeper := state.NewKeeper(store, time.Duration(cfg.Persistence.IntervalMs)*time.Millisecond, sugar)
		keeper.Register(state.Source{
			Key: budgetSnapshotKey,
			Capture: func() ([]byte, error) {
				return json.Marshal(budgetTracker.Serialize())
			},
			Restore: func(data []byte) error {
				var snapshot budget.Snapshot
				if err := json.Unmarshal(data, &snapshot); err != nil {
					return err
				}
				budgetTracker.FromSnapshot(snapshot)
				return nil
			},
		})
		keeper.Register(state.Source{
			Key: abtestSnapshotKey,
			Capture: func() ([]byte, error) {
				return json.Marshal(abtests.Serialize())
			},
			Restore: func(data []byte) error {
				var snapshot abtest.Snapshot
				if err := json.Unmarshal(data, &snapshot); err != nil {
					return err
				}
				abtests.FromSnapshot(snapshot)
				return nil
			},
		})
		keeper.RestoreAll(ctx)
		go keeper.Start(ctx)
	}

	heuristic := classifier.NewClassifier(sugar)
	pipe := pipeline.NewPipeline(cfg, pipeline.Components{
		Windower:   window.NewWindower(sugar),
		Classifier: heuristic,
		Injector:   caching.NewInjector(sugar),
		Router:     routing.NewRouter(sugar),
		Pricing:    priceCache,
		Latency:    latencyTracker,
		Budget:     budgetTracker,
		ABTests:    abtests,
		Collector:  collector,
		Monitor:    monitor,
	}, sugar)

	sidecar := proxy.NewProxy(cfg, pipe, monitor, sugar)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", cfg.Proxy.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(sidecar.Handler()),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		// Stops accepting requests and flushes buffered metrics, then stops
		// the background loops (the keeper saves a final snapshot on cancel).
		sidecar.Shutdown()
		cancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address, "mode", cfg.Mode)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
