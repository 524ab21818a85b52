package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/anchor"
	"github.com/rustchain/rustchain-go/binding"
	"github.com/rustchain/rustchain-go/db"
	"github.com/rustchain/rustchain-go/epoch"
	"github.com/rustchain/rustchain-go/fingerprint"
	"github.com/rustchain/rustchain-go/gossip"
	"github.com/rustchain/rustchain-go/handlers"
	"github.com/rustchain/rustchain-go/ledger"
	"github.com/rustchain/rustchain-go/logger"
	"github.com/rustchain/rustchain-go/repository"
	"github.com/rustchain/rustchain-go/routers"
	"github.com/rustchain/rustchain-go/weight"
)

func main() {
	// Load config
	viper.SetConfigFile("config/config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")

	if err := logger.InitLogger(appLogFile, logLevel); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting RustChain node...")

	// Connect to LevelDB
	leveldbPath := viper.GetString("leveldb.path")
	ldb, err := db.NewLevelDB(leveldbPath)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Every repository interface is served by one store
	store := repository.NewStore(ldb)

	// Domain services
	ledgerSvc := ledger.NewService(store)

	binder := binding.NewBinder(store)
	binder.LoyaltyGraceSeconds = viper.GetInt64("weight.loyalty_grace_hours") * 3600

	validator := fingerprint.NewValidator(fingerprint.DefaultReferenceTable())

	calc := weight.NewCalculator(weight.Params{
		GraceYears:     viper.GetFloat64("weight.grace_years"),
		DecayPerYear:   viper.GetFloat64("weight.decay_per_year"),
		LoyaltyPerYear: viper.GetFloat64("weight.loyalty_per_year"),
		LoyaltyCap:     viper.GetFloat64("weight.loyalty_cap"),
	})

	feed := gossip.NewFeed()
	gossipSvc := gossip.NewService(store, feed)

	anchorer := anchor.NewEmitter(
		viper.GetString("anchor.url"),
		time.Duration(viper.GetInt("anchor.timeout_seconds"))*time.Second,
	)

	engine := epoch.NewEngine(
		epoch.Params{
			Slots:            viper.GetUint64("epoch.slots"),
			SlotSeconds:      viper.GetInt64("epoch.slot_seconds"),
			LivenessSlots:    viper.GetUint64("epoch.liveness_slots"),
			PoolURTC:         viper.GetInt64("epoch.pool_urtc"),
			GenesisTimestamp: viper.GetInt64("genesis.timestamp"),
			AutoSettleEvery:  time.Duration(viper.GetInt("epoch.auto_settle_interval_seconds")) * time.Second,
			SettleLookback:   8,
		},
		store, store, ledgerSvc, validator, binder, calc, gossipSvc, anchorer,
	)

	// Background auto-settler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	// Hourly sweep marking silent identities inactive
	livenessTimeout := viper.GetInt64("binding.liveness_timeout_hours") * 3600
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := binder.MarkStale(time.Now().Unix(), livenessTimeout); err != nil {
					logger.Logger.Error("Stale identity sweep failed", zap.Error(err))
				}
			}
		}
	}()

	// Initialize HTTP handlers
	h := handlers.NewHandler(engine, ledgerSvc, gossipSvc, feed)
	rl := handlers.NewRateLimiter(
		viper.GetFloat64("rate.requests_per_second"),
		viper.GetInt("rate.burst"),
	)

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h, rl)

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	cancel()
	srv.Close()
}
