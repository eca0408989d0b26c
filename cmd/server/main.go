// Package main is the entry point for the harvesting engine. It wires the
// persistence layer, the live in-memory state, the broker client, the
// scheduler, and the HTTP API, then runs until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/harvester-engine/harvester/internal/clients/alpaca"
	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/database"
	"github.com/harvester-engine/harvester/internal/events"
	"github.com/harvester-engine/harvester/internal/modules/carryforward"
	"github.com/harvester-engine/harvester/internal/modules/lots"
	"github.com/harvester-engine/harvester/internal/modules/queue"
	"github.com/harvester-engine/harvester/internal/modules/rebuy"
	"github.com/harvester-engine/harvester/internal/modules/rules"
	"github.com/harvester-engine/harvester/internal/modules/trades"
	"github.com/harvester-engine/harvester/internal/modules/washsale"
	"github.com/harvester-engine/harvester/internal/scan"
	"github.com/harvester-engine/harvester/internal/scheduler"
	"github.com/harvester-engine/harvester/internal/server"
	"github.com/harvester-engine/harvester/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting harvester")

	// Lot basis and carryforward data back tax filings, so they live on the
	// ledger profile. Operational state uses the standard profile.
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	stateDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer stateDB.Close()

	lotRepo, err := lots.NewRepository(ledgerDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize lot repository")
	}
	washRepo, err := washsale.NewRepository(ledgerDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize wash sale repository")
	}
	carryRepo, err := carryforward.NewRepository(ledgerDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize carryforward repository")
	}
	recordRepo, err := rebuy.NewRepository(stateDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize harvest record repository")
	}
	queueSvc, err := queue.NewService(stateDB.Conn(), cfg.QueueTTL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize approval queue")
	}

	groups := washsale.NewGroups(cfg.SwapGroups)

	book, err := lotRepo.LoadBook(cfg.ShortTermCutoffDays)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load lot book")
	}
	tracker, err := washRepo.LoadTracker(groups, cfg.WashWindowDays)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load wash sale tracker")
	}
	ledger, err := carryRepo.LoadLedger(cfg.AnnualDeductibleCap)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load carryforward ledger")
	}

	broker := alpaca.NewClient(alpaca.Config{
		BaseURL:     cfg.AlpacaBaseURL,
		DataURL:     cfg.AlpacaDataURL,
		APIKey:      cfg.AlpacaAPIKey,
		APISecret:   cfg.AlpacaAPISecret,
		QuoteMaxAge: cfg.QuoteMaxAge,
	}, log)

	bus := events.NewBus(log)
	eventManager := events.NewManager(bus, log)

	scanner := scan.NewScanner(cfg, scan.Deps{
		Book:    book,
		Tracker: tracker,
		Ledger:  ledger,

		Rules:     rules.NewEngine(cfg.Rules, log),
		Generator: trades.NewGenerator(cfg.ExecutionWindow, log),

		Prices:   broker,
		Broker:   broker,
		Executor: broker,

		LotRepo:    lotRepo,
		WashRepo:   washRepo,
		RecordRepo: recordRepo,
		CarryRepo:  carryRepo,

		Queue:  queueSvc,
		Events: eventManager,
	}, log)

	sched, err := scheduler.New(cfg, scheduler.Deps{
		Scanner:  scanner,
		Queue:    queueSvc,
		WashRepo: washRepo,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize scheduler")
	}
	sched.Start()

	srv := server.New(cfg, server.Deps{
		Scanner: scanner,
		Queue:   queueSvc,
		Records: recordRepo,
	}, log)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	log.Info().Msg("Harvester stopped")
}
