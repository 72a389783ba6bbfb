package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"digit-trader/internal/api"
	"digit-trader/internal/controller"
	"digit-trader/internal/data"
	"digit-trader/internal/engine"
	"digit-trader/internal/events"
	"digit-trader/internal/gateway"
	"digit-trader/internal/market"
	"digit-trader/internal/monitor"
	"digit-trader/internal/persistence"
	"digit-trader/internal/risk"
	"digit-trader/internal/strategy"
	"digit-trader/pkg/broker"
	"digit-trader/pkg/broker/deriv"
	"digit-trader/pkg/broker/paper"
	"digit-trader/pkg/config"
	"digit-trader/pkg/crypto"
	"digit-trader/pkg/db"
	"digit-trader/pkg/i18n"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "digit-trader",
		Usage:   "Automated digit contract trading engine",
		Version: version,
		Action:  serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the trading engine and its HTTP control surface",
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrateAction,
			},
			{
				Name:  "token",
				Usage: "Issue an API token for a user id",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Aliases:  []string{"u"},
						Usage:    "User id placed in the uid claim",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 72 * time.Hour,
					},
				},
				Action: tokenAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("exit")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf(i18n.Get("ConfigLoadFailed"), err)
	}
	setupLogging(cfg)
	i18n.SetLanguage(i18n.Parse(cfg.Language))
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func openDatabase(path string) (*db.Database, error) {
	log.Info().Msgf(i18n.Get("UsingDBPath"), path)
	database, err := db.New(path)
	if err != nil {
		return nil, fmt.Errorf(i18n.Get("DBInitFailed"), err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf(i18n.Get("DBMigrationsFailed"), err)
	}
	log.Info().Msg(i18n.Get("MigrationsApplied"))
	return database, nil
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	return database.Close()
}

func tokenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tok, err := api.IssueToken(cmd.String("user"), cfg.JWTSecret, cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Msg(i18n.Get("Starting"))
	log.Info().Msgf(i18n.Get("ConfigLoaded"), cfg.Port)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := openDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	store := persistence.NewStore(database)
	bus := events.NewBus()

	// Credential encryption is optional; without it only paper and DEMO
	// sessions without a stored token can run.
	var keys *crypto.KeyManager
	if km, err := crypto.NewKeyManager(crypto.KeysFromLookup(os.Getenv)); err == nil {
		keys = km
	} else if errors.Is(err, crypto.ErrKeyNotFound) {
		log.Warn().Msg(i18n.Get("CredentialsOff"))
	} else {
		return fmt.Errorf("load encryption keys: %w", err)
	}

	// Price feed
	var (
		source   broker.TickSource
		timeSync *broker.TimeSync
	)
	if cfg.UseMockFeed {
		source = market.NewMockSource(cfg.PaperTickInterval, cfg.PaperSeed)
		log.Info().Msg(i18n.Get("MockFeedStarted"))
	} else {
		marketData := deriv.New(derivConfig(cfg))
		defer marketData.Close()
		source = marketData
		timeSync = broker.NewTimeSync(marketData, 30*time.Minute)
		log.Info().Msg(i18n.Get("DerivFeedStarted"))
	}
	feed := market.NewFeed(source, bus)
	defer feed.Close()

	// Broker connections
	factoryCfg := gateway.FactoryConfig{
		Venue: cfg.Broker,
		Deriv: derivConfig(cfg),
		Paper: paper.Config{
			InitialBalance: decimal.NewFromFloat(cfg.PaperInitialBalance),
			Currency:       cfg.Currency,
			LatencyMin:     cfg.PaperLatency / 2,
			LatencyMax:     cfg.PaperLatency,
			TickPeriod:     cfg.PaperTickInterval,
			Seed:           cfg.PaperSeed,
		},
	}
	if cfg.Broker == gateway.VenueDeriv {
		log.Info().Msgf(i18n.Get("DerivVenue"), cfg.DerivWSURL)
	} else {
		log.Info().Msg(i18n.Get("PaperVenue"))
	}
	poolCfg := gateway.DefaultConfig()
	poolCfg.MaxSize = cfg.GatewayMaxSize
	if cfg.GatewayIdleTimeout > 0 {
		poolCfg.IdleTimeout = cfg.GatewayIdleTimeout
	}
	var opener gateway.TokenOpener
	if keys != nil {
		opener = keys
	}
	pool := gateway.NewManager(database, opener, gateway.NewFactory(factoryCfg), poolCfg)
	defer pool.Stop()

	// Policy and signals
	policy, err := risk.LoadPolicy(cfg.RiskPolicyFile)
	if err != nil {
		return fmt.Errorf("load risk policy: %w", err)
	}
	strategies := strategy.DefaultConfigFile()
	if cfg.StrategyFile != "" {
		if strategies, err = strategy.LoadConfig(cfg.StrategyFile); err != nil {
			return fmt.Errorf("load strategies: %w", err)
		}
	}
	if cfg.ModelAddr != "" {
		log.Info().Msgf(i18n.Get("RemoteModelOn"), cfg.ModelAddr)
	}

	settings := controller.DefaultSettings()
	settings.PlacementTimeout = cfg.PlacementTimeout
	settings.CallTimeout = cfg.BrokerCallTimeout
	settings.DeadFeedThreshold = cfg.DeadFeedThreshold
	settings.PollInterval = cfg.SettlementPollInterval
	settings.ReconcileMaxAttempts = cfg.ReconcileMaxAttempts
	if cfg.Broker == gateway.VenuePaper {
		settings.TickPeriod = cfg.PaperTickInterval
	}

	deps := controller.Deps{
		Broker:     pool.Source(),
		Feed:       feed,
		Bus:        bus,
		Strategies: strategies,
		Build:      strategy.BuildOptions{ModelAddr: cfg.ModelAddr, ModelTimeout: cfg.BrokerCallTimeout},
		Policy:     policy,
		Trades:     store,
		Journal:    store,
		Warmup:     data.NewHistoricalDataService(database, 2*cfg.DeadFeedThreshold).RecentTicks,
		Settings:   settings,
	}
	if timeSync != nil {
		deps.Clock = timeSync.Now
	}
	registry := controller.NewRegistry(deps)

	// Sessions outlive the signal context so Shutdown can drain them.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	var sealer engine.TokenSealer
	if keys != nil {
		sealer = keys
	}
	eng := engine.NewImpl(engine.Config{
		Base:     base,
		Registry: registry,
		Trades:   store,
		Creds:    database,
		Sealer:   sealer,
		Pool:     pool,
		Bus:      bus,
		IdleTTL:  cfg.SessionIdleTTL,
		Meta: engine.SystemStatus{
			Venue:       cfg.Broker,
			Version:     version,
			Symbols:     cfg.Symbols,
			UseMockFeed: cfg.UseMockFeed,
		},
	})

	metrics := monitor.NewSystemMetrics()
	collectors := monitor.NewCollectors(monitor.Gauges{
		DroppedEvents:   func() float64 { return float64(bus.Dropped()) },
		PooledGateways:  func() float64 { return float64(pool.Stats().Total) },
		RunningSessions: func() float64 { return float64(len(registry.Running())) },
	})
	mon := monitor.New(bus, collectors, metrics, monitor.NewLogSink())

	server := api.NewServer(eng, cfg.JWTSecret, api.Options{
		Bus:        bus,
		Quotes:     eng.Quotes(),
		Metrics:    metrics,
		Collectors: collectors,
		Language:   i18n.Parse(cfg.Language),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	pool.Start(gctx)
	if timeSync != nil {
		timeSync.Start(gctx)
	}
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.UpdatePool(pool.Stats(), len(registry.Running()))
			}
		}
	})

	var writer *persistence.BatchWriter
	if cfg.TickArchive {
		writer = persistence.NewBatchWriter(database.DB, 200, time.Second)
		archiver := persistence.NewTickArchiver(bus, writer)
		g.Go(func() error { return archiver.Run(gctx) })
		log.Info().Msg(i18n.Get("TickArchiveOn"))
	}

	g.Go(func() error {
		log.Info().Msgf(i18n.Get("ServerListening"), cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf(i18n.Get("APIServerError"), err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg(i18n.Get("ShuttingDown"))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		if err := eng.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("sessions did not drain before timeout")
		} else {
			log.Info().Msg(i18n.Get("SessionsStopped"))
		}
		cancelBase()
		if writer != nil {
			if err := writer.Close(); err != nil {
				log.Error().Err(err).Msg("flush tick archive")
			}
		}
		return nil
	})

	return g.Wait()
}

func derivConfig(cfg *config.Config) deriv.Config {
	return deriv.Config{
		Endpoint:          cfg.DerivWSURL,
		AppID:             cfg.DerivAppID,
		Currency:          cfg.Currency,
		RequestsPerSecond: cfg.DerivRequestsPerSecond,
		CallTimeout:       cfg.BrokerCallTimeout,
	}
}
