package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"cryptobroker/config"
	"cryptobroker/internal/adapters/logger"
	"cryptobroker/internal/adapters/notifier"
	"cryptobroker/internal/adapters/providers"
	"cryptobroker/internal/adapters/sqlite"
	"cryptobroker/internal/app"
	"cryptobroker/internal/matching"
	"cryptobroker/internal/portfolio"
	"cryptobroker/internal/ports"
	"cryptobroker/internal/pricefeed"
	"cryptobroker/internal/trading"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Notifier (log sink, plus websocket hub when enabled)
	var events = notifier.NewFanOut(notifier.NewLogNotifier(appLogger))
	var wsHub *notifier.WSHub
	if cfg.WSListenAddr != "" {
		wsHub = notifier.NewWSHub(appLogger)
		events = notifier.NewFanOut(notifier.NewLogNotifier(appLogger), wsHub)
	}

	// 5. Initialize Price Providers in fallback order
	providerChain, err := buildProviders(cfg, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize price providers")
		log.Fatalf("FATAL: Failed to initialize price providers: %v", err)
	}

	// 6. Initialize Price Feed
	priceFeed, err := pricefeed.NewService(pricefeed.Config{
		Store:     repo,
		Providers: providerChain,
		Notifier:  events,
		Logger:    appLogger,
		Timeout:   cfg.ProviderTimeout,
		Interval:  cfg.RefreshInterval,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize price feed")
		log.Fatalf("FATAL: Failed to initialize price feed: %v", err)
	}
	appLogger.Info(context.Background(), "Price feed initialized")

	// 7. Initialize Portfolio Valuator
	valuator, err := portfolio.NewValuator(repo, priceFeed, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize portfolio valuator")
		log.Fatalf("FATAL: Failed to initialize portfolio valuator: %v", err)
	}

	// 8. Initialize Trading Engine
	engine, err := trading.NewEngine(trading.Config{
		Store:     repo,
		Portfolio: valuator,
		Notifier:  events,
		Logger:    appLogger,
		FeeRate:   cfg.FeeRate,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading engine")
		log.Fatalf("FATAL: Failed to initialize trading engine: %v", err)
	}
	appLogger.Info(context.Background(), "Trading engine initialized")

	// 9. Initialize Matching Engine
	matcher, err := matching.NewEngine(matching.Config{
		Store:    repo,
		Settler:  engine,
		Prices:   priceFeed,
		Logger:   appLogger,
		Interval: cfg.MatchingInterval,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize matching engine")
		log.Fatalf("FATAL: Failed to initialize matching engine: %v", err)
	}
	appLogger.Info(context.Background(), "Matching engine initialized")

	// 10. Initialize Application Service
	broker, err := app.NewBrokerService(app.Config{
		Logger:       appLogger,
		PriceFeed:    priceFeed,
		Matcher:      matcher,
		WSHub:        wsHub,
		WSListenAddr: cfg.WSListenAddr,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize broker service")
		log.Fatalf("FATAL: Failed to initialize broker service: %v", err)
	}
	appLogger.Info(context.Background(), "Broker service initialized")

	// 11. Start the Service
	if err := broker.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Broker service exited with error")
		log.Fatalf("FATAL: Broker service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

func buildProviders(cfg *config.Config, appLogger *logger.StdLogger) ([]ports.PriceProvider, error) {
	chain := make([]ports.PriceProvider, 0, len(cfg.ProviderOrder))
	for _, name := range cfg.ProviderOrder {
		switch name {
		case "binance":
			p, err := providers.NewBinance(providers.BinanceConfig{
				APIKey:    cfg.BinanceAPIKey,
				SecretKey: cfg.BinanceSecretKey,
				Logger:    appLogger,
			})
			if err != nil {
				return nil, err
			}
			chain = append(chain, p)
		case "coingecko":
			p, err := providers.NewCoinGecko(providers.CoinGeckoConfig{
				BaseURL: cfg.CoinGeckoBaseURL,
				Logger:  appLogger,
			})
			if err != nil {
				return nil, err
			}
			chain = append(chain, p)
		}
	}
	return chain, nil
}
