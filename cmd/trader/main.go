package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrcha033/ats/api"
	"github.com/mrcha033/ats/internal/config"
	"github.com/mrcha033/ats/pkg/detector"
	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/exchange"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/mrcha033/ats/pkg/pricebook"
	"github.com/mrcha033/ats/pkg/risk"
	"github.com/mrcha033/ats/pkg/router"
	"github.com/mrcha033/ats/pkg/sink"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ats",
		Short: "Cross-exchange arbitrage trading system",
		Long:  `An automated trading system that detects price dislocations across exchanges and executes paired buy/sell orders to capture the spread`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(0, 0)

	symbols := make([]models.Symbol, 0, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		symbols = append(symbols, models.NormalizeSymbol(s))
	}

	adapters, err := buildAdapters(cfg, symbols, bus)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build exchange adapters")
	}

	book := pricebook.New(time.Duration(cfg.Trading.MaxQuoteAgeMs) * time.Millisecond)

	venueLimits := make(map[string]risk.VenueLimits, len(adapters))
	for name, adapter := range adapters {
		venueLimits[name] = adapter
	}
	riskMgr := risk.NewManager(riskLimits(cfg.Risk), venueLimits, bus, logger)

	det := detector.New(detector.Config{
		MinGrossSpread:   decimal.NewFromFloat(cfg.Trading.MinGrossSpread),
		MaxOrderSize:     decimal.NewFromFloat(cfg.Trading.MaxOrderSize),
		NominalOrderSize: decimal.NewFromFloat(cfg.Trading.NominalOrderSize),
		Debounce:         time.Duration(cfg.Trading.DebounceMs) * time.Millisecond,
	}, book, &venueDirectory{adapters: adapters}, bus, logger)

	orderRouter := router.New(router.Config{
		SubmitTimeout: time.Duration(cfg.Trading.SubmitTimeoutMs) * time.Millisecond,
		TradeDeadline: time.Duration(cfg.Trading.TradeDeadlineMs) * time.Millisecond,
		PollInterval:  time.Duration(cfg.Trading.PollIntervalMs) * time.Millisecond,
		Workers:       cfg.Trading.Workers,
	}, adapters, riskMgr, bus, logger)

	for name, adapter := range adapters {
		if err := adapter.Connect(ctx); err != nil {
			logger.WithError(err).WithField("venue", name).Fatal("Failed to connect adapter")
		}
		if err := adapter.Subscribe(exchange.StreamTicker, symbols...); err != nil {
			logger.WithError(err).WithField("venue", name).Fatal("Failed to subscribe")
		}
		if err := adapter.Subscribe(exchange.StreamOrderBook, symbols...); err != nil {
			logger.WithError(err).WithField("venue", name).Fatal("Failed to subscribe")
		}
	}

	go det.Run(ctx)
	go riskMgr.Run(ctx)
	go orderRouter.Run(ctx)
	go refreshBalances(ctx, adapters, time.Duration(cfg.Trading.BalanceRefreshMs)*time.Millisecond)

	// The time-series store and the alert broker are independent sinks;
	// either may run without the other.
	var writer *sink.InfluxWriter
	if cfg.Influx.Enabled {
		writer = sink.NewInfluxWriter(sink.InfluxConfig{
			URL:           cfg.Influx.URL,
			Token:         cfg.Influx.Token,
			Org:           cfg.Influx.Org,
			Bucket:        cfg.Influx.Bucket,
			BatchSize:     cfg.Influx.BatchSize,
			FlushInterval: time.Duration(cfg.Influx.FlushIntervalMs) * time.Millisecond,
		}, logger)
	}

	var alerts *sink.AlertPublisher
	if cfg.Alerts.Enabled {
		alerts = sink.NewAlertPublisher(sink.KafkaConfig{
			Brokers: cfg.Alerts.Brokers,
			Topic:   cfg.Alerts.Topic,
		}, logger)
		defer alerts.Close()
	}

	if writer != nil || alerts != nil {
		recorder := sink.NewRecorder(writer, alerts, riskMgr, bus,
			time.Duration(cfg.Influx.SnapshotIntervalMs)*time.Millisecond, logger)
		go recorder.Run(ctx)
	}

	apiServer := api.NewServer(adapters, book, riskMgr, orderRouter, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Arbitrage trader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for name, adapter := range adapters {
		if err := adapter.Disconnect(shutdownCtx); err != nil {
			logger.WithError(err).WithField("venue", name).Warn("Disconnect failed")
		}
	}
	if writer != nil {
		writer.Close()
	}

	logger.Info("Arbitrage trader stopped")
}

func buildAdapters(cfg *config.Config, symbols []models.Symbol, bus *events.Bus) (map[string]exchange.Adapter, error) {
	adapters := make(map[string]exchange.Adapter, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		adapterCfg := exchange.Config{
			ID:                 ex.ID,
			BaseURL:            ex.BaseURL,
			StreamURL:          ex.StreamURL,
			APIKey:             ex.APIKey,
			APISecret:          ex.APISecret,
			RateLimitPerMinute: ex.RateLimitPerMinute,
			Testnet:            ex.Testnet,
			MakerFee:           decimal.NewFromFloat(ex.MakerFee),
			TakerFee:           decimal.NewFromFloat(ex.TakerFee),
			MinOrderQuantity:   decimal.NewFromFloat(ex.MinOrderQuantity),
			MinOrderNotional:   decimal.NewFromFloat(ex.MinOrderNotional),
		}
		switch ex.ID {
		case "binance":
			adapters[ex.ID] = exchange.NewBinance(adapterCfg, symbols, bus, logger)
		case "upbit":
			adapters[ex.ID] = exchange.NewUpbit(adapterCfg, symbols, bus, logger)
		default:
			return nil, fmt.Errorf("unknown exchange %q", ex.ID)
		}
	}
	return adapters, nil
}

// refreshBalances polls venue balances so the risk manager's sufficiency
// checks see current holdings. Adapters publish the result on the bus.
func refreshBalances(ctx context.Context, adapters map[string]exchange.Adapter, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	fetch := func() {
		for name, adapter := range adapters {
			reqCtx, reqCancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := adapter.GetBalances(reqCtx); err != nil {
				logger.WithError(err).WithField("venue", name).Warn("Balance refresh failed")
			}
			reqCancel()
		}
	}

	fetch()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetch()
		}
	}
}

func riskLimits(cfg config.RiskConfig) models.RiskLimits {
	return models.RiskLimits{
		MaxPositionSizePerSymbol: decimal.NewFromFloat(cfg.MaxPositionSizePerSymbol),
		MaxTotalExposure:         decimal.NewFromFloat(cfg.MaxTotalExposure),
		MaxDailyLoss:             decimal.NewFromFloat(cfg.MaxDailyLoss),
		MaxWeeklyLoss:            decimal.NewFromFloat(cfg.MaxWeeklyLoss),
		MaxMonthlyLoss:           decimal.NewFromFloat(cfg.MaxMonthlyLoss),
		MaxConcentrationRatio:    decimal.NewFromFloat(cfg.MaxConcentrationRatio),
		MaxPortfolioVaR:          decimal.NewFromFloat(cfg.MaxPortfolioVaR),
		RealtimePnLThreshold:     decimal.NewFromFloat(cfg.RealtimePnLThreshold),
		MinProfitAfterFees:       decimal.NewFromFloat(cfg.MinProfitAfterFees),
		MaxAlertsPerHour:         cfg.MaxAlertsPerHour,
		VaRConfidence:            cfg.VaRConfidence,
		VaRLookbackDays:          cfg.VaRLookbackDays,
	}
}

// venueDirectory adapts the adapter map to what the detector needs.
type venueDirectory struct {
	adapters map[string]exchange.Adapter
}

func (d *venueDirectory) TakerFee(venue string) decimal.Decimal {
	if a, ok := d.adapters[venue]; ok {
		return a.FeeRate("", false)
	}
	return decimal.Zero
}

func (d *venueDirectory) Eligible(venue string) bool {
	a, ok := d.adapters[venue]
	return ok && a.Healthy()
}
