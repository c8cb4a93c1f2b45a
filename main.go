package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"grid-trading-bot/config"
	"grid-trading-bot/execution"
	"grid-trading-bot/indicators"
	"grid-trading-bot/logger"
	"grid-trading-bot/marketdata"
	"grid-trading-bot/metrics"
	"grid-trading-bot/strategy"

	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

// gridUnit is one symbol's controller, its event runner and the volatility
// series the controller feeds.
type gridUnit struct {
	controller *strategy.GridController
	runner     *strategy.Runner
	volatility *indicators.BarSeries
}

// GridBot wires market data, execution and one grid per configured symbol.
type GridBot struct {
	config *config.Config
	logger *zap.Logger

	marketData  marketdata.MarketDataEngine
	executor    execution.ExecutionEngine
	account     execution.Account
	paper       *execution.PaperEngine
	hyperliquid *execution.HyperliquidEngine

	grids map[string]*gridUnit

	metricsServer *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time
}

func NewGridBot(cfg *config.Config, log *zap.Logger) (*GridBot, error) {
	ctx, cancel := context.WithCancel(context.Background())
	bot := &GridBot{
		config: cfg,
		logger: log,
		grids:  make(map[string]*gridUnit, len(cfg.Grids)),
		ctx:    ctx,
		cancel: cancel,
	}

	// 1. Market data
	mdConfig := marketdata.DefaultConfig
	mdConfig.HistoryDays = cfg.HistoryDays
	if !cfg.IsMainnet {
		mdConfig.HyperliquidWSURL = "wss://api.hyperliquid-testnet.xyz/ws"
		mdConfig.HyperliquidAPIURL = "https://api.hyperliquid-testnet.xyz"
	}
	md, err := marketdata.NewMarketDataEngine(mdConfig, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create market data engine: %w", err)
	}
	bot.marketData = md

	// 2. Execution
	switch cfg.ExecutionMode {
	case config.ModeHyperliquid:
		execConfig := execution.DefaultConfig()
		if !cfg.IsMainnet {
			execConfig = execution.TestnetConfig()
		}
		execConfig.PrivateKeyHex = cfg.PrivateKeyHex
		hl, err := execution.NewHyperliquidEngine(execConfig, log)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create execution engine: %w", err)
		}
		bot.hyperliquid = hl
		bot.executor, bot.account = hl, hl
	default:
		paper := execution.NewPaperEngine(cfg.PaperBalances, cfg.PaperPricePrecision, log)
		bot.paper = paper
		bot.executor, bot.account = paper, paper
	}

	// 3. Grids
	for _, settings := range cfg.Grids {
		gridConfig := settings.GridConfig()
		series := indicators.NewBarSeries(indicators.DefaultSeriesSize)
		controller, err := strategy.NewGridController(gridConfig, strategy.Dependencies{
			MarketData: md,
			Executor:   bot.executor,
			Account:    bot.account,
			Volatility: series,
			Logger:     log,
			Notify:     bot.handleStrategyNotification,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create grid %s: %w", gridConfig.Symbol, err)
		}
		bot.grids[gridConfig.Symbol] = &gridUnit{
			controller: controller,
			runner:     strategy.NewRunner(controller, strategy.DefaultEventBuffer, log),
			volatility: series,
		}
	}

	bot.setupConnections()
	return bot, nil
}

// setupConnections routes market data into the grid runners. Trades reach
// the grid before the paper engine so a fill never precedes the price that
// caused it.
func (bot *GridBot) setupConnections() {
	bot.marketData.SetTradeCallback(func(trade marketdata.Trade) {
		if unit, ok := bot.grids[trade.Symbol]; ok {
			if err := unit.runner.SubmitTrade(trade); err != nil {
				bot.logger.Debug("Trade not delivered", zap.String("symbol", trade.Symbol), zap.Error(err))
			}
		}
		if bot.paper != nil {
			bot.paper.OnTrade(trade)
		}
	})

	bot.marketData.SetBarCallback(func(bar marketdata.Bar) {
		unit, ok := bot.grids[bar.Symbol]
		if !ok {
			return
		}
		if err := unit.runner.SubmitBar(bar); err != nil {
			bot.logger.Debug("Bar not delivered", zap.String("symbol", bar.Symbol), zap.Error(err))
		}
	})
}

func (bot *GridBot) handleStrategyNotification(n strategy.StrategyNotification) {
	fields := []zap.Field{
		zap.String("symbol", n.Symbol),
		zap.String("type", n.Type),
		zap.Any("details", n.Details),
	}
	switch n.Severity {
	case strategy.SeverityError:
		bot.logger.Error(n.Message, fields...)
	case strategy.SeverityWarning:
		bot.logger.Warn(n.Message, fields...)
	default:
		bot.logger.Debug(n.Message, fields...)
	}
}

func (bot *GridBot) Start() error {
	bot.startTime = time.Now()
	bot.logger.Info("Starting grid bot",
		zap.String("mode", bot.config.ExecutionMode),
		zap.Bool("mainnet", bot.config.IsMainnet),
		zap.Int("grids", len(bot.grids)))

	if bot.hyperliquid != nil {
		if err := bot.hyperliquid.Start(); err != nil {
			return fmt.Errorf("failed to start execution engine: %w", err)
		}
		bot.logger.Info("Trading account", zap.String("address", bot.hyperliquid.Address()))
	}

	if err := bot.marketData.Start(); err != nil {
		return fmt.Errorf("failed to start market data engine: %w", err)
	}

	bot.startMetricsServer()

	for symbol, unit := range bot.grids {
		if err := unit.runner.Start(bot.ctx); err != nil {
			return fmt.Errorf("failed to start grid %s: %w", symbol, err)
		}
	}

	bot.wg.Add(1)
	go bot.statusMonitor()
	return nil
}

func (bot *GridBot) startMetricsServer() {
	if bot.config.MetricsAddr == "" || bot.config.MetricsAddr == "off" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	bot.metricsServer = &http.Server{
		Addr:              bot.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		bot.logger.Info("Metrics listening", zap.String("addr", bot.config.MetricsAddr))
		if err := bot.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			bot.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Stop cancels every grid's orders, then tears down the engines.
func (bot *GridBot) Stop() error {
	bot.logger.Info("Stopping grid bot")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for symbol, unit := range bot.grids {
		if err := unit.runner.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop grid %s: %w", symbol, err))
		}
	}

	bot.cancel()
	bot.wg.Wait()

	if err := bot.marketData.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop market data: %w", err))
	}
	if bot.hyperliquid != nil {
		if err := bot.hyperliquid.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop execution: %w", err))
		}
	}
	if bot.metricsServer != nil {
		if err := bot.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}

	bot.printFinalReport()
	return errors.Join(errs...)
}

func (bot *GridBot) statusMonitor() {
	defer bot.wg.Done()
	ticker := time.NewTicker(bot.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bot.ctx.Done():
			return
		case <-ticker.C:
			bot.printStatus()
		}
	}
}

func (bot *GridBot) printStatus() {
	conn := bot.marketData.GetConnectionStatus()
	bot.logger.Info("Status",
		zap.Duration("uptime", time.Since(bot.startTime).Truncate(time.Second)),
		zap.Bool("connected", conn.IsConnected),
		zap.Int("reconnects", conn.ReconnectCount),
		zap.Int64("messages", conn.MessageCount),
		zap.Any("execution", bot.executionStats()))

	for _, unit := range bot.grids {
		st := unit.controller.State()
		vol := unit.volatility.Snapshot()
		bot.logger.Info("Grid status",
			zap.String("symbol", st.Symbol),
			zap.Bool("ready", st.Ready),
			zap.String("base_price", st.BasePrice.String()),
			zap.String("last_trade_price", st.LastTradePrice.String()),
			zap.String("buy_trigger", st.BuyTrigger.String()),
			zap.String("sell_trigger", st.SellTrigger.String()),
			zap.Int("outstanding", st.Outstanding),
			zap.Uint64("rebases", st.Rebases),
			zap.Int("volatility_bars", vol.Count),
			zap.String("last_close", vol.LastClose),
			zap.Float64("mean_true_range", vol.MeanTrueRange),
			zap.Float64("max_true_range", vol.MaxTrueRange),
			zap.Float64("true_range_stdev", vol.TrueRangeStdev))
	}
}

func (bot *GridBot) executionStats() execution.ExecutionStatistics {
	if bot.hyperliquid != nil {
		return bot.hyperliquid.GetExecutionStats()
	}
	return bot.paper.GetExecutionStats()
}

func (bot *GridBot) printFinalReport() {
	fields := []zap.Field{
		zap.Duration("runtime", time.Since(bot.startTime).Truncate(time.Second)),
		zap.Any("execution", bot.executionStats()),
	}
	for symbol, unit := range bot.grids {
		st := unit.controller.State()
		fields = append(fields, zap.String(symbol+"_base_price", st.BasePrice.String()),
			zap.Uint64(symbol+"_rebases", st.Rebases))
	}
	if bot.hyperliquid != nil {
		fields = append(fields, zap.Any("latency", bot.hyperliquid.GetLatencyMetrics()))
	}
	if bot.paper != nil {
		balances := make(map[string]string)
		for currency, amount := range bot.paper.Balances() {
			balances[currency] = amount.String()
		}
		fields = append(fields, zap.Any("paper_balances", balances))
	}
	bot.logger.Info("Final report", fields...)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	bot, err := NewGridBot(cfg, log)
	if err != nil {
		log.Fatal("Failed to create grid bot", zap.Error(err))
	}
	if err := bot.Start(); err != nil {
		log.Error("Failed to start grid bot", zap.Error(err))
		_ = bot.Stop()
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	log.Info("Grid bot running, press Ctrl+C to stop")

	s := <-sig
	log.Info("Shutdown signal received", zap.String("signal", s.String()))
	if err := bot.Stop(); err != nil {
		log.Error("Error stopping bot", zap.Error(err))
	}
}
