package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/bot"
	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	bybitgw "github.com/ducminhle1904/options-trading-bot/internal/broker/bybit"
	"github.com/ducminhle1904/options-trading-bot/internal/broker/paper"
	"github.com/ducminhle1904/options-trading-bot/internal/config"
	"github.com/ducminhle1904/options-trading-bot/internal/ledger"
	"github.com/ducminhle1904/options-trading-bot/internal/logger"
	"github.com/ducminhle1904/options-trading-bot/internal/marketdata"
	"github.com/ducminhle1904/options-trading-bot/internal/monitor"
	"github.com/ducminhle1904/options-trading-bot/internal/monitoring"
	"github.com/ducminhle1904/options-trading-bot/internal/notifications"
	"github.com/ducminhle1904/options-trading-bot/internal/orders"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

const (
	AppName    = "Options Trading Bot"
	AppVersion = "1.0.0"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	log.Printf("Starting %s in %s mode (broker: %s)", AppName, cfg.Environment, cfg.Broker.Mode)

	fileLogger, err := logger.NewLogger(cfg.Underlying, cfg.Environment)
	if err != nil {
		log.Fatalf("❌ Failed to create logger: %v", err)
	}
	defer fileLogger.Close()

	book, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("❌ Failed to open ledger: %v", err)
	}

	gateway := buildGateway(cfg)

	stopper := risk.NewFileSentinel(cfg.EmergencyStopFile, cfg.EmergencyPoll)
	state, err := risk.NewState(cfg.Risk.Timezone, cfg.Risk.KellyWindow)
	if err != nil {
		log.Fatalf("❌ Failed to initialize risk state: %v", err)
	}
	margin := &risk.FixedMargin{
		Available: cfg.Risk.Capital,
		PerLot:    cfg.Risk.Capital / float64(cfg.Risk.MaxPositionLots),
	}
	riskMgr := risk.NewManager(&cfg.Risk, state, stopper, margin, fileLogger)

	validator, err := orders.NewValidator(&cfg.Validation)
	if err != nil {
		log.Fatalf("❌ Failed to build order validator: %v", err)
	}
	retry := orders.NewRetryHandler(cfg.Retry, stopper)
	fallback := orders.NewFallbackEngine(cfg.Fallback)
	partial := orders.NewPartialFillHandler(cfg.PartialFill)

	orderMgr := orders.NewManager(gateway, validator, retry, fallback, partial, stopper, fileLogger, book)
	orderMgr.RegisterObserver(func(order *orders.Order, from, to orders.OrderState, detail string) {
		monitoring.RecordOrderTransition(string(to))
	})

	posMonitor := monitor.NewPositionMonitor(cfg.Monitor, gateway, riskMgr, orderMgr, book, fileLogger)

	var notifier notifications.Notifier = notifications.NoopNotifier{}
	if cfg.Notifications.TelegramToken != "" {
		notifier = notifications.NewTelegramNotifier(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID)
	} else {
		log.Println("Telegram notifications disabled (no token configured)")
	}

	var chains marketdata.ChainSource
	if cs, ok := gateway.(marketdata.ChainSource); ok {
		chains = cs
	}
	tradingBot := bot.NewTradingBot(gateway, chains, cfg.TieBreak, riskMgr, orderMgr, posMonitor, book, fileLogger, notifier)

	healthChecker := monitoring.NewHealthChecker(2 * cfg.Monitor.Interval)
	go setupMonitoringServers(cfg, healthChecker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tradingBot.Start(ctx)
	go gaugeLoop(ctx, posMonitor, state, stopper, healthChecker)

	if err := notifier.SendAlert("info", AppName+" started"); err != nil {
		log.Printf("Failed to send startup notification: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	cancel()
	tradingBot.Stop()

	if err := book.Close(); err != nil {
		log.Printf("Error closing ledger: %v", err)
	}
	writeSessionReport(cfg)

	if err := notifier.SendAlert("info", AppName+" stopped"); err != nil {
		log.Printf("Failed to send shutdown notification: %v", err)
	}
	log.Println("Bot stopped successfully")
}

// buildGateway selects the broker backend.
func buildGateway(cfg *config.Config) broker.Gateway {
	if cfg.Broker.Mode == "bybit" {
		return bybitgw.NewGateway(bybitgw.Config{
			APIKey:    cfg.Broker.APIKey,
			APISecret: cfg.Broker.APISecret,
			Testnet:   cfg.Broker.Testnet,
			Demo:      cfg.Broker.Demo,
		})
	}
	return paper.NewGateway()
}

// gaugeLoop keeps the health endpoint and gauges current.
func gaugeLoop(ctx context.Context, posMonitor *monitor.PositionMonitor, state *risk.State,
	stopper *risk.FileSentinel, healthChecker *monitoring.HealthChecker) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stopped := stopper.Stopped()
			healthChecker.Update(posMonitor.LastTick(), state.OpenCount(), stopped)
			monitoring.SetOpenTrades(state.OpenCount())
			monitoring.SetDailyPnL(state.Daily().RealizedPnL)
			monitoring.SetEmergencyStop(stopped)
		}
	}
}

// writeSessionReport prints the console summary and writes the Excel
// workbook for the session.
func writeSessionReport(cfg *config.Config) {
	entries, err := ledger.ReadAll(cfg.LedgerPath)
	if err != nil {
		log.Printf("Could not read ledger for reporting: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	ledger.PrintConsoleSummary(entries)

	reportPath := filepath.Join(cfg.ReportPath,
		fmt.Sprintf("session_%s.xlsx", time.Now().Format("2006-01-02_150405")))
	if err := ledger.WriteExcelReport(entries, reportPath); err != nil {
		log.Printf("Could not write Excel report: %v", err)
		return
	}
	log.Printf("📊 Session report written to %s", reportPath)
}

func setupMonitoringServers(cfg *config.Config, healthChecker *monitoring.HealthChecker) {
	healthMux := http.NewServeMux()
	healthMux.Handle("/health", healthChecker)

	go func() {
		log.Printf("Starting health server on port %d", cfg.Monitoring.HealthPort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Monitoring.HealthPort), healthMux); err != nil {
			log.Printf("Health server error: %v", err)
		}
	}()

	go func() {
		log.Printf("Starting Prometheus server on port %d", cfg.Monitoring.PrometheusPort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort), monitoring.NewMetricsHandler()); err != nil {
			log.Printf("Prometheus server error: %v", err)
		}
	}()
}
