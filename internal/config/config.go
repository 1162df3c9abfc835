package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/ducminhle1904/options-trading-bot/internal/marketdata"
	"github.com/ducminhle1904/options-trading-bot/internal/monitor"
	"github.com/ducminhle1904/options-trading-bot/internal/orders"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

// Config is the full runtime configuration, loaded from environment
// variables with production defaults. A .env file in the working
// directory is honored when present.
type Config struct {
	Environment string
	Underlying  string
	LogDir      string
	LedgerPath  string
	ReportPath  string
	TieBreak    marketdata.TieBreak

	Broker struct {
		Mode      string // "paper" or "bybit"
		APIKey    string
		APISecret string
		Testnet   bool
		Demo      bool
	}

	Risk        risk.Config
	Validation  orders.ValidatorConfig
	Retry       orders.RetryConfig
	Fallback    orders.FallbackConfig
	PartialFill orders.PartialFillConfig
	Monitor     monitor.Config

	EmergencyStopFile string
	EmergencyPoll     time.Duration

	Monitoring struct {
		PrometheusPort int
		HealthPort     int
	}

	Notifications struct {
		TelegramToken  string
		TelegramChatID string
	}
}

// Load reads configuration from the environment. Missing keys fall
// back to production defaults.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENV", "development"),
		Underlying:  getEnv("UNDERLYING", "BANKNIFTY"),
		LogDir:      getEnv("LOG_DIR", "logs"),
		LedgerPath:  getEnv("LEDGER_PATH", "data/ledger.jsonl"),
		ReportPath:  getEnv("REPORT_PATH", "reports"),
		TieBreak:    marketdata.TieBreak(getEnv("ATM_TIE_BREAK", string(marketdata.TieBreakLower))),

		Risk:        *risk.DefaultConfig(),
		Validation:  *orders.DefaultValidatorConfig(),
		Retry:       orders.DefaultRetryConfig(),
		Fallback:    orders.DefaultFallbackConfig(),
		PartialFill: orders.DefaultPartialFillConfig(),
		Monitor:     monitor.DefaultConfig(),

		EmergencyStopFile: getEnv("EMERGENCY_STOP_FILE", "emergency_stop"),
		EmergencyPoll:     getEnvDuration("EMERGENCY_POLL_INTERVAL", 5*time.Second),
	}

	cfg.Broker.Mode = getEnv("BROKER_MODE", "paper")
	cfg.Broker.APIKey = getEnv("BYBIT_API_KEY", "")
	cfg.Broker.APISecret = getEnv("BYBIT_API_SECRET", "")
	cfg.Broker.Testnet = getEnvBool("BYBIT_TESTNET", true)
	cfg.Broker.Demo = getEnvBool("BYBIT_DEMO", false)

	cfg.Risk.MaxDailyLoss = getEnvFloat("MAX_DAILY_LOSS", cfg.Risk.MaxDailyLoss)
	cfg.Risk.MaxConcurrentTrades = getEnvInt("MAX_CONCURRENT_TRADES", cfg.Risk.MaxConcurrentTrades)
	cfg.Risk.DailyTradeLimit = getEnvInt("DAILY_TRADE_LIMIT", cfg.Risk.DailyTradeLimit)
	cfg.Risk.MaxPositionLots = getEnvInt("MAX_POSITION_LOTS", cfg.Risk.MaxPositionLots)
	cfg.Risk.LotSize = getEnvInt("LOT_SIZE", cfg.Risk.LotSize)
	cfg.Risk.Capital = getEnvFloat("CAPITAL", cfg.Risk.Capital)
	cfg.Risk.RiskPerTrade = getEnvFloat("RISK_PER_TRADE", cfg.Risk.RiskPerTrade)
	cfg.Risk.SizingMethod = risk.SizingMethod(getEnv("SIZING_METHOD", string(cfg.Risk.SizingMethod)))
	cfg.Risk.KellyCap = getEnvFloat("KELLY_CAP", cfg.Risk.KellyCap)
	cfg.Risk.KellyWindow = getEnvInt("KELLY_WINDOW", cfg.Risk.KellyWindow)
	cfg.Risk.ProfitTarget = getEnvFloat("PROFIT_TARGET", cfg.Risk.ProfitTarget)
	cfg.Risk.StopLoss = getEnvFloat("STOP_LOSS", cfg.Risk.StopLoss)
	cfg.Risk.MaxHoldingAge = getEnvDuration("MAX_HOLDING_AGE", cfg.Risk.MaxHoldingAge)
	cfg.Risk.Timezone = getEnv("TIMEZONE", cfg.Risk.Timezone)

	cfg.Validation.PriceTolerance = getEnvFloat("PRICE_TOLERANCE", cfg.Validation.PriceTolerance)
	cfg.Validation.MaxSpreadRatio = getEnvFloat("MAX_SPREAD_RATIO", cfg.Validation.MaxSpreadRatio)
	cfg.Validation.MinVolume = int64(getEnvInt("MIN_VOLUME", int(cfg.Validation.MinVolume)))
	cfg.Validation.MinOpenInterest = int64(getEnvInt("MIN_OPEN_INTEREST", int(cfg.Validation.MinOpenInterest)))
	cfg.Validation.MaxNotional = getEnvFloat("MAX_NOTIONAL", cfg.Validation.MaxNotional)
	cfg.Validation.MinNotional = getEnvFloat("MIN_NOTIONAL", cfg.Validation.MinNotional)
	cfg.Validation.MarketOpen = getEnv("MARKET_OPEN", cfg.Validation.MarketOpen)
	cfg.Validation.MarketClose = getEnv("MARKET_CLOSE", cfg.Validation.MarketClose)
	cfg.Validation.LotSize = cfg.Risk.LotSize
	cfg.Validation.Timezone = cfg.Risk.Timezone

	cfg.Retry.Strategy = orders.BackoffStrategy(getEnv("RETRY_STRATEGY", string(cfg.Retry.Strategy)))
	cfg.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.BaseDelay = getEnvDuration("RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = getEnvDuration("RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	cfg.Retry.Multiplier = getEnvFloat("RETRY_MULTIPLIER", cfg.Retry.Multiplier)
	cfg.Retry.JitterEnabled = getEnvBool("RETRY_JITTER", cfg.Retry.JitterEnabled)

	cfg.Fallback.Enabled = getEnvBool("FALLBACK_ENABLED", cfg.Fallback.Enabled)
	cfg.Fallback.MaxPriceAdjustment = getEnvFloat("FALLBACK_MAX_PRICE_ADJUSTMENT", cfg.Fallback.MaxPriceAdjustment)
	cfg.Fallback.SplitThresholdLots = getEnvInt("FALLBACK_SPLIT_THRESHOLD_LOTS", cfg.Fallback.SplitThresholdLots)
	cfg.Fallback.MinLots = getEnvInt("FALLBACK_MIN_LOTS", cfg.Fallback.MinLots)
	cfg.Fallback.LotSize = cfg.Risk.LotSize

	cfg.PartialFill.Strategy = orders.PartialFillStrategy(getEnv("PARTIAL_FILL_STRATEGY", string(cfg.PartialFill.Strategy)))
	cfg.PartialFill.WaitTimeout = getEnvDuration("PARTIAL_FILL_WAIT_TIMEOUT", cfg.PartialFill.WaitTimeout)
	cfg.PartialFill.PriceTrigger = getEnvFloat("PARTIAL_FILL_PRICE_TRIGGER", cfg.PartialFill.PriceTrigger)

	cfg.Monitor.Interval = getEnvDuration("MONITOR_INTERVAL", cfg.Monitor.Interval)
	cfg.Monitor.CallTimeout = getEnvDuration("BROKER_CALL_TIMEOUT", cfg.Monitor.CallTimeout)

	cfg.Monitoring.PrometheusPort = getEnvInt("PROMETHEUS_PORT", 9090)
	cfg.Monitoring.HealthPort = getEnvInt("HEALTH_PORT", 8081)

	cfg.Notifications.TelegramToken = getEnv("TELEGRAM_TOKEN", "")
	cfg.Notifications.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	switch c.Broker.Mode {
	case "paper":
	case "bybit":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("bybit mode requires BYBIT_API_KEY and BYBIT_API_SECRET")
		}
	default:
		return fmt.Errorf("unknown broker mode %q", c.Broker.Mode)
	}

	if c.Risk.LotSize <= 0 {
		return fmt.Errorf("LOT_SIZE must be positive")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("MAX_DAILY_LOSS must be positive")
	}
	if !risk.ValidSizingMethod(c.Risk.SizingMethod) {
		return fmt.Errorf("unknown sizing method %q", c.Risk.SizingMethod)
	}
	if !orders.ValidBackoffStrategy(c.Retry.Strategy) {
		return fmt.Errorf("unknown retry strategy %q", c.Retry.Strategy)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	switch c.TieBreak {
	case marketdata.TieBreakLower, marketdata.TieBreakHigher:
	default:
		return fmt.Errorf("unknown ATM tie-break %q", c.TieBreak)
	}

	// A remainder must time out before the next monitoring pass or the
	// wait-cancel strategy can never fire between polls.
	if c.PartialFill.WaitTimeout >= c.Monitor.Interval {
		return fmt.Errorf("PARTIAL_FILL_WAIT_TIMEOUT (%s) must be below MONITOR_INTERVAL (%s)",
			c.PartialFill.WaitTimeout, c.Monitor.Interval)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
