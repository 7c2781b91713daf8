package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/web3guy0/polyengine/core"
	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/feeds"
	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/risk"
	"github.com/web3guy0/polyengine/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG - File + env configuration, loaded once at startup
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order: struct defaults → YAML file (JSON works too) → env overrides → validate.
// A missing file is not an error.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds all configuration for the engine
type Config struct {
	PaperMode             bool    `yaml:"paperMode" default:"true"`
	InitialBankroll       float64 `yaml:"initialBankroll" default:"1000" validate:"gt=0"`
	ReportIntervalMinutes int     `yaml:"reportIntervalMinutes" default:"60" validate:"gte=1"`
	MainLoopIntervalMs    int     `yaml:"mainLoopIntervalMs" default:"5000" validate:"gte=100"`
	FastLoopIntervalMs    int     `yaml:"fastLoopIntervalMs" default:"500" validate:"gte=50"`
	ScanTimeoutMs         int     `yaml:"scanTimeoutMs" default:"10000" validate:"gte=100"`
	ExitCheckIntervalMs   int     `yaml:"exitCheckIntervalMs" default:"2000" validate:"gte=100"`

	Strategies map[string]StrategyConfig `yaml:"strategies" validate:"dive"`
	Risk       RiskConfig                `yaml:"risk"`
	Execution  ExecutionConfig           `yaml:"execution"`
	Feeds      FeedsConfig               `yaml:"feeds"`
	Markets    MarketsConfig             `yaml:"markets"`
	API        APIConfig                 `yaml:"api"`
	Telegram   TelegramConfig            `yaml:"telegram"`

	DatabasePath string   `yaml:"databasePath"`
	LogLevel     string   `yaml:"logLevel" default:"info" validate:"oneof=trace debug info warn error"`
	WhaleWallets []string `yaml:"whaleWallets"`
}

// StrategyConfig is the per-strategy section
type StrategyConfig struct {
	Enabled        *bool   `yaml:"enabled" default:"true"`
	MaxPositionUSD float64 `yaml:"maxPositionUSD" default:"50" validate:"gt=0"`
	MaxDailyTrades int     `yaml:"maxDailyTrades" default:"20" validate:"gte=0"`
	MinConfidence  float64 `yaml:"minConfidence" default:"0.6" validate:"gte=0,lte=1"`
	ScanIntervalMs int     `yaml:"scanIntervalMs" validate:"gte=0"`

	// Strategy specific knobs, zero means the strategy default
	MaxPrice        float64 `yaml:"maxPrice" validate:"gte=0,lt=1"`
	HalfSpread      float64 `yaml:"halfSpread" validate:"gte=0,lt=0.5"`
	MaxExposureUSD  float64 `yaml:"maxExposureUSD" validate:"gte=0"`
	MaxMarkets      int     `yaml:"maxMarkets" validate:"gte=0"`
	MinLiquidityUSD float64 `yaml:"minLiquidityUSD" validate:"gte=0"`
}

// RiskConfig maps to risk.Config
type RiskConfig struct {
	MaxDailyLossUSD          float64 `yaml:"maxDailyLossUSD" default:"100" validate:"gte=0"`
	MaxDrawdownPercent       float64 `yaml:"maxDrawdownPercent" default:"20" validate:"gte=0,lte=100"`
	MaxOpenPositions         int     `yaml:"maxOpenPositions" default:"10" validate:"gte=0"`
	MaxPositionPercent       float64 `yaml:"maxPositionPercent" default:"10" validate:"gte=0,lte=100"`
	CircuitBreakerCooldownMs int     `yaml:"circuitBreakerCooldownMs" default:"3600000" validate:"gte=0"`
	CorrelationCheck         *bool   `yaml:"correlationCheck" default:"true"`
	MaxPositionsPerCategory  int     `yaml:"maxPositionsPerCategory" default:"3" validate:"gte=0"`
}

// ExecutionConfig covers paper fills, exits and sizing
type ExecutionConfig struct {
	MaxSlippagePercent float64 `yaml:"maxSlippagePercent" default:"0.5" validate:"gte=0,lt=100"`
	FeePercent         float64 `yaml:"feePercent" default:"2" validate:"gte=0,lt=100"`
	TakeProfitPercent  float64 `yaml:"takeProfitPercent" default:"15" validate:"gte=0"`
	StopLossPercent    float64 `yaml:"stopLossPercent" default:"10" validate:"gte=0,lte=100"`
	MaxHoldMinutes     int     `yaml:"maxHoldMinutes" validate:"gte=0"`
	KellyMultiplier    float64 `yaml:"kellyMultiplier" default:"0.5" validate:"gt=0,lte=1"`
	MaxBankrollPercent float64 `yaml:"maxBankrollPercent" default:"10" validate:"gt=0,lte=100"`
	MinTradeUSD        float64 `yaml:"minTradeUSD" default:"1" validate:"gte=0"`
	ClobURL            string  `yaml:"clobUrl" default:"https://clob.polymarket.com" validate:"url"`
}

// FeedsConfig covers both websocket feeds
type FeedsConfig struct {
	PolymarketWsURL          string   `yaml:"polymarketWsUrl" default:"wss://ws-subscriptions-clob.polymarket.com/ws/market" validate:"url"`
	BinanceWsURL             string   `yaml:"binanceWsUrl" default:"wss://stream.binance.com:9443/stream" validate:"url"`
	BinanceSymbols           []string `yaml:"binanceSymbols" default:"[\"BTCUSDT\",\"ETHUSDT\",\"SOLUSDT\"]" validate:"min=1,dive,required"`
	ReconnectBaseDelayMs     int      `yaml:"reconnectBaseDelayMs" default:"1000" validate:"gte=1"`
	ReconnectMaxDelayMs      int      `yaml:"reconnectMaxDelayMs" default:"60000" validate:"gtefield=ReconnectBaseDelayMs"`
	ReconnectJitterMs        int      `yaml:"reconnectJitterMs" default:"1000" validate:"gte=0"`
	MaxReconnectAttempts     int      `yaml:"maxReconnectAttempts" default:"15" validate:"gte=1"`
	PingIntervalMs           int      `yaml:"pingIntervalMs" default:"30000" validate:"gte=1000"`
	ThresholdCheckIntervalMs int      `yaml:"thresholdCheckIntervalMs" default:"100" validate:"gte=10"`
	ConfirmationWindowMs     int      `yaml:"confirmationWindowMs" default:"2000" validate:"gte=0"`
}

// MarketsConfig covers the REST client
type MarketsConfig struct {
	GammaURL          string `yaml:"gammaUrl" default:"https://gamma-api.polymarket.com" validate:"url"`
	ClobURL           string `yaml:"clobUrl" default:"https://clob.polymarket.com" validate:"url"`
	RequestsPerMinute int    `yaml:"requestsPerMinute" default:"100" validate:"gte=1"`
	CacheTTLMs        int    `yaml:"cacheTtlMs" default:"5000" validate:"gte=0"`
	RedisURL          string `yaml:"redisUrl"`
}

// APIConfig enables the status server when Addr is set
type APIConfig struct {
	Addr string `yaml:"addr"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chatId"`
}

// KnownStrategies always get a config section
var KnownStrategies = []string{strategy.LatencyArbName, strategy.MarketMakerName}

// strategyFloors overrides the shared minConfidence default where a strategy
// emits a fixed confidence below it. The market maker quotes at 0.55.
var strategyFloors = map[string]float64{
	strategy.MarketMakerName: 0.5,
}

var validate = validator.New()

// Default returns the configuration used when no file exists
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	if err := cfg.fillStrategies(); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads .env, the config file at path and env overrides
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env")
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Info().Str("path", path).Msg("No config file, using defaults")
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.fillStrategies(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillStrategies applies struct defaults to every strategy section
func (c *Config) fillStrategies() error {
	if c.Strategies == nil {
		c.Strategies = make(map[string]StrategyConfig)
	}
	for _, name := range KnownStrategies {
		if _, ok := c.Strategies[name]; !ok {
			c.Strategies[name] = StrategyConfig{}
		}
	}
	for name, sc := range c.Strategies {
		if floor, ok := strategyFloors[name]; ok && sc.MinConfidence == 0 {
			sc.MinConfidence = floor
		}
		if err := defaults.Set(&sc); err != nil {
			return fmt.Errorf("strategy %s defaults: %w", name, err)
		}
		c.Strategies[name] = sc
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	envBool("PAPER_MODE", &c.PaperMode, &errs)
	envFloat("INITIAL_BANKROLL", &c.InitialBankroll, &errs)
	envInt("REPORT_INTERVAL_MINUTES", &c.ReportIntervalMinutes, &errs)
	envString("DATABASE_PATH", &c.DatabasePath)
	envString("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	envInt64("TELEGRAM_CHAT_ID", &c.Telegram.ChatID, &errs)
	envString("METRICS_ADDR", &c.API.Addr)
	envString("REDIS_URL", &c.Markets.RedisURL)
	envString("LOG_LEVEL", &c.LogLevel)
	if v, ok := os.LookupEnv("DEBUG"); ok && v == "true" {
		c.LogLevel = "debug"
	}
	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool, errs *[]error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func envFloat(key string, dst *float64, errs *[]error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func envInt(key string, dst *int, errs *[]error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func envInt64(key string, dst *int64, errs *[]error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// DOMAIN MAPPING
// ═══════════════════════════════════════════════════════════════════════════════

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// Bankroll returns the initial bankroll
func (c *Config) Bankroll() decimal.Decimal { return dec(c.InitialBankroll) }

// Engine maps loop timings and exit rules
func (c *Config) Engine() core.Config {
	return core.Config{
		PaperMode:         c.PaperMode,
		MainLoopInterval:  ms(c.MainLoopIntervalMs),
		FastLoopInterval:  ms(c.FastLoopIntervalMs),
		ScanTimeout:       ms(c.ScanTimeoutMs),
		ExitCheckInterval: ms(c.ExitCheckIntervalMs),
		ReportInterval:    time.Duration(c.ReportIntervalMinutes) * time.Minute,
		ExitRules: risk.ExitRules{
			TakeProfitPct: dec(c.Execution.TakeProfitPercent),
			StopLossPct:   dec(c.Execution.StopLossPercent),
			MaxHoldTime:   time.Duration(c.Execution.MaxHoldMinutes) * time.Minute,
		},
	}
}

// RiskLimits maps the risk section
func (c *Config) RiskLimits() risk.Config {
	return risk.Config{
		MaxDailyLoss:            dec(c.Risk.MaxDailyLossUSD),
		MaxDrawdownPct:          dec(c.Risk.MaxDrawdownPercent),
		MaxOpenPositions:        c.Risk.MaxOpenPositions,
		MaxPositionPct:          dec(c.Risk.MaxPositionPercent),
		CircuitBreakerCooldown:  ms(c.Risk.CircuitBreakerCooldownMs),
		CorrelationCheck:        c.Risk.CorrelationCheck == nil || *c.Risk.CorrelationCheck,
		MaxPositionsPerCategory: c.Risk.MaxPositionsPerCategory,
	}
}

// PortfolioOptions maps the sizing knobs
func (c *Config) PortfolioOptions() []portfolio.Option {
	return []portfolio.Option{
		portfolio.WithKellyMultiplier(dec(c.Execution.KellyMultiplier)),
		portfolio.WithMaxPositionPercent(dec(c.Execution.MaxBankrollPercent)),
		portfolio.WithMinTradeUSD(dec(c.Execution.MinTradeUSD)),
	}
}

// Paper maps simulated fill parameters
func (c *Config) Paper() execution.PaperConfig {
	return execution.PaperConfig{
		MaxSlippagePct: dec(c.Execution.MaxSlippagePercent),
		FeePct:         dec(c.Execution.FeePercent),
	}
}

// Reconnect builds the shared reconnect policy for one feed URL
func (c *Config) Reconnect(url string) feeds.ReconnectConfig {
	return feeds.ReconnectConfig{
		URL:          url,
		BaseDelay:    ms(c.Feeds.ReconnectBaseDelayMs),
		MaxDelay:     ms(c.Feeds.ReconnectMaxDelayMs),
		Jitter:       ms(c.Feeds.ReconnectJitterMs),
		MaxAttempts:  c.Feeds.MaxReconnectAttempts,
		PingInterval: ms(c.Feeds.PingIntervalMs),
	}
}

// Binance maps the spot feed section
func (c *Config) Binance() feeds.BinanceConfig {
	return feeds.BinanceConfig{
		Reconnect:          c.Reconnect(feeds.StreamURL(c.Feeds.BinanceWsURL, c.Feeds.BinanceSymbols)),
		Symbols:            c.Feeds.BinanceSymbols,
		CheckInterval:      ms(c.Feeds.ThresholdCheckIntervalMs),
		ConfirmationWindow: ms(c.Feeds.ConfirmationWindowMs),
	}
}

// Strategy maps one strategy section to its base config
func (c *Config) Strategy(name string) strategy.Config {
	sc := c.Strategies[name]
	return strategy.Config{
		Enabled:        sc.Enabled == nil || *sc.Enabled,
		MaxPositionUSD: dec(sc.MaxPositionUSD),
		MaxDailyTrades: sc.MaxDailyTrades,
		MinConfidence:  dec(sc.MinConfidence),
		ScanInterval:   ms(sc.ScanIntervalMs),
	}
}

// LatencyArb maps the latency_arb section
func (c *Config) LatencyArb() strategy.LatencyArbConfig {
	sc := c.Strategies[strategy.LatencyArbName]
	return strategy.LatencyArbConfig{
		Strategy:        c.Strategy(strategy.LatencyArbName),
		MaxPrice:        dec(sc.MaxPrice),
		MinLiquidityUSD: dec(sc.MinLiquidityUSD),
	}
}

// MarketMaker maps the market_maker section
func (c *Config) MarketMaker() strategy.MarketMakerConfig {
	sc := c.Strategies[strategy.MarketMakerName]
	return strategy.MarketMakerConfig{
		Strategy:        c.Strategy(strategy.MarketMakerName),
		HalfSpread:      dec(sc.HalfSpread),
		MaxExposureUSD:  dec(sc.MaxExposureUSD),
		MaxMarkets:      sc.MaxMarkets,
		MinLiquidityUSD: dec(sc.MinLiquidityUSD),
	}
}
