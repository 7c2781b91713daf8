// Polyengine - Multi-strategy prediction-market trading engine
//
// Strategies scan on two loops (main and latency-sensitive fast loop),
// signals pass a stateful risk manager and land in a paper ledger or on
// the live CLOB. Live trading needs LIVE_TRADING_CONFIRMED=true.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyengine/bot"
	"github.com/web3guy0/polyengine/core"
	"github.com/web3guy0/polyengine/exec"
	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/feeds"
	"github.com/web3guy0/polyengine/internal/api"
	"github.com/web3guy0/polyengine/internal/config"
	"github.com/web3guy0/polyengine/internal/metrics"
	"github.com/web3guy0/polyengine/markets"
	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/risk"
	"github.com/web3guy0/polyengine/storage"
	"github.com/web3guy0/polyengine/strategy"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML or JSON config")
	flag.Parse()

	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("❌ Config rejected, continuing on defaults")
		cfg = config.Default()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	mode := "PAPER"
	if !cfg.PaperMode {
		mode = "LIVE"
	}
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("              POLYENGINE v%s - %s", version, mode)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Metrics
	recorder := metrics.New()

	// 2. Journal (optional)
	var journal *storage.Database
	if cfg.DatabasePath != "" {
		journal, err = storage.Open(cfg.DatabasePath)
		if err != nil {
			log.Warn().Err(err).Msg("Journal unavailable, continuing without persistence")
			journal = nil
		} else {
			log.Info().Msg("✅ Journal initialized")
		}
	}

	// 3. Market data REST client, redis-backed cache when configured
	var cache markets.Cache
	var redisCache *markets.RedisCache
	if cfg.Markets.RedisURL != "" {
		rc, err := markets.NewRedisCache(cfg.Markets.RedisURL)
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err = rc.Ping(pctx)
			cancel()
			if err != nil {
				_ = rc.Close()
			}
		}
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, using in-memory cache")
		} else {
			cache, redisCache = rc, rc
			log.Info().Msg("✅ Redis response cache connected")
		}
	}
	marketClient := markets.NewClient(markets.Config{
		GammaURL:          cfg.Markets.GammaURL,
		ClobURL:           cfg.Markets.ClobURL,
		RequestsPerMinute: cfg.Markets.RequestsPerMinute,
		CacheTTL:          time.Duration(cfg.Markets.CacheTTLMs) * time.Millisecond,
		Cache:             cache,
	})
	recorder.WatchMarketsClient(marketClient.Requests, marketClient.CacheHits)

	// 4. Feeds
	polyFeed := feeds.NewPolymarketFeed(cfg.Reconnect(cfg.Feeds.PolymarketWsURL))
	binanceFeed := feeds.NewBinanceFeed(cfg.Binance())

	// 5. Portfolio, risk, paper engine
	pf := portfolio.New(cfg.Bankroll(), cfg.PortfolioOptions()...)
	riskMgr := risk.NewManager(cfg.RiskLimits(), pf)
	paper := execution.NewPaperEngine(pf, cfg.Paper())

	// 6. Live executor, only built when live mode is requested
	var live execution.LiveExecutor
	if !cfg.PaperMode {
		ec := exec.ConfigFromEnv()
		ec.BaseURL = cfg.Execution.ClobURL
		client, err := exec.NewClient(ec)
		if err != nil {
			log.Error().Err(err).Msg("❌ Live executor unavailable")
		} else {
			live = client
			log.Info().Str("address", client.Address()).Bool("dry_run", client.IsDryRun()).Msg("✅ Live executor initialized")
		}
	}

	// 7. Strategies
	strategies := []strategy.Strategy{
		strategy.NewLatencyArb(cfg.LatencyArb(), binanceFeed, marketClient, marketClient, pf),
		strategy.NewMarketMaker(cfg.MarketMaker(), marketClient, marketClient, pf),
	}
	for _, s := range strategies {
		log.Info().
			Str("strategy", s.Name()).
			Bool("enabled", s.Config().Enabled).
			Bool("fast_loop", s.LatencySensitive()).
			Msg("✅ Strategy loaded")
	}
	if n := len(cfg.WhaleWallets); n > 0 {
		log.Info().Int("wallets", n).Msg("Whale wallets configured (no whale strategy loaded)")
	}

	// 8. Telegram (optional)
	var tg *bot.TelegramBot
	if cfg.Telegram.Token != "" {
		tg, err = bot.NewTelegramBot(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram unavailable, notifications disabled")
			tg = nil
		}
	}

	// 9. Core engine
	deps := core.Deps{
		Strategies: strategies,
		Portfolio:  pf,
		Risk:       riskMgr,
		Paper:      paper,
		Live:       live,
		Feeds:      []core.Feed{polyFeed, binanceFeed},
		OrderFeed:  polyFeed,
		Books:      marketClient,
		Recorder:   recorder,
	}
	if journal != nil {
		deps.Journal = journal
	}
	if tg != nil {
		deps.Notifier = tg
	}
	engine := core.NewEngine(cfg.Engine(), deps)

	if tg != nil {
		tg.SetStatusProvider(engine)
		tg.SetResetBreaker(riskMgr.Breaker().ForceReset)
		if journal != nil {
			tg.SetTradeHistory(journal)
		}
		tg.Start(ctx)
	}

	// 10. Status server (optional)
	var server *api.Server
	if cfg.API.Addr != "" {
		opts := []api.Option{api.WithMetrics(recorder.Handler())}
		if journal != nil {
			opts = append(opts, api.WithTradeHistory(journal))
		}
		server = api.NewServer(engine, opts...)
		if err := server.Start(cfg.API.Addr); err != nil {
			log.Error().Err(err).Msg("❌ Status server failed to start")
			server = nil
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := engine.Start(ctx); err != nil {
		log.Error().Err(err).Msg("🛑 Engine refused to start, waiting for shutdown signal")
	} else {
		log.Info().Msg("🚀 All systems running...")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	<-ctx.Done()
	log.Info().Msg("🛑 Shutting down...")

	engine.Stop()
	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("Status server shutdown")
		}
		cancel()
	}
	if tg != nil {
		tg.Stop()
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Journal close")
		}
	}
	if redisCache != nil {
		_ = redisCache.Close()
	}

	log.Info().Msg("👋 Goodbye!")
}
