package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/brickdex/params"
	"github.com/uhyunpark/brickdex/pkg/api"
	"github.com/uhyunpark/brickdex/pkg/app/core/market"
	"github.com/uhyunpark/brickdex/pkg/app/core/marketdata"
	"github.com/uhyunpark/brickdex/pkg/app/core/settlement"
	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/app/exchange"
	"github.com/uhyunpark/brickdex/pkg/app/feeder"
	"github.com/uhyunpark/brickdex/pkg/crypto"
	"github.com/uhyunpark/brickdex/pkg/ledger"
	"github.com/uhyunpark/brickdex/pkg/metrics"
	"github.com/uhyunpark/brickdex/pkg/storage"
	"github.com/uhyunpark/brickdex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := storage.NewPebbleStore(cfg.Node.DBPath, util.RealClock{})
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	journal, err := storage.NewFileJournal(cfg.Node.JournalPath)
	if err != nil {
		sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalPath, "err", err)
	}
	defer journal.Close()

	// ---- Listings ----
	registry := market.NewRegistry()
	if cfg.Listings != "" {
		listings, err := market.ParseListings(cfg.Listings)
		if err != nil {
			sugar.Fatalw("listings_invalid", "err", err)
		}
		for _, l := range listings {
			if err := registry.Register(l); err != nil {
				sugar.Fatalw("listing_register_failed", "token", l.Token.Hex(), "err", err)
			}
		}
	}
	if registry.Count() == 0 {
		sugar.Warn("no listings configured (LISTINGS); every submission will be rejected")
	}
	sugar.Infow("listings_loaded", "count", registry.Count())

	// ---- Signing domain ----
	domain := crypto.Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           cfg.Domain.ChainID,
		VerifyingContract: cfg.Domain.VerifyingContract,
	}
	sugar.Infow("eip712_domain",
		"name", domain.Name,
		"version", domain.Version,
		"chain_id", domain.ChainID.String(),
		"verifying_contract", domain.VerifyingContract.Hex())

	// ---- Ledger ----
	if cfg.Ledger.RPCURL != "" && cfg.PaymentToken == (common.Address{}) {
		sugar.Fatal("PAYMENT_TOKEN is required when ETH_RPC_URL is set")
	}
	primary, fallback := openLedger(ctx, cfg.Ledger, registry, sugar)
	sugar.Infow("payment_token", "token", cfg.PaymentToken.Hex(), "decimals", cfg.PaymentDecimals)

	// ---- Market data cache ----
	var cache marketdata.Cache
	if cfg.MarketData.RedisAddr != "" {
		rc := marketdata.NewRedisCache(cfg.MarketData.RedisAddr)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			sugar.Fatalw("redis_unreachable", "addr", cfg.MarketData.RedisAddr, "err", err)
		}
		defer rc.Close()
		cache = rc
		sugar.Infow("marketdata_cache", "backend", "redis", "addr", cfg.MarketData.RedisAddr)
	}

	// ---- Exchange ----
	m := metrics.PrometheusMetrics()
	app := exchange.New(exchange.Config{
		MatchOnInsert: cfg.Matching.OnInsert,
		SweepInterval: cfg.Matching.SweepInterval,
		SettleTimeout: cfg.Settlement.Timeout,
		Settlement: settlement.WorkerConfig{
			Workers:        cfg.Settlement.Workers,
			QueueSize:      cfg.Settlement.QueueSize,
			ReconcileEvery: cfg.Settlement.ReconcileEvery,
		},
		MarketDataTTL: cfg.MarketData.TTL,
		PaymentToken:  cfg.PaymentToken,
	}, exchange.Deps{
		Store:    store,
		Verifier: transaction.NewVerifier(domain, util.RealClock{}),
		Listings: registry,
		Ledger:   primary,
		Fallback: fallback,
		Cache:    cache,
		Journal:  journal,
		Metrics:  m,
		Logger:   sugar,
	})

	// ---- API Server ----
	// Start HTTP/WebSocket server for frontend
	apiServer := api.NewServer(app, api.Config{
		PaymentDecimals: cfg.PaymentDecimals,
		CORSOrigins:     cfg.Node.CORSOrigins,
	}, m, sugar.Named("api"))

	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"db_path", cfg.Node.DBPath,
		"match_on_insert", cfg.Matching.OnInsert,
		"sweep_ms", cfg.Matching.SweepInterval.Milliseconds(),
		"settle_workers", cfg.Settlement.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Run(gctx)
		return nil
	})

	// ---- Order Feeder (optional) ----
	// Enable with: ENABLE_TXGEN=true TXGEN_MODE=default|high
	if cfg.Feeder.Enabled {
		f, err := newFeeder(cfg, domain, registry, primary, app, sugar.Named("feeder"))
		if err != nil {
			sugar.Fatalw("feeder_init_failed", "err", err)
		}
		g.Go(func() error {
			f.Run(gctx)
			return nil
		})
	} else {
		sugar.Info("txgen_disabled")
	}

	g.Go(func() error {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		return apiServer.Start(gctx, cfg.Node.APIAddr)
	})
	if err := g.Wait(); err != nil {
		sugar.Errorw("node_stopped", "err", err)
		return
	}
	sugar.Info("node_stopped")
}

// openLedger selects the settlement backend. Without ETH_RPC_URL the node
// settles against an in-memory ledger, which is only useful for devnets.
func openLedger(ctx context.Context, cfg params.Ledger, registry *market.Registry, sugar *zap.SugaredLogger) (ledger.Ledger, ledger.Ledger) {
	if cfg.RPCURL == "" {
		sugar.Warn("ETH_RPC_URL not set; settling against in-memory ledger")
		return ledger.NewMemory(), nil
	}

	var tokens []common.Address
	for _, l := range registry.List() {
		tokens = append(tokens, l.Token)
	}

	operator, err := crypto.FromPrivateKeyHex(cfg.OperatorKey)
	if err != nil {
		sugar.Fatalw("operator_key_invalid", "err", err)
	}
	primary, err := ledger.DialEthLedger(ctx, cfg.RPCURL, operator.PrivateKey(), tokens)
	if err != nil {
		sugar.Fatalw("ledger_dial_failed", "rpc", cfg.RPCURL, "err", err)
	}
	sugar.Infow("ledger_connected", "rpc", cfg.RPCURL, "operator", primary.Operator().Hex())

	if cfg.AdminKey == "" {
		return primary, nil
	}
	admin, err := crypto.FromPrivateKeyHex(cfg.AdminKey)
	if err != nil {
		sugar.Fatalw("admin_key_invalid", "err", err)
	}
	fallback, err := ledger.DialEthLedger(ctx, cfg.RPCURL, admin.PrivateKey(), tokens)
	if err != nil {
		sugar.Fatalw("ledger_dial_failed", "rpc", cfg.RPCURL, "route", "admin", "err", err)
	}
	sugar.Infow("ledger_admin_fallback", "operator", fallback.Operator().Hex())
	return primary, fallback
}

// newFeeder builds the devnet order generator. Simulated makers are funded
// only when settlement runs against the in-memory ledger.
func newFeeder(cfg params.Config, domain crypto.Domain, registry *market.Registry, l ledger.Ledger, app *exchange.App, sugar *zap.SugaredLogger) (*feeder.Feeder, error) {
	fc := feeder.ConfigForMode(cfg.Feeder.Mode)
	var tokens []common.Address
	for _, listing := range registry.List() {
		if listing.Status == market.Active {
			tokens = append(tokens, listing.Token)
		}
	}
	gen, err := feeder.NewGenerator(fc.NumAccounts, tokens, domain, fc.Prices, fc.OrderTTL, fc.Seed)
	if err != nil {
		return nil, err
	}
	f := feeder.New(gen, app, fc, sugar)
	if m, ok := l.(feeder.Minter); ok {
		f.Fund(m, cfg.PaymentToken, big.NewInt(1_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil))
	}
	sugar.Infow("txgen_enabled", "mode", cfg.Feeder.Mode, "batch", fc.BatchSize, "interval_ms", fc.Interval.Milliseconds())
	return f, nil
}
