// Package feeder drives a devnet exchange with randomly generated signed
// orders so matching and settlement can be watched end to end.
package feeder

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/util"
)

// Config controls order generation rate
type Config struct {
	BatchSize   int           // Number of orders to generate per batch
	Interval    time.Duration // How often to generate batches
	NumAccounts int           // Number of simulated traders
	OrderTTL    time.Duration // Expiry of generated orders
	Prices      PriceBand
	Seed        int64 // 0 seeds from the clock
}

// DefaultConfig returns reasonable defaults for a local devnet
func DefaultConfig() Config {
	return Config{
		BatchSize:   5,
		Interval:    500 * time.Millisecond,
		NumAccounts: 20,
		OrderTTL:    10 * time.Minute,
		Prices:      PriceBand{Mid: 100_000_000, Spread: 2_000_000, MaxAmount: 100}, // ~100.00 in 6-decimal payment units
	}
}

// HighLoadConfig returns config for stress testing
func HighLoadConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	cfg.Interval = 100 * time.Millisecond
	cfg.NumAccounts = 200
	return cfg
}

// ConfigForMode maps TXGEN_MODE values to a config
func ConfigForMode(mode string) Config {
	if mode == "high" {
		return HighLoadConfig()
	}
	return DefaultConfig()
}

// Submitter accepts signed orders; exchange.App implements it.
type Submitter interface {
	SubmitOrder(ctx context.Context, sub *transaction.OrderSubmission) (*order.SignedOrder, error)
}

// Minter credits token balances; ledger.Memory implements it.
type Minter interface {
	Mint(token, account common.Address, amount *big.Int)
}

// Stats summarises a feeder run
type Stats struct {
	Submitted int
	Accepted  int
	Rejected  int
}

type Feeder struct {
	gen    *Generator
	target Submitter
	cfg    Config
	logger *zap.SugaredLogger
	stats  Stats
}

func New(gen *Generator, target Submitter, cfg Config, logger *zap.SugaredLogger) *Feeder {
	if logger == nil {
		logger = util.NopSugar()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Feeder{gen: gen, target: target, cfg: cfg, logger: logger}
}

// Fund mints shares of every listed token and funds of the payment token to
// every simulated maker so both legs of their trades can settle against an
// in-memory ledger.
func (f *Feeder) Fund(m Minter, paymentToken common.Address, shares, funds *big.Int) {
	for _, maker := range f.gen.Makers() {
		for _, token := range f.gen.Tokens() {
			m.Mint(token, maker, new(big.Int).Set(shares))
		}
		m.Mint(paymentToken, maker, new(big.Int).Set(funds))
	}
	f.logger.Infow("feeder_funded",
		"makers", len(f.gen.Makers()),
		"tokens", len(f.gen.Tokens()),
		"shares", shares.String(),
		"funds", funds.String())
}

// Run submits a batch every interval until ctx is done and returns the totals.
func (f *Feeder) Run(ctx context.Context) Stats {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	startTime := time.Now()
	lastLog := startTime
	f.logger.Infow("feeder_started", "batch", f.cfg.BatchSize, "interval_ms", f.cfg.Interval.Milliseconds(), "accounts", f.cfg.NumAccounts)

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(startTime)
			f.logger.Infow("feeder_stopped",
				"submitted", f.stats.Submitted,
				"accepted", f.stats.Accepted,
				"rejected", f.stats.Rejected,
				"elapsed", elapsed.Round(time.Second).String())
			return f.stats

		case <-ticker.C:
			f.feedBatch(ctx)

			// Log stats every 10 seconds
			if time.Since(lastLog) >= 10*time.Second {
				lastLog = time.Now()
				elapsed := time.Since(startTime).Seconds()
				f.logger.Infow("feeder_stats",
					"submitted", f.stats.Submitted,
					"accepted", f.stats.Accepted,
					"rate_per_sec", float64(f.stats.Submitted)/elapsed)
			}
		}
	}
}

func (f *Feeder) feedBatch(ctx context.Context) {
	batch, err := f.gen.GenerateBatch(f.cfg.BatchSize)
	if err != nil {
		f.logger.Warnw("feeder_generate_failed", "err", err)
	}
	for _, sub := range batch {
		if ctx.Err() != nil {
			return
		}
		f.stats.Submitted++
		if _, err := f.target.SubmitOrder(ctx, sub); err != nil {
			f.stats.Rejected++
			f.logger.Debugw("feeder_order_rejected", "err", err)
			continue
		}
		f.stats.Accepted++
	}
}
