package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/brickdex/pkg/metrics"
	"github.com/uhyunpark/brickdex/pkg/storage"
	"github.com/uhyunpark/brickdex/pkg/util"
)

// Listings tells the engine which tokens may trade.
type Listings interface {
	Tradable(token common.Address) bool
}

// Engine turns crossing ACTIVE orders into PENDING trades.
type Engine struct {
	store   *storage.Store
	locks   *TokenLocks
	clock   util.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	listings    Listings
	onTrade     func(*order.Trade)
	newID       func() string
	parallelism int
}

type Option func(*Engine)

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.logger = l } }
func WithClock(c util.Clock) Option          { return func(e *Engine) { e.clock = c } }
func WithMetrics(m *metrics.Metrics) Option  { return func(e *Engine) { e.metrics = m } }
func WithListings(l Listings) Option         { return func(e *Engine) { e.listings = l } }

// WithTradeHandler registers the callback each new trade is proposed to.
// It runs after the token lock is released.
func WithTradeHandler(fn func(*order.Trade)) Option { return func(e *Engine) { e.onTrade = fn } }

// WithIDGenerator overrides trade ID generation.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// WithParallelism bounds how many tokens a sweep matches at once.
func WithParallelism(n int) Option { return func(e *Engine) { e.parallelism = n } }

func NewEngine(store *storage.Store, locks *TokenLocks, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		locks:       locks,
		clock:       util.RealClock{},
		logger:      util.NopSugar(),
		metrics:     metrics.NopMetrics(),
		newID:       func() string { return uuid.NewString() },
		parallelism: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MatchToken runs one matching pass for a property token and returns the
// trades it created. Each fill is persisted before the next one is tried;
// a stale snapshot aborts the pass, keeping the trades already written.
func (e *Engine) MatchToken(ctx context.Context, token common.Address) ([]*order.Trade, error) {
	if e.listings != nil && !e.listings.Tradable(token) {
		return nil, nil
	}

	start := time.Now()
	unlock := e.locks.Lock(token)
	trades, err := e.matchLocked(ctx, token)
	unlock()
	e.metrics.MatchDuration.Observe(time.Since(start).Seconds())

	for _, t := range trades {
		e.metrics.Trades.WithLabelValues("pending").Inc()
		e.logger.Infow("trade_matched",
			"trade_id", t.ID,
			"property_token", t.PropertyToken.Hex(),
			"buy_order", t.BuyOrderHash.Hex(),
			"sell_order", t.SellOrderHash.Hex(),
			"amount", t.Amount.String(),
			"price", t.PricePerShare.String(),
		)
		if e.onTrade != nil {
			e.onTrade(t)
		}
	}
	if err != nil {
		reason := "error"
		if errors.Is(err, order.ErrStaleOrder) {
			reason = "stale"
		}
		e.metrics.MatchAborts.WithLabelValues(reason).Inc()
	}
	return trades, err
}

func (e *Engine) matchLocked(ctx context.Context, token common.Address) ([]*order.Trade, error) {
	snapshot, err := e.store.ActiveOrders(token)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", token.Hex(), err)
	}
	if len(snapshot) < 2 {
		return nil, nil
	}

	byHash := make(map[common.Hash]*order.SignedOrder, len(snapshot))
	book := orderbook.New()
	var trades []*order.Trade

	// Replay in time priority: whoever arrives later crosses against the book.
	for _, so := range snapshot {
		if err := ctx.Err(); err != nil {
			return trades, err
		}
		byHash[so.Hash] = so
		for _, f := range book.Place(orderbook.EntryFromOrder(so)) {
			buy, sell := byHash[f.Bid], byHash[f.Ask]
			t := order.NewTrade(e.newID(), buy, sell, f.Amount, f.Price, e.clock.Now())
			if err := e.store.ApplyFill(t, f.BidBefore, f.AskBefore); err != nil {
				return trades, fmt.Errorf("match pass for %s aborted: %w", token.Hex(), err)
			}
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// Sweep matches every token with ACTIVE orders, in parallel across tokens.
// A failing token is logged and does not stop the others.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	tokens, err := e.store.ActiveTokens()
	if err != nil {
		return 0, fmt.Errorf("failed to list active tokens: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	counts := make([]int, len(tokens))
	for i, token := range tokens {
		i, token := i, token
		g.Go(func() error {
			trades, err := e.MatchToken(gctx, token)
			counts[i] = len(trades)
			if err != nil && gctx.Err() == nil {
				e.logger.Warnw("match_pass_failed",
					"property_token", token.Hex(),
					"trades_kept", len(trades),
					"err", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, ctx.Err()
}

// Run sweeps on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Infow("matching_started", "sweep_interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			e.logger.Infow("matching_stopped")
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Errorw("sweep_failed", "err", err)
			}
		}
	}
}
