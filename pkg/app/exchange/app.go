// Package exchange wires verification, storage, matching, settlement and
// market data into the service the API serves.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/brickdex/pkg/app/core/market"
	"github.com/uhyunpark/brickdex/pkg/app/core/marketdata"
	"github.com/uhyunpark/brickdex/pkg/app/core/matching"
	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/brickdex/pkg/app/core/settlement"
	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/ledger"
	"github.com/uhyunpark/brickdex/pkg/metrics"
	"github.com/uhyunpark/brickdex/pkg/storage"
	"github.com/uhyunpark/brickdex/pkg/util"
)

// Config controls matching triggers and settlement throughput.
type Config struct {
	MatchOnInsert bool          // run a pass for the token right after each accepted order
	SweepInterval time.Duration // periodic pass over every token with active orders
	SettleTimeout time.Duration // upper bound on one settlement attempt
	Settlement    settlement.WorkerConfig
	MarketDataTTL time.Duration // staleness bound of cached market data
	PaymentToken  common.Address
}

func DefaultConfig() Config {
	return Config{
		MatchOnInsert: true,
		SweepInterval: time.Second,
		SettleTimeout: settlement.DefaultTimeout,
		Settlement:    settlement.DefaultWorkerConfig(),
		MarketDataTTL: marketdata.DefaultTTL,
	}
}

// Deps are the collaborators of an App. Ledger may be nil, in which case
// trades stay PENDING until a settlement process picks them up.
type Deps struct {
	Store    *storage.Store
	Verifier *transaction.Verifier
	Listings *market.Registry
	Ledger   ledger.Ledger
	Fallback ledger.Ledger
	Cache    marketdata.Cache
	Journal  storage.Journal
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
	Clock    util.Clock
}

// Listener receives order and trade state changes, e.g. for WebSocket push.
type Listener interface {
	OnOrder(so *order.SignedOrder)
	OnTrade(t *order.Trade)
}

type App struct {
	cfg      Config
	store    *storage.Store
	verifier *transaction.Verifier
	listings *market.Registry
	locks    *matching.TokenLocks
	engine   *matching.Engine
	adapter  *settlement.Adapter
	settler  *settlement.Worker
	md       *marketdata.Service

	clock   util.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	listeners []Listener
}

func New(cfg Config, deps Deps) *App {
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = util.NopSugar()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopMetrics()
	}
	if deps.Journal == nil {
		deps.Journal = storage.NewNopJournal()
	}
	if deps.Listings == nil {
		deps.Listings = market.NewRegistry()
	}

	a := &App{
		cfg:      cfg,
		store:    deps.Store,
		verifier: deps.Verifier,
		listings: deps.Listings,
		locks:    matching.NewTokenLocks(),
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
	a.md = marketdata.NewService(deps.Store, deps.Cache, cfg.MarketDataTTL, deps.Clock, deps.Logger.Named("marketdata"))
	a.engine = matching.NewEngine(deps.Store, a.locks,
		matching.WithClock(deps.Clock),
		matching.WithLogger(deps.Logger.Named("matching")),
		matching.WithMetrics(deps.Metrics),
		matching.WithListings(deps.Listings),
		matching.WithTradeHandler(a.onTradeCreated),
	)
	if deps.Ledger != nil {
		opts := []settlement.Option{
			settlement.WithClock(deps.Clock),
			settlement.WithLogger(deps.Logger.Named("settlement")),
			settlement.WithMetrics(deps.Metrics),
			settlement.WithJournal(deps.Journal),
			settlement.WithUpdateHandler(a.onTradeSettled),
			settlement.WithPaymentToken(cfg.PaymentToken),
		}
		if cfg.SettleTimeout > 0 {
			opts = append(opts, settlement.WithTimeout(cfg.SettleTimeout))
		}
		if deps.Fallback != nil {
			opts = append(opts, settlement.WithFallback(deps.Fallback))
		}
		a.adapter = settlement.NewAdapter(deps.Store, deps.Ledger, a.locks, opts...)
		a.settler = settlement.NewWorker(a.adapter, cfg.Settlement, deps.Logger.Named("settlement"), deps.Metrics)
	}
	return a
}

// Subscribe registers l for state change notifications.
func (a *App) Subscribe(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

func (a *App) emitOrder(so *order.SignedOrder) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, l := range a.listeners {
		l.OnOrder(so)
	}
}

func (a *App) emitTrade(t *order.Trade) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, l := range a.listeners {
		l.OnTrade(t)
	}
}

// emitOrdersOf pushes the current state of both orders of a trade.
func (a *App) emitOrdersOf(t *order.Trade) {
	for _, h := range []common.Hash{t.BuyOrderHash, t.SellOrderHash} {
		so, err := a.store.GetOrder(h)
		if err != nil {
			a.logger.Warnw("order_reload_failed", "order_hash", h.Hex(), "err", err)
			continue
		}
		a.emitOrder(so)
	}
}

func (a *App) onTradeCreated(t *order.Trade) {
	if a.settler != nil {
		a.settler.EnqueueTrade(t)
	}
	a.md.Invalidate(context.Background(), t.PropertyToken)
	a.emitTrade(t)
	a.emitOrdersOf(t)
}

func (a *App) onTradeSettled(t *order.Trade) {
	a.md.Invalidate(context.Background(), t.PropertyToken)
	a.emitTrade(t)
	if t.Status == order.TradeFailed {
		a.emitOrdersOf(t)
	}
}

// rejectReason labels a submission error for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, order.ErrSignatureInvalid):
		return "signature"
	case errors.Is(err, order.ErrExpired):
		return "expired"
	case errors.Is(err, order.ErrUnsupportedOrderType):
		return "order_type"
	case errors.Is(err, order.ErrUnknownToken):
		return "unknown_token"
	case errors.Is(err, order.ErrDuplicateOrder):
		return "duplicate"
	case errors.Is(err, order.ErrNonceReused):
		return "nonce_reused"
	case errors.Is(err, order.ErrInvalidOrderFields):
		return "invalid_fields"
	default:
		return "internal"
	}
}

// SubmitOrder verifies a wallet submission, stores it as ACTIVE and, when
// configured, matches its token right away. The returned order reflects
// any fills from that pass.
func (a *App) SubmitOrder(ctx context.Context, sub *transaction.OrderSubmission) (*order.SignedOrder, error) {
	so, err := a.accept(sub)
	if err != nil {
		a.metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		a.logger.Infow("order_rejected", "reason", rejectReason(err), "err", err)
		return nil, err
	}

	a.metrics.OrdersAccepted.WithLabelValues(so.Order.Side.String()).Inc()
	a.logger.Infow("order_accepted",
		"order_hash", so.Hash.Hex(),
		"maker", so.Order.Maker.Hex(),
		"property_token", so.Order.PropertyToken.Hex(),
		"side", so.Order.Side.String(),
		"amount", so.Order.Amount.String(),
		"price", so.Order.PricePerShare.String(),
	)
	a.md.Invalidate(ctx, so.Order.PropertyToken)
	a.emitOrder(so)

	if !a.cfg.MatchOnInsert {
		return so, nil
	}
	if _, err := a.engine.MatchToken(ctx, so.Order.PropertyToken); err != nil {
		// The order is stored; the sweep retries the pass.
		a.logger.Warnw("match_on_insert_failed", "order_hash", so.Hash.Hex(), "err", err)
	}
	if cur, err := a.store.GetOrder(so.Hash); err == nil {
		so = cur
	}
	return so, nil
}

func (a *App) accept(sub *transaction.OrderSubmission) (*order.SignedOrder, error) {
	so, err := a.verifier.VerifyOrder(sub)
	if err != nil {
		return nil, err
	}
	if err := a.listings.CheckTradable(so.Order.PropertyToken); err != nil {
		return nil, err
	}
	return a.store.InsertOrder(so)
}

// CancelOrder cancels an ACTIVE order after checking that the cancel was
// signed by its maker.
func (a *App) CancelOrder(ctx context.Context, hash common.Hash, sub *transaction.CancelSubmission) (*order.SignedOrder, error) {
	signer, err := a.verifier.VerifyCancel(hash, sub)
	if err != nil {
		return nil, err
	}
	cur, err := a.store.GetOrder(hash)
	if err != nil {
		return nil, err
	}

	unlock := a.locks.Lock(cur.Order.PropertyToken)
	so, err := a.store.CancelOrder(hash, signer)
	unlock()
	if err != nil {
		return nil, err
	}

	a.metrics.OrdersCancelled.Inc()
	a.logger.Infow("order_cancelled",
		"order_hash", hash.Hex(),
		"maker", signer.Hex(),
		"remaining", so.Remaining.String(),
	)
	a.md.Invalidate(ctx, so.Order.PropertyToken)
	a.emitOrder(so)
	return so, nil
}

func (a *App) GetOrder(hash common.Hash) (*order.SignedOrder, error) {
	return a.store.GetOrder(hash)
}

// QueryOrders returns one page of orders matching f and the total count.
func (a *App) QueryOrders(f order.Filter) ([]*order.SignedOrder, int, error) {
	return a.store.QueryOrders(f)
}

func (a *App) GetTrade(id string) (*order.Trade, error) {
	return a.store.GetTrade(id)
}

func (a *App) RecentTrades(token common.Address, limit int) ([]*order.Trade, error) {
	if _, err := a.listings.Get(token); err != nil {
		return nil, err
	}
	return a.store.RecentTrades(token, limit)
}

func (a *App) Listings() []*market.Listing { return a.listings.List() }

func (a *App) Listing(token common.Address) (*market.Listing, error) {
	return a.listings.Get(token)
}

func (a *App) MarketData(ctx context.Context, token common.Address) (*marketdata.MarketData, error) {
	if _, err := a.listings.Get(token); err != nil {
		return nil, err
	}
	return a.md.Get(ctx, token)
}

// Depth is an aggregated view of a token's resting orders.
type Depth struct {
	PropertyToken common.Address
	Bids          []orderbook.Level // best (highest) first
	Asks          []orderbook.Level // best (lowest) first
	Timestamp     time.Time
}

// OrderBook aggregates the token's ACTIVE orders into price levels.
func (a *App) OrderBook(token common.Address, depth int) (*Depth, error) {
	if _, err := a.listings.Get(token); err != nil {
		return nil, err
	}
	active, err := a.store.ActiveOrders(token)
	if err != nil {
		return nil, fmt.Errorf("failed to load order book: %w", err)
	}
	book := orderbook.New()
	for _, so := range active {
		book.Add(orderbook.EntryFromOrder(so))
	}
	return &Depth{
		PropertyToken: token,
		Bids:          book.BidLevels(depth),
		Asks:          book.AskLevels(depth),
		Timestamp:     a.clock.Now(),
	}, nil
}

// Verifier exposes the order verifier and its EIP-712 domain.
func (a *App) Verifier() *transaction.Verifier { return a.verifier }

// MatchToken runs one matching pass for token outside the periodic sweep.
func (a *App) MatchToken(ctx context.Context, token common.Address) ([]*order.Trade, error) {
	return a.engine.MatchToken(ctx, token)
}

// Settle drives one trade through settlement synchronously.
func (a *App) Settle(ctx context.Context, tradeID string) (settlement.Result, error) {
	if a.adapter == nil {
		return settlement.Result{}, fmt.Errorf("%w: no ledger configured", order.ErrIndeterminate)
	}
	return a.adapter.Settle(ctx, tradeID)
}

// Run starts the matching sweep and the settlement workers and blocks until
// ctx is done.
func (a *App) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if a.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.engine.Run(ctx, a.cfg.SweepInterval)
		}()
	}
	if a.settler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.settler.Run(ctx)
		}()
	}
	wg.Wait()
}
