// Package settlement hands PENDING trades to the ledger and writes back the
// outcome. It is the only writer of a trade's on-chain fields.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/brickdex/pkg/app/core/matching"
	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/crypto"
	"github.com/uhyunpark/brickdex/pkg/ledger"
	"github.com/uhyunpark/brickdex/pkg/metrics"
	"github.com/uhyunpark/brickdex/pkg/storage"
	"github.com/uhyunpark/brickdex/pkg/util"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Result is the on-chain outcome of a confirmed trade. BlockNumber is the
// block that included the payment leg, the last of the two transfers.
type Result struct {
	TxHash        common.Hash `json:"txHash"`
	PaymentTxHash common.Hash `json:"paymentTxHash"`
	BlockNumber   uint64      `json:"blockNumber"`
}

// Adapter settles one trade at a time against the ledger. A trade settles
// in two legs: shares from seller to buyer, then totalValue of the payment
// token from buyer to seller.
type Adapter struct {
	store        *storage.Store
	ledger       ledger.Ledger
	fallback     ledger.Ledger
	locks        *matching.TokenLocks
	paymentToken common.Address

	clock   util.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	journal storage.Journal

	timeout  time.Duration
	poll     time.Duration
	onUpdate func(*order.Trade)
}

type Option func(*Adapter)

func WithLogger(l *zap.SugaredLogger) Option  { return func(a *Adapter) { a.logger = l } }
func WithClock(c util.Clock) Option           { return func(a *Adapter) { a.clock = c } }
func WithMetrics(m *metrics.Metrics) Option   { return func(a *Adapter) { a.metrics = m } }
func WithJournal(j storage.Journal) Option    { return func(a *Adapter) { a.journal = j } }
func WithTimeout(d time.Duration) Option      { return func(a *Adapter) { a.timeout = d } }
func WithPollInterval(d time.Duration) Option { return func(a *Adapter) { a.poll = d } }

// WithUpdateHandler registers a callback for every settled trade.
func WithUpdateHandler(fn func(*order.Trade)) Option { return func(a *Adapter) { a.onUpdate = fn } }

// WithPaymentToken sets the token buyers pay sellers in.
func WithPaymentToken(token common.Address) Option {
	return func(a *Adapter) { a.paymentToken = token }
}

// WithFallback sets the admin ledger used when the primary ledger is not
// authorized to move the seller's tokens.
func WithFallback(l ledger.Ledger) Option { return func(a *Adapter) { a.fallback = l } }

func NewAdapter(store *storage.Store, l ledger.Ledger, locks *matching.TokenLocks, opts ...Option) *Adapter {
	a := &Adapter{
		store:   store,
		ledger:  l,
		locks:   locks,
		clock:   util.RealClock{},
		logger:  util.NopSugar(),
		metrics: metrics.NopMetrics(),
		journal: storage.NewNopJournal(),
		timeout: DefaultTimeout,
		poll:    DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Settle drives a trade to CONFIRMED or FAILED. A trade that is already
// settled returns its stored outcome. When the ledger gives no definitive
// answer before the timeout the trade stays PENDING and the error wraps
// order.ErrIndeterminate.
//
// The share leg must be mined before the payment leg is sent, so a refused
// share transfer never moves the buyer's funds.
func (a *Adapter) Settle(ctx context.Context, tradeID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	t, err := a.store.GetTrade(tradeID)
	if err != nil {
		return Result{}, err
	}
	switch t.Status {
	case order.TradeConfirmed:
		return resultOf(t), nil
	case order.TradeFailed:
		return Result{}, fmt.Errorf("%w: trade %s failed: %s", order.ErrTradeClosed, t.ID, t.FailureReason)
	}

	if t.TxHash == nil {
		if t, err = a.sendShares(ctx, t); err != nil {
			return Result{}, err
		}
	}
	l := a.ledgerFor(t.Route)
	rec, err := a.await(ctx, t, l, *t.TxHash)
	if err != nil {
		return Result{}, err
	}
	if !rec.Success {
		return Result{}, a.fail(t, fmt.Errorf("%w: share transfer %s reverted in block %d", ledger.ErrRejected, rec.TxHash.Hex(), rec.BlockNumber))
	}

	if t.PaymentTxHash == nil {
		if t, err = a.sendPayment(ctx, t); err != nil {
			return Result{}, err
		}
	}
	rec, err = a.await(ctx, t, l, *t.PaymentTxHash)
	if err != nil {
		return Result{}, err
	}
	if !rec.Success {
		return Result{}, a.failPartial(t, fmt.Errorf("%w: payment transfer %s reverted in block %d", ledger.ErrRejected, rec.TxHash.Hex(), rec.BlockNumber))
	}
	return a.confirm(t, rec)
}

// sendShares checks both balances, then submits the share leg and records
// its hash.
func (a *Adapter) sendShares(ctx context.Context, t *order.Trade) (*order.Trade, error) {
	route := order.RouteLedger
	if t.Submitted && t.Route != "" {
		// Resubmission after a crash or a lost response; the idempotency
		// key makes the ledger return the original transfer.
		route = t.Route
	} else if err := a.checkBalances(ctx, t); err != nil {
		return nil, err
	}

	tx, route, err := a.submit(ctx, t, route)
	if err != nil {
		if ledger.IsDefinitive(err) {
			return nil, a.fail(t, err)
		}
		if errors.Is(err, order.ErrTradeClosed) {
			return nil, err
		}
		a.logger.Warnw("settlement_indeterminate",
			"trade_id", t.ID,
			"leg", "shares",
			"route", route,
			"err", err,
		)
		return nil, fmt.Errorf("%w: submit trade %s: %v", order.ErrIndeterminate, t.ID, err)
	}

	t, err = a.store.RecordTradeTx(t.ID, tx, route)
	if err != nil {
		return nil, err
	}
	a.journal.Append(fmt.Sprintf("SUBMITTED %s %s %s", t.ID, route, tx.Hex()))
	a.logger.Infow("trade_submitted",
		"trade_id", t.ID,
		"route", route,
		"tx_hash", tx.Hex(),
	)
	return t, nil
}

// checkBalances fails the trade when the seller lacks the shares or the
// buyer lacks totalValue of the payment token.
func (a *Adapter) checkBalances(ctx context.Context, t *order.Trade) error {
	shares, err := a.ledger.GetTokenBalance(ctx, t.Seller, t.PropertyToken)
	if err != nil {
		return fmt.Errorf("%w: balance check for trade %s: %v", order.ErrIndeterminate, t.ID, err)
	}
	if shares.Cmp(t.Amount) < 0 {
		return a.fail(t, fmt.Errorf("%w: seller %s holds %s, trade needs %s",
			ledger.ErrInsufficientBalance, t.Seller.Hex(), shares, t.Amount))
	}
	funds, err := a.ledger.GetTokenBalance(ctx, t.Buyer, a.paymentToken)
	if err != nil {
		return fmt.Errorf("%w: payment balance check for trade %s: %v", order.ErrIndeterminate, t.ID, err)
	}
	if funds.Cmp(t.TotalValue) < 0 {
		return a.fail(t, fmt.Errorf("%w: buyer %s holds %s of payment token, trade needs %s",
			ledger.ErrInsufficientBalance, t.Buyer.Hex(), funds, t.TotalValue))
	}
	return nil
}

// submit persists the submitted flag and sends the share transfer,
// switching to the fallback ledger when the operator is not authorized.
func (a *Adapter) submit(ctx context.Context, t *order.Trade, route string) (common.Hash, string, error) {
	key := crypto.TradeIdempotencyKey(t.BuyOrderHash, t.SellOrderHash, t.ID)

	if _, err := a.store.MarkTradeSubmitted(t.ID, route); err != nil {
		return common.Hash{}, route, err
	}
	tx, err := a.ledgerFor(route).TransferTokens(ctx, t.Seller, t.Buyer, t.PropertyToken, t.Amount, key)
	if err == nil || route == order.RouteAdmin || a.fallback == nil || !errors.Is(err, ledger.ErrNotAuthorized) {
		return tx, route, err
	}

	a.logger.Infow("settlement_fallback",
		"trade_id", t.ID,
		"seller", t.Seller.Hex(),
		"err", err,
	)
	route = order.RouteAdmin
	if _, err := a.store.MarkTradeSubmitted(t.ID, route); err != nil {
		return common.Hash{}, route, err
	}
	tx, err = a.fallback.TransferTokens(ctx, t.Seller, t.Buyer, t.PropertyToken, t.Amount, key)
	return tx, route, err
}

// sendPayment submits the payment leg on the route the shares took.
func (a *Adapter) sendPayment(ctx context.Context, t *order.Trade) (*order.Trade, error) {
	key := crypto.PaymentIdempotencyKey(t.BuyOrderHash, t.SellOrderHash, t.ID)
	tx, err := a.ledgerFor(t.Route).TransferTokens(ctx, t.Buyer, t.Seller, a.paymentToken, t.TotalValue, key)
	if err != nil {
		if ledger.IsDefinitive(err) {
			return nil, a.failPartial(t, fmt.Errorf("payment transfer: %w", err))
		}
		a.logger.Warnw("settlement_indeterminate",
			"trade_id", t.ID,
			"leg", "payment",
			"route", t.Route,
			"err", err,
		)
		return nil, fmt.Errorf("%w: payment for trade %s: %v", order.ErrIndeterminate, t.ID, err)
	}

	t, err = a.store.RecordPaymentTx(t.ID, tx)
	if err != nil {
		return nil, err
	}
	a.journal.Append(fmt.Sprintf("PAYMENT %s %s %s", t.ID, t.Route, tx.Hex()))
	a.logger.Infow("trade_payment_submitted",
		"trade_id", t.ID,
		"route", t.Route,
		"tx_hash", tx.Hex(),
		"total_value", t.TotalValue.String(),
	)
	return t, nil
}

// await polls for the receipt of tx until it is mined or ctx ends. A
// reverted receipt is returned with Success false.
func (a *Adapter) await(ctx context.Context, t *order.Trade, l ledger.Ledger, tx common.Hash) (*ledger.Receipt, error) {
	for {
		rec, err := l.Receipt(ctx, tx)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ledger.ErrPending) {
			a.logger.Debugw("receipt_poll_failed", "trade_id", t.ID, "tx_hash", tx.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: trade %s awaiting %s: %v", order.ErrIndeterminate, t.ID, tx.Hex(), ctx.Err())
		case <-time.After(a.poll):
		}
	}
}

func (a *Adapter) confirm(t *order.Trade, rec *ledger.Receipt) (Result, error) {
	unlock := a.locks.Lock(t.PropertyToken)
	confirmed, err := a.store.ConfirmTrade(t.ID, rec.BlockNumber)
	unlock()
	if err != nil {
		return Result{}, fmt.Errorf("failed to confirm trade %s: %w", t.ID, err)
	}

	a.metrics.Trades.WithLabelValues("confirmed").Inc()
	a.metrics.SettleLatency.Observe(a.clock.Now().Sub(confirmed.CreatedAt).Seconds())
	a.journal.Append(fmt.Sprintf("CONFIRMED %s %s %s %d", t.ID, confirmed.TxHash.Hex(), rec.TxHash.Hex(), rec.BlockNumber))
	a.logger.Infow("trade_confirmed",
		"trade_id", t.ID,
		"tx_hash", confirmed.TxHash.Hex(),
		"payment_tx_hash", rec.TxHash.Hex(),
		"block", rec.BlockNumber,
	)
	a.notify(confirmed)
	return resultOf(confirmed), nil
}

// fail marks the trade FAILED, restoring both orders, and returns cause.
func (a *Adapter) fail(t *order.Trade, cause error) error {
	unlock := a.locks.Lock(t.PropertyToken)
	failed, err := a.store.FailTrade(t.ID, cause.Error())
	unlock()
	if err != nil {
		return fmt.Errorf("failed to roll back trade %s: %w", t.ID, err)
	}

	a.metrics.Trades.WithLabelValues("failed").Inc()
	a.metrics.SettleLatency.Observe(a.clock.Now().Sub(failed.CreatedAt).Seconds())
	a.journal.Append(fmt.Sprintf("FAILED %s %s", t.ID, cause))
	a.logger.Warnw("trade_failed",
		"trade_id", t.ID,
		"buy_order", t.BuyOrderHash.Hex(),
		"sell_order", t.SellOrderHash.Hex(),
		"reason", cause.Error(),
	)
	a.notify(failed)
	return fmt.Errorf("trade %s failed: %w", t.ID, cause)
}

// failPartial fails a trade whose share leg was already mined. The shares
// stay with the buyer and need an operator to reverse them.
func (a *Adapter) failPartial(t *order.Trade, cause error) error {
	a.metrics.Trades.WithLabelValues("partial").Inc()
	a.journal.Append(fmt.Sprintf("PARTIAL %s %s", t.ID, t.TxHash.Hex()))
	a.logger.Errorw("settlement_partial",
		"trade_id", t.ID,
		"share_tx_hash", t.TxHash.Hex(),
		"buyer", t.Buyer.Hex(),
		"seller", t.Seller.Hex(),
		"amount", t.Amount.String(),
		"err", cause,
	)
	return a.fail(t, cause)
}

func (a *Adapter) notify(t *order.Trade) {
	if a.onUpdate != nil {
		a.onUpdate(t)
	}
}

func (a *Adapter) ledgerFor(route string) ledger.Ledger {
	if route == order.RouteAdmin && a.fallback != nil {
		return a.fallback
	}
	return a.ledger
}

func resultOf(t *order.Trade) Result {
	var r Result
	if t.TxHash != nil {
		r.TxHash = *t.TxHash
	}
	if t.PaymentTxHash != nil {
		r.PaymentTxHash = *t.PaymentTxHash
	}
	if t.BlockNumber != nil {
		r.BlockNumber = *t.BlockNumber
	}
	return r
}
