package exchange

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/brickdex/pkg/app/core/market"
	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/crypto"
	"github.com/uhyunpark/brickdex/pkg/ledger"
	"github.com/uhyunpark/brickdex/pkg/storage"
	"github.com/uhyunpark/brickdex/pkg/util"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tokenP = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	usdc   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	t0     = time.Unix(1_700_000_000, 0).UTC()
)

type recorder struct {
	mu     sync.Mutex
	orders []*order.SignedOrder
	trades []*order.Trade
}

func (r *recorder) OnOrder(so *order.SignedOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, so)
}

func (r *recorder) OnTrade(t *order.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
}

type testEnv struct {
	app    *App
	clock  *util.ManualClock
	ledger *ledger.Memory
	events *recorder
	alice  *crypto.Signer
	bob    *crypto.Signer
	nonce  int64
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := util.NewManualClock(t0)
	s, err := storage.NewMemStore(clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := market.NewRegistry()
	require.NoError(t, reg.Register(&market.Listing{Token: tokenA, Symbol: "BRK-A", Status: market.Active}))
	require.NoError(t, reg.Register(&market.Listing{Token: tokenP, Symbol: "BRK-P", Status: market.Active}))
	require.NoError(t, reg.UpdateStatus(tokenP, market.Paused))

	l := ledger.NewMemory()
	cfg := DefaultConfig()
	cfg.SettleTimeout = time.Second
	cfg.PaymentToken = usdc
	app := New(cfg, Deps{
		Store:    s,
		Verifier: transaction.NewVerifier(crypto.DefaultDomain(), clock),
		Listings: reg,
		Ledger:   l,
		Clock:    clock,
	})
	events := &recorder{}
	app.Subscribe(events)

	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	bob, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testEnv{app: app, clock: clock, ledger: l, events: events, alice: alice, bob: bob}
}

func (e *testEnv) submission(t *testing.T, signer *crypto.Signer, token common.Address, side order.Side, amount, price, nonce int64) *transaction.OrderSubmission {
	t.Helper()
	o := &order.Order{
		Maker:         signer.Address(),
		PropertyToken: token,
		Amount:        big.NewInt(amount),
		PricePerShare: big.NewInt(price),
		Expiry:        big.NewInt(t0.Add(time.Hour).Unix()),
		Nonce:         big.NewInt(nonce),
		Side:          side,
	}
	sig, err := e.app.Verifier().Signer().Sign(o, signer)
	require.NoError(t, err)
	p := transaction.FromOrder(o)
	p.Maker = ""
	return &transaction.OrderSubmission{Order: p, Signature: hexutil.Encode(sig)}
}

func (e *testEnv) submit(t *testing.T, signer *crypto.Signer, side order.Side, amount, price int64) *order.SignedOrder {
	t.Helper()
	e.nonce++
	so, err := e.app.SubmitOrder(context.Background(), e.submission(t, signer, tokenA, side, amount, price, e.nonce))
	require.NoError(t, err)
	e.clock.Advance(time.Second)
	return so
}

func (e *testEnv) cancel(t *testing.T, signer *crypto.Signer, h common.Hash) (*order.SignedOrder, error) {
	t.Helper()
	sig, err := e.app.Verifier().Signer().SignCancel(h, signer)
	require.NoError(t, err)
	return e.app.CancelOrder(context.Background(), h, &transaction.CancelSubmission{Signature: hexutil.Encode(sig)})
}

func TestSubmitMatchAndSettle(t *testing.T) {
	e := newEnv(t)
	e.ledger.Mint(tokenA, e.bob.Address(), big.NewInt(100))
	e.ledger.Mint(usdc, e.alice.Address(), big.NewInt(1000))

	buy := e.submit(t, e.alice, order.Buy, 50, 10)
	require.Equal(t, e.alice.Address(), buy.Order.Maker)
	require.Equal(t, order.StatusActive, buy.Status)

	sell := e.submit(t, e.bob, order.Sell, 30, 9)
	require.Equal(t, order.StatusFilled, sell.Status, "matched on insert")
	require.Equal(t, "0", sell.Remaining.String())

	trades, err := e.app.RecentTrades(tokenA, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	require.Equal(t, "30", tr.Amount.String())
	require.Equal(t, "10", tr.PricePerShare.String(), "executes at the resting bid")

	res, err := e.app.Settle(context.Background(), tr.ID)
	require.NoError(t, err)
	got, err := e.app.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, order.TradeConfirmed, got.Status)
	require.Equal(t, res.TxHash, *got.TxHash)
	require.Equal(t, res.PaymentTxHash, *got.PaymentTxHash)
	paid, err := e.ledger.GetTokenBalance(context.Background(), e.bob.Address(), usdc)
	require.NoError(t, err)
	require.Equal(t, "300", paid.String())

	md, err := e.app.MarketData(context.Background(), tokenA)
	require.NoError(t, err)
	require.Equal(t, "10", md.LastPrice.String())
	require.Equal(t, "30", md.Volume24h.String())
	require.Equal(t, "20", md.TotalBuyVolume.String())

	e.events.mu.Lock()
	defer e.events.mu.Unlock()
	require.Len(t, e.events.trades, 2, "created and confirmed")
	require.Equal(t, order.TradePending, e.events.trades[0].Status)
	require.Equal(t, order.TradeConfirmed, e.events.trades[1].Status)
	require.GreaterOrEqual(t, len(e.events.orders), 4)
}

func TestSubmitRejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.app.SubmitOrder(ctx, e.submission(t, e.alice, tokenP, order.Buy, 1, 1, 1))
	require.ErrorIs(t, err, order.ErrUnknownToken, "paused")

	unlisted := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	_, err = e.app.SubmitOrder(ctx, e.submission(t, e.alice, unlisted, order.Buy, 1, 1, 1))
	require.ErrorIs(t, err, order.ErrUnknownToken)

	sub := e.submission(t, e.alice, tokenA, order.Buy, 5, 5, 1)
	_, err = e.app.SubmitOrder(ctx, sub)
	require.NoError(t, err)
	_, err = e.app.SubmitOrder(ctx, sub)
	require.ErrorIs(t, err, order.ErrDuplicateOrder)

	_, err = e.app.SubmitOrder(ctx, e.submission(t, e.alice, tokenA, order.Buy, 6, 5, 1))
	require.ErrorIs(t, err, order.ErrNonceReused)

	bad := e.submission(t, e.alice, tokenA, order.Buy, 7, 5, 2)
	bad.Order.Amount = "8"
	bad.Order.Maker = e.alice.Address().Hex()
	_, err = e.app.SubmitOrder(ctx, bad)
	require.ErrorIs(t, err, order.ErrSignatureInvalid)

	expired := e.submission(t, e.alice, tokenA, order.Buy, 7, 5, 3)
	e.clock.Set(t0.Add(2 * time.Hour))
	_, err = e.app.SubmitOrder(ctx, expired)
	require.ErrorIs(t, err, order.ErrExpired)
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)
	so := e.submit(t, e.alice, order.Buy, 5, 5)

	_, err := e.cancel(t, e.bob, so.Hash)
	require.ErrorIs(t, err, order.ErrNotMaker)

	got, err := e.cancel(t, e.alice, so.Hash)
	require.NoError(t, err)
	require.Equal(t, order.StatusCancelled, got.Status)

	_, err = e.cancel(t, e.alice, so.Hash)
	require.ErrorIs(t, err, order.ErrOrderClosed)

	_, err = e.cancel(t, e.alice, common.HexToHash("0x01"))
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestCancelRejectedWhileInFlight(t *testing.T) {
	e := newEnv(t)
	buy := e.submit(t, e.alice, order.Buy, 50, 10)
	e.submit(t, e.bob, order.Sell, 30, 10)

	_, err := e.cancel(t, e.alice, buy.Hash)
	require.ErrorIs(t, err, order.ErrOrderInFlight)

	// bob holds no tokens, so settlement fails and the buy is released
	trades, err := e.app.RecentTrades(tokenA, 1)
	require.NoError(t, err)
	_, err = e.app.Settle(context.Background(), trades[0].ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	got, err := e.cancel(t, e.alice, buy.Hash)
	require.NoError(t, err)
	require.Equal(t, "50", got.Remaining.String())
}

func TestOrderBookDepth(t *testing.T) {
	e := newEnv(t)
	e.submit(t, e.alice, order.Buy, 5, 10)
	e.submit(t, e.alice, order.Buy, 3, 10)
	e.submit(t, e.alice, order.Buy, 2, 8)
	e.submit(t, e.bob, order.Sell, 4, 12)

	d, err := e.app.OrderBook(tokenA, 0)
	require.NoError(t, err)
	require.Len(t, d.Bids, 2)
	require.Equal(t, "10", d.Bids[0].Price.String())
	require.Equal(t, "8", d.Bids[0].Amount.String())
	require.Equal(t, 2, d.Bids[0].Orders)
	require.Len(t, d.Asks, 1)
	require.Equal(t, "12", d.Asks[0].Price.String())

	d, err = e.app.OrderBook(tokenA, 1)
	require.NoError(t, err)
	require.Len(t, d.Bids, 1)

	_, err = e.app.OrderBook(common.HexToAddress("0x00000000000000000000000000000000000000ff"), 0)
	require.ErrorIs(t, err, order.ErrUnknownToken)
}

func TestRunSettlesInBackground(t *testing.T) {
	e := newEnv(t)
	e.ledger.Mint(tokenA, e.bob.Address(), big.NewInt(100))
	e.ledger.Mint(usdc, e.alice.Address(), big.NewInt(1000))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.app.Run(ctx)
		close(done)
	}()

	e.submit(t, e.alice, order.Buy, 5, 10)
	e.submit(t, e.bob, order.Sell, 5, 10)
	trades, err := e.app.RecentTrades(tokenA, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	require.Eventually(t, func() bool {
		got, err := e.app.GetTrade(trades[0].ID)
		return err == nil && got.Status == order.TradeConfirmed
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
