package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/brickdex/pkg/app/core/matching"
	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/crypto"
	"github.com/uhyunpark/brickdex/pkg/ledger"
	"github.com/uhyunpark/brickdex/pkg/storage"
	"github.com/uhyunpark/brickdex/pkg/util"
)

var (
	token  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	usdc   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	t0     = time.Unix(1_700_000_000, 0).UTC()
)

type recordingJournal struct {
	mu    sync.Mutex
	lines []string
}

func (j *recordingJournal) Append(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, line)
}

type fixture struct {
	store  *storage.Store
	clock  *util.ManualClock
	locks  *matching.TokenLocks
	engine *matching.Engine
	ledger *ledger.Memory
	nonce  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := util.NewManualClock(t0)
	s, err := storage.NewMemStore(clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	locks := matching.NewTokenLocks()
	return &fixture{
		store:  s,
		clock:  clock,
		locks:  locks,
		engine: matching.NewEngine(s, locks, matching.WithClock(clock)),
		ledger: ledger.NewMemory(),
	}
}

func (f *fixture) adapter(opts ...Option) *Adapter {
	opts = append([]Option{
		WithPaymentToken(usdc),
		WithClock(f.clock),
		WithTimeout(time.Second),
		WithPollInterval(5 * time.Millisecond),
	}, opts...)
	return NewAdapter(f.store, f.ledger, f.locks, opts...)
}

func (f *fixture) place(t *testing.T, maker common.Address, side order.Side, amount, price int64) *order.SignedOrder {
	t.Helper()
	f.nonce++
	o := order.Order{
		Maker:         maker,
		PropertyToken: token,
		Amount:        big.NewInt(amount),
		PricePerShare: big.NewInt(price),
		Expiry:        big.NewInt(t0.Add(time.Hour).Unix()),
		Nonce:         big.NewInt(f.nonce),
		Side:          side,
	}
	h, err := crypto.HashOrder(&o)
	require.NoError(t, err)
	so, err := f.store.InsertOrder(&order.SignedOrder{Order: o, Signature: make([]byte, 65), Hash: h})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return so
}

// trade creates a 10-share buy and a 6-share sell at 5 and matches them.
func (f *fixture) trade(t *testing.T) (*order.Trade, *order.SignedOrder, *order.SignedOrder) {
	t.Helper()
	buy := f.place(t, buyer, order.Buy, 10, 5)
	sell := f.place(t, seller, order.Sell, 6, 5)
	trades, err := f.engine.MatchToken(context.Background(), token)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	return trades[0], buy, sell
}

// fund gives the seller shares and the buyer payment tokens on l.
func fund(l *ledger.Memory) {
	l.Mint(token, seller, big.NewInt(100))
	l.Mint(usdc, buyer, big.NewInt(1000))
}

func (f *fixture) reload(t *testing.T, so *order.SignedOrder) *order.SignedOrder {
	t.Helper()
	got, err := f.store.GetOrder(so.Hash)
	require.NoError(t, err)
	return got
}

func requireRestored(t *testing.T, f *fixture, buy, sell *order.SignedOrder) {
	t.Helper()
	b, s := f.reload(t, buy), f.reload(t, sell)
	require.Equal(t, "10", b.Remaining.String())
	require.Equal(t, "6", s.Remaining.String())
	require.Equal(t, order.StatusActive, b.Status)
	require.Equal(t, order.StatusActive, s.Status)
	require.Zero(t, b.InFlight)
	require.Zero(t, s.InFlight)
}

func TestSettleConfirms(t *testing.T) {
	f := newFixture(t)
	fund(f.ledger)
	tr, buy, sell := f.trade(t)

	var updates []*order.Trade
	journal := &recordingJournal{}
	a := f.adapter(WithJournal(journal), WithUpdateHandler(func(tr *order.Trade) { updates = append(updates, tr) }))

	res, err := a.Settle(context.Background(), tr.ID)
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, res.TxHash)
	require.NotEqual(t, common.Hash{}, res.PaymentTxHash)
	require.NotEqual(t, res.TxHash, res.PaymentTxHash)
	require.NotZero(t, res.BlockNumber)

	got, err := f.store.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, order.TradeConfirmed, got.Status)
	require.True(t, got.Submitted)
	require.Equal(t, order.RouteLedger, got.Route)
	require.Equal(t, res.TxHash, *got.TxHash)
	require.Equal(t, res.PaymentTxHash, *got.PaymentTxHash)
	require.NotNil(t, got.SettledAt)

	require.Zero(t, f.reload(t, buy).InFlight)
	require.Equal(t, "4", f.reload(t, buy).Remaining.String())
	require.Equal(t, order.StatusFilled, f.reload(t, sell).Status)

	ctx := context.Background()
	bal, _ := f.ledger.GetTokenBalance(ctx, buyer, token)
	require.Equal(t, "6", bal.String())
	paid, _ := f.ledger.GetTokenBalance(ctx, seller, usdc)
	require.Equal(t, tr.TotalValue.String(), paid.String())
	left, _ := f.ledger.GetTokenBalance(ctx, buyer, usdc)
	require.Equal(t, "970", left.String())
	require.Equal(t, 2, f.ledger.Transfers())
	require.Len(t, updates, 1)
	require.Len(t, journal.lines, 3)

	// settling again returns the stored outcome without touching the ledger
	calls := f.ledger.Calls()
	again, err := a.Settle(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, res, again)
	require.Equal(t, calls, f.ledger.Calls())
}

func TestSettleDefinitiveFailureRollsBack(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(l *ledger.Memory)
		want    error
	}{
		{"seller lacks shares", func(l *ledger.Memory) {
			l.Mint(usdc, buyer, big.NewInt(1000))
		}, ledger.ErrInsufficientBalance},
		{"buyer lacks funds", func(l *ledger.Memory) {
			l.Mint(token, seller, big.NewInt(100))
			l.Mint(usdc, buyer, big.NewInt(29))
		}, ledger.ErrInsufficientBalance},
		{"revert", func(l *ledger.Memory) {
			fund(l)
			l.RevertNext(1)
		}, ledger.ErrRejected},
		{"rejected", func(l *ledger.Memory) {
			fund(l)
			l.FailNext(ledger.ErrRejected)
		}, ledger.ErrRejected},
		{"not authorized", func(l *ledger.Memory) {
			fund(l)
			l.Deny(seller)
		}, ledger.ErrNotAuthorized},
		{"payment leg refused", func(l *ledger.Memory) {
			fund(l)
			l.Deny(buyer)
		}, ledger.ErrNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.prepare(f.ledger)
			tr, buy, sell := f.trade(t)
			a := f.adapter()

			_, err := a.Settle(context.Background(), tr.ID)
			require.ErrorIs(t, err, tt.want)

			got, err := f.store.GetTrade(tr.ID)
			require.NoError(t, err)
			require.Equal(t, order.TradeFailed, got.Status)
			require.NotEmpty(t, got.FailureReason)
			requireRestored(t, f, buy, sell)

			// a second attempt neither resettles nor restores twice
			_, err = a.Settle(context.Background(), tr.ID)
			require.ErrorIs(t, err, order.ErrTradeClosed)
			_, err = f.store.FailTrade(tr.ID, "again")
			require.NoError(t, err)
			requireRestored(t, f, buy, sell)
		})
	}
}

func TestSettleBuyerWithoutFundsMovesNothing(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(token, seller, big.NewInt(100))
	tr, buy, sell := f.trade(t)

	_, err := f.adapter().Settle(context.Background(), tr.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	got, err := f.store.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, order.TradeFailed, got.Status)
	require.False(t, got.Submitted)
	require.Nil(t, got.TxHash)
	require.Contains(t, got.FailureReason, "payment token")
	requireRestored(t, f, buy, sell)

	require.Zero(t, f.ledger.Calls())
	bal, _ := f.ledger.GetTokenBalance(context.Background(), seller, token)
	require.Equal(t, "100", bal.String())
}

func TestSettlePaymentRevertFailsAfterShares(t *testing.T) {
	f := newFixture(t)
	fund(f.ledger)
	f.ledger.SetManualMining(true)
	tr, buy, sell := f.trade(t)
	a := f.adapter(WithTimeout(50 * time.Millisecond))

	// shares submitted but unmined: nothing is paid yet
	_, err := a.Settle(context.Background(), tr.ID)
	require.ErrorIs(t, err, order.ErrIndeterminate)
	got, err := f.store.GetTrade(tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TxHash)
	require.Nil(t, got.PaymentTxHash)
	require.Equal(t, 1, f.ledger.Transfers())

	f.ledger.Mine()
	f.ledger.SetManualMining(false)
	f.ledger.RevertNext(1)
	_, err = a.Settle(context.Background(), tr.ID)
	require.ErrorIs(t, err, ledger.ErrRejected)

	got, err = f.store.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, order.TradeFailed, got.Status)
	require.NotNil(t, got.PaymentTxHash)
	require.Contains(t, got.FailureReason, "payment transfer")
	requireRestored(t, f, buy, sell)
}

func TestSettleTimeoutStaysPending(t *testing.T) {
	f := newFixture(t)
	fund(f.ledger)
	f.ledger.SetManualMining(true)
	tr, buy, _ := f.trade(t)
	a := f.adapter(WithTimeout(50 * time.Millisecond))

	_, err := a.Settle(context.Background(), tr.ID)
	require.ErrorIs(t, err, order.ErrIndeterminate)

	got, err := f.store.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, order.TradePending, got.Status)
	require.True(t, got.Submitted)
	require.NotNil(t, got.TxHash)
	require.Equal(t, 1, f.reload(t, buy).InFlight)

	f.ledger.Mine()
	f.ledger.SetManualMining(false)
	res, err := a.Settle(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, *got.TxHash, res.TxHash)
	require.Equal(t, 2, f.ledger.Transfers())
}

func TestSettleTransportErrorResubmitsWithSameKey(t *testing.T) {
	f := newFixture(t)
	fund(f.ledger)
	f.ledger.FailNext(errors.New("connection reset by peer"))
	tr, _, _ := f.trade(t)
	a := f.adapter()

	_, err := a.Settle(context.Background(), tr.ID)
	require.ErrorIs(t, err, order.ErrIndeterminate)
	got, err := f.store.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, order.TradePending, got.Status)
	require.True(t, got.Submitted)
	require.Nil(t, got.TxHash)

	_, err = a.Settle(context.Background(), tr.ID)
	require.NoError(t, err)
	_, err = a.Settle(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.ledger.Transfers())
}

func TestSettlePaymentTransportErrorResumes(t *testing.T) {
	f := newFixture(t)
	fund(f.ledger)
	tr, _, _ := f.trade(t)
	a := f.adapter()

	f.ledger.FailNext(nil, errors.New("connection reset by peer"))
	_, err := a.Settle(context.Background(), tr.ID)
	require.ErrorIs(t, err, order.ErrIndeterminate)
	got, err := f.store.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, order.TradePending, got.Status)
	require.NotNil(t, got.TxHash)
	require.Nil(t, got.PaymentTxHash)

	res, err := a.Settle(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, *got.TxHash, res.TxHash)
	require.Equal(t, 2, f.ledger.Transfers())
}

func TestSettleAdminFallback(t *testing.T) {
	f := newFixture(t)
	fund(f.ledger)
	f.ledger.Deny(seller)
	admin := ledger.NewMemory()
	fund(admin)
	tr, _, _ := f.trade(t)
	a := f.adapter(WithFallback(admin))

	res, err := a.Settle(context.Background(), tr.ID)
	require.NoError(t, err)

	got, err := f.store.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, order.TradeConfirmed, got.Status)
	require.Equal(t, order.RouteAdmin, got.Route)
	require.Equal(t, res.TxHash, *got.TxHash)
	require.Equal(t, res.PaymentTxHash, *got.PaymentTxHash)
	require.Equal(t, 0, f.ledger.Transfers())
	require.Equal(t, 2, admin.Transfers(), "both legs take the admin route")
}

func TestSettleUnknownTrade(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter().Settle(context.Background(), "missing")
	require.ErrorIs(t, err, order.ErrNotFound)
}
