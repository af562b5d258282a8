package orderbook

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

var (
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb0")
	carol = common.HexToAddress("0xc0")
	t0    = time.Unix(1_700_000_000, 0)
)

var seq uint64

func entry(maker common.Address, side order.Side, price, amount int64, at time.Duration) *Entry {
	seq++
	return &Entry{
		Hash:      common.BigToHash(big.NewInt(int64(seq))),
		Maker:     maker,
		Side:      side,
		Price:     big.NewInt(price),
		Remaining: big.NewInt(amount),
		CreatedAt: t0.Add(at),
		Seq:       seq,
	}
}

func TestRestingPriceWins(t *testing.T) {
	tests := []struct {
		name      string
		first     *Entry
		second    *Entry
		wantPrice int64
	}{
		{
			name:      "bid rests, ask crosses",
			first:     entry(alice, order.Buy, 10, 5, 0),
			second:    entry(bob, order.Sell, 9, 5, time.Second),
			wantPrice: 10,
		},
		{
			name:      "ask rests, bid crosses",
			first:     entry(bob, order.Sell, 9, 5, 0),
			second:    entry(alice, order.Buy, 10, 5, time.Second),
			wantPrice: 9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			if fills := b.Place(tt.first); len(fills) != 0 {
				t.Fatalf("first order should rest, got %d fills", len(fills))
			}
			fills := b.Place(tt.second)
			if len(fills) != 1 {
				t.Fatalf("fills = %d, want 1", len(fills))
			}
			if fills[0].Price.Int64() != tt.wantPrice {
				t.Errorf("price = %s, want %d", fills[0].Price, tt.wantPrice)
			}
			if b.Len() != 0 {
				t.Errorf("book should be empty, has %d", b.Len())
			}
		})
	}
}

func TestPartialFill(t *testing.T) {
	b := New()
	bid := entry(alice, order.Buy, 10, 50, 0)
	ask := entry(bob, order.Sell, 10, 30, time.Second)

	b.Place(bid)
	fills := b.Place(ask)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	f := fills[0]
	if f.Amount.Int64() != 30 {
		t.Errorf("amount = %s, want 30", f.Amount)
	}
	if f.BidBefore.Int64() != 50 || f.AskBefore.Int64() != 30 {
		t.Errorf("before = %s/%s, want 50/30", f.BidBefore, f.AskBefore)
	}
	if f.Bid != bid.Hash || f.Ask != ask.Hash {
		t.Error("fill legs point at the wrong orders")
	}

	rest, ok := b.Get(bid.Hash)
	if !ok || rest.Remaining.Int64() != 20 {
		t.Fatalf("bid should rest with 20, got %v", rest)
	}
	if _, ok := b.Get(ask.Hash); ok {
		t.Error("filled ask should leave the book")
	}
}

func TestSweepsLevelsInPriceTimeOrder(t *testing.T) {
	b := New()
	a1 := entry(alice, order.Sell, 11, 5, 0)
	a2 := entry(carol, order.Sell, 10, 5, time.Second)
	a3 := entry(alice, order.Sell, 10, 5, 2*time.Second)
	b.Place(a1)
	b.Place(a2)
	b.Place(a3)

	fills := b.Place(entry(bob, order.Buy, 11, 12, 3*time.Second))
	if len(fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(fills))
	}
	want := []struct {
		ask    common.Hash
		price  int64
		amount int64
	}{
		{a2.Hash, 10, 5},
		{a3.Hash, 10, 5},
		{a1.Hash, 11, 2},
	}
	for i, w := range want {
		if fills[i].Ask != w.ask || fills[i].Price.Int64() != w.price || fills[i].Amount.Int64() != w.amount {
			t.Errorf("fill %d = %s@%s x%s, want %s@%d x%d", i,
				fills[i].Ask.Hex(), fills[i].Price, fills[i].Amount, w.ask.Hex(), w.price, w.amount)
		}
	}
}

func TestNoCrossWhenPricesApart(t *testing.T) {
	b := New()
	b.Place(entry(alice, order.Buy, 9, 5, 0))
	if fills := b.Place(entry(bob, order.Sell, 10, 5, time.Second)); len(fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(fills))
	}
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	if bid.Int64() != 9 || ask.Int64() != 10 {
		t.Errorf("best = %s/%s, want 9/10", bid, ask)
	}
}

func TestSelfTradeSkipped(t *testing.T) {
	b := New()
	own := entry(alice, order.Sell, 10, 5, 0)
	other := entry(bob, order.Sell, 10, 5, time.Second)
	b.Place(own)
	b.Place(other)

	fills := b.Place(entry(alice, order.Buy, 10, 5, 2*time.Second))
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].Ask != other.Hash {
		t.Error("buy must skip the maker's own ask")
	}
	if e, ok := b.Get(own.Hash); !ok || e.Remaining.Int64() != 5 {
		t.Error("own ask must stay untouched")
	}
}

func TestSelfTradeRestsRemainder(t *testing.T) {
	b := New()
	b.Place(entry(alice, order.Sell, 10, 5, 0))
	bid := entry(alice, order.Buy, 10, 5, time.Second)
	if fills := b.Place(bid); len(fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(fills))
	}
	if _, ok := b.Get(bid.Hash); !ok {
		t.Error("unmatched bid should rest")
	}
}

func TestLevelsAndRemove(t *testing.T) {
	b := New()
	x := entry(alice, order.Buy, 10, 5, 0)
	b.Place(x)
	b.Place(entry(bob, order.Buy, 10, 7, time.Second))
	b.Place(entry(carol, order.Buy, 9, 1, 2*time.Second))
	b.Place(entry(carol, order.Sell, 12, 4, 3*time.Second))

	bids := b.BidLevels(0)
	if len(bids) != 2 {
		t.Fatalf("bid levels = %d, want 2", len(bids))
	}
	if bids[0].Price.Int64() != 10 || bids[0].Amount.Int64() != 12 || bids[0].Orders != 2 {
		t.Errorf("top bid level = %+v", bids[0])
	}
	if got := b.BidLevels(1); len(got) != 1 {
		t.Errorf("depth 1 returned %d levels", len(got))
	}
	asks := b.AskLevels(0)
	if len(asks) != 1 || asks[0].Amount.Int64() != 4 {
		t.Errorf("ask levels = %+v", asks)
	}

	if !b.Remove(x.Hash) {
		t.Fatal("remove failed")
	}
	if b.Remove(x.Hash) {
		t.Error("second remove should report false")
	}
	if got := b.BidLevels(0); got[0].Amount.Int64() != 7 {
		t.Errorf("top bid after remove = %s, want 7", got[0].Amount)
	}
}

func TestAddKeepsTimePriority(t *testing.T) {
	b := New()
	late := entry(alice, order.Sell, 10, 1, time.Second)
	early := entry(bob, order.Sell, 10, 1, 0)
	b.Add(late)
	b.Add(early)

	fills := b.Place(entry(carol, order.Buy, 10, 1, 2*time.Second))
	if len(fills) != 1 || fills[0].Ask != early.Hash {
		t.Error("earlier order must fill first regardless of insertion order")
	}
}
