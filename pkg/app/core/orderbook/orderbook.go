package orderbook

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

// Entry is one resting order in the book.
type Entry struct {
	Hash      common.Hash
	Maker     common.Address
	Side      order.Side
	Price     *big.Int
	Remaining *big.Int
	CreatedAt time.Time
	Seq       uint64
}

// EntryFromOrder builds a book entry from a stored order.
func EntryFromOrder(so *order.SignedOrder) *Entry {
	return &Entry{
		Hash:      so.Hash,
		Maker:     so.Order.Maker,
		Side:      so.Order.Side,
		Price:     new(big.Int).Set(so.Order.PricePerShare),
		Remaining: new(big.Int).Set(so.Remaining),
		CreatedAt: so.CreatedAt,
		Seq:       so.Seq,
	}
}

// before reports whether e has time priority over o.
func (e *Entry) before(o *Entry) bool {
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.Seq < o.Seq
}

// Fill is one match between a bid and an ask. Price is the resting
// order's price; BidBefore/AskBefore are the remaining amounts before the fill.
type Fill struct {
	Bid       common.Hash
	Ask       common.Hash
	Amount    *big.Int
	Price     *big.Int
	BidBefore *big.Int
	AskBefore *big.Int
}

type PriceLevel struct {
	Price   *big.Int
	entries []*Entry // time priority
}

// Level is an aggregated view of one price.
type Level struct {
	Price  *big.Int
	Amount *big.Int
	Orders int
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// Book is a price-time priority book for one property token.
type Book struct {
	mu sync.RWMutex

	bids  *PriceLevels // highest first
	asks  *PriceLevels // lowest first
	index map[common.Hash]*Entry
}

func New() *Book {
	return &Book{
		bids: btree.NewBTreeG(func(a, b *PriceLevel) bool {
			return a.Price.Cmp(b.Price) > 0
		}),
		asks: btree.NewBTreeG(func(a, b *PriceLevel) bool {
			return a.Price.Cmp(b.Price) < 0
		}),
		index: make(map[common.Hash]*Entry),
	}
}

func (b *Book) levels(side order.Side) *PriceLevels {
	if side == order.Buy {
		return b.bids
	}
	return b.asks
}

// crosses reports whether an incoming order at price trades against level.
func crosses(side order.Side, price, level *big.Int) bool {
	if side == order.Buy {
		return price.Cmp(level) >= 0
	}
	return price.Cmp(level) <= 0
}

// Place crosses e against the opposite side in price-time order and rests
// any remainder. Resting orders from the same maker are skipped, never
// filled or removed. e.Remaining is consumed in place.
func (b *Book) Place(e *Entry) []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	opposite := b.levels(e.Side.Opposite())

	var crossing []*PriceLevel
	opposite.Scan(func(pl *PriceLevel) bool {
		if !crosses(e.Side, e.Price, pl.Price) {
			return false
		}
		crossing = append(crossing, pl)
		return true
	})

	var fills []Fill
	for _, pl := range crossing {
		if e.Remaining.Sign() == 0 {
			break
		}
		kept := pl.entries[:0]
		for _, resting := range pl.entries {
			if e.Remaining.Sign() == 0 || resting.Maker == e.Maker {
				kept = append(kept, resting)
				continue
			}
			amount := new(big.Int).Set(e.Remaining)
			if resting.Remaining.Cmp(amount) < 0 {
				amount.Set(resting.Remaining)
			}

			f := Fill{Amount: amount, Price: new(big.Int).Set(pl.Price)}
			if e.Side == order.Buy {
				f.Bid, f.Ask = e.Hash, resting.Hash
				f.BidBefore, f.AskBefore = new(big.Int).Set(e.Remaining), new(big.Int).Set(resting.Remaining)
			} else {
				f.Bid, f.Ask = resting.Hash, e.Hash
				f.BidBefore, f.AskBefore = new(big.Int).Set(resting.Remaining), new(big.Int).Set(e.Remaining)
			}
			fills = append(fills, f)

			e.Remaining.Sub(e.Remaining, amount)
			resting.Remaining.Sub(resting.Remaining, amount)
			if resting.Remaining.Sign() > 0 {
				kept = append(kept, resting)
			} else {
				delete(b.index, resting.Hash)
			}
		}
		pl.entries = kept
		if len(pl.entries) == 0 {
			opposite.Delete(pl)
		}
	}

	if e.Remaining.Sign() > 0 {
		b.add(e)
	}
	return fills
}

// Add rests e without crossing.
func (b *Book) Add(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(e)
}

func (b *Book) add(e *Entry) {
	levels := b.levels(e.Side)
	pl, ok := levels.GetMut(&PriceLevel{Price: e.Price})
	if !ok {
		levels.Set(&PriceLevel{Price: new(big.Int).Set(e.Price), entries: []*Entry{e}})
		b.index[e.Hash] = e
		return
	}
	i := len(pl.entries)
	for i > 0 && e.before(pl.entries[i-1]) {
		i--
	}
	pl.entries = append(pl.entries, nil)
	copy(pl.entries[i+1:], pl.entries[i:])
	pl.entries[i] = e
	b.index[e.Hash] = e
}

// Remove takes an order out of the book.
func (b *Book) Remove(h common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.index[h]
	if !ok {
		return false
	}
	levels := b.levels(e.Side)
	pl, ok := levels.GetMut(&PriceLevel{Price: e.Price})
	if !ok {
		delete(b.index, h)
		return false
	}
	for i, x := range pl.entries {
		if x.Hash == h {
			pl.entries = append(pl.entries[:i], pl.entries[i+1:]...)
			break
		}
	}
	if len(pl.entries) == 0 {
		levels.Delete(pl)
	}
	delete(b.index, h)
	return true
}

func (b *Book) Get(h common.Hash) (*Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.index[h]
	return e, ok
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (*big.Int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pl, ok := b.bids.Min()
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(pl.Price), true
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (*big.Int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pl, ok := b.asks.Min()
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(pl.Price), true
}

// BidLevels returns up to depth bid levels, best first. depth <= 0 means all.
func (b *Book) BidLevels(depth int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return aggregate(b.bids, depth)
}

// AskLevels returns up to depth ask levels, best first. depth <= 0 means all.
func (b *Book) AskLevels(depth int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return aggregate(b.asks, depth)
}

func aggregate(levels *PriceLevels, depth int) []Level {
	var out []Level
	levels.Scan(func(pl *PriceLevel) bool {
		if depth > 0 && len(out) >= depth {
			return false
		}
		total := new(big.Int)
		for _, e := range pl.entries {
			total.Add(total, e.Remaining)
		}
		out = append(out, Level{Price: new(big.Int).Set(pl.Price), Amount: total, Orders: len(pl.entries)})
		return true
	})
	return out
}
