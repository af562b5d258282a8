package storage

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/util"
)

// Store persists signed orders and trades in Pebble.
// Every read-modify-write runs under mu and commits as one batch, so a fill,
// a cancel and a settlement rollback never interleave on the same record.
type Store struct {
	db    *pebble.DB
	clock util.Clock

	mu  sync.Mutex
	seq uint64
}

// NewPebbleStore opens a Pebble database at the given path.
func NewPebbleStore(path string, clock util.Clock) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	return open(path, opts, clock)
}

// NewMemStore opens a store backed by an in-memory filesystem.
func NewMemStore(clock util.Clock) (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()}, clock)
}

func open(path string, opts *pebble.Options, clock util.Clock) (*Store, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	s := &Store{db: db, clock: clock}

	val, closer, err := db.Get([]byte(keySeq))
	switch {
	case err == pebble.ErrNotFound:
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to load seq: %w", err)
	default:
		s.seq = binary.BigEndian.Uint64(val)
		closer.Close()
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Now() time.Time { return s.clock.Now() }

// ============================================================================
// Orders
// ============================================================================

// InsertOrder stores a verified order as ACTIVE. It assigns seq and the
// timestamps, and sets remaining to the signed amount.
func (s *Store) InsertOrder(so *order.SignedOrder) (*order.SignedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup, err := exists(s.db, orderKey(so.Hash))
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, fmt.Errorf("%w: %s", order.ErrDuplicateOrder, so.Hash.Hex())
	}
	o := &so.Order
	nk := nonceKey(o.Maker, o.Nonce.String())
	used, err := exists(s.db, nk)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, fmt.Errorf("%w: maker %s nonce %s", order.ErrNonceReused, o.Maker.Hex(), o.Nonce)
	}

	rec := so.Copy()
	now := s.clock.Now()
	rec.Remaining = new(big.Int).Set(o.Amount)
	rec.Status = order.StatusActive
	rec.InFlight = 0
	rec.Seq = s.seq + 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	val, err := encodeJSON(rec)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(orderKey(rec.Hash), val, nil)
	_ = b.Set(activeKey(o.PropertyToken, rec.Hash), nil, nil)
	_ = b.Set(tokenOrderKey(o.PropertyToken, rec.Hash), nil, nil)
	_ = b.Set(makerOrderKey(o.Maker, rec.Hash), nil, nil)
	_ = b.Set(nk, rec.Hash.Bytes(), nil)
	_ = b.Set([]byte(keySeq), seqBytes(rec.Seq), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to save order: %w", err)
	}
	s.seq = rec.Seq
	return rec, nil
}

func (s *Store) loadOrder(h common.Hash) (*order.SignedOrder, error) {
	var so order.SignedOrder
	found, err := getJSON(s.db, orderKey(h), &so)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: order %s", order.ErrNotFound, h.Hex())
	}
	return &so, nil
}

func putOrder(b *pebble.Batch, so *order.SignedOrder) error {
	val, err := encodeJSON(so)
	if err != nil {
		return err
	}
	return b.Set(orderKey(so.Hash), val, nil)
}

// expireInBatch marks an ACTIVE order past its expiry as EXPIRED.
func (s *Store) expireInBatch(b *pebble.Batch, so *order.SignedOrder, now time.Time) (bool, error) {
	if so.EffectiveStatus(now) != order.StatusExpired || so.Status == order.StatusExpired {
		return false, nil
	}
	so.Status = order.StatusExpired
	so.UpdatedAt = now
	if err := putOrder(b, so); err != nil {
		return false, err
	}
	_ = b.Delete(activeKey(so.Order.PropertyToken, so.Hash), nil)
	return true, nil
}

// GetOrder returns the order, marking it EXPIRED if it is read after expiry.
func (s *Store) GetOrder(h common.Hash) (*order.SignedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.loadOrder(h)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	changed, err := s.expireInBatch(b, so, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if changed {
		if err := b.Commit(pebble.Sync); err != nil {
			return nil, fmt.Errorf("failed to expire order: %w", err)
		}
	}
	return so, nil
}

// ActiveOrders returns a consistent snapshot of the token's ACTIVE orders in
// time priority (createdAt, then seq). Orders found past expiry are marked
// EXPIRED and left out.
func (s *Store) ActiveOrders(token common.Address) ([]*order.SignedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := activePrefix(token)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	var hashes []common.Hash
	for iter.First(); iter.Valid(); iter.Next() {
		hashes = append(hashes, hashFromIndexKey(iter.Key()))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan active orders: %w", err)
	}

	now := s.clock.Now()
	b := s.db.NewBatch()
	defer b.Close()
	expired := 0
	out := make([]*order.SignedOrder, 0, len(hashes))
	for _, h := range hashes {
		so, err := s.loadOrder(h)
		if err != nil {
			return nil, err
		}
		changed, err := s.expireInBatch(b, so, now)
		if err != nil {
			return nil, err
		}
		if changed {
			expired++
			continue
		}
		if so.Status == order.StatusActive {
			out = append(out, so)
		}
	}
	if expired > 0 {
		if err := b.Commit(pebble.Sync); err != nil {
			return nil, fmt.Errorf("failed to expire orders: %w", err)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// ActiveTokens lists property tokens that have at least one ACTIVE order.
func (s *Store) ActiveTokens() ([]common.Address, error) {
	prefix := []byte(prefixActive)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var tokens []common.Address
	for iter.First(); iter.Valid(); {
		k := iter.Key()
		tokenHex := string(k[len(prefixActive) : len(prefixActive)+addrHexLen])
		tokens = append(tokens, common.HexToAddress(tokenHex))
		// skip the rest of this token's entries
		iter.SeekGE(keyUpperBound([]byte(prefixActive + tokenHex + ":")))
	}
	return tokens, nil
}

// QueryOrders returns one page of orders matching f, newest first, plus the
// total number of matches.
func (s *Store) QueryOrders(f order.Filter) ([]*order.SignedOrder, int, error) {
	if err := f.Normalize(); err != nil {
		return nil, 0, err
	}

	var prefix []byte
	switch {
	case f.PropertyToken != nil:
		prefix = tokenOrderPrefix(*f.PropertyToken)
	case f.Maker != nil:
		prefix = makerOrderPrefix(*f.Maker)
	default:
		prefix = []byte(prefixOrder)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	var hashes []common.Hash
	for iter.First(); iter.Valid(); iter.Next() {
		hashes = append(hashes, hashFromIndexKey(iter.Key()))
	}
	if err := iter.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to scan orders: %w", err)
	}

	now := s.clock.Now()
	var matched []*order.SignedOrder
	for _, h := range hashes {
		so, err := s.loadOrder(h)
		if err != nil {
			return nil, 0, err
		}
		st := so.EffectiveStatus(now)
		if !f.Match(so, st) {
			continue
		}
		so.Status = st
		matched = append(matched, so)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})

	total := len(matched)
	if f.Offset >= total {
		return []*order.SignedOrder{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

// CancelOrder moves an ACTIVE order to CANCELLED on behalf of its maker.
func (s *Store) CancelOrder(h common.Hash, maker common.Address) (*order.SignedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.loadOrder(h)
	if err != nil {
		return nil, err
	}
	if so.Order.Maker != maker {
		return nil, fmt.Errorf("%w: order %s", order.ErrNotMaker, h.Hex())
	}

	now := s.clock.Now()
	b := s.db.NewBatch()
	defer b.Close()
	if changed, err := s.expireInBatch(b, so, now); err != nil {
		return nil, err
	} else if changed {
		if err := b.Commit(pebble.Sync); err != nil {
			return nil, fmt.Errorf("failed to expire order: %w", err)
		}
	}
	if so.Status != order.StatusActive {
		return nil, fmt.Errorf("%w: order %s is %s", order.ErrOrderClosed, h.Hex(), so.Status)
	}
	if so.InFlight > 0 {
		return nil, fmt.Errorf("%w: order %s has %d pending trades", order.ErrOrderInFlight, h.Hex(), so.InFlight)
	}

	so.Status = order.StatusCancelled
	so.UpdatedAt = now
	cb := s.db.NewBatch()
	defer cb.Close()
	if err := putOrder(cb, so); err != nil {
		return nil, err
	}
	_ = cb.Delete(activeKey(so.Order.PropertyToken, h), nil)
	if err := cb.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	return so, nil
}

// ============================================================================
// Fills and trades
// ============================================================================

// ApplyFill records a PENDING trade and decrements both orders' remaining
// amounts. buyBefore and sellBefore are the remaining amounts the caller
// matched against; if either differs from the stored value, or an order is
// no longer ACTIVE, nothing is written and ErrStaleOrder is returned.
func (s *Store) ApplyFill(t *order.Trade, buyBefore, sellBefore *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := exists(s.db, tradeKey(t.ID)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: trade %s", order.ErrDuplicateOrder, t.ID)
	}

	now := s.clock.Now()
	buy, err := s.loadOrder(t.BuyOrderHash)
	if err != nil {
		return err
	}
	sell, err := s.loadOrder(t.SellOrderHash)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, leg := range []struct {
		so     *order.SignedOrder
		before *big.Int
		side   order.Side
	}{
		{buy, buyBefore, order.Buy},
		{sell, sellBefore, order.Sell},
	} {
		so := leg.so
		if so.Order.Side != leg.side || so.Order.PropertyToken != t.PropertyToken {
			return fmt.Errorf("%w: order %s does not fit trade %s", order.ErrStaleOrder, so.Hash.Hex(), t.ID)
		}
		if so.EffectiveStatus(now) != order.StatusActive {
			return fmt.Errorf("%w: order %s is %s", order.ErrStaleOrder, so.Hash.Hex(), so.EffectiveStatus(now))
		}
		if so.Remaining.Cmp(leg.before) != 0 {
			return fmt.Errorf("%w: order %s remaining %s, expected %s", order.ErrStaleOrder, so.Hash.Hex(), so.Remaining, leg.before)
		}
		if so.Remaining.Cmp(t.Amount) < 0 {
			return fmt.Errorf("%w: order %s remaining %s below fill %s", order.ErrStaleOrder, so.Hash.Hex(), so.Remaining, t.Amount)
		}
		so.Remaining = new(big.Int).Sub(so.Remaining, t.Amount)
		so.InFlight++
		so.UpdatedAt = now
		if so.Remaining.Sign() == 0 {
			so.Status = order.StatusFilled
			_ = b.Delete(activeKey(so.Order.PropertyToken, so.Hash), nil)
		}
		if err := putOrder(b, so); err != nil {
			return err
		}
	}

	val, err := encodeJSON(t)
	if err != nil {
		return err
	}
	_ = b.Set(tradeKey(t.ID), val, nil)
	_ = b.Set(tokenTradeKey(t.PropertyToken, t.CreatedAt, t.ID), []byte(t.ID), nil)
	_ = b.Set(pendingKey(t.ID), nil, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save fill: %w", err)
	}
	return nil
}

func (s *Store) loadTrade(id string) (*order.Trade, error) {
	var t order.Trade
	found, err := getJSON(s.db, tradeKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: trade %s", order.ErrNotFound, id)
	}
	return &t, nil
}

func putTrade(b *pebble.Batch, t *order.Trade) error {
	val, err := encodeJSON(t)
	if err != nil {
		return err
	}
	return b.Set(tradeKey(t.ID), val, nil)
}

func (s *Store) GetTrade(id string) (*order.Trade, error) {
	return s.loadTrade(id)
}

// updatePending applies fn to a PENDING trade and saves it.
func (s *Store) updatePending(id string, fn func(t *order.Trade)) (*order.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadTrade(id)
	if err != nil {
		return nil, err
	}
	if t.Status != order.TradePending {
		return nil, fmt.Errorf("%w: trade %s is %s", order.ErrTradeClosed, id, t.Status)
	}
	fn(t)
	b := s.db.NewBatch()
	defer b.Close()
	if err := putTrade(b, t); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to save trade: %w", err)
	}
	return t, nil
}

// MarkTradeSubmitted records that a ledger transfer is about to be sent.
func (s *Store) MarkTradeSubmitted(id, route string) (*order.Trade, error) {
	return s.updatePending(id, func(t *order.Trade) {
		t.Submitted = true
		t.Route = route
	})
}

// RecordTradeTx stores the share transfer hash of a submitted trade.
func (s *Store) RecordTradeTx(id string, tx common.Hash, route string) (*order.Trade, error) {
	return s.updatePending(id, func(t *order.Trade) {
		t.TxHash = &tx
		t.Route = route
	})
}

// RecordPaymentTx stores the payment transfer hash of a submitted trade.
func (s *Store) RecordPaymentTx(id string, tx common.Hash) (*order.Trade, error) {
	return s.updatePending(id, func(t *order.Trade) {
		t.PaymentTxHash = &tx
	})
}

// releaseOrder drops one in-flight claim from an order.
func (s *Store) releaseOrder(b *pebble.Batch, h common.Hash, restore *big.Int, now time.Time) error {
	so, err := s.loadOrder(h)
	if err != nil {
		return err
	}
	if so.InFlight > 0 {
		so.InFlight--
	}
	if restore != nil {
		so.Remaining = new(big.Int).Add(so.Remaining, restore)
		if so.Remaining.Cmp(so.Order.Amount) > 0 {
			so.Remaining = new(big.Int).Set(so.Order.Amount)
		}
		if so.Status == order.StatusFilled {
			so.Status = order.StatusActive
		}
		switch {
		case so.Status == order.StatusActive && so.Order.Expired(now):
			so.Status = order.StatusExpired
			_ = b.Delete(activeKey(so.Order.PropertyToken, h), nil)
		case so.Status == order.StatusActive:
			_ = b.Set(activeKey(so.Order.PropertyToken, h), nil, nil)
		}
	}
	so.UpdatedAt = now
	return putOrder(b, so)
}

// ConfirmTrade marks a trade CONFIRMED and releases its orders. Confirming
// an already confirmed trade returns it unchanged.
func (s *Store) ConfirmTrade(id string, blockNumber uint64) (*order.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadTrade(id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case order.TradeConfirmed:
		return t, nil
	case order.TradeFailed:
		return nil, fmt.Errorf("%w: trade %s is FAILED", order.ErrTradeClosed, id)
	}

	now := s.clock.Now()
	t.Status = order.TradeConfirmed
	t.BlockNumber = &blockNumber
	t.SettledAt = &now

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.releaseOrder(b, t.BuyOrderHash, nil, now); err != nil {
		return nil, err
	}
	if err := s.releaseOrder(b, t.SellOrderHash, nil, now); err != nil {
		return nil, err
	}
	if err := putTrade(b, t); err != nil {
		return nil, err
	}
	_ = b.Delete(pendingKey(id), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to confirm trade: %w", err)
	}
	return t, nil
}

// FailTrade marks a trade FAILED and gives the traded amount back to both
// orders in the same batch. Failing an already failed trade is a no-op.
func (s *Store) FailTrade(id, reason string) (*order.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadTrade(id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case order.TradeFailed:
		return t, nil
	case order.TradeConfirmed:
		return nil, fmt.Errorf("%w: trade %s is CONFIRMED", order.ErrTradeClosed, id)
	}

	now := s.clock.Now()
	t.Status = order.TradeFailed
	t.FailureReason = reason
	t.SettledAt = &now

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.releaseOrder(b, t.BuyOrderHash, t.Amount, now); err != nil {
		return nil, err
	}
	if err := s.releaseOrder(b, t.SellOrderHash, t.Amount, now); err != nil {
		return nil, err
	}
	if err := putTrade(b, t); err != nil {
		return nil, err
	}
	_ = b.Delete(pendingKey(id), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to fail trade: %w", err)
	}
	return t, nil
}

// PendingTrades lists every trade still awaiting settlement.
func (s *Store) PendingTrades() ([]*order.Trade, error) {
	prefix := []byte(prefixPendingTrade)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan pending trades: %w", err)
	}

	trades := make([]*order.Trade, 0, len(ids))
	for _, id := range ids {
		t, err := s.loadTrade(id)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].CreatedAt.Before(trades[j].CreatedAt) })
	return trades, nil
}

// RecentTrades loads up to limit trades for a token, newest first.
func (s *Store) RecentTrades(token common.Address, limit int) ([]*order.Trade, error) {
	prefix := tokenTradePrefix(token)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var trades []*order.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		t, err := s.loadTrade(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// TradesSince returns a token's trades created at or after since, oldest first.
func (s *Store) TradesSince(token common.Address, since time.Time) ([]*order.Trade, error) {
	prefix := tokenTradePrefix(token)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: tokenTradeBound(token, since),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var trades []*order.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		t, err := s.loadTrade(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// LastConfirmedTrade returns the newest CONFIRMED trade created strictly
// before the given time, or nil.
func (s *Store) LastConfirmedTrade(token common.Address, before time.Time) (*order.Trade, error) {
	prefix := tokenTradePrefix(token)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: tokenTradeBound(token, before),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.Last(); iter.Valid(); iter.Prev() {
		t, err := s.loadTrade(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if t.Status == order.TradeConfirmed {
			return t, nil
		}
	}
	return nil, nil
}
