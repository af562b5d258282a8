package storage

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for the exchange store:
//
//   ord:<orderHash>                       → SignedOrder
//   act:<token>:<orderHash>               → ∅ (ACTIVE index)
//   tok:<token>:<orderHash>               → ∅ (all orders of a token)
//   mk:<maker>:<orderHash>                → ∅ (all orders of a maker)
//   nonce:<maker>:<nonce>                 → orderHash
//   trd:<tradeID>                         → Trade
//   trt:<token>:<createdAt nanos>:<id>    → tradeID
//   pend:<tradeID>                        → ∅ (PENDING index)
//   meta:seq                              → last order seq (8-byte BE)

const (
	prefixOrder        = "ord:"
	prefixActive       = "act:"
	prefixTokenOrder   = "tok:"
	prefixMakerOrder   = "mk:"
	prefixNonce        = "nonce:"
	prefixTrade        = "trd:"
	prefixTokenTrade   = "trt:"
	prefixPendingTrade = "pend:"
	keySeq             = "meta:seq"
)

// addrHexLen is len(common.Address.Hex()).
const addrHexLen = 42

func orderKey(h common.Hash) []byte {
	return []byte(prefixOrder + h.Hex())
}

func activeKey(token common.Address, h common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixActive, token.Hex(), h.Hex()))
}

func activePrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixActive, token.Hex()))
}

func tokenOrderKey(token common.Address, h common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixTokenOrder, token.Hex(), h.Hex()))
}

func tokenOrderPrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTokenOrder, token.Hex()))
}

func makerOrderKey(maker common.Address, h common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixMakerOrder, maker.Hex(), h.Hex()))
}

func makerOrderPrefix(maker common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixMakerOrder, maker.Hex()))
}

func nonceKey(maker common.Address, nonce string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixNonce, maker.Hex(), nonce))
}

func tradeKey(id string) []byte {
	return []byte(prefixTrade + id)
}

// tokenTradeKey is zero-padded (20 digits) for lexicographic time order.
func tokenTradeKey(token common.Address, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTokenTrade, token.Hex(), at.UnixNano(), id))
}

func tokenTradePrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTokenTrade, token.Hex()))
}

func tokenTradeBound(token common.Address, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTokenTrade, token.Hex(), at.UnixNano()))
}

func pendingKey(id string) []byte {
	return []byte(prefixPendingTrade + id)
}

// hashFromIndexKey extracts the trailing order hash of an index key.
func hashFromIndexKey(k []byte) common.Hash {
	return common.HexToHash(string(k[len(k)-66:]))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
