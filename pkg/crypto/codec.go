package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

// orderArgs is the canonical tuple layout:
// (address maker, address propertyToken, uint256 amount, uint256 pricePerShare, uint256 expiry, uint256 nonce)
var orderArgs = func() abi.Arguments {
	addressT, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	uintT, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{
		{Name: "maker", Type: addressT},
		{Name: "propertyToken", Type: addressT},
		{Name: "amount", Type: uintT},
		{Name: "pricePerShare", Type: uintT},
		{Name: "expiry", Type: uintT},
		{Name: "nonce", Type: uintT},
	}
}()

// EncodedOrderLen is the byte length of EncodeOrder output.
const EncodedOrderLen = 6 * 32

// ValidateOrderFields checks that every field of o fits its on-chain type.
func ValidateOrderFields(o *order.Order) error {
	if o == nil {
		return fmt.Errorf("%w: nil order", order.ErrInvalidOrderFields)
	}
	if o.Maker == (common.Address{}) {
		return fmt.Errorf("%w: zero maker", order.ErrInvalidOrderFields)
	}
	if o.PropertyToken == (common.Address{}) {
		return fmt.Errorf("%w: zero propertyToken", order.ErrInvalidOrderFields)
	}
	for _, f := range []struct {
		name string
		v    *big.Int
	}{
		{"amount", o.Amount},
		{"pricePerShare", o.PricePerShare},
		{"expiry", o.Expiry},
		{"nonce", o.Nonce},
	} {
		if err := checkUint256(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

func checkUint256(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: %s missing", order.ErrInvalidOrderFields, name)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s negative", order.ErrInvalidOrderFields, name)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("%w: %s exceeds uint256", order.ErrInvalidOrderFields, name)
	}
	return nil
}

// ParseUint256 parses a base-10 string into a non-negative 256-bit integer.
func ParseUint256(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a decimal integer", order.ErrInvalidOrderFields, name)
	}
	if err := checkUint256(name, v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeOrder returns the fixed-width ABI encoding of the order tuple.
// Side is not part of the encoding; it is bound by the signed type name.
func EncodeOrder(o *order.Order) ([]byte, error) {
	if err := ValidateOrderFields(o); err != nil {
		return nil, err
	}
	packed, err := orderArgs.Pack(o.Maker, o.PropertyToken, o.Amount, o.PricePerShare, o.Expiry, o.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrInvalidOrderFields, err)
	}
	return packed, nil
}

// HashOrder returns keccak256(EncodeOrder(o)), the order's identity.
func HashOrder(o *order.Order) (common.Hash, error) {
	enc, err := EncodeOrder(o)
	if err != nil {
		return common.Hash{}, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(enc)
	return common.BytesToHash(h.Sum(nil)), nil
}

// TradeIdempotencyKey derives the ledger idempotency key for a trade.
func TradeIdempotencyKey(buy, sell common.Hash, tradeID string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(buy.Bytes())
	h.Write(sell.Bytes())
	h.Write([]byte(tradeID))
	return common.BytesToHash(h.Sum(nil))
}

// PaymentIdempotencyKey derives the key of a trade's payment transfer. It
// never equals the share transfer key of the same trade.
func PaymentIdempotencyKey(buy, sell common.Hash, tradeID string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(TradeIdempotencyKey(buy, sell, tradeID).Bytes())
	h.Write([]byte("payment"))
	return common.BytesToHash(h.Sum(nil))
}
