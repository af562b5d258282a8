package transaction

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/crypto"
	"github.com/uhyunpark/brickdex/pkg/util"
)

// Verifier turns wallet submissions into verified orders.
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
	clock        util.Clock
}

func NewVerifier(domain crypto.Domain, clock util.Clock) *Verifier {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Verifier{
		eip712Signer: crypto.NewEIP712Signer(domain),
		clock:        clock,
	}
}

func (v *Verifier) Signer() *crypto.EIP712Signer { return v.eip712Signer }

// VerifyOrder recovers the maker, checks expiry and computes the order hash.
// The returned SignedOrder is ready for the store.
func (v *Verifier) VerifyOrder(sub *OrderSubmission) (*order.SignedOrder, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	o, err := sub.Order.ToOrder()
	if err != nil {
		return nil, err
	}
	if sub.PrimaryType != "" && sub.PrimaryType != o.Side.TypeName() {
		return nil, fmt.Errorf("%w: %s signed as %s", order.ErrUnsupportedOrderType, o.Side, sub.PrimaryType)
	}

	sig, err := decodeSignature(sub.Signature)
	if err != nil {
		return nil, err
	}
	signer, err := v.eip712Signer.Recover(o, sig)
	if err != nil {
		return nil, err
	}
	if o.Maker != (common.Address{}) && o.Maker != signer {
		return nil, fmt.Errorf("%w: signed by %s, claimed maker %s", order.ErrSignatureInvalid, signer.Hex(), o.Maker.Hex())
	}
	o.Maker = signer

	if o.Expired(v.clock.Now()) {
		return nil, fmt.Errorf("%w: expiry %s", order.ErrExpired, o.Expiry)
	}
	hash, err := crypto.HashOrder(o)
	if err != nil {
		return nil, err
	}
	return &order.SignedOrder{Order: *o, Signature: sig, Hash: hash}, nil
}

// VerifyCancel returns the address that signed the cancel of orderHash.
func (v *Verifier) VerifyCancel(orderHash common.Hash, sub *CancelSubmission) (common.Address, error) {
	if sub == nil || sub.Signature == "" {
		return common.Address{}, fmt.Errorf("%w: missing signature", order.ErrSignatureInvalid)
	}
	sig, err := decodeSignature(sub.Signature)
	if err != nil {
		return common.Address{}, err
	}
	return v.eip712Signer.RecoverCancel(orderHash, sig)
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "0x")

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex signature: %v", order.ErrSignatureInvalid, err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 bytes, got %d", order.ErrSignatureInvalid, len(sigBytes))
	}
	return sigBytes, nil
}
