package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

// TypeCancelOrder is the primary type makers sign to cancel an order.
const TypeCancelOrder = "CancelOrder"

// Domain is the EIP-712 domain separator input. Signatures from one
// domain never verify in another.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// DefaultDomain returns the local devnet domain.
func DefaultDomain() Domain {
	return Domain{
		Name:              "Brickdex",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{}, // zero address for off-chain signing
	}
}

var (
	domainFields = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
	orderFields = []apitypes.Type{
		{Name: "propertyToken", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "pricePerShare", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	}
	cancelFields = []apitypes.Type{
		{Name: "orderHash", Type: "bytes32"},
	}
)

func typedTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain":      domainFields,
		order.TypeBuyOrder:  orderFields,
		order.TypeSellOrder: orderFields,
		TypeCancelOrder:     cancelFields,
	}
}

// EIP712Signer hashes, signs and verifies typed orders under one domain.
type EIP712Signer struct {
	domain Domain
}

func NewEIP712Signer(domain Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() Domain { return e.domain }

func (e *EIP712Signer) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

func orderMessage(o *order.Order) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"propertyToken": o.PropertyToken.Hex(),
		"amount":        o.Amount.String(),
		"pricePerShare": o.PricePerShare.String(),
		"expiry":        o.Expiry.String(),
		"nonce":         o.Nonce.String(),
	}
}

func (e *EIP712Signer) digest(primaryType string, msg apitypes.TypedDataMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typedTypes(),
		PrimaryType: primaryType,
		Domain:      e.typedDomain(),
		Message:     msg,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// HashTyped returns the digest of o under primaryType. primaryType must be
// BuyOrder or SellOrder and must agree with o.Side.
func (e *EIP712Signer) HashTyped(primaryType string, o *order.Order) ([]byte, error) {
	if primaryType != order.TypeBuyOrder && primaryType != order.TypeSellOrder {
		return nil, fmt.Errorf("%w: %q", order.ErrUnsupportedOrderType, primaryType)
	}
	if o == nil || o.Side.TypeName() != primaryType {
		return nil, fmt.Errorf("%w: %q does not match order side", order.ErrUnsupportedOrderType, primaryType)
	}
	if o.PropertyToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero propertyToken", order.ErrInvalidOrderFields)
	}
	for name, v := range map[string]*big.Int{
		"amount":        o.Amount,
		"pricePerShare": o.PricePerShare,
		"expiry":        o.Expiry,
		"nonce":         o.Nonce,
	} {
		if err := checkUint256(name, v); err != nil {
			return nil, err
		}
	}
	return e.digest(primaryType, orderMessage(o))
}

// HashOrder returns the digest of o under the type implied by its side.
func (e *EIP712Signer) HashOrder(o *order.Order) ([]byte, error) {
	if o == nil || !o.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side", order.ErrUnsupportedOrderType)
	}
	return e.HashTyped(o.Side.TypeName(), o)
}

// SignAs signs o under an explicit primary type.
func (e *EIP712Signer) SignAs(primaryType string, o *order.Order, signer *Signer) ([]byte, error) {
	hash, err := e.HashTyped(primaryType, o)
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	return signature, nil
}

// Sign signs o under the type implied by o.Side.
func (e *EIP712Signer) Sign(o *order.Order, signer *Signer) ([]byte, error) {
	if o == nil || !o.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side", order.ErrUnsupportedOrderType)
	}
	return e.SignAs(o.Side.TypeName(), o, signer)
}

// Recover returns the address that signed o. o.Maker is ignored.
func (e *EIP712Signer) Recover(o *order.Order, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(o)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := RecoverAddress(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", order.ErrSignatureInvalid, err)
	}
	return addr, nil
}

// Verify recovers the signer and checks it equals o.Maker.
func (e *EIP712Signer) Verify(o *order.Order, signature []byte) (common.Address, error) {
	addr, err := e.Recover(o, signature)
	if err != nil {
		return common.Address{}, err
	}
	if addr != o.Maker {
		return common.Address{}, fmt.Errorf("%w: recovered %s, maker %s", order.ErrSignatureInvalid, addr.Hex(), o.Maker.Hex())
	}
	return addr, nil
}

// HashCancel returns the digest of CancelOrder(bytes32 orderHash).
func (e *EIP712Signer) HashCancel(orderHash common.Hash) ([]byte, error) {
	return e.digest(TypeCancelOrder, apitypes.TypedDataMessage{
		"orderHash": orderHash.Hex(),
	})
}

func (e *EIP712Signer) SignCancel(orderHash common.Hash, signer *Signer) ([]byte, error) {
	hash, err := e.HashCancel(orderHash)
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign cancel: %w", err)
	}
	return signature, nil
}

// RecoverCancel returns the address that signed a cancel for orderHash.
func (e *EIP712Signer) RecoverCancel(orderHash common.Hash, signature []byte) (common.Address, error) {
	hash, err := e.HashCancel(orderHash)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := RecoverAddress(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", order.ErrSignatureInvalid, err)
	}
	return addr, nil
}

func fieldsJSON(fields []apitypes.Type) []map[string]string {
	out := make([]map[string]string, len(fields))
	for i, f := range fields {
		out[i] = map[string]string{"name": f.Name, "type": f.Type}
	}
	return out
}

// DomainJSON is the domain object wallets expect in eth_signTypedData_v4.
func (e *EIP712Signer) DomainJSON() map[string]interface{} {
	return map[string]interface{}{
		"name":              e.domain.Name,
		"version":           e.domain.Version,
		"chainId":           e.domain.ChainID.String(),
		"verifyingContract": e.domain.VerifyingContract.Hex(),
	}
}

// TypesJSON lists every struct type the exchange accepts signatures for.
func (e *EIP712Signer) TypesJSON() map[string]interface{} {
	return map[string]interface{}{
		"EIP712Domain":      fieldsJSON(domainFields),
		order.TypeBuyOrder:  fieldsJSON(orderFields),
		order.TypeSellOrder: fieldsJSON(orderFields),
		TypeCancelOrder:     fieldsJSON(cancelFields),
	}
}

// TypedDataJSON renders the eth_signTypedData_v4 payload for o.
func (e *EIP712Signer) TypedDataJSON(o *order.Order) (string, error) {
	if o == nil || !o.Side.Valid() {
		return "", fmt.Errorf("%w: unknown side", order.ErrUnsupportedOrderType)
	}
	primary := o.Side.TypeName()
	typedData := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": fieldsJSON(domainFields),
			primary:        fieldsJSON(orderFields),
		},
		"primaryType": primary,
		"domain":      e.DomainJSON(),
		"message": map[string]interface{}{
			"propertyToken": o.PropertyToken.Hex(),
			"amount":        o.Amount.String(),
			"pricePerShare": o.PricePerShare.String(),
			"expiry":        o.Expiry.String(),
			"nonce":         o.Nonce.String(),
		},
	}

	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}
