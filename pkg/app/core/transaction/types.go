package transaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/crypto"
)

// OrderPayload is the order as a wallet submits it: the signed struct
// fields plus the side. Maker is optional; the exchange recovers it from
// the signature and rejects a mismatch when it is present.
type OrderPayload struct {
	Side          string `json:"side"`          // "BUY" | "SELL"
	PropertyToken string `json:"propertyToken"` // 0x-prefixed, EIP-55 if mixed case
	Amount        string `json:"amount"`        // BigInt as string
	PricePerShare string `json:"pricePerShare"` // BigInt as string
	Expiry        string `json:"expiry"`        // Unix seconds as string
	Nonce         string `json:"nonce"`         // BigInt as string
	Maker         string `json:"maker,omitempty"`
}

// OrderSubmission is the body of an order submission.
type OrderSubmission struct {
	Order       *OrderPayload `json:"order"`
	Signature   string        `json:"signature"`             // 0x-prefixed 65 bytes
	PrimaryType string        `json:"primaryType,omitempty"` // BuyOrder | SellOrder, must agree with side
}

// CancelSubmission carries the maker's CancelOrder(bytes32) signature.
type CancelSubmission struct {
	Signature string `json:"signature"`
}

// ToOrder parses the payload. Maker is left zero unless provided.
func (p *OrderPayload) ToOrder() (*order.Order, error) {
	side, err := order.ParseSide(p.Side)
	if err != nil {
		return nil, err
	}
	token, err := crypto.ParseAddress(p.PropertyToken)
	if err != nil {
		return nil, err
	}
	o := &order.Order{PropertyToken: token, Side: side}
	if p.Maker != "" {
		if o.Maker, err = crypto.ParseAddress(p.Maker); err != nil {
			return nil, err
		}
	}
	if o.Amount, err = crypto.ParseUint256("amount", p.Amount); err != nil {
		return nil, err
	}
	if o.PricePerShare, err = crypto.ParseUint256("pricePerShare", p.PricePerShare); err != nil {
		return nil, err
	}
	if o.Expiry, err = crypto.ParseUint256("expiry", p.Expiry); err != nil {
		return nil, err
	}
	if o.Nonce, err = crypto.ParseUint256("nonce", p.Nonce); err != nil {
		return nil, err
	}
	if o.Amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", order.ErrInvalidOrderFields)
	}
	if o.PricePerShare.Sign() == 0 {
		return nil, fmt.Errorf("%w: pricePerShare must be positive", order.ErrInvalidOrderFields)
	}
	return o, nil
}

// FromOrder converts an order into its wire payload.
func FromOrder(o *order.Order) *OrderPayload {
	p := &OrderPayload{
		Side:          o.Side.String(),
		PropertyToken: o.PropertyToken.Hex(),
		Amount:        o.Amount.String(),
		PricePerShare: o.PricePerShare.String(),
		Expiry:        o.Expiry.String(),
		Nonce:         o.Nonce.String(),
	}
	if o.Maker != (common.Address{}) {
		p.Maker = o.Maker.Hex()
	}
	return p
}

// Validate performs basic validation on submission structure.
func (s *OrderSubmission) Validate() error {
	if s.Order == nil {
		return fmt.Errorf("%w: missing order payload", order.ErrInvalidOrderFields)
	}
	if s.Signature == "" {
		return fmt.Errorf("%w: missing signature", order.ErrSignatureInvalid)
	}
	if s.PrimaryType != "" && s.PrimaryType != order.TypeBuyOrder && s.PrimaryType != order.TypeSellOrder {
		return fmt.Errorf("%w: %q", order.ErrUnsupportedOrderType, s.PrimaryType)
	}
	for name, v := range map[string]string{
		"side":          s.Order.Side,
		"propertyToken": s.Order.PropertyToken,
		"amount":        s.Order.Amount,
		"pricePerShare": s.Order.PricePerShare,
		"expiry":        s.Order.Expiry,
		"nonce":         s.Order.Nonce,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: missing %s", order.ErrInvalidOrderFields, name)
		}
	}
	return nil
}

// ParseSubmission decodes and structurally validates a submission body.
func ParseSubmission(data []byte) (*OrderSubmission, error) {
	var s OrderSubmission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrInvalidOrderFields, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Example submission:
//   {
//     "order": {
//       "side": "SELL",
//       "propertyToken": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
//       "amount": "30",
//       "pricePerShare": "1000000",
//       "expiry": "1767225600",
//       "nonce": "7"
//     },
//     "signature": "0x1234567890abcdef..."
//   }
