package order

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Side is the tagged order variant. The value is part of the signed type
// name (BuyOrder / SellOrder) and of the stored record.
type Side uint8

const (
	Buy  Side = 1
	Sell Side = 2
)

// EIP-712 primary type names for each side.
const (
	TypeBuyOrder  = "BuyOrder"
	TypeSellOrder = "SellOrder"
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// TypeName returns the EIP-712 primary type the side is signed under.
func (s Side) TypeName() string {
	switch s {
	case Buy:
		return TypeBuyOrder
	case Sell:
		return TypeSellOrder
	default:
		return ""
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: side %q", ErrInvalidOrderFields, v)
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	side, err := ParseSide(v)
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// Status is the lifecycle state of a signed order.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

func (s Status) Terminal() bool { return s != StatusActive }

func ParseStatus(v string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(v))); st {
	case StatusActive, StatusFilled, StatusCancelled, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrInvalidOrderFields, v)
	}
}

// Order is the signed economic intent. Amount is the quantity at signing
// time; it is never mutated, fills only touch SignedOrder.Remaining.
// All quantities are unsigned 256-bit integers in base units.
type Order struct {
	Maker         common.Address `json:"maker"`
	PropertyToken common.Address `json:"propertyToken"`
	Amount        *big.Int       `json:"amount"`
	PricePerShare *big.Int       `json:"pricePerShare"`
	Expiry        *big.Int       `json:"expiry"` // unix seconds, exclusive
	Nonce         *big.Int       `json:"nonce"`
	Side          Side           `json:"side"`
}

// Expired reports whether the order is no longer valid at now.
func (o *Order) Expired(now time.Time) bool {
	if o.Expiry == nil {
		return true
	}
	if !o.Expiry.IsInt64() {
		return o.Expiry.Sign() < 0
	}
	return now.Unix() >= o.Expiry.Int64()
}

// Copy returns a deep copy.
func (o *Order) Copy() *Order {
	cp := *o
	cp.Amount = copyInt(o.Amount)
	cp.PricePerShare = copyInt(o.PricePerShare)
	cp.Expiry = copyInt(o.Expiry)
	cp.Nonce = copyInt(o.Nonce)
	return &cp
}

// SignedOrder is the stored record. Hash is the primary key and never
// changes across partial fills.
type SignedOrder struct {
	Order     Order         `json:"order"`
	Signature hexutil.Bytes `json:"signature"`
	Hash      common.Hash   `json:"orderHash"`
	Remaining *big.Int      `json:"remainingAmount"`
	Status    Status        `json:"status"`
	InFlight  int           `json:"inFlight"` // PENDING trades claiming this order
	Seq       uint64        `json:"seq"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// EffectiveStatus applies lazy expiry.
func (so *SignedOrder) EffectiveStatus(now time.Time) Status {
	if so.Status == StatusActive && so.Order.Expired(now) {
		return StatusExpired
	}
	return so.Status
}

func (so *SignedOrder) Copy() *SignedOrder {
	cp := *so
	cp.Order = *so.Order.Copy()
	cp.Signature = append(hexutil.Bytes(nil), so.Signature...)
	cp.Remaining = copyInt(so.Remaining)
	return &cp
}

// Filled returns how much of the original amount has been claimed by trades.
func (so *SignedOrder) Filled() *big.Int {
	return new(big.Int).Sub(so.Order.Amount, so.Remaining)
}

// TradeStatus is the settlement state of a trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeConfirmed TradeStatus = "CONFIRMED"
	TradeFailed    TradeStatus = "FAILED"
)

// Settlement routes recorded on a trade.
const (
	RouteLedger = "ledger"
	RouteAdmin  = "admin"
)

// Trade is one bid/ask match. The matching engine creates it PENDING; only
// the settlement adapter moves it on and writes the on-chain fields.
type Trade struct {
	ID            string         `json:"id"`
	BuyOrderHash  common.Hash    `json:"buyOrderHash"`
	SellOrderHash common.Hash    `json:"sellOrderHash"`
	PropertyToken common.Address `json:"propertyToken"`
	Buyer         common.Address `json:"buyer"`
	Seller        common.Address `json:"seller"`
	Amount        *big.Int       `json:"tradeAmount"`
	PricePerShare *big.Int       `json:"pricePerShare"`
	TotalValue    *big.Int       `json:"totalValue"`
	Status        TradeStatus    `json:"status"`
	Submitted     bool           `json:"submitted"`
	Route         string         `json:"route,omitempty"`
	TxHash        *common.Hash   `json:"txHash,omitempty"`        // share leg, seller to buyer
	PaymentTxHash *common.Hash   `json:"paymentTxHash,omitempty"` // payment leg, buyer to seller
	BlockNumber   *uint64        `json:"blockNumber,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	SettledAt     *time.Time     `json:"settledAt,omitempty"`
}

// NewTrade builds a PENDING trade between a buy and a sell order.
func NewTrade(id string, buy, sell *SignedOrder, amount, price *big.Int, at time.Time) *Trade {
	return &Trade{
		ID:            id,
		BuyOrderHash:  buy.Hash,
		SellOrderHash: sell.Hash,
		PropertyToken: buy.Order.PropertyToken,
		Buyer:         buy.Order.Maker,
		Seller:        sell.Order.Maker,
		Amount:        copyInt(amount),
		PricePerShare: copyInt(price),
		TotalValue:    new(big.Int).Mul(amount, price),
		Status:        TradePending,
		CreatedAt:     at,
	}
}

func (t *Trade) Copy() *Trade {
	cp := *t
	cp.Amount = copyInt(t.Amount)
	cp.PricePerShare = copyInt(t.PricePerShare)
	cp.TotalValue = copyInt(t.TotalValue)
	if t.TxHash != nil {
		h := *t.TxHash
		cp.TxHash = &h
	}
	if t.PaymentTxHash != nil {
		h := *t.PaymentTxHash
		cp.PaymentTxHash = &h
	}
	if t.BlockNumber != nil {
		n := *t.BlockNumber
		cp.BlockNumber = &n
	}
	if t.SettledAt != nil {
		at := *t.SettledAt
		cp.SettledAt = &at
	}
	return &cp
}

func copyInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
