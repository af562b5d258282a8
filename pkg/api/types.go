package api

// API request/response types for REST endpoints and WebSocket messages.
// Quantities travel as base-unit integer strings; the display fields carry
// the same values scaled by the listing's decimals.

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/brickdex/pkg/app/core/market"
	"github.com/uhyunpark/brickdex/pkg/app/core/marketdata"
	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/orderbook"
)

// ==============================
// REST Response Types
// ==============================

// MarketInfo describes one listed property token
type MarketInfo struct {
	PropertyToken string `json:"propertyToken"`
	Symbol        string `json:"symbol"`   // e.g. "BRK-12MAIN"
	Decimals      int32  `json:"decimals"` // share token display decimals
	Status        string `json:"status"`   // "Active", "Paused", "Delisted"
}

// OrderInfo is a stored order
type OrderInfo struct {
	OrderHash       string `json:"orderHash"`
	Maker           string `json:"maker"`
	PropertyToken   string `json:"propertyToken"`
	Side            string `json:"side"` // "BUY" | "SELL"
	Amount          string `json:"amount"`
	RemainingAmount string `json:"remainingAmount"`
	PricePerShare   string `json:"pricePerShare"`
	Expiry          string `json:"expiry"`
	Nonce           string `json:"nonce"`
	Signature       string `json:"signature"`
	Status          string `json:"status"`
	CreatedAt       int64  `json:"createdAt"` // Unix milliseconds
	UpdatedAt       int64  `json:"updatedAt"`

	Display Display `json:"display"`
}

// Display holds human-readable decimal renderings
type Display struct {
	Amount    string `json:"amount,omitempty"`
	Remaining string `json:"remaining,omitempty"`
	Price     string `json:"price,omitempty"`
	Total     string `json:"total,omitempty"`
}

// OrderList is one page of an order query
type OrderList struct {
	Orders []OrderInfo `json:"orders"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// TradeInfo is one trade and its settlement state
type TradeInfo struct {
	ID            string `json:"id"`
	BuyOrderHash  string `json:"buyOrderHash"`
	SellOrderHash string `json:"sellOrderHash"`
	PropertyToken string `json:"propertyToken"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	TradeAmount   string `json:"tradeAmount"`
	PricePerShare string `json:"pricePerShare"`
	TotalValue    string `json:"totalValue"`
	Status        string `json:"status"` // PENDING | CONFIRMED | FAILED
	TxHash        string `json:"txHash,omitempty"`
	PaymentTxHash string `json:"paymentTxHash,omitempty"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	SettledAt     int64  `json:"settledAt,omitempty"`

	Display Display `json:"display"`
}

// MarketDataInfo is the per-token rollup. Missing prices are null.
type MarketDataInfo struct {
	PropertyToken   string  `json:"propertyToken"`
	Symbol          string  `json:"symbol"`
	LastPrice       *string `json:"lastPrice"`
	Volume24h       string  `json:"volume24h"`
	PriceChange24h  string  `json:"priceChange24h"`
	Trades24h       int     `json:"trades24h"`
	HighestBid      *string `json:"highestBid"`
	LowestAsk       *string `json:"lowestAsk"`
	TotalBuyVolume  string  `json:"totalBuyVolume"`
	TotalSellVolume string  `json:"totalSellVolume"`
	UpdatedAt       int64   `json:"updatedAt"`
}

// PriceLevel is one aggregated book level
type PriceLevel struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Orders int    `json:"orders"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	PropertyToken string       `json:"propertyToken"`
	Bids          []PriceLevel `json:"bids"` // Sorted high to low
	Asks          []PriceLevel `json:"asks"` // Sorted low to high
	Timestamp     int64        `json:"timestamp"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every pushed message
type WSMessage struct {
	Type    string      `json:"type"`    // "order", "trade", "market"
	Channel string      `json:"channel"` // e.g. "trades:0x..."
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:0x...", "orders:0x...", "market:0x..."]
}

// ==============================
// REST Request/Response Types
// ==============================

// Order submissions and cancels use the signed payloads in
// pkg/app/core/transaction (OrderSubmission, CancelSubmission).

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// Conversions
// ==============================

// scale renders base units as a decimal with the given number of decimals.
func scale(x *big.Int, decimals int32) string {
	if x == nil {
		return ""
	}
	return decimal.NewFromBigInt(x, -decimals).String()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func optString(x *big.Int) *string {
	if x == nil {
		return nil
	}
	s := x.String()
	return &s
}

func marketInfo(l *market.Listing) MarketInfo {
	return MarketInfo{
		PropertyToken: l.Token.Hex(),
		Symbol:        l.Symbol,
		Decimals:      l.Decimals,
		Status:        l.Status.String(),
	}
}

func (s *Server) orderInfo(so *order.SignedOrder) OrderInfo {
	o := &so.Order
	shareDec := s.shareDecimals(o.PropertyToken)
	return OrderInfo{
		OrderHash:       so.Hash.Hex(),
		Maker:           o.Maker.Hex(),
		PropertyToken:   o.PropertyToken.Hex(),
		Side:            o.Side.String(),
		Amount:          o.Amount.String(),
		RemainingAmount: so.Remaining.String(),
		PricePerShare:   o.PricePerShare.String(),
		Expiry:          o.Expiry.String(),
		Nonce:           o.Nonce.String(),
		Signature:       so.Signature.String(),
		Status:          string(so.EffectiveStatus(s.now())),
		CreatedAt:       millis(so.CreatedAt),
		UpdatedAt:       millis(so.UpdatedAt),
		Display: Display{
			Amount:    scale(o.Amount, shareDec),
			Remaining: scale(so.Remaining, shareDec),
			Price:     scale(o.PricePerShare, s.cfg.PaymentDecimals),
		},
	}
}

func (s *Server) tradeInfo(t *order.Trade) TradeInfo {
	shareDec := s.shareDecimals(t.PropertyToken)
	info := TradeInfo{
		ID:            t.ID,
		BuyOrderHash:  t.BuyOrderHash.Hex(),
		SellOrderHash: t.SellOrderHash.Hex(),
		PropertyToken: t.PropertyToken.Hex(),
		Buyer:         t.Buyer.Hex(),
		Seller:        t.Seller.Hex(),
		TradeAmount:   t.Amount.String(),
		PricePerShare: t.PricePerShare.String(),
		TotalValue:    t.TotalValue.String(),
		Status:        string(t.Status),
		FailureReason: t.FailureReason,
		CreatedAt:     millis(t.CreatedAt),
		Display: Display{
			Amount: scale(t.Amount, shareDec),
			Price:  scale(t.PricePerShare, s.cfg.PaymentDecimals),
			// total is shares * price in base units of both
			Total: scale(t.TotalValue, shareDec+s.cfg.PaymentDecimals),
		},
	}
	if t.TxHash != nil {
		info.TxHash = t.TxHash.Hex()
	}
	if t.PaymentTxHash != nil {
		info.PaymentTxHash = t.PaymentTxHash.Hex()
	}
	if t.BlockNumber != nil {
		info.BlockNumber = *t.BlockNumber
	}
	if t.SettledAt != nil {
		info.SettledAt = millis(*t.SettledAt)
	}
	return info
}

func marketDataInfo(l *market.Listing, md *marketdata.MarketData) MarketDataInfo {
	return MarketDataInfo{
		PropertyToken:   md.PropertyToken.Hex(),
		Symbol:          l.Symbol,
		LastPrice:       optString(md.LastPrice),
		Volume24h:       md.Volume24h.String(),
		PriceChange24h:  md.PriceChange24h.String(),
		Trades24h:       md.Trades24h,
		HighestBid:      optString(md.HighestBid),
		LowestAsk:       optString(md.LowestAsk),
		TotalBuyVolume:  md.TotalBuyVolume.String(),
		TotalSellVolume: md.TotalSellVolume.String(),
		UpdatedAt:       millis(md.UpdatedAt),
	}
}

func priceLevels(levels []orderbook.Level) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.String(), Amount: l.Amount.String(), Orders: l.Orders}
	}
	return out
}
