// Package marketdata derives per-token market statistics from confirmed
// trades and the live order book. Nothing here is authoritative; every
// value can be rebuilt from the store.
package marketdata

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

const Window = 24 * time.Hour

// MarketData is the rollup for one property token. Prices are payment
// base units, volumes are share base units. LastPrice, HighestBid and
// LowestAsk are nil when there is nothing to report.
type MarketData struct {
	PropertyToken   common.Address `json:"propertyToken"`
	LastPrice       *big.Int       `json:"lastPrice"`
	Volume24h       *big.Int       `json:"volume24h"`
	PriceChange24h  *big.Int       `json:"priceChange24h"`
	Trades24h       int            `json:"trades24h"`
	HighestBid      *big.Int       `json:"highestBid"`
	LowestAsk       *big.Int       `json:"lowestAsk"`
	TotalBuyVolume  *big.Int       `json:"totalBuyVolume"`
	TotalSellVolume *big.Int       `json:"totalSellVolume"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Source is the read side of the order store the rollup needs.
type Source interface {
	ActiveOrders(token common.Address) ([]*order.SignedOrder, error)
	TradesSince(token common.Address, since time.Time) ([]*order.Trade, error)
	LastConfirmedTrade(token common.Address, before time.Time) (*order.Trade, error)
}

// Compute rebuilds the rollup for token as of now.
//
// priceChange24h is lastPrice minus the reference price, where the
// reference is the last confirmed trade before the window opened, or the
// first confirmed trade inside it when the token had none before.
func Compute(src Source, token common.Address, now time.Time) (*MarketData, error) {
	md := &MarketData{
		PropertyToken:   token,
		Volume24h:       new(big.Int),
		PriceChange24h:  new(big.Int),
		TotalBuyVolume:  new(big.Int),
		TotalSellVolume: new(big.Int),
		UpdatedAt:       now,
	}

	last, err := src.LastConfirmedTrade(token, now.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("failed to load last trade: %w", err)
	}
	if last != nil {
		md.LastPrice = new(big.Int).Set(last.PricePerShare)
	}

	windowStart := now.Add(-Window)
	trades, err := src.TradesSince(token, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	var first *order.Trade
	for _, t := range trades {
		if t.Status != order.TradeConfirmed || t.CreatedAt.After(now) {
			continue
		}
		if first == nil {
			first = t
		}
		md.Volume24h.Add(md.Volume24h, t.Amount)
		md.Trades24h++
	}

	ref, err := src.LastConfirmedTrade(token, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference trade: %w", err)
	}
	if ref == nil {
		ref = first
	}
	if last != nil && ref != nil {
		md.PriceChange24h.Sub(last.PricePerShare, ref.PricePerShare)
	}

	active, err := src.ActiveOrders(token)
	if err != nil {
		return nil, fmt.Errorf("failed to load active orders: %w", err)
	}
	for _, so := range active {
		price := so.Order.PricePerShare
		switch so.Order.Side {
		case order.Buy:
			md.TotalBuyVolume.Add(md.TotalBuyVolume, so.Remaining)
			if md.HighestBid == nil || price.Cmp(md.HighestBid) > 0 {
				md.HighestBid = new(big.Int).Set(price)
			}
		case order.Sell:
			md.TotalSellVolume.Add(md.TotalSellVolume, so.Remaining)
			if md.LowestAsk == nil || price.Cmp(md.LowestAsk) < 0 {
				md.LowestAsk = new(big.Int).Set(price)
			}
		}
	}
	return md, nil
}
