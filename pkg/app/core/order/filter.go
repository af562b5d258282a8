package order

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Filter selects orders for the query interface. Nil fields match anything.
type Filter struct {
	PropertyToken *common.Address
	Side          *Side
	Maker         *common.Address
	Status        *Status
	MinPrice      *big.Int
	MaxPrice      *big.Int
	Limit         int
	Offset        int
}

// Normalize applies defaults and rejects out-of-range paging.
// A zero Limit means "use the default".
func (f *Filter) Normalize() error {
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit < 1 || f.Limit > MaxLimit {
		return fmt.Errorf("%w: limit must be within 1..%d", ErrInvalidOrderFields, MaxLimit)
	}
	if f.Offset < 0 {
		return fmt.Errorf("%w: offset must be >= 0", ErrInvalidOrderFields)
	}
	if f.MinPrice != nil && f.MaxPrice != nil && f.MinPrice.Cmp(f.MaxPrice) > 0 {
		return fmt.Errorf("%w: minPrice exceeds maxPrice", ErrInvalidOrderFields)
	}
	return nil
}

// Match reports whether so passes every set predicate. status is the
// effective (lazily expired) status of so.
func (f *Filter) Match(so *SignedOrder, status Status) bool {
	o := &so.Order
	if f.PropertyToken != nil && o.PropertyToken != *f.PropertyToken {
		return false
	}
	if f.Side != nil && o.Side != *f.Side {
		return false
	}
	if f.Maker != nil && o.Maker != *f.Maker {
		return false
	}
	if f.Status != nil && status != *f.Status {
		return false
	}
	if f.MinPrice != nil && o.PricePerShare.Cmp(f.MinPrice) < 0 {
		return false
	}
	if f.MaxPrice != nil && o.PricePerShare.Cmp(f.MaxPrice) > 0 {
		return false
	}
	return true
}
