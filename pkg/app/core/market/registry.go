package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

// Registry manages property-token listings in a thread-safe manner.
type Registry struct {
	mu       sync.RWMutex
	listings map[common.Address]*Listing
}

func NewRegistry() *Registry {
	return &Registry{
		listings: make(map[common.Address]*Listing),
	}
}

// Register adds a new listing.
// Returns error if the token is already listed.
func (r *Registry) Register(l *Listing) error {
	if l == nil {
		return fmt.Errorf("cannot register nil listing")
	}
	if l.Token == (common.Address{}) {
		return fmt.Errorf("cannot register zero token address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.listings[l.Token]; exists {
		return fmt.Errorf("token %s already listed", l.Token.Hex())
	}
	cp := *l
	r.listings[l.Token] = &cp
	return nil
}

// Get returns a copy of the listing for token.
func (r *Registry) Get(token common.Address) (*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, exists := r.listings[token]
	if !exists {
		return nil, fmt.Errorf("%w: token %s not listed", order.ErrUnknownToken, token.Hex())
	}
	cp := *l
	return &cp, nil
}

// List returns all listings sorted by symbol.
func (r *Registry) List() []*Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Listing, 0, len(r.listings))
	for _, l := range r.listings {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Tradable reports whether new orders and matching are allowed for token.
func (r *Registry) Tradable(token common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[token]
	return ok && l.Status == Active
}

// CheckTradable returns ErrUnknownToken unless token is listed and Active.
func (r *Registry) CheckTradable(token common.Address) error {
	l, err := r.Get(token)
	if err != nil {
		return err
	}
	if l.Status != Active {
		return fmt.Errorf("%w: token %s is %s", order.ErrUnknownToken, token.Hex(), l.Status)
	}
	return nil
}

// UpdateStatus changes the trading status of a listing.
func (r *Registry) UpdateStatus(token common.Address, status ListingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, exists := r.listings[token]
	if !exists {
		return fmt.Errorf("%w: token %s not listed", order.ErrUnknownToken, token.Hex())
	}
	// Delisted is terminal
	if l.Status == Delisted {
		return fmt.Errorf("cannot change status of delisted token %s", token.Hex())
	}
	l.Status = status
	return nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listings)
}
