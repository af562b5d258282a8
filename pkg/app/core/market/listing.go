package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ListingStatus defines the trading status of a property token
type ListingStatus int8

const (
	Active   ListingStatus = iota // Trading enabled
	Paused                        // Orders rejected, matching halted
	Delisted                      // Terminal
)

func (s ListingStatus) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Delisted:
		return "Delisted"
	default:
		return "Unknown"
	}
}

func (s ListingStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Listing is one tradable property-share token.
type Listing struct {
	Token    common.Address `json:"propertyToken"`
	Symbol   string         `json:"symbol"`   // e.g. "BRK-12MAIN"
	Decimals int32          `json:"decimals"` // display decimals of the share token
	Status   ListingStatus  `json:"status"`
}

// ParseListings reads a comma-separated list of token:symbol:decimals
// entries. Decimals may be omitted and default to 0 (whole shares).
func ParseListings(list string) ([]*Listing, error) {
	var out []*Listing
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid listing %q: want token:symbol[:decimals]", raw)
		}
		if !common.IsHexAddress(parts[0]) {
			return nil, fmt.Errorf("invalid listing %q: bad token address", raw)
		}
		l := &Listing{Token: common.HexToAddress(parts[0]), Symbol: parts[1], Status: Active}
		if len(parts) == 3 {
			d, err := strconv.ParseInt(parts[2], 10, 32)
			if err != nil || d < 0 || d > 36 {
				return nil, fmt.Errorf("invalid listing %q: bad decimals", raw)
			}
			l.Decimals = int32(d)
		}
		out = append(out, l)
	}
	return out, nil
}
