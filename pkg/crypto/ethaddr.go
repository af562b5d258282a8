// file: pkg/crypto/ethaddr.go
package crypto

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

// ParseAddress parses a 0x-prefixed 20-byte hex address. All-lower and
// all-upper inputs are accepted as is; mixed case must carry a valid
// EIP-55 checksum.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2+2*common.AddressLength || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: malformed address %q", order.ErrInvalidOrderFields, s)
	}
	addr := common.HexToAddress(s)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex()[2:] != body {
		return common.Address{}, fmt.Errorf("%w: bad checksum for address %q", order.ErrInvalidOrderFields, s)
	}
	return addr, nil
}
