// Package ledger is the on-chain collaborator settlement hands trades to.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrRejected: the ledger definitively refused the transfer.
	ErrRejected = errors.New("transfer rejected")
	// ErrInsufficientBalance: the sender cannot cover the transfer.
	ErrInsufficientBalance = errors.New("insufficient token balance")
	// ErrNotAuthorized: the operator may not move the sender's tokens.
	ErrNotAuthorized = errors.New("operator not authorized")
	// ErrPending: the transaction is known but not yet mined.
	ErrPending = errors.New("transaction pending")
)

// Receipt is the mined outcome of a transfer.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
}

// Ledger moves property-share tokens. TransferTokens must be idempotent per
// key: a repeated call with the same key returns the original tx hash.
type Ledger interface {
	TransferTokens(ctx context.Context, from, to, token common.Address, amount *big.Int, key common.Hash) (common.Hash, error)
	GetTokenBalance(ctx context.Context, account, token common.Address) (*big.Int, error)
	GetAssociatedTokens(ctx context.Context, account common.Address) ([]common.Address, error)
	Receipt(ctx context.Context, tx common.Hash) (*Receipt, error)
}

// IsDefinitive reports whether err is a final refusal, as opposed to a
// transport failure whose outcome is unknown.
func IsDefinitive(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNotAuthorized)
}
