package matching

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type tokenLock struct {
	mu   sync.Mutex
	refs int // holders plus waiters
}

// TokenLocks hands out one mutex per property token. Matching passes,
// cancels and settlement transitions for a token hold its lock. A token's
// entry is dropped once nobody holds or waits for it.
type TokenLocks struct {
	mu    sync.Mutex
	locks map[common.Address]*tokenLock
}

func NewTokenLocks() *TokenLocks {
	return &TokenLocks{locks: make(map[common.Address]*tokenLock)}
}

// Lock acquires the token's mutex and returns its unlock function.
func (l *TokenLocks) Lock(token common.Address) func() {
	l.mu.Lock()
	e, ok := l.locks[token]
	if !ok {
		e = &tokenLock{}
		l.locks[token] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, token)
		}
		l.mu.Unlock()
	}
}

// Len is the number of tokens currently locked or awaited.
func (l *TokenLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
