package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type memTx struct {
	receipt Receipt
	mined   bool
}

// Memory is an in-process ledger for tests and devnets. Transfers are
// mined immediately unless manual mining is enabled.
type Memory struct {
	mu sync.Mutex

	balances map[common.Address]map[common.Address]*big.Int // token -> account -> balance
	denied   map[common.Address]bool                        // accounts the operator may not move
	byKey    map[common.Hash]common.Hash
	txs      map[common.Hash]*memTx

	manual    bool
	block     uint64
	failNext  []error
	revertNxt int
	calls     int
	transfers int
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[common.Address]map[common.Address]*big.Int),
		denied:   make(map[common.Address]bool),
		byKey:    make(map[common.Hash]common.Hash),
		txs:      make(map[common.Hash]*memTx),
	}
}

// Mint credits amount of token to account.
func (m *Memory) Mint(token, account common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balanceLocked(token, account)
	bal.Add(bal, amount)
}

func (m *Memory) balanceLocked(token, account common.Address) *big.Int {
	byAcct, ok := m.balances[token]
	if !ok {
		byAcct = make(map[common.Address]*big.Int)
		m.balances[token] = byAcct
	}
	bal, ok := byAcct[account]
	if !ok {
		bal = new(big.Int)
		byAcct[account] = bal
	}
	return bal
}

// Deny makes transfers out of account fail with ErrNotAuthorized.
func (m *Memory) Deny(account common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[account] = true
}

// FailNext queues errors returned by the next TransferTokens calls. A nil
// entry lets its call through.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// RevertNext makes the next n transfers mine with a failed receipt.
func (m *Memory) RevertNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revertNxt += n
}

// SetManualMining holds transfers pending until Mine is called.
func (m *Memory) SetManualMining(manual bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = manual
}

// Mine includes every pending transfer in a new block.
func (m *Memory) Mine() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block++
	for _, tx := range m.txs {
		if !tx.mined {
			tx.mined = true
			tx.receipt.BlockNumber = m.block
		}
	}
	return m.block
}

// Calls is the number of TransferTokens invocations, including replays.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Transfers is the number of distinct transfers accepted.
func (m *Memory) Transfers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers
}

func (m *Memory) TransferTokens(ctx context.Context, from, to, token common.Address, amount *big.Int, key common.Hash) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if tx, ok := m.byKey[key]; ok {
		return tx, nil
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	if m.denied[from] {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrNotAuthorized, from.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: non-positive amount", ErrRejected)
	}
	src := m.balanceLocked(token, from)
	if src.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), src, amount)
	}

	m.transfers++
	txHash := crypto.Keccak256Hash(key.Bytes(), big.NewInt(int64(m.transfers)).Bytes())
	rec := &memTx{receipt: Receipt{TxHash: txHash, Success: true}}
	if m.revertNxt > 0 {
		m.revertNxt--
		rec.receipt.Success = false
	} else {
		src.Sub(src, amount)
		dst := m.balanceLocked(token, to)
		dst.Add(dst, amount)
	}
	if !m.manual {
		m.block++
		rec.mined = true
		rec.receipt.BlockNumber = m.block
	}
	m.txs[txHash] = rec
	m.byKey[key] = txHash
	return txHash, nil
}

func (m *Memory) GetTokenBalance(ctx context.Context, account, token common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceLocked(token, account)), nil
}

func (m *Memory) GetAssociatedTokens(ctx context.Context, account common.Address) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []common.Address
	for token, byAcct := range m.balances {
		if bal, ok := byAcct[account]; ok && bal.Sign() > 0 {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}

func (m *Memory) Receipt(ctx context.Context, tx common.Hash) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txs[tx]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", tx.Hex())
	}
	if !rec.mined {
		return nil, ErrPending
	}
	r := rec.receipt
	return &r, nil
}

var _ Ledger = (*Memory)(nil)
