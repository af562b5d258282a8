package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20ABI covers the calls settlement needs from a property-share token.
const erc20ABI = `[
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable",
	 "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// Backend is the subset of ethclient.Client the ledger uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthLedger settles through ERC-20 transferFrom calls sent by an operator
// account that sellers have approved.
type EthLedger struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	operator common.Address
	chainID  *big.Int
	erc20    abi.ABI
	tokens   []common.Address

	mu   sync.Mutex // serialises nonce use and the idempotency map
	sent map[common.Hash]*sentTx
}

// sentTx is a signed transfer kept for its idempotency key. Until the node
// has accepted it, a retry resends the same bytes.
type sentTx struct {
	tx       *types.Transaction
	accepted bool
}

// DialEthLedger connects to an RPC endpoint.
func DialEthLedger(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, tokens []common.Address) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	return NewEthLedger(client, chainID, key, tokens)
}

func NewEthLedger(backend Backend, chainID *big.Int, key *ecdsa.PrivateKey, tokens []common.Address) (*EthLedger, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	return &EthLedger{
		backend:  backend,
		key:      key,
		operator: crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		erc20:    parsed,
		tokens:   tokens,
		sent:     make(map[common.Hash]*sentTx),
	}, nil
}

func (l *EthLedger) Operator() common.Address { return l.operator }

// classify maps a node error reported by gas estimation or by a send.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "exceeds block gas limit"):
		// the node refused the transaction itself
		return fmt.Errorf("%w: %v", ErrRejected, err)
	case strings.Contains(msg, "allowance"):
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	case strings.Contains(msg, "balance"):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	default:
		return err
	}
}

func (l *EthLedger) TransferTokens(ctx context.Context, from, to, token common.Address, amount *big.Int, key common.Hash) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.sent[key]; ok {
		if s.accepted {
			return s.tx.Hash(), nil
		}
		return l.broadcast(ctx, key, s)
	}

	data, err := l.erc20.Pack("transferFrom", from, to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	msg := ethereum.CallMsg{From: l.operator, To: &token, Data: data}
	gas, err := l.backend.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, classify(err)
	}
	nonce, err := l.backend.PendingNonceAt(ctx, l.operator)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Value:    big.NewInt(0),
		Gas:      gas * 12 / 10,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign tx: %w", err)
	}
	// Keep the signed tx before sending: a send that times out may still
	// land, so a retry must resend these exact bytes rather than sign anew.
	s := &sentTx{tx: signed}
	l.sent[key] = s
	return l.broadcast(ctx, key, s)
}

// broadcast sends s.tx. The cached tx is dropped only when the node proves
// it can never be mined, so the next call signs a fresh one.
func (l *EthLedger) broadcast(ctx context.Context, key common.Hash, s *sentTx) (common.Hash, error) {
	hash := s.tx.Hash()
	err := l.backend.SendTransaction(ctx, s.tx)
	if err == nil || isKnownTx(err) {
		s.accepted = true
		return hash, nil
	}

	if strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
		// The nonce is spent, by this tx or another one.
		_, rerr := l.backend.TransactionReceipt(ctx, hash)
		switch {
		case rerr == nil:
			s.accepted = true
			return hash, nil
		case errors.Is(rerr, ethereum.NotFound):
			delete(l.sent, key)
		}
		return common.Hash{}, fmt.Errorf("failed to send tx %s: %w", hash.Hex(), err)
	}

	if cerr := classify(err); IsDefinitive(cerr) {
		delete(l.sent, key)
		return common.Hash{}, fmt.Errorf("failed to send tx %s: %w", hash.Hex(), cerr)
	}
	return common.Hash{}, fmt.Errorf("failed to send tx %s: %w", hash.Hex(), err)
}

// isKnownTx reports whether the node already holds the transaction.
func isKnownTx(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func (l *EthLedger) GetTokenBalance(ctx context.Context, account, token common.Address) (*big.Int, error) {
	data, err := l.erc20.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	vals, err := l.erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode balanceOf: %w", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", vals[0])
	}
	return bal, nil
}

// GetAssociatedTokens checks every listed token and returns those account holds.
func (l *EthLedger) GetAssociatedTokens(ctx context.Context, account common.Address) ([]common.Address, error) {
	var out []common.Address
	for _, token := range l.tokens {
		bal, err := l.GetTokenBalance(ctx, account, token)
		if err != nil {
			return nil, err
		}
		if bal.Sign() > 0 {
			out = append(out, token)
		}
	}
	return out, nil
}

func (l *EthLedger) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	r, err := l.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return &Receipt{
		TxHash:      txHash,
		BlockNumber: r.BlockNumber.Uint64(),
		Success:     r.Status == types.ReceiptStatusSuccessful,
	}, nil
}

var _ Ledger = (*EthLedger)(nil)
