package feeder

import (
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/crypto"
)

// Generator creates signed orders from a fixed set of simulated makers
type Generator struct {
	signers []*crypto.Signer // Keypairs for simulated traders
	tokens  []common.Address // Listed property tokens
	eip712  *crypto.EIP712Signer
	prices  PriceBand
	ttl     time.Duration
	now     func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	nonces map[common.Address]int64 // Track nonces per address
}

// PriceBand bounds generated prices and amounts, in base units.
type PriceBand struct {
	Mid       int64 // centre price per share
	Spread    int64 // prices fall in [Mid-Spread, Mid+Spread]
	MaxAmount int64 // amounts fall in [1, MaxAmount]
}

// NewGenerator creates numAccounts fresh keys. seed 0 seeds from the clock.
func NewGenerator(numAccounts int, tokens []common.Address, domain crypto.Domain, prices PriceBand, ttl time.Duration, seed int64) (*Generator, error) {
	if numAccounts < 1 || len(tokens) == 0 {
		return nil, fmt.Errorf("feeder needs at least one account and one token")
	}
	if prices.Mid <= prices.Spread || prices.MaxAmount < 1 {
		return nil, fmt.Errorf("price band must keep prices and amounts positive")
	}
	signers := make([]*crypto.Signer, numAccounts)
	for i := range signers {
		signer, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		signers[i] = signer
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		signers: signers,
		tokens:  tokens,
		eip712:  crypto.NewEIP712Signer(domain),
		prices:  prices,
		ttl:     ttl,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(seed)),
		nonces:  make(map[common.Address]int64),
	}, nil
}

// GenerateOrder signs a random order for a random maker and token
func (g *Generator) GenerateOrder() (*transaction.OrderSubmission, error) {
	g.mu.Lock()
	signer := g.signers[g.rng.Intn(len(g.signers))]
	token := g.tokens[g.rng.Intn(len(g.tokens))]

	// Random side: 50% BUY, 50% SELL
	side := order.Buy
	if g.rng.Intn(2) == 1 {
		side = order.Sell
	}
	price := g.prices.Mid - g.prices.Spread + g.rng.Int63n(2*g.prices.Spread+1)
	amount := g.rng.Int63n(g.prices.MaxAmount) + 1

	g.nonces[signer.Address()]++
	nonce := g.nonces[signer.Address()]
	g.mu.Unlock()

	o := &order.Order{
		Maker:         signer.Address(),
		PropertyToken: token,
		Amount:        big.NewInt(amount),
		PricePerShare: big.NewInt(price),
		Expiry:        big.NewInt(g.now().Add(g.ttl).Unix()),
		Nonce:         big.NewInt(nonce),
		Side:          side,
	}
	sig, err := g.eip712.Sign(o, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	return &transaction.OrderSubmission{
		Order:       transaction.FromOrder(o),
		Signature:   hexutil.Encode(sig),
		PrimaryType: side.TypeName(),
	}, nil
}

// GenerateBatch returns n signed orders
func (g *Generator) GenerateBatch(n int) ([]*transaction.OrderSubmission, error) {
	batch := make([]*transaction.OrderSubmission, 0, n)
	for i := 0; i < n; i++ {
		sub, err := g.GenerateOrder()
		if err != nil {
			return batch, err
		}
		batch = append(batch, sub)
	}
	return batch, nil
}

// Makers returns the simulated maker addresses
func (g *Generator) Makers() []common.Address {
	out := make([]common.Address, len(g.signers))
	for i, s := range g.signers {
		out[i] = s.Address()
	}
	return out
}

// Tokens returns the tokens orders are generated for
func (g *Generator) Tokens() []common.Address { return g.tokens }

// Nonce returns the last nonce used by maker
func (g *Generator) Nonce(maker common.Address) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonces[maker]
}
