package params

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Node holds process-level settings
type Node struct {
	APIAddr     string
	DBPath      string
	JournalPath string // settlement journal, one line per state change
	LogFile     string
	LogLevel    string
	CORSOrigins []string
}

// Domain is the EIP-712 signing domain orders must be signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

type Matching struct {
	OnInsert      bool          // run a pass for the token after each accepted order
	SweepInterval time.Duration // periodic pass over every token with active orders
}

type Settlement struct {
	Timeout        time.Duration
	Workers        int
	QueueSize      int
	ReconcileEvery time.Duration
}

// Ledger selects the settlement backend. An empty RPCURL selects the
// in-memory devnet ledger.
type Ledger struct {
	RPCURL      string
	OperatorKey string // hex private key of the authorised operator
	AdminKey    string // hex private key of the admin fallback route, optional
}

type MarketData struct {
	TTL       time.Duration
	RedisAddr string // empty selects the in-process cache
}

// Feeder enables the devnet order generator
type Feeder struct {
	Enabled bool
	Mode    string // "default" | "high"
}

type Config struct {
	Node       Node
	Domain     Domain
	Matching   Matching
	Settlement Settlement
	Ledger     Ledger
	MarketData MarketData
	Feeder     Feeder

	// Listings is the raw token:symbol:decimals list (see market.ParseListings)
	Listings        string
	PaymentToken    common.Address // token buyers pay in; required with ETH_RPC_URL
	PaymentDecimals int32
}

func Default() Config {
	return Config{
		Node: Node{
			APIAddr:     ":8080",
			DBPath:      "data/brickdex",
			JournalPath: "data/settlement.log",
			LogFile:     "data/node.log",
			LogLevel:    "info",
			CORSOrigins: []string{"*"},
		},
		Domain: Domain{
			Name:    "Brickdex",
			Version: "1",
			ChainID: big.NewInt(1337), // local devnet
		},
		Matching: Matching{
			OnInsert:      true,
			SweepInterval: time.Second,
		},
		Settlement: Settlement{
			Timeout:        30 * time.Second,
			Workers:        4,
			QueueSize:      1024,
			ReconcileEvery: 15 * time.Second,
		},
		MarketData: MarketData{
			TTL: 2 * time.Second,
		},
		Feeder: Feeder{
			Mode: "default",
		},
		PaymentDecimals: 6, // USDC-style payment token
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.JournalPath = getEnv("JOURNAL_PATH", cfg.Node.JournalPath)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Node.CORSOrigins = splitList(origins)
	}

	cfg.Domain.Name = getEnv("DOMAIN_NAME", cfg.Domain.Name)
	cfg.Domain.Version = getEnv("DOMAIN_VERSION", cfg.Domain.Version)
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if n, ok := new(big.Int).SetString(id, 10); ok && n.Sign() > 0 {
			cfg.Domain.ChainID = n
		}
	}
	if vc := os.Getenv("VERIFYING_CONTRACT"); common.IsHexAddress(vc) {
		cfg.Domain.VerifyingContract = common.HexToAddress(vc)
	}

	cfg.Matching.OnInsert = getBool("MATCH_ON_INSERT", cfg.Matching.OnInsert)
	cfg.Matching.SweepInterval = getMillis("MATCH_SWEEP_MS", cfg.Matching.SweepInterval)

	cfg.Settlement.Timeout = getMillis("SETTLE_TIMEOUT_MS", cfg.Settlement.Timeout)
	cfg.Settlement.Workers = getInt("SETTLE_WORKERS", cfg.Settlement.Workers)
	cfg.Settlement.QueueSize = getInt("SETTLE_QUEUE", cfg.Settlement.QueueSize)
	cfg.Settlement.ReconcileEvery = getMillis("RECONCILE_MS", cfg.Settlement.ReconcileEvery)

	cfg.Ledger.RPCURL = os.Getenv("ETH_RPC_URL")
	cfg.Ledger.OperatorKey = os.Getenv("OPERATOR_KEY")
	cfg.Ledger.AdminKey = os.Getenv("ADMIN_KEY")

	cfg.MarketData.TTL = getMillis("MARKETDATA_TTL_MS", cfg.MarketData.TTL)
	cfg.MarketData.RedisAddr = os.Getenv("REDIS_ADDR")

	cfg.Feeder.Enabled = getBool("ENABLE_TXGEN", cfg.Feeder.Enabled)
	cfg.Feeder.Mode = getEnv("TXGEN_MODE", cfg.Feeder.Mode)

	cfg.Listings = getEnv("LISTINGS", cfg.Listings)
	if pt := os.Getenv("PAYMENT_TOKEN"); common.IsHexAddress(pt) {
		cfg.PaymentToken = common.HexToAddress(pt)
	}
	if dec := os.Getenv("PAYMENT_DECIMALS"); dec != "" {
		if n, err := strconv.ParseInt(dec, 10, 32); err == nil && n >= 0 {
			cfg.PaymentDecimals = int32(n)
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// getMillis reads a millisecond count. Zero is allowed and disables the
// periodic task it configures.
func getMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
