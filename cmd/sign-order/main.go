package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/crypto"
)

const defaultTTL = 24 * time.Hour

func main() {
	NewCLI().Run()
}

// CLI signs orders and cancels offline for submission to the API.
type CLI struct {
	root *cobra.Command
	now  func() time.Time
}

func NewCLI() *CLI {
	cli := &CLI{now: time.Now}
	cli.root = &cobra.Command{
		Use:           "sign-order",
		Short:         "Sign Brickdex orders and cancels with EIP-712",
		SilenceUsage:  true,
		SilenceErrors: true, // printed by Run
	}
	pf := cli.root.PersistentFlags()
	pf.Int64("chain-id", 1337, "EIP-712 domain chainId")
	pf.String("domain-name", "Brickdex", "EIP-712 domain name")
	pf.String("domain-version", "1", "EIP-712 domain version")
	pf.String("verifying-contract", "", "EIP-712 domain verifyingContract (zero address if empty)")

	cli.root.AddCommand(cli.keygenCmd(), cli.signCmd(), cli.hashCmd(), cli.cancelCmd())
	return cli
}

// Run executes the CLI and exits non-zero on error.
func (cli *CLI) Run() {
	if err := cli.root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (cli *CLI) keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new maker key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{
				"address":    signer.Address().Hex(),
				"privateKey": signer.PrivateKeyHex(),
			})
		},
	}
}

func (cli *CLI) signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an order and print the submission body for POST /api/v1/orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := signerFromFlags(cmd)
			if err != nil {
				return err
			}
			o, err := cli.orderFromFlags(cmd)
			if err != nil {
				return err
			}
			o.Maker = signer.Address()

			eip, err := eip712FromFlags(cmd)
			if err != nil {
				return err
			}
			sig, err := eip.Sign(o, signer)
			if err != nil {
				return err
			}
			hash, err := crypto.HashOrder(o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "order hash: %s\n", hash.Hex())
			return printJSON(cmd, transaction.OrderSubmission{
				Order:       transaction.FromOrder(o),
				Signature:   hexutil.Encode(sig),
				PrimaryType: o.Side.TypeName(),
			})
		},
	}
	addKeyFlag(cmd)
	addOrderFlags(cmd)
	return cmd
}

func (cli *CLI) hashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the order hash and the EIP-712 digest a wallet signs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := cli.orderFromFlags(cmd)
			if err != nil {
				return err
			}
			maker, _ := cmd.Flags().GetString("maker")
			if o.Maker, err = crypto.ParseAddress(maker); err != nil {
				return err
			}

			eip, err := eip712FromFlags(cmd)
			if err != nil {
				return err
			}
			hash, err := crypto.HashOrder(o)
			if err != nil {
				return err
			}
			digest, err := eip.HashOrder(o)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{
				"orderHash":   hash.Hex(),
				"digest":      hexutil.Encode(digest),
				"primaryType": o.Side.TypeName(),
			})
		},
	}
	cmd.Flags().String("maker", "", "maker address")
	_ = cmd.MarkFlagRequired("maker")
	addOrderFlags(cmd)
	return cmd
}

func (cli *CLI) cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <orderHash>",
		Short: "Sign a cancel and print the body for POST /api/v1/orders/{hash}/cancel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hexutil.Decode(args[0])
			if err != nil || len(raw) != common.HashLength {
				return fmt.Errorf("order hash must be 0x-prefixed 32 bytes")
			}
			signer, err := signerFromFlags(cmd)
			if err != nil {
				return err
			}
			eip, err := eip712FromFlags(cmd)
			if err != nil {
				return err
			}
			sig, err := eip.SignCancel(common.BytesToHash(raw), signer)
			if err != nil {
				return err
			}
			return printJSON(cmd, transaction.CancelSubmission{Signature: hexutil.Encode(sig)})
		},
	}
	addKeyFlag(cmd)
	return cmd
}

// ==============================
// Flags
// ==============================

func addKeyFlag(cmd *cobra.Command) {
	cmd.Flags().String("key", "", "hex private key of the maker (or SIGNER_KEY)")
}

func addOrderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("token", "", "property token address")
	f.String("side", "buy", "buy or sell")
	f.String("amount", "", "share amount in base units")
	f.String("price", "", "price per share in payment base units")
	f.Int64("expiry", 0, "unix seconds (default now+24h)")
	f.String("nonce", "", "maker nonce (default random)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("price")
}

func signerFromFlags(cmd *cobra.Command) (*crypto.Signer, error) {
	key, _ := cmd.Flags().GetString("key")
	if key == "" {
		key = os.Getenv("SIGNER_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("--key or SIGNER_KEY is required")
	}
	return crypto.FromPrivateKeyHex(key)
}

func eip712FromFlags(cmd *cobra.Command) (*crypto.EIP712Signer, error) {
	f := cmd.Flags()
	chainID, _ := f.GetInt64("chain-id")
	name, _ := f.GetString("domain-name")
	version, _ := f.GetString("domain-version")
	vc, _ := f.GetString("verifying-contract")

	domain := crypto.Domain{Name: name, Version: version, ChainID: big.NewInt(chainID)}
	if vc != "" {
		addr, err := crypto.ParseAddress(vc)
		if err != nil {
			return nil, err
		}
		domain.VerifyingContract = addr
	}
	return crypto.NewEIP712Signer(domain), nil
}

func (cli *CLI) orderFromFlags(cmd *cobra.Command) (*order.Order, error) {
	f := cmd.Flags()
	token, _ := f.GetString("token")
	side, _ := f.GetString("side")
	amount, _ := f.GetString("amount")
	price, _ := f.GetString("price")
	expiry, _ := f.GetInt64("expiry")
	nonce, _ := f.GetString("nonce")

	if expiry == 0 {
		expiry = cli.now().Add(defaultTTL).Unix()
	}
	p := transaction.OrderPayload{
		Side:          side,
		PropertyToken: token,
		Amount:        amount,
		PricePerShare: price,
		Expiry:        fmt.Sprint(expiry),
		Nonce:         nonce,
	}
	if p.Nonce == "" {
		n, err := crypto.GenerateNonce()
		if err != nil {
			return nil, err
		}
		p.Nonce = n.String()
	}
	return p.ToOrder()
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
