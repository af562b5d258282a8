package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/crypto"
)

const testToken = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func run(t *testing.T, args ...string) []byte {
	t.Helper()
	cli := NewCLI()
	var out, errOut bytes.Buffer
	cli.root.SetOut(&out)
	cli.root.SetErr(&errOut)
	cli.root.SetArgs(args)
	require.NoError(t, cli.root.Execute(), errOut.String())
	return out.Bytes()
}

func TestSignProducesVerifiableSubmission(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	out := run(t, "sign", "--key", signer.PrivateKeyHex(), "--token", testToken,
		"--side", "sell", "--amount", "30", "--price", "1000000", "--nonce", "7")

	var sub transaction.OrderSubmission
	require.NoError(t, json.Unmarshal(out, &sub))
	require.Equal(t, "SellOrder", sub.PrimaryType)
	require.Equal(t, signer.Address().Hex(), sub.Order.Maker)

	so, err := transaction.NewVerifier(crypto.DefaultDomain(), nil).VerifyOrder(&sub)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), so.Order.Maker)

	// the hash command agrees with the identity the exchange computes
	out = run(t, "hash", "--maker", signer.Address().Hex(), "--token", testToken,
		"--side", "sell", "--amount", "30", "--price", "1000000", "--nonce", "7",
		"--expiry", sub.Order.Expiry)
	var hashed map[string]string
	require.NoError(t, json.Unmarshal(out, &hashed))
	require.Equal(t, so.Hash.Hex(), hashed["orderHash"])
}

func TestSignHonorsDomainFlags(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	out := run(t, "sign", "--key", signer.PrivateKeyHex(), "--token", testToken,
		"--amount", "1", "--price", "1", "--chain-id", "5")
	var sub transaction.OrderSubmission
	require.NoError(t, json.Unmarshal(out, &sub))

	// signed for chain 5, so the devnet domain recovers a different maker
	_, err = transaction.NewVerifier(crypto.DefaultDomain(), nil).VerifyOrder(&sub)
	require.Error(t, err)

	domain := crypto.DefaultDomain()
	domain.ChainID.SetInt64(5)
	so, err := transaction.NewVerifier(domain, nil).VerifyOrder(&sub)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), so.Order.Maker)
}

func TestCancelSignature(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash := common.HexToHash("0xabc")

	out := run(t, "cancel", hash.Hex(), "--key", signer.PrivateKeyHex())
	var sub transaction.CancelSubmission
	require.NoError(t, json.Unmarshal(out, &sub))

	sig, err := hexutil.Decode(sub.Signature)
	require.NoError(t, err)
	got, err := crypto.NewEIP712Signer(crypto.DefaultDomain()).RecoverCancel(hash, sig)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), got)
}

func TestKeygen(t *testing.T) {
	var key map[string]string
	require.NoError(t, json.Unmarshal(run(t, "keygen"), &key))
	signer, err := crypto.FromPrivateKeyHex(key["privateKey"])
	require.NoError(t, err)
	require.Equal(t, key["address"], signer.Address().Hex())
}
