package market

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

var tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a0")

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Listing{Token: tokenA, Symbol: "BRK-A", Decimals: 0}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(&Listing{Token: tokenA, Symbol: "dup"}); err == nil {
		t.Error("duplicate registration should fail")
	}
	if !r.Tradable(tokenA) {
		t.Error("new listing should be tradable")
	}

	if err := r.UpdateStatus(tokenA, Paused); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if r.Tradable(tokenA) {
		t.Error("paused listing must not be tradable")
	}
	if err := r.CheckTradable(tokenA); !errors.Is(err, order.ErrUnknownToken) {
		t.Errorf("err = %v, want ErrUnknownToken", err)
	}

	if err := r.UpdateStatus(tokenA, Delisted); err != nil {
		t.Fatalf("delist failed: %v", err)
	}
	if err := r.UpdateStatus(tokenA, Active); err == nil {
		t.Error("delisted is terminal")
	}
}

func TestRegistryUnknownToken(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(tokenA); !errors.Is(err, order.ErrUnknownToken) {
		t.Errorf("err = %v, want ErrUnknownToken", err)
	}
	if r.Tradable(tokenA) {
		t.Error("unknown token must not be tradable")
	}
}

func TestParseListings(t *testing.T) {
	ls, err := ParseListings("0x00000000000000000000000000000000000000a0:BRK-A:2, 0x00000000000000000000000000000000000000b0:BRK-B")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(ls) != 2 {
		t.Fatalf("listings = %d, want 2", len(ls))
	}
	if ls[0].Token != tokenA || ls[0].Symbol != "BRK-A" || ls[0].Decimals != 2 {
		t.Errorf("first listing = %+v", ls[0])
	}
	if ls[1].Decimals != 0 {
		t.Errorf("default decimals = %d, want 0", ls[1].Decimals)
	}

	for _, bad := range []string{"nothex:SYM", "0x00000000000000000000000000000000000000a0", "0x00000000000000000000000000000000000000a0:S:x"} {
		if _, err := ParseListings(bad); err == nil {
			t.Errorf("ParseListings(%q) should fail", bad)
		}
	}

	if ls, err := ParseListings(""); err != nil || len(ls) != 0 {
		t.Errorf("empty list = %v, %v", ls, err)
	}
}
