package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/brickdex/pkg/app/core/market"
	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/app/exchange"
	"github.com/uhyunpark/brickdex/pkg/crypto"
	"github.com/uhyunpark/brickdex/pkg/ledger"
	"github.com/uhyunpark/brickdex/pkg/metrics"
	"github.com/uhyunpark/brickdex/pkg/storage"
)

var (
	token = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	usdc  = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
)

type apiEnv struct {
	srv    *Server
	http   *httptest.Server
	app    *exchange.App
	ledger *ledger.Memory
	alice  *crypto.Signer
	bob    *crypto.Signer
	nonce  int64
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	s, err := storage.NewMemStore(nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := market.NewRegistry()
	require.NoError(t, reg.Register(&market.Listing{Token: token, Symbol: "BRK-12MAIN", Decimals: 2, Status: market.Active}))

	l := ledger.NewMemory()
	m := metrics.PrometheusMetrics()
	cfg := exchange.DefaultConfig()
	cfg.PaymentToken = usdc
	app := exchange.New(cfg, exchange.Deps{
		Store:    s,
		Verifier: transaction.NewVerifier(crypto.DefaultDomain(), nil),
		Listings: reg,
		Ledger:   l,
		Metrics:  m,
	})
	srv := NewServer(app, Config{PaymentDecimals: 6}, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
	})

	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	bob, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &apiEnv{srv: srv, http: hs, app: app, ledger: l, alice: alice, bob: bob}
}

func (e *apiEnv) body(t *testing.T, signer *crypto.Signer, side order.Side, amount, price int64) []byte {
	t.Helper()
	e.nonce++
	o := &order.Order{
		Maker:         signer.Address(),
		PropertyToken: token,
		Amount:        big.NewInt(amount),
		PricePerShare: big.NewInt(price),
		Expiry:        big.NewInt(time.Now().Add(time.Hour).Unix()),
		Nonce:         big.NewInt(e.nonce),
		Side:          side,
	}
	sig, err := e.app.Verifier().Signer().Sign(o, signer)
	require.NoError(t, err)
	p := transaction.FromOrder(o)
	p.Maker = ""
	b, err := json.Marshal(transaction.OrderSubmission{Order: p, Signature: hexutil.Encode(sig)})
	require.NoError(t, err)
	return b
}

func (e *apiEnv) do(t *testing.T, method, path string, body []byte) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *apiEnv) submit(t *testing.T, signer *crypto.Signer, side order.Side, amount, price int64) OrderInfo {
	t.Helper()
	code, out := e.do(t, "POST", "/api/v1/orders", e.body(t, signer, side, amount, price))
	require.Equal(t, http.StatusCreated, code, string(out))
	var info OrderInfo
	require.NoError(t, json.Unmarshal(out, &info))
	return info
}

func (e *apiEnv) cancelBody(t *testing.T, signer *crypto.Signer, hash string) []byte {
	t.Helper()
	sig, err := e.app.Verifier().Signer().SignCancel(common.HexToHash(hash), signer)
	require.NoError(t, err)
	b, _ := json.Marshal(transaction.CancelSubmission{Signature: hexutil.Encode(sig)})
	return b
}

func errorCode(t *testing.T, out []byte) string {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(out, &er), string(out))
	return er.Error
}

func TestSubmitAndGetOrder(t *testing.T) {
	e := newAPIEnv(t)
	info := e.submit(t, e.alice, order.Sell, 30, 1_500_000)

	require.Equal(t, e.alice.Address().Hex(), info.Maker)
	require.Equal(t, "SELL", info.Side)
	require.Equal(t, "ACTIVE", info.Status)
	require.Equal(t, "30", info.RemainingAmount)
	require.Equal(t, "0.3", info.Display.Amount)
	require.Equal(t, "1.5", info.Display.Price)

	code, out := e.do(t, "GET", "/api/v1/orders/"+info.OrderHash, nil)
	require.Equal(t, http.StatusOK, code)
	var got OrderInfo
	require.NoError(t, json.Unmarshal(out, &got))
	require.Equal(t, info.OrderHash, got.OrderHash)

	code, _ = e.do(t, "GET", "/api/v1/orders/0x1234", nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, out = e.do(t, "GET", "/api/v1/orders/"+common.HexToHash("0x01").Hex(), nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", errorCode(t, out))
}

func TestSubmitOrderErrors(t *testing.T) {
	e := newAPIEnv(t)

	dup := e.body(t, e.alice, order.Buy, 5, 100)
	code, _ := e.do(t, "POST", "/api/v1/orders", dup)
	require.Equal(t, http.StatusCreated, code)

	var unlisted transaction.OrderSubmission
	require.NoError(t, json.Unmarshal(e.body(t, e.alice, order.Buy, 5, 100), &unlisted))
	unlisted.Order.PropertyToken = "0x00000000000000000000000000000000000000ff"
	unlistedBody, _ := json.Marshal(unlisted)

	var badSig transaction.OrderSubmission
	require.NoError(t, json.Unmarshal(e.body(t, e.alice, order.Buy, 5, 100), &badSig))
	badSig.Signature = "0x1234"
	badSigBody, _ := json.Marshal(badSig)

	tests := []struct {
		name string
		body []byte
		code int
		err  string
	}{
		{"malformed json", []byte("{"), http.StatusBadRequest, "invalid_order"},
		{"missing signature", []byte(`{"order":{"side":"BUY","propertyToken":"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed","amount":"1","pricePerShare":"1","expiry":"9999999999","nonce":"1"}}`), http.StatusBadRequest, "invalid_signature"},
		{"short signature", badSigBody, http.StatusBadRequest, "invalid_signature"},
		{"unknown token", unlistedBody, http.StatusUnprocessableEntity, "unknown_token"},
		{"duplicate", dup, http.StatusConflict, "duplicate_order"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := e.do(t, "POST", "/api/v1/orders", tt.body)
			require.Equal(t, tt.code, code, string(out))
			require.Equal(t, tt.err, errorCode(t, out))
		})
	}
}

func TestCancelOrderEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	info := e.submit(t, e.alice, order.Buy, 5, 100)
	path := "/api/v1/orders/" + info.OrderHash + "/cancel"

	code, _ := e.do(t, "POST", path, e.cancelBody(t, e.bob, info.OrderHash))
	require.Equal(t, http.StatusForbidden, code)

	code, out := e.do(t, "POST", path, e.cancelBody(t, e.alice, info.OrderHash))
	require.Equal(t, http.StatusOK, code, string(out))
	var got OrderInfo
	require.NoError(t, json.Unmarshal(out, &got))
	require.Equal(t, "CANCELLED", got.Status)

	code, out = e.do(t, "POST", path, e.cancelBody(t, e.alice, info.OrderHash))
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "order_closed", errorCode(t, out))

	missing := common.HexToHash("0x02").Hex()
	code, _ = e.do(t, "POST", "/api/v1/orders/"+missing+"/cancel", e.cancelBody(t, e.alice, missing))
	require.Equal(t, http.StatusNotFound, code)
}

func TestQueryOrdersEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	e.submit(t, e.alice, order.Buy, 5, 100)
	e.submit(t, e.alice, order.Buy, 5, 90)
	e.submit(t, e.bob, order.Sell, 5, 200)

	code, out := e.do(t, "GET", "/api/v1/orders?side=buy&limit=1", nil)
	require.Equal(t, http.StatusOK, code, string(out))
	var list OrderList
	require.NoError(t, json.Unmarshal(out, &list))
	require.Equal(t, 2, list.Total)
	require.Len(t, list.Orders, 1)
	require.Equal(t, 1, list.Limit)

	code, out = e.do(t, "GET", "/api/v1/orders?maker="+e.bob.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(out, &list))
	require.Equal(t, 1, list.Total)
	require.Equal(t, order.DefaultLimit, list.Limit)

	for _, q := range []string{"limit=0", "limit=101", "offset=-1", "limit=abc", "minPrice=10&maxPrice=5", "side=both", "status=open"} {
		code, _ := e.do(t, "GET", "/api/v1/orders?"+q, nil)
		require.Equal(t, http.StatusBadRequest, code, q)
	}
}

func TestMarketEndpoints(t *testing.T) {
	e := newAPIEnv(t)
	e.ledger.Mint(token, e.bob.Address(), big.NewInt(100))
	e.ledger.Mint(usdc, e.alice.Address(), big.NewInt(10_000))
	e.submit(t, e.alice, order.Buy, 50, 100)
	e.submit(t, e.alice, order.Buy, 10, 100)
	e.submit(t, e.bob, order.Sell, 30, 100)

	code, out := e.do(t, "GET", "/api/v1/markets", nil)
	require.Equal(t, http.StatusOK, code)
	var markets []MarketInfo
	require.NoError(t, json.Unmarshal(out, &markets))
	require.Len(t, markets, 1)
	require.Equal(t, "BRK-12MAIN", markets[0].Symbol)

	code, out = e.do(t, "GET", "/api/v1/markets/"+strings.ToLower(token.Hex())+"/orderbook", nil)
	require.Equal(t, http.StatusOK, code, string(out))
	var book OrderbookSnapshot
	require.NoError(t, json.Unmarshal(out, &book))
	require.Len(t, book.Bids, 1)
	require.Equal(t, "30", book.Bids[0].Amount)
	require.Equal(t, 2, book.Bids[0].Orders)
	require.Empty(t, book.Asks)

	code, out = e.do(t, "GET", "/api/v1/markets/"+token.Hex()+"/trades?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	var trades []TradeInfo
	require.NoError(t, json.Unmarshal(out, &trades))
	require.Len(t, trades, 1)
	require.Equal(t, "30", trades[0].TradeAmount)
	require.Equal(t, "3000", trades[0].TotalValue)

	_, err := e.app.Settle(context.Background(), trades[0].ID)
	require.NoError(t, err)

	code, out = e.do(t, "GET", "/api/v1/trades/"+trades[0].ID, nil)
	require.Equal(t, http.StatusOK, code)
	var tr TradeInfo
	require.NoError(t, json.Unmarshal(out, &tr))
	require.Equal(t, "CONFIRMED", tr.Status)
	require.NotEmpty(t, tr.TxHash)
	require.NotEmpty(t, tr.PaymentTxHash)

	code, out = e.do(t, "GET", "/api/v1/markets/"+token.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	var md MarketDataInfo
	require.NoError(t, json.Unmarshal(out, &md))
	require.NotNil(t, md.LastPrice)
	require.Equal(t, "100", *md.LastPrice)
	require.Equal(t, "30", md.Volume24h)
	require.Nil(t, md.LowestAsk)

	code, _ = e.do(t, "GET", "/api/v1/markets/0x00000000000000000000000000000000000000ff", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, "GET", "/api/v1/markets/"+token.Hex()+"/trades?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, "GET", "/api/v1/trades/nope", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestDomainAndTypedData(t *testing.T) {
	e := newAPIEnv(t)
	code, out := e.do(t, "GET", "/api/v1/eip712/domain", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(out), `"name":"Brickdex"`)
	require.Contains(t, string(out), "CancelOrder")

	payload := []byte(`{"side":"BUY","propertyToken":"` + token.Hex() + `","amount":"1","pricePerShare":"2","expiry":"9999999999","nonce":"3"}`)
	code, out = e.do(t, "POST", "/api/v1/eip712/typed-data", payload)
	require.Equal(t, http.StatusOK, code, string(out))
	var typed map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &typed))
	require.Equal(t, "BuyOrder", typed["primaryType"])
}

func TestHealthAndMetrics(t *testing.T) {
	e := newAPIEnv(t)
	code, _ := e.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, code)

	e.submit(t, e.alice, order.Buy, 1, 1)
	code, out := e.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(out), `brickdex_orders_accepted_total{side="BUY"} 1`)
}

func TestWebSocketPush(t *testing.T) {
	e := newAPIEnv(t)
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := "orders:" + strings.ToLower(e.alice.Address().Hex())
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{channel, "bogus"}}))

	read := func() WSMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	ack := read()
	require.Equal(t, "subscribed", ack.Type)
	require.Equal(t, []interface{}{"orders:" + e.alice.Address().Hex()}, ack.Data)

	info := e.submit(t, e.alice, order.Buy, 5, 100)
	msg := read()
	require.Equal(t, "order", msg.Type)
	require.Equal(t, "orders:"+e.alice.Address().Hex(), msg.Channel)
	data := msg.Data.(map[string]interface{})
	require.Equal(t, info.OrderHash, data["orderHash"])
}
