package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/brickdex/pkg/app/core/market"
	"github.com/uhyunpark/brickdex/pkg/app/core/order"
	"github.com/uhyunpark/brickdex/pkg/app/core/transaction"
	"github.com/uhyunpark/brickdex/pkg/app/exchange"
	"github.com/uhyunpark/brickdex/pkg/crypto"
	"github.com/uhyunpark/brickdex/pkg/metrics"
)

const (
	maxBodyBytes       = 64 << 10
	defaultTradesLimit = 50
)

// Config controls presentation and CORS.
type Config struct {
	PaymentDecimals int32    // decimals of the payment unit prices are quoted in
	CORSOrigins     []string // allowed browser origins
}

// Server handles REST API and WebSocket connections
type Server struct {
	app     *exchange.App
	cfg     Config
	router  *mux.Router
	hub     *Hub // WebSocket hub
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewServer creates a new API server and subscribes it to exchange events
func NewServer(app *exchange.App, cfg Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	s := &Server{
		app:     app,
		cfg:     cfg,
		router:  mux.NewRouter(),
		hub:     NewHub(logger.Named("ws")),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	s.setupRoutes()
	app.Subscribe(s)
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{token}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{token}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{token}/trades", s.handleGetTrades).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleQueryOrders).Methods("GET")
	api.HandleFunc("/orders/{hash}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{hash}/cancel", s.handleCancelOrder).Methods("POST")

	// Trades
	api.HandleFunc("/trades/{id}", s.handleGetTrade).Methods("GET")

	// Typed data for wallets
	api.HandleFunc("/eip712/domain", s.handleGetDomain).Methods("GET")
	api.HandleFunc("/eip712/typed-data", s.handleTypedData).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check and metrics
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down api: %w", err)
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	listings := s.app.Listings()
	response := make([]MarketInfo, len(listings))
	for i, l := range listings {
		response[i] = marketInfo(l)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	l, ok := s.listingFromPath(w, r)
	if !ok {
		return
	}
	md, err := s.app.MarketData(r.Context(), l.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, marketDataInfo(l, md))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	l, ok := s.listingFromPath(w, r)
	if !ok {
		return
	}
	depth := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_query", "depth must be a non-negative integer")
			return
		}
		depth = n
	}

	book, err := s.app.OrderBook(l.Token, depth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OrderbookSnapshot{
		PropertyToken: l.Token.Hex(),
		Bids:          priceLevels(book.Bids),
		Asks:          priceLevels(book.Asks),
		Timestamp:     book.Timestamp.UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	l, ok := s.listingFromPath(w, r)
	if !ok {
		return
	}
	limit := defaultTradesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > order.MaxLimit {
			respondError(w, http.StatusBadRequest, "invalid_query", fmt.Sprintf("limit must be within 1..%d", order.MaxLimit))
			return
		}
		limit = n
	}

	trades, err := s.app.RecentTrades(l.Token, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = s.tradeInfo(t)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	sub, err := transaction.ParseSubmission(body)
	if err != nil {
		s.metrics.OrdersRejected.WithLabelValues("invalid_body").Inc()
		s.writeError(w, err)
		return
	}

	so, err := s.app.SubmitOrder(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.orderInfo(so))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashFromPath(w, r)
	if !ok {
		return
	}
	var req transaction.CancelSubmission
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	so, err := s.app.CancelOrder(r.Context(), hash, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.orderInfo(so))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashFromPath(w, r)
	if !ok {
		return
	}
	so, err := s.app.GetOrder(hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.orderInfo(so))
}

func (s *Server) handleQueryOrders(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	orders, total, err := s.app.QueryOrders(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	list := OrderList{Orders: make([]OrderInfo, len(orders)), Total: total, Limit: f.Limit, Offset: f.Offset}
	for i, so := range orders {
		list.Orders[i] = s.orderInfo(so)
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.app.GetTrade(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.tradeInfo(t))
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	signer := s.app.Verifier().Signer()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"domain": signer.DomainJSON(),
		"types":  signer.TypesJSON(),
	})
}

// handleTypedData renders the eth_signTypedData_v4 payload for an unsigned order
func (s *Server) handleTypedData(w http.ResponseWriter, r *http.Request) {
	var p transaction.OrderPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	o, err := p.ToOrder()
	if err != nil {
		s.writeError(w, err)
		return
	}
	typed, err := s.app.Verifier().Signer().TypedDataJSON(o)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, typed)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Request parsing
// ==============================

// listingFromPath resolves {token}; unknown tokens are 404 on read paths.
func (s *Server) listingFromPath(w http.ResponseWriter, r *http.Request) (*market.Listing, bool) {
	token, err := crypto.ParseAddress(mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	l, err := s.app.Listing(token)
	if errors.Is(err, order.ErrUnknownToken) {
		respondError(w, http.StatusNotFound, "unknown_token", err.Error())
		return nil, false
	}
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return l, true
}

func hashFromPath(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := mux.Vars(r)["hash"]
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid_order_hash", "order hash must be 0x-prefixed 32 bytes")
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func parseFilter(r *http.Request) (order.Filter, error) {
	q := r.URL.Query()
	var f order.Filter

	if v := q.Get("propertyToken"); v != "" {
		a, err := crypto.ParseAddress(v)
		if err != nil {
			return f, err
		}
		f.PropertyToken = &a
	}
	if v := q.Get("maker"); v != "" {
		a, err := crypto.ParseAddress(v)
		if err != nil {
			return f, err
		}
		f.Maker = &a
	}
	if v := q.Get("side"); v != "" {
		side, err := order.ParseSide(v)
		if err != nil {
			return f, err
		}
		f.Side = &side
	}
	if v := q.Get("status"); v != "" {
		st, err := order.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = &st
	}
	for name, dst := range map[string]**big.Int{"minPrice": &f.MinPrice, "maxPrice": &f.MaxPrice} {
		if v := q.Get(name); v != "" {
			x, err := crypto.ParseUint256(name, v)
			if err != nil {
				return f, err
			}
			*dst = x
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("%w: limit must be within 1..%d", order.ErrInvalidOrderFields, order.MaxLimit)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return f, fmt.Errorf("%w: offset must be an integer", order.ErrInvalidOrderFields)
		}
		f.Offset = n
	}
	if err := f.Normalize(); err != nil {
		return f, err
	}
	return f, nil
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func (s *Server) shareDecimals(token common.Address) int32 {
	l, err := s.app.Listing(token)
	if err != nil {
		return 0
	}
	return l.Decimals
}
