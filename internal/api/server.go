package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"varswap/internal/fixedpoint"
	"varswap/internal/orderbook"
	"varswap/internal/store"
	"varswap/internal/swap"
)

type Server struct {
	controller  *swap.Controller
	store       *store.Store
	feeds       map[string]swap.Oracle
	hub         *Hub
	sessions    *SessionStore
	rateLimiter *visitLimiter
	upgrader    websocket.Upgrader
	corsOrigins []string // Allowed CORS origins (empty = allow all)
	log         zerolog.Logger
}

func NewServer(controller *swap.Controller, st *store.Store, feeds map[string]swap.Oracle, log zerolog.Logger) *Server {
	s := &Server{
		controller:  controller,
		store:       st,
		feeds:       feeds,
		hub:         NewHub(),
		sessions:    NewSessionStore(st),
		rateLimiter: newVisitLimiter(600, 1*time.Minute), // 600 requests per minute per IP
		log:         log,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}

	// Push market events out over the hub as they happen.
	controller.OnOrder(func(book string, order orderbook.Order) {
		s.hub.Broadcast("order", map[string]interface{}{"book": book, "order": order})
	})
	controller.OnFill(func(book string, fill orderbook.Fill) {
		s.hub.Broadcast("fill", map[string]interface{}{"book": book, "fill": fill})
	})
	controller.OnSettle(func(report swap.SettlementReport) {
		s.hub.Broadcast("settlement", report)
	})

	return s
}

// SetCORSOrigins sets the allowed CORS origins.
// Pass an empty slice to allow all origins (default, for development).
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

func (s *Server) checkCORSOrigin(origin string) bool {
	// Empty list = allow all (development mode)
	if len(s.corsOrigins) == 0 {
		return true
	}
	// Empty origin header = same-origin request, always allow
	if origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.rateLimiter.middleware)
	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Auth routes (no auth required)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		// Account routes (auth required)
		r.Get("/account", s.handleGetAccount)
		r.Post("/account/deposit", s.handleDeposit)
		r.Post("/account/withdraw", s.handleWithdraw)

		// Book lifecycle
		r.Get("/books", s.handleListBooks)
		r.Post("/books", s.handleCreateBook)
		r.Route("/books/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetBook)
			r.Get("/depth", s.handleDepth)
			r.Get("/quote", s.handleQuote)
			r.Get("/orders/{id}", s.handleGetOrder)
			r.Get("/positions", s.handlePositions)
			r.Post("/sell", s.handleSell)
			r.Post("/buy", s.handleBuy)
			r.Post("/settle", s.handleSettle)
			r.Post("/redeem/positions", s.handleRedeemPositions)
			r.Post("/redeem/payments", s.handleRedeemPayments)
		})
	})

	// WebSocket
	r.Get("/ws", s.handleWebSocket)

	return r
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch err {
	case swap.ErrUnknownBook, orderbook.ErrOrderNotFound, orderbook.ErrIndexOutOfRange, store.ErrAccountNotFound:
		status = http.StatusNotFound
	case swap.ErrUnauthorized:
		status = http.StatusForbidden
	case swap.ErrBookExists, swap.ErrRoundEnded, swap.ErrTooEarly, swap.ErrAlreadySettled:
		status = http.StatusConflict
	case swap.ErrInsufficientFunds, store.ErrInsufficientFunds:
		status = http.StatusPaymentRequired
	case swap.ErrInvalidAmount, swap.ErrInvalidRound, store.ErrInvalidAmount,
		orderbook.ErrInvalidUnits, orderbook.ErrInvalidAsk:
		status = http.StatusBadRequest
	default:
		s.log.Error().Err(err).Msg("internal error")
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ==================== ACCOUNT FUNDING ====================

type AmountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.Deposit(session.UserID, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.store.GetAccount(session.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, AccountResponse{
		UserID:    session.UserID,
		Username:  session.Username,
		Available: account.Available,
		Locked:    account.Locked,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.Withdraw(session.UserID, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.store.GetAccount(session.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, AccountResponse{
		UserID:    session.UserID,
		Username:  session.Username,
		Available: account.Available,
		Locked:    account.Locked,
	})
}

// ==================== BOOKS ====================

type CreateBookRequest struct {
	Oracle            string    `json:"oracle"`
	RoundStart        time.Time `json:"round_start"`
	RoundEnd          time.Time `json:"round_end"`
	CollateralPerUnit int64     `json:"collateral_per_unit"`
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	feed, ok := s.feeds[req.Oracle]
	if !ok {
		http.Error(w, "unknown oracle", http.StatusBadRequest)
		return
	}
	if req.RoundStart.IsZero() {
		req.RoundStart = time.Now()
	}

	info, err := s.controller.CreateBook(swap.BookConfig{
		Oracle:            feed,
		RoundStart:        req.RoundStart,
		RoundEnd:          req.RoundEnd,
		CollateralPerUnit: req.CollateralPerUnit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.hub.Broadcast("book", info)
	writeJSON(w, info)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.controller.Books())
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	info, err := s.controller.BookInfo(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.controller.Depth(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, depth)
}

// ==================== TRADING ====================

type SellRequest struct {
	Strike   int64  `json:"strike"`
	AskPrice int64  `json:"ask_price"`
	Units    string `json:"units"` // decimal string, e.g. "28.5"
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	units, err := fixedpoint.FromDecimal(req.Units)
	if err != nil {
		http.Error(w, "invalid units", http.StatusBadRequest)
		return
	}

	order, err := s.controller.SellSwapPosition(
		session.UserID, chi.URLParam(r, "name"), session.UserID,
		req.Strike, req.AskPrice, units,
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, order)
}

type BuyRequest struct {
	Strike   int64 `json:"strike"`
	MaxSpend int64 `json:"max_spend"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fill, err := s.controller.BuySwapPosition(
		session.UserID, chi.URLParam(r, "name"), session.UserID,
		req.Strike, req.MaxSpend,
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, fill)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	strike, err := strconv.ParseInt(r.URL.Query().Get("strike"), 10, 64)
	if err != nil {
		http.Error(w, "invalid strike", http.StatusBadRequest)
		return
	}
	units, err := fixedpoint.FromDecimal(r.URL.Query().Get("units"))
	if err != nil {
		http.Error(w, "invalid units", http.StatusBadRequest)
		return
	}

	quote, err := s.controller.GetQuoteForPosition(chi.URLParam(r, "name"), strike, units)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, quote)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	order, err := s.controller.GetOrder(chi.URLParam(r, "name"), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, order)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	positions, err := s.controller.UserPositions(chi.URLParam(r, "name"), session.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, positions)
}

// ==================== SETTLEMENT ====================

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	report, err := s.controller.SettleSwapBook(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, report)
}

type RedeemResponse struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleRedeemPositions(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	amount, err := s.controller.RedeemSwapPositions(session.UserID, chi.URLParam(r, "name"), session.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, RedeemResponse{Amount: amount})
}

func (s *Server) handleRedeemPayments(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	amount, err := s.controller.RedeemOrderPayments(session.UserID, chi.URLParam(r, "name"), session.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, RedeemResponse{Amount: amount})
}

// ==================== WEBSOCKET ====================

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.hub.Register(client)

	// Send the current book list so clients start with a full picture
	data, _ := json.Marshal(map[string]interface{}{
		"type": "books",
		"data": s.controller.Books(),
	})
	client.send <- data

	go client.WritePump()
	go client.ReadPump()
}

// Shutdown stops internal goroutines (session cleanup, rate limiter, hub)
func (s *Server) Shutdown() {
	s.sessions.Stop()
	s.rateLimiter.stop()
	s.hub.Stop()
}
