// Package server exposes the portal over HTTP: order entry, book and
// trade projections, the flow approval queue, payments, login and the
// trade stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cambio/internal/auth"
	"cambio/internal/engine"
	"cambio/internal/flow"
	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/payment"
	"cambio/internal/store"
)

type Server struct {
	log       *zap.Logger
	store     *store.Store
	ledger    *ledger.Ledger
	engine    *engine.Engine
	flows     *flow.Service
	payments  *payment.Service
	sessions  *auth.Sessions
	hub       *Hub
	bookDepth int
}

func New(log *zap.Logger, st *store.Store, lg *ledger.Ledger, eng *engine.Engine, flows *flow.Service, payments *payment.Service, sessions *auth.Sessions, hub *Hub, bookDepth int) *Server {
	return &Server{
		log:       log,
		store:     st,
		ledger:    lg,
		engine:    eng,
		flows:     flows,
		payments:  payments,
		sessions:  sessions,
		hub:       hub,
		bookDepth: bookDepth,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Post("/login", s.handleLogin)
	r.Get("/markets", s.handleMarkets)
	r.Get("/book", s.handleBook)
	r.Get("/trades", s.handleTrades)
	r.Get("/ws", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/orders", s.handlePlaceOrder)
		r.Delete("/orders/{id}", s.handleCancelOrder)
		r.Post("/flows", s.handleSubmitFlow)
		r.Post("/payments", s.handleSendPayment)
		r.Get("/accounts/me", s.handleMyAccount)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/flows/pending", s.handlePendingFlows)
			r.Post("/flows/{id}/approve", s.handleApproveFlow)
			r.Post("/flows/{id}/cancel", s.handleCancelFlow)
		})
	})

	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) > len(prefix) && token[:len(prefix)] == prefix {
			token = token[len(prefix):]
		}
		sess, err := s.sessions.Lookup(token)
		if err != nil {
			s.writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid session token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := auth.SessionFrom(r.Context())
		if !sess.Admin {
			s.writeProblem(w, r, http.StatusForbidden, "forbidden", "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	AccountID int64  `json:"account_id"`
	Password  string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	acct, err := s.ledger.Account(s.store.DB.WithContext(r.Context()), req.AccountID)
	if err != nil {
		s.writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "unknown account or wrong password")
		return
	}
	if err := auth.VerifyCredential(acct.PasswordHash, req.Password); err != nil {
		s.writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "unknown account or wrong password")
		return
	}
	sess := s.sessions.Create(acct.ID)
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      sess.Token,
		"account_id": sess.AccountID,
		"admin":      sess.Admin,
	})
}

type placeOrderRequest struct {
	Side     string `json:"side"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	Payment  string `json:"payment"`
	Traded   string `json:"traded"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	side, err := engine.ParseSide(req.Side)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", "malformed quantity")
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", "malformed price")
		return
	}
	res, err := s.engine.Submit(r.Context(), engine.SubmitParams{
		AccountID: sess.AccountID,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Pair:      money.Pair{Payment: money.Currency(req.Payment), Traded: money.Currency(req.Traded)},
		Notify:    true,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, map[string]any{
		"order_id":  res.Order.ID,
		"active":    res.Order.Active,
		"remaining": res.Order.Remaining,
		"trades":    len(res.Trades),
		"messages":  res.Messages,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", "malformed order id")
		return
	}
	owner := sess.AccountID
	if sess.Admin {
		owner = 0
	}
	if err := s.engine.Cancel(r.Context(), id, owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	pairs := s.engine.Pairs()
	out := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, map[string]string{
			"symbol":  p.Symbol(),
			"payment": string(p.Payment),
			"traded":  string(p.Traded),
		})
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	pair, err := pairFromQuery(r)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	snap, err := s.engine.Book(r.Context(), pair, s.bookDepth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	pair, err := pairFromQuery(r)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	trades, err := s.engine.RecentTrades(r.Context(), pair, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, trades)
}

type submitFlowRequest struct {
	AccountID int64  `json:"account_id"`
	Currency  string `json:"currency"`
	Quantity  string `json:"quantity"`
	Password  string `json:"password"`
}

func (s *Server) handleSubmitFlow(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	var req submitFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", "malformed quantity")
		return
	}
	target := req.AccountID
	if target == 0 {
		target = sess.AccountID
	}
	f, err := s.flows.Submit(r.Context(), flow.SubmitParams{
		InitiatorID: sess.AccountID,
		AccountID:   target,
		Currency:    money.Currency(req.Currency),
		Quantity:    quantity,
		Credential:  req.Password,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, f)
}

func (s *Server) handlePendingFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.flows.Pending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, flows)
}

func (s *Server) handleApproveFlow(w http.ResponseWriter, r *http.Request) {
	s.finishFlow(w, r, s.flows.Approve)
}

func (s *Server) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	s.finishFlow(w, r, s.flows.Cancel)
}

func (s *Server) finishFlow(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, id int64) (*flow.Flow, error)) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", "malformed flow id")
		return
	}
	f, err := transition(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, f)
}

type sendPaymentRequest struct {
	ToID     int64  `json:"to_id"`
	Currency string `json:"currency"`
	Quantity string `json:"quantity"`
	Password string `json:"password"`
}

func (s *Server) handleSendPayment(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	var req sendPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", "malformed quantity")
		return
	}
	p, err := s.payments.Send(r.Context(), sess.AccountID, req.ToID, money.Currency(req.Currency), quantity, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, p)
}

func (s *Server) handleMyAccount(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	ctx := r.Context()

	balances, err := s.ledger.Balances(s.store.DB.WithContext(ctx), sess.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	orders, err := s.engine.AccountOrders(ctx, sess.AccountID, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trades, err := s.engine.AccountTrades(ctx, sess.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flows, err := s.flows.AccountFlows(ctx, sess.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payments, err := s.payments.History(ctx, sess.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"account_id": sess.AccountID,
		"balances":   balances,
		"orders":     orders,
		"trades":     trades,
		"flows":      flows,
		"payments":   payments,
	})
}

func pairFromQuery(r *http.Request) (money.Pair, error) {
	paymentCode := r.URL.Query().Get("payment")
	tradedCode := r.URL.Query().Get("traded")
	if paymentCode == "" || tradedCode == "" {
		return money.Pair{}, errors.New("payment and traded query parameters are required")
	}
	return money.Pair{Payment: money.Currency(paymentCode), Traded: money.Currency(tradedCode)}, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, code int, title, detail string) {
	reqID := middleware.GetReqID(r.Context())
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":      title,
		"status":     code,
		"detail":     detail,
		"instance":   r.URL.Path,
		"request_id": reqID,
	})
}

// writeError maps domain sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, flow.ErrRejected),
		errors.Is(err, payment.ErrRejected),
		errors.Is(err, ledger.ErrUnknownCurrency),
		errors.Is(err, ledger.ErrInsufficientFunds):
		s.writeProblem(w, r, http.StatusUnprocessableEntity, "rejected", err.Error())
	case errors.Is(err, engine.ErrUnknownMarket):
		s.writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, engine.ErrNoOrder),
		errors.Is(err, flow.ErrNoFlow),
		errors.Is(err, ledger.ErrNoAccount):
		s.writeProblem(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrNotOwner):
		s.writeProblem(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, flow.ErrNotPending):
		s.writeProblem(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.writeProblem(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
