// Package trade provides the HTTP handlers for wallets, order submission,
// trade closing, and portfolio queries.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/evaluator"
	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/position"
	"github.com/vtrade/trading-engine/internal/quote"
	"github.com/vtrade/trading-engine/internal/settlement"
	"github.com/vtrade/trading-engine/internal/store"
)

// UserHeader carries the caller's user ID. Authentication happens upstream.
const UserHeader = "X-User-ID"

type ctxKey struct{}

// Service serves the trading API on top of the settlement engine.
type Service struct {
	engine   *settlement.Engine
	ledger   *position.Ledger
	quotes   quote.Source
	store    store.Store
	validate *validator.Validate
}

// NewService creates a new trade service.
func NewService(engine *settlement.Engine, ledger *position.Ledger, quotes quote.Source, st store.Store) *Service {
	return &Service{
		engine:   engine,
		ledger:   ledger,
		quotes:   quotes,
		store:    st,
		validate: validator.New(),
	}
}

// Routes registers the API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/quotes/{symbol}", s.GetQuote)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Post("/accounts", s.OpenAccount)
		r.Get("/accounts/me", s.GetAccount)
		r.Post("/accounts/me/deposit", s.Deposit)
		r.Post("/accounts/me/withdraw", s.Withdraw)
		r.Post("/accounts/me/reset", s.Reset)
		r.Get("/accounts/me/transactions", s.ListTransactions)

		r.Post("/trades", s.SubmitOrder)
		r.Get("/trades", s.ListTrades)
		r.Put("/trades/{orderID}/close", s.CloseTrade)
		r.Get("/trades/portfolio", s.GetPortfolio)
		r.Get("/trades/positions", s.ListOpenPositions)
		r.Get("/trades/pending", s.ListPendingOrders)
		r.Delete("/trades/pending/{orderID}", s.CancelOrder)
	})
}

// RequireUser rejects requests without a user header.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(UserHeader)
		if uid == "" {
			writeError(w, "missing "+UserHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid)))
	})
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxKey{}).(string)
	return uid
}

// --- Request/Response types ---

// SubmitOrderRequest is the JSON body for POST /trades.
type SubmitOrderRequest struct {
	Symbol          string          `json:"symbol" validate:"required,max=12"`
	Action          string          `json:"action" validate:"required,oneof=buy sell"`
	Quantity        decimal.Decimal `json:"quantity"`
	OrderType       string          `json:"orderType" validate:"omitempty,oneof=market limit stop stop-limit trailing-stop"`
	LimitPrice      decimal.Decimal `json:"limitPrice"`
	StopPrice       decimal.Decimal `json:"stopPrice"`
	StopLossPrice   decimal.Decimal `json:"stopLossPrice"`
	TakeProfitPrice decimal.Decimal `json:"takeProfitPrice"`
	TimeInForce     string          `json:"timeInForce" validate:"omitempty,oneof=gtc day"`
}

// SubmitOrderResponse is the JSON body returned from POST /trades.
type SubmitOrderResponse struct {
	Success        bool             `json:"success"`
	Trade          *model.Order     `json:"trade"`
	NewBalance     decimal.Decimal  `json:"newBalance"`
	Executed       bool             `json:"executed"`
	ExecutionPrice *decimal.Decimal `json:"executionPrice,omitempty"`
}

// CloseTradeRequest is the JSON body for PUT /trades/{orderID}/close.
type CloseTradeRequest struct {
	ExitPrice decimal.Decimal `json:"exitPrice"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TradeResponse wraps a single order with a message.
type TradeResponse struct {
	Success bool         `json:"success"`
	Trade   *model.Order `json:"trade"`
	Message string       `json:"message"`
}

// AccountResponse wraps a wallet and, for cash movements, its ledger entry.
type AccountResponse struct {
	Success     bool               `json:"success"`
	Account     *model.Account     `json:"account"`
	Transaction *model.LedgerEntry `json:"transaction,omitempty"`
}

// --- Account handlers ---

// OpenAccount handles POST /api/v1/accounts
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.OpenAccount(r.Context(), userID(r))
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, AccountResponse{Success: true, Account: res.Account, Transaction: res.Entry})
}

// GetAccount handles GET /api/v1/accounts/me
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), userID(r))
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Success: true, Account: acct})
}

// Deposit handles POST /api/v1/accounts/me/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Deposit(r.Context(), userID(r), req.Amount)
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Success: true, Account: res.Account, Transaction: res.Entry})
}

// Withdraw handles POST /api/v1/accounts/me/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Withdraw(r.Context(), userID(r), req.Amount)
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Success: true, Account: res.Account, Transaction: res.Entry})
}

// Reset handles POST /api/v1/accounts/me/reset
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Reset(r.Context(), userID(r))
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Success: true, Account: res.Account, Transaction: res.Entry})
}

// ListTransactions handles GET /api/v1/accounts/me/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(r)
	if _, err := s.store.GetAccount(ctx, uid); err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	entries, err := s.store.ListLedgerEntries(ctx, uid)
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": entries})
}

// --- Trade handlers ---

// SubmitOrder handles POST /api/v1/trades
// Evaluates the order against the current quote and settles it.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	if req.OrderType == "" {
		req.OrderType = string(model.Market)
	}

	res, err := s.engine.Submit(r.Context(), userID(r), evaluator.OrderRequest{
		Symbol:      req.Symbol,
		Action:      model.Action(req.Action),
		OrderType:   model.OrderType(req.OrderType),
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		StopLoss:    req.StopLossPrice,
		TakeProfit:  req.TakeProfitPrice,
		TimeInForce: model.TimeInForce(req.TimeInForce),
	})
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}

	resp := SubmitOrderResponse{
		Success:    true,
		Trade:      res.Order,
		NewBalance: res.Account.Balance,
		Executed:   res.Executed,
	}
	if res.Executed {
		px := res.ExecutionPrice
		resp.ExecutionPrice = &px
	}
	writeJSON(w, http.StatusCreated, resp)
}

// CloseTrade handles PUT /api/v1/trades/{orderID}/close
func (s *Service) CloseTrade(w http.ResponseWriter, r *http.Request) {
	var req CloseTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.ExitPrice.IsPositive() {
		writeError(w, "exitPrice must be greater than 0", http.StatusBadRequest)
		return
	}

	res, err := s.engine.CloseTrade(r.Context(), userID(r), chi.URLParam(r, "orderID"), req.ExitPrice)
	if err != nil {
		// Closing anything but an open trade is reported as not found.
		writeSettlementError(w, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, TradeResponse{Success: true, Trade: res.Order, Message: "trade closed"})
}

// CancelOrder handles DELETE /api/v1/trades/pending/{orderID}
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Cancel(r.Context(), userID(r), chi.URLParam(r, "orderID"))
	if err != nil {
		writeSettlementError(w, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, TradeResponse{Success: true, Trade: res.Order, Message: "order cancelled"})
}

// ListTrades handles GET /api/v1/trades
// Returns the caller's orders, optionally filtered by ?status=<status>.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	var statuses []model.OrderStatus
	if st := r.URL.Query().Get("status"); st != "" {
		statuses = append(statuses, model.OrderStatus(st))
	}
	orders, err := s.ledger.History(r.Context(), userID(r), statuses...)
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trades": orders})
}

// ListPendingOrders handles GET /api/v1/trades/pending
func (s *Service) ListPendingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.ledger.PendingOrders(r.Context(), userID(r))
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orders": orders})
}

// ListOpenPositions handles GET /api/v1/trades/positions
func (s *Service) ListOpenPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.OpenPositions(r.Context(), userID(r))
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "positions": positions})
}

// GetPortfolio handles GET /api/v1/trades/portfolio
// Returns holdings marked to current quotes plus cash.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Portfolio(r.Context(), userID(r))
	if err != nil {
		writeSettlementError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "portfolio": p})
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.quotes.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		if errors.Is(err, quote.ErrSymbolNotFound) {
			writeError(w, "unknown symbol", http.StatusNotFound)
			return
		}
		writeError(w, "invalid symbol", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "quote": q})
}

// --- Responses ---

// writeSettlementError maps engine and store errors to HTTP statuses.
// invalidState is the status used for ErrInvalidState, which differs by
// route.
func writeSettlementError(w http.ResponseWriter, err error, invalidState int) {
	var ve *evaluator.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, quote.ErrSymbolNotFound), errors.Is(err, quote.ErrInvalidSymbol):
		writeError(w, "unknown symbol", http.StatusBadRequest)
	case errors.Is(err, settlement.ErrInsufficientBalance),
		errors.Is(err, settlement.ErrInsufficientHoldings),
		errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrPositionLimit):
		writeError(w, rootMessage(err), http.StatusBadRequest)
	case errors.Is(err, settlement.ErrAccountNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, settlement.ErrAccountNotFound.Error(), http.StatusNotFound)
	case errors.Is(err, settlement.ErrOrderNotFound):
		writeError(w, settlement.ErrOrderNotFound.Error(), http.StatusNotFound)
	case errors.Is(err, settlement.ErrInvalidState):
		writeError(w, settlement.ErrInvalidState.Error(), invalidState)
	case errors.Is(err, settlement.ErrAccountExists):
		writeError(w, settlement.ErrAccountExists.Error(), http.StatusConflict)
	case errors.Is(err, settlement.ErrTransactionAborted):
		writeError(w, "transaction aborted, please retry", http.StatusConflict)
	default:
		slog.Error("request failed", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// rootMessage strips the operation prefix from a settlement error.
func rootMessage(err error) string {
	var opErr *settlement.OpError
	if errors.As(err, &opErr) {
		return opErr.Err.Error()
	}
	return err.Error()
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid order: " + fe.Field() + " failed " + fe.Tag()
	}
	return "invalid request"
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	var body errorBody
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
