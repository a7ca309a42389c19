// Package server exposes the operator API: window and review inspection,
// failed-window re-drives, review approve/reject, user balance reads, and the
// health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/hashfleet/payouts/settler/pkg/ledger"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
)

// WindowStore reads settlement windows and user balances.
type WindowStore interface {
	GetWindow(ctx context.Context, id string) (*settlement.Window, error)
	ListWindows(ctx context.Context, account, coin string, from, to time.Time, limit int) ([]*settlement.Window, error)
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
	SetSettlementCurrency(ctx context.Context, userID, currency string) error
}

// ReviewStore reads reviewed settlements.
type ReviewStore interface {
	GetReviewSettlement(ctx context.Context, id string) (*ledger.ReviewSettlement, []ledger.ReviewLineItem, error)
	ListReviewSettlements(ctx context.Context, status ledger.ReviewStatus, limit int) ([]*ledger.ReviewSettlement, error)
}

// Redriver re-runs failed settlement windows.
type Redriver interface {
	Redrive(ctx context.Context, windowID string) (*settlement.Window, error)
}

// Reviewer acts on staged reviewed settlements.
type Reviewer interface {
	Approve(ctx context.Context, id, remark string) error
	Reject(ctx context.Context, id, remark string) error
}

type Config struct {
	Logger     *slog.Logger
	ListenAddr string

	Windows  WindowStore
	Reviews  ReviewStore
	Redriver Redriver
	Reviewer Reviewer

	// Ready reports readiness for the /readyz probe. Optional; nil means
	// always ready.
	Ready func(ctx context.Context) bool

	// RateLimit caps operator API requests per IP. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int

	VersionInfo any

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Windows == nil {
		return errors.New("window store is required")
	}
	if cfg.Reviews == nil {
		return errors.New("review store is required")
	}
	if cfg.Redriver == nil {
		return errors.New("redriver is required")
	}
	if cfg.Reviewer == nil {
		return errors.New("reviewer is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

// Handler returns the router, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(RateLimitMiddleware(NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst)))
		}

		r.Get("/windows", s.handleListWindows)
		r.Get("/windows/{id}", s.handleGetWindow)
		r.Post("/windows/{id}/redrive", s.handleRedrive)

		r.Get("/reviews", s.handleListReviews)
		r.Get("/reviews/{id}", s.handleGetReview)
		r.Post("/reviews/{id}/approve", s.handleApprove)
		r.Post("/reviews/{id}/reject", s.handleReject)

		r.Get("/users/{id}/balance", s.handleGetBalance)
		r.Get("/users/{id}/entries", s.handleListEntries)
		r.Put("/users/{id}/currency", s.handleSetCurrency)
	})
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil && !s.cfg.Ready(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

type windowResponse struct {
	ID             string            `json:"id"`
	Account        string            `json:"account"`
	Coin           string            `json:"coin"`
	WindowStart    time.Time         `json:"window_start"`
	WindowEnd      time.Time         `json:"window_end"`
	TotalCoin      string            `json:"total_coin"`
	TotalCredit    string            `json:"total_credit"`
	TotalReference string            `json:"total_reference"`
	RateProvenance string            `json:"rate_provenance,omitempty"`
	Source         string            `json:"allocation_source,omitempty"`
	FallbackReason string            `json:"fallback_reason,omitempty"`
	CategoryTotals map[string]string `json:"category_totals,omitempty"`
	Status         string            `json:"status"`
}

func toWindowResponse(w *settlement.Window) windowResponse {
	resp := windowResponse{
		ID:             w.ID,
		Account:        w.Account,
		Coin:           w.Coin,
		WindowStart:    w.Start,
		WindowEnd:      w.End,
		TotalCoin:      w.TotalCoin.String(),
		TotalCredit:    w.TotalCredit.String(),
		TotalReference: w.TotalReference.String(),
		RateProvenance: w.RateProvenance,
		Source:         string(w.Source),
		FallbackReason: w.FallbackReason,
		Status:         string(w.Status),
	}
	if len(w.CategoryTotals) > 0 {
		resp.CategoryTotals = make(map[string]string, len(w.CategoryTotals))
		for category, amount := range w.CategoryTotals {
			resp.CategoryTotals[string(category)] = amount.String()
		}
	}
	return resp
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	coin := r.URL.Query().Get("coin")
	if account == "" || coin == "" {
		s.writeError(w, http.StatusBadRequest, "account and coin are required")
		return
	}

	from, to := parseTimeRange(r)
	limit := parseLimit(r, 100)

	windows, err := s.cfg.Windows.ListWindows(r.Context(), account, coin, from, to, limit)
	if err != nil {
		s.log.Error("server: failed to list windows", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list windows")
		return
	}

	resp := make([]windowResponse, 0, len(windows))
	for _, window := range windows {
		resp = append(resp, toWindowResponse(window))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	window, err := s.cfg.Windows.GetWindow(r.Context(), id)
	if err != nil {
		s.log.Error("server: failed to get window", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get window")
		return
	}
	if window == nil {
		s.writeError(w, http.StatusNotFound, "window not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toWindowResponse(window))
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	window, err := s.cfg.Redriver.Redrive(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if strings.Contains(err.Error(), "is not in") {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("server: redrive failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toWindowResponse(window))
}

type reviewResponse struct {
	ID                  string             `json:"id"`
	Account             string             `json:"account"`
	Coin                string             `json:"coin"`
	WindowStart         time.Time          `json:"window_start"`
	WindowEnd           time.Time          `json:"window_end"`
	GrossReference      string             `json:"gross_reference"`
	NetReference        string             `json:"net_reference"`
	CommissionReference string             `json:"commission_reference"`
	Status              string             `json:"status"`
	Remark              string             `json:"remark,omitempty"`
	LineItems           []lineItemResponse `json:"line_items,omitempty"`
}

type lineItemResponse struct {
	UserID          string `json:"user_id"`
	Category        string `json:"category"`
	ReferenceAmount string `json:"reference_amount"`
	CreditAmount    string `json:"credit_amount"`
	FiatAmount      string `json:"fiat_amount"`
	Status          string `json:"status"`
}

func toReviewResponse(rs *ledger.ReviewSettlement, items []ledger.ReviewLineItem) reviewResponse {
	resp := reviewResponse{
		ID:                  rs.ID,
		Account:             rs.Account,
		Coin:                rs.Coin,
		WindowStart:         rs.WindowStart,
		WindowEnd:           rs.WindowEnd,
		GrossReference:      rs.GrossReference.String(),
		NetReference:        rs.NetReference.String(),
		CommissionReference: rs.CommissionReference.String(),
		Status:              string(rs.Status),
		Remark:              rs.Remark,
	}
	for _, item := range items {
		resp.LineItems = append(resp.LineItems, lineItemResponse{
			UserID:          item.UserID,
			Category:        string(item.Category),
			ReferenceAmount: item.ReferenceAmount.String(),
			CreditAmount:    item.CreditAmount.String(),
			FiatAmount:      item.FiatAmount.String(),
			Status:          string(item.Status),
		})
	}
	return resp
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	status := ledger.ReviewStatus(r.URL.Query().Get("status"))
	limit := parseLimit(r, 100)

	reviews, err := s.cfg.Reviews.ListReviewSettlements(r.Context(), status, limit)
	if err != nil {
		s.log.Error("server: failed to list reviews", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list reviews")
		return
	}

	resp := make([]reviewResponse, 0, len(reviews))
	for _, rs := range reviews {
		resp = append(resp, toReviewResponse(rs, nil))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rs, items, err := s.cfg.Reviews.GetReviewSettlement(r.Context(), id)
	if err != nil {
		s.log.Error("server: failed to get review", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get review")
		return
	}
	if rs == nil {
		s.writeError(w, http.StatusNotFound, "review settlement not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toReviewResponse(rs, items))
}

type reviewActionRequest struct {
	Remark string `json:"remark"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleReviewAction(w, r, s.cfg.Reviewer.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleReviewAction(w, r, s.cfg.Reviewer.Reject)
}

func (s *Server) handleReviewAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id, remark string) error) {
	id := chi.URLParam(r, "id")

	var req reviewActionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	if err := action(r.Context(), id, req.Remark); err != nil {
		if strings.Contains(err.Error(), "not found") {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if strings.Contains(err.Error(), "is not in") {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("server: review action failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

type balanceResponse struct {
	UserID         string `json:"user_id"`
	CreditBalance  string `json:"credit_balance"`
	FiatBalance    string `json:"fiat_balance"`
	LifetimeCredit string `json:"lifetime_credit"`
	LifetimeFiat   string `json:"lifetime_fiat"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	balance, err := s.cfg.Windows.GetBalance(r.Context(), userID)
	if err != nil {
		s.log.Error("server: failed to get balance", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		UserID:         balance.UserID,
		CreditBalance:  balance.CreditBalance.String(),
		FiatBalance:    balance.FiatBalance.String(),
		LifetimeCredit: balance.LifetimeCredit.String(),
		LifetimeFiat:   balance.LifetimeFiat.String(),
	})
}

type entryResponse struct {
	ID              string    `json:"id"`
	Category        string    `json:"category"`
	CreditAmount    string    `json:"credit_amount"`
	FiatAmount      string    `json:"fiat_amount"`
	ReferenceAmount string    `json:"reference_amount"`
	WindowToken     string    `json:"window_token"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit := parseLimit(r, 100)

	entries, err := s.cfg.Windows.ListEntries(r.Context(), userID, limit)
	if err != nil {
		s.log.Error("server: failed to list entries", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}

	resp := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, entryResponse{
			ID:              entry.ID,
			Category:        string(entry.Category),
			CreditAmount:    entry.CreditAmount.String(),
			FiatAmount:      entry.FiatAmount.String(),
			ReferenceAmount: entry.ReferenceAmount.String(),
			WindowToken:     entry.WindowToken,
			OccurredAt:      entry.OccurredAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type currencyRequest struct {
	Currency string `json:"currency"`
}

func (s *Server) handleSetCurrency(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req currencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.cfg.Windows.SetSettlementCurrency(r.Context(), userID, req.Currency); err != nil {
		if strings.Contains(err.Error(), "invalid settlement currency") {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("server: failed to set currency", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to set currency")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "currency": req.Currency})
}

func parseTimeRange(r *http.Request) (from, to time.Time) {
	from = time.Unix(0, 0).UTC()
	to = time.Now().UTC().Add(24 * time.Hour)
	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			from = t
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			to = t
		}
	}
	return from, to
}

func parseLimit(r *http.Request, fallback int) int {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return fallback
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
