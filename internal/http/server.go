// Package http serves the operational endpoints: health, readiness,
// Prometheus metrics, account audits and party recomputation.
package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fincore/internal/core"
	"fincore/internal/ledger"
	"fincore/internal/log"
)

const readyTimeout = 2 * time.Second

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Auditor audits one account.
type Auditor interface {
	Audit(ctx context.Context, accountID string) (*ledger.AuditReport, error)
}

// PartyReader reads party aggregates and refolds them from their
// transactions on request.
type PartyReader interface {
	GetPartyAccount(ctx context.Context, partyID string) (*core.PartyAccount, error)
	RecomputePartyAccount(ctx context.Context, partyID string) (*core.PartyAccount, error)
}

// Deps are the collaborators the routes call into.
type Deps struct {
	Store          Pinger
	Auditor        Auditor
	Parties        PartyReader
	MetricsEnabled bool
	Logger         *log.Logger
}

// Server is the ops HTTP server.
type Server struct {
	http.Server
	deps         Deps
	shutdownOnce sync.Once
}

// NewServer configures routes, returning a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.Default(log.ComponentHTTP)
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(log.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)
	if deps.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/accounts/{accountID}/audit", s.handleAudit)
		r.Get("/parties/{partyID}", s.handleGetParty)
		r.Post("/parties/{partyID}/recompute", s.handleRecomputeParty)
	})

	s.Server = http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Shutdown gracefully shuts the server down. Later calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.Server.Shutdown(ctx)
	})
	return err
}

// ListenAndServe runs until Shutdown, which is not reported as an error.
func (s *Server) ListenAndServe() error {
	if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Readiness check failed", log.FieldError, err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type auditResponse struct {
	AccountID      string    `json:"account_id"`
	AccountBalance string    `json:"account_balance"`
	LedgerBalance  string    `json:"ledger_balance"`
	DriftCents     int64     `json:"drift_cents"`
	Consistent     bool      `json:"consistent"`
	InFlight       bool      `json:"in_flight"`
	Completed      int       `json:"completed_entries"`
	Pending        int       `json:"pending_entries"`
	Reversed       int       `json:"reversed_entries"`
	CheckedAt      time.Time `json:"checked_at"`
}

// handleAudit answers 200 for a clean account and 409 when the replay
// disagrees with the stored balance.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	report, err := s.deps.Auditor.Audit(r.Context(), accountID)
	if err != nil && !core.IsDrift(err) {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if !report.Consistent() {
		status = http.StatusConflict
		log.FromContext(r.Context()).WarnContext(r.Context(), "Audit found drift",
			log.FieldAccountID, accountID,
			log.FieldErrorType, log.ErrorTypeReconciliation)
	}
	NewJSONResponse().Status(status).Body(auditResponse{
		AccountID:      report.AccountID,
		AccountBalance: report.AccountBalance.String(),
		LedgerBalance:  report.LedgerBalance.String(),
		DriftCents:     report.AccountBalance.Sub(report.LedgerBalance).Cents,
		Consistent:     report.Consistent(),
		InFlight:       report.InFlight,
		Completed:      report.Completed,
		Pending:        report.Pending,
		Reversed:       report.Reversed,
		CheckedAt:      report.CheckedAt,
	}).Write(w)
}

type partyResponse struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	PartyName        string     `json:"party_name"`
	PaymentTerms     string     `json:"payment_terms"`
	TotalAmount      string     `json:"total_amount"`
	PaidAmount       string     `json:"paid_amount"`
	RemainingAmount  string     `json:"remaining_amount"`
	Status           string     `json:"status"`
	LastPaymentDate  *time.Time `json:"last_payment_date,omitempty"`
	NextPaymentDue   *time.Time `json:"next_payment_due,omitempty"`
	OverdueDays      int        `json:"overdue_days"`
	TransactionCount int        `json:"transaction_count"`
	AgeDays          int        `json:"age_days"`
}

func (s *Server) handleGetParty(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Parties.GetPartyAccount(r.Context(), chi.URLParam(r, "partyID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeParty(w, p)
}

// handleRecomputeParty rewrites the stored aggregate, so it is a POST.
func (s *Server) handleRecomputeParty(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Parties.RecomputePartyAccount(r.Context(), chi.URLParam(r, "partyID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeParty(w, p)
}

func writeParty(w http.ResponseWriter, p *core.PartyAccount) {
	NewJSONResponse().Body(partyResponse{
		ID:               p.ID,
		Kind:             string(p.Kind),
		PartyName:        p.PartyName,
		PaymentTerms:     string(p.PaymentTerms),
		TotalAmount:      p.TotalAmount.String(),
		PaidAmount:       p.PaidAmount.String(),
		RemainingAmount:  p.RemainingAmount.String(),
		Status:           string(p.Status),
		LastPaymentDate:  p.LastPaymentDate,
		NextPaymentDue:   p.NextPaymentDue,
		OverdueDays:      p.OverdueDays,
		TransactionCount: p.TransactionCount,
		AgeDays:          p.AgeDays,
	}).Write(w)
}
