package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fincore/internal/core"
	"fincore/internal/ledger"
	"fincore/internal/log"
	"fincore/internal/services"
	"fincore/internal/storage/memory"
)

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T) (*Server, *memory.Store, *ledger.Ledger, *services.PartyService) {
	t.Helper()
	store := memory.New()
	l := ledger.New(store, ledger.WithLogger(log.Nop()))
	parties := services.NewPartyService(store, nil, nil, log.Nop())
	srv := NewServer(":0", Deps{
		Store:          store,
		Auditor:        l,
		Parties:        parties,
		MetricsEnabled: true,
		Logger:         log.Nop(),
	})
	return srv, store, l, parties
}

func do(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	return doMethod(t, srv, http.MethodGet, path)
}

func doMethod(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decodeParty(t *testing.T, rr *httptest.ResponseRecorder) partyResponse {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var body partyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rr := do(t, srv, path); rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
	if got := do(t, srv, "/healthz").Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("missing security header, got %q", got)
	}
}

func TestReadyReportsStoreOutage(t *testing.T) {
	srv := NewServer(":0", Deps{Store: downStore{}, Logger: log.Nop()})

	if rr := do(t, srv, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d, want 503", rr.Code)
	}
}

func TestMetricsCanBeDisabled(t *testing.T) {
	srv := NewServer(":0", Deps{Logger: log.Nop()})

	if rr := do(t, srv, "/metrics"); rr.Code != http.StatusNotFound {
		t.Fatalf("metrics status=%d, want 404", rr.Code)
	}
}

func TestAuditEndpoint(t *testing.T) {
	srv, store, l, _ := newTestServer(t)
	acct, err := l.OpenAccount(context.Background(), "user-1", core.Cents(1000))
	if err != nil {
		t.Fatalf("OpenAccount() error: %v", err)
	}

	rr := do(t, srv, "/v1/accounts/"+acct.ID+"/audit")
	if rr.Code != http.StatusOK {
		t.Fatalf("audit status=%d body=%s", rr.Code, rr.Body.String())
	}
	var body auditResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Consistent || body.AccountBalance != "10.00" || body.Completed != 1 {
		t.Errorf("audit body = %+v", body)
	}

	// Move the stored balance without an entry.
	current, _ := store.GetAccount(context.Background(), acct.ID)
	if err := store.CompareAndSwapBalance(context.Background(), acct.ID, current.Version, core.Cents(1250), current.LastEntryID, time.Now()); err != nil {
		t.Fatalf("CompareAndSwapBalance() error: %v", err)
	}
	rr = do(t, srv, "/v1/accounts/"+acct.ID+"/audit")
	if rr.Code != http.StatusConflict {
		t.Fatalf("drifted audit status=%d, want 409", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Consistent || body.DriftCents != 250 {
		t.Errorf("drifted audit body = %+v", body)
	}
}

func TestAuditUnknownAccount(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	if rr := do(t, srv, "/v1/accounts/missing/audit"); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rr.Code)
	}
}

func TestPartyEndpoints(t *testing.T) {
	srv, store, _, parties := newTestServer(t)
	ctx := context.Background()
	p, err := parties.CreatePartyAccount(ctx, core.PartyAccount{
		OwnerUserID: "user-1",
		Kind:        core.Debtor,
		PartyName:   "Acme Ltd",
	})
	if err != nil {
		t.Fatalf("CreatePartyAccount() error: %v", err)
	}
	for _, tx := range []core.PartyTransaction{
		{PartyAccountID: p.ID, Kind: core.TxIncrease, Amount: core.Cents(1000), TransactionDate: time.Now()},
		{PartyAccountID: p.ID, Kind: core.TxPayment, Amount: core.Cents(400), TransactionDate: time.Now()},
	} {
		if _, _, err := parties.AddTransaction(ctx, tx); err != nil {
			t.Fatalf("AddTransaction() error: %v", err)
		}
	}

	body := decodeParty(t, do(t, srv, "/v1/parties/"+p.ID))
	if body.RemainingAmount != "6.00" || body.TransactionCount != 2 || body.Status != string(core.PartyActive) {
		t.Errorf("party body = %+v", body)
	}

	// Drift the stored aggregate; a GET must report it untouched.
	stale, err := store.GetParty(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetParty() error: %v", err)
	}
	stale.RemainingAmount = core.Cents(1000)
	stale.TransactionCount = 1
	if err := store.SaveParty(ctx, stale); err != nil {
		t.Fatalf("SaveParty() error: %v", err)
	}
	if body := decodeParty(t, do(t, srv, "/v1/parties/"+p.ID)); body.RemainingAmount != "10.00" || body.TransactionCount != 1 {
		t.Errorf("GET must not recompute, got %+v", body)
	}
	if rr := do(t, srv, "/v1/parties/"+p.ID+"/recompute"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET recompute status=%d, want 405", rr.Code)
	}

	body = decodeParty(t, doMethod(t, srv, http.MethodPost, "/v1/parties/"+p.ID+"/recompute"))
	if body.RemainingAmount != "6.00" || body.TransactionCount != 2 {
		t.Errorf("recomputed body = %+v", body)
	}
	if body := decodeParty(t, do(t, srv, "/v1/parties/"+p.ID)); body.RemainingAmount != "6.00" {
		t.Errorf("recompute was not persisted, got %+v", body)
	}

	if rr := do(t, srv, "/v1/parties/missing"); rr.Code != http.StatusNotFound {
		t.Errorf("missing party status=%d, want 404", rr.Code)
	}
	if rr := doMethod(t, srv, http.MethodPost, "/v1/parties/missing/recompute"); rr.Code != http.StatusNotFound {
		t.Errorf("missing party recompute status=%d, want 404", rr.Code)
	}
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", core.NewValidationError("amount", "must be positive"), http.StatusBadRequest},
		{"not found", &core.NotFoundError{Kind: "account", ID: "a"}, http.StatusNotFound},
		{"insufficient", &core.InsufficientBalanceError{Required: core.Cents(100), Available: core.Cents(0)}, http.StatusPaymentRequired},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			if rr.Code != tt.want {
				t.Errorf("status=%d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
