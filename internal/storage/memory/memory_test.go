package memory

import (
	"context"
	"testing"
	"time"

	"fincore/internal/core"
	"fincore/internal/storage"
	"fincore/internal/storage/storagetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.CreateAccount(ctx, &core.CreditAccount{ID: "acct_1", UserID: "u", CreatedAt: now}); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	a, _ := s.GetAccount(ctx, "acct_1")
	a.Balance = core.Cents(1_000_000)

	again, _ := s.GetAccount(ctx, "acct_1")
	if again.Balance.Cents != 0 {
		t.Fatalf("mutating a returned account leaked into the store")
	}
}
