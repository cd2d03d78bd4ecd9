package core

import (
	"testing"
	"time"
)

func TestDateValidate(t *testing.T) {
	cases := []struct {
		d  Date
		ok bool
	}{
		{NewDate(2025, 1, 1), true},
		{NewDate(2025, 12, 31), true},
		{Date{Time: time.Time{}}, false},
	}
	for i, tc := range cases {
		err := tc.d.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestRecordPayloadValidate(t *testing.T) {
	good := RecordPayload{
		Date:        NewDate(2025, 1, 1),
		Description: "salary",
		Amount:      Cents(100),
		Category:    "work",
	}
	if verr := good.Validate(); verr != nil {
		t.Fatalf("expected ok, got %v", verr)
	}

	tests := []struct {
		name    string
		payload RecordPayload
		field   string
	}{
		{"zero date", RecordPayload{Description: "a", Amount: Cents(1)}, "date"},
		{"empty description", RecordPayload{Date: NewDate(2025, 1, 1), Description: "  ", Amount: Cents(1)}, "description"},
		{"zero amount", RecordPayload{Date: NewDate(2025, 1, 1), Description: "a"}, "amount"},
		{"negative amount", RecordPayload{Date: NewDate(2025, 1, 1), Description: "a", Amount: Cents(-5)}, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := tt.payload.Validate()
			if verr == nil {
				t.Fatalf("expected validation error")
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("expected field %q in %v", tt.field, verr.Fields)
			}
		})
	}
}

func TestHasActiveSubscription(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Second)
	earlier := now.Add(-time.Second)

	tests := []struct {
		name    string
		profile UserProfile
		want    bool
	}{
		{"no subscription", UserProfile{}, false},
		{"subscribed, no end", UserProfile{IsSubscribed: true}, false},
		{"ends in the future", UserProfile{IsSubscribed: true, SubscriptionEnd: &later}, true},
		{"ends exactly now", UserProfile{IsSubscribed: true, SubscriptionEnd: &now}, false},
		{"ended", UserProfile{IsSubscribed: true, SubscriptionEnd: &earlier}, false},
		{"end date without flag", UserProfile{SubscriptionEnd: &later}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.HasActiveSubscription(now); got != tt.want {
				t.Errorf("HasActiveSubscription() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPartyAccountValidate(t *testing.T) {
	good := PartyAccount{OwnerUserID: "u1", PartyName: "Acme", Kind: Debtor, PaymentTerms: Terms30Days}
	if verr := good.Validate(); verr != nil {
		t.Fatalf("expected ok, got %v", verr)
	}
	noTerms := good
	noTerms.PaymentTerms = ""
	if verr := noTerms.Validate(); verr != nil {
		t.Fatalf("empty terms should default, got %v", verr)
	}

	custom := good
	custom.PaymentTerms = TermsCustom
	verr := custom.Validate()
	if verr == nil || verr.Fields["custom_term_days"] == "" {
		t.Fatalf("expected custom_term_days error, got %v", verr)
	}

	bad := PartyAccount{Kind: "vendor", PaymentTerms: "weekly"}
	verr = bad.Validate()
	for _, f := range []string{"owner_user_id", "party_name", "kind", "payment_terms"} {
		if _, ok := verr.Fields[f]; !ok {
			t.Errorf("expected field %q in %v", f, verr.Fields)
		}
	}
}

func TestPartyTransactionValidate(t *testing.T) {
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		tx   PartyTransaction
		ok   bool
	}{
		{"increase", PartyTransaction{PartyAccountID: "p", Kind: TxIncrease, Amount: Cents(100), TransactionDate: day}, true},
		{"negative adjustment", PartyTransaction{PartyAccountID: "p", Kind: TxAdjustment, Amount: Cents(-100), TransactionDate: day}, true},
		{"zero adjustment", PartyTransaction{PartyAccountID: "p", Kind: TxAdjustment, TransactionDate: day}, false},
		{"negative payment", PartyTransaction{PartyAccountID: "p", Kind: TxPayment, Amount: Cents(-1), TransactionDate: day}, false},
		{"unknown kind", PartyTransaction{PartyAccountID: "p", Kind: "sale", Amount: Cents(1), TransactionDate: day}, false},
		{"missing date", PartyTransaction{PartyAccountID: "p", Kind: TxIncrease, Amount: Cents(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := tt.tx.Validate()
			if tt.ok && verr != nil {
				t.Fatalf("expected ok, got %v", verr)
			}
			if !tt.ok && verr == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
