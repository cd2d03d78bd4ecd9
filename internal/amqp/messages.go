package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is also used as the AMQP message type.
type EventType string

const (
	EventRecordCreated           EventType = "record.created"
	EventChargeCompleted         EventType = "charge.completed"
	EventChargeRolledBack        EventType = "charge.rolled_back"
	EventReconciliationCandidate EventType = "reconciliation.candidate"
	EventLedgerDrift             EventType = "ledger.drift_detected"
	EventPartyRecomputed         EventType = "party.recomputed"
)

// Event is a lightweight notification. It carries identifiers only;
// consumers read current state from the store.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	UserID      string    `json:"user_id,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	RecordID    string    `json:"record_id,omitempty"`
	EntryID     string    `json:"entry_id,omitempty"`
	PartyID     string    `json:"party_id,omitempty"`
	AmountCents int64     `json:"amount_cents,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh message ID.
func NewEvent(t EventType) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON decodes an event and rejects one without a type.
func EventFromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, fmt.Errorf("event %q has no type", e.ID)
	}
	return &e, nil
}
