// Package id generates the prefixed, K-sortable identifiers used for every
// stored entity, in the form "prefix_suffix".
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

const (
	PrefixAccount Prefix = "acct"
	PrefixEntry   Prefix = "lent"
	PrefixRecord  Prefix = "rec"
	PrefixParty   Prefix = "party"
	PrefixPartyTx Prefix = "ptx"
)

// New generates an ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// Parse validates s and checks that it carries the expected prefix.
func Parse(s string, expected Prefix) error {
	if s == "" {
		return fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("id: parse %q: %w", s, err)
	}
	if Prefix(tid.Prefix()) != expected {
		return fmt.Errorf("id: expected prefix %q, got %q", expected, tid.Prefix())
	}
	return nil
}

func NewAccountID() string { return New(PrefixAccount) }
func NewEntryID() string   { return New(PrefixEntry) }
func NewRecordID() string  { return New(PrefixRecord) }
func NewPartyID() string   { return New(PrefixParty) }
func NewPartyTxID() string { return New(PrefixPartyTx) }
