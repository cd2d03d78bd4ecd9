package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrVersionConflict is returned by a compare-and-swap whose expected
	// version no longer matches the stored one.
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("already exists")
	// ErrUnsettled marks a failure that left state for the reconcile
	// processor to finish. The request token stays claimed until then.
	ErrUnsettled = errors.New("charge left unsettled")
)

// ValidationError reports malformed input per field. Returning one means
// nothing was persisted.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError creates a ValidationError with a single field message.
func NewValidationError(field, msg string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, msg)
	return v
}

// Add records msg for field; the first message per field wins.
func (v *ValidationError) Add(field, msg string) {
	if v.Fields == nil {
		v.Fields = make(map[string]string)
	}
	if _, ok := v.Fields[field]; !ok {
		v.Fields[field] = msg
	}
}

func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.Fields) > 0
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+v.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// InsufficientBalanceError carries the amounts the caller needs to show.
type InsufficientBalanceError struct {
	Required  Money
	Available Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s", e.Required, e.Available)
}

// Shortfall is how much is missing to cover Required.
func (e *InsufficientBalanceError) Shortfall() Money {
	if !e.Available.LessThan(e.Required) {
		return Money{}
	}
	return e.Required.Sub(e.Available)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// PersistenceError wraps a storage failure the caller cannot fix by
// changing its input.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ReconciliationDriftError is raised by audits only. It is never corrected
// automatically.
type ReconciliationDriftError struct {
	AccountID      string
	LedgerBalance  Money
	AccountBalance Money
}

func (e *ReconciliationDriftError) Error() string {
	return fmt.Sprintf("reconciliation drift on account %s: ledger replay %s, stored balance %s (drift %s)",
		e.AccountID, e.LedgerBalance, e.AccountBalance, e.Drift())
}

// Drift is stored balance minus ledger replay.
func (e *ReconciliationDriftError) Drift() Money {
	return e.AccountBalance.Sub(e.LedgerBalance)
}

// Persistence wraps err as a PersistenceError unless it already belongs to
// the taxonomy, in which case it is returned unchanged.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || IsInsufficientBalance(err) || IsNotFound(err) || IsPersistence(err) || IsDrift(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInsufficientBalance(err error) bool {
	var v *InsufficientBalanceError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsPersistence(err error) bool {
	var v *PersistenceError
	return errors.As(err, &v)
}

func IsDrift(err error) bool {
	var v *ReconciliationDriftError
	return errors.As(err, &v)
}

func IsUnsettled(err error) bool {
	return errors.Is(err, ErrUnsettled)
}

// UserMessage renders err for an end user without leaking internal state.
func UserMessage(err error) string {
	var (
		verr *ValidationError
		ierr *InsufficientBalanceError
		nerr *NotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ierr):
		return fmt.Sprintf("Insufficient credits: required %s, available %s, shortfall %s",
			ierr.Required, ierr.Available, ierr.Shortfall())
	case errors.As(err, &verr):
		return verr.Error()
	case errors.As(err, &nerr):
		return fmt.Sprintf("%s not found", nerr.Kind)
	default:
		return "operation failed"
	}
}
