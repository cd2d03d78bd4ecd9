package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldBytes       = "bytes"
	FieldUserAgent   = "user_agent"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldErrorType   = "error_type"
	FieldOperation   = "operation"
	FieldUserID      = "user_id"
	FieldAccountID   = "account_id"
	FieldEntryID     = "entry_id"
	FieldRecordID    = "record_id"
	FieldPartyID     = "party_id"
	FieldDirection   = "direction"
	FieldAmountCents = "amount_cents"
	FieldBalance     = "balance_cents"
	FieldVersion     = "version"
	FieldAttempt     = "attempt"
	FieldRequestKey  = "request_token"
	FieldReason      = "reason"
)

// Components defines standard component names
const (
	ComponentApp         = "app"
	ComponentHTTP        = "http"
	ComponentLedger      = "ledger"
	ComponentCoordinator = "coordinator"
	ComponentParty       = "party"
	ComponentStorage     = "storage"
	ComponentAMQP        = "amqp"
	ComponentWorker      = "worker"
	ComponentReconcile   = "reconcile"
	ComponentCache       = "cache"
	ComponentBackend     = "backend"
	ComponentCLI         = "cli"
)

// Operations defines standard operation names
const (
	OpCreate    = "create"
	OpRead      = "read"
	OpDelete    = "delete"
	OpAppend    = "append"
	OpReverse   = "reverse"
	OpAudit     = "audit"
	OpCharge    = "charge"
	OpRollback  = "rollback"
	OpRecompute = "recompute"
	OpSweep     = "sweep"
	OpPublish   = "publish"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation     = "validation_error"
	ErrorTypeConfiguration  = "configuration_error"
	ErrorTypeDatabase       = "database_error"
	ErrorTypeNetwork        = "network_error"
	ErrorTypeNotFound       = "not_found_error"
	ErrorTypeConflict       = "conflict_error"
	ErrorTypeInsufficient   = "insufficient_balance"
	ErrorTypeReconciliation = "reconciliation_error"
	ErrorTypeInternal       = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithError adds the error text and, when given, its category.
func (f LogFields) WithError(err error, errorType string) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
		if errorType != "" {
			f[FieldErrorType] = errorType
		}
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithEntry adds the fields that identify a ledger movement.
func (f LogFields) WithEntry(accountID, entryID, direction string, amountCents int64) LogFields {
	f[FieldAccountID] = accountID
	f[FieldEntryID] = entryID
	f[FieldDirection] = direction
	f[FieldAmountCents] = amountCents
	return f
}

// WithCharge adds the fields of a charged business record.
func (f LogFields) WithCharge(userID, recordID string, amountCents int64) LogFields {
	f[FieldUserID] = userID
	f[FieldRecordID] = recordID
	f[FieldAmountCents] = amountCents
	return f
}

func (f LogFields) WithHTTPRequest(method, path, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldUserAgent] = userAgent
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, bytes int) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldBytes] = bytes
	f[FieldSuccess] = statusCode < 400
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
