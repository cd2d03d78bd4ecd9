package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"fincore/internal/core"
	"fincore/internal/log"
)

// JSONResponse is a small fluent builder for API responses.
type JSONResponse struct {
	statusCode int
	headers    map[string]string
	body       any
}

// NewJSONResponse creates a response with a 200 status.
func NewJSONResponse() *JSONResponse {
	return &JSONResponse{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponse) Status(code int) *JSONResponse {
	b.statusCode = code
	return b
}

func (b *JSONResponse) Header(name, value string) *JSONResponse {
	b.headers[name] = value
	return b
}

func (b *JSONResponse) Body(v any) *JSONResponse {
	b.body = v
	return b
}

// Write sends the response. A body that cannot be encoded becomes a 500.
func (b *JSONResponse) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json")

	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	data, err := json.Marshal(b.body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"encoding failed"}`))
		return
	}
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(data)
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ErrorResponse creates an error response with the given message.
func ErrorResponse(statusCode int, message string) *JSONResponse {
	return NewJSONResponse().Status(statusCode).Body(errorBody{Error: message})
}

// writeError maps a domain error to a status code and logs server faults.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		NewJSONResponse().
			Status(http.StatusBadRequest).
			Body(errorBody{Error: "validation failed", Fields: verr.Fields}).
			Write(w)
	case core.IsNotFound(err):
		ErrorResponse(http.StatusNotFound, err.Error()).Write(w)
	case core.IsInsufficientBalance(err):
		ErrorResponse(http.StatusPaymentRequired, err.Error()).Write(w)
	default:
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeInternal)
		ErrorResponse(http.StatusInternalServerError, "internal error").Write(w)
	}
}
