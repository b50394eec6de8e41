package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/baharkarakas/paygate/internal/services"
)

type APIError struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// maxBody bounds every JSON request body.
const maxBody = 1 << 20

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, msg string, details interface{}) {
	WriteJSON(w, status, APIError{
		Error:   msg,
		Code:    code,
		Details: details,
	})
}

// StatusFor maps a service error code onto an HTTP status.
func StatusFor(code services.ErrorCode) int {
	switch code {
	case services.ErrCodeBusinessNotFound, services.ErrCodeTransactionNotFound, services.ErrCodeRefundNotFound, services.ErrCodeInvoiceNotFound:
		return http.StatusNotFound
	case services.ErrCodeBusinessInactive, services.ErrCodeAppNotLinked:
		return http.StatusForbidden
	case services.ErrCodeMethodNotEnabled, services.ErrCodeCredentialsMissing, services.ErrCodeCredentialsInvalid:
		return http.StatusUnprocessableEntity
	case services.ErrCodeRefundExceedsAvailable, services.ErrCodeRefundNotAllowed, services.ErrCodeInvalidInvoiceState:
		return http.StatusConflict
	case services.ErrCodeInvalidAmount, services.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case services.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// WriteServiceError renders err with its stable code. Internal errors never
// leak their cause.
func WriteServiceError(w http.ResponseWriter, err error) {
	var se *services.ServiceError
	if !errors.As(err, &se) || se.Code == services.ErrCodeInternal {
		WriteError(w, http.StatusInternalServerError, string(services.ErrCodeInternal), "internal error", nil)
		return
	}
	WriteError(w, StatusFor(se.Code), string(se.Code), se.Message, nil)
}

// DecodeJSON reads a single JSON object into v, rejecting unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}
