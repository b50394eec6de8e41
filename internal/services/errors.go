package services

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrCodeBusinessNotFound       ErrorCode = "business_not_found"
	ErrCodeBusinessInactive       ErrorCode = "business_inactive"
	ErrCodeAppNotLinked           ErrorCode = "app_not_linked"
	ErrCodeMethodNotEnabled       ErrorCode = "method_not_enabled"
	ErrCodeCredentialsMissing     ErrorCode = "credentials_missing"
	ErrCodeCredentialsInvalid     ErrorCode = "credentials_invalid"
	ErrCodeInvalidAmount          ErrorCode = "invalid_amount"
	ErrCodeTransactionNotFound    ErrorCode = "transaction_not_found"
	ErrCodeRefundExceedsAvailable ErrorCode = "refund_exceeds_available"
	ErrCodeRefundNotAllowed       ErrorCode = "refund_not_allowed"
	ErrCodeRefundNotFound         ErrorCode = "refund_not_found"
	ErrCodeInvoiceNotFound        ErrorCode = "invoice_not_found"
	ErrCodeInvalidInvoiceState    ErrorCode = "invalid_invoice_state"
	ErrCodeInvalidRequest         ErrorCode = "invalid_request"
	ErrCodeUnauthorized           ErrorCode = "unauthorized"
	ErrCodeInternal               ErrorCode = "internal_error"
)

// ServiceError is a rejected call. Code is stable and machine readable; it is
// unrelated to a transaction's own failed status.
type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func newError(code ErrorCode, msg string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: msg, Err: err}
}

func internal(msg string, err error) *ServiceError {
	return newError(ErrCodeInternal, msg, err)
}

// CodeOf returns the ServiceError code in err's chain, or internal_error.
func CodeOf(err error) ErrorCode {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}
