package payment

import (
	"errors"
	"fmt"
)

// Error is the structured failure carried across the gateway boundary.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (paymentErr *Error) Error() string {
	if paymentErr.Message == "" {
		return "payment." + paymentErr.Code
	}
	return fmt.Sprintf("payment.%s: %s", paymentErr.Code, paymentErr.Message)
}

// Is matches on Code so sentinel comparisons work for errors built by gateways.
func (paymentErr *Error) Is(target error) bool {
	var targetErr *Error
	if !errors.As(target, &targetErr) {
		return false
	}
	return targetErr.Code == paymentErr.Code
}

// Error codes shared by every gateway.
const (
	CodeAccountNotFound   = "account_not_found"
	CodeAccountExists     = "account_exists"
	CodeInsufficientFunds = "insufficient_funds"
	CodeInvalidAmount     = "invalid_amount"
	CodeInvalidFilter     = "invalid_filter"
	CodeUnsupported       = "unsupported"
	CodeBackendFailure    = "backend_failure"
)

var (
	// ErrAccountNotFound indicates no wallet exists for the identifier or address.
	ErrAccountNotFound = &Error{Code: CodeAccountNotFound, Message: "account not found"}
	// ErrAccountExists indicates a wallet was already created for the identifier.
	ErrAccountExists = &Error{Code: CodeAccountExists, Message: "account already exists"}
	// ErrInsufficientFunds indicates the sender balance is lower than the value.
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	// ErrUnsupported indicates the selected backend lacks the requested capability.
	ErrUnsupported = &Error{Code: CodeUnsupported, Message: "operation not supported"}
	// ErrUnsupportedProcessor indicates an unknown payment processor type.
	ErrUnsupportedProcessor = errors.New("payment.unsupported_processor_type")
	// ErrFiatNotImplemented indicates the FIAT processor was requested.
	ErrFiatNotImplemented = errors.New("payment.fiat_not_implemented")
)

// NewError builds a structured error.
func NewError(code string, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Unsupported builds the error returned when a backend lacks a capability.
func Unsupported(backend string, operation string) *Error {
	return &Error{
		Code:    CodeUnsupported,
		Message: fmt.Sprintf("%s not available for %s", operation, backend),
		Details: map[string]any{"backend": backend, "operation": operation},
	}
}

// AsError returns the structured form of err, wrapping foreign errors as backend failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var paymentErr *Error
	if errors.As(err, &paymentErr) {
		return paymentErr
	}
	return &Error{Code: CodeBackendFailure, Message: err.Error()}
}
