package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	Validation    ErrorCode = "validation_error"
	Authorization ErrorCode = "authorization_error"
	NotFound      ErrorCode = "not_found"
	Conflict      ErrorCode = "conflict"
	Provider      ErrorCode = "provider_error"
	Connectivity  ErrorCode = "connectivity_error"
	Internal      ErrorCode = "internal_error"
)

// AppError is the error type surfaced to API callers.
type AppError struct {
	Code    ErrorCode           `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to an HTTP status.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case Validation:
		return http.StatusBadRequest
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Provider:
		return http.StatusBadGateway
	case Connectivity:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func NewValidation(message string, details map[string][]string) *AppError {
	return &AppError{Code: Validation, Message: message, Details: details}
}

func NewAuthorization(message string) *AppError {
	return &AppError{Code: Authorization, Message: message}
}

func NewNotFound(message string) *AppError {
	return &AppError{Code: NotFound, Message: message}
}

func NewConflict(message string, details map[string][]string) *AppError {
	return &AppError{Code: Conflict, Message: message, Details: details}
}

// ProviderError reports a provider-side rejection or an ambiguous provider
// response. UserMessage is the provider-supplied text shown to the end user;
// Request and Response keep the raw payloads for the audit trail.
type ProviderError struct {
	Message     string
	UserMessage string
	Request     any
	Response    any
}

func (e *ProviderError) Error() string {
	if e.UserMessage != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.UserMessage)
	}
	return e.Message
}

// ConnectivityError marks a network failure or timeout talking to a provider.
// It is always retryable and never maps to a FAILED transaction on withdraw.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("provider unreachable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ErrLockBusy is returned when a transaction lock could not be acquired
// within its bounded wait.
var ErrLockBusy = &AppError{Code: Conflict, Message: "operation already in progress"}

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func AsProvider(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func AsApp(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
