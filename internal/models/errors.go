package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies terminal failures for display and matching.
type ErrorKind string

const (
	KindAuthorizationDenied     ErrorKind = "AUTHORIZATION_DENIED"
	KindBadRequest              ErrorKind = "BAD_REQUEST"
	KindNotFound                ErrorKind = "NOT_FOUND"
	KindUnauthorized            ErrorKind = "UNAUTHORIZED"
	KindCryptoOperationFailed   ErrorKind = "CRYPTO_OPERATION_FAILED"
	KindMalformedDocument       ErrorKind = "MALFORMED_DOCUMENT"
	KindPerFileDecryptionFailed ErrorKind = "PER_FILE_DECRYPTION_FAILED"
	KindTransactionAborted      ErrorKind = "TRANSACTION_ABORTED"
	KindGeneric                 ErrorKind = "GENERIC"
)

// Sentinel errors
var (
	ErrAuthorizationDenied   = errors.New("authorization denied")
	ErrBadRequest            = errors.New("bad request")
	ErrNotFound              = errors.New("resource not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrCryptoOperation       = errors.New("crypto operation failed")
	ErrMalformedDocument     = errors.New("malformed metadata document")
	ErrDecryptionFailed      = errors.New("decryption failed")
	ErrTransactionAborted    = errors.New("folder transaction aborted")
	ErrKeyNotFound           = errors.New("key not found")
	ErrExchangeInProgress    = errors.New("key exchange already in progress")
	ErrTransactionInProgress = errors.New("folder transaction already in progress")
	ErrPromptCancelled       = errors.New("prompt cancelled")
	ErrInvalidConfig         = errors.New("invalid configuration")
)

var kindSentinels = map[ErrorKind]error{
	KindAuthorizationDenied:     ErrAuthorizationDenied,
	KindBadRequest:              ErrBadRequest,
	KindNotFound:                ErrNotFound,
	KindUnauthorized:            ErrUnauthorized,
	KindCryptoOperationFailed:   ErrCryptoOperation,
	KindMalformedDocument:       ErrMalformedDocument,
	KindPerFileDecryptionFailed: ErrDecryptionFailed,
	KindTransactionAborted:      ErrTransactionAborted,
}

// APIError represents a failed server round-trip.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// Kind classifies the status code.
func (e *APIError) Kind() ErrorKind {
	return OutcomeForStatus(e.StatusCode).Kind()
}

// Is matches the sentinel for the status class.
func (e *APIError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind()]
	return ok && sentinel == target
}

// ExchangeError is the terminal error of a failed key exchange run.
type ExchangeError struct {
	Step    Action
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("e2e %s [%s]: %s (code %d)", e.Step, e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("e2e %s [%s]: %s", e.Step, e.Kind, e.Message)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

func (e *ExchangeError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// DecryptError represents a per-file decryption failure.
type DecryptError struct {
	FileNameID string
	Err        error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt %s: %v", e.FileNameID, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

func (e *DecryptError) Is(target error) bool {
	return target == ErrDecryptionFailed
}

// TransactionError reports the first failing step of a folder lock transaction.
type TransactionError struct {
	Step      Action
	FolderURL string
	FileID    string
	Err       error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("folder %s (%s): %s: %v", e.FolderURL, e.FileID, e.Step, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransactionAborted
}

// Code returns the numeric status code of the underlying API error, or 0.
func (e *TransactionError) Code() int {
	var apiErr *APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Outcome is the code-classed result of a server round-trip.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeBadRequest
	OutcomeUnauthorized
	OutcomeNotFound
	OutcomeForbidden
	OutcomeOther
)

// OutcomeForStatus maps an HTTP status code onto an Outcome.
// 409 is what the E2EE API answers when the user may not access a key.
func OutcomeForStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusBadRequest:
		return OutcomeBadRequest
	case code == http.StatusUnauthorized:
		return OutcomeUnauthorized
	case code == http.StatusNotFound:
		return OutcomeNotFound
	case code == http.StatusForbidden, code == http.StatusConflict:
		return OutcomeForbidden
	default:
		return OutcomeOther
	}
}

// Kind returns the error kind for a failed outcome.
func (o Outcome) Kind() ErrorKind {
	switch o {
	case OutcomeBadRequest:
		return KindBadRequest
	case OutcomeUnauthorized:
		return KindUnauthorized
	case OutcomeNotFound:
		return KindNotFound
	case OutcomeForbidden:
		return KindAuthorizationDenied
	default:
		return KindGeneric
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBadRequest:
		return "bad_request"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return "other"
	}
}
