package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// HasCode reports whether err (or anything it wraps) is an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Error codes referenced outside this package.
const (
	CodeInsufficientFunds  = "LEDGER_001"
	CodeInvalidAmount      = "LEDGER_002"
	CodeInvalidDestination = "LEDGER_003"
	CodeNotFound           = "LEDGER_004"
	CodeAccountFrozen      = "LEDGER_005"
	CodeDuplicate          = "LEDGER_006"
	CodeNotReplayable      = "LEDGER_007"
	CodeGiveawayClosed     = "LEDGER_008"
	CodeGiveawaySettling   = "LEDGER_009"
	CodeGiveawayFunded     = "LEDGER_010"

	CodeNodeUnavailable  = "SETTLE_001"
	CodeBroadcastTimeout = "SETTLE_002"
	CodeConsistency      = "SETTLE_003"
	CodeLockTimeout      = "SETTLE_004"
)

// ---- Security & Authentication (SEC) ----

func ErrInvalidClient() *AppError {
	return New("SEC_001", "Invalid client", http.StatusUnauthorized)
}

func ErrInvalidSignature() *AppError {
	return New("SEC_002", "Invalid signature", http.StatusUnauthorized)
}

func ErrTimestampExpired() *AppError {
	return New("SEC_003", "Request timestamp expired", http.StatusForbidden)
}

func ErrNonceUsed() *AppError {
	return New("SEC_004", "Nonce has already been used", http.StatusForbidden)
}

// ---- Ledger (LEDGER) ----

func ErrInsufficientFunds() *AppError {
	return New(CodeInsufficientFunds, "Insufficient available balance", http.StatusPaymentRequired)
}

func ErrInvalidAmount() *AppError {
	return New(CodeInvalidAmount, "Invalid amount", http.StatusBadRequest)
}

func ErrInvalidDestination(reason string) *AppError {
	return New(CodeInvalidDestination, "Invalid destination: "+reason, http.StatusBadRequest)
}

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrAccountFrozen() *AppError {
	return New(CodeAccountFrozen, "Account is frozen", http.StatusForbidden)
}

func ErrDuplicateTransaction() *AppError {
	return New(CodeDuplicate, "Idempotency key already used for a different transaction", http.StatusConflict)
}

func ErrNotReplayable() *AppError {
	return New(CodeNotReplayable, "Only failed transactions can be replayed", http.StatusConflict)
}

func ErrGiveawayClosed() *AppError {
	return New(CodeGiveawayClosed, "Giveaway is no longer open", http.StatusConflict)
}

func ErrGiveawaySettling() *AppError {
	return New(CodeGiveawaySettling, "Giveaway funding is still settling", http.StatusConflict)
}

func ErrGiveawayFunded() *AppError {
	return New(CodeGiveawayFunded, "Giveaway has funds and must be paid out", http.StatusConflict)
}

// ---- Settlement (SETTLE) ----

func ErrNodeUnavailable(err error) *AppError {
	return Wrap(CodeNodeUnavailable, "Node unavailable", http.StatusServiceUnavailable, err)
}

func ErrBroadcastTimeout(err error) *AppError {
	return Wrap(CodeBroadcastTimeout, "Node request timed out", http.StatusGatewayTimeout, err)
}

func ErrConsistency(message string) *AppError {
	return New(CodeConsistency, message, http.StatusInternalServerError)
}

func ErrLockTimeout(err error) *AppError {
	return Wrap(CodeLockTimeout, "Lock acquisition timeout", http.StatusServiceUnavailable, err)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New("AUTH_003", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a LEDGER_002-style validation error.
func Validation(message string) *AppError {
	return New(CodeInvalidAmount, message, http.StatusBadRequest)
}
