package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to API responses and audit error codes.
type AppError struct {
	Code       string         `json:"error_code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Err        error          `json:"-"` // Wrapped internal error (not exposed to client)
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

// WithDetails returns a copy of the error carrying structured details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
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

// CodeOf returns the code of the first AppError in err's chain, or "" if none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries an AppError with the given code.
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Error codes.
const (
	CodeInvalidInput             = "INVALID_INPUT"
	CodeInvalidAmount            = "INVALID_AMOUNT"
	CodeInvalidToken             = "INVALID_TOKEN"
	CodeInvalidAddress           = "INVALID_ADDRESS"
	CodeInvalidIdempotencyKey    = "INVALID_IDEMPOTENCY_KEY"
	CodeIdempotencyScopeConflict = "IDEMPOTENCY_SCOPE_CONFLICT"
	CodePayloadTooLarge          = "PAYLOAD_TOO_LARGE"

	CodeTokenNotAllowed           = "TOKEN_NOT_ALLOWED"
	CodeAddressNotAllowed         = "ADDRESS_NOT_ALLOWED"
	CodePerTxLimitExceeded        = "PER_TX_LIMIT_EXCEEDED"
	CodeDailyLimitExceeded        = "DAILY_LIMIT_EXCEEDED"
	CodeApprovalThresholdExceeded = "APPROVAL_THRESHOLD_EXCEEDED"
	CodeTxCountLimitExceeded      = "TX_COUNT_LIMIT_EXCEEDED"

	CodeSessionLocked       = "SESSION_LOCKED"
	CodeWalletNotFound      = "WALLET_NOT_FOUND"
	CodeOperationNotFound   = "OPERATION_NOT_FOUND"
	CodeOperationInFlight   = "OPERATION_IN_FLIGHT"
	CodeInvalidTransition   = "INVALID_STATUS_TRANSITION"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeNetworkTimeout      = "NETWORK_TIMEOUT"
	CodeNonceConflict       = "NONCE_CONFLICT"
	CodeProviderRejected    = "PROVIDER_REJECTED"
	CodeExternalUnavailable = "EXTERNAL_UNAVAILABLE"
	CodeExternalCallFailed  = "EXTERNAL_CALL_FAILED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInvalidPassphrase   = "INVALID_PASSPHRASE"

	CodeInternal         = "INTERNAL_ERROR"
	CodeDatabase         = "DATABASE_ERROR"
	CodeAuditWriteFailed = "AUDIT_WRITE_FAILED"
)

// ---- Validation ----

// Validation returns a generic invalid-input error.
func Validation(message string) *AppError {
	return New(CodeInvalidInput, message, http.StatusBadRequest)
}

func ErrInvalidAmount(message string) *AppError {
	return New(CodeInvalidAmount, message, http.StatusBadRequest)
}

func ErrInvalidToken(token string) *AppError {
	return New(CodeInvalidToken, fmt.Sprintf("invalid token symbol %q", token), http.StatusBadRequest)
}

func ErrInvalidAddress(address string) *AppError {
	return New(CodeInvalidAddress, fmt.Sprintf("invalid destination address %q", address), http.StatusBadRequest)
}

func ErrInvalidIdempotencyKey(reason string) *AppError {
	return New(CodeInvalidIdempotencyKey, "invalid idempotency key: "+reason, http.StatusBadRequest)
}

func ErrIdempotencyScopeConflict(key, existing, requested string) *AppError {
	return New(CodeIdempotencyScopeConflict, "idempotency key already bound to a different scope", http.StatusBadRequest).
		WithDetails(map[string]any{"key": key, "scope": existing, "requested_scope": requested})
}

func ErrPayloadTooLarge(limit int64) *AppError {
	return New(CodePayloadTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
}

// ---- Policy ----

// PolicyDenied builds a denial error for one of the policy codes.
func PolicyDenied(code, message string, details map[string]any) *AppError {
	return New(code, message, http.StatusForbidden).WithDetails(details)
}

// ---- Session & lookup ----

func ErrSessionLocked() *AppError {
	return New(CodeSessionLocked, "session is locked; unlock before running money-moving operations", http.StatusUnauthorized)
}

func ErrWalletNotFound(walletID string) *AppError {
	return New(CodeWalletNotFound, fmt.Sprintf("wallet %s not found", walletID), http.StatusNotFound)
}

func ErrOperationNotFound() *AppError {
	return New(CodeOperationNotFound, "operation not found", http.StatusNotFound)
}

func ErrOperationInFlight(txID string) *AppError {
	return New(CodeOperationInFlight, "an operation with this idempotency key is still in flight", http.StatusConflict).
		WithDetails(map[string]any{"tx_id": txID})
}

func ErrInvalidTransition(from, to string) *AppError {
	return New(CodeInvalidTransition, fmt.Sprintf("cannot move operation from %s to %s", from, to), http.StatusConflict)
}

func ErrRateLimited() *AppError {
	return New(CodeRateLimited, "too many commands; retry later", http.StatusTooManyRequests)
}

func ErrInvalidPassphrase(err error) *AppError {
	return Wrap(CodeInvalidPassphrase, "wallet passphrase rejected", http.StatusUnauthorized, err)
}

// ---- External collaborators ----

func ErrInsufficientFunds(err error) *AppError {
	return Wrap(CodeInsufficientFunds, "insufficient funds for transfer", http.StatusPaymentRequired, err)
}

func ErrNetworkTimeout(err error) *AppError {
	return Wrap(CodeNetworkTimeout, "external call timed out", http.StatusGatewayTimeout, err)
}

func ErrNonceConflict(err error) *AppError {
	return Wrap(CodeNonceConflict, "transaction nonce conflict", http.StatusConflict, err)
}

func ErrProviderRejected(err error) *AppError {
	return Wrap(CodeProviderRejected, "market provider rejected the order", http.StatusBadGateway, err)
}

func ErrExternalUnavailable(err error) *AppError {
	return Wrap(CodeExternalUnavailable, "external service unavailable", http.StatusServiceUnavailable, err)
}

func ErrExternalCallFailed(err error) *AppError {
	return Wrap(CodeExternalCallFailed, "external call failed", http.StatusBadGateway, err)
}

// ---- System & Infrastructure ----

func ErrDatabaseError(err error) *AppError {
	return Wrap(CodeDatabase, "Internal database error", http.StatusInternalServerError, err)
}

func ErrAuditWriteFailed(err error) *AppError {
	return Wrap(CodeAuditWriteFailed, "failed to append audit entry", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as an INTERNAL_ERROR.
func InternalError(err error) *AppError {
	return Wrap(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}
