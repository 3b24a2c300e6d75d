package errors

import (
	"errors"
	"net/http"
)

// Domain errors
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrBadRequest    = errors.New("bad request")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")

	ErrDebtNotFound            = errors.New("debt not found")
	ErrOwerNotFound            = errors.New("ower not found on debt")
	ErrDebtAlreadySettled      = errors.New("debt already settled")
	ErrUnsupportedChain        = errors.New("unsupported chain")
	ErrUnsupportedToken        = errors.New("unsupported token")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrBalanceQueryFailed      = errors.New("balance query failed")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInvalidAttemptReference = errors.New("invalid settlement attempt reference")
	ErrDuplicateSubmission     = errors.New("duplicate submission")
	ErrAttemptInFlight         = errors.New("settlement attempt already in flight")
	ErrBridgeStatusUnavailable = errors.New("bridge status unavailable")
	ErrConcurrentModification  = errors.New("concurrent modification")
)

// ErrAlreadySettled is returned by the ledger when a submission races a completed debt.
var ErrAlreadySettled = ErrDebtAlreadySettled

// Machine readable error codes
const (
	CodeNotFound            = "NOT_FOUND"
	CodeBadRequest          = "BAD_REQUEST"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeConflict            = "CONFLICT"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeOwerNotFound        = "OWER_NOT_FOUND"
	CodeDebtAlreadySettled  = "DEBT_ALREADY_SETTLED"
	CodeUnsupportedChain    = "UNSUPPORTED_CHAIN"
	CodeUnsupportedToken    = "UNSUPPORTED_TOKEN"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeBalanceQueryFailed  = "BALANCE_QUERY_FAILED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeInvalidAttemptRef   = "INVALID_ATTEMPT_REFERENCE"
	CodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	CodeAttemptInFlight     = "ATTEMPT_IN_FLIGHT"
	CodeBridgeUnavailable   = "BRIDGE_STATUS_UNAVAILABLE"
)

// Category tells a client what to do next with a failed call.
type Category string

const (
	CategoryInput      Category = "input"
	CategoryRetryLater Category = "retry_later"
	CategorySettled    Category = "settled"
	CategoryConflict   Category = "conflict"
)

// AppError represents application error with HTTP status
type AppError struct {
	Status   int      `json:"-"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
	Err      error    `json:"-"`
	// Details is rendered alongside the error, e.g. the balance check behind an insufficient balance.
	Details interface{} `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later without changes.
func (e *AppError) Retryable() bool {
	return e.Category == CategoryRetryLater
}

// WithDetails attaches a payload rendered with the error response.
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new app error
func NewAppError(status int, code, message string, err error) *AppError {
	return &AppError{
		Status:   status,
		Code:     code,
		Message:  message,
		Category: categoryForStatus(status),
		Err:      err,
	}
}

func categoryForStatus(status int) Category {
	switch {
	case status >= 500, status == http.StatusTooManyRequests:
		return CategoryRetryLater
	case status == http.StatusConflict:
		return CategoryConflict
	default:
		return CategoryInput
	}
}

// Common error constructors
func NotFound(message string) *AppError {
	return NewAppError(http.StatusNotFound, CodeNotFound, message, ErrNotFound)
}

func BadRequest(message string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeInvalidInput, message, ErrInvalidInput)
}

func Unauthorized(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, CodeUnauthorized, message, ErrUnauthorized)
}

func Forbidden(message string) *AppError {
	return NewAppError(http.StatusForbidden, CodeForbidden, message, ErrForbidden)
}

func Conflict(message string) *AppError {
	return NewAppError(http.StatusConflict, CodeConflict, message, ErrAlreadyExists)
}

func InternalError(err error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternalError, "internal server error", err)
}

func InternalServerError(message string) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternalError, message, nil)
}

// NewError creates a new error with a custom message wrapping an existing error
func NewError(message string, err error) error {
	return NewAppError(http.StatusBadRequest, CodeBadRequest, message, err)
}

type mapping struct {
	sentinel error
	status   int
	code     string
	category Category
}

var settlementMappings = []mapping{
	{ErrOwerNotFound, http.StatusUnprocessableEntity, CodeOwerNotFound, CategoryInput},
	{ErrDebtAlreadySettled, http.StatusConflict, CodeDebtAlreadySettled, CategorySettled},
	{ErrUnsupportedChain, http.StatusBadRequest, CodeUnsupportedChain, CategoryInput},
	{ErrUnsupportedToken, http.StatusBadRequest, CodeUnsupportedToken, CategoryInput},
	{ErrInvalidAmount, http.StatusBadRequest, CodeInvalidAmount, CategoryInput},
	{ErrInvalidInput, http.StatusBadRequest, CodeInvalidInput, CategoryInput},
	{ErrInsufficientBalance, http.StatusUnprocessableEntity, CodeInsufficientBalance, CategoryInput},
	{ErrBalanceQueryFailed, http.StatusServiceUnavailable, CodeBalanceQueryFailed, CategoryRetryLater},
	{ErrBridgeStatusUnavailable, http.StatusServiceUnavailable, CodeBridgeUnavailable, CategoryRetryLater},
	{ErrAttemptInFlight, http.StatusConflict, CodeAttemptInFlight, CategoryRetryLater},
	{ErrConcurrentModification, http.StatusConflict, CodeConflict, CategoryRetryLater},
	{ErrInvalidAttemptReference, http.StatusConflict, CodeInvalidAttemptRef, CategoryConflict},
	{ErrDuplicateSubmission, http.StatusConflict, CodeDuplicateSubmission, CategoryConflict},
	{ErrDebtNotFound, http.StatusNotFound, CodeNotFound, CategoryInput},
	{ErrNotFound, http.StatusNotFound, CodeNotFound, CategoryInput},
}

// FromError converts a domain error chain into an AppError. Errors that already are
// AppErrors are returned unchanged; unknown errors become internal errors.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	for _, m := range settlementMappings {
		if errors.Is(err, m.sentinel) {
			return &AppError{
				Status:   m.status,
				Code:     m.code,
				Message:  err.Error(),
				Category: m.category,
				Err:      err,
			}
		}
	}
	return InternalError(err)
}
