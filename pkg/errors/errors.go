package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Crypto engine errors
	ErrCodeInvalidKeyMaterial ErrorCode = "INVALID_KEY_MATERIAL"
	ErrCodeNoActiveKeyPair    ErrorCode = "NO_ACTIVE_KEY_PAIR"
	ErrCodeEncryptionFailed   ErrorCode = "ENCRYPTION_FAILED"

	// Identity bootstrap errors
	ErrCodeKeyInitFailed      ErrorCode = "KEY_INITIALIZATION_FAILED"
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// Policy / validation errors
	ErrCodeSelfConversation ErrorCode = "SELF_CONVERSATION"
	ErrCodeNotAuthorized    ErrorCode = "NOT_AUTHORIZED"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"

	// Not found errors
	ErrCodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrCodeMessageNotFound      ErrorCode = "MESSAGE_NOT_FOUND"

	// Delivery errors
	ErrCodeSendTimeout      ErrorCode = "SEND_TIMEOUT"
	ErrCodeDirectoryUnavail ErrorCode = "DIRECTORY_UNAVAILABLE"
	ErrCodeTransportClosed  ErrorCode = "TRANSPORT_CLOSED"
	ErrCodePartialWrite     ErrorCode = "PARTIAL_WRITE"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
)

// AppError is a structured application error carrying a code for callers
// that need to branch on failure class without string matching.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by code so errors.Is works across wrapping
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if errors.As(target, &appErr) {
		return e.Code == appErr.Code
	}
	return false
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Crypto engine errors

func InvalidKeyMaterialError(message string) *AppError {
	return New(ErrCodeInvalidKeyMaterial, message)
}

func NoActiveKeyPairError() *AppError {
	return New(ErrCodeNoActiveKeyPair, "no active key pair; call SetActiveKeyPair first")
}

func EncryptionFailedError(err error) *AppError {
	return Wrap(ErrCodeEncryptionFailed, "encryption primitive rejected input", err)
}

// Identity bootstrap errors

func KeyInitFailedError(message string, err error) *AppError {
	return Wrap(ErrCodeKeyInitFailed, message, err)
}

func StorageUnavailableError(err error) *AppError {
	return Wrap(ErrCodeStorageUnavailable, "local key storage unavailable", err)
}

// Policy errors

func SelfConversationError() *AppError {
	return New(ErrCodeSelfConversation, "cannot start a conversation with yourself")
}

func NotAuthorizedError(message string) *AppError {
	return New(ErrCodeNotAuthorized, message)
}

func InvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// Not found errors

func ConversationNotFoundError(conversationID string) *AppError {
	return Newf(ErrCodeConversationNotFound, "conversation %s not found", conversationID)
}

// Delivery errors

func SendTimeoutError(message string) *AppError {
	return New(ErrCodeSendTimeout, message)
}

func DirectoryUnavailableError(err error) *AppError {
	return Wrap(ErrCodeDirectoryUnavail, "key directory unreachable", err)
}

func PartialWriteError(message string, err error) *AppError {
	return Wrap(ErrCodePartialWrite, message, err)
}

// Internal errors

func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "database error", err)
}

func StorageError(err error) *AppError {
	return Wrap(ErrCodeStorage, "storage error", err)
}

// CodeOf extracts the ErrorCode from an error, or ErrCodeInternal for
// non-AppError values.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
