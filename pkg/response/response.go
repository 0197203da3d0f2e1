package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "cipherchat/pkg/errors"
)

// Response is the standard API envelope
type Response struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail carries error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
		Meta: Meta{
			Timestamp: time.Now().UTC(),
			RequestID: getRequestID(c),
		},
	})
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, errorCode, errorMessage string) {
	c.JSON(statusCode, Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    errorCode,
			Message: errorMessage,
		},
		Meta: Meta{
			Timestamp: time.Now().UTC(),
			RequestID: getRequestID(c),
		},
	})
}

// FromAppError maps an application error onto the HTTP surface
func FromAppError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	Error(c, statusFor(code), string(code), err.Error())
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeSelfConversation,
		apperrors.ErrCodeInvalidKeyMaterial:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotAuthorized:
		return http.StatusForbidden
	case apperrors.ErrCodeConversationNotFound, apperrors.ErrCodeMessageNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeSendTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeStorageUnavailable, apperrors.ErrCodeDirectoryUnavail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Unauthorized sends an unauthorized error (401)
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// ValidationError sends a validation error (400)
func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// getRequestID extracts the request id set by the logging middleware
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
