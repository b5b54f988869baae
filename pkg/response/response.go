package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tabshare/tabshare-api/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeGroupClosed       = "GROUP_CLOSED"
	ErrCodeGatewayError      = "GATEWAY_ERROR"
	ErrCodeRetry             = "RETRY"
	ErrCodeConsistency       = "CONSISTENCY"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
)

// Handle maps the error taxonomy onto HTTP responses. Validation and
// closed-group errors are caller mistakes (4xx, no auto retry); gateway
// errors surface as 502 and are safe to retry manually; lock timeouts are
// 503 and the caller retries the whole operation.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var validationErr *types.ValidationError
	var gatewayErr *types.GatewayError
	var consistencyErr *types.ConsistencyViolation

	switch {
	case errors.As(err, &validationErr):
		respond(c, http.StatusBadRequest, ErrCodeValidationFailed, validationErr.Error())
	case errors.Is(err, types.ErrGroupClosed):
		respond(c, http.StatusConflict, ErrCodeGroupClosed, "group order is closed")
	case errors.As(err, &gatewayErr):
		respond(c, http.StatusBadGateway, ErrCodeGatewayError, gatewayErr.Error())
	case errors.Is(err, types.ErrRetryable):
		respond(c, http.StatusServiceUnavailable, ErrCodeRetry, "operation busy, retry")
	case errors.As(err, &consistencyErr):
		respond(c, http.StatusInternalServerError, ErrCodeConsistency, "invariant violated, operation aborted")
	case errors.Is(err, types.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		respond(c, http.StatusConflict, ErrCodeDuplicateResource, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// OK sends a 200 response regardless of method. Webhook acks use this so
// the gateway always sees a plain 200.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	respond(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	respond(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ServiceUnavailable sends a 503 response
func ServiceUnavailable(c *gin.Context, message string) {
	respond(c, http.StatusServiceUnavailable, ErrCodeRetry, message)
}

func respond(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
