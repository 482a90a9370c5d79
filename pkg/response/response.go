package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/vault-api/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response. Code is machine-readable; for risk
// rejections it carries the limit reason code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeBadRequest           = "BAD_REQUEST"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeCustodianUnavailable = "CUSTODIAN_UNAVAILABLE"
)

// Handle maps domain errors to API responses. Validation rejections and
// conflicts are expected business outcomes and answer 4xx; custodian outages
// answer 503; 5xx is reserved for the engine's own failures.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var validationErr *types.ValidationError
	var consistencyErr *types.ConsistencyError
	var custodianErr *types.CustodianError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error: &Error{
				Code:    validationErr.Reason,
				Message: validationErr.Message,
			},
		})
	case errors.As(err, &consistencyErr):
		c.JSON(http.StatusConflict, Response{
			Success: false,
			Error: &Error{
				Code:    ErrCodeConflict,
				Message: consistencyErr.Message,
			},
		})
	case errors.As(err, &custodianErr):
		c.JSON(http.StatusServiceUnavailable, Response{
			Success: false,
			Error: &Error{
				Code:    ErrCodeCustodianUnavailable,
				Message: custodianErr.Error(),
			},
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
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

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeConflict,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}
