package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/genstudio/internal/credit/domain"
	generationdomain "github.com/smallbiznis/genstudio/internal/generation/domain"
	subscriptiondomain "github.com/smallbiznis/genstudio/internal/subscription/domain"
	"github.com/smallbiznis/genstudio/pkg/db/pagination"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// errorClass maps a group of sentinel errors to one HTTP answer.
type errorClass struct {
	status  int
	kind    string
	message string
	targets []error
}

// Order matters: the first class with a matching target wins.
var errorClasses = []errorClass{
	{
		status: http.StatusBadRequest, kind: "validation_error", message: "validation error",
		targets: []error{
			ErrInvalidRequest,
			generationdomain.ErrInvalidRequest,
			generationdomain.ErrInvalidFeature,
			creditdomain.ErrInvalidUser,
			creditdomain.ErrInvalidFeature,
			creditdomain.ErrInvalidGenerationID,
			creditdomain.ErrInvalidAmount,
			creditdomain.ErrInvalidTier,
			creditdomain.ErrInvalidEmail,
			subscriptiondomain.ErrInvalidSignature,
			subscriptiondomain.ErrInvalidPayload,
			subscriptiondomain.ErrInvalidEvent,
			pagination.ErrInvalidPageToken,
		},
	},
	{
		status: http.StatusUnauthorized, kind: "unauthorized", message: "unauthorized",
		targets: []error{ErrUnauthorized},
	},
	{
		status: http.StatusPaymentRequired, kind: "insufficient_credit", message: "insufficient credit",
		targets: []error{creditdomain.ErrInsufficientCredit},
	},
	{
		status: http.StatusNotFound, kind: "not_found", message: "not found",
		targets: []error{
			ErrNotFound,
			creditdomain.ErrNotFound,
			generationdomain.ErrJobNotFound,
			subscriptiondomain.ErrProviderNotFound,
		},
	},
	{
		status: http.StatusConflict, kind: "conflict", message: "conflict",
		targets: []error{creditdomain.ErrAccountExists, creditdomain.ErrDuplicateDebit},
	},
	{
		status: http.StatusTooManyRequests, kind: "rate_limited", message: "too many requests",
		targets: []error{generationdomain.ErrRateLimited},
	},
	{
		status: http.StatusServiceUnavailable, kind: "service_unavailable", message: "service unavailable",
		targets: []error{
			ErrServiceUnavailable,
			creditdomain.ErrLedgerUnavailable,
			subscriptiondomain.ErrStoreUnavailable,
			generationdomain.ErrNoProviders,
		},
	},
}

// ErrorHandlingMiddleware renders the last handler error unless the
// handler already wrote a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{{Field: field, Code: code, Message: message}},
	}
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if class, ok := classify(err); ok {
		payload := errorPayload{Type: class.kind, Message: class.message}
		if class.status == http.StatusBadRequest {
			code := sentinelCode(err)
			payload.Errors = []ValidationError{{
				Field:   strings.TrimPrefix(code, "invalid_"),
				Code:    code,
				Message: "invalid value",
			}}
		}
		return class.status, payload
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

func classify(err error) (errorClass, bool) {
	if err == nil {
		return errorClass{}, false
	}
	for _, class := range errorClasses {
		for _, target := range class.targets {
			if errors.Is(err, target) {
				return class, true
			}
		}
	}
	return errorClass{}, false
}

// sentinelCode returns the outermost sentinel text of a wrapped error.
func sentinelCode(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ":"); idx > 0 {
		msg = msg[:idx]
	}
	return msg
}

// classifyErrorForLog returns the error type and code recorded on request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	case status == http.StatusTooManyRequests:
		return "throttled", payload.Type
	default:
		return "client", payload.Type
	}
}
