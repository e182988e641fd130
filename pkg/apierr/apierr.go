// Package apierr provides the structured error envelope returned to HTTP
// callers, compatible with the OpenAI error format. The numeric code mirrors
// the HTTP status so SDK clients that only surface the body still see it.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeValidationError    = "validation_error"
	TypeServiceUnavailable = "service_unavailable"
	TypeTimeout            = "timeout"
	TypeClientError        = "client_error"
	TypeEmptyResponse      = "empty_response"
	TypeInternalError      = "internal_error"
	TypeRateLimitError     = "rate_limit_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP
// status. The envelope code always equals the status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    status,
	}})
	ctx.SetBody(body)
}

// WriteValidation writes a 400 validation error.
func WriteValidation(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeValidationError)
}

// WriteUnavailable writes a 503 no-client-available error.
func WriteUnavailable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no idle client connection available, retry later", TypeServiceUnavailable)
}

// WriteTimeout writes a 504 correlation timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout,
		"client did not reply before the request deadline", TypeTimeout)
}

// WriteInternal writes a 500 internal error without leaking details beyond msg.
func WriteInternal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeInternalError)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError)
}
