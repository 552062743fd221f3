package apperr

import "net/http"

// GenericError is the contract the REST recovery middleware understands.
// Any error implementing it is rendered with its own status code instead of a 500.
type GenericError interface {
	Error() string
	ErrCode() string
	StatusCode() int
}

type ValidationError string

func (err ValidationError) Error() string   { return string(err) }
func (err ValidationError) ErrCode() string { return "VALIDATION_ERROR" }
func (err ValidationError) StatusCode() int { return http.StatusBadRequest }

type NotFoundError string

func (err NotFoundError) Error() string   { return string(err) }
func (err NotFoundError) ErrCode() string { return "NOT_FOUND_ERROR" }
func (err NotFoundError) StatusCode() int { return http.StatusNotFound }

type AuthError string

func (err AuthError) Error() string   { return string(err) }
func (err AuthError) ErrCode() string { return "AUTH_ERROR" }
func (err AuthError) StatusCode() int { return http.StatusUnauthorized }

// ForbiddenError covers tenant mismatches on operator endpoints.
type ForbiddenError string

func (err ForbiddenError) Error() string   { return string(err) }
func (err ForbiddenError) ErrCode() string { return "FORBIDDEN_ERROR" }
func (err ForbiddenError) StatusCode() int { return http.StatusForbidden }

type WebhookError string

func (err WebhookError) Error() string   { return string(err) }
func (err WebhookError) ErrCode() string { return "WEBHOOK_ERROR" }
func (err WebhookError) StatusCode() int { return http.StatusBadRequest }

// QuotaError marks an outbound send rejected by subscription limits.
type QuotaError string

func (err QuotaError) Error() string   { return string(err) }
func (err QuotaError) ErrCode() string { return "QUOTA_EXCEEDED" }
func (err QuotaError) StatusCode() int { return http.StatusTooManyRequests }

type TransportError string

func (err TransportError) Error() string   { return string(err) }
func (err TransportError) ErrCode() string { return "TRANSPORT_ERROR" }
func (err TransportError) StatusCode() int { return http.StatusBadGateway }

type InternalServerError string

func (err InternalServerError) Error() string   { return string(err) }
func (err InternalServerError) ErrCode() string { return "INTERNAL_SERVER_ERROR" }
func (err InternalServerError) StatusCode() int { return http.StatusInternalServerError }
