package models

import (
	"errors"
	"net/http"
)

// Business error kinds. Handlers wrap these with context via fmt.Errorf and
// %w; the API layer maps them back to status codes with CodeOf.
var (
	ErrBadData       = errors.New("bad data")
	ErrMisshapedData = errors.New("misshaped data")
	ErrBadHash       = errors.New("hash mismatch")

	ErrAlreadyExists        = errors.New("already exists")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrComponentNotFound    = errors.New("component not found")
	ErrEventNotFound        = errors.New("event not found")
	ErrVerbNotFound         = errors.New("verb not found")

	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrPlatformForbidden       = errors.New("platform forbidden")
	ErrDomainPlatformMismatch  = errors.New("domain platform mismatch")
	ErrFailedAuthentication    = errors.New("failed authentication")

	ErrComponentLocked    = errors.New("component locked")
	ErrComponentNotLocked = errors.New("component not locked")
	ErrDataConsistency    = errors.New("data consistency violation")

	ErrPush         = errors.New("push failed")
	ErrFallbackPush = errors.New("fallback push failed")
)

// CodeOf maps a business error to an HTTP status code. Unknown errors map
// to 500.
func CodeOf(err error) int {
	switch {
	case errors.Is(err, ErrBadData),
		errors.Is(err, ErrMisshapedData),
		errors.Is(err, ErrBadHash),
		errors.Is(err, ErrVerbNotFound),
		errors.Is(err, ErrEventNotFound):
		return http.StatusBadRequest
	case errors.Is(err, ErrConversationNotFound),
		errors.Is(err, ErrComponentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrFailedAuthentication):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientPermissions),
		errors.Is(err, ErrPlatformForbidden),
		errors.Is(err, ErrDomainPlatformMismatch):
		return http.StatusForbidden
	case errors.Is(err, ErrComponentLocked),
		errors.Is(err, ErrComponentNotLocked),
		errors.Is(err, ErrDataConsistency),
		errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
