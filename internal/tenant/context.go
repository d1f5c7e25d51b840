package tenant

import (
	"context"
	"errors"
	"strconv"
)

// Key for tenant values in context
type contextKey string

const (
	companyIDKey contextKey = "companyID"
	requestIDKey contextKey = "requestID"
)

// ErrCompanyIDNotFound is returned when the company ID is not found in context
var ErrCompanyIDNotFound = errors.New("company ID not found in context")

// ErrInvalidCompanyID is returned when a company ID cannot be parsed
var ErrInvalidCompanyID = errors.New("invalid company ID")

// WithCompanyID adds the tenant (company) ID to the context
func WithCompanyID(ctx context.Context, companyID int64) context.Context {
	return context.WithValue(ctx, companyIDKey, companyID)
}

// FromContext extracts the company ID from the context
func FromContext(ctx context.Context) (int64, error) {
	companyID, ok := ctx.Value(companyIDKey).(int64)
	if !ok || companyID <= 0 {
		return 0, ErrCompanyIDNotFound
	}
	return companyID, nil
}

// MustFromContext extracts the company ID from the context or panics
func MustFromContext(ctx context.Context) int64 {
	companyID, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return companyID
}

// ParseCompanyID parses a company ID coming from a token claim or query string.
func ParseCompanyID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidCompanyID
	}
	return id, nil
}

// ErrNoRequestIDInContext is returned when no request ID is found in context
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from the context
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}
