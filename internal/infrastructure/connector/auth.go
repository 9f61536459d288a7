package connector

import (
	"context"
	"net/http"
)

// AuthProvider supplies the authentication headers of a vendor API.
// Invalidate drops cached credentials; the next Headers call authenticates again.
type AuthProvider interface {
	Headers(ctx context.Context) (http.Header, error)
	Invalidate()
}

// NoAuth sends no credentials
type NoAuth struct{}

// Headers implements AuthProvider
func (NoAuth) Headers(context.Context) (http.Header, error) { return http.Header{}, nil }

// Invalidate implements AuthProvider
func (NoAuth) Invalidate() {}
