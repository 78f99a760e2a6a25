// Package auth resolves the calling user from headers set by an upstream
// identity-aware proxy. Authentication itself happens in that proxy; this
// service trusts the forwarded identity.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/voicecast/internal/storage"
)

// Default header names.
const (
	DefaultUserHeader = "X-Forwarded-User"
	DefaultNameHeader = "X-Forwarded-Name"
)

var (
	// ErrUnauthenticated is returned when a request carries no identity.
	ErrUnauthenticated = errors.New("auth: request is not authenticated")

	// ErrInvalidUser is returned when the forwarded user id cannot be used
	// as a storage namespace.
	ErrInvalidUser = errors.New("auth: invalid user id")
)

// User is the identity of a caller.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
}

// Authenticator extracts a [User] from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (User, error)
}

// HeaderAuthenticator reads the identity from request headers.
type HeaderAuthenticator struct {
	// UserHeader carries the stable user id. Default: [DefaultUserHeader].
	UserHeader string

	// NameHeader optionally carries the user's first name. Default:
	// [DefaultNameHeader].
	NameHeader string
}

// Compile-time interface assertion.
var _ Authenticator = (*HeaderAuthenticator)(nil)

// Authenticate implements [Authenticator].
func (h *HeaderAuthenticator) Authenticate(r *http.Request) (User, error) {
	userHeader, nameHeader := h.UserHeader, h.NameHeader
	if userHeader == "" {
		userHeader = DefaultUserHeader
	}
	if nameHeader == "" {
		nameHeader = DefaultNameHeader
	}

	id := strings.TrimSpace(r.Header.Get(userHeader))
	if id == "" {
		return User{}, ErrUnauthenticated
	}
	if err := storage.ValidateSegment(id); err != nil {
		return User{}, errors.Join(ErrInvalidUser, err)
	}
	name, _, _ := strings.Cut(strings.TrimSpace(r.Header.Get(nameHeader)), " ")
	return User{ID: id, FirstName: name}, nil
}

type ctxKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the user stored by [WithUser].
func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok
}

// Middleware authenticates every request with a. Requests without a valid
// identity are passed to onError instead of next.
func Middleware(a Authenticator, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := a.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}
