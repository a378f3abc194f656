package tools

import (
	"context"
	"errors"
)

type userKey struct{}

// ErrNoUser is returned by tools that act for a user when the context
// carries none.
var ErrNoUser = errors.New("no user in context")

// WithUserID returns a child context naming the user tools act for.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFromContext returns the user set by WithUserID.
func UserIDFromContext(ctx context.Context) (string, error) {
	if v, ok := ctx.Value(userKey{}).(string); ok && v != "" {
		return v, nil
	}
	return "", ErrNoUser
}
