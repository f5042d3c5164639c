package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthenticated is reported when no local identity is available.
var ErrUnauthenticated = errors.New("unauthenticated")

// Provider resolves the local player's identity. It is an external
// collaborator; the session only ever asks "who am I".
type Provider interface {
	CurrentUser(ctx context.Context) (string, error)
}

// Static returns a fixed user id, typically from configuration.
type Static struct {
	UserID string
}

func (s Static) CurrentUser(ctx context.Context) (string, error) {
	id := strings.TrimSpace(s.UserID)
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}
