package ws

import (
	"context"
	"crypto/subtle"

	"github.com/PabloGalante/parley/internal/domain"
)

// NewAuthorizer returns the token check for the configured credential.
// An empty credential disables the check, which is how local mode runs.
func NewAuthorizer(token string) domain.Authorizer {
	if token == "" {
		return allowAll{}
	}
	return &staticToken{token: token}
}

type allowAll struct{}

func (allowAll) Authorize(ctx context.Context, sessionID domain.SessionID, token string) error {
	return nil
}

// staticToken accepts connections presenting one shared bearer token.
// The token is opaque to the core; nothing here inspects or decodes it.
type staticToken struct {
	token string
}

func (a *staticToken) Authorize(ctx context.Context, sessionID domain.SessionID, token string) error {
	if subtle.ConstantTimeCompare([]byte(a.token), []byte(token)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}
