// Package authservice adapts the module-registry credential backends
// (framework/module.PlainAuth implementations such as auth/pass_table and
// auth/ldap) to the narrower smtpsession.AuthService contract the Session
// Engine actually needs: enabled/required flags plus one Verify call.
package authservice

import (
	"context"
	"errors"

	"github.com/mxrelay/mxrelay/framework/module"
	"github.com/mxrelay/mxrelay/internal/smtpsession"
)

// PlainAuthService wraps any framework/module.PlainAuth (pass_table, ldap,
// or a chain of them) as a smtpsession.AuthService.
type PlainAuthService struct {
	backend  module.PlainAuth
	required bool
}

func New(backend module.PlainAuth, required bool) *PlainAuthService {
	return &PlainAuthService{backend: backend, required: required}
}

func (s *PlainAuthService) Enabled() bool { return s.backend != nil }

func (s *PlainAuthService) Required() bool { return s.required }

// Verify reports (false, nil) for unknown credentials rather than an error,
// since that is a normal login failure and not a backend malfunction; the
// Session Engine counts it against the rate limiter either way.
func (s *PlainAuthService) Verify(_ context.Context, username, password string) (bool, error) {
	err := s.backend.AuthPlain(username, password)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, module.ErrUnknownCredentials) {
		return false, nil
	}
	return false, err
}

// ChainAuthService tries each backend in order and succeeds on the first
// one that accepts the credentials, for deployments stacking local
// pass_table users on top of an LDAP directory.
type ChainAuthService struct {
	backends []module.PlainAuth
	required bool
}

func NewChain(required bool, backends ...module.PlainAuth) *ChainAuthService {
	return &ChainAuthService{backends: backends, required: required}
}

func (s *ChainAuthService) Enabled() bool { return len(s.backends) > 0 }

func (s *ChainAuthService) Required() bool { return s.required }

func (s *ChainAuthService) Verify(ctx context.Context, username, password string) (bool, error) {
	var lastErr error
	for _, backend := range s.backends {
		err := backend.AuthPlain(username, password)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, module.ErrUnknownCredentials) {
			continue
		}
		lastErr = err
	}
	return false, lastErr
}

var _ smtpsession.AuthService = (*PlainAuthService)(nil)
var _ smtpsession.AuthService = (*ChainAuthService)(nil)
