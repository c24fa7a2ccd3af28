// Package auth guards the signaling surface. It verifies a shared credential
// presented on connect; application-level user identity is carried in the
// protocol itself and is not verified here.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"github.com/peermesh/peermesh/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return allowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type allowAll struct{}

func (allowAll) Verify(string) error { return nil }

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(credential string) error {
	if credential == "" {
		return ErrMissingCredentials
	}
	if v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// CredentialFromQuery extracts the credential from the websocket upgrade
// request's query string, the fallback for clients that cannot set headers.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if key := q.Get("apiKey"); key != "" {
			return key, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
