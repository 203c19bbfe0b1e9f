package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingParticipant = errors.New("missing participant id")
)

// Authenticator resolves the participant id of a signaling connection.
type Authenticator interface {
	Authenticate(r *http.Request) (participantID string, err error)
}

func NewAuthenticator(cfg config.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return queryAuthenticator{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// queryAuthenticator trusts the participant id the client claims.
type queryAuthenticator struct{}

func (queryAuthenticator) Authenticate(r *http.Request) (string, error) {
	return ParticipantFromQuery(r)
}

func ParticipantFromQuery(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get("participant"))
	if id == "" {
		return "", ErrMissingParticipant
	}
	return id, nil
}

// CredentialFromRequest extracts an API key or JWT from the request headers,
// falling back to the query string for clients that cannot set headers.
func CredentialFromRequest(r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		scheme, value, ok := strings.Cut(authz, " ")
		if ok && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "ApiKey")) {
			if value = strings.TrimSpace(value); value != "" {
				return value, nil
			}
		}
	}
	q := r.URL.Query()
	if v := q.Get("token"); v != "" {
		return v, nil
	}
	if v := q.Get("apiKey"); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// IsUnauthorized reports whether err should be treated as an authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrMissingParticipant)
}
