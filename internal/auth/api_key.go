package auth

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyVerifier admits any client holding the shared key. The participant id
// is taken from the query string.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

func (v APIKeyVerifier) Authenticate(r *http.Request) (string, error) {
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return "", err
	}
	if err := v.Verify(cred); err != nil {
		return "", err
	}
	return ParticipantFromQuery(r)
}
