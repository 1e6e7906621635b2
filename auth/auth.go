// Package auth handles client credentials: extracting them from
// request headers, minting and verifying bearer tokens, and hashing
// client secrets.
package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoCredentials is returned when a request carries nothing usable.
var ErrNoCredentials = errors.New("no credentials presented")

// Method says how the client authenticated.
type Method int

const (
	MethodNone Method = iota
	MethodBearer
	MethodBasic
	MethodAPIKey
)

func (m Method) String() string {
	switch m {
	case MethodBearer:
		return "bearer"
	case MethodBasic:
		return "basic"
	case MethodAPIKey:
		return "api_key"
	}
	return "none"
}

// Credentials is what a request presented. For MethodBearer only
// Token is set; the caller verifies it and learns the client id from
// the token itself.
type Credentials struct {
	Method   Method
	Token    string
	ClientID string
	Secret   string
}

// ParseHeader extracts credentials from the Authorization and
// X-API-Key headers. Precedence: Authorization first, then X-API-Key
// when enabled.
func ParseHeader(h http.Header, apiKeyEnabled bool) (Credentials, error) {
	if v := strings.TrimSpace(h.Get("Authorization")); v != "" {
		switch {
		case strings.HasPrefix(v, "Bearer ") || strings.HasPrefix(v, "bearer "):
			token := strings.TrimSpace(v[len("Bearer "):])
			if token == "" {
				return Credentials{}, errors.New("empty bearer token")
			}
			return Credentials{Method: MethodBearer, Token: token}, nil

		case strings.HasPrefix(v, "Basic ") || strings.HasPrefix(v, "basic "):
			id, secret, err := decodePair(v[len("Basic "):])
			if err != nil {
				return Credentials{}, err
			}
			return Credentials{Method: MethodBasic, ClientID: id, Secret: secret}, nil

		default:
			return Credentials{}, errors.New("unsupported authorization scheme")
		}
	}

	if apiKeyEnabled {
		if v := strings.TrimSpace(h.Get("X-API-Key")); v != "" {
			id, secret, err := decodePair(v)
			if err != nil {
				return Credentials{}, err
			}
			return Credentials{Method: MethodAPIKey, ClientID: id, Secret: secret}, nil
		}
	}

	return Credentials{}, ErrNoCredentials
}

// decodePair decodes base64(client_id:client_secret).
func decodePair(s string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", "", errors.New("malformed credential encoding")
	}
	id, secret, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return "", "", errors.New("malformed credential pair")
	}
	return id, secret, nil
}

// HashSecret hashes a client secret for storage.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckSecret verifies a presented secret against a stored hash.
func CheckSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
