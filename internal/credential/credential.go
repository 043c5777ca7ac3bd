// Package credential supplies the bearer token used by the transport and the
// REST collaborator. Tokens are read at call time, or at most a Cache TTL
// later, so a refreshed session is picked up without restarting the daemon.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissing means no credential is available. It is fatal for the
	// conversation being opened and is never retried automatically.
	ErrMissing = errors.New("credential missing")
	// ErrExpired means the credential is a JWT whose exp claim has passed.
	// It wraps ErrMissing.
	ErrExpired = fmt.Errorf("%w: token expired", ErrMissing)
)

// Provider returns the current bearer credential.
type Provider interface {
	Credential() (string, error)
}

// Func adapts a plain function to Provider.
type Func func() (string, error)

func (f Func) Credential() (string, error) { return f() }

// Static always returns the same token.
type Static string

func (s Static) Credential() (string, error) {
	return check(string(s))
}

// Env reads the token from an environment variable on every call.
type Env string

func (e Env) Credential() (string, error) {
	return check(os.Getenv(string(e)))
}

// File reads the token from a file on every call.
type File string

func (f File) Credential() (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrMissing
		}
		return "", fmt.Errorf("read credential file: %w", err)
	}
	return check(string(data))
}

// Chain returns the first credential a provider has. Only missing
// credentials fall through; other errors stop the chain.
type Chain []Provider

func (c Chain) Credential() (string, error) {
	err := ErrMissing
	for _, p := range c {
		token, perr := p.Credential()
		if perr == nil {
			return token, nil
		}
		if !IsMissing(perr) {
			return "", perr
		}
		err = perr
	}
	return "", err
}

func check(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", ErrMissing
	}
	if err := Validate(token, time.Now()); err != nil {
		return "", err
	}
	return token, nil
}

// Validate rejects JWT-shaped tokens whose exp claim is before now. The
// signature is not verified; that is the server's job. Opaque tokens pass.
func Validate(token string, now time.Time) error {
	exp, ok := Expiry(token)
	if ok && !exp.After(now) {
		return ErrExpired
	}
	return nil
}

// Expiry returns the exp claim of a JWT-shaped token. ok is false for
// opaque tokens and tokens without exp.
func Expiry(token string) (exp time.Time, ok bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// IsMissing reports whether err means no usable credential is available.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissing)
}
