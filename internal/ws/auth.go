package ws

import (
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated means the request carried no identity the
// authenticator understands.
var ErrUnauthenticated = errors.New("ws: unauthenticated")

const maxUserIDLen = 128

// Authenticator resolves the user behind an upgrade request. Identity is
// established before admission; the core never sees credentials.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// HeaderAuth trusts a user id header set by the fronting proxy.
type HeaderAuth struct {
	Header string
}

func (h HeaderAuth) Authenticate(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(h.Header))
	if id == "" || len(id) > maxUserIDLen {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// Redeemer consumes one-time pairing codes.
type Redeemer interface {
	Redeem(code string) (userID string, err error)
}

// PairingAuth admits a new device holding a pairing code in the
// ?pairing= query parameter.
type PairingAuth struct {
	Codes Redeemer
}

func (p PairingAuth) Authenticate(r *http.Request) (string, error) {
	code := r.URL.Query().Get("pairing")
	if code == "" {
		return "", ErrUnauthenticated
	}
	return p.Codes.Redeem(code)
}

// Chain tries each authenticator in order. One that finds no identity
// passes to the next; any other error stops the chain.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (string, error) {
	for _, a := range c {
		id, err := a.Authenticate(r)
		if errors.Is(err, ErrUnauthenticated) {
			continue
		}
		return id, err
	}
	return "", ErrUnauthenticated
}
