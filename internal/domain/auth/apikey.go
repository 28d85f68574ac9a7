// Package auth resolves the actor behind an API key.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
)

// Scopes understood by the HTTP surface.
const (
	ScopeCheckout = "checkout"
	ScopeOrders   = "orders"
	ScopeReturns  = "returns"
	ScopeAdmin    = "admin"
)

// Key is a stored API key. Only the HMAC of the raw key is persisted.
type Key struct {
	ID     string
	Hash   string
	Name   string
	Actor  string
	Scopes []string
}

// Allows reports whether the key grants scope. Admin grants everything.
func (k *Key) Allows(scope string) bool {
	return slices.Contains(k.Scopes, ScopeAdmin) || slices.Contains(k.Scopes, scope)
}

// Repository looks keys up by hash.
type Repository interface {
	// FindByHash returns an apperr.NotFoundError for unknown hashes.
	FindByHash(ctx context.Context, hash string) (*Key, error)
}

// ErrUnauthorized is returned for missing, unknown or malformed keys.
var ErrUnauthorized error = unauthorizedError{}

type unauthorizedError struct{}

func (unauthorizedError) Error() string { return "unauthorized" }

func (unauthorizedError) ErrorCode() apperr.Code { return apperr.CodeUnauthorized }

// HashKey returns the hex HMAC-SHA256 of raw under pepper.
func HashKey(pepper []byte, raw string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator verifies raw API keys against a Repository.
type Authenticator struct {
	keys   Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(keys Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

// Authenticate resolves raw to its Key. Storage failures are surfaced;
// every other failure collapses to ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrUnauthorized
	}
	hash := HashKey(a.pepper, raw)

	k, err := a.keys.FindByHash(ctx, hash)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, errors.Wrap(err, "find api key")
	}

	// The lookup is by hash, compare anyway so a wrong row never authenticates.
	want, err := hex.DecodeString(k.Hash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	got, _ := hex.DecodeString(hash)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, ErrUnauthorized
	}
	return k, nil
}
