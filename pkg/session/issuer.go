// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

// Package session issues and verifies the stateless HS256 session tokens
// minted after a successful passkey ceremony. Tokens are self-contained;
// there is no server-side session table to consult or invalidate.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/parleyforum/passkey-auth/pkg/passkey"
)

// DefaultTTL is the default session token lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultIssuerName is the default iss claim.
const DefaultIssuerName = "passkey-auth"

var (
	// ErrTokenInvalid is returned for malformed, tampered, or otherwise
	// unverifiable tokens.
	ErrTokenInvalid = errors.New("session token invalid")

	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = errors.New("session token expired")
)

// Payload is the verified content of a session token.
type Payload struct {
	// AccountID is the authenticated account.
	AccountID uuid.UUID

	// Username is the account's username at issue time.
	Username string

	// CredentialID is the credential that performed the ceremony.
	CredentialID []byte
}

type claims struct {
	jwt.RegisteredClaims
	Username     string `json:"username"`
	CredentialID string `json:"cid"`
}

// Issuer mints and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		i.ttl = ttl
	}
}

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) Option {
	return func(i *Issuer) {
		i.issuer = name
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates a session token issuer. The signing secret is required;
// callers are expected to treat an error here as fatal at startup.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("session signing secret is required")
	}
	i := &Issuer{
		secret: secret,
		issuer: DefaultIssuerName,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue mints a signed session token for the account. Implements
// passkey.TokenIssuer.
func (i *Issuer) Issue(ctx context.Context, account *passkey.Account, credentialID []byte) (string, error) {
	now := i.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Username:     account.Username,
		CredentialID: base64.RawURLEncoding.EncodeToString(credentialID),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a session token, failing closed. Expired
// tokens are reported distinctly from tampered or malformed ones.
func (i *Issuer) Verify(token string) (*Payload, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c,
		func(t *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	accountID, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	credentialID, err := base64.RawURLEncoding.DecodeString(c.CredentialID)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	return &Payload{
		AccountID:    accountID,
		Username:     c.Username,
		CredentialID: credentialID,
	}, nil
}
