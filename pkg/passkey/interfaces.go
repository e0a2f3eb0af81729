// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AccountStore is the persistence contract for accounts.
type AccountStore interface {
	// GetByID retrieves an account by id. Returns ErrAccountNotFound if it
	// does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// GetByUsername retrieves an account by username, compared
	// case-insensitively. Returns ErrAccountNotFound if it does not exist.
	GetByUsername(ctx context.Context, username string) (*Account, error)

	// Create persists a new account and, when firstCredential is non-nil,
	// its first credential in the same atomic step. Returns
	// ErrUsernameTaken when the username is already registered under any
	// casing; in that case nothing is written.
	Create(ctx context.Context, account *Account, firstCredential *Credential) error
}

// CredentialStore is the persistence contract for credentials.
type CredentialStore interface {
	// GetByCredentialID retrieves a credential by its authenticator-assigned
	// id. Returns ErrCredentialNotFound if unknown.
	GetByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error)

	// ListByAccount returns the account's credentials, oldest first.
	// Revoked credentials are omitted unless includeRevoked is set.
	ListByAccount(ctx context.Context, accountID uuid.UUID, includeRevoked bool) ([]*Credential, error)

	// Add persists a new credential. Returns ErrCredentialExists when the
	// credential id is already registered.
	Add(ctx context.Context, cred *Credential) error

	// UpdateCounter records a successful assertion. The update applies only
	// when the stored counter is strictly below signCount, or both are zero
	// (authenticators that never count). Otherwise ErrReplayDetected is
	// returned and nothing is written.
	UpdateCounter(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error

	// Revoke marks a credential revoked. Returns ErrCredentialNotFound if
	// unknown; revoking twice keeps the original timestamp.
	Revoke(ctx context.Context, credentialID []byte, at time.Time) error
}

// ChallengeStore is the persistence contract for ceremony challenges.
type ChallengeStore interface {
	// Put persists a challenge under its value. Storing the same value
	// twice keeps both rows; Consume takes the newest.
	Put(ctx context.Context, ch *Challenge) error

	// Consume atomically looks up and deletes the newest live challenge for
	// value. Exactly one of two racing consumers wins; the loser observes
	// ErrChallengeNotFound. An expired challenge yields ErrChallengeExpired.
	// A challenge whose account scope differs from accountID (including
	// scoped-vs-unscoped in either direction) yields
	// ErrChallengeScopeMismatch and is not consumed.
	Consume(ctx context.Context, value string, accountID *uuid.UUID, now time.Time) (*Challenge, error)

	// DeleteExpired removes challenges whose expiry is at or before now and
	// reports how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// TokenIssuer mints session tokens for authenticated accounts.
type TokenIssuer interface {
	// Issue returns a signed session token for the account, recording the
	// credential that performed the ceremony.
	Issue(ctx context.Context, account *Account, credentialID []byte) (string, error)
}
