// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(username string) *Account {
	return &Account{
		ID:        uuid.New(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
}

func testCredential(accountID uuid.UUID, id []byte) *Credential {
	return &Credential{
		ID:        id,
		AccountID: accountID,
		PublicKey: []byte("cose-key"),
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryStore_Accounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	account := testAccount("alice")
	require.NoError(t, store.Create(ctx, account, nil))

	got, err := store.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.Username, got.Username)

	got, err = store.GetByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = store.GetByID(ctx, uuid.New())
	assert.True(t, IsAccountNotFound(err))

	_, err = store.GetByUsername(ctx, "bob")
	assert.True(t, IsAccountNotFound(err))
}

func TestMemoryStore_Create_UsernameConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testAccount("alice"), nil))

	err := store.Create(ctx, testAccount("Alice"), nil)
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, 1, store.AccountCount())
}

func TestMemoryStore_Create_WithFirstCredential(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	account := testAccount("alice")
	cred := testCredential(account.ID, []byte("cred-1"))
	require.NoError(t, store.Create(ctx, account, cred))

	got, err := store.GetByCredentialID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.AccountID)

	// A duplicate credential id fails the whole creation; no account row
	// appears either.
	other := testAccount("bob")
	err = store.Create(ctx, other, testCredential(other.ID, []byte("cred-1")))
	assert.ErrorIs(t, err, ErrCredentialExists)
	_, err = store.GetByUsername(ctx, "bob")
	assert.True(t, IsAccountNotFound(err))
}

func TestMemoryStore_Credentials(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	account := testAccount("alice")
	require.NoError(t, store.Create(ctx, account, nil))

	first := testCredential(account.ID, []byte("cred-1"))
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	second := testCredential(account.ID, []byte("cred-2"))

	require.NoError(t, store.Add(ctx, second))
	require.NoError(t, store.Add(ctx, first))
	assert.ErrorIs(t, store.Add(ctx, first), ErrCredentialExists)

	// Oldest first.
	creds, err := store.ListByAccount(ctx, account.ID, false)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, []byte("cred-1"), creds[0].ID)

	_, err = store.GetByCredentialID(ctx, []byte("missing"))
	assert.True(t, IsCredentialNotFound(err))
}

func TestMemoryStore_UpdateCounter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	account := testAccount("alice")
	cred := testCredential(account.ID, []byte("cred-1"))
	require.NoError(t, store.Create(ctx, account, cred))

	now := time.Now().UTC()

	tests := []struct {
		name      string
		stored    uint32
		presented uint32
		wantErr   error
	}{
		{name: "advances", stored: 0, presented: 1, wantErr: nil},
		{name: "both zero allowed", stored: 0, presented: 0, wantErr: nil},
		{name: "equal nonzero rejected", stored: 5, presented: 5, wantErr: ErrReplayDetected},
		{name: "decrease rejected", stored: 5, presented: 3, wantErr: ErrReplayDetected},
		{name: "zero after nonzero rejected", stored: 5, presented: 0, wantErr: ErrReplayDetected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.mu.Lock()
			store.creds[credKey(cred.ID)].SignCount = tt.stored
			store.mu.Unlock()

			err := store.UpdateCounter(ctx, cred.ID, tt.presented, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			got, err := store.GetByCredentialID(ctx, cred.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.presented, got.SignCount)
			assert.Equal(t, now, got.LastUsedAt)
		})
	}

	err := store.UpdateCounter(ctx, []byte("missing"), 1, now)
	assert.True(t, IsCredentialNotFound(err))
}

func TestMemoryStore_Revoke(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	account := testAccount("alice")
	cred := testCredential(account.ID, []byte("cred-1"))
	require.NoError(t, store.Create(ctx, account, cred))

	first := time.Now().UTC()
	require.NoError(t, store.Revoke(ctx, cred.ID, first))

	// Revoking again keeps the original timestamp.
	require.NoError(t, store.Revoke(ctx, cred.ID, first.Add(time.Hour)))
	got, err := store.GetByCredentialID(ctx, cred.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, first, *got.RevokedAt)

	// Revoked credentials drop out of the active list only.
	active, err := store.ListByAccount(ctx, account.ID, false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := store.ListByAccount(ctx, account.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = store.Revoke(ctx, []byte("missing"), first)
	assert.True(t, IsCredentialNotFound(err))
}

func TestMemoryStore_Challenges(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ch := &Challenge{
		Value:     "abc123",
		Ceremony:  CeremonyAuthentication,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.Put(ctx, ch))

	got, err := store.Consume(ctx, "abc123", nil, now)
	require.NoError(t, err)
	assert.Equal(t, CeremonyAuthentication, got.Ceremony)

	// Consumed challenges are gone.
	_, err = store.Consume(ctx, "abc123", nil, now)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestMemoryStore_Challenges_Expired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Put(ctx, &Challenge{
		Value:     "stale",
		Ceremony:  CeremonyAuthentication,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))

	_, err := store.Consume(ctx, "stale", nil, now)
	assert.ErrorIs(t, err, ErrChallengeExpired)

	// Expiry consumes the record too.
	_, err = store.Consume(ctx, "stale", nil, now)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestMemoryStore_Challenges_ScopeMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	owner := uuid.New()
	stranger := uuid.New()

	require.NoError(t, store.Put(ctx, &Challenge{
		Value:     "scoped",
		AccountID: &owner,
		Ceremony:  CeremonyAuthentication,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	// Wrong scope does not consume.
	_, err := store.Consume(ctx, "scoped", &stranger, now)
	assert.ErrorIs(t, err, ErrChallengeScopeMismatch)
	_, err = store.Consume(ctx, "scoped", nil, now)
	assert.ErrorIs(t, err, ErrChallengeScopeMismatch)

	got, err := store.Consume(ctx, "scoped", &owner, now)
	require.NoError(t, err)
	assert.Equal(t, owner, *got.AccountID)

	// An unscoped challenge likewise rejects scoped consumption.
	require.NoError(t, store.Put(ctx, &Challenge{
		Value:     "unscoped",
		Ceremony:  CeremonyAuthentication,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))
	_, err = store.Consume(ctx, "unscoped", &owner, now)
	assert.ErrorIs(t, err, ErrChallengeScopeMismatch)
}

func TestMemoryStore_Challenges_NewestWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Put(ctx, &Challenge{
		Value:     "dup",
		Ceremony:  CeremonyRegistration,
		Username:  "old",
		CreatedAt: now.Add(-time.Minute),
		ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.Put(ctx, &Challenge{
		Value:     "dup",
		Ceremony:  CeremonyRegistration,
		Username:  "new",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	got, err := store.Consume(ctx, "dup", nil, now)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Username)
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Put(ctx, &Challenge{
		Value: "live", Ceremony: CeremonyAuthentication,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.Put(ctx, &Challenge{
		Value: "dead1", Ceremony: CeremonyAuthentication,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.Put(ctx, &Challenge{
		Value: "dead2", Ceremony: CeremonyRegistration,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Minute),
	}))

	removed, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.ChallengeCount())
}
