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

// ChallengeManager owns the lifecycle of ceremony challenges: it stamps
// freshly issued challenges with their TTL, enforces single-use consumption,
// and sweeps expired rows. Challenge values themselves come from the
// ceremony library, which generates 32 random bytes per ceremony.
type ChallengeManager struct {
	store ChallengeStore
	ttl   time.Duration
	now   func() time.Time
}

// NewChallengeManager creates a challenge manager over the given store.
// A zero ttl falls back to 24 hours.
func NewChallengeManager(store ChallengeStore, ttl time.Duration) *ChallengeManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ChallengeManager{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Issue stamps the challenge with creation and expiry times and persists it.
func (m *ChallengeManager) Issue(ctx context.Context, ch *Challenge) error {
	if ch.Value == "" {
		return NewError("issue challenge", ErrInvalidResponse)
	}
	ch.CreatedAt = m.now().UTC()
	ch.ExpiresAt = ch.CreatedAt.Add(m.ttl)
	return WrapError("issue challenge", m.store.Put(ctx, ch))
}

// Consume atomically redeems the challenge stored under value for the given
// account scope (nil for unscoped ceremonies). The challenge is deleted on
// success; a second consume of the same value observes ErrChallengeNotFound.
func (m *ChallengeManager) Consume(ctx context.Context, value string, accountID *uuid.UUID) (*Challenge, error) {
	ch, err := m.store.Consume(ctx, value, accountID, m.now().UTC())
	if err != nil {
		return nil, WrapError("consume challenge", err)
	}
	return ch, nil
}

// Sweep removes expired challenges and reports how many were deleted.
// Expiry is already enforced lazily at consume time, so sweeping only
// bounds storage growth.
func (m *ChallengeManager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, WrapError("sweep challenges", err)
	}
	return n, nil
}
