// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeManager_Issue(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewChallengeManager(store, time.Hour)

	issued := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return issued }

	ch := &Challenge{Value: "abc", Ceremony: CeremonyAuthentication}
	require.NoError(t, mgr.Issue(context.Background(), ch))

	assert.Equal(t, issued, ch.CreatedAt)
	assert.Equal(t, issued.Add(time.Hour), ch.ExpiresAt)
	assert.Equal(t, 1, store.ChallengeCount())
}

func TestChallengeManager_Issue_EmptyValue(t *testing.T) {
	mgr := NewChallengeManager(NewMemoryStore(), time.Hour)

	err := mgr.Issue(context.Background(), &Challenge{Ceremony: CeremonyAuthentication})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestChallengeManager_DefaultTTL(t *testing.T) {
	mgr := NewChallengeManager(NewMemoryStore(), 0)
	assert.Equal(t, 24*time.Hour, mgr.ttl)
}

func TestChallengeManager_ConsumeAfterExpiry(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewChallengeManager(store, time.Hour)

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return clock }

	require.NoError(t, mgr.Issue(context.Background(), &Challenge{
		Value:    "abc",
		Ceremony: CeremonyAuthentication,
	}))

	clock = clock.Add(time.Hour + time.Second)
	_, err := mgr.Consume(context.Background(), "abc", nil)
	assert.True(t, IsChallengeExpired(err))
}

func TestChallengeManager_ConcurrentConsume(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewChallengeManager(store, time.Hour)

	require.NoError(t, mgr.Issue(context.Background(), &Challenge{
		Value:    "contested",
		Ceremony: CeremonyAuthentication,
	}))

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		notFound  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := mgr.Consume(context.Background(), "contested", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case IsChallengeNotFound(err):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Exactly one winner; everyone else sees the challenge as gone.
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, notFound)
}

func TestChallengeManager_Sweep(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewChallengeManager(store, time.Hour)

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return clock }

	for _, value := range []string{"a", "b", "c"} {
		require.NoError(t, mgr.Issue(context.Background(), &Challenge{
			Value:    value,
			Ceremony: CeremonyAuthentication,
		}))
	}

	clock = clock.Add(30 * time.Minute)
	require.NoError(t, mgr.Issue(context.Background(), &Challenge{
		Value:    "fresh",
		Ceremony: CeremonyAuthentication,
	}))

	clock = clock.Add(45 * time.Minute)
	removed, err := mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, store.ChallengeCount())
}
