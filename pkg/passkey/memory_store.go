// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of AccountStore,
// CredentialStore, and ChallengeStore behind a single mutex, which makes
// the cross-store writes (account plus first credential) trivially atomic.
// Intended for development and tests; production deployments use the
// Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[uuid.UUID]*Account
	byUsername map[string]uuid.UUID // lowercased username -> account id
	creds      map[string]*Credential
	byAccount  map[uuid.UUID][]string
	challenges map[string][]*Challenge
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[uuid.UUID]*Account),
		byUsername: make(map[string]uuid.UUID),
		creds:      make(map[string]*Credential),
		byAccount:  make(map[uuid.UUID][]string),
		challenges: make(map[string][]*Challenge),
	}
}

func credKey(credentialID []byte) string {
	return base64.RawURLEncoding.EncodeToString(credentialID)
}

// GetByID retrieves an account by id.
func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

// GetByUsername retrieves an account by username, case-insensitively.
func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *s.accounts[id]
	return &cp, nil
}

// Create persists a new account and its optional first credential atomically.
func (s *MemoryStore) Create(ctx context.Context, account *Account, firstCredential *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(account.Username)
	if _, ok := s.byUsername[key]; ok {
		return ErrUsernameTaken
	}
	if firstCredential != nil {
		if _, ok := s.creds[credKey(firstCredential.ID)]; ok {
			return ErrCredentialExists
		}
	}

	cp := *account
	s.accounts[account.ID] = &cp
	s.byUsername[key] = account.ID

	if firstCredential != nil {
		s.addCredentialLocked(firstCredential)
	}
	return nil
}

func (s *MemoryStore) addCredentialLocked(cred *Credential) {
	key := credKey(cred.ID)
	cp := *cred
	s.creds[key] = &cp
	s.byAccount[cred.AccountID] = append(s.byAccount[cred.AccountID], key)
}

// GetByCredentialID retrieves a credential by its id.
func (s *MemoryStore) GetByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[credKey(credentialID)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	cp := *cred
	return &cp, nil
}

// ListByAccount returns the account's credentials, oldest first.
func (s *MemoryStore) ListByAccount(ctx context.Context, accountID uuid.UUID, includeRevoked bool) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byAccount[accountID]
	result := make([]*Credential, 0, len(keys))
	for _, key := range keys {
		cred := s.creds[key]
		if cred.Revoked() && !includeRevoked {
			continue
		}
		cp := *cred
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Add persists a new credential.
func (s *MemoryStore) Add(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[credKey(cred.ID)]; ok {
		return ErrCredentialExists
	}
	s.addCredentialLocked(cred)
	return nil
}

// UpdateCounter conditionally advances the signature counter.
func (s *MemoryStore) UpdateCounter(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[credKey(credentialID)]
	if !ok {
		return ErrCredentialNotFound
	}
	if !(cred.SignCount < signCount || (cred.SignCount == 0 && signCount == 0)) {
		return ErrReplayDetected
	}
	cred.SignCount = signCount
	cred.LastUsedAt = usedAt.UTC()
	return nil
}

// Revoke marks a credential revoked.
func (s *MemoryStore) Revoke(ctx context.Context, credentialID []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[credKey(credentialID)]
	if !ok {
		return ErrCredentialNotFound
	}
	if cred.RevokedAt == nil {
		ts := at.UTC()
		cred.RevokedAt = &ts
	}
	return nil
}

// Put persists a challenge under its value.
func (s *MemoryStore) Put(ctx context.Context, ch *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ch
	s.challenges[ch.Value] = append(s.challenges[ch.Value], &cp)
	return nil
}

// Consume atomically redeems the newest live challenge stored under value.
func (s *MemoryStore) Consume(ctx context.Context, value string, accountID *uuid.UUID, now time.Time) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.challenges[value]
	if !ok || len(entries) == 0 {
		return nil, ErrChallengeNotFound
	}

	// Newest wins when the same value was somehow stored twice.
	idx := len(entries) - 1
	ch := entries[idx]

	if ch.Expired(now) {
		s.removeChallengeLocked(value, idx)
		return nil, ErrChallengeExpired
	}
	if !sameScope(ch.AccountID, accountID) {
		// Wrong scope leaves the challenge intact for its rightful owner.
		return nil, ErrChallengeScopeMismatch
	}

	s.removeChallengeLocked(value, idx)
	cp := *ch
	return &cp, nil
}

func (s *MemoryStore) removeChallengeLocked(value string, idx int) {
	entries := s.challenges[value]
	entries = append(entries[:idx], entries[idx+1:]...)
	if len(entries) == 0 {
		delete(s.challenges, value)
	} else {
		s.challenges[value] = entries
	}
}

func sameScope(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// DeleteExpired removes expired challenges.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for value, entries := range s.challenges {
		kept := entries[:0]
		for _, ch := range entries {
			if ch.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, ch)
		}
		if len(kept) == 0 {
			delete(s.challenges, value)
		} else {
			s.challenges[value] = kept
		}
	}
	return removed, nil
}

// AccountCount returns the number of stored accounts.
func (s *MemoryStore) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// CredentialCount returns the number of stored credentials.
func (s *MemoryStore) CredentialCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}

// ChallengeCount returns the number of stored challenges.
func (s *MemoryStore) ChallengeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entries := range s.challenges {
		n += len(entries)
	}
	return n
}
