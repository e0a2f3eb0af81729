// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

// Package postgres implements the passkey store contracts over a pgx
// connection pool. All store errors are mapped to the passkey package's
// sentinel errors so callers never see driver-level errors for the
// conditions they branch on.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyforum/passkey-auth/pkg/passkey"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the Postgres error code for unique constraint breaks.
const uniqueViolation = "23505"

// Store implements passkey.AccountStore, passkey.CredentialStore, and
// passkey.ChallengeStore over a single pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// GetByID retrieves an account by id.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*passkey.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, display_name, anonymous, created_at
		 FROM accounts
		 WHERE id = $1`,
		id)
	return scanAccount(row)
}

// GetByUsername retrieves an account by username, case-insensitively.
func (s *Store) GetByUsername(ctx context.Context, username string) (*passkey.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, display_name, anonymous, created_at
		 FROM accounts
		 WHERE lower(username) = lower($1)`,
		username)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*passkey.Account, error) {
	var a passkey.Account
	err := row.Scan(&a.ID, &a.Username, &a.DisplayName, &a.Anonymous, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, passkey.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Create persists a new account and its optional first credential in one
// transaction.
func (s *Store) Create(ctx context.Context, account *passkey.Account, firstCredential *passkey.Credential) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, username, display_name, anonymous, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.Username, account.DisplayName, account.Anonymous, account.CreatedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}

	if firstCredential != nil {
		if err := insertCredential(ctx, tx, firstCredential); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "accounts_username_lower_idx":
			return passkey.ErrUsernameTaken
		case "credentials_pkey":
			return passkey.ErrCredentialExists
		}
	}
	return err
}

func insertCredential(ctx context.Context, tx pgx.Tx, cred *passkey.Credential) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credentials (
			id, account_id, public_key, attestation_type, transports, aaguid,
			user_present, user_verified, backup_eligible, backup_state,
			sign_count, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cred.ID, cred.AccountID, cred.PublicKey, cred.AttestationType,
		transportsToStrings(cred.Transport), cred.AAGUID,
		cred.Flags.UserPresent, cred.Flags.UserVerified,
		cred.Flags.BackupEligible, cred.Flags.BackupState,
		int64(cred.SignCount), cred.CreatedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

const credentialColumns = `id, account_id, public_key, attestation_type, transports, aaguid,
	user_present, user_verified, backup_eligible, backup_state,
	sign_count, created_at, last_used_at, revoked_at`

// GetByCredentialID retrieves a credential by its id.
func (s *Store) GetByCredentialID(ctx context.Context, credentialID []byte) (*passkey.Credential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`,
		credentialID)
	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, passkey.ErrCredentialNotFound
		}
		return nil, err
	}
	return cred, nil
}

// ListByAccount returns the account's credentials, oldest first.
func (s *Store) ListByAccount(ctx context.Context, accountID uuid.UUID, includeRevoked bool) ([]*passkey.Credential, error) {
	query := `SELECT ` + credentialColumns + `
		 FROM credentials
		 WHERE account_id = $1`
	if !includeRevoked {
		query += ` AND revoked_at IS NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*passkey.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func scanCredential(row pgx.Row) (*passkey.Credential, error) {
	var (
		c          passkey.Credential
		transports []string
		signCount  int64
		lastUsed   *time.Time
	)
	err := row.Scan(&c.ID, &c.AccountID, &c.PublicKey, &c.AttestationType,
		&transports, &c.AAGUID,
		&c.Flags.UserPresent, &c.Flags.UserVerified,
		&c.Flags.BackupEligible, &c.Flags.BackupState,
		&signCount, &c.CreatedAt, &lastUsed, &c.RevokedAt)
	if err != nil {
		return nil, err
	}
	c.Transport = stringsToTransports(transports)
	c.SignCount = uint32(signCount)
	if lastUsed != nil {
		c.LastUsedAt = *lastUsed
	}
	return &c, nil
}

// Add persists a new credential.
func (s *Store) Add(ctx context.Context, cred *passkey.Credential) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertCredential(ctx, tx, cred); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateCounter conditionally advances the signature counter. The WHERE
// clause encodes the replay invariant so concurrent assertions cannot both
// win with the same counter.
func (s *Store) UpdateCounter(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials
		 SET sign_count = $2, last_used_at = $3
		 WHERE id = $1 AND (sign_count < $2 OR (sign_count = 0 AND $2 = 0))`,
		credentialID, int64(signCount), usedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing credential from a stale counter.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credentials WHERE id = $1)`,
			credentialID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return passkey.ErrCredentialNotFound
		}
		return passkey.ErrReplayDetected
	}
	return nil
}

// Revoke marks a credential revoked, keeping the earliest timestamp.
func (s *Store) Revoke(ctx context.Context, credentialID []byte, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials
		 SET revoked_at = COALESCE(revoked_at, $2)
		 WHERE id = $1`,
		credentialID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return passkey.ErrCredentialNotFound
	}
	return nil
}

// Put persists a challenge under its value.
func (s *Store) Put(ctx context.Context, ch *passkey.Challenge) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO challenges (value, account_id, ceremony, user_handle, username, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ch.Value, ch.AccountID, string(ch.Ceremony), ch.UserHandle, ch.Username,
		ch.CreatedAt, ch.ExpiresAt)
	return err
}

// Consume atomically redeems the newest live challenge for value under the
// given scope. The inner SELECT pins the newest matching row; SKIP LOCKED
// makes a concurrent consume of the same row observe no rows instead of
// blocking, so exactly one of two racing consumers wins.
func (s *Store) Consume(ctx context.Context, value string, accountID *uuid.UUID, now time.Time) (*passkey.Challenge, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM challenges
		 WHERE id = (
			SELECT id FROM challenges
			WHERE value = $1
			  AND expires_at > $3
			  AND (account_id = $2 OR (account_id IS NULL AND $2::uuid IS NULL))
			ORDER BY created_at DESC, id DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING value, account_id, ceremony, user_handle, username, created_at, expires_at`,
		value, accountID, now)

	var (
		ch       passkey.Challenge
		ceremony string
	)
	err := row.Scan(&ch.Value, &ch.AccountID, &ceremony, &ch.UserHandle, &ch.Username,
		&ch.CreatedAt, &ch.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyChallengeMiss(ctx, value, accountID, now)
		}
		return nil, err
	}
	ch.Ceremony = passkey.Ceremony(ceremony)
	return &ch, nil
}

// classifyChallengeMiss distinguishes why a consume found nothing: no row
// at all, an expired row, or a row issued for a different scope.
func (s *Store) classifyChallengeMiss(ctx context.Context, value string, accountID *uuid.UUID, now time.Time) error {
	var (
		rowAccountID *uuid.UUID
		expiresAt    time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, expires_at
		 FROM challenges
		 WHERE value = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		value).Scan(&rowAccountID, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return passkey.ErrChallengeNotFound
		}
		return err
	}
	if !expiresAt.After(now) {
		return passkey.ErrChallengeExpired
	}
	if !sameScope(rowAccountID, accountID) {
		return passkey.ErrChallengeScopeMismatch
	}
	// The row was live and in scope but the DELETE saw nothing: a
	// concurrent consumer won the race.
	return passkey.ErrChallengeNotFound
}

func sameScope(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// DeleteExpired removes challenges past their expiry.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func transportsToStrings(transports []protocol.AuthenticatorTransport) []string {
	out := make([]string, len(transports))
	for i, t := range transports {
		out[i] = string(t)
	}
	return out
}

func stringsToTransports(values []string) []protocol.AuthenticatorTransport {
	if len(values) == 0 {
		return nil
	}
	out := make([]protocol.AuthenticatorTransport, len(values))
	for i, v := range values {
		out[i] = protocol.AuthenticatorTransport(v)
	}
	return out
}
