// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// Account is a forum account. Usernames are unique case-insensitively;
// accounts are created through registration (or its recovery variant) and
// are never hard-deleted.
type Account struct {
	// ID is the account identifier, also used as the WebAuthn user handle.
	ID uuid.UUID `json:"id"`

	// Username is the unique login name.
	Username string `json:"username"`

	// DisplayName is the human-readable name shown to other users.
	DisplayName string `json:"display_name,omitempty"`

	// Anonymous marks throwaway accounts created without profile details.
	Anonymous bool `json:"anonymous"`

	// CreatedAt is when the account was created.
	CreatedAt time.Time `json:"created_at"`
}

// Credential is an authenticator public key registered to an account.
type Credential struct {
	// ID is the credential identifier assigned by the authenticator.
	// Globally unique across all accounts.
	ID []byte `json:"id"`

	// AccountID is the owning account.
	AccountID uuid.UUID `json:"account_id"`

	// PublicKey is the credential's public key in COSE format.
	PublicKey []byte `json:"public_key"`

	// AttestationType indicates the type of attestation conveyed at
	// registration.
	AttestationType string `json:"attestation_type"`

	// Transport lists the transports reported by the authenticator.
	Transport []protocol.AuthenticatorTransport `json:"transport,omitempty"`

	// Flags contains the authenticator flags observed at registration.
	Flags CredentialFlags `json:"flags"`

	// AAGUID identifies the authenticator model.
	AAGUID []byte `json:"aaguid,omitempty"`

	// SignCount is the signature counter observed on the most recent
	// assertion. It never decreases. Many platform authenticators always
	// report zero, which leaves replay detection inactive for that
	// credential.
	SignCount uint32 `json:"sign_count"`

	// CreatedAt is when the credential was registered.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the credential last completed an authentication.
	// Zero if never used.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`

	// RevokedAt is set when the credential has been revoked. Revoked
	// credentials are excluded from allow lists and rejected at login.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the credential has been revoked.
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// CredentialFlags contains authenticator capability flags.
type CredentialFlags struct {
	// UserPresent indicates the user was present during the operation.
	UserPresent bool `json:"user_present"`

	// UserVerified indicates the user was verified (biometric, PIN).
	UserVerified bool `json:"user_verified"`

	// BackupEligible indicates the credential can be backed up.
	BackupEligible bool `json:"backup_eligible"`

	// BackupState indicates the credential is currently backed up.
	BackupState bool `json:"backup_state"`
}

// toWebAuthn converts a Credential to the go-webauthn library's type.
func (c *Credential) toWebAuthn() webauthn.Credential {
	return webauthn.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       c.Transport,
		Flags: webauthn.CredentialFlags{
			UserPresent:    c.Flags.UserPresent,
			UserVerified:   c.Flags.UserVerified,
			BackupEligible: c.Flags.BackupEligible,
			BackupState:    c.Flags.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

// newCredential builds a Credential from a library credential produced by a
// successful registration ceremony.
func newCredential(accountID uuid.UUID, wc *webauthn.Credential, now time.Time) *Credential {
	return &Credential{
		ID:              wc.ID,
		AccountID:       accountID,
		PublicKey:       wc.PublicKey,
		AttestationType: wc.AttestationType,
		Transport:       wc.Transport,
		Flags: CredentialFlags{
			UserPresent:    wc.Flags.UserPresent,
			UserVerified:   wc.Flags.UserVerified,
			BackupEligible: wc.Flags.BackupEligible,
			BackupState:    wc.Flags.BackupState,
		},
		AAGUID:    wc.Authenticator.AAGUID,
		SignCount: wc.Authenticator.SignCount,
		CreatedAt: now.UTC(),
	}
}

// Ceremony distinguishes the two WebAuthn ceremony kinds a challenge can
// belong to.
type Ceremony string

const (
	// CeremonyRegistration is an attestation (credential creation) ceremony.
	CeremonyRegistration Ceremony = "registration"

	// CeremonyAuthentication is an assertion (login) ceremony.
	CeremonyAuthentication Ceremony = "authentication"
)

// Challenge is a single-use ceremony challenge. The Value is the base64url
// challenge the browser signs over; consumption deletes the record, so a
// value can only ever complete one ceremony.
type Challenge struct {
	// Value is the base64url-encoded challenge bytes.
	Value string `json:"value"`

	// AccountID scopes the challenge to one account. Nil for discovery
	// logins and first-time registrations, where no account exists yet.
	AccountID *uuid.UUID `json:"account_id,omitempty"`

	// Ceremony is the ceremony kind the challenge was issued for.
	Ceremony Ceremony `json:"ceremony"`

	// UserHandle carries the account id minted at registration begin,
	// before the account row exists.
	UserHandle []byte `json:"user_handle,omitempty"`

	// Username is the username reserved by a registration challenge.
	Username string `json:"username,omitempty"`

	// CreatedAt is when the challenge was issued.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the challenge stops being consumable.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the challenge TTL has elapsed at the given time.
func (ch *Challenge) Expired(now time.Time) bool {
	return !ch.ExpiresAt.After(now)
}

// ceremonyUser adapts an account and its credentials to the webauthn.User
// interface consumed by the ceremony library.
type ceremonyUser struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

// newCeremonyUser builds the library user for an existing account.
func newCeremonyUser(account *Account, creds []*Credential) *ceremonyUser {
	u := &ceremonyUser{
		id:          account.ID[:],
		name:        account.Username,
		displayName: account.DisplayName,
	}
	for _, c := range creds {
		if c.Revoked() {
			continue
		}
		u.credentials = append(u.credentials, c.toWebAuthn())
	}
	return u
}

// newPendingUser builds the library user for a registration ceremony whose
// account does not exist yet.
func newPendingUser(handle []byte, username, displayName string) *ceremonyUser {
	return &ceremonyUser{
		id:          handle,
		name:        username,
		displayName: displayName,
	}
}

// WebAuthnID returns the WebAuthn user handle.
func (u *ceremonyUser) WebAuthnID() []byte {
	return u.id
}

// WebAuthnName returns the username.
func (u *ceremonyUser) WebAuthnName() string {
	return u.name
}

// WebAuthnDisplayName returns the display name, falling back to the username.
func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.displayName == "" {
		return u.name
	}
	return u.displayName
}

// WebAuthnCredentials returns the registered credentials.
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// LoginResult is the outcome of a completed authentication ceremony.
type LoginResult struct {
	// Token is the session token minted for the login.
	Token string `json:"token"`

	// Account is the authenticated account.
	Account *Account `json:"account"`

	// CredentialID is the credential that signed the assertion.
	CredentialID []byte `json:"credential_id"`
}

// RegistrationResult is the outcome of a completed registration ceremony.
type RegistrationResult struct {
	// Token is the session token minted for the fresh account.
	Token string `json:"token"`

	// Account is the newly created account.
	Account *Account `json:"account"`

	// Credential is the account's first credential.
	Credential *Credential `json:"credential"`
}
