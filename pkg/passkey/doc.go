// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

// Package passkey implements the passkey (WebAuthn) authentication core for
// the forum platform: accounts, registered credentials, single-use ceremony
// challenges, and the ceremony orchestration that ties them together.
//
// The Service is the entry point. It wraps github.com/go-webauthn/webauthn
// for the cryptographic ceremony verification and adds the relying-party
// semantics around it: challenge single-use and scoping, signature counter
// replay enforcement, atomic account-plus-credential creation, discovery
// login with the recovery pivot for unregistered passkeys, and session
// token issuance.
//
// Storage is pluggable through AccountStore, CredentialStore, and
// ChallengeStore. MemoryStore implements all three for development and
// tests; the internal/postgres package provides the production
// implementation.
package passkey
