// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
)

// Sentinel errors for passkey operations.
var (
	// ErrAccountNotFound is returned when an account cannot be found.
	ErrAccountNotFound = errors.New("account not found")

	// ErrUsernameTaken is returned when the requested username is already
	// registered, compared case-insensitively.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrCredentialNotFound is returned when a credential cannot be found.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCredentialExists is returned when registering a credential id that
	// is already known.
	ErrCredentialExists = errors.New("credential already registered")

	// ErrNoCredentials is returned when an account has no usable credentials.
	ErrNoCredentials = errors.New("account has no registered credentials")

	// ErrChallengeNotFound is returned when a challenge value is unknown or
	// was already consumed.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeExpired is returned when a challenge exists but its TTL
	// has elapsed.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrChallengeScopeMismatch is returned when a challenge exists but was
	// issued for a different account scope.
	ErrChallengeScopeMismatch = errors.New("challenge scope mismatch")

	// ErrChallengeMismatch is returned when the client data carries a
	// different challenge than the one consumed for the ceremony.
	ErrChallengeMismatch = errors.New("challenge mismatch")

	// ErrOriginMismatch is returned when the client data origin is not an
	// allowed relying party origin.
	ErrOriginMismatch = errors.New("origin mismatch")

	// ErrSignatureInvalid is returned when the authenticator signature or
	// attestation fails cryptographic verification.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrVerificationFailed is the generic ceremony verification failure.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrReplayDetected is returned when an assertion carries a signature
	// counter that did not advance past the stored one.
	ErrReplayDetected = errors.New("signature counter replay detected")

	// ErrCredentialRevoked is returned when an assertion uses a revoked
	// credential.
	ErrCredentialRevoked = errors.New("credential revoked")

	// ErrInvalidResponse is returned when the authenticator response is
	// structurally invalid.
	ErrInvalidResponse = errors.New("invalid authenticator response")
)

// Error wraps an error with the operation that produced it.
type Error struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new Error with the given operation and error.
func NewError(op string, err error) error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// WrapError wraps an error with an operation name if it's not nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(op, err)
}

// UnregisteredCredentialError reports that a discovery assertion presented a
// credential id the service has never seen. It is a signal rather than a
// failure: the client is expected to pivot into the recovery registration
// flow, re-using the challenge already held by the browser.
type UnregisteredCredentialError struct {
	// CredentialID is the unknown credential id from the assertion.
	CredentialID []byte

	// Response is the assertion response as the browser produced it, echoed
	// back so the client can hand it straight to the recovery flow.
	Response *protocol.CredentialAssertionResponse
}

// Error returns the error message.
func (e *UnregisteredCredentialError) Error() string {
	return fmt.Sprintf("unregistered credential: %s",
		base64.RawURLEncoding.EncodeToString(e.CredentialID))
}

// AsUnregisteredCredential extracts an UnregisteredCredentialError from err,
// if present.
func AsUnregisteredCredential(err error) (*UnregisteredCredentialError, bool) {
	var uce *UnregisteredCredentialError
	if errors.As(err, &uce) {
		return uce, true
	}
	return nil, false
}

// IsAccountNotFound returns true if the error indicates an account was not found.
func IsAccountNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}

// IsCredentialNotFound returns true if the error indicates a credential was not found.
func IsCredentialNotFound(err error) bool {
	return errors.Is(err, ErrCredentialNotFound)
}

// IsChallengeNotFound returns true if the error indicates a challenge was
// not found or already consumed.
func IsChallengeNotFound(err error) bool {
	return errors.Is(err, ErrChallengeNotFound)
}

// IsChallengeExpired returns true if the error indicates a challenge expired.
func IsChallengeExpired(err error) bool {
	return errors.Is(err, ErrChallengeExpired)
}

// IsConflict returns true if the error indicates a uniqueness conflict on
// usernames or credential ids.
func IsConflict(err error) bool {
	return errors.Is(err, ErrUsernameTaken) || errors.Is(err, ErrCredentialExists)
}

// IsVerificationFailure returns true for any error in the ceremony
// verification family. Transports surface these to clients as a single
// generic failure so the response does not reveal which check rejected the
// assertion.
func IsVerificationFailure(err error) bool {
	return errors.Is(err, ErrVerificationFailed) ||
		errors.Is(err, ErrChallengeMismatch) ||
		errors.Is(err, ErrOriginMismatch) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrCredentialRevoked)
}

// IsReplayDetected returns true if the error indicates a stale signature counter.
func IsReplayDetected(err error) bool {
	return errors.Is(err, ErrReplayDetected)
}
