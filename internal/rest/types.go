// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package rest

import (
	"encoding/json"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/parleyforum/passkey-auth/pkg/passkey"
)

// Error codes returned to clients.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeNotFound           = "not_found"
	CodeNoCredentials      = "no_credentials"
	CodeChallengeNotFound  = "challenge_not_found"
	CodeChallengeExpired   = "challenge_expired"
	CodeConflict           = "conflict"
	CodeVerificationFailed = "verification_failed"
	CodeUnauthorized       = "unauthorized"
	CodeInternalError      = "internal_error"
)

// StatusUnregisteredCredential marks the distinguished finish-login outcome
// that tells the client to pivot into recovery registration.
const StatusUnregisteredCredential = "unregistered_credential"

// beginLoginRequest starts an authentication ceremony. An absent username
// selects discovery mode.
type beginLoginRequest struct {
	Username string `json:"username,omitempty"`
}

// finishLoginRequest completes an authentication ceremony. Credential is
// the browser's PublicKeyCredential JSON, passed through verbatim.
type finishLoginRequest struct {
	Username   string          `json:"username,omitempty"`
	Credential json.RawMessage `json:"credential"`
}

// beginRegistrationRequest starts a signup ceremony.
type beginRegistrationRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// finishRegistrationRequest completes a signup or recovery ceremony.
type finishRegistrationRequest struct {
	Username    string          `json:"username"`
	DisplayName string          `json:"display_name,omitempty"`
	Credential  json.RawMessage `json:"credential"`
}

// finishAddCredentialRequest completes a second-device enrolment.
type finishAddCredentialRequest struct {
	Credential json.RawMessage `json:"credential"`
}

// accountPayload is the wire form of an account.
type accountPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

func toAccountPayload(a *passkey.Account) accountPayload {
	return accountPayload{
		ID:          a.ID.String(),
		Username:    a.Username,
		DisplayName: a.DisplayName,
	}
}

// authResponse is returned after a successful login or registration.
type authResponse struct {
	Token   string         `json:"token"`
	Account accountPayload `json:"account"`
}

// unregisteredCredentialResponse is the finish-login outcome for a
// discovery assertion from an unknown credential. The assertion response is
// echoed back so the client can carry it into recovery registration.
type unregisteredCredentialResponse struct {
	Status       string                                `json:"status"`
	CredentialID string                                `json:"credential_id"`
	Credential   *protocol.CredentialAssertionResponse `json:"credential,omitempty"`
}

// credentialPayload is the wire form of a credential.
type credentialPayload struct {
	CredentialID string     `json:"credential_id"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// sessionResponse is the verified token payload.
type sessionResponse struct {
	AccountID    string `json:"account_id"`
	Username     string `json:"username"`
	CredentialID string `json:"credential_id"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the liveness body.
type healthResponse struct {
	Status string `json:"status"`
}
