// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/parleyforum/passkey-auth/pkg/metrics"
	"github.com/parleyforum/passkey-auth/pkg/passkey"
)

// Handler holds the HTTP handlers for the authentication API.
type Handler struct {
	service *passkey.Service
	logger  *slog.Logger
}

// NewHandler creates the handler set.
func NewHandler(service *passkey.Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, CodeInvalidRequest, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

// BeginLogin starts an authentication ceremony, discovery mode when no
// username is given.
func (h *Handler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	var req beginLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		options *protocol.CredentialAssertion
		err     error
	)
	if req.Username == "" {
		options, err = h.service.BeginDiscoveryLogin(r.Context())
	} else {
		options, err = h.service.BeginLogin(r.Context(), req.Username)
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, options, http.StatusOK)
}

// FinishLogin completes an authentication ceremony.
func (h *Handler) FinishLogin(w http.ResponseWriter, r *http.Request) {
	var req finishLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	assertion, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		writeError(w, CodeInvalidRequest, "malformed credential assertion", http.StatusBadRequest)
		return
	}

	ceremony := metrics.CeremonyLogin
	if req.Username == "" {
		ceremony = metrics.CeremonyDiscoveryLogin
	}
	start := time.Now()

	result, err := h.service.FinishLogin(r.Context(), req.Username, assertion)
	if err != nil {
		if unregistered, ok := passkey.AsUnregisteredCredential(err); ok {
			// Not a failure: the client pivots into recovery registration
			// with the challenge it already holds.
			writeJSON(w, unregisteredCredentialResponse{
				Status:       StatusUnregisteredCredential,
				CredentialID: base64.RawURLEncoding.EncodeToString(unregistered.CredentialID),
				Credential:   unregistered.Response,
			}, http.StatusOK)
			return
		}
		metrics.RecordCeremony(ceremony, metrics.StatusFailure, time.Since(start).Seconds())
		if passkey.IsCredentialNotFound(err) {
			// An unknown credential on a scoped login stays
			// indistinguishable from a bad signature.
			writeError(w, CodeVerificationFailed, "credential verification failed", http.StatusUnauthorized)
			return
		}
		handleServiceError(w, err)
		return
	}

	metrics.RecordCeremony(ceremony, metrics.StatusSuccess, time.Since(start).Seconds())
	metrics.RecordTokenIssued()

	writeJSON(w, authResponse{
		Token:   result.Token,
		Account: toAccountPayload(result.Account),
	}, http.StatusOK)
}

// BeginRegistration starts a signup ceremony.
func (h *Handler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	var req beginRegistrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	options, err := h.service.BeginRegistration(r.Context(), req.Username, req.DisplayName)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, options, http.StatusOK)
}

// FinishRegistration completes a signup ceremony.
func (h *Handler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	h.finishRegistration(w, r, metrics.CeremonyRegistration, h.service.FinishRegistration)
}

// RecoverRegister completes the unregistered-passkey recovery flow.
func (h *Handler) RecoverRegister(w http.ResponseWriter, r *http.Request) {
	h.finishRegistration(w, r, metrics.CeremonyRecovery, h.service.RecoverRegister)
}

type registrationFunc func(ctx context.Context, username, displayName string, response *protocol.ParsedCredentialCreationData) (*passkey.RegistrationResult, error)

func (h *Handler) finishRegistration(w http.ResponseWriter, r *http.Request, ceremony string, complete registrationFunc) {
	var req finishRegistrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	attestation, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		writeError(w, CodeInvalidRequest, "malformed credential attestation", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := complete(r.Context(), req.Username, req.DisplayName, attestation)
	if err != nil {
		metrics.RecordCeremony(ceremony, metrics.StatusFailure, time.Since(start).Seconds())
		handleServiceError(w, err)
		return
	}

	metrics.RecordCeremony(ceremony, metrics.StatusSuccess, time.Since(start).Seconds())
	metrics.RecordTokenIssued()

	writeJSON(w, authResponse{
		Token:   result.Token,
		Account: toAccountPayload(result.Account),
	}, http.StatusCreated)
}

// BeginAddCredential starts a second-device enrolment for the
// authenticated account.
func (h *Handler) BeginAddCredential(w http.ResponseWriter, r *http.Request) {
	payload, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, CodeUnauthorized, "missing session", http.StatusUnauthorized)
		return
	}

	options, err := h.service.BeginAddCredential(r.Context(), payload.AccountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, options, http.StatusOK)
}

// FinishAddCredential completes a second-device enrolment.
func (h *Handler) FinishAddCredential(w http.ResponseWriter, r *http.Request) {
	payload, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, CodeUnauthorized, "missing session", http.StatusUnauthorized)
		return
	}

	var req finishAddCredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	attestation, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		writeError(w, CodeInvalidRequest, "malformed credential attestation", http.StatusBadRequest)
		return
	}

	start := time.Now()
	cred, err := h.service.FinishAddCredential(r.Context(), payload.AccountID, attestation)
	if err != nil {
		metrics.RecordCeremony(metrics.CeremonyAddCredential, metrics.StatusFailure, time.Since(start).Seconds())
		handleServiceError(w, err)
		return
	}
	metrics.RecordCeremony(metrics.CeremonyAddCredential, metrics.StatusSuccess, time.Since(start).Seconds())

	writeJSON(w, toCredentialPayload(cred), http.StatusCreated)
}

// ListCredentials returns the authenticated account's credentials.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	payload, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, CodeUnauthorized, "missing session", http.StatusUnauthorized)
		return
	}

	creds, err := h.service.ListCredentials(r.Context(), payload.AccountID, true)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	payloads := make([]credentialPayload, len(creds))
	for i, cred := range creds {
		payloads[i] = toCredentialPayload(cred)
	}
	writeJSON(w, payloads, http.StatusOK)
}

// RevokeCredential revokes one of the authenticated account's credentials.
func (h *Handler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	payload, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, CodeUnauthorized, "missing session", http.StatusUnauthorized)
		return
	}

	credentialID, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, CodeInvalidRequest, "malformed credential id", http.StatusBadRequest)
		return
	}

	if err := h.service.RevokeCredential(r.Context(), payload.AccountID, credentialID); err != nil {
		handleServiceError(w, err)
		return
	}

	h.logger.Info("credential revoked",
		"account_id", payload.AccountID,
		"credential_id", chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// Session returns the verified bearer token payload.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	payload, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, CodeUnauthorized, "missing session", http.StatusUnauthorized)
		return
	}

	writeJSON(w, sessionResponse{
		AccountID:    payload.AccountID.String(),
		Username:     payload.Username,
		CredentialID: base64.RawURLEncoding.EncodeToString(payload.CredentialID),
	}, http.StatusOK)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{Status: "ok"}, http.StatusOK)
}

func toCredentialPayload(cred *passkey.Credential) credentialPayload {
	p := credentialPayload{
		CredentialID: base64.RawURLEncoding.EncodeToString(cred.ID),
		CreatedAt:    cred.CreatedAt,
		RevokedAt:    cred.RevokedAt,
	}
	if !cred.LastUsedAt.IsZero() {
		lastUsed := cred.LastUsedAt
		p.LastUsedAt = &lastUsed
	}
	return p
}
