// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parleyforum/passkey-auth/pkg/passkey"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a uniform error body.
func writeError(w http.ResponseWriter, code, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: code, Message: message}, statusCode)
}

// handleServiceError maps service errors onto HTTP responses. The whole
// verification family collapses into one generic 401 so the response never
// reveals which check rejected a forged or replayed assertion.
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case passkey.IsAccountNotFound(err):
		writeError(w, CodeNotFound, "account not found", http.StatusNotFound)
	case errors.Is(err, passkey.ErrNoCredentials):
		writeError(w, CodeNoCredentials, "account has no usable credentials", http.StatusBadRequest)
	case passkey.IsChallengeExpired(err):
		writeError(w, CodeChallengeExpired, "challenge expired, restart the ceremony", http.StatusBadRequest)
	case passkey.IsChallengeNotFound(err), errors.Is(err, passkey.ErrChallengeScopeMismatch):
		writeError(w, CodeChallengeNotFound, "challenge not found, restart the ceremony", http.StatusBadRequest)
	case passkey.IsConflict(err):
		writeError(w, CodeConflict, "username or credential already registered", http.StatusConflict)
	case passkey.IsVerificationFailure(err):
		writeError(w, CodeVerificationFailed, "credential verification failed", http.StatusUnauthorized)
	case passkey.IsCredentialNotFound(err):
		writeError(w, CodeNotFound, "credential not found", http.StatusNotFound)
	case errors.Is(err, passkey.ErrInvalidResponse):
		writeError(w, CodeInvalidRequest, "invalid request", http.StatusBadRequest)
	default:
		writeError(w, CodeInternalError, "internal server error", http.StatusInternalServerError)
	}
}
