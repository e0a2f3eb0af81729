// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package rest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyforum/passkey-auth/pkg/passkey"
	"github.com/parleyforum/passkey-auth/pkg/session"
)

const (
	testRPID   = "forum.example.com"
	testOrigin = "https://forum.example.com"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := passkey.NewMemoryStore()

	issuer, err := session.NewIssuer([]byte("test-secret-at-least-32-bytes-long"))
	require.NoError(t, err)

	service, err := passkey.NewService(passkey.ServiceParams{
		Config: &passkey.Config{
			RPID:          testRPID,
			RPDisplayName: "Parley Forum",
			RPOrigins:     []string{testOrigin},
		},
		Accounts:    store,
		Credentials: store,
		Challenges:  store,
		Tokens:      issuer,
		Logger:      logger,
	})
	require.NoError(t, err)

	server, err := NewServer(&Config{
		Service:  service,
		Sessions: issuer,
		Logger:   logger,
	})
	require.NoError(t, err)
	return server.server.Handler
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, code, body.Error)
}

// registerViaAPI runs the registration ceremony through the HTTP surface and
// returns the authenticator and auth response.
func registerViaAPI(t *testing.T, handler http.Handler, username, displayName string) (*passkey.MockAuthenticator, authResponse) {
	t.Helper()

	auth, err := passkey.NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register/begin", map[string]string{
		"username":     username,
		"display_name": displayName,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var options protocol.CredentialCreation
	decodeBody(t, rec, &options)
	require.NotEmpty(t, options.Response.Challenge)

	attestation, err := auth.CreateAttestation(options.Response.Challenge, testOrigin)
	require.NoError(t, err)
	credJSON, err := json.Marshal(attestation.Raw)
	require.NoError(t, err)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/register/finish", map[string]interface{}{
		"username":     username,
		"display_name": displayName,
		"credential":   json.RawMessage(credJSON),
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp authResponse
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp.Token)
	return auth, resp
}

// loginBegin starts a login ceremony and returns the assertion options.
func loginBegin(t *testing.T, handler http.Handler, username string) protocol.CredentialAssertion {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login/begin", map[string]string{
		"username": username,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var options protocol.CredentialAssertion
	decodeBody(t, rec, &options)
	return options
}

func assertionBody(t *testing.T, auth *passkey.MockAuthenticator, challenge []byte, userHandle []byte, origin, username string) map[string]interface{} {
	t.Helper()

	assertion, err := auth.CreateAssertion(challenge, userHandle, origin)
	require.NoError(t, err)
	credJSON, err := json.Marshal(assertion.Raw)
	require.NoError(t, err)

	body := map[string]interface{}{
		"credential": json.RawMessage(credJSON),
	}
	if username != "" {
		body["username"] = username
	}
	return body
}

func TestHandler_Health(t *testing.T) {
	handler := newTestServer(t)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
}

func TestHandler_RegisterAndSession(t *testing.T) {
	handler := newTestServer(t)

	_, resp := registerViaAPI(t, handler, "alice", "Alice")
	assert.Equal(t, "alice", resp.Account.Username)
	assert.Equal(t, "Alice", resp.Account.DisplayName)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/auth/session", nil, resp.Token)
	require.Equal(t, http.StatusOK, rec.Code)

	var sess sessionResponse
	decodeBody(t, rec, &sess)
	assert.Equal(t, resp.Account.ID, sess.AccountID)
	assert.Equal(t, "alice", sess.Username)
}

func TestHandler_Register_Conflict(t *testing.T) {
	handler := newTestServer(t)

	registerViaAPI(t, handler, "alice", "Alice")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register/begin", map[string]string{
		"username": "alice",
	}, "")
	assertErrorCode(t, rec, http.StatusConflict, CodeConflict)
}

func TestHandler_Register_MalformedBody(t *testing.T) {
	handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register/begin", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assertErrorCode(t, rec, http.StatusBadRequest, CodeInvalidRequest)
}

func TestHandler_Login(t *testing.T) {
	handler := newTestServer(t)

	auth, reg := registerViaAPI(t, handler, "alice", "Alice")
	handle := accountHandle(t, reg)

	options := loginBegin(t, handler, "alice")
	require.Len(t, options.Response.AllowedCredentials, 1)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login/finish",
		assertionBody(t, auth, options.Response.Challenge, handle, testOrigin, "alice"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp authResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "alice", resp.Account.Username)
	assert.NotEmpty(t, resp.Token)
}

func TestHandler_Login_UnknownAccount(t *testing.T) {
	handler := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login/begin", map[string]string{
		"username": "nobody",
	}, "")
	assertErrorCode(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestHandler_Login_VerificationFailuresCollapse(t *testing.T) {
	handler := newTestServer(t)

	auth, reg := registerViaAPI(t, handler, "alice", "Alice")
	handle := accountHandle(t, reg)

	// Wrong origin in the client data.
	options := loginBegin(t, handler, "alice")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login/finish",
		assertionBody(t, auth, options.Response.Challenge, handle, "https://evil.example.com", "alice"), "")
	assertErrorCode(t, rec, http.StatusUnauthorized, CodeVerificationFailed)

	// Unknown credential on a scoped login reports the same failure.
	stranger, err := passkey.NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	options = loginBegin(t, handler, "alice")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/login/finish",
		assertionBody(t, stranger, options.Response.Challenge, handle, testOrigin, "alice"), "")
	assertErrorCode(t, rec, http.StatusUnauthorized, CodeVerificationFailed)
}

func TestHandler_Login_ChallengeNotFound(t *testing.T) {
	handler := newTestServer(t)

	auth, reg := registerViaAPI(t, handler, "alice", "Alice")
	handle := accountHandle(t, reg)

	// An assertion over a challenge the server never issued.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login/finish",
		assertionBody(t, auth, []byte("never-issued-challenge-value-123"), handle, testOrigin, "alice"), "")
	assertErrorCode(t, rec, http.StatusBadRequest, CodeChallengeNotFound)
}

func TestHandler_DiscoveryLogin_UnregisteredPivotsToRecovery(t *testing.T) {
	handler := newTestServer(t)

	auth, err := passkey.NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	// Begin a discovery login: no username in the request.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login/begin", map[string]string{}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var options protocol.CredentialAssertion
	decodeBody(t, rec, &options)
	assert.Empty(t, options.Response.AllowedCredentials)

	// The assertion comes from a credential the server has never seen.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/login/finish",
		assertionBody(t, auth, options.Response.Challenge, []byte("0123456789abcdef"), testOrigin, ""), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pivot unregisteredCredentialResponse
	decodeBody(t, rec, &pivot)
	assert.Equal(t, StatusUnregisteredCredential, pivot.Status)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(auth.CredentialID), pivot.CredentialID)

	// The assertion response rides along so the client can reuse it.
	require.NotNil(t, pivot.Credential)
	assert.Equal(t, []byte(auth.CredentialID), []byte(pivot.Credential.RawID))
	assert.NotEmpty(t, pivot.Credential.AssertionResponse.Signature)

	// Pivot into recovery with the same challenge.
	attestation, err := auth.CreateAttestation(options.Response.Challenge, testOrigin)
	require.NoError(t, err)
	credJSON, err := json.Marshal(attestation.Raw)
	require.NoError(t, err)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/register/recover", map[string]interface{}{
		"username":   "phoenix",
		"credential": json.RawMessage(credJSON),
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp authResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "phoenix", resp.Account.Username)
	assert.NotEmpty(t, resp.Token)
}

func TestHandler_CredentialManagement(t *testing.T) {
	handler := newTestServer(t)

	firstAuth, reg := registerViaAPI(t, handler, "alice", "Alice")

	// Enrol a second authenticator.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/credentials/begin", nil, reg.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var options protocol.CredentialCreation
	decodeBody(t, rec, &options)
	require.Len(t, options.Response.CredentialExcludeList, 1)

	secondAuth, err := passkey.NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	attestation, err := secondAuth.CreateAttestation(options.Response.Challenge, testOrigin)
	require.NoError(t, err)
	credJSON, err := json.Marshal(attestation.Raw)
	require.NoError(t, err)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/credentials/finish", map[string]interface{}{
		"credential": json.RawMessage(credJSON),
	}, reg.Token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Both credentials appear in the listing.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/auth/credentials", nil, reg.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	var creds []credentialPayload
	decodeBody(t, rec, &creds)
	require.Len(t, creds, 2)

	// Revoke the first one.
	firstID := base64.RawURLEncoding.EncodeToString(firstAuth.CredentialID)
	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/auth/credentials/"+firstID, nil, reg.Token)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/auth/credentials", nil, reg.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &creds)
	require.Len(t, creds, 2)
	revoked := 0
	for _, c := range creds {
		if c.RevokedAt != nil {
			revoked++
		}
	}
	assert.Equal(t, 1, revoked)
}

func TestHandler_Revoke_OtherAccountsCredential(t *testing.T) {
	handler := newTestServer(t)

	aliceAuth, _ := registerViaAPI(t, handler, "alice", "Alice")
	_, bob := registerViaAPI(t, handler, "bob", "Bob")

	aliceID := base64.RawURLEncoding.EncodeToString(aliceAuth.CredentialID)
	rec := doJSON(t, handler, http.MethodDelete, "/api/v1/auth/credentials/"+aliceID, nil, bob.Token)
	assertErrorCode(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestHandler_BearerRequired(t *testing.T) {
	handler := newTestServer(t)

	for _, path := range []string{
		"/api/v1/auth/session",
		"/api/v1/auth/credentials",
	} {
		rec := doJSON(t, handler, http.MethodGet, path, nil, "")
		assertErrorCode(t, rec, http.StatusUnauthorized, CodeUnauthorized)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/auth/session", nil, "garbage-token")
	assertErrorCode(t, rec, http.StatusUnauthorized, CodeUnauthorized)
}

func TestHandler_CORS(t *testing.T) {
	handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login/begin", nil)
	req.Header.Set("Origin", testOrigin)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))

	// Unknown origins get no CORS headers.
	req = httptest.NewRequest(http.MethodOptions, "/api/v1/auth/login/begin", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// accountHandle decodes the account id from the auth response into the raw
// user handle bytes the authenticator reports.
func accountHandle(t *testing.T, resp authResponse) []byte {
	t.Helper()
	id, err := uuid.Parse(resp.Account.ID)
	require.NoError(t, err)
	return id[:]
}
