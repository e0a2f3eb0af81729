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
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// Service orchestrates passkey ceremonies: it issues ceremony options,
// redeems challenges, verifies authenticator responses, and mints session
// tokens. Every operation is a single request/response transition; the only
// state carried between a begin and its finish is the Challenge record.
type Service struct {
	webauthn   *webauthn.WebAuthn
	config     *Config
	accounts   AccountStore
	creds      CredentialStore
	challenges *ChallengeManager
	tokens     TokenIssuer
	logger     *slog.Logger
	now        func() time.Time
}

// ServiceParams contains dependencies for creating a passkey service.
type ServiceParams struct {
	// Config is the relying party configuration (required).
	Config *Config

	// Accounts is the account persistence layer (required).
	Accounts AccountStore

	// Credentials is the credential persistence layer (required).
	Credentials CredentialStore

	// Challenges is the challenge persistence layer (required).
	Challenges ChallengeStore

	// Tokens mints session tokens after successful ceremonies (required).
	Tokens TokenIssuer

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewService creates a new passkey service with the provided dependencies.
func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if params.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if params.Challenges == nil {
		return nil, fmt.Errorf("challenge store is required")
	}
	if params.Tokens == nil {
		return nil, fmt.Errorf("token issuer is required")
	}

	params.Config.SetDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wa, err := webauthn.New(params.Config.toWebAuthnConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn instance: %w", err)
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		webauthn:   wa,
		config:     params.Config,
		accounts:   params.Accounts,
		creds:      params.Credentials,
		challenges: NewChallengeManager(params.Challenges, params.Config.ChallengeTTL),
		tokens:     params.Tokens,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Config returns the service configuration.
func (s *Service) Config() *Config {
	return s.config
}

// Challenges returns the challenge manager, exposed so the server
// entrypoint can run the background sweep.
func (s *Service) Challenges() *ChallengeManager {
	return s.challenges
}

// BeginDiscoveryLogin starts a username-less authentication ceremony. The
// returned options carry an empty allow list; the browser picks among the
// discoverable credentials it holds for this relying party.
func (s *Service) BeginDiscoveryLogin(ctx context.Context) (*protocol.CredentialAssertion, error) {
	options, session, err := s.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, WrapError("begin discovery login", err)
	}

	if err := s.challenges.Issue(ctx, &Challenge{
		Value:    session.Challenge,
		Ceremony: CeremonyAuthentication,
	}); err != nil {
		return nil, err
	}

	return options, nil
}

// BeginLogin starts an authentication ceremony for a known username. The
// options allow list is restricted to the account's non-revoked credentials.
func (s *Service) BeginLogin(ctx context.Context, username string) (*protocol.CredentialAssertion, error) {
	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		return nil, WrapError("get account", err)
	}

	creds, err := s.creds.ListByAccount(ctx, account.ID, false)
	if err != nil {
		return nil, WrapError("list credentials", err)
	}
	if len(creds) == 0 {
		return nil, NewError("begin login", ErrNoCredentials)
	}

	options, session, err := s.webauthn.BeginLogin(newCeremonyUser(account, creds))
	if err != nil {
		return nil, WrapError("begin login", err)
	}

	if err := s.challenges.Issue(ctx, &Challenge{
		Value:     session.Challenge,
		AccountID: &account.ID,
		Ceremony:  CeremonyAuthentication,
	}); err != nil {
		return nil, err
	}

	return options, nil
}

// FinishLogin completes an authentication ceremony. An empty username means
// discovery mode; in that case an assertion from a credential the service
// has never seen returns UnregisteredCredentialError so the caller can
// pivot into recovery registration.
func (s *Service) FinishLogin(ctx context.Context, username string, response *protocol.ParsedCredentialAssertionData) (*LoginResult, error) {
	discovery := username == ""

	cred, err := s.creds.GetByCredentialID(ctx, response.RawID)
	if err != nil {
		if discovery && IsCredentialNotFound(err) {
			return nil, &UnregisteredCredentialError{
				CredentialID: response.RawID,
				Response:     &response.Raw,
			}
		}
		return nil, WrapError("get credential", err)
	}

	account, err := s.accounts.GetByID(ctx, cred.AccountID)
	if err != nil {
		return nil, WrapError("get account", err)
	}

	var scope *uuid.UUID
	if !discovery {
		if !strings.EqualFold(account.Username, username) {
			// Credential belongs to a different account than the one the
			// client claims to log into.
			s.logVerifyFailure("finish login", cred.ID, "credential owned by another account")
			return nil, NewError("finish login", ErrVerificationFailed)
		}
		scope = &account.ID
	}

	challenge, err := s.challenges.Consume(ctx, response.Response.CollectedClientData.Challenge, scope)
	if err != nil {
		return nil, err
	}
	if challenge.Ceremony != CeremonyAuthentication {
		s.logVerifyFailure("finish login", cred.ID, "challenge issued for a different ceremony")
		return nil, NewError("finish login", ErrChallengeMismatch)
	}

	if err := s.precheckClientData(&response.Response.CollectedClientData, challenge); err != nil {
		s.logVerifyFailure("finish login", cred.ID, err.Error())
		return nil, NewError("finish login", err)
	}

	if cred.Revoked() {
		s.logVerifyFailure("finish login", cred.ID, "credential revoked")
		return nil, NewError("finish login", ErrCredentialRevoked)
	}

	creds, err := s.creds.ListByAccount(ctx, account.ID, false)
	if err != nil {
		return nil, WrapError("list credentials", err)
	}
	user := newCeremonyUser(account, creds)

	session := webauthn.SessionData{
		Challenge:        challenge.Value,
		UserVerification: s.config.userVerification(),
	}

	var validated *webauthn.Credential
	if discovery {
		validated, err = s.webauthn.ValidateDiscoverableLogin(s.discoveryHandler(ctx), session, response)
	} else {
		session.UserID = user.WebAuthnID()
		validated, err = s.webauthn.ValidateLogin(user, session, response)
	}
	if err != nil {
		s.logVerifyFailure("finish login", cred.ID, err.Error())
		return nil, NewError("finish login", ErrSignatureInvalid)
	}

	// The counter must strictly advance unless the authenticator never
	// counts. The library flags violations without failing, so the replay
	// rejection happens here, before anything is persisted.
	if validated.Authenticator.CloneWarning {
		s.logVerifyFailure("finish login", cred.ID, "signature counter did not advance")
		return nil, NewError("finish login", ErrReplayDetected)
	}

	if err := s.creds.UpdateCounter(ctx, cred.ID, validated.Authenticator.SignCount, s.now().UTC()); err != nil {
		if IsReplayDetected(err) {
			// Lost a race against a concurrent assertion with a higher
			// counter.
			s.logVerifyFailure("finish login", cred.ID, "concurrent counter update")
			return nil, NewError("finish login", ErrReplayDetected)
		}
		return nil, WrapError("update counter", err)
	}

	token, err := s.tokens.Issue(ctx, account, cred.ID)
	if err != nil {
		return nil, WrapError("issue token", err)
	}

	s.logger.Info("login completed",
		"account_id", account.ID,
		"username", account.Username,
		"credential_id", base64.RawURLEncoding.EncodeToString(cred.ID),
		"discovery", discovery)

	return &LoginResult{
		Token:        token,
		Account:      account,
		CredentialID: cred.ID,
	}, nil
}

// BeginRegistration starts a signup ceremony for a username that does not
// exist yet. The account id is minted now and carried on the challenge; the
// account row itself is only written when the ceremony finishes.
func (s *Service) BeginRegistration(ctx context.Context, username, displayName string) (*protocol.CredentialCreation, error) {
	if err := validateUsername(username); err != nil {
		return nil, WrapError("begin registration", err)
	}

	if _, err := s.accounts.GetByUsername(ctx, username); err == nil {
		return nil, NewError("begin registration", ErrUsernameTaken)
	} else if !IsAccountNotFound(err) {
		return nil, WrapError("get account", err)
	}

	handle := uuid.New()
	user := newPendingUser(handle[:], username, displayName)

	options, session, err := s.webauthn.BeginRegistration(user)
	if err != nil {
		return nil, WrapError("begin registration", err)
	}

	if err := s.challenges.Issue(ctx, &Challenge{
		Value:      session.Challenge,
		Ceremony:   CeremonyRegistration,
		UserHandle: handle[:],
		Username:   username,
	}); err != nil {
		return nil, err
	}

	return options, nil
}

// FinishRegistration completes a signup ceremony: it redeems the
// registration challenge, verifies the attestation, and creates the account
// together with its first credential in one atomic write.
func (s *Service) FinishRegistration(ctx context.Context, username, displayName string, response *protocol.ParsedCredentialCreationData) (*RegistrationResult, error) {
	challenge, err := s.challenges.Consume(ctx, response.Response.CollectedClientData.Challenge, nil)
	if err != nil {
		return nil, err
	}
	if challenge.Ceremony != CeremonyRegistration || !strings.EqualFold(challenge.Username, username) {
		s.logVerifyFailure("finish registration", response.RawID, "challenge issued for a different registration")
		return nil, NewError("finish registration", ErrChallengeMismatch)
	}

	accountID, err := uuid.FromBytes(challenge.UserHandle)
	if err != nil {
		return nil, NewError("finish registration", ErrChallengeMismatch)
	}

	return s.completeRegistration(ctx, accountID, username, displayName, challenge, response)
}

// RecoverRegister completes the unregistered-passkey recovery flow. The
// browser already created a discoverable credential and signed over the
// challenge issued for a discovery login; that same challenge value,
// carried in the attestation's client data, is redeemed here and the full
// challenge/origin/relying-party triple is re-verified before any account
// is created.
func (s *Service) RecoverRegister(ctx context.Context, username, displayName string, response *protocol.ParsedCredentialCreationData) (*RegistrationResult, error) {
	if err := validateUsername(username); err != nil {
		return nil, WrapError("recover register", err)
	}

	if _, err := s.accounts.GetByUsername(ctx, username); err == nil {
		return nil, NewError("recover register", ErrUsernameTaken)
	} else if !IsAccountNotFound(err) {
		return nil, WrapError("get account", err)
	}

	challenge, err := s.challenges.Consume(ctx, response.Response.CollectedClientData.Challenge, nil)
	if err != nil {
		return nil, err
	}

	// The salvaged challenge was issued for a discovery login, so no
	// account identity exists yet. Mint it now.
	accountID := uuid.New()

	return s.completeRegistration(ctx, accountID, username, displayName, challenge, response)
}

// completeRegistration verifies the attestation against the redeemed
// challenge and creates the account with its first credential.
func (s *Service) completeRegistration(ctx context.Context, accountID uuid.UUID, username, displayName string, challenge *Challenge, response *protocol.ParsedCredentialCreationData) (*RegistrationResult, error) {
	user := newPendingUser(accountID[:], username, displayName)

	validated, err := s.verifyCreation(user, challenge, response)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	account := &Account{
		ID:          accountID,
		Username:    username,
		DisplayName: displayName,
		CreatedAt:   now,
	}
	cred := newCredential(account.ID, validated, now)

	if err := s.accounts.Create(ctx, account, cred); err != nil {
		// A lost creation race surfaces as ErrUsernameTaken here; nothing
		// was written.
		return nil, WrapError("create account", err)
	}

	token, err := s.tokens.Issue(ctx, account, cred.ID)
	if err != nil {
		return nil, WrapError("issue token", err)
	}

	s.logger.Info("registration completed",
		"account_id", account.ID,
		"username", account.Username,
		"credential_id", base64.RawURLEncoding.EncodeToString(cred.ID))

	return &RegistrationResult{
		Token:      token,
		Account:    account,
		Credential: cred,
	}, nil
}

// BeginAddCredential starts an enrolment ceremony for an authenticated
// account adding another authenticator. The exclusion list carries all of
// the account's known credential ids, revoked ones included, so the same
// authenticator cannot be enrolled twice.
func (s *Service) BeginAddCredential(ctx context.Context, accountID uuid.UUID) (*protocol.CredentialCreation, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, WrapError("get account", err)
	}

	existing, err := s.creds.ListByAccount(ctx, account.ID, true)
	if err != nil {
		return nil, WrapError("list credentials", err)
	}

	exclusions := make([]protocol.CredentialDescriptor, len(existing))
	for i, cred := range existing {
		exclusions[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
			Transport:    cred.Transport,
		}
	}

	user := newCeremonyUser(account, existing)
	options, session, err := s.webauthn.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, WrapError("begin add credential", err)
	}

	if err := s.challenges.Issue(ctx, &Challenge{
		Value:      session.Challenge,
		AccountID:  &account.ID,
		Ceremony:   CeremonyRegistration,
		UserHandle: account.ID[:],
	}); err != nil {
		return nil, err
	}

	return options, nil
}

// FinishAddCredential verifies the enrolment attestation and attaches the
// new credential to the account. No new session token is minted; the caller
// already holds one.
func (s *Service) FinishAddCredential(ctx context.Context, accountID uuid.UUID, response *protocol.ParsedCredentialCreationData) (*Credential, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, WrapError("get account", err)
	}

	challenge, err := s.challenges.Consume(ctx, response.Response.CollectedClientData.Challenge, &account.ID)
	if err != nil {
		return nil, err
	}
	if challenge.Ceremony != CeremonyRegistration {
		s.logVerifyFailure("finish add credential", response.RawID, "challenge issued for a different ceremony")
		return nil, NewError("finish add credential", ErrChallengeMismatch)
	}

	user := newPendingUser(account.ID[:], account.Username, account.DisplayName)
	validated, err := s.verifyCreation(user, challenge, response)
	if err != nil {
		return nil, err
	}

	cred := newCredential(account.ID, validated, s.now().UTC())
	if err := s.creds.Add(ctx, cred); err != nil {
		return nil, WrapError("add credential", err)
	}

	s.logger.Info("credential added",
		"account_id", account.ID,
		"credential_id", base64.RawURLEncoding.EncodeToString(cred.ID))

	return cred, nil
}

// ListCredentials returns the account's credentials.
func (s *Service) ListCredentials(ctx context.Context, accountID uuid.UUID, includeRevoked bool) ([]*Credential, error) {
	creds, err := s.creds.ListByAccount(ctx, accountID, includeRevoked)
	if err != nil {
		return nil, WrapError("list credentials", err)
	}
	return creds, nil
}

// RevokeCredential revokes one of the account's credentials. Revoking a
// credential that belongs to a different account reports not found.
func (s *Service) RevokeCredential(ctx context.Context, accountID uuid.UUID, credentialID []byte) error {
	cred, err := s.creds.GetByCredentialID(ctx, credentialID)
	if err != nil {
		return WrapError("get credential", err)
	}
	if cred.AccountID != accountID {
		return NewError("revoke credential", ErrCredentialNotFound)
	}
	return WrapError("revoke credential", s.creds.Revoke(ctx, credentialID, s.now().UTC()))
}

// verifyCreation checks the client data against the redeemed challenge and
// runs the library attestation verification.
func (s *Service) verifyCreation(user webauthn.User, challenge *Challenge, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if err := s.precheckClientData(&response.Response.CollectedClientData, challenge); err != nil {
		s.logVerifyFailure("verify attestation", response.RawID, err.Error())
		return nil, NewError("verify attestation", err)
	}

	session := webauthn.SessionData{
		Challenge:        challenge.Value,
		UserID:           user.WebAuthnID(),
		UserVerification: s.config.userVerification(),
		// BeginRegistration issues the library-default parameter list; the
		// rebuilt session must carry the same list or verification rejects
		// every public key algorithm.
		CredParams: webauthn.CredentialParametersDefault(),
	}

	validated, err := s.webauthn.CreateCredential(user, session, response)
	if err != nil {
		s.logVerifyFailure("verify attestation", response.RawID, err.Error())
		return nil, NewError("verify attestation", ErrSignatureInvalid)
	}
	return validated, nil
}

// precheckClientData classifies challenge and origin mismatches before the
// signature check so server logs can tell them apart. Clients only ever see
// the generic verification failure.
func (s *Service) precheckClientData(cd *protocol.CollectedClientData, challenge *Challenge) error {
	if cd.Challenge != challenge.Value {
		return ErrChallengeMismatch
	}
	if !slices.Contains(s.config.RPOrigins, cd.Origin) {
		return ErrOriginMismatch
	}
	return nil
}

// discoveryHandler resolves the account behind a discoverable assertion by
// its user handle.
func (s *Service) discoveryHandler(ctx context.Context) func(rawID, userHandle []byte) (webauthn.User, error) {
	return func(rawID, userHandle []byte) (webauthn.User, error) {
		id, err := uuid.FromBytes(userHandle)
		if err != nil {
			return nil, ErrAccountNotFound
		}
		account, err := s.accounts.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		creds, err := s.creds.ListByAccount(ctx, account.ID, false)
		if err != nil {
			return nil, err
		}
		return newCeremonyUser(account, creds), nil
	}
}

func (s *Service) logVerifyFailure(op string, credentialID []byte, reason string) {
	s.logger.Warn("ceremony verification failed",
		"op", op,
		"credential_id", base64.RawURLEncoding.EncodeToString(credentialID),
		"reason", reason)
}

// validateUsername enforces the minimal username shape. Richer profile
// validation belongs to the forum layer, not the authentication service.
func validateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidResponse)
	}
	if len(username) > 64 {
		return fmt.Errorf("%w: username too long", ErrInvalidResponse)
	}
	return nil
}
