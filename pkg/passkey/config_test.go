// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		RPID:          "forum.example.com",
		RPDisplayName: "Parley Forum",
		RPOrigins:     []string{"https://forum.example.com"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing rp id", mutate: func(c *Config) { c.RPID = "" }, wantErr: true},
		{name: "missing display name", mutate: func(c *Config) { c.RPDisplayName = "" }, wantErr: true},
		{name: "missing origins", mutate: func(c *Config) { c.RPOrigins = nil }, wantErr: true},
		{name: "bad user verification", mutate: func(c *Config) { c.UserVerification = "always" }, wantErr: true},
		{name: "bad attestation", mutate: func(c *Config) { c.AttestationPreference = "full" }, wantErr: true},
		{name: "bad resident key", mutate: func(c *Config) { c.ResidentKeyRequirement = "maybe" }, wantErr: true},
		{name: "bad attachment", mutate: func(c *Config) { c.AuthenticatorAttachment = "usb" }, wantErr: true},
		{name: "any attachment allowed", mutate: func(c *Config) { c.AuthenticatorAttachment = "any" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.SetDefaults()

	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.ChallengeTTL)
	assert.Equal(t, "preferred", cfg.UserVerification)
	assert.Equal(t, "none", cfg.AttestationPreference)
	// Discovery login depends on discoverable credentials.
	assert.Equal(t, "required", cfg.ResidentKeyRequirement)
	assert.Equal(t, "platform", cfg.AuthenticatorAttachment)
}

func TestConfig_SetDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.Timeout = 30 * time.Second
	cfg.ChallengeTTL = time.Hour
	cfg.UserVerification = "required"
	cfg.SetDefaults()

	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, time.Hour, cfg.ChallengeTTL)
	assert.Equal(t, "required", cfg.UserVerification)
}

func TestConfig_ToWebAuthnConfig(t *testing.T) {
	cfg := validConfig()
	cfg.SetDefaults()

	wa := cfg.toWebAuthnConfig()
	_, err := webauthn.New(wa)
	require.NoError(t, err)

	assert.Equal(t, cfg.RPID, wa.RPID)
	assert.Equal(t, cfg.RPDisplayName, wa.RPDisplayName)
	assert.Equal(t, cfg.RPOrigins, wa.RPOrigins)
	assert.True(t, wa.Timeouts.Login.Enforce)
	assert.Equal(t, cfg.Timeout, wa.Timeouts.Login.Timeout)
	assert.Equal(t, protocol.PreferNoAttestation, wa.AttestationPreference)
	assert.Equal(t, protocol.ResidentKeyRequirementRequired, wa.AuthenticatorSelection.ResidentKey)
	assert.Equal(t, protocol.Platform, wa.AuthenticatorSelection.AuthenticatorAttachment)
	assert.Equal(t, protocol.VerificationPreferred, wa.AuthenticatorSelection.UserVerification)
}

func TestConfig_UserVerification(t *testing.T) {
	tests := []struct {
		in   string
		want protocol.UserVerificationRequirement
	}{
		{in: "required", want: protocol.VerificationRequired},
		{in: "discouraged", want: protocol.VerificationDiscouraged},
		{in: "preferred", want: protocol.VerificationPreferred},
		{in: "", want: protocol.VerificationPreferred},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.UserVerification = tt.in
		assert.Equal(t, tt.want, cfg.userVerification())
	}
}
