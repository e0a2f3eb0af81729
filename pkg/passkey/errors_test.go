// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_WrapsOperation(t *testing.T) {
	err := NewError("finish login", ErrChallengeNotFound)
	assert.Equal(t, "finish login: challenge not found", err.Error())
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	var opErr *Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "finish login", opErr.Op)
}

func TestWrapError_NilPassthrough(t *testing.T) {
	assert.NoError(t, WrapError("op", nil))
	assert.Error(t, WrapError("op", ErrAccountNotFound))
}

func TestError_WrappedChains(t *testing.T) {
	inner := fmt.Errorf("%w: username is required", ErrInvalidResponse)
	err := WrapError("begin registration", inner)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestIsVerificationFailure(t *testing.T) {
	family := []error{
		ErrVerificationFailed,
		ErrChallengeMismatch,
		ErrOriginMismatch,
		ErrSignatureInvalid,
		ErrReplayDetected,
		ErrCredentialRevoked,
	}
	for _, err := range family {
		assert.True(t, IsVerificationFailure(err), "%v", err)
		assert.True(t, IsVerificationFailure(NewError("op", err)), "wrapped %v", err)
	}

	outside := []error{
		ErrAccountNotFound,
		ErrChallengeNotFound,
		ErrChallengeExpired,
		ErrChallengeScopeMismatch,
		ErrUsernameTaken,
		ErrNoCredentials,
	}
	for _, err := range outside {
		assert.False(t, IsVerificationFailure(err), "%v", err)
	}
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(ErrUsernameTaken))
	assert.True(t, IsConflict(ErrCredentialExists))
	assert.True(t, IsConflict(NewError("create account", ErrUsernameTaken)))
	assert.False(t, IsConflict(ErrAccountNotFound))
}

func TestUnregisteredCredentialError(t *testing.T) {
	err := error(&UnregisteredCredentialError{CredentialID: []byte{0x01, 0x02}})

	uce, ok := AsUnregisteredCredential(err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02}, uce.CredentialID)
	assert.Contains(t, err.Error(), "unregistered credential")

	_, ok = AsUnregisteredCredential(ErrCredentialNotFound)
	assert.False(t, ok)

	// The recovery signal is not part of the verification failure family.
	assert.False(t, IsVerificationFailure(err))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsAccountNotFound(NewError("get account", ErrAccountNotFound)))
	assert.True(t, IsCredentialNotFound(NewError("get credential", ErrCredentialNotFound)))
	assert.True(t, IsChallengeNotFound(NewError("consume challenge", ErrChallengeNotFound)))
	assert.True(t, IsChallengeExpired(NewError("consume challenge", ErrChallengeExpired)))
	assert.True(t, IsReplayDetected(NewError("update counter", ErrReplayDetected)))

	assert.False(t, IsAccountNotFound(ErrCredentialNotFound))
	assert.False(t, IsChallengeNotFound(ErrChallengeExpired))
}
