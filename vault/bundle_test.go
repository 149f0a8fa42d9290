// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package vault_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/vault"
)

func TestNewBundle(t *testing.T) {
	b, err := vault.NewBundle("CoolOrg", "alice@laptop")
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	msg := []byte("ThanksForAllTheFish")
	assert.True(t, ed25519.Verify(b.VerifyKey(), msg, ed25519.Sign(b.SigningKey, msg)))

	pub, err := b.PublicKey()
	require.NoError(t, err)
	assert.Len(t, pub, 32)

	other, err := vault.NewBundle("CoolOrg", "alice@laptop")
	require.NoError(t, err)
	assert.NotEqual(t, b.LocalSymmetricKey, other.LocalSymmetricKey)
	assert.NotEqual(t, b.UserManifest.ID, other.UserManifest.ID)

	_, err = vault.NewBundle("CoolOrg", "alice")
	require.ErrorIs(t, err, devid.ErrValidation)
	_, err = vault.NewBundle("Cool Org", "alice@laptop")
	require.ErrorIs(t, err, devid.ErrValidation)
}

func TestBundleEncoding(t *testing.T) {
	b, err := vault.NewBundle("CoolOrg", "alice@laptop")
	require.NoError(t, err)

	data, err := b.MarshalBinary()
	require.NoError(t, err)

	var got vault.Bundle
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, *b, got)

	again, err := got.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding must be deterministic")
}

func TestBundleValidate(t *testing.T) {
	for name, mutate := range map[string]func(*vault.Bundle){
		"bad organization": func(b *vault.Bundle) { b.OrganizationID = "" },
		"bad device":       func(b *vault.Bundle) { b.DeviceID = "laptop" },
		"short signing key": func(b *vault.Bundle) {
			b.SigningKey = b.SigningKey[:10]
		},
		"mismatched signing key": func(b *vault.Bundle) {
			b.SigningKey = append(ed25519.PrivateKey(nil), b.SigningKey...)
			b.SigningKey[40] ^= 0xFF
		},
		"missing manifest id":   func(b *vault.Bundle) { b.UserManifest.ID = [16]byte{} },
		"missing symmetric key": func(b *vault.Bundle) { b.LocalSymmetricKey = [32]byte{} },
	} {
		t.Run(name, func(t *testing.T) {
			b, err := vault.NewBundle("CoolOrg", "alice@laptop")
			require.NoError(t, err)
			mutate(b)
			require.ErrorIs(t, b.Validate(), devid.ErrValidation)
			_, err = b.MarshalBinary()
			require.ErrorIs(t, err, devid.ErrValidation)
		})
	}
}
