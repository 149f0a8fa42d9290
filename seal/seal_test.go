// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package seal_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/seal"
)

func TestHeader(t *testing.T) {
	h := seal.Header(seal.TPMTag, 3)
	require.Len(t, h, seal.HeaderSize)
	assert.Equal(t, "DEVIDKEY", string(h[:8]))

	assert.True(t, seal.HasHeader(h, seal.TPMTag))
	assert.False(t, seal.HasHeader(h, seal.PasswordTag))
	assert.False(t, seal.HasHeader(h[:seal.HeaderSize-1], seal.TPMTag))
	assert.False(t, seal.HasHeader([]byte("NOTAKEY\x00\x02\x01"), seal.TPMTag))

	version, rest, err := seal.SplitHeader(append(h, 0xAA), seal.TPMTag)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), version)
	assert.Equal(t, []byte{0xAA}, rest)

	_, _, err = seal.SplitHeader(h, seal.PasswordTag)
	require.ErrorIs(t, err, devid.ErrCrypto)
}

func TestDetect(t *testing.T) {
	tag, err := seal.Detect(append(seal.Header(seal.TPMTag, 1), 0x00))
	require.NoError(t, err)
	assert.Equal(t, seal.TPMTag, tag)
	assert.Equal(t, "tpm", tag.String())

	tag, err = seal.Detect(seal.Header(seal.PasswordTag, 1))
	require.NoError(t, err)
	assert.Equal(t, "password", tag.String())

	_, err = seal.Detect(seal.Header(seal.Tag(9), 1))
	require.ErrorIs(t, err, devid.ErrUnknownCipher)
	require.ErrorIs(t, err, devid.ErrCrypto)

	_, err = seal.Detect([]byte("garbage"))
	require.ErrorIs(t, err, devid.ErrUnknownCipher)
}

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, seal.KeySize)
	ad := seal.Header(seal.PasswordTag, 1)

	ct, err := seal.Encrypt(key, []byte("secret"), ad)
	require.NoError(t, err)

	pt, err := seal.Decrypt(key, ct, ad)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	t.Run("wrong key", func(t *testing.T) {
		other := bytes.Repeat([]byte{0x43}, seal.KeySize)
		_, err := seal.Decrypt(other, ct, ad)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("tampered associated data", func(t *testing.T) {
		_, err := seal.Decrypt(key, ct, seal.Header(seal.PasswordTag, 2))
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := seal.Decrypt(key, ct[:10], ad)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("bad key size", func(t *testing.T) {
		_, err := seal.Encrypt([]byte("short"), []byte("secret"), ad)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})
}
