// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package password_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/password"
	"github.com/fido-device-onboard/go-devid/seal"
)

var fastParams = password.WithParams(password.Params{Time: 1, Memory: 64, Threads: 1})

func TestRoundTrip(t *testing.T) {
	backend := password.New("P@ssw0rd.", fastParams)
	assert.Equal(t, "password", backend.Name())

	sealed, err := backend.Seal([]byte("secret bundle"))
	require.NoError(t, err)
	assert.True(t, backend.Probe(sealed))
	assert.False(t, backend.Probe(sealed[:seal.HeaderSize-1]))

	got, err := backend.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret bundle"), got)

	// Parameters travel with the file
	got, err = password.New("P@ssw0rd.").Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret bundle"), got)
}

func TestSaltIsRandom(t *testing.T) {
	backend := password.New("P@ssw0rd.", fastParams)
	a, err := backend.Seal([]byte("x"))
	require.NoError(t, err)
	b, err := backend.Seal([]byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestUnsealErrors(t *testing.T) {
	backend := password.New("P@ssw0rd.", fastParams)
	sealed, err := backend.Seal([]byte("secret bundle"))
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		_, err := password.New("hunter2", fastParams).Unseal(sealed)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("corrupted body", func(t *testing.T) {
		corrupted := append([]byte(nil), sealed...)
		corrupted[len(corrupted)-1] ^= 0x01
		_, err := backend.Unseal(corrupted)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := backend.Unseal(sealed[:seal.HeaderSize+4])
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("unsupported version", func(t *testing.T) {
		future := append(seal.Header(seal.PasswordTag, 9), sealed[seal.HeaderSize:]...)
		_, err := backend.Unseal(future)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("parameters over limit", func(t *testing.T) {
		greedy := append([]byte(nil), sealed...)
		binary.BigEndian.PutUint32(greedy[seal.HeaderSize+4:], password.MaxParams.Memory+1)
		_, err := backend.Unseal(greedy)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("foreign header", func(t *testing.T) {
		foreign := append(seal.Header(seal.TPMTag, 1), sealed[seal.HeaderSize:]...)
		_, err := backend.Unseal(foreign)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})
}

func TestInvalidParams(t *testing.T) {
	_, err := password.New("x", password.WithParams(password.Params{})).Seal([]byte("x"))
	require.ErrorIs(t, err, devid.ErrCrypto)
}
