// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package tpm_test

import (
	"testing"

	"github.com/google/go-tpm/tpm2/transport/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/seal"
	"github.com/fido-device-onboard/go-devid/tpm"
)

func TestIsDevNode(t *testing.T) {
	for _, test := range []struct {
		path   string
		kind   tpm.DevNodeKind
		expect bool
	}{
		{path: "/dev/tpm0", kind: tpm.DevNodeUnmanaged, expect: true},
		{path: "/dev/tpm1", kind: tpm.DevNodeUnmanaged, expect: true},
		{path: "/dev/tpmrm0", kind: tpm.DevNodeManaged, expect: true},
		{path: "/dev/tpmrm1", kind: tpm.DevNodeManaged, expect: true},
		{path: "/dev/tpm0", kind: tpm.DevNodeManaged, expect: false},
		{path: "/dev/tpmrm0", kind: tpm.DevNodeUnmanaged, expect: false},
		{path: "tpmrm0", kind: tpm.DevNodeManaged, expect: false},
		{path: "/dev/tpmrm", kind: tpm.DevNodeManaged, expect: false},
	} {
		t.Run("whether "+test.path+" is a "+test.kind.PathPrefix(), func(t *testing.T) {
			assert.Equal(t, test.expect, tpm.IsDevNode(test.path, test.kind))
		})
	}
}

func TestOpenUnsupportedPath(t *testing.T) {
	_, err := tpm.Open("/tmp/not-a-tpm")
	require.Error(t, err)
}

func TestBackend(t *testing.T) {
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("error opening opening TPM simulator: %v", err)
	}
	defer func() {
		if err := sim.Close(); err != nil {
			t.Error(err)
		}
	}()

	backend := tpm.NewBackend(sim, 7, "1234")
	assert.Equal(t, "tpm", backend.Name())

	plaintext := []byte("ThanksForAllTheFish")
	sealed, err := backend.Seal(plaintext)
	require.NoError(t, err)
	assert.True(t, backend.Probe(sealed))
	assert.True(t, seal.HasHeader(sealed, seal.TPMTag))

	t.Run("round trip", func(t *testing.T) {
		got, err := backend.Unseal(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("same token new backend", func(t *testing.T) {
		got, err := tpm.NewBackend(sim, 7, "1234").Unseal(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("key id mismatch", func(t *testing.T) {
		_, err := tpm.NewBackend(sim, 8, "1234").Unseal(sealed)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("tampered header", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0xFF
		_, err := backend.Unseal(tampered)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := backend.Unseal(sealed[:seal.HeaderSize+6])
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	t.Run("foreign header", func(t *testing.T) {
		foreign := append(seal.Header(seal.PasswordTag, 1), sealed[seal.HeaderSize:]...)
		assert.False(t, backend.Probe(foreign))
		_, err := backend.Unseal(foreign)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})

	// Run last: a failed authorization counts toward dictionary attack lockout
	t.Run("wrong pin", func(t *testing.T) {
		_, err := tpm.NewBackend(sim, 7, "4321").Unseal(sealed)
		require.ErrorIs(t, err, devid.ErrCrypto)
	})
}
