// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package devid_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
)

func TestParseDeviceID(t *testing.T) {
	for _, test := range []struct {
		in    string
		valid bool
	}{
		{in: "alice@laptop", valid: true},
		{in: "bob_2@phone-1", valid: true},
		{in: "élodie@ordinateur", valid: true},
		{in: "alice", valid: false},
		{in: "@laptop", valid: false},
		{in: "alice@", valid: false},
		{in: "alice@lap@top", valid: false},
		{in: "alice#org@laptop", valid: false},
		{in: strings.Repeat("a", 33) + "@laptop", valid: false},
	} {
		t.Run(test.in, func(t *testing.T) {
			id, err := devid.ParseDeviceID(test.in)
			if !test.valid {
				require.ErrorIs(t, err, devid.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.in, id.String())
		})
	}
}

func TestDeviceIDParts(t *testing.T) {
	id := devid.NewDeviceID("alice", "laptop")
	assert.Equal(t, devid.DeviceID("alice@laptop"), id)
	assert.Equal(t, devid.UserID("alice"), id.UserID())
	assert.Equal(t, devid.DeviceName("laptop"), id.DeviceName())
	assert.False(t, id.IsZero())
	assert.True(t, devid.DeviceID("").IsZero())
}

func TestParseIdentifiers(t *testing.T) {
	_, err := devid.ParseOrganizationID("CoolOrg")
	require.NoError(t, err)
	_, err = devid.ParseOrganizationID("cool org")
	require.ErrorIs(t, err, devid.ErrValidation)

	_, err = devid.ParseUserID("alice")
	require.NoError(t, err)
	_, err = devid.ParseUserID("")
	require.ErrorIs(t, err, devid.ErrValidation)

	_, err = devid.ParseDeviceName("laptop")
	require.NoError(t, err)
	_, err = devid.ParseDeviceName("lap/top")
	require.ErrorIs(t, err, devid.ErrValidation)
}

func TestFoldQuery(t *testing.T) {
	assert.Equal(t, "alice", devid.FoldQuery("ALiCe"))
	assert.Equal(t, devid.FoldQuery("STRASSE"), devid.FoldQuery("strasse"))
	assert.Equal(t, devid.FoldQuery("ÉLODIE"), devid.FoldQuery("élodie"))
}

func TestErrorHierarchy(t *testing.T) {
	for _, err := range []error{
		devid.ErrUserNotFound,
		devid.ErrDeviceNotFound,
		devid.ErrInvitationNotFound,
		devid.ErrCertifierNotFound,
	} {
		assert.ErrorIs(t, err, devid.ErrNotFound)
	}
	assert.ErrorIs(t, devid.ErrUnknownCipher, devid.ErrCrypto)
	assert.NotErrorIs(t, devid.ErrUserNotFound, devid.ErrDeviceNotFound)
}
