// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package devid_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
)

func TestInvitationTransitions(t *testing.T) {
	var (
		pending   = devid.InvitationPending
		claimed   = devid.InvitationClaimed
		cancelled = devid.InvitationCancelled
	)
	for _, test := range []struct {
		from, to devid.InvitationState
		expect   error
	}{
		{from: pending, to: claimed},
		{from: pending, to: cancelled},
		{from: pending, to: pending, expect: devid.ErrInvalidState},
		{from: claimed, to: claimed, expect: devid.ErrAlreadyClaimed},
		{from: claimed, to: cancelled, expect: devid.ErrInvalidState},
		{from: cancelled, to: claimed, expect: devid.ErrInvalidState},
		{from: cancelled, to: cancelled, expect: devid.ErrNotFound},
	} {
		t.Run(fmt.Sprintf("%s to %s", test.from, test.to), func(t *testing.T) {
			next, err := test.from.Transition(test.to)
			if test.expect != nil {
				require.ErrorIs(t, err, test.expect)
				assert.Equal(t, test.from, next, "failed transition must not change state")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.to, next)
			assert.True(t, next.Terminal())
		})
	}
}

func TestTrustChainRoot(t *testing.T) {
	assert.Nil(t, devid.TrustChain(nil).Root())

	root := &devid.Device{DeviceID: "admin@root", CreatedOn: time.Unix(0, 0)}
	child := &devid.Device{DeviceID: "alice@laptop", Certifier: root.DeviceID}
	chain := devid.TrustChain{root, child}
	assert.Same(t, root, chain.Root())
	assert.Equal(t, "trustchain[admin@root -> alice@laptop]", chain.String())
}

func TestDeviceRevoked(t *testing.T) {
	d := devid.Device{DeviceID: "alice@laptop"}
	assert.False(t, d.Revoked())
	assert.Equal(t, devid.UserID("alice"), d.UserID())

	d.RevokedOn = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.True(t, d.Revoked())
}
