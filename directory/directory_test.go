// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/directory"
	"github.com/fido-device-onboard/go-devid/directorytest"
	"github.com/fido-device-onboard/go-devid/internal/memory"
)

const org devid.OrganizationID = "CoolOrg"

var now = time.Date(2024, 6, 1, 12, 0, 0, 123456789, time.UTC)

func newDirectory(t *testing.T) *directory.Directory {
	return &directory.Directory{
		Store: memory.NewStore(2),
		Log:   directorytest.TestingLogger(t),
		Clock: func() time.Time { return now },
	}
}

// Creates user id with device id@name certified by certifier.
func createUser(t *testing.T, dir *directory.Directory, id devid.UserID, name devid.DeviceName, certifier devid.DeviceID) {
	t.Helper()
	user, device := directorytest.NewUser(id, name, certifier, time.Time{})
	require.NoError(t, dir.CreateUser(context.Background(), org, user, device))
}

func ids(chain devid.TrustChain) []devid.DeviceID {
	out := make([]devid.DeviceID, len(chain))
	for i, d := range chain {
		out[i] = d.DeviceID
	}
	return out
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t)

	user, device := directorytest.NewUser("admin", "root", "", time.Time{})
	require.NoError(t, dir.CreateUser(ctx, org, user, device))

	got, err := dir.GetUser(ctx, org, "admin")
	require.NoError(t, err)
	assert.Equal(t, user.Certificate, got.Certificate)
	assert.Equal(t, now.Truncate(time.Microsecond), got.CreatedOn, "zero creation time is set to now")
	assert.True(t, user.CreatedOn.IsZero(), "input must not be modified")

	gotUser, gotDevice, err := dir.GetUserWithDevice(ctx, org, "admin@root")
	require.NoError(t, err)
	assert.Equal(t, got, gotUser)
	assert.Equal(t, device.Certificate, gotDevice.Certificate)

	t.Run("duplicate", func(t *testing.T) {
		err := dir.CreateUser(ctx, org, user, device)
		require.ErrorIs(t, err, devid.ErrAlreadyExists)
	})

	t.Run("device of another user", func(t *testing.T) {
		user, _ := directorytest.NewUser("alice", "laptop", "admin@root", time.Time{})
		_, device := directorytest.NewUser("bob", "laptop", "admin@root", time.Time{})
		require.ErrorIs(t, dir.CreateUser(ctx, org, user, device), devid.ErrValidation)
	})

	t.Run("self certified", func(t *testing.T) {
		user, device := directorytest.NewUser("alice", "laptop", "alice@laptop", time.Time{})
		require.ErrorIs(t, dir.CreateUser(ctx, org, user, device), devid.ErrValidation)
	})

	t.Run("missing certifier", func(t *testing.T) {
		user, device := directorytest.NewUser("alice", "laptop", "ghost@laptop", time.Time{})
		require.ErrorIs(t, dir.CreateUser(ctx, org, user, device), devid.ErrCertifierNotFound)
	})

	t.Run("invalid id", func(t *testing.T) {
		user, device := directorytest.NewUser("alice smith", "laptop", "admin@root", time.Time{})
		require.ErrorIs(t, dir.CreateUser(ctx, org, user, device), devid.ErrValidation)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := dir.GetUser(ctx, org, "nobody")
		require.ErrorIs(t, err, devid.ErrUserNotFound)
		_, _, err = dir.GetUserWithDevice(ctx, org, "nobody@laptop")
		require.ErrorIs(t, err, devid.ErrDeviceNotFound)
	})
}

func TestCreateDevice(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t)
	createUser(t, dir, "admin", "root", "")

	phone := &devid.Device{DeviceID: "admin@phone", Certificate: []byte("phone"), Certifier: "admin@root"}
	require.NoError(t, dir.CreateDevice(ctx, org, phone, []byte("answer")))

	answer, err := dir.EncryptedAnswer(ctx, org, "admin@phone")
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), answer)

	tablet := &devid.Device{DeviceID: "admin@tablet", Certifier: "admin@phone"}
	require.NoError(t, dir.CreateDevice(ctx, org, tablet, nil), "empty answers are valid")
	answer, err = dir.EncryptedAnswer(ctx, org, "admin@tablet")
	require.NoError(t, err)
	assert.Empty(t, answer)

	require.ErrorIs(t, dir.CreateDevice(ctx, org, phone, nil), devid.ErrAlreadyExists)
	require.ErrorIs(t, dir.CreateDevice(ctx, org,
		&devid.Device{DeviceID: "bob@phone", Certifier: "admin@root"}, nil), devid.ErrUserNotFound)
	require.ErrorIs(t, dir.CreateDevice(ctx, org,
		&devid.Device{DeviceID: "admin@watch", Certifier: "admin@ghost"}, nil), devid.ErrCertifierNotFound)
	require.ErrorIs(t, dir.CreateDevice(ctx, org,
		&devid.Device{DeviceID: "admin@watch", RevokedOn: now}, nil), devid.ErrValidation)

	_, err = dir.EncryptedAnswer(ctx, org, "admin@ghost")
	require.ErrorIs(t, err, devid.ErrDeviceNotFound)
}

func TestTrustchain(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t)

	// admin@root -> alice@laptop -> alice@phone -> bob@laptop
	createUser(t, dir, "admin", "root", "")
	createUser(t, dir, "alice", "laptop", "admin@root")
	require.NoError(t, dir.CreateDevice(ctx, org,
		&devid.Device{DeviceID: "alice@phone", Certifier: "alice@laptop"}, nil))
	createUser(t, dir, "bob", "laptop", "alice@phone")

	t.Run("root user", func(t *testing.T) {
		user, chain, err := dir.GetUserWithTrustchain(ctx, org, "admin")
		require.NoError(t, err)
		assert.Equal(t, devid.UserID("admin"), user.UserID)
		assert.Empty(t, chain)
	})

	t.Run("user", func(t *testing.T) {
		_, chain, err := dir.GetUserWithTrustchain(ctx, org, "bob")
		require.NoError(t, err)
		assert.Equal(t, []devid.DeviceID{"admin@root", "alice@laptop", "alice@phone"}, ids(chain))
		assert.True(t, chain.Root().Certifier.IsZero())
	})

	t.Run("device", func(t *testing.T) {
		user, device, chain, err := dir.GetUserWithDeviceAndTrustchain(ctx, org, "alice@phone")
		require.NoError(t, err)
		assert.Equal(t, devid.UserID("alice"), user.UserID)
		assert.Equal(t, devid.DeviceID("alice@phone"), device.DeviceID)
		assert.Equal(t, []devid.DeviceID{"admin@root", "alice@laptop"}, ids(chain))

		_, _, chain, err = dir.GetUserWithDeviceAndTrustchain(ctx, org, "admin@root")
		require.NoError(t, err)
		assert.Empty(t, chain)

		_, _, _, err = dir.GetUserWithDeviceAndTrustchain(ctx, org, "ghost@root")
		require.ErrorIs(t, err, devid.ErrDeviceNotFound)
	})

	t.Run("union with revocation certifiers", func(t *testing.T) {
		_, err := dir.RevokeDevice(ctx, org, "alice@phone", []byte("revoked"), "bob@laptop", time.Time{})
		require.NoError(t, err)

		user, devices, chain, err := dir.GetUserWithDevicesAndTrustchain(ctx, org, "alice")
		require.NoError(t, err)
		assert.Equal(t, devid.UserID("alice"), user.UserID)
		require.Len(t, devices, 2)
		assert.Equal(t, devid.DeviceID("alice@laptop"), devices[0].DeviceID)
		assert.Equal(t, devid.DeviceID("alice@phone"), devices[1].DeviceID)
		assert.Equal(t, []devid.DeviceID{"admin@root", "alice@laptop", "alice@phone", "bob@laptop"}, ids(chain))

		_, _, _, err = dir.GetUserWithDevicesAndTrustchain(ctx, org, "nobody")
		require.ErrorIs(t, err, devid.ErrUserNotFound)
	})
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t)
	createUser(t, dir, "admin", "root", "")
	createUser(t, dir, "alice", "laptop", "admin@root")
	createUser(t, dir, "alicia", "laptop", "admin@root")
	createUser(t, dir, "bob", "laptop", "admin@root")

	found, total, err := dir.Find(ctx, org, directory.FindOptions{Query: "ali", Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, []devid.UserID{"alice", "alicia"}, found)
	assert.Equal(t, 2, total)

	opts := directory.DefaultFindOptions()
	opts.Query = "ALI"
	found, total, err = dir.Find(ctx, org, opts)
	require.NoError(t, err)
	assert.Equal(t, []devid.UserID{"alice", "alicia"}, found, "matching is case-insensitive")
	assert.Equal(t, 2, total)

	found, total, err = dir.Find(ctx, org, directory.FindOptions{Page: 2, PerPage: 3})
	require.NoError(t, err)
	assert.Equal(t, []devid.UserID{"bob"}, found)
	assert.Equal(t, 4, total)

	_, err = dir.RevokeDevice(ctx, org, "bob@laptop", nil, "admin@root", time.Time{})
	require.NoError(t, err)
	opts = directory.DefaultFindOptions()
	opts.OmitRevoked = true
	found, total, err = dir.Find(ctx, org, opts)
	require.NoError(t, err)
	assert.Equal(t, []devid.UserID{"admin", "alice", "alicia"}, found)
	assert.Equal(t, 3, total)

	for _, opts := range []directory.FindOptions{
		{},
		{Page: 0, PerPage: 10},
		{Page: 1, PerPage: 0},
		{Page: -1, PerPage: 10},
		{Page: 1, PerPage: -10},
	} {
		_, _, err := dir.Find(ctx, org, opts)
		require.ErrorIs(t, err, devid.ErrInvalidArgument, "%+v", opts)
	}
}

func TestRevokeDevice(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t)
	createUser(t, dir, "admin", "root", "")
	createUser(t, dir, "alice", "laptop", "admin@root")

	events := make(chan devid.Event, 8)
	dir.Events = new(devid.EventBus)
	dir.Events.Subscribe(devid.EventHandlerFunc(func(_ context.Context, e devid.Event) { events <- e }))

	revokedOn, err := dir.RevokeDevice(ctx, org, "alice@laptop", []byte("revoked"), "admin@root", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, now.Truncate(time.Microsecond), revokedOn)

	_, err = dir.RevokeDevice(ctx, org, "alice@laptop", []byte("again"), "admin@root", now.Add(time.Hour))
	require.ErrorIs(t, err, devid.ErrAlreadyRevoked)

	_, device, err := dir.GetUserWithDevice(ctx, org, "alice@laptop")
	require.NoError(t, err)
	assert.Equal(t, revokedOn, device.RevokedOn, "revocation is set once")
	assert.Equal(t, []byte("revoked"), device.RevokedCertificate)
	assert.Equal(t, devid.DeviceID("admin@root"), device.RevokedCertifier)

	select {
	case e := <-events:
		assert.Equal(t, devid.EventTypeDeviceRevoked, e.Type)
		assert.Equal(t, devid.DeviceID("alice@laptop"), e.DeviceID)
		assert.Equal(t, devid.UserID("alice"), e.UserID)
	case <-time.After(time.Second):
		t.Fatal("no revocation event")
	}

	explicit := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err = dir.RevokeDevice(ctx, org, "admin@root", nil, "", explicit)
	require.ErrorIs(t, err, devid.ErrValidation, "revocation certifier is required")
	_, device, err = dir.GetUserWithDevice(ctx, org, "admin@root")
	require.NoError(t, err)
	assert.False(t, device.Revoked())

	got, err := dir.RevokeDevice(ctx, org, "admin@root", nil, "admin@root", explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)

	_, err = dir.RevokeDevice(ctx, org, "ghost@laptop", nil, "admin@root", time.Time{})
	require.ErrorIs(t, err, devid.ErrDeviceNotFound)

	createUser(t, dir, "bob", "laptop", "admin@root")
	_, err = dir.RevokeDevice(ctx, org, "bob@laptop", nil, "ghost@laptop", time.Time{})
	require.ErrorIs(t, err, devid.ErrCertifierNotFound)
}
