// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package directorytest contains test harnesses shared by the directory
// store implementations.
package directorytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fido-device-onboard/go-devid"
)

// Timestamps are persisted with microsecond precision.
var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) time.Time { return epoch.Add(offset) }

// NewUser returns a user record and its first device, both certified by
// certifier (zero for a root user).
func NewUser(id devid.UserID, device devid.DeviceName, certifier devid.DeviceID, createdOn time.Time) (*devid.User, *devid.Device) {
	return &devid.User{
			UserID:      id,
			Certificate: []byte("user certificate of " + id),
			CreatedOn:   createdOn,
			Certifier:   certifier,
		}, &devid.Device{
			DeviceID:    devid.NewDeviceID(id, device),
			Certificate: []byte("device certificate of " + string(id) + "@" + string(device)),
			CreatedOn:   createdOn,
			Certifier:   certifier,
		}
}

// RunStoreSuite is used to test different implementations of devid.Store.
// Each subtest works in its own organization, so the store may be shared.
func RunStoreSuite(t *testing.T, store devid.Store) { //nolint:gocyclo
	ctx := context.Background()

	conn := func(t *testing.T) devid.Conn {
		t.Helper()
		c, err := store.Acquire(ctx)
		require.NoError(t, err)
		t.Cleanup(c.Release)
		return c
	}

	// Seeds an organization with the root user admin and its device admin@root
	seed := func(t *testing.T, c devid.Conn, org devid.OrganizationID) {
		t.Helper()
		user, device := NewUser("admin", "root", "", at(0))
		require.NoError(t, c.CreateUser(ctx, org, user, device))
	}

	t.Run("Users", func(t *testing.T) {
		c := conn(t)
		const org = "UsersOrg"

		_, err := c.User(ctx, org, "admin")
		require.ErrorIs(t, err, devid.ErrUserNotFound)

		root, rootDevice := NewUser("admin", "root", "", at(0))
		require.NoError(t, c.CreateUser(ctx, org, root, rootDevice))

		got, err := c.User(ctx, org, "admin")
		require.NoError(t, err)
		assert.Equal(t, root, got)

		gotDevice, err := c.Device(ctx, org, "admin@root")
		require.NoError(t, err)
		assert.Equal(t, rootDevice, gotDevice)
		assert.False(t, gotDevice.Revoked())

		// Returned records are copies
		got.Certificate[0] ^= 0xFF
		again, err := c.User(ctx, org, "admin")
		require.NoError(t, err)
		assert.Equal(t, root.Certificate, again.Certificate)

		alice, aliceDevice := NewUser("alice", "laptop", "admin@root", at(time.Minute))
		require.NoError(t, c.CreateUser(ctx, org, alice, aliceDevice))

		t.Run("duplicate user", func(t *testing.T) {
			dup, dupDevice := NewUser("alice", "phone", "admin@root", at(time.Hour))
			require.ErrorIs(t, c.CreateUser(ctx, org, dup, dupDevice), devid.ErrAlreadyExists)
			_, err := c.Device(ctx, org, "alice@phone")
			require.ErrorIs(t, err, devid.ErrDeviceNotFound, "failed creation must not leave a device behind")
		})

		t.Run("missing certifier", func(t *testing.T) {
			bob, bobDevice := NewUser("bob", "phone", "ghost@nowhere", at(time.Hour))
			require.ErrorIs(t, c.CreateUser(ctx, org, bob, bobDevice), devid.ErrCertifierNotFound)
			_, err := c.User(ctx, org, "bob")
			require.ErrorIs(t, err, devid.ErrUserNotFound, "failed creation must not leave a user behind")
		})

		t.Run("organizations are isolated", func(t *testing.T) {
			_, err := c.User(ctx, "OtherOrg", "alice")
			require.ErrorIs(t, err, devid.ErrUserNotFound)
		})
	})

	t.Run("Devices", func(t *testing.T) {
		c := conn(t)
		const org = "DevicesOrg"
		seed(t, c, org)
		alice, aliceDevice := NewUser("alice", "laptop", "admin@root", at(time.Minute))
		require.NoError(t, c.CreateUser(ctx, org, alice, aliceDevice))

		phone := &devid.Device{
			DeviceID:    "alice@phone",
			Certificate: []byte("phone certificate"),
			CreatedOn:   at(2 * time.Minute),
			Certifier:   "alice@laptop",
		}
		require.NoError(t, c.CreateDevice(ctx, org, phone, []byte("sealed answer")))

		answer, err := c.DeviceAnswer(ctx, org, "alice@phone")
		require.NoError(t, err)
		assert.Equal(t, []byte("sealed answer"), answer)

		empty := &devid.Device{DeviceID: "alice@desk", Certificate: []byte("desk"), CreatedOn: at(3 * time.Minute), Certifier: "alice@phone"}
		require.NoError(t, c.CreateDevice(ctx, org, empty, nil))
		answer, err = c.DeviceAnswer(ctx, org, "alice@desk")
		require.NoError(t, err)
		assert.Empty(t, answer)

		devices, err := c.UserDevices(ctx, org, "alice")
		require.NoError(t, err)
		var ids []devid.DeviceID
		for _, d := range devices {
			ids = append(ids, d.DeviceID)
		}
		assert.Equal(t, []devid.DeviceID{"alice@desk", "alice@laptop", "alice@phone"}, ids)

		t.Run("duplicate", func(t *testing.T) {
			require.ErrorIs(t, c.CreateDevice(ctx, org, phone, nil), devid.ErrAlreadyExists)
		})

		t.Run("missing owner", func(t *testing.T) {
			orphan := &devid.Device{DeviceID: "bob@phone", CreatedOn: at(time.Hour), Certifier: "admin@root"}
			require.ErrorIs(t, c.CreateDevice(ctx, org, orphan, nil), devid.ErrUserNotFound)
		})

		t.Run("missing certifier", func(t *testing.T) {
			d := &devid.Device{DeviceID: "alice@tablet", CreatedOn: at(time.Hour), Certifier: "ghost@nowhere"}
			require.ErrorIs(t, c.CreateDevice(ctx, org, d, nil), devid.ErrCertifierNotFound)
		})

		t.Run("missing answer", func(t *testing.T) {
			_, err := c.DeviceAnswer(ctx, org, "alice@tablet")
			require.ErrorIs(t, err, devid.ErrDeviceNotFound)
		})
	})

	t.Run("Revocation", func(t *testing.T) {
		c := conn(t)
		const org = "RevokeOrg"
		seed(t, c, org)
		alice, aliceDevice := NewUser("alice", "laptop", "admin@root", at(time.Minute))
		require.NoError(t, c.CreateUser(ctx, org, alice, aliceDevice))

		rev := devid.Revocation{
			RevokedOn:   at(time.Hour),
			Certificate: []byte("revocation certificate"),
			Certifier:   "admin@root",
		}
		require.NoError(t, c.RevokeDevice(ctx, org, "alice@laptop", rev))

		d, err := c.Device(ctx, org, "alice@laptop")
		require.NoError(t, err)
		assert.True(t, d.Revoked())
		assert.Equal(t, rev.RevokedOn, d.RevokedOn)
		assert.Equal(t, rev.Certificate, d.RevokedCertificate)
		assert.Equal(t, rev.Certifier, d.RevokedCertifier)

		second := rev
		second.RevokedOn = at(2 * time.Hour)
		require.ErrorIs(t, c.RevokeDevice(ctx, org, "alice@laptop", second), devid.ErrAlreadyRevoked)
		d, err = c.Device(ctx, org, "alice@laptop")
		require.NoError(t, err)
		assert.Equal(t, rev.RevokedOn, d.RevokedOn, "revocation is set once")

		require.ErrorIs(t, c.RevokeDevice(ctx, org, "ghost@nowhere", rev), devid.ErrDeviceNotFound)

		ghostRev := rev
		ghostRev.Certifier = "ghost@nowhere"
		require.ErrorIs(t, c.RevokeDevice(ctx, org, "admin@root", ghostRev), devid.ErrCertifierNotFound)

		// Missing devices are reported first, then revoked ones, then
		// missing certifiers
		require.ErrorIs(t, c.RevokeDevice(ctx, org, "ghost@nowhere", ghostRev), devid.ErrDeviceNotFound)
		require.ErrorIs(t, c.RevokeDevice(ctx, org, "alice@laptop", ghostRev), devid.ErrAlreadyRevoked)
		d, err = c.Device(ctx, org, "admin@root")
		require.NoError(t, err)
		assert.False(t, d.Revoked())
	})

	t.Run("FindUsers", func(t *testing.T) {
		c := conn(t)
		const org = "FindOrg"
		seed(t, c, org)
		for i, id := range []devid.UserID{"alice", "Alicia", "bob", "MALICE"} {
			u, d := NewUser(id, "laptop", "admin@root", at(time.Duration(i+1)*time.Minute))
			require.NoError(t, c.CreateUser(ctx, org, u, d))
		}
		require.NoError(t, c.RevokeDevice(ctx, org, "bob@laptop", devid.Revocation{
			RevokedOn: at(time.Hour), Certificate: []byte("rev"), Certifier: "admin@root",
		}))

		find := func(q devid.UserQuery) ([]devid.UserID, int) {
			t.Helper()
			ids, total, err := c.FindUsers(ctx, org, q)
			require.NoError(t, err)
			return ids, total
		}

		ids, total := find(devid.UserQuery{Folded: devid.FoldQuery("ALI"), Limit: 100})
		assert.Equal(t, []devid.UserID{"Alicia", "MALICE", "alice"}, ids, "ordering is by user id bytes")
		assert.Equal(t, 3, total)

		ids, total = find(devid.UserQuery{Limit: 100})
		assert.Equal(t, []devid.UserID{"Alicia", "MALICE", "admin", "alice", "bob"}, ids)
		assert.Equal(t, 5, total)

		ids, total = find(devid.UserQuery{OmitRevoked: true, Limit: 100})
		assert.NotContains(t, ids, devid.UserID("bob"))
		assert.Equal(t, 4, total)

		ids, total = find(devid.UserQuery{Offset: 1, Limit: 2})
		assert.Equal(t, []devid.UserID{"MALICE", "admin"}, ids)
		assert.Equal(t, 5, total)

		ids, total = find(devid.UserQuery{Offset: 10, Limit: 2})
		assert.Empty(t, ids)
		assert.Equal(t, 5, total)

		ids, total = find(devid.UserQuery{Folded: "zzz", Limit: 100})
		assert.Empty(t, ids)
		assert.Zero(t, total)
	})

	t.Run("UserInvitations", func(t *testing.T) {
		c := conn(t)
		const org = "UserInviteOrg"
		seed(t, c, org)

		_, err := c.UserInvitation(ctx, org, "carol")
		require.ErrorIs(t, err, devid.ErrInvitationNotFound)

		inv := &devid.UserInvitation{UserID: "carol", CreatorDeviceID: "admin@root", CreatedOn: at(time.Minute)}
		require.NoError(t, c.CreateUserInvitation(ctx, org, inv, at(0)))

		got, err := c.UserInvitation(ctx, org, "carol")
		require.NoError(t, err)
		assert.Equal(t, inv, got)
		assert.Equal(t, devid.InvitationPending, got.State)

		// A fresh pending invitation blocks, a stale one is replaced
		dup := &devid.UserInvitation{UserID: "carol", CreatorDeviceID: "admin@root", CreatedOn: at(2 * time.Minute)}
		require.ErrorIs(t, c.CreateUserInvitation(ctx, org, dup, at(time.Minute)), devid.ErrAlreadyExists)
		require.ErrorIs(t, c.CreateUserInvitation(ctx, org, dup, time.Time{}), devid.ErrAlreadyExists)
		require.NoError(t, c.CreateUserInvitation(ctx, org, dup, at(time.Minute+time.Microsecond)))
		got, err = c.UserInvitation(ctx, org, "carol")
		require.NoError(t, err)
		assert.Equal(t, dup.CreatedOn, got.CreatedOn)

		// Compare-and-set on (state, created on)
		stale := devid.InvitationTransition{From: devid.InvitationPending, To: devid.InvitationClaimed, CreatedOn: inv.CreatedOn, At: at(time.Hour)}
		require.ErrorIs(t, c.TransitionUserInvitation(ctx, org, "carol", stale), devid.ErrConflict)

		claim := devid.InvitationTransition{
			From:      devid.InvitationPending,
			To:        devid.InvitationClaimed,
			CreatedOn: dup.CreatedOn,
			At:        at(time.Hour),
			Payload:   []byte("claim"),
		}
		require.NoError(t, c.TransitionUserInvitation(ctx, org, "carol", claim))
		require.ErrorIs(t, c.TransitionUserInvitation(ctx, org, "carol", claim), devid.ErrConflict)

		got, err = c.UserInvitation(ctx, org, "carol")
		require.NoError(t, err)
		assert.Equal(t, devid.InvitationClaimed, got.State)
		assert.Equal(t, at(time.Hour), got.ClaimedOn)
		assert.Equal(t, []byte("claim"), got.EncryptedClaim)

		// Terminal invitations never block
		again := &devid.UserInvitation{UserID: "carol", CreatorDeviceID: "admin@root", CreatedOn: at(2 * time.Hour)}
		require.NoError(t, c.CreateUserInvitation(ctx, org, again, time.Time{}))
		got, err = c.UserInvitation(ctx, org, "carol")
		require.NoError(t, err)
		assert.Equal(t, devid.InvitationPending, got.State)
		assert.Empty(t, got.EncryptedClaim)
		assert.True(t, got.ClaimedOn.IsZero())

		missing := devid.InvitationTransition{From: devid.InvitationPending, To: devid.InvitationCancelled, CreatedOn: at(0), At: at(0)}
		require.ErrorIs(t, c.TransitionUserInvitation(ctx, org, "dave", missing), devid.ErrInvitationNotFound)
	})

	t.Run("DeviceInvitations", func(t *testing.T) {
		c := conn(t)
		const org = "DeviceInviteOrg"
		seed(t, c, org)

		_, err := c.DeviceInvitation(ctx, org, "admin@phone")
		require.ErrorIs(t, err, devid.ErrInvitationNotFound)

		inv := &devid.DeviceInvitation{DeviceID: "admin@phone", CreatorDeviceID: "admin@root", CreatedOn: at(time.Minute)}
		require.NoError(t, c.CreateDeviceInvitation(ctx, org, inv, time.Time{}))
		require.ErrorIs(t, c.CreateDeviceInvitation(ctx, org, inv, time.Time{}), devid.ErrAlreadyExists)

		cancel := devid.InvitationTransition{From: devid.InvitationPending, To: devid.InvitationCancelled, CreatedOn: inv.CreatedOn, At: at(time.Hour)}
		require.NoError(t, c.TransitionDeviceInvitation(ctx, org, "admin@phone", cancel))

		got, err := c.DeviceInvitation(ctx, org, "admin@phone")
		require.NoError(t, err)
		assert.Equal(t, devid.InvitationCancelled, got.State)
		assert.True(t, got.ClaimedOn.IsZero(), "cancellation does not record a claim")

		require.ErrorIs(t, c.TransitionDeviceInvitation(ctx, org, "admin@phone", cancel), devid.ErrConflict)
	})

	t.Run("ConcurrentTransitions", func(t *testing.T) {
		const org = "RaceOrg"
		c := conn(t)
		seed(t, c, org)
		inv := &devid.DeviceInvitation{DeviceID: "admin@phone", CreatorDeviceID: "admin@root", CreatedOn: at(time.Minute)}
		require.NoError(t, c.CreateDeviceInvitation(ctx, org, inv, time.Time{}))
		c.Release()

		const racers = 8
		var wg sync.WaitGroup
		errs := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- devid.WithConn(ctx, store, func(c devid.Conn) error {
					return c.TransitionDeviceInvitation(ctx, org, "admin@phone", devid.InvitationTransition{
						From: devid.InvitationPending, To: devid.InvitationClaimed,
						CreatedOn: inv.CreatedOn, At: at(time.Hour),
					})
				})
			}()
		}
		wg.Wait()
		close(errs)

		var wins int
		for err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, devid.ErrConflict)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("Acquire", func(t *testing.T) {
		var held []devid.Conn
		defer func() {
			for _, c := range held {
				c.Release()
			}
		}()
		// Exhaust the pool, then Acquire must give up when its context ends
		for {
			waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			c, err := store.Acquire(waitCtx)
			cancel()
			if err != nil {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
				assert.NotEmpty(t, held)
				return
			}
			held = append(held, c)
			if len(held) > 64 {
				t.Fatal("pool does not appear to be bounded")
			}
		}
	})
}
