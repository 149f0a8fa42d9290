// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package devid

import (
	"context"
	"time"
)

/*
	The directory and enrollment services do not execute queries themselves.
	They acquire a Conn from a Store for the duration of one logical operation
	and issue the row-level requests below. Implementations must enforce
	primary key uniqueness and certifier referential integrity, and must apply
	revocations and invitation transitions as single atomic conditional
	updates.
*/

// Store is a bounded pool of connections to directory persistence.
type Store interface {
	// Acquire blocks until a connection is available or ctx is done. The
	// returned Conn must be released exactly once.
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is one pooled connection to directory persistence.
type Conn interface {
	// Release returns the connection to its pool.
	Release()

	UserRows
	DeviceRows
	InvitationRows
}

// UserRows queries and creates user records.
type UserRows interface {
	// CreateUser atomically inserts a user and its first device. It returns
	// ErrAlreadyExists if either ID is taken and ErrCertifierNotFound if a
	// non-zero certifier does not reference an existing device.
	CreateUser(ctx context.Context, org OrganizationID, user *User, firstDevice *Device) error

	// User returns ErrUserNotFound if the user does not exist.
	User(ctx context.Context, org OrganizationID, id UserID) (*User, error)

	// FindUsers returns one page of matching user IDs in ascending order and
	// the total number of matches.
	FindUsers(ctx context.Context, org OrganizationID, q UserQuery) ([]UserID, int, error)
}

// UserQuery selects users for FindUsers.
type UserQuery struct {
	// Folded is a FoldQuery-folded substring of the user ID. Empty matches
	// all users.
	Folded string

	// OmitRevoked excludes users without any active device.
	OmitRevoked bool

	Offset, Limit int
}

// DeviceRows queries, creates, and revokes device records.
type DeviceRows interface {
	// CreateDevice inserts a device for an existing user along with an opaque
	// answer payload. It returns ErrUserNotFound, ErrAlreadyExists, or
	// ErrCertifierNotFound.
	CreateDevice(ctx context.Context, org OrganizationID, device *Device, encryptedAnswer []byte) error

	// Device returns ErrDeviceNotFound if the device does not exist.
	Device(ctx context.Context, org OrganizationID, id DeviceID) (*Device, error)

	// UserDevices returns all devices of a user ordered by device ID.
	UserDevices(ctx context.Context, org OrganizationID, id UserID) ([]*Device, error)

	// DeviceAnswer returns the payload stored with CreateDevice.
	DeviceAnswer(ctx context.Context, org OrganizationID, id DeviceID) ([]byte, error)

	// RevokeDevice sets the revocation fields only if they are unset. It
	// returns ErrDeviceNotFound or ErrAlreadyRevoked.
	RevokeDevice(ctx context.Context, org OrganizationID, id DeviceID, rev Revocation) error
}

// InvitationRows persists invitations of both kinds.
//
// Create methods fail with ErrAlreadyExists only when the stored invitation
// for the key is pending and was created at or after staleBefore (a zero
// staleBefore never expires anything); otherwise the stored invitation is
// replaced.
//
// Transition methods apply an InvitationTransition as a compare-and-set. A
// missing record yields ErrInvitationNotFound and a state or creation time
// mismatch yields ErrConflict. Transitions to Claimed record At as the claim
// time and Payload as the encrypted claim.
type InvitationRows interface {
	CreateUserInvitation(ctx context.Context, org OrganizationID, inv *UserInvitation, staleBefore time.Time) error
	UserInvitation(ctx context.Context, org OrganizationID, id UserID) (*UserInvitation, error)
	TransitionUserInvitation(ctx context.Context, org OrganizationID, id UserID, tr InvitationTransition) error

	CreateDeviceInvitation(ctx context.Context, org OrganizationID, inv *DeviceInvitation, staleBefore time.Time) error
	DeviceInvitation(ctx context.Context, org OrganizationID, id DeviceID) (*DeviceInvitation, error)
	TransitionDeviceInvitation(ctx context.Context, org OrganizationID, id DeviceID, tr InvitationTransition) error
}

// WithConn acquires a connection, calls fn, and releases the connection on
// every exit path, including panics.
func WithConn(ctx context.Context, store Store, fn func(Conn) error) error {
	conn, err := store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}
