// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package devid

import (
	"fmt"
	"time"
)

// User is the public record of an organization member. Certifier is zero
// only for the organization's root user.
type User struct {
	UserID      UserID
	Certificate []byte
	CreatedOn   time.Time
	Certifier   DeviceID
}

// Device is the public record of one of a user's devices. Only the
// revocation fields may change after creation, and only once.
type Device struct {
	DeviceID    DeviceID
	Certificate []byte
	CreatedOn   time.Time
	Certifier   DeviceID

	RevokedOn          time.Time
	RevokedCertificate []byte
	RevokedCertifier   DeviceID
}

// UserID returns the owner of the device.
func (d *Device) UserID() UserID { return d.DeviceID.UserID() }

// Revoked reports whether the device has been revoked.
func (d *Device) Revoked() bool { return !d.RevokedOn.IsZero() }

// Revocation holds the fields set when a device is revoked.
type Revocation struct {
	RevokedOn   time.Time
	Certificate []byte
	Certifier   DeviceID
}

// TrustChain is an ordered sequence of devices from a root of trust to the
// certifier of some entity. Each device's certifier is the device before it,
// so certificates can be verified in signing order.
type TrustChain []*Device

// Root returns the root of trust, or nil for an empty chain.
func (c TrustChain) Root() *Device {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

func (c TrustChain) String() string {
	s := "trustchain["
	for i, d := range c {
		if i > 0 {
			s += " -> "
		}
		s += string(d.DeviceID)
	}
	return s + "]"
}

// InvitationState is the lifecycle state of an invitation. Claimed and
// Cancelled are terminal.
type InvitationState uint8

// Invitation states
const (
	InvitationPending InvitationState = iota
	InvitationClaimed
	InvitationCancelled
)

func (s InvitationState) String() string {
	switch s {
	case InvitationPending:
		return "pending"
	case InvitationClaimed:
		return "claimed"
	case InvitationCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("InvitationState(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s InvitationState) Terminal() bool { return s != InvitationPending }

// Illegal edges and the error each one reports.
var transitionErrors = map[[2]InvitationState]error{
	{InvitationClaimed, InvitationClaimed}:     ErrAlreadyClaimed,
	{InvitationClaimed, InvitationCancelled}:   ErrInvalidState,
	{InvitationCancelled, InvitationClaimed}:   ErrInvalidState,
	{InvitationCancelled, InvitationCancelled}: ErrInvitationNotFound,
}

// Transition returns the state reached by moving from s to the requested
// state. Only Pending->Claimed and Pending->Cancelled are legal.
func (s InvitationState) Transition(to InvitationState) (InvitationState, error) {
	if s == InvitationPending && (to == InvitationClaimed || to == InvitationCancelled) {
		return to, nil
	}
	if err, ok := transitionErrors[[2]InvitationState{s, to}]; ok {
		return s, err
	}
	return s, fmt.Errorf("%w: %s to %s", ErrInvalidState, s, to)
}

// UserInvitation is an offer to create a brand-new user.
type UserInvitation struct {
	UserID          UserID
	CreatorDeviceID DeviceID
	CreatedOn       time.Time
	ClaimedOn       time.Time
	State           InvitationState
	EncryptedClaim  []byte
}

// DeviceInvitation is an offer to add a device to an existing user.
type DeviceInvitation struct {
	DeviceID        DeviceID
	CreatorDeviceID DeviceID
	CreatedOn       time.Time
	ClaimedOn       time.Time
	State           InvitationState
	EncryptedClaim  []byte
}

// InvitationTransition is a compare-and-set request against a stored
// invitation. It only applies while the stored record still has state From
// and creation time CreatedOn.
type InvitationTransition struct {
	From      InvitationState
	To        InvitationState
	CreatedOn time.Time
	At        time.Time
	Payload   []byte
}
