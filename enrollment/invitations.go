// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fido-device-onboard/go-devid"
)

// CreateUserInvitation opens an invitation for a new user. The creator
// device must exist and the user must not. A pending unexpired invitation
// for the same user fails with ErrAlreadyExists; any other one is replaced.
//
// State, ClaimedOn, and EncryptedClaim of inv are ignored. A zero CreatedOn
// is set to the current time.
func (l *Ledger) CreateUserInvitation(ctx context.Context, org devid.OrganizationID, inv *devid.UserInvitation) (_ *devid.UserInvitation, err error) {
	ctx, span := l.start(ctx, "CreateUserInvitation", org, attribute.String("user_id", string(inv.UserID)))
	defer end(span, &err)

	if _, err := devid.ParseUserID(string(inv.UserID)); err != nil {
		return nil, err
	}
	now := l.now()
	created := &devid.UserInvitation{
		UserID:          inv.UserID,
		CreatorDeviceID: inv.CreatorDeviceID,
		CreatedOn:       now,
		State:           devid.InvitationPending,
	}
	if !inv.CreatedOn.IsZero() {
		created.CreatedOn = inv.CreatedOn.UTC().Truncate(time.Microsecond)
	}

	if err := devid.WithConn(ctx, l.Store, func(c devid.Conn) error {
		if err := creatorExists(ctx, c, org, inv.CreatorDeviceID); err != nil {
			return err
		}
		switch _, err := c.User(ctx, org, inv.UserID); {
		case err == nil:
			return fmt.Errorf("%w: user %s", devid.ErrAlreadyExists, inv.UserID)
		case !errors.Is(err, devid.ErrUserNotFound):
			return err
		}
		return c.CreateUserInvitation(ctx, org, created, l.staleBefore(now))
	}); err != nil {
		return nil, err
	}

	l.log().WithFields(logrus.Fields{
		"op":              "CreateUserInvitation",
		"organization_id": org,
		"user_id":         created.UserID,
		"device_id":       created.CreatorDeviceID,
	}).Info("invitation created")
	l.Events.Publish(ctx, devid.Event{
		Type:           devid.EventTypeInvitationCreated,
		Timestamp:      created.CreatedOn,
		OrganizationID: org,
		UserID:         created.UserID,
		Certifier:      created.CreatorDeviceID,
	})
	return created, nil
}

// GetUserInvitation returns a pending unexpired invitation. Claimed,
// cancelled, and expired invitations are reported as ErrInvitationNotFound.
func (l *Ledger) GetUserInvitation(ctx context.Context, org devid.OrganizationID, id devid.UserID) (inv *devid.UserInvitation, err error) {
	ctx, span := l.start(ctx, "GetUserInvitation", org, attribute.String("user_id", string(id)))
	defer end(span, &err)

	if err := devid.WithConn(ctx, l.Store, func(c devid.Conn) error {
		inv, err = c.UserInvitation(ctx, org, id)
		return err
	}); err != nil {
		return nil, err
	}
	if !l.live(inv.State, inv.CreatedOn, l.now()) {
		return nil, devid.ErrInvitationNotFound
	}
	return inv, nil
}

// ClaimUserInvitation consumes a pending invitation and records the claim
// payload. Concurrent claims of one invitation yield exactly one success.
func (l *Ledger) ClaimUserInvitation(ctx context.Context, org devid.OrganizationID, id devid.UserID, encryptedClaim []byte) (*devid.UserInvitation, error) {
	return l.settleUser(ctx, "ClaimUserInvitation", org, id, devid.InvitationClaimed, encryptedClaim)
}

// CancelUserInvitation withdraws a pending invitation.
func (l *Ledger) CancelUserInvitation(ctx context.Context, org devid.OrganizationID, id devid.UserID) (*devid.UserInvitation, error) {
	return l.settleUser(ctx, "CancelUserInvitation", org, id, devid.InvitationCancelled, nil)
}

func (l *Ledger) settleUser(ctx context.Context, op string, org devid.OrganizationID, id devid.UserID, to devid.InvitationState, payload []byte) (_ *devid.UserInvitation, err error) {
	ctx, span := l.start(ctx, op, org, attribute.String("user_id", string(id)))
	defer end(span, &err)

	var inv *devid.UserInvitation
	var tr devid.InvitationTransition
	if err := devid.WithConn(ctx, l.Store, func(c devid.Conn) error {
		tr, err = l.settle(to, payload,
			func() (devid.InvitationState, time.Time, error) {
				var err error
				if inv, err = c.UserInvitation(ctx, org, id); err != nil {
					return 0, time.Time{}, err
				}
				return inv.State, inv.CreatedOn, nil
			},
			func(tr devid.InvitationTransition) error {
				return c.TransitionUserInvitation(ctx, org, id, tr)
			},
		)
		return err
	}); err != nil {
		return nil, err
	}

	inv.State = tr.To
	if tr.To == devid.InvitationClaimed {
		inv.ClaimedOn, inv.EncryptedClaim = tr.At, tr.Payload
	}
	l.logTransition(op, org, "user_id", id, tr)
	l.Events.Publish(ctx, devid.Event{
		Type:           eventType(tr.To),
		Timestamp:      tr.At,
		OrganizationID: org,
		UserID:         id,
		Certifier:      inv.CreatorDeviceID,
	})
	return inv, nil
}

// CreateDeviceInvitation opens an invitation for a new device of an existing
// user. The creator device must exist, the owner must exist, and the device
// must not. A pending unexpired invitation for the same device fails with
// ErrAlreadyExists; any other one is replaced.
//
// State, ClaimedOn, and EncryptedClaim of inv are ignored. A zero CreatedOn
// is set to the current time.
func (l *Ledger) CreateDeviceInvitation(ctx context.Context, org devid.OrganizationID, inv *devid.DeviceInvitation) (_ *devid.DeviceInvitation, err error) {
	ctx, span := l.start(ctx, "CreateDeviceInvitation", org, attribute.String("device_id", string(inv.DeviceID)))
	defer end(span, &err)

	if _, err := devid.ParseDeviceID(string(inv.DeviceID)); err != nil {
		return nil, err
	}
	now := l.now()
	created := &devid.DeviceInvitation{
		DeviceID:        inv.DeviceID,
		CreatorDeviceID: inv.CreatorDeviceID,
		CreatedOn:       now,
		State:           devid.InvitationPending,
	}
	if !inv.CreatedOn.IsZero() {
		created.CreatedOn = inv.CreatedOn.UTC().Truncate(time.Microsecond)
	}

	if err := devid.WithConn(ctx, l.Store, func(c devid.Conn) error {
		if err := creatorExists(ctx, c, org, inv.CreatorDeviceID); err != nil {
			return err
		}
		if _, err := c.User(ctx, org, inv.DeviceID.UserID()); err != nil {
			return err
		}
		switch _, err := c.Device(ctx, org, inv.DeviceID); {
		case err == nil:
			return fmt.Errorf("%w: device %s", devid.ErrAlreadyExists, inv.DeviceID)
		case !errors.Is(err, devid.ErrDeviceNotFound):
			return err
		}
		return c.CreateDeviceInvitation(ctx, org, created, l.staleBefore(now))
	}); err != nil {
		return nil, err
	}

	l.log().WithFields(logrus.Fields{
		"op":              "CreateDeviceInvitation",
		"organization_id": org,
		"device_id":       created.DeviceID,
		"creator":         created.CreatorDeviceID,
	}).Info("invitation created")
	l.Events.Publish(ctx, devid.Event{
		Type:           devid.EventTypeInvitationCreated,
		Timestamp:      created.CreatedOn,
		OrganizationID: org,
		UserID:         created.DeviceID.UserID(),
		DeviceID:       created.DeviceID,
		Certifier:      created.CreatorDeviceID,
	})
	return created, nil
}

// GetDeviceInvitation returns a pending unexpired invitation. Claimed,
// cancelled, and expired invitations are reported as ErrInvitationNotFound.
func (l *Ledger) GetDeviceInvitation(ctx context.Context, org devid.OrganizationID, id devid.DeviceID) (inv *devid.DeviceInvitation, err error) {
	ctx, span := l.start(ctx, "GetDeviceInvitation", org, attribute.String("device_id", string(id)))
	defer end(span, &err)

	if err := devid.WithConn(ctx, l.Store, func(c devid.Conn) error {
		inv, err = c.DeviceInvitation(ctx, org, id)
		return err
	}); err != nil {
		return nil, err
	}
	if !l.live(inv.State, inv.CreatedOn, l.now()) {
		return nil, devid.ErrInvitationNotFound
	}
	return inv, nil
}

// ClaimDeviceInvitation consumes a pending invitation and records the claim
// payload. Concurrent claims of one invitation yield exactly one success.
func (l *Ledger) ClaimDeviceInvitation(ctx context.Context, org devid.OrganizationID, id devid.DeviceID, encryptedClaim []byte) (*devid.DeviceInvitation, error) {
	return l.settleDevice(ctx, "ClaimDeviceInvitation", org, id, devid.InvitationClaimed, encryptedClaim)
}

// CancelDeviceInvitation withdraws a pending invitation.
func (l *Ledger) CancelDeviceInvitation(ctx context.Context, org devid.OrganizationID, id devid.DeviceID) (*devid.DeviceInvitation, error) {
	return l.settleDevice(ctx, "CancelDeviceInvitation", org, id, devid.InvitationCancelled, nil)
}

func (l *Ledger) settleDevice(ctx context.Context, op string, org devid.OrganizationID, id devid.DeviceID, to devid.InvitationState, payload []byte) (_ *devid.DeviceInvitation, err error) {
	ctx, span := l.start(ctx, op, org, attribute.String("device_id", string(id)))
	defer end(span, &err)

	var inv *devid.DeviceInvitation
	var tr devid.InvitationTransition
	if err := devid.WithConn(ctx, l.Store, func(c devid.Conn) error {
		tr, err = l.settle(to, payload,
			func() (devid.InvitationState, time.Time, error) {
				var err error
				if inv, err = c.DeviceInvitation(ctx, org, id); err != nil {
					return 0, time.Time{}, err
				}
				return inv.State, inv.CreatedOn, nil
			},
			func(tr devid.InvitationTransition) error {
				return c.TransitionDeviceInvitation(ctx, org, id, tr)
			},
		)
		return err
	}); err != nil {
		return nil, err
	}

	inv.State = tr.To
	if tr.To == devid.InvitationClaimed {
		inv.ClaimedOn, inv.EncryptedClaim = tr.At, tr.Payload
	}
	l.logTransition(op, org, "device_id", id, tr)
	l.Events.Publish(ctx, devid.Event{
		Type:           eventType(tr.To),
		Timestamp:      tr.At,
		OrganizationID: org,
		UserID:         id.UserID(),
		DeviceID:       id,
		Certifier:      inv.CreatorDeviceID,
	})
	return inv, nil
}
