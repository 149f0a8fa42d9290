// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fido-device-onboard/go-devid"
)

// invitationRow is the shape shared by both invitation tables.
type invitationRow struct {
	creator   string
	createdOn sql.NullInt64
	claimedOn sql.NullInt64
	state     devid.InvitationState
	claim     []byte
}

func (r *invitationRow) targets() []any {
	return []any{&r.creator, &r.createdOn, &r.claimedOn, &r.state, &r.claim}
}

var invitationColumns = []string{
	"creator_device_id",
	"created_on",
	"claimed_on",
	"state",
	"encrypted_claim",
}

func (c *conn) createInvitation(ctx context.Context, table, keyColumn, key string, org devid.OrganizationID, row map[string]any, staleBefore time.Time) error {
	ctx = c.db.debugCtx(ctx)
	return c.inTx(ctx, func(tx *sql.Tx) error {
		var old invitationRow
		err := query(ctx, tx, table, invitationColumns, map[string]any{
			"organization_id": string(org),
			keyColumn:         key,
		}, old.targets()...)
		switch {
		case errors.Is(err, devid.ErrNotFound):
		case err != nil:
			return err
		case old.state == devid.InvitationPending &&
			(staleBefore.IsZero() || old.createdOn.Int64 >= staleBefore.UnixMicro()):
			return devid.ErrAlreadyExists
		}

		row["organization_id"] = string(org)
		row[keyColumn] = key
		return insert(ctx, tx, table, row, true)
	})
}

func (c *conn) readInvitation(ctx context.Context, table, keyColumn, key string, org devid.OrganizationID) (*invitationRow, error) {
	var row invitationRow
	if err := query(c.db.debugCtx(ctx), c.conn, table, invitationColumns, map[string]any{
		"organization_id": string(org),
		keyColumn:         key,
	}, row.targets()...); err != nil {
		if errors.Is(err, devid.ErrNotFound) {
			return nil, devid.ErrInvitationNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (c *conn) transitionInvitation(ctx context.Context, table, keyColumn, key string, org devid.OrganizationID, tr devid.InvitationTransition) error {
	ctx = c.db.debugCtx(ctx)
	return c.inTx(ctx, func(tx *sql.Tx) error {
		set := map[string]any{"state": int64(tr.To)}
		if tr.To == devid.InvitationClaimed {
			set["claimed_on"] = micros(tr.At)
			set["encrypted_claim"] = blob(tr.Payload)
		}
		n, err := update(ctx, tx, table, set, map[string]any{
			"organization_id": string(org),
			keyColumn:         key,
			"state":           int64(tr.From),
			"created_on":      micros(tr.CreatedOn),
		})
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		found, err := exists(ctx, tx, table, map[string]any{
			"organization_id": string(org),
			keyColumn:         key,
		})
		if err != nil {
			return err
		}
		if !found {
			return devid.ErrInvitationNotFound
		}
		return devid.ErrConflict
	})
}

func invitationValues(creator devid.DeviceID, createdOn, claimedOn time.Time, state devid.InvitationState, claim []byte) map[string]any {
	return map[string]any{
		"creator_device_id": string(creator),
		"created_on":        micros(createdOn),
		"claimed_on":        micros(claimedOn),
		"state":             int64(state),
		"encrypted_claim":   blob(claim),
	}
}

func (c *conn) CreateUserInvitation(ctx context.Context, org devid.OrganizationID, inv *devid.UserInvitation, staleBefore time.Time) error {
	return c.createInvitation(ctx, "user_invitations", "user_id", string(inv.UserID), org,
		invitationValues(inv.CreatorDeviceID, inv.CreatedOn, inv.ClaimedOn, inv.State, inv.EncryptedClaim),
		staleBefore)
}

func (c *conn) UserInvitation(ctx context.Context, org devid.OrganizationID, id devid.UserID) (*devid.UserInvitation, error) {
	row, err := c.readInvitation(ctx, "user_invitations", "user_id", string(id), org)
	if err != nil {
		return nil, err
	}
	return &devid.UserInvitation{
		UserID:          id,
		CreatorDeviceID: devid.DeviceID(row.creator),
		CreatedOn:       fromMicros(row.createdOn),
		ClaimedOn:       fromMicros(row.claimedOn),
		State:           row.state,
		EncryptedClaim:  row.claim,
	}, nil
}

func (c *conn) TransitionUserInvitation(ctx context.Context, org devid.OrganizationID, id devid.UserID, tr devid.InvitationTransition) error {
	return c.transitionInvitation(ctx, "user_invitations", "user_id", string(id), org, tr)
}

func (c *conn) CreateDeviceInvitation(ctx context.Context, org devid.OrganizationID, inv *devid.DeviceInvitation, staleBefore time.Time) error {
	return c.createInvitation(ctx, "device_invitations", "device_id", string(inv.DeviceID), org,
		invitationValues(inv.CreatorDeviceID, inv.CreatedOn, inv.ClaimedOn, inv.State, inv.EncryptedClaim),
		staleBefore)
}

func (c *conn) DeviceInvitation(ctx context.Context, org devid.OrganizationID, id devid.DeviceID) (*devid.DeviceInvitation, error) {
	row, err := c.readInvitation(ctx, "device_invitations", "device_id", string(id), org)
	if err != nil {
		return nil, err
	}
	return &devid.DeviceInvitation{
		DeviceID:        id,
		CreatorDeviceID: devid.DeviceID(row.creator),
		CreatedOn:       fromMicros(row.createdOn),
		ClaimedOn:       fromMicros(row.claimedOn),
		State:           row.state,
		EncryptedClaim:  row.claim,
	}, nil
}

func (c *conn) TransitionDeviceInvitation(ctx context.Context, org devid.OrganizationID, id devid.DeviceID, tr devid.InvitationTransition) error {
	return c.transitionInvitation(ctx, "device_invitations", "device_id", string(id), org, tr)
}
