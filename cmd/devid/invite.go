// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/enrollment"
)

var inviteFlags = flag.NewFlagSet("invite", flag.ContinueOnError)

var claimPath string

func init() {
	inviteFlags.StringVar(&orgID, "org", "", "Organization `id`")
	inviteFlags.StringVar(&userID, "user", "", "Invited user `id`")
	inviteFlags.StringVar(&deviceID, "device", "", "Invited device `id` (user@device)")
	inviteFlags.StringVar(&certifierID, "by", "", "Creator device `id`")
	inviteFlags.StringVar(&claimPath, "claim", "", "Encrypted claim payload `file`")
}

// invitation is the common view of user and device invitations.
type invitation struct {
	Key       string
	Creator   devid.DeviceID
	CreatedOn time.Time
	ClaimedOn time.Time
	State     devid.InvitationState
}

func (inv invitation) String() string {
	s := fmt.Sprintf("%s %s created %s by %s", inv.Key, inv.State, inv.CreatedOn.Format(time.RFC3339), inv.Creator)
	if !inv.ClaimedOn.IsZero() {
		s += ", claimed " + inv.ClaimedOn.Format(time.RFC3339)
	}
	return s
}

func userInvitation(inv *devid.UserInvitation) invitation {
	return invitation{string(inv.UserID), inv.CreatorDeviceID, inv.CreatedOn, inv.ClaimedOn, inv.State}
}

func deviceInvitation(inv *devid.DeviceInvitation) invitation {
	return invitation{string(inv.DeviceID), inv.CreatorDeviceID, inv.CreatedOn, inv.ClaimedOn, inv.State}
}

func invite(ctx context.Context, args []string) error {
	action, err := parseAction(inviteFlags, args)
	if err != nil {
		return err
	}
	org, err := parseOrg()
	if err != nil {
		return err
	}

	db, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()
	ledger := &enrollment.Ledger{Store: db, TTL: cfg.InvitationTTL, Log: log}

	var result invitation
	switch action {
	case "user", "device":
		result, err = inviteCreate(ctx, ledger, org, action)
	case "show", "claim", "cancel":
		result, err = inviteSettle(ctx, ledger, org, action)
	default:
		return fmt.Errorf("%w: unknown invite action %q", errUsage, action)
	}
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}

func inviteCreate(ctx context.Context, ledger *enrollment.Ledger, org devid.OrganizationID, kind string) (invitation, error) {
	creator, err := devid.ParseDeviceID(certifierID)
	if err != nil {
		return invitation{}, fmt.Errorf("%w: -by: %w", errUsage, err)
	}

	if kind == "user" {
		user, err := devid.ParseUserID(userID)
		if err != nil {
			return invitation{}, fmt.Errorf("%w: -user: %w", errUsage, err)
		}
		inv, err := ledger.CreateUserInvitation(ctx, org, &devid.UserInvitation{UserID: user, CreatorDeviceID: creator})
		if err != nil {
			return invitation{}, err
		}
		return userInvitation(inv), nil
	}

	device, err := devid.ParseDeviceID(deviceID)
	if err != nil {
		return invitation{}, fmt.Errorf("%w: -device: %w", errUsage, err)
	}
	inv, err := ledger.CreateDeviceInvitation(ctx, org, &devid.DeviceInvitation{DeviceID: device, CreatorDeviceID: creator})
	if err != nil {
		return invitation{}, err
	}
	return deviceInvitation(inv), nil
}

// Shows, claims, or cancels the invitation selected by -user or -device.
func inviteSettle(ctx context.Context, ledger *enrollment.Ledger, org devid.OrganizationID, action string) (invitation, error) {
	var claim []byte
	if action == "claim" && claimPath != "" {
		var err error
		if claim, err = os.ReadFile(claimPath); err != nil {
			return invitation{}, fmt.Errorf("error reading claim: %w", err)
		}
	}

	switch {
	case userID != "" && deviceID != "":
		return invitation{}, fmt.Errorf("%w: only one of -user and -device may be set", errUsage)

	case userID != "":
		id, err := devid.ParseUserID(userID)
		if err != nil {
			return invitation{}, fmt.Errorf("%w: -user: %w", errUsage, err)
		}
		var inv *devid.UserInvitation
		switch action {
		case "show":
			inv, err = ledger.GetUserInvitation(ctx, org, id)
		case "claim":
			inv, err = ledger.ClaimUserInvitation(ctx, org, id, claim)
		case "cancel":
			inv, err = ledger.CancelUserInvitation(ctx, org, id)
		}
		if err != nil {
			return invitation{}, err
		}
		return userInvitation(inv), nil

	case deviceID != "":
		id, err := devid.ParseDeviceID(deviceID)
		if err != nil {
			return invitation{}, fmt.Errorf("%w: -device: %w", errUsage, err)
		}
		var inv *devid.DeviceInvitation
		switch action {
		case "show":
			inv, err = ledger.GetDeviceInvitation(ctx, org, id)
		case "claim":
			inv, err = ledger.ClaimDeviceInvitation(ctx, org, id, claim)
		case "cancel":
			inv, err = ledger.CancelDeviceInvitation(ctx, org, id)
		}
		if err != nil {
			return invitation{}, err
		}
		return deviceInvitation(inv), nil

	default:
		return invitation{}, fmt.Errorf("%w: -user or -device is required", errUsage)
	}
}
