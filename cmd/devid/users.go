// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/directory"
	"github.com/fido-device-onboard/go-devid/sqlite"
	"github.com/fido-device-onboard/go-devid/vault"
)

var usersFlags = flag.NewFlagSet("users", flag.ContinueOnError)

var (
	userID          string
	certifierID     string
	query           string
	page, perPage   int
	omitRevoked     bool
	certificatePath string
)

func init() {
	usersFlags.StringVar(&orgID, "org", "", "Organization `id`")
	usersFlags.StringVar(&userID, "user", "", "User `id`")
	usersFlags.StringVar(&deviceID, "device", "", "Device `id` (user@device) or device name for create-root")
	usersFlags.StringVar(&certifierID, "by", "", "Certifying device `id`")
	usersFlags.StringVar(&query, "query", "", "Case-insensitive user id `substring`")
	usersFlags.IntVar(&page, "page", directory.DefaultPage, "Result page, starting at 1")
	usersFlags.IntVar(&perPage, "per-page", directory.DefaultPerPage, "Results per page")
	usersFlags.BoolVar(&omitRevoked, "omit-revoked", false, "Omit users without an active device")
	usersFlags.StringVar(&certificatePath, "certificate", "", "Revocation certificate `file`")
	usersFlags.BoolVar(&force, "force", false, "Overwrite an existing key file")
	sealFlags(usersFlags)
}

// Opens the directory database. The returned func must be called to close it.
func openStore() (*sqlite.DB, func(), error) {
	db, err := sqlite.Open(cfg.DB, cfg.DBPassword, cfg.PoolSize)
	if err != nil {
		return nil, nil, err
	}
	if !debug {
		return db, func() { _ = db.Close() }, nil
	}
	w := log.WriterLevel(logrus.DebugLevel)
	db.DebugLog = w
	return db, func() {
		_ = db.Close()
		_ = w.Close()
	}, nil
}

func parseOrg() (devid.OrganizationID, error) {
	org, err := devid.ParseOrganizationID(orgID)
	if err != nil {
		return "", fmt.Errorf("%w: -org: %w", errUsage, err)
	}
	return org, nil
}

func users(ctx context.Context, args []string) error {
	action, err := parseAction(usersFlags, args)
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
	dir := &directory.Directory{Store: db, Log: log}

	switch action {
	case "create-root":
		return createRoot(ctx, dir, org)
	case "find":
		ids, total, err := dir.Find(ctx, org, directory.FindOptions{
			Query:       query,
			Page:        page,
			PerPage:     perPage,
			OmitRevoked: omitRevoked,
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		fmt.Printf("(%d of %d)\n", len(ids), total)
		return nil
	case "show":
		return showUser(ctx, dir, org)
	case "revoke":
		return revoke(ctx, dir, org)
	default:
		return fmt.Errorf("%w: unknown users action %q", errUsage, action)
	}
}

// Generates and seals the key bundle of the root user's first device, then
// registers the user with its verify key as certificate.
func createRoot(ctx context.Context, dir *directory.Directory, org devid.OrganizationID) error {
	user, err := devid.ParseUserID(userID)
	if err != nil {
		return fmt.Errorf("%w: -user: %w", errUsage, err)
	}
	name, err := devid.ParseDeviceName(deviceID)
	if err != nil {
		return fmt.Errorf("%w: -device: %w", errUsage, err)
	}
	device := devid.NewDeviceID(user, name)

	b, err := vault.NewBundle(org, device)
	if err != nil {
		return err
	}
	if err := saveBundle(b); err != nil {
		return err
	}

	certificate := []byte(b.VerifyKey())
	if err := dir.CreateUser(ctx, org,
		&devid.User{UserID: user, Certificate: certificate},
		&devid.Device{DeviceID: device, Certificate: certificate},
	); err != nil {
		if rmErr := vault.Remove(cfg.ConfigDir, org, device); rmErr != nil {
			return errors.Join(err, rmErr)
		}
		return err
	}
	fmt.Printf("created root user %s with device %s\n", user, device)
	return nil
}

func showUser(ctx context.Context, dir *directory.Directory, org devid.OrganizationID) error {
	id, err := devid.ParseUserID(userID)
	if err != nil {
		return fmt.Errorf("%w: -user: %w", errUsage, err)
	}
	user, devices, chain, err := dir.GetUserWithDevicesAndTrustchain(ctx, org, id)
	if err != nil {
		return err
	}

	certifier := "(root)"
	if !user.Certifier.IsZero() {
		certifier = string(user.Certifier)
	}
	fmt.Printf("user %s created %s by %s\n", user.UserID, user.CreatedOn.Format(time.RFC3339), certifier)
	for _, d := range devices {
		status := "active"
		if d.Revoked() {
			status = fmt.Sprintf("revoked %s by %s", d.RevokedOn.Format(time.RFC3339), d.RevokedCertifier)
		}
		fmt.Printf("  %s (%s)\n", d.DeviceID, status)
	}
	fmt.Println(chain)
	return nil
}

func revoke(ctx context.Context, dir *directory.Directory, org devid.OrganizationID) error {
	device, err := devid.ParseDeviceID(deviceID)
	if err != nil {
		return fmt.Errorf("%w: -device: %w", errUsage, err)
	}
	certifier, err := devid.ParseDeviceID(certifierID)
	if err != nil {
		return fmt.Errorf("%w: -by: %w", errUsage, err)
	}
	var certificate []byte
	if certificatePath != "" {
		if certificate, err = os.ReadFile(certificatePath); err != nil {
			return fmt.Errorf("error reading revocation certificate: %w", err)
		}
	}

	revokedOn, err := dir.RevokeDevice(ctx, org, device, certificate, certifier, time.Time{})
	if err != nil {
		return err
	}
	fmt.Printf("revoked %s at %s\n", device, revokedOn.Format(time.RFC3339Nano))
	return nil
}
