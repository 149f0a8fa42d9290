// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"text/tabwriter"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/password"
	"github.com/fido-device-onboard/go-devid/seal"
	"github.com/fido-device-onboard/go-devid/tpm"
	"github.com/fido-device-onboard/go-devid/vault"
)

var keysFlags = flag.NewFlagSet("keys", flag.ContinueOnError)

var (
	orgID      string
	deviceID   string
	passphrase string
	useTPM     bool
	tpmKeyID   uint
	tpmPIN     string
	force      bool
)

// Registers the flags that select and unlock a sealed key file.
func sealFlags(fs *flag.FlagSet) {
	fs.StringVar(&passphrase, "password", "", "Seal or unseal with a `password`")
	fs.BoolVar(&useTPM, "use-tpm", false, "Seal with the TPM instead of a password")
	fs.UintVar(&tpmKeyID, "tpm-key", 0, "TPM storage key `id`")
	fs.StringVar(&tpmPIN, "pin", "", "TPM sealed object `pin`")
}

func init() {
	keysFlags.StringVar(&orgID, "org", "", "Organization `id`")
	keysFlags.StringVar(&deviceID, "device", "", "Device `id` (user@device)")
	keysFlags.BoolVar(&force, "force", false, "Overwrite an existing key file")
	sealFlags(keysFlags)
}

func keys(_ context.Context, args []string) error {
	action, err := parseAction(keysFlags, args)
	if err != nil {
		return err
	}

	if action == "list" {
		return keysList()
	}

	org, device, err := parseSlug()
	if err != nil {
		return err
	}
	switch action {
	case "new":
		b, err := vault.NewBundle(org, device)
		if err != nil {
			return err
		}
		if err := saveBundle(b); err != nil {
			return err
		}
		fmt.Printf("%s\nverify key: %x\n", vault.Locate(cfg.ConfigDir, org, device), b.VerifyKey())
		return nil

	case "cipher":
		kind, err := vault.CipherKind(cfg.ConfigDir, org, device)
		if err != nil {
			return err
		}
		fmt.Println(kind)
		return nil

	case "show":
		b, err := loadBundle(org, device)
		if err != nil {
			return err
		}
		pub, err := b.PublicKey()
		if err != nil {
			return err
		}
		fmt.Printf("organization: %s\ndevice:       %s\nverify key:   %x\npublic key:   %x\nmanifest:     %s\n",
			b.OrganizationID, b.DeviceID, b.VerifyKey(), pub, b.UserManifest.ID)
		return nil

	case "remove":
		return vault.Remove(cfg.ConfigDir, org, device)

	default:
		return fmt.Errorf("%w: unknown keys action %q", errUsage, action)
	}
}

func keysList() error {
	available, err := vault.List(cfg.ConfigDir)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ORGANIZATION\tDEVICE\tCIPHER")
	for _, a := range available {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", a.OrganizationID, a.DeviceID, a.Cipher)
	}
	return w.Flush()
}

func parseSlug() (devid.OrganizationID, devid.DeviceID, error) {
	org, err := devid.ParseOrganizationID(orgID)
	if err != nil {
		return "", "", fmt.Errorf("%w: -org: %w", errUsage, err)
	}
	device, err := devid.ParseDeviceID(deviceID)
	if err != nil {
		return "", "", fmt.Errorf("%w: -device: %w", errUsage, err)
	}
	return org, device, nil
}

// Returns the backend selected by flags for sealing a new key file.
func sealer() (seal.Backend, func() error, error) {
	if useTPM {
		return tpmBackend()
	}
	if passphrase == "" {
		return nil, nil, fmt.Errorf("%w: -password or -use-tpm is required", errUsage)
	}
	return password.New(passphrase), func() error { return nil }, nil
}

// Returns the backend able to unseal an existing key file.
func unsealer(org devid.OrganizationID, device devid.DeviceID) (seal.Backend, func() error, error) {
	kind, err := vault.CipherKind(cfg.ConfigDir, org, device)
	if err != nil {
		return nil, nil, err
	}
	switch kind {
	case tpm.Name:
		return tpmBackend()
	case password.Name:
		if passphrase == "" {
			return nil, nil, fmt.Errorf("%w: key file is password sealed, -password is required", errUsage)
		}
		return password.New(passphrase), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", devid.ErrUnknownCipher, kind)
	}
}

func tpmBackend() (seal.Backend, func() error, error) {
	if uint64(tpmKeyID) > math.MaxUint32 {
		return nil, nil, fmt.Errorf("%w: -tpm-key %d is out of range", errUsage, tpmKeyID)
	}
	t, err := tpmOpen(cfg.TPM)
	if err != nil {
		return nil, nil, err
	}
	return tpm.NewBackend(t, uint32(tpmKeyID), tpmPIN), t.Close, nil
}

func saveBundle(b *vault.Bundle) error {
	backend, closeBackend, err := sealer()
	if err != nil {
		return err
	}
	defer func() { _ = closeBackend() }()
	return vault.Save(cfg.ConfigDir, b, backend, force)
}

func loadBundle(org devid.OrganizationID, device devid.DeviceID) (*vault.Bundle, error) {
	backend, closeBackend, err := unsealer(org, device)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeBackend() }()
	return vault.Load(cfg.ConfigDir, org, device, backend)
}
