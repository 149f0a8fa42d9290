// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package vault stores sealed device credential bundles on the local
// filesystem.
//
// Each device gets its own directory under a configuration root, named by a
// slug joining the organization and device IDs with '#':
//
//	<root>/<org>#<device>/<org>#<device>.keys
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fido-device-onboard/go-devid"
	"github.com/fido-device-onboard/go-devid/seal"
)

const (
	slugSeparator = "#"
	keyFileExt    = ".keys"
)

// Available describes a sealed credential found by List.
type Available struct {
	OrganizationID devid.OrganizationID
	DeviceID       devid.DeviceID
	Cipher         string
}

func slug(org devid.OrganizationID, device devid.DeviceID) string {
	return string(org) + slugSeparator + string(device)
}

func unslug(s string) (devid.OrganizationID, devid.DeviceID, error) {
	org, device, ok := strings.Cut(s, slugSeparator)
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not a device slug", devid.ErrValidation, s)
	}
	orgID, err := devid.ParseOrganizationID(org)
	if err != nil {
		return "", "", err
	}
	deviceID, err := devid.ParseDeviceID(device)
	if err != nil {
		return "", "", err
	}
	return orgID, deviceID, nil
}

// Locate returns the path of a device's key file. The file need not exist.
func Locate(root string, org devid.OrganizationID, device devid.DeviceID) string {
	s := slug(org, device)
	return filepath.Join(root, s, s+keyFileExt)
}

// keyPath validates the IDs and returns the device directory and key file.
// The directory is always a direct child of root.
func keyPath(root string, org devid.OrganizationID, device devid.DeviceID) (dir, keyFile string, err error) {
	if _, err := devid.ParseOrganizationID(string(org)); err != nil {
		return "", "", err
	}
	if _, err := devid.ParseDeviceID(string(device)); err != nil {
		return "", "", err
	}
	keyFile = Locate(root, org, device)
	dir = filepath.Dir(keyFile)
	if filepath.Dir(dir) != filepath.Clean(root) {
		return "", "", fmt.Errorf("%w: device directory %q escapes %q", devid.ErrValidation, dir, root)
	}
	return dir, keyFile, nil
}

// List returns every sealed credential under root whose cipher is known. A
// missing root yields an empty list. Entries with malformed names, missing
// or unreadable key files, or unknown ciphers are skipped.
func List(root string) ([]Available, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing %q: %w", devid.ErrIO, root, err)
	}

	var available []Available
	for _, entry := range entries {
		log := logrus.WithField("entry", entry.Name())

		org, device, err := unslug(entry.Name())
		if err != nil {
			log.WithError(err).Debug("skipping malformed device directory")
			continue
		}
		cipher, err := CipherKind(root, org, device)
		if err != nil {
			log.WithError(err).Debug("skipping unusable device credential")
			continue
		}
		available = append(available, Available{
			OrganizationID: org,
			DeviceID:       device,
			Cipher:         cipher,
		})
	}
	return available, nil
}

// CipherKind returns the name of the cipher that sealed a device's key file,
// detected from the file header without any secret.
func CipherKind(root string, org devid.OrganizationID, device devid.DeviceID) (string, error) {
	ciphertext, err := readKeyFile(root, org, device)
	if err != nil {
		return "", err
	}
	tag, err := seal.Detect(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w for %q", err, Locate(root, org, device))
	}
	return tag.String(), nil
}

// Load reads, unseals, and decodes a device's bundle.
func Load(root string, org devid.OrganizationID, device devid.DeviceID, backend seal.Backend) (*Bundle, error) {
	ciphertext, err := readKeyFile(root, org, device)
	if err != nil {
		return nil, err
	}
	raw, err := backend.Unseal(ciphertext)
	if err != nil {
		return nil, err
	}

	var b Bundle
	if err := b.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	if b.OrganizationID != org || b.DeviceID != device {
		return nil, fmt.Errorf("%w: key file %q holds the credentials of %s",
			devid.ErrValidation, Locate(root, org, device), slug(b.OrganizationID, b.DeviceID))
	}
	return &b, nil
}

// Save encodes, seals, and writes a bundle. The key file is published
// atomically: readers see either no file, the old file, or the complete new
// file. Unless force is set, an existing key file is never replaced and
// devid.ErrAlreadyExists is returned.
func Save(root string, b *Bundle, backend seal.Backend, force bool) error {
	dir, keyFile, err := keyPath(root, b.OrganizationID, b.DeviceID)
	if err != nil {
		return err
	}
	if !force {
		// Avoid sealing for an existing key file. The link below still decides.
		if _, err := os.Lstat(keyFile); err == nil {
			return fmt.Errorf("%w: device %s:%s", devid.ErrAlreadyExists, b.OrganizationID, b.DeviceID)
		}
	}

	raw, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	ciphertext, err := backend.Seal(raw)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: creating %q: %w", devid.ErrIO, dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".keys_*")
	if err != nil {
		return fmt.Errorf("%w: creating temp key file: %w", devid.ErrIO, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(ciphertext); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: writing temp key file: %w", devid.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: syncing temp key file: %w", devid.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp key file: %w", devid.ErrIO, err)
	}

	if force {
		if err := os.Rename(tmp.Name(), keyFile); err != nil {
			return fmt.Errorf("%w: renaming temp key file to %q: %w", devid.ErrIO, keyFile, err)
		}
	} else if err := os.Link(tmp.Name(), keyFile); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: device %s:%s", devid.ErrAlreadyExists, b.OrganizationID, b.DeviceID)
		}
		return fmt.Errorf("%w: linking temp key file to %q: %w", devid.ErrIO, keyFile, err)
	}

	logrus.WithFields(logrus.Fields{
		"organization_id": b.OrganizationID,
		"device_id":       b.DeviceID,
		"cipher":          backend.Name(),
	}).Debug("saved device credential")
	return nil
}

// Remove deletes a device's directory and everything in it.
func Remove(root string, org devid.OrganizationID, device devid.DeviceID) error {
	dir, _, err := keyPath(root, org, device)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("device %s:%s: %w", org, device, devid.ErrNotFound)
		}
		return fmt.Errorf("%w: %w", devid.ErrIO, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: removing %q: %w", devid.ErrIO, dir, err)
	}
	return nil
}

func readKeyFile(root string, org devid.OrganizationID, device devid.DeviceID) ([]byte, error) {
	_, keyFile, err := keyPath(root, org, device)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(keyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("key file %q: %w", keyFile, devid.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %w", devid.ErrIO, keyFile, err)
	}
	return data, nil
}
