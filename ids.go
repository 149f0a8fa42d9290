// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package devid

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// Identifiers are 1-32 letters, digits, underscores, or dashes. Device IDs
// join a user ID and a device name with '@'.
var idPattern = regexp.MustCompile(`^[\p{L}\p{N}_-]{1,32}$`)

const deviceIDSeparator = "@"

// OrganizationID identifies a tenant. All users, devices, and invitations are
// scoped to exactly one organization.
type OrganizationID string

// ParseOrganizationID validates s as an organization ID.
func ParseOrganizationID(s string) (OrganizationID, error) {
	if !idPattern.MatchString(s) {
		return "", fmt.Errorf("%w: invalid organization ID %q", ErrValidation, s)
	}
	return OrganizationID(s), nil
}

func (id OrganizationID) String() string { return string(id) }

// UserID identifies a user within an organization.
type UserID string

// ParseUserID validates s as a user ID.
func ParseUserID(s string) (UserID, error) {
	if !idPattern.MatchString(s) {
		return "", fmt.Errorf("%w: invalid user ID %q", ErrValidation, s)
	}
	return UserID(s), nil
}

func (id UserID) String() string { return string(id) }

// DeviceName labels one of a user's devices.
type DeviceName string

// ParseDeviceName validates s as a device name.
func ParseDeviceName(s string) (DeviceName, error) {
	if !idPattern.MatchString(s) {
		return "", fmt.Errorf("%w: invalid device name %q", ErrValidation, s)
	}
	return DeviceName(s), nil
}

// DeviceID is the composite user@name identifier of a device. The zero value
// means "no device", which is how a root entity expresses the absence of a
// certifier.
type DeviceID string

// NewDeviceID joins a user ID and device name.
func NewDeviceID(user UserID, name DeviceName) DeviceID {
	return DeviceID(string(user) + deviceIDSeparator + string(name))
}

// ParseDeviceID validates s as a user@name device ID.
func ParseDeviceID(s string) (DeviceID, error) {
	user, name, ok := strings.Cut(s, deviceIDSeparator)
	if !ok || !idPattern.MatchString(user) || !idPattern.MatchString(name) {
		return "", fmt.Errorf("%w: invalid device ID %q", ErrValidation, s)
	}
	return DeviceID(s), nil
}

// UserID returns the owning user of the device.
func (id DeviceID) UserID() UserID {
	user, _, _ := strings.Cut(string(id), deviceIDSeparator)
	return UserID(user)
}

// DeviceName returns the label part of the device ID.
func (id DeviceID) DeviceName() DeviceName {
	_, name, _ := strings.Cut(string(id), deviceIDSeparator)
	return DeviceName(name)
}

// IsZero reports whether the ID is unset.
func (id DeviceID) IsZero() bool { return id == "" }

func (id DeviceID) String() string { return string(id) }

// FoldQuery returns the case-folded form of s. Stores index user IDs in
// folded form and compare them against folded search queries so that user
// search is case-insensitive for all scripts, not just ASCII.
func FoldQuery(s string) string { return cases.Fold().String(s) }
