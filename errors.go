// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package devid

import (
	"errors"
	"fmt"
)

// ErrNotFound is used when a user, device, invitation, or credential file
// does not exist.
var ErrNotFound = errors.New("not found")

// More specific not found errors. All of them match ErrNotFound with
// errors.Is.
var (
	ErrUserNotFound       = fmt.Errorf("user %w", ErrNotFound)
	ErrDeviceNotFound     = fmt.Errorf("device %w", ErrNotFound)
	ErrInvitationNotFound = fmt.Errorf("invitation %w", ErrNotFound)
	ErrCertifierNotFound  = fmt.Errorf("certifier %w", ErrNotFound)
)

// ErrAlreadyExists is used when an identifier or a pending invitation
// collides with an existing one.
var ErrAlreadyExists = errors.New("already exists")

// ErrCrypto is used when sealing or unsealing fails.
var ErrCrypto = errors.New("crypto error")

// ErrUnknownCipher is used when no cipher backend recognizes a ciphertext.
var ErrUnknownCipher = fmt.Errorf("%w: unknown cipher", ErrCrypto)

// ErrValidation is used when well-formed data violates its schema.
var ErrValidation = errors.New("validation error")

// ErrPacking is used when a byte container cannot be decoded at all.
var ErrPacking = errors.New("packing error")

// ErrTrustChainBroken is used when the certifier graph has a dangling
// reference or a cycle. It indicates a data integrity fault and must not be
// retried.
var ErrTrustChainBroken = errors.New("trust chain broken")

// ErrAlreadyRevoked is used when revoking a device that is already revoked.
var ErrAlreadyRevoked = errors.New("device already revoked")

// ErrAlreadyClaimed is used when claiming an invitation a second time.
var ErrAlreadyClaimed = errors.New("invitation already claimed")

// ErrInvalidState is used for an illegal invitation state transition.
var ErrInvalidState = errors.New("invalid invitation state")

// ErrInvalidArgument is used for out of range arguments, such as pagination.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrIO is used for filesystem and storage faults. The underlying cause is
// always wrapped as well.
var ErrIO = errors.New("i/o error")

// ErrConflict is returned by a Conn when a compare-and-set transition loses
// to a concurrent writer. Callers re-read the record to report the winner's
// outcome.
var ErrConflict = errors.New("concurrent modification")
