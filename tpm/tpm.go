// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package tpm implements a credential cipher backend that wraps the data key
// of each sealed file in a TPM 2.0 sealed data object.
package tpm

import (
	"fmt"
	"regexp"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
	"github.com/sirupsen/logrus"
)

// TPM is a TPM 2.0 command transport.
type TPM = transport.TPM

// Closer is a TPM transport which must be closed after use.
type Closer = transport.TPMCloser

// DevNodeKind distinguishes TPM character devices which are managed by the
// kernel resource manager from those which are not.
type DevNodeKind uint8

// Device node kinds
const (
	DevNodeUnmanaged DevNodeKind = iota
	DevNodeManaged
)

// PathPrefix returns the device path without its trailing index.
func (kind DevNodeKind) PathPrefix() string {
	if kind == DevNodeManaged {
		return "/dev/tpmrm"
	}
	return "/dev/tpm"
}

var devNodeIndex = regexp.MustCompile(`^[0-9]+$`)

// IsDevNode reports whether path is a TPM device node of the given kind.
func IsDevNode(path string, kind DevNodeKind) bool {
	prefix := kind.PathPrefix()
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return false
	}
	return devNodeIndex.MatchString(path[len(prefix):])
}

// Open opens a TPM device at the given path.
//
// Clients should use /dev/tpmrmN because using /dev/tpmN requires more
// extensive resource management that the kernel already handles for us
// when using the kernel resource manager.
func Open(path string) (Closer, error) {
	switch {
	case IsDevNode(path, DevNodeManaged):
		return linuxtpm.Open(path)
	case IsDevNode(path, DevNodeUnmanaged):
		logrus.WithField("path", path).Warn("direct use of the TPM can lead to resource exhaustion, use a TPM resource manager instead")
		return linuxtpm.Open(path)
	default:
		return nil, fmt.Errorf("unsupported TPM device path: %s", path)
	}
}
