// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package devid manages the cryptographic identity of users and their devices
// in a multi-tenant organization.
//
// This domain package holds the identifiers ([OrganizationID], [UserID],
// [DeviceID]), the public records ([User], [Device]), the invitation state
// machine ([InvitationState]), the error taxonomy, and the persistence
// contract ([Store] and [Conn]).
//
// Services are located in subpackages. [directory.Directory] registers users
// and devices, resolves certifier trust chains, searches users, and records
// revocations. [enrollment.Ledger] runs the invitation lifecycle used to
// enroll new users and devices.
//
// Persistence is pluggable. A mutex-guarded in-memory store is used for
// tests and [sqlite.DB] stores the directory in a SQLite database running
// inside a WASM runtime in the same process, optionally encrypted at rest.
//
// A device's own secrets never touch the directory. [vault] seals them to a
// local file under a [seal.Backend]: [password.Backend] derives a key from a
// passphrase and [tpm.Backend] wraps the key in a TPM 2.0 sealed object. The
// backend of an existing file is detected from its header alone.
//
// [directory.Directory]: https://pkg.go.dev/github.com/fido-device-onboard/go-devid/directory#Directory
// [enrollment.Ledger]: https://pkg.go.dev/github.com/fido-device-onboard/go-devid/enrollment#Ledger
// [sqlite.DB]: https://pkg.go.dev/github.com/fido-device-onboard/go-devid/sqlite#DB
// [vault]: https://pkg.go.dev/github.com/fido-device-onboard/go-devid/vault
// [seal.Backend]: https://pkg.go.dev/github.com/fido-device-onboard/go-devid/seal#Backend
// [password.Backend]: https://pkg.go.dev/github.com/fido-device-onboard/go-devid/password#Backend
// [tpm.Backend]: https://pkg.go.dev/github.com/fido-device-onboard/go-devid/tpm#Backend
package devid
