// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package directorytest

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestingLog creates a writer that forwards to the test log.
func TestingLog(t *testing.T) io.Writer { return (*errorLog)(t) }

type errorLog testing.T

// Write implements io.Writer.
func (t *errorLog) Write(p []byte) (int, error) {
	(*testing.T)(t).Helper()
	t.Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}

// TestingLogger returns a debug level logger that writes to the test log.
func TestingLogger(t *testing.T) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(TestingLog(t))
	log.SetLevel(logrus.DebugLevel)
	return log
}
