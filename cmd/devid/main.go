// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package main implements the devid administration tool.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fido-device-onboard/go-devid/internal/config"
)

var flags = flag.NewFlagSet("root", flag.ContinueOnError)

var (
	cfg   config.Config
	debug bool
	log   = logrus.New()
)

// errUsage causes usage to be printed.
var errUsage = errors.New("usage error")

func registerFlags() {
	flags.BoolVar(&debug, "debug", false, "Run subcommand with debug enabled")
	flags.StringVar(&cfg.ConfigDir, "config-dir", cfg.ConfigDir, "Credential vault root `dir`")
	flags.StringVar(&cfg.DB, "db", cfg.DB, "SQLite directory database `path`")
	flags.StringVar(&cfg.DBPassword, "db-pass", cfg.DBPassword, "SQLite database encryption password")
	flags.StringVar(&cfg.TPM, "tpm", cfg.TPM, "TPM device `path` or \"simulator\"")
	flags.Usage = usage
	keysFlags.Usage = func() {}
	usersFlags.Usage = func() {}
	inviteFlags.Usage = func() {}
}

func usage() {
	_, _ = fmt.Fprintf(os.Stderr, `
Usage:
  devid [global_options] [keys|users|invite] action [options]

Actions:
  keys   new | list | cipher | show | remove
  users  create-root | find | show | revoke
  invite user | device | show | claim | cancel

Global options:
%s
Keys options:
%s
Users options:
%s
Invite options:
%s
Environment:
  DEVID_CONFIG_DIR, DEVID_DB, DEVID_DB_PASSWORD, DEVID_POOL_SIZE,
  DEVID_INVITATION_TTL, DEVID_LOG_LEVEL, DEVID_TPM
`, options(flags), options(keysFlags), options(usersFlags), options(inviteFlags))
}

func options(flags *flag.FlagSet) string {
	oldOutput := flags.Output()
	defer flags.SetOutput(oldOutput)

	var buf bytes.Buffer
	flags.SetOutput(&buf)
	flags.PrintDefaults()

	return buf.String()
}

// Splits the action from its options. Options not given take their default
// values.
func parseAction(fs *flag.FlagSet, args []string) (string, error) {
	fs.VisitAll(func(f *flag.Flag) { _ = f.Value.Set(f.DefValue) })
	if len(args) == 0 {
		return "", fmt.Errorf("%w: missing %s action", errUsage, fs.Name())
	}
	if err := fs.Parse(args[1:]); err != nil {
		return "", fmt.Errorf("%w: %w", errUsage, err)
	}
	return args[0], nil
}

func main() {
	var err error
	if cfg, err = config.Load(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	registerFlags()

	if err := flags.Parse(os.Args[1:]); err != nil {
		usage()
		os.Exit(1)
	}
	log.SetLevel(cfg.LogLevel)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}

	sub := flags.Arg(0)
	var args []string
	if flags.NArg() > 1 {
		args = flags.Args()[1:]
		if flags.Arg(1) == "--" {
			args = flags.Args()[2:]
		}
	}

	var run func(context.Context, []string) error
	switch sub {
	case "keys", "k":
		run = keys
	case "users", "u":
		run = users
	case "invite", "i":
		run = invite
	default:
		if sub != "" {
			_, _ = fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		}
		usage()
		os.Exit(1)
	}

	if err := run(context.Background(), args); err != nil {
		if errors.Is(err, errUsage) {
			_, _ = fmt.Fprintln(os.Stderr, err)
			usage()
			os.Exit(1)
		}
		_, _ = fmt.Fprintf(os.Stderr, "%s error: %v\n", sub, err)
		os.Exit(2)
	}
}
