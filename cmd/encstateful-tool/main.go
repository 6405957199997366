// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/jessevdk/go-flags"

	"github.com/snapcore/encstateful"
	"github.com/snapcore/encstateful/internal/paths"
)

type options struct {
	SafeMode       bool   `long:"safe-mode" description:"Refuse to fall back to an insecure system key when the TPM is unavailable"`
	NoDiskFallback bool   `long:"no-disk-fallback" description:"Never store the encryption key in the weakly protected on-disk fallback file"`
	NoMetrics      bool   `long:"no-metrics" description:"Do not record status samples to the metrics events file"`
	StatefulMount  string `long:"stateful-mount" description:"Mount point of the encrypted stateful partition" default:"/mnt/stateful_partition/encrypted"`

	Positional struct {
		Verb string   `positional-arg-name:"verb" description:"One of mount (default), umount, info, set, export"`
		Args []string `positional-arg-name:"args"`
	} `positional-args:"true"`
}

var opts options

func run() error {
	if _, err := flags.Parse(&opts); err != nil {
		return err
	}

	var reporter encstateful.StatusReporter
	if opts.NoMetrics {
		reporter = encstateful.DiscardReporter()
	} else {
		reporter = encstateful.NewFileReporter()
	}
	setup := encstateful.NewSetup(reporter, !opts.NoDiskFallback)

	verb := opts.Positional.Verb
	if verb == "" {
		verb = "mount"
	}

	switch verb {
	case "mount":
		result, err := setup.Load(opts.SafeMode)
		if err != nil {
			return err
		}
		log.WithField("system_key", result.SystemKeyStatus.String()).
			WithField("encryption_key", result.EncryptionKeyStatus.String()).
			Info("encryption key ready")
		// The caller feeds this to the device mapper.
		fmt.Println(hex.EncodeToString(result.Key))
		for i := range result.Key {
			result.Key[i] = 0
		}
		return nil
	case "umount":
		return setup.Umount(opts.StatefulMount)
	case "info":
		return setup.ReportInfo(os.Stdout)
	case "set":
		if len(opts.Positional.Args) != 1 {
			return fmt.Errorf("set requires exactly one key material file argument")
		}
		return setup.Set(opts.Positional.Args[0])
	case "export":
		if err := setup.Export(); err != nil {
			return err
		}
		fmt.Printf("lockbox exported to %s\n", paths.LockboxExportFile())
		return nil
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

func main() {
	if err := run(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
