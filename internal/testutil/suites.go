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

package testutil

import (
	"github.com/snapcore/snapd/testutil"

	. "gopkg.in/check.v1"

	"github.com/snapcore/encstateful/internal/paths"
)

// PathsTestBase redirects every fixed file system location to per-test
// temporary directories.
type PathsTestBase struct {
	testutil.BaseTest
}

func (b *PathsTestBase) SetUpTest(c *C) {
	b.BaseTest.SetUpTest(c)

	origRoot := paths.RootDir
	origStateful := paths.StatefulDir
	origTmp := paths.TmpDir
	origMetrics := paths.MetricsEventsDir
	origLocator := paths.FirmwareUpdateLocator
	origFirmware := paths.FirmwareUpdateDir

	paths.RootDir = c.MkDir()
	paths.StatefulDir = c.MkDir()
	paths.TmpDir = c.MkDir()
	paths.MetricsEventsDir = c.MkDir()

	b.AddCleanup(func() {
		paths.RootDir = origRoot
		paths.StatefulDir = origStateful
		paths.TmpDir = origTmp
		paths.MetricsEventsDir = origMetrics
		paths.FirmwareUpdateLocator = origLocator
		paths.FirmwareUpdateDir = origFirmware
	})
}

// TPMTestBase is PathsTestBase plus an in-memory TPM device of the
// requested generation.
type TPMTestBase struct {
	PathsTestBase

	// TPM2 selects the device generation for the next SetUpTest.
	TPM2 bool

	Device *Device
}

func (b *TPMTestBase) SetUpTest(c *C) {
	b.PathsTestBase.SetUpTest(c)
	b.Device = NewDevice(b.TPM2)
}
