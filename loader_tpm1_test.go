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

package encstateful_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"
	"golang.org/x/xerrors"

	"github.com/snapcore/encstateful"
	"github.com/snapcore/encstateful/internal/paths"
	"github.com/snapcore/encstateful/internal/testutil"
	"github.com/snapcore/encstateful/tpm"
)

type loaderTpm1Suite struct {
	testutil.TPMTestBase

	conn   *tpm.Connection
	loader encstateful.SystemKeyLoader
}

var _ = Suite(&loaderTpm1Suite{})

func (s *loaderTpm1Suite) SetUpTest(c *C) {
	s.TPMTestBase.SetUpTest(c)
	s.reopen()
}

func (s *loaderTpm1Suite) reopen() {
	s.conn = tpm.NewConnection(s.Device)
	s.loader = encstateful.NewSystemKeyLoader(s.conn)
}

// defineEncstateful puts a correctly defined space with the supplied
// record into the fake TPM, the way a previous boot would have left it.
func (s *loaderTpm1Suite) defineEncstateful(c *C, record []byte) {
	s.Device.Owned = true
	c.Assert(s.Device.NVDefine(tpm.Tpm1EncstatefulIndex, tpm.Tpm1EncstatefulSize, tpm.Tpm1EncstatefulAttrs, []int{tpm.BootModePCR}), IsNil)
	if record != nil {
		c.Assert(s.Device.NVWrite(tpm.Tpm1EncstatefulIndex, record), IsNil)
		c.Assert(s.conn.SetSystemKeyInitializedFlag(), IsNil)
	}
}

func (s *loaderTpm1Suite) defineLockbox(c *C, contents []byte) {
	s.Device.Owned = true
	c.Assert(s.Device.NVDefine(tpm.Tpm1LockboxIndex, uint16(len(contents)), 0, nil), IsNil)
	c.Assert(s.Device.NVWrite(tpm.Tpm1LockboxIndex, contents), IsNil)
}

func (s *loaderTpm1Suite) TestLoadNoSpace(c *C) {
	_, err := s.loader.Load()
	c.Check(err, Equals, encstateful.ErrNoSystemKey)
}

func (s *loaderTpm1Suite) TestPersistTakesOwnershipAndLoadsBack(c *C) {
	c.Check(s.Device.Owned, Equals, false)

	key, err := s.loader.Initialize(bytes.Repeat([]byte{0x44}, 32))
	c.Assert(err, IsNil)
	c.Assert(s.loader.Persist(), IsNil)

	c.Check(s.Device.Owned, Equals, true)
	space := s.Device.Spaces[tpm.Tpm1EncstatefulIndex]
	c.Assert(space, NotNil)
	c.Check(space.Attrs, Equals, tpm.Tpm1EncstatefulAttrs)
	c.Check(space.BoundPcrs, DeepEquals, []int{tpm.BootModePCR})

	set, err := s.conn.HasSystemKeyInitializedFlag()
	c.Assert(err, IsNil)
	c.Check(set, Equals, true)

	s.reopen()
	loaded, err := s.loader.Load()
	c.Assert(err, IsNil)
	c.Check([]byte(loaded), DeepEquals, []byte(key))
	c.Check(s.loader.UsingLockboxKey(), Equals, false)
}

func (s *loaderTpm1Suite) TestSetupTpmOwnershipFailureIsFatal(c *C) {
	s.Device.OwnershipErr = errors.New("no dice")

	err := s.loader.SetupTpm()
	c.Check(xerrors.Is(err, encstateful.ErrOwnershipFailed), Equals, true)
}

func (s *loaderTpm1Suite) TestSetupTpmRefusesWithFinalizedMarker(c *C) {
	s.Device.Owned = true
	marker := paths.TpmOwnedFile()
	c.Assert(os.MkdirAll(filepath.Dir(marker), 0755), IsNil)
	c.Assert(os.WriteFile(marker, nil, 0644), IsNil)

	c.Check(s.loader.SetupTpm(), Equals, encstateful.ErrSpaceAlreadyFinalized)
}

func (s *loaderTpm1Suite) TestLoadBlockedByMissingInitFlag(c *C) {
	material := bytes.Repeat([]byte{0x44}, 32)
	_, err := s.loader.Initialize(material)
	c.Assert(err, IsNil)
	c.Assert(s.loader.Persist(), IsNil)

	// hardware clear: ownership and the init flag are gone, the space
	// contents are structurally intact
	s.Device.Clear()
	s.reopen()

	_, err = s.loader.Load()
	c.Check(err, Equals, encstateful.ErrNoSystemKey)
}

func (s *loaderTpm1Suite) TestLoadAfterClearFallsBackToLockbox(c *C) {
	lockboxContents := bytes.Repeat([]byte{0x55}, 0x45)
	s.defineLockbox(c, lockboxContents)

	_, err := s.loader.Initialize(bytes.Repeat([]byte{0x44}, 32))
	c.Assert(err, IsNil)
	c.Assert(s.loader.Persist(), IsNil)

	s.Device.Clear()
	s.Device.Owned = true // re-owned after the clear
	s.reopen()

	key, err := s.loader.Load()
	c.Assert(err, IsNil)
	c.Check(s.loader.UsingLockboxKey(), Equals, true)

	salt := lockboxContents[0x5 : 0x5+0x27]
	sum := sha256.Sum256(salt)
	c.Check([]byte(key), DeepEquals, []byte(encstateful.DeriveSystemKey(sum[:])))
}

func (s *loaderTpm1Suite) TestLockboxWholeBlobVariant(c *C) {
	lockboxContents := bytes.Repeat([]byte{0x55}, 0x2c)
	s.defineLockbox(c, lockboxContents)
	s.reopen()

	key, err := s.loader.Load()
	c.Assert(err, IsNil)
	c.Check(s.loader.UsingLockboxKey(), Equals, true)

	sum := sha256.Sum256(lockboxContents)
	c.Check([]byte(key), DeepEquals, []byte(encstateful.DeriveSystemKey(sum[:])))
}

func (s *loaderTpm1Suite) TestLockboxFallbackRequiresOwnership(c *C) {
	s.defineLockbox(c, bytes.Repeat([]byte{0x55}, 0x2c))
	s.Device.Owned = false
	s.reopen()

	_, err := s.loader.Load()
	c.Check(err, Equals, encstateful.ErrNoSystemKey)
}

func (s *loaderTpm1Suite) TestLockboxUnsupportedSizeRejected(c *C) {
	s.defineLockbox(c, bytes.Repeat([]byte{0x55}, 0x10))
	s.reopen()

	_, err := s.loader.Load()
	c.Check(err, Equals, encstateful.ErrNoSystemKey)
}

func (s *loaderTpm1Suite) TestPersistClearsUsingLockboxKey(c *C) {
	s.defineLockbox(c, bytes.Repeat([]byte{0x55}, 0x2c))
	s.reopen()

	_, err := s.loader.Load()
	c.Assert(err, IsNil)
	c.Check(s.loader.UsingLockboxKey(), Equals, true)

	_, err = s.loader.Initialize(bytes.Repeat([]byte{0x44}, 32))
	c.Assert(err, IsNil)
	c.Assert(s.loader.Persist(), IsNil)
	c.Check(s.loader.UsingLockboxKey(), Equals, false)
}

func (s *loaderTpm1Suite) TestPcrChangeInvalidatesSpace(c *C) {
	_, err := s.loader.Initialize(bytes.Repeat([]byte{0x44}, 32))
	c.Assert(err, IsNil)
	c.Assert(s.loader.Persist(), IsNil)

	// a different boot mode changes PCR 0
	s.Device.ExtendPCR(tpm.BootModePCR, []byte("developer mode"))
	s.reopen()

	_, err = s.loader.Load()
	c.Check(err, Equals, encstateful.ErrNoSystemKey)

	// redefining under the new PCR value works since there is no
	// finalized marker
	c.Assert(s.loader.SetupTpm(), IsNil)
	bound, err := s.conn.EncstatefulSpace().CheckPcrBinding([]int{tpm.BootModePCR})
	c.Assert(err, IsNil)
	c.Check(bound, Equals, true)
}

func (s *loaderTpm1Suite) TestGenerateForPreservationIneligible(c *C) {
	_, _, err := s.loader.GenerateForPreservation()
	c.Check(err, Equals, encstateful.ErrPreservationIneligible)
}

func (s *loaderTpm1Suite) TestGenerateForPreservationAnticipatingClear(c *C) {
	material := bytes.Repeat([]byte{0x44}, 32)
	record := encstateful.EncodeRecord(encstateful.FlagAnticipatingTpmClear, material, nil, false)
	s.defineEncstateful(c, record)
	s.defineLockbox(c, bytes.Repeat([]byte{0x55}, 0x45))
	s.reopen()

	previous, fresh, err := s.loader.GenerateForPreservation()
	c.Assert(err, IsNil)
	c.Check([]byte(previous), DeepEquals, []byte(encstateful.DeriveSystemKey(material)))
	c.Check([]byte(fresh), Not(DeepEquals), []byte(previous))

	// the new record lands in NVRAM on Persist, with a MAC over the
	// lockbox contents
	c.Assert(s.loader.Persist(), IsNil)
	space := s.Device.Spaces[tpm.Tpm1EncstatefulIndex]

	expectedMac := hmac.New(sha256.New, fresh.DeriveKey(encstateful.LockboxMacLabel))
	expectedMac.Write(s.Device.Spaces[tpm.Tpm1LockboxIndex].Contents)
	c.Check(space.Contents[40:72], DeepEquals, expectedMac.Sum(nil))
}

func (s *loaderTpm1Suite) TestGenerateForPreservationFirmwareUpdate(c *C) {
	// no anticipating flag: eligibility needs the request marker plus a
	// locator-confirmed update image
	material := bytes.Repeat([]byte{0x44}, 32)
	s.defineEncstateful(c, encstateful.EncodeRecord(0, material, nil, false))
	s.reopen()

	marker := paths.FirmwareUpdateRequestFile()
	c.Assert(os.MkdirAll(filepath.Dir(marker), 0755), IsNil)
	c.Assert(os.WriteFile(marker, nil, 0644), IsNil)

	paths.FirmwareUpdateDir = c.MkDir()
	image := filepath.Join(paths.FirmwareUpdateDir, "update.bin")
	c.Assert(os.WriteFile(image, []byte("firmware"), 0644), IsNil)

	locator := filepath.Join(c.MkDir(), "locate")
	script := fmt.Sprintf("#!/bin/sh\necho %s\n", image)
	c.Assert(os.WriteFile(locator, []byte(script), 0755), IsNil)
	paths.FirmwareUpdateLocator = locator

	previous, fresh, err := s.loader.GenerateForPreservation()
	c.Assert(err, IsNil)
	c.Check([]byte(previous), DeepEquals, []byte(encstateful.DeriveSystemKey(material)))
	c.Check(fresh, NotNil)

	// the update has not been applied yet, so the new record keeps the
	// anticipating flag for the next boot
	c.Assert(s.loader.Persist(), IsNil)
	contents := s.Device.Spaces[tpm.Tpm1EncstatefulIndex].Contents
	c.Check(contents[5]&0x02, Equals, byte(0x02))
}

func (s *loaderTpm1Suite) TestGenerateForPreservationLocatorRejectsForeignPath(c *C) {
	s.defineEncstateful(c, encstateful.EncodeRecord(0, bytes.Repeat([]byte{0x44}, 32), nil, false))
	s.reopen()

	marker := paths.FirmwareUpdateRequestFile()
	c.Assert(os.MkdirAll(filepath.Dir(marker), 0755), IsNil)
	c.Assert(os.WriteFile(marker, nil, 0644), IsNil)

	paths.FirmwareUpdateDir = c.MkDir()
	outside := filepath.Join(c.MkDir(), "update.bin")
	c.Assert(os.WriteFile(outside, []byte("firmware"), 0644), IsNil)

	locator := filepath.Join(c.MkDir(), "locate")
	c.Assert(os.WriteFile(locator, []byte(fmt.Sprintf("#!/bin/sh\necho %s\n", outside)), 0755), IsNil)
	paths.FirmwareUpdateLocator = locator

	_, _, err := s.loader.GenerateForPreservation()
	c.Check(err, Equals, encstateful.ErrPreservationIneligible)
}

func (s *loaderTpm1Suite) preservedLockboxState(c *C) (lockboxContents []byte) {
	lockboxContents = bytes.Repeat([]byte{0x55}, 0x45)
	s.defineLockbox(c, lockboxContents)

	material := bytes.Repeat([]byte{0x44}, 32)
	systemKey := encstateful.DeriveSystemKey(material)
	mac := hmac.New(sha256.New, systemKey.DeriveKey(encstateful.LockboxMacLabel))
	mac.Write(lockboxContents)

	record := encstateful.EncodeRecord(encstateful.FlagLockboxMacValid, material, mac.Sum(nil), false)
	s.defineEncstateful(c, record)
	s.reopen()
	return lockboxContents
}

func (s *loaderTpm1Suite) TestCheckLockboxMacValid(c *C) {
	s.preservedLockboxState(c)

	valid, err := s.loader.CheckLockbox()
	c.Assert(err, IsNil)
	c.Check(valid, Equals, true)
}

func (s *loaderTpm1Suite) TestCheckLockboxDetectsTampering(c *C) {
	s.preservedLockboxState(c)

	// a single flipped byte must be detected
	s.Device.Spaces[tpm.Tpm1LockboxIndex].Contents[7] ^= 0x01
	s.reopen()

	valid, err := s.loader.CheckLockbox()
	c.Check(valid, Equals, false)
	c.Check(err, Equals, encstateful.ErrLockboxTampered)
}

func (s *loaderTpm1Suite) TestCheckLockboxFallsBackToMarker(c *C) {
	s.Device.Owned = true

	valid, err := s.loader.CheckLockbox()
	c.Assert(err, IsNil)
	c.Check(valid, Equals, false)

	marker := paths.TpmOwnedFile()
	c.Assert(os.MkdirAll(filepath.Dir(marker), 0755), IsNil)
	c.Assert(os.WriteFile(marker, nil, 0644), IsNil)

	valid, err = s.loader.CheckLockbox()
	c.Assert(err, IsNil)
	c.Check(valid, Equals, true)
}

func (s *loaderTpm1Suite) TestCheckLockboxPrunesStaleOwnershipFiles(c *C) {
	marker := paths.TpmOwnedFile()
	c.Assert(os.MkdirAll(filepath.Dir(marker), 0755), IsNil)
	c.Assert(os.WriteFile(marker, nil, 0644), IsNil)
	status := paths.TpmStatusFile()
	c.Assert(os.WriteFile(status, []byte("blob"), 0644), IsNil)

	// TPM is unowned: the bookkeeping is stale
	valid, err := s.loader.CheckLockbox()
	c.Assert(err, IsNil)
	c.Check(valid, Equals, false)

	_, err = os.Stat(marker)
	c.Check(os.IsNotExist(err), Equals, true)
	_, err = os.Stat(status)
	c.Check(os.IsNotExist(err), Equals, true)
}

func (s *loaderTpm1Suite) TestOwnershipMarkerMigration(c *C) {
	legacy := paths.LegacyTpmOwnedFile()
	c.Assert(os.MkdirAll(filepath.Dir(legacy), 0755), IsNil)
	c.Assert(os.WriteFile(legacy, nil, 0644), IsNil)

	c.Check(encstateful.HasOwnershipMark(), Equals, true)

	_, err := os.Stat(paths.TpmOwnedFile())
	c.Check(err, IsNil)
	_, err = os.Stat(legacy)
	c.Check(os.IsNotExist(err), Equals, true)
}
