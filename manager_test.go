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
	"errors"
	"os"

	. "gopkg.in/check.v1"

	"github.com/snapcore/encstateful"
	"github.com/snapcore/encstateful/internal/paths"
	"github.com/snapcore/encstateful/internal/testutil"
	"github.com/snapcore/encstateful/tpm"
)

var errTakeOwnership = errors.New("cannot take ownership")

// recordingReporter captures reported statuses for assertions.
type recordingReporter struct {
	systemKey     []encstateful.SystemKeyStatus
	encryptionKey []encstateful.EncryptionKeyStatus
}

func (r *recordingReporter) ReportSystemKeyStatus(s encstateful.SystemKeyStatus) {
	r.systemKey = append(r.systemKey, s)
}

func (r *recordingReporter) ReportEncryptionKeyStatus(s encstateful.EncryptionKeyStatus) {
	r.encryptionKey = append(r.encryptionKey, s)
}

type managerSuite struct {
	testutil.TPMTestBase

	conn     *tpm.Connection
	reporter *recordingReporter
}

var _ = Suite(&managerSuite{TPMTestBase: testutil.TPMTestBase{TPM2: true}})

type managerTpm1Suite struct {
	managerSuite
}

var _ = Suite(&managerTpm1Suite{managerSuite{TPMTestBase: testutil.TPMTestBase{TPM2: false}}})

func (s *managerSuite) SetUpTest(c *C) {
	s.TPMTestBase.SetUpTest(c)
	s.reporter = &recordingReporter{}
	s.reopen()
}

func (s *managerSuite) reopen() {
	s.conn = tpm.NewConnection(s.Device)
}

func (s *managerSuite) newManager(allowDiskFallback bool) *encstateful.EncryptionKeyManager {
	return encstateful.NewEncryptionKeyManager(encstateful.NewSystemKeyLoader(s.conn), s.reporter, allowDiskFallback)
}

func (s *managerSuite) TestFreshBoot(c *C) {
	// fresh TPM, no spaces, no key files: a system key is persisted, a
	// fresh encryption key is generated and finalized to disk
	result, err := s.newManager(false).Run()
	c.Assert(err, IsNil)

	c.Check(result.SystemKeyStatus, Equals, encstateful.SystemKeyNvramEncstateful)
	c.Check(result.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyFresh)
	c.Check(result.Key, HasLen, 32)

	_, err = os.Stat(paths.WrappedKeyFile())
	c.Check(err, IsNil)

	c.Check(s.reporter.systemKey, DeepEquals, []encstateful.SystemKeyStatus{encstateful.SystemKeyNvramEncstateful})
	c.Check(s.reporter.encryptionKey, DeepEquals, []encstateful.EncryptionKeyStatus{encstateful.EncryptionKeyFresh})
}

func (s *managerSuite) TestSecondBootLoadsKeyFile(c *C) {
	result1, err := s.newManager(false).Run()
	c.Assert(err, IsNil)

	s.Device.Reboot()
	s.reopen()

	result2, err := s.newManager(false).Run()
	c.Assert(err, IsNil)
	c.Check(result2.SystemKeyStatus, Equals, encstateful.SystemKeyNvramEncstateful)
	c.Check(result2.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyKeyFile)
	c.Check(result2.Key, DeepEquals, result1.Key)
}

func (s *managerSuite) TestRunLocksSpace(c *C) {
	_, err := s.newManager(false).Run()
	c.Assert(err, IsNil)

	index := tpm.Tpm2EncstatefulIndex
	if !s.Device.TPM2 {
		index = tpm.Tpm1EncstatefulIndex
	}
	space := s.Device.Spaces[index]
	c.Assert(space, NotNil)
	c.Check(space.ReadLocked, Equals, true)
	c.Check(space.WriteLocked, Equals, true)
}

func (s *managerSuite) TestCorruptKeyFilePurgedAndRegenerated(c *C) {
	result1, err := s.newManager(false).Run()
	c.Assert(err, IsNil)

	c.Assert(os.WriteFile(paths.WrappedKeyFile(), bytes.Repeat([]byte{0x5a}, 48), 0600), IsNil)

	s.Device.Reboot()
	s.reopen()

	result2, err := s.newManager(false).Run()
	c.Assert(err, IsNil)
	c.Check(result2.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyFresh)
	c.Check(result2.Key, Not(DeepEquals), result1.Key)

	// the fresh key was finalized over the corrupt file
	recovered, err := encstateful.ReadWrappedKey(paths.WrappedKeyFile(), mustLoadSystemKey(c, s.conn))
	c.Assert(err, IsNil)
	c.Check(recovered, DeepEquals, result2.Key)
}

func mustLoadSystemKey(c *C, conn *tpm.Connection) encstateful.SystemKey {
	key, err := encstateful.NewSystemKeyLoader(conn).Load()
	c.Assert(err, IsNil)
	return key
}

func (s *managerTpm1Suite) TestOwnershipFailureIsFatal(c *C) {
	s.Device.OwnershipErr = errTakeOwnership
	s.reopen()

	_, err := s.newManager(true).Run()
	c.Check(err, Equals, encstateful.ErrOwnershipFailed)
}

// lockEncstatefulSpace leaves a correctly defined but write-locked space,
// so that persisting a fresh system key fails without involving
// ownership.
func (s *managerTpm1Suite) lockEncstatefulSpace(c *C) {
	s.Device.Owned = true
	c.Assert(s.Device.NVDefine(tpm.Tpm1EncstatefulIndex, tpm.Tpm1EncstatefulSize, tpm.Tpm1EncstatefulAttrs, []int{tpm.BootModePCR}), IsNil)
	s.Device.Spaces[tpm.Tpm1EncstatefulIndex].WriteLocked = true
	s.reopen()
}

func (s *managerTpm1Suite) TestPersistFailureDegradesToFinalizationPending(c *C) {
	s.lockEncstatefulSpace(c)

	result, err := s.newManager(true).Run()
	c.Assert(err, IsNil)
	c.Check(result.SystemKeyStatus, Equals, encstateful.SystemKeyFinalizationPending)
	c.Check(result.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyFresh)

	// with disk fallback allowed, the key went to the obfuscated file
	obfuscation := encstateful.ObfuscationKey()
	recovered, err := encstateful.ReadWrappedKey(paths.NeedsFinalizationFile(), obfuscation)
	c.Assert(err, IsNil)
	c.Check(recovered, DeepEquals, result.Key)
}

func (s *managerTpm1Suite) TestFinalizationAfterFallbackBoot(c *C) {
	s.lockEncstatefulSpace(c)

	result1, err := s.newManager(true).Run()
	c.Assert(err, IsNil)
	c.Check(result1.SystemKeyStatus, Equals, encstateful.SystemKeyFinalizationPending)

	// the write lock is gone on the next boot
	s.Device.Reboot()
	s.reopen()

	result2, err := s.newManager(true).Run()
	c.Assert(err, IsNil)
	c.Check(result2.SystemKeyStatus, Equals, encstateful.SystemKeyNvramEncstateful)
	c.Check(result2.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyNeedsFinalization)
	c.Check(result2.Key, DeepEquals, result1.Key)

	// finalized: canonical file written, fallback file erased
	_, err = os.Stat(paths.WrappedKeyFile())
	c.Check(err, IsNil)
	_, err = os.Stat(paths.NeedsFinalizationFile())
	c.Check(os.IsNotExist(err), Equals, true)
}

func (s *managerTpm1Suite) TestPreservationAcrossTpmClear(c *C) {
	// boot 1: normal provisioning
	result1, err := s.newManager(false).Run()
	c.Assert(err, IsNil)
	s.Device.Reboot()

	// an update is staged: mark the record as anticipating a clear
	material := bytes.Repeat([]byte{0x44}, 32)
	record := encstateful.EncodeRecord(encstateful.FlagAnticipatingTpmClear, material, nil, false)
	c.Assert(s.Device.NVWrite(tpm.Tpm1EncstatefulIndex, record), IsNil)
	// and the wrapped key file matches the new record's key
	systemKey := encstateful.DeriveSystemKey(material)
	c.Assert(encstateful.WriteWrappedKey(paths.WrappedKeyFile(), systemKey, result1.Key), IsNil)

	// the update flow requests preservation, then the TPM is cleared
	// and re-owned
	c.Assert(os.WriteFile(paths.PreservationRequestFile(), nil, 0644), IsNil)
	s.Device.Clear()
	s.Device.Owned = true
	s.Device.Reboot()
	s.reopen()

	result2, err := s.newManager(false).Run()
	c.Assert(err, IsNil)
	c.Check(result2.Key, DeepEquals, result1.Key)
	c.Check(result2.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyKeyFile)
	c.Check(result2.SystemKeyStatus, Equals, encstateful.SystemKeyNvramEncstateful)

	// the in-flight files are gone
	_, err = os.Stat(paths.PreservationRequestFile())
	c.Check(os.IsNotExist(err), Equals, true)
	_, err = os.Stat(paths.PreservedKeyFile())
	c.Check(os.IsNotExist(err), Equals, true)

	// the re-wrapped key is recoverable with the new NVRAM record
	s.Device.Reboot()
	s.reopen()
	result3, err := s.newManager(false).Run()
	c.Assert(err, IsNil)
	c.Check(result3.Key, DeepEquals, result1.Key)
}

func (s *managerTpm1Suite) TestPreservationReentrantAfterCrash(c *C) {
	// simulate a crash on the previous boot: the request marker was
	// consumed and the key file renamed, but nothing else happened
	material := bytes.Repeat([]byte{0x44}, 32)
	record := encstateful.EncodeRecord(encstateful.FlagAnticipatingTpmClear, material, nil, false)
	s.Device.Owned = true
	c.Assert(s.Device.NVDefine(tpm.Tpm1EncstatefulIndex, tpm.Tpm1EncstatefulSize, tpm.Tpm1EncstatefulAttrs, []int{tpm.BootModePCR}), IsNil)
	c.Assert(s.Device.NVWrite(tpm.Tpm1EncstatefulIndex, record), IsNil)
	c.Assert(s.conn.SetSystemKeyInitializedFlag(), IsNil)

	encKey := bytes.Repeat([]byte{0x77}, 32)
	systemKey := encstateful.DeriveSystemKey(material)
	c.Assert(encstateful.WriteWrappedKey(paths.PreservedKeyFile(), systemKey, encKey), IsNil)

	result, err := s.newManager(false).Run()
	c.Assert(err, IsNil)
	c.Check(result.Key, DeepEquals, encKey)
	c.Check(result.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyKeyFile)

	_, err = os.Stat(paths.PreservedKeyFile())
	c.Check(os.IsNotExist(err), Equals, true)
}

func (s *managerTpm1Suite) TestPreservationIneligibleAbandoned(c *C) {
	// a preserved key file without any eligibility trigger is left
	// alone and a fresh key is generated
	systemKey := encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x44}, 32))
	c.Assert(encstateful.WriteWrappedKey(paths.PreservedKeyFile(), systemKey, bytes.Repeat([]byte{0x77}, 32)), IsNil)

	result, err := s.newManager(false).Run()
	c.Assert(err, IsNil)
	c.Check(result.SystemKeyStatus, Equals, encstateful.SystemKeyNvramEncstateful)
	c.Check(result.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyFresh)
}

func (s *managerSuite) TestPreservedKeyOnTpm2IsFatal(c *C) {
	if !s.Device.TPM2 {
		c.Skip("generation-2 only")
	}

	systemKey := encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x44}, 32))
	c.Assert(encstateful.WriteWrappedKey(paths.PreservedKeyFile(), systemKey, bytes.Repeat([]byte{0x77}, 32)), IsNil)

	_, err := s.newManager(false).Run()
	c.Check(err, Equals, encstateful.ErrPreservationUnsupported)
}

func (s *managerSuite) TestRunWithFallbackKey(c *C) {
	key, _ := encstateful.InsecureFallback()

	manager := encstateful.NewEncryptionKeyManager(nil, s.reporter, false)
	result, err := manager.RunWithFallbackKey(key, encstateful.SystemKeyStaticFallback)
	c.Assert(err, IsNil)
	c.Check(result.SystemKeyStatus, Equals, encstateful.SystemKeyStaticFallback)
	c.Check(result.EncryptionKeyStatus, Equals, encstateful.EncryptionKeyFresh)
	c.Check(s.reporter.systemKey, DeepEquals, []encstateful.SystemKeyStatus{encstateful.SystemKeyStaticFallback})
}
