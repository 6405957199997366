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

package encstateful

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/snapcore/snapd/osutil"
	"golang.org/x/xerrors"

	"github.com/snapcore/encstateful/internal/paths"
	"github.com/snapcore/encstateful/tpm"
)

// Legacy lockbox geometry. The first revision stored exactly 0x2c bytes
// and the whole blob doubles as key material. Later revisions carry a
// dedicated salt window inside a larger blob.
const (
	lockboxWholeBlobSize = 0x2c
	lockboxSaltOffset    = 0x5
	lockboxSaltSize      = 0x27
)

const lockboxMacLabel = "lockbox_mac"

type tpm1SystemKeyLoader struct {
	conn *tpm.Connection

	provisional  *encStatefulRecord
	usingLockbox bool
}

func newTpm1SystemKeyLoader(conn *tpm.Connection) SystemKeyLoader {
	return &tpm1SystemKeyLoader{conn: conn}
}

func (l *tpm1SystemKeyLoader) Load() (SystemKey, error) {
	if key, err := l.loadFromEncstateful(); err == nil {
		return key, nil
	}

	owned, err := l.conn.IsOwned()
	if err != nil || !owned {
		return nil, ErrNoSystemKey
	}

	material, err := l.lockboxKeyMaterial()
	if err != nil {
		return nil, ErrNoSystemKey
	}
	defer wipeBytes(material)

	log.Info("deriving system key from legacy lockbox salt")
	l.usingLockbox = true
	return deriveSystemKey(material), nil
}

func (l *tpm1SystemKeyLoader) loadFromEncstateful() (SystemKey, error) {
	ok, err := l.isEncStatefulSpaceProperlyDefined()
	if err != nil || !ok {
		return nil, ErrNoSystemKey
	}

	// The flag lives in a TPM-resident space without the permanent
	// attribute, so a TPM clear takes it down together with ownership.
	// A structurally valid record without the flag predates the last
	// clear and must not be trusted.
	initialized, err := l.conn.HasSystemKeyInitializedFlag()
	if err != nil {
		return nil, xerrors.Errorf("cannot read system key initialized flag: %w", err)
	}
	if !initialized {
		log.Warn("encstateful space is valid but predates the last TPM clear")
		return nil, ErrNoSystemKey
	}

	space := l.conn.EncstatefulSpace()
	if space.Read(l.conn.EncstatefulSize()) != tpm.SpaceStatusValid {
		return nil, ErrNoSystemKey
	}
	rec, ok := decodeRecord(space.Contents(), false)
	if !ok {
		return nil, ErrNoSystemKey
	}

	return deriveSystemKey(rec.material[:]), nil
}

func (l *tpm1SystemKeyLoader) lockboxKeyMaterial() ([]byte, error) {
	space := l.conn.LockboxSpace()
	size, err := space.Size()
	if err != nil {
		return nil, xerrors.Errorf("cannot obtain lockbox size: %w", err)
	}
	if space.Read(size) != tpm.SpaceStatusValid {
		return nil, xerrors.New("lockbox space is not readable")
	}

	contents := space.Contents()
	var salt []byte
	switch {
	case len(contents) == lockboxWholeBlobSize:
		salt = contents
	case len(contents) >= lockboxSaltOffset+lockboxSaltSize:
		salt = contents[lockboxSaltOffset : lockboxSaltOffset+lockboxSaltSize]
	default:
		return nil, &StructuralMismatchError{Reason: fmt.Sprintf("lockbox space has unsupported size %d", len(contents))}
	}

	sum := sha256.Sum256(salt)
	return sum[:], nil
}

func (l *tpm1SystemKeyLoader) Initialize(material []byte) (SystemKey, error) {
	if len(material) != KeyMaterialSize {
		return nil, &StructuralMismatchError{Reason: "system key material has wrong size"}
	}

	rec := &encStatefulRecord{}
	copy(rec.material[:], material)
	l.provisional = rec

	return deriveSystemKey(material), nil
}

func (l *tpm1SystemKeyLoader) Persist() error {
	if l.provisional == nil {
		return xerrors.New("no provisional system key record to persist")
	}

	if err := l.ensureSpaceProperlyDefined(); err != nil {
		return err
	}

	if err := l.conn.EncstatefulSpace().Write(l.provisional.encode(false)); err != nil {
		return xerrors.Errorf("cannot write encstateful space: %w", err)
	}
	if err := l.conn.SetSystemKeyInitializedFlag(); err != nil {
		return xerrors.Errorf("cannot set system key initialized flag: %w", err)
	}

	l.usingLockbox = false
	return nil
}

func (l *tpm1SystemKeyLoader) Lock() {
	space := l.conn.EncstatefulSpace()
	space.WriteLock()
	space.ReadLock()
}

func (l *tpm1SystemKeyLoader) SetupTpm() error {
	return l.ensureSpaceProperlyDefined()
}

// isEncStatefulSpaceProperlyDefined checks that the space exists, is big
// enough for a record, carries exactly the expected attributes and is
// bound to the boot mode PCR at its current value. Any mismatch means the
// space has to be redefined.
func (l *tpm1SystemKeyLoader) isEncStatefulSpaceProperlyDefined() (bool, error) {
	space := l.conn.EncstatefulSpace()

	switch space.Read(l.conn.EncstatefulSize()) {
	case tpm.SpaceStatusValid, tpm.SpaceStatusWritable:
	default:
		return false, nil
	}

	size, err := space.Size()
	if err != nil {
		return false, xerrors.Errorf("cannot obtain encstateful space size: %w", err)
	}
	if int(size) < recordSize(false) {
		return false, nil
	}

	attrs, err := space.GetAttributes()
	if err != nil {
		return false, xerrors.Errorf("cannot obtain encstateful space attributes: %w", err)
	}
	if attrs != l.conn.EncstatefulAttrs() {
		return false, nil
	}

	bound, err := space.CheckPcrBinding([]int{tpm.BootModePCR})
	if err != nil {
		return false, xerrors.Errorf("cannot check encstateful PCR binding: %w", err)
	}
	return bound, nil
}

func (l *tpm1SystemKeyLoader) ensureSpaceProperlyDefined() error {
	ok, err := l.isEncStatefulSpaceProperlyDefined()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	owned, err := l.conn.IsOwned()
	if err != nil {
		return xerrors.Errorf("cannot determine TPM ownership: %w", err)
	}
	if !owned {
		pruneOwnershipStateFiles()
		if err := l.conn.TakeOwnership(); err != nil {
			log.WithError(err).Error("taking TPM ownership failed")
			return ErrOwnershipFailed
		}
	} else if hasOwnershipMarker() {
		// Redefining the space under an established owner would
		// silently destroy state the rest of the system considers
		// finalized.
		return ErrSpaceAlreadyFinalized
	}

	space := l.conn.EncstatefulSpace()
	if err := space.Define(l.conn.EncstatefulAttrs(), l.conn.EncstatefulSize(), []int{tpm.BootModePCR}); err != nil {
		return xerrors.Errorf("cannot define encstateful space: %w", err)
	}
	return nil
}

func (l *tpm1SystemKeyLoader) GenerateForPreservation() (SystemKey, SystemKey, error) {
	var current *encStatefulRecord
	space := l.conn.EncstatefulSpace()
	if space.Read(l.conn.EncstatefulSize()) == tpm.SpaceStatusValid {
		current, _ = decodeRecord(space.Contents(), false)
	}

	anticipating := current != nil && current.hasFlag(flagAnticipatingTpmClear)
	pendingUpdate := false
	if !anticipating {
		var err error
		pendingUpdate, err = pendingFirmwareUpdate(l.conn)
		if err != nil {
			log.WithError(err).Warn("cannot check for pending TPM firmware update")
		}
	}
	if !anticipating && !pendingUpdate {
		return nil, nil, ErrPreservationIneligible
	}

	// The previous key comes straight from the record material. The
	// initialized flag gate does not apply here: the anticipating flag
	// was set before the clear exactly so that this record stays
	// usable through it.
	var previous SystemKey
	if current != nil {
		previous = deriveSystemKey(current.material[:])
	} else {
		material, err := l.lockboxKeyMaterial()
		if err != nil {
			return nil, nil, xerrors.Errorf("cannot load previous system key: %w", err)
		}
		previous = deriveSystemKey(material)
		wipeBytes(material)
	}

	material, err := generateKeyMaterial()
	if err != nil {
		previous.Wipe()
		return nil, nil, err
	}
	defer wipeBytes(material)

	rec := &encStatefulRecord{}
	copy(rec.material[:], material)
	if pendingUpdate {
		// The clear has not happened yet; keep anticipating so that a
		// reboot before the update still qualifies for preservation.
		rec.flags |= flagAnticipatingTpmClear
	}

	fresh := deriveSystemKey(material)

	lockbox := l.conn.LockboxSpace()
	if size, err := lockbox.Size(); err == nil && lockbox.Read(size) == tpm.SpaceStatusValid {
		macKey := fresh.DeriveKey(lockboxMacLabel)
		copy(rec.mac[:], hmacSHA256(macKey, lockbox.Contents()))
		wipeBytes(macKey)
		rec.flags |= flagLockboxMacValid
	}

	l.provisional = rec
	return previous, fresh, nil
}

func (l *tpm1SystemKeyLoader) CheckLockbox() (bool, error) {
	owned, err := l.conn.IsOwned()
	if err != nil {
		return false, xerrors.Errorf("cannot determine TPM ownership: %w", err)
	}
	if !owned {
		pruneOwnershipStateFiles()
	}

	space := l.conn.EncstatefulSpace()
	if space.Read(l.conn.EncstatefulSize()) == tpm.SpaceStatusValid {
		if rec, ok := decodeRecord(space.Contents(), false); ok && rec.hasFlag(flagLockboxMacValid) {
			return l.checkLockboxMac(rec)
		}
	}

	return hasOwnershipMarker(), nil
}

// checkLockboxMac recomputes the MAC recorded at preservation time over
// the current lockbox contents. This gates data loss decisions, so the
// comparison is constant time.
func (l *tpm1SystemKeyLoader) checkLockboxMac(rec *encStatefulRecord) (bool, error) {
	lockbox := l.conn.LockboxSpace()
	size, err := lockbox.Size()
	if err != nil {
		return false, xerrors.Errorf("cannot obtain lockbox size: %w", err)
	}
	if lockbox.Read(size) != tpm.SpaceStatusValid {
		return false, nil
	}

	systemKey := deriveSystemKey(rec.material[:])
	macKey := systemKey.DeriveKey(lockboxMacLabel)
	mac := hmacSHA256(macKey, lockbox.Contents())
	systemKey.Wipe()
	wipeBytes(macKey)

	if !hmac.Equal(mac, rec.mac[:]) {
		log.Error("lockbox MAC mismatch, contents are not trustworthy")
		return false, ErrLockboxTampered
	}
	return true, nil
}

func (l *tpm1SystemKeyLoader) UsingLockboxKey() bool {
	return l.usingLockbox
}

// pruneOwnershipStateFiles removes on-disk ownership bookkeeping that
// contradicts the hardware, for example after a TPM clear that the OS
// never observed.
func pruneOwnershipStateFiles() {
	for _, p := range []string{paths.TpmOwnedFile(), paths.LegacyTpmOwnedFile(), paths.TpmStatusFile()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", p).Warn("cannot remove stale ownership state file")
		}
	}
}

// hasOwnershipMarker reports whether the on-disk "TPM owned" marker
// exists, migrating it from its legacy location first.
func hasOwnershipMarker() bool {
	legacy := paths.LegacyTpmOwnedFile()
	current := paths.TpmOwnedFile()

	if osutil.FileExists(legacy) && !osutil.FileExists(current) {
		if err := os.MkdirAll(filepath.Dir(current), 0755); err != nil {
			log.WithError(err).Warn("cannot create ownership marker directory")
		} else if err := os.Rename(legacy, current); err != nil {
			log.WithError(err).Warn("cannot migrate legacy ownership marker")
		}
	}

	return osutil.FileExists(current) || osutil.FileExists(legacy)
}

// pendingFirmwareUpdate reports whether a TPM firmware update is both
// requested and actually available for this TPM's exact version. The
// locator utility is handed the version fields and prints the update
// image path, which must resolve under the firmware directory.
func pendingFirmwareUpdate(conn *tpm.Connection) (bool, error) {
	if !osutil.FileExists(paths.FirmwareUpdateRequestFile()) {
		return false, nil
	}

	info, err := conn.VersionInfo()
	if err != nil {
		return false, xerrors.Errorf("cannot obtain TPM version info: %w", err)
	}

	out, err := exec.Command(paths.FirmwareUpdateLocator,
		fmt.Sprintf("%08x", info.ManufacturerID),
		fmt.Sprintf("%016x", info.FirmwareVersion),
		hex.EncodeToString(info.VendorSpecific)).Output()
	if err != nil {
		log.WithError(err).Info("firmware update locator found no update")
		return false, nil
	}

	update := strings.TrimSpace(string(out))
	if update == "" {
		return false, nil
	}
	resolved, err := filepath.EvalSymlinks(update)
	if err != nil {
		return false, nil
	}
	firmwareDir, err := filepath.EvalSymlinks(paths.FirmwareUpdateDir)
	if err != nil {
		return false, nil
	}
	if !strings.HasPrefix(resolved, filepath.Clean(firmwareDir)+"/") {
		log.WithField("path", resolved).Warn("firmware update locator returned a path outside the firmware directory")
		return false, nil
	}
	return true, nil
}
