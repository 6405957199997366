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
	"os"

	"github.com/apex/log"
	"github.com/snapcore/snapd/osutil"
	"golang.org/x/xerrors"

	"github.com/snapcore/encstateful/internal/paths"
)

// EncryptionKeyManager drives one boot-time run: obtain a system key,
// carry it across a TPM clear when a preservation window is open, and
// produce the encryption key that protects the stateful partition.
type EncryptionKeyManager struct {
	loader   SystemKeyLoader
	reporter StatusReporter

	// allowDiskFallback permits the legacy obfuscated on-disk key file
	// on boards that accept weaker protection while the TPM is not yet
	// finalized.
	allowDiskFallback bool
}

// RunResult carries the outcome of a run. Key is owned by the caller,
// which must wipe it after handing it to the device mapper.
type RunResult struct {
	Key                 []byte
	SystemKeyStatus     SystemKeyStatus
	EncryptionKeyStatus EncryptionKeyStatus
}

func NewEncryptionKeyManager(loader SystemKeyLoader, reporter StatusReporter, allowDiskFallback bool) *EncryptionKeyManager {
	return &EncryptionKeyManager{
		loader:            loader,
		reporter:          reporter,
		allowDiskFallback: allowDiskFallback}
}

// Run executes the full flow. The only fatal outcome is a preservation
// request on hardware that cannot preserve; every other failure degrades
// to a defined weaker state and is logged.
func (m *EncryptionKeyManager) Run() (*RunResult, error) {
	systemKey, err := m.loader.Load()
	if err != nil {
		if !xerrors.Is(err, ErrNoSystemKey) {
			log.WithError(err).Warn("cannot load system key")
		}
		systemKey = nil
		m.applyPreservationRequest()
	}
	defer func() {
		systemKey.Wipe()
	}()

	if osutil.FileExists(paths.PreservedKeyFile()) {
		preserved, err := m.preserveEncryptionKey()
		switch {
		case err == nil:
			systemKey.Wipe()
			systemKey = preserved
		case xerrors.Is(err, ErrPreservationUnsupported):
			return nil, err
		default:
			log.WithError(err).Warn("abandoning encryption key preservation")
		}
	}

	if systemKey == nil {
		var fatal error
		systemKey, fatal = m.generateFreshSystemKey()
		if fatal != nil {
			return nil, fatal
		}
	}

	m.loader.Lock()

	var keyStatus SystemKeyStatus
	switch {
	case systemKey == nil:
		keyStatus = SystemKeyFinalizationPending
	case m.loader.UsingLockboxKey():
		keyStatus = SystemKeyNvramLockbox
	default:
		keyStatus = SystemKeyNvramEncstateful
	}
	m.reporter.ReportSystemKeyStatus(keyStatus)

	encKey, encStatus, err := m.loadOrCreateEncryptionKey(systemKey)
	if err != nil {
		return nil, err
	}
	m.reporter.ReportEncryptionKeyStatus(encStatus)

	m.finalize(systemKey, encKey, encStatus)

	return &RunResult{
		Key:                 encKey,
		SystemKeyStatus:     keyStatus,
		EncryptionKeyStatus: encStatus}, nil
}

// RunWithFallbackKey executes the tail of the flow with an insecurely
// derived system key, for systems without any TPM. There is no NVRAM to
// persist to or lock.
func (m *EncryptionKeyManager) RunWithFallbackKey(systemKey SystemKey, keyStatus SystemKeyStatus) (*RunResult, error) {
	defer systemKey.Wipe()

	m.reporter.ReportSystemKeyStatus(keyStatus)

	encKey, encStatus, err := m.loadOrCreateEncryptionKey(systemKey)
	if err != nil {
		return nil, err
	}
	m.reporter.ReportEncryptionKeyStatus(encStatus)

	m.finalize(systemKey, encKey, encStatus)

	return &RunResult{
		Key:                 encKey,
		SystemKeyStatus:     keyStatus,
		EncryptionKeyStatus: encStatus}, nil
}

// applyPreservationRequest turns a pending preservation request into the
// preserved-previous-key file. File system state is settled before any
// hardware state changes, so a crash anywhere in here never resurrects a
// half applied request on the next boot.
func (m *EncryptionKeyManager) applyPreservationRequest() {
	request := paths.PreservationRequestFile()
	if !osutil.FileExists(request) {
		return
	}

	wrapped := paths.WrappedKeyFile()
	if osutil.FileExists(wrapped) {
		if err := os.Rename(wrapped, paths.PreservedKeyFile()); err != nil {
			log.WithError(err).Warn("cannot preserve wrapped key file, deleting it")
			if err := os.Remove(wrapped); err != nil {
				log.WithError(err).Warn("cannot delete wrapped key file")
			}
		}
	}

	if err := os.Remove(request); err != nil {
		log.WithError(err).Warn("cannot remove preservation request")
	}
}

// preserveEncryptionKey re-wraps the preserved encryption key under a
// fresh system key. The fresh key is persisted to NVRAM strictly after
// the re-wrap lands on disk; the reverse order would strand the old data
// with no key able to open it.
func (m *EncryptionKeyManager) preserveEncryptionKey() (SystemKey, error) {
	previous, fresh, err := m.loader.GenerateForPreservation()
	if err != nil {
		return nil, err
	}
	defer previous.Wipe()

	encKey, err := readWrappedKeyFile(paths.PreservedKeyFile(), previous)
	if err != nil {
		fresh.Wipe()
		return nil, xerrors.Errorf("cannot unwrap preserved key: %w", err)
	}
	defer wipeBytes(encKey)

	if err := os.Remove(paths.WrappedKeyFile()); err != nil && !os.IsNotExist(err) {
		fresh.Wipe()
		return nil, xerrors.Errorf("cannot remove stale wrapped key file: %w", err)
	}
	if err := writeWrappedKeyFile(paths.WrappedKeyFile(), fresh, encKey); err != nil {
		fresh.Wipe()
		return nil, xerrors.Errorf("cannot write re-wrapped key file: %w", err)
	}

	if err := m.loader.Persist(); err != nil {
		fresh.Wipe()
		return nil, xerrors.Errorf("cannot persist preserved system key: %w", err)
	}

	if err := os.Remove(paths.PreservedKeyFile()); err != nil {
		log.WithError(err).Warn("cannot remove preserved key file")
	}

	log.Info("encryption key preserved across TPM clear")
	return fresh, nil
}

// generateFreshSystemKey makes a new system key and tries to persist it.
// A persist failure discards the key so that the next boot retries, with
// one exception: a failure to take TPM ownership is unrecoverable and is
// returned to fail the whole run.
func (m *EncryptionKeyManager) generateFreshSystemKey() (SystemKey, error) {
	material, err := generateKeyMaterial()
	if err != nil {
		log.WithError(err).Error("cannot generate system key material")
		return nil, nil
	}
	defer wipeBytes(material)

	key, err := m.loader.Initialize(material)
	if err != nil {
		log.WithError(err).Error("cannot initialize system key")
		return nil, nil
	}

	if err := m.loader.Persist(); err != nil {
		key.Wipe()
		if xerrors.Is(err, ErrOwnershipFailed) {
			return nil, err
		}
		log.WithError(err).Warn("cannot persist fresh system key, retrying next boot")
		return nil, nil
	}
	return key, nil
}

func (m *EncryptionKeyManager) loadOrCreateEncryptionKey(systemKey SystemKey) ([]byte, EncryptionKeyStatus, error) {
	if systemKey != nil {
		key, err := readWrappedKeyFile(paths.WrappedKeyFile(), systemKey)
		if err == nil {
			return key, EncryptionKeyKeyFile, nil
		}
		if !os.IsNotExist(err) {
			// A wrapped file that does not decrypt gates nothing any
			// more; its presence would only suppress future
			// finalization writes.
			log.WithError(err).Warn("cannot unwrap key file, purging it")
			if err := os.Remove(paths.WrappedKeyFile()); err != nil {
				log.WithError(err).Warn("cannot remove stale wrapped key file")
			}
		}
	}

	if m.allowDiskFallback {
		obfuscation := obfuscationKey()
		key, err := readWrappedKeyFile(paths.NeedsFinalizationFile(), obfuscation)
		obfuscation.Wipe()
		if err == nil {
			log.Info("recovered encryption key from legacy fallback file")
			return key, EncryptionKeyNeedsFinalization, nil
		}
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("cannot read legacy fallback file")
		}
	}

	key, err := generateKeyMaterial()
	if err != nil {
		return nil, 0, xerrors.Errorf("cannot generate encryption key: %w", err)
	}
	return key, EncryptionKeyFresh, nil
}

// finalize writes the encryption key to its at-rest form: wrapped under
// the system key when one exists, or the legacy obfuscated file when the
// board accepts it, or nowhere at all.
func (m *EncryptionKeyManager) finalize(systemKey SystemKey, encKey []byte, status EncryptionKeyStatus) {
	switch {
	case systemKey != nil:
		if status == EncryptionKeyKeyFile {
			return
		}
		if err := writeWrappedKeyFile(paths.WrappedKeyFile(), systemKey, encKey); err != nil {
			log.WithError(err).Error("cannot write wrapped key file")
			return
		}
		if osutil.FileExists(paths.NeedsFinalizationFile()) {
			secureErase(paths.NeedsFinalizationFile())
		}
		log.Info("encryption key finalized")
	case m.allowDiskFallback:
		if status == EncryptionKeyNeedsFinalization {
			return
		}
		log.Warn("no system key yet, writing obfuscated fallback key file")
		obfuscation := obfuscationKey()
		defer obfuscation.Wipe()
		if err := writeWrappedKeyFile(paths.NeedsFinalizationFile(), obfuscation, encKey); err != nil {
			log.WithError(err).Error("cannot write fallback key file")
		}
	}
}
