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

// SystemKeyStatus records where the system key for a boot-time run came
// from. Exactly one value is produced per run.
type SystemKeyStatus int

const (
	// SystemKeyNvramEncstateful: derived from the encstateful space.
	SystemKeyNvramEncstateful SystemKeyStatus = iota

	// SystemKeyNvramLockbox: generation-1 fallback to the legacy
	// lockbox salt.
	SystemKeyNvramLockbox

	// SystemKeyFinalizationPending: no system key could be obtained
	// this boot; the encryption key awaits finalization.
	SystemKeyFinalizationPending

	// SystemKeyKernelCommandLine: insecure fallback from a kernel
	// command line option.
	SystemKeyKernelCommandLine

	// SystemKeyProductUuid: insecure fallback from the product UUID.
	SystemKeyProductUuid

	// SystemKeyStaticFallback: insecure fallback from the hard-coded
	// static string.
	SystemKeyStaticFallback
)

func (s SystemKeyStatus) String() string {
	switch s {
	case SystemKeyNvramEncstateful:
		return "NVRAM (encstateful)"
	case SystemKeyNvramLockbox:
		return "NVRAM (lockbox)"
	case SystemKeyFinalizationPending:
		return "finalization pending"
	case SystemKeyKernelCommandLine:
		return "kernel command line"
	case SystemKeyProductUuid:
		return "product UUID"
	case SystemKeyStaticFallback:
		return "static fallback"
	default:
		return "unknown"
	}
}

// EncryptionKeyStatus records how the encryption key for a boot-time run
// was obtained. Exactly one value is produced per run.
type EncryptionKeyStatus int

const (
	// EncryptionKeyFresh: newly generated this boot.
	EncryptionKeyFresh EncryptionKeyStatus = iota

	// EncryptionKeyKeyFile: unwrapped from the on-disk wrapped file.
	EncryptionKeyKeyFile

	// EncryptionKeyNeedsFinalization: recovered from the legacy
	// obfuscated fallback file.
	EncryptionKeyNeedsFinalization
)

func (s EncryptionKeyStatus) String() string {
	switch s {
	case EncryptionKeyFresh:
		return "fresh"
	case EncryptionKeyKeyFile:
		return "key file"
	case EncryptionKeyNeedsFinalization:
		return "needs finalization"
	default:
		return "unknown"
	}
}

// StatusReporter receives the status of each boot-time run for telemetry.
// An explicit handle is passed to the manager; nothing in this package
// reaches into ambient global state.
type StatusReporter interface {
	ReportSystemKeyStatus(status SystemKeyStatus)
	ReportEncryptionKeyStatus(status EncryptionKeyStatus)
}

// discardReporter drops all samples.
type discardReporter struct{}

func (discardReporter) ReportSystemKeyStatus(SystemKeyStatus)         {}
func (discardReporter) ReportEncryptionKeyStatus(EncryptionKeyStatus) {}

// DiscardReporter returns a StatusReporter that drops everything.
func DiscardReporter() StatusReporter {
	return discardReporter{}
}
