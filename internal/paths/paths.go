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

package paths

import "path/filepath"

// These are variables so that they can be modified by tests. StatefulDir
// is the mount point of the unencrypted stateful filesystem, which hosts
// the wrapped key material and the various boot-time marker files. RootDir
// is the root filesystem.
var (
	RootDir     = "/"
	StatefulDir = "/mnt/stateful_partition"
	TmpDir      = "/tmp"

	// FirmwareUpdateLocator is the external utility that resolves a
	// pending TPM firmware update image for the currently installed
	// firmware version.
	FirmwareUpdateLocator = "/usr/sbin/tpm-firmware-locate"

	// FirmwareUpdateDir is the directory that any image path returned
	// by FirmwareUpdateLocator must resolve under.
	FirmwareUpdateDir = "/lib/firmware/tpm"

	// MetricsEventsDir hosts the append-only file consumed by the
	// metrics reporting daemon.
	MetricsEventsDir = "/var/lib/metrics"
)

// WrappedKeyFile is the canonical location of the encryption key, wrapped
// under the system key.
func WrappedKeyFile() string {
	return filepath.Join(StatefulDir, "encrypted.key")
}

// NeedsFinalizationFile is the legacy on-disk fallback location of the
// encryption key, protected only by a well-known obfuscation key. It exists
// on boards that permit operating before a system key is available, and is
// retired as soon as the key can be finalized.
func NeedsFinalizationFile() string {
	return filepath.Join(StatefulDir, "encrypted.needs-finalization")
}

// PreservationRequestFile is the marker that requests carrying the current
// encryption key across a TPM clear.
func PreservationRequestFile() string {
	return filepath.Join(StatefulDir, "preservation_request")
}

// PreservedKeyFile holds the previous wrapped encryption key while a
// preservation is in flight.
func PreservedKeyFile() string {
	return filepath.Join(StatefulDir, "encrypted.key.preserved")
}

// TpmOwnedFile is the marker recording that the TPM has been owned and the
// on-chip spaces finalized.
func TpmOwnedFile() string {
	return filepath.Join(StatefulDir, "unencrypted", "tpm_manager", "tpm_owned")
}

// LegacyTpmOwnedFile is the historical location of the ownership marker,
// migrated to TpmOwnedFile when found.
func LegacyTpmOwnedFile() string {
	return filepath.Join(RootDir, "mnt", "stateful_partition", ".tpm_owned")
}

// TpmStatusFile is the legacy ownership bookkeeping blob kept alongside the
// ownership marker. It is pruned together with the marker whenever the
// hardware reports that the TPM is in fact unowned.
func TpmStatusFile() string {
	return filepath.Join(StatefulDir, "unencrypted", "tpm_manager", "tpm_status")
}

// FirmwareUpdateRequestFile is the marker requesting a TPM firmware update
// on the next reboot.
func FirmwareUpdateRequestFile() string {
	return filepath.Join(StatefulDir, "unencrypted", "preserve", "tpm_firmware_update_request")
}

// LockboxExportFile is the well-known tmpfs location that downstream
// install-attributes consumers read the lockbox contents from.
func LockboxExportFile() string {
	return filepath.Join(TmpDir, "lockbox.nvram")
}

// MetricsEventsFile is the append-only sample file for status reporting.
func MetricsEventsFile() string {
	return filepath.Join(MetricsEventsDir, "events")
}
