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
	"github.com/snapcore/encstateful/tpm"
)

// SystemKeyLoader loads, creates and persists the NVRAM-backed system
// key. The two implementations cover the two TPM generations, which have
// incompatible space layouts and provisioning models.
type SystemKeyLoader interface {
	// Load reads the system key from NVRAM. It returns ErrNoSystemKey
	// if no usable key exists, which is a normal condition on first
	// boot rather than a hard failure.
	Load() (SystemKey, error)

	// Initialize builds a provisional in-memory record from fresh key
	// material without touching hardware, and returns the derived
	// system key for immediate use.
	Initialize(material []byte) (SystemKey, error)

	// Persist writes the provisional record produced by Initialize or
	// GenerateForPreservation to NVRAM, defining the space first if
	// necessary.
	Persist() error

	// Lock prevents further access to the system key space until next
	// boot. Failures are logged but never propagated.
	Lock()

	// SetupTpm makes sure the system key space exists and is correctly
	// defined, taking TPM ownership if that is what defining it takes.
	SetupTpm() error

	// GenerateForPreservation prepares carrying the encryption key
	// across a TPM clear. It loads the previous system key, generates
	// fresh key material and builds a provisional record from it,
	// returning both keys. ErrPreservationIneligible means this boot
	// is not a preservation window; ErrPreservationUnsupported means
	// the TPM generation cannot preserve at all.
	GenerateForPreservation() (previous, fresh SystemKey, err error)

	// CheckLockbox reports whether the lockbox space contents can be
	// trusted. ErrLockboxTampered means the contents fail the MAC
	// recorded at preservation time.
	CheckLockbox() (bool, error)

	// UsingLockboxKey reports whether Load fell back to deriving the
	// system key from the lockbox salt.
	UsingLockboxKey() bool
}

// NewSystemKeyLoader returns the loader matching the connected TPM's
// generation.
func NewSystemKeyLoader(conn *tpm.Connection) SystemKeyLoader {
	if conn.IsTPM2() {
		return newTpm2SystemKeyLoader(conn)
	}
	return newTpm1SystemKeyLoader(conn)
}
