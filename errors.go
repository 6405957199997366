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
	"errors"
	"fmt"
)

var (
	// ErrNoTPM indicates that the system has no usable TPM. Fatal only
	// when the caller demanded hardware-backed protection; otherwise
	// the insecure fallback chain applies on boards that permit it.
	ErrNoTPM = errors.New("no TPM device is available")

	// ErrNoSystemKey is returned from SystemKeyLoader.Load when no
	// valid hardware-resident key material exists.
	ErrNoSystemKey = errors.New("no system key is available")

	// ErrPreservationIneligible is returned from
	// GenerateForPreservation outside of a firmware update window.
	ErrPreservationIneligible = errors.New("not eligible for system key preservation")

	// ErrPreservationUnsupported is returned from generation-2
	// loaders: preservation only exists to survive generation-1
	// ownership resets.
	ErrPreservationUnsupported = errors.New("system key preservation is not supported on this TPM generation")

	// ErrOwnershipFailed indicates that taking TPM ownership, required
	// to redefine the encstateful space, did not succeed. This is one
	// of the two process-fatal conditions.
	ErrOwnershipFailed = errors.New("cannot take TPM ownership")

	// ErrSpaceAlreadyFinalized indicates that the encstateful space
	// needs redefinition but the on-disk ownership bookkeeping says the
	// TPM setup was already finalized. Redefining now would silently
	// destroy a space the rest of the system depends on, so the
	// request is refused rather than retried.
	ErrSpaceAlreadyFinalized = errors.New("refusing to redefine the encstateful space: TPM setup is already finalized")

	// ErrLockboxTampered indicates that the lockbox MAC recorded at
	// preservation time no longer matches the lockbox contents.
	ErrLockboxTampered = errors.New("lockbox contents do not match the MAC recorded at preservation time")
)

// StructuralMismatchError describes an encstateful space whose geometry,
// attributes or PCR binding do not match expectations. It triggers
// redefinition rather than failure.
type StructuralMismatchError struct {
	Reason string
}

func (e *StructuralMismatchError) Error() string {
	return fmt.Sprintf("encstateful space is not properly defined: %s", e.Reason)
}

// CryptoFailureError wraps a failed unwrap of an on-disk key file. The
// caller treats it as "no usable key" and purges the offending file.
type CryptoFailureError struct {
	err error
}

func (e *CryptoFailureError) Error() string {
	return fmt.Sprintf("cannot unwrap key: %v", e.err)
}

func (e *CryptoFailureError) Unwrap() error {
	return e.err
}
