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

package tpm

import (
	"errors"
)

var (
	// ErrNoDevice is returned when no TPM device is present on this
	// system, or the device node cannot be opened.
	ErrNoDevice = errors.New("no TPM device is available")

	// ErrNvSpaceAbsent is returned from NV operations against an index
	// that is not defined in the hardware.
	ErrNvSpaceAbsent = errors.New("the NV space is not defined")

	// ErrNvSpaceUninitialized is returned when reading a NV space that
	// is defined but has never been successfully written.
	ErrNvSpaceUninitialized = errors.New("the NV space has not been written")

	// ErrNvLocked is returned when a NV write is rejected because the
	// space has been write locked for this boot cycle.
	ErrNvLocked = errors.New("the NV space is locked")
)

// NVSpaceInfo describes the public area of a defined NV space.
type NVSpaceInfo struct {
	// Size is the data size of the space in bytes.
	Size uint16

	// Attrs is the attribute bitmask in the generation-specific
	// encoding, with the volatile lock and written bits stripped so
	// that it can be compared directly against an expected mask.
	Attrs uint32

	// PolicyDigest is the access policy recorded when the space was
	// defined. Empty if the space is not bound to any PCRs.
	PolicyDigest []byte

	// Written indicates that the space has been written at least once.
	Written bool
}

// VersionInfo describes the TPM hardware for firmware update eligibility
// decisions and diagnostics.
type VersionInfo struct {
	ManufacturerID  uint32
	VendorString    string
	FirmwareVersion uint64

	// VendorSpecific carries the raw vendor-specific version blob. On
	// generation-1 parts this includes the field upgrade info consumed
	// by the firmware update locator.
	VendorSpecific []byte
}

// Device is the low level hardware contract implemented once per TPM
// generation. All methods are synchronous; there is no internal locking as
// the subsystem is single threaded. NV attribute masks are exchanged in the
// generation-specific wire encoding, and PCR selections are plain PCR
// indices whose current values the binding must capture.
type Device interface {
	IsTPM2() bool

	IsOwned() (bool, error)

	// TakeOwnership establishes ownership with the well-known secret.
	// It succeeds without side effects if the device is already owned.
	TakeOwnership() error

	ReadPCR(index int) ([]byte, error)

	VersionInfo() (*VersionInfo, error)

	NVInfo(index uint32) (*NVSpaceInfo, error)
	NVRead(index uint32, size uint16) ([]byte, error)
	NVWrite(index uint32, data []byte) error

	// NVDefine defines the space at index, binding access to the
	// current values of the supplied PCRs. Requires ownership on
	// generation-1 devices.
	NVDefine(index uint32, size uint16, attrs uint32, pcrs []int) error

	NVReadLock(index uint32) error
	NVWriteLock(index uint32) error

	// NVIsPcrBound reports whether the access policy recorded for the
	// space matches the supplied PCR selection at its current values.
	// An empty selection matches a space with no policy.
	NVIsPcrBound(index uint32, pcrs []int) (bool, error)

	Close() error
}

// OwnerFlagWriter is optionally implemented by devices on which writes to
// owner-defined flag spaces need an owner authorization session.
type OwnerFlagWriter interface {
	WriteOwnerFlag(index uint32, value byte) error
}
