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
	"bytes"
	"crypto/sha256"
	"errors"

	"github.com/snapcore/encstateful/tpm"
)

// NVSpace is the in-memory model of one defined NV index.
type NVSpace struct {
	Size  uint16
	Attrs uint32

	Contents []byte
	Written  bool

	ReadLocked  bool
	WriteLocked bool

	// BoundPcrs and BoundValues snapshot the PCR selection and values
	// captured when the space was defined.
	BoundPcrs   []int
	BoundValues map[int][]byte
}

// Device is an in-memory tpm.Device for tests. The zero value is a
// generation-1 device with no spaces, not owned, with all PCRs at a fixed
// value.
type Device struct {
	TPM2  bool
	Owned bool

	// OwnershipErr makes TakeOwnership fail.
	OwnershipErr error

	PCRs   map[int][]byte
	Spaces map[uint32]*NVSpace

	Version tpm.VersionInfo

	Closed bool
}

// NewDevice returns a device of the requested generation with PCR 0
// populated.
func NewDevice(tpm2 bool) *Device {
	sum := sha256.Sum256([]byte("boot mode"))
	return &Device{
		TPM2:   tpm2,
		PCRs:   map[int][]byte{0: sum[:]},
		Spaces: make(map[uint32]*NVSpace),
		Version: tpm.VersionInfo{
			ManufacturerID:  0x49465800,
			VendorString:    "TEST",
			FirmwareVersion: 0x0004002a,
			VendorSpecific:  []byte{0x01, 0x02, 0x03, 0x04}}}
}

func (d *Device) IsTPM2() bool { return d.TPM2 }

func (d *Device) IsOwned() (bool, error) { return d.Owned, nil }

func (d *Device) TakeOwnership() error {
	if d.OwnershipErr != nil {
		return d.OwnershipErr
	}
	d.Owned = true
	return nil
}

func (d *Device) ReadPCR(index int) ([]byte, error) {
	v, ok := d.PCRs[index]
	if !ok {
		return nil, errors.New("no such PCR")
	}
	return append([]byte(nil), v...), nil
}

func (d *Device) VersionInfo() (*tpm.VersionInfo, error) {
	v := d.Version
	return &v, nil
}

func (d *Device) NVInfo(index uint32) (*tpm.NVSpaceInfo, error) {
	s, ok := d.Spaces[index]
	if !ok {
		return nil, tpm.ErrNvSpaceAbsent
	}
	return &tpm.NVSpaceInfo{
		Size:    s.Size,
		Attrs:   s.Attrs,
		Written: s.Written}, nil
}

func (d *Device) NVRead(index uint32, size uint16) ([]byte, error) {
	s, ok := d.Spaces[index]
	if !ok {
		return nil, tpm.ErrNvSpaceAbsent
	}
	if s.ReadLocked {
		return nil, tpm.ErrNvLocked
	}
	if !s.Written {
		return nil, tpm.ErrNvSpaceUninitialized
	}
	if size == 0 || int(size) > len(s.Contents) {
		size = uint16(len(s.Contents))
	}
	return append([]byte(nil), s.Contents[:size]...), nil
}

func (d *Device) NVWrite(index uint32, data []byte) error {
	s, ok := d.Spaces[index]
	if !ok {
		return tpm.ErrNvSpaceAbsent
	}
	if s.WriteLocked {
		return tpm.ErrNvLocked
	}
	s.Contents = append([]byte(nil), data...)
	s.Written = true
	return nil
}

func (d *Device) NVDefine(index uint32, size uint16, attrs uint32, pcrs []int) error {
	if !d.TPM2 && !d.Owned {
		return errors.New("defining a space requires ownership")
	}

	s := &NVSpace{
		Size:  size,
		Attrs: attrs}
	if len(pcrs) > 0 {
		s.BoundPcrs = append([]int(nil), pcrs...)
		s.BoundValues = make(map[int][]byte)
		for _, p := range pcrs {
			v, err := d.ReadPCR(p)
			if err != nil {
				return err
			}
			s.BoundValues[p] = v
		}
	}
	d.Spaces[index] = s
	return nil
}

func (d *Device) NVReadLock(index uint32) error {
	s, ok := d.Spaces[index]
	if !ok {
		return tpm.ErrNvSpaceAbsent
	}
	s.ReadLocked = true
	return nil
}

func (d *Device) NVWriteLock(index uint32) error {
	s, ok := d.Spaces[index]
	if !ok {
		return tpm.ErrNvSpaceAbsent
	}
	s.WriteLocked = true
	return nil
}

func (d *Device) NVIsPcrBound(index uint32, pcrs []int) (bool, error) {
	s, ok := d.Spaces[index]
	if !ok {
		return false, tpm.ErrNvSpaceAbsent
	}
	if len(pcrs) != len(s.BoundPcrs) {
		return false, nil
	}
	for i, p := range pcrs {
		if p != s.BoundPcrs[i] {
			return false, nil
		}
		current, err := d.ReadPCR(p)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(current, s.BoundValues[p]) {
			return false, nil
		}
	}
	return true, nil
}

func (d *Device) WriteOwnerFlag(index uint32, value byte) error {
	if !d.Owned {
		return errors.New("writing an owner flag requires ownership")
	}
	return d.NVWrite(index, []byte{value})
}

func (d *Device) Close() error {
	d.Closed = true
	return nil
}

// Clear simulates a hardware TPM clear: ownership is dropped and
// owner-write flag spaces are deleted. Space contents and PCR values are
// untouched.
func (d *Device) Clear() {
	d.Owned = false
	for index, s := range d.Spaces {
		if s.Attrs&tpm.Tpm1AttrOwnerWrite != 0 {
			delete(d.Spaces, index)
		}
	}
}

// Reboot resets the per-boot-cycle lock bits.
func (d *Device) Reboot() {
	for _, s := range d.Spaces {
		s.ReadLocked = false
		s.WriteLocked = false
	}
}

// ExtendPCR replaces a PCR value, simulating a different boot mode.
func (d *Device) ExtendPCR(index int, data []byte) {
	h := sha256.New()
	h.Write(d.PCRs[index])
	h.Write(data)
	d.PCRs[index] = h.Sum(nil)
}
