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
	"os"
	"strings"

	"github.com/canonical/go-tpm2"

	"golang.org/x/xerrors"
)

// BootModePCR is the PCR reflecting the firmware boot mode, and the only
// PCR that NV spaces are ever bound to.
const BootModePCR = 0

// Fixed NV indices and space geometry per generation.
const (
	Tpm2EncstatefulIndex uint32 = 0x01800005
	Tpm2LockboxIndex     uint32 = 0x01800004
	Tpm2EncstatefulSize  uint16 = 40

	Tpm1EncstatefulIndex uint32 = 0x20000005
	Tpm1LockboxIndex     uint32 = 0x20000004
	Tpm1EncstatefulSize  uint16 = 72

	// tpm1InitFlagIndex is the one byte owner-defined space that backs
	// the generation-1 "system key initialized" flag. It is defined
	// without the permanent bit, so a TPM clear deletes it together
	// with ownership.
	tpm1InitFlagIndex uint32 = 0x2000000a
)

// Expected attribute masks for the encstateful space.
var (
	Tpm2EncstatefulAttrs = uint32(tpm2.AttrNVAuthWrite | tpm2.AttrNVAuthRead |
		tpm2.AttrNVWriteStClear | tpm2.AttrNVReadStClear | tpm2.AttrNVNoDA)

	Tpm1EncstatefulAttrs = Tpm1AttrWriteSTClear | Tpm1AttrReadSTClear
)

var tpmVersionPath = "/sys/class/tpm/tpm0/tpm_version_major"

// Connection is the process-wide facade over the TPM hardware. It caches
// the device generation, PCR values and the two long-lived NV space
// objects. It is not safe for concurrent use; the boot flow is single
// threaded.
type Connection struct {
	dev    Device
	isTPM2 bool

	pcrCache map[int][]byte
	version  *VersionInfo

	lockbox     *NvramSpace
	encstateful *NvramSpace
	initFlag    *NvramSpace
}

// NewConnection wraps an already open Device. Used by tests and by Open.
func NewConnection(dev Device) *Connection {
	c := &Connection{
		dev:      dev,
		isTPM2:   dev.IsTPM2(),
		pcrCache: make(map[int][]byte)}
	if c.isTPM2 {
		c.lockbox = newNvramSpace(dev, Tpm2LockboxIndex)
		c.encstateful = newNvramSpace(dev, Tpm2EncstatefulIndex)
	} else {
		c.lockbox = newNvramSpace(dev, Tpm1LockboxIndex)
		c.encstateful = newNvramSpace(dev, Tpm1EncstatefulIndex)
		c.initFlag = newNvramSpace(dev, tpm1InitFlagIndex)
	}
	return c
}

// Open probes the system TPM, selects the generation-appropriate backend
// and returns a connection. ErrNoDevice is returned when the system has no
// TPM at all.
func Open() (*Connection, error) {
	versionBytes, err := os.ReadFile(tpmVersionPath)
	if err != nil {
		return nil, ErrNoDevice
	}

	var dev Device
	if strings.TrimSpace(string(versionBytes)) == "2" {
		dev, err = openTPM2Device("/dev/tpm0")
	} else {
		dev, err = openTPM1Device("/dev/tpm0")
	}
	if err != nil {
		return nil, err
	}
	return NewConnection(dev), nil
}

// IsTPM2 reports the hardware generation, probed once at open.
func (c *Connection) IsTPM2() bool {
	return c.isTPM2
}

func (c *Connection) IsOwned() (bool, error) {
	return c.dev.IsOwned()
}

// TakeOwnership establishes ownership with the well-known secret. It is a
// successful no-op if the device is already owned.
func (c *Connection) TakeOwnership() error {
	return c.dev.TakeOwnership()
}

// ReadPCR returns the current value of the PCR, cached for the process
// lifetime. PCR values cannot change underneath a boot-time tool.
func (c *Connection) ReadPCR(index int) ([]byte, error) {
	if value, ok := c.pcrCache[index]; ok {
		return value, nil
	}
	value, err := c.dev.ReadPCR(index)
	if err != nil {
		return nil, err
	}
	c.pcrCache[index] = value
	return value, nil
}

// VersionInfo returns the hardware version description, cached for the
// process lifetime.
func (c *Connection) VersionInfo() (*VersionInfo, error) {
	if c.version != nil {
		return c.version, nil
	}
	version, err := c.dev.VersionInfo()
	if err != nil {
		return nil, err
	}
	c.version = version
	return version, nil
}

// LockboxSpace returns the long-lived accessor for the lockbox NV space.
func (c *Connection) LockboxSpace() *NvramSpace {
	return c.lockbox
}

// EncstatefulSpace returns the long-lived accessor for the encstateful NV
// space.
func (c *Connection) EncstatefulSpace() *NvramSpace {
	return c.encstateful
}

// EncstatefulSize returns the fixed capacity of the encstateful space for
// this generation.
func (c *Connection) EncstatefulSize() uint16 {
	if c.isTPM2 {
		return Tpm2EncstatefulSize
	}
	return Tpm1EncstatefulSize
}

// EncstatefulAttrs returns the expected attribute mask of the encstateful
// space for this generation.
func (c *Connection) EncstatefulAttrs() uint32 {
	if c.isTPM2 {
		return Tpm2EncstatefulAttrs
	}
	return Tpm1EncstatefulAttrs
}

// ErrWrongGeneration is returned from generation-1 only operations invoked
// against generation-2 hardware.
var ErrWrongGeneration = errors.New("operation is not supported on this TPM generation")

// HasSystemKeyInitializedFlag reports the generation-1 TPM-resident flag
// recording that the encstateful space contents were written after the
// most recent TPM clear. The flag space is deleted by a TPM clear, which is
// exactly the property that makes it a trustworthy freshness witness.
func (c *Connection) HasSystemKeyInitializedFlag() (bool, error) {
	if c.isTPM2 {
		return false, ErrWrongGeneration
	}

	switch c.initFlag.Read(1) {
	case SpaceStatusValid:
		contents := c.initFlag.Contents()
		return len(contents) == 1 && contents[0] == 1, nil
	case SpaceStatusAbsent, SpaceStatusWritable:
		return false, nil
	default:
		return false, xerrors.New("cannot read initialized flag space")
	}
}

// SetSystemKeyInitializedFlag defines (if necessary) and sets the
// generation-1 initialized flag. Requires ownership.
func (c *Connection) SetSystemKeyInitializedFlag() error {
	if c.isTPM2 {
		return ErrWrongGeneration
	}

	if set, err := c.HasSystemKeyInitializedFlag(); err == nil && set {
		return nil
	}

	if c.initFlag.Status() == SpaceStatusAbsent {
		if err := c.initFlag.Define(Tpm1AttrOwnerWrite, 1, nil); err != nil {
			return xerrors.Errorf("cannot define initialized flag space: %w", err)
		}
	}

	// The flag space carries OWNERWRITE, which on real hardware needs
	// an owner-authorized write.
	var err error
	if w, ok := c.dev.(OwnerFlagWriter); ok {
		err = w.WriteOwnerFlag(tpm1InitFlagIndex, 1)
	} else {
		err = c.dev.NVWrite(tpm1InitFlagIndex, []byte{1})
	}
	if err != nil {
		return xerrors.Errorf("cannot set initialized flag: %w", err)
	}

	c.initFlag.contents = []byte{1}
	c.initFlag.status = SpaceStatusValid
	return nil
}

// Close releases the underlying device.
func (c *Connection) Close() error {
	return c.dev.Close()
}
