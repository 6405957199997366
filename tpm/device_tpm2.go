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
	"encoding/binary"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"
	"github.com/canonical/go-tpm2/util"

	"golang.org/x/xerrors"
)

// dynamic attribute bits that must not participate in comparisons against
// an expected attribute mask.
const tpm2VolatileAttrs = tpm2.AttrNVWritten | tpm2.AttrNVReadLocked | tpm2.AttrNVWriteLocked

// tpm2Device implements Device for TPM 2.0 hardware.
type tpm2Device struct {
	tpm *tpm2.TPMContext
}

func openTPM2Device(path string) (Device, error) {
	tcti, err := linux.OpenDevice(path)
	if err != nil {
		return nil, ErrNoDevice
	}
	return &tpm2Device{tpm: tpm2.NewTPMContext(tcti)}, nil
}

func (d *tpm2Device) IsTPM2() bool { return true }

func (d *tpm2Device) IsOwned() (bool, error) {
	value, err := d.tpm.GetCapabilityTPMProperty(tpm2.PropertyPermanent)
	if err != nil {
		return false, xerrors.Errorf("cannot obtain permanent properties: %w", err)
	}
	return tpm2.PermanentAttributes(value)&tpm2.AttrOwnerAuthSet > 0, nil
}

// TakeOwnership is a no-op on TPM 2.0 - the owner hierarchy password is
// managed by the ownership daemon, and the spaces this package defines are
// definable with the empty owner authorization that is in place until that
// daemon runs.
func (d *tpm2Device) TakeOwnership() error {
	return nil
}

func (d *tpm2Device) ReadPCR(index int) ([]byte, error) {
	sel := tpm2.PCRSelectionList{{Hash: tpm2.HashAlgorithmSHA256, Select: []int{index}}}
	_, values, err := d.tpm.PCRRead(sel)
	if err != nil {
		return nil, xerrors.Errorf("cannot read PCR %d: %w", index, err)
	}
	return values[tpm2.HashAlgorithmSHA256][index], nil
}

func (d *tpm2Device) VersionInfo() (*VersionInfo, error) {
	manufacturer, err := d.tpm.GetCapabilityTPMProperty(tpm2.PropertyManufacturer)
	if err != nil {
		return nil, xerrors.Errorf("cannot obtain manufacturer: %w", err)
	}

	var vendor []byte
	for _, prop := range []tpm2.Property{tpm2.PropertyVendorString1, tpm2.PropertyVendorString2,
		tpm2.PropertyVendorString3, tpm2.PropertyVendorString4} {
		value, err := d.tpm.GetCapabilityTPMProperty(prop)
		if err != nil {
			return nil, xerrors.Errorf("cannot obtain vendor string: %w", err)
		}
		var chunk [4]byte
		binary.BigEndian.PutUint32(chunk[:], value)
		for _, c := range chunk {
			if c != 0 {
				vendor = append(vendor, c)
			}
		}
	}

	fw1, err := d.tpm.GetCapabilityTPMProperty(tpm2.PropertyFirmwareVersion1)
	if err != nil {
		return nil, xerrors.Errorf("cannot obtain firmware version: %w", err)
	}
	fw2, err := d.tpm.GetCapabilityTPMProperty(tpm2.PropertyFirmwareVersion2)
	if err != nil {
		return nil, xerrors.Errorf("cannot obtain firmware version: %w", err)
	}

	return &VersionInfo{
		ManufacturerID:  uint32(manufacturer),
		VendorString:    string(vendor),
		FirmwareVersion: uint64(fw1)<<32 | uint64(fw2)}, nil
}

func (d *tpm2Device) index(index uint32) (tpm2.ResourceContext, error) {
	handle := tpm2.Handle(index)
	rc, err := d.tpm.CreateResourceContextFromTPM(handle)
	switch {
	case tpm2.IsResourceUnavailableError(err, handle):
		return nil, ErrNvSpaceAbsent
	case err != nil:
		return nil, xerrors.Errorf("cannot create context for NV index: %w", err)
	}
	return rc, nil
}

func (d *tpm2Device) NVInfo(index uint32) (*NVSpaceInfo, error) {
	rc, err := d.index(index)
	if err != nil {
		return nil, err
	}

	pub, _, err := d.tpm.NVReadPublic(rc)
	if err != nil {
		return nil, xerrors.Errorf("cannot read public area of NV index: %w", err)
	}

	return &NVSpaceInfo{
		Size:         pub.Size,
		Attrs:        uint32(pub.Attrs &^ tpm2VolatileAttrs),
		PolicyDigest: pub.AuthPolicy,
		Written:      pub.Attrs&tpm2.AttrNVWritten > 0}, nil
}

func (d *tpm2Device) NVRead(index uint32, size uint16) ([]byte, error) {
	rc, err := d.index(index)
	if err != nil {
		return nil, err
	}

	data, err := d.tpm.NVRead(rc, rc, size, 0, nil)
	switch {
	case tpm2.IsTPMError(err, tpm2.ErrorNVUninitialized, tpm2.CommandNVRead):
		return nil, ErrNvSpaceUninitialized
	case err != nil:
		return nil, xerrors.Errorf("cannot read NV index: %w", err)
	}
	return data, nil
}

func (d *tpm2Device) NVWrite(index uint32, data []byte) error {
	rc, err := d.index(index)
	if err != nil {
		return err
	}

	err = d.tpm.NVWrite(rc, rc, data, 0, nil)
	switch {
	case tpm2.IsTPMError(err, tpm2.ErrorNVLocked, tpm2.CommandNVWrite):
		return ErrNvLocked
	case err != nil:
		return xerrors.Errorf("cannot write NV index: %w", err)
	}
	return nil
}

func (d *tpm2Device) NVDefine(index uint32, size uint16, attrs uint32, pcrs []int) error {
	pub := &tpm2.NVPublic{
		Index:   tpm2.Handle(index),
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs:   tpm2.NVAttributes(attrs),
		Size:    size}

	if len(pcrs) > 0 {
		digest, err := d.currentPcrPolicy(pcrs)
		if err != nil {
			return err
		}
		pub.AuthPolicy = digest
	}

	if _, err := d.tpm.NVDefineSpace(d.tpm.OwnerHandleContext(), nil, pub, nil); err != nil {
		return xerrors.Errorf("cannot define NV space: %w", err)
	}
	return nil
}

func (d *tpm2Device) NVReadLock(index uint32) error {
	rc, err := d.index(index)
	if err != nil {
		return err
	}
	if err := d.tpm.NVReadLock(rc, rc, nil); err != nil {
		return xerrors.Errorf("cannot read lock NV index: %w", err)
	}
	return nil
}

func (d *tpm2Device) NVWriteLock(index uint32) error {
	rc, err := d.index(index)
	if err != nil {
		return err
	}
	if err := d.tpm.NVWriteLock(rc, rc, nil); err != nil {
		return xerrors.Errorf("cannot write lock NV index: %w", err)
	}
	return nil
}

// currentPcrPolicy computes the digest of a policy session that asserts the
// supplied PCRs at their current values.
func (d *tpm2Device) currentPcrPolicy(pcrs []int) (tpm2.Digest, error) {
	sel := tpm2.PCRSelectionList{{Hash: tpm2.HashAlgorithmSHA256, Select: pcrs}}
	_, values, err := d.tpm.PCRRead(sel)
	if err != nil {
		return nil, xerrors.Errorf("cannot read PCR values: %w", err)
	}

	pcrDigest, err := util.ComputePCRDigest(tpm2.HashAlgorithmSHA256, sel, values)
	if err != nil {
		return nil, xerrors.Errorf("cannot compute PCR digest: %w", err)
	}

	trial := util.ComputeAuthPolicy(tpm2.HashAlgorithmSHA256)
	trial.PolicyPCR(pcrDigest, sel)
	return trial.GetDigest(), nil
}

func (d *tpm2Device) NVIsPcrBound(index uint32, pcrs []int) (bool, error) {
	info, err := d.NVInfo(index)
	if err != nil {
		return false, err
	}

	if len(pcrs) == 0 {
		return len(info.PolicyDigest) == 0, nil
	}

	expected, err := d.currentPcrPolicy(pcrs)
	if err != nil {
		return false, err
	}
	if len(info.PolicyDigest) != len(expected) {
		return false, nil
	}
	for i := range expected {
		if info.PolicyDigest[i] != expected[i] {
			return false, nil
		}
	}
	return true, nil
}

func (d *tpm2Device) Close() error {
	return d.tpm.Close()
}
