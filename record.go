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
	"encoding/binary"
)

// The encstateful NV space holds one fixed-layout little-endian record:
//
//	magic     uint32
//	verFlags  uint32  (low byte: version, bits 8 and up: flags)
//	material  [32]byte
//	mac       [32]byte (generation 1 only)
//
// The record is always rewritten as a whole; there are no partial updates.
// Decoding trusts nothing: a wrong magic, version or length reads the same
// as an absent record.
const (
	recordMagic   uint32 = 0x54504d45
	recordVersion uint32 = 1

	versionMask uint32 = 0x000000ff

	// KeyMaterialSize is the size of the hardware-resident key material
	// and of every key derived from it.
	KeyMaterialSize = 32

	lockboxMacSize = 32

	recordSizeTpm2 = 8 + KeyMaterialSize
	recordSizeTpm1 = recordSizeTpm2 + lockboxMacSize
)

// Record flags. Both only have meaning on generation 1.
const (
	// flagLockboxMacValid marks the mac field as carrying a MAC over
	// the lockbox space contents, computed at preservation time.
	flagLockboxMacValid uint32 = 1 << 8

	// flagAnticipatingTpmClear marks the record as written in
	// anticipation of a TPM clear, keeping preservation eligible on
	// the following boot even if the firmware update marker is gone.
	flagAnticipatingTpmClear uint32 = 1 << 9
)

// encStatefulRecord is the decoded form of the record.
type encStatefulRecord struct {
	flags    uint32
	material [KeyMaterialSize]byte
	mac      [lockboxMacSize]byte
}

func recordSize(tpm2 bool) int {
	if tpm2 {
		return recordSizeTpm2
	}
	return recordSizeTpm1
}

// decodeRecord parses the supplied space contents. ok is false when the
// contents do not carry a valid record of the expected generation layout,
// in which case the space must be treated as absent.
func decodeRecord(data []byte, tpm2 bool) (rec *encStatefulRecord, ok bool) {
	if len(data) < recordSize(tpm2) {
		return nil, false
	}
	if binary.LittleEndian.Uint32(data[0:4]) != recordMagic {
		return nil, false
	}

	verFlags := binary.LittleEndian.Uint32(data[4:8])
	if verFlags&versionMask != recordVersion {
		return nil, false
	}

	rec = &encStatefulRecord{flags: verFlags &^ versionMask}
	copy(rec.material[:], data[8:8+KeyMaterialSize])
	if !tpm2 {
		copy(rec.mac[:], data[8+KeyMaterialSize:])
	}
	return rec, true
}

// encode serializes the record into the generation-appropriate layout.
func (r *encStatefulRecord) encode(tpm2 bool) []byte {
	out := make([]byte, recordSize(tpm2))
	binary.LittleEndian.PutUint32(out[0:4], recordMagic)
	binary.LittleEndian.PutUint32(out[4:8], recordVersion|r.flags)
	copy(out[8:], r.material[:])
	if !tpm2 {
		copy(out[8+KeyMaterialSize:], r.mac[:])
	}
	return out
}

func (r *encStatefulRecord) hasFlag(flag uint32) bool {
	return r.flags&flag > 0
}

// wipe clears the secret material held by the record.
func (r *encStatefulRecord) wipe() {
	for i := range r.material {
		r.material[i] = 0
	}
}
