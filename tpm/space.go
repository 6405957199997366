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
	"github.com/apex/log"

	"golang.org/x/xerrors"
)

// SpaceStatus describes the validity of a NV space as observed by this
// process. Valid and Writable are mutually exclusive by construction:
// Writable is only ever set from a read that found the space defined but
// never written, and Valid only from a successful read.
type SpaceStatus int

const (
	// SpaceStatusUnknown means the space has not been accessed yet.
	SpaceStatusUnknown SpaceStatus = iota

	// SpaceStatusAbsent means the space is not defined in hardware.
	SpaceStatusAbsent

	// SpaceStatusWritable means the space is defined but has never
	// been successfully written. Only reachable on generation 1.
	SpaceStatusWritable

	// SpaceStatusValid means the space is defined and its contents
	// have been read.
	SpaceStatusValid

	// SpaceStatusTpmError means the hardware failed the last access.
	SpaceStatusTpmError
)

func (s SpaceStatus) String() string {
	switch s {
	case SpaceStatusAbsent:
		return "absent"
	case SpaceStatusWritable:
		return "writable"
	case SpaceStatusValid:
		return "valid"
	case SpaceStatusTpmError:
		return "error"
	default:
		return "unknown"
	}
}

// NvramSpace is a validity-tracked accessor for one fixed NV index.
// Contents are read lazily and cached for the lifetime of the process;
// they are only invalidated through Write and Define on this object.
type NvramSpace struct {
	dev   Device
	index uint32

	status   SpaceStatus
	contents []byte
}

func newNvramSpace(dev Device, index uint32) *NvramSpace {
	return &NvramSpace{dev: dev, index: index}
}

// Index returns the NV index this space is bound to.
func (s *NvramSpace) Index() uint32 {
	return s.index
}

// Status returns the validity observed by the most recent access.
func (s *NvramSpace) Status() SpaceStatus {
	return s.status
}

// Contents returns the cached contents. Only meaningful when Status is
// SpaceStatusValid.
func (s *NvramSpace) Contents() []byte {
	return s.contents
}

// GetAttributes returns the attribute bitmask of the defined space, in the
// generation-specific encoding with volatile bits stripped.
func (s *NvramSpace) GetAttributes() (uint32, error) {
	info, err := s.dev.NVInfo(s.index)
	if err != nil {
		return 0, err
	}
	return info.Attrs, nil
}

// Size returns the data size of the defined space.
func (s *NvramSpace) Size() (uint16, error) {
	info, err := s.dev.NVInfo(s.index)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Read refreshes the contents cache, reading expectedSize bytes. The
// resulting status is returned; a repeated call with the same size returns
// the cache without touching hardware.
func (s *NvramSpace) Read(expectedSize uint16) SpaceStatus {
	if s.status == SpaceStatusValid && len(s.contents) >= int(expectedSize) {
		return s.status
	}

	data, err := s.dev.NVRead(s.index, expectedSize)
	switch {
	case err == nil:
		s.contents = data
		s.status = SpaceStatusValid
	case xerrors.Is(err, ErrNvSpaceAbsent):
		s.contents = nil
		s.status = SpaceStatusAbsent
	case xerrors.Is(err, ErrNvSpaceUninitialized):
		s.contents = nil
		if s.dev.IsTPM2() {
			// A gen-2 space is only ever defined immediately
			// before being written, so an unwritten space is
			// treated the same as an undefined one.
			s.status = SpaceStatusAbsent
		} else {
			s.status = SpaceStatusWritable
		}
	default:
		log.WithError(err).WithField("index", s.index).Warn("NV space read failed")
		s.contents = nil
		s.status = SpaceStatusTpmError
	}
	return s.status
}

// Write replaces the contents of the space. On success the cache reflects
// the written data and the space becomes Valid.
func (s *NvramSpace) Write(data []byte) error {
	if err := s.dev.NVWrite(s.index, data); err != nil {
		return err
	}
	s.contents = append([]byte(nil), data...)
	s.status = SpaceStatusValid
	return nil
}

// Define creates the space, binding access to the current values of the
// supplied PCRs. The contents cache is invalidated; on generation 1 the
// fresh space is Writable, on generation 2 the caller is expected to write
// it immediately.
func (s *NvramSpace) Define(attrs uint32, size uint16, pcrs []int) error {
	if err := s.dev.NVDefine(s.index, size, attrs, pcrs); err != nil {
		return err
	}
	s.contents = nil
	if s.dev.IsTPM2() {
		s.status = SpaceStatusUnknown
	} else {
		s.status = SpaceStatusWritable
	}
	return nil
}

// ReadLock engages the read lock until the next TPM reset. Best effort:
// failures are logged and swallowed.
func (s *NvramSpace) ReadLock() {
	if err := s.dev.NVReadLock(s.index); err != nil {
		log.WithError(err).WithField("index", s.index).Warn("cannot read lock NV space")
	}
}

// WriteLock engages the write lock until the next TPM reset. Best effort:
// failures are logged and swallowed.
func (s *NvramSpace) WriteLock() {
	if err := s.dev.NVWriteLock(s.index); err != nil {
		log.WithError(err).WithField("index", s.index).Warn("cannot write lock NV space")
	}
}

// CheckPcrBinding reports whether the access policy recorded for this
// space matches the current values of the supplied PCRs.
func (s *NvramSpace) CheckPcrBinding(pcrs []int) (bool, error) {
	return s.dev.NVIsPcrBound(s.index, pcrs)
}
