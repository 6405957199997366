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
	"github.com/apex/log"
	"golang.org/x/xerrors"

	"github.com/snapcore/encstateful/tpm"
)

type tpm2SystemKeyLoader struct {
	conn *tpm.Connection

	// provisional is the record built by Initialize and not yet
	// written to NVRAM.
	provisional *encStatefulRecord
}

func newTpm2SystemKeyLoader(conn *tpm.Connection) SystemKeyLoader {
	return &tpm2SystemKeyLoader{conn: conn}
}

func (l *tpm2SystemKeyLoader) Load() (SystemKey, error) {
	space := l.conn.EncstatefulSpace()
	if space.Read(l.conn.EncstatefulSize()) != tpm.SpaceStatusValid {
		return nil, ErrNoSystemKey
	}

	attrs, err := space.GetAttributes()
	if err != nil {
		return nil, xerrors.Errorf("cannot read space attributes: %w", err)
	}
	if attrs != l.conn.EncstatefulAttrs() {
		log.WithField("attrs", attrs).Warn("encstateful space has unexpected attributes")
		return nil, ErrNoSystemKey
	}

	rec, ok := decodeRecord(space.Contents(), true)
	if !ok {
		return nil, ErrNoSystemKey
	}

	return deriveSystemKey(rec.material[:]), nil
}

func (l *tpm2SystemKeyLoader) Initialize(material []byte) (SystemKey, error) {
	if len(material) != KeyMaterialSize {
		return nil, &StructuralMismatchError{Reason: "system key material has wrong size"}
	}

	rec := &encStatefulRecord{}
	copy(rec.material[:], material)
	l.provisional = rec

	return deriveSystemKey(material), nil
}

func (l *tpm2SystemKeyLoader) Persist() error {
	if l.provisional == nil {
		return xerrors.New("no provisional system key record to persist")
	}

	space := l.conn.EncstatefulSpace()
	if space.Read(l.conn.EncstatefulSize()) == tpm.SpaceStatusAbsent {
		if err := space.Define(l.conn.EncstatefulAttrs(), l.conn.EncstatefulSize(), nil); err != nil {
			return xerrors.Errorf("cannot define encstateful space: %w", err)
		}
	}

	if err := space.Write(l.provisional.encode(true)); err != nil {
		return xerrors.Errorf("cannot write encstateful space: %w", err)
	}
	return nil
}

func (l *tpm2SystemKeyLoader) Lock() {
	space := l.conn.EncstatefulSpace()
	space.WriteLock()
	space.ReadLock()
}

// SetupTpm is a no-op: defining NV spaces needs no owner authorization
// with an empty owner hierarchy auth.
func (l *tpm2SystemKeyLoader) SetupTpm() error {
	return nil
}

func (l *tpm2SystemKeyLoader) GenerateForPreservation() (SystemKey, SystemKey, error) {
	return nil, nil, ErrPreservationUnsupported
}

// CheckLockbox equates lockbox validity with TPM ownership: the
// ownership daemon recreates the lockbox space as soon as the TPM is
// owned, so an owned TPM implies trustworthy contents.
func (l *tpm2SystemKeyLoader) CheckLockbox() (bool, error) {
	owned, err := l.conn.IsOwned()
	if err != nil {
		return false, xerrors.Errorf("cannot determine TPM ownership: %w", err)
	}
	return owned, nil
}

func (l *tpm2SystemKeyLoader) UsingLockboxKey() bool {
	return false
}
