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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	drbg "github.com/canonical/go-sp800.90a-drbg"

	"golang.org/x/xerrors"
)

const systemKeyLabel = "system_key"

// SystemKey is the key derived from hardware-resident material. It is only
// ever used to wrap and unwrap the encryption key, is never persisted, and
// must be wiped at the end of each boot-time run.
type SystemKey []byte

// deriveSystemKey turns raw key material into a system key via the fixed
// label-keyed HMAC-SHA-256 construction. The label is the HMAC key; the
// material is the message. This is a wire format: keys written by earlier
// generations of this tool are only recoverable with this exact
// construction.
func deriveSystemKey(material []byte) SystemKey {
	return SystemKey(hmacSHA256([]byte(systemKeyLabel), material))
}

// DeriveKey derives a subordinate key from this system key under the
// supplied label, with the same construction used for the system key
// itself.
func (k SystemKey) DeriveKey(label string) []byte {
	return hmacSHA256([]byte(label), k)
}

// Wipe zeroes the key bytes. The slice must not be used afterwards.
func (k SystemKey) Wipe() {
	wipeBytes(k)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// generateKeyMaterial produces fresh random key material from a DRBG
// seeded by the system entropy source.
func generateKeyMaterial() ([]byte, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return nil, xerrors.Errorf("cannot obtain entropy: %w", err)
	}

	rng, err := drbg.NewCTRWithExternalEntropy(32, entropy, nil, nil, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot instantiate DRBG: %w", err)
	}

	material := make([]byte, KeyMaterialSize)
	if _, err := rng.Read(material); err != nil {
		return nil, xerrors.Errorf("cannot obtain random bytes: %w", err)
	}
	return material, nil
}
