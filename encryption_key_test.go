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

package encstateful_test

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/snapcore/encstateful"
)

type encryptionKeySuite struct{}

var _ = Suite(&encryptionKeySuite{})

func (s *encryptionKeySuite) TestWrapUnwrapRoundTrip(c *C) {
	systemKey := encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x11}, 32))
	key := bytes.Repeat([]byte{0x22}, 32)

	wrapped, err := encstateful.WrapKey(systemKey, key)
	c.Assert(err, IsNil)
	c.Check(wrapped, Not(DeepEquals), key)
	// 32 bytes of key plus one full padding block
	c.Check(wrapped, HasLen, 48)

	recovered, err := encstateful.UnwrapKey(systemKey, wrapped)
	c.Assert(err, IsNil)
	c.Check(recovered, DeepEquals, key)
}

func (s *encryptionKeySuite) TestWrapIsDeterministic(c *C) {
	// Zero IV CBC: the at-rest format must be reproducible so that a
	// key wrapped on a previous boot still unwraps today.
	systemKey := encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x11}, 32))
	key := bytes.Repeat([]byte{0x22}, 32)

	w1, err := encstateful.WrapKey(systemKey, key)
	c.Assert(err, IsNil)
	w2, err := encstateful.WrapKey(systemKey, key)
	c.Assert(err, IsNil)
	c.Check(w1, DeepEquals, w2)
}

func (s *encryptionKeySuite) TestUnwrapWrongKey(c *C) {
	key := bytes.Repeat([]byte{0x22}, 32)
	wrapped, err := encstateful.WrapKey(encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x11}, 32)), key)
	c.Assert(err, IsNil)

	_, err = encstateful.UnwrapKey(encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x12}, 32)), wrapped)
	c.Assert(err, NotNil)
	c.Check(err, FitsTypeOf, &encstateful.CryptoFailureError{})
}

func (s *encryptionKeySuite) TestUnwrapRejectsUnalignedCiphertext(c *C) {
	systemKey := encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x11}, 32))

	for _, wrapped := range [][]byte{nil, []byte{0x01}, bytes.Repeat([]byte{0x01}, 47)} {
		_, err := encstateful.UnwrapKey(systemKey, wrapped)
		c.Check(err, FitsTypeOf, &encstateful.CryptoFailureError{})
	}
}

func (s *encryptionKeySuite) TestUnwrapRejectsWrongPlaintextLength(c *C) {
	// A valid CBC blob whose plaintext is not exactly one key long.
	systemKey := encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x11}, 32))

	block, err := aes.NewCipher(systemKey)
	c.Assert(err, IsNil)
	padded := append(bytes.Repeat([]byte{0x22}, 16), bytes.Repeat([]byte{16}, 16)...)
	wrapped := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, 16)).CryptBlocks(wrapped, padded)

	_, err = encstateful.UnwrapKey(systemKey, wrapped)
	c.Check(err, FitsTypeOf, &encstateful.CryptoFailureError{})
}

func (s *encryptionKeySuite) TestObfuscationKeyIsFixed(c *C) {
	k1 := encstateful.ObfuscationKey()
	k2 := encstateful.ObfuscationKey()
	c.Check([]byte(k1), DeepEquals, []byte(k2))
	c.Check([]byte(k1), HasLen, 32)
}

func (s *encryptionKeySuite) TestKeyFileRoundTrip(c *C) {
	path := filepath.Join(c.MkDir(), "encrypted.key")
	systemKey := encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x11}, 32))
	key := bytes.Repeat([]byte{0x22}, 32)

	c.Assert(encstateful.WriteWrappedKey(path, systemKey, key), IsNil)

	fi, err := os.Stat(path)
	c.Assert(err, IsNil)
	c.Check(fi.Mode().Perm(), Equals, os.FileMode(0600))

	recovered, err := encstateful.ReadWrappedKey(path, systemKey)
	c.Assert(err, IsNil)
	c.Check(recovered, DeepEquals, key)
}

func (s *encryptionKeySuite) TestReadMissingKeyFile(c *C) {
	systemKey := encstateful.DeriveSystemKey(bytes.Repeat([]byte{0x11}, 32))
	_, err := encstateful.ReadWrappedKey(filepath.Join(c.MkDir(), "nonexistent"), systemKey)
	c.Check(os.IsNotExist(err), Equals, true)
}

func (s *encryptionKeySuite) TestSecureErase(c *C) {
	path := filepath.Join(c.MkDir(), "retired.key")
	c.Assert(os.WriteFile(path, []byte("secret"), 0600), IsNil)

	encstateful.SecureErase(path)

	_, err := os.Stat(path)
	c.Check(os.IsNotExist(err), Equals, true)
}
