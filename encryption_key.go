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
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"os"

	"github.com/apex/log"
	"github.com/snapcore/snapd/osutil"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// EncryptionKeySize is the size of the data encryption key.
const EncryptionKeySize = 32

// obfuscationLabel seeds the well-known key protecting the legacy
// needs-finalization file. It provides no secrecy - boards using it accept
// operating without hardware protection until finalization.
const obfuscationLabel = "needs finalization"

// wrapKey encrypts the encryption key under the system key with
// AES-256-CBC and a zero IV. The zero IV is sound only because a system
// key wraps exactly one plaintext in its entire lifetime: every fresh
// system key wraps one fresh encryption key, and preservation re-wraps
// under a newly generated system key. This one-shot-per-key discipline is
// also the wire format previous generations of this tool wrote, so it must
// not be replaced by a randomized IV scheme.
func wrapKey(systemKey SystemKey, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(systemKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot create cipher: %w", err)
	}

	// PKCS#7 padding
	padded := make([]byte, 0, len(key)+aes.BlockSize)
	padded = append(padded, key...)
	pad := aes.BlockSize - len(key)%aes.BlockSize
	for i := 0; i < pad; i++ {
		padded = append(padded, byte(pad))
	}

	out := make([]byte, len(padded))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	wipeBytes(padded)
	return out, nil
}

// unwrapKey reverses wrapKey, validating padding and plaintext length. Any
// failure is reported as a CryptoFailureError and yields no key.
func unwrapKey(systemKey SystemKey, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(systemKey)
	if err != nil {
		return nil, &CryptoFailureError{err}
	}

	if len(wrapped) == 0 || len(wrapped)%aes.BlockSize != 0 {
		return nil, &CryptoFailureError{xerrors.New("ciphertext is not block aligned")}
	}

	plain := make([]byte, len(wrapped))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, wrapped)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		wipeBytes(plain)
		return nil, &CryptoFailureError{xerrors.New("invalid padding")}
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			wipeBytes(plain)
			return nil, &CryptoFailureError{xerrors.New("invalid padding")}
		}
	}

	key := plain[:len(plain)-pad]
	if len(key) != EncryptionKeySize {
		wipeBytes(plain)
		return nil, &CryptoFailureError{xerrors.New("unexpected plaintext length")}
	}

	out := make([]byte, EncryptionKeySize)
	copy(out, key)
	wipeBytes(plain)
	return out, nil
}

// obfuscationKey returns the fixed non-secret system key used for the
// legacy needs-finalization file.
func obfuscationKey() SystemKey {
	sum := sha256.Sum256([]byte(obfuscationLabel))
	return SystemKey(sum[:])
}

// readWrappedKeyFile loads and unwraps a key file. A missing file returns
// os.ErrNotExist; a file that fails to unwrap returns a
// CryptoFailureError.
func readWrappedKeyFile(path string, systemKey SystemKey) ([]byte, error) {
	wrapped, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return unwrapKey(systemKey, wrapped)
}

// writeWrappedKeyFile wraps the key and writes it atomically.
func writeWrappedKeyFile(path string, systemKey SystemKey, key []byte) error {
	wrapped, err := wrapKey(systemKey, key)
	if err != nil {
		return err
	}
	if err := osutil.AtomicWriteFile(path, wrapped, 0600, 0); err != nil {
		return xerrors.Errorf("cannot write key file: %w", err)
	}
	return nil
}

// secureErase makes a best effort at destroying a retired key file:
// overwrite in place, sync, then unlink. Failures are logged; the caller
// cannot do anything about them.
func secureErase(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("cannot stat file for erase")
		}
		return
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err == nil {
		zeros := make([]byte, fi.Size())
		if _, err := f.Write(zeros); err != nil {
			log.WithError(err).WithField("path", path).Warn("cannot overwrite file")
		}
		if err := unix.Fsync(int(f.Fd())); err != nil {
			log.WithError(err).WithField("path", path).Warn("cannot sync erased file")
		}
		f.Close()
	} else {
		log.WithError(err).WithField("path", path).Warn("cannot open file for erase")
	}

	if err := os.Remove(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("cannot remove erased file")
	}
}
