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
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/google/go-tpm/tpmutil"

	"golang.org/x/xerrors"
)

// TPM 1.2 command tags and ordinals.
const (
	tpm1TagRqu      uint16 = 0x00c1
	tpm1TagRquAuth1 uint16 = 0x00c2

	tpm1OrdOIAP          uint32 = 0x0000000a
	tpm1OrdOSAP          uint32 = 0x0000000b
	tpm1OrdTakeOwnership uint32 = 0x0000000d
	tpm1OrdPcrRead       uint32 = 0x00000015
	tpm1OrdGetCapability uint32 = 0x00000065
	tpm1OrdReadPubek     uint32 = 0x0000007c
	tpm1OrdNVDefineSpace uint32 = 0x000000cc
	tpm1OrdNVWriteValue  uint32 = 0x000000cd
	tpm1OrdNVReadValue   uint32 = 0x000000cf

	tpm1CapProperty   uint32 = 0x00000005
	tpm1CapNVIndex    uint32 = 0x00000011
	tpm1CapVersionVal uint32 = 0x0000001a

	tpm1SubCapPropOwner uint32 = 0x00000111

	tpm1TagNVAttributes   uint16 = 0x0017
	tpm1TagNVDataPublic   uint16 = 0x0018
	tpm1TagKey12          uint16 = 0x0028
	tpm1TagCapVersionInfo uint16 = 0x0030

	tpm1PidOwner uint16 = 0x0005

	tpm1EntityTypeOwner uint16 = 0x0002

	tpm1AlgRSA            uint32 = 0x00000001
	tpm1EsRSAOAEPSHA1MGF1 uint16 = 0x0003
	tpm1SsNone            uint16 = 0x0001
	tpm1KeyUsageStorage   uint16 = 0x0011

	// result codes we dispatch on
	tpm1BadIndex uint32 = 0x00000002
)

// TPM 1.2 NV per-attribute bits, in the TPM_NV_ATTRIBUTES wire encoding.
const (
	Tpm1AttrOwnerWrite   uint32 = 0x00000002
	Tpm1AttrWriteSTClear uint32 = 0x00004000
	Tpm1AttrReadSTClear  uint32 = 0x80000000
)

// tpm1Error carries a raw TPM 1.2 result code.
type tpm1Error struct {
	Ord  uint32
	Code uint32
}

func (e tpm1Error) Error() string {
	return fmt.Sprintf("TPM command 0x%08x failed with result 0x%08x", e.Ord, e.Code)
}

// tpm1Device implements Device for TPM 1.2 hardware. Commands are framed
// directly at the TPM_TAG_RQU_COMMAND level; the spaces this package owns
// are defined so that data reads and writes require no authorization
// session, matching what the boot firmware expects. Owner-authorized
// commands (space definition, ownership, the initialized flag) run under
// OIAP/OSAP sessions keyed with the well-known secret.
type tpm1Device struct {
	rw io.ReadWriteCloser
}

// wellKnownSecret is the all-zeros owner authorization this subsystem
// installs and uses. Restricting access to the owner hierarchy is not a
// goal here; ownership only gates space definition.
var wellKnownSecret [20]byte

func openTPM1Device(path string) (Device, error) {
	rw, err := tpmutil.OpenTPM(path)
	if err != nil {
		return nil, ErrNoDevice
	}
	return &tpm1Device{rw: rw}, nil
}

func (d *tpm1Device) IsTPM2() bool { return false }

// run submits one command and returns the response body. A non-zero result
// code is returned as a tpm1Error.
func (d *tpm1Device) run(tag uint16, ord uint32, body []byte) ([]byte, error) {
	cmd := new(bytes.Buffer)
	binary.Write(cmd, binary.BigEndian, tag)
	binary.Write(cmd, binary.BigEndian, uint32(10+len(body)))
	binary.Write(cmd, binary.BigEndian, ord)
	cmd.Write(body)

	if _, err := d.rw.Write(cmd.Bytes()); err != nil {
		return nil, xerrors.Errorf("cannot submit command: %w", err)
	}

	rsp := make([]byte, 4096)
	n, err := d.rw.Read(rsp)
	if err != nil {
		return nil, xerrors.Errorf("cannot read response: %w", err)
	}
	if n < 10 {
		return nil, xerrors.New("truncated response header")
	}

	size := binary.BigEndian.Uint32(rsp[2:6])
	result := binary.BigEndian.Uint32(rsp[6:10])
	if result != 0 {
		return nil, tpm1Error{Ord: ord, Code: result}
	}
	if int(size) > n {
		return nil, xerrors.New("truncated response body")
	}
	return rsp[10:size], nil
}

func isTpm1Error(err error, code uint32) bool {
	var e tpm1Error
	return xerrors.As(err, &e) && e.Code == code
}

// oiap starts an OIAP authorization session.
func (d *tpm1Device) oiap() (handle uint32, nonceEven [20]byte, err error) {
	rsp, err := d.run(tpm1TagRqu, tpm1OrdOIAP, nil)
	if err != nil {
		return 0, nonceEven, err
	}
	if len(rsp) < 24 {
		return 0, nonceEven, xerrors.New("short OIAP response")
	}
	handle = binary.BigEndian.Uint32(rsp[0:4])
	copy(nonceEven[:], rsp[4:24])
	return handle, nonceEven, nil
}

// osap starts an OSAP session against the owner and derives the shared
// secret from the well-known owner authorization.
func (d *tpm1Device) osap() (handle uint32, nonceEven, shared [20]byte, err error) {
	var nonceOddOSAP [20]byte
	if _, err := rand.Read(nonceOddOSAP[:]); err != nil {
		return 0, nonceEven, shared, xerrors.Errorf("cannot generate nonce: %w", err)
	}

	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, tpm1EntityTypeOwner)
	binary.Write(body, binary.BigEndian, uint32(0))
	body.Write(nonceOddOSAP[:])

	rsp, err := d.run(tpm1TagRqu, tpm1OrdOSAP, body.Bytes())
	if err != nil {
		return 0, nonceEven, shared, err
	}
	if len(rsp) < 44 {
		return 0, nonceEven, shared, xerrors.New("short OSAP response")
	}
	handle = binary.BigEndian.Uint32(rsp[0:4])
	copy(nonceEven[:], rsp[4:24])
	var nonceEvenOSAP [20]byte
	copy(nonceEvenOSAP[:], rsp[24:44])

	mac := hmac.New(sha1.New, wellKnownSecret[:])
	mac.Write(nonceEvenOSAP[:])
	mac.Write(nonceOddOSAP[:])
	copy(shared[:], mac.Sum(nil))
	return handle, nonceEven, shared, nil
}

// runAuth1 submits an owner-authorized command: body is the parameter area
// after the ordinal, authKey the HMAC key of the session (the shared OSAP
// secret, or the owner authorization for OIAP-authorized ordinals).
func (d *tpm1Device) runAuth1(ord uint32, body []byte, authHandle uint32, nonceEven [20]byte, authKey []byte) ([]byte, error) {
	var nonceOdd [20]byte
	if _, err := rand.Read(nonceOdd[:]); err != nil {
		return nil, xerrors.Errorf("cannot generate nonce: %w", err)
	}

	h := sha1.New()
	binary.Write(h, binary.BigEndian, ord)
	h.Write(body)
	inParamDigest := h.Sum(nil)

	mac := hmac.New(sha1.New, authKey)
	mac.Write(inParamDigest)
	mac.Write(nonceEven[:])
	mac.Write(nonceOdd[:])
	mac.Write([]byte{0}) // continueAuthSession
	authData := mac.Sum(nil)

	cmd := new(bytes.Buffer)
	cmd.Write(body)
	binary.Write(cmd, binary.BigEndian, authHandle)
	cmd.Write(nonceOdd[:])
	cmd.WriteByte(0)
	cmd.Write(authData)

	return d.run(tpm1TagRquAuth1, ord, cmd.Bytes())
}

func (d *tpm1Device) IsOwned() (bool, error) {
	rsp, err := d.getCapability(tpm1CapProperty, u32(tpm1SubCapPropOwner))
	if err != nil {
		return false, err
	}
	if len(rsp) < 1 {
		return false, xerrors.New("short owner property response")
	}
	return rsp[0] != 0, nil
}

func (d *tpm1Device) getCapability(area uint32, subCap []byte) ([]byte, error) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, area)
	binary.Write(body, binary.BigEndian, uint32(len(subCap)))
	body.Write(subCap)

	rsp, err := d.run(tpm1TagRqu, tpm1OrdGetCapability, body.Bytes())
	if err != nil {
		return nil, err
	}
	if len(rsp) < 4 {
		return nil, xerrors.New("short capability response")
	}
	size := binary.BigEndian.Uint32(rsp[0:4])
	if int(size) > len(rsp)-4 {
		return nil, xerrors.New("truncated capability response")
	}
	return rsp[4 : 4+size], nil
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func (d *tpm1Device) readPubEK() (*rsa.PublicKey, error) {
	var nonce [20]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, xerrors.Errorf("cannot generate nonce: %w", err)
	}

	rsp, err := d.run(tpm1TagRqu, tpm1OrdReadPubek, nonce[:])
	if err != nil {
		return nil, xerrors.Errorf("cannot read endorsement key: %w", err)
	}

	// TPM_PUBKEY: TPM_KEY_PARMS || TPM_STORE_PUBKEY, then a 20 byte
	// checksum that we do not verify - the key is only used to encrypt
	// a well-known secret.
	if len(rsp) < 12 {
		return nil, xerrors.New("short pubek response")
	}
	parmSize := binary.BigEndian.Uint32(rsp[8:12])
	off := 12 + int(parmSize)
	if len(rsp) < off+4 {
		return nil, xerrors.New("malformed pubek response")
	}
	keyLength := binary.BigEndian.Uint32(rsp[off : off+4])
	off += 4
	if len(rsp) < off+int(keyLength) {
		return nil, xerrors.New("malformed pubek modulus")
	}
	modulus := new(big.Int).SetBytes(rsp[off : off+int(keyLength)])
	return &rsa.PublicKey{N: modulus, E: 65537}, nil
}

// TakeOwnership installs the well-known owner and SRK secrets. The secrets
// are RSA-OAEP encrypted under the endorsement key with the label mandated
// by the TCG spec.
func (d *tpm1Device) TakeOwnership() error {
	owned, err := d.IsOwned()
	if err != nil {
		return err
	}
	if owned {
		return nil
	}

	ek, err := d.readPubEK()
	if err != nil {
		return err
	}

	encOwnerAuth, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, ek, wellKnownSecret[:], []byte("TCPA"))
	if err != nil {
		return xerrors.Errorf("cannot encrypt owner secret: %w", err)
	}
	encSrkAuth, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, ek, wellKnownSecret[:], []byte("TCPA"))
	if err != nil {
		return xerrors.Errorf("cannot encrypt SRK secret: %w", err)
	}

	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, tpm1PidOwner)
	binary.Write(body, binary.BigEndian, uint32(len(encOwnerAuth)))
	body.Write(encOwnerAuth)
	binary.Write(body, binary.BigEndian, uint32(len(encSrkAuth)))
	body.Write(encSrkAuth)
	body.Write(srkTemplate())

	handle, nonceEven, err := d.oiap()
	if err != nil {
		return xerrors.Errorf("cannot start ownership session: %w", err)
	}

	if _, err := d.runAuth1(tpm1OrdTakeOwnership, body.Bytes(), handle, nonceEven, wellKnownSecret[:]); err != nil {
		return xerrors.Errorf("cannot take ownership: %w", err)
	}
	return nil
}

// srkTemplate returns the TPM_KEY12 template for the storage root key
// created during TPM_TakeOwnership.
func srkTemplate() []byte {
	b := new(bytes.Buffer)
	binary.Write(b, binary.BigEndian, tpm1TagKey12)
	binary.Write(b, binary.BigEndian, uint16(0)) // fill
	binary.Write(b, binary.BigEndian, tpm1KeyUsageStorage)
	binary.Write(b, binary.BigEndian, uint32(0)) // keyFlags
	b.WriteByte(1)                               // authDataUsage: always
	binary.Write(b, binary.BigEndian, tpm1AlgRSA)
	binary.Write(b, binary.BigEndian, tpm1EsRSAOAEPSHA1MGF1)
	binary.Write(b, binary.BigEndian, tpm1SsNone)
	binary.Write(b, binary.BigEndian, uint32(12)) // parmSize
	binary.Write(b, binary.BigEndian, uint32(2048))
	binary.Write(b, binary.BigEndian, uint32(2))
	binary.Write(b, binary.BigEndian, uint32(0)) // exponentSize
	binary.Write(b, binary.BigEndian, uint32(0)) // PCRInfoSize
	binary.Write(b, binary.BigEndian, uint32(0)) // pubKey.keyLength
	binary.Write(b, binary.BigEndian, uint32(0)) // encDataSize
	return b.Bytes()
}

func (d *tpm1Device) ReadPCR(index int) ([]byte, error) {
	rsp, err := d.run(tpm1TagRqu, tpm1OrdPcrRead, u32(uint32(index)))
	if err != nil {
		return nil, xerrors.Errorf("cannot read PCR %d: %w", index, err)
	}
	if len(rsp) < 20 {
		return nil, xerrors.New("short PCR read response")
	}
	return rsp[:20], nil
}

func (d *tpm1Device) VersionInfo() (*VersionInfo, error) {
	rsp, err := d.getCapability(tpm1CapVersionVal, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot read version info: %w", err)
	}

	// TPM_CAP_VERSION_INFO: tag(2) version(4) specLevel(2) errataRev(1)
	// tpmVendorID(4) vendorSpecificSize(2) vendorSpecific.
	if len(rsp) < 15 || binary.BigEndian.Uint16(rsp[0:2]) != tpm1TagCapVersionInfo {
		return nil, xerrors.New("malformed version info")
	}
	vendorSpecificSize := int(binary.BigEndian.Uint16(rsp[13:15]))
	if len(rsp) < 15+vendorSpecificSize {
		return nil, xerrors.New("truncated version info")
	}

	return &VersionInfo{
		ManufacturerID:  binary.BigEndian.Uint32(rsp[9:13]),
		VendorString:    string(bytes.TrimRight(rsp[9:13], "\x00")),
		FirmwareVersion: uint64(rsp[4])<<8 | uint64(rsp[5]),
		VendorSpecific:  rsp[15 : 15+vendorSpecificSize]}, nil
}

// nvDataPublic is the parsed TPM_NV_DATA_PUBLIC structure.
type nvDataPublic struct {
	size        uint32
	attrs       uint32
	readSelect  []byte
	readDigest  [20]byte
	writeSelect []byte
	writeDigest [20]byte
}

func parsePcrInfoShort(b []byte) (sel []byte, digest [20]byte, rest []byte, err error) {
	if len(b) < 2 {
		return nil, digest, nil, xerrors.New("truncated PCR selection")
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n+1+20 {
		return nil, digest, nil, xerrors.New("truncated PCR info")
	}
	sel = b[2 : 2+n]
	copy(digest[:], b[2+n+1:2+n+21])
	return sel, digest, b[2+n+21:], nil
}

func (d *tpm1Device) nvInfo(index uint32) (*nvDataPublic, error) {
	rsp, err := d.getCapability(tpm1CapNVIndex, u32(index))
	if err != nil {
		if isTpm1Error(err, tpm1BadIndex) {
			return nil, ErrNvSpaceAbsent
		}
		return nil, xerrors.Errorf("cannot read NV public area: %w", err)
	}

	if len(rsp) < 6 || binary.BigEndian.Uint16(rsp[0:2]) != tpm1TagNVDataPublic {
		return nil, xerrors.New("malformed NV public area")
	}

	var info nvDataPublic
	rest := rsp[6:]
	if info.readSelect, info.readDigest, rest, err = parsePcrInfoShort(rest); err != nil {
		return nil, err
	}
	if info.writeSelect, info.writeDigest, rest, err = parsePcrInfoShort(rest); err != nil {
		return nil, err
	}
	// TPM_NV_ATTRIBUTES(6) bReadSTClear(1) bWriteSTClear(1) bWriteDefine(1) dataSize(4)
	if len(rest) < 13 {
		return nil, xerrors.New("truncated NV public area")
	}
	info.attrs = binary.BigEndian.Uint32(rest[2:6])
	info.size = binary.BigEndian.Uint32(rest[9:13])
	return &info, nil
}

func (d *tpm1Device) NVInfo(index uint32) (*NVSpaceInfo, error) {
	info, err := d.nvInfo(index)
	if err != nil {
		return nil, err
	}

	out := &NVSpaceInfo{
		Size:  uint16(info.size),
		Attrs: info.attrs,
		// Generation 1 cannot report whether the space has been
		// written; reads of an unwritten space are detected at the
		// contents level instead.
		Written: true}
	if anySelected(info.readSelect) {
		out.PolicyDigest = append([]byte(nil), info.readDigest[:]...)
	}
	return out, nil
}

func anySelected(sel []byte) bool {
	for _, b := range sel {
		if b != 0 {
			return true
		}
	}
	return false
}

func (d *tpm1Device) NVRead(index uint32, size uint16) ([]byte, error) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, index)
	binary.Write(body, binary.BigEndian, uint32(0))
	binary.Write(body, binary.BigEndian, uint32(size))

	rsp, err := d.run(tpm1TagRqu, tpm1OrdNVReadValue, body.Bytes())
	if err != nil {
		if isTpm1Error(err, tpm1BadIndex) {
			return nil, ErrNvSpaceAbsent
		}
		return nil, xerrors.Errorf("cannot read NV space: %w", err)
	}
	if len(rsp) < 4 {
		return nil, xerrors.New("short NV read response")
	}
	n := binary.BigEndian.Uint32(rsp[0:4])
	if int(n) > len(rsp)-4 {
		return nil, xerrors.New("truncated NV read response")
	}
	data := rsp[4 : 4+n]

	// A generation-1 space reads back as all ones from definition until
	// the first write.
	uninitialized := len(data) > 0
	for _, b := range data {
		if b != 0xff {
			uninitialized = false
			break
		}
	}
	if uninitialized {
		return nil, ErrNvSpaceUninitialized
	}
	return data, nil
}

func (d *tpm1Device) NVWrite(index uint32, data []byte) error {
	return d.nvWrite(index, data, false)
}

func (d *tpm1Device) nvWrite(index uint32, data []byte, ownerAuth bool) error {
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, index)
	binary.Write(body, binary.BigEndian, uint32(0))
	binary.Write(body, binary.BigEndian, uint32(len(data)))
	body.Write(data)

	var err error
	if ownerAuth {
		var handle uint32
		var nonceEven, shared [20]byte
		handle, nonceEven, shared, err = d.osap()
		if err != nil {
			return xerrors.Errorf("cannot start owner session: %w", err)
		}
		_, err = d.runAuth1(tpm1OrdNVWriteValue, body.Bytes(), handle, nonceEven, shared[:])
	} else {
		_, err = d.run(tpm1TagRqu, tpm1OrdNVWriteValue, body.Bytes())
	}

	switch {
	case err == nil:
		return nil
	case isTpm1Error(err, tpm1BadIndex):
		return ErrNvSpaceAbsent
	default:
		return xerrors.Errorf("cannot write NV space: %w", err)
	}
}

func (d *tpm1Device) NVDefine(index uint32, size uint16, attrs uint32, pcrs []int) error {
	pcrInfo, err := d.pcrInfoShort(pcrs)
	if err != nil {
		return err
	}

	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, tpm1TagNVDataPublic)
	binary.Write(body, binary.BigEndian, index)
	body.Write(pcrInfo) // pcrInfoRead
	body.Write(pcrInfo) // pcrInfoWrite
	binary.Write(body, binary.BigEndian, tpm1TagNVAttributes)
	binary.Write(body, binary.BigEndian, attrs)
	body.WriteByte(0) // bReadSTClear
	body.WriteByte(0) // bWriteSTClear
	body.WriteByte(0) // bWriteDefine
	binary.Write(body, binary.BigEndian, uint32(size))

	// encAuth: the area is not auth-protected, so this is the xor
	// encryption of the zero secret under the OSAP shared secret.
	handle, nonceEven, shared, err := d.osap()
	if err != nil {
		return xerrors.Errorf("cannot start owner session: %w", err)
	}

	h := sha1.New()
	h.Write(shared[:])
	h.Write(nonceEven[:])
	pad := h.Sum(nil)
	var encAuth [20]byte
	copy(encAuth[:], pad[:20]) // zero secret xor pad == pad

	body.Write(encAuth[:])

	if _, err := d.runAuth1(tpm1OrdNVDefineSpace, body.Bytes(), handle, nonceEven, shared[:]); err != nil {
		return xerrors.Errorf("cannot define NV space: %w", err)
	}
	return nil
}

// The read and write locks on generation 1 are engaged through zero-sized
// NV operations against spaces carrying the READ_STCLEAR and WRITE_STCLEAR
// attributes.

func (d *tpm1Device) NVReadLock(index uint32) error {
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, index)
	binary.Write(body, binary.BigEndian, uint32(0))
	binary.Write(body, binary.BigEndian, uint32(0))

	if _, err := d.run(tpm1TagRqu, tpm1OrdNVReadValue, body.Bytes()); err != nil {
		if isTpm1Error(err, tpm1BadIndex) {
			return ErrNvSpaceAbsent
		}
		return xerrors.Errorf("cannot read lock NV space: %w", err)
	}
	return nil
}

func (d *tpm1Device) NVWriteLock(index uint32) error {
	if err := d.nvWrite(index, nil, false); err != nil {
		if xerrors.Is(err, ErrNvSpaceAbsent) {
			return err
		}
		return xerrors.Errorf("cannot write lock NV space: %w", err)
	}
	return nil
}

// pcrInfoShort serializes a TPM_PCR_INFO_SHORT binding the supplied PCRs at
// their current values.
func (d *tpm1Device) pcrInfoShort(pcrs []int) ([]byte, error) {
	var sel [3]byte
	for _, pcr := range pcrs {
		sel[pcr/8] |= 1 << uint(pcr%8)
	}

	b := new(bytes.Buffer)
	binary.Write(b, binary.BigEndian, uint16(3))
	b.Write(sel[:])
	b.WriteByte(0x1f) // localityAtRelease: all localities

	if len(pcrs) == 0 {
		b.Write(make([]byte, 20))
		return b.Bytes(), nil
	}

	digest, err := d.pcrCompositeHash(sel, pcrs)
	if err != nil {
		return nil, err
	}
	b.Write(digest)
	return b.Bytes(), nil
}

// pcrCompositeHash computes the TPM_COMPOSITE_HASH over the current values
// of the selected PCRs.
func (d *tpm1Device) pcrCompositeHash(sel [3]byte, pcrs []int) ([]byte, error) {
	composite := new(bytes.Buffer)
	binary.Write(composite, binary.BigEndian, uint16(3))
	composite.Write(sel[:])
	binary.Write(composite, binary.BigEndian, uint32(20*len(pcrs)))
	for _, pcr := range pcrs {
		value, err := d.ReadPCR(pcr)
		if err != nil {
			return nil, err
		}
		composite.Write(value)
	}

	digest := sha1.Sum(composite.Bytes())
	return digest[:], nil
}

func (d *tpm1Device) NVIsPcrBound(index uint32, pcrs []int) (bool, error) {
	info, err := d.nvInfo(index)
	if err != nil {
		return false, err
	}

	if len(pcrs) == 0 {
		return !anySelected(info.readSelect), nil
	}
	if !anySelected(info.readSelect) {
		return false, nil
	}

	var sel [3]byte
	copy(sel[:], info.readSelect)
	expected, err := d.pcrCompositeHash(sel, pcrs)
	if err != nil {
		return false, err
	}
	return bytes.Equal(expected, info.readDigest[:]), nil
}

// WriteOwnerFlag writes the one byte initialized flag space, which carries
// the OWNERWRITE attribute and therefore needs an owner session.
func (d *tpm1Device) WriteOwnerFlag(index uint32, value byte) error {
	return d.nvWrite(index, []byte{value}, true)
}

func (d *tpm1Device) Close() error {
	return d.rw.Close()
}
