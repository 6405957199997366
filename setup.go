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
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/snapcore/snapd/osutil"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/snapcore/encstateful/internal/paths"
	"github.com/snapcore/encstateful/tpm"
)

// Setup sequences the boot-time operations exposed to the command line
// tool. Each operation opens its own TPM connection; the process is
// re-invoked at distinct boot phases and carries no state between them.
type Setup struct {
	reporter          StatusReporter
	allowDiskFallback bool

	// openTpm is replaceable for tests.
	openTpm func() (*tpm.Connection, error)
}

func NewSetup(reporter StatusReporter, allowDiskFallback bool) *Setup {
	if reporter == nil {
		reporter = DiscardReporter()
	}
	return &Setup{
		reporter:          reporter,
		allowDiskFallback: allowDiskFallback,
		openTpm:           tpm.Open}
}

// Set persists system key material supplied in a file. Bring-up helper,
// generation 2 only: on generation 1 defining the space may involve
// taking ownership, which this path must never do.
func (s *Setup) Set(materialFile string) error {
	material, err := os.ReadFile(materialFile)
	if err != nil {
		return xerrors.Errorf("cannot read system key material: %w", err)
	}
	defer wipeBytes(material)
	if len(material) != KeyMaterialSize {
		return xerrors.Errorf("system key material must be exactly %d bytes", KeyMaterialSize)
	}

	conn, err := s.openTpm()
	if err != nil {
		return xerrors.Errorf("cannot open TPM: %w", err)
	}
	defer conn.Close()
	if !conn.IsTPM2() {
		return tpm.ErrWrongGeneration
	}

	loader := NewSystemKeyLoader(conn)
	key, err := loader.Initialize(material)
	if err != nil {
		return err
	}
	defer key.Wipe()

	return loader.Persist()
}

// Load runs the full encryption key flow and returns the key material
// for setting up the encrypted stateful mount. With safeMode set, a
// missing TPM is fatal instead of degrading to insecure fallback keys.
func (s *Setup) Load(safeMode bool) (*RunResult, error) {
	conn, err := s.openTpm()
	if err != nil {
		if !xerrors.Is(err, tpm.ErrNoDevice) {
			return nil, xerrors.Errorf("cannot open TPM: %w", err)
		}
		if safeMode {
			return nil, xerrors.Errorf("no TPM available and insecure fallback is not permitted: %w", err)
		}

		log.Warn("no TPM available, falling back to insecure system key")
		key, status := insecureFallbackKey()
		manager := NewEncryptionKeyManager(nil, s.reporter, s.allowDiskFallback)
		return manager.RunWithFallbackKey(key, status)
	}
	defer conn.Close()

	manager := NewEncryptionKeyManager(NewSystemKeyLoader(conn), s.reporter, s.allowDiskFallback)
	return manager.Run()
}

// Export writes the lockbox contents to the well-known tmpfs path for
// the install-attributes consumer. The consumer trusts the exported file
// unconditionally, so an invalid lockbox is a hard refusal here, and an
// existing export file is never overwritten.
func (s *Setup) Export() error {
	conn, err := s.openTpm()
	if err != nil {
		return xerrors.Errorf("cannot open TPM: %w", err)
	}
	defer conn.Close()

	loader := NewSystemKeyLoader(conn)
	valid, err := loader.CheckLockbox()
	if err != nil {
		return xerrors.Errorf("cannot validate lockbox: %w", err)
	}
	if !valid {
		return xerrors.New("lockbox contents are not trustworthy, refusing to export")
	}

	lockbox := conn.LockboxSpace()
	size, err := lockbox.Size()
	if err != nil {
		return xerrors.Errorf("cannot obtain lockbox size: %w", err)
	}
	if lockbox.Read(size) != tpm.SpaceStatusValid {
		return xerrors.New("cannot read lockbox contents")
	}

	f, err := os.OpenFile(paths.LockboxExportFile(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return xerrors.Errorf("cannot create lockbox export file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(lockbox.Contents()); err != nil {
		return xerrors.Errorf("cannot write lockbox export file: %w", err)
	}
	return nil
}

// ReportInfo writes a read-only diagnostic dump of the TPM state and the
// on-disk key files.
func (s *Setup) ReportInfo(w io.Writer) error {
	conn, err := s.openTpm()
	if err != nil {
		return xerrors.Errorf("cannot open TPM: %w", err)
	}
	defer conn.Close()

	generation := 1
	if conn.IsTPM2() {
		generation = 2
	}
	fmt.Fprintf(w, "TPM: generation %d\n", generation)

	if owned, err := conn.IsOwned(); err == nil {
		fmt.Fprintf(w, "TPM owned: %v\n", owned)
	} else {
		fmt.Fprintf(w, "TPM owned: error: %v\n", err)
	}

	reportSpaceInfo(w, "lockbox", conn.LockboxSpace())
	reportSpaceInfo(w, "encstateful", conn.EncstatefulSpace())

	loader := NewSystemKeyLoader(conn)
	if key, err := loader.Load(); err == nil {
		key.Wipe()
		fmt.Fprintf(w, "system key: available (lockbox fallback: %v)\n", loader.UsingLockboxKey())
	} else {
		fmt.Fprintf(w, "system key: not available\n")
	}

	fmt.Fprintf(w, "wrapped key file: %v\n", osutil.FileExists(paths.WrappedKeyFile()))
	fmt.Fprintf(w, "fallback key file: %v\n", osutil.FileExists(paths.NeedsFinalizationFile()))
	fmt.Fprintf(w, "preserved key file: %v\n", osutil.FileExists(paths.PreservedKeyFile()))
	return nil
}

func reportSpaceInfo(w io.Writer, name string, space *tpm.NvramSpace) {
	size, err := space.Size()
	if err != nil {
		fmt.Fprintf(w, "%s space (0x%08x): %v\n", name, space.Index(), err)
		return
	}
	status := space.Read(size)
	fmt.Fprintf(w, "%s space (0x%08x): %v, size %d", name, space.Index(), status, size)
	if attrs, err := space.GetAttributes(); err == nil {
		fmt.Fprintf(w, ", attributes 0x%08x", attrs)
	}
	if bound, err := space.CheckPcrBinding([]int{tpm.BootModePCR}); err == nil {
		fmt.Fprintf(w, ", PCR binding current: %v", bound)
	}
	fmt.Fprintf(w, "\n")
}

// Umount detaches the encrypted stateful mount point. Volume management
// proper lives outside this tool.
func (s *Setup) Umount(mountpoint string) error {
	if err := unix.Unmount(mountpoint, 0); err != nil {
		return xerrors.Errorf("cannot unmount %s: %w", mountpoint, err)
	}
	return nil
}
