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
	"crypto/sha256"
	"os"
	"path/filepath"

	"github.com/snapcore/snapd/testutil"

	. "gopkg.in/check.v1"

	"github.com/snapcore/encstateful"
)

type fallbackSuite struct {
	testutil.BaseTest
	dir string
}

var _ = Suite(&fallbackSuite{})

func (s *fallbackSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.dir = c.MkDir()

	// start with neither source available
	s.AddCleanup(encstateful.MockKernelCmdlinePath(filepath.Join(s.dir, "no-cmdline")))
	s.AddCleanup(encstateful.MockProductUuidPath(filepath.Join(s.dir, "no-uuid")))
}

func (s *fallbackSuite) mockCmdline(c *C, cmdline string) {
	path := filepath.Join(s.dir, "cmdline")
	c.Assert(os.WriteFile(path, []byte(cmdline), 0644), IsNil)
	s.AddCleanup(encstateful.MockKernelCmdlinePath(path))
}

func (s *fallbackSuite) mockProductUuid(c *C, uuid string) {
	path := filepath.Join(s.dir, "product_uuid")
	c.Assert(os.WriteFile(path, []byte(uuid), 0644), IsNil)
	s.AddCleanup(encstateful.MockProductUuidPath(path))
}

func (s *fallbackSuite) TestKernelCommandLine(c *C) {
	s.mockCmdline(c, "quiet encstateful.key=secret-from-cmdline ro")

	key, status := encstateful.InsecureFallback()
	c.Check(status, Equals, encstateful.SystemKeyKernelCommandLine)

	sum := sha256.Sum256([]byte("secret-from-cmdline"))
	c.Check([]byte(key), DeepEquals, sum[:])
}

func (s *fallbackSuite) TestEmptyCmdlineOptionIgnored(c *C) {
	s.mockCmdline(c, "encstateful.key=")
	s.mockProductUuid(c, "01234567-89ab-cdef-0123-456789abcdef\n")

	_, status := encstateful.InsecureFallback()
	c.Check(status, Equals, encstateful.SystemKeyProductUuid)
}

func (s *fallbackSuite) TestProductUuid(c *C) {
	s.mockProductUuid(c, "01234567-89ab-cdef-0123-456789abcdef\n")

	key, status := encstateful.InsecureFallback()
	c.Check(status, Equals, encstateful.SystemKeyProductUuid)

	// trimmed and upper-cased before hashing
	sum := sha256.Sum256([]byte("01234567-89AB-CDEF-0123-456789ABCDEF"))
	c.Check([]byte(key), DeepEquals, sum[:])
}

func (s *fallbackSuite) TestStaticFallback(c *C) {
	key, status := encstateful.InsecureFallback()
	c.Check(status, Equals, encstateful.SystemKeyStaticFallback)
	c.Check([]byte(key), HasLen, 32)

	// the static key is stable across calls
	key2, _ := encstateful.InsecureFallback()
	c.Check([]byte(key), DeepEquals, []byte(key2))
}

func (s *fallbackSuite) TestCmdlineTakesPrecedence(c *C) {
	s.mockCmdline(c, "encstateful.key=value")
	s.mockProductUuid(c, "01234567-89ab-cdef-0123-456789abcdef")

	_, status := encstateful.InsecureFallback()
	c.Check(status, Equals, encstateful.SystemKeyKernelCommandLine)
}
