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
	"crypto/sha256"
	"os"
	"strings"

	"github.com/apex/log"
)

// Insecure fallback system key derivation, only reachable when the
// hardware is genuinely unusable and the caller did not demand it. Each
// source is SHA-256'd into key material; the chosen source is recorded for
// telemetry.
const (
	fallbackCmdlineOption = "encstateful.key="
	fallbackStaticSeed    = "encstateful static system key"
)

// These are variables so that tests can point them at fixtures.
var (
	kernelCmdlinePath = "/proc/cmdline"
	productUuidPath   = "/sys/class/dmi/id/product_uuid"
)

// insecureFallbackKey derives a system key without hardware backing:
// kernel command line option, then product UUID, then a hard-coded static
// string. The returned status identifies the source that was used.
func insecureFallbackKey() (SystemKey, SystemKeyStatus) {
	if value, ok := kernelCmdlineOption(); ok {
		sum := sha256.Sum256([]byte(value))
		return SystemKey(sum[:]), SystemKeyKernelCommandLine
	}

	if uuid, ok := productUuid(); ok {
		sum := sha256.Sum256([]byte(uuid))
		return SystemKey(sum[:]), SystemKeyProductUuid
	}

	log.Warn("deriving system key from static fallback seed")
	sum := sha256.Sum256([]byte(fallbackStaticSeed))
	return SystemKey(sum[:]), SystemKeyStaticFallback
}

func kernelCmdlineOption() (string, bool) {
	cmdline, err := os.ReadFile(kernelCmdlinePath)
	if err != nil {
		return "", false
	}

	for _, field := range strings.Fields(string(cmdline)) {
		if strings.HasPrefix(field, fallbackCmdlineOption) {
			value := field[len(fallbackCmdlineOption):]
			if value != "" {
				return value, true
			}
		}
	}
	return "", false
}

func productUuid() (string, bool) {
	uuid, err := os.ReadFile(productUuidPath)
	if err != nil {
		return "", false
	}

	trimmed := strings.ToUpper(strings.TrimSpace(string(uuid)))
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}
