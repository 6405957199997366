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
	"os"

	"github.com/apex/log"

	"github.com/snapcore/encstateful/internal/paths"
)

// fileReporter appends samples to the events file consumed by the metrics
// daemon. Reporting is strictly best effort: a status sample is never
// worth failing a boot for.
type fileReporter struct {
	path string
}

// NewFileReporter returns a StatusReporter appending samples to the
// default events file.
func NewFileReporter() StatusReporter {
	return &fileReporter{path: paths.MetricsEventsFile()}
}

func (r *fileReporter) append(name string, value int) {
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		log.WithError(err).Warn("cannot open metrics events file")
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %d\n", name, value); err != nil {
		log.WithError(err).Warn("cannot append metrics sample")
	}
}

func (r *fileReporter) ReportSystemKeyStatus(status SystemKeyStatus) {
	r.append("Platform.Encstateful.SystemKeyStatus", int(status))
}

func (r *fileReporter) ReportEncryptionKeyStatus(status EncryptionKeyStatus) {
	r.append("Platform.Encstateful.EncryptionKeyStatus", int(status))
}
