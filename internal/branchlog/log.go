// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package branchlog provides the shared logrus logger used across the core.
// Output is discarded until a caller (typically the daemon or CLI) enables
// a level, matching the teacher daemon's discard-by-default posture.
package branchlog

import (
	"io"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetOutput(io.Discard)
}

// SetLevel parses level (trace, debug, info, warn, error, off) and wires it
// up. An unrecognized or "off" level leaves output discarded.
func SetLevel(level string) {
	if level == "" || level == "off" || level == "none" {
		log.SetOutput(io.Discard)
		return
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.SetOutput(io.Discard)
		return
	}
	log.SetLevel(lvl)
	log.SetOutput(logrus.StandardLogger().Out)
}

// Mount returns a logger scoped to a single mount, for consistent fields
// across branch, resolver, and commit-engine log lines.
func Mount(mountID string) *logrus.Entry {
	return log.WithField("mount", mountID)
}

// Branch returns a logger scoped to a single mount+branch pair.
func Branch(mountID, branch string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"mount": mountID, "branch": branch})
}

// Logger exposes the shared logger for packages that need free-form fields.
func Logger() *logrus.Logger {
	return log
}
