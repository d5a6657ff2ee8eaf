// Copyright 2024 The gVisor Authors.
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

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultLogName is the file name used when the log pattern is a directory.
const DefaultLogName = "gpuvm.log.%TIMESTAMP%.%COMMAND%.txt"

// LogFileOpts expands the variables of a log file pattern:
//   - %TIMESTAMP%: Time as <yyyymmdd-hhmmss.uuuuuu>
//   - %COMMAND%: Command
//   - %PID%: the process ID
//
// A pattern ending in '/' is a directory and gets DefaultLogName.
type LogFileOpts struct {
	Command string
	Time    time.Time
}

// Build implements log.FileOpts.Build.
func (o LogFileOpts) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += DefaultLogName
	}
	command := o.Command
	if command == "" {
		command = "gpuvm"
	}
	r := strings.NewReplacer(
		"%TIMESTAMP%", o.Time.Format("20060102-150405.000000"),
		"%COMMAND%", command,
		"%PID%", strconv.Itoa(os.Getpid()),
	)
	return r.Replace(logPattern)
}
