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

package log

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger. It is used when
// gpuvm is embedded in tooling that already aggregates logrus output.
type LogrusEmitter struct {
	// Logger is the destination. A nil Logger uses logrus.StandardLogger().
	Logger *logrus.Logger

	// Fields are attached to every entry.
	Fields logrus.Fields
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	l := e.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	entry := l.WithTime(timestamp)
	if len(e.Fields) > 0 {
		entry = entry.WithFields(e.Fields)
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:]
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	}
	msg := strings.TrimSuffix(fmt.Sprintf(format, v...), "\n")
	entry.Log(logrusLevel(level), msg)
}

func logrusLevel(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
