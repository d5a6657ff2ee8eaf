// Copyright 2023 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for gpuvm. Each setting is backed by a flag, and the same settings can be
// given in a TOML file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mohae/deepcopy"
	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/platform"
)

// Config holds configuration that is not part of the scenario selection.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and the TOML key.
//  3. Register the flag in flags.go.
type Config struct {
	// ConfigFile is a TOML file read before explicit flags are applied.
	ConfigFile string `flag:"config" toml:"-"`

	// Platform is the name of the emulated GPU.
	Platform string `flag:"platform" toml:"platform"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// AlsoLogToStderr allows logs to also go to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// LockFile is locked for as long as a device is open.
	LockFile string `flag:"lock-file" toml:"lock-file"`

	// VRAMSize is the VRAM size in bytes on platforms with VRAM. Zero
	// selects the device default.
	VRAMSize uint64 `flag:"vram-size" toml:"vram-size"`

	// SystemSize limits system memory buffers. Zero means unlimited.
	SystemSize uint64 `flag:"system-size" toml:"system-size"`

	// QueueCapacity is the ring capacity of bind and exec queues.
	QueueCapacity int `flag:"queue-capacity" toml:"queue-capacity"`

	// Timeout bounds each scenario.
	Timeout time.Duration `flag:"timeout" toml:"timeout"`
}

func (c *Config) validate() error {
	if _, err := platform.Lookup(c.Platform); err != nil {
		return fmt.Errorf("unknown platform %q: %w", c.Platform, err)
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue-capacity must be positive: %d", c.QueueCapacity)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive: %v", c.Timeout)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// DeviceOpts returns the options to open a device with.
func (c *Config) DeviceOpts() (device.Opts, error) {
	p, err := platform.Lookup(c.Platform)
	if err != nil {
		return device.Opts{}, fmt.Errorf("unknown platform %q: %w", c.Platform, err)
	}
	return device.Opts{
		Platform:      p,
		VRAMSize:      c.VRAMSize,
		SystemSize:    c.SystemSize,
		LockPath:      c.LockFile,
		QueueCapacity: c.QueueCapacity,
	}, nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Platform: %v", c.Platform)
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Debugf("Config.%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
		}
	}
}
