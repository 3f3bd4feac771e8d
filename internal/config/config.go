// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
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

// Package config loads the device memory map and boot policy.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

// DefaultTimeout bounds every cryptographic primitive when the configuration
// does not set one.
const DefaultTimeout = time.Second

//go:embed default.yaml
var defaultYAML []byte

// Region is the configuration of a single memory region.
type Region struct {
	Name string `yaml:"name"`
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
	Mode string `yaml:"mode"`
}

// Config is the boot configuration.
type Config struct {
	Regions []Region `yaml:"regions"`
	// MinVersion is the lowest firmware version accepted for installation.
	MinVersion string `yaml:"min_version"`
	// CryptoTimeout bounds the duration of each cryptographic primitive.
	CryptoTimeout time.Duration `yaml:"crypto_timeout"`
}

// Parse decodes and validates a YAML configuration.
func Parse(b []byte) (*Config, error) {
	c := &Config{}

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	if c.CryptoTimeout == 0 {
		c.CryptoTimeout = DefaultTimeout
	}

	if _, err := c.Layout(); err != nil {
		return nil, err
	}

	if _, err := c.Minimum(); err != nil {
		return nil, err
	}

	return c, nil
}

// Load reads and parses the configuration file at path, the embedded default
// is returned when path is empty.
func Load(path string) (*Config, error) {
	if len(path) == 0 {
		return Default(), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(b)
}

// Default returns the configuration of the reference device.
func Default() *Config {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return c
}

// Layout returns the validated memory map.
func (c *Config) Layout() (flash.Layout, error) {
	var l flash.Layout

	for _, r := range c.Regions {
		var mode flash.Mode

		switch r.Mode {
		case "ro", "":
			mode = flash.ReadOnly
		case "rw":
			mode = flash.ReadWrite
		default:
			return l, fmt.Errorf("region %q: invalid mode %q", r.Name, r.Mode)
		}

		l.Regions = append(l.Regions, flash.Region{
			Name: r.Name,
			Base: r.Base,
			Size: r.Size,
			Mode: mode,
		})
	}

	return l, l.Validate()
}

// Minimum returns the lowest firmware version accepted for installation.
func (c *Config) Minimum() (*semver.Version, error) {
	if len(c.MinVersion) == 0 {
		return &semver.Version{}, nil
	}

	v, err := semver.NewVersion(c.MinVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid min_version: %v", err)
	}

	return v, nil
}
