// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config implements the typed, string-keyed configuration
// store consumed throughout this module (spec §1's
// "Parameter/ParameterCollection subsystem" and the key table in
// spec §6). It is a thin wrapper over viper, which already provides
// exactly the get/set-by-string-key, type coercion, and serialization
// surface the spec asks for.
package config

import (
	"bytes"

	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"
)

// Keys used by this core, from spec §6.
const (
	KeyMPNWorkers         = "global.mp_n_workers"
	KeySharedBufferSizeMB = "global.shared_buffer_size"
	KeySharedBufferMaxN   = "global.shared_buffer_max_n"
	KeyAutosaveResults    = "autosave_results"
	KeyAutosaveDirectory  = "autosave_directory"
	KeyAutosaveFormat     = "autosave_format"
	KeyLiveProcessing     = "live_processing"
)

// Collection is a typed configuration bag. A zero Collection is not
// usable; use New.
type Collection struct {
	v *viper.Viper
}

// New returns a Collection with the documented defaults from spec §6
// pre-registered.
func New() *Collection {
	v := viper.New()
	v.SetDefault(KeyMPNWorkers, 4)
	v.SetDefault(KeySharedBufferSizeMB, 100.0)
	v.SetDefault(KeySharedBufferMaxN, 50)
	v.SetDefault(KeyAutosaveResults, false)
	v.SetDefault(KeyAutosaveDirectory, "")
	v.SetDefault(KeyAutosaveFormat, "container")
	v.SetDefault(KeyLiveProcessing, false)
	return &Collection{v: v}
}

// Get returns the raw value for key.
func (c *Collection) Get(key string) any { return c.v.Get(key) }

// Set assigns value to key.
func (c *Collection) Set(key string, value any) { c.v.Set(key, value) }

func (c *Collection) GetString(key string) string   { return c.v.GetString(key) }
func (c *Collection) GetInt(key string) int         { return c.v.GetInt(key) }
func (c *Collection) GetFloat64(key string) float64 { return c.v.GetFloat64(key) }
func (c *Collection) GetBool(key string) bool       { return c.v.GetBool(key) }

// AllSettings returns every key/value pair currently set, nested maps
// flattened per viper convention.
func (c *Collection) AllSettings() map[string]any { return c.v.AllSettings() }

// ReadYAML loads settings from a YAML document, merging over defaults.
func (c *Collection) ReadYAML(doc []byte) error {
	c.v.SetConfigType("yaml")
	return c.v.MergeConfig(bytes.NewReader(doc))
}

// WriteYAML serializes the current settings as YAML.
func (c *Collection) WriteYAML() ([]byte, error) {
	return yaml.Marshal(c.v.AllSettings())
}
