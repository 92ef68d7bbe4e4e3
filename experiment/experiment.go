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

// Package experiment holds the DiffractionExperiment context the
// Runner resolves alongside Scan and ProcessingTree (spec §4.7). Its
// internals (detector geometry, calibration, beamline metadata) are
// out of scope here the same way plugin bodies are; this package
// models it only as an opaque, serializable settings bag that flows
// through to a run's container metadata unchanged.
package experiment

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Experiment is an opaque key/value settings bag.
type Experiment map[string]any

// LoadFromFile reads an Experiment from a YAML file.
func LoadFromFile(path string) (Experiment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("experiment: read %s: %w", path, err)
	}
	var e Experiment
	if err := yaml.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("experiment: parse %s: %w", path, err)
	}
	return e, nil
}

// SaveToFile writes e to path as YAML.
func (e Experiment) SaveToFile(path string) error {
	raw, err := yaml.Marshal(e)
	if err != nil {
		return fmt.Errorf("experiment: marshal: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}
