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

package config

import "testing"

func TestDefaults(t *testing.T) {
	c := New()
	if c.GetInt(KeyMPNWorkers) != 4 {
		t.Fatalf("got %d, want 4", c.GetInt(KeyMPNWorkers))
	}
	if c.GetFloat64(KeySharedBufferSizeMB) != 100.0 {
		t.Fatalf("got %v, want 100.0", c.GetFloat64(KeySharedBufferSizeMB))
	}
	if c.GetBool(KeyAutosaveResults) {
		t.Fatal("expected autosave_results to default to false")
	}
	if c.GetString(KeyAutosaveFormat) != "container" {
		t.Fatalf("got %q, want container", c.GetString(KeyAutosaveFormat))
	}
}

func TestSetOverridesDefault(t *testing.T) {
	c := New()
	c.Set(KeyMPNWorkers, 8)
	if c.GetInt(KeyMPNWorkers) != 8 {
		t.Fatalf("got %d, want 8", c.GetInt(KeyMPNWorkers))
	}
}

func TestReadYAMLMergesOverDefaults(t *testing.T) {
	c := New()
	doc := []byte("global:\n  mp_n_workers: 16\nautosave_results: true\n")
	if err := c.ReadYAML(doc); err != nil {
		t.Fatal(err)
	}
	if c.GetInt(KeyMPNWorkers) != 16 {
		t.Fatalf("got %d, want 16", c.GetInt(KeyMPNWorkers))
	}
	if !c.GetBool(KeyAutosaveResults) {
		t.Fatal("expected autosave_results to be true after merge")
	}
	// Untouched default survives the merge.
	if c.GetString(KeyAutosaveFormat) != "container" {
		t.Fatalf("got %q, want container", c.GetString(KeyAutosaveFormat))
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	c := New()
	c.Set(KeyAutosaveDirectory, "/tmp/out")
	doc, err := c.WriteYAML()
	if err != nil {
		t.Fatal(err)
	}
	c2 := New()
	if err := c2.ReadYAML(doc); err != nil {
		t.Fatal(err)
	}
	if c2.GetString(KeyAutosaveDirectory) != "/tmp/out" {
		t.Fatalf("got %q, want /tmp/out", c2.GetString(KeyAutosaveDirectory))
	}
}
