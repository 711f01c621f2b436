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

package overlay

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables an operator can set for one Overlay
// instance, loaded from a small YAML-backed settings file.
type Config struct {
	// GCBatchSize is loaded from the file but not read by the overlay:
	// it caps nothing, and the GC worker drains the whole queue each
	// wakeup.
	GCBatchSize int `yaml:"gc_batch_size"`

	// BusyTimeoutMillis is loaded from the file but not read by the
	// overlay or by storage.OpenBackingOverlay, which takes its busy
	// timeout from storage.GetBusyTimeout (the environment override or
	// storage.DefaultBusyTimeout).
	BusyTimeoutMillis int `yaml:"busy_timeout_ms"`

	// ReadRepair is passed to BackingOverlay.Init: when true, Init
	// advances the stored next_inode_number from a scan of its tables
	// after an unclean shutdown. Initialize runs OverlayChecker after an
	// unclean shutdown whether or not it is set.
	ReadRepair bool `yaml:"read_repair"`
}

// DefaultConfig returns the Config an Overlay uses when none is
// supplied explicitly.
func DefaultConfig() Config {
	return Config{
		GCBatchSize: 256,
		ReadRepair:  true,
	}
}

// LoadConfig reads a YAML config file at path, applying DefaultConfig
// for any field not present in the file. A missing file is not an
// error: it returns DefaultConfig unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
