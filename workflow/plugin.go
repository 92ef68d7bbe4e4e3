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

package workflow

import (
	"fmt"
	"sync"

	"github.com/gridflow/corerun/config"
	"github.com/gridflow/corerun/dataset"
)

// Plugin is the consumed interface for a processing-graph stage. The
// plugin content itself (detector I/O, XRD math) is out of scope per
// spec §1; this core only ever calls through this interface.
type Plugin interface {
	// PluginName identifies the plugin class, used for the tree's
	// textual/container serialization and for the plugin registry.
	PluginName() string

	// NodeID and SetNodeID keep the plugin's own id in lock-step with
	// the owning ProcessingNode (spec §3 invariant).
	NodeID() int
	SetNodeID(id int)

	// Config exposes the plugin's typed configuration bag.
	Config() *config.Collection

	// PreExecute performs one-shot setup at the start of a run.
	PreExecute() error

	// Execute is the pure per-frame transform. input is an int task
	// index for a root/source plugin, or *dataset.Dataset for any
	// downstream plugin.
	Execute(input any, kwargs map[string]any) (*dataset.Dataset, map[string]any, error)

	// CalculateResultShape derives the plugin's output shape from its
	// inputs and configuration. A -1 entry means "not yet resolved".
	CalculateResultShape() ([]int, error)

	// KeepResults reports whether a non-leaf node's output must still
	// be retained in the result store.
	KeepResults() bool

	// OutputDataDim returns the expected number of output dimensions,
	// and ok=false if this node produces no stored output at all.
	OutputDataDim() (dim int, ok bool)

	// InputAvailable reports whether index's input has actually arrived
	// yet. Only consulted when a run's live_processing flag is set
	// (spec §4.6 carryon); a root plugin backed by a live feed overrides
	// this to check its backing store instead of always returning true.
	InputAvailable(index int) bool
}

// BasePlugin is an embeddable helper implementing the bookkeeping
// portions of Plugin (node id, config, keep-results flag) so concrete
// plugins only need to implement PluginName/PreExecute/Execute/
// CalculateResultShape/OutputDataDim.
type BasePlugin struct {
	mu          sync.Mutex
	nodeID      int
	cfg         *config.Collection
	keepResults bool
}

// NewBasePlugin constructs a BasePlugin with a fresh Collection.
func NewBasePlugin() BasePlugin {
	return BasePlugin{cfg: config.New()}
}

func (b *BasePlugin) NodeID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodeID
}

func (b *BasePlugin) SetNodeID(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodeID = id
}

func (b *BasePlugin) Config() *config.Collection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		b.cfg = config.New()
	}
	return b.cfg
}

func (b *BasePlugin) KeepResults() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.keepResults
}

// SetKeepResults lets a concrete plugin opt into result retention.
func (b *BasePlugin) SetKeepResults(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keepResults = v
}

// InputAvailable defaults to true: most plugins have no notion of
// input that hasn't arrived yet. A live-feed source overrides this.
func (b *BasePlugin) InputAvailable(index int) bool { return true }

// PluginFactory constructs a fresh Plugin instance by class name.
type PluginFactory func() Plugin

var (
	registryMu sync.RWMutex
	registry   = map[string]PluginFactory{}
)

// RegisterPlugin adds name to the plugin-class registry (spec §9
// "Config dispatch"). Intended to be called from plugin package
// init() functions, mirroring a startup-time directory scan.
func RegisterPlugin(name string, f PluginFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// NewPluginByName constructs a plugin from the registry, used when
// restoring a serialized tree (spec §4.2 ExportToString/RestoreFromString).
func NewPluginByName(name string) (Plugin, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow: no plugin registered under class name %q", name)
	}
	return f(), nil
}
