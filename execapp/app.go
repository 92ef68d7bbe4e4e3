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

// Package execapp orchestrates a run: it prepares state, fans task
// indices out to workers, coordinates them through a SharedBuffer,
// stores their results, and optionally autosaves (spec §4.6).
package execapp

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridflow/corerun/config"
	"github.com/gridflow/corerun/dataset"
	"github.com/gridflow/corerun/experiment"
	"github.com/gridflow/corerun/resultio"
	"github.com/gridflow/corerun/resultstore"
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/sharedbuf"
	"github.com/gridflow/corerun/workflow"
)

// Errorf is a settable diagnostic hook, mirroring vm.Errorf: it
// defaults to log.Printf and fires at run start/finish, autosave
// failures, and frame-read failures. A cmd/ binary can swap it for a
// quieter or more verbose hook.
var Errorf func(format string, args ...any) = log.Printf

func errorf(format string, args ...any) {
	if Errorf != nil {
		Errorf(format, args...)
	}
}

// Config carries the run-time options spec §4.6 lists under ExecutionApp.
type Config struct {
	NWorkers            int
	SharedBufferSizeMB  float64
	SharedBufferMaxN    int
	AutosaveResults     bool
	AutosaveDirectory   string
	AutosaveFormat      string
	LiveProcessing      bool
}

// ConfigFromCollection reads a Config out of a config.Collection,
// applying the same defaults config.New does.
func ConfigFromCollection(c *config.Collection) Config {
	return Config{
		NWorkers:           c.GetInt(config.KeyMPNWorkers),
		SharedBufferSizeMB: c.GetFloat64(config.KeySharedBufferSizeMB),
		SharedBufferMaxN:   c.GetInt(config.KeySharedBufferMaxN),
		AutosaveResults:    c.GetBool(config.KeyAutosaveResults),
		AutosaveDirectory:  c.GetString(config.KeyAutosaveDirectory),
		AutosaveFormat:     c.GetString(config.KeyAutosaveFormat),
		LiveProcessing:     c.GetBool(config.KeyLiveProcessing),
	}
}

// backoffPoll is how often the orchestrator's allocator goroutine
// checks whether a worker has published shapes yet.
const backoffPoll = 2 * time.Millisecond

// WorkerResult is what a worker goroutine hands back to the
// orchestrator: either a claimed slot (Slot >= 0) or a failure
// sentinel (Slot == -1, spec §4.6 "func ... on FrameReadError returns -1").
type WorkerResult struct {
	Index int
	Slot  int
	Err   error
}

// App is the ExecutionApp of spec §4.6. A fresh App is built per run
// with New; the zero value is not usable.
type App struct {
	RunID string

	cfg  Config
	tree *workflow.Tree
	sc   scan.Scan
	exp  experiment.Experiment

	store  *resultstore.Store
	buffer *sharedbuf.Buffer
	writer resultio.Writer

	nodeMeta map[int]resultstore.NodeMeta

	Results  chan WorkerResult
	Progress chan float64
	Signals  chan string

	mu           sync.Mutex
	tasksDone    int
	totalTasks   int
	currentIndex int
}

// New builds an App for the given tree/scan/experiment. nodeMeta
// supplies the per-node identity resultstore needs up front
// (label/plugin name).
func New(cfg Config, tree *workflow.Tree, sc scan.Scan, exp experiment.Experiment, nodeMeta map[int]resultstore.NodeMeta) *App {
	return &App{
		RunID:    newRunID(),
		cfg:      cfg,
		tree:     tree,
		sc:       sc,
		exp:      exp,
		store:    resultstore.New(),
		nodeMeta: nodeMeta,
		Results:  make(chan WorkerResult, 64),
		Progress: make(chan float64, 64),
		Signals:  make(chan string, 8),
	}
}

func newRunID() string { return uuid.NewString() }

// Store exposes the underlying ResultStore, e.g. for the runner to
// read composites once a run finishes.
func (a *App) Store() *resultstore.Store { return a.store }

// Prepare resets per-run state: freezes tree/scan into the
// ResultStore, runs shape propagation, and (if autosave is enabled)
// attaches the configured writer.
func (a *App) Prepare() error {
	if err := a.tree.Prepare(); err != nil {
		return fmt.Errorf("execapp: prepare tree: %w", err)
	}
	if err := a.store.PrepareNewResults(a.tree, a.sc, a.exp, a.nodeMeta); err != nil {
		return err
	}
	if a.cfg.AutosaveResults {
		w, err := resultio.NewWriter(a.cfg.AutosaveFormat, a.cfg.AutosaveDirectory)
		if err != nil {
			errorf("execapp: autosave writer %q unavailable: %v", a.cfg.AutosaveFormat, err)
			return fmt.Errorf("execapp: prepare autosave writer: %w", err)
		}
		a.writer = w
		a.store.AttachWriter(w)
	}
	a.totalTasks = a.sc.NPoints()
	return nil
}

// PreCycle records the task index the run is about to dispatch (spec
// §4.6 "pre_cycle(index)"), so a subsequent CarryOn call knows which
// index to ask the root plugin about.
func (a *App) PreCycle(index int) {
	a.mu.Lock()
	a.currentIndex = index
	a.mu.Unlock()
}

// CarryOn reports whether the run should proceed past the index
// PreCycle last recorded. It always returns true unless live
// processing is enabled, in which case it defers to the root plugin's
// InputAvailable (spec §4.6 "carryon() -> bool").
func (a *App) CarryOn() bool {
	if !a.cfg.LiveProcessing {
		return true
	}
	root := a.tree.Root()
	if root == nil || root.Plugin == nil {
		return true
	}
	a.mu.Lock()
	index := a.currentIndex
	a.mu.Unlock()
	return root.Plugin.InputAvailable(index)
}

// GetTasks returns every task index 0..n_points-1.
func (a *App) GetTasks() []int {
	tasks := make([]int, a.sc.NPoints())
	for i := range tasks {
		tasks[i] = i
	}
	return tasks
}

// runWorker is the body of a single worker goroutine (spec §4.6
// "func(index)"). It executes a private clone of the tree so
// concurrent workers never share Node bookkeeping (see
// workflow.Tree.CloneForWorker), publishes trailing shapes the first
// time they become known, waits for the orchestrator to allocate the
// shared buffer, then claims a slot and writes its leaf results in.
func (a *App) runWorker(ctx context.Context, index int, workerTree *workflow.Tree) WorkerResult {
	results, err := workerTree.ExecuteAndCollect(index, nil)
	if err != nil {
		if isFrameReadError(err) {
			errorf("execapp: task %d: frame read failed: %v", index, err)
			return WorkerResult{Index: index, Slot: -1, Err: err}
		}
		return WorkerResult{Index: index, Slot: -1, Err: err}
	}

	if _, ok := a.buffer.ShapesAvailable(); !ok {
		shapes := make(map[int][]int, len(results))
		for id, d := range results {
			shapes[id] = d.Shape()
		}
		a.buffer.PublishShapes(shapes)
	}

	if err := a.buffer.WaitShapesSet(ctx); err != nil {
		return WorkerResult{Index: index, Slot: -1, Err: err}
	}

	slot, err := a.buffer.ClaimSlot(ctx)
	if err != nil {
		return WorkerResult{Index: index, Slot: -1, Err: err}
	}
	for nodeID, d := range results {
		if err := a.buffer.Write(slot, nodeID, d.Raw()); err != nil {
			a.buffer.Release(slot)
			return WorkerResult{Index: index, Slot: -1, Err: err}
		}
	}
	return WorkerResult{Index: index, Slot: slot}
}

func isFrameReadError(err error) bool {
	var fre *workflow.FrameReadError
	return asFrameReadError(err, &fre)
}

func asFrameReadError(err error, target **workflow.FrameReadError) bool {
	for err != nil {
		if fre, ok := err.(*workflow.FrameReadError); ok {
			*target = fre
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Run fans tasks out across cfg.NWorkers goroutines and drives the
// shared-buffer shape-publication handshake, sending each outcome on
// a.Results as it completes. A frame-read failure is sent with Slot -1
// and the run goes on; any other error stops that worker and is
// returned by Run. It blocks until every worker has finished, or ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	errorf("execapp: run %s starting: %d tasks, %d workers", a.RunID, a.sc.NPoints(), a.cfg.NWorkers)
	shapes := map[int][]int{}
	for _, id := range a.orderedLeafIDs() {
		n, err := a.tree.NodeByID(id)
		if err != nil {
			return err
		}
		if shapeResolved(n.LastResultShape) {
			shapes[id] = n.LastResultShape
		}
	}

	bytesPerFrame := sharedbuf.BytesPerFrame(a.shapesOrGuess(shapes))
	capacity, err := sharedbuf.ComputeCapacity(a.cfg.SharedBufferSizeMB, a.cfg.SharedBufferMaxN, a.cfg.NWorkers, a.sc.NPoints(), maxInt64(bytesPerFrame, 1))
	if err != nil {
		return err
	}
	a.buffer = sharedbuf.New(capacity)

	tasks := a.GetTasks()
	taskCh := make(chan int)
	go func() {
		defer close(taskCh)
		for _, t := range tasks {
			a.PreCycle(t)
			for !a.CarryOn() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffPoll):
				}
			}
			select {
			case taskCh <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, a.cfg.NWorkers+1)

	// Orchestrator-side allocator: per spec §4.6, only the orchestrator
	// ever calls allocate_shared_memory. Workers publish shapes and then
	// block on WaitShapesSet, so this must run concurrently with them
	// rather than interleaved in their own loop, or no one would ever
	// call Allocate.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if shapes, ok := a.buffer.ShapesAvailable(); ok {
				a.Signals <- "::shapes_not_set::"
				if err := a.buffer.Allocate(shapes); err != nil {
					errCh <- err
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffPoll):
			}
		}
	}()

	for w := 0; w < a.cfg.NWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerTree := a.tree.CloneForWorker()
			for index := range taskCh {
				result := a.runWorker(ctx, index, workerTree)
				if result.Err != nil && !isFrameReadError(result.Err) {
					errCh <- result.Err
					return
				}
				a.Results <- WorkerResult{Index: result.Index, Slot: result.Slot, Err: result.Err}
				a.mu.Lock()
				a.tasksDone++
				done := a.tasksDone
				a.mu.Unlock()
				if a.totalTasks > 0 {
					a.Progress <- float64(done) / float64(a.totalTasks)
				}
			}
		}()
	}

	wg.Wait()
	close(a.Results)
	close(a.Progress)
	close(a.Signals)

	select {
	case err := <-errCh:
		errorf("execapp: run %s failed: %v", a.RunID, err)
		return err
	default:
	}
	errorf("execapp: run %s finished", a.RunID)
	return nil
}

func shapeResolved(shape []int) bool {
	if shape == nil {
		return false
	}
	for _, s := range shape {
		if s < 0 {
			return false
		}
	}
	return true
}

// shapesOrGuess fills in a capacity-planning shape for every leaf/
// keep-results node whose declared shape is still unresolved (spec
// §4.2's -1 dims): one element, refined once the SharedBuffer's own
// shape-publication handshake observes the worker's real first frame.
func (a *App) shapesOrGuess(shapes map[int][]int) map[int][]int {
	out := make(map[int][]int, len(shapes))
	for k, v := range shapes {
		out[k] = v
	}
	for _, id := range a.orderedLeafIDs() {
		if _, ok := out[id]; !ok {
			out[id] = []int{1}
		}
	}
	return out
}

func (a *App) orderedLeafIDs() []int {
	var ids []int
	for _, id := range a.tree.NodeIDs() {
		n, err := a.tree.NodeByID(id)
		if err != nil {
			continue
		}
		if n.IsLeaf() || n.Plugin.KeepResults() {
			ids = append(ids, id)
		}
	}
	return ids
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// StoreResults is the orchestrator-side half of spec §4.6's
// "store_results(index, slot)": on slot == -1 it reports a non-fatal
// failure and returns; otherwise it copies the claimed slot's frames
// into the ResultStore and releases the slot.
func (a *App) StoreResults(index, slot int) error {
	if slot == -1 {
		a.Signals <- fmt.Sprintf("::task_failed:%d::", index)
		return nil
	}
	results := map[int]*dataset.Dataset{}
	for _, id := range a.orderedLeafIDs() {
		raw, err := a.buffer.Read(slot, id)
		if err != nil {
			continue
		}
		shape, ok := a.buffer.Shape(id)
		if !ok {
			continue
		}
		d, err := dataset.FromSlice(shape, raw, "", "")
		if err != nil {
			return err
		}
		results[id] = d
	}
	a.buffer.Release(slot)
	return a.store.StoreResults(index, results)
}

// ReceiveSignal implements spec §4.6's receive_signal: the only signal
// the orchestrator currently reacts to is the shapes-not-set marker,
// which is handled inline in Run's allocation path; ReceiveSignal
// exists so the Runner has a uniform dispatch point for future signals.
func (a *App) ReceiveSignal(msg string) {}

// PostRun releases the shared buffer. Only the orchestrator may call this.
func (a *App) PostRun() error {
	if a.buffer == nil {
		return nil
	}
	return a.buffer.Close()
}

// SaveComposites writes the final composites, through the ResultStore,
// to a hierarchical container rooted at dir, regardless of whether
// autosave was enabled during the run (spec §4.7 "on finish, writes
// the composites to output_dir using the hierarchical container
// writer"; spec §4.3 save_to_disk).
func (a *App) SaveComposites(dir string) error {
	return a.store.SaveToDisk(dir, []string{"container"}, true, nil)
}
