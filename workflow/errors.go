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

import "fmt"

// UserConfigError reports a bad configuration: missing files, empty
// tree, a reparent that would introduce a cycle, an unresolved result
// shape, etc. Raised synchronously at prepare time, before any worker
// starts (spec §7.1).
type UserConfigError struct {
	Msg string
}

func (e *UserConfigError) Error() string { return "user config error: " + e.Msg }

func newUserConfigError(format string, args ...any) *UserConfigError {
	return &UserConfigError{Msg: fmt.Sprintf(format, args...)}
}

// NewUserConfigError is the exported constructor, used by sibling
// packages (sharedbuf, resultstore, runner, cmd/corerun) that need to raise the
// same error kind without duplicating it.
func NewUserConfigError(format string, args ...any) *UserConfigError {
	return newUserConfigError(format, args...)
}

// FrameReadError is a per-task failure originating from a plugin
// reporting a recoverable "cannot read input" condition (spec §7.2).
// It never leaves the worker that produced it.
type FrameReadError struct {
	NodeID int
	Err    error
}

func (e *FrameReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame read error at node %d: %v", e.NodeID, e.Err)
	}
	return fmt.Sprintf("frame read error at node %d", e.NodeID)
}

func (e *FrameReadError) Unwrap() error { return e.Err }

// ShapeInconsistency reports a node whose declared OutputDataDim
// conflicts with its actual output, or a -1 dimension surviving shape
// propagation (spec §7.3).
type ShapeInconsistency struct {
	NodeID int
	Msg    string
}

func (e *ShapeInconsistency) Error() string {
	return fmt.Sprintf("shape inconsistency at node %d: %s", e.NodeID, e.Msg)
}

// InternalError wraps any worker-side failure that isn't one of the
// three recoverable/expected kinds above: an uncaught plugin exception,
// or a dynamic output shape that changes across tasks after the first
// successful one locked it in. It always propagates out of the worker
// that raised it and aborts the run (spec §7.4).
type InternalError struct {
	NodeID int
	Err    error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error at node %d: %v", e.NodeID, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// NewInternalError is the exported constructor, used by Node.Execute
// and by the resultstore package to raise this error kind.
func NewInternalError(nodeID int, err error) *InternalError {
	return &InternalError{NodeID: nodeID, Err: err}
}

// StorageError reports a writer that cannot create or write a file
// (spec §7.5). It is fatal when raised at prepare time or by a final
// write. A writer error during an in-run ExportFrame is returned by
// resultstore.Store.StoreResults and ends the run; it is not logged
// and skipped, and autosave is not switched off in its place.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error writing %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError is the exported constructor, used by resultio.
func NewStorageError(path string, err error) *StorageError {
	return &StorageError{Path: path, Err: err}
}
