// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/mt-digital/bigarray"
	"github.com/mt-digital/bigarray/shape"
)

// A Unit is one worker's share of an apply: reduce the plan against
// the assigned range, evaluate the fully local result, and write it
// into the worker's own partition of the destination. Units are
// dispatched concurrently, one per owning worker, and gob-encode for
// remote execution.
type Unit struct {
	// Worker is the identifier of the worker that must run the unit;
	// it owns the partition covering WriteRange.
	Worker int

	// Dest is the destination's backing array.
	Dest *bigarray.DArray

	// Alloc tells the worker to allocate fresh partition storage for
	// Dest before writing; it is set when the destination is a new
	// array produced by a pure apply.
	Alloc bool

	// PlanRange is the assigned range in the plan's coordinate
	// system, which is the destination's own (a sub-view destination
	// translates to its own origin, not the parent's).
	PlanRange shape.Ranges

	// WriteRange is the assigned range in the backing array's global
	// coordinate system. It always nests inside the worker's owned
	// range.
	WriteRange shape.Ranges

	// Plan is the distributed plan to reduce and evaluate.
	Plan *bigarray.Operand
}

// An Executor runs units of work on workers, and moves partition
// data to, from, and between them. Worker identifiers are dense
// indices 0..Workers()-1.
type Executor interface {
	// Start starts the executor. It is called before any work is
	// submitted and after all funcs have been registered. Start need
	// not return: the bigmachine implementation of Executor uses
	// Start as an entry point for worker processes.
	Start(*Session) (shutdown func())

	// Workers returns the number of available workers.
	Workers(ctx context.Context) (int, error)

	// Store deposits values, a dense row-major block covering worker
	// w's owned range of arr, as w's partition storage.
	Store(ctx context.Context, w int, arr *bigarray.DArray, values []float64) error

	// Run executes the unit on its worker, returning when the unit
	// has settled. A non-nil error means the unit's writes must be
	// assumed incomplete; other units' writes are unaffected.
	Run(ctx context.Context, unit Unit) error

	// Fetch returns a dense copy of the sub-range rs of arr,
	// assembled from the owning workers.
	Fetch(ctx context.Context, arr *bigarray.DArray, rs shape.Ranges) ([]float64, error)

	// Free releases every partition of arr. Partitions are freed
	// together; an array is never partially deallocated.
	Free(ctx context.Context, arr *bigarray.DArray) error
}
