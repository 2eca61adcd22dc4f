// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/mt-digital/bigarray"
	"github.com/mt-digital/bigarray/shape"
)

// Apply evaluates fn elementwise over the provided operands,
// returning a new distributed array of the operands' unified
// broadcast shape. Apply returns a shape.MismatchError, before any
// work is dispatched, if the operand shapes do not unify. Each
// partition of the result is produced independently, in place, on
// its owning worker.
func (s *Session) Apply(ctx context.Context, fn *bigarray.FuncValue, operands ...*bigarray.Operand) (*bigarray.DArray, error) {
	op := fn.Of(operands...)
	target, err := op.Shape()
	if err != nil {
		return nil, err
	}
	return s.materialize(ctx, target, op)
}

// ApplyInto evaluates fn elementwise over the provided operands,
// writing the result into dest, which may be a whole distributed
// array or a sub-view of one. ApplyInto returns a
// shape.MismatchError, before any work is dispatched, if the operand
// shapes do not unify or if dest's shape does not equal the unified
// shape exactly. Workers whose partitions do not intersect dest are
// skipped entirely. On failure, writes already applied by other
// workers are not rolled back.
func (s *Session) ApplyInto(ctx context.Context, dest bigarray.Dest, fn *bigarray.FuncValue, operands ...*bigarray.Operand) error {
	op := fn.Of(operands...)
	target, err := op.Shape()
	if err != nil {
		return err
	}
	arr, destRanges := dest.Base()
	if !destRanges.Shape().Equal(target) {
		return shape.Mismatchf("destination shape %s does not equal unified shape %s", destRanges.Shape(), target)
	}
	plan, err := bigarray.BuildPlan(ctx, op, s)
	if err != nil {
		return err
	}
	units := make([]Unit, 0, len(arr.Parts))
	for _, part := range arr.Parts {
		piece, ok := part.Ranges.Intersect(destRanges)
		if !ok {
			// This worker owns nothing of the destination: no
			// dispatch, no-op.
			s.stats.Int("skips").Add(1)
			continue
		}
		units = append(units, Unit{
			Worker:     part.Worker,
			Dest:       arr,
			PlanRange:  piece.Rel(destRanges),
			WriteRange: piece,
			Plan:       plan,
		})
	}
	return s.dispatch(ctx, fmt.Sprintf("apply into darray<%d>", arr.ID), units)
}

// materialize builds and runs a plan whose result is a brand-new
// array of the provided shape: one unit per partition, each
// computing its partition's content directly on the owning worker,
// with no separate write-back step.
func (s *Session) materialize(ctx context.Context, target shape.Shape, op *bigarray.Operand) (*bigarray.DArray, error) {
	plan, err := bigarray.BuildPlan(ctx, op, s)
	if err != nil {
		return nil, err
	}
	arr, err := s.allocate(ctx, target)
	if err != nil {
		return nil, err
	}
	units := make([]Unit, len(arr.Parts))
	for i, part := range arr.Parts {
		units[i] = Unit{
			Worker:     part.Worker,
			Dest:       arr,
			Alloc:      true,
			PlanRange:  part.Ranges,
			WriteRange: part.Ranges,
			Plan:       plan,
		}
	}
	if err := s.dispatch(ctx, fmt.Sprintf("apply darray<%d>", arr.ID), units); err != nil {
		// The operation is aborted; release whatever partitions were
		// produced. Freeing is best effort: the array was never
		// visible to the caller.
		if freeErr := s.executor.Free(ctx, arr); freeErr != nil {
			log.Error.Printf("free aborted darray<%d>: %v", arr.ID, freeErr)
		}
		return nil, err
	}
	return arr, nil
}

// dispatch issues all units concurrently and blocks until every one
// has settled. A failing unit does not cancel its siblings: the
// coordinator waits for all outstanding units so that no remote call
// is left in flight, then surfaces the first observed failure.
func (s *Session) dispatch(ctx context.Context, name string, units []Unit) error {
	var task *statusTask
	if s.group != nil {
		task = newStatusTask(s.group.Start(name), len(units))
		defer task.done()
	}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	for _, unit := range units {
		s.stats.Int("units").Add(1)
		wg.Add(1)
		go func(unit Unit) {
			defer wg.Done()
			err := s.executor.Run(ctx, unit)
			if err != nil {
				err = errors.E(errors.Remote, fmt.Sprintf("worker %d: %s", unit.Worker, unit.WriteRange), err)
				log.Error.Printf("unit failed on worker %d: %v", unit.Worker, err)
			}
			mu.Lock()
			if err != nil && first == nil {
				first = err
			}
			mu.Unlock()
			task.settled(err)
		}(unit)
	}
	wg.Wait()
	return first
}

// statusTask tracks the settling of a dispatch on a status display.
type statusTask struct {
	task *status.Task

	mu     sync.Mutex
	count  int
	failed int
	total  int
}

func newStatusTask(t *status.Task, total int) *statusTask {
	st := &statusTask{task: t, total: total}
	t.Printf("0/%d units", total)
	return st
}

func (t *statusTask) settled(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.count++
	if err != nil {
		t.failed++
	}
	if t.failed > 0 {
		t.task.Printf("%d/%d units (%d failed)", t.count, t.total, t.failed)
	} else {
		t.task.Printf("%d/%d units", t.count, t.total)
	}
	t.mu.Unlock()
}

func (t *statusTask) done() {
	if t == nil {
		return
	}
	t.task.Done()
}
