// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/mt-digital/bigarray"
	"github.com/mt-digital/bigarray/shape"
)

// LocalExecutor is an executor that runs workers in-process. Each
// worker keeps its own partition registry so that the ownership
// discipline matches the distributed executors exactly: a foreign
// read is still an explicit copy out of another worker's registry,
// never a shared reference.
type localExecutor struct {
	sess    *Session
	limiter *limiter.Limiter
	workers []*localWorker

	// writeObserver, when set, is invoked for every partition write
	// with the writing worker, the array, and the written range. It
	// is a test hook used to verify that workers never write outside
	// their own ownership.
	writeObserver func(w int, arr *bigarray.DArray, rs shape.Ranges)
}

// localWorker is one in-process worker's partition registry.
type localWorker struct {
	mu     sync.Mutex
	arrays map[uint64]*localPartition
}

type localPartition struct {
	owned  shape.Ranges
	values []float64
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{limiter: limiter.New()}
}

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	l.limiter.Release(sess.p)
	l.workers = make([]*localWorker, sess.p)
	for i := range l.workers {
		l.workers[i] = &localWorker{arrays: make(map[uint64]*localPartition)}
	}
	return func() {}
}

func (l *localExecutor) Workers(ctx context.Context) (int, error) {
	return len(l.workers), nil
}

func (l *localExecutor) Store(ctx context.Context, w int, arr *bigarray.DArray, values []float64) error {
	worker, err := l.worker(w)
	if err != nil {
		return err
	}
	owned, ok := arr.Owned(w)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.Store: worker %d owns no part of darray<%d>", w, arr.ID))
	}
	if len(values) != owned.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.Store: %d values for range %s", len(values), owned))
	}
	worker.mu.Lock()
	worker.arrays[arr.ID] = &localPartition{owned: owned, values: values}
	worker.mu.Unlock()
	return nil
}

func (l *localExecutor) Run(ctx context.Context, unit Unit) error {
	if err := l.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.limiter.Release(1)
	worker, err := l.worker(unit.Worker)
	if err != nil {
		return err
	}
	if unit.Alloc {
		owned, ok := unit.Dest.Owned(unit.Worker)
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("exec.Run: worker %d owns no part of darray<%d>", unit.Worker, unit.Dest.ID))
		}
		worker.mu.Lock()
		worker.arrays[unit.Dest.ID] = &localPartition{owned: owned, values: make([]float64, owned.Size())}
		worker.mu.Unlock()
	}
	store := &localStore{exec: l, worker: unit.Worker}
	reduced, err := bigarray.Reduce(ctx, unit.Plan, unit.PlanRange, store)
	if err != nil {
		return err
	}
	values, err := bigarray.Eval(reduced, unit.PlanRange.Shape())
	if err != nil {
		return err
	}
	return l.write(unit.Worker, unit.Dest, unit.WriteRange, values)
}

// write deposits values, covering rs of the array's global index
// space, into the worker's own partition. The range always nests in
// the partition: distinct workers never write overlapping ranges, so
// no cross-worker locking is needed.
func (l *localExecutor) write(w int, arr *bigarray.DArray, rs shape.Ranges, values []float64) error {
	if l.writeObserver != nil {
		l.writeObserver(w, arr, rs)
	}
	worker, err := l.worker(w)
	if err != nil {
		return err
	}
	worker.mu.Lock()
	defer worker.mu.Unlock()
	part, ok := worker.arrays[arr.ID]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("exec.write: darray<%d> not stored on worker %d", arr.ID, w))
	}
	if !part.owned.Contains(rs) {
		return errors.E(errors.Invalid, fmt.Sprintf("exec.write: range %s outside ownership %s", rs, part.owned))
	}
	bigarray.CopyBlock(part.values, part.owned, values, rs, rs)
	l.sess.stats.Int("writes").Add(int64(rs.Size()))
	return nil
}

// Fetch assembles a copy of the sub-range rs of arr from the owning
// workers' registries. The copy is deliberate: even in-process,
// foreign partition data is never aliased.
func (l *localExecutor) Fetch(ctx context.Context, arr *bigarray.DArray, rs shape.Ranges) ([]float64, error) {
	return bigarray.Gather(ctx, arr, rs, func(ctx context.Context, part bigarray.Part, rs shape.Ranges) ([]float64, error) {
		worker, err := l.worker(part.Worker)
		if err != nil {
			return nil, err
		}
		worker.mu.Lock()
		defer worker.mu.Unlock()
		p, ok := worker.arrays[arr.ID]
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("exec.Fetch: darray<%d> not stored on worker %d", arr.ID, part.Worker))
		}
		buf := make([]float64, rs.Size())
		bigarray.CopyBlock(buf, rs, p.values, p.owned, rs)
		return buf, nil
	})
}

func (l *localExecutor) Free(ctx context.Context, arr *bigarray.DArray) error {
	for _, part := range arr.Parts {
		worker, err := l.worker(part.Worker)
		if err != nil {
			return err
		}
		worker.mu.Lock()
		delete(worker.arrays, arr.ID)
		worker.mu.Unlock()
	}
	return nil
}

func (l *localExecutor) worker(w int) (*localWorker, error) {
	if w < 0 || w >= len(l.workers) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: no worker %d", w))
	}
	return l.workers[w], nil
}

// localStore adapts a worker's view of the executor to
// bigarray.Store for reduction.
type localStore struct {
	exec   *localExecutor
	worker int
}

func (s *localStore) Local(id uint64) ([]float64, shape.Ranges, bool) {
	worker, err := s.exec.worker(s.worker)
	if err != nil {
		return nil, nil, false
	}
	worker.mu.Lock()
	defer worker.mu.Unlock()
	part, ok := worker.arrays[id]
	if !ok {
		return nil, nil, false
	}
	return part.values, part.owned, true
}

func (s *localStore) Fetch(ctx context.Context, arr *bigarray.DArray, rs shape.Ranges) ([]float64, error) {
	s.exec.sess.stats.Int("fetches").Add(1)
	return s.exec.Fetch(ctx, arr, rs)
}
