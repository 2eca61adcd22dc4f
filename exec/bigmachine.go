// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/mt-digital/bigarray"
	"github.com/mt-digital/bigarray/shape"
	"github.com/mt-digital/bigarray/stats"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// BigmachineExecutor is an executor that runs each worker as a
// separate bigmachine process. Partition storage lives in worker
// memory; units and partition blocks move over gob RPCs, and foreign
// partition reads are served by the owning worker as explicit
// serialized copies.
type bigmachineExecutor struct {
	system bigmachine.System

	sess   *Session
	b      *bigmachine.B
	status *status.Group

	machinesOnce sync.Once
	machines     []*bigmachine.Machine
	machinesErr  error
}

func newBigmachineExecutor(system bigmachine.System) *bigmachineExecutor {
	return &bigmachineExecutor{system: system}
}

// Start registers the bigarray worker with bigmachine and then
// starts the bigmachine. On worker processes, Start does not return.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	return b.b.Shutdown
}

// initMachines starts one machine per session worker and waits for
// all of them to boot. Worker identifiers are indices into the
// machine list, so the list order is fixed at startup. There is no
// machine-level fault tolerance: a machine that fails to start, or
// is lost later, fails the operations that touch it.
func (b *bigmachineExecutor) initMachines(ctx context.Context) error {
	b.machinesOnce.Do(func() {
		n := b.sess.Parallelism()
		log.Printf("starting %d bigmachines", n)
		machines, err := b.b.Start(ctx, n, bigmachine.Services{
			"Worker": &worker{},
		})
		if err != nil {
			b.machinesErr = err
			return
		}
		g, _ := errgroup.WithContext(ctx)
		for _, m := range machines {
			m := m
			var task *status.Task
			if b.status != nil {
				task = b.status.Start()
				task.Print("booting")
			}
			g.Go(func() error {
				<-m.Wait(bigmachine.Running)
				if err := m.Err(); err != nil {
					if task != nil {
						task.Printf("failed to start: %v", err)
						task.Done()
					}
					return fmt.Errorf("machine %s failed to start: %v", m.Addr, err)
				}
				if task != nil {
					task.Title(m.Addr)
					task.Print("running")
				}
				log.Printf("machine %v is ready", m.Addr)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			b.machinesErr = err
			return
		}
		b.machines = machines
	})
	return b.machinesErr
}

func (b *bigmachineExecutor) Workers(ctx context.Context) (int, error) {
	if err := b.initMachines(ctx); err != nil {
		return 0, err
	}
	return len(b.machines), nil
}

func (b *bigmachineExecutor) machine(w int) (*bigmachine.Machine, error) {
	if w < 0 || w >= len(b.machines) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec: no machine for worker %d", w))
	}
	return b.machines[w], nil
}

func (b *bigmachineExecutor) Store(ctx context.Context, w int, arr *bigarray.DArray, values []float64) error {
	if err := b.initMachines(ctx); err != nil {
		return err
	}
	m, err := b.machine(w)
	if err != nil {
		return err
	}
	req := storeRequest{Array: arr, Worker: w, Values: values}
	return m.RetryCall(ctx, "Worker.Store", req, nil)
}

func (b *bigmachineExecutor) Run(ctx context.Context, unit Unit) error {
	if err := b.initMachines(ctx); err != nil {
		return err
	}
	m, err := b.machine(unit.Worker)
	if err != nil {
		return err
	}
	// Route the locations of every referenced array's partitions so
	// that the worker can dial owners for foreign reads.
	refs := make(map[uint64]*bigarray.DArray)
	unit.Plan.Arrays(refs)
	refs[unit.Dest.ID] = unit.Dest
	locations := make(map[int]string)
	for _, arr := range refs {
		for _, part := range arr.Parts {
			pm, err := b.machine(part.Worker)
			if err != nil {
				return err
			}
			locations[part.Worker] = pm.Addr
		}
	}
	req := runRequest{Unit: unit, Locations: locations}
	return m.RetryCall(ctx, "Worker.Run", req, nil)
}

func (b *bigmachineExecutor) Fetch(ctx context.Context, arr *bigarray.DArray, rs shape.Ranges) ([]float64, error) {
	if err := b.initMachines(ctx); err != nil {
		return nil, err
	}
	return bigarray.Gather(ctx, arr, rs, func(ctx context.Context, part bigarray.Part, rs shape.Ranges) ([]float64, error) {
		m, err := b.machine(part.Worker)
		if err != nil {
			return nil, err
		}
		var values []float64
		if err := m.RetryCall(ctx, "Worker.Fetch", fetchRequest{ID: arr.ID, Ranges: rs}, &values); err != nil {
			return nil, err
		}
		return values, nil
	})
}

func (b *bigmachineExecutor) Free(ctx context.Context, arr *bigarray.DArray) error {
	if err := b.initMachines(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range arr.Parts {
		m, err := b.machine(part.Worker)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return m.RetryCall(gctx, "Worker.Free", arr.ID, nil)
		})
	}
	return g.Wait()
}

// Stats aggregates counters across all workers.
func (b *bigmachineExecutor) Stats(ctx context.Context) (stats.Values, error) {
	if err := b.initMachines(ctx); err != nil {
		return nil, err
	}
	total := make(stats.Values)
	for _, m := range b.machines {
		var vals stats.Values
		if err := m.RetryCall(ctx, "Worker.Stats", struct{}{}, &vals); err != nil {
			return nil, err
		}
		for k, v := range vals {
			total[k] += v
		}
	}
	return total, nil
}

// storeRequest deposits a partition block on a worker.
type storeRequest struct {
	// Array is the descriptor of the array being stored.
	Array *bigarray.DArray
	// Worker is the receiving worker's identifier.
	Worker int
	// Values is the dense row-major block covering the worker's
	// owned range.
	Values []float64
}

// runRequest carries one unit of work to a worker.
type runRequest struct {
	// Unit is the unit of work to run.
	Unit Unit
	// Locations maps worker identifiers to machine addresses for
	// every array the unit's plan references.
	Locations map[int]string
}

// fetchRequest asks a worker for a copy of a sub-range of a
// partition it owns.
type fetchRequest struct {
	// ID identifies the array.
	ID uint64
	// Ranges is the requested sub-range, in global coordinates. It
	// must nest inside the worker's owned range.
	Ranges shape.Ranges
}

// A worker is the bigmachine service holding a process's partition
// storage and running its units. All storage is in memory.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at
	// least one exported field.
	Exported struct{}

	b *bigmachine.B

	mu     sync.Mutex
	arrays map[uint64]*workerPartition

	stats        *stats.Map
	fetchLimiter *limiter.Limiter
}

type workerPartition struct {
	owned  shape.Ranges
	values []float64
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	w.arrays = make(map[uint64]*workerPartition)
	w.stats = stats.NewMap()
	// Bound the number of concurrent foreign reads served, so that a
	// wide fan-in cannot starve the worker's own unit.
	w.fetchLimiter = limiter.New()
	procs := b.System().Maxprocs()
	if procs == 0 {
		procs = runtime.GOMAXPROCS(0)
	}
	w.fetchLimiter.Release(procs)
	return nil
}

// Store deposits a partition block. A re-store of the same array
// replaces the partition wholesale.
func (w *worker) Store(ctx context.Context, req storeRequest, _ *struct{}) error {
	owned, ok := req.Array.Owned(req.Worker)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("worker %d owns no part of darray<%d>", req.Worker, req.Array.ID))
	}
	if len(req.Values) != owned.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("darray<%d>: %d values for range %s", req.Array.ID, len(req.Values), owned))
	}
	w.mu.Lock()
	w.arrays[req.Array.ID] = &workerPartition{owned: owned, values: req.Values}
	w.mu.Unlock()
	w.stats.Int("stored").Add(int64(len(req.Values)))
	return nil
}

// Run reduces the unit's plan against its assigned range, evaluates
// the fully local tree, and writes the result into this worker's own
// partition of the destination.
func (w *worker) Run(ctx context.Context, req runRequest, _ *struct{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while evaluating unit: %v\n%s", e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
		if err != nil {
			log.Error.Printf("unit %s of darray<%d>: %v", req.Unit.WriteRange, req.Unit.Dest.ID, err)
			// Recover the error so that it crosses the RPC boundary
			// intact.
			err = errors.Recover(err)
		}
	}()
	unit := req.Unit
	owned, ok := unit.Dest.Owned(unit.Worker)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("worker %d owns no part of darray<%d>", unit.Worker, unit.Dest.ID))
	}
	if unit.Alloc {
		w.mu.Lock()
		w.arrays[unit.Dest.ID] = &workerPartition{owned: owned, values: make([]float64, owned.Size())}
		w.mu.Unlock()
	}
	store := &machineStore{worker: w, self: unit.Worker, locations: req.Locations}
	reduced, err := bigarray.Reduce(ctx, unit.Plan, unit.PlanRange, store)
	if err != nil {
		return err
	}
	values, err := bigarray.Eval(reduced, unit.PlanRange.Shape())
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	part, ok := w.arrays[unit.Dest.ID]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("darray<%d> not stored", unit.Dest.ID))
	}
	if !part.owned.Contains(unit.WriteRange) {
		return errors.E(errors.Invalid, fmt.Sprintf("write range %s outside ownership %s", unit.WriteRange, part.owned))
	}
	bigarray.CopyBlock(part.values, part.owned, values, unit.WriteRange, unit.WriteRange)
	w.stats.Int("written").Add(int64(unit.WriteRange.Size()))
	return nil
}

// Fetch serves a foreign read: a dense copy of a sub-range of a
// partition this worker owns.
func (w *worker) Fetch(ctx context.Context, req fetchRequest, values *[]float64) error {
	if err := w.fetchLimiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.fetchLimiter.Release(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	part, ok := w.arrays[req.ID]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("darray<%d> not stored", req.ID))
	}
	if !part.owned.Contains(req.Ranges) {
		return errors.E(errors.Invalid, fmt.Sprintf("fetch range %s outside ownership %s", req.Ranges, part.owned))
	}
	buf := make([]float64, req.Ranges.Size())
	bigarray.CopyBlock(buf, req.Ranges, part.values, part.owned, req.Ranges)
	*values = buf
	w.stats.Int("served").Add(int64(len(buf)))
	return nil
}

// Free releases the worker's partition of the identified array.
func (w *worker) Free(ctx context.Context, id uint64, _ *struct{}) error {
	w.mu.Lock()
	delete(w.arrays, id)
	w.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the worker's counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	vals := make(stats.Values)
	w.stats.AddAll(vals)
	*values = vals
	return nil
}

// machineStore adapts the worker's registry and the locations route
// to bigarray.Store. Same-worker data is referenced directly during
// reduction; everything else is fetched as an explicit copy from the
// owning machine.
type machineStore struct {
	worker    *worker
	self      int
	locations map[int]string
}

func (s *machineStore) Local(id uint64) ([]float64, shape.Ranges, bool) {
	s.worker.mu.Lock()
	defer s.worker.mu.Unlock()
	part, ok := s.worker.arrays[id]
	if !ok {
		return nil, nil, false
	}
	return part.values, part.owned, true
}

func (s *machineStore) Fetch(ctx context.Context, arr *bigarray.DArray, rs shape.Ranges) ([]float64, error) {
	s.worker.stats.Int("fetches").Add(1)
	return bigarray.Gather(ctx, arr, rs, func(ctx context.Context, part bigarray.Part, rs shape.Ranges) ([]float64, error) {
		if part.Worker == s.self {
			// The piece of the request that this worker owns is
			// copied out of local storage; only the rest crosses
			// processes.
			var values []float64
			err := s.worker.Fetch(ctx, fetchRequest{ID: arr.ID, Ranges: rs}, &values)
			return values, err
		}
		addr, ok := s.locations[part.Worker]
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("no location for worker %d", part.Worker))
		}
		machine, err := s.worker.b.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		var values []float64
		if err := machine.RetryCall(ctx, "Worker.Fetch", fetchRequest{ID: arr.ID, Ranges: rs}, &values); err != nil {
			return nil, err
		}
		return values, nil
	})
}
