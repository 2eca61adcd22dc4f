// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs bigarray operations: it provides sessions, which
// own a set of workers, and executors, which place partition storage
// on those workers and dispatch compute units to them. The local
// executor runs workers in-process; the bigmachine executor runs
// each worker as a separate process and moves data over gob RPCs.
package exec

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/mt-digital/bigarray"
	"github.com/mt-digital/bigarray/shape"
	"github.com/mt-digital/bigarray/stats"
	"golang.org/x/sync/errgroup"
)

// Session represents a bigarray compute session. A session shares a
// binary and executor, and is valid for the run of the binary. All
// funcs must be registered before Start is called, and in
// deterministic order; package-level registration provides this by
// default.
type Session struct {
	context.Context
	index       int32
	p           int
	executor    Executor
	partitioner bigarray.Partitioner
	status      *status.Status
	group       *status.Group
	shutdown    func()
	stats       *stats.Map
}

// nextSessionIndex is the index of the next session started by
// Start. In general there should be one session per process, but
// tests violate this.
var nextSessionIndex int32

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the in-process executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system.
func Bigmachine(system bigmachine.System) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system)
	}
}

// Parallelism configures the session with the provided number of
// workers.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Status configures the session with a status object to which
// operation statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Partition configures the session with a partitioning strategy,
// replacing the default block partitioner.
func Partition(p bigarray.Partitioner) Option {
	if p == nil {
		panic("exec.Partition: nil partitioner")
	}
	return func(s *Session) {
		s.partitioner = p
	}
}

// Start creates and starts a new bigarray session, configuring it
// according to the provided options. If no executor is configured,
// the session uses the bigmachine executor with the local system.
func Start(options ...Option) *Session {
	s := &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		stats:   stats.NewMap(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.partitioner == nil {
		s.partitioner = bigarray.Block
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	if s.status != nil {
		s.group = s.status.Group("bigarray")
	}
	s.shutdown = s.executor.Start(s)
	return s
}

// Parallelism returns the session's configured worker count.
func (s *Session) Parallelism() int { return s.p }

// Status returns the session's status object, if any.
func (s *Session) Status() *status.Status { return s.status }

// Stats returns a snapshot of the session's counters: dispatched
// units, skipped workers, and executor-specific counts.
func (s *Session) Stats() stats.Values {
	vals := make(stats.Values)
	s.stats.AddAll(vals)
	return vals
}

// WorkerStats returns a snapshot of counters aggregated across the
// session's workers. The in-process executor counts directly into
// the session map, so its worker counters appear in Stats instead.
func (s *Session) WorkerStats(ctx context.Context) (stats.Values, error) {
	type statser interface {
		Stats(ctx context.Context) (stats.Values, error)
	}
	if e, ok := s.executor.(statser); ok {
		return e.Stats(ctx)
	}
	return s.Stats(), nil
}

// Shutdown releases the session's workers. The session is invalid
// afterwards.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// Distribute applies the session's partitioning strategy to the
// provided values and scatters the resulting blocks to their owning
// workers, returning the new distributed array. It implements
// bigarray.Distributor, which the plan builder uses to promote local
// operands.
func (s *Session) Distribute(ctx context.Context, values []float64, dims shape.Shape) (*bigarray.DArray, error) {
	if len(values) != dims.Size() {
		return nil, fmt.Errorf("exec.Distribute: %d values for shape %s", len(values), dims)
	}
	arr, err := s.allocate(ctx, dims)
	if err != nil {
		return nil, err
	}
	full := shape.Of(dims)
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range arr.Parts {
		part := part
		g.Go(func() error {
			block := make([]float64, part.Ranges.Size())
			bigarray.CopyBlock(block, part.Ranges, values, full, part.Ranges)
			return s.executor.Store(gctx, part.Worker, arr, block)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return arr, nil
}

// Collect gathers the whole of arr into a dense local array on the
// coordinator. It is intended for results small enough to
// materialize in one process.
func (s *Session) Collect(ctx context.Context, arr *bigarray.DArray) ([]float64, error) {
	return s.executor.Fetch(ctx, arr, shape.Of(arr.Dims))
}

// Free releases all of arr's partitions. Partitions are freed
// together with the whole array, never individually.
func (s *Session) Free(ctx context.Context, arr *bigarray.DArray) error {
	return s.executor.Free(ctx, arr)
}

// Fill creates a new distributed array of the provided shape with
// every element set to v.
func (s *Session) Fill(ctx context.Context, dims shape.Shape, v float64) (*bigarray.DArray, error) {
	return s.materialize(ctx, dims, bigarray.Const(v))
}

// Zeros creates a new zero-filled distributed array of the provided
// shape.
func (s *Session) Zeros(ctx context.Context, dims shape.Shape) (*bigarray.DArray, error) {
	return s.Fill(ctx, dims, 0)
}

// allocate creates a new DArray descriptor of the provided shape,
// cut by the session's partitioner across the available workers. No
// storage exists until workers deposit or compute their partitions.
func (s *Session) allocate(ctx context.Context, dims shape.Shape) (*bigarray.DArray, error) {
	n, err := s.executor.Workers(ctx)
	if err != nil {
		return nil, err
	}
	cuts := s.partitioner.Cut(dims, n)
	if len(cuts) > n {
		return nil, fmt.Errorf("exec.allocate: partitioner cut %s into %d parts for %d workers", dims, len(cuts), n)
	}
	parts := make([]bigarray.Part, len(cuts))
	for i, rs := range cuts {
		parts[i] = bigarray.Part{Worker: i, Ranges: rs}
	}
	return bigarray.New(dims, parts)
}
