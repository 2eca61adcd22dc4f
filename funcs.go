// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

var (
	// funcs is the global registry of elementwise kernels. We rely on
	// deterministic registration order so that a plan built on the
	// coordinator names the same kernel on every worker process of
	// the same binary. (This is guaranteed by Go's variable
	// initialization order for a single compiler, which is sufficient
	// for our use.)
	funcs []*FuncValue
	// funcsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A Kernel is an elementwise kernel: it receives one value per
// operand, aligned with the operation's argument order, and returns
// the value at that index. A kernel error aborts the unit of work it
// runs in and surfaces to the caller after the dispatch barrier.
type Kernel func(args []float64) (float64, error)

// A FuncValue represents a registered elementwise kernel, as
// returned by Func. Plans refer to kernels by registry index and may
// thus be dispatched across process boundaries.
type FuncValue struct {
	fn    Kernel
	index int
}

// Func registers an elementwise kernel and returns its FuncValue.
// Funcs must be registered before a session is started, and in
// deterministic order; registering them as package-level variables
// provides this by default:
//
//	var add = bigarray.Func(func(args []float64) (float64, error) {
//		return args[0] + args[1], nil
//	})
func Func(fn Kernel) *FuncValue {
	if fn == nil {
		panic("bigarray.Func: nil kernel")
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("bigarray.Func: data race")
	}
	v := &FuncValue{fn: fn, index: len(funcs)}
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("bigarray.Func: data race")
	}
	return v
}

// Of returns an expression operand applying f to the provided
// arguments elementwise. Arguments may be leaves or nested
// expressions.
func (f *FuncValue) Of(args ...*Operand) *Operand {
	return &Operand{Kind: Expr, Fn: f.index, Args: args}
}

// call invokes the kernel at the given registry index.
func call(index int, args []float64) (float64, error) {
	if index < 0 || index >= len(funcs) {
		return 0, errors.E(errors.Fatal, fmt.Sprintf("bigarray: kernel %d not registered", index))
	}
	return funcs[index].fn(args)
}
