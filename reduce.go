// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"context"

	"github.com/mt-digital/bigarray/shape"
)

// A Store provides a reducing worker with access to distributed
// array storage: direct references to the partitions the worker owns
// itself, and explicit copies of everything else. Stores are
// implemented by the executors.
type Store interface {
	// Local returns the executing worker's own partition storage for
	// the identified array, together with the owned range. The
	// returned values may be aliased; they are never mutated through
	// a reduced operand.
	Local(id uint64) (values []float64, owned shape.Ranges, ok bool)

	// Fetch returns a dense, row-major copy of the sub-range rs of
	// arr, assembled from whichever workers own it. Fetch is always a
	// copy, never a reference to foreign memory.
	Fetch(ctx context.Context, arr *DArray, rs shape.Ranges) ([]float64, error)
}

// Reduce resolves the operand tree op against the requested index
// range req, expressed in the destination's coordinate system,
// returning an equivalent tree in which every leaf is a concrete,
// locally held value ready for local evaluation. Distributed leaves
// resolve to direct views of the executing worker's own storage when
// the request fits inside its owned range, and to explicit foreign
// copies otherwise. Scalar and zero-dimensional leaves pass through
// unchanged.
func Reduce(ctx context.Context, op *Operand, req shape.Ranges, store Store) (*Operand, error) {
	switch op.Kind {
	case Scalar:
		return op, nil
	case Local:
		// The plan builder promotes dimensioned local arrays to
		// distributed form; anything still here is resolved in place,
		// with no location to consult.
		if op.Dense.Dims.NumDim() == 0 {
			return op, nil
		}
		resolved, err := resolve(op.Dense.Dims, req)
		if err != nil {
			return nil, err
		}
		return &Operand{Kind: Local, Dense: viewDense(op.Dense.Values, shape.Of(op.Dense.Dims), resolved)}, nil
	case Dist:
		resolved, err := resolve(op.Array.Dims, req)
		if err != nil {
			return nil, err
		}
		// Prefer same-worker data: when the resolved range nests in
		// the executing worker's own partition, reference that
		// storage directly.
		if values, owned, ok := store.Local(op.Array.ID); ok && owned.Contains(resolved) {
			return &Operand{Kind: Local, Dense: viewDense(values, owned, resolved)}, nil
		}
		values, err := store.Fetch(ctx, op.Array, resolved)
		if err != nil {
			return nil, err
		}
		dense, err := NewDense(values, resolved.Shape())
		if err != nil {
			return nil, err
		}
		return &Operand{Kind: Local, Dense: dense}, nil
	case Expr:
		args := make([]*Operand, len(op.Args))
		for i, arg := range op.Args {
			var err error
			if args[i], err = Reduce(ctx, arg, req, store); err != nil {
				return nil, err
			}
		}
		return &Operand{Kind: Expr, Fn: op.Fn, Args: args}, nil
	default:
		panic("unrecognized operand kind")
	}
}

// resolve reconciles an operand's declared shape with a requested
// range, dimension by dimension from the trailing end. A singleton
// dimension always resolves to its single index; otherwise the
// request must nest inside the operand's declared range. A
// non-nesting request is an internal-consistency failure: top-level
// unification rules it out before dispatch.
func resolve(dims shape.Shape, req shape.Ranges) (shape.Ranges, error) {
	if dims.NumDim() > len(req) {
		return nil, shape.Mismatchf("operand %s has more dimensions than requested range %s", dims, req)
	}
	resolved := make(shape.Ranges, dims.NumDim())
	align := len(req) - dims.NumDim()
	for i, dim := range dims {
		a := shape.Range{Lo: 0, Hi: dim}
		b := req[i+align]
		switch {
		case dim == 1:
			resolved[i] = shape.Range{Lo: 0, Hi: 1}
		case b.Nests(a):
			resolved[i] = b
		default:
			return nil, shape.Mismatchf("requested range %s does not nest in operand dimension %d of %s", b, i, dims)
		}
	}
	return resolved, nil
}

// viewDense returns a Dense describing the sub-range resolved of a
// compact row-major buffer covering base, without copying.
func viewDense(values []float64, base shape.Ranges, resolved shape.Ranges) *Dense {
	lo := make([]int, len(resolved))
	for i, r := range resolved {
		lo[i] = r.Lo
	}
	return &Dense{
		Values:  values,
		Dims:    resolved.Shape(),
		strides: base.Shape().Strides(),
		offset:  base.Offset(lo),
	}
}
