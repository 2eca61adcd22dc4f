// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/mt-digital/bigarray/shape"
)

// Eval evaluates a fully reduced operand tree over the output shape
// out, returning a dense, row-major buffer of out.Size() values.
// Singleton and missing operand dimensions broadcast: every output
// index along them reads the same stored value. Eval runs
// sequentially and deterministically; it is invoked by a worker for
// exactly its assigned range.
func Eval(op *Operand, out shape.Shape) ([]float64, error) {
	switch op.Kind {
	case Scalar:
		buf := make([]float64, out.Size())
		for i := range buf {
			buf[i] = op.Value
		}
		return buf, nil
	case Local:
		return expand(op.Dense, out), nil
	case Dist:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigarray.Eval: unreduced operand for array %d", op.Array.ID))
	case Expr:
		args := make([][]float64, len(op.Args))
		for i, arg := range op.Args {
			var err error
			if args[i], err = Eval(arg, out); err != nil {
				return nil, err
			}
		}
		var (
			buf  = make([]float64, out.Size())
			argv = make([]float64, len(args))
		)
		for i := range buf {
			for j := range args {
				argv[j] = args[j][i]
			}
			v, err := call(op.Fn, argv)
			if err != nil {
				return nil, err
			}
			buf[i] = v
		}
		return buf, nil
	default:
		panic("unrecognized operand kind")
	}
}

// expand materializes a reduced leaf into a dense buffer of the
// output shape. The leaf's trailing dimensions align with the
// output's; broadcast (extent 1) and missing dimensions use a zero
// stride so that the single stored value repeats.
func expand(d *Dense, out shape.Shape) []float64 {
	layout, base := d.layout()
	var (
		ndim    = out.NumDim()
		align   = ndim - d.Dims.NumDim()
		strides = make([]int, ndim)
	)
	for j := 0; j < ndim; j++ {
		i := j - align
		if i < 0 || d.Dims[i] == 1 {
			continue // broadcast: stride 0
		}
		strides[j] = layout[i]
	}
	var (
		buf = make([]float64, out.Size())
		idx = make([]int, ndim)
		off = base
	)
	for k := range buf {
		buf[k] = d.Values[off]
		dim := ndim - 1
		for ; dim >= 0; dim-- {
			idx[dim]++
			off += strides[dim]
			if idx[dim] < out[dim] {
				break
			}
			off -= idx[dim] * strides[dim]
			idx[dim] = 0
		}
	}
	return buf
}
