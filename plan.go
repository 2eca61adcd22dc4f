// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"context"

	"github.com/mt-digital/bigarray/shape"
)

// A Distributor promotes a plain local array to distributed form by
// applying a partitioning strategy and scattering the data. It is
// implemented by exec.Session.
type Distributor interface {
	Distribute(ctx context.Context, values []float64, dims shape.Shape) (*DArray, error)
}

// BuildPlan normalizes the operand tree op into a distributed plan:
// every local leaf with one or more dimensions is replaced by a
// distributed operand obtained from the distributor; scalar,
// zero-dimensional, and already distributed leaves pass through
// unchanged. BuildPlan performs no compute and runs once per
// invocation on the coordinator, regardless of how many workers
// later execute the plan.
func BuildPlan(ctx context.Context, op *Operand, dist Distributor) (*Operand, error) {
	switch op.Kind {
	case Dist, Scalar:
		return op, nil
	case Local:
		if op.Dense.Dims.NumDim() == 0 {
			return op, nil
		}
		arr, err := dist.Distribute(ctx, op.Dense.Values, op.Dense.Dims)
		if err != nil {
			return nil, err
		}
		return &Operand{Kind: Dist, Array: arr}, nil
	case Expr:
		args := make([]*Operand, len(op.Args))
		for i, arg := range op.Args {
			var err error
			if args[i], err = BuildPlan(ctx, arg, dist); err != nil {
				return nil, err
			}
		}
		return &Operand{Kind: Expr, Fn: op.Fn, Args: args}, nil
	default:
		panic("unrecognized operand kind")
	}
}
