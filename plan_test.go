// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"context"
	"testing"

	"github.com/mt-digital/bigarray/shape"
)

// testDistributor distributes every array onto a single worker,
// counting its calls.
type testDistributor struct {
	calls int
}

func (d *testDistributor) Distribute(ctx context.Context, values []float64, dims shape.Shape) (*DArray, error) {
	d.calls++
	return New(dims, []Part{{Worker: 0, Ranges: shape.Of(dims)}})
}

func TestBuildPlan(t *testing.T) {
	ctx := context.Background()
	arr := splitRows(t, shape.Shape{4, 4}, 2)
	col, err := Values([]float64{1, 2, 3, 4}, shape.Shape{4, 1})
	if err != nil {
		t.Fatal(err)
	}
	unit, err := Values([]float64{9}, shape.Shape{})
	if err != nil {
		t.Fatal(err)
	}
	op := addFunc.Of(Array(arr), mulFunc.Of(col, addFunc.Of(Const(2), unit)))
	dist := new(testDistributor)
	plan, err := BuildPlan(ctx, op, dist)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := dist.calls, 1; got != want {
		t.Fatalf("got %d distribute calls, want %d", got, want)
	}
	// Every dimensioned leaf of the plan is distributed; scalars and
	// zero-dimensional leaves pass through.
	var walk func(op *Operand)
	walk = func(op *Operand) {
		switch op.Kind {
		case Local:
			if op.Dense.Dims.NumDim() != 0 {
				t.Errorf("dimensioned local leaf %s survived planning", op.Dense.Dims)
			}
		case Expr:
			for _, arg := range op.Args {
				walk(arg)
			}
		}
	}
	walk(plan)
	// The already distributed leaf passes through untouched.
	if plan.Args[0].Array != arr {
		t.Error("distributed leaf was rebuilt")
	}
	refs := make(map[uint64]*DArray)
	plan.Arrays(refs)
	if got, want := len(refs), 2; got != want {
		t.Errorf("got %d distributed arrays in plan, want %d", got, want)
	}
}
