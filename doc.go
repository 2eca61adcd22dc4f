// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bigarray implements distributed dense arrays: a numeric
// array is split disjointly across worker processes, and elementwise
// operations over any mix of distributed arrays, plain local arrays,
// and scalars execute on the owning workers without ever
// materializing the whole array in one process.
//
// An operation is expressed as a tree of operands rooted at a
// registered elementwise kernel:
//
//	var add = bigarray.Func(func(args []float64) (float64, error) {
//		return args[0] + args[1], nil
//	})
//
//	sess := exec.Start(exec.Local, exec.Parallelism(4))
//	a, err := sess.Distribute(ctx, values, shape.Shape{1000, 1000})
//	...
//	sum, err := sess.Apply(ctx, add, bigarray.Array(a), bigarray.Const(1))
//
// The coordinator validates and unifies operand shapes, promotes
// plain local arrays to distributed form, and then fans the plan out
// to every worker owning a piece of the destination. Each worker
// reduces the plan to its own index range, fetching foreign
// partition data only when a requested range does not fit inside its
// own ownership, evaluates the fully local tree, and writes the
// result into the partition it owns. Package exec provides the
// session, the in-process executor, and the bigmachine executor that
// runs workers as separate processes.
package bigarray
