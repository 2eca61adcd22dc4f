// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"github.com/mt-digital/bigarray/shape"
)

// A Partitioner decides how an array's index space is divided among
// workers. The strategy is opaque to the rest of bigarray: any set of
// cuts satisfying the tiling invariant works.
type Partitioner interface {
	// Cut divides the index space of s into at most n disjoint
	// rectangular parts that tile s exactly. Cut returns at least one
	// part, in a deterministic order; part i is assigned to worker i.
	Cut(s shape.Shape, n int) []shape.Ranges
}

// Block is the default partitioner. It factors the worker count into
// a processor grid, assigning the largest factors to the largest
// remaining dimensions, and then splits each dimension into
// near-equal contiguous chunks. Dimensions too small to absorb a
// factor are skipped; if no dimension can absorb it, the factor is
// dropped and fewer workers are used.
var Block Partitioner = blockPartitioner{}

type blockPartitioner struct{}

func (blockPartitioner) Cut(s shape.Shape, n int) []shape.Ranges {
	if s.NumDim() == 0 || s.Size() == 0 || n <= 1 {
		return []shape.Ranges{shape.Of(s)}
	}
	chunks := make([]int, s.NumDim())
	for i := range chunks {
		chunks[i] = 1
	}
	for _, f := range primeFactors(n) {
		best, bestLen := -1, 0
		for i, dim := range s {
			if l := dim / chunks[i]; l >= f && l > bestLen {
				best, bestLen = i, l
			}
		}
		if best < 0 {
			continue
		}
		chunks[best] *= f
	}
	// Near-equal chunk boundaries along each dimension.
	dimRanges := make([][]shape.Range, s.NumDim())
	for i, dim := range s {
		dimRanges[i] = make([]shape.Range, chunks[i])
		for k := 0; k < chunks[i]; k++ {
			dimRanges[i][k] = shape.Range{Lo: dim * k / chunks[i], Hi: dim * (k + 1) / chunks[i]}
		}
	}
	// Cartesian product, row-major over dimensions.
	parts := make([]shape.Ranges, 0, prod(chunks))
	idx := make([]int, s.NumDim())
	for {
		rs := make(shape.Ranges, s.NumDim())
		for i, k := range idx {
			rs[i] = dimRanges[i][k]
		}
		parts = append(parts, rs)
		dim := s.NumDim() - 1
		for ; dim >= 0; dim-- {
			idx[dim]++
			if idx[dim] < chunks[dim] {
				break
			}
			idx[dim] = 0
		}
		if dim < 0 {
			return parts
		}
	}
}

// primeFactors returns the prime factorization of n in descending
// order, so that the biggest factors are placed on the biggest
// dimensions first.
func primeFactors(n int) []int {
	var factors []int
	for f := 2; f*f <= n; f++ {
		for n%f == 0 {
			factors = append(factors, f)
			n /= f
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}
	for i, j := 0, len(factors)-1; i < j; i, j = i+1, j-1 {
		factors[i], factors[j] = factors[j], factors[i]
	}
	return factors
}

func prod(xs []int) int {
	p := 1
	for _, x := range xs {
		p *= x
	}
	return p
}
