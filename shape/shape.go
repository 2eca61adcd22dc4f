// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shape implements the index-space algebra used by bigarray:
// array shapes, per-dimension index ranges, broadcast unification,
// range nesting and intersection, and row-major layout arithmetic.
// DArrays, operands, and dispatch units all carry shape.Shapes and
// shape.Ranges.
package shape

import (
	"fmt"
	"strings"
)

// A Shape is an ordered tuple of dimension sizes.
type Shape []int

// NumDim returns the number of dimensions in shape s.
func (s Shape) NumDim() int { return len(s) }

// Size returns the total number of elements in an array of shape s.
// The size of a zero-dimensional shape is 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s {
		size *= dim
	}
	return size
}

// Equal tells whether shapes s and t are identical.
func (s Shape) Equal(t Shape) bool {
	if len(s) != len(t) {
		return false
	}
	for i := range s {
		if s[i] != t[i] {
			return false
		}
	}
	return true
}

// Strides returns the row-major strides for shape s.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	stride := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= s[i]
	}
	return strides
}

// String returns a description of the shape, e.g. "(3,4)".
func (s Shape) String() string {
	dims := make([]string, len(s))
	for i, dim := range s {
		dims[i] = fmt.Sprint(dim)
	}
	return "(" + strings.Join(dims, ",") + ")"
}

// A Range is a half-open index interval [Lo, Hi) along one dimension.
type Range struct {
	Lo, Hi int
}

// Extent returns the number of indices in range r.
func (r Range) Extent() int { return r.Hi - r.Lo }

// Empty tells whether range r contains no indices.
func (r Range) Empty() bool { return r.Hi <= r.Lo }

// Nests tells whether range r lies fully inside range s.
// Ranges must nest or miss entirely; broadcast dimensions are
// handled before nesting is consulted.
func (r Range) Nests(s Range) bool { return s.Lo <= r.Lo && r.Hi <= s.Hi }

func (r Range) String() string { return fmt.Sprintf("%d:%d", r.Lo, r.Hi) }

// Ranges describes a rectangular subset of an array's index space,
// one Range per dimension.
type Ranges []Range

// Of returns the full-extent ranges of shape s.
func Of(s Shape) Ranges {
	rs := make(Ranges, len(s))
	for i, dim := range s {
		rs[i] = Range{0, dim}
	}
	return rs
}

// Shape returns the per-dimension extents of rs.
func (rs Ranges) Shape() Shape {
	s := make(Shape, len(rs))
	for i, r := range rs {
		s[i] = r.Extent()
	}
	return s
}

// Size returns the number of indices described by rs.
func (rs Ranges) Size() int { return rs.Shape().Size() }

// Empty tells whether rs describes no indices.
func (rs Ranges) Empty() bool {
	for _, r := range rs {
		if r.Empty() {
			return true
		}
	}
	return false
}

// Contains tells whether other nests inside rs in every dimension.
func (rs Ranges) Contains(other Ranges) bool {
	if len(rs) != len(other) {
		return false
	}
	for i := range rs {
		if !other[i].Nests(rs[i]) {
			return false
		}
	}
	return true
}

// Equal tells whether rs and other describe the same index subset.
func (rs Ranges) Equal(other Ranges) bool {
	if len(rs) != len(other) {
		return false
	}
	for i := range rs {
		if rs[i] != other[i] {
			return false
		}
	}
	return true
}

// Intersect returns the indexwise intersection of rs and other. The
// second result is false when the intersection is empty in any
// dimension.
func (rs Ranges) Intersect(other Ranges) (Ranges, bool) {
	if len(rs) != len(other) {
		return nil, false
	}
	out := make(Ranges, len(rs))
	for i := range rs {
		lo, hi := rs[i].Lo, rs[i].Hi
		if other[i].Lo > lo {
			lo = other[i].Lo
		}
		if other[i].Hi < hi {
			hi = other[i].Hi
		}
		if hi <= lo {
			return nil, false
		}
		out[i] = Range{lo, hi}
	}
	return out, true
}

// Rel translates rs, expressed in the same coordinate system as base,
// into coordinates relative to base's origin. Rel is used to move a
// destination intersection into a sub-view's own coordinate system.
func (rs Ranges) Rel(base Ranges) Ranges {
	out := make(Ranges, len(rs))
	for i := range rs {
		out[i] = Range{rs[i].Lo - base[i].Lo, rs[i].Hi - base[i].Lo}
	}
	return out
}

// Abs translates rs, expressed relative to base's origin, back into
// base's own coordinate system.
func (rs Ranges) Abs(base Ranges) Ranges {
	out := make(Ranges, len(rs))
	for i := range rs {
		out[i] = Range{rs[i].Lo + base[i].Lo, rs[i].Hi + base[i].Lo}
	}
	return out
}

// Offset returns the row-major offset of global index idx within a
// dense block covering rs.
func (rs Ranges) Offset(idx []int) int {
	strides := rs.Shape().Strides()
	var off int
	for i := range rs {
		off += (idx[i] - rs[i].Lo) * strides[i]
	}
	return off
}

func (rs Ranges) String() string {
	dims := make([]string, len(rs))
	for i, r := range rs {
		dims[i] = r.String()
	}
	return "[" + strings.Join(dims, ",") + "]"
}

// Covers tells whether parts tile the whole of shape s: in every
// dimension the parts' ranges must be within bounds, and every index
// of s must be claimed by exactly one part. Covers is the partition
// invariant that makes unlocked destination writes safe.
func Covers(parts []Ranges, s Shape) bool {
	var total int
	for _, p := range parts {
		if len(p) != len(s) {
			return false
		}
		if !Of(s).Contains(p) || p.Empty() {
			return false
		}
		total += p.Size()
	}
	if total != s.Size() {
		return false
	}
	// Equal total size rules out gaps only if no two parts overlap.
	for i, p := range parts {
		for _, q := range parts[i+1:] {
			if _, ok := p.Intersect(q); ok {
				return false
			}
		}
	}
	return true
}
