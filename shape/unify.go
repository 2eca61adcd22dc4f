// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shape

import "fmt"

// MismatchError is returned when operand shapes fail to unify, when a
// destination's shape does not equal the unified shape exactly, or
// when a requested range fails to nest inside an operand's declared
// range during reduction. MismatchErrors are always raised before any
// compute happens on the offending data.
type MismatchError struct {
	// Shapes are the operand shapes that failed to unify, when
	// unification failed.
	Shapes []Shape
	// Dim is the (trailing-aligned) dimension at fault, or -1.
	Dim int
	// Detail describes the failure.
	Detail string
}

func (e *MismatchError) Error() string {
	if len(e.Shapes) == 0 {
		return "shape mismatch: " + e.Detail
	}
	shapes := make([]string, len(e.Shapes))
	for i, s := range e.Shapes {
		shapes[i] = s.String()
	}
	return fmt.Sprintf("shape mismatch: %s: %s", e.Detail, shapes)
}

// Mismatchf returns a MismatchError with a formatted detail string.
func Mismatchf(format string, args ...interface{}) *MismatchError {
	return &MismatchError{Dim: -1, Detail: fmt.Sprintf(format, args...)}
}

// Unify computes the elementwise broadcast shape of the provided
// operand shapes. Dimensions are aligned from the trailing end; a
// dimension missing from an operand is treated as size 1. The unified
// size of a dimension is the maximum size seen among the operands
// that declare it, provided every other declared size is either 1 or
// equal to that maximum; otherwise Unify returns a MismatchError.
// Unify of no shapes is the zero-dimensional shape.
func Unify(shapes ...Shape) (Shape, error) {
	var ndim int
	for _, s := range shapes {
		if len(s) > ndim {
			ndim = len(s)
		}
	}
	unified := make(Shape, ndim)
	for i := range unified {
		unified[i] = 1
	}
	for _, s := range shapes {
		for i, dim := range s {
			// Trailing alignment: s's dimension i lines up with
			// unified's dimension i+ndim-len(s).
			j := i + ndim - len(s)
			switch {
			case dim == unified[j], dim == 1:
			case unified[j] == 1:
				unified[j] = dim
			default:
				return nil, &MismatchError{
					Shapes: shapes,
					Dim:    j,
					Detail: fmt.Sprintf("dimension %d: %d does not broadcast against %d", j, dim, unified[j]),
				}
			}
		}
	}
	return unified, nil
}
