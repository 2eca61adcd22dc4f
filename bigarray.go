// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/mt-digital/bigarray/shape"
)

// A Part is one worker's owned piece of a DArray: a rectangular index
// range together with the identifier of the worker that holds its
// storage.
type Part struct {
	// Worker is the owning worker's identifier.
	Worker int
	// Ranges is the owned index range, in the array's global
	// coordinate system.
	Ranges shape.Ranges
}

// A DArray describes an array whose elements are split disjointly
// across worker processes. The DArray itself is a descriptor: it
// carries the global shape and the partition map, while the element
// storage for each part lives on its owning worker. DArrays are
// created by distributing a local array or as the output of Apply;
// they are safe to share and to serialize into plans.
type DArray struct {
	// ID identifies the array across all processes of a session.
	ID uint64
	// Dims is the array's global shape.
	Dims shape.Shape
	// Parts is the partition map. Parts tile Dims: per dimension, the
	// owned ranges are contiguous, non-overlapping, and gap-free.
	// Each worker owns at most one part.
	Parts []Part
}

var arrayIndex uint64

// New creates a new DArray descriptor of the given shape from the
// provided partition map. New returns an error if the parts do not
// tile the shape exactly or if a worker appears twice.
func New(dims shape.Shape, parts []Part) (*DArray, error) {
	tiles := make([]shape.Ranges, len(parts))
	seen := make(map[int]bool)
	for i, part := range parts {
		if seen[part.Worker] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bigarray.New: worker %d owns multiple parts", part.Worker))
		}
		seen[part.Worker] = true
		tiles[i] = part.Ranges
	}
	if !shape.Covers(tiles, dims) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigarray.New: parts do not tile %s", dims))
	}
	return &DArray{
		ID:    atomic.AddUint64(&arrayIndex, 1),
		Dims:  dims,
		Parts: parts,
	}, nil
}

// Shape returns the array's global shape.
func (d *DArray) Shape() shape.Shape { return d.Dims }

// Owners returns the identifiers of the workers owning a part of d,
// in partition order.
func (d *DArray) Owners() []int {
	owners := make([]int, len(d.Parts))
	for i, part := range d.Parts {
		owners[i] = part.Worker
	}
	return owners
}

// Owned returns the index range owned by the provided worker.
func (d *DArray) Owned(worker int) (shape.Ranges, bool) {
	for _, part := range d.Parts {
		if part.Worker == worker {
			return part.Ranges, true
		}
	}
	return nil, false
}

func (d *DArray) String() string {
	return fmt.Sprintf("darray<%d>%s parts=%d", d.ID, d.Dims, len(d.Parts))
}

// Base implements Dest: a whole DArray is a destination covering its
// full index space.
func (d *DArray) Base() (*DArray, shape.Ranges) { return d, shape.Of(d.Dims) }

// A Dest is a destination for a destructive apply: either a whole
// DArray or a rectangular sub-view of one.
type Dest interface {
	// Base returns the destination's backing array and the
	// destination's index range in the backing array's global
	// coordinate system.
	Base() (*DArray, shape.Ranges)
}

// A View is a rectangular sub-view of a DArray, usable only as a
// destination for ApplyInto. A View carries no storage of its own;
// writes through it land in the backing array's partitions.
type View struct {
	arr    *DArray
	ranges shape.Ranges
}

// ViewOf returns a view of the sub-range rs of arr. ViewOf returns an
// error if rs does not lie within arr's bounds.
func ViewOf(arr *DArray, rs shape.Ranges) (View, error) {
	if len(rs) != arr.Dims.NumDim() || rs.Empty() || !shape.Of(arr.Dims).Contains(rs) {
		return View{}, errors.E(errors.Invalid, fmt.Sprintf("bigarray.ViewOf: range %s out of bounds of %s", rs, arr.Dims))
	}
	return View{arr: arr, ranges: rs}, nil
}

// Base implements Dest.
func (v View) Base() (*DArray, shape.Ranges) { return v.arr, v.ranges }

// Shape returns the view's shape.
func (v View) Shape() shape.Shape { return v.ranges.Shape() }

// A Dense is a plain in-memory array: a flat value buffer together
// with its shape. Dense values in plans are row-major and compact;
// reduced operands may instead view into a worker's partition storage
// through explicit strides.
type Dense struct {
	Values []float64
	Dims   shape.Shape

	// strides and offset are set when Values aliases a larger block
	// (a no-copy view of partition storage). A nil strides means
	// compact row-major layout.
	strides []int
	offset  int
}

// NewDense returns a Dense of the provided shape backed by values,
// which must hold exactly the shape's size.
func NewDense(values []float64, dims shape.Shape) (*Dense, error) {
	if len(values) != dims.Size() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigarray.NewDense: %d values for shape %s", len(values), dims))
	}
	return &Dense{Values: values, Dims: dims}, nil
}

// layout returns the strides and base offset with which Values is to
// be indexed.
func (d *Dense) layout() ([]int, int) {
	if d.strides != nil {
		return d.strides, d.offset
	}
	return d.Dims.Strides(), 0
}

// Kind discriminates the operand variants of an operation tree.
type Kind int

const (
	// Dist is a distributed array leaf.
	Dist Kind = iota
	// Local is a plain in-memory array leaf with no partitioning.
	Local
	// Scalar is a single value broadcast to every index.
	Scalar
	// Expr is an interior node applying a registered func to its
	// children.
	Expr
)

func (k Kind) String() string {
	switch k {
	case Dist:
		return "dist"
	case Local:
		return "local"
	case Scalar:
		return "scalar"
	case Expr:
		return "expr"
	default:
		panic("unrecognized operand kind")
	}
}

// An Operand is a node of an operation tree: either a leaf (a
// distributed array, a local array, or a scalar) or an expression
// applying a registered func to child operands. Operands are built
// once per invocation on the coordinator, are read-only thereafter,
// and gob-encode so that plans can be dispatched to workers.
type Operand struct {
	Kind  Kind
	Array *DArray // Dist
	Dense *Dense  // Local
	Value float64 // Scalar
	Fn    int     // Expr: func registry index
	Args  []*Operand
}

// Array returns a Dist operand for the provided distributed array.
func Array(d *DArray) *Operand { return &Operand{Kind: Dist, Array: d} }

// Values returns a Local operand holding the provided values.
func Values(values []float64, dims shape.Shape) (*Operand, error) {
	dense, err := NewDense(values, dims)
	if err != nil {
		return nil, err
	}
	return &Operand{Kind: Local, Dense: dense}, nil
}

// Const returns a Scalar operand broadcasting v to every index.
func Const(v float64) *Operand { return &Operand{Kind: Scalar, Value: v} }

// Shape computes the operand's shape. For expression nodes the shape
// is the broadcast unification of the children's shapes; scalar
// operands are zero-dimensional.
func (op *Operand) Shape() (shape.Shape, error) {
	switch op.Kind {
	case Dist:
		return op.Array.Dims, nil
	case Local:
		return op.Dense.Dims, nil
	case Scalar:
		return shape.Shape{}, nil
	case Expr:
		shapes := make([]shape.Shape, len(op.Args))
		for i, arg := range op.Args {
			var err error
			if shapes[i], err = arg.Shape(); err != nil {
				return nil, err
			}
		}
		return shape.Unify(shapes...)
	default:
		panic("unrecognized operand kind")
	}
}

// Arrays appends to refs every distributed array referenced by the
// operand tree, deduplicated by ID. Executors use this to route
// partition locations along with dispatched plans.
func (op *Operand) Arrays(refs map[uint64]*DArray) {
	switch op.Kind {
	case Dist:
		refs[op.Array.ID] = op.Array
	case Expr:
		for _, arg := range op.Args {
			arg.Arrays(refs)
		}
	}
}

// CopyBlock copies the elements of block, expressed in a shared
// global coordinate system, from a dense buffer covering srcRanges
// into a dense buffer covering dstRanges. Both buffers are compact
// row-major over their respective ranges, and block must nest in
// both. Rows along the trailing dimension are copied contiguously.
func CopyBlock(dst []float64, dstRanges shape.Ranges, src []float64, srcRanges shape.Ranges, block shape.Ranges) {
	ndim := len(block)
	if ndim == 0 {
		dst[0] = src[0]
		return
	}
	var (
		rowLen = block[ndim-1].Extent()
		idx    = make([]int, ndim)
	)
	for i, r := range block {
		idx[i] = r.Lo
	}
	for {
		doff := dstRanges.Offset(idx)
		soff := srcRanges.Offset(idx)
		copy(dst[doff:doff+rowLen], src[soff:soff+rowLen])
		// Advance the odometer over the leading dimensions.
		dim := ndim - 2
		for ; dim >= 0; dim-- {
			idx[dim]++
			if idx[dim] < block[dim].Hi {
				break
			}
			idx[dim] = block[dim].Lo
		}
		if dim < 0 {
			return
		}
	}
}

// Gather assembles a dense, row-major copy of the sub-range rs of
// arr by fetching the intersecting piece of every part through the
// provided fetch function. Fetch implementations return a compact
// copy of exactly the requested piece; Gather never aliases foreign
// storage.
func Gather(ctx context.Context, arr *DArray, rs shape.Ranges, fetch func(ctx context.Context, part Part, rs shape.Ranges) ([]float64, error)) ([]float64, error) {
	buf := make([]float64, rs.Size())
	for _, part := range arr.Parts {
		piece, ok := part.Ranges.Intersect(rs)
		if !ok {
			continue
		}
		values, err := fetch(ctx, part, piece)
		if err != nil {
			return nil, err
		}
		if len(values) != piece.Size() {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("bigarray.Gather: %s of array %d: fetched %d values for %d indices",
				piece, arr.ID, len(values), piece.Size()))
		}
		CopyBlock(buf, rs, values, piece, piece)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return buf, nil
}
