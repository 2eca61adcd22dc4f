// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"context"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/mt-digital/bigarray/shape"
)

func TestNew(t *testing.T) {
	arr := splitRows(t, shape.Shape{4, 4}, 2)
	other := splitRows(t, shape.Shape{4, 4}, 2)
	if arr.ID == other.ID {
		t.Error("array identifiers not unique")
	}
	if got, want := arr.Owners(), []int{0, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got owners %v, want %v", got, want)
	}
	owned, ok := arr.Owned(1)
	if !ok || !owned.Equal(rgs(2, 4, 0, 4)) {
		t.Errorf("got owned %v, %v", owned, ok)
	}
	if _, ok := arr.Owned(2); ok {
		t.Error("worker 2 should own nothing")
	}
}

func TestNewValidation(t *testing.T) {
	// Parts that leave a gap in the index space.
	_, err := New(shape.Shape{4, 4}, []Part{
		{Worker: 0, Ranges: rgs(0, 2, 0, 4)},
		{Worker: 1, Ranges: rgs(3, 4, 0, 4)},
	})
	if err == nil {
		t.Error("expected error for parts that do not tile the shape")
	}
	// Two parts on the same worker.
	_, err = New(shape.Shape{4, 4}, []Part{
		{Worker: 0, Ranges: rgs(0, 2, 0, 4)},
		{Worker: 0, Ranges: rgs(2, 4, 0, 4)},
	})
	if err == nil {
		t.Error("expected error for duplicate worker")
	}
}

func TestOperandShape(t *testing.T) {
	col, err := Values([]float64{1, 2, 3}, shape.Shape{3, 1})
	if err != nil {
		t.Fatal(err)
	}
	row, err := Values([]float64{1, 2, 3, 4}, shape.Shape{1, 4})
	if err != nil {
		t.Fatal(err)
	}
	s, err := addFunc.Of(col, row).Shape()
	if err != nil {
		t.Fatal(err)
	}
	if want := (shape.Shape{3, 4}); !s.Equal(want) {
		t.Errorf("got %s, want %s", s, want)
	}
	three, err := Values([]float64{1, 2, 3}, shape.Shape{3})
	if err != nil {
		t.Fatal(err)
	}
	four, err := Values([]float64{1, 2, 3, 4}, shape.Shape{4})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = addFunc.Of(three, four).Shape(); err == nil {
		t.Fatal("expected mismatch error")
	} else if _, ok := err.(*shape.MismatchError); !ok {
		t.Errorf("got %T (%v), want *shape.MismatchError", err, err)
	}
}

func TestOperandArrays(t *testing.T) {
	arr := splitRows(t, shape.Shape{4, 4}, 2)
	op := addFunc.Of(Array(arr), mulFunc.Of(Array(arr), Const(2)))
	refs := make(map[uint64]*DArray)
	op.Arrays(refs)
	if len(refs) != 1 || refs[arr.ID] != arr {
		t.Errorf("got refs %v", refs)
	}
}

func TestViewOf(t *testing.T) {
	arr := splitRows(t, shape.Shape{4, 4}, 2)
	v, err := ViewOf(arr, rgs(1, 3, 0, 2))
	if err != nil {
		t.Fatal(err)
	}
	base, rs := v.Base()
	if base != arr || !rs.Equal(rgs(1, 3, 0, 2)) {
		t.Errorf("got base %v, ranges %v", base, rs)
	}
	if want := (shape.Shape{2, 2}); !v.Shape().Equal(want) {
		t.Errorf("got shape %s, want %s", v.Shape(), want)
	}
	if _, err := ViewOf(arr, rgs(1, 5, 0, 2)); err == nil {
		t.Error("expected error for out-of-bounds view")
	}
}

func TestCopyBlock(t *testing.T) {
	// Copy the center of a (4,4) block into the corner of a (3,3)
	// block, with each buffer covering a different base range.
	src := make([]float64, 16)
	for i := range src {
		src[i] = float64(i)
	}
	dst := make([]float64, 9)
	CopyBlock(dst, rgs(1, 4, 1, 4), src, rgs(0, 4, 0, 4), rgs(1, 3, 1, 3))
	want := []float64{5, 6, 0, 9, 10, 0, 0, 0, 0}
	if !reflect.DeepEqual(dst, want) {
		t.Errorf("got %v, want %v", dst, want)
	}
}

func TestGather(t *testing.T) {
	arr := splitRows(t, shape.Shape{4, 4}, 2)
	whole := make([]float64, 16)
	fz := fuzz.NewWithSeed(0x1234)
	for i := range whole {
		fz.Fuzz(&whole[i])
	}
	var pieces []shape.Ranges
	fetch := func(ctx context.Context, part Part, rs shape.Ranges) ([]float64, error) {
		if !part.Ranges.Contains(rs) {
			t.Errorf("piece %v outside part %v", rs, part.Ranges)
		}
		pieces = append(pieces, rs)
		out := make([]float64, rs.Size())
		CopyBlock(out, rs, whole, rgs(0, 4, 0, 4), rs)
		return out, nil
	}
	// Rows 1-3 span both partitions.
	got, err := Gather(context.Background(), arr, rgs(1, 3, 0, 4), fetch)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, whole[4:12]) {
		t.Errorf("got %v, want %v", got, whole[4:12])
	}
	if len(pieces) != 2 {
		t.Errorf("got %d fetched pieces, want 2", len(pieces))
	}
}
