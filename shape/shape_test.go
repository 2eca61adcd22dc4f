// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shape

import (
	"math/rand"
	"testing"
)

func TestUnify(t *testing.T) {
	for _, c := range []struct {
		shapes []Shape
		want   Shape
	}{
		{[]Shape{{3, 4}, {3, 4}}, Shape{3, 4}},
		{[]Shape{{3, 1}, {1, 4}}, Shape{3, 4}},
		{[]Shape{{4}, {3, 4}}, Shape{3, 4}},
		{[]Shape{{1}, {3, 1}, {3, 4}}, Shape{3, 4}},
		{[]Shape{{}, {2, 2}}, Shape{2, 2}},
		{[]Shape{}, Shape{}},
		{[]Shape{{5}}, Shape{5}},
	} {
		got, err := Unify(c.shapes...)
		if err != nil {
			t.Errorf("unify %v: %v", c.shapes, err)
			continue
		}
		if !got.Equal(c.want) {
			t.Errorf("unify %v: got %s, want %s", c.shapes, got, c.want)
		}
	}
}

func TestUnifyMismatch(t *testing.T) {
	for _, shapes := range [][]Shape{
		{{3}, {4}},
		{{2, 3}, {3, 3}},
		{{3, 4}, {4, 3}},
		{{5}, {2, 4}},
	} {
		if _, err := Unify(shapes...); err == nil {
			t.Errorf("unify %v: expected mismatch", shapes)
		} else if _, ok := err.(*MismatchError); !ok {
			t.Errorf("unify %v: error %v is not a MismatchError", shapes, err)
		}
	}
}

// Unification must not depend on operand order: the padding/max rule
// is commutative.
func TestUnifyCommutative(t *testing.T) {
	rnd := rand.New(rand.NewSource(0))
	const trials = 100
	for i := 0; i < trials; i++ {
		shapes := make([]Shape, 2+rnd.Intn(3))
		for j := range shapes {
			s := make(Shape, 1+rnd.Intn(3))
			for k := range s {
				// Sizes from {1, 3, 7} so that some combinations
				// broadcast and some mismatch.
				s[k] = []int{1, 3, 7}[rnd.Intn(3)]
			}
			shapes[j] = s
		}
		want, wantErr := Unify(shapes...)
		perm := rnd.Perm(len(shapes))
		permuted := make([]Shape, len(shapes))
		for j, k := range perm {
			permuted[j] = shapes[k]
		}
		got, gotErr := Unify(permuted...)
		if (wantErr == nil) != (gotErr == nil) {
			t.Fatalf("unify %v vs %v: error disagreement: %v, %v", shapes, permuted, wantErr, gotErr)
		}
		if wantErr == nil && !got.Equal(want) {
			t.Fatalf("unify %v vs %v: %s != %s", shapes, permuted, got, want)
		}
	}
}

func TestIntersect(t *testing.T) {
	a := Ranges{{0, 4}, {2, 6}}
	b := Ranges{{2, 8}, {0, 3}}
	got, ok := a.Intersect(b)
	if !ok || !got.Equal(Ranges{{2, 4}, {2, 3}}) {
		t.Errorf("got %s, %v", got, ok)
	}
	if _, ok := a.Intersect(Ranges{{4, 8}, {0, 6}}); ok {
		t.Error("expected empty intersection")
	}
}

func TestRelAbs(t *testing.T) {
	base := Ranges{{2, 10}, {4, 8}}
	rs := Ranges{{3, 5}, {4, 6}}
	rel := rs.Rel(base)
	if !rel.Equal(Ranges{{1, 3}, {0, 2}}) {
		t.Errorf("rel: got %s", rel)
	}
	if abs := rel.Abs(base); !abs.Equal(rs) {
		t.Errorf("abs: got %s", abs)
	}
}

func TestCovers(t *testing.T) {
	s := Shape{4, 6}
	parts := []Ranges{
		{{0, 2}, {0, 6}},
		{{2, 4}, {0, 3}},
		{{2, 4}, {3, 6}},
	}
	if !Covers(parts, s) {
		t.Error("expected cover")
	}
	// Overlapping parts with compensating gap: same total size,
	// still not a cover.
	bad := []Ranges{
		{{0, 3}, {0, 6}},
		{{2, 4}, {0, 3}},
	}
	if Covers(bad, s) {
		t.Error("expected no cover (overlap)")
	}
	if Covers(parts[:2], s) {
		t.Error("expected no cover (gap)")
	}
}

func TestOffset(t *testing.T) {
	rs := Ranges{{2, 5}, {1, 5}}
	if got, want := rs.Offset([]int{2, 1}), 0; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if got, want := rs.Offset([]int{3, 2}), 5; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}
