// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/mt-digital/bigarray/shape"
)

func TestBlockCut(t *testing.T) {
	for _, c := range []struct {
		s     shape.Shape
		n     int
		parts int
	}{
		{shape.Shape{12}, 1, 1},
		{shape.Shape{12}, 4, 4},
		{shape.Shape{12}, 5, 5},
		{shape.Shape{100, 100}, 4, 4},
		{shape.Shape{100, 100}, 6, 6},
		{shape.Shape{1, 7}, 3, 3},
		// Dimensions too small to absorb a factor drop it.
		{shape.Shape{3, 4}, 12, 6},
		{shape.Shape{2}, 8, 2},
		{shape.Shape{1, 1}, 3, 1},
		{shape.Shape{4, 4, 4}, 8, 8},
	} {
		parts := Block.Cut(c.s, c.n)
		if got, want := len(parts), c.parts; got != want {
			t.Errorf("cut %s by %d: got %d parts, want %d", c.s, c.n, got, want)
		}
		if len(parts) > c.n {
			t.Errorf("cut %s by %d: %d parts exceeds worker count", c.s, c.n, len(parts))
		}
		if !shape.Covers(parts, c.s) {
			t.Errorf("cut %s by %d: parts %v do not tile the shape", c.s, c.n, parts)
		}
	}
}

func TestBlockCutZeroDim(t *testing.T) {
	parts := Block.Cut(shape.Shape{}, 4)
	if got, want := len(parts), 1; got != want {
		t.Fatalf("got %d parts, want %d", got, want)
	}
	if !shape.Covers(parts, shape.Shape{}) {
		t.Errorf("parts %v do not cover the scalar shape", parts)
	}
}

func TestBlockCutDeterministic(t *testing.T) {
	s := shape.Shape{30, 20, 10}
	first := Block.Cut(s, 12)
	for i := 0; i < 5; i++ {
		if got := Block.Cut(s, 12); !reflect.DeepEqual(got, first) {
			t.Fatalf("cut order not deterministic: %v vs %v", got, first)
		}
	}
}

func TestBlockCutRandom(t *testing.T) {
	rnd := rand.New(rand.NewSource(0x1bad5eed))
	for i := 0; i < 200; i++ {
		s := make(shape.Shape, 1+rnd.Intn(4))
		for j := range s {
			s[j] = 1 + rnd.Intn(20)
		}
		n := 1 + rnd.Intn(16)
		parts := Block.Cut(s, n)
		if len(parts) == 0 || len(parts) > n {
			t.Fatalf("cut %s by %d: bad part count %d", s, n, len(parts))
		}
		if !shape.Covers(parts, s) {
			t.Fatalf("cut %s by %d: parts %v do not tile the shape", s, n, parts)
		}
	}
}
