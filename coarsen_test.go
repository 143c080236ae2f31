/*
Copyright © 2021 the MESSy coupler authors.
This file is part of the MESSy coupler.

The MESSy coupler is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

The MESSy coupler is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with the MESSy coupler.  If not, see <http://www.gnu.org/licenses/>.
*/

package messy

import (
	"math"
	"testing"
)

func TestCoarsenUniform(t *testing.T) {
	// A uniform 4×4 field merges all the way down to the root cell:
	// 16 → 4 → 1, with a final no-change round.
	coarsen := &CoarsenSpec{Method: CoarsenMeanLower, Tracer: "q", Threshold: 10}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 4, 4, 1, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 { return 5 })
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return 1 })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if n := c.MaxNumElements(); n != 1 {
		t.Fatalf("got %d elements, want 1", n)
	}
	if r := c.Rounds(); r != 3 {
		t.Errorf("got %d rounds, want 3", r)
	}
	if v := leafValue(c, 0, 0, 0); v != 5 {
		t.Errorf("q = %g, want 5", v)
	}
	if m := leafValue(c, 0, 0, 1); m != 16 {
		t.Errorf("mass = %g, want 16", m)
	}
	if e := c.localError(0, 0); e != 0 {
		t.Errorf("local error = %g, want 0", e)
	}
	if e := c.globalError(0, 0); e != 0 {
		t.Errorf("global error = %g, want 0", e)
	}
}

func TestCoarsenErrorTolKeeps(t *testing.T) {
	// With tracer values 0..15 every sibling group exceeds the 0.10
	// relative error tolerance, so nothing merges.
	coarsen := &CoarsenSpec{Method: CoarsenErrorTol}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 4, 4, 1, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 { return float64(y*4 + x) })
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return 1 })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if n := c.MaxNumElements(); n != 16 {
		t.Fatalf("got %d elements, want 16", n)
	}
	if r := c.Rounds(); r != 2 {
		t.Errorf("got %d rounds, want 2", r)
	}
	// The copy-only round must leave the data and ids intact.
	for i := 1; i < 16; i++ {
		if c.Chunk.DataIDs[i] <= c.Chunk.DataIDs[i-1] {
			t.Fatalf("data ids not strictly increasing: %v", c.Chunk.DataIDs)
		}
	}
}

func TestCoarsenThresholdPartial(t *testing.T) {
	// Tracer q is 1 in the top-left (north-west) 2×2 block and 0
	// elsewhere. With max_lower at 0.5 the top-left sibling group
	// keeps (max = 1) while the other three merge: 4 + 3 = 7 leaves,
	// and the second round changes nothing.
	coarsen := &CoarsenSpec{Method: CoarsenMaxLower, Tracer: "q", Threshold: 0.5}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 4, 4, 1, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 {
		if x < 2 && y >= 2 {
			return 1
		}
		return 0
	})
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return 1 })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if n := c.MaxNumElements(); n != 7 {
		t.Fatalf("got %d elements, want 7", n)
	}
	if r := c.Rounds(); r != 2 {
		t.Errorf("got %d rounds, want 2", r)
	}

	// Merged leaves carry the summed mass, kept leaves a single cell's.
	var kept, merged int
	for e := 0; e < 7; e++ {
		switch leafValue(c, e, 0, 1) {
		case 1:
			kept++
		case 4:
			merged++
		default:
			t.Errorf("leaf %d has mass %g, want 1 or 4", e, leafValue(c, e, 0, 1))
		}
	}
	if kept != 4 || merged != 3 {
		t.Errorf("got %d kept and %d merged leaves, want 4 and 3", kept, merged)
	}
}

func TestCoarsenAllMissing(t *testing.T) {
	// A sibling group whose values are all missing merges into a leaf
	// with value 0 and error 0.
	coarsen := &CoarsenSpec{Method: CoarsenErrorTol}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 2, 2, 1, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 { return testMissing })
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return testMissing })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if n := c.MaxNumElements(); n != 1 {
		t.Fatalf("got %d elements, want 1", n)
	}
	if v := leafValue(c, 0, 0, 0); v != 0 {
		t.Errorf("q = %g, want 0", v)
	}
	if m := leafValue(c, 0, 0, 1); m != 0 {
		t.Errorf("mass = %g, want 0", m)
	}
	if e := c.localError(0, 0); e != 0 {
		t.Errorf("local error = %g, want 0", e)
	}
}

func TestMassConservation(t *testing.T) {
	coarsen := &CoarsenSpec{Method: CoarsenErrorTol, Threshold: 100}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 4, 4, 2, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 { return float64(x + y + z) })
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return float64(1 + x%2 + 2*(y%2)) })

	var wantMass float64
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			for z := 0; z < 2; z++ {
				wantMass += float64(1 + x%2 + 2*(y%2))
			}
		}
	}

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if n := c.MaxNumElements(); n != 1 {
		t.Fatalf("got %d elements, want 1", n)
	}
	var gotMass float64
	for z := 0; z < 2; z++ {
		gotMass += leafValue(c, 0, z, 1)
	}
	if math.Abs(gotMass-wantMass) > 1e-12 {
		t.Errorf("total mass = %g, want %g", gotMass, wantMass)
	}
}

func TestErrorPropagation(t *testing.T) {
	// One sibling group with values (1, 1, 1, 3) and unit mass: the
	// mass-weighted value is 1.5, the maximum relative error 0.5.
	coarsen := &CoarsenSpec{Method: CoarsenErrorTol, Threshold: 0.6}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 2, 2, 1, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 {
		if x == 1 && y == 1 {
			return 3
		}
		return 1
	})
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return 1 })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if n := c.MaxNumElements(); n != 1 {
		t.Fatalf("got %d elements, want 1", n)
	}
	if v := leafValue(c, 0, 0, 0); v != 1.5 {
		t.Errorf("q = %g, want 1.5", v)
	}
	if e := c.localError(0, 0); e != 0.5 {
		t.Errorf("local error = %g, want 0.5", e)
	}
	if g := c.globalError(0, 0); g != 0.5 {
		t.Errorf("global error = %g, want 0.5", g)
	}
	if c.globalError(0, 0) < c.localError(0, 0) {
		t.Error("global error must not be smaller than local error")
	}
}

func TestErrorLineageAccumulates(t *testing.T) {
	// Two merge generations: the lineage error is the worst child
	// lineage plus the local error of each merge.
	coarsen := &CoarsenSpec{Method: CoarsenErrorTol, Threshold: 100}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 4, 4, 1, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 { return float64(1 + y*4 + x) })
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return 1 })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if n := c.MaxNumElements(); n != 1 {
		t.Fatalf("got %d elements, want 1", n)
	}
	local := c.localError(0, 0)
	global := c.globalError(0, 0)
	if local < 0 || global < 0 {
		t.Fatalf("errors must be non-negative: local %g, global %g", local, global)
	}
	if global <= local {
		t.Errorf("after two merge generations global error %g should exceed local %g", global, local)
	}
}

func TestInterpolateReductions(t *testing.T) {
	cases := []struct {
		method InterpolateMethod
		wantQ  float64
	}{
		{InterpolateMean, 2.5},
		{InterpolateMin, 1},
		{InterpolateMax, 4},
	}
	for _, cs := range cases {
		coarsen := &CoarsenSpec{Method: CoarsenMeanLower, Tracer: "q", Threshold: 100}
		interp := &InterpolateSpec{Method: cs.method}
		c := newTestCoupler(t, 2, 2, 1, coarsen, interp)
		setCellValues(t, c, "q", func(x, y, z int) float64 { return float64(1 + y*2 + x) })
		setCellValues(t, c, "mass", func(x, y, z int) float64 { return 1 })

		if err := c.ApplySFC(); err != nil {
			t.Fatal(err)
		}
		if err := c.Coarsen(); err != nil {
			t.Fatal(err)
		}
		if n := c.MaxNumElements(); n != 1 {
			t.Fatalf("method %v: got %d elements, want 1", cs.method, n)
		}
		if v := leafValue(c, 0, 0, 0); v != cs.wantQ {
			t.Errorf("method %v: q = %g, want %g", cs.method, v, cs.wantQ)
		}
	}
}

func TestCoarsenLayerReduction(t *testing.T) {
	// ZLayerMax reduces each column before the threshold test: the
	// lower layer is uniform but the upper layer spikes in one
	// quadrant, which must prevent that quadrant from merging.
	coarsen := &CoarsenSpec{Method: CoarsenMaxLower, Tracer: "q", Threshold: 0.5, ZLayer: ZLayerMax}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 4, 4, 2, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 {
		if z == 1 && x < 2 && y < 2 {
			return 1
		}
		return 0
	})
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return 1 })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if n := c.MaxNumElements(); n != 7 {
		t.Errorf("got %d elements, want 7", n)
	}
}

func TestCustomPredicate(t *testing.T) {
	var samples []*CellSample
	coarsen := &CoarsenSpec{
		Method: CoarsenCustom,
		Tracer: "q",
		Func: func(s *CellSample) (bool, error) {
			cp := *s
			cp.Values = append([]float64(nil), s.Values...)
			samples = append(samples, &cp)
			// Merge only groups whose first cell is on the southern half.
			return s.Y[0] < 2, nil
		},
	}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}
	c := newTestCoupler(t, 4, 4, 1, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 { return float64(x) })
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return 1 })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	// The two southern quadrants merge, the two northern ones keep:
	// 2 + 8 leaves, then a no-change round.
	if n := c.MaxNumElements(); n != 10 {
		t.Fatalf("got %d elements, want 10", n)
	}
	if len(samples) == 0 {
		t.Fatal("custom predicate was never called")
	}
	s := samples[0]
	if s.Tracer != "q" {
		t.Errorf("sample tracer = %q, want q", s.Tracer)
	}
	if len(s.Values) != 4 || len(s.X) != 4 || len(s.Longitudes) != 4 {
		t.Fatalf("sample arrays have lengths %d/%d/%d, want 4",
			len(s.Values), len(s.X), len(s.Longitudes))
	}
	// First group: cells (0,0), (1,0), (0,1), (1,1) with q = x; the
	// default geometry puts cell centers at half-degree offsets from
	// (0, -90).
	if s.X[0] != 0 || s.Y[0] != 0 || s.X[1] != 1 {
		t.Errorf("sample anchors = %v, %v", s.X, s.Y)
	}
	if s.Longitudes[0] != 0.5 || s.Latitudes[0] != -89.5 {
		t.Errorf("sample centers = (%g, %g), want (0.5, -89.5)", s.Longitudes[0], s.Latitudes[0])
	}
	if s.Values[1] != 1 {
		t.Errorf("sample values = %v, want q = x", s.Values)
	}
}

func TestCustomInterpolation(t *testing.T) {
	coarsen := &CoarsenSpec{Method: CoarsenMeanLower, Tracer: "q", Threshold: 100}
	interp := &InterpolateSpec{
		Method: InterpolateCustom,
		Func: func(s *CellSample) (float64, error) {
			sum := 0.0
			for _, v := range s.Values {
				sum += v
			}
			return sum, nil
		},
	}
	c := newTestCoupler(t, 2, 2, 1, coarsen, interp)
	setCellValues(t, c, "q", func(x, y, z int) float64 { return 1 })
	setCellValues(t, c, "mass", func(x, y, z int) float64 { return 2 })

	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err != nil {
		t.Fatal(err)
	}
	if v := leafValue(c, 0, 0, 0); v != 4 {
		t.Errorf("q = %g, want 4", v)
	}
	if m := leafValue(c, 0, 0, 1); m != 8 {
		t.Errorf("mass = %g, want 8", m)
	}
}

func TestCoarsenStateErrors(t *testing.T) {
	coarsen := &CoarsenSpec{Method: CoarsenMeanLower, Tracer: "q", Threshold: 10}
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}

	c := newTestCoupler(t, 2, 2, 1, coarsen, interp)
	if err := c.Coarsen(); err == nil {
		t.Error("Coarsen before ApplySFC should fail")
	}

	c = newTestCoupler(t, 2, 2, 1, nil, interp)
	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err == nil {
		t.Error("Coarsen with nil coarsening config should fail")
	}

	c = newTestCoupler(t, 2, 2, 1, &CoarsenSpec{Method: CoarsenCustom}, interp)
	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err == nil {
		t.Error("custom method without a function should fail")
	}

	c = newTestCoupler(t, 2, 2, 1, &CoarsenSpec{Method: CoarsenMeanLower, Tracer: "q", ZLayer: 5}, interp)
	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err == nil {
		t.Error("out-of-range z-layer should fail")
	}

	c = newTestCoupler(t, 2, 2, 1, &CoarsenSpec{Method: CoarsenMeanLower, Tracer: "nope"}, interp)
	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err == nil {
		t.Error("unknown tracer should fail")
	}
}

func TestParseMethods(t *testing.T) {
	if m, err := ParseCoarsenMethod("max_higher"); err != nil || m != CoarsenMaxHigher {
		t.Errorf("ParseCoarsenMethod(max_higher) = %v, %v", m, err)
	}
	if m, err := ParseCoarsenMethod(""); err != nil || m != CoarsenErrorTol {
		t.Errorf("ParseCoarsenMethod(\"\") = %v, %v", m, err)
	}
	if _, err := ParseCoarsenMethod("bogus"); err == nil {
		t.Error("bogus coarsening method should fail")
	}
	if m, err := ParseInterpolateMethod(""); err != nil || m != InterpolateMassWeighted {
		t.Errorf("ParseInterpolateMethod(\"\") = %v, %v", m, err)
	}
	if _, err := ParseInterpolateMethod("bogus"); err == nil {
		t.Error("bogus interpolation method should fail")
	}
}
