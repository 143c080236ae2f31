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

import "testing"

// runCoarsen coarsens a 4×4 chunk whose tracer q is 1 in the
// north-west quadrant and 0 elsewhere, and returns the final element
// count.
func runCoarsen(t *testing.T, coarsen *CoarsenSpec) int {
	t.Helper()
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
	return c.MaxNumElements()
}

func TestExpressionPredicateParity(t *testing.T) {
	direct := runCoarsen(t, &CoarsenSpec{
		Method: CoarsenMaxLower, Tracer: "q", Threshold: 0.5,
	})
	viaExpr := runCoarsen(t, &CoarsenSpec{
		Method: CoarsenExpression, Tracer: "q", Threshold: 0.5,
		Expression: "max < threshold",
	})
	if direct != viaExpr {
		t.Errorf("expression predicate disagrees with threshold method: %d != %d", viaExpr, direct)
	}
	if direct != 7 {
		t.Errorf("got %d elements, want 7", direct)
	}
}

func TestExpressionPredicateFunctions(t *testing.T) {
	n := runCoarsen(t, &CoarsenSpec{
		Method: CoarsenExpression, Tracer: "q",
		Expression: "abs(mean - 0.25) > 0.1",
	})
	// Round one merges every quadrant (means 1 and 0 are both more
	// than 0.1 away from 0.25), but the four parents then average to
	// exactly 0.25 and stay.
	if n != 4 {
		t.Errorf("got %d elements, want 4", n)
	}
}

func TestExpressionErrors(t *testing.T) {
	interp := &InterpolateSpec{Method: InterpolateMassWeighted}

	c := newTestCoupler(t, 2, 2, 1, &CoarsenSpec{Method: CoarsenExpression, Tracer: "q"}, interp)
	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err == nil {
		t.Error("expression method without an expression should fail")
	}

	c = newTestCoupler(t, 2, 2, 1, &CoarsenSpec{
		Method: CoarsenExpression, Tracer: "q", Expression: "min +",
	}, interp)
	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err == nil {
		t.Error("unparsable expression should fail")
	}

	c = newTestCoupler(t, 2, 2, 1, &CoarsenSpec{
		Method: CoarsenExpression, Tracer: "q", Expression: "min + max",
	}, interp)
	if err := c.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if err := c.Coarsen(); err == nil {
		t.Error("non-boolean expression should fail")
	}
}
