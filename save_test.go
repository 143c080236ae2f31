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
	"bytes"
	"testing"
)

func TestSaveLoadCoarsened(t *testing.T) {
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

	var buf bytes.Buffer
	if err := c.Save(&buf); err != nil {
		t.Fatal(err)
	}

	c2, err := Load(&buf, coarsen, interp)
	if err != nil {
		t.Fatal(err)
	}
	if c2.MaxNumElements() != c.MaxNumElements() {
		t.Fatalf("restored coupler has %d elements, want %d",
			c2.MaxNumElements(), c.MaxNumElements())
	}
	if c2.Chunk.Numbering != Morton {
		t.Fatal("restored numbering should be Morton")
	}
	for i, v := range c.Chunk.Data.Elements {
		if c2.Chunk.Data.Elements[i] != v {
			t.Fatalf("restored data diverges at offset %d: %g != %g",
				i, c2.Chunk.Data.Elements[i], v)
		}
	}
	for i, id := range c.Chunk.DataIDs {
		if c2.Chunk.DataIDs[i] != id {
			t.Fatalf("restored ids diverge at %d: %d != %d", i, c2.Chunk.DataIDs[i], id)
		}
	}
	if g, w := c2.localError(0, 0), c.localError(0, 0); g != w {
		t.Errorf("restored local error = %g, want %g", g, w)
	}
	if g, w := c2.globalError(0, 0), c.globalError(0, 0); g != w {
		t.Errorf("restored global error = %g, want %g", g, w)
	}
	names := c2.Chunk.TracerNames()
	if len(names) != 2 || names[0] != "q" || names[1] != "mass" {
		t.Errorf("restored tracer names = %v, want [q mass]", names)
	}

	// The restored coupler can still produce output.
	out := make([]float64, c2.MaxNumElements())
	if err := c2.WriteTracerValues("q", out); err != nil {
		t.Error(err)
	}
}

func TestSaveLoadDense(t *testing.T) {
	c := newTestCoupler(t, 4, 4, 2, nil, nil)
	setCellValues(t, c, "q", func(x, y, z int) float64 { return float64(x + 10*y + 100*z) })

	var buf bytes.Buffer
	if err := c.Save(&buf); err != nil {
		t.Fatal(err)
	}
	c2, err := Load(&buf, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c2.Chunk.Numbering != Dense {
		t.Fatal("restored numbering should be Dense")
	}
	for i, v := range c.Chunk.Data.Elements {
		if c2.Chunk.Data.Elements[i] != v {
			t.Fatalf("restored data diverges at offset %d", i)
		}
	}

	// A restored dense coupler continues through the pipeline.
	if err := c2.ApplySFC(); err != nil {
		t.Fatal(err)
	}
	if len(c2.Chunk.DataIDs) != 16 {
		t.Errorf("got %d data ids, want 16", len(c2.Chunk.DataIDs))
	}
}
