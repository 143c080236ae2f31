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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
)

// ReadCDFChunk builds a coupler from a NetCDF file holding one
// variable per tracer. The file must carry the global attributes
// description, axis, x_start, y_start, missing_value and
// tracer_order (the space-separated tracer names in registration
// order, mass tracer last); every listed variable must have the same
// three-dimensional shape.
func ReadCDFChunk(rw cdf.ReaderWriterAt, coarsen *CoarsenSpec, interp *InterpolateSpec) (*Coupler, error) {
	f, err := cdf.Open(rw)
	if err != nil {
		return nil, fmt.Errorf("messy: opening chunk file: %v", err)
	}

	description, _ := f.Header.GetAttribute("", "description").(string)
	axis, ok := f.Header.GetAttribute("", "axis").(string)
	if !ok {
		return nil, fmt.Errorf("messy: chunk file is missing the axis attribute")
	}
	order, ok := f.Header.GetAttribute("", "tracer_order").(string)
	if !ok {
		return nil, fmt.Errorf("messy: chunk file is missing the tracer_order attribute")
	}
	tracers := strings.Fields(order)
	if len(tracers) == 0 {
		return nil, fmt.Errorf("messy: chunk file names no tracers")
	}
	xStart := attrInt(f, "x_start")
	yStart := attrInt(f, "y_start")
	missing := 0.0
	if mv, ok := f.Header.GetAttribute("", "missing_value").([]float64); ok && len(mv) > 0 {
		missing = mv[0]
	}

	lengths := f.Header.Lengths(tracers[0])
	if len(lengths) != 3 {
		return nil, fmt.Errorf("messy: tracer %q has %d dimensions, want 3", tracers[0], len(lengths))
	}
	var shape [3]int
	copy(shape[:], lengths)

	c, err := Initialize(description, axis, shape, xStart, yStart, len(tracers),
		missing, coarsen, interp)
	if err != nil {
		return nil, err
	}

	n := shape[0] * shape[1] * shape[2]
	tmp := make([]float32, n)
	buf := make([]float64, n)
	for _, name := range tracers {
		varLengths := f.Header.Lengths(name)
		size := 1
		for _, l := range varLengths {
			size *= l
		}
		if size != n {
			return nil, fmt.Errorf("messy: tracer %q has %d values, want %d", name, size, n)
		}
		r := f.Reader(name, nil, nil)
		if _, err := r.Read(tmp); err != nil {
			return nil, fmt.Errorf("messy: reading tracer %q: %v", name, err)
		}
		for i, v := range tmp {
			buf[i] = float64(v)
		}
		if err := c.SetTracerValues(name, buf); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func attrInt(f *cdf.File, name string) int {
	if v, ok := f.Header.GetAttribute("", name).([]int32); ok && len(v) > 0 {
		return int(v[0])
	}
	return 0
}

// WriteCDF writes the per-leaf tracer values, Morton ids and error
// estimates to a NetCDF file. Tracer variables have dimensions
// (z, element) in registration order; Morton ids are stored as
// doubles (exact below 2^53).
func (c *Coupler) WriteCDF(w *os.File) error {
	chunk := c.Chunk
	if chunk.Numbering != Morton {
		return fmt.Errorf("messy: output requires the space-filling curve to be applied first")
	}
	n := c.forest.NumLeaves()
	names := chunk.TracerNames()
	if len(names) != chunk.NumTracers {
		return fmt.Errorf("messy: only %d of %d tracers are registered", len(names), chunk.NumTracers)
	}

	h := cdf.NewHeader([]string{"z", "element"}, []int{chunk.ZLength, n})
	h.AddAttribute("", "comment", "MESSy coupler coarsened chunk file")
	h.AddAttribute("", "description", chunk.Description)
	h.AddAttribute("", "tracer_order", strings.Join(names, " "))
	h.AddAttribute("", "x_start", []int32{int32(chunk.XStart)})
	h.AddAttribute("", "y_start", []int32{int32(chunk.YStart)})
	h.AddAttribute("", "x_length", []int32{int32(chunk.XLength)})
	h.AddAttribute("", "y_length", []int32{int32(chunk.YLength)})
	h.AddAttribute("", "max_level", []int32{int32(chunk.MaxLevel)})
	h.AddAttribute("", "rounds", []int32{int32(c.rounds)})
	h.AddAttribute("", "missing_value", []float64{chunk.MissingValue})

	for _, name := range names {
		h.AddVariable(name, []string{"z", "element"}, []float32{0})
	}
	h.AddVariable("morton_id", []string{"element"}, []float64{0})
	for _, name := range names[:len(names)-1] {
		h.AddVariable("local_error_"+name, []string{"element"}, []float32{0})
		h.AddVariable("global_error_"+name, []string{"element"}, []float32{0})
	}
	h.Define()

	f, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("messy: creating output file: %v", err)
	}

	buf := make([]float64, n*chunk.ZLength)
	for _, name := range names {
		if err := c.WriteTracerValues(name, buf); err != nil {
			return err
		}
		if err := writeVar32(f, name, buf); err != nil {
			return err
		}
	}

	ids := make([]float64, n)
	for i, id := range chunk.DataIDs {
		ids[i] = float64(id)
	}
	if err := writeVar64(f, "morton_id", ids); err != nil {
		return err
	}

	col := make([]float64, n)
	for d, name := range names[:len(names)-1] {
		for e := 0; e < n; e++ {
			col[e] = c.localError(e, d)
		}
		if err := writeVar32(f, "local_error_"+name, col); err != nil {
			return err
		}
		for e := 0; e < n; e++ {
			col[e] = c.globalError(e, d)
		}
		if err := writeVar32(f, "global_error_"+name, col); err != nil {
			return err
		}
	}

	if err := cdf.UpdateNumRecs(w); err != nil {
		return fmt.Errorf("messy: finalizing output file: %v", err)
	}
	return nil
}

func writeVar32(f *cdf.File, name string, data []float64) error {
	data32 := make([]float32, len(data))
	for i, v := range data {
		data32[i] = float32(v)
	}
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	if _, err := w.Write(data32); err != nil {
		return fmt.Errorf("messy: writing variable %s: %v", name, err)
	}
	return nil
}

func writeVar64(f *cdf.File, name string, data []float64) error {
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("messy: writing variable %s: %v", name, err)
	}
	return nil
}

// localError returns the accumulated local error of non-mass tracer d
// at leaf e, or 0 before any coarsening.
func (c *Coupler) localError(e, d int) float64 {
	if c.errors == nil {
		return 0
	}
	return c.errors.Elements[e*(c.Chunk.NumTracers-1)+d]
}

// globalError returns the lineage error of non-mass tracer d at leaf
// e, or 0 before any coarsening.
func (c *Coupler) globalError(e, d int) float64 {
	if c.errorsGlobal == nil {
		return 0
	}
	return c.errorsGlobal.Elements[e*(c.Chunk.NumTracers-1)+d]
}

type jsonFeature struct {
	Type       string
	Geometry   *geojson.Geometry
	Properties map[string]float64
}

type jsonFeatureCollection struct {
	Type     string
	Features []*jsonFeature
}

// WriteGeoJSON writes the current forest as a GeoJSON feature
// collection with one polygon per leaf, carrying one property per
// (z-layer, tracer) named z{z}_{name} plus local_error_{name} and
// global_error_{name} for every non-mass tracer. This is the debug
// output the coupler offers in place of per-round VTK files.
func (c *Coupler) WriteGeoJSON(w io.Writer) error {
	chunk := c.Chunk
	if chunk.Numbering != Morton {
		return fmt.Errorf("messy: output requires the space-filling curve to be applied first")
	}
	names := chunk.TracerNames()
	if len(names) != chunk.NumTracers {
		return fmt.Errorf("messy: only %d of %d tracers are registered", len(names), chunk.NumTracers)
	}
	n := c.forest.NumLeaves()
	rec := chunk.recordLength()

	out := &jsonFeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*jsonFeature, n),
	}
	for e := 0; e < n; e++ {
		lon0, lat0, lon1, lat1 := c.leafBounds(c.forest.Leaf(e))
		// Polygon must go counter-clockwise.
		g, err := geojson.ToGeoJSON(geom.Polygon{{
			{X: lon0, Y: lat0},
			{X: lon1, Y: lat0},
			{X: lon1, Y: lat1},
			{X: lon0, Y: lat1},
			{X: lon0, Y: lat0},
		}})
		if err != nil {
			return fmt.Errorf("messy: encoding leaf %d: %v", e, err)
		}
		props := make(map[string]float64)
		for z := 0; z < chunk.ZLength; z++ {
			for d, name := range names {
				props[fmt.Sprintf("z%d_%s", z, name)] =
					chunk.Data.Elements[e*rec+z*chunk.NumTracers+d]
			}
		}
		for d, name := range names[:len(names)-1] {
			props["local_error_"+name] = c.localError(e, d)
			props["global_error_"+name] = c.globalError(e, d)
		}
		out.Features[e] = &jsonFeature{
			Type:       "Feature",
			Geometry:   g,
			Properties: props,
		}
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("messy: encoding GeoJSON output: %v", err)
	}
	return nil
}

// writeDebugRound snapshots the grid after one adapt round. Failures
// are logged rather than propagated so debug output cannot abort a
// coarsening run.
func (c *Coupler) writeDebugRound(round int) {
	path := fmt.Sprintf("%s_round_%d.geojson", c.debugPrefix, round)
	f, err := os.Create(path)
	if err != nil {
		c.Log.WithField("path", path).Warnf("messy: creating debug output: %v", err)
		return
	}
	defer f.Close()
	if err := c.WriteGeoJSON(f); err != nil {
		c.Log.WithField("path", path).Warnf("messy: writing debug output: %v", err)
	}
}
