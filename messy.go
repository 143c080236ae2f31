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

// Package messy couples dense Earth-system-model tracer data onto an
// adaptive quad-forest. It ingests a rectangular
// longitude/latitude/altitude chunk with multiple tracer fields,
// reorders it along a space-filling curve, and iteratively merges
// geographically adjacent cells whose tracer values are locally
// similar, tracking per-tracer interpolation error estimates.
package messy

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/messy/internal/quadforest"
)

// Version is this version of the coupler.
const Version = "0.3.0"

// GridGeometry maps cell anchor coordinates to geographic
// coordinates. Anchor (x, y) of a chunk covers longitudes
// [LonOrigin + (XStart+x)·DLon, +DLon) and the analogous latitude
// interval, measured from the grid's south-west origin.
type GridGeometry struct {
	LonOrigin, LatOrigin float64
	DLon, DLat           float64
}

// Coupler owns one data chunk, one forest, the coarsening and
// interpolation configurations, and the error accumulators. All
// operations are synchronous and single-threaded; results do not
// depend on timing.
type Coupler struct {
	Chunk  *Chunk
	forest *quadforest.Forest

	coarsen *CoarsenSpec
	interp  *InterpolateSpec

	geo GridGeometry

	// Log receives progress messages from the coarsening loop.
	Log logrus.FieldLogger

	// debugPrefix, when non-empty, makes Coarsen snapshot the grid
	// to <debugPrefix>_round_<r>.geojson after every adapt round
	// while the debug log level is active.
	debugPrefix string

	// errors[leaf, tracer] is the maximum relative interpolation
	// error accumulated at a leaf for each non-mass tracer;
	// errorsGlobal is the lineage-accumulated worst case. Both have
	// shape (numLeaves, NumTracers-1).
	errors       *sparse.DenseArray
	errorsGlobal *sparse.DenseArray

	// numElements is the leaf count after the last coarsen call.
	numElements int

	// rounds is the number of adapt rounds the last coarsen call ran.
	rounds int
}

// Initialize creates a coupler for a chunk with the given raw input
// shape and axis permutation, building the smallest uniform forest
// whose root tree contains the chunk in its lower-left corner.
// missingValue is the sentinel treated as "no data"; it is compared
// by exact equality and must therefore not be NaN.
func Initialize(description, axis string, shape [3]int, xStart, yStart, numTracers int,
	missingValue float64, coarsen *CoarsenSpec, interp *InterpolateSpec) (*Coupler, error) {
	if math.IsNaN(missingValue) {
		return nil, fmt.Errorf("messy: missing value must not be NaN: NaN never compares equal to itself")
	}
	_, _, _, xLength, yLength, _, err := parseAxes(axis, shape)
	if err != nil {
		return nil, err
	}
	forest, err := quadforest.New(xLength, yLength, quadforest.Coarsen)
	if err != nil {
		return nil, err
	}
	chunk, err := newChunk(description, axis, shape, xStart, yStart, numTracers,
		missingValue, forest.Level())
	if err != nil {
		return nil, err
	}
	return &Coupler{
		Chunk:   chunk,
		forest:  forest,
		coarsen: coarsen,
		interp:  interp,
		geo: GridGeometry{
			LonOrigin: 0, LatOrigin: -90,
			DLon: 1, DLat: 1,
		},
		Log: defaultLogger(),
	}, nil
}

// SetGridGeometry overrides the default 1-degree geographic mapping
// of cell anchors.
func (c *Coupler) SetGridGeometry(g GridGeometry) { c.geo = g }

// SetDebugOutput makes Coarsen write a GeoJSON snapshot of the grid
// after every adapt round to <prefix>_round_<r>.geojson, as long as
// the debug log level is active.
func (c *Coupler) SetDebugOutput(prefix string) { c.debugPrefix = prefix }

func defaultLogger() logrus.FieldLogger { return logrus.StandardLogger() }

// AddDimension registers a tracer name without supplying data.
func (c *Coupler) AddDimension(name string) error {
	_, err := c.Chunk.tracerIndex(name, true)
	return err
}

// SetTracerValues registers the named tracer if it is new and fills
// its dense data from buffer.
func (c *Coupler) SetTracerValues(name string, buffer []float64) error {
	return c.Chunk.SetTracerValues(name, buffer)
}

// MaxNumElements returns the current leaf count of the forest: the
// number of per-leaf records emitted by WriteTracerValues.
func (c *Coupler) MaxNumElements() int {
	return c.forest.NumLeaves()
}

// Rounds returns the number of adapt rounds the last Coarsen call
// performed.
func (c *Coupler) Rounds() int { return c.rounds }

// WriteTracerValues copies the per-leaf values of one tracer into
// out in z-major order: all leaves of layer 0 first, then layer 1,
// and so on. out must hold numLeaves·ZLength values.
func (c *Coupler) WriteTracerValues(name string, out []float64) error {
	if c.Chunk.Numbering != Morton {
		return fmt.Errorf("messy: tracer values can only be written after the space-filling curve is applied")
	}
	tracer, err := c.Chunk.tracerIndex(name, false)
	if err != nil {
		return err
	}
	n := c.forest.NumLeaves()
	if len(out) != n*c.Chunk.ZLength {
		return fmt.Errorf("messy: output buffer for tracer %q has %d values, want %d",
			name, len(out), n*c.Chunk.ZLength)
	}
	rec := c.Chunk.recordLength()
	i := 0
	for z := 0; z < c.Chunk.ZLength; z++ {
		for e := 0; e < n; e++ {
			out[i] = c.Chunk.Data.Elements[e*rec+z*c.Chunk.NumTracers+tracer]
			i++
		}
	}
	return nil
}

// Reset drops any Morton-ordered (possibly coarsened) state and
// returns the coupler to an empty dense chunk with the original
// uniform forest, keeping the registered tracer names, ready for the
// next ingest cycle.
func (c *Coupler) Reset() error {
	c.errors = nil
	c.errorsGlobal = nil
	c.numElements = 0
	c.rounds = 0
	if c.Chunk.Numbering == Morton {
		forest, err := quadforest.New(c.Chunk.XLength, c.Chunk.YLength, quadforest.Coarsen)
		if err != nil {
			return err
		}
		c.forest = forest
		c.Chunk.DataIDs = nil
		c.Chunk.Numbering = Dense
	}
	c.Chunk.Data = sparse.ZerosDense(c.Chunk.YLength, c.Chunk.XLength,
		c.Chunk.ZLength, c.Chunk.NumTracers)
	return nil
}

// Destroy releases the coupler's buffers. The coupler must not be
// used afterwards.
func (c *Coupler) Destroy() {
	c.Chunk = nil
	c.forest = nil
	c.errors = nil
	c.errorsGlobal = nil
	c.coarsen = nil
	c.interp = nil
}

// leafBounds returns the geographic bounding box of a leaf.
func (c *Coupler) leafBounds(l quadforest.Leaf) (lon0, lat0, lon1, lat1 float64) {
	w := float64(c.forest.Width(l))
	lon0 = c.geo.LonOrigin + float64(c.Chunk.XStart+int(l.X))*c.geo.DLon
	lat0 = c.geo.LatOrigin + float64(c.Chunk.YStart+int(l.Y))*c.geo.DLat
	return lon0, lat0, lon0 + w*c.geo.DLon, lat0 + w*c.geo.DLat
}
