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
	"fmt"
	"strings"

	"github.com/ctessum/sparse"
)

// Numbering describes the ordering of the records in a chunk's data
// buffer.
type Numbering int

const (
	// Dense numbering holds one record per grid cell in row-major
	// (y, x, z, tracer) order.
	Dense Numbering = iota
	// Morton numbering holds one record per forest leaf in
	// space-filling-curve order.
	Morton
)

// Chunk holds the tracer values for one rectangular piece of the
// global longitude/latitude/altitude grid, together with the metadata
// describing its layout. The attributes set at creation are never
// mutated afterwards.
type Chunk struct {
	Description string

	// XStart and YStart are the global offsets of the lower-left
	// corner of this chunk in the source grid.
	XStart, YStart int

	XLength, YLength, ZLength int

	// Shape is the raw input shape, indexed by input axis.
	Shape [3]int

	// xAxis, yAxis and zAxis are the positions of the X, Y and Z axes
	// in the input axis string.
	xAxis, yAxis, zAxis int

	NumTracers   int
	MissingValue float64

	// MaxLevel is the refinement level of the enclosing forest.
	MaxLevel int

	// tracerNames holds the registered tracer names in registration
	// order. The slice grows on first reference up to NumTracers.
	tracerNames []string

	// Data holds the tracer values. In Dense numbering its shape is
	// (YLength, XLength, ZLength, NumTracers) with the y axis flipped
	// so that input row 0 (the northernmost) is stored at YLength-1.
	// In Morton numbering its shape is (numLeaves, ZLength, NumTracers).
	Data *sparse.DenseArray

	// DataIDs holds one Morton id per leaf record in Morton
	// numbering; it is empty in Dense numbering.
	DataIDs []uint64

	Numbering Numbering
}

// parseAxes extracts the permutation indices and axis lengths from a
// three-character axis string. Each of 'X', 'Y' and 'Z' may appear at
// most once; a missing axis gets length 1 and the leftover slot.
func parseAxes(axis string, shape [3]int) (xAxis, yAxis, zAxis, xLength, yLength, zLength int, err error) {
	if len(axis) != 3 {
		err = fmt.Errorf("messy: axis string %q must have exactly 3 characters", axis)
		return
	}
	for _, c := range axis {
		if strings.Count(axis, string(c)) > 1 && (c == 'X' || c == 'Y' || c == 'Z') {
			err = fmt.Errorf("messy: axis %q appears more than once in %q", string(c), axis)
			return
		}
	}
	x := strings.IndexByte(axis, 'X')
	y := strings.IndexByte(axis, 'Y')
	z := strings.IndexByte(axis, 'Z')

	used := [3]bool{}
	for _, i := range []int{x, y, z} {
		if i >= 0 {
			used[i] = true
		}
	}
	free := func() int {
		for i, u := range used {
			if !u {
				used[i] = true
				return i
			}
		}
		return -1
	}

	xAxis, yAxis, zAxis = x, y, z
	xLength, yLength, zLength = 1, 1, 1
	if x >= 0 {
		xLength = shape[x]
	} else {
		xAxis = free()
	}
	if y >= 0 {
		yLength = shape[y]
	} else {
		yAxis = free()
	}
	if z >= 0 {
		zLength = shape[z]
	} else {
		zAxis = free()
	}
	if xLength <= 0 || yLength <= 0 || zLength <= 0 {
		err = fmt.Errorf("messy: non-positive axis lengths %d × %d × %d from shape %v with axis %q",
			xLength, yLength, zLength, shape, axis)
	}
	return
}

// newChunk creates an empty chunk in Dense numbering.
func newChunk(description, axis string, shape [3]int, xStart, yStart, numTracers int,
	missingValue float64, maxLevel int) (*Chunk, error) {
	if numTracers <= 0 {
		return nil, fmt.Errorf("messy: chunk needs at least one tracer, got %d", numTracers)
	}
	xAxis, yAxis, zAxis, xLength, yLength, zLength, err := parseAxes(axis, shape)
	if err != nil {
		return nil, err
	}
	// Unused shape slots may legitimately be zero; the index
	// decomposition needs them to stride as length 1.
	for i, s := range shape {
		if s == 0 {
			shape[i] = 1
		}
	}
	c := &Chunk{
		Description:  description,
		XStart:       xStart,
		YStart:       yStart,
		XLength:      xLength,
		YLength:      yLength,
		ZLength:      zLength,
		Shape:        shape,
		xAxis:        xAxis,
		yAxis:        yAxis,
		zAxis:        zAxis,
		NumTracers:   numTracers,
		MissingValue: missingValue,
		MaxLevel:     maxLevel,
		Numbering:    Dense,
	}
	c.Data = sparse.ZerosDense(yLength, xLength, zLength, numTracers)
	return c, nil
}

// TracerNames returns the registered tracer names in registration
// order.
func (c *Chunk) TracerNames() []string {
	names := make([]string, len(c.tracerNames))
	copy(names, c.tracerNames)
	return names
}

// tracerIndex returns the canonical index of the tracer with the
// given (whitespace-trimmed) name. If add is true and the name is not
// yet registered, it is appended, unless the name table is already
// full.
func (c *Chunk) tracerIndex(name string, add bool) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return -1, fmt.Errorf("messy: empty tracer name")
	}
	for i, n := range c.tracerNames {
		if n == name {
			return i, nil
		}
	}
	if !add {
		return -1, fmt.Errorf("messy: unknown tracer %q", name)
	}
	if len(c.tracerNames) >= c.NumTracers {
		return -1, fmt.Errorf("messy: cannot register tracer %q: all %d tracer slots are taken",
			name, c.NumTracers)
	}
	c.tracerNames = append(c.tracerNames, name)
	return len(c.tracerNames) - 1, nil
}

// SetTracerValues registers the tracer with the given name if it is
// new, and copies buffer, interpreted through the chunk's axis
// permutation, into the canonical dense layout. The input y axis is
// flipped so that row 0 of the input (north) lands in the last
// internal row. Calling it twice with the same name overwrites the
// same slot.
func (c *Chunk) SetTracerValues(name string, buffer []float64) error {
	if c.Numbering != Dense {
		return fmt.Errorf("messy: tracer values can only be set before the space-filling curve is applied")
	}
	tracer, err := c.tracerIndex(name, true)
	if err != nil {
		return err
	}
	size := c.XLength * c.YLength * c.ZLength
	if len(buffer) != size {
		return fmt.Errorf("messy: tracer %q buffer has %d values, want %d", name, len(buffer), size)
	}

	// The input buffer iterates the first named axis fastest: idx[2]
	// strides over Shape[0] and maps to the axis at position 0.
	plane := c.Shape[0] * c.Shape[1]
	var idx [3]int
	for i := 0; i < size; i++ {
		idx[0] = i / plane
		l := i % plane
		idx[1] = l / c.Shape[0]
		idx[2] = l % c.Shape[0]

		x := idx[2-c.xAxis]
		y := (c.YLength - 1) - idx[2-c.yAxis]
		z := idx[2-c.zAxis]

		c.Data.Set(buffer[i], y, x, z, tracer)
	}
	return nil
}

// denseRecord returns the offset of the (x, y) cell's record in the
// dense data buffer.
func (c *Chunk) denseRecord(x, y int) int {
	return (y*c.ZLength*c.XLength + x*c.ZLength) * c.NumTracers
}

// recordLength returns the number of values in one cell record.
func (c *Chunk) recordLength() int {
	return c.ZLength * c.NumTracers
}
