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
	"encoding/gob"
	"fmt"
	"io"

	"github.com/DataDog/zstd"
	"github.com/ctessum/sparse"
	"github.com/spatialmodel/messy/internal/quadforest"
)

// snapshot is the gob image of a coupler. Coarsened chunks compress
// well: the forest is a short leaf list and the record store is
// contiguous doubles.
type snapshot struct {
	Description               string
	XStart, YStart            int
	XLength, YLength, ZLength int
	Shape                     [3]int
	XAxis, YAxis, ZAxis       int
	NumTracers                int
	MissingValue              float64
	MaxLevel                  int
	TracerNames               []string
	Numbering                 Numbering

	Data         []float64
	DataIDs      []uint64
	Errors       []float64
	ErrorsGlobal []float64

	Leaves      []quadforest.Leaf
	NumElements int
	Rounds      int

	Geo GridGeometry
}

// Save writes a zstd-compressed gob snapshot of the coupler to w
// (format description at https://golang.org/pkg/encoding/gob/).
func (c *Coupler) Save(w io.Writer) error {
	chunk := c.Chunk
	s := snapshot{
		Description:  chunk.Description,
		XStart:       chunk.XStart,
		YStart:       chunk.YStart,
		XLength:      chunk.XLength,
		YLength:      chunk.YLength,
		ZLength:      chunk.ZLength,
		Shape:        chunk.Shape,
		XAxis:        chunk.xAxis,
		YAxis:        chunk.yAxis,
		ZAxis:        chunk.zAxis,
		NumTracers:   chunk.NumTracers,
		MissingValue: chunk.MissingValue,
		MaxLevel:     chunk.MaxLevel,
		TracerNames:  chunk.TracerNames(),
		Numbering:    chunk.Numbering,
		Data:         chunk.Data.Elements,
		DataIDs:      chunk.DataIDs,
		Leaves:       c.forest.Leaves(),
		NumElements:  c.numElements,
		Rounds:       c.rounds,
		Geo:          c.geo,
	}
	if c.errors != nil {
		s.Errors = c.errors.Elements
		s.ErrorsGlobal = c.errorsGlobal.Elements
	}

	zw := zstd.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(s); err != nil {
		zw.Close()
		return fmt.Errorf("messy: saving coupler: %v", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("messy: saving coupler: %v", err)
	}
	return nil
}

// Load restores a coupler from a snapshot previously written by Save.
// The coarsening and interpolation configurations are not part of the
// snapshot and must be supplied again if further coarsening is
// intended.
func Load(r io.Reader, coarsen *CoarsenSpec, interp *InterpolateSpec) (*Coupler, error) {
	zr := zstd.NewReader(r)
	defer zr.Close()
	var s snapshot
	if err := gob.NewDecoder(zr).Decode(&s); err != nil {
		return nil, fmt.Errorf("messy: loading coupler: %v", err)
	}

	forest, err := quadforest.FromLeaves(s.MaxLevel, s.XLength, s.YLength, s.Leaves)
	if err != nil {
		return nil, err
	}

	chunk := &Chunk{
		Description:  s.Description,
		XStart:       s.XStart,
		YStart:       s.YStart,
		XLength:      s.XLength,
		YLength:      s.YLength,
		ZLength:      s.ZLength,
		Shape:        s.Shape,
		xAxis:        s.XAxis,
		yAxis:        s.YAxis,
		zAxis:        s.ZAxis,
		NumTracers:   s.NumTracers,
		MissingValue: s.MissingValue,
		MaxLevel:     s.MaxLevel,
		tracerNames:  s.TracerNames,
		DataIDs:      s.DataIDs,
		Numbering:    s.Numbering,
	}
	switch s.Numbering {
	case Dense:
		chunk.Data = sparse.ZerosDense(s.YLength, s.XLength, s.ZLength, s.NumTracers)
	case Morton:
		chunk.Data = sparse.ZerosDense(forest.NumLeaves(), s.ZLength, s.NumTracers)
	}
	if len(s.Data) != len(chunk.Data.Elements) {
		return nil, fmt.Errorf("messy: snapshot data has %d values, want %d",
			len(s.Data), len(chunk.Data.Elements))
	}
	copy(chunk.Data.Elements, s.Data)

	c := &Coupler{
		Chunk:       chunk,
		forest:      forest,
		coarsen:     coarsen,
		interp:      interp,
		geo:         s.Geo,
		numElements: s.NumElements,
		rounds:      s.Rounds,
		Log:         defaultLogger(),
	}
	errCols := s.NumTracers - 1
	if len(s.Errors) == forest.NumLeaves()*errCols && len(s.Errors) > 0 {
		c.errors = sparse.ZerosDense(forest.NumLeaves(), errCols)
		copy(c.errors.Elements, s.Errors)
		c.errorsGlobal = sparse.ZerosDense(forest.NumLeaves(), errCols)
		copy(c.errorsGlobal.Elements, s.ErrorsGlobal)
	}
	return c, nil
}
