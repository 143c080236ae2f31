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

	"github.com/ctessum/sparse"
)

// ApplySFC converts the chunk from dense (y, x, z, tracer) layout to
// space-filling-curve order: one record per forest leaf, keyed by the
// leaf's Morton id. Leaves outside the data rectangle (padding from
// the power-of-two rounding) keep zero-filled records in whatever
// position forest traversal yields. The transition is one-way; the
// dense buffer is released.
func (c *Coupler) ApplySFC() error {
	chunk := c.Chunk
	if chunk.Numbering != Dense {
		return fmt.Errorf("messy: space-filling curve already applied")
	}
	n := c.forest.NumLeaves()
	rec := chunk.recordLength()
	reordered := sparse.ZerosDense(n, chunk.ZLength, chunk.NumTracers)
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		leaf := c.forest.Leaf(i)
		ids[i] = c.forest.MortonID(leaf)
		if !c.forest.InRectangle(leaf) {
			continue
		}
		src := chunk.denseRecord(int(leaf.X), int(leaf.Y))
		copy(reordered.Elements[i*rec:(i+1)*rec], chunk.Data.Elements[src:src+rec])
	}
	chunk.Data = reordered
	chunk.DataIDs = ids
	chunk.Numbering = Morton
	return nil
}
