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

// Package quadforest implements a forest of quadtrees covering a
// 2^L × 2^L grid of unit cells, with space-filling-curve (Morton)
// ordered traversal and a coarsen-only adapt primitive.
//
// A leaf is identified by the integer coordinates of its lower-left
// corner (its anchor) measured in finest-level cells, plus its
// refinement level. Leaves are stored in Morton order of their
// anchors, which for a quadtree is identical to depth-first
// traversal order.
package quadforest

import (
	"fmt"
	"sort"
)

// Mode selects how the initial forest is constructed.
type Mode int

const (
	// Coarsen starts from a uniform forest at the enclosing level.
	Coarsen Mode = iota
	// Refine starts from the root and refines cells overlapping the
	// requested rectangle. Both modes produce the same leaf set for
	// cells inside the rectangle.
	Refine
)

// maxLevel is the largest supported refinement level; two maxLevel-bit
// coordinates must interleave into a uint64.
const maxLevel = 31

// Leaf is one cell of the forest. X and Y are the anchor coordinates
// of the lower-left corner in units of finest-level cells.
type Leaf struct {
	X, Y  uint32
	Level int
}

// Forest is a single quadtree covering 2^Level × 2^Level finest-level
// cells, of which the XLength × YLength rectangle anchored at the
// lower-left corner carries data.
type Forest struct {
	level            int
	xLength, yLength int
	leaves           []Leaf
}

// New constructs the smallest forest whose root tree contains an
// xLength × yLength rectangle of finest-level cells in its lower-left
// corner: 2^L ≥ max(xLength, yLength) > 2^(L-1).
func New(xLength, yLength int, mode Mode) (*Forest, error) {
	if xLength <= 0 || yLength <= 0 {
		return nil, fmt.Errorf("quadforest: non-positive grid dimensions %d × %d", xLength, yLength)
	}
	level := 0
	max := xLength
	if yLength > max {
		max = yLength
	}
	for (1 << uint(level)) < max {
		level++
	}
	if level > maxLevel {
		return nil, fmt.Errorf("quadforest: grid dimensions %d × %d require level %d > %d", xLength, yLength, level, maxLevel)
	}
	f := &Forest{level: level, xLength: xLength, yLength: yLength}
	switch mode {
	case Coarsen:
		n := 1 << uint(2*level)
		f.leaves = make([]Leaf, n)
		for m := 0; m < n; m++ {
			x, y := Deinterleave(uint64(m))
			f.leaves[m] = Leaf{X: x, Y: y, Level: level}
		}
	case Refine:
		f.refine(Leaf{X: 0, Y: 0, Level: 0})
	default:
		return nil, fmt.Errorf("quadforest: unknown construction mode %d", mode)
	}
	return f, nil
}

// refine recursively splits cells overlapping the data rectangle down
// to the finest level, appending leaves in Morton order.
func (f *Forest) refine(l Leaf) {
	w := f.Width(l)
	overlaps := int(l.X) < f.xLength && int(l.Y) < f.yLength
	if l.Level == f.level || !overlaps {
		f.leaves = append(f.leaves, l)
		return
	}
	h := w / 2
	f.refine(Leaf{X: l.X, Y: l.Y, Level: l.Level + 1})
	f.refine(Leaf{X: l.X + h, Y: l.Y, Level: l.Level + 1})
	f.refine(Leaf{X: l.X, Y: l.Y + h, Level: l.Level + 1})
	f.refine(Leaf{X: l.X + h, Y: l.Y + h, Level: l.Level + 1})
}

// FromLeaves reassembles a forest from a previously extracted leaf
// slice, for example when restoring a snapshot. The leaves are sorted
// into Morton order.
func FromLeaves(level, xLength, yLength int, leaves []Leaf) (*Forest, error) {
	if level < 0 || level > maxLevel {
		return nil, fmt.Errorf("quadforest: invalid level %d", level)
	}
	if xLength <= 0 || yLength <= 0 {
		return nil, fmt.Errorf("quadforest: non-positive grid dimensions %d × %d", xLength, yLength)
	}
	f := &Forest{level: level, xLength: xLength, yLength: yLength}
	f.leaves = make([]Leaf, len(leaves))
	copy(f.leaves, leaves)
	sort.Slice(f.leaves, func(i, j int) bool {
		return Interleave(f.leaves[i].X, f.leaves[i].Y) < Interleave(f.leaves[j].X, f.leaves[j].Y)
	})
	return f, nil
}

// Level returns the refinement level of the finest cells.
func (f *Forest) Level() int { return f.level }

// XLength returns the width of the data rectangle in finest-level cells.
func (f *Forest) XLength() int { return f.xLength }

// YLength returns the height of the data rectangle in finest-level cells.
func (f *Forest) YLength() int { return f.yLength }

// NumLeaves returns the number of leaves in the forest.
func (f *Forest) NumLeaves() int { return len(f.leaves) }

// Leaf returns the i-th leaf in traversal (Morton) order.
func (f *Forest) Leaf(i int) Leaf { return f.leaves[i] }

// Leaves returns the leaves in traversal order. The returned slice
// is owned by the forest and must not be modified.
func (f *Forest) Leaves() []Leaf { return f.leaves }

// Width returns the side length of l in finest-level cells.
func (f *Forest) Width(l Leaf) uint32 { return 1 << uint(f.level-l.Level) }

// InRectangle reports whether l lies inside the data rectangle at the
// finest level, i.e. whether it carries a data record.
func (f *Forest) InRectangle(l Leaf) bool {
	return l.Level == f.level && int(l.X) < f.xLength && int(l.Y) < f.yLength
}

// MortonID returns the space-filling-curve index of l's anchor: the
// bit interleave of (x, y) with x occupying the even (low) bits.
func (f *Forest) MortonID(l Leaf) uint64 { return Interleave(l.X, l.Y) }

// siblings reports whether the four leaves starting at index i form a
// complete sibling group: same level, anchors covering one parent cell
// in Morton child order.
func (f *Forest) siblings(i int) bool {
	if i+4 > len(f.leaves) {
		return false
	}
	first := f.leaves[i]
	if first.Level == 0 {
		return false
	}
	w := f.Width(first)
	if first.X%(2*w) != 0 || first.Y%(2*w) != 0 {
		return false
	}
	want := [3]Leaf{
		{X: first.X + w, Y: first.Y, Level: first.Level},
		{X: first.X, Y: first.Y + w, Level: first.Level},
		{X: first.X + w, Y: first.Y + w, Level: first.Level},
	}
	for k, l := range want {
		if f.leaves[i+1+k] != l {
			return false
		}
	}
	return true
}

// Adapt runs one coarsening pass over the forest. Complete sibling
// groups are presented to shouldCoarsen in traversal order together
// with the index of their first leaf; groups for which it returns
// true are replaced by their parent cell. Leaves without a complete
// sibling group pass through unchanged. The receiver is not modified.
func (f *Forest) Adapt(shouldCoarsen func(first int, group []Leaf) bool) *Forest {
	adapted := &Forest{
		level:   f.level,
		xLength: f.xLength,
		yLength: f.yLength,
		leaves:  make([]Leaf, 0, len(f.leaves)),
	}
	for i := 0; i < len(f.leaves); {
		if f.siblings(i) && shouldCoarsen(i, f.leaves[i:i+4]) {
			first := f.leaves[i]
			adapted.leaves = append(adapted.leaves, Leaf{X: first.X, Y: first.Y, Level: first.Level - 1})
			i += 4
			continue
		}
		adapted.leaves = append(adapted.leaves, f.leaves[i])
		i++
	}
	return adapted
}

// ReplaceFunc receives the correspondence between an adapted forest
// and the forest it was derived from: numOutgoing leaves starting at
// firstOutgoing in the old forest became numIncoming leaves starting
// at firstIncoming in the new one.
type ReplaceFunc func(numOutgoing, firstOutgoing, numIncoming, firstIncoming int)

// IterateReplace replays the correspondence between from and its
// adapted successor in traversal order, calling cb once per group.
// Since Adapt only coarsens, every group is either 1→1 or 4→1.
func IterateReplace(adapted, from *Forest, cb ReplaceFunc) {
	out := 0
	for in := 0; in < len(adapted.leaves); in++ {
		if adapted.leaves[in] == from.leaves[out] {
			cb(1, out, 1, in)
			out++
			continue
		}
		cb(4, out, 1, in)
		out += 4
	}
}

// Interleave computes the Morton index of (x, y) by interleaving the
// bits of the two coordinates, x in the even bits.
func Interleave(x, y uint32) uint64 {
	return part1by1(x) | part1by1(y)<<1
}

// Deinterleave inverts Interleave.
func Deinterleave(m uint64) (x, y uint32) {
	return compact1by1(m), compact1by1(m >> 1)
}

// part1by1 spreads the bits of v so that bit i of v lands in bit 2i of
// the result.
func part1by1(v uint32) uint64 {
	m := uint64(v)
	m = (m | m<<16) & 0x0000ffff0000ffff
	m = (m | m<<8) & 0x00ff00ff00ff00ff
	m = (m | m<<4) & 0x0f0f0f0f0f0f0f0f
	m = (m | m<<2) & 0x3333333333333333
	m = (m | m<<1) & 0x5555555555555555
	return m
}

// compact1by1 inverts part1by1, gathering the even bits of m.
func compact1by1(m uint64) uint32 {
	m &= 0x5555555555555555
	m = (m | m>>1) & 0x3333333333333333
	m = (m | m>>2) & 0x0f0f0f0f0f0f0f0f
	m = (m | m>>4) & 0x00ff00ff00ff00ff
	m = (m | m>>8) & 0x0000ffff0000ffff
	m = (m | m>>16) & 0x00000000ffffffff
	return uint32(m)
}
