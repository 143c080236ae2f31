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

	"github.com/GaryBoone/GoStats/stats"
)

// TracerErrorStats summarizes the distribution of interpolation
// errors across all leaves for one non-mass tracer.
type TracerErrorStats struct {
	Tracer string
	Count  int

	MeanLocal, MaxLocal, StdDevLocal    float64
	MeanGlobal, MaxGlobal, StdDevGlobal float64
}

// ErrorStats returns per-tracer summaries of the local and lineage
// error distributions accumulated by Coarsen, in tracer registration
// order (the mass tracer carries no error and is omitted).
func (c *Coupler) ErrorStats() ([]TracerErrorStats, error) {
	if c.errors == nil {
		return nil, fmt.Errorf("messy: error statistics are only available after coarsening")
	}
	names := c.Chunk.TracerNames()
	if len(names) != c.Chunk.NumTracers {
		return nil, fmt.Errorf("messy: only %d of %d tracers are registered", len(names), c.Chunk.NumTracers)
	}
	n := c.forest.NumLeaves()
	out := make([]TracerErrorStats, c.Chunk.NumTracers-1)
	for d := range out {
		var local, global stats.Stats
		for e := 0; e < n; e++ {
			local.Update(c.localError(e, d))
			global.Update(c.globalError(e, d))
		}
		out[d] = TracerErrorStats{
			Tracer:     names[d],
			Count:      local.Count(),
			MeanLocal:  local.Mean(),
			MaxLocal:   local.Max(),
			MeanGlobal: global.Mean(),
			MaxGlobal:  global.Max(),
		}
		if local.Count() > 1 {
			out[d].StdDevLocal = local.SampleStandardDeviation()
			out[d].StdDevGlobal = global.SampleStandardDeviation()
		}
	}
	return out, nil
}
