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
	"math"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/messy/internal/quadforest"
	"gonum.org/v1/gonum/floats"
)

// maxRounds caps the number of adapt rounds in one Coarsen call.
const maxRounds = 10

// defaultErrorTol is the relative error tolerance used by the
// error-tolerance coarsener when the configuration leaves the
// threshold unset.
const defaultErrorTol = 0.10

// CoarsenMethod selects the predicate deciding whether a sibling
// group is merged.
type CoarsenMethod int

const (
	// CoarsenErrorTol merges a group only if, for every z-layer and
	// every non-mass tracer, the relative error of the would-be
	// mass-weighted value stays within the configured tolerance.
	CoarsenErrorTol CoarsenMethod = iota
	CoarsenMeanLower
	CoarsenMeanHigher
	CoarsenMinLower
	CoarsenMinHigher
	CoarsenMaxLower
	CoarsenMaxHigher
	// CoarsenCustom delegates the decision to a user-supplied Go
	// function.
	CoarsenCustom
	// CoarsenExpression evaluates a configuration-supplied expression
	// over the group's min, max and mean.
	CoarsenExpression
)

// ParseCoarsenMethod converts a configuration string into a
// CoarsenMethod.
func ParseCoarsenMethod(name string) (CoarsenMethod, error) {
	switch name {
	case "error_tol", "":
		return CoarsenErrorTol, nil
	case "mean_lower":
		return CoarsenMeanLower, nil
	case "mean_higher":
		return CoarsenMeanHigher, nil
	case "min_lower":
		return CoarsenMinLower, nil
	case "min_higher":
		return CoarsenMinHigher, nil
	case "max_lower":
		return CoarsenMaxLower, nil
	case "max_higher":
		return CoarsenMaxHigher, nil
	case "custom":
		return CoarsenCustom, nil
	case "expr":
		return CoarsenExpression, nil
	}
	return 0, fmt.Errorf("messy: unknown coarsening method %q", name)
}

// Virtual z-layer selectors: a negative ZLayer reduces each element's
// vertical profile before the threshold comparison.
const (
	ZLayerMean = -1
	ZLayerMax  = -2
	ZLayerMin  = -3
)

// CellSample carries the information a custom coarsening or
// interpolation function receives about one sibling group. A custom
// coarsening function gets the tracer values at the selected layer
// plus the cells' anchor coordinates and the geographic coordinates of
// their centers. A custom interpolation function gets only Tracer,
// ZLayer and Values; its coordinate slices are nil.
type CellSample struct {
	Tracer string
	ZLayer int

	Values []float64

	// X and Y are the cells' global anchor coordinates.
	X, Y []int

	// Longitudes and Latitudes locate the cell centers.
	Longitudes, Latitudes []float64
}

// CoarsenFunc decides whether the sampled sibling group may be
// merged.
type CoarsenFunc func(*CellSample) (bool, error)

// InterpolateFunc computes the merged value for the sampled sibling
// group.
type InterpolateFunc func(*CellSample) (float64, error)

// CoarsenSpec configures the coarsening predicate.
type CoarsenSpec struct {
	Method CoarsenMethod

	// Tracer names the tracer the threshold and expression methods
	// inspect.
	Tracer string

	// ZLayer selects the layer those methods inspect; the negative
	// ZLayer* constants select a vertical reduction instead.
	ZLayer int

	// Threshold is the comparison value for the threshold family and
	// the tolerance for CoarsenErrorTol (defaultErrorTol when zero).
	Threshold float64

	// Expression is the govaluate source for CoarsenExpression.
	Expression string

	// Func is the predicate for CoarsenCustom.
	Func CoarsenFunc
}

// InterpolateMethod selects how merged cell values are computed.
type InterpolateMethod int

const (
	// InterpolateMassWeighted weights each sibling's value with the
	// mass tracer (by convention the last registered tracer).
	InterpolateMassWeighted InterpolateMethod = iota
	InterpolateMean
	InterpolateMin
	InterpolateMax
	InterpolateCustom
)

// ParseInterpolateMethod converts a configuration string into an
// InterpolateMethod.
func ParseInterpolateMethod(name string) (InterpolateMethod, error) {
	switch name {
	case "mass_weighted", "":
		return InterpolateMassWeighted, nil
	case "mean":
		return InterpolateMean, nil
	case "min":
		return InterpolateMin, nil
	case "max":
		return InterpolateMax, nil
	case "custom":
		return InterpolateCustom, nil
	}
	return 0, fmt.Errorf("messy: unknown interpolation method %q", name)
}

// InterpolateSpec configures the interpolation applied to merged
// sibling groups.
type InterpolateSpec struct {
	Method InterpolateMethod
	Func   InterpolateFunc
}

// Coarsen drives up to maxRounds adapt rounds. Each round presents
// every complete sibling quadruple to the coarsening predicate,
// replaces merged groups with one parent cell holding interpolated
// tracer values, and updates the local and lineage error estimates.
// The loop terminates early when a round yields the same leaf count as
// the round before it; that round is counted but not applied. The
// first round is always applied, even when it merges nothing.
func (c *Coupler) Coarsen() error {
	chunk := c.Chunk
	if chunk.Numbering != Morton {
		return fmt.Errorf("messy: coarsen requires the space-filling curve to be applied first")
	}
	if c.coarsen == nil || c.interp == nil {
		return fmt.Errorf("messy: coarsening and interpolation configurations must both be set")
	}
	if c.coarsen.Method == CoarsenCustom && c.coarsen.Func == nil {
		return fmt.Errorf("messy: coarsening method is custom but no function is supplied")
	}
	if c.interp.Method == InterpolateCustom && c.interp.Func == nil {
		return fmt.Errorf("messy: interpolation method is custom but no function is supplied")
	}
	if c.coarsen.ZLayer >= chunk.ZLength || c.coarsen.ZLayer < ZLayerMin {
		return fmt.Errorf("messy: coarsening z-layer %d out of range for %d layers",
			c.coarsen.ZLayer, chunk.ZLength)
	}

	forest := c.forest
	errCols := chunk.NumTracers - 1
	c.errors = sparse.ZerosDense(forest.NumLeaves(), errCols)
	c.errorsGlobal = sparse.ZerosDense(forest.NumLeaves(), errCols)

	pred, err := c.buildPredicate()
	if err != nil {
		return err
	}

	last := 0
	rounds := 0
	for r := 0; r < maxRounds; r++ {
		rounds = r + 1
		round := &adaptRound{c: c, pred: pred}
		adapted := forest.Adapt(round.shouldCoarsen)
		if round.err != nil {
			return round.err
		}
		n := adapted.NumLeaves()
		if n == last {
			break
		}
		last = n

		round.data = sparse.ZerosDense(n, chunk.ZLength, chunk.NumTracers)
		round.errs = sparse.ZerosDense(n, errCols)
		round.errsGlobal = sparse.ZerosDense(n, errCols)
		ids := make([]uint64, n)
		for i := 0; i < n; i++ {
			ids[i] = adapted.MortonID(adapted.Leaf(i))
		}

		quadforest.IterateReplace(adapted, forest, round.replace)
		if round.err != nil {
			return round.err
		}

		// Swap in the adapt buffers; the old ones are released.
		chunk.Data = round.data
		chunk.DataIDs = ids
		c.errors = round.errs
		c.errorsGlobal = round.errsGlobal
		forest = adapted
		c.forest = adapted

		c.Log.WithFields(logrus.Fields{
			"round":    r,
			"elements": n,
		}).Debug("messy: coarsened grid")
		if c.debugPrefix != "" && logrus.GetLevel() >= logrus.DebugLevel {
			c.writeDebugRound(r)
		}
	}

	c.numElements = last
	c.rounds = rounds
	return nil
}

// adaptRound holds the double-buffered state of one adapt round: the
// predicate and interpolation callbacks read the coupler's current
// buffers and write exclusively into the *_adapt arrays held here,
// which are swapped in at round end.
type adaptRound struct {
	c    *Coupler
	pred func(first int, group []quadforest.Leaf) (bool, error)

	data       *sparse.DenseArray
	errs       *sparse.DenseArray
	errsGlobal *sparse.DenseArray

	err error
}

func (r *adaptRound) shouldCoarsen(first int, group []quadforest.Leaf) bool {
	if r.err != nil {
		return false
	}
	merge, err := r.pred(first, group)
	if err != nil {
		r.err = err
		return false
	}
	return merge
}

// gather copies the values of one tracer at one z-layer for num
// consecutive elements starting at first into dst.
func (c *Coupler) gather(first, num, tracer, z int, dst []float64) {
	rec := c.Chunk.recordLength()
	for e := 0; e < num; e++ {
		dst[e] = c.Chunk.Data.Elements[(first+e)*rec+z*c.Chunk.NumTracers+tracer]
	}
}

// gatherProfile copies one element's vertical profile of one tracer
// into dst.
func (c *Coupler) gatherProfile(element, tracer int, dst []float64) {
	rec := c.Chunk.recordLength()
	for z := 0; z < c.Chunk.ZLength; z++ {
		dst[z] = c.Chunk.Data.Elements[element*rec+z*c.Chunk.NumTracers+tracer]
	}
}

// layerValues fills dst with the per-sibling values the threshold and
// expression predicates compare: the selected z-layer, or a vertical
// reduction when the configured layer is negative. Only the
// mass-weighted path excludes the missing value; these reductions do
// not.
func (c *Coupler) layerValues(first int, num, tracer int, dst []float64) {
	spec := c.coarsen
	if spec.ZLayer >= 0 {
		c.gather(first, num, tracer, spec.ZLayer, dst)
		return
	}
	profile := make([]float64, c.Chunk.ZLength)
	for e := 0; e < num; e++ {
		c.gatherProfile(first+e, tracer, profile)
		switch spec.ZLayer {
		case ZLayerMean:
			dst[e] = floats.Sum(profile) / float64(len(profile))
		case ZLayerMax:
			dst[e] = floats.Max(profile)
		case ZLayerMin:
			dst[e] = floats.Min(profile)
		}
	}
}

// buildPredicate resolves the coarsening configuration into a
// predicate over sibling groups.
func (c *Coupler) buildPredicate() (func(first int, group []quadforest.Leaf) (bool, error), error) {
	spec := c.coarsen
	switch spec.Method {
	case CoarsenErrorTol:
		tol := spec.Threshold
		if tol <= 0 {
			tol = defaultErrorTol
		}
		return c.errorTolPredicate(tol), nil

	case CoarsenMeanLower, CoarsenMeanHigher, CoarsenMinLower, CoarsenMinHigher,
		CoarsenMaxLower, CoarsenMaxHigher:
		tracer, err := c.Chunk.tracerIndex(spec.Tracer, false)
		if err != nil {
			return nil, err
		}
		return func(first int, group []quadforest.Leaf) (bool, error) {
			vals := make([]float64, len(group))
			c.layerValues(first, len(group), tracer, vals)
			var v float64
			switch spec.Method {
			case CoarsenMeanLower, CoarsenMeanHigher:
				v = floats.Sum(vals) / float64(len(vals))
			case CoarsenMinLower, CoarsenMinHigher:
				v = floats.Min(vals)
			case CoarsenMaxLower, CoarsenMaxHigher:
				v = floats.Max(vals)
			}
			switch spec.Method {
			case CoarsenMeanLower, CoarsenMinLower, CoarsenMaxLower:
				return v < spec.Threshold, nil
			default:
				return v > spec.Threshold, nil
			}
		}, nil

	case CoarsenCustom:
		tracer, err := c.Chunk.tracerIndex(spec.Tracer, false)
		if err != nil {
			return nil, err
		}
		return func(first int, group []quadforest.Leaf) (bool, error) {
			return spec.Func(c.sampleGroup(first, group, tracer, spec.Tracer))
		}, nil

	case CoarsenExpression:
		return c.expressionPredicate()

	default:
		return nil, fmt.Errorf("messy: unknown coarsening method %d", spec.Method)
	}
}

// errorTolPredicate merges a sibling group only if the mass-weighted
// interpolation would keep the maximum relative error of every
// (z-layer, non-mass tracer) combination within tol.
func (c *Coupler) errorTolPredicate(tol float64) func(first int, group []quadforest.Leaf) (bool, error) {
	chunk := c.Chunk
	massIdx := chunk.NumTracers - 1
	return func(first int, group []quadforest.Leaf) (bool, error) {
		num := len(group)
		mass := make([]float64, num)
		vals := make([]float64, num)
		ratios := make([]float64, num)
		for z := 0; z < chunk.ZLength; z++ {
			c.gather(first, num, massIdx, z, mass)
			totalMass := maskedSum(mass, chunk.MissingValue)
			for d := 0; d < chunk.NumTracers-1; d++ {
				c.gather(first, num, d, z, vals)
				interpolated := 0.0
				if totalMass != 0 {
					interpolated = maskedWeightedSum(vals, mass, chunk.MissingValue) / totalMass
				}
				errorRatios(vals, interpolated, chunk.MissingValue, ratios)
				if floats.Max(ratios) > tol {
					return false, nil
				}
			}
		}
		return true, nil
	}
}

// sampleGroup assembles the CellSample a custom function receives.
// The values are taken at the configured z-layer (layer 0 when a
// vertical reduction is configured); the coordinates are the global
// cell anchors and the geographic centers.
func (c *Coupler) sampleGroup(first int, group []quadforest.Leaf, tracer int, tracerName string) *CellSample {
	z := c.coarsen.ZLayer
	if z < 0 {
		z = 0
	}
	num := len(group)
	s := &CellSample{
		Tracer:     tracerName,
		ZLayer:     c.coarsen.ZLayer,
		Values:     make([]float64, num),
		X:          make([]int, num),
		Y:          make([]int, num),
		Longitudes: make([]float64, num),
		Latitudes:  make([]float64, num),
	}
	c.gather(first, num, tracer, z, s.Values)
	for i, l := range group {
		s.X[i] = c.Chunk.XStart + int(l.X)
		s.Y[i] = c.Chunk.YStart + int(l.Y)
		lon0, lat0, lon1, lat1 := c.leafBounds(l)
		s.Longitudes[i] = (lon0 + lon1) / 2
		s.Latitudes[i] = (lat0 + lat1) / 2
	}
	return s
}

// replace fills one record of the adapt buffers: interpolation for
// merged quadruples, a straight copy for pass-through leaves.
func (r *adaptRound) replace(numOutgoing, firstOutgoing, numIncoming, firstIncoming int) {
	if r.err != nil {
		return
	}
	c := r.c
	chunk := c.Chunk
	rec := chunk.recordLength()
	errCols := chunk.NumTracers - 1

	if numOutgoing == numIncoming {
		copy(r.data.Elements[firstIncoming*rec:(firstIncoming+1)*rec],
			chunk.Data.Elements[firstOutgoing*rec:(firstOutgoing+1)*rec])
		copy(r.errs.Elements[firstIncoming*errCols:(firstIncoming+1)*errCols],
			c.errors.Elements[firstOutgoing*errCols:(firstOutgoing+1)*errCols])
		copy(r.errsGlobal.Elements[firstIncoming*errCols:(firstIncoming+1)*errCols],
			c.errorsGlobal.Elements[firstOutgoing*errCols:(firstOutgoing+1)*errCols])
		return
	}

	switch c.interp.Method {
	case InterpolateMassWeighted:
		r.err = r.interpolateMassWeighted(numOutgoing, firstOutgoing, firstIncoming)
	case InterpolateMean, InterpolateMin, InterpolateMax:
		r.err = r.interpolateReduce(numOutgoing, firstOutgoing, firstIncoming)
	case InterpolateCustom:
		r.err = r.interpolateCustom(numOutgoing, firstOutgoing, firstIncoming)
	default:
		r.err = fmt.Errorf("messy: unknown interpolation method %d", c.interp.Method)
	}
}

// interpolateMassWeighted merges a sibling group with the
// mass-weighted rule: the new mass is the sum of the siblings' masses
// and every other tracer becomes Σ(value·mass)/Σ(mass), all sums
// skipping the missing value. A zero mass denominator produces 0.
// The per-tracer maximum relative error across all z-layers is stored
// as the new leaf's local error; the lineage error is the worst child
// lineage plus that local error.
func (r *adaptRound) interpolateMassWeighted(num, firstOut, firstIn int) error {
	c := r.c
	chunk := c.Chunk
	rec := chunk.recordLength()
	massIdx := chunk.NumTracers - 1
	errCols := chunk.NumTracers - 1

	mass := make([]float64, num)
	vals := make([]float64, num)
	ratios := make([]float64, num)
	local := make([]float64, errCols)

	for z := 0; z < chunk.ZLength; z++ {
		c.gather(firstOut, num, massIdx, z, mass)
		totalMass := maskedSum(mass, chunk.MissingValue)
		r.data.Elements[firstIn*rec+z*chunk.NumTracers+massIdx] = totalMass

		for d := 0; d < errCols; d++ {
			c.gather(firstOut, num, d, z, vals)
			interpolated := 0.0
			if totalMass != 0 {
				interpolated = maskedWeightedSum(vals, mass, chunk.MissingValue) / totalMass
			}
			r.data.Elements[firstIn*rec+z*chunk.NumTracers+d] = interpolated

			errorRatios(vals, interpolated, chunk.MissingValue, ratios)
			if m := floats.Max(ratios); m > local[d] {
				local[d] = m
			}
		}
	}

	for d := 0; d < errCols; d++ {
		r.errs.Elements[firstIn*errCols+d] = local[d]
		lineage := 0.0
		for k := 0; k < num; k++ {
			if g := c.errorsGlobal.Elements[(firstOut+k)*errCols+d]; g > lineage {
				lineage = g
			}
		}
		r.errsGlobal.Elements[firstIn*errCols+d] = lineage + local[d]
	}
	return nil
}

// interpolateReduce merges a sibling group with a plain per-tracer,
// per-layer reduction. The reductions do not exclude the missing
// value and produce no error update; error tracking belongs to the
// mass-weighted path.
func (r *adaptRound) interpolateReduce(num, firstOut, firstIn int) error {
	c := r.c
	chunk := c.Chunk
	rec := chunk.recordLength()
	vals := make([]float64, num)
	for z := 0; z < chunk.ZLength; z++ {
		for d := 0; d < chunk.NumTracers; d++ {
			c.gather(firstOut, num, d, z, vals)
			var v float64
			switch c.interp.Method {
			case InterpolateMean:
				v = floats.Sum(vals) / float64(num)
			case InterpolateMin:
				v = floats.Min(vals)
			case InterpolateMax:
				v = floats.Max(vals)
			}
			r.data.Elements[firstIn*rec+z*chunk.NumTracers+d] = v
		}
	}
	return nil
}

// interpolateCustom merges a sibling group by asking the user
// function for every (z-layer, tracer) value.
func (r *adaptRound) interpolateCustom(num, firstOut, firstIn int) error {
	c := r.c
	chunk := c.Chunk
	rec := chunk.recordLength()
	sample := &CellSample{Values: make([]float64, num)}
	for z := 0; z < chunk.ZLength; z++ {
		sample.ZLayer = z
		for d := 0; d < chunk.NumTracers; d++ {
			sample.Tracer = chunk.tracerName(d)
			c.gather(firstOut, num, d, z, sample.Values)
			v, err := c.interp.Func(sample)
			if err != nil {
				return err
			}
			r.data.Elements[firstIn*rec+z*chunk.NumTracers+d] = v
		}
	}
	return nil
}

// tracerName returns the registered name of tracer d, or a positional
// placeholder if the slot has not been named yet.
func (c *Chunk) tracerName(d int) string {
	if d < len(c.tracerNames) {
		return c.tracerNames[d]
	}
	return fmt.Sprintf("tracer_%d", d)
}

// maskedSum sums vals, skipping entries equal to missing.
func maskedSum(vals []float64, missing float64) float64 {
	sum := 0.0
	for _, v := range vals {
		if v == missing {
			continue
		}
		sum += v
	}
	return sum
}

// maskedWeightedSum sums vals[i]·weights[i], skipping pairs where
// either operand equals missing.
func maskedWeightedSum(vals, weights []float64, missing float64) float64 {
	sum := 0.0
	for i, v := range vals {
		if v == missing || weights[i] == missing {
			continue
		}
		sum += v * weights[i]
	}
	return sum
}

// errorRatios fills dst with |v−interpolated|/|v| for each value;
// missing or zero values contribute 0.
func errorRatios(vals []float64, interpolated, missing float64, dst []float64) {
	for i, v := range vals {
		if v == missing || v == 0 {
			dst[i] = 0
			continue
		}
		dst[i] = math.Abs(v-interpolated) / math.Abs(v)
	}
}
