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

	"github.com/Knetic/govaluate"
	"github.com/spatialmodel/messy/internal/quadforest"
	"gonum.org/v1/gonum/floats"
)

// expressionPredicate compiles the configured expression into a
// coarsening predicate. The expression sees the sibling group's min,
// max and mean of the configured tracer at the configured z-layer,
// together with threshold and z, and must evaluate to a boolean, e.g.
// "max < threshold || mean < 0.5".
func (c *Coupler) expressionPredicate() (func(first int, group []quadforest.Leaf) (bool, error), error) {
	spec := c.coarsen
	if spec.Expression == "" {
		return nil, fmt.Errorf("messy: coarsening method is expr but no expression is supplied")
	}
	tracer, err := c.Chunk.tracerIndex(spec.Tracer, false)
	if err != nil {
		return nil, err
	}
	functions := map[string]govaluate.ExpressionFunction{
		"abs": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("messy: got %d arguments for function 'abs', but needs 1", len(arg))
			}
			return math.Abs(arg[0].(float64)), nil
		},
	}
	expression, err := govaluate.NewEvaluableExpressionWithFunctions(spec.Expression, functions)
	if err != nil {
		return nil, fmt.Errorf("messy: parsing coarsening expression: %v", err)
	}

	return func(first int, group []quadforest.Leaf) (bool, error) {
		vals := make([]float64, len(group))
		c.layerValues(first, len(group), tracer, vals)
		params := map[string]interface{}{
			"min":       floats.Min(vals),
			"max":       floats.Max(vals),
			"mean":      floats.Sum(vals) / float64(len(vals)),
			"threshold": spec.Threshold,
			"z":         float64(spec.ZLayer),
		}
		result, err := expression.Evaluate(params)
		if err != nil {
			return false, fmt.Errorf("messy: evaluating coarsening expression: %v", err)
		}
		merge, ok := result.(bool)
		if !ok {
			return false, fmt.Errorf("messy: coarsening expression %q must evaluate to a boolean, got %v",
				spec.Expression, result)
		}
		return merge, nil
	}, nil
}
