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

package messyutil

import (
	"fmt"
	"os"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/messy"
	"github.com/spf13/cast"
)

// specs assembles the coarsening and interpolation configurations
// from cfg.
func specs(cfg *viper.Viper) (*messy.CoarsenSpec, *messy.InterpolateSpec, error) {
	coarsenMethod, err := messy.ParseCoarsenMethod(cfg.GetString("Coarsen.Method"))
	if err != nil {
		return nil, nil, err
	}
	interpMethod, err := messy.ParseInterpolateMethod(cfg.GetString("Interpolate.Method"))
	if err != nil {
		return nil, nil, err
	}
	coarsen := &messy.CoarsenSpec{
		Method:     coarsenMethod,
		Tracer:     cfg.GetString("Coarsen.Tracer"),
		ZLayer:     cast.ToInt(cfg.Get("Coarsen.ZLayer")),
		Threshold:  cast.ToFloat64(cfg.Get("Coarsen.Threshold")),
		Expression: cfg.GetString("Coarsen.Expression"),
	}
	interp := &messy.InterpolateSpec{Method: interpMethod}
	return coarsen, interp, nil
}

// geometry assembles the grid geometry from cfg.
func geometry(cfg *viper.Viper) messy.GridGeometry {
	return messy.GridGeometry{
		LonOrigin: cast.ToFloat64(cfg.Get("Grid.LonOrigin")),
		LatOrigin: cast.ToFloat64(cfg.Get("Grid.LatOrigin")),
		DLon:      cast.ToFloat64(cfg.Get("Grid.DLon")),
		DLat:      cast.ToFloat64(cfg.Get("Grid.DLat")),
	}
}

// Coarsen runs the full pipeline: read the dense chunk, apply the
// space-filling curve, coarsen, and write the outputs.
func Coarsen(cfg *viper.Viper) error {
	log := logrus.WithField("input", cfg.GetString("InputFile"))

	coarsen, interp, err := specs(cfg)
	if err != nil {
		return err
	}

	f, err := os.Open(cfg.GetString("InputFile"))
	if err != nil {
		return fmt.Errorf("messy: opening input file: %v", err)
	}
	c, err := messy.ReadCDFChunk(f, coarsen, interp)
	f.Close()
	if err != nil {
		return err
	}
	c.SetGridGeometry(geometry(cfg))
	if prefix := cfg.GetString("DebugPrefix"); prefix != "" {
		c.SetDebugOutput(prefix)
	}

	log.WithField("elements", c.MaxNumElements()).Info("messy: chunk loaded")

	if err := c.ApplySFC(); err != nil {
		return err
	}
	if err := c.Coarsen(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"elements": c.MaxNumElements(),
		"rounds":   c.Rounds(),
	}).Info("messy: grid coarsening done")

	if errStats, err := c.ErrorStats(); err == nil {
		for _, s := range errStats {
			log.WithFields(logrus.Fields{
				"tracer":      s.Tracer,
				"mean_local":  s.MeanLocal,
				"max_local":   s.MaxLocal,
				"mean_global": s.MeanGlobal,
				"max_global":  s.MaxGlobal,
			}).Debug("messy: error summary")
		}
	}

	w, err := os.Create(cfg.GetString("OutputFile"))
	if err != nil {
		return fmt.Errorf("messy: creating output file: %v", err)
	}
	if err := c.WriteCDF(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("messy: closing output file: %v", err)
	}

	if path := cfg.GetString("GeoJSONFile"); path != "" {
		g, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("messy: creating GeoJSON file: %v", err)
		}
		if err := c.WriteGeoJSON(g); err != nil {
			g.Close()
			return err
		}
		if err := g.Close(); err != nil {
			return fmt.Errorf("messy: closing GeoJSON file: %v", err)
		}
	}
	return nil
}
