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

// Package messyutil holds the configuration and command-line
// interface of the MESSy coupler.
package messyutil

import (
	"fmt"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/messy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel sets the logging verbosity (debug, info, warning, error).`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "InputFile",
			usage: `
              InputFile is the path to the NetCDF file holding the dense
              tracer chunk (one variable per tracer; see the tracer_order
              attribute convention).`,
			shorthand:  "i",
			defaultVal: "chunk.ncf",
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile is the path where the coarsened NetCDF output
              will be written.`,
			shorthand:  "o",
			defaultVal: "coarsened.ncf",
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "GeoJSONFile",
			usage: `
              GeoJSONFile is the path for the optional GeoJSON debug
              output. No GeoJSON is written when it is empty.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "DebugPrefix",
			usage: `
              DebugPrefix, when set while LogLevel is debug, writes a
              GeoJSON snapshot of the grid after every coarsening round
              to <DebugPrefix>_round_<r>.geojson.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Coarsen.Method",
			usage: `
              Coarsen.Method selects the merge predicate: error_tol,
              mean_lower, mean_higher, min_lower, min_higher, max_lower,
              max_higher, or expr.`,
			defaultVal: "error_tol",
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Coarsen.Tracer",
			usage: `
              Coarsen.Tracer names the tracer inspected by the threshold
              and expression methods.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Coarsen.ZLayer",
			usage: `
              Coarsen.ZLayer selects the layer inspected by the threshold
              and expression methods; -1 means layer mean, -2 layer
              maximum, -3 layer minimum.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Coarsen.Threshold",
			usage: `
              Coarsen.Threshold is the comparison value for the threshold
              methods and the tolerance for error_tol (0.10 when unset).`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Coarsen.Expression",
			usage: `
              Coarsen.Expression is the merge expression for the expr
              method, over the variables min, max, mean, threshold and z,
              for example "max < threshold".`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Interpolate.Method",
			usage: `
              Interpolate.Method selects how merged cell values are
              computed: mass_weighted, mean, min, or max.`,
			defaultVal: "mass_weighted",
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Grid.LonOrigin",
			usage: `
              Grid.LonOrigin is the longitude of the grid's south-west
              corner [degrees].`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Grid.LatOrigin",
			usage: `
              Grid.LatOrigin is the latitude of the grid's south-west
              corner [degrees].`,
			defaultVal: -90.0,
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Grid.DLon",
			usage: `
              Grid.DLon is the longitude extent of one finest-level cell
              [degrees].`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
		{
			name: "Grid.DLat",
			usage: `
              Grid.DLat is the latitude extent of one finest-level cell
              [degrees].`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{coarsenCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("MESSY")
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(coarsenCmd)
}

// setConfig finds and reads in the configuration file, if there is
// one, and applies the configured log level.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("messy: problem reading configuration file: %v", err)
		}
	}
	level, err := logrus.ParseLevel(Cfg.GetString("LogLevel"))
	if err != nil {
		return fmt.Errorf("messy: %v", err)
	}
	logrus.SetLevel(level)
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "messy",
	Short: "An adaptive mesh refinement coupler for Earth-system-model data.",
	Long: `messy couples dense Earth-system-model tracer chunks onto an adaptive
quad-forest: it reorders the data along a space-filling curve and merges
geographically adjacent cells whose tracer values are locally similar,
tracking per-tracer interpolation error estimates.

Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'MESSY_var' where 'var' is
the name of the variable to be set.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of the MESSy coupler.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("messy v%s\n", messy.Version)
	},
	DisableAutoGenTag: true,
}

var coarsenCmd = &cobra.Command{
	Use:   "coarsen",
	Short: "Coarsen a tracer chunk.",
	Long: `coarsen reads a dense tracer chunk from a NetCDF file, applies the
space-filling curve, runs the adaptive coarsening loop, and writes the
coarsened per-leaf values with their error estimates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Coarsen(Cfg)
	},
	DisableAutoGenTag: true,
}
