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

// Command messy is a command-line interface for the MESSy adaptive
// mesh refinement coupler.
package main

import (
	"fmt"
	"os"

	"github.com/spatialmodel/messy/messyutil"
)

func main() {
	if err := messyutil.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}
