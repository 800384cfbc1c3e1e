/*
cell-tester - Charge/discharge tester for rechargeable cells
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/TheCacophonyProject/cell-tester/internal/tester"
)

var log = logrus.New()

var version = "<not set>"

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	if len(os.Args) < 2 {
		log.Info("Usage: cell-tester <run|status|show-log|next-id> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "run":
		err = tester.Run(args, version)
	case "status":
		err = tester.RunStatus(args, version)
	case "show-log":
		err = tester.RunShowLog(args, version)
	case "next-id":
		err = tester.RunNextID(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
