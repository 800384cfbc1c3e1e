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

package tester

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/TheCacophonyProject/cell-tester/internal/config"
	"github.com/TheCacophonyProject/cell-tester/internal/identity"
	"github.com/TheCacophonyProject/cell-tester/internal/status"
	"github.com/TheCacophonyProject/cell-tester/internal/storage"
)

type StorageArgs struct {
	Config     string `arg:"-c,--config" help:"fixture configuration file"`
	ConfigDir  string `arg:"--config-dir" help:"directory of the device config.toml"`
	StorageDir string `arg:"-d,--storage-dir" help:"log directory, overrides the configuration"`
}

func defaultStorageArgs() StorageArgs {
	return StorageArgs{Config: config.DefaultPath, ConfigDir: config.DefaultDir}
}

// root picks the log directory: the flag, then the device section, then the
// fixture file.
func (a StorageArgs) root() (string, error) {
	if a.StorageDir != "" {
		return a.StorageDir, nil
	}
	dev, err := config.LoadDevice(a.ConfigDir)
	if err != nil {
		return "", err
	}
	if dev.StorageDir != "" {
		return dev.StorageDir, nil
	}
	cfg, err := config.Load(a.Config)
	if err != nil {
		return "", err
	}
	return cfg.StorageDir, nil
}

func (a StorageArgs) open() (*storage.Dir, error) {
	root, err := a.root()
	if err != nil {
		return nil, err
	}
	dir := storage.NewDir(root)
	if err := dir.Mount(); err != nil {
		return nil, err
	}
	return dir, nil
}

type ShowLogArgs struct {
	StorageArgs
	Name string `arg:"positional" help:"log file to print, lists the logs when empty"`
}

func (ShowLogArgs) Version() string {
	return version
}

// RunShowLog prints a stored log, or the list of logs.
func RunShowLog(inputArgs []string, ver string) error {
	version = ver
	args := ShowLogArgs{StorageArgs: defaultStorageArgs()}
	if err := parseArgs(&args, inputArgs); err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	dir, err := args.open()
	if err != nil {
		return err
	}
	defer dir.Unmount()
	return showLog(os.Stdout, dir, args.Name)
}

func showLog(w io.Writer, dir *storage.Dir, name string) error {
	if name == "" {
		names, err := dir.List()
		if err != nil {
			return err
		}
		for _, n := range names {
			if n == identity.RecordName {
				continue
			}
			fmt.Fprintln(w, n)
		}
		return nil
	}
	data, err := dir.ReadAll(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type NextIDArgs struct {
	StorageArgs
	DryRun bool `arg:"--dry-run" help:"print the next identity without allocating it"`
}

func (NextIDArgs) Version() string {
	return version
}

// RunNextID allocates a cell identity by hand, for cells labelled outside a
// test run.
func RunNextID(inputArgs []string, ver string) error {
	version = ver
	args := NextIDArgs{StorageArgs: defaultStorageArgs()}
	if err := parseArgs(&args, inputArgs); err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	dir, err := args.open()
	if err != nil {
		return err
	}
	defer dir.Unmount()
	id, err := nextID(dir, args.DryRun)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// nextID allocates under the storage lock, so it refuses while a tester is
// running on the same directory.
func nextID(dir *storage.Dir, dryRun bool) (int, error) {
	alloc := identity.New(dir, identity.RecordName)
	if dryRun {
		last, err := alloc.Peek()
		if err != nil {
			return 0, err
		}
		return last + 1, nil
	}

	lock, err := dir.Lock()
	if errors.Is(err, storage.ErrLocked) {
		return 0, fmt.Errorf("a running tester owns the identity counter in %s: %w", dir.Root(), err)
	} else if err != nil {
		return 0, err
	}
	defer lock.Unlock()
	return alloc.Next()
}

type StatusArgs struct{}

func (StatusArgs) Version() string {
	return version
}

// RunStatus prints the slots of a running tester, read over dbus.
func RunStatus(inputArgs []string, ver string) error {
	version = ver
	var args StatusArgs
	if err := parseArgs(&args, inputArgs); err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	all, err := status.FetchAll()
	if err != nil {
		return fmt.Errorf("failed to get status from the tester: %w", err)
	}
	return printStatus(os.Stdout, all)
}

func printStatus(w io.Writer, all []status.SlotStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tMODE\tU(V)\tI(mA)\tC(mAh)\tT(dC)\tCYCLES\tCELL\tLOG\tERROR")
	for _, st := range all {
		cell := "-"
		if st.CellID > 0 {
			cell = fmt.Sprint(st.CellID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.2f\t%.2f\t%.1f\t%d/%d\t%s\t%s\t%s\n",
			st.Slot, st.Mode, st.Voltage, st.Current, st.Capacity, st.Temperature,
			st.Cycles, st.CyclesTarget, cell, st.LogName, st.LastError)
	}
	return tw.Flush()
}
