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

// Package tester drives the slots of the cell tester and provides its
// command line tools.
package tester

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"

	"github.com/TheCacophonyProject/cell-tester/internal/config"
	"github.com/TheCacophonyProject/cell-tester/internal/hardware"
	"github.com/TheCacophonyProject/cell-tester/internal/status"
	"github.com/TheCacophonyProject/cell-tester/internal/storage"
)

var version = "<not set>"

type Args struct {
	Config     string  `arg:"-c,--config" help:"fixture configuration file"`
	ConfigDir  string  `arg:"--config-dir" help:"directory of the device config.toml"`
	Simulate   bool    `arg:"--simulate" help:"test simulated cells instead of the fixture"`
	SimSpeed   float64 `arg:"--sim-speed" help:"simulated seconds per second"`
	HTTPPort   int     `arg:"--http-port" help:"port for the status API and metrics, 0 to disable"`
	DBus       bool    `arg:"--dbus" help:"publish slot status on the system bus"`
	Events     bool    `arg:"--events" help:"report finished tests to the event reporter"`
	DiagSerial string  `arg:"--diag-serial" help:"also write the log to this serial device"`
	DiagBaud   int     `arg:"--diag-baud" help:"baud rate of the diagnostic serial device"`
	LogLevel   string  `arg:"-l, --log-level" help:"Set the logging level (debug, info, warn, error)"`
}

var defaultArgs = Args{
	Config:    config.DefaultPath,
	ConfigDir: config.DefaultDir,
	SimSpeed:  60,
	HTTPPort:  8080,
	DiagBaud:  115200,
	LogLevel:  "info",
}

func (Args) Version() string {
	return version
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs
	err := parseArgs(&args, input)
	return args, err
}

// parseArgs parses input into dest, exiting for --help and --version.
func parseArgs(dest interface{}, input []string) error {
	parser, err := arg.NewParser(arg.Config{}, dest)
	if err != nil {
		return err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return err
}

// loadConfig reads the fixture file and applies the device section of the
// config.toml in configDir over it. A simulation without a fixture file runs
// the default fixture.
func loadConfig(path, configDir string, simulate bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if simulate && errors.Is(err, os.ErrNotExist) {
			log.Infof("No config at %s, simulating the default fixture", path)
			cfg = config.Default()
		} else {
			return nil, err
		}
	}
	dev, err := config.LoadDevice(configDir)
	if err != nil {
		return nil, err
	}
	dev.Apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func Run(inputArgs []string, ver string) error {
	version = ver
	log.SetFormatter(new(customFormatter))
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	setLogLevel(args.LogLevel)

	if args.DiagSerial != "" {
		diag, err := openDiagSerial(args.DiagSerial, args.DiagBaud)
		if err != nil {
			log.Warnf("Not mirroring log to %s: %v", args.DiagSerial, err)
		} else {
			defer mirrorLog(diag)()
		}
	}

	log.Info("Running version: ", version)

	cfg, err := loadConfig(args.Config, args.ConfigDir, args.Simulate)
	if err != nil {
		return err
	}

	dir := storage.NewDir(cfg.StorageDir)
	if err := dir.Mount(); err != nil {
		return err
	}
	defer dir.Unmount()
	lock, err := dir.Lock()
	if err != nil {
		return fmt.Errorf("another tester is using %s: %w", dir.Root(), err)
	}
	defer lock.Unlock()
	log.Infof("Storing logs in %s", dir.Root())

	var fix *fixture
	if args.Simulate {
		log.Infof("Simulating %d slots at %.0fx speed", len(cfg.Slots), args.SimSpeed)
		fix = openSimulator(cfg, hardware.NewSimulator(nil, args.SimSpeed))
	} else {
		fix, err = openHardware(cfg)
		if err != nil {
			return err
		}
	}
	defer fix.Close()

	metrics := status.NewMetrics()
	store := status.NewStore(metrics)
	opts := Options{Metrics: metrics}
	if args.Events {
		opts.Reporter = eventReporter{}
	}
	driver, err := NewDriver(cfg, fix.slots, dir, store, opts)
	if err != nil {
		return err
	}

	if args.DBus {
		log.Info("Starting dbus service")
		if err := status.StartService(store); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args.HTTPPort > 0 {
		go serveHTTP(ctx, fmt.Sprintf(":%d", args.HTTPPort), status.NewRouter(store, metrics))
	}

	return driver.Run(ctx)
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	log.Infof("Serving status on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Status server: %v", err)
	}
}
