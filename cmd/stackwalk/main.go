// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The stackwalk tool recovers and symbolicates the call stacks of every
// thread in a crash snapshot.
// Run "stackwalk help" for a list of commands.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"golang.org/x/stackwalk/internal/processor"
	"golang.org/x/stackwalk/internal/snapshot"
	"golang.org/x/stackwalk/internal/symbols"
	"golang.org/x/stackwalk/internal/symbols/elfsym"
	"golang.org/x/stackwalk/internal/symbols/symsrv"
)

// Top-level command.
var cmdRoot = &cobra.Command{
	Use:   "stackwalk",
	Short: "stackwalk recovers the call stacks of a crashed process",
	Long: `
stackwalk recovers the call stacks of every thread in a crash snapshot
and resolves their frames to functions and source lines.

A snapshot is either a Linux ELF core file or a YAML manifest naming
the loaded modules, the registers of each thread and the captured
memory. Symbols are looked up in the
directories given with --symbols-path, on the servers given with
--symbol-server and finally in the modules' own ELF files.

Example:

  stackwalk walk --symbols-path ./symbols crash.yaml
  stackwalk walk --sysroot /srv/rootfs core.1234
`,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return loadConfig(cmd) },
}

// Subcommands
var (
	cmdWalk = &cobra.Command{
		Use:   "walk <snapshot>",
		Short: "print the stack of every thread",
		Args:  cobra.ExactArgs(1),
		RunE:  runWalk,
	}

	cmdModules = &cobra.Command{
		Use:   "modules <snapshot>",
		Short: "print the loaded modules and the state of their symbols",
		Args:  cobra.ExactArgs(1),
		RunE:  runModules,
	}
)

type config struct {
	configFile    string
	symbolPaths   []string
	symbolServers []string
	sysroot       string
	verbose       bool
	registers     bool

	processor processor.Config
}

var cfg config

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&cfg.configFile, "config", "", "YAML configuration file")
	f.StringSliceVar(&cfg.symbolPaths, "symbols-path", nil, "directory of Breakpad symbol files; may be repeated")
	f.StringSliceVar(&cfg.symbolServers, "symbol-server", nil, "base URL of a symbol server; may be repeated")
	f.StringVar(&cfg.sysroot, "sysroot", "", "root directory to find the modules' code files and the files mapped by a core")
	f.BoolVarP(&cfg.verbose, "verbose", "v", false, "log symbol lookups and unwinding decisions")
	cfg.processor.RegisterFlags(f)

	cmdWalk.Flags().BoolVarP(&cfg.registers, "registers", "r", false, "print the registers recovered for each frame")

	cmdRoot.AddCommand(cmdWalk, cmdModules)
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("STACKWALK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	return v
}

// loadConfig fills flags the user did not set from the environment and
// the configuration file. Flags given on the command line win.
func loadConfig(cmd *cobra.Command) error {
	v := newViper()
	if cfg.configFile != "" {
		v.SetConfigFile(cfg.configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("loading configuration file: %w", err)
		}
	}
	if err := applyConfig(v, cmd.Flags()); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg.processor.Validate()
}

func applyConfig(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || f.Name == "config" || !v.IsSet(f.Name) {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = sv.Replace(v.GetStringSlice(f.Name))
		} else {
			err = f.Value.Set(v.GetString(f.Name))
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", f.Name, err)
		}
	})
	return err
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	allow := level.AllowWarn()
	if cfg.verbose {
		allow = level.AllowDebug()
	}
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// newSymbols builds the symbol cache: symbol directories first, then
// symbol servers, then the code files named by the snapshot.
func newSymbols(logger log.Logger) (*symbols.Cache, error) {
	var chain symsrv.Chain
	if len(cfg.symbolPaths) > 0 {
		chain = append(chain, &symsrv.Dir{Roots: cfg.symbolPaths})
	}
	if len(cfg.symbolServers) > 0 {
		h, err := symsrv.NewHTTP(symsrv.HTTPConfig{URLs: cfg.symbolServers}, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, h)
	}
	chain = append(chain, &elfsym.Provider{SysRoot: cfg.sysroot, Logger: logger})
	return symbols.NewCache(chain, logger, nil), nil
}

// process loads and walks the snapshot at path. The caller must close
// the returned snapshot.
func process(ctx context.Context, path string) (*snapshot.Snapshot, *processor.ProcessState, error) {
	logger := newLogger()
	snap, err := snapshot.Open(path, cfg.sysroot)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range snap.Warnings {
		level.Warn(logger).Log("msg", w, "snapshot", path)
	}
	cache, err := newSymbols(logger)
	if err != nil {
		snap.Close()
		return nil, nil, err
	}
	opts := processor.Options{
		Config:           cfg.processor,
		Symbols:          cache,
		RequestingThread: snap.RequestingThread,
		Logger:           logger,
	}
	state, err := processor.Process(ctx, snap.Snapshot, opts)
	if err != nil {
		snap.Close()
		return nil, nil, err
	}
	level.Debug(logger).Log("msg", "symbol files fetched", "count", cache.Fetches())
	return snap, state, nil
}

func runWalk(cmd *cobra.Command, args []string) error {
	snap, state, err := process(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer snap.Close()
	writeReport(cmd.OutOrStdout(), state, cfg.registers)
	return nil
}

func runModules(cmd *cobra.Command, args []string) error {
	snap, state, err := process(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer snap.Close()
	writeModules(cmd.OutOrStdout(), state)
	return nil
}
