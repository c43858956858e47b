// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package processor turns a crash snapshot into a process state: the
// symbolicated call stack of every thread plus a summary of the crash
// and of the modules involved.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/disasm"
	"golang.org/x/stackwalk/internal/stackwalk"
	"golang.org/x/stackwalk/internal/symbols"
)

// ErrNoThreads is returned for snapshots without threads.
var ErrNoThreads = errors.New("snapshot has no threads")

// Config holds the processing limits.
type Config struct {
	Walker stackwalk.Config `yaml:"walker"`
	// Concurrency is the number of threads walked at once.
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Walker: stackwalk.DefaultConfig(), Concurrency: 8}
}

func (cfg *Config) RegisterFlags(f *pflag.FlagSet) {
	cfg.Walker.RegisterFlags(f)
	f.IntVar(&cfg.Concurrency, "processor.concurrency", DefaultConfig().Concurrency, "Number of threads walked concurrently.")
}

func (cfg *Config) Validate() error {
	if cfg.Concurrency <= 0 {
		return errors.New("processor.concurrency must be positive")
	}
	return cfg.Walker.Validate()
}

// CrashInfo describes the exception that triggered the snapshot.
type CrashInfo struct {
	ThreadID uint32
	Reason   string
	Address  core.Address
	// Context is the register state at the exception, if recorded. It
	// replaces the crashing thread's own context, which usually points
	// into the exception handler.
	Context *core.RegisterContext
}

// A Snapshot is the captured state of a process.
type Snapshot struct {
	Arch    *arch.Architecture
	Threads []*core.Thread
	Modules *core.ModuleList
	Crash   *CrashInfo // nil if the process did not crash
	// Code holds captured code bytes, used to check return addresses.
	// It may be nil.
	Code core.MemoryReader
}

// Options configure a single Process call.
type Options struct {
	Config Config
	// Symbols symbolicates frames and supplies call frame information.
	// Without it frames carry addresses only.
	Symbols *symbols.Cache
	// RequestingThread is the index of the thread that asked for the
	// snapshot, used when there is no crash. -1 means none.
	RequestingThread int
	Logger           log.Logger
	Registerer       prometheus.Registerer
}

// DefaultOptions returns options with the default configuration and no
// symbols.
func DefaultOptions() Options {
	return Options{Config: DefaultConfig(), RequestingThread: -1}
}

// ModuleState reports what happened to a module's symbols.
type ModuleState struct {
	Module *core.Module
	Status symbols.Status
}

// ProcessState is the result of processing a snapshot.
type ProcessState struct {
	Arch *arch.Architecture

	Crashed      bool
	CrashReason  string
	CrashAddress core.Address

	// RequestingThread indexes Threads; -1 if unknown.
	RequestingThread int
	Threads          []*stackwalk.Stack
	Modules          []ModuleState

	warnings []string
}

// Warnings returns the problems found in the snapshot that did not
// stop processing.
func (s *ProcessState) Warnings() []string {
	return s.warnings
}

func (s *ProcessState) warn(format string, args ...interface{}) {
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
}

// Process walks every thread of snap. Threads are walked concurrently
// and share opts.Symbols, so each module's symbols are fetched once.
// Short or partial stacks are normal results; only a snapshot without
// threads is an error.
func Process(ctx context.Context, snap *Snapshot, opts Options) (*ProcessState, error) {
	if snap == nil || len(snap.Threads) == 0 {
		return nil, ErrNoThreads
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &ProcessState{Arch: snap.Arch, RequestingThread: -1}
	if snap.Modules.Len() == 0 {
		s.warn("snapshot has no modules; frames cannot be symbolicated")
	}

	var d disasm.Disassembler
	if snap.Code != nil && snap.Arch != nil {
		d = disasm.New(snap.Arch, snap.Code)
	}
	walker := stackwalk.NewWalker(cfg.Walker, snap.Modules, opts.Symbols, d, logger, opts.Registerer)

	crashIndex := -1
	if c := snap.Crash; c != nil {
		s.Crashed, s.CrashReason, s.CrashAddress = true, c.Reason, c.Address
		for i, t := range snap.Threads {
			if t.ID == c.ThreadID {
				crashIndex = i
				break
			}
		}
		if crashIndex < 0 {
			s.warn("crashing thread %d not found", c.ThreadID)
		}
	}
	switch {
	case crashIndex >= 0:
		s.RequestingThread = crashIndex
	case opts.RequestingThread >= 0 && opts.RequestingThread < len(snap.Threads):
		s.RequestingThread = opts.RequestingThread
	case opts.RequestingThread >= len(snap.Threads):
		s.warn("requesting thread %d out of range", opts.RequestingThread)
	}

	threads := make([]*core.Thread, len(snap.Threads))
	for i, t := range snap.Threads {
		threads[i] = t
		if t.Context == nil {
			s.warn("thread %d has no register context", t.ID)
		} else if snap.Arch != nil && t.Context.Arch() != snap.Arch {
			s.warn("thread %d context is %s, snapshot is %s", t.ID, t.Context.Arch(), snap.Arch)
		}
		if i == crashIndex && snap.Crash.Context != nil {
			tc := *t
			tc.Context = snap.Crash.Context
			threads[i] = &tc
		}
	}

	s.Threads = make([]*stackwalk.Stack, len(threads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, t := range threads {
		i, t := i, t
		g.Go(func() error {
			s.Threads[i] = walker.Walk(gctx, t)
			return nil
		})
	}
	// Walks never fail; Wait only collects them.
	_ = g.Wait()

	for i, st := range s.Threads {
		if st.Truncated {
			s.warn("thread %d: %s", threads[i].ID, st.Info)
		}
	}
	for _, m := range snap.Modules.Modules() {
		ms := ModuleState{Module: m}
		if opts.Symbols != nil {
			ms.Status = opts.Symbols.Status(m.Key())
		}
		s.Modules = append(s.Modules, ms)
	}
	level.Debug(logger).Log("msg", "processed snapshot", "threads", len(s.Threads), "modules", len(s.Modules), "warnings", len(s.warnings))
	return s, nil
}
