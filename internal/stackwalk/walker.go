// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stackwalk reconstructs call stacks from a thread's registers
// and captured stack memory.
//
// Each caller frame is recovered by the first strategy that works, in
// order of decreasing reliability: call frame information from the
// module's symbols, the frame pointer chain, and finally a scan of the
// stack for something that looks like a return address. Frames are
// symbolicated as they are recovered, through the same cache that
// supplies the call frame information.
package stackwalk

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/disasm"
	"golang.org/x/stackwalk/internal/symbols"
)

// A Walker walks threads of one snapshot. It holds no per-thread state
// and may walk several threads concurrently.
type Walker struct {
	cfg     Config
	modules *core.ModuleList
	cache   *symbols.Cache
	disasm  disasm.Disassembler
	logger  log.Logger
	metrics *metrics
}

// NewWalker returns a walker for a process with the given modules.
// cache, d, logger and reg may be nil: without a cache frames are
// neither symbolicated nor unwound with call frame information, and
// without a disassembler return addresses are not checked against the
// preceding instruction.
func NewWalker(cfg Config, modules *core.ModuleList, cache *symbols.Cache, d disasm.Disassembler, logger log.Logger, reg prometheus.Registerer) *Walker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Walker{
		cfg:     cfg,
		modules: modules,
		cache:   cache,
		disasm:  d,
		logger:  logger,
		metrics: newMetrics(reg),
	}
}

// walk is the state of one thread's walk.
type walk struct {
	*Walker
	ctx     context.Context
	mem     core.MemoryReader
	logger  log.Logger
	scanned int
	seen    map[core.Address]int // frame index by PC
}

// Walk reconstructs the call stack of t, starting from t.Context.
// It always returns a stack; a walk that cannot get past the first
// frame returns just that frame.
func (wk *Walker) Walk(ctx context.Context, t *core.Thread) *Stack {
	start := time.Now()
	defer func() {
		wk.metrics.duration.Observe(time.Since(start).Seconds())
	}()

	s := &Stack{ThreadID: t.ID}
	if t.Context == nil {
		s.Info = "no register context"
		return s
	}
	w := &walk{
		Walker: wk,
		ctx:    ctx,
		mem:    t.Memory,
		logger: log.With(wk.logger, "thread", t.ID),
		seen:   make(map[core.Address]int),
	}
	f := w.frame(t.Context, TrustContext)
	for {
		w.seen[f.PC()] = len(s.Frames)
		s.Frames = append(s.Frames, f)
		ctxt, trust, info := w.next(f)
		if ctxt == nil {
			s.Info = info
			break
		}
		if len(s.Frames) >= wk.cfg.MaxFrames {
			s.Truncated = true
			s.Info = "frame limit reached"
			wk.metrics.truncated.Inc()
			level.Warn(w.logger).Log("msg", "stack truncated", "frames", len(s.Frames))
			break
		}
		f = w.frame(ctxt, trust)
	}
	return s
}

// next returns the registers of callee's caller, or nil at the end of
// the stack. A walk that ends because a program counter came up again
// also returns a description for Stack.Info; a cycle in the recovered
// frames would otherwise repeat until the frame limit.
func (w *walk) next(callee *Frame) (*core.RegisterContext, Trust, string) {
	ctxt, trust := w.caller(callee)
	if ctxt == nil {
		level.Debug(w.logger).Log("msg", "no unwinder applies", "pc", callee.PC(), "sp", callee.SP())
		return nil, TrustNone, ""
	}
	pc, sp := ctxt.PC(), ctxt.SP()
	if pc == 0 {
		return nil, TrustNone, ""
	}
	if sp <= callee.SP() {
		level.Debug(w.logger).Log("msg", "stack pointer did not advance", "trust", trust, "sp", sp, "callee_sp", callee.SP())
		return nil, TrustNone, ""
	}
	if i, ok := w.seen[pc]; ok {
		level.Debug(w.logger).Log("msg", "program counter repeats", "trust", trust, "pc", pc, "frame", i)
		return nil, TrustNone, fmt.Sprintf("program counter %s repeats frame %d", pc, i)
	}
	return ctxt, trust, ""
}

// frame builds and symbolicates a frame.
func (w *walk) frame(ctxt *core.RegisterContext, trust Trust) *Frame {
	f := &Frame{Context: ctxt, Trust: trust}
	f.Module = w.modules.Find(f.Instruction())
	if f.Module != nil && w.cache != nil {
		if sym, ok := w.cache.Resolve(w.ctx, f.Module, f.Instruction()); ok {
			f.Symbol = &sym
		}
	}
	w.metrics.frames.WithLabelValues(trust.String()).Inc()
	return f
}
