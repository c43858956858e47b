// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stackwalk

import (
	"github.com/go-kit/log/level"

	"golang.org/x/stackwalk/internal/core"
)

// A strategy recovers the caller of a frame. It reports false when it
// does not apply or its result fails validation.
type strategy struct {
	trust  Trust
	unwind func(w *walk, callee *Frame) (*core.RegisterContext, bool)
}

// ladder lists the strategies from most to least trusted. The first
// one that succeeds provides the caller frame.
var ladder = [...]strategy{
	{TrustCFI, (*walk).unwindCFI},
	{TrustFramePointer, (*walk).unwindFramePointer},
	{TrustScan, (*walk).unwindScan},
}

// caller runs the ladder for callee.
func (w *walk) caller(callee *Frame) (*core.RegisterContext, Trust) {
	for _, s := range ladder {
		if ctxt, ok := s.unwind(w, callee); ok {
			return ctxt, s.trust
		}
	}
	return nil, TrustNone
}

func (w *walk) unwindCFI(callee *Frame) (*core.RegisterContext, bool) {
	if callee.Module == nil || w.cache == nil {
		return nil, false
	}
	prog, ok := w.cache.CFI(w.ctx, callee.Module, callee.Instruction())
	if !ok {
		return nil, false
	}
	caller, err := prog.Evaluate(callee.Context, w.mem)
	if err != nil {
		level.Debug(w.logger).Log("msg", "cfi evaluation failed", "pc", callee.PC(), "program", prog, "err", err)
		return nil, false
	}
	// A recovered return address must still land in a loaded module.
	if pc := caller.PC(); pc != 0 && w.modules.Find(pc) == nil {
		level.Debug(w.logger).Log("msg", "cfi return address outside modules", "pc", callee.PC(), "ra", pc)
		return nil, false
	}
	return caller, true
}
