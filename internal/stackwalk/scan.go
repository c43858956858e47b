// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stackwalk

import (
	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/disasm"
)

// unwindScan searches the stack above the callee's stack pointer for a
// word that looks like a return address.
func (w *walk) unwindScan(callee *Frame) (*core.RegisterContext, bool) {
	if w.scanned >= w.cfg.MaxScannedFrames {
		return nil, false
	}
	window := w.cfg.ScanWindow
	if callee.Trust == TrustContext {
		window = w.cfg.ContextScanWindow
	}
	a := callee.Context.Arch()
	ptr := int64(a.PointerSize)
	start := callee.SP().Align(ptr)
	for i := 0; i < window; i++ {
		slot := start.Add(int64(i) * ptr)
		v, err := w.mem.ReadUintptr(slot)
		if err != nil {
			// Ran off the captured stack.
			return nil, false
		}
		ra := core.Address(v)
		m := w.modules.Find(ra)
		if m == nil {
			continue
		}
		if call, known := disasm.CallPrecedes(w.disasm, m, ra); known && !call {
			continue
		}
		w.scanned++
		callerSP := slot.Add(ptr)
		caller := core.EmptyContext(a).With(a.SP, uint64(callerSP)).With(a.PC, v)
		if fp, ok := w.callerFP(callee, slot, callerSP); ok {
			caller = caller.With(a.FP, uint64(fp))
		}
		return caller, true
	}
	return nil, false
}

// callerFP guesses the caller's frame pointer for a scanned frame whose
// return address was found at slot.
func (w *walk) callerFP(callee *Frame, slot, callerSP core.Address) (core.Address, bool) {
	fp, ok := callee.Context.FP()
	if !ok {
		return 0, false
	}
	a := callee.Context.Arch()
	if a == arch.AMD64 || a == arch.X86 {
		// Prologues push the caller's frame pointer right below the
		// return address and point the frame pointer at it.
		if fp == slot.Add(-int64(a.PointerSize)) {
			saved, err := w.mem.ReadUintptr(fp)
			if err != nil {
				return 0, false
			}
			return core.Address(saved), true
		}
	}
	// A frame pointer above the new frame may still be the caller's.
	if fp >= callerSP {
		return fp, true
	}
	return 0, false
}
