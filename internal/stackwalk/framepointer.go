// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stackwalk

import (
	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/disasm"
)

// unwindFramePointer follows the conventional frame chain: the frame
// pointer addresses the caller's saved frame pointer, with the return
// address in the word above it.
func (w *walk) unwindFramePointer(callee *Frame) (*core.RegisterContext, bool) {
	a := callee.Context.Arch()
	ptr := int64(a.PointerSize)
	fp, ok := callee.Context.FP()
	sp := callee.SP()
	// fp == sp is a frame with no locals. Every frame pointer followed
	// from here is a saved one, which must reach past callerSP below,
	// so the chain climbs strictly above the current stack pointer.
	if !ok || fp < sp || fp.Add(2*ptr) < fp {
		return nil, false
	}
	savedFP, err := w.mem.ReadUintptr(fp)
	if err != nil {
		return nil, false
	}
	ra, err := w.mem.ReadUintptr(fp.Add(ptr))
	if err != nil {
		return nil, false
	}
	callerSP := fp.Add(2 * ptr)

	// The caller's frame lies above ours, so a non-zero saved frame
	// pointer must not point below the caller's stack pointer.
	if savedFP != 0 && (core.Address(savedFP) < callerSP || !w.mem.Readable(core.Address(savedFP), ptr)) {
		return nil, false
	}
	m := w.modules.Find(core.Address(ra))
	if m == nil {
		return nil, false
	}
	if call, known := disasm.CallPrecedes(w.disasm, m, core.Address(ra)); known && !call {
		return nil, false
	}
	return core.EmptyContext(a).
		With(a.FP, savedFP).
		With(a.SP, uint64(callerSP)).
		With(a.PC, ra), true
}
