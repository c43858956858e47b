// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stackwalk

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/disasm"
	"golang.org/x/stackwalk/internal/symbols"
	"golang.org/x/stackwalk/internal/symbols/breakpad"
	"golang.org/x/stackwalk/internal/synth"
)

// The test process has one module with three functions:
// leaf at 0x401000, caller at 0x402000 and main at 0x403000.
const appSyms = `MODULE Linux x86_64 ABC123 app
FUNC 1000 100 0 leaf
FUNC 2000 100 0 caller
FUNC 3000 100 0 main
STACK CFI INIT 1000 100 .cfa: $rsp 16 + .ra: .cfa -8 + ^ $rbp: .cfa -16 + ^
`

// Same, but leaf's unwind rules forget the return address.
const brokenSyms = `MODULE Linux x86_64 ABC123 app
FUNC 1000 100 0 leaf
FUNC 2000 100 0 caller
FUNC 3000 100 0 main
STACK CFI INIT 1000 100 .cfa: $rsp 16 + $rbp: .cfa -16 + ^
`

func modules(t *testing.T) *core.ModuleList {
	t.Helper()
	ml, warnings := core.NewModuleList([]*core.Module{
		{Base: 0x400000, Size: 0x10000, CodeFile: "/bin/app", DebugFile: "app", DebugID: "ABC123"},
	})
	if len(warnings) > 0 {
		t.Fatal(warnings)
	}
	return ml
}

func cache(t *testing.T, syms string) *symbols.Cache {
	t.Helper()
	return symbols.NewCache(symbols.ProviderFunc(func(ctx context.Context, m *core.Module) (*symbols.Data, error) {
		return breakpad.Parse(strings.NewReader(syms))
	}), nil, nil)
}

func thread(t *testing.T, regs map[string]uint64, s *synth.Section) *core.Thread {
	t.Helper()
	c, err := core.NewContext(arch.AMD64, regs)
	if err != nil {
		t.Fatal(err)
	}
	mem, err := s.Memory()
	if err != nil {
		t.Fatal(err)
	}
	return &core.Thread{ID: 1, Context: c, Memory: mem}
}

// threeFrames returns a thread stopped in leaf, called from caller,
// called from main. leaf has pushed the frame pointer.
func threeFrames(t *testing.T) *core.Thread {
	s := synth.NewSection(arch.AMD64, 0x8000).
		Ptr(0x8030).   // leaf: saved rbp
		Ptr(0x402010). // leaf: return address into caller
		Repeat(0, 0x20).
		Ptr(0).        // caller: saved rbp, end of chain
		Ptr(0x403010). // caller: return address into main
		Repeat(0, 0x20)
	return thread(t, map[string]uint64{"rip": 0x401010, "rsp": 0x8000, "rbp": 0x8000}, s)
}

type want struct {
	pc    core.Address
	trust Trust
	fn    string
}

func check(t *testing.T, s *Stack, wants []want) {
	t.Helper()
	if len(s.Frames) != len(wants) {
		for i, f := range s.Frames {
			t.Logf("frame %d: %s (%s)", i, f, f.Trust)
		}
		t.Fatalf("got %d frames, want %d", len(s.Frames), len(wants))
	}
	for i, w := range wants {
		f := s.Frames[i]
		if f.PC() != w.pc || f.Trust != w.trust || f.Function() != w.fn {
			t.Errorf("frame %d = %s %s %q, want %s %s %q", i, f.PC(), f.Trust, f.Function(), w.pc, w.trust, w.fn)
		}
	}
}

func TestWalkCFI(t *testing.T) {
	reg := prometheus.NewRegistry()
	w := NewWalker(DefaultConfig(), modules(t), cache(t, appSyms), nil, nil, reg)
	s := w.Walk(context.Background(), threeFrames(t))
	check(t, s, []want{
		{0x401010, TrustContext, "leaf"},
		{0x402010, TrustCFI, "caller"},
		{0x403010, TrustFramePointer, "main"},
	})
	if s.Truncated || s.Info != "" {
		t.Errorf("Truncated = %t, Info = %q", s.Truncated, s.Info)
	}
	if fp, _ := s.Frames[1].Context.FP(); fp != 0x8030 {
		t.Errorf("frame 1 rbp = %s, want 0x8030", fp)
	}
	if got := testutil.ToFloat64(w.metrics.frames.WithLabelValues("call frame info")); got != 1 {
		t.Errorf("cfi frames = %v, want 1", got)
	}
}

func TestWalkCFIFallsBackToFramePointer(t *testing.T) {
	w := NewWalker(DefaultConfig(), modules(t), cache(t, brokenSyms), nil, nil, nil)
	s := w.Walk(context.Background(), threeFrames(t))
	check(t, s, []want{
		{0x401010, TrustContext, "leaf"},
		{0x402010, TrustFramePointer, "caller"},
		{0x403010, TrustFramePointer, "main"},
	})
}

func TestCFIReturnAddressOutsideModules(t *testing.T) {
	// leaf's rules recover 0xdeadbeef, which no module contains. The
	// frame pointer chain holds the same word, so only the scanner can
	// find caller.
	s := synth.NewSection(arch.AMD64, 0x8000).
		Ptr(0x8030).
		Ptr(0xdeadbeef).
		Ptr(0).
		Ptr(0x402010).
		Repeat(0, 0x40)
	th := thread(t, map[string]uint64{"rip": 0x401010, "rsp": 0x8000, "rbp": 0x8000}, s)
	w := NewWalker(DefaultConfig(), modules(t), cache(t, appSyms), nil, nil, nil)
	check(t, w.Walk(context.Background(), th), []want{
		{0x401010, TrustContext, "leaf"},
		{0x402010, TrustScan, "caller"},
	})
}

func TestWalkZeroStack(t *testing.T) {
	s := synth.NewSection(arch.AMD64, 0x8000).Repeat(0, 0x400)
	th := thread(t, map[string]uint64{"rip": 0x401010, "rsp": 0x8000, "rbp": 0x8000}, s)
	for _, c := range []*symbols.Cache{nil, cache(t, appSyms)} {
		w := NewWalker(DefaultConfig(), modules(t), c, nil, nil, nil)
		st := w.Walk(context.Background(), th)
		if len(st.Frames) != 1 {
			t.Errorf("walk over zeroed stack returned %d frames, want 1", len(st.Frames))
		}
	}
}

func TestFramePointerRejectsBackwardChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxScannedFrames = 0
	for _, test := range []struct {
		saved uint64
		ok    bool
	}{
		{0x8000, false}, // below the callee's stack pointer
		{0x8008, false}, // the callee's stack pointer
		{0x8018, false}, // inside the callee's frame
		{0x8020, true},
		{0x8038, true},
		{0x9000, false}, // not captured
		{0, true},
	} {
		s := synth.NewSection(arch.AMD64, 0x8000).
			Repeat(0, 0x10).
			Ptr(test.saved).
			Ptr(0x402010).
			Repeat(0, 0x20)
		th := thread(t, map[string]uint64{"rip": 0x401010, "rsp": 0x8008, "rbp": 0x8010}, s)
		w := NewWalker(cfg, modules(t), nil, nil, nil, nil)
		st := w.Walk(context.Background(), th)
		if got := len(st.Frames) == 2; got != test.ok {
			t.Errorf("saved frame pointer %#x: accepted = %t, want %t", test.saved, got, test.ok)
		}
	}

	// A frame pointer below the stack pointer is never followed.
	s := synth.NewSection(arch.AMD64, 0x8000).Ptr(0x8040).Ptr(0x402010).Repeat(0, 0x40)
	th := thread(t, map[string]uint64{"rip": 0x401010, "rsp": 0x8008, "rbp": 0x8000}, s)
	if st := NewWalker(cfg, modules(t), nil, nil, nil, nil).Walk(context.Background(), th); len(st.Frames) != 1 {
		t.Errorf("frame pointer below the stack pointer was followed")
	}
}

// notCalls claims no instruction is a call.
type notCalls struct{}

func (notCalls) InstructionAt(m *core.Module, addr core.Address) (disasm.Info, error) {
	return disasm.Info{Addr: addr, Len: 1}, nil
}

func TestDisassemblerVeto(t *testing.T) {
	cfg := DefaultConfig()
	w := NewWalker(cfg, modules(t), nil, notCalls{}, nil, nil)
	st := w.Walk(context.Background(), threeFrames(t))
	if len(st.Frames) != 1 {
		t.Errorf("got %d frames, want return addresses without a preceding call to be rejected", len(st.Frames))
	}
}

func TestScanWindow(t *testing.T) {
	// A return address 10 words above the stack pointer.
	s := synth.NewSection(arch.AMD64, 0x8000).
		Repeat(0, 10*8).
		Ptr(0x402010).
		Repeat(0, 0x1000)
	th := thread(t, map[string]uint64{"rip": 0x401010, "rsp": 0x8000}, s)

	cfg := DefaultConfig()
	cfg.ContextScanWindow = 10
	st := NewWalker(cfg, modules(t), nil, nil, nil, nil).Walk(context.Background(), th)
	if len(st.Frames) != 1 {
		t.Errorf("scan found a return address outside its window")
	}

	cfg.ContextScanWindow = 11
	st = NewWalker(cfg, modules(t), nil, nil, nil, nil).Walk(context.Background(), th)
	check(t, st, []want{
		{0x401010, TrustContext, ""},
		{0x402010, TrustScan, ""},
	})
	if sp := st.Frames[1].SP(); sp != 0x8058 {
		t.Errorf("scanned frame sp = %s, want 0x8058", sp)
	}

	cfg.MaxScannedFrames = 0
	st = NewWalker(cfg, modules(t), nil, nil, nil, nil).Walk(context.Background(), th)
	if len(st.Frames) != 1 {
		t.Errorf("scan ran with MaxScannedFrames = 0")
	}
}

func TestScanRestoresFramePointer(t *testing.T) {
	s := synth.NewSection(arch.AMD64, 0x8000).
		Repeat(0, 0x20).
		Ptr(0x8100).   // saved rbp
		Ptr(0x402010). // return address
		Repeat(0, 0x100)
	th := thread(t, map[string]uint64{"rip": 0x401010, "rsp": 0x8000, "rbp": 0x8020}, s)
	cfg := DefaultConfig()
	w := &walk{Walker: NewWalker(cfg, modules(t), nil, nil, nil, nil), ctx: context.Background(), mem: th.Memory}
	callee := &Frame{Context: th.Context, Trust: TrustContext}
	// The frame pointer strategy would find this frame too; call the
	// scanner directly.
	caller, ok := w.unwindScan(callee)
	if !ok {
		t.Fatal("scan failed")
	}
	if fp, _ := caller.FP(); fp != 0x8100 {
		t.Errorf("caller rbp = %s, want 0x8100", fp)
	}
	if caller.SP() != 0x8030 || caller.PC() != 0x402010 {
		t.Errorf("caller = %v", caller)
	}
}

func TestNoRepeatedPC(t *testing.T) {
	// The frame chain loops back to leaf's own program counter.
	s := synth.NewSection(arch.AMD64, 0x8000).
		Ptr(0x8010).Ptr(0x402010).
		Ptr(0x8020).Ptr(0x401010).
		Ptr(0x8030).Ptr(0x402010).
		Repeat(0, 0x40)
	th := thread(t, map[string]uint64{"rip": 0x401010, "rsp": 0x8000, "rbp": 0x8000}, s)
	st := NewWalker(DefaultConfig(), modules(t), nil, nil, nil, nil).Walk(context.Background(), th)
	seen := map[core.Address]bool{}
	for _, f := range st.Frames {
		if seen[f.PC()] {
			t.Errorf("program counter %s repeats", f.PC())
		}
		seen[f.PC()] = true
	}
	if len(st.Frames) != 2 || !strings.Contains(st.Info, "repeats frame 0") {
		t.Errorf("got %d frames, info %q", len(st.Frames), st.Info)
	}
}

func TestTruncation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrames = 2
	st := NewWalker(cfg, modules(t), cache(t, appSyms), nil, nil, nil).Walk(context.Background(), threeFrames(t))
	if len(st.Frames) != 2 || !st.Truncated || st.Info == "" {
		t.Errorf("got %d frames, truncated %t, info %q", len(st.Frames), st.Truncated, st.Info)
	}

	cfg.MaxFrames = 3
	st = NewWalker(cfg, modules(t), cache(t, appSyms), nil, nil, nil).Walk(context.Background(), threeFrames(t))
	if len(st.Frames) != 3 || st.Truncated {
		t.Errorf("got %d frames, truncated %t", len(st.Frames), st.Truncated)
	}
}

func TestFrameString(t *testing.T) {
	ml := modules(t)
	c, _ := core.NewContext(arch.AMD64, map[string]uint64{"rip": 0x402014, "rsp": 0x8000})
	f := &Frame{Context: c, Trust: TrustCFI, Module: ml.Find(0x402013),
		Symbol: &symbols.Symbol{Function: "caller", FunctionBase: 0x2000, File: "app.c", Line: 7}}
	if got, want := f.String(), "app!caller + 0x14 [app.c : 7]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if f.Instruction() != 0x402013 {
		t.Errorf("Instruction() = %s, want 0x402013", f.Instruction())
	}
	f.Symbol = nil
	if got, want := f.String(), "app + 0x2014"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
