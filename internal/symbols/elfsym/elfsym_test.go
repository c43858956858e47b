// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfsym

import (
	"context"
	"debug/elf"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/regnum"
	"github.com/stretchr/testify/require"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/cfi"
	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/symbols"
	"golang.org/x/stackwalk/internal/synth"
)

func amd64Name(n uint64) string {
	return strings.ToLower(regnum.AMD64ToName(n))
}

func TestRowRules(t *testing.T) {
	fc := &frame.FrameContext{
		CFA: frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.AMD64_Rsp, Offset: 16},
		Regs: map[uint64]frame.DWRule{
			regnum.AMD64_Rip: {Rule: frame.RuleOffset, Offset: -8},
			regnum.AMD64_Rbp: {Rule: frame.RuleOffset, Offset: -16},
			regnum.AMD64_Rbx: {Rule: frame.RuleSameVal},
		},
		RetAddrReg: regnum.AMD64_Rip,
	}
	row, ok := rowRules(fc, amd64Name)
	require.True(t, ok)
	text := renderRules(row)
	require.Equal(t, ".cfa: $rsp 16 + .ra: .cfa -8 + ^ $rbp: .cfa -16 + ^", text)

	// The converted rules unwind a frame built the way the row describes.
	rules, err := cfi.ParseRules(text)
	require.NoError(t, err)
	mem, err := synth.NewSection(arch.AMD64, 0x7000).Ptr(0x7100).Ptr(0x401000).Memory()
	require.NoError(t, err)
	callee, err := core.NewContext(arch.AMD64, map[string]uint64{"rip": 0x400100, "rsp": 0x7000, "rbp": 0x7000})
	require.NoError(t, err)
	caller, err := (&cfi.Program{Rules: rules}).Evaluate(callee, mem)
	require.NoError(t, err)
	require.EqualValues(t, 0x401000, caller.PC())
	require.EqualValues(t, 0x7010, caller.SP())
	fp, _ := caller.FP()
	require.EqualValues(t, 0x7100, fp)
}

func TestRowRulesOutermost(t *testing.T) {
	fc := &frame.FrameContext{
		CFA:        frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.AMD64_Rsp, Offset: 8},
		Regs:       map[uint64]frame.DWRule{regnum.AMD64_Rip: {Rule: frame.RuleUndefined}},
		RetAddrReg: regnum.AMD64_Rip,
	}
	_, ok := rowRules(fc, amd64Name)
	require.False(t, ok)

	fc.CFA = frame.DWRule{Rule: frame.RuleExpression, Expression: []byte{0x77}}
	_, ok = rowRules(fc, amd64Name)
	require.False(t, ok)
}

func TestRowRulesLeaf(t *testing.T) {
	name := func(n uint64) string { return strings.ToLower(regnum.ARM64ToName(n)) }
	fc := &frame.FrameContext{
		CFA:        frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.ARM64_SP, Offset: 0},
		Regs:       map[uint64]frame.DWRule{},
		RetAddrReg: regnum.ARM64_LR,
	}
	row, ok := rowRules(fc, name)
	require.True(t, ok)
	require.Equal(t, ".cfa: $sp 0 + .ra: $x30", renderRules(row))
}

func TestProviderNotFound(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notelf")
	require.NoError(t, os.WriteFile(text, []byte("hello"), 0o644))

	p := &Provider{SysRoot: dir}
	for _, m := range []*core.Module{
		{CodeFile: ""},
		{CodeFile: "/missing"},
		{CodeFile: "/notelf"},
	} {
		_, err := p.Fetch(context.Background(), m)
		require.True(t, symbols.IsNotFound(err), "Fetch(%q) = %v", m.CodeFile, err)
	}
}

func TestLoadSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := elf.Open(exe)
	require.NoError(t, err)
	defer f.Close()

	d, err := Load(f, nil)
	require.NoError(t, err)
	if len(d.Functions) == 0 {
		t.Skip("test binary is stripped")
	}
	d.Seal()

	var fn *symbols.Function
	for _, f := range d.Functions {
		if strings.HasSuffix(f.Name, "elfsym.TestLoadSelf") {
			fn = f
		}
	}
	require.NotNil(t, fn)
	s, ok := d.Lookup(fn.Addr + 1)
	require.True(t, ok)
	require.Equal(t, fn.Name, s.Function)
	if _, err := f.DWARF(); err == nil && len(fn.Lines) > 0 {
		require.True(t, strings.HasSuffix(fn.Lines[0].File, "elfsym_test.go"), fn.Lines[0].File)
	}
}
