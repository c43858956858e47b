// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package disasm

import (
	"testing"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/synth"
)

func code(t *testing.T, a *arch.Architecture, base uint64, b []byte) *core.Memory {
	t.Helper()
	m, err := synth.NewSection(a, base).Append(b).Memory()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCallPrecedesAMD64(t *testing.T) {
	mem := code(t, arch.AMD64, 0x401000, []byte{
		0x90, 0x90, 0x90, // nop x3
		0xe8, 0x00, 0x00, 0x00, 0x00, // call rel32
		0xff, 0xd0, // call *%rax
		0x90, // nop
		0xc3, // ret
	})
	mod := &core.Module{Base: 0x401000, Size: 0x100, CodeFile: "app"}
	d := New(arch.AMD64, mem)

	tests := []struct {
		ra          core.Address
		call, known bool
	}{
		{0x401008, true, true},  // after call rel32
		{0x40100a, true, true},  // after call *%rax
		{0x401003, false, true}, // after nops
		{0x40100b, false, true}, // after nop
		{0x401000, false, false},
		{0x401080, false, false}, // no code captured
		{0x402000, false, false}, // outside the module
	}
	for _, test := range tests {
		call, known := CallPrecedes(d, mod, test.ra)
		if call != test.call || known != test.known {
			t.Errorf("CallPrecedes(%s) = %t, %t, want %t, %t", test.ra, call, known, test.call, test.known)
		}
	}

	info, err := d.InstructionAt(mod, 0x40100b)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsRet || info.Len != 1 {
		t.Errorf("InstructionAt(ret) = %+v", info)
	}
	if _, err := d.InstructionAt(mod, 0x401100); err == nil {
		t.Errorf("InstructionAt outside the module succeeded")
	}
}

func TestCallPrecedesARM64(t *testing.T) {
	mem := code(t, arch.ARM64, 0x10000, []byte{
		0x00, 0x00, 0x00, 0x94, // bl .
		0x00, 0x00, 0x3f, 0xd6, // blr x0
		0xc0, 0x03, 0x5f, 0xd6, // ret
		0x1f, 0x20, 0x03, 0xd5, // nop
	})
	mod := &core.Module{Base: 0x10000, Size: 0x1000, CodeFile: "app"}
	d := New(arch.ARM64, mem)

	tests := []struct {
		ra          core.Address
		call, known bool
	}{
		{0x10004, true, true},
		{0x10008, true, true},
		{0x1000c, false, true},
		{0x10010, false, true},
		{0x10002, false, true},
		{0x20000, false, false},
	}
	for _, test := range tests {
		call, known := CallPrecedes(d, mod, test.ra)
		if call != test.call || known != test.known {
			t.Errorf("CallPrecedes(%s) = %t, %t, want %t, %t", test.ra, call, known, test.call, test.known)
		}
	}
}

func TestNilDisassembler(t *testing.T) {
	mod := &core.Module{Base: 0x1000, Size: 0x100}
	if call, known := CallPrecedes(nil, mod, 0x1010); call || known {
		t.Errorf("CallPrecedes with no disassembler = %t, %t", call, known)
	}
}
