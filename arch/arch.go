// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch contains architecture-specific definitions.
package arch

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Architecture defines the architecture-specific details for a given machine.
type Architecture struct {
	// Name is the Go-style architecture name (amd64, 386, arm64, arm).
	Name string
	// PointerSize is the size of a pointer, in bytes.
	PointerSize int
	// ByteOrder is the byte order for ints and pointers.
	ByteOrder binary.ByteOrder

	// Registers lists the general purpose registers tracked in a
	// register context, in canonical order.
	Registers []string
	// PC, SP and FP name the program counter, stack pointer and
	// conventional frame pointer registers.
	PC, SP, FP string
	// CalleeSaved registers are preserved across calls. When a caller's
	// value is not recovered by an unwinder it is assumed unchanged.
	CalleeSaved []string
	// Aliases maps alternative spellings to canonical register names.
	Aliases map[string]string

	index map[string]int
}

func (a *Architecture) String() string {
	return a.Name
}

// Index returns the position of register name in a.Registers.
// Names are canonicalized first, so "$rsp" and "rsp" are the same register.
func (a *Architecture) Index(name string) (int, bool) {
	i, ok := a.index[a.Canonical(name)]
	return i, ok
}

// Canonical returns the canonical spelling of a register name.
func (a *Architecture) Canonical(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, "$"))
	if c, ok := a.Aliases[name]; ok {
		return c
	}
	return name
}

// Uintptr decodes a pointer-sized word from buf.
func (a *Architecture) Uintptr(buf []byte) uint64 {
	if len(buf) != a.PointerSize {
		panic("bad PointerSize")
	}
	switch a.PointerSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	}
	panic("no PointerSize")
}

// Mask truncates v to the pointer width.
func (a *Architecture) Mask(v uint64) uint64 {
	if a.PointerSize == 4 {
		return v & 0xffffffff
	}
	return v
}

func (a *Architecture) init() *Architecture {
	a.index = make(map[string]int, len(a.Registers))
	for i, r := range a.Registers {
		a.index[r] = i
	}
	return a
}

var AMD64 = (&Architecture{
	Name:        "amd64",
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	Registers: []string{
		"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip",
	},
	PC:          "rip",
	SP:          "rsp",
	FP:          "rbp",
	CalleeSaved: []string{"rbx", "rbp", "r12", "r13", "r14", "r15"},
}).init()

var X86 = (&Architecture{
	Name:        "386",
	PointerSize: 4,
	ByteOrder:   binary.LittleEndian,
	Registers:   []string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "eip"},
	PC:          "eip",
	SP:          "esp",
	FP:          "ebp",
	CalleeSaved: []string{"ebx", "esi", "edi", "ebp"},
}).init()

var ARM64 = (&Architecture{
	Name:        "arm64",
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	Registers: []string{
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
		"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
		"x24", "x25", "x26", "x27", "x28", "fp", "lr", "sp",
		"pc",
	},
	PC:          "pc",
	SP:          "sp",
	FP:          "fp",
	CalleeSaved: []string{"x19", "x20", "x21", "x22", "x23", "x24", "x25", "x26", "x27", "x28", "fp"},
	Aliases:     map[string]string{"x29": "fp", "x30": "lr", "x31": "sp"},
}).init()

var ARM = (&Architecture{
	Name:        "arm",
	PointerSize: 4,
	ByteOrder:   binary.LittleEndian,
	Registers: []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "fp", "r12", "sp", "lr", "pc",
	},
	PC:          "pc",
	SP:          "sp",
	FP:          "fp",
	CalleeSaved: []string{"r4", "r5", "r6", "r7", "r8", "r9", "r10", "fp"},
	Aliases:     map[string]string{"r11": "fp", "r13": "sp", "r14": "lr", "r15": "pc"},
}).init()

// ByName returns the architecture called name.
func ByName(name string) (*Architecture, error) {
	switch strings.ToLower(name) {
	case "amd64", "x86_64", "x86-64":
		return AMD64, nil
	case "386", "x86", "i386":
		return X86, nil
	case "arm64", "aarch64":
		return ARM64, nil
	case "arm":
		return ARM, nil
	}
	return nil, fmt.Errorf("unknown arch %s", name)
}
