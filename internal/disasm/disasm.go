// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disasm decodes single machine instructions from snapshot
// memory. The stack walker uses it to check that a candidate return
// address follows a call instruction.
package disasm

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
)

// ErrUnsupported is returned for architectures or encodings the
// decoder does not handle.
var ErrUnsupported = errors.New("unsupported instruction set")

// Info describes one decoded instruction.
type Info struct {
	Addr   core.Address
	Len    int
	Text   string
	IsCall bool
	IsRet  bool
}

// A Disassembler decodes the instruction at addr inside module m.
type Disassembler interface {
	InstructionAt(m *core.Module, addr core.Address) (Info, error)
}

// A Decoder reads code bytes from memory captured in the snapshot.
type Decoder struct {
	arch *arch.Architecture
	code core.MemoryReader
}

// New returns a Decoder for code in mem.
func New(a *arch.Architecture, mem core.MemoryReader) *Decoder {
	return &Decoder{arch: a, code: mem}
}

// maxInstLen is the longest x86 instruction.
const maxInstLen = 15

func (d *Decoder) InstructionAt(m *core.Module, addr core.Address) (Info, error) {
	if m != nil && !m.Contains(addr) {
		return Info{}, fmt.Errorf("%s is outside %s", addr, m)
	}
	switch d.arch {
	case arch.AMD64, arch.X86:
		n := maxInstLen
		if m != nil {
			n = int(min(uint64(n), uint64(m.End().Sub(addr))))
		}
		for ; n > 0; n-- {
			if d.code.Readable(addr, int64(n)) {
				break
			}
		}
		if n == 0 {
			return Info{}, &core.MemoryError{Addr: addr, Size: 1}
		}
		buf := make([]byte, n)
		if err := d.code.ReadAt(buf, addr); err != nil {
			return Info{}, err
		}
		return d.decodeX86(buf, addr)
	case arch.ARM64, arch.ARM:
		buf := make([]byte, 4)
		if err := d.code.ReadAt(buf, addr); err != nil {
			return Info{}, err
		}
		if d.arch == arch.ARM64 {
			return decodeARM64(buf, addr)
		}
		return decodeARM(buf, addr)
	}
	return Info{}, ErrUnsupported
}

func (d *Decoder) decodeX86(buf []byte, addr core.Address) (Info, error) {
	mode := 64
	if d.arch == arch.X86 {
		mode = 32
	}
	inst, err := x86asm.Decode(buf, mode)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Addr:   addr,
		Len:    inst.Len,
		Text:   x86asm.GoSyntax(inst, uint64(addr), nil),
		IsCall: inst.Op == x86asm.CALL || inst.Op == x86asm.LCALL,
		IsRet:  inst.Op == x86asm.RET || inst.Op == x86asm.LRET,
	}, nil
}

func decodeARM64(buf []byte, addr core.Address) (Info, error) {
	inst, err := arm64asm.Decode(buf)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Addr:   addr,
		Len:    4,
		Text:   arm64asm.GNUSyntax(inst),
		IsCall: inst.Op == arm64asm.BL || inst.Op == arm64asm.BLR,
		IsRet:  inst.Op == arm64asm.RET,
	}, nil
}

func decodeARM(buf []byte, addr core.Address) (Info, error) {
	if addr&1 != 0 {
		// Thumb code.
		return Info{}, ErrUnsupported
	}
	inst, err := armasm.Decode(buf, armasm.ModeARM)
	if err != nil {
		return Info{}, err
	}
	op := inst.Op.String()
	return Info{
		Addr:   addr,
		Len:    inst.Len,
		Text:   armasm.GNUSyntax(inst),
		IsCall: strings.HasPrefix(op, "BL"),
	}, nil
}

// CallPrecedes reports whether the instruction ending at ra is a call.
// known is false when d cannot tell, because the code bytes were not
// captured or the instruction set is not supported; callers should
// then not hold it against ra.
func CallPrecedes(d Disassembler, m *core.Module, ra core.Address) (call, known bool) {
	if d == nil || m == nil || ra <= m.Base || !m.Contains(ra-1) {
		return false, false
	}
	if isFixedWidth(d) {
		if ra.Sub(m.Base) < 4 {
			return false, true
		}
		info, err := d.InstructionAt(m, ra.Add(-4))
		if err != nil {
			return false, isDecodeError(err)
		}
		return info.IsCall, true
	}
	// Variable-length encodings: look for a call of each possible length.
	for n := int64(2); n <= 7 && ra.Sub(m.Base) >= n; n++ {
		info, err := d.InstructionAt(m, ra.Add(-n))
		if err != nil {
			known = known || isDecodeError(err)
			continue
		}
		known = true
		if info.IsCall && int64(info.Len) == n {
			return true, true
		}
	}
	return false, known
}

func isFixedWidth(d Disassembler) bool {
	dec, ok := d.(*Decoder)
	return ok && (dec.arch == arch.ARM64 || dec.arch == arch.ARM)
}

// isDecodeError reports whether err means the bytes were read but do
// not form an instruction.
func isDecodeError(err error) bool {
	return !errors.Is(err, core.ErrOutOfBounds) && !errors.Is(err, ErrUnsupported)
}
