// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stackwalk

import (
	"fmt"
	"strings"

	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/symbols"
)

// Trust records how a frame was recovered. Higher values are more
// reliable.
type Trust uint8

const (
	TrustNone Trust = iota
	TrustScan
	TrustFramePointer
	TrustCFI
	TrustContext
)

func (t Trust) String() string {
	switch t {
	case TrustScan:
		return "scan"
	case TrustFramePointer:
		return "frame pointer"
	case TrustCFI:
		return "call frame info"
	case TrustContext:
		return "context"
	}
	return "none"
}

// A Frame is one entry of a call stack.
type Frame struct {
	Context *core.RegisterContext
	Trust   Trust

	// Module contains Instruction(); nil if no module does. It points
	// into the walker's module list.
	Module *core.Module
	// Symbol describes Instruction(), with addresses relative to
	// Module.Base; nil if unknown.
	Symbol *symbols.Symbol
}

// PC returns the frame's program counter. For every frame but the
// first this is a return address.
func (f *Frame) PC() core.Address {
	return f.Context.PC()
}

// SP returns the frame's stack pointer.
func (f *Frame) SP() core.Address {
	return f.Context.SP()
}

// Instruction returns the address used to look the frame up. A return
// address points just past the call, possibly into the next function
// or line, so caller frames use the byte before it.
func (f *Frame) Instruction() core.Address {
	if f.Trust == TrustContext || f.PC() == 0 {
		return f.PC()
	}
	return f.PC() - 1
}

// Function returns the name of the frame's function, or "".
func (f *Frame) Function() string {
	if f.Symbol == nil {
		return ""
	}
	return f.Symbol.Function
}

func (f *Frame) String() string {
	var b strings.Builder
	if f.Module == nil {
		fmt.Fprintf(&b, "%s", f.PC())
		return b.String()
	}
	b.WriteString(f.Module.Name())
	if f.Symbol == nil {
		fmt.Fprintf(&b, " + %#x", uint64(f.PC().Sub(f.Module.Base)))
		return b.String()
	}
	fmt.Fprintf(&b, "!%s", f.Symbol.Function)
	if off := uint64(f.PC().Sub(f.Module.Base)) - f.Symbol.FunctionBase; off != 0 {
		fmt.Fprintf(&b, " + %#x", off)
	}
	if f.Symbol.File != "" {
		fmt.Fprintf(&b, " [%s : %d]", f.Symbol.File, f.Symbol.Line)
	}
	return b.String()
}

// A Stack is the result of walking one thread.
type Stack struct {
	ThreadID uint32
	Frames   []*Frame
	// Truncated is set when the walk stopped at the frame limit while
	// more frames could have been recovered.
	Truncated bool
	// Info describes why the walk stopped early, if it did.
	Info string
}
