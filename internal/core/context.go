// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"strings"

	"golang.org/x/stackwalk/arch"
)

// A RegisterContext holds the values of the general purpose registers
// of one frame. Contexts are immutable; With returns a modified copy.
// Registers that were never set are invalid and read as absent.
type RegisterContext struct {
	arch  *arch.Architecture
	vals  []uint64
	valid uint64 // bit i set if vals[i] is known
}

// NewContext builds a context from named register values.
// Names are canonicalized by the architecture; the program counter and
// stack pointer must be present.
func NewContext(a *arch.Architecture, regs map[string]uint64) (*RegisterContext, error) {
	c := EmptyContext(a)
	for name, v := range regs {
		i, ok := a.Index(name)
		if !ok {
			return nil, fmt.Errorf("unknown %s register %q", a, name)
		}
		c.vals[i] = a.Mask(v)
		c.valid |= 1 << uint(i)
	}
	if _, ok := c.Get(a.PC); !ok {
		return nil, fmt.Errorf("context has no %s register", a.PC)
	}
	if _, ok := c.Get(a.SP); !ok {
		return nil, fmt.Errorf("context has no %s register", a.SP)
	}
	return c, nil
}

// EmptyContext returns a context with no valid registers.
func EmptyContext(a *arch.Architecture) *RegisterContext {
	return &RegisterContext{arch: a, vals: make([]uint64, len(a.Registers))}
}

// Arch returns the architecture of the context.
func (c *RegisterContext) Arch() *arch.Architecture {
	return c.arch
}

// Get returns the value of the named register.
func (c *RegisterContext) Get(name string) (uint64, bool) {
	i, ok := c.arch.Index(name)
	if !ok || c.valid&(1<<uint(i)) == 0 {
		return 0, false
	}
	return c.vals[i], true
}

// PC returns the program counter.
func (c *RegisterContext) PC() Address {
	v, _ := c.Get(c.arch.PC)
	return Address(v)
}

// SP returns the stack pointer.
func (c *RegisterContext) SP() Address {
	v, _ := c.Get(c.arch.SP)
	return Address(v)
}

// FP returns the conventional frame pointer, if known.
func (c *RegisterContext) FP() (Address, bool) {
	v, ok := c.Get(c.arch.FP)
	return Address(v), ok
}

// With returns a copy of c with the named register set to v.
// Registers the architecture doesn't track are ignored.
func (c *RegisterContext) With(name string, v uint64) *RegisterContext {
	i, ok := c.arch.Index(name)
	if !ok {
		return c
	}
	n := &RegisterContext{arch: c.arch, vals: make([]uint64, len(c.vals)), valid: c.valid}
	copy(n.vals, c.vals)
	n.vals[i] = c.arch.Mask(v)
	n.valid |= 1 << uint(i)
	return n
}

// Valid returns the names of the known registers in canonical order.
func (c *RegisterContext) Valid() []string {
	var names []string
	for i, r := range c.arch.Registers {
		if c.valid&(1<<uint(i)) != 0 {
			names = append(names, r)
		}
	}
	return names
}

// Equal reports whether c and d hold the same registers and values.
func (c *RegisterContext) Equal(d *RegisterContext) bool {
	if c == nil || d == nil {
		return c == d
	}
	if c.arch != d.arch || c.valid != d.valid {
		return false
	}
	for i := range c.vals {
		if c.valid&(1<<uint(i)) != 0 && c.vals[i] != d.vals[i] {
			return false
		}
	}
	return true
}

func (c *RegisterContext) String() string {
	var b strings.Builder
	for i, r := range c.Valid() {
		if i > 0 {
			b.WriteByte(' ')
		}
		v, _ := c.Get(r)
		fmt.Fprintf(&b, "%s=%#x", r, v)
	}
	return b.String()
}
