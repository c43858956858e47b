// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package synth builds synthetic memory images for tests.
//
// A Section is an append-only byte buffer with a start address.
// Values may refer to Labels whose addresses are only known once the
// whole section has been laid out; they are patched in by Finish.
//
//	var frame1 synth.Label
//	s := synth.NewSection(arch.AMD64, 0x7fff0000)
//	s.PtrLabel(&frame1, 0) // saved frame pointer
//	s.Ptr(0x401234)        // return address
//	s.Mark(&frame1)
package synth

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
)

// A Label names an address that may be resolved after it is referenced.
type Label struct {
	value uint64
	set   bool
}

// Set resolves l to v.
func (l *Label) Set(v uint64) {
	l.value = v
	l.set = true
}

// Value returns l's value, if resolved.
func (l *Label) Value() (uint64, bool) {
	return l.value, l.set
}

type fixup struct {
	off   int
	size  int
	label *Label
	add   int64
	order binary.ByteOrder
}

// A Section is a synthetic chunk of memory.
type Section struct {
	arch   *arch.Architecture
	order  binary.ByteOrder
	start  uint64
	buf    []byte
	fixups []fixup
}

// NewSection returns an empty section for a that will live at start.
func NewSection(a *arch.Architecture, start uint64) *Section {
	return &Section{arch: a, order: a.ByteOrder, start: start}
}

// WithByteOrder switches the byte order used for subsequent values.
func (s *Section) WithByteOrder(order binary.ByteOrder) *Section {
	s.order = order
	return s
}

// Start returns the address of the first byte of the section.
func (s *Section) Start() uint64 {
	return s.start
}

// Here returns the address just past the last appended byte.
func (s *Section) Here() uint64 {
	return s.start + uint64(len(s.buf))
}

// Size returns the number of bytes appended so far.
func (s *Section) Size() int {
	return len(s.buf)
}

// Mark resolves l to the current address.
func (s *Section) Mark(l *Label) *Section {
	l.Set(s.Here())
	return s
}

// Append appends raw bytes.
func (s *Section) Append(b []byte) *Section {
	s.buf = append(s.buf, b...)
	return s
}

// Repeat appends n copies of b.
func (s *Section) Repeat(b byte, n int) *Section {
	for i := 0; i < n; i++ {
		s.buf = append(s.buf, b)
	}
	return s
}

// Align pads with zeros up to a multiple of n bytes from address zero.
func (s *Section) Align(n int) *Section {
	for s.Here()%uint64(n) != 0 {
		s.buf = append(s.buf, 0)
	}
	return s
}

func (s *Section) D8(v uint8) *Section {
	s.buf = append(s.buf, v)
	return s
}

func (s *Section) D16(v uint16) *Section {
	var b [2]byte
	s.order.PutUint16(b[:], v)
	return s.Append(b[:])
}

func (s *Section) D32(v uint32) *Section {
	var b [4]byte
	s.order.PutUint32(b[:], v)
	return s.Append(b[:])
}

func (s *Section) D64(v uint64) *Section {
	var b [8]byte
	s.order.PutUint64(b[:], v)
	return s.Append(b[:])
}

// Ptr appends a pointer-sized word.
func (s *Section) Ptr(v uint64) *Section {
	if s.arch.PointerSize == 4 {
		return s.D32(uint32(v))
	}
	return s.D64(v)
}

// PtrLabel appends a pointer-sized word holding l+add, patched on Finish.
func (s *Section) PtrLabel(l *Label, add int64) *Section {
	s.fixups = append(s.fixups, fixup{off: len(s.buf), size: s.arch.PointerSize, label: l, add: add, order: s.order})
	return s.Ptr(0)
}

// Finish patches label references and returns the contents.
func (s *Section) Finish() ([]byte, error) {
	for _, f := range s.fixups {
		v, ok := f.label.Value()
		if !ok {
			return nil, fmt.Errorf("label referenced at offset %d never resolved", f.off)
		}
		v += uint64(f.add)
		switch f.size {
		case 4:
			f.order.PutUint32(s.buf[f.off:], uint32(v))
		case 8:
			f.order.PutUint64(s.buf[f.off:], v)
		}
	}
	return s.buf, nil
}

// Region finishes the section and wraps it as captured memory.
func (s *Section) Region() (*core.MemoryRegion, error) {
	b, err := s.Finish()
	if err != nil {
		return nil, err
	}
	return core.NewRegion(core.Address(s.start), b), nil
}

// Memory finishes the section and returns it as a one-region memory image.
func (s *Section) Memory() (*core.Memory, error) {
	r, err := s.Region()
	if err != nil {
		return nil, err
	}
	return core.NewMemory(s.arch, r)
}
