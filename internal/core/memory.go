// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/stackwalk/arch"
)

// ErrOutOfBounds is wrapped by every MemoryError.
var ErrOutOfBounds = errors.New("address not in captured memory")

// A MemoryError reports a read outside the captured memory.
// Reads that start in one region and end in another also fail:
// regions are not assumed to be adjacent in the original process.
type MemoryError struct {
	Addr Address
	Size int64
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("can't read %d bytes at %s: %v", e.Size, e.Addr, ErrOutOfBounds)
}

func (e *MemoryError) Unwrap() error {
	return ErrOutOfBounds
}

// A MemoryRegion is a contiguous range of captured memory.
type MemoryRegion struct {
	base     Address
	contents []byte
}

// NewRegion returns a region holding data starting at base.
// The region keeps data; callers must not modify it afterwards.
func NewRegion(base Address, data []byte) *MemoryRegion {
	return &MemoryRegion{base: base, contents: data}
}

// Min returns the lowest address of the region.
func (r *MemoryRegion) Min() Address {
	return r.base
}

// Max returns the address of the byte just beyond the region.
func (r *MemoryRegion) Max() Address {
	return r.base.Add(int64(len(r.contents)))
}

// Size returns int64(Max-Min).
func (r *MemoryRegion) Size() int64 {
	return int64(len(r.contents))
}

// Contains reports whether the n bytes starting at a lie within r.
func (r *MemoryRegion) Contains(a Address, n int64) bool {
	if n < 0 || a < r.base {
		return false
	}
	off := uint64(a - r.base)
	return off <= uint64(len(r.contents)) && uint64(n) <= uint64(len(r.contents))-off
}

// ReadAt fills b with the bytes starting at a.
func (r *MemoryRegion) ReadAt(b []byte, a Address) error {
	n := int64(len(b))
	if !r.Contains(a, n) {
		return &MemoryError{Addr: a, Size: n}
	}
	copy(b, r.contents[a-r.base:])
	return nil
}

// A MemoryReader gives bounds-checked access to captured memory.
type MemoryReader interface {
	// ReadAt fills b with the bytes starting at a, or returns a *MemoryError.
	ReadAt(b []byte, a Address) error
	// ReadUintptr reads a pointer-sized word at a.
	ReadUintptr(a Address) (uint64, error)
	// Readable reports whether the n bytes starting at a are readable.
	Readable(a Address, n int64) bool
}

// Memory is the set of disjoint regions captured for one thread,
// typically its stack plus any adjacent regions.
type Memory struct {
	arch    *arch.Architecture
	regions []*MemoryRegion // sorted by base
}

// NewMemory returns the memory made up of regions.
// Overlapping regions are an error.
func NewMemory(a *arch.Architecture, regions ...*MemoryRegion) (*Memory, error) {
	rs := make([]*MemoryRegion, 0, len(regions))
	for _, r := range regions {
		if r == nil || r.Size() == 0 {
			continue
		}
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].base < rs[j].base
	})
	for i := 1; i < len(rs); i++ {
		if rs[i].base < rs[i-1].Max() {
			return nil, fmt.Errorf("memory region [%s %s] overlaps [%s %s]",
				rs[i].Min(), rs[i].Max(), rs[i-1].Min(), rs[i-1].Max())
		}
	}
	return &Memory{arch: a, regions: rs}, nil
}

// Arch returns the architecture used to decode words.
func (m *Memory) Arch() *arch.Architecture {
	return m.arch
}

// Region returns the region containing a, or nil.
func (m *Memory) Region(a Address) *MemoryRegion {
	if m == nil {
		return nil
	}
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].Max() > a
	})
	if i < len(m.regions) && m.regions[i].base <= a {
		return m.regions[i]
	}
	return nil
}

// Readable reports whether the n bytes starting at a are in one region.
func (m *Memory) Readable(a Address, n int64) bool {
	r := m.Region(a)
	return r != nil && r.Contains(a, n)
}

// ReadAt fills b with the bytes starting at a.
func (m *Memory) ReadAt(b []byte, a Address) error {
	r := m.Region(a)
	if r == nil {
		return &MemoryError{Addr: a, Size: int64(len(b))}
	}
	return r.ReadAt(b, a)
}

// ReadUint32 reads a 32-bit word at a.
func (m *Memory) ReadUint32(a Address) (uint32, error) {
	var buf [4]byte
	if err := m.ReadAt(buf[:], a); err != nil {
		return 0, err
	}
	return m.arch.ByteOrder.Uint32(buf[:]), nil
}

// ReadUint64 reads a 64-bit word at a.
func (m *Memory) ReadUint64(a Address) (uint64, error) {
	var buf [8]byte
	if err := m.ReadAt(buf[:], a); err != nil {
		return 0, err
	}
	return m.arch.ByteOrder.Uint64(buf[:]), nil
}

// ReadUintptr reads a pointer-sized word at a.
func (m *Memory) ReadUintptr(a Address) (uint64, error) {
	if m == nil {
		return 0, &MemoryError{Addr: a, Size: 8}
	}
	if m.arch.PointerSize == 4 {
		v, err := m.ReadUint32(a)
		return uint64(v), err
	}
	return m.ReadUint64(a)
}
