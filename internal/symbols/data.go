// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbols

import (
	"sort"

	"golang.org/x/stackwalk/internal/cfi"
)

// A Function is a function record. Addresses are relative to the
// module base.
type Function struct {
	Addr      uint64
	Size      uint64
	ParamSize uint64
	Name      string
	Lines     []Line // sorted by Addr
}

// A Line maps a range of instructions to a source line.
type Line struct {
	Addr uint64
	Size uint64
	File string
	Line int
}

// A Public is a public (exported or linker) symbol without size
// information. It covers addresses up to the next symbol.
type Public struct {
	Addr      uint64
	ParamSize uint64
	Name      string
}

// Data is the parsed debugging information for one module.
type Data struct {
	// OS, Arch, ID and Name come from the symbol file's header, if any.
	OS, Arch, ID, Name string

	Functions []*Function // sorted by Addr
	Publics   []*Public   // sorted by Addr
	CFI       cfi.Table
}

// Seal sorts the data for lookups. Data must be sealed before it is
// shared between goroutines; the Cache seals everything it stores.
func (d *Data) Seal() {
	sort.SliceStable(d.Functions, func(i, j int) bool {
		return d.Functions[i].Addr < d.Functions[j].Addr
	})
	for _, f := range d.Functions {
		sort.SliceStable(f.Lines, func(i, j int) bool {
			return f.Lines[i].Addr < f.Lines[j].Addr
		})
	}
	sort.SliceStable(d.Publics, func(i, j int) bool {
		return d.Publics[i].Addr < d.Publics[j].Addr
	})
	d.CFI.Seal()
}

// A Symbol describes the code at one address. Addresses are relative to
// the module base.
type Symbol struct {
	Function     string
	FunctionBase uint64
	ParamSize    uint64
	File         string // empty if unknown
	Line         int    // 0 if unknown
	LineBase     uint64
}

// Lookup returns the symbol for the module-relative address rva.
// Functions are preferred; otherwise the closest preceding public
// symbol is used, provided no function lies between the two.
func (d *Data) Lookup(rva uint64) (Symbol, bool) {
	i := sort.Search(len(d.Functions), func(i int) bool {
		return d.Functions[i].Addr > rva
	}) - 1
	if i >= 0 {
		f := d.Functions[i]
		if rva-f.Addr < f.Size {
			s := Symbol{Function: f.Name, FunctionBase: f.Addr, ParamSize: f.ParamSize}
			if l := f.line(rva); l != nil {
				s.File, s.Line, s.LineBase = l.File, l.Line, l.Addr
			}
			return s, true
		}
	}
	j := sort.Search(len(d.Publics), func(j int) bool {
		return d.Publics[j].Addr > rva
	}) - 1
	if j < 0 {
		return Symbol{}, false
	}
	p := d.Publics[j]
	if i >= 0 && d.Functions[i].Addr > p.Addr {
		// rva is past the end of a function that follows the public symbol.
		return Symbol{}, false
	}
	return Symbol{Function: p.Name, FunctionBase: p.Addr, ParamSize: p.ParamSize}, true
}

func (f *Function) line(rva uint64) *Line {
	i := sort.Search(len(f.Lines), func(i int) bool {
		return f.Lines[i].Addr > rva
	}) - 1
	if i < 0 {
		return nil
	}
	l := &f.Lines[i]
	if rva-l.Addr >= l.Size {
		return nil
	}
	return l
}
