// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfsym builds symbol data directly from ELF files: function
// symbols from the symbol tables, source lines from DWARF and call
// frame information from .eh_frame or .debug_frame.
package elfsym

import (
	"context"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/symbols"
)

// Provider reads the module's code file. Paths are resolved under
// SysRoot when it is set, so snapshots from another machine can be
// symbolicated against a copy of its file system.
type Provider struct {
	SysRoot string
	Logger  log.Logger
}

func (p *Provider) Fetch(ctx context.Context, m *core.Module) (*symbols.Data, error) {
	if m.CodeFile == "" {
		return nil, symbols.NotFound(m, nil)
	}
	path := m.CodeFile
	if p.SysRoot != "" {
		path = filepath.Join(p.SysRoot, path)
	}
	f, err := elf.Open(path)
	if err != nil {
		var ferr *elf.FormatError
		if os.IsNotExist(err) || errors.As(err, &ferr) {
			return nil, symbols.NotFound(m, err)
		}
		return nil, err
	}
	defer f.Close()
	d, err := Load(f, p.Logger)
	if err != nil {
		return nil, symbols.Malformed(m, err)
	}
	return d, nil
}

// Load reads symbols, lines and unwind rules from f. Addresses in the
// result are relative to the lowest loadable segment. The logger may
// be nil.
func Load(f *elf.File, logger log.Logger) (*symbols.Data, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	base, ok := loadBase(f)
	if !ok {
		return nil, errors.New("no loadable segments")
	}
	d := &symbols.Data{OS: "Linux", Arch: f.Machine.String()}
	if err := readSymbols(f, base, d); err != nil {
		return nil, err
	}
	if dw, err := f.DWARF(); err == nil {
		if err := readLines(dw, base, d); err != nil {
			level.Debug(logger).Log("msg", "skipping line tables", "err", err)
		}
	}
	if err := readFrames(f, base, d); err != nil {
		level.Debug(logger).Log("msg", "skipping unwind tables", "err", err)
	}
	return d, nil
}

func loadBase(f *elf.File) (uint64, bool) {
	base, ok := uint64(0), false
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		v := p.Vaddr &^ (p.Align - 1)
		if p.Align == 0 {
			v = p.Vaddr
		}
		if !ok || v < base {
			base, ok = v, true
		}
	}
	return base, ok
}

func readSymbols(f *elf.File, base uint64, d *symbols.Data) error {
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		syms, err = f.DynamicSymbols()
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("reading symbols: %v", err)
	}
	seen := make(map[uint64]bool)
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value < base || s.Section == elf.SHN_UNDEF {
			continue
		}
		rva := s.Value - base
		if seen[rva] {
			continue
		}
		seen[rva] = true
		if s.Size == 0 {
			d.Publics = append(d.Publics, &symbols.Public{Addr: rva, Name: s.Name})
			continue
		}
		d.Functions = append(d.Functions, &symbols.Function{Addr: rva, Size: s.Size, Name: s.Name})
	}
	sort.Slice(d.Functions, func(i, j int) bool {
		return d.Functions[i].Addr < d.Functions[j].Addr
	})
	return nil
}

// readLines attaches DWARF line rows to the functions containing them.
// d.Functions must be sorted.
func readLines(dw *dwarf.Data, base uint64, d *symbols.Data) error {
	r := dw.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := dw.LineReader(e)
		if err != nil {
			return err
		}
		r.SkipChildren()
		if lr == nil {
			continue
		}
		var prev dwarf.LineEntry
		havePrev := false
		for {
			var le dwarf.LineEntry
			err := lr.Next(&le)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if havePrev && le.Address > prev.Address {
				addLine(d, base, prev, le.Address-prev.Address)
			}
			prev, havePrev = le, !le.EndSequence
		}
	}
}

func addLine(d *symbols.Data, base uint64, le dwarf.LineEntry, size uint64) {
	if le.Address < base || le.File == nil {
		return
	}
	rva := le.Address - base
	i := sort.Search(len(d.Functions), func(i int) bool {
		return d.Functions[i].Addr > rva
	}) - 1
	if i < 0 || rva-d.Functions[i].Addr >= d.Functions[i].Size {
		return
	}
	fn := d.Functions[i]
	if n := len(fn.Lines); n > 0 {
		last := &fn.Lines[n-1]
		if last.File == le.File.Name && last.Line == le.Line && last.Addr+last.Size == rva {
			last.Size += size
			return
		}
	}
	fn.Lines = append(fn.Lines, symbols.Line{Addr: rva, Size: size, File: le.File.Name, Line: le.Line})
}
