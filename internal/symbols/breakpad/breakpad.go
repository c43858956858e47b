// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package breakpad parses Breakpad text symbol files.
//
// The records understood are MODULE, FILE, FUNC with its line records,
// PUBLIC, STACK CFI INIT and STACK CFI. INFO, INLINE, INLINE_ORIGIN and
// STACK WIN records are skipped.
package breakpad

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/stackwalk/internal/cfi"
	"golang.org/x/stackwalk/internal/symbols"
)

// A SyntaxError reports a malformed record.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

const maxLine = 1 << 20

type parser struct {
	d     *symbols.Data
	line  int
	files map[uint64]string
	fn    *symbols.Function
	// file numbers of fn's line records, resolved at the end
	pending []pendingLine
}

type pendingLine struct {
	fn   *symbols.Function
	idx  int
	file uint64
}

// Parse reads a symbol file. The returned data is not sealed.
func Parse(r io.Reader) (*symbols.Data, error) {
	p := &parser{d: new(symbols.Data), files: make(map[uint64]string)}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLine)
	for s.Scan() {
		p.line++
		if err := p.record(strings.TrimRight(s.Text(), "\r")); err != nil {
			return nil, err
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	for _, pl := range p.pending {
		pl.fn.Lines[pl.idx].File = p.files[pl.file]
	}
	return p.d, nil
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &SyntaxError{Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) record(line string) error {
	if line == "" {
		return nil
	}
	kw, rest, _ := strings.Cut(line, " ")
	switch kw {
	case "MODULE":
		f := strings.SplitN(rest, " ", 4)
		if len(f) != 4 {
			return p.errorf("MODULE record needs 4 fields")
		}
		p.d.OS, p.d.Arch, p.d.ID, p.d.Name = f[0], f[1], f[2], f[3]
		p.fn = nil
	case "INFO", "INLINE", "INLINE_ORIGIN":
		// Inline frames are not reported.
	case "FILE":
		f := strings.SplitN(rest, " ", 2)
		if len(f) != 2 {
			return p.errorf("FILE record needs 2 fields")
		}
		n, err := strconv.ParseUint(f[0], 10, 64)
		if err != nil {
			return p.errorf("bad file number %q", f[0])
		}
		p.files[n] = f[1]
	case "FUNC":
		return p.function(rest)
	case "PUBLIC":
		return p.public(rest)
	case "STACK":
		p.fn = nil
		return p.stack(rest)
	default:
		if p.fn == nil {
			return p.errorf("unknown record %q", kw)
		}
		return p.lineRecord(line)
	}
	return nil
}

func trimMulti(s string) string {
	if strings.HasPrefix(s, "m ") {
		return s[2:]
	}
	return s
}

func (p *parser) function(rest string) error {
	f := strings.SplitN(trimMulti(rest), " ", 4)
	if len(f) < 3 {
		return p.errorf("FUNC record needs at least 3 fields")
	}
	var v [3]uint64
	for i := range v {
		var err error
		if v[i], err = strconv.ParseUint(f[i], 16, 64); err != nil {
			return p.errorf("bad FUNC field %q", f[i])
		}
	}
	fn := &symbols.Function{Addr: v[0], Size: v[1], ParamSize: v[2]}
	if len(f) == 4 {
		fn.Name = f[3]
	}
	p.d.Functions = append(p.d.Functions, fn)
	p.fn = fn
	return nil
}

func (p *parser) lineRecord(line string) error {
	f := strings.Fields(line)
	if len(f) != 4 {
		return p.errorf("line record needs 4 fields")
	}
	addr, err1 := strconv.ParseUint(f[0], 16, 64)
	size, err2 := strconv.ParseUint(f[1], 16, 64)
	num, err3 := strconv.ParseInt(f[2], 10, 64)
	file, err4 := strconv.ParseUint(f[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return p.errorf("bad line record %q", line)
	}
	if num < 0 {
		// Some dump_syms versions emit negative line numbers for
		// compiler-generated code.
		num = 0
	}
	p.fn.Lines = append(p.fn.Lines, symbols.Line{Addr: addr, Size: size, Line: int(num)})
	p.pending = append(p.pending, pendingLine{fn: p.fn, idx: len(p.fn.Lines) - 1, file: file})
	return nil
}

func (p *parser) public(rest string) error {
	p.fn = nil
	f := strings.SplitN(trimMulti(rest), " ", 3)
	if len(f) < 2 {
		return p.errorf("PUBLIC record needs at least 2 fields")
	}
	addr, err := strconv.ParseUint(f[0], 16, 64)
	if err != nil {
		return p.errorf("bad PUBLIC address %q", f[0])
	}
	params, err := strconv.ParseUint(f[1], 16, 64)
	if err != nil {
		return p.errorf("bad PUBLIC parameter size %q", f[1])
	}
	pub := &symbols.Public{Addr: addr, ParamSize: params}
	if len(f) == 3 {
		pub.Name = f[2]
	}
	p.d.Publics = append(p.d.Publics, pub)
	return nil
}

func (p *parser) stack(rest string) error {
	kind, rest, _ := strings.Cut(rest, " ")
	switch kind {
	case "WIN":
		// TODO: evaluate STACK WIN programs for 32-bit Windows modules.
		return nil
	case "CFI":
	default:
		return p.errorf("unknown STACK record %q", kind)
	}
	if r, ok := strings.CutPrefix(rest, "INIT "); ok {
		f := strings.SplitN(r, " ", 3)
		if len(f) != 3 {
			return p.errorf("STACK CFI INIT record needs address, size and rules")
		}
		addr, err1 := strconv.ParseUint(f[0], 16, 64)
		size, err2 := strconv.ParseUint(f[1], 16, 64)
		if err1 != nil || err2 != nil {
			return p.errorf("bad STACK CFI INIT range %q %q", f[0], f[1])
		}
		rules, err := cfi.ParseRules(f[2])
		if err != nil {
			return p.errorf("%v", err)
		}
		p.d.CFI.Add(&cfi.Entry{Start: addr, Size: size, Init: rules})
		return nil
	}
	f := strings.SplitN(rest, " ", 2)
	if len(f) != 2 {
		return p.errorf("STACK CFI record needs address and rules")
	}
	addr, err := strconv.ParseUint(f[0], 16, 64)
	if err != nil {
		return p.errorf("bad STACK CFI address %q", f[0])
	}
	rules, err := cfi.ParseRules(f[1])
	if err != nil {
		return p.errorf("%v", err)
	}
	if !p.d.CFI.AddDelta(addr, rules) {
		return p.errorf("STACK CFI address %#x outside the preceding INIT record", addr)
	}
	return nil
}
