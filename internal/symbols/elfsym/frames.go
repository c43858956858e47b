// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfsym

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/regnum"

	"golang.org/x/stackwalk/internal/cfi"
	"golang.org/x/stackwalk/internal/symbols"
)

// maxRowScan bounds the number of addresses examined for rule changes
// in one FDE. Larger functions only get their initial rules.
const maxRowScan = 1 << 16

func regNamer(m elf.Machine) (func(uint64) string, int, error) {
	lower := func(f func(uint64) string) func(uint64) string {
		return func(n uint64) string { return strings.ToLower(f(n)) }
	}
	switch m {
	case elf.EM_X86_64:
		return lower(regnum.AMD64ToName), 8, nil
	case elf.EM_386:
		return lower(regnum.I386ToName), 4, nil
	case elf.EM_AARCH64:
		return lower(regnum.ARM64ToName), 8, nil
	}
	return nil, 0, fmt.Errorf("no unwind support for %v", m)
}

func readFrames(f *elf.File, base uint64, d *symbols.Data) error {
	name, ptrSize, err := regNamer(f.Machine)
	if err != nil {
		return err
	}
	var fdes frame.FrameDescriptionEntries
	if s := f.Section(".eh_frame"); s != nil {
		data, err := s.Data()
		if err != nil {
			return err
		}
		if fdes, err = frame.Parse(data, f.ByteOrder, 0, ptrSize, s.Addr); err != nil {
			return err
		}
	}
	if s := f.Section(".debug_frame"); len(fdes) == 0 && s != nil {
		data, err := s.Data()
		if err != nil {
			return err
		}
		if fdes, err = frame.Parse(data, f.ByteOrder, 0, ptrSize, 0); err != nil {
			return err
		}
	}
	if len(fdes) == 0 {
		return errors.New("no frame description entries")
	}
	for _, fde := range fdes {
		if e := convertFDE(fde, base, name); e != nil {
			d.CFI.Add(e)
		}
	}
	return nil
}

// convertFDE turns the rows of fde into a table entry. It returns nil
// when the initial rules cannot be expressed.
func convertFDE(fde *frame.FrameDescriptionEntry, base uint64, name func(uint64) string) (e *cfi.Entry) {
	if fde.Begin() < base || fde.End() <= fde.Begin() {
		return nil
	}
	// Malformed instruction streams make delve panic.
	defer func() {
		if recover() != nil {
			e = nil
		}
	}()

	start, end := fde.Begin(), fde.End()
	init, ok := rowRules(fde.EstablishFrame(start), name)
	if !ok {
		return nil
	}
	rules, err := cfi.ParseRules(renderRules(init))
	if err != nil {
		return nil
	}
	e = &cfi.Entry{Start: start - base, Size: end - start, Init: rules}

	if end-start > maxRowScan {
		return e
	}
	prev := init
	for pc := start + 1; pc < end; pc++ {
		row, ok := rowRules(fde.EstablishFrame(pc), name)
		if !ok || sameRules(row, prev) {
			continue
		}
		// Registers that lost their rule are back to their callee value.
		for r := range prev {
			if _, ok := row[r]; !ok && !strings.HasPrefix(r, ".") {
				row[r] = "$" + r
			}
		}
		rules, err := cfi.ParseRules(renderRules(row))
		if err != nil {
			continue
		}
		e.Deltas = append(e.Deltas, cfi.Delta{Addr: pc - base, Rules: rules})
		prev = row
	}
	return e
}

// rowRules expresses one row of the unwind table as rule expressions
// keyed by register.
func rowRules(fc *frame.FrameContext, name func(uint64) string) (map[string]string, bool) {
	if fc == nil || fc.CFA.Rule != frame.RuleCFA {
		return nil, false
	}
	row := map[string]string{
		cfi.CFA: fmt.Sprintf("$%s %d +", name(fc.CFA.Reg), fc.CFA.Offset),
	}
	ra, hasRA := fc.Regs[fc.RetAddrReg]
	switch {
	case !hasRA:
		// The return address is still in its register (arm64 leaf functions).
		row[cfi.RA] = "$" + name(fc.RetAddrReg)
	case ra.Rule == frame.RuleUndefined:
		// Outermost frame.
		return nil, false
	default:
		x, ok := ruleExpr(ra, name)
		if !ok {
			return nil, false
		}
		row[cfi.RA] = x
	}
	for reg, r := range fc.Regs {
		if reg == fc.RetAddrReg {
			continue
		}
		if x, ok := ruleExpr(r, name); ok {
			row[name(reg)] = x
		}
	}
	return row, true
}

func ruleExpr(r frame.DWRule, name func(uint64) string) (string, bool) {
	switch r.Rule {
	case frame.RuleOffset:
		return fmt.Sprintf("%s %d + ^", cfi.CFA, r.Offset), true
	case frame.RuleValOffset:
		return fmt.Sprintf("%s %d +", cfi.CFA, r.Offset), true
	case frame.RuleRegister:
		return "$" + name(r.Reg), true
	}
	// Same-value and undefined registers need no rule; DWARF
	// expressions are not supported.
	return "", false
}

func sameRules(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// renderRules writes .cfa first, .ra second and the remaining registers
// in name order.
func renderRules(row map[string]string) string {
	regs := make([]string, 0, len(row))
	for r := range row {
		if r != cfi.CFA && r != cfi.RA {
			regs = append(regs, r)
		}
	}
	sort.Strings(regs)
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s %s: %s", cfi.CFA, row[cfi.CFA], cfi.RA, row[cfi.RA])
	for _, r := range regs {
		fmt.Fprintf(&b, " $%s: %s", r, row[r])
	}
	return b.String()
}
