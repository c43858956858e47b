// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfi

import "sort"

// An Entry holds the rules for one function: the rules in effect at
// its first instruction and the changes that apply from later
// addresses on.
type Entry struct {
	Start  uint64
	Size   uint64
	Init   []Rule
	Deltas []Delta // sorted by Addr
}

// A Delta replaces or adds rules from Addr onwards.
type Delta struct {
	Addr  uint64
	Rules []Rule
}

// A Table maps module-relative addresses to programs.
type Table struct {
	entries []*Entry
	sorted  bool
}

// Add adds an entry. Entries may be added in any order.
func (t *Table) Add(e *Entry) {
	t.entries = append(t.entries, e)
	t.sorted = false
}

// AddDelta attaches rules to the most recently added entry.
// It reports false if there is no entry or addr lies outside it.
func (t *Table) AddDelta(addr uint64, rules []Rule) bool {
	if len(t.entries) == 0 {
		return false
	}
	e := t.entries[len(t.entries)-1]
	if addr < e.Start || addr-e.Start >= e.Size {
		return false
	}
	e.Deltas = append(e.Deltas, Delta{Addr: addr, Rules: rules})
	return true
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Seal sorts the table. It must be called before the table is shared
// between goroutines.
func (t *Table) Seal() {
	if t.sorted {
		return
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].Start < t.entries[j].Start
	})
	for _, e := range t.entries {
		sort.SliceStable(e.Deltas, func(i, j int) bool {
			return e.Deltas[i].Addr < e.Deltas[j].Addr
		})
	}
	t.sorted = true
}

// Find returns the entry covering rva, or nil.
func (t *Table) Find(rva uint64) *Entry {
	if t == nil {
		return nil
	}
	if !t.sorted {
		t.Seal()
	}
	// Last entry starting at or before rva.
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Start > rva
	}) - 1
	if i < 0 {
		return nil
	}
	e := t.entries[i]
	if rva-e.Start >= e.Size {
		return nil
	}
	return e
}

// ProgramFor returns the program in effect at rva, or nil if no entry
// covers it.
func (t *Table) ProgramFor(rva uint64) *Program {
	e := t.Find(rva)
	if e == nil {
		return nil
	}
	rules := append([]Rule(nil), e.Init...)
	for _, d := range e.Deltas {
		if d.Addr > rva {
			break
		}
		rules = merge(rules, d.Rules)
	}
	return &Program{Start: e.Start, Size: e.Size, Rules: rules}
}

// merge applies updates to rules. A rule for a register that already
// has one replaces it in place, so authored order is kept; new
// registers are appended.
func merge(rules, updates []Rule) []Rule {
	for _, u := range updates {
		replaced := false
		for i := range rules {
			if rules[i].Register == u.Register {
				rules[i] = u
				replaced = true
				break
			}
		}
		if !replaced {
			rules = append(rules, u)
		}
	}
	return rules
}
