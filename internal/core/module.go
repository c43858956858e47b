// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// A Module is a code module (executable or shared library) loaded
// into the crashed process.
type Module struct {
	Base Address
	Size uint64

	// CodeFile is the path of the module as loaded by the process.
	CodeFile string
	// DebugFile and DebugID identify the module's symbol file.
	DebugFile string
	DebugID   string
	Version   string
}

// End returns the address of the byte just beyond the module.
func (m *Module) End() Address {
	return m.Base.Add(int64(m.Size))
}

// Contains reports whether a lies in [Base, Base+Size).
func (m *Module) Contains(a Address) bool {
	return m != nil && a >= m.Base && uint64(a-m.Base) < m.Size
}

// Name returns the base name of the module's code file.
func (m *Module) Name() string {
	if m.CodeFile == "" {
		return m.DebugFile
	}
	// Windows paths show up in snapshots taken on other hosts.
	name := m.CodeFile
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	return path.Base(name)
}

// Key returns the identity used for symbol lookups.
func (m *Module) Key() ModuleKey {
	debugFile := m.DebugFile
	if debugFile == "" {
		debugFile = m.Name()
	}
	return ModuleKey{DebugFile: debugFile, DebugID: m.DebugID}
}

func (m *Module) String() string {
	return fmt.Sprintf("%s [%s %s]", m.Name(), m.Base, m.End())
}

// A ModuleKey identifies the symbols for a module.
type ModuleKey struct {
	DebugFile string
	DebugID   string
}

func (k ModuleKey) String() string {
	return k.DebugFile + "/" + k.DebugID
}

// A ModuleList is an address-ordered set of non-overlapping modules.
// It is read-only once built and may be shared between goroutines.
type ModuleList struct {
	modules []*Module
}

// NewModuleList sorts modules by base address. Empty modules and
// modules overlapping an earlier one are dropped; a warning is returned
// for each.
func NewModuleList(modules []*Module) (*ModuleList, []string) {
	ms := make([]*Module, 0, len(modules))
	var warnings []string
	for _, m := range modules {
		if m == nil {
			continue
		}
		if m.Size == 0 || m.End() < m.Base {
			warnings = append(warnings, fmt.Sprintf("module %s has bad size %#x, ignoring", m.Name(), m.Size))
			continue
		}
		ms = append(ms, m)
	}
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].Base < ms[j].Base
	})
	kept := ms[:0]
	for _, m := range ms {
		if len(kept) > 0 {
			k := kept[len(kept)-1]
			if m.Base < k.End() {
				warnings = append(warnings, fmt.Sprintf("module %s overlaps %s, ignoring", m, k))
				continue
			}
		}
		kept = append(kept, m)
	}
	return &ModuleList{modules: kept}, warnings
}

// Modules returns the modules, sorted by base address.
func (l *ModuleList) Modules() []*Module {
	if l == nil {
		return nil
	}
	return l.modules
}

// Len returns the number of modules.
func (l *ModuleList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.modules)
}

// Find returns the module containing a, or nil.
func (l *ModuleList) Find(a Address) *Module {
	if l == nil {
		return nil
	}
	i := sort.Search(len(l.modules), func(i int) bool {
		return l.modules[i].End() > a
	})
	if i < len(l.modules) && l.modules[i].Contains(a) {
		return l.modules[i]
	}
	return nil
}
