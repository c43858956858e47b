// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package snapshot loads crash snapshots described by a YAML manifest.
//
// A manifest names the architecture, the loaded modules, each thread's
// registers and captured memory, and optionally the crash:
//
//	arch: amd64
//	modules:
//	  - {base: 0x400000, size: 0x10000, code_file: /bin/app, debug_file: app, debug_id: ABC123}
//	threads:
//	  - id: 1
//	    registers: {rip: 0x401010, rsp: 0x7ffc0000, rbp: 0x7ffc0010}
//	    memory:
//	      - {base: 0x7ffc0000, file: stack-1.bin}
//	code:
//	  - {base: 0x401000, hex: "e8000000005dc3"}
//	crash: {thread: 1, reason: SIGSEGV, address: 0x0}
//	requesting_thread: 0
//
// Memory files are resolved relative to the manifest and mapped
// read-only where the platform allows.
package snapshot

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/processor"
)

type manifest struct {
	Arch             string       `yaml:"arch"`
	Modules          []moduleSpec `yaml:"modules"`
	Threads          []threadSpec `yaml:"threads"`
	Code             []regionSpec `yaml:"code"`
	Crash            *crashSpec   `yaml:"crash"`
	RequestingThread *int         `yaml:"requesting_thread"`
}

type moduleSpec struct {
	Base      uint64 `yaml:"base"`
	Size      uint64 `yaml:"size"`
	CodeFile  string `yaml:"code_file"`
	DebugFile string `yaml:"debug_file"`
	DebugID   string `yaml:"debug_id"`
	Version   string `yaml:"version"`
}

type threadSpec struct {
	ID        uint32            `yaml:"id"`
	Name      string            `yaml:"name"`
	Registers map[string]uint64 `yaml:"registers"`
	Memory    []regionSpec      `yaml:"memory"`
}

type regionSpec struct {
	Base uint64 `yaml:"base"`
	File string `yaml:"file"`
	Hex  string `yaml:"hex"`
}

type crashSpec struct {
	Thread    uint32            `yaml:"thread"`
	Reason    string            `yaml:"reason"`
	Address   uint64            `yaml:"address"`
	Registers map[string]uint64 `yaml:"registers"`
}

// A Snapshot is a loaded snapshot. It must be closed to release mapped
// memory files.
type Snapshot struct {
	*processor.Snapshot
	// RequestingThread is the thread index recorded in the manifest,
	// or -1.
	RequestingThread int
	// Warnings lists problems in the manifest that were worked around.
	Warnings []string

	unmaps []func() error
}

// Load reads the manifest at path and the memory files it names.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot manifest")
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a manifest. Memory files are resolved relative to dir.
func Parse(data []byte, dir string) (s *Snapshot, err error) {
	var mf manifest
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, errors.Wrap(err, "decode snapshot manifest")
	}
	a, err := arch.ByName(mf.Arch)
	if err != nil {
		return nil, err
	}
	s = &Snapshot{Snapshot: &processor.Snapshot{Arch: a}, RequestingThread: -1}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	modules := make([]*core.Module, len(mf.Modules))
	for i, m := range mf.Modules {
		modules[i] = &core.Module{
			Base:      core.Address(m.Base),
			Size:      m.Size,
			CodeFile:  m.CodeFile,
			DebugFile: m.DebugFile,
			DebugID:   m.DebugID,
			Version:   m.Version,
		}
	}
	var warnings []string
	s.Modules, warnings = core.NewModuleList(modules)
	s.Warnings = append(s.Warnings, warnings...)

	for _, ts := range mf.Threads {
		t := &core.Thread{ID: ts.ID, Name: ts.Name}
		if t.Context, err = core.NewContext(a, ts.Registers); err != nil {
			return nil, errors.Wrapf(err, "thread %d", ts.ID)
		}
		if t.Memory, err = s.memory(a, dir, ts.Memory); err != nil {
			return nil, errors.Wrapf(err, "thread %d", ts.ID)
		}
		s.Threads = append(s.Threads, t)
	}
	if len(mf.Code) > 0 {
		code, err := s.memory(a, dir, mf.Code)
		if err != nil {
			return nil, errors.Wrap(err, "code")
		}
		s.Code = code
	}
	if c := mf.Crash; c != nil {
		s.Crash = &processor.CrashInfo{ThreadID: c.Thread, Reason: c.Reason, Address: core.Address(c.Address)}
		if len(c.Registers) > 0 {
			if s.Crash.Context, err = core.NewContext(a, c.Registers); err != nil {
				return nil, errors.Wrap(err, "crash context")
			}
		}
	}
	if rt := mf.RequestingThread; rt != nil {
		s.RequestingThread = *rt
	}
	return s, nil
}

func (s *Snapshot) memory(a *arch.Architecture, dir string, specs []regionSpec) (*core.Memory, error) {
	regions := make([]*core.MemoryRegion, 0, len(specs))
	for _, rs := range specs {
		var b []byte
		switch {
		case rs.File != "" && rs.Hex != "":
			return nil, errors.Errorf("region at %#x has both file and hex data", rs.Base)
		case rs.File != "":
			path := rs.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			data, unmap, err := mapFile(path)
			if err != nil {
				return nil, errors.Wrapf(err, "map %s", path)
			}
			s.unmaps = append(s.unmaps, unmap)
			b = data
		default:
			data, err := hex.DecodeString(rs.Hex)
			if err != nil {
				return nil, errors.Wrapf(err, "region at %#x", rs.Base)
			}
			b = data
		}
		if len(b) == 0 {
			s.Warnings = append(s.Warnings, "empty memory region at "+core.Address(rs.Base).String())
			continue
		}
		regions = append(regions, core.NewRegion(core.Address(rs.Base), b))
	}
	return core.NewMemory(a, regions...)
}

// Close releases mapped memory files. The snapshot's memory must not
// be used afterwards.
func (s *Snapshot) Close() error {
	var first error
	for _, unmap := range s.unmaps {
		if err := unmap(); err != nil && first == nil {
			first = err
		}
	}
	s.unmaps = nil
	return first
}
