// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/processor"
)

// Note types missing from debug/elf.
const (
	ntGNUBuildID elf.NType = 3
	ntFile       elf.NType = 0x46494c45
	ntSiginfo    elf.NType = 0x53494749
)

// prstatus describes where Linux stores the thread ID and the general
// purpose registers in an NT_PRSTATUS note.
type prstatus struct {
	pid  int
	reg  int
	regs []string // in elf_gregset_t order; "" for registers not tracked
}

var prstatusLayouts = map[*arch.Architecture]prstatus{
	arch.AMD64: {pid: 32, reg: 112, regs: []string{
		"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
		"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "", // orig_rax
		"rip", "", "", "rsp", // cs, eflags
	}},
	arch.ARM64: {pid: 32, reg: 112, regs: []string{
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
		"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
		"x24", "x25", "x26", "x27", "x28", "fp", "lr", "sp",
		"pc",
	}},
	arch.X86: {pid: 24, reg: 72, regs: []string{
		"ebx", "ecx", "edx", "esi", "edi", "ebp", "eax", "", // ds
		"", "", "", "", "eip", "", "", "esp", // es, fs, gs, orig_eax, cs, eflags
	}},
	arch.ARM: {pid: 24, reg: 72, regs: []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "fp", "r12", "sp", "lr", "pc",
	}},
}

// LoadCore reads a Linux ELF core file. Modules come from the NT_FILE
// note; their debug identifiers are read from the mapped files, which
// are looked up under sysroot when it is set.
func LoadCore(file, sysroot string) (s *Snapshot, err error) {
	data, unmap, err := mapFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "open core file")
	}
	s = &Snapshot{Snapshot: &processor.Snapshot{}, RequestingThread: -1, unmaps: []func() error{unmap}}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()
	e, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "read core file")
	}
	if e.Type != elf.ET_CORE {
		return nil, errors.Errorf("%s is not a core file", file)
	}
	a, err := coreArch(e)
	if err != nil {
		return nil, err
	}
	s.Arch = a

	c := &coreReader{s: s, e: e, arch: a, data: data, sysroot: sysroot}
	if err := c.readLoads(); err != nil {
		return nil, err
	}
	for _, prog := range e.Progs {
		if prog.Type == elf.PT_NOTE {
			if err := c.readNotes(prog); err != nil {
				return nil, err
			}
		}
	}
	c.finish()
	return s, nil
}

func coreArch(e *elf.File) (*arch.Architecture, error) {
	switch e.Machine {
	case elf.EM_386:
		return arch.X86, nil
	case elf.EM_X86_64:
		return arch.AMD64, nil
	case elf.EM_ARM:
		return arch.ARM, nil
	case elf.EM_AARCH64:
		return arch.ARM64, nil
	}
	return nil, errors.Errorf("unsupported core file machine %s", e.Machine)
}

type coreReader struct {
	s       *Snapshot
	e       *elf.File
	arch    *arch.Architecture
	data    []byte
	sysroot string
	mem     *core.Memory

	crashed bool
	signal  uint32
	code    int32
	addr    uint64
}

// readLoads builds the process memory from the PT_LOAD segments that
// have data in the file.
func (c *coreReader) readLoads() error {
	var regions []*core.MemoryRegion
	for _, prog := range c.e.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_R == 0 {
			continue
		}
		if prog.Filesz == 0 {
			c.s.Warnings = append(c.s.Warnings, fmt.Sprintf("no data for [%x %x]", prog.Vaddr, prog.Vaddr+prog.Memsz))
			continue
		}
		end := prog.Off + prog.Filesz
		if end < prog.Off || end > uint64(len(c.data)) {
			return errors.Errorf("segment at %#x extends past the end of the core file", prog.Vaddr)
		}
		regions = append(regions, core.NewRegion(core.Address(prog.Vaddr), c.data[prog.Off:end]))
	}
	mem, err := core.NewMemory(c.arch, regions...)
	if err != nil {
		return err
	}
	c.mem = mem
	c.s.Code = mem
	return nil
}

func (c *coreReader) readNotes(prog *elf.Prog) error {
	end := prog.Off + prog.Filesz
	if end < prog.Off || end > uint64(len(c.data)) {
		return errors.New("note segment extends past the end of the core file")
	}
	b := c.data[prog.Off:end]
	order := c.e.ByteOrder
	for len(b) >= 12 {
		namesz := order.Uint32(b)
		descsz := order.Uint32(b[4:])
		typ := elf.NType(order.Uint32(b[8:]))
		b = b[12:]
		// Round in 64 bits so sizes near 1<<32 can't wrap.
		nameLen := (uint64(namesz) + 3) &^ 3
		descLen := (uint64(descsz) + 3) &^ 3
		if nameLen > uint64(len(b)) || uint64(descsz) > uint64(len(b))-nameLen {
			return errors.Errorf("truncated note: name size %d, desc size %d, %d bytes left", namesz, descsz, len(b))
		}
		name := strings.TrimRight(string(b[:namesz]), "\x00")
		desc := b[nameLen : nameLen+uint64(descsz)]
		b = b[min(nameLen+descLen, uint64(len(b))):]

		if name != "CORE" {
			continue
		}
		var err error
		switch typ {
		case elf.NT_PRSTATUS:
			err = c.readPRStatus(desc)
		case ntSiginfo:
			c.readSiginfo(desc)
		case ntFile:
			err = c.readNTFile(desc)
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s note", typ)
		}
	}
	return nil
}

// readPRStatus adds one thread. The kernel writes the thread that
// received the fatal signal first.
func (c *coreReader) readPRStatus(desc []byte) error {
	l := prstatusLayouts[c.arch]
	ptr := c.arch.PointerSize
	if len(desc) < l.reg+len(l.regs)*ptr {
		return errors.Errorf("NT_PRSTATUS is %d bytes, too short for %s", len(desc), c.arch)
	}
	order := c.e.ByteOrder
	regs := make(map[string]uint64, len(l.regs))
	for i, name := range l.regs {
		if name != "" {
			regs[name] = c.arch.Uintptr(desc[l.reg+i*ptr : l.reg+(i+1)*ptr])
		}
	}
	ctxt, err := core.NewContext(c.arch, regs)
	if err != nil {
		return err
	}
	t := &core.Thread{ID: order.Uint32(desc[l.pid:]), Context: ctxt, Memory: c.mem}
	if len(c.s.Threads) == 0 {
		if sig := order.Uint16(desc[12:]); sig != 0 {
			c.crashed, c.signal = true, uint32(sig)
		}
	}
	c.s.Threads = append(c.s.Threads, t)
	return nil
}

func (c *coreReader) readSiginfo(desc []byte) {
	order := c.e.ByteOrder
	off := 16 // si_addr follows the three ints, aligned to a pointer
	if c.arch.PointerSize == 4 {
		off = 12
	}
	if len(desc) < off+c.arch.PointerSize {
		return
	}
	if signo := order.Uint32(desc); signo != 0 {
		c.crashed, c.signal = true, signo
	}
	c.code = int32(order.Uint32(desc[8:]))
	c.addr = c.arch.Uintptr(desc[off : off+c.arch.PointerSize])
}

// readNTFile turns the file mappings into modules. Consecutive
// mappings of one file make up one module that starts at the mapping
// of file offset 0.
func (c *coreReader) readNTFile(desc []byte) error {
	ptr := c.arch.PointerSize
	word := func() (uint64, error) {
		if len(desc) < ptr {
			return 0, io.ErrUnexpectedEOF
		}
		v := c.arch.Uintptr(desc[:ptr])
		desc = desc[ptr:]
		return v, nil
	}
	count, err := word()
	if err != nil {
		return err
	}
	if _, err := word(); err != nil { // page size
		return err
	}
	if count > uint64(len(desc)/(3*ptr)) {
		return errors.Errorf("%d file mappings do not fit in the note", count)
	}
	type mapping struct{ start, end, off uint64 }
	maps := make([]mapping, count)
	for i := range maps {
		maps[i].start, _ = word()
		maps[i].end, _ = word()
		maps[i].off, _ = word()
	}
	names := strings.Split(string(desc), "\x00")

	var modules []*core.Module
	var last *core.Module
	for i, m := range maps {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		if name == "" || strings.HasPrefix(name, "/dev/") || strings.HasPrefix(name, "[") {
			last = nil
			continue
		}
		if last != nil && last.CodeFile == name && core.Address(m.start) >= last.End() {
			last.Size = m.end - uint64(last.Base)
			continue
		}
		if m.off != 0 {
			last = nil
			continue
		}
		last = &core.Module{Base: core.Address(m.start), Size: m.end - m.start, CodeFile: name, DebugFile: path.Base(name)}
		modules = append(modules, last)
	}
	for _, m := range modules {
		c.identify(m)
	}
	list, warnings := core.NewModuleList(modules)
	c.s.Modules = list
	c.s.Warnings = append(c.s.Warnings, warnings...)
	return nil
}

// identify sets the module's debug identifier from its GNU build ID.
func (c *coreReader) identify(m *core.Module) {
	file := m.CodeFile
	if c.sysroot != "" {
		file = filepath.Join(c.sysroot, file)
	}
	f, err := elf.Open(file)
	if err != nil {
		c.s.Warnings = append(c.s.Warnings, fmt.Sprintf("module %s: %v", m.Name(), err))
		return
	}
	defer f.Close()
	id := buildID(f)
	if id == nil {
		c.s.Warnings = append(c.s.Warnings, fmt.Sprintf("module %s has no build ID", m.Name()))
		return
	}
	m.DebugID = BreakpadID(id)
}

func buildID(f *elf.File) []byte {
	s := f.Section(".note.gnu.build-id")
	if s == nil {
		return nil
	}
	b, err := s.Data()
	if err != nil || len(b) < 16 {
		return nil
	}
	namesz := f.ByteOrder.Uint32(b)
	descsz := f.ByteOrder.Uint32(b[4:])
	if f.ByteOrder.Uint32(b[8:]) != uint32(ntGNUBuildID) {
		return nil
	}
	off := 12 + int((namesz+3)/4*4)
	if off+int(descsz) > len(b) {
		return nil
	}
	return b[off : off+int(descsz)]
}

// BreakpadID converts a GNU build ID to the debug identifier used in
// Breakpad symbol files: the first 16 bytes read as a little-endian
// GUID, followed by a zero age.
func BreakpadID(buildID []byte) string {
	var guid [16]byte
	copy(guid[:], buildID)
	var b bytes.Buffer
	fmt.Fprintf(&b, "%08X%04X%04X",
		binary.LittleEndian.Uint32(guid[0:]),
		binary.LittleEndian.Uint16(guid[4:]),
		binary.LittleEndian.Uint16(guid[6:]))
	for _, x := range guid[8:] {
		fmt.Fprintf(&b, "%02X", x)
	}
	b.WriteString("0")
	return b.String()
}

func (c *coreReader) finish() {
	if c.s.Modules == nil {
		c.s.Modules, _ = core.NewModuleList(nil)
	}
	if !c.crashed || len(c.s.Threads) == 0 {
		return
	}
	c.s.Crash = &processor.CrashInfo{
		ThreadID: c.s.Threads[0].ID,
		Reason:   signalReason(c.signal, c.code),
		Address:  core.Address(c.addr),
	}
}

var signalNames = map[uint32]string{
	3: "SIGQUIT", 4: "SIGILL", 5: "SIGTRAP", 6: "SIGABRT", 7: "SIGBUS",
	8: "SIGFPE", 9: "SIGKILL", 11: "SIGSEGV", 13: "SIGPIPE", 31: "SIGSYS",
}

// signalReason names a Linux signal and, for faults, its si_code.
func signalReason(sig uint32, code int32) string {
	name, ok := signalNames[sig]
	if !ok {
		name = fmt.Sprintf("signal %d", sig)
	}
	switch {
	case sig == 11 && code == 1:
		name += " /SEGV_MAPERR"
	case sig == 11 && code == 2:
		name += " /SEGV_ACCERR"
	case sig == 7 && code == 1:
		name += " /BUS_ADRALN"
	case sig == 7 && code == 2:
		name += " /BUS_ADRERR"
	case sig == 8 && code == 1:
		name += " /FPE_INTDIV"
	}
	return name
}

// Open loads a snapshot from an ELF core file or a YAML manifest.
func Open(file, sysroot string) (*Snapshot, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot")
	}
	var magic [4]byte
	_, err = io.ReadFull(f, magic[:])
	f.Close()
	if err == nil && string(magic[:]) == elf.ELFMAG {
		return LoadCore(file, sysroot)
	}
	return Load(file)
}
