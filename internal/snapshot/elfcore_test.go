// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package snapshot

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/processor"
	"golang.org/x/stackwalk/internal/stackwalk"
)

var le = binary.LittleEndian

type coreNote struct {
	typ  elf.NType
	desc []byte
}

func prstatusNote(pid uint32, sig uint16, regs map[int]uint64) coreNote {
	desc := make([]byte, 112+27*8)
	le.PutUint16(desc[12:], sig)
	le.PutUint32(desc[32:], pid)
	for i, v := range regs {
		le.PutUint64(desc[112+8*i:], v)
	}
	return coreNote{elf.NT_PRSTATUS, desc}
}

// writeCore writes an amd64 core file with the given notes and one
// segment of memory.
func writeCore(t *testing.T, typ elf.Type, notes []coreNote, vaddr uint64, mem []byte) string {
	t.Helper()
	var nb bytes.Buffer
	for _, n := range notes {
		binary.Write(&nb, le, [3]uint32{5, uint32(len(n.desc)), uint32(n.typ)})
		nb.WriteString("CORE\x00\x00\x00\x00")
		nb.Write(n.desc)
		for nb.Len()%4 != 0 {
			nb.WriteByte(0)
		}
	}
	return writeCoreRaw(t, typ, nb.Bytes(), vaddr, mem)
}

// writeCoreRaw is writeCore with the note segment given verbatim.
func writeCoreRaw(t *testing.T, typ elf.Type, notes []byte, vaddr uint64, mem []byte) string {
	t.Helper()
	const phoff = 64
	noteOff := uint64(phoff + 2*56)
	loadOff := noteOff + uint64(len(notes))

	var b bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     phoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(&b, le, hdr)
	binary.Write(&b, le, elf.Prog64{Type: uint32(elf.PT_NOTE), Off: noteOff, Filesz: uint64(len(notes))})
	binary.Write(&b, le, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W),
		Off:    loadOff,
		Vaddr:  vaddr,
		Filesz: uint64(len(mem)),
		Memsz:  uint64(len(mem)),
	})
	b.Write(notes)
	b.Write(mem)

	path := filepath.Join(t.TempDir(), "core")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func testCoreNotes() []coreNote {
	siginfo := make([]byte, 128)
	le.PutUint32(siginfo[0:], 11)
	le.PutUint32(siginfo[8:], 1)
	le.PutUint64(siginfo[16:], 0x10)

	var files bytes.Buffer
	for _, w := range []uint64{
		3, 0x1000,
		0x400000, 0x401000, 0,
		0x401000, 0x410000, 1,
		0x7f0000, 0x7f1000, 0,
	} {
		binary.Write(&files, le, w)
	}
	files.WriteString("/bin/app\x00/bin/app\x00/dev/zero\x00")

	return []coreNote{
		// rbp, rip, rsp
		prstatusNote(42, 11, map[int]uint64{4: 0x8010, 16: 0x401010, 19: 0x8000}),
		{ntSiginfo, siginfo},
		{ntFile, files.Bytes()},
		prstatusNote(43, 0, map[int]uint64{16: 0x401020, 19: 0x8100}),
	}
}

func TestLoadCore(t *testing.T) {
	stack := make([]byte, 0x200)
	le.PutUint64(stack[0x18:], 0x402020)
	file := writeCore(t, elf.ET_CORE, testCoreNotes(), 0x8000, stack)

	s, err := LoadCore(file, t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, arch.AMD64, s.Arch)
	require.Len(t, s.Threads, 2)
	require.EqualValues(t, 42, s.Threads[0].ID)
	require.EqualValues(t, 0x401010, s.Threads[0].PC())
	require.EqualValues(t, 43, s.Threads[1].ID)

	require.NotNil(t, s.Crash)
	require.EqualValues(t, 42, s.Crash.ThreadID)
	require.Equal(t, "SIGSEGV /SEGV_MAPERR", s.Crash.Reason)
	require.EqualValues(t, 0x10, s.Crash.Address)

	mods := s.Modules.Modules()
	require.Len(t, mods, 1)
	require.EqualValues(t, 0x400000, mods[0].Base)
	require.EqualValues(t, 0x10000, mods[0].Size)
	require.Equal(t, "app", mods[0].DebugFile)
	require.Empty(t, mods[0].DebugID)
	require.Len(t, s.Warnings, 1) // the code file is not under the sysroot

	ps, err := processor.Process(context.Background(), s.Snapshot, processor.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 0, ps.RequestingThread)
	frames := ps.Threads[0].Frames
	require.Len(t, frames, 2)
	require.Equal(t, stackwalk.TrustFramePointer, frames[1].Trust)
	require.EqualValues(t, 0x402020, frames[1].PC())
}

func TestLoadCoreErrors(t *testing.T) {
	_, err := LoadCore(writeCore(t, elf.ET_EXEC, nil, 0x8000, make([]byte, 8)), "")
	require.ErrorContains(t, err, "not a core file")

	short := []coreNote{{elf.NT_PRSTATUS, make([]byte, 64)}}
	_, err = LoadCore(writeCore(t, elf.ET_CORE, short, 0x8000, make([]byte, 8)), "")
	require.Error(t, err)

	// A name size of 0xffffffff wraps to 0 when rounded in 32 bits.
	var huge bytes.Buffer
	binary.Write(&huge, le, [3]uint32{0xffffffff, 4, uint32(elf.NT_PRSTATUS)})
	huge.WriteString("CORE")
	_, err = LoadCore(writeCoreRaw(t, elf.ET_CORE, huge.Bytes(), 0x8000, make([]byte, 8)), "")
	require.ErrorContains(t, err, "truncated note")

	_, err = LoadCore(filepath.Join(t.TempDir(), "missing"), "")
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	s, err := Open(writeCore(t, elf.ET_CORE, testCoreNotes(), 0x8000, make([]byte, 0x20)), "")
	require.NoError(t, err)
	require.Len(t, s.Threads, 2)
	require.NoError(t, s.Close())

	s, err = Open(writeSnapshot(t, manifestText), "")
	require.NoError(t, err)
	require.Equal(t, "main", s.Threads[0].Name)
	require.NoError(t, s.Close())
}

func TestBreakpadID(t *testing.T) {
	id := make([]byte, 20)
	for i := range id {
		id[i] = byte(i)
	}
	require.Equal(t, "030201000504070608090A0B0C0D0E0F0", BreakpadID(id))
	require.Equal(t, "000000000000000000000000000000000", BreakpadID(nil))
}
