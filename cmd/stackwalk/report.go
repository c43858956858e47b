// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"golang.org/x/stackwalk/internal/processor"
	"golang.org/x/stackwalk/internal/stackwalk"
	"golang.org/x/stackwalk/internal/symbols"
)

var (
	headingColor = color.New(color.Bold)
	crashColor   = color.New(color.FgRed, color.Bold)
	scanColor    = color.New(color.FgYellow)
	missingColor = color.New(color.FgRed)
)

// writeReport prints the crash summary, the requesting thread, the
// other threads and the module table.
func writeReport(w io.Writer, s *processor.ProcessState, registers bool) {
	fmt.Fprintf(w, "Architecture: %s\n", s.Arch)
	if s.Crashed {
		crashColor.Fprintf(w, "Crash reason:  %s\n", s.CrashReason)
		fmt.Fprintf(w, "Crash address: %s\n", s.CrashAddress)
	} else {
		fmt.Fprintf(w, "No crash\n")
	}
	for _, msg := range s.Warnings() {
		fmt.Fprintf(w, "WARNING: %s\n", msg)
	}
	fmt.Fprintln(w)

	if i := s.RequestingThread; i >= 0 {
		writeThread(w, s, i, registers)
	}
	for i := range s.Threads {
		if i != s.RequestingThread {
			writeThread(w, s, i, registers)
		}
	}
	writeModules(w, s)
}

// writeThread prints the stack of the i'th thread.
func writeThread(w io.Writer, s *processor.ProcessState, i int, registers bool) {
	st := s.Threads[i]
	note := ""
	if i == s.RequestingThread {
		note = " (crashed)"
		if !s.Crashed {
			note = " (requesting)"
		}
	}
	headingColor.Fprintf(w, "Thread %d%s\n", st.ThreadID, note)
	for n, f := range st.Frames {
		writeFrame(w, n, f, registers)
	}
	if st.Info != "" {
		fmt.Fprintf(w, "    stopped: %s\n", st.Info)
	}
	fmt.Fprintln(w)
}

func writeFrame(w io.Writer, n int, f *stackwalk.Frame, registers bool) {
	fmt.Fprintf(w, "%3d  %s\n", n, f)
	if registers {
		t := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
		for _, r := range f.Context.Valid() {
			v, _ := f.Context.Get(r)
			fmt.Fprintf(t, "     %s\t= %#x\n", r, v)
		}
		t.Flush()
	}
	trust := fmt.Sprintf("     found by %s\n", f.Trust)
	if f.Trust == stackwalk.TrustScan {
		scanColor.Fprint(w, trust)
	} else {
		fmt.Fprint(w, trust)
	}
}

// writeModules prints one line per module.
func writeModules(w io.Writer, s *processor.ProcessState) {
	headingColor.Fprintf(w, "Loaded modules:\n")
	t := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(t, "base\tend\tsize\tname\tdebug id\tsymbols\n")
	for _, ms := range s.Modules {
		m := ms.Module
		status := ms.Status.String()
		switch ms.Status {
		case symbols.StatusMissing, symbols.StatusCorrupt, symbols.StatusError:
			status = missingColor.Sprint(status)
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Base, m.End(), humanize.IBytes(m.Size), m.Name(), m.DebugID, status)
	}
	t.Flush()
}
