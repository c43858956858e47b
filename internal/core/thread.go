// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// A Thread represents an operating system thread captured in a snapshot.
type Thread struct {
	ID   uint32
	Name string

	// Context is the register state at the time of the snapshot.
	Context *RegisterContext
	// Memory holds the thread's stack and any adjacent captured regions.
	Memory *Memory
}

// PC returns the captured program counter.
func (t *Thread) PC() Address {
	return t.Context.PC()
}

// SP returns the captured stack pointer.
func (t *Thread) SP() Address {
	return t.Context.SP()
}
