// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symbols resolves instruction addresses to names, source
// lines and call frame information, fetching each module's debugging
// data at most once.
package symbols

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/stackwalk/internal/core"
)

// A Provider locates and parses the debugging data for a module.
// Implementations may block on disk or network I/O.
type Provider interface {
	Fetch(ctx context.Context, m *core.Module) (*Data, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, m *core.Module) (*Data, error)

func (f ProviderFunc) Fetch(ctx context.Context, m *core.Module) (*Data, error) {
	return f(ctx, m)
}

// An ErrorKind classifies fetch failures.
type ErrorKind uint8

const (
	KindIO ErrorKind = iota
	KindNotFound
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindMalformed:
		return "malformed"
	}
	return "i/o error"
}

// A FetchError reports why a module's symbols are unavailable.
type FetchError struct {
	Kind   ErrorKind
	Module core.ModuleKey
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("symbols for %s: %s", e.Module, e.Kind)
	}
	return fmt.Sprintf("symbols for %s: %s: %v", e.Module, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NotFound returns a FetchError of kind KindNotFound for m.
func NotFound(m *core.Module, err error) *FetchError {
	return &FetchError{Kind: KindNotFound, Module: m.Key(), Err: err}
}

// Malformed returns a FetchError of kind KindMalformed for m.
func Malformed(m *core.Module, err error) *FetchError {
	return &FetchError{Kind: KindMalformed, Module: m.Key(), Err: err}
}

// IsNotFound reports whether err is a FetchError of kind KindNotFound.
func IsNotFound(err error) bool {
	var ferr *FetchError
	return errors.As(err, &ferr) && ferr.Kind == KindNotFound
}

// asFetchError classifies an arbitrary provider error.
func asFetchError(m *core.Module, err error) *FetchError {
	var ferr *FetchError
	if errors.As(err, &ferr) {
		return ferr
	}
	return &FetchError{Kind: KindIO, Module: m.Key(), Err: err}
}

// A Status describes the state of a module's symbols after a run.
type Status uint8

const (
	StatusUnused Status = iota // never requested
	StatusLoaded
	StatusMissing
	StatusCorrupt
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoaded:
		return "loaded"
	case StatusMissing:
		return "missing"
	case StatusCorrupt:
		return "corrupt"
	case StatusError:
		return "error"
	}
	return "unused"
}
