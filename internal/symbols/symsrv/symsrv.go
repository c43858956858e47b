// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symsrv locates Breakpad symbol files in directory trees and on
// symbol servers laid out as
//
//	<root>/<debug file>/<debug id>/<debug file without .pdb>.sym
package symsrv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/symbols"
	"golang.org/x/stackwalk/internal/symbols/breakpad"
)

var validID = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// RelPath returns the slash-separated location of m's symbol file
// relative to a symbol store root.
func RelPath(m *core.Module) (string, error) {
	key := m.Key()
	name := key.DebugFile
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("bad debug file name %q", key.DebugFile)
	}
	if !validID.MatchString(key.DebugID) {
		return "", fmt.Errorf("bad debug id %q", key.DebugID)
	}
	sym := name
	if ext := filepath.Ext(sym); strings.EqualFold(ext, ".pdb") {
		sym = strings.TrimSuffix(sym, ext)
	}
	return name + "/" + key.DebugID + "/" + sym + ".sym", nil
}

// Dir looks up symbol files in local directories, in order.
type Dir struct {
	Roots []string
}

func (d *Dir) Fetch(ctx context.Context, m *core.Module) (*symbols.Data, error) {
	rel, err := RelPath(m)
	if err != nil {
		return nil, symbols.NotFound(m, err)
	}
	for _, root := range d.Roots {
		path := filepath.Join(root, filepath.FromSlash(rel))
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "open symbol file")
		}
		data, err := breakpad.Parse(f)
		f.Close()
		if err != nil {
			return nil, symbols.Malformed(m, errors.Wrapf(err, "parse %s", path))
		}
		return data, nil
	}
	return nil, symbols.NotFound(m, nil)
}

// Chain tries each provider in order and returns the first success.
// A module is reported as not found only if every provider says so;
// otherwise the first other failure is returned.
type Chain []symbols.Provider

func (c Chain) Fetch(ctx context.Context, m *core.Module) (*symbols.Data, error) {
	var firstErr error
	for _, p := range c {
		d, err := p.Fetch(ctx, m)
		if err == nil && d != nil {
			return d, nil
		}
		if err != nil && !symbols.IsNotFound(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, symbols.NotFound(m, nil)
}
