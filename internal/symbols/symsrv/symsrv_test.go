// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symsrv

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/stretchr/testify/require"

	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/symbols"
)

const symFile = "MODULE windows x86 ABCDEF0123 app.pdb\nFUNC 100 20 0 main\n"

func winModule() *core.Module {
	return &core.Module{Base: 0x10000, Size: 0x1000, CodeFile: `C:\app\app.exe`, DebugFile: `C:\build\app.pdb`, DebugID: "ABCDEF0123"}
}

func TestRelPath(t *testing.T) {
	got, err := RelPath(winModule())
	require.NoError(t, err)
	require.Equal(t, "app.pdb/ABCDEF0123/app.sym", got)

	got, err = RelPath(&core.Module{CodeFile: "/usr/lib/libc.so.6", DebugID: "00FF"})
	require.NoError(t, err)
	require.Equal(t, "libc.so.6/00FF/libc.so.6.sym", got)

	_, err = RelPath(&core.Module{DebugFile: "app.pdb", DebugID: "../x"})
	require.Error(t, err)
}

func TestDir(t *testing.T) {
	empty, root := t.TempDir(), t.TempDir()
	dir := filepath.Join(root, "app.pdb", "ABCDEF0123")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.sym"), []byte(symFile), 0o644))

	d := &Dir{Roots: []string{empty, root}}
	data, err := d.Fetch(context.Background(), winModule())
	require.NoError(t, err)
	require.Equal(t, "main", data.Functions[0].Name)

	_, err = (&Dir{Roots: []string{empty}}).Fetch(context.Background(), winModule())
	require.True(t, symbols.IsNotFound(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.sym"), []byte("FUNC zz\n"), 0o644))
	_, err = d.Fetch(context.Background(), winModule())
	var ferr *symbols.FetchError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, symbols.KindMalformed, ferr.Kind)
}

func fastBackoff() backoff.Config {
	return backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: 3}
}

func TestHTTP(t *testing.T) {
	var hits, flaky atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/good/app.pdb/ABCDEF0123/app.sym", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(symFile))
	})
	mux.HandleFunc("/flaky/app.pdb/ABCDEF0123/app.sym", func(w http.ResponseWriter, r *http.Request) {
		if flaky.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(symFile))
	})
	var misses atomic.Int32
	mux.HandleFunc("/missing/", func(w http.ResponseWriter, r *http.Request) {
		misses.Add(1)
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{URLs: []string{srv.URL + "/missing", srv.URL + "/good/"}, Backoff: fastBackoff()}, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		data, err := h.Fetch(context.Background(), winModule())
		require.NoError(t, err)
		require.Len(t, data.Functions, 1)
	}
	require.EqualValues(t, 1, misses.Load(), "404 responses are remembered")
	require.EqualValues(t, 2, hits.Load())

	h, err = NewHTTP(HTTPConfig{URLs: []string{srv.URL + "/flaky"}, Backoff: fastBackoff()}, nil)
	require.NoError(t, err)
	_, err = h.Fetch(context.Background(), winModule())
	require.NoError(t, err)
	require.EqualValues(t, 3, flaky.Load())

	h, err = NewHTTP(HTTPConfig{URLs: []string{srv.URL + "/missing"}, Backoff: fastBackoff()}, nil)
	require.NoError(t, err)
	_, err = h.Fetch(context.Background(), winModule())
	require.True(t, symbols.IsNotFound(err))
}

func TestHTTPServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{URLs: []string{srv.URL}, Backoff: fastBackoff()}, nil)
	require.NoError(t, err)
	_, err = h.Fetch(context.Background(), winModule())
	require.Error(t, err)
	require.False(t, symbols.IsNotFound(err))
	require.EqualValues(t, 3, calls.Load())
}

func TestChain(t *testing.T) {
	m := winModule()
	notFound := symbols.ProviderFunc(func(context.Context, *core.Module) (*symbols.Data, error) {
		return nil, symbols.NotFound(m, nil)
	})
	broken := symbols.ProviderFunc(func(context.Context, *core.Module) (*symbols.Data, error) {
		return nil, errors.New("broken")
	})
	found := symbols.ProviderFunc(func(context.Context, *core.Module) (*symbols.Data, error) {
		return &symbols.Data{Name: "found"}, nil
	})

	d, err := Chain{notFound, broken, found}.Fetch(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, "found", d.Name)

	_, err = Chain{notFound, notFound}.Fetch(context.Background(), m)
	require.True(t, symbols.IsNotFound(err))

	_, err = Chain{notFound, broken}.Fetch(context.Background(), m)
	require.EqualError(t, err, "broken")
}
