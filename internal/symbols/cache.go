// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbols

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/stackwalk/internal/cfi"
	"golang.org/x/stackwalk/internal/core"
)

// A Cache fetches the symbols of each module at most once and shares
// the result, including failures, between all callers. It is safe for
// concurrent use.
type Cache struct {
	provider Provider
	logger   log.Logger
	metrics  *metrics

	mu      sync.Mutex
	cells   map[core.ModuleKey]*cell
	fetches int
}

// A cell is filled exactly once; done is closed afterwards and the
// other fields are read-only from then on.
type cell struct {
	done chan struct{}
	data *Data
	err  *FetchError
}

// NewCache returns a cache backed by p. The logger and registerer may
// be nil.
func NewCache(p Provider, logger log.Logger, reg prometheus.Registerer) *Cache {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Cache{
		provider: p,
		logger:   logger,
		metrics:  newMetrics(reg),
		cells:    make(map[core.ModuleKey]*cell),
	}
}

// Get returns the symbols for m, fetching them on first use.
//
// The fetch itself does not observe cancellation of ctx, since other
// callers may be waiting for it; a caller whose ctx is done stops
// waiting and gets ctx.Err(). Fetch failures are returned as
// *FetchError and are remembered: later calls for the same module fail
// the same way without fetching again.
func (c *Cache) Get(ctx context.Context, m *core.Module) (*Data, error) {
	if m == nil {
		return nil, errors.New("symbols: no module")
	}
	key := m.Key()
	c.mu.Lock()
	e, ok := c.cells[key]
	if !ok {
		e = &cell{done: make(chan struct{})}
		c.cells[key] = e
		c.fetches++
		go c.fill(context.WithoutCancel(ctx), m, e)
	}
	c.mu.Unlock()

	// A filled cell answers even a cancelled caller.
	select {
	case <-e.done:
	default:
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.data, nil
}

func (c *Cache) fill(ctx context.Context, m *core.Module, e *cell) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.data = nil
			e.err = &FetchError{Kind: KindIO, Module: m.Key(), Err: fmt.Errorf("provider panic: %v", r)}
		}
		c.metrics.fetches.WithLabelValues(fetchStatus(e.err)).Inc()
		switch {
		case e.err == nil:
			level.Debug(c.logger).Log("msg", "loaded symbols", "module", m.Key(), "functions", len(e.data.Functions), "cfi", e.data.CFI.Len())
		case e.err.Kind == KindNotFound:
			level.Debug(c.logger).Log("msg", "no symbols", "module", m.Key(), "err", e.err)
		default:
			level.Warn(c.logger).Log("msg", "failed to load symbols", "module", m.Key(), "err", e.err)
		}
	}()

	d, err := c.provider.Fetch(ctx, m)
	switch {
	case err != nil:
		e.err = asFetchError(m, err)
	case d == nil:
		e.err = NotFound(m, nil)
	default:
		d.Seal()
		e.data = d
	}
}

// Resolve returns the symbol for the absolute address addr inside m.
// The symbol's addresses are relative to m's base.
func (c *Cache) Resolve(ctx context.Context, m *core.Module, addr core.Address) (Symbol, bool) {
	if !m.Contains(addr) {
		return Symbol{}, false
	}
	d, err := c.Get(ctx, m)
	if err != nil {
		c.metrics.lookups.WithLabelValues(resultUnavailable).Inc()
		return Symbol{}, false
	}
	s, ok := d.Lookup(uint64(addr.Sub(m.Base)))
	if !ok {
		c.metrics.lookups.WithLabelValues(resultNoSymbol).Inc()
		return Symbol{}, false
	}
	c.metrics.lookups.WithLabelValues(resultFound).Inc()
	return s, true
}

// CFI returns the unwind program in effect at the absolute address addr
// inside m.
func (c *Cache) CFI(ctx context.Context, m *core.Module, addr core.Address) (*cfi.Program, bool) {
	if !m.Contains(addr) {
		return nil, false
	}
	d, err := c.Get(ctx, m)
	if err != nil {
		return nil, false
	}
	p := d.CFI.ProgramFor(uint64(addr.Sub(m.Base)))
	return p, p != nil
}

// Status reports the outcome of the fetch for key. Modules that were
// never requested, or whose fetch is still running, are StatusUnused.
func (c *Cache) Status(key core.ModuleKey) Status {
	c.mu.Lock()
	e, ok := c.cells[key]
	c.mu.Unlock()
	if !ok {
		return StatusUnused
	}
	select {
	case <-e.done:
	default:
		return StatusUnused
	}
	if e.err == nil {
		return StatusLoaded
	}
	switch e.err.Kind {
	case KindNotFound:
		return StatusMissing
	case KindMalformed:
		return StatusCorrupt
	}
	return StatusError
}

// Fetches returns the number of provider fetches started so far.
func (c *Cache) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}
