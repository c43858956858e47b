// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symsrv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"golang.org/x/stackwalk/internal/core"
	"golang.org/x/stackwalk/internal/symbols"
	"golang.org/x/stackwalk/internal/symbols/breakpad"
)

// HTTPConfig configures an HTTP symbol supplier.
type HTTPConfig struct {
	URLs []string
	// Client defaults to a client with a two minute timeout.
	Client  *http.Client
	Backoff backoff.Config
	// NotFoundCacheSize bounds the number of remembered misses.
	NotFoundCacheSize int
}

// HTTP fetches symbol files from symbol servers.
type HTTP struct {
	cfg    HTTPConfig
	logger log.Logger

	group    singleflight.Group
	notFound *lru.Cache[string, struct{}]
}

type statusError struct {
	code int
	url  string
}

func (e statusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.url, http.StatusText(e.code))
}

// NewHTTP returns an HTTP supplier.
func NewHTTP(cfg HTTPConfig, logger log.Logger) (*HTTP, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.NotFoundCacheSize <= 0 {
		cfg.NotFoundCacheSize = 1024
	}
	if cfg.Backoff == (backoff.Config{}) {
		cfg.Backoff = backoff.Config{MinBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second, MaxRetries: 3}
	}
	nf, err := lru.New[string, struct{}](cfg.NotFoundCacheSize)
	if err != nil {
		return nil, err
	}
	return &HTTP{cfg: cfg, logger: logger, notFound: nf}, nil
}

func (h *HTTP) Fetch(ctx context.Context, m *core.Module) (*symbols.Data, error) {
	rel, err := RelPath(m)
	if err != nil {
		return nil, symbols.NotFound(m, err)
	}
	var firstErr error
	for _, base := range h.cfg.URLs {
		url := strings.TrimSuffix(base, "/") + "/" + rel
		if h.notFound.Contains(url) {
			continue
		}
		v, err, _ := h.group.Do(url, func() (interface{}, error) {
			return h.get(ctx, url)
		})
		if err != nil {
			var serr statusError
			if errors.As(err, &serr) && serr.code == http.StatusNotFound {
				h.notFound.Add(url, struct{}{})
				continue
			}
			level.Warn(h.logger).Log("msg", "symbol server request failed", "url", url, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		data, err := breakpad.Parse(bytes.NewReader(v.([]byte)))
		if err != nil {
			return nil, symbols.Malformed(m, errors.Wrapf(err, "parse %s", url))
		}
		return data, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, symbols.NotFound(m, nil)
}

func (h *HTTP) get(ctx context.Context, url string) ([]byte, error) {
	b := backoff.New(ctx, h.cfg.Backoff)
	var lastErr error
	for b.Ongoing() {
		data, err := h.do(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		b.Wait()
	}
	if lastErr == nil {
		lastErr = b.Err()
	}
	return nil, errors.Wrapf(lastErr, "after %d retries", b.NumRetries())
}

func (h *HTTP) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "execute request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, statusError{code: resp.StatusCode, url: url}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	return data, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var serr statusError
	if errors.As(err, &serr) {
		return serr.code == http.StatusTooManyRequests || serr.code >= 500
	}
	return true
}
