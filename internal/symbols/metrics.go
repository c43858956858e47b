// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symbols

import (
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/stackwalk/internal/promutil"
)

const (
	statusSuccess   = "success"
	statusNotFound  = "not_found"
	statusMalformed = "malformed"
	statusIO        = "io"

	resultFound       = "found"
	resultNoSymbol    = "no_symbol"
	resultUnavailable = "unavailable"
)

type metrics struct {
	fetches *prometheus.CounterVec
	lookups *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackwalk_symbol_fetches_total",
			Help: "Total number of symbol fetches by status",
		}, []string{"status"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackwalk_symbol_lookups_total",
			Help: "Total number of address lookups by result",
		}, []string{"result"}),
	}
	m.fetches = promutil.RegisterOrGet(reg, m.fetches)
	m.lookups = promutil.RegisterOrGet(reg, m.lookups)
	return m
}

func fetchStatus(err *FetchError) string {
	if err == nil {
		return statusSuccess
	}
	switch err.Kind {
	case KindNotFound:
		return statusNotFound
	case KindMalformed:
		return statusMalformed
	}
	return statusIO
}
