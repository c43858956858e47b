// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stackwalk

import (
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/stackwalk/internal/promutil"
)

type metrics struct {
	frames    *prometheus.CounterVec
	truncated prometheus.Counter
	duration  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackwalk_frames_total",
			Help: "Total number of frames recovered by trust level",
		}, []string{"trust"}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackwalk_truncated_stacks_total",
			Help: "Total number of stacks cut off at the frame limit",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackwalk_thread_walk_duration_seconds",
			Help:    "Time spent walking one thread, including symbol fetches",
			Buckets: []float64{.0001, .001, .01, .1, 1, 10, 60},
		}),
	}
	m.frames = promutil.RegisterOrGet(reg, m.frames)
	m.truncated = promutil.RegisterOrGet(reg, m.truncated)
	m.duration = promutil.RegisterOrGet(reg, m.duration)
	return m
}
