// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stackwalk

import (
	"errors"

	"github.com/spf13/pflag"
)

// Config holds the tunable limits of the walker.
type Config struct {
	// MaxFrames caps the number of frames per thread.
	MaxFrames int `yaml:"max_frames"`
	// ScanWindow is the number of stack words searched for a return
	// address when unwinding a caller frame.
	ScanWindow int `yaml:"scan_window"`
	// ContextScanWindow replaces ScanWindow for the first frame, whose
	// stack pointer may be far from the nearest return address.
	ContextScanWindow int `yaml:"context_scan_window"`
	// MaxScannedFrames caps the number of frames per thread recovered
	// by scanning.
	MaxScannedFrames int `yaml:"max_scanned_frames"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxFrames:         1024,
		ScanWindow:        40,
		ContextScanWindow: 120,
		MaxScannedFrames:  1024,
	}
}

func (cfg *Config) RegisterFlags(f *pflag.FlagSet) {
	d := DefaultConfig()
	f.IntVar(&cfg.MaxFrames, "walker.max-frames", d.MaxFrames, "Maximum number of frames recovered per thread.")
	f.IntVar(&cfg.ScanWindow, "walker.scan-window", d.ScanWindow, "Number of stack words searched for a return address.")
	f.IntVar(&cfg.ContextScanWindow, "walker.context-scan-window", d.ContextScanWindow, "Number of stack words searched for the first return address of a thread.")
	f.IntVar(&cfg.MaxScannedFrames, "walker.max-scanned-frames", d.MaxScannedFrames, "Maximum number of frames per thread recovered by stack scanning. 0 disables scanning.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxFrames <= 0 {
		return errors.New("walker.max-frames must be positive")
	}
	if cfg.ScanWindow < 0 || cfg.ContextScanWindow < 0 || cfg.MaxScannedFrames < 0 {
		return errors.New("walker scan limits must not be negative")
	}
	return nil
}
