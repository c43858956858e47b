// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cfi evaluates call frame information: per-address programs
// that compute a caller's registers from its callee's registers and
// stack memory.
//
// Programs use the rule syntax of Breakpad STACK CFI records:
//
//	.cfa: $rsp 16 + .ra: .cfa -8 + ^ $rbp: .cfa -16 + ^
//
// Every program must define the canonical frame address (.cfa), which
// becomes the caller's stack pointer, and the return address (.ra),
// which becomes the caller's program counter.
package cfi

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/stackwalk/internal/core"
)

const (
	// CFA names the canonical frame address pseudo register.
	CFA = ".cfa"
	// RA names the return address pseudo register.
	RA = ".ra"
)

var (
	ErrMissingRule       = errors.New("missing rule")
	ErrUndefinedRegister = errors.New("undefined register")
	ErrStackUnderflow    = errors.New("expression stack underflow")
	ErrDivideByZero      = errors.New("division by zero")
	ErrMalformedExpr     = errors.New("malformed expression")
)

// An EvalError records which rule of a program failed.
type EvalError struct {
	Register string
	Err      error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("cfi rule %s: %v", e.Register, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// A Rule recovers one register of the caller.
type Rule struct {
	Register string
	Expr     Expr
}

func (r Rule) String() string {
	return r.Register + ": " + r.Expr.String()
}

// ParseRules parses a sequence of "REG: EXPR" rules.
func ParseRules(s string) ([]Rule, error) {
	var rules []Rule
	var reg string
	var expr []string
	flush := func() error {
		if reg == "" {
			if len(expr) > 0 {
				return fmt.Errorf("%w: expression %q has no register", ErrMalformedExpr, strings.Join(expr, " "))
			}
			return nil
		}
		e, err := ParseExpr(strings.Join(expr, " "))
		if err != nil {
			return fmt.Errorf("rule for %s: %w", reg, err)
		}
		rules = append(rules, Rule{Register: reg, Expr: e})
		return nil
	}
	for _, f := range strings.Fields(s) {
		if strings.HasSuffix(f, ":") {
			if err := flush(); err != nil {
				return nil, err
			}
			reg = strings.TrimPrefix(strings.TrimSuffix(f, ":"), "$")
			expr = expr[:0]
			if reg == "" {
				return nil, fmt.Errorf("%w: empty register name", ErrMalformedExpr)
			}
			continue
		}
		expr = append(expr, f)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return rules, nil
}

// A Program is the ordered set of rules valid for the addresses
// [Start, Start+Size) of one function. Addresses are relative to the
// module base.
type Program struct {
	Start uint64
	Size  uint64
	Rules []Rule
}

// Contains reports whether the program covers the module-relative address rva.
func (p *Program) Contains(rva uint64) bool {
	return rva >= p.Start && rva-p.Start < p.Size
}

func (p *Program) String() string {
	parts := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}

// Evaluate computes the caller's registers.
//
// Rules run in order. Names of real registers always refer to the
// callee's values; pseudo registers (names starting with '.') can be
// used by any rule after the one that defines them. Callee-saved
// registers the program does not recover keep the callee's value.
// Any failure, including a dereference of unreadable memory, fails the
// whole evaluation.
func (p *Program) Evaluate(callee *core.RegisterContext, mem core.MemoryReader) (*core.RegisterContext, error) {
	a := callee.Arch()
	v := &env{arch: a, callee: callee, pseudo: make(map[string]uint64, 2), mem: mem}

	type recovered struct {
		reg string
		val uint64
	}
	var regs []recovered
	for _, r := range p.Rules {
		x, err := r.Expr.eval(v)
		if err != nil {
			return nil, &EvalError{Register: r.Register, Err: err}
		}
		if strings.HasPrefix(r.Register, ".") {
			v.pseudo[r.Register] = x
			continue
		}
		regs = append(regs, recovered{r.Register, x})
	}
	cfa, ok := v.pseudo[CFA]
	if !ok {
		return nil, &EvalError{Register: CFA, Err: ErrMissingRule}
	}
	ra, ok := v.pseudo[RA]
	if !ok {
		return nil, &EvalError{Register: RA, Err: ErrMissingRule}
	}

	caller := core.EmptyContext(a)
	for _, reg := range a.CalleeSaved {
		if x, ok := callee.Get(reg); ok {
			caller = caller.With(reg, x)
		}
	}
	for _, r := range regs {
		caller = caller.With(r.reg, r.val)
	}
	return caller.With(a.SP, cfa).With(a.PC, ra), nil
}
