// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfi

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/stackwalk/arch"
	"golang.org/x/stackwalk/internal/core"
)

type tokenKind uint8

const (
	tokConst tokenKind = iota
	tokReg
	tokOp
)

type token struct {
	kind tokenKind
	val  uint64 // tokConst
	name string // tokReg
	op   byte   // tokOp
}

func (t token) String() string {
	switch t.kind {
	case tokConst:
		return strconv.FormatInt(int64(t.val), 10)
	case tokReg:
		return t.name
	}
	return string(t.op)
}

// An Expr is a postfix expression over registers, constants and memory.
//
// Operators are the binary + - * / % and @ (align down: "a b @" is a
// rounded down to a multiple of b), and the unary ^, which replaces
// the top of the stack with the pointer-sized word stored at that
// address.
type Expr struct {
	toks []token
}

// ParseExpr parses a whitespace separated postfix expression.
func ParseExpr(s string) (Expr, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Expr{}, fmt.Errorf("%w: empty expression", ErrMalformedExpr)
	}
	toks := make([]token, 0, len(fields))
	depth := 0
	for _, f := range fields {
		t, err := parseToken(f)
		if err != nil {
			return Expr{}, err
		}
		switch {
		case t.kind != tokOp:
			depth++
		case t.op == '^':
			if depth < 1 {
				return Expr{}, fmt.Errorf("%w: %q in %q", ErrStackUnderflow, f, s)
			}
		default:
			if depth < 2 {
				return Expr{}, fmt.Errorf("%w: %q in %q", ErrStackUnderflow, f, s)
			}
			depth--
		}
		toks = append(toks, t)
	}
	if depth != 1 {
		return Expr{}, fmt.Errorf("%w: %q leaves %d values", ErrMalformedExpr, s, depth)
	}
	return Expr{toks: toks}, nil
}

func parseToken(f string) (token, error) {
	if len(f) == 1 && strings.IndexByte("+-*/%@^", f[0]) >= 0 {
		return token{kind: tokOp, op: f[0]}, nil
	}
	if c := f[0]; c == '$' || c == '.' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return token{kind: tokReg, name: f}, nil
	}
	if v, err := strconv.ParseInt(f, 0, 64); err == nil {
		return token{kind: tokConst, val: uint64(v)}, nil
	}
	if v, err := strconv.ParseUint(f, 0, 64); err == nil {
		return token{kind: tokConst, val: v}, nil
	}
	return token{}, fmt.Errorf("%w: bad token %q", ErrMalformedExpr, f)
}

func (e Expr) String() string {
	parts := make([]string, len(e.toks))
	for i, t := range e.toks {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}

// env is the state visible to an expression: the callee's registers,
// the pseudo registers computed so far and the stack memory.
type env struct {
	arch   *arch.Architecture
	callee *core.RegisterContext
	pseudo map[string]uint64
	mem    core.MemoryReader
}

func (v *env) lookup(name string) (uint64, error) {
	if strings.HasPrefix(name, ".") {
		if x, ok := v.pseudo[name]; ok {
			return x, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrUndefinedRegister, name)
	}
	if x, ok := v.callee.Get(name); ok {
		return x, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUndefinedRegister, name)
}

func (e Expr) eval(v *env) (uint64, error) {
	var stack [16]uint64
	s := stack[:0]
	for _, t := range e.toks {
		switch t.kind {
		case tokConst:
			s = append(s, v.arch.Mask(t.val))
			continue
		case tokReg:
			x, err := v.lookup(t.name)
			if err != nil {
				return 0, err
			}
			s = append(s, x)
			continue
		}
		if t.op == '^' {
			if len(s) < 1 {
				return 0, ErrStackUnderflow
			}
			x, err := v.mem.ReadUintptr(core.Address(s[len(s)-1]))
			if err != nil {
				return 0, err
			}
			s[len(s)-1] = x
			continue
		}
		if len(s) < 2 {
			return 0, ErrStackUnderflow
		}
		a, b := s[len(s)-2], s[len(s)-1]
		s = s[:len(s)-1]
		var r uint64
		switch t.op {
		case '+':
			r = a + b
		case '-':
			r = a - b
		case '*':
			r = a * b
		case '/':
			if b == 0 {
				return 0, ErrDivideByZero
			}
			r = a / b
		case '%':
			if b == 0 {
				return 0, ErrDivideByZero
			}
			r = a % b
		case '@':
			if b == 0 || b&(b-1) != 0 {
				return 0, fmt.Errorf("%w: alignment %d is not a power of two", ErrMalformedExpr, b)
			}
			r = a &^ (b - 1)
		}
		s[len(s)-1] = v.arch.Mask(r)
	}
	if len(s) != 1 {
		return 0, fmt.Errorf("%w: %d values left on stack", ErrMalformedExpr, len(s))
	}
	return s[0], nil
}
