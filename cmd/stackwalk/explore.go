// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Skip some ports that github.com/chzyer/readline doesn't support.
// (See go.dev/issue/32839.)
//
//go:build !aix && !plan9 && !wasm

package main

import (
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"golang.org/x/stackwalk/internal/processor"
)

var cmdExplore = &cobra.Command{
	Use:   "explore <snapshot>",
	Short: "walk the snapshot and browse the result in an interactive shell",
	Args:  cobra.ExactArgs(1),
	RunE:  runExplore,
}

func init() {
	cmdRoot.AddCommand(cmdExplore)
}

func runExplore(cmd *cobra.Command, args []string) error {
	snap, state, err := process(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer snap.Close()

	done := false
	root := shellCommands(state, func() { done = true })
	completer := readline.NewPrefixCompleter(readline.PcItem("help"))
	for _, child := range root.Commands() {
		cmdToCompleter(completer, child)
	}

	shell, err := readline.NewEx(&readline.Config{
		Prompt:       "(stackwalk) ",
		AutoComplete: completer,
		EOFPrompt:    "\n",
	})
	if err != nil {
		return err
	}
	defer shell.Close()

	out := shell.Terminal
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Snapshot %q: %d threads, %d modules\n", args[0], len(state.Threads), len(state.Modules))
	fmt.Fprintf(out, "Entering interactive mode (type 'help' for commands)\n")
	root.SetOut(out)
	root.SetErr(out)

	for !done {
		l, err := shell.Readline()
		if err != nil {
			if err != io.EOF && err != readline.ErrInterrupt {
				fmt.Fprintf(out, "Error: %v\n", err)
			}
			break
		}
		if strings.TrimSpace(l) == "" {
			continue
		}
		err = capturePanic(func() error {
			root.SetArgs(strings.Fields(l))
			return root.Execute()
		})
		if err != nil {
			fmt.Fprintf(out, "Error while trying to run command %q: %v\n", l, err)
		}
	}
	return nil
}

// shellCommands returns the commands of the interactive shell. quit is
// called by the quit command.
func shellCommands(state *processor.ProcessState, quit func()) *cobra.Command {
	root := &cobra.Command{
		Use:               "(stackwalk)",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "threads",
			Short: "list threads with their top frame",
			Args:  cobra.ExactArgs(0),
			Run: func(cmd *cobra.Command, args []string) {
				w := cmd.OutOrStdout()
				for i, st := range state.Threads {
					mark := " "
					if i == state.RequestingThread {
						mark = "*"
					}
					top := "(no frames)"
					if len(st.Frames) > 0 {
						top = st.Frames[0].String()
					}
					fmt.Fprintf(w, "%s %3d  thread %-6d %3d frames  %s\n", mark, i, st.ThreadID, len(st.Frames), top)
				}
			},
		},
		&cobra.Command{
			Use:   "thread <n>",
			Short: "print the stack of the n'th thread",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := threadIndex(state, args[0])
				if err != nil {
					return err
				}
				writeThread(cmd.OutOrStdout(), state, n, false)
				return nil
			},
		},
		&cobra.Command{
			Use:   "frame <n> <m>",
			Short: "print the registers of frame m of the n'th thread",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := threadIndex(state, args[0])
				if err != nil {
					return err
				}
				frames := state.Threads[n].Frames
				m, err := strconv.Atoi(args[1])
				if err != nil || m < 0 || m >= len(frames) {
					return fmt.Errorf("thread %s has no frame %s", args[0], args[1])
				}
				writeFrame(cmd.OutOrStdout(), m, frames[m], true)
				return nil
			},
		},
		&cobra.Command{
			Use:   "modules",
			Short: "print the loaded modules",
			Args:  cobra.ExactArgs(0),
			Run: func(cmd *cobra.Command, args []string) {
				writeModules(cmd.OutOrStdout(), state)
			},
		},
		&cobra.Command{
			Use:     "quit",
			Aliases: []string{"exit", "bye"},
			Short:   "exit from interactive mode",
			Args:    cobra.ExactArgs(0),
			Run: func(*cobra.Command, []string) {
				quit()
			},
		},
	)
	return root
}

func threadIndex(state *processor.ProcessState, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= len(state.Threads) {
		return 0, fmt.Errorf("no thread %s; there are %d", s, len(state.Threads))
	}
	return n, nil
}

func capturePanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v\nStack: %s\n", r, debug.Stack())
		}
	}()
	return fn()
}

func cmdToCompleter(parent readline.PrefixCompleterInterface, c *cobra.Command) {
	completer := readline.PcItem(c.Name())
	parent.SetChildren(append(parent.GetChildren(), completer))
	for _, child := range c.Commands() {
		cmdToCompleter(completer, child)
	}
}
