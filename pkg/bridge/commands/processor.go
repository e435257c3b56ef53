// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

// Processor dispatches command messages to registered handlers.
type Processor struct {
	Log zerolog.Logger
	// Version is printed by the version command.
	Version string

	mu       sync.RWMutex
	registry map[string]*Command
	ordered  []*Command

	// refNo tags unhandled command errors in logs and user replies so
	// reports can be matched to log lines. Seeding from the clock keeps
	// refs unique across restarts.
	refNo     atomic.Int64
	helpCache *exsync.Map[HelpCacheKey, string]
}

// NewProcessor creates a processor with the built-in commands
// registered.
func NewProcessor(log zerolog.Logger) *Processor {
	proc := &Processor{
		Log:       log,
		Version:   "unknown",
		registry:  make(map[string]*Command),
		helpCache: exsync.NewMap[HelpCacheKey, string](),
	}
	proc.refNo.Store(time.Now().Unix())
	proc.Register(cmdHelp, cmdCancel, cmdVersion)
	return proc
}

// Register adds commands to the registry. Names and aliases are
// case-insensitive; later registrations override earlier ones. The help
// cache is invalidated.
func (proc *Processor) Register(cmds ...*Command) {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	for _, cmd := range cmds {
		proc.registry[strings.ToLower(cmd.Name)] = cmd
		for _, alias := range cmd.Aliases {
			proc.registry[strings.ToLower(alias)] = cmd
		}
		proc.ordered = append(proc.ordered, cmd)
	}
	proc.helpCache = exsync.NewMap[HelpCacheKey, string]()
}

func (proc *Processor) lookup(command string) *Command {
	proc.mu.RLock()
	defer proc.mu.RUnlock()
	return proc.registry[strings.ToLower(command)]
}

func (proc *Processor) nextRef() int64 {
	return proc.refNo.Add(1)
}

// Handle parses and runs one command message. The text has already had
// the command prefix removed. A returned error means the handler failed
// after the user was already notified; callers use it for delivery
// checkpoints only.
func (proc *Processor) Handle(ctx context.Context, ce *Event, text string) error {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	ce.Processor = proc
	ce.Ctx = ctx
	ce.Command = strings.ToLower(fields[0])
	ce.Args = fields[1:]
	if idx := strings.IndexAny(text, " \t"); idx >= 0 {
		ce.RawArgs = strings.TrimLeft(text[idx:], " \t")
	}

	cmd := proc.lookup(ce.Command)
	var denial string
	if cmd != nil {
		denial = cmd.permissionError(ctx, ce)
	}

	// A pending interactive flow catches everything that isn't a
	// runnable command, including known commands the sender may not use
	// here. The cancel command always wins so users can escape.
	state := ce.Sender.CommandState()
	if (cmd == nil || denial != "") && state != nil && state.Next != nil && ce.Command != "cancel" {
		ce.Args = fields
		ce.RawArgs = text
		ce.Handler = nil
		return proc.run(ce, state.Next)
	}
	if cmd == nil {
		ce.Reply("Unknown command. Try `$cmdprefix+sp help` for a list of commands.")
		return nil
	}
	if denial != "" {
		ce.Reply("%s", denial)
		return nil
	}
	ce.Handler = cmd
	return proc.run(ce, cmd.Handler)
}

// run executes a handler, converting panics into errors and reporting
// failures to the user with a reference number. The error is also
// returned so the delivery status can reflect it.
func (proc *Processor) run(ce *Event, handler HandlerFunc) (err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("panic in command handler: %v", panicErr)
			proc.Log.Error().
				Any("panic", panicErr).
				Str("command", ce.Command).
				Str("stack", string(debug.Stack())).
				Msg("Panic in command handler")
		}
		if err == nil {
			return
		}
		ref := proc.nextRef()
		proc.Log.Error().Err(err).
			Str("command", ce.Command).
			Str("sender", ce.Sender.GetMXID().String()).
			Int64("ref", ref).
			Msg("Unhandled error in command handler")
		if ce.Sender.IsAdmin() {
			ce.Reply("Unhandled error while handling command: %v (ref: %d)", err, ref)
		} else {
			ce.Reply("Unhandled error while handling command (ref: %d)", ref)
		}
	}()
	return handler(ce)
}
