// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package commands

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// User is the command-facing view of a bridge user.
type User interface {
	GetMXID() id.UserID
	IsAdmin() bool
	IsLoggedIn(ctx context.Context) bool
	CommandState() *CommandState
	SetCommandState(state *CommandState)
}

// Portal is the command-facing view of a bridged room.
type Portal interface {
	GetMXID() id.RoomID
}

// MatrixSender sends the replies. *mautrix.Client satisfies it.
type MatrixSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// CommandState is a pending interactive flow for one user. While set,
// any message that is not a known command continues the flow.
type CommandState struct {
	Next HandlerFunc
	// Action names the flow for the cancel command ("Login", "Setup").
	Action string
	Meta   any
}

// HandlerFunc executes one command invocation.
type HandlerFunc func(ce *Event) error

// HelpSection groups commands in the help output.
type HelpSection struct {
	Name  string
	Order int
}

// HelpMeta describes a command for the help command. Commands with an
// empty description are hidden.
type HelpMeta struct {
	Section     HelpSection
	Description string
	Args        string
}

// Command is one registered command.
type Command struct {
	Name    string
	Aliases []string
	Help    HelpMeta

	// ManagementOnly commands only work in the private room with the
	// bot, NeedsAdmin requires bridge admin rights and NeedsAuth
	// requires being logged into the remote network.
	ManagementOnly bool
	NeedsAdmin     bool
	NeedsAuth      bool

	Handler HandlerFunc
}

// permissionError returns the denial message for this sender, or empty
// when the command is allowed.
func (cmd *Command) permissionError(ctx context.Context, ce *Event) string {
	if cmd.ManagementOnly && !ce.IsManagement {
		return fmt.Sprintf("`%s` is a management room only command. Send the command to your private chat with the bridge bot.", cmd.Name)
	} else if cmd.NeedsAdmin && !ce.Sender.IsAdmin() {
		return "This command requires administrator privileges."
	} else if cmd.NeedsAuth && !ce.Sender.IsLoggedIn(ctx) {
		return "This command requires you to be logged in."
	}
	return ""
}

// Event is one command invocation.
type Event struct {
	Bot       MatrixSender
	Processor *Processor
	Handler   *Command

	RoomID       id.RoomID
	EventID      id.EventID
	Sender       User
	Portal       Portal
	IsManagement bool

	CommandPrefix string
	Command       string
	Args          []string
	RawArgs       string

	Ctx context.Context
}

// Reply formats and sends a markdown notice to the room the command
// came from. "$cmdprefix+sp " and "$cmdprefix" placeholders expand to
// the configured prefix; the +sp variant disappears entirely in
// management rooms where no prefix is needed.
func (ce *Event) Reply(msg string, args ...any) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if ce.IsManagement {
		msg = strings.ReplaceAll(msg, "$cmdprefix+sp ", "")
	} else {
		msg = strings.ReplaceAll(msg, "$cmdprefix+sp ", ce.CommandPrefix+" ")
	}
	msg = strings.ReplaceAll(msg, "$cmdprefix", ce.CommandPrefix)
	content := format.RenderMarkdown(msg, true, false)
	content.MsgType = event.MsgNotice
	if _, err := ce.Bot.SendMessageEvent(ce.Ctx, ce.RoomID, event.EventMessage, &content); err != nil && ce.Processor != nil {
		ce.Processor.Log.Warn().Err(err).Str("room_id", ce.RoomID.String()).Msg("Failed to send command reply")
	}
}
