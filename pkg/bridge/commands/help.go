// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package commands

import (
	"fmt"
	"sort"
	"strings"
)

// Standard help sections. Bridge-specific commands may define their own
// with an Order between these.
var (
	HelpSectionGeneral = HelpSection{Name: "General", Order: 0}
	HelpSectionAuth    = HelpSection{Name: "Authentication", Order: 10}
	HelpSectionAdmin   = HelpSection{Name: "Administration", Order: 50}
)

// HelpCacheKey captures everything the help output depends on, so the
// rendered text can be cached per situation instead of per user.
type HelpCacheKey struct {
	IsManagement bool
	IsPortal     bool
	IsAdmin      bool
	IsLoggedIn   bool
}

func (ce *Event) helpCacheKey() HelpCacheKey {
	return HelpCacheKey{
		IsManagement: ce.IsManagement,
		IsPortal:     ce.Portal != nil,
		IsAdmin:      ce.Sender.IsAdmin(),
		IsLoggedIn:   ce.Sender.IsLoggedIn(ce.Ctx),
	}
}

func (cmd *Command) visibleFor(key HelpCacheKey) bool {
	if cmd.Help.Description == "" {
		return false
	}
	if cmd.ManagementOnly && !key.IsManagement {
		return false
	}
	if cmd.NeedsAdmin && !key.IsAdmin {
		return false
	}
	if cmd.NeedsAuth && !key.IsLoggedIn {
		return false
	}
	return true
}

// renderHelp builds the command list for one situation, grouped by
// section.
func (proc *Processor) renderHelp(key HelpCacheKey) string {
	proc.mu.RLock()
	cmds := make([]*Command, 0, len(proc.ordered))
	for _, cmd := range proc.ordered {
		if cmd.visibleFor(key) {
			cmds = append(cmds, cmd)
		}
	}
	proc.mu.RUnlock()
	sort.SliceStable(cmds, func(i, j int) bool {
		return cmds[i].Help.Section.Order < cmds[j].Help.Section.Order
	})

	var sb strings.Builder
	sb.WriteString("# Help\n")
	currentSection := ""
	for _, cmd := range cmds {
		if cmd.Help.Section.Name != currentSection {
			currentSection = cmd.Help.Section.Name
			_, _ = fmt.Fprintf(&sb, "\n#### %s\n", currentSection)
		}
		if cmd.Help.Args != "" {
			_, _ = fmt.Fprintf(&sb, "* **$cmdprefix+sp %s** %s - %s\n", cmd.Name, cmd.Help.Args, cmd.Help.Description)
		} else {
			_, _ = fmt.Fprintf(&sb, "* **$cmdprefix+sp %s** - %s\n", cmd.Name, cmd.Help.Description)
		}
	}
	return sb.String()
}

var cmdHelp = &Command{
	Name: "help",
	Help: HelpMeta{
		Section:     HelpSectionGeneral,
		Description: "Show this help message.",
	},
	Handler: func(ce *Event) error {
		key := ce.helpCacheKey()
		text, ok := ce.Processor.helpCache.Get(key)
		if !ok {
			text = ce.Processor.renderHelp(key)
			ce.Processor.helpCache.Set(key, text)
		}
		ce.Reply("%s", text)
		return nil
	},
}

var cmdCancel = &Command{
	Name: "cancel",
	Help: HelpMeta{
		Section:     HelpSectionGeneral,
		Description: "Cancel an ongoing action.",
	},
	Handler: func(ce *Event) error {
		state := ce.Sender.CommandState()
		if state == nil {
			ce.Reply("No ongoing action to cancel.")
			return nil
		}
		ce.Sender.SetCommandState(nil)
		action := state.Action
		if action == "" {
			action = "Action"
		}
		ce.Reply("%s cancelled.", action)
		return nil
	},
}

var cmdVersion = &Command{
	Name: "version",
	Help: HelpMeta{
		Section:     HelpSectionGeneral,
		Description: "Show the bridge version.",
	},
	Handler: func(ce *Event) error {
		ce.Reply("%s", ce.Processor.Version)
		return nil
	},
}
