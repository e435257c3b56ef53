// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"maunium.net/go/mautrix/event"
)

// membershipTransition maps a membership change to its action. When an
// event carries no previous content, the previous membership is assumed
// to be join: homeservers may omit prev_content for state the appservice
// already saw, and join is the only state in which that normally happens.
func membershipTransition(prev, next event.Membership, senderIsTarget bool) MemberAction {
	switch next {
	case event.MembershipInvite:
		if prev == event.MembershipKnock {
			return MemberActionAcceptKnock
		}
		return MemberActionInvite
	case event.MembershipBan:
		return MemberActionBan
	case event.MembershipLeave:
		switch {
		case prev == event.MembershipBan:
			return MemberActionUnban
		case prev == event.MembershipInvite && senderIsTarget:
			return MemberActionRejectInvite
		case prev == event.MembershipInvite:
			return MemberActionDisinvite
		case prev == event.MembershipKnock && senderIsTarget:
			return MemberActionRetractKnock
		case prev == event.MembershipKnock:
			return MemberActionRejectKnock
		case senderIsTarget:
			return MemberActionLeave
		default:
			return MemberActionKick
		}
	case event.MembershipJoin:
		if prev != event.MembershipJoin {
			return MemberActionJoin
		}
		return MemberActionProfileChange
	case event.MembershipKnock:
		return MemberActionKnock
	default:
		return ""
	}
}

// classifyMemberEvent extracts the pieces of a member event the
// transition needs. The parsed previous content defaults to an empty
// struct so callers never nil-check it.
func classifyMemberEvent(evt *event.Event) (action MemberAction, content, prevContent *event.MemberEventContent) {
	content = evt.Content.AsMember()
	prevContent = &event.MemberEventContent{}
	prevMembership := event.MembershipJoin
	if evt.Unsigned.PrevContent != nil {
		_ = evt.Unsigned.PrevContent.ParseRaw(event.StateMember)
		if prev := evt.Unsigned.PrevContent.AsMember(); prev != nil {
			prevContent = prev
			prevMembership = prev.Membership
		}
	}
	senderIsTarget := evt.Sender.String() == evt.GetStateKey()
	action = membershipTransition(prevMembership, content.Membership, senderIsTarget)
	return
}
