// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge contains the Matrix-side event processing core of an
// application-service bridge: routing pushed events to portals and
// users, the room membership state machine, the encryption retry gate
// and the double-puppeting sync engine.
//
// # Event Flow
//
// [EventRouter] implements the appservice event sink. Every accepted
// event is filtered (own echoes and unknown types are dropped), then
// routed by type: messages to the owning [Portal] or the command
// processor, member events through the membership state machine to a
// [MembershipHandler], encrypted events through the [Decryptor] retry
// gate, and ephemeral events to the optional capability handlers.
//
// # Capabilities
//
// The [Backend] interface covers only entity lookup. Everything else is
// optional: the router type-asserts the backend against the capability
// interfaces ([MembershipHandler], [StateHandler], [EphemeralHandler],
// [ReadReceiptHandler], [DirectInviteHandler], [GenericEventHandler])
// and silently skips features the backend does not implement.
//
// # Double Puppeting
//
// [SyncEngine] runs one /sync loop per logged-in custom puppet so the
// bridge sees the real user's receipts and typing notifications. Loops
// back off quadratically on failure and re-login automatically through
// the shared secret when the stored token expires.
package bridge
