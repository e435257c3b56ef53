// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-appservice/pkg/appservice"
	"github.com/aiku/matrix-appservice/pkg/bridge/commands"
)

// MatrixClient is the slice of the Matrix client-server API the bridge
// core needs. *mautrix.Client satisfies it; tests substitute fakes.
type MatrixClient interface {
	Whoami(ctx context.Context) (*mautrix.RespWhoami, error)
	CreateFilter(ctx context.Context, filter *mautrix.Filter) (*mautrix.RespCreateFilter, error)
	SyncRequest(ctx context.Context, timeout int, since, filterID string, fullState bool, setPresence event.Presence) (*mautrix.RespSync, error)
	Login(ctx context.Context, req *mautrix.ReqLogin) (*mautrix.RespLogin, error)
	QueryKeys(ctx context.Context, req *mautrix.ReqQueryKeys) (*mautrix.RespQueryKeys, error)
	JoinedRooms(ctx context.Context) (*mautrix.RespJoinedRooms, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinedMembers, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID, optionalReq ...*mautrix.ReqLeave) (*mautrix.RespLeaveRoom, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error)
	StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, outContent any) error
}

var _ MatrixClient = (*mautrix.Client)(nil)

// User is a Matrix user known to the bridge.
type User interface {
	commands.User
	// IsWhitelisted reports whether this user may talk to the bridge at
	// all. Events from non-whitelisted users are dropped early.
	IsWhitelisted() bool
}

// Portal is a bridged room.
type Portal interface {
	commands.Portal
	// AllowBridgingMessage is the last gate before a message is handed
	// to the remote network.
	AllowBridgingMessage(ctx context.Context, sender User, evt *event.Event) bool
	HandleMatrixMessage(ctx context.Context, sender User, evt *event.Event)
	// MarkEncrypted records that the room turned on encryption.
	MarkEncrypted(ctx context.Context)
	IsEncrypted() bool
}

// Puppet is a ghost user owned by the bridge, optionally replaced by a
// real Matrix account through double puppeting.
type Puppet interface {
	DefaultMXID() id.UserID
	CustomMXID() id.UserID
	Intent() MatrixClient
}

// Backend is the minimal entity lookup surface a bridge implementation
// must provide. All lookups return nil for unknown entities. Optional
// behavior is discovered by type-asserting the backend against the
// capability interfaces below.
type Backend interface {
	GetUser(ctx context.Context, mxid id.UserID) User
	GetPortal(ctx context.Context, roomID id.RoomID) Portal
	GetPuppet(ctx context.Context, mxid id.UserID) Puppet
	GetPuppetByCustomMXID(ctx context.Context, mxid id.UserID) Puppet
}

// MemberAction names the exact membership transition an m.room.member
// event represents. The router derives exactly one action per event.
type MemberAction string

const (
	MemberActionInvite        MemberAction = "invite"
	MemberActionAcceptKnock   MemberAction = "accept_knock"
	MemberActionBan           MemberAction = "ban"
	MemberActionUnban         MemberAction = "unban"
	MemberActionRejectInvite  MemberAction = "reject_invite"
	MemberActionDisinvite     MemberAction = "disinvite"
	MemberActionRetractKnock  MemberAction = "retract_knock"
	MemberActionRejectKnock   MemberAction = "reject_knock"
	MemberActionLeave         MemberAction = "leave"
	MemberActionKick          MemberAction = "kick"
	MemberActionJoin          MemberAction = "join"
	MemberActionProfileChange MemberAction = "profile_change"
	MemberActionKnock         MemberAction = "knock"
)

// MembershipChange carries a classified member event to the backend.
type MembershipChange struct {
	Action MemberAction
	Portal Portal
	// Sender is nil when the sender is not a known user (e.g. a ghost).
	Sender User
	Target id.UserID
	Event  *event.Event

	Content     *event.MemberEventContent
	PrevContent *event.MemberEventContent
}

// MembershipHandler receives classified membership changes in portal
// rooms.
type MembershipHandler interface {
	HandleMatrixMembership(ctx context.Context, change *MembershipChange)
}

// StateHandler receives non-member state events in portal rooms (name,
// topic, avatar, tombstones and so on).
type StateHandler interface {
	HandleMatrixStateEvent(ctx context.Context, portal Portal, sender User, evt *event.Event)
}

// GenericEventHandler receives non-message room events the router has
// no dedicated path for (reactions, redactions).
type GenericEventHandler interface {
	HandleMatrixEvent(ctx context.Context, portal Portal, sender User, evt *event.Event)
}

// EphemeralHandler receives typing and presence updates.
type EphemeralHandler interface {
	HandleMatrixTyping(ctx context.Context, portal Portal, userIDs []id.UserID)
	HandleMatrixPresence(ctx context.Context, user User, evt *event.Event)
}

// ReadReceiptHandler receives read receipts from real users in portal
// rooms.
type ReadReceiptHandler interface {
	HandleMatrixReadReceipt(ctx context.Context, portal Portal, user User, eventID id.EventID, receipt event.ReadReceipt)
}

// DirectInviteHandler lets the backend accept direct-chat invites to
// its ghost users by creating a portal for the DM.
type DirectInviteHandler interface {
	HandleDirectInvite(ctx context.Context, roomID id.RoomID, inviter User, puppet Puppet) error
}

// Decryptor is the crypto machinery behind encrypted portals. The
// router feeds it everything it needs to maintain device state and
// calls Decrypt on incoming m.room.encrypted events.
type Decryptor interface {
	Decrypt(ctx context.Context, evt *event.Event) (*event.Event, error)
	RequestSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, userID id.UserID, deviceID id.DeviceID)
	WaitForSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, timeout time.Duration) bool

	HandleMemberEvent(ctx context.Context, evt *event.Event)
	HandleToDeviceEvent(ctx context.Context, evt *event.Event)
	HandleDeviceLists(ctx context.Context, lists *mautrix.DeviceLists)
	HandleOTKCounts(ctx context.Context, counts appservice.OTKCounts)
}

// PuppetCredentials is the persisted double-puppeting state for one
// ghost.
type PuppetCredentials struct {
	CustomMXID  id.UserID
	AccessToken string
	BaseURL     string
	NextBatch   string
}

// CredentialStore persists double-puppeting credentials across
// restarts. Saving nil credentials clears the stored row.
type CredentialStore interface {
	SavePuppetCredentials(ctx context.Context, defaultMXID id.UserID, creds *PuppetCredentials) error
	LoadAllPuppetCredentials(ctx context.Context) (map[id.UserID]*PuppetCredentials, error)
}
