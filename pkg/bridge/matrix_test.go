// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-appservice/pkg/bridge/commands"
)

type fakeBridgeUser struct {
	mxid        id.UserID
	admin       bool
	whitelisted bool
	loggedIn    bool
	state       *commands.CommandState
}

func (fu *fakeBridgeUser) GetMXID() id.UserID                       { return fu.mxid }
func (fu *fakeBridgeUser) IsAdmin() bool                            { return fu.admin }
func (fu *fakeBridgeUser) IsLoggedIn(_ context.Context) bool        { return fu.loggedIn }
func (fu *fakeBridgeUser) CommandState() *commands.CommandState     { return fu.state }
func (fu *fakeBridgeUser) SetCommandState(s *commands.CommandState) { fu.state = s }
func (fu *fakeBridgeUser) IsWhitelisted() bool                      { return fu.whitelisted }

type fakePortal struct {
	mxid          id.RoomID
	blockBridging bool
	encrypted     bool
	messages      []*event.Event
}

func (fp *fakePortal) GetMXID() id.RoomID { return fp.mxid }
func (fp *fakePortal) AllowBridgingMessage(_ context.Context, _ User, _ *event.Event) bool {
	return !fp.blockBridging
}
func (fp *fakePortal) HandleMatrixMessage(_ context.Context, _ User, evt *event.Event) {
	fp.messages = append(fp.messages, evt)
}
func (fp *fakePortal) MarkEncrypted(_ context.Context) { fp.encrypted = true }
func (fp *fakePortal) IsEncrypted() bool               { return fp.encrypted }

type fakeBackend struct {
	users           map[id.UserID]*fakeBridgeUser
	portals         map[id.RoomID]*fakePortal
	puppets         map[id.UserID]*fakePuppet
	puppetsByCustom map[id.UserID]*fakePuppet

	membershipCalls []*MembershipChange
	typingCalls     [][]id.UserID
	receiptCalls    []id.EventID
	directInvites   []id.RoomID
	directInviteErr error
}

func (fb *fakeBackend) GetUser(_ context.Context, mxid id.UserID) User {
	if u, ok := fb.users[mxid]; ok {
		return u
	}
	return nil
}

func (fb *fakeBackend) GetPortal(_ context.Context, roomID id.RoomID) Portal {
	if p, ok := fb.portals[roomID]; ok {
		return p
	}
	return nil
}

func (fb *fakeBackend) GetPuppet(_ context.Context, mxid id.UserID) Puppet {
	if p, ok := fb.puppets[mxid]; ok {
		return p
	}
	return nil
}

func (fb *fakeBackend) GetPuppetByCustomMXID(_ context.Context, mxid id.UserID) Puppet {
	if p, ok := fb.puppetsByCustom[mxid]; ok {
		return p
	}
	return nil
}

func (fb *fakeBackend) HandleMatrixMembership(_ context.Context, change *MembershipChange) {
	fb.membershipCalls = append(fb.membershipCalls, change)
}

func (fb *fakeBackend) HandleMatrixTyping(_ context.Context, _ Portal, userIDs []id.UserID) {
	fb.typingCalls = append(fb.typingCalls, userIDs)
}

func (fb *fakeBackend) HandleMatrixPresence(_ context.Context, _ User, _ *event.Event) {}

func (fb *fakeBackend) HandleMatrixReadReceipt(_ context.Context, _ Portal, _ User, eventID id.EventID, _ event.ReadReceipt) {
	fb.receiptCalls = append(fb.receiptCalls, eventID)
}

func (fb *fakeBackend) HandleDirectInvite(_ context.Context, roomID id.RoomID, _ User, _ Puppet) error {
	fb.directInvites = append(fb.directInvites, roomID)
	return fb.directInviteErr
}

var (
	_ Backend             = (*fakeBackend)(nil)
	_ MembershipHandler   = (*fakeBackend)(nil)
	_ EphemeralHandler    = (*fakeBackend)(nil)
	_ ReadReceiptHandler  = (*fakeBackend)(nil)
	_ DirectInviteHandler = (*fakeBackend)(nil)
)

const testRoom = id.RoomID("!portal:example.com")

func newTestRouter() (*EventRouter, *fakeBackend, *fakeClient) {
	backend := &fakeBackend{
		users: map[id.UserID]*fakeBridgeUser{
			"@alice:example.com": {mxid: "@alice:example.com", whitelisted: true},
		},
		portals: map[id.RoomID]*fakePortal{
			testRoom: {mxid: testRoom},
		},
		puppets:         map[id.UserID]*fakePuppet{},
		puppetsByCustom: map[id.UserID]*fakePuppet{},
	}
	client := &fakeClient{}
	router := NewEventRouter(zerolog.Nop())
	router.Backend = backend
	router.Bot = client
	router.BotMXID = "@bridgebot:example.com"
	router.CommandPrefix = "!test"
	router.Commands = commands.NewProcessor(zerolog.Nop())
	router.sleep = func(time.Duration) {}
	return router, backend, client
}

func parseEvent(t *testing.T, raw string) *event.Event {
	t.Helper()
	var evt event.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("failed to parse test event: %v", err)
	}
	return &evt
}

func TestHandleEvent_RoutesMessageToPortal(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.room.message", "event_id": "$msg", "room_id": "!portal:example.com",
		"sender": "@alice:example.com",
		"content": {"msgtype": "m.text", "body": "hello"}
	}`)
	router.HandleEvent(context.Background(), evt)
	if got := len(backend.portals[testRoom].messages); got != 1 {
		t.Errorf("portal messages: got %d, want 1", got)
	}
}

func TestHandleEvent_DropsOwnEcho(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.room.message", "event_id": "$msg", "room_id": "!portal:example.com",
		"sender": "@bridgebot:example.com",
		"content": {"msgtype": "m.text", "body": "echo"}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(backend.portals[testRoom].messages) != 0 {
		t.Error("bot's own message was routed to the portal")
	}
}

func TestHandleEvent_DropsDoublePuppetEcho(t *testing.T) {
	router, backend, _ := newTestRouter()
	router.DoublePuppetValue = "net.example.bridge"
	backend.puppetsByCustom["@alice:example.com"] = &fakePuppet{defaultMXID: "@ghost_1:example.com"}
	evt := parseEvent(t, `{
		"type": "m.room.message", "event_id": "$msg", "room_id": "!portal:example.com",
		"sender": "@alice:example.com",
		"content": {"msgtype": "m.text", "body": "echo", "fi.mau.double_puppet_source": "net.example.bridge"}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(backend.portals[testRoom].messages) != 0 {
		t.Error("double puppet echo was routed to the portal")
	}
}

func TestHandleEvent_DropsNonWhitelisted(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.room.message", "event_id": "$msg", "room_id": "!portal:example.com",
		"sender": "@stranger:elsewhere.org",
		"content": {"msgtype": "m.text", "body": "hi"}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(backend.portals[testRoom].messages) != 0 {
		t.Error("message from non-whitelisted user was bridged")
	}
}

func TestHandleEvent_CommandInPortalRoom(t *testing.T) {
	router, backend, _ := newTestRouter()
	var gotArgs []string
	router.Commands.Register(&commands.Command{
		Name: "ping",
		Handler: func(ce *commands.Event) error {
			gotArgs = ce.Args
			return nil
		},
	})
	evt := parseEvent(t, `{
		"type": "m.room.message", "event_id": "$cmd", "room_id": "!portal:example.com",
		"sender": "@alice:example.com",
		"content": {"msgtype": "m.text", "body": "!test ping arg1"}
	}`)
	router.HandleEvent(context.Background(), evt)
	if gotArgs == nil {
		t.Fatal("command did not run")
	}
	if len(gotArgs) != 1 || gotArgs[0] != "arg1" {
		t.Errorf("command args: got %v", gotArgs)
	}
	if len(backend.portals[testRoom].messages) != 0 {
		t.Error("command message was also bridged")
	}
}

func TestHandleEvent_BarePrefixIsCommand(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.room.message", "event_id": "$cmd", "room_id": "!portal:example.com",
		"sender": "@alice:example.com",
		"content": {"msgtype": "m.text", "body": "!test"}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(backend.portals[testRoom].messages) != 0 {
		t.Error("message consisting of only the command prefix was bridged")
	}
}

func TestHandleEvent_ManagementRoomTreatsTextAsCommand(t *testing.T) {
	router, _, client := newTestRouter()
	client.joinedMembers = func(_ context.Context, _ id.RoomID) (*mautrix.RespJoinedMembers, error) {
		return &mautrix.RespJoinedMembers{Joined: map[id.UserID]mautrix.JoinedMember{
			"@bridgebot:example.com": {},
			"@alice:example.com":     {},
		}}, nil
	}
	ran := false
	router.Commands.Register(&commands.Command{
		Name:    "status",
		Handler: func(_ *commands.Event) error { ran = true; return nil },
	})
	evt := parseEvent(t, `{
		"type": "m.room.message", "event_id": "$cmd", "room_id": "!mgmt:example.com",
		"sender": "@alice:example.com",
		"content": {"msgtype": "m.text", "body": "status"}
	}`)
	router.HandleEvent(context.Background(), evt)
	if !ran {
		t.Error("bare command did not run in management room")
	}
}

func TestHandleEvent_BotStateChangesOnlyFeedCrypto(t *testing.T) {
	router, backend, _ := newTestRouter()
	crypto := newFakeDecryptor()
	router.Crypto = crypto
	member := parseEvent(t, `{
		"type": "m.room.member", "event_id": "$botinv", "room_id": "!portal:example.com",
		"sender": "@bridgebot:example.com", "state_key": "@bob:example.com",
		"content": {"membership": "invite"}
	}`)
	router.HandleEvent(context.Background(), member)
	if len(backend.membershipCalls) != 0 {
		t.Error("bot's own member event reached the membership handler")
	}
	if len(crypto.memberEvents) != 1 || crypto.memberEvents[0].ID != "$botinv" {
		t.Errorf("crypto member events: %v", crypto.memberEvents)
	}

	name := parseEvent(t, `{
		"type": "m.room.name", "event_id": "$name", "room_id": "!portal:example.com",
		"sender": "@bridgebot:example.com", "state_key": "",
		"content": {"name": "Renamed"}
	}`)
	router.HandleEvent(context.Background(), name)
	if len(crypto.memberEvents) != 1 {
		t.Error("non-member bot state event was fed to the crypto layer")
	}
}

func TestHandleMembership_KickDispatched(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.room.member", "event_id": "$kick", "room_id": "!portal:example.com",
		"sender": "@alice:example.com", "state_key": "@bob:example.com",
		"content": {"membership": "leave", "reason": "begone"},
		"unsigned": {"prev_content": {"membership": "join"}}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(backend.membershipCalls) != 1 {
		t.Fatalf("membership calls: got %d, want 1", len(backend.membershipCalls))
	}
	change := backend.membershipCalls[0]
	if change.Action != MemberActionKick {
		t.Errorf("action: got %q, want kick", change.Action)
	}
	if change.Target != "@bob:example.com" {
		t.Errorf("target: got %q", change.Target)
	}
	if change.Content.Reason != "begone" {
		t.Errorf("reason: got %q", change.Content.Reason)
	}
	if change.Sender == nil || change.Sender.GetMXID() != "@alice:example.com" {
		t.Error("sender not resolved")
	}
}

func TestBotInvite_WhitelistedDirect(t *testing.T) {
	router, _, client := newTestRouter()
	var joined []id.RoomID
	var notices []string
	client.joinRoom = func(_ context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
		joined = append(joined, roomID)
		return &mautrix.RespJoinRoom{RoomID: roomID}, nil
	}
	client.sendNotice = func(_ context.Context, _ id.RoomID, text string) (*mautrix.RespSendEvent, error) {
		notices = append(notices, text)
		return &mautrix.RespSendEvent{EventID: "$n"}, nil
	}
	evt := parseEvent(t, `{
		"type": "m.room.member", "event_id": "$inv", "room_id": "!dm:example.com",
		"sender": "@alice:example.com", "state_key": "@bridgebot:example.com",
		"content": {"membership": "invite", "is_direct": true}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(joined) != 1 || joined[0] != "!dm:example.com" {
		t.Fatalf("join calls: %v", joined)
	}
	if len(notices) != 1 || !strings.Contains(notices[0], "!test help") {
		t.Errorf("welcome notice: %v", notices)
	}
	if !router.isManagementRoom(context.Background(), "!dm:example.com") {
		t.Error("direct invite room not cached as management room")
	}
}

func TestBotInvite_NonWhitelistedLeaves(t *testing.T) {
	router, _, client := newTestRouter()
	var left []id.RoomID
	var notices []string
	client.leaveRoom = func(_ context.Context, roomID id.RoomID, _ ...*mautrix.ReqLeave) (*mautrix.RespLeaveRoom, error) {
		left = append(left, roomID)
		return &mautrix.RespLeaveRoom{}, nil
	}
	client.sendNotice = func(_ context.Context, _ id.RoomID, text string) (*mautrix.RespSendEvent, error) {
		notices = append(notices, text)
		return &mautrix.RespSendEvent{EventID: "$n"}, nil
	}
	evt := parseEvent(t, `{
		"type": "m.room.member", "event_id": "$inv", "room_id": "!dm:example.com",
		"sender": "@stranger:elsewhere.org", "state_key": "@bridgebot:example.com",
		"content": {"membership": "invite", "is_direct": true}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(left) != 1 {
		t.Fatalf("leave calls: %v", left)
	}
	if len(notices) != 1 || !strings.Contains(notices[0], "not whitelisted") {
		t.Errorf("rejection notice: %v", notices)
	}
}

func TestBotInvite_JoinRetries(t *testing.T) {
	router, _, client := newTestRouter()
	attempts := 0
	client.joinRoom = func(_ context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("invite not federated yet")
		}
		return &mautrix.RespJoinRoom{RoomID: roomID}, nil
	}
	evt := parseEvent(t, `{
		"type": "m.room.member", "event_id": "$inv", "room_id": "!dm:example.com",
		"sender": "@alice:example.com", "state_key": "@bridgebot:example.com",
		"content": {"membership": "invite", "is_direct": true}
	}`)
	router.HandleEvent(context.Background(), evt)
	if attempts != 3 {
		t.Errorf("join attempts: got %d, want 3", attempts)
	}
}

func TestPuppetInvite_SpaceRejected(t *testing.T) {
	router, backend, _ := newTestRouter()
	intent := &fakeClient{}
	var left []string
	intent.stateEvent = func(_ context.Context, _ id.RoomID, _ event.Type, _ string, out any) error {
		*(out.(*event.CreateEventContent)) = event.CreateEventContent{Type: event.RoomTypeSpace}
		return nil
	}
	intent.leaveRoom = func(_ context.Context, _ id.RoomID, req ...*mautrix.ReqLeave) (*mautrix.RespLeaveRoom, error) {
		if len(req) > 0 {
			left = append(left, req[0].Reason)
		}
		return &mautrix.RespLeaveRoom{}, nil
	}
	backend.puppets["@ghost_1:example.com"] = &fakePuppet{defaultMXID: "@ghost_1:example.com", intent: intent}
	evt := parseEvent(t, `{
		"type": "m.room.member", "event_id": "$inv", "room_id": "!space:example.com",
		"sender": "@alice:example.com", "state_key": "@ghost_1:example.com",
		"content": {"membership": "invite", "is_direct": false}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(left) != 1 || !strings.Contains(left[0], "Spaces") {
		t.Errorf("space leave reasons: %v", left)
	}
	if len(backend.directInvites) != 0 {
		t.Error("space invite reached the direct invite handler")
	}
}

func TestPuppetInvite_DirectChatAccepted(t *testing.T) {
	router, backend, _ := newTestRouter()
	intent := &fakeClient{}
	intent.joinedMembers = func(_ context.Context, _ id.RoomID) (*mautrix.RespJoinedMembers, error) {
		return &mautrix.RespJoinedMembers{Joined: map[id.UserID]mautrix.JoinedMember{
			"@alice:example.com":   {},
			"@ghost_1:example.com": {},
		}}, nil
	}
	backend.puppets["@ghost_1:example.com"] = &fakePuppet{defaultMXID: "@ghost_1:example.com", intent: intent}
	evt := parseEvent(t, `{
		"type": "m.room.member", "event_id": "$inv", "room_id": "!newdm:example.com",
		"sender": "@alice:example.com", "state_key": "@ghost_1:example.com",
		"content": {"membership": "invite", "is_direct": true}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(backend.directInvites) != 1 || backend.directInvites[0] != "!newdm:example.com" {
		t.Errorf("direct invites: %v", backend.directInvites)
	}
}

func TestHandleEphemeral_ReceiptSkipsGhosts(t *testing.T) {
	router, backend, _ := newTestRouter()
	backend.users["@alice:example.com"].loggedIn = true
	backend.puppets["@ghost_1:example.com"] = &fakePuppet{defaultMXID: "@ghost_1:example.com"}
	backend.users["@ghost_1:example.com"] = &fakeBridgeUser{mxid: "@ghost_1:example.com", whitelisted: true, loggedIn: true}
	evt := parseEvent(t, `{
		"type": "m.receipt", "room_id": "!portal:example.com",
		"content": {
			"$msg": {"m.read": {
				"@alice:example.com": {"ts": 1700000000000},
				"@ghost_1:example.com": {"ts": 1700000000000}
			}}
		}
	}`)
	router.HandleEphemeralEvent(context.Background(), evt)
	if len(backend.receiptCalls) != 1 || backend.receiptCalls[0] != "$msg" {
		t.Errorf("receipt calls: %v", backend.receiptCalls)
	}
}

func TestHandleEphemeral_ReceiptRequiresLogin(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.receipt", "room_id": "!portal:example.com",
		"content": {
			"$msg": {"m.read": {"@alice:example.com": {"ts": 1700000000000}}}
		}
	}`)
	router.HandleEphemeralEvent(context.Background(), evt)
	if len(backend.receiptCalls) != 0 {
		t.Errorf("receipt from logged-out user was delivered: %v", backend.receiptCalls)
	}
}

func TestHandleEphemeral_Typing(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.typing", "room_id": "!portal:example.com",
		"content": {"user_ids": ["@alice:example.com"]}
	}`)
	router.HandleEphemeralEvent(context.Background(), evt)
	if len(backend.typingCalls) != 1 || len(backend.typingCalls[0]) != 1 {
		t.Errorf("typing calls: %v", backend.typingCalls)
	}
}

func TestHandleEvent_EncryptionStateMarksPortal(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.room.encryption", "event_id": "$enc", "room_id": "!portal:example.com",
		"sender": "@alice:example.com", "state_key": "",
		"content": {"algorithm": "m.megolm.v1.aes-sha2"}
	}`)
	router.HandleEvent(context.Background(), evt)
	if !backend.portals[testRoom].IsEncrypted() {
		t.Error("portal not marked encrypted")
	}
}

func TestHandleEvent_IgnoresUnsupportedTypes(t *testing.T) {
	router, backend, _ := newTestRouter()
	evt := parseEvent(t, `{
		"type": "m.room.pinned_events", "event_id": "$pin", "room_id": "!portal:example.com",
		"sender": "@alice:example.com", "state_key": "",
		"content": {"pinned": []}
	}`)
	router.HandleEvent(context.Background(), evt)
	if len(backend.portals[testRoom].messages) != 0 || len(backend.membershipCalls) != 0 {
		t.Error("unsupported event type was routed")
	}
}
