// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-appservice/pkg/appservice"
	"github.com/aiku/matrix-appservice/pkg/bridge/commands"
)

// doublePuppetKey marks events echoed back from our own double puppets.
const doublePuppetKey = "fi.mau.double_puppet_source"

var eventHandlingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "bridge_matrix_event_seconds",
	Help: "Time spent handling one Matrix event by type",
}, []string{"event_type"})

// EventRouter receives decomposed appservice transactions and routes
// each event to the backend, the command processor or the crypto layer.
// It implements appservice.EventSink.
type EventRouter struct {
	Log     zerolog.Logger
	Backend Backend
	Bot     MatrixClient
	BotMXID id.UserID

	Commands    *commands.Processor
	Crypto      Decryptor
	Checkpoints *appservice.CheckpointSender

	// DoublePuppetValue is the value this bridge writes into the
	// double-puppet marker key on events it sends itself.
	DoublePuppetValue string

	CommandPrefix string
	MinimumTrust  id.TrustState
	SessionWait   time.Duration

	managementRooms *exsync.Map[id.RoomID, bool]
	sleep           func(time.Duration)
}

var _ appservice.EventSink = (*EventRouter)(nil)

// NewEventRouter wires a router with defaults. Backend, Bot and BotMXID
// must still be set by the caller.
func NewEventRouter(log zerolog.Logger) *EventRouter {
	return &EventRouter{
		Log:             log,
		MinimumTrust:    id.TrustStateUnset,
		SessionWait:     10 * time.Second,
		managementRooms: exsync.NewMap[id.RoomID, bool](),
		sleep:           time.Sleep,
	}
}

func (er *EventRouter) sendCheckpoint(evt *event.Event, step appservice.CheckpointStep, status appservice.CheckpointStatus, err error, retryNum int) {
	cp := appservice.NewCheckpoint(evt, step, status)
	cp.ReportedBy = er.BotMXID
	cp.RetryNum = retryNum
	if err != nil {
		cp.Info = err.Error()
	}
	er.Checkpoints.Send(cp)
}

// isOwnEcho reports whether the event was sent by the bridge bot or by
// one of its double puppets (detected by the marker key the bridge
// stamps on everything it sends on behalf of real users).
func (er *EventRouter) isOwnEcho(ctx context.Context, evt *event.Event) bool {
	if evt.Sender == er.BotMXID {
		return true
	}
	if val, ok := evt.Content.Raw[doublePuppetKey].(string); ok && val == er.DoublePuppetValue && er.DoublePuppetValue != "" {
		if er.Backend.GetPuppetByCustomMXID(ctx, evt.Sender) != nil {
			return true
		}
	}
	return false
}

// HandleEvent routes one room event pushed by the homeserver.
func (er *EventRouter) HandleEvent(ctx context.Context, evt *event.Event) {
	start := time.Now()
	defer func() {
		eventHandlingTime.WithLabelValues(evt.Type.Type).Observe(time.Since(start).Seconds())
	}()
	isState := false
	switch evt.Type {
	case event.EventMessage, event.EventReaction, event.EventRedaction, event.EventEncrypted:
		if er.isOwnEcho(ctx, evt) {
			return
		}
	case event.StateMember, event.StateCreate, event.StateEncryption, event.StateRoomName, event.StateTopic, event.StateRoomAvatar, event.StateTombstone:
		isState = true
	default:
		er.Log.Debug().Str("event_type", evt.Type.Type).Msg("Ignoring unsupported event type")
		return
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		er.Log.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("Failed to parse event content")
		er.sendCheckpoint(evt, appservice.StepReceived, appservice.StatusPermFailure, err, 0)
		return
	}
	if isState && evt.Sender == er.BotMXID {
		// State changes made by the bot itself don't go through the
		// pipeline, but membership of our own ghosts still matters to
		// the crypto layer.
		if evt.Type == event.StateMember && er.Crypto != nil {
			er.Crypto.HandleMemberEvent(ctx, evt)
		}
		return
	}
	er.sendCheckpoint(evt, appservice.StepReceived, appservice.StatusSuccess, nil, 0)
	er.routeEvent(ctx, evt)
}

func (er *EventRouter) routeEvent(ctx context.Context, evt *event.Event) {
	switch evt.Type {
	case event.EventEncrypted:
		er.handleEncrypted(ctx, evt)
	case event.EventMessage:
		er.handleMessage(ctx, evt)
	case event.EventReaction, event.EventRedaction:
		er.handleGenericEvent(ctx, evt)
	case event.StateMember:
		er.handleMembership(ctx, evt)
	case event.StateEncryption:
		if portal := er.Backend.GetPortal(ctx, evt.RoomID); portal != nil {
			portal.MarkEncrypted(ctx)
		}
	default:
		er.handleStateEvent(ctx, evt)
	}
}

func (er *EventRouter) handleStateEvent(ctx context.Context, evt *event.Event) {
	handler, ok := er.Backend.(StateHandler)
	if !ok {
		return
	}
	portal := er.Backend.GetPortal(ctx, evt.RoomID)
	if portal == nil {
		return
	}
	handler.HandleMatrixStateEvent(ctx, portal, er.Backend.GetUser(ctx, evt.Sender), evt)
}

func (er *EventRouter) handleGenericEvent(ctx context.Context, evt *event.Event) {
	handler, ok := er.Backend.(GenericEventHandler)
	if !ok {
		return
	}
	user := er.Backend.GetUser(ctx, evt.Sender)
	if user == nil || !user.IsWhitelisted() {
		return
	}
	portal := er.Backend.GetPortal(ctx, evt.RoomID)
	if portal == nil {
		return
	}
	handler.HandleMatrixEvent(ctx, portal, user, evt)
}

// handleMembership classifies a member event and forwards it. Invites
// targeting the bridge bot or its ghosts take dedicated paths before the
// backend sees anything.
func (er *EventRouter) handleMembership(ctx context.Context, evt *event.Event) {
	if er.Crypto != nil {
		er.Crypto.HandleMemberEvent(ctx, evt)
	}
	action, content, prevContent := classifyMemberEvent(evt)
	if action == "" {
		er.Log.Warn().Str("event_id", evt.ID.String()).Msg("Member event with unrecognized membership")
		return
	}
	target := id.UserID(evt.GetStateKey())
	if action == MemberActionInvite {
		if target == er.BotMXID {
			er.acceptBotInvite(ctx, evt, content)
			return
		}
		if puppet := er.Backend.GetPuppet(ctx, target); puppet != nil {
			er.handlePuppetInvite(ctx, evt, content, puppet)
			return
		}
	}
	handler, ok := er.Backend.(MembershipHandler)
	if !ok {
		return
	}
	portal := er.Backend.GetPortal(ctx, evt.RoomID)
	if portal == nil {
		return
	}
	handler.HandleMatrixMembership(ctx, &MembershipChange{
		Action:      action,
		Portal:      portal,
		Sender:      er.Backend.GetUser(ctx, evt.Sender),
		Target:      target,
		Event:       evt,
		Content:     content,
		PrevContent: prevContent,
	})
}

// acceptBotInvite joins the room the bot was invited to, retrying a few
// times since the invite may not have federated to our view of the room
// yet. Unwhitelisted inviters get a rejection notice and the bot leaves.
func (er *EventRouter) acceptBotInvite(ctx context.Context, evt *event.Event, content *event.MemberEventContent) {
	log := er.Log.With().Str("room_id", evt.RoomID.String()).Str("inviter", evt.Sender.String()).Logger()
	var joined bool
	for tries := 0; tries < 5; tries++ {
		if _, err := er.Bot.JoinRoomByID(ctx, evt.RoomID); err != nil {
			log.Warn().Err(err).Int("try", tries+1).Msg("Failed to join room after invite")
			er.sleep(time.Duration(tries+1) * 10 * time.Second)
			continue
		}
		joined = true
		break
	}
	if !joined {
		log.Error().Msg("Giving up on joining room after invite")
		return
	}
	user := er.Backend.GetUser(ctx, evt.Sender)
	if user == nil || !user.IsWhitelisted() {
		_, _ = er.Bot.SendNotice(ctx, evt.RoomID, "You are not whitelisted to use this bridge.")
		_, _ = er.Bot.LeaveRoom(ctx, evt.RoomID)
		log.Debug().Msg("Left room after invite from non-whitelisted user")
		return
	}
	if content.IsDirect {
		er.managementRooms.Set(evt.RoomID, true)
		_, _ = er.Bot.SendNotice(ctx, evt.RoomID, fmt.Sprintf(
			"Hello, I'm a bridge bot. Use `%s help` to get started.", er.CommandPrefix))
	}
}

// handlePuppetInvite accepts an invite aimed at one of the bridge's
// ghost users. Only direct chats are kept: the ghost leaves spaces and
// multi-user rooms immediately after joining.
func (er *EventRouter) handlePuppetInvite(ctx context.Context, evt *event.Event, content *event.MemberEventContent, puppet Puppet) {
	log := er.Log.With().
		Str("room_id", evt.RoomID.String()).
		Str("inviter", evt.Sender.String()).
		Str("puppet", puppet.DefaultMXID().String()).
		Logger()
	intent := puppet.Intent()
	if _, err := intent.JoinRoomByID(ctx, evt.RoomID); err != nil {
		log.Warn().Err(err).Msg("Failed to accept invite to ghost")
		return
	}
	leave := func(reason string) {
		_, _ = intent.LeaveRoom(ctx, evt.RoomID, &mautrix.ReqLeave{Reason: reason})
	}
	var create event.CreateEventContent
	if err := intent.StateEvent(ctx, evt.RoomID, event.StateCreate, "", &create); err != nil {
		log.Warn().Err(err).Msg("Failed to check create event of invited room")
		leave("An internal error occurred while checking the room")
		return
	}
	if create.Type == event.RoomTypeSpace {
		leave("Spaces are not supported")
		return
	}
	members, err := intent.JoinedMembers(ctx, evt.RoomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check members of invited room")
		leave("An internal error occurred while checking the room")
		return
	}
	handler, ok := er.Backend.(DirectInviteHandler)
	if !ok || !content.IsDirect || len(members.Joined) > 2 {
		leave("Group chat invites through Matrix are not supported")
		return
	}
	inviter := er.Backend.GetUser(ctx, evt.Sender)
	if inviter == nil || !inviter.IsWhitelisted() {
		leave("You are not whitelisted to use this bridge")
		return
	}
	if err = handler.HandleDirectInvite(ctx, evt.RoomID, inviter, puppet); err != nil {
		log.Warn().Err(err).Msg("Failed to set up direct chat from invite")
		leave("An internal error occurred while creating the chat")
	}
}

// isManagementRoom reports whether the room is a private room between
// one user and the bot. The result is cached per room.
func (er *EventRouter) isManagementRoom(ctx context.Context, roomID id.RoomID) bool {
	if cached, ok := er.managementRooms.Get(roomID); ok {
		return cached
	}
	members, err := er.Bot.JoinedMembers(ctx, roomID)
	if err != nil {
		er.Log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to get members to check if room is management room")
		return false
	}
	_, botInRoom := members.Joined[er.BotMXID]
	isManagement := botInRoom && len(members.Joined) == 2
	er.managementRooms.Set(roomID, isManagement)
	return isManagement
}

func (er *EventRouter) handleMessage(ctx context.Context, evt *event.Event) {
	user := er.Backend.GetUser(ctx, evt.Sender)
	if user == nil || !user.IsWhitelisted() {
		er.Log.Debug().
			Str("sender", evt.Sender.String()).
			Str("event_id", evt.ID.String()).
			Msg("Ignoring message from non-whitelisted user")
		er.sendCheckpoint(evt, appservice.StepCommandHandled, appservice.StatusPermFailure, errUserNotWhitelisted, 0)
		return
	}
	content := evt.Content.AsMessage()
	content.RemoveReplyFallback()
	portal := er.Backend.GetPortal(ctx, evt.RoomID)

	text := content.Body
	isCommand := er.CommandPrefix != "" && content.MsgType == event.MsgText && strings.HasPrefix(text, er.CommandPrefix)
	if isCommand {
		text = strings.TrimLeft(strings.TrimPrefix(text, er.CommandPrefix), " ")
	}
	isManagement := portal == nil && er.isManagementRoom(ctx, evt.RoomID)
	if isCommand || (isManagement && content.MsgType == event.MsgText) {
		err := er.Commands.Handle(ctx, &commands.Event{
			Bot:           er.Bot,
			RoomID:        evt.RoomID,
			EventID:       evt.ID,
			Sender:        user,
			Portal:        portal,
			IsManagement:  isManagement,
			CommandPrefix: er.CommandPrefix,
		}, text)
		if err != nil {
			er.sendCheckpoint(evt, appservice.StepCommandHandled, appservice.StatusPermFailure, err, 0)
		} else {
			er.sendCheckpoint(evt, appservice.StepCommandHandled, appservice.StatusSuccess, nil, 0)
		}
		return
	}
	if portal != nil && portal.AllowBridgingMessage(ctx, user, evt) {
		portal.HandleMatrixMessage(ctx, user, evt)
		return
	}
	er.Log.Debug().Str("event_id", evt.ID.String()).Msg("Dropping message in unknown room")
	er.sendCheckpoint(evt, appservice.StepCommandHandled, appservice.StatusPermFailure, errNoPortal, 0)
}

// HandleEphemeralEvent routes typing, receipt and presence updates.
func (er *EventRouter) HandleEphemeralEvent(ctx context.Context, evt *event.Event) {
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		er.Log.Debug().Err(err).Str("event_type", evt.Type.Type).Msg("Failed to parse ephemeral event content")
		return
	}
	switch evt.Type {
	case event.EphemeralEventTyping:
		handler, ok := er.Backend.(EphemeralHandler)
		if !ok {
			return
		}
		portal := er.Backend.GetPortal(ctx, evt.RoomID)
		if portal == nil {
			return
		}
		handler.HandleMatrixTyping(ctx, portal, evt.Content.AsTyping().UserIDs)
	case event.EphemeralEventReceipt:
		er.handleReceipt(ctx, evt)
	case event.EphemeralEventPresence:
		handler, ok := er.Backend.(EphemeralHandler)
		if !ok {
			return
		}
		user := er.Backend.GetUser(ctx, evt.Sender)
		if user == nil {
			return
		}
		handler.HandleMatrixPresence(ctx, user, evt)
	}
}

func (er *EventRouter) handleReceipt(ctx context.Context, evt *event.Event) {
	handler, ok := er.Backend.(ReadReceiptHandler)
	if !ok {
		return
	}
	portal := er.Backend.GetPortal(ctx, evt.RoomID)
	if portal == nil {
		return
	}
	for eventID, receipts := range *evt.Content.AsReceipt() {
		for userID, receipt := range receipts[event.ReceiptTypeRead] {
			if er.Backend.GetPuppet(ctx, userID) != nil {
				continue
			}
			user := er.Backend.GetUser(ctx, userID)
			if user == nil || !user.IsLoggedIn(ctx) {
				continue
			}
			handler.HandleMatrixReadReceipt(ctx, portal, user, eventID, receipt)
		}
	}
}

// HandleToDeviceEvent feeds the crypto layer.
func (er *EventRouter) HandleToDeviceEvent(ctx context.Context, evt *event.Event) {
	if er.Crypto != nil {
		er.Crypto.HandleToDeviceEvent(ctx, evt)
	}
}

// HandleDeviceLists feeds the crypto layer.
func (er *EventRouter) HandleDeviceLists(ctx context.Context, lists *mautrix.DeviceLists) {
	if er.Crypto != nil {
		er.Crypto.HandleDeviceLists(ctx, lists)
	}
}

// HandleOTKCounts feeds the crypto layer.
func (er *EventRouter) HandleOTKCounts(ctx context.Context, counts appservice.OTKCounts) {
	if er.Crypto != nil {
		er.Crypto.HandleOTKCounts(ctx, counts)
	}
}

// WaitForConnection blocks until the homeserver answers a whoami call,
// so startup fails fast when the homeserver is down rather than
// misbehaving later.
func (er *EventRouter) WaitForConnection(ctx context.Context) error {
	var err error
	for tries := 0; tries < 6; tries++ {
		if _, err = er.Bot.Whoami(ctx); err == nil {
			return nil
		}
		er.Log.Warn().Err(err).Msg("Homeserver not reachable, retrying in 10 seconds")
		er.sleep(10 * time.Second)
	}
	return fmt.Errorf("homeserver connection check failed: %w", err)
}
