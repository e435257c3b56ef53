// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-appservice/pkg/appservice"
)

const decryptionNotice = "Waiting for this message. It looks like the bridge hasn't received the decryption keys yet."

// handleEncrypted decrypts an incoming event. A missing Megolm session
// gets exactly one retry: the key is requested, the bridge waits up to
// SessionWait for it to arrive, and the decryption is attempted again.
// Any later arrival of the key does not resurrect the event.
func (er *EventRouter) handleEncrypted(ctx context.Context, evt *event.Event) {
	if er.Crypto == nil {
		er.Log.Warn().Str("event_id", evt.ID.String()).Msg("Got encrypted event, but encryption is not enabled")
		er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusPermFailure, ErrNoDecryptor, 0)
		return
	}
	if content := evt.Content.AsEncrypted(); content == nil || content.Algorithm == "" {
		er.Log.Warn().Str("event_id", evt.ID.String()).Msg("Encrypted event has no encrypted payload")
		er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusPermFailure, ErrNotEncrypted, 0)
		_, _ = er.Bot.SendNotice(ctx, evt.RoomID, fmt.Sprintf(
			"⚠ Your message was not bridged: %v", ErrNotEncrypted))
		return
	}
	decrypted, err := er.Crypto.Decrypt(ctx, evt)
	var sessionNotFound SessionNotFoundError
	if errors.As(err, &sessionNotFound) {
		er.handleEncryptedWait(ctx, evt, sessionNotFound)
		return
	} else if err != nil {
		er.Log.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("Failed to decrypt event")
		er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusPermFailure, err, 0)
		_, _ = er.Bot.SendNotice(ctx, evt.RoomID, fmt.Sprintf(
			"⚠ Your message was not bridged: %v", err))
		return
	}
	er.postDecrypt(ctx, decrypted, 0)
}

func (er *EventRouter) handleEncryptedWait(ctx context.Context, evt *event.Event, snf SessionNotFoundError) {
	log := er.Log.With().Str("event_id", evt.ID.String()).Str("session_id", string(snf.SessionID)).Logger()
	log.Debug().Msg("Couldn't find session, requesting keys and waiting")
	er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusWillRetry, snf, 0)
	var noticeID id.EventID
	if resp, err := er.Bot.SendNotice(ctx, evt.RoomID, decryptionNotice); err == nil {
		noticeID = resp.EventID
	}
	go er.Crypto.RequestSession(context.WithoutCancel(ctx), evt.RoomID, snf.SenderKey, snf.SessionID, evt.Sender, "")
	if er.Crypto.WaitForSession(ctx, evt.RoomID, snf.SenderKey, snf.SessionID, er.SessionWait) {
		decrypted, err := er.Crypto.Decrypt(ctx, evt)
		if err == nil {
			if noticeID != "" {
				_, _ = er.Bot.RedactEvent(ctx, evt.RoomID, noticeID)
			}
			er.postDecrypt(ctx, decrypted, 1)
			return
		}
		log.Warn().Err(err).Msg("Failed to decrypt event even after the session arrived")
		er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusPermFailure, err, 1)
		er.editDecryptionNotice(ctx, evt.RoomID, noticeID, fmt.Sprintf(
			"⚠ Your message was not bridged: %v", err))
		return
	}
	log.Warn().Msg("Didn't get session, giving up on decrypting event")
	er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusPermFailure,
		fmt.Errorf("didn't receive encryption keys within %s", er.SessionWait), 1)
	er.editDecryptionNotice(ctx, evt.RoomID, noticeID,
		"⚠ Your message was not bridged: the bridge never received the decryption keys.")
}

// editDecryptionNotice replaces the waiting notice with a failure
// message, or sends a fresh notice when the original send failed.
func (er *EventRouter) editDecryptionNotice(ctx context.Context, roomID id.RoomID, noticeID id.EventID, message string) {
	if noticeID == "" {
		_, _ = er.Bot.SendNotice(ctx, roomID, message)
		return
	}
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	content.SetEdit(noticeID)
	_, _ = er.Bot.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
}

// postDecrypt gates the decrypted event on device trust and re-enters
// normal routing.
func (er *EventRouter) postDecrypt(ctx context.Context, evt *event.Event, retryNum int) {
	trust := evt.Mautrix.TrustState
	if trust < er.MinimumTrust {
		err := DeviceUntrustedError{Trust: trust}
		er.Log.Warn().
			Str("event_id", evt.ID.String()).
			Str("trust_state", trust.String()).
			Msg("Dropping decrypted event due to insufficient device trust")
		er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusPermFailure, err, retryNum)
		_, _ = er.Bot.SendNotice(ctx, evt.RoomID, fmt.Sprintf(
			"⚠ Your message was not bridged: %v", err))
		return
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		er.Log.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("Failed to parse decrypted event content")
		er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusPermFailure, err, retryNum)
		return
	}
	er.sendCheckpoint(evt, appservice.StepDecrypted, appservice.StatusSuccess, nil, retryNum)
	er.routeEvent(ctx, evt)
}
