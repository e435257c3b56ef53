// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"context"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// OTKCounts maps users to per-device one-time key counts pushed by the
// homeserver (MSC3202).
type OTKCounts map[id.UserID]map[id.DeviceID]mautrix.OTKCount

// EventSink receives the decomposed contents of accepted transactions.
// Room events are classified into their semantic class (state, message or
// ephemeral) before delivery. Implementations must tolerate concurrent
// calls: room and ephemeral events are dispatched through the task queue
// unless SynchronousHandlers is set.
type EventSink interface {
	HandleEvent(ctx context.Context, evt *event.Event)
	HandleEphemeralEvent(ctx context.Context, evt *event.Event)
	HandleToDeviceEvent(ctx context.Context, evt *event.Event)
	HandleDeviceLists(ctx context.Context, lists *mautrix.DeviceLists)
	HandleOTKCounts(ctx context.Context, counts OTKCounts)
}

// Transaction is one decomposed homeserver push. Extra holds top-level
// fields that were not consumed by the decomposition (unstable extensions
// and future spec additions).
type Transaction struct {
	ID          string
	Events      []*event.Event
	Ephemeral   []*event.Event
	ToDevice    []*event.Event
	DeviceLists *mautrix.DeviceLists
	OTKCounts   OTKCounts
	Extra       map[string]any
}

// TransactionHandlerFunc processes one accepted transaction. The default
// implementation forwards everything to the configured EventSink; it can
// be replaced wholesale for ordering-sensitive deployments.
type TransactionHandlerFunc func(ctx context.Context, txn *Transaction)

// QueryUserFunc and QueryAliasFunc back the read-only query endpoints.
// A nil return value becomes a 404 response.
type (
	QueryUserFunc  func(ctx context.Context, userID id.UserID) any
	QueryAliasFunc func(ctx context.Context, alias id.RoomAlias) any
)

// AppService is the homeserver-facing endpoint state. Construct it with
// New, set the exported fields, then serve Routes().
type AppService struct {
	Log zerolog.Logger

	// HSToken authenticates inbound requests from the homeserver.
	HSToken string
	// BotMXID is the appservice's own bot user.
	BotMXID id.UserID

	// EphemeralEvents enables parsing of the MSC2409 ephemeral stream.
	EphemeralEvents bool
	// EncryptionEvents enables parsing of the to-device / device-list /
	// OTK-count streams (MSC2409 + MSC3202).
	EncryptionEvents bool
	// SynchronousHandlers makes event dispatch run inline and in order,
	// blocking the transaction response until every handler returns.
	SynchronousHandlers bool

	Sink               EventSink
	TransactionHandler TransactionHandlerFunc
	QueryUser          QueryUserFunc
	QueryAlias         QueryAliasFunc
	Checkpoints        *CheckpointSender

	txnIDs *exsync.Set[string]
	tasks  *TaskQueue
}

// New creates an AppService with a running dispatch queue. The returned
// value still needs HSToken, BotMXID and Sink before serving requests.
func New(log zerolog.Logger) *AppService {
	as := &AppService{
		Log:    log,
		txnIDs: exsync.NewSet[string](),
		tasks:  NewTaskQueue(log, DefaultQueueBuffer, DefaultQueueWorkers),
	}
	as.TransactionHandler = as.defaultHandleTransaction
	return as
}

// Stop drains the dispatch queue. Call during shutdown after the HTTP
// server has stopped accepting requests.
func (as *AppService) Stop() {
	as.tasks.Stop()
}

// WasProcessed reports whether the given transaction ID has already been
// accepted during this process's lifetime. Restart resets the set; the
// homeserver may then resend, which short-circuits to success without
// re-invoking handlers only if the ID is still remembered.
func (as *AppService) WasProcessed(txnID string) bool {
	return as.txnIDs.Has(txnID)
}

func (as *AppService) markProcessed(txnID string) {
	as.txnIDs.Add(txnID)
}

// classifyEvent assigns the semantic class of an inbound event: events
// from the ephemeral stream are EPHEMERAL, events carrying a state key
// are STATE, everything else is MESSAGE.
func classifyEvent(evt *event.Event, ephemeral bool) {
	switch {
	case ephemeral:
		evt.Type.Class = event.EphemeralEventType
	case evt.StateKey != nil:
		evt.Type.Class = event.StateEventType
	default:
		evt.Type.Class = event.MessageEventType
	}
}

// defaultHandleTransaction forwards the decomposed transaction to the
// sink. To-device events, device list changes and OTK counts are handled
// inline (they feed the crypto machinery and must stay ordered); room and
// ephemeral events go through the dispatch queue unless synchronous mode
// is on. Per-event handler failures are contained by the queue and never
// abort sibling events.
func (as *AppService) defaultHandleTransaction(ctx context.Context, txn *Transaction) {
	if as.Sink == nil {
		as.Log.Warn().Str("transaction_id", txn.ID).Msg("No event sink configured, dropping transaction contents")
		return
	}
	for _, evt := range txn.ToDevice {
		evt.Type.Class = event.ToDeviceEventType
		as.Sink.HandleToDeviceEvent(ctx, evt)
	}
	if txn.DeviceLists != nil && (len(txn.DeviceLists.Changed) > 0 || len(txn.DeviceLists.Left) > 0) {
		as.Sink.HandleDeviceLists(ctx, txn.DeviceLists)
	}
	if len(txn.OTKCounts) > 0 {
		as.Sink.HandleOTKCounts(ctx, txn.OTKCounts)
	}
	for _, evt := range txn.Ephemeral {
		classifyEvent(evt, true)
		as.dispatch(ctx, evt, as.Sink.HandleEphemeralEvent)
	}
	for _, evt := range txn.Events {
		classifyEvent(evt, false)
		as.dispatch(ctx, evt, as.Sink.HandleEvent)
	}
}

func (as *AppService) dispatch(ctx context.Context, evt *event.Event, handle func(context.Context, *event.Event)) {
	if as.SynchronousHandlers {
		handle(ctx, evt)
		return
	}
	// Detach from the request context: the HTTP response must not be
	// held open by (or cancel) fire-and-forget handlers.
	bgCtx := context.WithoutCancel(ctx)
	as.tasks.Submit(func() {
		handle(bgCtx, evt)
	})
}
