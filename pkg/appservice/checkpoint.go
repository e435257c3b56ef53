// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// CheckpointStep identifies the processing stage a checkpoint reports on.
type CheckpointStep string

const (
	StepReceived       CheckpointStep = "received"
	StepDecrypted      CheckpointStep = "decrypted"
	StepCommandHandled CheckpointStep = "command-handled"
)

// CheckpointStatus is the outcome reported for a step.
type CheckpointStatus string

const (
	StatusSuccess     CheckpointStatus = "success"
	StatusWillRetry   CheckpointStatus = "will-retry"
	StatusPermFailure CheckpointStatus = "permanent-failure"
)

// Checkpoint is one delivery-status record for an event at a processing
// step. Checkpoints are write-only telemetry: they are posted to an
// external sink and never queried back.
type Checkpoint struct {
	EventID    id.EventID         `json:"event_id"`
	RoomID     id.RoomID          `json:"room_id"`
	Step       CheckpointStep     `json:"step"`
	Status     CheckpointStatus   `json:"status"`
	EventType  string             `json:"event_type"`
	Timestamp  jsontime.UnixMilli `json:"timestamp"`
	ReportedBy id.UserID          `json:"reported_by"`
	RetryNum   int                `json:"retry_num"`
	Info       string             `json:"info,omitempty"`
}

// NewCheckpoint fills a checkpoint from an event.
func NewCheckpoint(evt *event.Event, step CheckpointStep, status CheckpointStatus) *Checkpoint {
	return &Checkpoint{
		EventID:   evt.ID,
		RoomID:    evt.RoomID,
		Step:      step,
		Status:    status,
		EventType: evt.Type.Type,
		Timestamp: jsontime.UnixMilliNow(),
	}
}

// CheckpointSender posts checkpoints to a telemetry endpoint from a
// background goroutine. A nil *CheckpointSender is a valid no-op sender,
// so callers never need to branch on whether telemetry is configured.
type CheckpointSender struct {
	log    zerolog.Logger
	url    string
	token  string
	client *http.Client
	ch     chan *Checkpoint
	done   chan struct{}
}

// NewCheckpointSender returns a running sender, or nil when no endpoint
// is configured.
func NewCheckpointSender(log zerolog.Logger, endpoint, asToken string) *CheckpointSender {
	if endpoint == "" {
		return nil
	}
	cs := &CheckpointSender{
		log:    log,
		url:    endpoint,
		token:  asToken,
		client: &http.Client{Timeout: 10 * time.Second},
		ch:     make(chan *Checkpoint, 64),
		done:   make(chan struct{}),
	}
	go cs.loop()
	return cs
}

// Send queues a checkpoint without ever blocking the caller: when the
// buffer is saturated the checkpoint is dropped and logged.
func (cs *CheckpointSender) Send(cp *Checkpoint) {
	if cs == nil || cp == nil {
		return
	}
	select {
	case cs.ch <- cp:
	default:
		cs.log.Warn().
			Str("event_id", cp.EventID.String()).
			Str("step", string(cp.Step)).
			Msg("Checkpoint buffer full, dropping checkpoint")
	}
}

// Close stops the sender after flushing whatever is already queued.
func (cs *CheckpointSender) Close() {
	if cs == nil {
		return
	}
	close(cs.ch)
	<-cs.done
}

func (cs *CheckpointSender) loop() {
	defer close(cs.done)
	for cp := range cs.ch {
		if err := cs.post(cp); err != nil {
			cs.log.Warn().Err(err).
				Str("event_id", cp.EventID.String()).
				Str("step", string(cp.Step)).
				Msg("Failed to send checkpoint")
		}
	}
}

func (cs *CheckpointSender) post(cp *Checkpoint) error {
	var buf bytes.Buffer
	err := json.NewEncoder(&buf).Encode(map[string][]*Checkpoint{"checkpoints": {cp}})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cs.url, &buf)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cs.token)
	resp, err := cs.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
