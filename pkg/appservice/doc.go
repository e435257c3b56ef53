// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package appservice implements the homeserver-facing half of a Matrix
// application service: the HTTP surface that receives pushed event
// transactions, deduplicates them, decomposes each batch into typed
// sub-streams and fans the events out to an [EventSink].
//
// # Core Types
//
// [AppService] owns the transaction endpoint state: the homeserver token
// used for authentication, the seen-transaction set, the query handlers
// and the dispatch queue. Call [AppService.Routes] to get an http.Handler
// serving both the legacy and the /_matrix/app/v1 path families.
//
// [TaskQueue] is the bounded worker pool used to run event handlers as
// fire-and-forget tasks so a slow handler cannot block ingestion of the
// rest of a transaction. Setting AppService.SynchronousHandlers bypasses
// it entirely, which keeps event handling deterministic for tests.
//
// [CheckpointSender] posts delivery checkpoints to an external telemetry
// endpoint from a background goroutine. Sending never blocks: when the
// buffer is saturated, checkpoints are dropped and counted in the logs.
//
// [Registration] models the appservice registration file pushed to the
// homeserver, including token generation for first-time setup.
package appservice
