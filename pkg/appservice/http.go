// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var transactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "appservice_transactions_total",
	Help: "Transactions received on the appservice endpoint by result",
}, []string{"result"})

// Routes returns the HTTP handler serving both path families understood
// by homeservers: the legacy unprefixed one and /_matrix/app/v1.
func (as *AppService) Routes() *mux.Router {
	r := mux.NewRouter()
	for _, prefix := range []string{"", "/_matrix/app/v1"} {
		r.HandleFunc(prefix+"/transactions/{txnID}", as.PutTransaction).Methods(http.MethodPut)
		r.HandleFunc(prefix+"/rooms/{alias}", as.GetRoomAlias).Methods(http.MethodGet)
		r.HandleFunc(prefix+"/users/{userID}", as.GetUser).Methods(http.MethodGet)
	}
	r.HandleFunc("/_matrix/app/v1/ping", as.PostPing).Methods(http.MethodPost)
	return r
}

// checkAuth verifies the homeserver token, which may arrive as an
// access_token query parameter or an Authorization bearer header.
func (as *AppService) checkAuth(r *http.Request) bool {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		as.Log.Debug().Msg("No access_token nor Authorization header in request")
		return false
	} else if token != as.HSToken {
		as.Log.Debug().Msg("Incorrect hs_token in request")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRespError(w http.ResponseWriter, status int, errcode mautrix.RespError, message string) {
	writeJSON(w, status, &mautrix.RespError{ErrCode: errcode.ErrCode, Err: message})
}

// PutTransaction implements PUT /transactions/{txnID}. Repeated delivery
// of an already-accepted transaction ID returns an empty success response
// without touching the handler. The ID is only marked processed after the
// handler call finishes, so a crash mid-handling permits redelivery while
// a handler error does not.
func (as *AppService) PutTransaction(w http.ResponseWriter, r *http.Request) {
	if !as.checkAuth(r) {
		transactionsProcessed.WithLabelValues("rejected").Inc()
		writeRespError(w, http.StatusUnauthorized, mautrix.MUnknownToken, "Invalid auth token")
		return
	}
	txnID := mux.Vars(r)["txnID"]
	log := as.Log.With().Str("transaction_id", txnID).Logger()
	if as.WasProcessed(txnID) {
		log.Debug().Msg("Ignoring duplicate transaction")
		transactionsProcessed.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		transactionsProcessed.WithLabelValues("malformed").Inc()
		writeRespError(w, http.StatusBadRequest, mautrix.MNotJSON, "Body is not JSON")
		return
	}
	txn, errResp := as.decomposeTransaction(txnID, body)
	if errResp != nil {
		transactionsProcessed.WithLabelValues("malformed").Inc()
		writeRespError(w, http.StatusBadRequest, *errResp, errResp.Err)
		return
	}

	log.Debug().
		Int("events", len(txn.Events)).
		Int("ephemeral", len(txn.Ephemeral)).
		Int("to_device", len(txn.ToDevice)).
		Msg("Handling transaction")
	func() {
		defer func() {
			if panicErr := recover(); panicErr != nil {
				log.Error().Any("panic", panicErr).Msg("Panic in transaction handler")
			}
		}()
		as.TransactionHandler(r.Context(), txn)
	}()
	as.markProcessed(txnID)
	log.Debug().Msg("Finished handling transaction")
	transactionsProcessed.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, struct{}{})
}

// rawWithFallback pops a field from the body, preferring the stable name
// over its unstable-prefixed variant.
func rawWithFallback(body map[string]json.RawMessage, field, unstablePrefix string) (json.RawMessage, bool) {
	if raw, ok := body[field]; ok {
		delete(body, field)
		delete(body, unstablePrefix+"."+field)
		return raw, true
	}
	if raw, ok := body[unstablePrefix+"."+field]; ok {
		delete(body, unstablePrefix+"."+field)
		return raw, true
	}
	return nil, false
}

// decomposeTransaction splits a transaction body into its typed
// sub-streams. The events array is required; the ephemeral and
// encryption-related streams are only read when the corresponding
// feature is enabled. Individual events that fail to deserialize are
// logged and skipped rather than failing the whole transaction.
func (as *AppService) decomposeTransaction(txnID string, body map[string]json.RawMessage) (*Transaction, *mautrix.RespError) {
	rawEvents, ok := body["events"]
	if !ok {
		return nil, &mautrix.RespError{ErrCode: mautrix.MBadJSON.ErrCode, Err: "Missing events object in body"}
	}
	delete(body, "events")
	txn := &Transaction{ID: txnID}

	var rawEventList []json.RawMessage
	if err := json.Unmarshal(rawEvents, &rawEventList); err != nil {
		return nil, &mautrix.RespError{ErrCode: mautrix.MBadJSON.ErrCode, Err: "Invalid events object in body"}
	}
	for _, raw := range rawEventList {
		var evt event.Event
		if err := json.Unmarshal(fixPrevContent(raw), &evt); err != nil {
			as.Log.Warn().Err(err).Str("transaction_id", txnID).Msg("Failed to deserialize event")
			as.reportDroppedEvent(raw, err)
			continue
		}
		txn.Events = append(txn.Events, &evt)
	}

	if as.EphemeralEvents {
		if raw, ok := rawWithFallback(body, "ephemeral", "de.sorunome.msc2409"); ok {
			if err := json.Unmarshal(raw, &txn.Ephemeral); err != nil {
				as.Log.Warn().Err(err).Str("transaction_id", txnID).Msg("Failed to deserialize ephemeral events")
			}
		}
	}
	if as.EncryptionEvents {
		if raw, ok := rawWithFallback(body, "to_device", "de.sorunome.msc2409"); ok {
			if err := json.Unmarshal(raw, &txn.ToDevice); err != nil {
				as.Log.Warn().Err(err).Str("transaction_id", txnID).Msg("Failed to deserialize to-device events")
			}
		}
		if raw, ok := rawWithFallback(body, "device_lists", "org.matrix.msc3202"); ok {
			if err := json.Unmarshal(raw, &txn.DeviceLists); err != nil {
				as.Log.Warn().Err(err).Str("transaction_id", txnID).Msg("Failed to deserialize device lists")
			}
		}
		if raw, ok := rawWithFallback(body, "device_one_time_keys_count", "org.matrix.msc3202"); ok {
			if err := json.Unmarshal(raw, &txn.OTKCounts); err != nil {
				as.Log.Warn().Err(err).Str("transaction_id", txnID).Msg("Failed to deserialize OTK counts")
			}
		}
	}
	if len(body) > 0 {
		txn.Extra = make(map[string]any, len(body))
		for key, raw := range body {
			var val any
			_ = json.Unmarshal(raw, &val)
			txn.Extra[key] = val
		}
	}
	return txn, nil
}

// reportDroppedEvent emits a permanent-failure checkpoint for an event
// that could not be deserialized, using whatever identifying fields do
// parse from the raw payload.
func (as *AppService) reportDroppedEvent(raw json.RawMessage, cause error) {
	var partial struct {
		ID     id.EventID `json:"event_id"`
		RoomID id.RoomID  `json:"room_id"`
		Type   string     `json:"type"`
	}
	_ = json.Unmarshal(raw, &partial)
	as.Checkpoints.Send(&Checkpoint{
		EventID:    partial.ID,
		RoomID:     partial.RoomID,
		Step:       StepReceived,
		Status:     StatusPermFailure,
		EventType:  partial.Type,
		Timestamp:  jsontime.UnixMilliNow(),
		ReportedBy: as.BotMXID,
		Info:       cause.Error(),
	})
}

// fixPrevContent normalizes the location of the previous-content payload
// on a raw state event: a null or empty unsigned object is removed, and a
// top-level prev_content field (sent by some older homeservers) is copied
// into unsigned.prev_content unless one is already there.
func fixPrevContent(raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	changed := false
	unsigned := make(map[string]json.RawMessage)
	if rawUnsigned, ok := obj["unsigned"]; ok {
		if err := json.Unmarshal(rawUnsigned, &unsigned); err != nil || len(unsigned) == 0 {
			delete(obj, "unsigned")
			unsigned = make(map[string]json.RawMessage)
			changed = true
		}
	}
	if _, ok := unsigned["prev_content"]; !ok {
		if topLevel, ok := obj["prev_content"]; ok {
			unsigned["prev_content"] = topLevel
			if rawUnsigned, err := json.Marshal(unsigned); err == nil {
				obj["unsigned"] = rawUnsigned
				changed = true
			}
		}
	}
	if !changed {
		return raw
	}
	fixed, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return fixed
}

// GetUser implements the user query endpoint: the homeserver asks whether
// the appservice wants to lazily create a user in its namespace.
func (as *AppService) GetUser(w http.ResponseWriter, r *http.Request) {
	if !as.checkAuth(r) {
		writeRespError(w, http.StatusUnauthorized, mautrix.MUnknownToken, "Invalid auth token")
		return
	}
	userID := id.UserID(mux.Vars(r)["userID"])
	as.serveQuery(w, r, func() any {
		if as.QueryUser == nil {
			return nil
		}
		return as.QueryUser(r.Context(), userID)
	})
}

// GetRoomAlias implements the room alias query endpoint.
func (as *AppService) GetRoomAlias(w http.ResponseWriter, r *http.Request) {
	if !as.checkAuth(r) {
		writeRespError(w, http.StatusUnauthorized, mautrix.MUnknownToken, "Invalid auth token")
		return
	}
	alias := id.RoomAlias(mux.Vars(r)["alias"])
	as.serveQuery(w, r, func() any {
		if as.QueryAlias == nil {
			return nil
		}
		return as.QueryAlias(r.Context(), alias)
	})
}

func (as *AppService) serveQuery(w http.ResponseWriter, r *http.Request, lookup func() any) {
	var resp any
	panicked := true
	func() {
		defer func() {
			if panicErr := recover(); panicErr != nil {
				as.Log.Error().Any("panic", panicErr).Str("path", r.URL.Path).Msg("Panic in query handler")
			}
		}()
		resp = lookup()
		panicked = false
	}()
	if panicked {
		writeJSON(w, http.StatusInternalServerError, &mautrix.RespError{ErrCode: mautrix.MUnknown.ErrCode, Err: "Internal appservice error"})
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusNotFound, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostPing implements the MSC2659 liveness probe: it only checks auth and
// echoes success.
func (as *AppService) PostPing(w http.ResponseWriter, r *http.Request) {
	if !as.checkAuth(r) {
		writeRespError(w, http.StatusUnauthorized, mautrix.MUnknownToken, "Invalid auth token")
		return
	}
	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeRespError(w, http.StatusBadRequest, mautrix.MNotJSON, "Body is not JSON")
		return
	}
	as.Log.Info().Str("transaction_id", body.TransactionID).Msg("Received ping from homeserver")
	writeJSON(w, http.StatusOK, struct{}{})
}
