// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// autoLoginToken asks SwitchMXID to obtain the token itself through the
// shared secret instead of using a user-provided one.
const autoLoginToken = "auto"

const syncTimeoutMS = 30000

// syncWait is the backoff before the next sync attempt after the given
// number of consecutive errors. It grows quadratically and caps at
// 121 seconds.
func syncWait(errorCount int) time.Duration {
	if errorCount > 11 {
		errorCount = 11
	}
	return time.Duration(errorCount*errorCount) * time.Second
}

// DoublePuppet is the live double-puppeting state for one ghost: the
// real-account credentials plus the client running the sync loop.
type DoublePuppet struct {
	Puppet Puppet

	mu     sync.Mutex
	creds  PuppetCredentials
	client MatrixClient
	cancel context.CancelFunc
}

// CustomMXID returns the real account this puppet is bound to, or empty
// when double puppeting is not active.
func (dp *DoublePuppet) CustomMXID() id.UserID {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.creds.CustomMXID
}

// AccessToken returns the token currently used by the sync loop.
func (dp *DoublePuppet) AccessToken() string {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.creds.AccessToken
}

func (dp *DoublePuppet) credentials() PuppetCredentials {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.creds
}

// ClientFactory builds an API client for a custom puppet account.
type ClientFactory func(homeserverURL string, mxid id.UserID, accessToken string) (MatrixClient, error)

// SyncEngine runs one /sync loop per active double puppet so the bridge
// sees real users' read receipts, typing notifications and presence.
type SyncEngine struct {
	Log       zerolog.Logger
	Store     CredentialStore
	Backend   Backend
	Router    *EventRouter
	NewClient ClientFactory

	HomeserverURL    string
	HomeserverDomain string
	// ServerURLMap overrides homeserver URL resolution per domain.
	ServerURLMap map[string]string
	// SharedSecrets enables automatic login per domain. A value starting
	// with "as_token:" is used for an appservice-type login instead of
	// the HMAC password scheme.
	SharedSecrets  map[string]string
	AllowDiscovery bool

	LoginDeviceName           string
	OnlyHandleOwnSyncedEvents bool

	puppetLock   sync.Mutex
	byCustomMXID map[id.UserID]*DoublePuppet
	wg           sync.WaitGroup
	sleep        func(time.Duration)
}

// NewSyncEngine creates an engine. The exported fields must be filled
// before Start.
func NewSyncEngine(log zerolog.Logger) *SyncEngine {
	return &SyncEngine{
		Log:             log,
		LoginDeviceName: "Matrix Bridge",
		byCustomMXID:    make(map[id.UserID]*DoublePuppet),
		sleep:           time.Sleep,
	}
}

// GetByCustomMXID returns the active double puppet bound to the given
// real account.
func (se *SyncEngine) GetByCustomMXID(mxid id.UserID) *DoublePuppet {
	se.puppetLock.Lock()
	defer se.puppetLock.Unlock()
	return se.byCustomMXID[mxid]
}

// Start restores every persisted double puppet and starts its sync
// loop. Individual failures are logged and skipped so one broken token
// doesn't block the rest.
func (se *SyncEngine) Start(ctx context.Context) error {
	all, err := se.Store.LoadAllPuppetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to load double puppet credentials: %w", err)
	}
	for defaultMXID, creds := range all {
		puppet := se.Backend.GetPuppet(ctx, defaultMXID)
		if puppet == nil {
			se.Log.Warn().Str("default_mxid", defaultMXID.String()).Msg("Stored credentials for unknown ghost")
			continue
		}
		dp := &DoublePuppet{Puppet: puppet, creds: *creds}
		if err = se.startPuppet(ctx, dp, true); err != nil {
			se.Log.Warn().Err(err).
				Str("custom_mxid", creds.CustomMXID.String()).
				Msg("Failed to start double puppet")
		}
	}
	return nil
}

// Stop cancels every sync loop and waits for them to exit.
func (se *SyncEngine) Stop() {
	se.puppetLock.Lock()
	for _, dp := range se.byCustomMXID {
		dp.mu.Lock()
		if dp.cancel != nil {
			dp.cancel()
		}
		dp.mu.Unlock()
	}
	se.puppetLock.Unlock()
	se.wg.Wait()
}

// startPuppet verifies the stored credentials and launches the sync
// loop. On a rejected token it re-logins through the shared secret once
// before giving up and clearing the stored credentials.
func (se *SyncEngine) startPuppet(ctx context.Context, dp *DoublePuppet, retryAutoLogin bool) error {
	creds := dp.credentials()
	if creds.CustomMXID == "" || creds.AccessToken == "" {
		return ErrInvalidAccessToken
	}
	log := se.Log.With().Str("custom_mxid", creds.CustomMXID.String()).Logger()
	client, err := se.makeClient(ctx, creds.CustomMXID, creds.AccessToken, creds.BaseURL)
	if err != nil {
		return err
	}
	whoami, err := client.Whoami(ctx)
	if errors.Is(err, mautrix.MUnknownToken) {
		if retryAutoLogin {
			log.Debug().Msg("Stored token was rejected, trying to relogin with shared secret")
			if loginErr := se.autoLogin(ctx, dp); loginErr == nil {
				return se.startPuppet(ctx, dp, false)
			}
		}
		se.invalidate(ctx, dp)
		return ErrInvalidAccessToken
	} else if err != nil {
		return fmt.Errorf("failed to check token owner: %w", err)
	}
	if whoami.UserID != creds.CustomMXID {
		se.invalidate(ctx, dp)
		return ErrOnlyLoginSelf
	}
	dp.mu.Lock()
	if dp.cancel != nil {
		dp.cancel()
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	dp.client = client
	dp.cancel = cancel
	token := dp.creds.AccessToken
	dp.mu.Unlock()
	se.puppetLock.Lock()
	se.byCustomMXID[creds.CustomMXID] = dp
	se.puppetLock.Unlock()
	se.wg.Add(1)
	go se.syncLoop(loopCtx, dp, token)
	log.Info().Msg("Double puppet started")
	return nil
}

// SwitchMXID binds a ghost to a real Matrix account. The access token
// may be the literal "auto" to log in through the shared secret. The
// token must belong to mxid itself.
func (se *SyncEngine) SwitchMXID(ctx context.Context, puppet Puppet, mxid id.UserID, accessToken string) error {
	_, domain, err := mxid.Parse()
	if err != nil {
		return fmt.Errorf("invalid user ID: %w", err)
	}
	if accessToken == autoLoginToken {
		accessToken, err = se.loginWithSharedSecret(ctx, mxid, domain)
		if err != nil {
			return err
		}
	}
	client, err := se.makeClient(ctx, mxid, accessToken, "")
	if err != nil {
		return err
	}
	whoami, err := client.Whoami(ctx)
	if errors.Is(err, mautrix.MUnknownToken) {
		return ErrInvalidAccessToken
	} else if err != nil {
		return fmt.Errorf("failed to check token owner: %w", err)
	}
	if whoami.UserID != mxid {
		return ErrOnlyLoginSelf
	}
	if err = se.checkKeyReuse(ctx, client, mxid, whoami.DeviceID); err != nil {
		return err
	}

	// An existing binding for the same account is torn down first so two
	// loops never sync with the same token.
	if prev := se.GetByCustomMXID(mxid); prev != nil {
		se.invalidate(ctx, prev)
	}
	dp := &DoublePuppet{Puppet: puppet}
	baseURL, err := se.resolveHomeserverURL(ctx, domain)
	if err != nil {
		return err
	}
	dp.mu.Lock()
	if dp.cancel != nil {
		dp.cancel()
		dp.cancel = nil
	}
	dp.creds = PuppetCredentials{
		CustomMXID:  mxid,
		AccessToken: accessToken,
		BaseURL:     baseURL,
	}
	creds := dp.creds
	dp.mu.Unlock()
	if err = se.Store.SavePuppetCredentials(ctx, puppet.DefaultMXID(), &creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	go se.leaveRoomsWithDefaultUser(context.WithoutCancel(ctx), puppet)
	return se.startPuppet(ctx, dp, false)
}

// checkKeyReuse rejects tokens whose device has already uploaded
// encryption keys: taking over such a session would break the user's
// real client.
func (se *SyncEngine) checkKeyReuse(ctx context.Context, client MatrixClient, mxid id.UserID, deviceID id.DeviceID) error {
	if deviceID == "" {
		return nil
	}
	resp, err := client.QueryKeys(ctx, &mautrix.ReqQueryKeys{
		DeviceKeys: mautrix.DeviceKeysRequest{mxid: mautrix.DeviceIDList{deviceID}},
	})
	if err != nil {
		se.Log.Warn().Err(err).Msg("Failed to query keys to check for device key reuse")
		return nil
	}
	if devices, ok := resp.DeviceKeys[mxid]; ok {
		if _, ok = devices[deviceID]; ok {
			return ErrEncryptionKeysFound
		}
	}
	return nil
}

// invalidate stops the loop and clears the stored credentials.
func (se *SyncEngine) invalidate(ctx context.Context, dp *DoublePuppet) {
	dp.mu.Lock()
	if dp.cancel != nil {
		dp.cancel()
		dp.cancel = nil
	}
	mxid := dp.creds.CustomMXID
	dp.creds = PuppetCredentials{}
	dp.client = nil
	dp.mu.Unlock()
	if mxid != "" {
		se.puppetLock.Lock()
		delete(se.byCustomMXID, mxid)
		se.puppetLock.Unlock()
	}
	if err := se.Store.SavePuppetCredentials(ctx, dp.Puppet.DefaultMXID(), nil); err != nil {
		se.Log.Warn().Err(err).Msg("Failed to clear stored double puppet credentials")
	}
}

func (se *SyncEngine) makeClient(ctx context.Context, mxid id.UserID, accessToken, baseURL string) (MatrixClient, error) {
	if baseURL == "" {
		_, domain, err := mxid.Parse()
		if err != nil {
			return nil, fmt.Errorf("invalid user ID: %w", err)
		}
		baseURL, err = se.resolveHomeserverURL(ctx, domain)
		if err != nil {
			return nil, err
		}
	}
	return se.NewClient(baseURL, mxid, accessToken)
}

// resolveHomeserverURL finds the client API URL for a domain: explicit
// map entry, then the bridge's own homeserver, then .well-known
// discovery. Domains outside the trusted set are refused outright when
// discovery is disabled.
func (se *SyncEngine) resolveHomeserverURL(ctx context.Context, domain string) (string, error) {
	if url, ok := se.ServerURLMap[domain]; ok {
		return url, nil
	}
	if domain == se.HomeserverDomain {
		return se.HomeserverURL, nil
	}
	if !se.AllowDiscovery {
		return "", ErrOnlyLoginTrustedDomain
	}
	wellKnown, err := mautrix.DiscoverClientAPI(ctx, domain)
	if err == nil && wellKnown != nil && wellKnown.Homeserver.BaseURL != "" {
		return wellKnown.Homeserver.BaseURL, nil
	}
	se.Log.Debug().Err(err).Str("domain", domain).Msg("Failed to discover homeserver URL")
	return "", HomeserverURLNotFoundError{Domain: domain}
}

func (se *SyncEngine) autoLogin(ctx context.Context, dp *DoublePuppet) error {
	creds := dp.credentials()
	_, domain, err := creds.CustomMXID.Parse()
	if err != nil {
		return err
	}
	token, err := se.loginWithSharedSecret(ctx, creds.CustomMXID, domain)
	if err != nil {
		return err
	}
	dp.mu.Lock()
	dp.creds.AccessToken = token
	updated := dp.creds
	dp.mu.Unlock()
	return se.Store.SavePuppetCredentials(ctx, dp.Puppet.DefaultMXID(), &updated)
}

// relogin refreshes the access token through the shared secret and swaps
// in a client using it. Called from the sync loop when the homeserver
// stops accepting the current token.
func (se *SyncEngine) relogin(ctx context.Context, dp *DoublePuppet) error {
	if err := se.autoLogin(ctx, dp); err != nil {
		return err
	}
	creds := dp.credentials()
	client, err := se.makeClient(ctx, creds.CustomMXID, creds.AccessToken, creds.BaseURL)
	if err != nil {
		return err
	}
	dp.mu.Lock()
	dp.client = client
	dp.mu.Unlock()
	return nil
}

// loginWithSharedSecret logs into mxid's account using the configured
// shared secret, either as an appservice or with the HMAC password
// scheme of matrix-synapse-shared-secret-auth.
func (se *SyncEngine) loginWithSharedSecret(ctx context.Context, mxid id.UserID, domain string) (string, error) {
	secret, ok := se.SharedSecrets[domain]
	if !ok {
		return "", ErrNoSharedSecret
	}
	baseURL, err := se.resolveHomeserverURL(ctx, domain)
	if err != nil {
		return "", err
	}
	req := &mautrix.ReqLogin{
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: mxid.String(),
		},
		DeviceID:                 id.DeviceID(se.LoginDeviceName),
		InitialDeviceDisplayName: se.LoginDeviceName,
	}
	loginToken := ""
	if rest, isAS := strings.CutPrefix(secret, "as_token:"); isAS {
		req.Type = mautrix.AuthTypeAppservice
		loginToken = rest
	} else {
		mac := hmac.New(sha512.New, []byte(secret))
		mac.Write([]byte(mxid))
		req.Type = mautrix.AuthTypePassword
		req.Password = hex.EncodeToString(mac.Sum(nil))
	}
	client, err := se.NewClient(baseURL, mxid, loginToken)
	if err != nil {
		return "", err
	}
	resp, err := client.Login(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to log in with shared secret: %w", err)
	}
	return resp.AccessToken, nil
}

// leaveRoomsWithDefaultUser makes the ghost's default account leave all
// its rooms after the real account takes over. Best effort.
func (se *SyncEngine) leaveRoomsWithDefaultUser(ctx context.Context, puppet Puppet) {
	intent := puppet.Intent()
	if intent == nil {
		return
	}
	rooms, err := intent.JoinedRooms(ctx)
	if err != nil {
		return
	}
	for _, roomID := range rooms.JoinedRooms {
		_, _ = intent.LeaveRoom(ctx, roomID)
	}
}

func (se *SyncEngine) buildSyncFilter() *mautrix.Filter {
	everything := []event.Type{event.NewEventType("*")}
	presence := &mautrix.FilterPart{NotTypes: everything}
	if _, ok := se.Backend.(EphemeralHandler); ok {
		presence = &mautrix.FilterPart{Types: []event.Type{event.EphemeralEventPresence}}
	}
	return &mautrix.Filter{
		AccountData: &mautrix.FilterPart{NotTypes: everything},
		Presence:    presence,
		Room: &mautrix.RoomFilter{
			IncludeLeave: false,
			AccountData:  &mautrix.FilterPart{NotTypes: everything},
			State:        &mautrix.FilterPart{NotTypes: everything},
			Timeline:     &mautrix.FilterPart{NotTypes: everything},
			Ephemeral: &mautrix.FilterPart{Types: []event.Type{
				event.EphemeralEventTyping,
				event.EphemeralEventReceipt,
			}},
		},
	}
}

// syncLoop runs /sync for one double puppet until its context is
// cancelled or the stored token changes under it. The first call with
// an empty cursor only establishes the position: its (potentially huge)
// backlog is discarded.
func (se *SyncEngine) syncLoop(ctx context.Context, dp *DoublePuppet, token string) {
	defer se.wg.Done()
	creds := dp.credentials()
	log := se.Log.With().Str("custom_mxid", creds.CustomMXID.String()).Logger()

	dp.mu.Lock()
	client := dp.client
	dp.mu.Unlock()
	resp, err := client.CreateFilter(ctx, se.buildSyncFilter())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create sync filter")
		return
	}
	filterID := resp.FilterID

	errorCount := 0
	allowRelogin := true
	for {
		if ctx.Err() != nil {
			return
		}
		if dp.AccessToken() != token {
			log.Debug().Msg("Token changed, stopping sync loop")
			return
		}
		creds = dp.credentials()
		syncResp, err := client.SyncRequest(ctx, syncTimeoutMS, creds.NextBatch, filterID, false, event.PresenceOffline)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, mautrix.MUnknownToken) {
				if !allowRelogin {
					log.Warn().Msg("Relogined token was rejected too, stopping double puppet")
					se.invalidate(ctx, dp)
					return
				}
				allowRelogin = false
				log.Warn().Msg("Sync token was rejected, trying to relogin with shared secret")
				if loginErr := se.relogin(ctx, dp); loginErr != nil {
					log.Warn().Err(loginErr).Msg("Failed to relogin, stopping double puppet")
					se.invalidate(ctx, dp)
					return
				}
				dp.mu.Lock()
				client = dp.client
				token = dp.creds.AccessToken
				dp.mu.Unlock()
				resp, err = client.CreateFilter(ctx, se.buildSyncFilter())
				if err != nil {
					log.Warn().Err(err).Msg("Failed to create sync filter after relogin")
					return
				}
				filterID = resp.FilterID
				log.Info().Msg("Relogined with shared secret, continuing sync")
				continue
			}
			errorCount++
			wait := syncWait(errorCount)
			log.Warn().Err(err).Int("error_count", errorCount).
				Dur("retry_in", wait).Msg("Sync error")
			se.sleep(wait)
			continue
		}
		errorCount = 0
		allowRelogin = true
		if creds.NextBatch != "" {
			se.handleSync(ctx, dp, syncResp)
		} else {
			log.Debug().Msg("Dropping backlog of initial sync")
		}
		dp.mu.Lock()
		dp.creds.NextBatch = syncResp.NextBatch
		updated := dp.creds
		dp.mu.Unlock()
		if err = se.Store.SavePuppetCredentials(ctx, dp.Puppet.DefaultMXID(), &updated); err != nil {
			log.Warn().Err(err).Msg("Failed to persist sync cursor")
		}
	}
}

func (se *SyncEngine) handleSync(ctx context.Context, dp *DoublePuppet, resp *mautrix.RespSync) {
	customMXID := dp.CustomMXID()
	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.Ephemeral.Events {
			evt.RoomID = roomID
			evt.Type.Class = event.EphemeralEventType
			if se.OnlyHandleOwnSyncedEvents && !se.restrictToOwnEvents(evt, customMXID) {
				continue
			}
			se.Router.HandleEphemeralEvent(ctx, evt)
		}
	}
	for _, evt := range resp.Presence.Events {
		evt.Type.Class = event.EphemeralEventType
		if se.OnlyHandleOwnSyncedEvents && evt.Sender != customMXID {
			continue
		}
		se.Router.HandleEphemeralEvent(ctx, evt)
	}
}

// restrictToOwnEvents trims a synced ephemeral event down to the double
// puppet's own activity. Receipts from other users are removed from the
// content; typing events pass only when the user is typing.
func (se *SyncEngine) restrictToOwnEvents(evt *event.Event, customMXID id.UserID) bool {
	switch evt.Type {
	case event.EphemeralEventReceipt:
		if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
			return false
		}
		receipts := *evt.Content.AsReceipt()
		for eventID, byType := range receipts {
			for receiptType, byUser := range byType {
				for userID := range byUser {
					if userID != customMXID {
						delete(byUser, userID)
					}
				}
				if len(byUser) == 0 {
					delete(byType, receiptType)
				}
			}
			if len(byType) == 0 {
				delete(receipts, eventID)
			}
		}
		return len(receipts) > 0
	case event.EphemeralEventTyping:
		if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
			return false
		}
		for _, userID := range evt.Content.AsTyping().UserIDs {
			if userID == customMXID {
				return true
			}
		}
		return false
	default:
		return true
	}
}
