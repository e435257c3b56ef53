// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Double puppeting login failures. These are returned to command
// handlers, so the messages are written to be shown to users as-is.
var (
	ErrOnlyLoginSelf          = errors.New("you may only replace your puppet with your own Matrix account")
	ErrOnlyLoginTrustedDomain = errors.New("logging in with accounts on untrusted servers is not allowed")
	ErrInvalidAccessToken     = errors.New("the Matrix access token was rejected by the homeserver")
	ErrEncryptionKeysFound    = errors.New("the access token is already in use in an encryption-capable client")
	ErrNoSharedSecret         = errors.New("no shared secret is configured for automatic login on that server")
)

// HomeserverURLNotFoundError is returned when the URL for a custom
// puppet's homeserver can't be resolved from the server map, the bridge
// domain or .well-known discovery.
type HomeserverURLNotFoundError struct {
	Domain string
}

func (e HomeserverURLNotFoundError) Error() string {
	return fmt.Sprintf("no homeserver URL found for %s", e.Domain)
}

// Message drop reasons reported through checkpoints.
var (
	errUserNotWhitelisted = errors.New("user is not whitelisted")
	errNoPortal           = errors.New("room is not a portal or management room")
)

// Decryption failure taxonomy. SessionNotFoundError is the only one
// that triggers the key-request retry path.
var (
	ErrNotEncrypted = errors.New("the message is not encrypted")
	ErrNoDecryptor  = errors.New("encryption support is not enabled")
)

// SessionNotFoundError means the Megolm session for an encrypted event
// hasn't arrived yet. The router requests the session and retries the
// decryption once.
type SessionNotFoundError struct {
	SenderKey id.SenderKey
	SessionID id.SessionID
}

func (e SessionNotFoundError) Error() string {
	return fmt.Sprintf("failed to decrypt megolm event: no session with given ID %s found", e.SessionID)
}

// DeviceUntrustedError rejects a successfully decrypted event whose
// sending device does not meet the configured minimum trust level.
type DeviceUntrustedError struct {
	Trust id.TrustState
}

func (e DeviceUntrustedError) Error() string {
	return fmt.Sprintf("your device is not trusted (trust state: %s)", e.Trust)
}
