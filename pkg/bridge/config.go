// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// PermissionLevel orders what a user may do with the bridge.
type PermissionLevel int

const (
	PermissionBlocked PermissionLevel = 0
	PermissionRelay   PermissionLevel = 5
	PermissionUser    PermissionLevel = 10
	PermissionAdmin   PermissionLevel = 100
)

func (pl *PermissionLevel) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch strings.ToLower(raw) {
	case "block", "blocked", "":
		*pl = PermissionBlocked
	case "relay":
		*pl = PermissionRelay
	case "user":
		*pl = PermissionUser
	case "admin":
		*pl = PermissionAdmin
	default:
		return fmt.Errorf("invalid permission level %q", raw)
	}
	return nil
}

func (pl PermissionLevel) MarshalYAML() (any, error) {
	switch pl {
	case PermissionRelay:
		return "relay", nil
	case PermissionUser:
		return "user", nil
	case PermissionAdmin:
		return "admin", nil
	default:
		return "block", nil
	}
}

// HomeserverConfig points the bridge at its homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
	// StatusEndpoint receives message delivery checkpoints. Empty
	// disables checkpoint reporting.
	StatusEndpoint string `yaml:"status_endpoint"`
}

// AppServiceConfig is the appservice's own listener and identity.
type AppServiceConfig struct {
	ID       string `yaml:"id"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`
	// Address is the URL the homeserver uses to reach this appservice.
	Address string `yaml:"address"`

	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`

	BotUsername     string `yaml:"bot_username"`
	EphemeralEvents bool   `yaml:"ephemeral_events"`
}

// EncryptionConfig controls end-to-bridge encryption.
type EncryptionConfig struct {
	Allow bool `yaml:"allow"`
	// MinimumTrust is the lowest device trust level whose messages are
	// bridged ("unverified", "cross-signed-tofu", "cross-signed-verified"
	// or "verified").
	MinimumTrust string `yaml:"minimum_trust"`
	// SessionWaitSeconds is how long to wait for missing decryption keys
	// before giving up on an event.
	SessionWaitSeconds int `yaml:"session_wait_seconds"`
}

// DoublePuppetConfig controls the custom puppet sync engine.
type DoublePuppetConfig struct {
	ServerMap                 map[string]string `yaml:"server_map"`
	AllowDiscovery            bool              `yaml:"allow_discovery"`
	Secrets                   map[string]string `yaml:"secrets"`
	LoginDeviceName           string            `yaml:"login_device_name"`
	OnlyHandleOwnSyncedEvents bool              `yaml:"only_handle_own_synced_events"`
}

// BridgeConfig is the bridge behavior section.
type BridgeConfig struct {
	CommandPrefix string                     `yaml:"command_prefix"`
	Permissions   map[string]PermissionLevel `yaml:"permissions"`
	Encryption    EncryptionConfig           `yaml:"encryption"`
	DoublePuppet  DoublePuppetConfig         `yaml:"double_puppet"`
}

// Config is the full bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Bridge     BridgeConfig     `yaml:"bridge"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// GetPermissionLevel resolves a user's permission: an exact user ID
// entry wins over the user's server domain, which wins over "*".
func (bc *BridgeConfig) GetPermissionLevel(mxid id.UserID) PermissionLevel {
	if level, ok := bc.Permissions[mxid.String()]; ok {
		return level
	}
	if _, domain, err := mxid.Parse(); err == nil {
		if level, ok := bc.Permissions[domain]; ok {
			return level
		}
	}
	return bc.Permissions["*"]
}

// MinimumTrustState parses the configured minimum trust level.
func (ec *EncryptionConfig) MinimumTrustState() id.TrustState {
	return id.ParseTrustState(ec.MinimumTrust)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str|up.Null, "homeserver", "status_endpoint")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.Bool, "appservice", "ephemeral_events")
	helper.Copy(up.Str, "bridge", "command_prefix")
	helper.Copy(up.Map, "bridge", "permissions")
	helper.Copy(up.Bool, "bridge", "encryption", "allow")
	helper.Copy(up.Str, "bridge", "encryption", "minimum_trust")
	helper.Copy(up.Int, "bridge", "encryption", "session_wait_seconds")
	helper.Copy(up.Map, "bridge", "double_puppet", "server_map")
	helper.Copy(up.Bool, "bridge", "double_puppet", "allow_discovery")
	helper.Copy(up.Map, "bridge", "double_puppet", "secrets")
	helper.Copy(up.Str, "bridge", "double_puppet", "login_device_name")
	helper.Copy(up.Bool, "bridge", "double_puppet", "only_handle_own_synced_events")
}

// Upgrader migrates existing config files to the current example layout.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

// LoadConfig reads, upgrades and parses the config file. The upgraded
// file is written back so new keys show up for the operator.
func LoadConfig(path string) (*Config, error) {
	upgraded, _, err := up.Do(path, true, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(upgraded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// SaveExampleConfig writes the embedded example config for a fresh
// deployment.
func SaveExampleConfig(path string) error {
	return os.WriteFile(path, []byte(ExampleConfig), 0o600)
}
