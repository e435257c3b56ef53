// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"fmt"
	"os"
	"regexp"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Namespace is one user, alias or room namespace claim in a registration.
type Namespace struct {
	Regex     string `yaml:"regex"`
	Exclusive bool   `yaml:"exclusive"`
}

// Namespaces lists the parts of the Matrix ID space the appservice claims.
type Namespaces struct {
	Users   []Namespace `yaml:"users,omitempty"`
	Aliases []Namespace `yaml:"aliases,omitempty"`
	Rooms   []Namespace `yaml:"rooms,omitempty"`
}

// Registration is the appservice registration file given to the
// homeserver. The field set follows the application service spec plus
// the de-facto extensions homeservers understand.
type Registration struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	RateLimited     *bool      `yaml:"rate_limited,omitempty"`
	Namespaces      Namespaces `yaml:"namespaces"`

	EphemeralEvents  bool `yaml:"de.sorunome.msc2409.push_ephemeral,omitempty"`
	ReceiveEphemeral bool `yaml:"receive_ephemeral,omitempty"`
	MSC3202          bool `yaml:"org.matrix.msc3202,omitempty"`
}

// GenerateTokens fills the as_token and hs_token fields with fresh
// random values.
func (reg *Registration) GenerateTokens() {
	reg.ASToken = uuid.NewString()
	reg.HSToken = uuid.NewString()
}

// AddExclusiveUserNamespace claims all users matching the given localpart
// regex on the given domain.
func (reg *Registration) AddExclusiveUserNamespace(localpartRegex, domain string) {
	reg.Namespaces.Users = append(reg.Namespaces.Users, Namespace{
		Regex:     fmt.Sprintf("^@%s:%s$", localpartRegex, regexp.QuoteMeta(domain)),
		Exclusive: true,
	})
}

// Save writes the registration as YAML.
func (reg *Registration) Save(path string) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadRegistration reads a registration file from disk.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err = yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registration: %w", err)
	}
	return &reg, nil
}
