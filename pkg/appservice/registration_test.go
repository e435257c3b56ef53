// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"path/filepath"
	"regexp"
	"testing"
)

func TestRegistration_GenerateTokens(t *testing.T) {
	var reg Registration
	reg.GenerateTokens()
	if reg.ASToken == "" || reg.HSToken == "" {
		t.Fatal("tokens not generated")
	}
	if reg.ASToken == reg.HSToken {
		t.Error("as_token and hs_token must differ")
	}
}

func TestRegistration_ExclusiveUserNamespace(t *testing.T) {
	var reg Registration
	reg.AddExclusiveUserNamespace("bridgebot_.+", "example.com")
	if len(reg.Namespaces.Users) != 1 {
		t.Fatalf("namespaces: got %d, want 1", len(reg.Namespaces.Users))
	}
	ns := reg.Namespaces.Users[0]
	if !ns.Exclusive {
		t.Error("namespace should be exclusive")
	}
	re, err := regexp.Compile(ns.Regex)
	if err != nil {
		t.Fatalf("generated regex invalid: %v", err)
	}
	if !re.MatchString("@bridgebot_alice:example.com") {
		t.Errorf("regex %q should match namespace users", ns.Regex)
	}
	if re.MatchString("@other:example.com") {
		t.Errorf("regex %q should not match outside users", ns.Regex)
	}
}

func TestRegistration_SaveLoadRoundTrip(t *testing.T) {
	reg := &Registration{
		ID:              "matrix-appservice",
		URL:             "http://localhost:29330",
		SenderLocalpart: "bridgebot",
		EphemeralEvents: true,
		ReceiveEphemeral: true,
	}
	reg.GenerateTokens()
	reg.AddExclusiveUserNamespace("bridged_.+", "example.com")

	path := filepath.Join(t.TempDir(), "registration.yaml")
	if err := reg.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := LoadRegistration(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.ID != reg.ID || loaded.ASToken != reg.ASToken || loaded.HSToken != reg.HSToken {
		t.Errorf("round trip mismatch: %+v vs %+v", loaded, reg)
	}
	if !loaded.EphemeralEvents || !loaded.ReceiveEphemeral {
		t.Error("ephemeral flags lost in round trip")
	}
	if len(loaded.Namespaces.Users) != 1 {
		t.Errorf("namespaces lost in round trip: %+v", loaded.Namespaces)
	}
}

func TestLoadRegistration_MissingFile(t *testing.T) {
	if _, err := LoadRegistration(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
