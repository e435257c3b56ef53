// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-appservice runs the bridge event-processing core as a
// standalone Matrix application service. It receives transactions from
// the homeserver, routes events through the command processor and the
// optional encryption layer, and keeps double-puppet sync loops alive.
// Bridges embed the packages under pkg/ and plug in their own backend;
// this binary wires a permission-only backend so the appservice can be
// deployed and spoken to before any network connector exists.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-appservice/pkg/appservice"
	"github.com/aiku/matrix-appservice/pkg/bridge"
	"github.com/aiku/matrix-appservice/pkg/bridge/commands"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath           = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
	registrationPath     = flag.MakeFull("r", "registration", "The path to the appservice registration file.", "registration.yaml").String()
	generateRegistration = flag.MakeFull("g", "generate-registration", "Generate the registration file and quit.", "false").Bool()
	version              = flag.MakeFull("v", "version", "Print the version and quit.", "false").Bool()
	wantHelp, _          = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"matrix-appservice - a standalone Matrix application service core.",
		"matrix-appservice [-h] [-c <path>] [-r <path>] [-g] [-v]")
	if err := flag.Parse(); err != nil {
		fmt.Println(err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	}
	if *version {
		fmt.Printf("matrix-appservice %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMilli,
	}).With().Timestamp().Logger()

	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) {
		if err = bridge.SaveExampleConfig(*configPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to write example config")
		}
		log.Info().Str("path", *configPath).Msg("Wrote example config, fill it in and restart")
		return
	}
	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	if *generateRegistration {
		if err = writeRegistration(cfg, *registrationPath, *configPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate registration")
		}
		log.Info().Str("path", *registrationPath).Msg("Wrote registration")
		return
	}

	if err = run(log, cfg); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

// writeRegistration creates the registration from the config and copies
// the generated tokens back into the config file.
func writeRegistration(cfg *bridge.Config, regPath, cfgPath string) error {
	reg := &appservice.Registration{
		ID:              cfg.AppService.ID,
		URL:             cfg.AppService.Address,
		SenderLocalpart: cfg.AppService.BotUsername,
		EphemeralEvents: cfg.AppService.EphemeralEvents,
		MSC3202:         cfg.Bridge.Encryption.Allow,
	}
	reg.GenerateTokens()
	reg.AddExclusiveUserNamespace("bridge_.+", cfg.Homeserver.Domain)
	if err := reg.Save(regPath); err != nil {
		return err
	}
	cfg.AppService.ASToken = reg.ASToken
	cfg.AppService.HSToken = reg.HSToken
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return err
	}
	var raw map[string]any
	if err = yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	asSection, ok := raw["appservice"].(map[string]any)
	if !ok {
		return fmt.Errorf("config has no appservice section")
	}
	asSection["as_token"] = reg.ASToken
	asSection["hs_token"] = reg.HSToken
	if data, err = yaml.Marshal(raw); err != nil {
		return err
	}
	return os.WriteFile(cfgPath, data, 0o600)
}

func run(log zerolog.Logger, cfg *bridge.Config) error {
	reg, err := appservice.LoadRegistration(*registrationPath)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}
	botMXID := id.NewUserID(cfg.AppService.BotUsername, cfg.Homeserver.Domain)
	bot, err := mautrix.NewClient(cfg.Homeserver.Address, botMXID, reg.ASToken)
	if err != nil {
		return fmt.Errorf("failed to create bot client: %w", err)
	}

	backend := newPermissionBackend(&cfg.Bridge)
	checkpoints := appservice.NewCheckpointSender(
		log.With().Str("component", "checkpoints").Logger(),
		cfg.Homeserver.StatusEndpoint, reg.ASToken)

	router := bridge.NewEventRouter(log.With().Str("component", "router").Logger())
	router.Backend = backend
	router.Bot = bot
	router.BotMXID = botMXID
	router.CommandPrefix = cfg.Bridge.CommandPrefix
	router.Checkpoints = checkpoints
	router.MinimumTrust = cfg.Bridge.Encryption.MinimumTrustState()
	router.SessionWait = time.Duration(cfg.Bridge.Encryption.SessionWaitSeconds) * time.Second
	router.Commands = commands.NewProcessor(log.With().Str("component", "commands").Logger())
	router.Commands.Version = fmt.Sprintf("matrix-appservice %s (%s)", Tag, Commit)

	as := appservice.New(log.With().Str("component", "appservice").Logger())
	as.HSToken = reg.HSToken
	as.BotMXID = botMXID
	as.EphemeralEvents = cfg.AppService.EphemeralEvents
	as.EncryptionEvents = cfg.Bridge.Encryption.Allow
	as.Sink = router
	as.Checkpoints = checkpoints

	engine := bridge.NewSyncEngine(log.With().Str("component", "double-puppet").Logger())
	engine.Store = newFileCredentialStore("double-puppets.yaml")
	engine.Backend = backend
	engine.Router = router
	engine.HomeserverURL = cfg.Homeserver.Address
	engine.HomeserverDomain = cfg.Homeserver.Domain
	engine.ServerURLMap = cfg.Bridge.DoublePuppet.ServerMap
	engine.SharedSecrets = cfg.Bridge.DoublePuppet.Secrets
	engine.AllowDiscovery = cfg.Bridge.DoublePuppet.AllowDiscovery
	engine.LoginDeviceName = cfg.Bridge.DoublePuppet.LoginDeviceName
	engine.OnlyHandleOwnSyncedEvents = cfg.Bridge.DoublePuppet.OnlyHandleOwnSyncedEvents
	engine.NewClient = func(homeserverURL string, mxid id.UserID, accessToken string) (bridge.MatrixClient, error) {
		return mautrix.NewClient(homeserverURL, mxid, accessToken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = router.WaitForConnection(ctx); err != nil {
		return err
	}
	if err = engine.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore double puppets")
	}

	r := as.Routes()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.AppService.Hostname, strconv.Itoa(int(cfg.AppService.Port))),
		Handler: r,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", server.Addr).Msg("Appservice listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err = <-serverErr:
		return fmt.Errorf("appservice server failed: %w", err)
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down appservice server cleanly")
	}
	as.Stop()
	engine.Stop()
	checkpoints.Close()
	return nil
}

// permissionUser is a config-backed user with in-memory command state.
type permissionUser struct {
	mxid  id.UserID
	level bridge.PermissionLevel

	mu    sync.Mutex
	state *commands.CommandState
}

func (pu *permissionUser) GetMXID() id.UserID                { return pu.mxid }
func (pu *permissionUser) IsAdmin() bool                     { return pu.level >= bridge.PermissionAdmin }
func (pu *permissionUser) IsWhitelisted() bool               { return pu.level >= bridge.PermissionUser }
func (pu *permissionUser) IsLoggedIn(_ context.Context) bool { return false }

func (pu *permissionUser) CommandState() *commands.CommandState {
	pu.mu.Lock()
	defer pu.mu.Unlock()
	return pu.state
}

func (pu *permissionUser) SetCommandState(state *commands.CommandState) {
	pu.mu.Lock()
	defer pu.mu.Unlock()
	pu.state = state
}

// permissionBackend resolves users purely from the permission config.
// It has no portals or ghosts; embedding bridges replace it with their
// own backend.
type permissionBackend struct {
	cfg *bridge.BridgeConfig

	mu    sync.Mutex
	users map[id.UserID]*permissionUser
}

func newPermissionBackend(cfg *bridge.BridgeConfig) *permissionBackend {
	return &permissionBackend{cfg: cfg, users: make(map[id.UserID]*permissionUser)}
}

func (pb *permissionBackend) GetUser(_ context.Context, mxid id.UserID) bridge.User {
	level := pb.cfg.GetPermissionLevel(mxid)
	if level <= bridge.PermissionBlocked {
		return nil
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	user, ok := pb.users[mxid]
	if !ok {
		user = &permissionUser{mxid: mxid, level: level}
		pb.users[mxid] = user
	}
	return user
}

func (pb *permissionBackend) GetPortal(_ context.Context, _ id.RoomID) bridge.Portal { return nil }
func (pb *permissionBackend) GetPuppet(_ context.Context, _ id.UserID) bridge.Puppet { return nil }
func (pb *permissionBackend) GetPuppetByCustomMXID(_ context.Context, _ id.UserID) bridge.Puppet {
	return nil
}

var _ bridge.Backend = (*permissionBackend)(nil)

// fileCredentialStore persists double-puppet credentials in a YAML file
// next to the config.
type fileCredentialStore struct {
	path string
	mu   sync.Mutex
}

func newFileCredentialStore(path string) *fileCredentialStore {
	return &fileCredentialStore{path: path}
}

type storedCredentials struct {
	CustomMXID  id.UserID `yaml:"custom_mxid"`
	AccessToken string    `yaml:"access_token"`
	BaseURL     string    `yaml:"base_url"`
	NextBatch   string    `yaml:"next_batch"`
}

func (fcs *fileCredentialStore) load() (map[id.UserID]storedCredentials, error) {
	data, err := os.ReadFile(fcs.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[id.UserID]storedCredentials{}, nil
	} else if err != nil {
		return nil, err
	}
	var stored map[id.UserID]storedCredentials
	if err = yaml.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse credential store: %w", err)
	}
	if stored == nil {
		stored = map[id.UserID]storedCredentials{}
	}
	return stored, nil
}

func (fcs *fileCredentialStore) SavePuppetCredentials(_ context.Context, defaultMXID id.UserID, creds *bridge.PuppetCredentials) error {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	stored, err := fcs.load()
	if err != nil {
		return err
	}
	if creds == nil {
		delete(stored, defaultMXID)
	} else {
		stored[defaultMXID] = storedCredentials{
			CustomMXID:  creds.CustomMXID,
			AccessToken: creds.AccessToken,
			BaseURL:     creds.BaseURL,
			NextBatch:   creds.NextBatch,
		}
	}
	data, err := yaml.Marshal(stored)
	if err != nil {
		return err
	}
	return os.WriteFile(fcs.path, data, 0o600)
}

func (fcs *fileCredentialStore) LoadAllPuppetCredentials(_ context.Context) (map[id.UserID]*bridge.PuppetCredentials, error) {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	stored, err := fcs.load()
	if err != nil {
		return nil, err
	}
	out := make(map[id.UserID]*bridge.PuppetCredentials, len(stored))
	for mxid, sc := range stored {
		out[mxid] = &bridge.PuppetCredentials{
			CustomMXID:  sc.CustomMXID,
			AccessToken: sc.AccessToken,
			BaseURL:     sc.BaseURL,
			NextBatch:   sc.NextBatch,
		}
	}
	return out, nil
}

var _ bridge.CredentialStore = (*fileCredentialStore)(nil)
