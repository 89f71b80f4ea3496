// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
	"github.com/interactive-gym/session-engine/pkg/admin"
	"github.com/interactive-gym/session-engine/pkg/env"
	"github.com/interactive-gym/session-engine/pkg/export"
	l "github.com/interactive-gym/session-engine/pkg/logger"
	"github.com/interactive-gym/session-engine/pkg/matchmaker"
	"github.com/interactive-gym/session-engine/pkg/registry"
	"github.com/interactive-gym/session-engine/pkg/scenes"
	"github.com/interactive-gym/session-engine/pkg/session"
	"github.com/interactive-gym/session-engine/pkg/transport"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"github.com/interactive-gym/session-engine/pkg/utils"
	"github.com/spf13/pflag"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

const (
	// DefaultPort is the port the coordinator listens on.
	DefaultPort = "8080"
	// DefaultBusSize is the size of the in-memory message bus.
	DefaultBusSize = 10000
	// DefaultExportDir is where episode files land.
	DefaultExportDir = "./exports"
	// DefaultWaitroomTimeout bounds the time a subject waits for a partner.
	DefaultWaitroomTimeout = 5 * time.Minute
	// DefaultReconnectGrace is the transport reconnect window.
	DefaultReconnectGrace = 10 * time.Second
	// DefaultReconnectionTimeout bounds how long a session keeps playing
	// around a disconnected member before it tears down as partial.
	DefaultReconnectionTimeout = 5 * time.Second
	// DefaultFocusLossTimeoutMs bounds background duration unless configured.
	DefaultFocusLossTimeoutMs = 30000
	// DefaultConfirmationTimeoutMs bounds the pre-reset confirmation wait.
	DefaultConfirmationTimeoutMs = 2000
	// DefaultValidationInterval is the registry index validation cadence.
	DefaultValidationInterval = 30 * time.Second
	defaultConfigLocation     = "/etc/config/config.json"
)

func main() {
	configPath := pflag.String("config", defaultConfigLocation, "location of the coordinator config file")
	logLevel := pflag.String("log-level", "debug", "log level (debug, info, warn, error)")
	pflag.Parse()

	config, err := ParseConfig(*configPath)
	if err != nil {
		panic(err)
	}
	logger, err := l.NewLogger(*logLevel)
	if err != nil {
		panic(err)
	}
	SetDefaults(config)
	logger.Infof("Starting with the config %v", config)

	bus := mb.New(config.BusSize)
	hub := transport.NewHub(&transport.HubConfig{Logger: logger})

	reg := registry.NewRegistry(&registry.Config{
		Bus:             bus,
		Hub:             hub,
		Scenes:          config.SceneSequence,
		WaitroomTimeout: config.WaitroomTimeout,
		ReconnectGrace:  config.ReconnectGrace,
		Logger:          logger,
	})
	prober := matchmaker.NewProber(&matchmaker.ProberConf{Hub: hub, Logger: logger})
	var gate *float64
	if config.Multiplayer.MaxServerRTT > 0 {
		ms := float64(config.Multiplayer.MaxServerRTT / time.Millisecond)
		gate = &ms
	}
	mm := matchmaker.NewMatchmaker(&matchmaker.Config{
		MaxServerRTTMs: gate,
		Prober:         prober,
		Bus:            bus,
		Logger:         logger,
	})
	exporter := export.NewWriter(&export.WriterConf{BaseDir: config.ExportDir, Logger: logger})
	supervisor := session.NewSupervisor(&session.Config{
		Hub:         hub,
		Bus:         bus,
		Registry:    reg,
		Exporter:    exporter,
		Multiplayer: config.Multiplayer,
		EnvFactory: func(scene SceneConfig) (env.Environment, error) {
			players := make([]PlayerID, 0, scene.NumHumans+scene.NumBots)
			for i := 0; i < scene.NumHumans+scene.NumBots; i++ {
				players = append(players, PlayerID(i))
			}
			return env.NewGridWalk(11, scene.MaxSteps, players), nil
		},
		BotFactory: func(scene SceneConfig, player PlayerID) env.BotPolicy {
			return env.ChaseBot{Me: player}
		},
		Logger: logger,
	})
	aggregator, err := admin.NewAggregator(&admin.Config{
		Hub:          hub,
		Bus:          bus,
		Registry:     reg,
		Supervisor:   supervisor,
		Matchmaker:   mm,
		SnapshotRate: config.AdminSnapshotRate,
		Logger:       logger,
	})
	if err != nil {
		panic(err)
	}

	wireJoinFlow(hub, bus, reg, mm, supervisor, logger)
	hub.HandleDisconnect(func(connID uuid.UUID) {
		supervisor.HandleDisconnect(connID)
		for _, p := range reg.All() {
			if p.Conn == connID {
				mm.Dequeue(p.Subject)
				if _, inGame := reg.GameOf(p.Subject); !inGame {
					reg.RecordDisconnect(p.Subject)
				}
			}
		}
	})
	hub.Handle("admin_join", func(connID uuid.UUID, _ json.RawMessage) {
		aggregator.JoinAdmin(connID)
	})

	go aggregator.Run()
	go runValidation(reg, supervisor)

	endpoint := transport.NewEndpoint(hub, logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", endpoint)
	addr := config.ListenAddress + ":" + config.Port
	logger.Infof("coordinator listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		panic(err)
	}
}

// wireJoinFlow connects the transport, registry, matchmaker and supervisor:
// join_game admits the subject and advances it into its first scene;
// waitroom entries feed the matchmaker; formed matches open sessions.
func wireJoinFlow(hub *transport.Hub, bus mb.MessageBus, reg *registry.Registry, mm *matchmaker.Matchmaker, supervisor *session.Supervisor, logger *zap.SugaredLogger) {
	hub.Handle(MsgJoinGame, func(connID uuid.UUID, payload json.RawMessage) {
		var msg struct {
			Subject SubjectID `json:"subject"`
			Browser string    `json:"browser"`
			Device  string    `json:"device"`
			PingMs  int       `json:"ping"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Subject == "" {
			logger.Warnf("malformed join_game from %s", connID)
			return
		}
		p, err := reg.Admit(msg.Subject, connID, CallbackContext{
			Browser: msg.Browser,
			Device:  msg.Device,
			PingMs:  msg.PingMs,
		})
		if err != nil {
			logger.Errorf("admitting %s: %v", msg.Subject, err)
			return
		}
		// Fresh subjects enter the first scene; rejoining subjects resume.
		if p.State() == StateConnected && p.SceneIndex() == 0 {
			if err := reg.AdvanceScene(msg.Subject); err != nil {
				logger.Errorf("advancing %s: %v", msg.Subject, err)
			}
		}
	})

	if err := bus.Subscribe(RegistryEventsTopic, func(subject SubjectID, state string) {
		p := reg.Get(subject)
		if p == nil {
			return
		}
		scene, ok := reg.CurrentScene(subject)
		if !ok || !scene.IsGym() {
			return
		}
		switch state {
		case StateInWaitroom:
			mm.Enqueue(&matchmaker.Candidate{Subject: subject, Conn: p.Conn, SceneID: scene.ID})
		case StateInGame:
			if supervisor.OfSubject(subject) == nil && scene.NumHumans <= 1 {
				supervisor.CreateSinglePlayer(subject, p.Conn, scene)
			}
		}
	}); err != nil {
		panic(err)
	}

	if err := bus.Subscribe(MatchmakerTopic, func(match *matchmaker.Match) {
		for _, c := range []*matchmaker.Candidate{match.A, match.B} {
			scene, ok := reg.CurrentScene(c.Subject)
			if ok && scene.ID == match.SceneID {
				supervisor.CreateFromMatch(match, scene)
				return
			}
		}
		logger.Warnf("match %s arrived for a stale scene, dropping", match.ID)
	}); err != nil {
		panic(err)
	}
}

// runValidation periodically auto-cleans orphaned registry entries.
func runValidation(reg *registry.Registry, supervisor *session.Supervisor) {
	ticker := time.NewTicker(DefaultValidationInterval)
	defer ticker.Stop()
	for range ticker.C {
		reg.ValidateIndexes(supervisor.Exists)
	}
}

// ParseConfig parses the configuration file of the coordinator.
func ParseConfig(path string) (*ServerTypedConfig, error) {
	bytes, err := utils.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf ServerConfig
	if err := json.Unmarshal(bytes, &conf); err != nil {
		return nil, err
	}
	if conf.Port != "" && !govalidator.IsPort(conf.Port) {
		return nil, fmt.Errorf("invalid config error, %q is not a port", conf.Port)
	}
	if len(conf.SceneSequence) == 0 {
		return nil, errors.New("missing config error, SceneSequence must be defined")
	}
	if _, err := scenes.NewSequence(conf.SceneSequence); err != nil {
		return nil, fmt.Errorf("invalid scene sequence: %v", err)
	}
	switch conf.Multiplayer.Mode {
	case "", ModeP2P, ModeServerAuth:
	default:
		return nil, fmt.Errorf("invalid config error, unknown multiplayer mode %q", conf.Multiplayer.Mode)
	}
	waitroomTimeout, err := parseOptionalDuration(conf.WaitroomTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid waitroom timeout format: %v", err)
	}
	reconnectGrace, err := parseOptionalDuration(conf.ReconnectGrace)
	if err != nil {
		return nil, fmt.Errorf("invalid reconnect grace format: %v", err)
	}
	snapshotRate, err := parseOptionalDuration(conf.AdminSnapshotRate)
	if err != nil {
		return nil, fmt.Errorf("invalid admin snapshot rate format: %v", err)
	}
	focusLoss := DefaultFocusLossTimeoutMs
	if conf.Multiplayer.FocusLossTimeoutMs != nil {
		focusLoss = *conf.Multiplayer.FocusLossTimeoutMs
	}
	return &ServerTypedConfig{
		ListenAddress:     conf.ListenAddress,
		Port:              conf.Port,
		BusSize:           conf.BusSize,
		ExportDir:         conf.ExportDir,
		InputMode:         conf.InputMode,
		WaitroomTimeout:   waitroomTimeout,
		ReconnectGrace:    reconnectGrace,
		SceneSequence:     conf.SceneSequence,
		AdminSnapshotRate: snapshotRate,
		Multiplayer: MultiplayerTypedConfig{
			Mode:                     conf.Multiplayer.Mode,
			MaxServerRTT:             time.Duration(conf.Multiplayer.MaxServerRTTMs) * time.Millisecond,
			InputConfirmationTimeout: time.Duration(conf.Multiplayer.InputConfirmationTimeoutMs) * time.Millisecond,
			ReconnectionTimeout:      time.Duration(conf.Multiplayer.ReconnectionTimeoutMs) * time.Millisecond,
			FocusLossTimeout:         time.Duration(focusLoss) * time.Millisecond,
			FocusLossMessage:         conf.Multiplayer.FocusLossMessage,
			PartnerDisconnectMessage: conf.Multiplayer.PartnerDisconnectMessage,
			NumEpisodes:              conf.Multiplayer.NumEpisodes,
		},
	}, nil
}

// SetDefaults sets the default values for config properties if they are not set.
func SetDefaults(conf *ServerTypedConfig) {
	if conf.Port == "" {
		conf.Port = DefaultPort
	}
	if conf.BusSize == 0 {
		conf.BusSize = DefaultBusSize
	}
	if conf.ExportDir == "" {
		conf.ExportDir = DefaultExportDir
	}
	if conf.InputMode == "" {
		conf.InputMode = InputModePressedKeys
	}
	if conf.WaitroomTimeout == 0 {
		conf.WaitroomTimeout = DefaultWaitroomTimeout
	}
	if conf.ReconnectGrace == 0 {
		conf.ReconnectGrace = DefaultReconnectGrace
	}
	if conf.Multiplayer.Mode == "" {
		conf.Multiplayer.Mode = ModeP2P
	}
	if conf.Multiplayer.InputConfirmationTimeout == 0 {
		conf.Multiplayer.InputConfirmationTimeout = DefaultConfirmationTimeoutMs * time.Millisecond
	}
	if conf.Multiplayer.ReconnectionTimeout == 0 {
		conf.Multiplayer.ReconnectionTimeout = DefaultReconnectionTimeout
	}
	if conf.Multiplayer.NumEpisodes == 0 {
		conf.Multiplayer.NumEpisodes = 1
	}
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
