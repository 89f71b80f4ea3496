// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package types

import (
	"encoding/json"
	"time"

	mb "github.com/vardius/message-bus"
)

// SubjectID is the opaque identifier of an admitted participant.
type SubjectID string

// PlayerID is the integer id of a player slot within a game session.
// Bots and humans share the same id space.
type PlayerID int32

// Action is a discrete environment action value.
type Action int32

// ActionMap maps player ids to the action they submitted for a frame.
type ActionMap map[PlayerID]Action

// WithBus is a type that contains a message bus.
type WithBus interface {
	Bus() mb.MessageBus
}

// ServerConfig is the JSON representation of the coordinator configuration.
// Durations are strings so that operators can write "30s" instead of
// nanosecond counts; ParseConfig converts them into ServerTypedConfig.
type ServerConfig struct {
	ListenAddress     string            `json:"listenAddress"`
	Port              string            `json:"port"`
	BusSize           int               `json:"busSize"`
	ExportDir         string            `json:"exportDir"`
	InputMode         string            `json:"inputMode"`
	WaitroomTimeout   string            `json:"waitroomTimeout"`
	ReconnectGrace    string            `json:"reconnectGrace"`
	SceneSequence     []SceneConfig     `json:"sceneSequence"`
	Multiplayer       MultiplayerConfig `json:"multiplayer"`
	AdminSnapshotRate string            `json:"adminSnapshotRate"`
}

// ServerTypedConfig reflects ServerConfig, but it contains the real property types.
type ServerTypedConfig struct {
	ListenAddress     string
	Port              string
	BusSize           int
	ExportDir         string
	InputMode         string
	WaitroomTimeout   time.Duration
	ReconnectGrace    time.Duration
	SceneSequence     []SceneConfig
	Multiplayer       MultiplayerTypedConfig
	AdminSnapshotRate time.Duration
}

// MultiplayerConfig is the recognized multiplayer option surface.
type MultiplayerConfig struct {
	Mode                       string `json:"mode"`
	MaxServerRTTMs             int    `json:"maxServerRttMs"`
	InputConfirmationTimeoutMs int    `json:"inputConfirmationTimeoutMs"`
	ReconnectionTimeoutMs      int    `json:"reconnectionTimeoutMs"`
	// FocusLossTimeoutMs distinguishes absent (nil, use the default)
	// from an explicit 0, which disables the focus-loss timer.
	FocusLossTimeoutMs       *int   `json:"focusLossTimeoutMs"`
	FocusLossMessage         string `json:"focusLossMessage"`
	PartnerDisconnectMessage string `json:"partnerDisconnectMessage"`
	NumEpisodes              int    `json:"numEpisodes"`
}

// MultiplayerTypedConfig reflects MultiplayerConfig with durations resolved.
// A zero FocusLossTimeout disables the focus-loss timer entirely. A zero
// MaxServerRTT disables the matchmaker latency gate.
type MultiplayerTypedConfig struct {
	Mode                     string
	MaxServerRTT             time.Duration
	InputConfirmationTimeout time.Duration
	ReconnectionTimeout      time.Duration
	FocusLossTimeout         time.Duration
	FocusLossMessage         string
	PartnerDisconnectMessage string
	NumEpisodes              int
}

// SceneConfig describes one entry of the scene sequence a participant
// progresses through. Gym scenes route the participant through the
// matchmaker; static scenes only render content in the browser.
type SceneConfig struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"` // "static" or "gym"
	NumHumans    int    `json:"numHumans"`
	NumBots      int    `json:"numBots"`
	MaxSteps     int    `json:"maxSteps"`
	FrameRateHz  int    `json:"frameRateHz"`
	IdleAction   Action `json:"idleAction"`
	CallbackRate int    `json:"callbackRate"` // continuous callback every N frames
}

// IsGym reports whether the scene requires a game session.
func (s SceneConfig) IsGym() bool { return s.Kind == SceneKindGym }

// CallbackContext is handed to entry and continuous eligibility callbacks.
type CallbackContext struct {
	Subject            SubjectID `json:"subject"`
	Scene              string    `json:"scene"`
	PingMs             int       `json:"ping"`
	Browser            string    `json:"browser"`
	Device             string    `json:"device"`
	Focused            bool      `json:"focused"`
	BackgroundDuration int       `json:"backgroundDurationMs"`
	Frame              int       `json:"frame"`
	Episode            int       `json:"episode"`
}

// CallbackDecision is the verdict returned by an eligibility callback.
type CallbackDecision struct {
	Exclude bool   `json:"exclude"`
	Warn    bool   `json:"warn"`
	Message string `json:"message"`
}

// EligibilityCallback is implemented by experiment code to admit, warn or
// exclude participants. The engine invokes it through this interface; the
// trivial implementation always allows.
type EligibilityCallback interface {
	Decide(ctx CallbackContext) (CallbackDecision, error)
}

// AllowAll is the no-op eligibility callback.
type AllowAll struct{}

// Decide always admits.
func (AllowAll) Decide(CallbackContext) (CallbackDecision, error) {
	return CallbackDecision{}, nil
}

// ActivityEvent is an append-only entry of the admin activity feed.
type ActivityEvent struct {
	Kind      string          `json:"kind"`
	Subject   SubjectID       `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SessionStatus is the status block appended to every episode export.
type SessionStatus struct {
	IsPartial            bool      `json:"isPartial"`
	TerminationReason    string    `json:"terminationReason,omitempty"`
	DisconnectedPlayerID *PlayerID `json:"disconnectedPlayerId,omitempty"`
	CompletedEpisodes    int       `json:"completedEpisodes"`
}
