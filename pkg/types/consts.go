// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package types

const (
	// Scene kinds.
	SceneKindStatic = "static"
	SceneKindGym    = "gym"

	// Multiplayer modes.
	ModeP2P        = "p2p"
	ModeServerAuth = "server_authoritative"

	// Input modes.
	InputModePressedKeys     = "pressed_keys"
	InputModeSingleKeystroke = "single_keystroke"

	// Participant lifecycle states.
	StateConnected                = "connected"
	StateInWaitroom               = "in_waitroom"
	StateInGame                   = "in_game"
	StateDisconnectedReconnecting = "disconnected_reconnecting"
	StateDisconnectedTerminal     = "disconnected_terminal"
	StateCompleted                = "completed"

	// Participant lifecycle events.
	EventAdmit         = "Admit"
	EventEnterWaitroom = "EnterWaitroom"
	EventMatchFormed   = "MatchFormed"
	EventSceneAdvance  = "SceneAdvance"
	EventTransportDrop = "TransportDrop"
	EventReconnected   = "Reconnected"
	EventGraceExpired  = "GraceExpired"
	EventWaitTimeout   = "WaitTimeout"
	EventExcluded      = "Excluded"
	EventCompleted     = "Completed"

	// Session lifecycle states and events.
	SessionActive     = "active"
	SessionResetting  = "resetting"
	SessionTerminated = "terminated"

	// Episode-sync phases.
	SyncRunning        = "running"
	SyncNegotiatingEnd = "negotiating_end"
	SyncResetting      = "resetting"

	// Activity event kinds (admin feed).
	ActivityJoin         = "join"
	ActivitySceneAdvance = "scene_advance"
	ActivityDisconnect   = "disconnect"
	ActivityReconnect    = "reconnect"
	ActivityGameStart    = "game_start"
	ActivityGameEnd      = "game_end"
	ActivityExclude      = "exclude"
	ActivityFocusTimeout = "focus_timeout"

	// Session termination reasons recorded in exports.
	ReasonFocusLossTimeout    = "focus_loss_timeout"
	ReasonPartnerDisconnected = "partner_disconnected"
	ReasonExcluded            = "excluded"
	ReasonComplete            = ""

	// Bus topics of the internal message bus.
	ActivityTopic       = "activityEvents"
	RegistryEventsTopic = "registryEvents"
	SessionEventsTopic  = "sessionEvents"
	MatchmakerTopic     = "matchmakerEvents"
	HealthReportTopic   = "healthReports"
	MetricsTopic        = "multiplayerMetrics"
)

// Client-server event kinds. The symbolic names are stable across
// implementations; browsers key their handlers on them.
const (
	// Outbound server -> client.
	MsgExperimentConfig    = "experiment_config"
	MsgStartGame           = "start_game"
	MsgMatchFoundCountdown = "match_found_countdown"
	MsgWaitingRoom         = "waiting_room"
	MsgWaitingRoomError    = "waiting_room_error"
	MsgServerRenderState   = "server_render_state"
	MsgEndGame             = "end_game"
	MsgPartnerExcluded     = "partner_excluded"
	MsgTriggerDataExport   = "trigger_data_export"
	MsgP2PGameEnded        = "p2p_game_ended"
	MsgProbePrepare        = "probe_prepare"
	MsgProbeStart          = "probe_start"
	MsgWebRTCSignal        = "webrtc_signal"
	MsgStateUpdate         = "state_update"
	MsgActivityEvent       = "activity_event"

	// Inbound client -> server.
	MsgJoinGame         = "join_game"
	MsgPlayerAction     = "player_action"
	MsgProbeReady       = "probe_ready"
	MsgProbeSignal      = "probe_signal"
	MsgProbeResult      = "probe_result"
	MsgP2PHealthReport  = "p2p_health_report"
	MsgEmitEpisodeData  = "emit_episode_data"
	MsgEmitMetrics      = "emit_multiplayer_metrics"
	MsgMidGameExclusion = "mid_game_exclusion"
	MsgRejoinServerAuth = "rejoin_server_auth"
)
