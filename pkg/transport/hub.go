// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// AckKind is the reserved message kind carrying acknowledgment replies.
	AckKind = "ack"
	// AckStatusOK is the payload status expected from a satisfied peer.
	AckStatusOK = "ok"
)

// Envelope is the JSON frame every hub message travels in.
type Envelope struct {
	Kind    string          `json:"kind"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckReply is the payload of an AckKind envelope.
type AckReply struct {
	Status string `json:"status"`
}

// Handler consumes an inbound message of a registered kind. It receives the
// originating connection id and the raw payload.
type Handler func(connID uuid.UUID, payload json.RawMessage)

// AckedHandler additionally reports whether the message was fully processed.
// A non-nil error withholds the ack of an acked emit, so the sender keeps
// retrying it.
type AckedHandler func(connID uuid.UUID, payload json.RawMessage) error

// Connection is one duplex browser link. Send is best-effort: a full buffer
// or closed link drops the message and returns false.
type Connection interface {
	ID() uuid.UUID
	Send(data []byte) bool
	Close()
}

// HubConfig is the configuration of the transport hub.
type HubConfig struct {
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// NewHub returns a new hub.
func NewHub(conf *HubConfig) *Hub {
	if conf.SendBuffer == 0 {
		conf.SendBuffer = 256
	}
	if conf.WriteTimeout == 0 {
		conf.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		conf:         conf,
		conns:        map[uuid.UUID]Connection{},
		rooms:        map[string]map[uuid.UUID]struct{}{},
		handlers:     map[string][]AckedHandler{},
		pendingAcks:  map[string]chan struct{}{},
		onDisconnect: []func(uuid.UUID){},
	}
}

// Hub multiplexes a room-oriented publish/subscribe bus between the server
// and many browsers. Each browser has exactly one connection; rooms group
// connections for broadcast. Delivery is best-effort except SendAcked.
type Hub struct {
	conf         *HubConfig
	mux          sync.Mutex
	conns        map[uuid.UUID]Connection
	rooms        map[string]map[uuid.UUID]struct{}
	handlers     map[string][]AckedHandler
	pendingAcks  map[string]chan struct{}
	onDisconnect []func(uuid.UUID)
}

// Handle registers a handler for an inbound message kind. Multiple handlers
// per kind are invoked in registration order.
func (h *Hub) Handle(kind string, fn Handler) {
	h.HandleAcked(kind, func(connID uuid.UUID, payload json.RawMessage) error {
		fn(connID, payload)
		return nil
	})
}

// HandleAcked registers a fallible handler. Use it for kinds delivered as
// acked emits, where a processing failure must keep the sender retrying.
func (h *Hub) HandleAcked(kind string, fn AckedHandler) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.handlers[kind] = append(h.handlers[kind], fn)
}

// HandleDisconnect registers a callback invoked after a connection is gone.
func (h *Hub) HandleDisconnect(fn func(connID uuid.UUID)) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

// Attach registers a live connection with the hub.
func (h *Hub) Attach(conn Connection) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.conns[conn.ID()] = conn
}

// Detach removes the connection from the hub and every room, then runs the
// disconnect callbacks.
func (h *Hub) Detach(connID uuid.UUID) {
	h.mux.Lock()
	delete(h.conns, connID)
	for _, members := range h.rooms {
		delete(members, connID)
	}
	callbacks := make([]func(uuid.UUID), len(h.onDisconnect))
	copy(callbacks, h.onDisconnect)
	h.mux.Unlock()
	for _, fn := range callbacks {
		fn(connID)
	}
}

// Join adds a connection to a room, creating the room lazily.
func (h *Hub) Join(room string, connID uuid.UUID) {
	h.mux.Lock()
	defer h.mux.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = map[uuid.UUID]struct{}{}
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
}

// Leave removes a connection from a room. Empty rooms are reclaimed.
func (h *Hub) Leave(room string, connID uuid.UUID) {
	h.mux.Lock()
	defer h.mux.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// ReleaseRoom removes the room and all memberships.
func (h *Hub) ReleaseRoom(room string) {
	h.mux.Lock()
	defer h.mux.Unlock()
	delete(h.rooms, room)
}

// Send serializes the payload and unicasts it. Drops are tolerated; a false
// return only means the message did not leave the outbound queue.
func (h *Hub) Send(connID uuid.UUID, kind string, payload interface{}) bool {
	data, err := h.encode(kind, "", payload)
	if err != nil {
		h.conf.Logger.Errorf("encode %s: %v", kind, err)
		return false
	}
	h.mux.Lock()
	conn, ok := h.conns[connID]
	h.mux.Unlock()
	if !ok {
		return false
	}
	return conn.Send(data)
}

// Broadcast fans a message out to every member of the room except the
// excluded connections.
func (h *Hub) Broadcast(room string, kind string, payload interface{}, exclude ...uuid.UUID) {
	data, err := h.encode(kind, "", payload)
	if err != nil {
		h.conf.Logger.Errorf("encode %s: %v", kind, err)
		return
	}
	h.mux.Lock()
	targets := []Connection{}
	for connID := range h.rooms[room] {
		if contains(exclude, connID) {
			continue
		}
		if conn, ok := h.conns[connID]; ok {
			targets = append(targets, conn)
		}
	}
	h.mux.Unlock()
	for _, conn := range targets {
		conn.Send(data)
	}
}

// SendAcked emits with an acknowledgment requirement, resending on a missing
// ack up to maxRetries times at timeout cadence. It blocks until the peer
// replies {status: ok} or retries exhaust, and is therefore meant to be run
// off the critical path. Used for episode-data export delivery.
func (h *Hub) SendAcked(connID uuid.UUID, kind string, payload interface{}, timeout time.Duration, maxRetries int) error {
	ackID := uuid.New().String()
	data, err := h.encode(kind, ackID, payload)
	if err != nil {
		return err
	}
	ackCh := make(chan struct{}, 1)
	h.mux.Lock()
	h.pendingAcks[ackID] = ackCh
	h.mux.Unlock()
	defer func() {
		h.mux.Lock()
		delete(h.pendingAcks, ackID)
		h.mux.Unlock()
	}()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		h.mux.Lock()
		conn, ok := h.conns[connID]
		h.mux.Unlock()
		if !ok {
			return fmt.Errorf("acked emit %s: connection %s is gone", kind, connID)
		}
		if !conn.Send(data) {
			h.conf.Logger.Warnf("acked emit %s: send attempt %d dropped", kind, attempt)
		}
		select {
		case <-ackCh:
			return nil
		case <-time.After(timeout):
		}
	}
	return fmt.Errorf("acked emit %s: no ack after %d retries", kind, maxRetries)
}

// Dispatch routes one decoded inbound frame. Connection read pumps call it;
// tests can call it directly with a crafted envelope.
func (h *Hub) Dispatch(connID uuid.UUID, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.conf.Logger.Warnf("undecodable frame from %s: %v", connID, err)
		return
	}
	if env.Kind == AckKind {
		h.resolveAck(env)
		return
	}
	h.mux.Lock()
	handlers := make([]AckedHandler, len(h.handlers[env.Kind]))
	copy(handlers, h.handlers[env.Kind])
	h.mux.Unlock()
	if len(handlers) == 0 {
		h.conf.Logger.Debugf("no handler for kind %s", env.Kind)
		return
	}
	var failed error
	for _, fn := range handlers {
		if err := fn(connID, env.Payload); err != nil {
			failed = err
		}
	}
	// Inbound acked emits get their ack only after every handler consumed
	// the message successfully; a failure withholds it and the sender keeps
	// retrying.
	if env.AckID == "" {
		return
	}
	if failed != nil {
		h.conf.Logger.Warnf("withholding ack for %s: %v", env.Kind, failed)
		return
	}
	h.ack(connID, env.AckID)
}

// ack replies to an inbound acked emit.
func (h *Hub) ack(connID uuid.UUID, ackID string) {
	data, err := json.Marshal(&Envelope{
		Kind:    AckKind,
		AckID:   ackID,
		Payload: mustMarshal(AckReply{Status: AckStatusOK}),
	})
	if err != nil {
		h.conf.Logger.Errorf("encode ack: %v", err)
		return
	}
	h.mux.Lock()
	conn, ok := h.conns[connID]
	h.mux.Unlock()
	if ok {
		conn.Send(data)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// Connected reports whether the hub currently holds the connection.
func (h *Hub) Connected(connID uuid.UUID) bool {
	h.mux.Lock()
	defer h.mux.Unlock()
	_, ok := h.conns[connID]
	return ok
}

// RoomSize returns the current number of members in a room.
func (h *Hub) RoomSize(room string) int {
	h.mux.Lock()
	defer h.mux.Unlock()
	return len(h.rooms[room])
}

func (h *Hub) resolveAck(env Envelope) {
	var reply AckReply
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			h.conf.Logger.Warnf("malformed ack payload: %v", err)
			return
		}
	}
	if reply.Status != AckStatusOK {
		return
	}
	h.mux.Lock()
	ackCh, ok := h.pendingAcks[env.AckID]
	h.mux.Unlock()
	if ok {
		select {
		case ackCh <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) encode(kind, ackID string, payload interface{}) ([]byte, error) {
	if kind == "" {
		return nil, errors.New("message kind must not be empty")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Kind: kind, AckID: ackID, Payload: raw})
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
