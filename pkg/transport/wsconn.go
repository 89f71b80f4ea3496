// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSConn is a hub connection backed by a gorilla websocket. A dedicated
// write pump serializes all writes; the read pump dispatches inbound frames
// into the hub.
type WSConn struct {
	id        uuid.UUID
	ws        *websocket.Conn
	sendCh    chan []byte
	closeOnce sync.Once
	doneCh    chan struct{}
	timeout   time.Duration
	logger    *zap.SugaredLogger
}

// ID returns the unique connection id.
func (c *WSConn) ID() uuid.UUID { return c.id }

// Send enqueues one frame for the write pump. Full queue drops the frame.
func (c *WSConn) Send(data []byte) bool {
	select {
	case <-c.doneCh:
		return false
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

// Close tears the websocket down. Safe to call multiple times.
func (c *WSConn) Close() {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		c.ws.Close()
	})
}

func (c *WSConn) writePump() {
	for {
		select {
		case <-c.doneCh:
			return
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugf("ws write to %s failed: %v", c.id, err)
				c.Close()
				return
			}
		}
	}
}

// Endpoint upgrades HTTP requests into hub connections.
type Endpoint struct {
	Hub      *Hub
	Logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
}

// NewEndpoint returns an http.Handler serving the hub websocket.
func NewEndpoint(hub *Hub, logger *zap.SugaredLogger) *Endpoint {
	return &Endpoint{
		Hub:    hub,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request, attaches the connection and runs the read
// pump until the peer goes away.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.Logger.Errorf("ws upgrade failed: %v", err)
		return
	}
	conn := &WSConn{
		id:      uuid.New(),
		ws:      ws,
		sendCh:  make(chan []byte, e.Hub.conf.SendBuffer),
		doneCh:  make(chan struct{}),
		timeout: e.Hub.conf.WriteTimeout,
		logger:  e.Logger,
	}
	e.Hub.Attach(conn)
	go conn.writePump()
	e.Logger.Infof("connection %s opened from %s", conn.ID(), r.RemoteAddr)

	defer func() {
		conn.Close()
		e.Hub.Detach(conn.ID())
		e.Logger.Infof("connection %s closed", conn.ID())
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		e.Hub.Dispatch(conn.ID(), data)
	}
}
