// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tower

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/services/telemetry"
)

// ErrNotConnected is returned when an emit is attempted without an
// open socket.io session.
var ErrNotConnected = errors.New("not connected to Ringing Room")

const (
	connectTimeout     = 10 * time.Second
	defaultReadTimeout = 45 * time.Second
	maxBackoff         = 30 * time.Second
)

// handshake is the JSON body of the Engine.IO open packet.  The
// intervals are in milliseconds.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// socket is a minimal socket.io client: Engine.IO v4 framing over a
// single websocket, with event emit/dispatch on the default namespace.
//
// Ringing Room only ever uses plain events (no acks, no binary
// attachments, no custom namespaces), so that is all this implements.
type socket struct {
	wsURL  string
	logger *logging.Logger

	// initialBackoff seeds the reconnect backoff schedule.
	initialBackoff time.Duration

	// writeMu serialises writes to conn, which gorilla requires.
	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	handlers  map[string][]func(json.RawMessage)
	connected bool
	closed    bool
	// onConnect runs after every successful reconnect, so the owner can
	// rejoin its tower.
	onConnect func()

	// readTimeout is derived from the server's ping schedule.  Only
	// touched from the goroutine driving connect and run.
	readTimeout time.Duration
}

func newSocket(serverURL string, logger *logging.Logger) (*socket, error) {
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &socket{
		wsURL:          wsURL,
		logger:         logger.With("conn_id", uuid.NewString()),
		initialBackoff: time.Second,
		handlers:       make(map[string][]func(json.RawMessage)),
		readTimeout:    defaultReadTimeout,
	}, nil
}

// websocketURL converts an http(s) server URL into the websocket
// endpoint of its socket.io server.
func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server URL %q has unsupported scheme %q", serverURL, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	u.RawQuery = "EIO=4&transport=websocket"
	return u.String(), nil
}

// on registers a handler for a named socket.io event.
func (s *socket) on(event string, fn func(json.RawMessage)) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], fn)
	s.mu.Unlock()
}

// connect dials the websocket and completes both the Engine.IO and
// socket.io handshakes.
func (s *socket) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.wsURL, err)
	}

	if err := s.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	s.writeMu.Lock()
	old := s.conn
	s.conn = conn
	s.writeMu.Unlock()
	if old != nil {
		old.Close()
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Debug("socket connected", "url", s.wsURL)
	return nil
}

func (s *socket) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read engine.io open packet: %w", err)
	}
	if len(data) == 0 || data[0] != '0' {
		return fmt.Errorf("expected engine.io open packet, got %q", data)
	}

	var hs handshake
	if err := json.Unmarshal(data[1:], &hs); err != nil {
		return fmt.Errorf("decode engine.io handshake: %w", err)
	}
	if hs.PingInterval > 0 && hs.PingTimeout > 0 {
		s.readTimeout = time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	}

	// Join the default namespace and wait for the ack, answering any
	// pings that arrive in between.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return fmt.Errorf("send namespace connect: %w", err)
	}
	for {
		conn.SetReadDeadline(time.Now().Add(connectTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read namespace connect ack: %w", err)
		}
		if len(data) >= 2 && data[0] == '4' && data[1] == '0' {
			return nil
		}
		if len(data) >= 1 && data[0] == '2' {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		}
	}
}

// run reads frames until the socket is closed or ctx ends, redialling
// with backoff whenever the connection drops.
func (s *socket) run(ctx context.Context) error {
	// Closing the connection is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() {
		s.writeMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.writeMu.Unlock()
	})
	defer stop()

	for {
		s.writeMu.Lock()
		conn := s.conn
		s.writeMu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}

		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, data, err := conn.ReadMessage()
		if err == nil {
			err = s.handleFrame(data)
			if err == nil {
				continue
			}
		}

		if s.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.logger.Warn("socket connection lost", "error", err)

		if err := s.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (s *socket) reconnect(ctx context.Context) error {
	backoff := s.initialBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if s.isClosed() {
			return nil
		}

		if err := s.connect(ctx); err != nil {
			s.logger.Warn("reconnect failed", "error", err, "next_attempt_in", backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		telemetry.Get().Reconnects.Inc()
		s.logger.Info("socket reconnected")

		s.mu.Lock()
		onConnect := s.onConnect
		s.mu.Unlock()
		if onConnect != nil {
			onConnect()
		}
		return nil
	}
}

func (s *socket) handleFrame(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '1':
		return errors.New("server closed the engine.io session")
	case '2':
		return s.writeFrame([]byte("3"))
	case '4':
		return s.handleMessage(data[1:])
	}
	return nil
}

func (s *socket) handleMessage(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '1':
		return errors.New("server disconnected the namespace")
	case '2':
		s.dispatchEvent(data[1:])
	}
	return nil
}

func (s *socket) dispatchEvent(data []byte) {
	// Any ack ID between the packet type and the payload array is
	// skipped; Ringing Room never asks for acks.
	idx := bytes.IndexByte(data, '[')
	if idx < 0 {
		s.logger.Warn("malformed socket.io event", "frame", string(data))
		return
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data[idx:], &elems); err != nil || len(elems) == 0 {
		s.logger.Warn("malformed socket.io event", "frame", string(data), "error", err)
		return
	}
	var event string
	if err := json.Unmarshal(elems[0], &event); err != nil {
		s.logger.Warn("socket.io event name is not a string", "frame", string(data))
		return
	}
	var payload json.RawMessage
	if len(elems) > 1 {
		payload = elems[1]
	}

	telemetry.Get().SocketEvents.WithLabelValues(event).Inc()

	s.mu.Lock()
	fns := append([]func(json.RawMessage){}, s.handlers[event]...)
	s.mu.Unlock()

	if len(fns) == 0 {
		s.logger.Debug("no handler for event", "event", event)
		return
	}
	for _, fn := range fns {
		fn(payload)
	}
}

// emit sends a socket.io event to the server.
func (s *socket) emit(event string, payload any) error {
	body, err := json.Marshal([]any{event, payload})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	return s.writeFrame(append([]byte("42"), body...))
}

func (s *socket) writeFrame(frame []byte) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close says goodbye to the namespace and tears the connection down.
func (s *socket) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeFrame([]byte("41"))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
