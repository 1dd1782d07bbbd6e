// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tower talks to ringingroom.com.
//
// # Description
//
// A RingingRoomTower holds one session with a Ringing Room tower over
// the site's socket.io protocol.  It tracks the tower's shared state
// (bell strokes, user assignments) from server broadcasts, lets the
// rest of the program ring bells and make calls, and fans inbound
// events out to registered callbacks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.  Callbacks are invoked on
// the goroutine running Run, one at a time, so they should not block.
package tower

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/services/telemetry"
)

// ErrNoBellState is returned by WaitLoaded when the server never sent
// the tower's bell state.
var ErrNoBellState = errors.New("bell state never arrived from Ringing Room")

// emitInterval paces outbound events so a tight ringing loop cannot
// flood the server.
const emitInterval = 10 * time.Millisecond

// defaultLoadTimeout bounds WaitLoaded.
const defaultLoadTimeout = 2 * time.Second

// RingingRoomTower is one session with a Ringing Room tower.
type RingingRoomTower struct {
	towerID int
	logger  *logging.Logger
	sock    *socket
	limiter *rate.Limiter

	loadTimeout time.Duration
	loadedOnce  sync.Once
	loaded      chan struct{}

	mu            sync.Mutex
	bellState     []bell.Stroke
	assignedUsers map[bell.Bell]int
	userNames     map[int]string

	onCall          map[string][]func()
	onBellRung      []func(b bell.Bell, stroke bell.Stroke)
	onReset         []func()
	onSettingChange []func(key string, value any)
	onRowGenChange  []func(data json.RawMessage)
	onStopTouch     []func()
}

// NewRingingRoomTower creates a tower session for the given room ID on
// a socket.io server.  A nil logger selects the default logger.  The
// connection is not opened until Connect.
func NewRingingRoomTower(towerID int, serverURL string, logger *logging.Logger) (*RingingRoomTower, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("service", "tower")

	sock, err := newSocket(serverURL, logger)
	if err != nil {
		return nil, err
	}

	t := &RingingRoomTower{
		towerID:       towerID,
		logger:        logger,
		sock:          sock,
		limiter:       rate.NewLimiter(rate.Every(emitInterval), 1),
		loadTimeout:   defaultLoadTimeout,
		loaded:        make(chan struct{}),
		assignedUsers: make(map[bell.Bell]int),
		userNames:     make(map[int]string),
		onCall:        make(map[string][]func()),
	}

	sock.on("s_bell_rung", t.handleBellRung)
	sock.on("s_global_state", t.handleGlobalState)
	sock.on("s_user_entered", t.handleUserEntered)
	sock.on("s_set_userlist", t.handleUserList)
	sock.on("s_user_left", t.handleUserLeft)
	sock.on("s_size_change", t.handleSizeChange)
	sock.on("s_assign_user", t.handleAssignUser)
	sock.on("s_call", t.handleCall)
	sock.on("s_wheatley_setting", t.handleSettingChange)
	sock.on("s_wheatley_row_gen", t.handleRowGenChange)
	sock.on("s_wheatley_stop_touch", t.handleStopTouch)
	sock.onConnect = t.rejoin

	return t, nil
}

// Connect opens the socket, joins the tower anonymously and asks the
// server for the tower's current state.
func (t *RingingRoomTower) Connect(ctx context.Context) error {
	if err := t.sock.connect(ctx); err != nil {
		return err
	}
	t.rejoin()
	return nil
}

// Run drives the inbound event pump until ctx ends or Close is called,
// reconnecting automatically if the connection drops.
func (t *RingingRoomTower) Run(ctx context.Context) error {
	return t.sock.run(ctx)
}

// Close disconnects from the tower.
func (t *RingingRoomTower) Close() error {
	t.logger.Info("disconnecting")
	return t.sock.close()
}

func (t *RingingRoomTower) rejoin() {
	t.logger.Info("joining tower", "tower_id", t.towerID)
	if err := t.sock.emit("c_join", map[string]any{
		"anonymous_user": true,
		"tower_id":       t.towerID,
	}); err != nil {
		t.logger.Error("failed to join tower", "error", err)
		return
	}

	t.logger.Debug("requesting global state")
	if err := t.sock.emit("c_request_global_state", map[string]any{
		"tower_id": t.towerID,
	}); err != nil {
		t.logger.Error("failed to request global state", "error", err)
	}
}

// WaitLoaded blocks until the server has sent the tower's bell state,
// so callers know the session is usable.
func (t *RingingRoomTower) WaitLoaded(ctx context.Context) error {
	select {
	case <-t.loaded:
		return nil
	case <-time.After(t.loadTimeout):
		return ErrNoBellState
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NumberOfBells returns the current size of the tower.
func (t *RingingRoomTower) NumberOfBells() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bellState)
}

// GetStroke reports the stroke a bell is currently on, or false if the
// bell is not in the tower.
func (t *RingingRoomTower) GetStroke(b bell.Bell) (bell.Stroke, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b.Index() < 0 || b.Index() >= len(t.bellState) {
		return bell.Handstroke, false
	}
	return t.bellState[b.Index()], true
}

// RingBell asks the server to ring a bell, but only if the bell really
// is on the expected stroke.  Returns whether the request was sent.
func (t *RingingRoomTower) RingBell(b bell.Bell, expectedStroke bell.Stroke) bool {
	stroke, ok := t.GetStroke(b)
	if !ok {
		t.logger.Error("bell is not in the tower", "bell", b)
		return false
	}
	if stroke != expectedStroke {
		t.logger.Error("bell is on the opposite stroke", "bell", b, "stroke", stroke)
		return false
	}

	if err := t.limiter.Wait(context.Background()); err != nil {
		return false
	}
	if err := t.sock.emit("c_bell_rung", map[string]any{
		"bell":     b.Number(),
		"stroke":   stroke.IsHand(),
		"tower_id": t.towerID,
	}); err != nil {
		t.logger.Error("failed to ring bell", "bell", b, "error", err)
		return false
	}

	telemetry.Get().BellsRung.Inc()
	return true
}

// MakeCall broadcasts a call to the other users of the tower.
func (t *RingingRoomTower) MakeCall(call string) error {
	t.logger.Info("making call", "call", call)
	if err := t.sock.emit("c_call", map[string]any{
		"call":     call,
		"tower_id": t.towerID,
	}); err != nil {
		return fmt.Errorf("make call %q: %w", call, err)
	}
	telemetry.Get().CallsMade.WithLabelValues(call).Inc()
	return nil
}

// SetAtHand sets every bell in the tower at handstroke.
func (t *RingingRoomTower) SetAtHand() error {
	t.logger.Info("setting bells at handstroke")
	return t.sock.emit("c_set_bells", map[string]any{"tower_id": t.towerID})
}

// SetNumberOfBells asks the server to resize the tower.
func (t *RingingRoomTower) SetNumberOfBells(number int) error {
	t.logger.Info("setting tower size", "size", number)
	return t.sock.emit("c_size_change", map[string]any{
		"new_size": number,
		"tower_id": t.towerID,
	})
}

// SetIsRinging tells the Ringing Room clients whether the bot is
// currently ringing, which they use to lock their controls.
func (t *RingingRoomTower) SetIsRinging(value bool) error {
	t.logger.Info("broadcasting ringing state", "is_ringing", value)
	return t.sock.emit("c_wheatley_is_ringing", map[string]any{
		"is_ringing": value,
		"tower_id":   t.towerID,
	})
}

// EmitRollCall answers the server's roll call, confirming this
// instance is alive and able to ring.
func (t *RingingRoomTower) EmitRollCall(instanceID int) error {
	t.logger.Info("replying to roll call")
	return t.sock.emit("c_roll_call", map[string]any{
		"tower_id":    t.towerID,
		"instance_id": instanceID,
	})
}

// IsBellAssignedTo reports whether a bell is assigned to the user with
// the given name.  An empty name matches unassigned bells.
func (t *RingingRoomTower) IsBellAssignedTo(b bell.Bell, userName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	userID, ok := t.assignedUsers[b]
	if !ok {
		return userName == ""
	}
	return t.userNames[userID] == userName
}

// UserNameFromID resolves a numeric user ID to the user's name.
func (t *RingingRoomTower) UserNameFromID(userID int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.userNames[userID]
	return name, ok
}

// OnCall registers a callback for a named call ("Go", "Bob", ...).
func (t *RingingRoomTower) OnCall(call string, fn func()) {
	t.mu.Lock()
	t.onCall[call] = append(t.onCall[call], fn)
	t.mu.Unlock()
}

// OnBellRung registers a callback invoked after every strike, with the
// bell and the stroke it is now on.
func (t *RingingRoomTower) OnBellRung(fn func(b bell.Bell, stroke bell.Stroke)) {
	t.mu.Lock()
	t.onBellRung = append(t.onBellRung, fn)
	t.mu.Unlock()
}

// OnReset registers a callback invoked whenever the tower state is
// replaced wholesale (a size change or a global state broadcast).
func (t *RingingRoomTower) OnReset(fn func()) {
	t.mu.Lock()
	t.onReset = append(t.onReset, fn)
	t.mu.Unlock()
}

// OnSettingChange registers a callback for each key of every settings
// broadcast.
func (t *RingingRoomTower) OnSettingChange(fn func(key string, value any)) {
	t.mu.Lock()
	t.onSettingChange = append(t.onSettingChange, fn)
	t.mu.Unlock()
}

// OnRowGenChange registers a callback for row generator broadcasts.
// The payload is passed through undecoded.
func (t *RingingRoomTower) OnRowGenChange(fn func(data json.RawMessage)) {
	t.mu.Lock()
	t.onRowGenChange = append(t.onRowGenChange, fn)
	t.mu.Unlock()
}

// OnStopTouch registers a callback for the server's stop-touch signal.
func (t *RingingRoomTower) OnStopTouch(fn func()) {
	t.mu.Lock()
	t.onStopTouch = append(t.onStopTouch, fn)
	t.mu.Unlock()
}

func (t *RingingRoomTower) handleBellRung(payload json.RawMessage) {
	var data struct {
		GlobalBellState []bool `json:"global_bell_state"`
		WhoRang         int    `json:"who_rang"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_bell_rung event", "error", err)
		return
	}

	t.updateBellState(data.GlobalBellState)

	whoRang, err := bell.FromNumber(data.WhoRang)
	if err != nil {
		t.logger.Warn("invalid bell number in s_bell_rung", "who_rang", data.WhoRang)
		return
	}

	t.mu.Lock()
	fns := append([]func(bell.Bell, bell.Stroke){}, t.onBellRung...)
	t.mu.Unlock()

	for _, fn := range fns {
		stroke, ok := t.GetStroke(whoRang)
		if !ok {
			t.logger.Warn("bell rang beyond the tower size",
				"bell", whoRang,
				"tower_size", t.NumberOfBells(),
			)
			continue
		}
		fn(whoRang, stroke)
	}
}

func (t *RingingRoomTower) handleGlobalState(payload json.RawMessage) {
	var data struct {
		GlobalBellState []bool `json:"global_bell_state"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_global_state event", "error", err)
		return
	}

	t.updateBellState(data.GlobalBellState)
	t.fireReset()
}

func (t *RingingRoomTower) handleUserEntered(payload json.RawMessage) {
	var data struct {
		UserID   int    `json:"user_id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_user_entered event", "error", err)
		return
	}

	t.mu.Lock()
	t.userNames[data.UserID] = data.Username
	t.mu.Unlock()
}

func (t *RingingRoomTower) handleUserList(payload json.RawMessage) {
	var data struct {
		UserList []struct {
			UserID   int    `json:"user_id"`
			Username string `json:"username"`
		} `json:"user_list"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_set_userlist event", "error", err)
		return
	}

	t.mu.Lock()
	for _, user := range data.UserList {
		t.userNames[user.UserID] = user.Username
	}
	t.mu.Unlock()
}

func (t *RingingRoomTower) handleUserLeft(payload json.RawMessage) {
	var data struct {
		UserID int `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_user_left event", "error", err)
		return
	}

	t.mu.Lock()
	var unassigned []bell.Bell
	for b, userID := range t.assignedUsers {
		if userID == data.UserID {
			unassigned = append(unassigned, b)
		}
	}
	for _, b := range unassigned {
		delete(t.assignedUsers, b)
	}
	name := t.userNames[data.UserID]
	t.mu.Unlock()

	t.logger.Info("user left",
		"user_id", data.UserID,
		"user_name", name,
		"unassigned_bells", unassigned,
	)
}

func (t *RingingRoomTower) handleSizeChange(payload json.RawMessage) {
	var data struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_size_change event", "error", err)
		return
	}

	t.mu.Lock()
	if data.Size == len(t.bellState) {
		t.mu.Unlock()
		return
	}
	// Drop assignments for bells that no longer exist, so returning to
	// a larger stage doesn't resurrect stale assignments.
	for b := range t.assignedUsers {
		if b.Number() > data.Size {
			delete(t.assignedUsers, b)
		}
	}
	t.bellState = bellsAtHand(data.Size)
	t.mu.Unlock()
	t.markLoaded()

	t.logger.Info("tower size changed", "size", data.Size)
	t.fireReset()
}

func (t *RingingRoomTower) handleAssignUser(payload json.RawMessage) {
	var data struct {
		Bell int  `json:"bell"`
		User *int `json:"user"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_assign_user event", "error", err)
		return
	}

	b, err := bell.FromNumber(data.Bell)
	if err != nil {
		t.logger.Warn("invalid bell number in s_assign_user", "bell", data.Bell)
		return
	}

	// The server sends 0 or null for an unassignment.
	if data.User == nil || *data.User == 0 {
		t.mu.Lock()
		delete(t.assignedUsers, b)
		t.mu.Unlock()
		t.logger.Info("bell unassigned", "bell", b)
		return
	}

	t.mu.Lock()
	t.assignedUsers[b] = *data.User
	name := t.userNames[*data.User]
	t.mu.Unlock()
	t.logger.Info("bell assigned", "bell", b, "user_name", name)
}

func (t *RingingRoomTower) handleCall(payload json.RawMessage) {
	var data struct {
		Call string `json:"call"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_call event", "error", err)
		return
	}

	t.logger.Info("call received", "call", data.Call)
	telemetry.Get().CallsReceived.WithLabelValues(data.Call).Inc()

	t.mu.Lock()
	fns := append([]func(){}, t.onCall[data.Call]...)
	t.mu.Unlock()

	if len(fns) == 0 {
		t.logger.Debug("no callback for call", "call", data.Call)
		return
	}
	for _, fn := range fns {
		fn()
	}
}

func (t *RingingRoomTower) handleSettingChange(payload json.RawMessage) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		t.logger.Warn("malformed s_wheatley_setting event", "error", err)
		return
	}

	t.logger.Info("settings changed", "settings", data)

	t.mu.Lock()
	fns := append([]func(string, any){}, t.onSettingChange...)
	t.mu.Unlock()

	for key, value := range data {
		for _, fn := range fns {
			fn(key, value)
		}
	}
}

func (t *RingingRoomTower) handleRowGenChange(payload json.RawMessage) {
	t.logger.Info("row generator changed")

	t.mu.Lock()
	fns := append([]func(json.RawMessage){}, t.onRowGenChange...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

func (t *RingingRoomTower) handleStopTouch(json.RawMessage) {
	t.logger.Info("stop touch received")

	t.mu.Lock()
	fns := append([]func(){}, t.onStopTouch...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (t *RingingRoomTower) updateBellState(rawState []bool) {
	state := make([]bell.Stroke, len(rawState))
	for i, isHand := range rawState {
		state[i] = bell.Stroke(isHand)
	}

	t.mu.Lock()
	t.bellState = state
	t.mu.Unlock()

	if len(state) > 0 {
		t.markLoaded()
	}

	chars := make([]byte, 0, len(state))
	for _, s := range state {
		chars = append(chars, s.Char()[0])
	}
	t.logger.Debug("bell state", "bells", string(chars))
}

func (t *RingingRoomTower) markLoaded() {
	t.loadedOnce.Do(func() { close(t.loaded) })
}

func (t *RingingRoomTower) fireReset() {
	t.mu.Lock()
	fns := append([]func(){}, t.onReset...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func bellsAtHand(number int) []bell.Stroke {
	state := make([]bell.Stroke, number)
	for i := range state {
		state[i] = bell.Handstroke
	}
	return state
}
