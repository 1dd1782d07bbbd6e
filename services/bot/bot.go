// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bot glues the tower, rhythm and row generation together into
// a ringer.
//
// # Description
//
// The Bot owns the touch state machine.  It waits for 'Look to', rings
// rounds, goes into changes (automatically when up-down-in is set,
// otherwise on 'Go'), reacts to calls from the human ringers and
// stands when asked.  Every place of every row passes through one tick
// of the main loop: ask the rhythm when the bell is due, ring it if it
// is ours, and announce any calls at the start of the row.
//
// In server mode the Ringing Room server spawns one Bot per tower and
// steers it over SocketIO: row generators, settings and stop-touch
// requests arrive as events rather than CLI flags, and the Bot exits
// after a long period of inactivity so that idle instances do not pile
// up.
//
// # Thread Safety
//
// Tower callbacks and the main loop interleave through a single mutex.
// Blocking waits happen outside it, so a call arriving mid-row can
// always be processed promptly.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/pkg/parsing"
	"github.com/kneasle/wheatley/services/complib"
	"github.com/kneasle/wheatley/services/rhythm"
	"github.com/kneasle/wheatley/services/rowgen"
	"github.com/kneasle/wheatley/services/telemetry"
	"github.com/kneasle/wheatley/services/tower"
)

// lookToDuration is how long it takes Bryn to say 'Look to', in
// seconds.  The first blow is expected this long after the call.
const lookToDuration = 3.0

// tickInterval spaces consecutive ticks so that Wheatley cannot flood
// Ringing Room when the rhythm returns immediately.
const tickInterval = 10 * time.Millisecond

// defaultInactivityLimit is how long a server-mode Bot sits idle before
// exiting.
const defaultInactivityLimit = 5 * time.Minute

// Tower is the bot's view of a Ringing Room tower.
type Tower interface {
	NumberOfBells() int
	RingBell(b bell.Bell, stroke bell.Stroke) bool
	IsBellAssignedTo(b bell.Bell, userName string) bool
	MakeCall(call string) error
	SetIsRinging(isRinging bool) error
	EmitRollCall(instanceID int) error

	OnCall(call string, fn func())
	OnBellRung(fn func(b bell.Bell, stroke bell.Stroke))
	OnReset(fn func())
	OnSettingChange(fn func(key string, value any))
	OnRowGenChange(fn func(data json.RawMessage))
	OnStopTouch(fn func())
}

var _ Tower = (*tower.RingingRoomTower)(nil)

// Config collects everything a Bot needs to ring.
type Config struct {
	// Tower is the Ringing Room tower to ring in.
	Tower Tower

	// RowGenerator produces the rows of the touch.
	RowGenerator rowgen.RowGenerator

	// Rhythm decides when each bell should ring.
	Rhythm rhythm.Rhythm

	// UpDownIn makes Wheatley go into changes automatically after two
	// whole pulls of rounds, instead of waiting for 'Go'.
	UpDownIn bool

	// StopAtRounds makes Wheatley stand the first time the ringing
	// comes back to rounds, handbell style.
	StopAtRounds bool

	// MakeCalls lets Wheatley announce the calls of a composition.
	MakeCalls bool

	// UserName is the Ringing Room user whose bells Wheatley rings.
	// When empty, Wheatley rings the unassigned bells.
	UserName string

	// InstanceID is set by the Ringing Room server when it spawns
	// Wheatley, and puts the Bot into server mode.
	InstanceID *int

	// CompLib fetches compositions for row generators pushed over
	// SocketIO.  Only used in server mode.
	CompLib *complib.Client

	Logger *logging.Logger
}

// Bot runs the touch state machine.
type Bot struct {
	logger *logging.Logger

	tower        Tower
	rhythm       rhythm.Rhythm
	complib      *complib.Client
	userName     string
	instanceID   *int
	callsEnabled bool

	inactivityLimit time.Duration

	// wake is signalled when 'Look to' arms a touch, so the main loop
	// can stop waiting.
	wake chan struct{}

	mu               sync.Mutex
	rowGenerator     rowgen.RowGenerator
	nextRowGenerator rowgen.RowGenerator
	doUpDownIn       bool
	stopAtRounds     bool

	isRinging           bool
	isRingingRounds     bool
	isRingingOpeningRow bool

	// roundsLeftBeforeMethod counts down the rows of rounds before the
	// method starts.  It is a counter rather than a flag so that calls
	// can be announced before the method begins (the first method name
	// in spliced, early calls in Original or Erin).  nil means the
	// start time is not yet known.
	roundsLeftBeforeMethod *int
	rowsLeftBeforeRounds   *int
	shouldStand            bool

	rowNumber int
	place     int

	openingRow bell.Row
	roundsRow  bell.Row
	row        bell.Row

	// pendingCalls are generated at the end of a row but announced at
	// the start of the next one.
	pendingCalls []string
}

// New wires a Bot into its tower.  The Bot registers its callbacks
// immediately, so it should be created before the tower loads to catch
// the initial state events.
func New(cfg Config) (*Bot, error) {
	if cfg.Tower == nil {
		return nil, errors.New("bot: a tower is required")
	}
	if cfg.RowGenerator == nil {
		return nil, errors.New("bot: a row generator is required")
	}
	if cfg.Rhythm == nil {
		return nil, errors.New("bot: a rhythm is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	b := &Bot{
		logger:          logger.With("service", "bot"),
		tower:           cfg.Tower,
		rhythm:          cfg.Rhythm,
		complib:         cfg.CompLib,
		userName:        cfg.UserName,
		instanceID:      cfg.InstanceID,
		callsEnabled:    cfg.MakeCalls,
		inactivityLimit: defaultInactivityLimit,
		wake:            make(chan struct{}, 1),

		rowGenerator: cfg.RowGenerator,
		doUpDownIn:   cfg.UpDownIn,
		stopAtRounds: cfg.StopAtRounds,

		isRingingOpeningRow: true,

		openingRow: cfg.RowGenerator.StartRow(),
		roundsRow:  bell.Rounds(cfg.Tower.NumberOfBells()),
	}
	b.row = b.roundsRow

	cfg.Tower.OnCall(CallLookTo, b.handleLookTo)
	cfg.Tower.OnCall(CallGo, b.handleGo)
	cfg.Tower.OnCall(CallBob, b.handleBob)
	cfg.Tower.OnCall(CallSingle, b.handleSingle)
	cfg.Tower.OnCall(CallThatsAll, b.handleThatsAll)
	cfg.Tower.OnCall(CallRounds, b.handleRounds)
	cfg.Tower.OnCall(CallStand, b.handleStand)
	cfg.Tower.OnBellRung(b.handleBellRung)
	cfg.Tower.OnReset(b.handleTowerReset)
	if b.serverMode() {
		cfg.Tower.OnSettingChange(b.handleSettingChange)
		cfg.Tower.OnRowGenChange(b.handleRowGenChange)
		cfg.Tower.OnStopTouch(b.handleStopTouch)
	}

	b.logger.Info("Wheatley will ring " + cfg.RowGenerator.Summary())
	b.logger.Info("Press `Control-C` to stop Wheatley ringing, e.g. to change method.")

	return b, nil
}

// now is the wall clock in seconds, the time unit the rhythm works in.
func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func (b *Bot) serverMode() bool {
	return b.instanceID != nil
}

func (b *Bot) numberOfBells() int {
	return b.tower.NumberOfBells()
}

// userAssignedBell reports whether a bell is rung by a human rather
// than by Wheatley.
func (b *Bot) userAssignedBell(bl bell.Bell) bool {
	return !b.tower.IsBellAssignedTo(bl, b.userName)
}

func (b *Bot) ringing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isRinging
}

// Tower callbacks

func (b *Bot) handleLookTo() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.checkStartingRowLocked() && b.checkNumberOfBellsLocked(b.rowGenerator, false) {
		b.lookToLocked(now())
	}
}

// LookToHasBeenCalled arms the touch as if 'Look to' had been called at
// the given time.  The Ringing Room server uses this when it spawns a
// Wheatley instance a few seconds after 'Look to' was actually called:
// the new process is told the original timestamp so it still starts on
// time.
func (b *Bot) LookToHasBeenCalled(callTime float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookToLocked(callTime)
}

func (b *Bot) lookToLocked(callTime float64) {
	b.rhythm.ReturnToMainloop()

	if len(b.roundsRow) == 0 {
		b.logger.Warn("'Look to' called before the tower loaded")
		return
	}
	treble := b.roundsRow[0]

	userControlledBells := 0
	for _, bl := range b.roundsRow {
		if b.userAssignedBell(bl) {
			userControlledBells++
		}
	}

	b.rhythm.InitialiseLine(
		b.numberOfBells(),
		b.userAssignedBell(treble),
		callTime+lookToDuration,
		userControlledBells,
	)

	if b.nextRowGenerator != nil {
		b.rowGenerator = b.nextRowGenerator
		b.nextRowGenerator = nil
	}

	b.shouldStand = false
	b.rowsLeftBeforeRounds = nil
	switch {
	case !b.doUpDownIn:
		b.roundsLeftBeforeMethod = nil
	case b.rowGenerator.StartStroke().IsHand():
		left := 2
		b.roundsLeftBeforeMethod = &left
	default:
		left := 3
		b.roundsLeftBeforeMethod = &left
	}

	b.isRinging = true
	b.isRingingRounds = true
	b.isRingingOpeningRow = true

	b.startNextRowLocked(true)

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bot) handleGo() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isRingingRounds && !b.isRingingOpeningRow {
		return
	}

	// One more whole row of rounds if 'Go' arrived on the stroke the
	// generator starts on, otherwise the method starts on the next
	// row.  These are one less than expected because the current row
	// has already started.
	left := 0
	if bell.StrokeFromIndex(b.rowNumber) == b.rowGenerator.StartStroke() {
		left = 1
	}
	b.roundsLeftBeforeMethod = &left

	// 'Go' may have been called stupidly late, so announce any calls
	// whose rows have already passed, soonest-needed last.
	type missedCalls struct {
		rowsLeft int
		calls    []string
	}
	var missed []missedCalls
	for rowsLeft, calls := range b.rowGenerator.EarlyCalls() {
		if rowsLeft > left {
			missed = append(missed, missedCalls{rowsLeft, calls})
		}
	}
	sort.Slice(missed, func(i, j int) bool { return missed[i].rowsLeft > missed[j].rowsLeft })
	for _, m := range missed {
		b.makeCalls(m.calls)
	}
}

func (b *Bot) handleBob() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rowGenerator.SetBob()
}

func (b *Bot) handleSingle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rowGenerator.SetSingle()
}

func (b *Bot) handleThatsAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	// One clear row between the call and rounds.
	left := 1
	b.rowsLeftBeforeRounds = &left
}

func (b *Bot) handleRounds() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isRingingOpeningRow = true
}

func (b *Bot) handleStand() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shouldStand = true
}

func (b *Bot) handleBellRung(bl bell.Bell, stroke bell.Stroke) {
	if b.userAssignedBell(bl) {
		// The tower reports the state after the swing, so the stroke
		// the bell actually rang at is the opposite one.
		b.rhythm.OnBellRing(bl, stroke.Opposite(), now())
	}
}

// handleTowerReset rebuilds the stage-dependent state when the tower
// size changes or the bell state is reset.
func (b *Bot) handleTowerReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkNumberOfBellsLocked(b.rowGenerator, false)

	opening, err := bell.StartingRow(b.numberOfBells(), b.rowGenerator.CustomStartRow())
	if err != nil {
		b.logger.Debug("cannot rebuild the opening row at the new stage", "error", err)
	} else {
		b.openingRow = opening
	}
	b.roundsRow = bell.Rounds(b.numberOfBells())

	b.checkStartingRowLocked()

	if b.nextRowGenerator != nil && !b.checkNumberOfBellsLocked(b.nextRowGenerator, true) {
		b.logger.Warn("staged row generator needs too many bells, dropping it")
		b.nextRowGenerator = nil
	}
}

// ChangeSetting applies a setting change from outside the tower, using
// the same keys as the server's settings broadcasts.  Console mode
// feeds config-file edits through here.
func (b *Bot) ChangeSetting(key string, value any) {
	b.handleSettingChange(key, value)
}

func (b *Bot) handleSettingChange(key string, value any) {
	switch key {
	case "use_up_down_in":
		v, err := parsing.ToBool(value)
		if err != nil {
			b.logger.Warn("invalid setting value", "key", key, "error", err)
			return
		}
		b.mu.Lock()
		b.doUpDownIn = v
		b.mu.Unlock()
		b.logger.Info("setting changed", "key", key, "value", v)
	case "stop_at_rounds":
		v, err := parsing.ToBool(value)
		if err != nil {
			b.logger.Warn("invalid setting value", "key", key, "error", err)
			return
		}
		b.mu.Lock()
		b.stopAtRounds = v
		b.mu.Unlock()
		b.logger.Info("setting changed", "key", key, "value", v)
	default:
		b.rhythm.ChangeSetting(key, value, now())
	}
}

func (b *Bot) handleRowGenChange(data json.RawMessage) {
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		b.logger.Warn("malformed row generator description", "error", err)
		return
	}

	gen, err := rowgen.FromJSON(context.Background(), decoded, b.complib, b.logger)
	if err != nil {
		b.logger.Warn("could not build the new row generator", "error", err)
		return
	}

	b.mu.Lock()
	b.nextRowGenerator = gen
	b.mu.Unlock()

	b.logger.Info("Next touch, Wheatley will ring " + gen.Summary())
}

func (b *Bot) handleStopTouch() {
	b.logger.Info("touch stopped from Ringing Room")
	if err := b.tower.SetIsRinging(false); err != nil {
		b.logger.Error("failed to report ringing state", "error", err)
	}
	b.mu.Lock()
	b.isRinging = false
	b.mu.Unlock()
	b.rhythm.ReturnToMainloop()
}

// Sanity checks

// checkNumberOfBellsLocked reports whether the given generator can be
// rung in the current tower.
func (b *Bot) checkNumberOfBellsLocked(gen rowgen.RowGenerator, silent bool) bool {
	stage := gen.Stage()
	towerSize := b.numberOfBells()

	if stage == 0 {
		b.logger.Debug("placeholder row generator, not ringing")
		return false
	}
	if towerSize < stage {
		if !silent {
			b.logger.Warn("the tower has too few bells for this method, not ringing",
				"stage", stage,
				"tower_size", towerSize,
			)
		}
		return false
	}
	if towerSize > stage+1 && gen.CustomStartRow() == "" {
		expected := stage
		if stage%2 == 1 {
			expected = stage + 1
		}
		if !silent {
			b.logger.Info("adding extra cover bells",
				"tower_size", towerSize,
				"expected", expected,
			)
		}
	}
	return true
}

func (b *Bot) checkStartingRowLocked() bool {
	custom := b.rowGenerator.CustomStartRow()
	if custom != "" && len(custom) < b.numberOfBells() {
		b.logger.Info("padding the starting row to the tower size",
			"start_row", custom,
			"tower_size", b.numberOfBells(),
		)
	}

	if len(b.openingRow) != b.numberOfBells() {
		b.logger.Warn("the tower has fewer bells than the starting row, not ringing",
			"start_row", b.openingRow.String(),
			"tower_size", b.numberOfBells(),
		)
		return false
	}
	return true
}

// Ringing

// expectBellLocked tells the rhythm where a user-controlled bell is due
// in the new row.
func (b *Bot) expectBellLocked(index int, bl bell.Bell) {
	if b.userAssignedBell(bl) {
		b.rhythm.ExpectBell(bl, b.rowNumber, index, bell.StrokeFromIndex(b.rowNumber))
	}
}

func (b *Bot) generateNextRowLocked() {
	switch {
	case b.isRingingOpeningRow:
		b.row = b.openingRow
	case b.isRingingRounds:
		b.row = b.roundsRow
	default:
		row, calls := b.rowGenerator.NextRow(bell.StrokeFromIndex(b.rowNumber))
		b.pendingCalls = calls
		// Pad with cover bells from the tail of the opening row.
		if len(row) < len(b.openingRow) {
			padded := make(bell.Row, 0, len(b.openingRow))
			padded = append(padded, row...)
			padded = append(padded, b.openingRow[len(row):]...)
			row = padded
		}
		b.row = row
	}

	telemetry.Get().RowsGenerated.Inc()
	b.logger.Info("ROW: " + b.row.String())
}

// startNextRowLocked runs the end-of-row cascade: counters tick down,
// calls latch, and the next row is generated.
func (b *Bot) startNextRowLocked(isFirstRow bool) {
	b.place = 0
	if isFirstRow {
		b.rowNumber = 0
	} else {
		b.rowNumber++
	}

	hasJustRungRounds := b.row.Equal(b.roundsRow)
	nextStroke := bell.StrokeFromIndex(b.rowNumber)

	// Handbell-style stopping at rounds.
	if b.stopAtRounds && hasJustRungRounds && !b.isRingingOpeningRow {
		b.shouldStand = true
	}

	if b.roundsLeftBeforeMethod != nil {
		b.pendingCalls = b.rowGenerator.EarlyCalls()[*b.roundsLeftBeforeMethod]
	}

	if b.roundsLeftBeforeMethod != nil && *b.roundsLeftBeforeMethod == 0 {
		if nextStroke != b.rowGenerator.StartStroke() {
			b.logger.Error("the method is starting on the wrong stroke", "stroke", nextStroke.String())
		}
		b.roundsLeftBeforeMethod = nil
		b.isRingingRounds = false
		b.isRingingOpeningRow = false
		// If the tower size changed under us, call 'Stand' and keep
		// ringing rounds.  Our own call comes back through the stand
		// callback, so nothing more to do here.
		if !b.checkNumberOfBellsLocked(b.rowGenerator, false) {
			b.makeCall("Stand")
			b.isRingingRounds = true
		}
		b.rowGenerator.Reset()
	}
	if b.roundsLeftBeforeMethod != nil {
		*b.roundsLeftBeforeMethod--
	}

	if nextStroke.IsHand() && b.shouldStand {
		b.shouldStand = false
		b.isRinging = false
	}

	// Two ways of coming round after 'That's all': rounds actually
	// appears, or the one clear row has elapsed.
	if b.rowsLeftBeforeRounds != nil && (*b.rowsLeftBeforeRounds == 0 || hasJustRungRounds) {
		b.rowsLeftBeforeRounds = nil
		b.isRingingRounds = true
	}
	if b.rowsLeftBeforeRounds != nil {
		*b.rowsLeftBeforeRounds--
	}

	if !b.isRinging {
		return
	}

	b.generateNextRowLocked()
	for index, bl := range b.row {
		b.expectBellLocked(index, bl)
	}
}

// tick rings one place of the current row.
func (b *Bot) tick(ctx context.Context) {
	b.mu.Lock()
	if !b.isRinging || b.place >= len(b.row) {
		b.mu.Unlock()
		return
	}
	rowNumber := b.rowNumber
	place := b.place
	struckBell := b.row[place]
	stroke := bell.StrokeFromIndex(rowNumber)
	b.mu.Unlock()

	userControlled := b.userAssignedBell(struckBell)
	b.rhythm.WaitForStrike(ctx, now(), struckBell, rowNumber, place, userControlled, stroke)

	if !userControlled {
		b.tower.RingBell(struckBell, stroke)
	}

	b.mu.Lock()
	if place == 0 {
		b.makeCalls(b.pendingCalls)
	}
	b.place++
	if b.place >= b.numberOfBells() {
		b.startNextRowLocked(false)
	}
	b.mu.Unlock()
}

// MainLoop rings until ctx is cancelled.  The outer loop waits for
// 'Look to', the inner loop rings one place per tick.  In server mode
// the loop also returns (nil) after a long period of inactivity.
func (b *Bot) MainLoop(ctx context.Context) error {
	for {
		b.logger.Info("Waiting for 'Look To'...")

		armed, err := b.waitForLookTo(ctx)
		if err != nil {
			return err
		}
		if !armed {
			return nil
		}

		b.mu.Lock()
		upDownIn := b.doUpDownIn
		summary := b.rowGenerator.Summary()
		b.mu.Unlock()
		if upDownIn {
			b.logger.Info("Starting to ring " + summary)
		} else {
			b.logger.Info("Waiting for 'Go' to ring " + summary + "...")
		}

		if b.serverMode() {
			if err := b.tower.SetIsRinging(true); err != nil {
				b.logger.Error("failed to report ringing state", "error", err)
			}
			// Only answer the roll call once we are actually able to
			// ring, otherwise the server ends up tracking a zombie
			// instance that responds but never rings.
			if err := b.tower.EmitRollCall(*b.instanceID); err != nil {
				b.logger.Error("failed to answer the roll call", "error", err)
			}
		}

		for b.ringing() {
			b.tick(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(tickInterval):
			}
		}

		b.logger.Info("Stopping ringing!")
		if b.serverMode() {
			if err := b.tower.SetIsRinging(false); err != nil {
				b.logger.Error("failed to report ringing state", "error", err)
			}
		}
	}
}

// waitForLookTo parks until a touch is armed.  It returns false when
// the server-mode inactivity limit passes without any ringing.
func (b *Bot) waitForLookTo(ctx context.Context) (bool, error) {
	var inactive <-chan time.Time
	if b.serverMode() {
		timer := time.NewTimer(b.inactivityLimit)
		defer timer.Stop()
		inactive = timer.C
	}

	for {
		if b.ringing() {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-b.wake:
		case <-inactive:
			b.logger.Info("no activity, exiting", "limit", b.inactivityLimit)
			return false, nil
		}
	}
}

// Calls

func (b *Bot) makeCalls(calls []string) {
	for _, call := range calls {
		b.makeCall(call)
	}
}

func (b *Bot) makeCall(call string) {
	if !b.callsEnabled {
		return
	}
	if err := b.tower.MakeCall(call); err != nil {
		b.logger.Error("failed to make a call", "call", call, "error", err)
	}
}
