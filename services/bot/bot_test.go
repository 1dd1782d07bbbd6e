// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/services/rhythm"
	"github.com/kneasle/wheatley/services/rowgen"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func testBell(t *testing.T, number int) bell.Bell {
	t.Helper()
	b, err := bell.FromNumber(number)
	require.NoError(t, err)
	return b
}

type ringEvent struct {
	b      bell.Bell
	stroke bell.Stroke
}

// fakeTower is an in-memory stand-in for a Ringing Room tower.  Tests
// inject server events by firing the registered callbacks directly.
type fakeTower struct {
	mu            sync.Mutex
	size          int
	assignments   map[int]string
	rung          []ringEvent
	calls         []string
	ringingStates []bool
	rollCalls     []int

	onCall    map[string][]func()
	onRung    []func(bell.Bell, bell.Stroke)
	onReset   []func()
	onSetting []func(string, any)
	onRowGen  []func(json.RawMessage)
	onStop    []func()
}

var _ Tower = (*fakeTower)(nil)

func newFakeTower(size int) *fakeTower {
	return &fakeTower{
		size:        size,
		assignments: map[int]string{},
		onCall:      map[string][]func(){},
	}
}

func (f *fakeTower) NumberOfBells() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *fakeTower) RingBell(b bell.Bell, stroke bell.Stroke) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rung = append(f.rung, ringEvent{b, stroke})
	return true
}

func (f *fakeTower) IsBellAssignedTo(b bell.Bell, userName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assignments[b.Number()] == userName
}

func (f *fakeTower) MakeCall(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeTower) SetIsRinging(isRinging bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ringingStates = append(f.ringingStates, isRinging)
	return nil
}

func (f *fakeTower) EmitRollCall(instanceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollCalls = append(f.rollCalls, instanceID)
	return nil
}

func (f *fakeTower) OnCall(call string, fn func()) {
	f.onCall[call] = append(f.onCall[call], fn)
}

func (f *fakeTower) OnBellRung(fn func(bell.Bell, bell.Stroke)) {
	f.onRung = append(f.onRung, fn)
}

func (f *fakeTower) OnReset(fn func()) { f.onReset = append(f.onReset, fn) }

func (f *fakeTower) OnSettingChange(fn func(string, any)) {
	f.onSetting = append(f.onSetting, fn)
}

func (f *fakeTower) OnRowGenChange(fn func(json.RawMessage)) {
	f.onRowGen = append(f.onRowGen, fn)
}

func (f *fakeTower) OnStopTouch(fn func()) { f.onStop = append(f.onStop, fn) }

// Server-side event injectors.

func (f *fakeTower) fireCall(name string) {
	for _, fn := range f.onCall[name] {
		fn()
	}
}

func (f *fakeTower) fireBellRung(b bell.Bell, stroke bell.Stroke) {
	for _, fn := range f.onRung {
		fn(b, stroke)
	}
}

func (f *fakeTower) fireReset() {
	for _, fn := range f.onReset {
		fn()
	}
}

func (f *fakeTower) fireSetting(key string, value any) {
	for _, fn := range f.onSetting {
		fn(key, value)
	}
}

func (f *fakeTower) fireRowGen(raw string) {
	for _, fn := range f.onRowGen {
		fn(json.RawMessage(raw))
	}
}

func (f *fakeTower) fireStopTouch() {
	for _, fn := range f.onStop {
		fn()
	}
}

func (f *fakeTower) assign(bellNumber int, userName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments[bellNumber] = userName
}

func (f *fakeTower) resize(size int) {
	f.mu.Lock()
	f.size = size
	f.mu.Unlock()
	f.fireReset()
}

func (f *fakeTower) rungCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rung)
}

func (f *fakeTower) ringingStatesSnapshot() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool{}, f.ringingStates...)
}

// rungRows groups the bells the bot rang into whole rows.
func (f *fakeTower) rungRows() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rows []string
	row := ""
	for i, ev := range f.rung {
		row += ev.b.String()
		if (i+1)%f.size == 0 {
			rows = append(rows, row)
			row = ""
		}
	}
	return rows
}

type waitRecord struct {
	b              bell.Bell
	rowNumber      int
	place          int
	userControlled bool
	stroke         bell.Stroke
}

type expectRecord struct {
	b         bell.Bell
	rowNumber int
	place     int
	stroke    bell.Stroke
}

type ringRecord struct {
	b        bell.Bell
	stroke   bell.Stroke
	realTime float64
}

type initRecord struct {
	stage              int
	userControlsTreble bool
	startTime          float64
	userBells          int
}

type settingRecord struct {
	key   string
	value any
}

// fakeRhythm records every interaction and never blocks.
type fakeRhythm struct {
	mu        sync.Mutex
	waits     []waitRecord
	expects   []expectRecord
	rings     []ringRecord
	inits     []initRecord
	settings  []settingRecord
	mainloops int
}

var _ rhythm.Rhythm = (*fakeRhythm)(nil)

func (f *fakeRhythm) WaitForStrike(
	_ context.Context,
	_ float64,
	b bell.Bell,
	rowNumber, place int,
	userControlled bool,
	stroke bell.Stroke,
) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, waitRecord{b, rowNumber, place, userControlled, stroke})
}

func (f *fakeRhythm) ExpectBell(expected bell.Bell, rowNumber, place int, stroke bell.Stroke) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expects = append(f.expects, expectRecord{expected, rowNumber, place, stroke})
}

func (f *fakeRhythm) OnBellRing(b bell.Bell, stroke bell.Stroke, realTime float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rings = append(f.rings, ringRecord{b, stroke, realTime})
}

func (f *fakeRhythm) ChangeSetting(key string, value any, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, settingRecord{key, value})
}

func (f *fakeRhythm) InitialiseLine(stage int, userControlsTreble bool, startTime float64, userBells int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, initRecord{stage, userControlsTreble, startTime, userBells})
}

func (f *fakeRhythm) ReturnToMainloop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mainloops++
}

func (f *fakeRhythm) waitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waits)
}

// stubGen wraps a real generator so tests can observe the call latches
// and supply their own early calls.
type stubGen struct {
	*rowgen.PlainHunt
	mu      sync.Mutex
	bobs    int
	singles int
	early   map[int][]string
}

func (s *stubGen) SetBob() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bobs++
}

func (s *stubGen) SetSingle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles++
}

func (s *stubGen) EarlyCalls() map[int][]string { return s.early }

var _ rowgen.RowGenerator = (*stubGen)(nil)

func plainHunt(t *testing.T, stage int) *rowgen.PlainHunt {
	t.Helper()
	g, err := rowgen.NewPlainHunt(stage, "", quietLogger())
	require.NoError(t, err)
	return g
}

func newTestBot(t *testing.T, cfg Config) *Bot {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	b, err := New(cfg)
	require.NoError(t, err)
	return b
}

// tickRows drives the bot through whole rows of ticks.
func tickRows(b *Bot, towerSize, rows int) {
	for i := 0; i < towerSize*rows; i++ {
		b.tick(context.Background())
	}
}

func TestNew_RequiresItsParts(t *testing.T) {
	ft := newFakeTower(6)
	gen := plainHunt(t, 6)

	_, err := New(Config{RowGenerator: gen, Rhythm: &fakeRhythm{}, Logger: quietLogger()})
	assert.Error(t, err)
	_, err = New(Config{Tower: ft, Rhythm: &fakeRhythm{}, Logger: quietLogger()})
	assert.Error(t, err)
	_, err = New(Config{Tower: ft, RowGenerator: gen, Logger: quietLogger()})
	assert.Error(t, err)
}

func TestNew_RegistersTowerCallbacks(t *testing.T) {
	ft := newFakeTower(6)
	newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 6), Rhythm: &fakeRhythm{}})

	assert.Len(t, ft.onCall, 7)
	assert.Len(t, ft.onRung, 1)
	assert.Len(t, ft.onReset, 1)
	assert.Empty(t, ft.onSetting)
	assert.Empty(t, ft.onRowGen)
	assert.Empty(t, ft.onStop)
}

func TestNew_ServerModeListensForServerEvents(t *testing.T) {
	ft := newFakeTower(6)
	instanceID := 3
	newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: rowgen.NewPlaceHolder(),
		Rhythm:       &fakeRhythm{},
		InstanceID:   &instanceID,
	})

	assert.Len(t, ft.onSetting, 1)
	assert.Len(t, ft.onRowGen, 1)
	assert.Len(t, ft.onStop, 1)
}

func TestBot_LookToInitialisesTheLine(t *testing.T) {
	ft := newFakeTower(6)
	ft.assign(1, "Alice")
	ft.assign(4, "Alice")
	fr := &fakeRhythm{}
	newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 6), Rhythm: fr})

	before := now()
	ft.fireCall(CallLookTo)

	assert.Equal(t, 1, fr.mainloops)
	require.Len(t, fr.inits, 1)
	init := fr.inits[0]
	assert.Equal(t, 6, init.stage)
	assert.True(t, init.userControlsTreble)
	assert.Equal(t, 2, init.userBells)
	firstBlow := init.startTime - lookToDuration
	assert.GreaterOrEqual(t, firstBlow, before)
	assert.Less(t, firstBlow, before+1)

	// Only the human ringers' bells are expected.
	require.Len(t, fr.expects, 2)
	assert.Equal(t, expectRecord{testBell(t, 1), 0, 0, bell.Handstroke}, fr.expects[0])
	assert.Equal(t, expectRecord{testBell(t, 4), 0, 3, bell.Handstroke}, fr.expects[1])
}

func TestBot_LookToRefusedWhenTowerTooSmall(t *testing.T) {
	ft := newFakeTower(6)
	fr := &fakeRhythm{}
	b := newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 8), Rhythm: fr})

	ft.fireCall(CallLookTo)

	assert.Empty(t, fr.inits)
	assert.False(t, b.ringing())
}

func TestBot_UpDownInGoesIntoChanges(t *testing.T) {
	ft := newFakeTower(6)
	fr := &fakeRhythm{}
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: plainHunt(t, 6),
		Rhythm:       fr,
		UpDownIn:     true,
		MakeCalls:    true,
	})

	ft.fireCall(CallLookTo)
	tickRows(b, 6, 4)

	assert.Equal(t, []string{"123456", "123456", "214365", "241635"}, ft.rungRows())
	require.GreaterOrEqual(t, len(fr.waits), 13)
	assert.Equal(t, waitRecord{testBell(t, 1), 0, 0, false, bell.Handstroke}, fr.waits[0])
	assert.Equal(t, bell.Backstroke, fr.waits[6].stroke)
	assert.Equal(t, waitRecord{testBell(t, 2), 2, 0, false, bell.Handstroke}, fr.waits[12])
}

func TestBot_WaitsForGoWithoutUpDownIn(t *testing.T) {
	ft := newFakeTower(6)
	b := newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 6), Rhythm: &fakeRhythm{}})

	ft.fireCall(CallLookTo)
	tickRows(b, 6, 3)
	assert.Equal(t, []string{"123456", "123456", "123456"}, ft.rungRows())

	// 'Go' during a backstroke row: the method starts on the next
	// handstroke.
	ft.fireCall(CallGo)
	tickRows(b, 6, 2)
	assert.Equal(t, []string{"123456", "123456", "123456", "123456", "214365"}, ft.rungRows())
}

func TestBot_ThatsAllComesRound(t *testing.T) {
	ft := newFakeTower(6)
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: plainHunt(t, 6),
		Rhythm:       &fakeRhythm{},
		UpDownIn:     true,
	})

	ft.fireCall(CallLookTo)
	tickRows(b, 6, 3)

	// One clear row after the call, then rounds.
	ft.fireCall(CallThatsAll)
	tickRows(b, 6, 3)

	rows := ft.rungRows()
	require.Len(t, rows, 6)
	assert.Equal(t, "241635", rows[3])
	assert.Equal(t, "426153", rows[4])
	assert.Equal(t, "123456", rows[5])
}

func TestBot_StandSilencesAtHandstroke(t *testing.T) {
	ft := newFakeTower(6)
	b := newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 6), Rhythm: &fakeRhythm{}})

	ft.fireCall(CallLookTo)
	tickRows(b, 6, 1)

	// Stand is called during the backstroke row, so that row still
	// rings and the bells come to rest at the following handstroke.
	ft.fireCall(CallStand)
	tickRows(b, 6, 3)

	assert.Equal(t, 12, ft.rungCount())
	assert.False(t, b.ringing())
}

func TestBot_StopAtRoundsStandsWhenTheTouchComesRound(t *testing.T) {
	ft := newFakeTower(6)
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: plainHunt(t, 6),
		Rhythm:       &fakeRhythm{},
		UpDownIn:     true,
		StopAtRounds: true,
	})

	ft.fireCall(CallLookTo)
	// Two rows of rounds, the twelve rows of plain hunt minor, and a
	// few spare ticks that should all be ignored once stood.
	tickRows(b, 6, 15)

	rows := ft.rungRows()
	require.Len(t, rows, 14)
	assert.Equal(t, "123456", rows[13])
	assert.False(t, b.ringing())
}

func TestBot_RoundsCallReturnsToTheOpeningRow(t *testing.T) {
	ft := newFakeTower(6)
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: plainHunt(t, 6),
		Rhythm:       &fakeRhythm{},
		UpDownIn:     true,
	})

	ft.fireCall(CallLookTo)
	tickRows(b, 6, 3)

	ft.fireCall(CallRounds)
	tickRows(b, 6, 2)

	rows := ft.rungRows()
	require.Len(t, rows, 5)
	assert.Equal(t, "241635", rows[3])
	assert.Equal(t, "123456", rows[4])
}

func TestBot_BobAndSingleLatchOnTheGenerator(t *testing.T) {
	ft := newFakeTower(6)
	gen := &stubGen{PlainHunt: plainHunt(t, 6)}
	newTestBot(t, Config{Tower: ft, RowGenerator: gen, Rhythm: &fakeRhythm{}})

	ft.fireCall(CallBob)
	ft.fireCall(CallBob)
	ft.fireCall(CallSingle)

	assert.Equal(t, 2, gen.bobs)
	assert.Equal(t, 1, gen.singles)
}

func TestBot_GoFlushesMissedEarlyCalls(t *testing.T) {
	ft := newFakeTower(6)
	gen := &stubGen{
		PlainHunt: plainHunt(t, 6),
		early: map[int][]string{
			3: {"Go Original"},
			2: {"Bob"},
			1: {"Single"},
		},
	}
	b := newTestBot(t, Config{Tower: ft, RowGenerator: gen, Rhythm: &fakeRhythm{}, MakeCalls: true})

	ft.fireCall(CallLookTo)
	// 'Go' on the very first row: the calls for rows that have already
	// passed are announced at once, latest first.
	ft.fireCall(CallGo)
	assert.Equal(t, []string{"Go Original", "Bob"}, ft.calls)

	// The call for the one remaining round is announced at its start.
	tickRows(b, 6, 2)
	assert.Equal(t, []string{"Go Original", "Bob", "Single"}, ft.calls)
}

func TestBot_UserBellsAreLeftToTheUsers(t *testing.T) {
	ft := newFakeTower(6)
	ft.assign(1, "Alice")
	ft.assign(4, "Alice")
	fr := &fakeRhythm{}
	b := newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 6), Rhythm: fr})

	ft.fireCall(CallLookTo)
	tickRows(b, 6, 2)

	// Bells 1 and 4 belong to Alice, so the bot rings only the other
	// four of each row.
	assert.Equal(t, 8, ft.rungCount())
	for _, ev := range ft.rung {
		assert.NotEqual(t, testBell(t, 1), ev.b)
		assert.NotEqual(t, testBell(t, 4), ev.b)
	}

	require.Len(t, fr.waits, 12)
	assert.True(t, fr.waits[0].userControlled)
	assert.False(t, fr.waits[1].userControlled)
	assert.True(t, fr.waits[3].userControlled)
}

func TestBot_ForwardsUserStrikesWithTheStrokeInverted(t *testing.T) {
	ft := newFakeTower(6)
	ft.assign(2, "Alice")
	fr := &fakeRhythm{}
	newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 6), Rhythm: fr})

	// The tower reports the stroke after the swing.
	ft.fireBellRung(testBell(t, 2), bell.Handstroke)
	require.Len(t, fr.rings, 1)
	assert.Equal(t, testBell(t, 2), fr.rings[0].b)
	assert.Equal(t, bell.Backstroke, fr.rings[0].stroke)

	// The bot's own strikes echo back from the tower and are not
	// observations of a human ringer.
	ft.fireBellRung(testBell(t, 3), bell.Handstroke)
	assert.Len(t, fr.rings, 1)
}

func TestBot_SettingChanges(t *testing.T) {
	ft := newFakeTower(6)
	fr := &fakeRhythm{}
	instanceID := 9
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: plainHunt(t, 6),
		Rhythm:       fr,
		InstanceID:   &instanceID,
	})

	ft.fireSetting("use_up_down_in", true)
	ft.fireSetting("stop_at_rounds", "true")
	b.mu.Lock()
	assert.True(t, b.doUpDownIn)
	assert.True(t, b.stopAtRounds)
	b.mu.Unlock()

	// Nonsense values are ignored.
	ft.fireSetting("use_up_down_in", "sideways")
	b.mu.Lock()
	assert.True(t, b.doUpDownIn)
	b.mu.Unlock()

	// Anything else belongs to the rhythm.
	ft.fireSetting("peal_speed", 120.0)
	require.Len(t, fr.settings, 1)
	assert.Equal(t, settingRecord{"peal_speed", 120.0}, fr.settings[0])
}

func TestBot_RowGenChangeStagesTheNextGenerator(t *testing.T) {
	ft := newFakeTower(6)
	fr := &fakeRhythm{}
	instanceID := 9
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: rowgen.NewPlaceHolder(),
		Rhythm:       fr,
		InstanceID:   &instanceID,
	})

	// While only the place holder is loaded, a 'Look to' from the
	// tower is refused.
	ft.fireCall(CallLookTo)
	assert.Empty(t, fr.inits)

	ft.fireRowGen(`{"type": "method", "stage": 6, "notation": "x16,12"}`)

	b.mu.Lock()
	staged := b.nextRowGenerator
	b.mu.Unlock()
	require.NotNil(t, staged)
	assert.Equal(t, 6, staged.Stage())

	// The server arms the touch directly, and the staged generator
	// takes over.
	ft.fireReset()
	b.LookToHasBeenCalled(now())
	require.Len(t, fr.inits, 1)
	assert.True(t, b.ringing())
	b.mu.Lock()
	assert.Equal(t, staged, b.rowGenerator)
	assert.Nil(t, b.nextRowGenerator)
	b.mu.Unlock()

	// A malformed description is logged and dropped.
	ft.fireRowGen(`{"type": "interpretive dance"}`)
	b.mu.Lock()
	assert.Nil(t, b.nextRowGenerator)
	b.mu.Unlock()
}

func TestBot_TowerResetRebuildsTheRows(t *testing.T) {
	ft := newFakeTower(6)
	b := newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 6), Rhythm: &fakeRhythm{}})

	ft.resize(8)

	b.mu.Lock()
	assert.Len(t, b.openingRow, 8)
	assert.Len(t, b.roundsRow, 8)
	b.mu.Unlock()
}

func TestBot_TowerResetDropsAStagedGeneratorThatNoLongerFits(t *testing.T) {
	ft := newFakeTower(8)
	fr := &fakeRhythm{}
	instanceID := 2
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: rowgen.NewPlaceHolder(),
		Rhythm:       fr,
		InstanceID:   &instanceID,
	})

	b.mu.Lock()
	b.nextRowGenerator = plainHunt(t, 8)
	b.mu.Unlock()

	ft.resize(6)

	b.mu.Lock()
	assert.Nil(t, b.nextRowGenerator)
	b.mu.Unlock()
}

func TestBot_CoverBellsPadTheRow(t *testing.T) {
	ft := newFakeTower(6)
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: plainHunt(t, 5),
		Rhythm:       &fakeRhythm{},
		UpDownIn:     true,
	})

	// The opening row is padded to the tower size when the tower
	// state first arrives.
	ft.fireReset()
	ft.fireCall(CallLookTo)
	tickRows(b, 6, 3)

	rows := ft.rungRows()
	require.Len(t, rows, 3)
	assert.Equal(t, "123456", rows[0])
	// The tenor covers behind the five working bells.
	assert.Equal(t, "214356", rows[2])
}

func TestBot_StopTouchStopsTheRinging(t *testing.T) {
	ft := newFakeTower(6)
	fr := &fakeRhythm{}
	instanceID := 4
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: plainHunt(t, 6),
		Rhythm:       fr,
		InstanceID:   &instanceID,
	})

	ft.fireCall(CallLookTo)
	require.True(t, b.ringing())

	ft.fireStopTouch()

	assert.False(t, b.ringing())
	assert.Equal(t, []bool{false}, ft.ringingStatesSnapshot())
	assert.Equal(t, 2, fr.mainloops)
}

func TestBot_MainLoopRingsInServerMode(t *testing.T) {
	ft := newFakeTower(6)
	fr := &fakeRhythm{}
	instanceID := 7
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: plainHunt(t, 6),
		Rhythm:       fr,
		InstanceID:   &instanceID,
		UpDownIn:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.MainLoop(ctx) }()

	ft.fireCall(CallLookTo)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fr.waitCount() > 0 && len(ft.ringingStatesSnapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, fr.waitCount(), 0)
	assert.Equal(t, []bool{true}, ft.ringingStatesSnapshot())

	ft.mu.Lock()
	rollCalls := append([]int{}, ft.rollCalls...)
	ft.mu.Unlock()
	assert.Equal(t, []int{7}, rollCalls)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("MainLoop did not stop on cancellation")
	}
}

func TestBot_MainLoopExitsAfterInactivity(t *testing.T) {
	ft := newFakeTower(6)
	instanceID := 1
	b := newTestBot(t, Config{
		Tower:        ft,
		RowGenerator: rowgen.NewPlaceHolder(),
		Rhythm:       &fakeRhythm{},
		InstanceID:   &instanceID,
	})
	b.inactivityLimit = 30 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- b.MainLoop(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("MainLoop did not exit after the inactivity limit")
	}
}

func TestBot_ClientModeRunsForever(t *testing.T) {
	ft := newFakeTower(6)
	b := newTestBot(t, Config{Tower: ft, RowGenerator: plainHunt(t, 6), Rhythm: &fakeRhythm{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.MainLoop(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("MainLoop returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("MainLoop did not stop on cancellation")
	}
}
