// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rhythm

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/kneasle/wheatley/pkg/bell"
	"github.com/kneasle/wheatley/pkg/logging"
	"github.com/kneasle/wheatley/services/telemetry"
)

// weightRejectionThreshold is the weight below which a datapoint is
// dropped from the dataset entirely.
const weightRejectionThreshold = 0.001

// RegressionConfig holds the tunables of a Regression rhythm.  The
// zero value of HandstrokeGap and Inertia are meaningful (no gap;
// fully adaptive), so only the fields whose zero value makes no sense
// are defaulted.
type RegressionConfig struct {
	// Inertia controls how strongly the existing fit resists new
	// observations: 0 adopts each new regression line instantly, 1
	// ignores new lines entirely.
	Inertia float64

	// InitialInertia overrides Inertia for the first row only, to aid
	// a smooth pull-off.
	InitialInertia float64

	// PealSpeed is the initial speed in minutes for a peal of 5040
	// changes.  Defaults to 178.
	PealSpeed float64

	// HandstrokeGap is the length of the handstroke gap, measured in
	// places.
	HandstrokeGap float64

	// MinBellsInDataset is how many datapoints are needed before a fit
	// is computed, so a single erratic ringer cannot define the whole
	// ensemble's tempo.  Defaults to 4, clamped to MaxBellsInDataset.
	MinBellsInDataset int

	// MaxBellsInDataset caps the dataset; the oldest datapoint is
	// evicted first.  Defaults to 15.
	MaxBellsInDataset int
}

func (c *RegressionConfig) applyDefaults() {
	if c.PealSpeed == 0 {
		c.PealSpeed = 178
	}
	if c.MinBellsInDataset == 0 {
		c.MinBellsInDataset = 4
	}
	if c.MaxBellsInDataset == 0 {
		c.MaxBellsInDataset = 15
	}
	if c.MinBellsInDataset > c.MaxBellsInDataset {
		c.MinBellsInDataset = c.MaxBellsInDataset
	}
}

// A dataPoint relates a position in the ringing to the real time at
// which the bell at that position struck.
type dataPoint struct {
	blowTime float64
	realTime float64
	weight   float64
}

type expectationKey struct {
	bell   bell.Bell
	stroke bell.Stroke
}

type rowPlace struct {
	row   int
	place int
}

// Regression works out the current ringing speed by fitting a weighted
// least-squares line through the observed strikes, relating blow time
// (position in the ringing) to real time.  The fitted intercept is the
// start time of the touch and the gradient is the interval between
// blows.
type Regression struct {
	cfg RegressionConfig

	mu sync.Mutex
	// The linear relationship between ringing time and real time.  A
	// startTime of +Inf means the touch has not pulled off yet.
	startTime    float64
	blowInterval float64
	// The real time the touch started, untouched by the fit.  Only
	// used to keep debug output succinct.
	realStartTime float64

	stage        int
	numUserBells int

	// Maps a bell and stroke to the row and place where that bell is
	// next expected to ring.
	expectedBells map[expectationKey]rowPlace
	dataset       []dataPoint

	w      *waker
	logger *logging.Logger
}

var _ Rhythm = (*Regression)(nil)

// NewRegression creates a regression rhythm.  A nil logger selects the
// default logger.
func NewRegression(cfg RegressionConfig, logger *logging.Logger) *Regression {
	if logger == nil {
		logger = logging.Default()
	}
	cfg.applyDefaults()
	return &Regression{
		cfg:           cfg,
		expectedBells: make(map[expectationKey]rowPlace),
		w:             newWaker(),
		logger:        logger,
	}
}

// InitialiseLine resets the rhythm for a new touch.  If the bot rings
// the treble, startTime is seeded as a synthetic first datapoint so
// that a line can be fitted as soon as the second bell rings.  If a
// human rings the treble, the start time is left at +Inf so that the
// bot waits indefinitely for the pull-off and extrapolates from it.
func (r *Regression) InitialiseLine(
	stage int,
	userControlsTreble bool,
	startTime float64,
	numUserControlledBells int,
) {
	r.mu.Lock()
	r.stage = stage
	r.numUserBells = numUserControlledBells
	r.dataset = r.dataset[:0]
	r.expectedBells = make(map[expectationKey]rowPlace)
	r.blowInterval = pealSpeedToBlowInterval(r.cfg.PealSpeed, stage)
	r.realStartTime = startTime

	if userControlsTreble {
		r.startTime = math.Inf(1)
	} else {
		r.addDataPoint(0, 0, startTime, 1)
		r.startTime = startTime
	}
	r.mu.Unlock()

	r.w.wakeAll()
}

// WaitForStrike blocks until the given bell should have rung, according
// to the current fit.
func (r *Regression) WaitForStrike(
	ctx context.Context,
	now float64,
	b bell.Bell,
	rowNumber int,
	place int,
	userControlled bool,
	stroke bell.Stroke,
) {
	defer r.w.clear()

	if userControlled && r.awaitingPullOff() {
		r.logger.Debug("waiting for pull off")
		for {
			wake, revoked := r.w.snapshot()
			if revoked {
				return
			}
			if !r.awaitingPullOff() {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
		}
		r.logger.Debug("pulled off")
		return
	}

	r.mu.Lock()
	bellTime := r.indexToRealTime(rowNumber, place)
	startTime := r.startTime
	blowInterval := r.blowInterval
	r.mu.Unlock()

	switch {
	case math.IsInf(bellTime, 1) || startTime == 0:
		r.logger.Error("cannot predict bell time",
			"bell", b,
			"bell_time", bellTime,
			"start_time", startTime,
		)
		interval := blowInterval
		if interval == 0 {
			interval = 0.2
		}
		r.w.sleep(ctx, secondsToDuration(interval))
	case bellTime > now:
		r.w.sleep(ctx, secondsToDuration(bellTime-now))
	default:
		// The bell is already overdue; slow the ticks slightly.
		r.w.sleep(ctx, secondsToDuration(0.01))
	}
}

func (r *Regression) awaitingPullOff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return math.IsInf(r.startTime, 1)
}

// ExpectBell announces that a bell is due at a given row, place and
// stroke.
func (r *Regression) ExpectBell(expected bell.Bell, rowNumber, place int, expectedStroke bell.Stroke) {
	r.mu.Lock()
	r.expectedBells[expectationKey{expected, expectedStroke}] = rowPlace{rowNumber, place}
	r.mu.Unlock()

	r.logger.Debug("expecting bell",
		"bell", expected,
		"row", rowNumber,
		"place", place,
		"stroke", expectedStroke,
	)
}

// OnBellRing feeds an observed strike into the fit.  Strikes that were
// never announced through ExpectBell are logged and ignored.
func (r *Regression) OnBellRing(b bell.Bell, stroke bell.Stroke, realTime float64) {
	r.mu.Lock()
	key := expectationKey{b, stroke}
	pos, ok := r.expectedBells[key]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("bell rang unexpectedly", "bell", b, "stroke", stroke)
		return
	}

	expectedBlowTime := r.indexToBlowTime(pos.row, pos.place)
	diff := r.realTimeToBlowTime(realTime) - expectedBlowTime

	// The first blow of the touch re-anchors the whole line.
	if expectedBlowTime == 0 {
		r.startTime = realTime
	}

	// Weight observations down by how far off they were, except the
	// first two blows which must not skew the data from the start.
	weight := math.Exp(-(diff * diff))
	if len(r.dataset) <= 1 {
		weight = 1
	}

	r.addDataPoint(pos.row, pos.place, realTime, weight)
	delete(r.expectedBells, key)
	r.mu.Unlock()

	telemetry.Get().StrikeResiduals.Observe(math.Abs(diff))
	r.logger.Debug("bell observed", "bell", b, "places_off", diff)
	r.w.wakeAll()
}

// addDataPoint appends an observation, prunes the dataset and refits
// the line.  r.mu must be held.
func (r *Regression) addDataPoint(rowNumber, place int, realTime, weight float64) {
	blowTime := r.indexToBlowTime(rowNumber, place)
	r.dataset = append(r.dataset, dataPoint{blowTime, realTime, weight})

	for _, p := range r.dataset {
		r.logger.Debug("datapoint",
			"blow_time", p.blowTime,
			"offset", p.realTime-r.realStartTime,
			"weight", p.weight,
		)
	}

	kept := r.dataset[:0]
	for _, p := range r.dataset {
		if p.weight > weightRejectionThreshold {
			kept = append(kept, p)
		}
	}
	r.dataset = kept

	// Eventually forget about datapoints.
	if len(r.dataset) >= r.cfg.MaxBellsInDataset {
		copy(r.dataset, r.dataset[1:])
		r.dataset = r.dataset[:len(r.dataset)-1]
	}

	inertia := r.cfg.Inertia
	if rowNumber == 0 {
		inertia = r.cfg.InitialInertia
	}
	// No point fitting a line whose result will be ignored.
	if inertia == 1 {
		return
	}

	if len(r.dataset) >= r.cfg.MinBellsInDataset {
		newStartTime, newBlowInterval, ok := fitLine(r.dataset)
		if !ok {
			r.logger.Warn("regression is singular, keeping the previous fit")
			return
		}
		r.startTime = lerp(newStartTime, r.startTime, inertia)
		r.blowInterval = lerp(newBlowInterval, r.blowInterval, inertia)
		telemetry.Get().BlowInterval.Set(r.blowInterval)
		r.logger.Debug("fit updated",
			"start_time", r.startTime-r.realStartTime,
			"blow_interval", r.blowInterval,
		)
	}
}

// ChangeSetting applies a live setting change from the server.
// Unknown keys are ignored, since the server broadcasts settings for
// every component.
func (r *Regression) ChangeSetting(key string, value any, realTime float64) {
	switch key {
	case "sensitivity":
		r.logger.Warn("setting is not implemented", "key", key, "value", value)
	case "inertia":
		v, ok := toFloat(value)
		if !ok {
			r.logger.Warn("invalid value for setting", "key", key, "value", value)
			return
		}
		if v < 0 || v > 1 {
			r.logger.Warn("invalid value for setting",
				"key", key,
				"value", v,
				"reason", "not between 0 and 1",
			)
			return
		}
		r.mu.Lock()
		r.cfg.Inertia = v
		r.mu.Unlock()
		r.logger.Info("inertia changed", "inertia", v)
	case "peal_speed":
		v, ok := toFloat(value)
		if !ok {
			r.logger.Warn("invalid value for setting", "key", key, "value", value)
			return
		}
		if v <= 0 {
			r.logger.Warn("invalid value for setting",
				"key", key,
				"value", v,
				"reason", "not positive",
			)
			return
		}
		r.setPealSpeed(v, realTime)
	}
}

// setPealSpeed adopts a new peal speed mid-touch.  The new line is
// chosen to intersect the old one at realTime, so the rhythm's
// perception of the current position never jumps.
func (r *Regression) setPealSpeed(pealSpeed, realTime float64) {
	r.mu.Lock()
	r.cfg.PealSpeed = pealSpeed

	// Before a line exists there is nothing to re-anchor (and the blow
	// time conversion would divide by zero).
	if r.blowInterval == 0 {
		r.mu.Unlock()
		return
	}

	currentBlowTime := r.realTimeToBlowTime(realTime)
	r.blowInterval = pealSpeedToBlowInterval(pealSpeed, r.stage)
	r.startTime = realTime - currentBlowTime*r.blowInterval
	blowInterval := r.blowInterval
	r.mu.Unlock()

	r.logger.Info("peal speed changed", "peal_speed", pealSpeed, "blow_interval", blowInterval)
}

// ReturnToMainloop makes any in-progress WaitForStrike hand control
// back promptly.
func (r *Regression) ReturnToMainloop() {
	r.w.revoke()
}

// Conversions between the two time measurements: blow time counts
// places rung since the start of the touch, real time is seconds.
// r.mu must be held.

func (r *Regression) indexToBlowTime(rowNumber, place int) float64 {
	// The handstroke gap accrues once per whole pull.
	return float64(rowNumber*r.stage+place) + float64(rowNumber/2)*r.cfg.HandstrokeGap
}

func (r *Regression) blowTimeToRealTime(blowTime float64) float64 {
	return r.startTime + r.blowInterval*blowTime
}

func (r *Regression) indexToRealTime(rowNumber, place int) float64 {
	return r.blowTimeToRealTime(r.indexToBlowTime(rowNumber, place))
}

func (r *Regression) realTimeToBlowTime(realTime float64) float64 {
	return (realTime - r.startTime) / r.blowInterval
}

// fitLine computes the weighted least-squares line through the
// dataset, returning the intercept (start time) and gradient (blow
// interval).  ok is false if the normal equations are singular, which
// happens when every point shares one blow time.
func fitLine(points []dataPoint) (intercept, gradient float64, ok bool) {
	var sw, swx, swy, swxx, swxy float64
	for _, p := range points {
		sw += p.weight
		swx += p.weight * p.blowTime
		swy += p.weight * p.realTime
		swxx += p.weight * p.blowTime * p.blowTime
		swxy += p.weight * p.blowTime * p.realTime
	}

	det := sw*swxx - swx*swx
	if det == 0 {
		return 0, 0, false
	}
	return (swxx*swy - swx*swxy) / det, (sw*swxy - swx*swy) / det, true
}

// pealSpeedToBlowInterval converts a peal speed in minutes into the
// interval between blows, assuming a peal of 5040 changes.
func pealSpeedToBlowInterval(pealMinutes float64, numBells int) float64 {
	pealSpeedSeconds := pealMinutes * 60
	secondsPerWholePull := pealSpeedSeconds / 2520 // 2520 whole pulls = 5040 rows
	return secondsPerWholePull / float64(numBells*2+1)
}

// lerp interpolates (unclamped) between a and b: t=0 gives a, t=1
// gives b.
func lerp(a, b, t float64) float64 {
	return (1-t)*a + t*b
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
