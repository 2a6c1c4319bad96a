// Package metronome implements the SyncJams consensus clock: a tick
// counter that advances locally at a BPM-derived period and jumps
// forward on receipt of a higher tick from any peer (spec §4.2).
package metronome

import "time"

// DefaultBPM is used when /BPM is absent or non-numeric (spec §3).
const DefaultBPM = 180

// Metronome tracks the local view of the consensus tick.
type Metronome struct {
	currentTick   uint64
	tickStartTime time.Time
	period        time.Duration
}

// New creates a Metronome starting at tick 0, anchored at start.
func New(start time.Time, bpm float64) *Metronome {
	return &Metronome{
		currentTick:   0,
		tickStartTime: start,
		period:        Period(bpm),
	}
}

// Period converts a BPM value into a tick period, falling back to
// DefaultBPM for non-positive input (spec §3: "BPM = numeric value of
// state key /BPM (default 180 if absent or non-numeric)").
func Period(bpm float64) time.Duration {
	if bpm <= 0 {
		bpm = DefaultBPM
	}
	seconds := 60.0 / bpm
	return time.Duration(seconds * float64(time.Second))
}

// SetPeriod updates the tick period in place (e.g. after /BPM changes).
// It does not retroactively adjust tick_start_time.
func (m *Metronome) SetPeriod(period time.Duration) {
	m.period = period
}

// Tick returns the current consensus tick number.
func (m *Metronome) Tick() uint64 {
	return m.currentTick
}

// TickStartTime returns the monotonic instant the current tick began.
func (m *Metronome) TickStartTime() time.Time {
	return m.tickStartTime
}

// Offset returns the seconds elapsed since the current tick began, as
// of `now` — the tick_offset used for state-write ordering (spec §3).
func (m *Metronome) Offset(now time.Time) float64 {
	d := now.Sub(m.tickStartTime)
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// Advance catches the metronome up to `now`, firing onTick once per
// whole period elapsed without drift accumulating within one BPM epoch
// (spec §4.2 "Local advance"). It returns the number of ticks advanced.
func (m *Metronome) Advance(now time.Time, onTick func(tick uint64, start time.Time)) int {
	advanced := 0
	for m.period > 0 && !m.tickStartTime.Add(m.period).After(now) {
		m.currentTick++
		m.tickStartTime = m.tickStartTime.Add(m.period)
		advanced++
		if onTick != nil {
			onTick(m.currentTick, m.tickStartTime)
		}
	}
	return advanced
}

// Jump implements the consensus catch-up rule: if receivedTick is
// strictly greater than our current tick, adopt it immediately, reset
// the epoch to now, and report that a jump occurred so the caller can
// fire onTick and re-emit its own /tick (spec §4.2 "Consensus jump").
// Lower or equal ticks never rewind the metronome.
func (m *Metronome) Jump(receivedTick uint64, now time.Time) bool {
	if receivedTick <= m.currentTick {
		return false
	}
	m.currentTick = receivedTick
	m.tickStartTime = now
	return true
}
