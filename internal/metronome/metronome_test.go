package metronome

import (
	"testing"
	"time"
)

func TestPeriodDefaultsOnNonPositiveBPM(t *testing.T) {
	got := Period(0)
	want := Period(DefaultBPM)
	if got != want {
		t.Errorf("Period(0) = %v, want default %v", got, want)
	}
	if got := Period(-5); got != want {
		t.Errorf("Period(-5) = %v, want default %v", got, want)
	}
}

func TestPeriodComputation(t *testing.T) {
	got := Period(60)
	want := time.Second
	if got != want {
		t.Errorf("Period(60) = %v, want %v", got, want)
	}
	got = Period(120)
	want = 500 * time.Millisecond
	if got != want {
		t.Errorf("Period(120) = %v, want %v", got, want)
	}
}

func TestAdvanceMonotonicByOne(t *testing.T) {
	start := time.Now()
	m := New(start, 60) // 1 tick/sec
	var ticks []uint64
	m.Advance(start.Add(3500*time.Millisecond), func(tick uint64, _ time.Time) {
		ticks = append(ticks, tick)
	})
	if len(ticks) != 3 {
		t.Fatalf("got %d ticks, want 3", len(ticks))
	}
	for i, tick := range ticks {
		if tick != uint64(i+1) {
			t.Errorf("ticks[%d] = %d, want %d", i, tick, i+1)
		}
	}
	if m.Tick() != 3 {
		t.Errorf("final tick = %d, want 3", m.Tick())
	}
}

func TestAdvanceNoDriftWithinEpoch(t *testing.T) {
	start := time.Now()
	m := New(start, 60)
	m.Advance(start.Add(2500*time.Millisecond), func(uint64, time.Time) {})
	// tick_start_time should be exactly start+2s, not start+2.5s
	want := start.Add(2 * time.Second)
	if !m.TickStartTime().Equal(want) {
		t.Errorf("tick start = %v, want %v", m.TickStartTime(), want)
	}
}

func TestJumpForwardOnly(t *testing.T) {
	start := time.Now()
	m := New(start, 60)
	m.Advance(start.Add(5*time.Second), func(uint64, time.Time) {})
	if m.Tick() != 5 {
		t.Fatalf("setup: expected tick 5, got %d", m.Tick())
	}

	if m.Jump(3, time.Now()) {
		t.Error("Jump(3) on tick 5 should not jump (lower tick)")
	}
	if m.Jump(5, time.Now()) {
		t.Error("Jump(5) on tick 5 should not jump (equal tick)")
	}
	if !m.Jump(100, time.Now()) {
		t.Error("Jump(100) on tick 5 should jump")
	}
	if m.Tick() != 100 {
		t.Errorf("tick after jump = %d, want 100", m.Tick())
	}
}

func TestConsensusCatchUp(t *testing.T) {
	// A and B both BPM=60; B is already at tick 100, A at tick 10.
	now := time.Now()
	a := New(now, 60)
	a.Advance(now.Add(10*time.Second), func(uint64, time.Time) {})
	if a.Tick() != 10 {
		t.Fatalf("setup: A tick = %d, want 10", a.Tick())
	}

	// A receives B's /tick carrying tick=100.
	if !a.Jump(100, now) {
		t.Fatal("expected A to jump forward to B's tick")
	}
	if a.Tick() < 100 {
		t.Errorf("A.Tick() = %d, want >= 100", a.Tick())
	}
}

func TestOffsetNonNegative(t *testing.T) {
	start := time.Now()
	m := New(start, 60)
	if off := m.Offset(start.Add(-time.Second)); off != 0 {
		t.Errorf("Offset before start = %v, want 0", off)
	}
	if off := m.Offset(start.Add(250 * time.Millisecond)); off < 0.2 || off > 0.3 {
		t.Errorf("Offset = %v, want ~0.25", off)
	}
}
