package statestore

import (
	"testing"
	"time"
)

func TestChecksumTestVectors(t *testing.T) {
	cases := []struct {
		values []int64
		want   int64
	}{
		{[]int64{12, 432, 3, 0, 2343}, 28632},
		{[]int64{122112, 4321, 123, 11, 14, 4, 43, 8388606, 3, 432, 545}, 36600},
	}
	for _, c := range cases {
		if got := Checksum(c.values); got != c.want {
			t.Errorf("Checksum(%v) = %d, want %d", c.values, got, c.want)
		}
	}
}

func TestApplyAcceptsNewKey(t *testing.T) {
	s := New()
	if !s.Apply("/bpm", Entry{Tick: 1, TickOffset: 0, Payload: []any{int64(120)}}) {
		t.Fatal("first write to a key should always be accepted")
	}
	got, ok := s.Get("/bpm")
	if !ok || got[0] != int64(120) {
		t.Fatalf("Get(/bpm) = %v, %v", got, ok)
	}
}

func TestApplyLWWOrdering(t *testing.T) {
	s := New()
	s.Apply("/bpm", Entry{Tick: 5, TickOffset: 0.1, Payload: []any{int64(1)}})

	// Lower tick: rejected.
	if s.Apply("/bpm", Entry{Tick: 4, TickOffset: 0.9, Payload: []any{int64(2)}}) {
		t.Error("lower tick should be rejected")
	}
	// Same tick, lower offset: rejected.
	if s.Apply("/bpm", Entry{Tick: 5, TickOffset: 0.05, Payload: []any{int64(3)}}) {
		t.Error("same tick with lower offset should be rejected")
	}
	// Exact tie: rejected (existing wins).
	if s.Apply("/bpm", Entry{Tick: 5, TickOffset: 0.1, Payload: []any{int64(4)}}) {
		t.Error("exact tie should be rejected, existing entry retained")
	}
	// Higher tick: accepted.
	if !s.Apply("/bpm", Entry{Tick: 6, TickOffset: 0, Payload: []any{int64(5)}}) {
		t.Error("higher tick should be accepted")
	}
	got, _ := s.Get("/bpm")
	if got[0] != int64(5) {
		t.Errorf("final payload = %v, want [5]", got)
	}
}

func TestChecksumTripleOrderIndependent(t *testing.T) {
	a := New()
	a.Apply("/x", Entry{OriginNodeID: 1, OriginMsgID: 10, Tick: 100})
	a.Apply("/y", Entry{OriginNodeID: 2, OriginMsgID: 20, Tick: 200})

	b := New()
	b.Apply("/y", Entry{OriginNodeID: 2, OriginMsgID: 20, Tick: 200})
	b.Apply("/x", Entry{OriginNodeID: 1, OriginMsgID: 10, Tick: 100})

	if a.ChecksumTriple() != b.ChecksumTriple() {
		t.Error("checksum triple should not depend on insertion order")
	}
}

func TestStaleEntriesRespectsGraceAndPeerKnowledge(t *testing.T) {
	s := New()
	s.Apply("/known", Entry{OriginNodeID: 1, OriginMsgID: 1, Tick: 1})
	s.Apply("/unknown-old", Entry{OriginNodeID: 2, OriginMsgID: 2, Tick: 1})
	s.Apply("/unknown-recent", Entry{OriginNodeID: 3, OriginMsgID: 3, Tick: 10})

	peerOrigins := map[[2]int64]bool{{1, 1}: true}
	stale := s.StaleEntries(peerOrigins, 10)

	want := map[string]bool{"/unknown-old": true}
	got := map[string]bool{}
	for _, k := range stale {
		got[k] = true
	}
	if len(got) != len(want) || !got["/unknown-old"] {
		t.Errorf("StaleEntries = %v, want %v (known entry excluded, recent entry within grace excluded)", stale, want)
	}
}

func TestOfferThrottlesAndCoalesces(t *testing.T) {
	s := New()
	now := time.Now()

	write := func(v float64) PendingWrite { return PendingWrite{Payload: []any{v}} }

	if got := s.Offer("/fader1", write(1.0), now); got != SendNow {
		t.Fatalf("first offer = %v, want SendNow", got)
	}
	s.MarkSent("/fader1", now)

	if got := s.Offer("/fader1", write(2.0), now.Add(3*time.Millisecond)); got != Coalesced {
		t.Errorf("offer within throttle window = %v, want Coalesced", got)
	}

	// A send well past the window should be immediate again.
	later := now.Add(ThrottleInterval + time.Millisecond)
	if got := s.Offer("/fader1", write(3.0), later); got != SendNow {
		t.Errorf("offer past throttle window = %v, want SendNow", got)
	}
}

func TestFlushReadyReturnsLastPendingValue(t *testing.T) {
	s := New()
	now := time.Now()

	s.Offer("/fader1", PendingWrite{MessageID: 1, Payload: []any{1.0}}, now)
	s.MarkSent("/fader1", now)

	// Flood coalesced writes within the throttle window; only the last
	// one should survive to be flushed.
	for i := 2; i <= 100; i++ {
		s.Offer("/fader1", PendingWrite{MessageID: int64(i), Payload: []any{float64(i)}}, now.Add(time.Millisecond))
	}

	ready := s.FlushReady(now.Add(ThrottleInterval + time.Millisecond))
	write, ok := ready["/fader1"]
	if !ok {
		t.Fatal("expected /fader1 to be ready to flush")
	}
	if write.Payload[0] != float64(100) || write.MessageID != 100 {
		t.Errorf("flushed write = %+v, want payload [100] with message ID 100", write)
	}

	// Nothing left pending now.
	if len(s.FlushReady(now.Add(2*ThrottleInterval))) != 0 {
		t.Error("no pending payload should remain after flush")
	}
}
