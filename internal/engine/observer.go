package engine

import "time"

// Observer receives notifications from the engine's poll loop (spec §9
// "Observer dispatch": a capability interface standing in for the
// original's subclass overrides). All callbacks run synchronously on
// the polling goroutine — a slow callback stalls the metronome (spec §5).
type Observer interface {
	// OnTick fires with strictly increasing tick numbers and no repeats
	// (spec §5 "Ordering guarantees"): by 1 per local advance, and
	// skipping ahead to the received tick on a consensus jump.
	OnTick(tick uint64, tickStart time.Time)
	// OnMessage fires for an accepted application broadcast.
	OnMessage(nodeID int64, address string, args []any)
	// OnState fires when a state write is accepted into the store.
	OnState(nodeID int64, address string, args []any)
	// OnNodeJoined fires the first time a peer is seen.
	OnNodeJoined(nodeID int64)
	// OnNodeLeft fires when a peer times out or sends /leave.
	OnNodeLeft(nodeID int64)
}

// noopObserver is the default Observer: every callback does nothing.
type noopObserver struct{}

func (noopObserver) OnTick(uint64, time.Time)             {}
func (noopObserver) OnMessage(int64, string, []any)       {}
func (noopObserver) OnState(int64, string, []any)         {}
func (noopObserver) OnNodeJoined(int64)                   {}
func (noopObserver) OnNodeLeft(int64)                     {}
