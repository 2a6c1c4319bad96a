// Package statestore implements the SyncJams last-writer-wins state
// map, its checksum-based anti-entropy digest, and the per-address
// outbound throttle queue (spec §3, §4.5). It is accessed only from the
// engine's poll goroutine.
package statestore

import (
	"sort"
	"time"
)

// ThrottleInterval is the minimum spacing between outbound writes to
// the same state address (spec §6: STATE_THROTTLE_TIME).
const ThrottleInterval = 7 * time.Millisecond

// GracePeriodTicks is how many ticks must have elapsed since a stale
// entry's write before anti-entropy will rebroadcast it, to avoid
// racing with in-flight writes (spec §4.5).
const GracePeriodTicks = 3

// Entry is one logical-address state record (spec §3 "State entry").
type Entry struct {
	OriginNodeID int64
	OriginMsgID  int64
	Tick         uint64
	TickOffset   float64
	Payload      []any
}

// newerThan implements the (tick, tick_offset) lexicographic order used
// for conflict resolution: the greater stamp wins (spec §3 "Ordering").
func (e Entry) newerThan(other Entry) bool {
	if e.Tick != other.Tick {
		return e.Tick > other.Tick
	}
	return e.TickOffset > other.TickOffset
}

// Store is the LWW state map plus its outbound throttle queue.
type Store struct {
	entries  map[string]Entry
	throttle map[string]*throttleState
}

type throttleState struct {
	lastSend   time.Time
	pending    PendingWrite
	hasPending bool
}

// PendingWrite is the stamped content of a set_state call waiting out
// the throttle window — everything needed to rebuild the outbound
// /state<address> datagram once it is finally sent (spec §4.5).
type PendingWrite struct {
	MessageID  int64
	Tick       uint64
	TickOffset float64
	Payload    []any
}

// New creates an empty state store.
func New() *Store {
	return &Store{
		entries:  make(map[string]Entry),
		throttle: make(map[string]*throttleState),
	}
}

// Get returns the current payload for key, if any (spec §4.1 get_state).
func (s *Store) Get(key string) ([]any, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// GetEntry returns the full entry for key, if any.
func (s *Store) GetEntry(key string) (Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Keys returns every known state address.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Apply attempts to write entry at key, applying the LWW acceptance
// rule (spec §4.5 "Write acceptance"). It returns true if the write was
// accepted (new key, or strictly newer stamp); ties retain the existing
// entry.
func (s *Store) Apply(key string, entry Entry) bool {
	existing, ok := s.entries[key]
	if !ok || entry.newerThan(existing) {
		s.entries[key] = entry
		return true
	}
	return false
}

// ChecksumTriple computes the three order-independent column checksums
// over origin_node_id, origin_msg_id and tick (spec §4.5, §8). Each
// column is sorted ascending before folding, since Checksum itself does
// not sort.
func (s *Store) ChecksumTriple() [3]int64 {
	nodeIDs := make([]int64, 0, len(s.entries))
	msgIDs := make([]int64, 0, len(s.entries))
	ticks := make([]int64, 0, len(s.entries))
	for _, e := range s.entries {
		nodeIDs = append(nodeIDs, e.OriginNodeID)
		msgIDs = append(msgIDs, e.OriginMsgID)
		ticks = append(ticks, int64(e.Tick))
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
	sort.Slice(msgIDs, func(i, j int) bool { return msgIDs[i] < msgIDs[j] })
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	return [3]int64{Checksum(nodeIDs), Checksum(msgIDs), Checksum(ticks)}
}

// OriginPairs returns every entry's (origin_node_id, origin_msg_id),
// keyed by state address — the payload of an outbound /state-ids
// digest (spec §6).
type OriginPair struct {
	Key          string
	OriginNodeID int64
	OriginMsgID  int64
}

func (s *Store) OriginPairs() []OriginPair {
	pairs := make([]OriginPair, 0, len(s.entries))
	for k, e := range s.entries {
		pairs = append(pairs, OriginPair{Key: k, OriginNodeID: e.OriginNodeID, OriginMsgID: e.OriginMsgID})
	}
	return pairs
}

// StaleEntries returns every entry whose (origin_node_id, origin_msg_id)
// is absent from peerOrigins and whose tick is at least GracePeriodTicks
// behind currentTick — candidates for anti-entropy rebroadcast (spec
// §4.5 "On receipt of a peer's /state-ids").
func (s *Store) StaleEntries(peerOrigins map[[2]int64]bool, currentTick uint64) []string {
	var stale []string
	for k, e := range s.entries {
		if currentTick < uint64(GracePeriodTicks) || e.Tick > currentTick-uint64(GracePeriodTicks) {
			continue
		}
		if peerOrigins[[2]int64{e.OriginNodeID, e.OriginMsgID}] {
			continue
		}
		stale = append(stale, k)
	}
	return stale
}

// ThrottleDecision tells the caller what Offer should do next.
type ThrottleDecision int

const (
	// SendNow means the caller should send the payload immediately.
	SendNow ThrottleDecision = iota
	// Coalesced means the payload was queued as pending and nothing
	// should be sent right now.
	Coalesced
)

// Offer applies the outbound throttle for a set_state call (spec
// §4.5 "Outbound throttle"). The caller is expected to actually send
// the datagram only when the result is SendNow, and must then call
// MarkSent. On Coalesced, write is retained as pending — overwriting
// any previous pending write for address — and nothing is sent now.
func (s *Store) Offer(address string, write PendingWrite, now time.Time) ThrottleDecision {
	ts, ok := s.throttle[address]
	if !ok {
		ts = &throttleState{}
		s.throttle[address] = ts
	}
	if !ts.lastSend.IsZero() && ts.lastSend.Add(ThrottleInterval).After(now) {
		ts.pending = write
		ts.hasPending = true
		return Coalesced
	}
	return SendNow
}

// MarkSent records that address was sent at now, clearing any pending
// coalesced payload.
func (s *Store) MarkSent(address string, now time.Time) {
	ts, ok := s.throttle[address]
	if !ok {
		ts = &throttleState{}
		s.throttle[address] = ts
	}
	ts.lastSend = now
	ts.pending = PendingWrite{}
	ts.hasPending = false
}

// FlushReady returns, for every address whose coalesced pending write is
// now past the throttle window, that write — and marks the address sent
// at now. One poll-loop step (spec §4.5 "Each poll flushes...").
func (s *Store) FlushReady(now time.Time) map[string]PendingWrite {
	ready := make(map[string]PendingWrite)
	for addr, ts := range s.throttle {
		if ts.hasPending && ts.lastSend.Add(ThrottleInterval).Before(now) {
			ready[addr] = ts.pending
			ts.lastSend = now
			ts.pending = PendingWrite{}
			ts.hasPending = false
		}
	}
	return ready
}
