// Package peers tracks per-peer liveness and in-order delivery state
// for the SyncJams gossip group (spec §3, §4.3). It is accessed only
// from the engine's single poll goroutine, so it carries no locking of
// its own (spec §5).
package peers

import "time"

// Timeout is how long a peer can go unheard-from before it is forgotten
// (spec §3, §6: NODE_TIMEOUT).
const Timeout = 30 * time.Second

// Peer is the per-node bookkeeping record (spec §3 "Per-peer record").
type Peer struct {
	LastSeen        time.Time
	LastAccepted    int64 // last in-order message_id accepted; meaningful only if HasLastAccepted
	HasLastAccepted bool
}

// Table tracks every peer currently considered live.
type Table struct {
	peers map[int64]*Peer
}

// New creates an empty peer table.
func New() *Table {
	return &Table{peers: make(map[int64]*Peer)}
}

// Touch records that a valid datagram arrived from nodeID at now. It
// returns true the first time nodeID is seen (the caller fires
// node_joined exactly once, per spec §4.3).
func (t *Table) Touch(nodeID int64, now time.Time) (joined bool) {
	p, exists := t.peers[nodeID]
	if !exists {
		p = &Peer{}
		t.peers[nodeID] = p
	}
	p.LastSeen = now
	return !exists
}

// Get returns the peer record for nodeID, if present.
func (t *Table) Get(nodeID int64) (*Peer, bool) {
	p, ok := t.peers[nodeID]
	return p, ok
}

// Remove forgets a peer outright (used on /leave, spec §4.3).
func (t *Table) Remove(nodeID int64) {
	delete(t.peers, nodeID)
}

// ExpireStale removes every peer whose last_seen is older than Timeout
// as of now, returning the node IDs removed so the caller can fire
// node_left for each (spec §3 invariant, §4.3).
func (t *Table) ExpireStale(now time.Time) []int64 {
	var expired []int64
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) > Timeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(t.peers, id)
	}
	return expired
}

// NodeIDs returns every currently-live peer's node ID (spec §4.1
// get_node_list).
func (t *Table) NodeIDs() []int64 {
	ids := make([]int64, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// AllLastAccepted returns this node's view of every peer's
// last-accepted message_id, for piggybacking on outgoing /tick
// datagrams (spec §4.4 "Repair is driven by /tick payloads").
func (t *Table) AllLastAccepted() map[int64]int64 {
	out := make(map[int64]int64, len(t.peers))
	for id, p := range t.peers {
		if p.HasLastAccepted {
			out[id] = p.LastAccepted
		}
	}
	return out
}

// AcceptResult is the outcome of evaluating an inbound message_id
// against a peer's ordering state (spec §4.4).
type AcceptResult int

const (
	// Accept means the datagram should be delivered and the peer's
	// last-accepted counter advanced.
	Accept AcceptResult = iota
	// Drop means the datagram is a duplicate or out-of-order arrival
	// that should be silently discarded.
	Drop
)

// StoreMessages bounds how far behind a sender's counter can fall
// before a gap is treated as a sender reset rather than loss (spec §6:
// STORE_MESSAGES).
const StoreMessages = 100

// Evaluate applies the ordering acceptance rule for a non-tick,
// non-state, non-leave datagram from nodeID carrying messageID (spec
// §4.4). It mutates the peer's last-accepted counter on Accept.
func (t *Table) Evaluate(nodeID int64, messageID int64) AcceptResult {
	p, exists := t.peers[nodeID]
	if !exists {
		p = &Peer{}
		t.peers[nodeID] = p
	}

	switch {
	case !p.HasLastAccepted:
		p.LastAccepted = messageID
		p.HasLastAccepted = true
		return Accept
	case messageID == p.LastAccepted+1:
		p.LastAccepted = messageID
		return Accept
	case messageID < p.LastAccepted-StoreMessages:
		p.LastAccepted = messageID
		return Accept
	default:
		return Drop
	}
}
