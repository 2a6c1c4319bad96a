package engine

import (
	"strings"
	"time"

	"github.com/chr15m/syncjams/internal/peers"
	"github.com/chr15m/syncjams/internal/statestore"
	"github.com/chr15m/syncjams/internal/wire"
)

// handleDatagram runs the inbound dispatch pipeline on one raw UDP
// payload: decode, then the four validation rules of spec §4.1 applied
// in order (first failure drops the datagram silently).
func (e *Engine) handleDatagram(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		e.logger.Printf("engine: decode error: %v", err)
		return // decode-error (spec §7 kind e)
	}

	if !strings.HasPrefix(msg.Address, e.namespace) {
		e.logger.Printf("engine: dropped datagram, bad namespace: %q", msg.Address)
		return // bad-namespace
	}
	sub := strings.TrimPrefix(msg.Address, e.namespace)
	if sub == "" || sub[0] != '/' {
		e.logger.Printf("engine: dropped datagram, no address: %q", msg.Address)
		return // no-address
	}
	route := strings.Split(strings.TrimPrefix(sub, "/"), "/")
	if len(route) == 0 || route[0] == "" {
		e.logger.Printf("engine: dropped datagram, no address: %q", msg.Address)
		return // no-address
	}

	version, ok := msg.String(0)
	if !ok || version != protocolVersion {
		e.logger.Printf("engine: dropped datagram, wrong version on %q", msg.Address)
		return // wrong-version
	}
	senderID, ok := msg.Int(1)
	if !ok || senderID <= 0 {
		e.logger.Printf("engine: dropped datagram, no node id on %q", msg.Address)
		return // no-node-id
	}

	now := time.Now()
	if e.peerTable.Touch(senderID, now) {
		e.observer.OnNodeJoined(senderID)
	}

	rest := msg.Args[2:]
	switch route[0] {
	case "tick":
		e.handleTick(senderID, rest, now)
	case "leave":
		e.handleLeave(senderID)
	case "state-ids":
		e.handleStateIDs(senderID, rest)
	case "state":
		e.handleStateWrite(senderID, route[1:], rest)
	default:
		e.handleMessage(senderID, sub, rest)
	}
}

// handleTick processes an inbound /tick: consensus jump-forward,
// checksum-triple comparison, and sent-queue repair (spec §4.2, §4.4,
// §4.5).
func (e *Engine) handleTick(senderID int64, rest []any, now time.Time) {
	if len(rest) < 4 {
		return
	}
	receivedTick, ok := toInt64(rest[0])
	if !ok || receivedTick < 0 {
		return
	}
	cksum0, ok0 := toInt64(rest[1])
	cksum1, ok1 := toInt64(rest[2])
	cksum2, ok2 := toInt64(rest[3])
	if !ok0 || !ok1 || !ok2 {
		return
	}

	if e.metronome.Jump(uint64(receivedTick), now) {
		e.observer.OnTick(e.metronome.Tick(), e.metronome.TickStartTime())
		e.sendTick()
	}

	if [3]int64{cksum0, cksum1, cksum2} != e.store.ChecksumTriple() {
		e.sendStateIDs()
	}

	e.repairFromTick(rest[4:])
}

// repairFromTick replays queued datagrams the sender is missing from
// us, based on the (peer_id, last_accepted_msg_id) pairs it reported
// (spec §4.4).
func (e *Engine) repairFromTick(pairs []any) {
	var (
		ourLastAccepted int64
		found           bool
	)
	for i := 0; i+1 < len(pairs); i += 2 {
		peerID, ok1 := toInt64(pairs[i])
		msgID, ok2 := toInt64(pairs[i+1])
		if !ok1 || !ok2 {
			continue
		}
		if peerID == e.nodeID {
			ourLastAccepted = msgID
			found = true
			break
		}
	}

	if !found {
		if last, ok := e.sentQ.last(); ok {
			e.resend(last)
		}
		return
	}
	for _, entry := range e.sentQ.after(ourLastAccepted) {
		e.resend(entry)
	}
}

// handleLeave removes a departing peer immediately, bypassing the
// ordering check entirely (spec §4.3).
func (e *Engine) handleLeave(senderID int64) {
	e.peerTable.Remove(senderID)
	e.observer.OnNodeLeft(senderID)
}

// handleStateIDs compares a peer's known-state digest against ours and
// rebroadcasts anything it is missing, past the anti-flap grace period
// (spec §4.5).
func (e *Engine) handleStateIDs(senderID int64, rest []any) {
	if len(rest)%2 != 0 {
		return
	}
	peerOrigins := make(map[[2]int64]bool, len(rest)/2)
	for i := 0; i+1 < len(rest); i += 2 {
		nodeID, ok1 := toInt64(rest[i])
		msgID, ok2 := toInt64(rest[i+1])
		if ok1 && ok2 {
			peerOrigins[[2]int64{nodeID, msgID}] = true
		}
	}

	for _, key := range e.store.StaleEntries(peerOrigins, e.metronome.Tick()) {
		if entry, ok := e.store.GetEntry(key); ok {
			e.rebroadcastState(key, entry)
		}
	}
}

// rebroadcastState resends an existing state entry verbatim under a
// fresh message_id but its original (tick, tick_offset) stamp — this is
// not a new write, so the checksum triple does not change (spec §9).
func (e *Engine) rebroadcastState(address string, entry statestore.Entry) {
	e.sendStateDatagram(address, e.nextMessageID(), entry.Tick, entry.TickOffset, entry.Payload)
}

// handleStateWrite applies an inbound /state<address> write under the
// LWW acceptance rule, bypassing the per-sender ordering check (spec
// §4.4, §4.5).
func (e *Engine) handleStateWrite(senderID int64, keyParts []string, rest []any) {
	if len(keyParts) == 0 || len(rest) < 3 {
		return
	}
	originMsgID, ok0 := toInt64(rest[0])
	tick, ok1 := toInt64(rest[1])
	offset, ok2 := toFloat64(rest[2])
	if !ok0 || !ok1 || !ok2 || tick < 0 {
		return
	}
	value := rest[3:]
	key := "/" + strings.Join(keyParts, "/")

	entry := statestore.Entry{
		OriginNodeID: senderID,
		OriginMsgID:  originMsgID,
		Tick:         uint64(tick),
		TickOffset:   offset,
		Payload:      value,
	}
	if e.store.Apply(key, entry) {
		e.persistEntry(key, entry)
		e.logMessage(senderID, "/state"+key, value, time.Now())
		e.observer.OnState(senderID, key, value)
	}
}

// handleMessage applies the per-sender ordering rule to a non-control
// broadcast and, if accepted, delivers it to the observer (spec §4.4,
// §4.6).
func (e *Engine) handleMessage(senderID int64, address string, rest []any) {
	if len(rest) < 1 {
		return
	}
	messageID, ok := toInt64(rest[0])
	if !ok {
		return
	}
	value := rest[1:]
	if e.peerTable.Evaluate(senderID, messageID) == peers.Accept {
		e.logMessage(senderID, address, value, time.Now())
		e.observer.OnMessage(senderID, address, value)
	}
}
