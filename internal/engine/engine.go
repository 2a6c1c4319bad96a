// Package engine implements the SyncJams node engine: the single
// polled state machine that drives tick consensus, reliable ordered
// per-peer messaging, and last-writer-wins state convergence over an
// unreliable broadcast transport (spec §2, §4.1).
package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chr15m/syncjams/internal/messagelog"
	"github.com/chr15m/syncjams/internal/metronome"
	"github.com/chr15m/syncjams/internal/nodeid"
	"github.com/chr15m/syncjams/internal/peers"
	"github.com/chr15m/syncjams/internal/schema"
	"github.com/chr15m/syncjams/internal/statestore"
	"github.com/chr15m/syncjams/internal/transport"
	"github.com/chr15m/syncjams/internal/wire"
)

// maxDatagramsPerPoll bounds how many inbound datagrams one Poll call
// will drain before moving on, so a flood can't stall the metronome
// indefinitely (spec §5 allows a poll to "drain available inbound
// datagrams"; this caps "available" at something finite).
const maxDatagramsPerPoll = 64

// serveLoopInterval is the sleep between poll cycles in ServeForever
// (spec §4.1 "serve_forever... loops poll() with a ~1ms sleep").
const serveLoopInterval = time.Millisecond

// Engine is a running SyncJams node. The zero value is not usable —
// construct with New.
type Engine struct {
	namespace string
	nodeID    int64
	messageID int64

	transport transport.Transport
	metronome *metronome.Metronome
	peerTable *peers.Table
	store     *statestore.Store
	sentQ     *sentQueue
	snapshot  *statestore.Snapshot
	msgLog    *messagelog.Log

	observer Observer
	logger   Logger
	schemas  *schema.Registry

	cmdCh chan command

	running bool
	closed  atomic.Bool
}

// New constructs an Engine: binds the transport, picks a random
// node_id, restores any persisted snapshot, seeds the metronome from
// the restored (or initial_state's, or default 180) "/BPM", and writes
// every remaining entry of initial_state (spec §4.1 "new", §9 domain-
// stack items 2-3).
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	id, err := nodeid.New()
	if err != nil {
		return nil, fmt.Errorf("engine: allocate node id: %w", err)
	}

	tr, err := transport.New(transport.Config{
		Port:         cfg.Port,
		Destinations: cfg.Destinations,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: start transport: %w", err)
	}

	var snap *statestore.Snapshot
	store := statestore.New()
	if cfg.SnapshotPath != "" {
		snap, err = statestore.OpenSnapshot(cfg.SnapshotPath)
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("engine: open snapshot: %w", err)
		}
		if err := statestore.LoadInto(store, snap); err != nil {
			snap.Close()
			tr.Close()
			return nil, fmt.Errorf("engine: restore snapshot: %w", err)
		}
	}

	var msgLog *messagelog.Log
	if cfg.MessageLogCapacity > 0 {
		msgLog, err = messagelog.New(cfg.MessageLogCapacity)
		if err != nil {
			if snap != nil {
				snap.Close()
			}
			tr.Close()
			return nil, fmt.Errorf("engine: open message log: %w", err)
		}
	}

	initial := make(map[string][]any, len(cfg.InitialState)+1)
	for k, v := range cfg.InitialState {
		initial[k] = v
	}
	if _, ok := initial["/BPM"]; !ok {
		initial["/BPM"] = []any{float64(metronome.DefaultBPM)}
	}
	bpmSeed := initial["/BPM"]
	if restored, ok := store.Get("/BPM"); ok {
		bpmSeed = restored
	}

	e := &Engine{
		namespace: cfg.Namespace,
		nodeID:    id,
		transport: tr,
		metronome: metronome.New(time.Now(), bpmOf(bpmSeed)),
		peerTable: peers.New(),
		store:     store,
		sentQ:     newSentQueue(peers.StoreMessages),
		snapshot:  snap,
		msgLog:    msgLog,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		schemas:   cfg.Schemas,
		cmdCh:     make(chan command, 256),
	}

	// Restored entries carry their original (tick, tick_offset) stamp.
	// The LWW rule in Apply keeps one stamped at tick 1 or later ahead
	// of these tick-0 seeds; one stamped during tick 0 is compared by
	// offset and is replaced by a seed with a larger offset.
	for address, value := range initial {
		if err := e.applySetState(address, value); err != nil {
			if snap != nil {
				snap.Close()
			}
			tr.Close()
			return nil, fmt.Errorf("engine: seed initial state %q: %w", address, err)
		}
	}

	return e, nil
}

// bpmOf reads a numeric BPM out of a decoded /BPM payload, defaulting
// when absent or non-numeric (spec §3 "Metronome").
func bpmOf(payload []any) float64 {
	if len(payload) == 0 {
		return metronome.DefaultBPM
	}
	switch v := payload[0].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return metronome.DefaultBPM
	}
}

// GetNodeID returns this engine's node_id, fixed for the process
// lifetime (spec §4.1).
func (e *Engine) GetNodeID() int64 {
	return e.nodeID
}

// Poll runs one engine cycle: drain queued API calls, drain available
// inbound datagrams, advance the metronome, flush throttled state
// writes, and forget timed-out peers (spec §4.1 "poll()").
func (e *Engine) Poll() {
	now := time.Now()
	e.drainCommands()
	e.drainInbound()
	e.advanceMetronome(now)
	e.flushThrottled(now)
	e.expirePeers(now)
}

// ServeForever loops Poll with a short sleep until Close is called
// (spec §4.1 "serve_forever").
func (e *Engine) ServeForever() {
	e.running = true
	for e.running {
		e.Poll()
		time.Sleep(serveLoopInterval)
	}
}

// Close sends a best-effort /leave, stops ServeForever's next
// iteration, releases the transport, and closes the snapshot/message
// log if configured (spec §4.1 "close()", §9 "send /leave first, then
// stop"). Public API calls made after Close return at once instead of
// blocking forever on a poll loop that has stopped draining cmdCh:
// SetState, Send and SearchMessages with ErrClosed, GetState with
// ok=false and GetNodeList with nil.
func (e *Engine) Close() error {
	e.sendDatagram("/leave", nil)
	e.running = false
	e.closed.Store(true)

	err := e.transport.Close()
	if e.snapshot != nil {
		if cerr := e.snapshot.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if e.msgLog != nil {
		if cerr := e.msgLog.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (e *Engine) drainInbound() {
	for i := 0; i < maxDatagramsPerPoll; i++ {
		dg, ok := e.transport.Recv()
		if !ok {
			return
		}
		e.handleDatagram(dg.Data)
	}
}

func (e *Engine) advanceMetronome(now time.Time) {
	bpmPayload, _ := e.store.Get("/BPM")
	e.metronome.SetPeriod(metronome.Period(bpmOf(bpmPayload)))

	advanced := e.metronome.Advance(now, func(tick uint64, start time.Time) {
		e.observer.OnTick(tick, start)
	})
	if advanced > 0 {
		e.sendTick()
	}
}

func (e *Engine) flushThrottled(now time.Time) {
	for address, write := range e.store.FlushReady(now) {
		e.sendStateDatagram(address, write.MessageID, write.Tick, write.TickOffset, write.Payload)
		e.store.MarkSent(address, now)
	}
}

func (e *Engine) expirePeers(now time.Time) {
	for _, id := range e.peerTable.ExpireStale(now) {
		e.observer.OnNodeLeft(id)
	}
}

// persistEntry writes an accepted state entry to the snapshot, if one
// is configured (spec §9 domain-stack item 2). Failures are logged,
// never surfaced — the in-memory store remains the source of truth.
func (e *Engine) persistEntry(address string, entry statestore.Entry) {
	if e.snapshot == nil {
		return
	}
	if err := e.snapshot.Save(address, entry); err != nil {
		e.logger.Printf("engine: persist %s: %v", address, err)
	}
}

// logMessage appends an accepted broadcast message or state write to
// the searchable message log, if one is configured (spec §9 domain-
// stack item 3). Failures are logged, never surfaced.
func (e *Engine) logMessage(nodeID int64, address string, args []any, now time.Time) {
	if e.msgLog == nil {
		return
	}
	if err := e.msgLog.Append(address, nodeID, fmt.Sprint(args), now); err != nil {
		e.logger.Printf("engine: log message %s: %v", address, err)
	}
}

// SearchMessages looks up recent accepted messages/state writes whose
// body matches query, optionally restricted to one address, through
// the message log configured via Config.MessageLogCapacity. Returns
// ErrClosed after Close, and an empty result if no message log is
// configured.
func (e *Engine) SearchMessages(query, address string, limit int) ([]string, error) {
	if e.closed.Load() {
		return nil, ErrClosed{}
	}
	reply := make(chan commandResult, 1)
	e.cmdCh <- command{kind: cmdSearchMessages, address: address, query: query, limit: limit, result: reply}
	res := <-reply
	return res.strs, res.err
}

// nextMessageID returns the next monotonic per-node message_id (spec §3).
func (e *Engine) nextMessageID() int64 {
	e.messageID++
	return e.messageID
}

// encodeEnvelope builds the wire-form datagram for subpath with the
// given full argument list (version, node_id, ... already included).
func (e *Engine) encodeEnvelope(subpath string, args []any) ([]byte, error) {
	return wire.Encode(wire.Message{Address: e.namespace + subpath, Args: args})
}

// sendDatagram sends a non-tick datagram: assigns a message_id, encodes
// version/node_id/message_id plus extraArgs, transmits it, and retains
// it in the sent queue for replay (spec §3, §4.4).
func (e *Engine) sendDatagram(subpath string, extraArgs []any) (int64, error) {
	msgID := e.nextMessageID()
	args := make([]any, 0, 3+len(extraArgs))
	args = append(args, protocolVersion, e.nodeID, msgID)
	args = append(args, extraArgs...)

	encoded, err := e.encodeEnvelope(subpath, args)
	if err != nil {
		return msgID, fmt.Errorf("engine: encode %s: %w", subpath, err)
	}
	e.transport.Send(encoded)
	e.sentQ.push(sentEntry{MessageID: msgID, Address: subpath, Args: extraArgs})
	return msgID, nil
}

// sendStateDatagram sends a /state<address> write using an already
// assigned message_id and stamp — used both for a fresh set_state send
// and for a flushed coalesced write (spec §4.5).
func (e *Engine) sendStateDatagram(address string, msgID int64, tick uint64, offset float64, value []any) {
	extra := make([]any, 0, 2+len(value))
	extra = append(extra, int64(tick), offset)
	extra = append(extra, value...)

	args := make([]any, 0, 3+len(extra))
	args = append(args, protocolVersion, e.nodeID, msgID)
	args = append(args, extra...)

	encoded, err := e.encodeEnvelope("/state"+address, args)
	if err != nil {
		e.logger.Printf("engine: encode state write %s: %v", address, err)
		return
	}
	e.transport.Send(encoded)
	e.sentQ.push(sentEntry{MessageID: msgID, Address: "/state" + address, Args: extra})
}

// sendTick emits the consensus heartbeat: current tick, the checksum
// triple, and this node's view of every peer's last-accepted message_id
// (spec §4.2, §6). Ticks consume no message_id and are never queued.
func (e *Engine) sendTick() {
	triple := e.store.ChecksumTriple()
	args := []any{protocolVersion, e.nodeID, int64(e.metronome.Tick()), triple[0], triple[1], triple[2]}
	for peerID, lastAccepted := range e.peerTable.AllLastAccepted() {
		args = append(args, peerID, lastAccepted)
	}
	encoded, err := e.encodeEnvelope("/tick", args)
	if err != nil {
		e.logger.Printf("engine: encode tick: %v", err)
		return
	}
	e.transport.Send(encoded)
}

// sendStateIDs emits the anti-entropy digest: every state entry's
// (origin_node_id, origin_msg_id) pair (spec §4.5).
func (e *Engine) sendStateIDs() {
	pairs := e.store.OriginPairs()
	args := make([]any, 0, len(pairs)*2)
	for _, p := range pairs {
		args = append(args, p.OriginNodeID, p.OriginMsgID)
	}
	if _, err := e.sendDatagram("/state-ids", args); err != nil {
		e.logger.Printf("engine: send /state-ids: %v", err)
	}
}

// resend retransmits an already-queued datagram verbatim, with its
// original message_id, for tick-driven repair (spec §4.4).
func (e *Engine) resend(entry sentEntry) {
	args := make([]any, 0, 3+len(entry.Args))
	args = append(args, protocolVersion, e.nodeID, entry.MessageID)
	args = append(args, entry.Args...)

	encoded, err := e.encodeEnvelope(entry.Address, args)
	if err != nil {
		e.logger.Printf("engine: encode replay of %s: %v", entry.Address, err)
		return
	}
	e.transport.Send(encoded)
}

func validateAddress(address string) error {
	if !strings.HasPrefix(address, "/") {
		return ErrInvalidAddress{Address: address}
	}
	return nil
}

func validateValue(address string, value []any) error {
	if value == nil {
		return ErrInvalidValue{Address: address}
	}
	for _, v := range value {
		if v == nil {
			return ErrInvalidValue{Address: address}
		}
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
