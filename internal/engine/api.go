package engine

import (
	"strings"
	"time"

	"github.com/chr15m/syncjams/internal/schema"
	"github.com/chr15m/syncjams/internal/statestore"
)

// Spec §9 "Concurrency": the source mutates shared maps from both a
// polling thread and an interactive thread without locking — a latent
// race. This engine takes option (b): every public call below is
// marshaled onto the poll goroutine through cmdCh and answered there,
// so SetState/GetState/Send/GetNodeList are safe to call from any
// goroutine without the caller doing its own synchronization.
type commandKind int

const (
	cmdSetState commandKind = iota
	cmdGetState
	cmdSend
	cmdGetNodeList
	cmdSearchMessages
)

type command struct {
	kind    commandKind
	address string
	value   []any
	query   string
	limit   int
	result  chan commandResult
}

type commandResult struct {
	err   error
	value []any
	ok    bool
	ids   []int64
	strs  []string
}

// SetState writes address = value, stamped with the current tick, and
// broadcasts it (subject to the outbound throttle). address must start
// with "/"; value must be non-nil and contain no nil elements (spec
// §4.1, §7 kinds a/b). Returns ErrClosed after Close.
func (e *Engine) SetState(address string, value ...any) error {
	if err := validateAddress(address); err != nil {
		return err
	}
	if err := validateValue(address, value); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed{}
	}
	reply := make(chan commandResult, 1)
	e.cmdCh <- command{kind: cmdSetState, address: address, value: value, result: reply}
	return (<-reply).err
}

// GetState returns the current payload stored at address, if any
// (spec §4.1 "get_state"). Returns ok=false after Close.
func (e *Engine) GetState(address string) ([]any, bool) {
	if e.closed.Load() {
		return nil, false
	}
	reply := make(chan commandResult, 1)
	e.cmdCh <- command{kind: cmdGetState, address: address, result: reply}
	res := <-reply
	return res.value, res.ok
}

// Send broadcasts an ephemeral ordered message to address (spec §4.1
// "send"). Subject to the same address/value validation as SetState.
// Returns ErrClosed after Close.
func (e *Engine) Send(address string, value ...any) error {
	if err := validateAddress(address); err != nil {
		return err
	}
	if err := validateValue(address, value); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed{}
	}
	reply := make(chan commandResult, 1)
	e.cmdCh <- command{kind: cmdSend, address: address, value: value, result: reply}
	return (<-reply).err
}

// GetNodeList returns the node_id of every peer currently considered
// live (spec §4.1 "get_node_list"). Returns nil after Close.
func (e *Engine) GetNodeList() []int64 {
	if e.closed.Load() {
		return nil
	}
	reply := make(chan commandResult, 1)
	e.cmdCh <- command{kind: cmdGetNodeList, result: reply}
	return (<-reply).ids
}

func (e *Engine) drainCommands() {
	for {
		select {
		case cmd := <-e.cmdCh:
			e.handleCommand(cmd)
		default:
			return
		}
	}
}

func (e *Engine) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSetState:
		cmd.result <- commandResult{err: e.applySetState(cmd.address, cmd.value)}
	case cmdGetState:
		v, ok := e.store.Get(cmd.address)
		cmd.result <- commandResult{value: v, ok: ok}
	case cmdSend:
		cmd.result <- commandResult{err: e.applySend(cmd.address, cmd.value)}
	case cmdGetNodeList:
		cmd.result <- commandResult{ids: e.peerTable.NodeIDs()}
	case cmdSearchMessages:
		ids, err := e.searchMessages(cmd.query, cmd.address, cmd.limit)
		cmd.result <- commandResult{strs: ids, err: err}
	}
}

func (e *Engine) searchMessages(query, address string, limit int) ([]string, error) {
	if e.msgLog == nil {
		return nil, nil
	}
	return e.msgLog.Search(query, address, limit)
}

// applySetState performs a set_state call on the poll goroutine: schema
// check, local LWW apply (so GetState reflects it immediately), and a
// throttled outbound /state<address> datagram (spec §4.1, §4.5).
func (e *Engine) applySetState(address string, value []any) error {
	if e.schemas != nil {
		if result := e.schemas.Validate(address, value); !result.Valid {
			return ErrSchemaViolation{Address: address, Reason: violationSummary(result)}
		}
	}

	now := time.Now()
	tick := e.metronome.Tick()
	offset := e.metronome.Offset(now)
	msgID := e.nextMessageID()

	entry := statestore.Entry{
		OriginNodeID: e.nodeID,
		OriginMsgID:  msgID,
		Tick:         tick,
		TickOffset:   offset,
		Payload:      value,
	}
	if e.store.Apply(address, entry) {
		e.persistEntry(address, entry)
		e.logMessage(e.nodeID, "/state"+address, value, now)
	}

	decision := e.store.Offer(address, statestore.PendingWrite{
		MessageID:  msgID,
		Tick:       tick,
		TickOffset: offset,
		Payload:    value,
	}, now)

	if decision == statestore.SendNow {
		e.sendStateDatagram(address, msgID, tick, offset, value)
		e.store.MarkSent(address, now)
	}
	return nil
}

// applySend performs a send call on the poll goroutine: assigns a
// message_id and broadcasts the payload (spec §4.1 "send").
func (e *Engine) applySend(address string, value []any) error {
	_, err := e.sendDatagram(address, value)
	if err == nil {
		e.logMessage(e.nodeID, address, value, time.Now())
	}
	return err
}

func violationSummary(result schema.Result) string {
	parts := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		parts[i] = v.Error()
	}
	return strings.Join(parts, "; ")
}
