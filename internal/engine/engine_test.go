package engine

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chr15m/syncjams/internal/metronome"
	"github.com/chr15m/syncjams/internal/schema"
	"github.com/chr15m/syncjams/internal/statestore"
)

func newTestEngine(t *testing.T, port int, peerPort int) *Engine {
	t.Helper()
	cfg := Config{
		Port:         port,
		Destinations: []*net.UDPAddr{{IP: net.ParseIP("127.0.0.1"), Port: peerPort}},
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNewSeedsDefaultBPM(t *testing.T) {
	e := newTestEngine(t, 23610, 23611)

	payload, ok := e.store.Get("/BPM")
	if !ok {
		t.Fatal("expected /BPM to be seeded")
	}
	if len(payload) != 1 || payload[0].(float64) != float64(metronome.DefaultBPM) {
		t.Fatalf("expected /BPM = [180], got %v", payload)
	}
	if e.GetNodeID() < 1 {
		t.Fatalf("expected a positive node id, got %d", e.GetNodeID())
	}
}

func TestSetStateRejectsInvalidAddress(t *testing.T) {
	e := newTestEngine(t, 23612, 23613)

	err := e.SetState("no-leading-slash", 1.0)
	if _, ok := err.(ErrInvalidAddress); !ok {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestSetStateRejectsNilValue(t *testing.T) {
	e := newTestEngine(t, 23614, 23615)

	if err := e.SetState("/fader1"); err == nil {
		t.Fatal("expected error for empty value")
	}
	if _, ok := e.SetState("/fader1", 1.0, nil).(ErrInvalidValue); !ok {
		t.Fatal("expected ErrInvalidValue for a nil element")
	}
}

func TestSetStateGetStateRoundTrip(t *testing.T) {
	e := newTestEngine(t, 23616, 23617)
	go e.ServeForever()

	if err := e.SetState("/fader1", 0.5); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	value, ok := e.GetState("/fader1")
	if !ok || len(value) != 1 || value[0].(float64) != 0.5 {
		t.Fatalf("GetState(/fader1) = %v, %v", value, ok)
	}
}

func TestApplyLWWTieRetainsExisting(t *testing.T) {
	e := newTestEngine(t, 23618, 23619)

	first := statestore.Entry{OriginNodeID: 1, OriginMsgID: 1, Tick: 5, TickOffset: 1.0, Payload: []any{"first"}}
	second := statestore.Entry{OriginNodeID: 2, OriginMsgID: 1, Tick: 5, TickOffset: 1.0, Payload: []any{"second"}}

	if !e.store.Apply("/label", first) {
		t.Fatal("expected first write to be accepted")
	}
	if e.store.Apply("/label", second) {
		t.Fatal("expected exact-tie write to be rejected")
	}
	got, _ := e.store.Get("/label")
	if got[0].(string) != "first" {
		t.Fatalf("expected tie to retain existing entry, got %v", got)
	}
}

func TestSetStateRejectsSchemaViolation(t *testing.T) {
	registry := schema.NewRegistry()
	if err := registry.RegisterStateSchema("/BPM", schema.BPMSchema); err != nil {
		t.Fatalf("RegisterStateSchema: %v", err)
	}

	cfg := Config{
		Port:         23620,
		Destinations: []*net.UDPAddr{{IP: net.ParseIP("127.0.0.1"), Port: 23621}},
		Schemas:      registry,
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	go e.ServeForever()

	err = e.SetState("/BPM", 10000.0)
	if _, ok := err.(ErrSchemaViolation); !ok {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestClosedEngineReturnsErrClosed(t *testing.T) {
	e := newTestEngine(t, 23622, 23623)
	go e.ServeForever()

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := e.SetState("/fader1", 1.0).(ErrClosed); !ok {
		t.Fatalf("expected ErrClosed from SetState after Close")
	}
	if _, ok := e.Send("/chat", "hi").(ErrClosed); !ok {
		t.Fatalf("expected ErrClosed from Send after Close")
	}
	if value, ok := e.GetState("/fader1"); ok || value != nil {
		t.Fatalf("expected GetState to return nil, false after Close, got %v, %v", value, ok)
	}
	if ids := e.GetNodeList(); ids != nil {
		t.Fatalf("expected GetNodeList to return nil after Close, got %v", ids)
	}
	if _, err := e.SearchMessages("anything", "", 10); !func() bool { _, ok := err.(ErrClosed); return ok }() {
		t.Fatalf("expected ErrClosed from SearchMessages after Close, got %v", err)
	}
}

// TestSnapshotPersistsAcrossRestarts checks that a state write survives
// an Engine restart when SnapshotPath is configured (spec §9 domain-stack
// item 2).
func TestSnapshotPersistsAcrossRestarts(t *testing.T) {
	snapPath := t.TempDir() + "/snapshot.db"
	cfg := Config{
		Port:         23624,
		Destinations: []*net.UDPAddr{{IP: net.ParseIP("127.0.0.1"), Port: 23625}},
		SnapshotPath: snapPath,
	}

	first, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go first.ServeForever()
	if err := first.SetState("/fader1", 0.42); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := New(cfg)
	if err != nil {
		t.Fatalf("New (restore): %v", err)
	}
	t.Cleanup(func() { second.Close() })

	value, ok := second.store.Get("/fader1")
	if !ok || len(value) != 1 || value[0].(float64) != 0.42 {
		t.Fatalf("expected restored /fader1 = 0.42, got %v, %v", value, ok)
	}
}

// TestMessageLogSearchFindsAcceptedMessage checks that an accepted Send
// is both logged and discoverable via SearchMessages (spec §9
// domain-stack item 3).
func TestMessageLogSearchFindsAcceptedMessage(t *testing.T) {
	cfg := Config{
		Port:               23626,
		Destinations:       []*net.UDPAddr{{IP: net.ParseIP("127.0.0.1"), Port: 23627}},
		MessageLogCapacity: 100,
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	go e.ServeForever()

	if err := e.Send("/chord", "Dm7 trigger"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var ids []string
	waitFor(t, 2*time.Second, func() bool {
		ids, err = e.SearchMessages("Dm7", "", 10)
		return err == nil && len(ids) > 0
	})
	if len(ids) == 0 {
		t.Fatal("expected at least one search hit for Dm7")
	}
}

// recordingObserver captures every callback for assertion.
type recordingObserver struct {
	mu       sync.Mutex
	messages []string
	states   []string
	joined   []int64
	left     []int64
}

func (o *recordingObserver) OnTick(uint64, time.Time) {}
func (o *recordingObserver) OnMessage(nodeID int64, address string, args []any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, address)
}
func (o *recordingObserver) OnState(nodeID int64, address string, args []any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, address)
}
func (o *recordingObserver) OnNodeJoined(nodeID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined = append(o.joined, nodeID)
}
func (o *recordingObserver) OnNodeLeft(nodeID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.left = append(o.left, nodeID)
}

func (o *recordingObserver) hasMessage(address string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.messages {
		if a == address {
			return true
		}
	}
	return false
}

func (o *recordingObserver) hasState(address string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.states {
		if a == address {
			return true
		}
	}
	return false
}

func (o *recordingObserver) joinCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.joined)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestTwoEnginesExchangeMessagesAndState runs two real engines over
// loopback UDP and checks that an application message, a state write,
// and a peer join are all observed on both sides (spec §4.1, §4.3-§4.6).
func TestTwoEnginesExchangeMessagesAndState(t *testing.T) {
	obsA := &recordingObserver{}
	obsB := &recordingObserver{}

	a, err := New(Config{
		Port:         23720,
		Destinations: []*net.UDPAddr{{IP: net.ParseIP("127.0.0.1"), Port: 23721}},
		Observer:     obsA,
	})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	defer a.Close()

	b, err := New(Config{
		Port:         23721,
		Destinations: []*net.UDPAddr{{IP: net.ParseIP("127.0.0.1"), Port: 23720}},
		Observer:     obsB,
	})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	defer b.Close()

	go a.ServeForever()
	go b.ServeForever()

	if err := a.Send("/chat", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return obsB.hasMessage("/chat") })

	if err := a.SetState("/fader1", 0.75); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return obsB.hasState("/fader1") })

	value, ok := b.GetState("/fader1")
	if !ok || value[0].(float64) != 0.75 {
		t.Fatalf("expected b to converge on /fader1 = 0.75, got %v, %v", value, ok)
	}

	waitFor(t, 2*time.Second, func() bool { return obsA.joinCount() >= 1 && obsB.joinCount() >= 1 })

	ids := a.GetNodeList()
	found := false
	for _, id := range ids {
		if id == b.GetNodeID() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a's node list to contain b's node id, got %v", ids)
	}
}
