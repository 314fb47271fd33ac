package syncagent

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/recetteo/listes/pkg/diff"
	"github.com/recetteo/listes/pkg/model"
	"github.com/recetteo/listes/pkg/protocol"
	"github.com/recetteo/listes/pkg/registry"
	"github.com/recetteo/listes/pkg/server"
	"github.com/recetteo/listes/pkg/store"
)

func TestReconnectDelaySchedule(t *testing.T) {
	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for attempt, want := range expected {
		if got := ReconnectDelay(attempt); got != want {
			t.Fatalf("ReconnectDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
	// non-decreasing and bounded above by 30s
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := ReconnectDelay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("delay %v exceeds 30s cap", d)
		}
		prev = d
	}
	if ReconnectDelay(10) != 30*time.Second {
		t.Fatalf("large attempt = %v, want 30s cap", ReconnectDelay(10))
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

type memStore struct {
	mu      sync.Mutex
	records map[string]*model.Record
}

func (m *memStore) Load(_ context.Context, listID string) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[listID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) Save(_ context.Context, listID string, record *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.records[listID] = &cp
	return nil
}

func newSyncServer(t *testing.T) *httptest.Server {
	t.Helper()
	mem := &memStore{records: make(map[string]*model.Record)}
	srv := httptest.NewServer(server.New(registry.NewHub(), store.NewBridge(mem)).Router())
	t.Cleanup(srv.Close)
	return srv
}

func dialRaw(t *testing.T, srv *httptest.Server, listID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync?listId=" + listID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	// consume the connect confirmation
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read confirmation: %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn
}

func readRaw(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("frame not json: %v", err)
	}
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", raw)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

func TestRemoteApplyAndLoopSuppression(t *testing.T) {
	srv := newSyncServer(t)

	var changesMu sync.Mutex
	var seen []diff.Change
	agent, err := New(Config{
		URL: srv.URL,
		OnChanges: func(changes []diff.Change) {
			changesMu.Lock()
			seen = append(seen, changes...)
			changesMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent.Connect("abc")
	defer agent.Disconnect()
	waitFor(t, 2*time.Second, agent.IsConnected)

	sibling := dialRaw(t, srv, "abc")

	payload := []model.Item{{ID: 1, Label: "milk", Category: "dairy", Color: "#fff", Done: false}}
	update := protocol.Message{Type: protocol.TypeListUpdate, ListID: "abc", List: payload}
	data, _ := update.Encode()
	if err := sibling.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	// the remote update lands in local state, deep-equal to the payload
	waitFor(t, 2*time.Second, func() bool {
		return model.ItemsEqual(agent.Items.Get(), payload)
	})

	// and is never echoed back: the sibling would receive the echo
	expectSilence(t, sibling)

	changesMu.Lock()
	defer changesMu.Unlock()
	if len(seen) != 1 || seen[0].Kind != diff.ItemAdded || seen[0].Label != "milk" {
		t.Fatalf("changes = %+v, want single item-added for milk", seen)
	}
}

func TestLocalChangeIsPublished(t *testing.T) {
	srv := newSyncServer(t)
	agent, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent.Connect("abc")
	defer agent.Disconnect()
	waitFor(t, 2*time.Second, agent.IsConnected)

	sibling := dialRaw(t, srv, "abc")

	agent.Items.Set([]model.Item{{ID: 1, Label: "milk", Category: "dairy", Color: "#fff"}})

	msg := readRaw(t, sibling)
	if msg.Type != protocol.TypeListUpdate || len(msg.List) != 1 || msg.List[0].Label != "milk" {
		t.Fatalf("sibling frame = %+v, want published local change", msg)
	}

	// setting a deep-equal value again transmits nothing
	agent.Items.Set([]model.Item{{ID: 1, Label: "milk", Category: "dairy", Color: "#fff"}})
	expectSilence(t, sibling)
}

func TestConnectSameListIsNoop(t *testing.T) {
	srv := newSyncServer(t)
	agent, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent.Connect("abc")
	defer agent.Disconnect()
	waitFor(t, 2*time.Second, agent.IsConnected)

	agent.mu.Lock()
	gen := agent.generation
	agent.mu.Unlock()

	agent.Connect("abc")

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.generation != gen {
		t.Fatal("Connect to the same list tore the connection down")
	}
}

func TestConnectDifferentListResubscribes(t *testing.T) {
	srv := newSyncServer(t)
	agent, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent.Connect("abc")
	defer agent.Disconnect()
	waitFor(t, 2*time.Second, agent.IsConnected)

	agent.Connect("xyz")
	waitFor(t, 2*time.Second, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return agent.state == Connected && agent.listID == "xyz"
	})
}

func TestConnectWhileRetryPendingSwitchesList(t *testing.T) {
	srv := newSyncServer(t)
	agent, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent.baseDelay = 200 * time.Millisecond
	agent.maxDelay = 200 * time.Millisecond

	agent.Connect("abc")
	defer agent.Disconnect()
	waitFor(t, 2*time.Second, agent.IsConnected)

	// drop the live channel so a retry for "abc" gets scheduled
	agent.mu.Lock()
	conn := agent.conn
	agent.mu.Unlock()
	_ = conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return agent.state == Disconnected && agent.retryTimer != nil
	})

	agent.Connect("xyz")
	waitFor(t, 2*time.Second, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return agent.state == Connected && agent.listID == "xyz"
	})

	// outlive the stale retry window; the subscription must stay on xyz
	time.Sleep(500 * time.Millisecond)
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.state != Connected || agent.listID != "xyz" {
		t.Fatalf("watching %q in state %v, want xyz connected", agent.listID, agent.state)
	}
}

// waitState drains state notifications until want arrives, returning the
// states observed before it.
func waitState(t *testing.T, states <-chan State, want State) []State {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var seen []State
	for {
		select {
		case s := <-states:
			if s == want {
				return seen
			}
			seen = append(seen, s)
		case <-deadline:
			t.Fatalf("never reached state %v; saw %v", want, seen)
		}
	}
}

func TestConnectFromGivenUpRestartsBackoff(t *testing.T) {
	states := make(chan State, 64)
	agent, err := New(Config{
		URL:     "http://127.0.0.1:1",
		OnState: func(s State) { states <- s },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent.baseDelay = time.Millisecond
	agent.maxDelay = 2 * time.Millisecond

	agent.Connect("abc")
	waitState(t, states, GivenUp)

	// an explicit reconnect retries the full ladder again rather than
	// giving up after the first failed dial
	agent.Connect("abc")
	seen := waitState(t, states, GivenUp)

	drops := 0
	for _, s := range seen {
		if s == Disconnected {
			drops++
		}
	}
	if drops != MaxReconnectAttempts {
		t.Fatalf("observed %d drops before giving up again, want %d", drops, MaxReconnectAttempts)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	states := make(chan State, 64)
	agent, err := New(Config{
		// nothing listens here; every dial fails immediately
		URL:     "http://127.0.0.1:1",
		OnState: func(s State) { states <- s },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent.baseDelay = time.Millisecond
	agent.maxDelay = 2 * time.Millisecond

	agent.Connect("abc")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == GivenUp {
				if got := agent.State(); got != GivenUp {
					t.Fatalf("State() = %v after give-up notification", got)
				}
				agent.mu.Lock()
				attempts := agent.attempts
				timer := agent.retryTimer
				agent.mu.Unlock()
				if attempts != MaxReconnectAttempts {
					t.Fatalf("attempts = %d, want %d", attempts, MaxReconnectAttempts)
				}
				if timer != nil {
					t.Fatal("retry timer still pending after give-up")
				}
				return
			}
		case <-deadline:
			t.Fatal("agent never gave up")
		}
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	agent, err := New(Config{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agent.baseDelay = time.Hour
	agent.maxDelay = time.Hour

	agent.Connect("abc")
	waitFor(t, 2*time.Second, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return agent.state == Disconnected && agent.retryTimer != nil
	})

	agent.Disconnect()

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.state != Disconnected {
		t.Fatalf("state = %v, want Disconnected", agent.state)
	}
	if agent.retryTimer != nil {
		t.Fatal("retry timer survived Disconnect")
	}
	if agent.attempts != 0 {
		t.Fatalf("attempts = %d, want 0 after Disconnect", agent.attempts)
	}
}

func TestObservableDeliversCopies(t *testing.T) {
	o := newObservable([]model.Item{}, model.CloneItems)
	var got []model.Item
	o.Subscribe(func(v []model.Item) { got = v })

	original := []model.Item{{ID: 1, Label: "milk"}}
	o.Set(original)

	got[0].Label = "mutated"
	if o.Get()[0].Label != "milk" {
		t.Fatal("subscriber mutation leaked into the store")
	}

	original[0].Label = "also mutated"
	if o.Get()[0].Label != "milk" {
		t.Fatal("caller mutation leaked into the store")
	}
}
