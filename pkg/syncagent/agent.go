// Package syncagent maintains one live sync connection per watched list:
// it reconnects with exponential backoff, applies inbound updates to local
// reactive state and publishes genuinely-changed local state outward without
// echoing remote updates back.
package syncagent

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/recetteo/listes/pkg/diff"
	"github.com/recetteo/listes/pkg/model"
	"github.com/recetteo/listes/pkg/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// GivenUp is terminal until the caller reconnects explicitly: the retry
	// ceiling was reached.
	GivenUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case GivenUp:
		return "given up"
	}
	return "unknown"
}

const (
	// MaxReconnectAttempts bounds scheduled retries after a drop.
	MaxReconnectAttempts = 5

	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// ReconnectDelay is the backoff schedule: min(1s*2^attempt, 30s).
func ReconnectDelay(attempt int) time.Duration {
	return backoffDelay(baseReconnectDelay, maxReconnectDelay, attempt)
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Config carries the agent's collaborators. OnChanges receives the
// human-readable differences computed for each applied remote update;
// OnState observes connection state transitions. Both are optional.
type Config struct {
	// URL is the server base URL, e.g. "http://localhost:8080". The scheme
	// is swapped to ws/wss for dialing.
	URL       string
	OnChanges func([]diff.Change)
	OnState   func(State)
}

type Agent struct {
	baseURL   *url.URL
	dialer    *websocket.Dialer
	onChanges func([]diff.Change)
	onState   func(State)

	// Items and Categories are the agent's local reactive state. Callers
	// mutate them directly; the agent forwards genuine changes to the
	// server and reconciles remote updates into them.
	Items      *observable[[]model.Item]
	Categories *observable[[]model.Category]

	mu             sync.Mutex
	state          State
	listID         string
	conn           *websocket.Conn
	writeMu        sync.Mutex
	attempts       int
	retryTimer     *time.Timer
	generation     int
	applyingRemote bool
	lastItems      []model.Item
	lastCategories []model.Category

	// test hooks
	baseDelay time.Duration
	maxDelay  time.Duration
}

func New(cfg Config) (*Agent, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "ws"
	case "https", "wss":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}

	a := &Agent{
		baseURL:    base,
		dialer:     websocket.DefaultDialer,
		onChanges:  cfg.OnChanges,
		onState:    cfg.OnState,
		Items:      newObservable([]model.Item{}, model.CloneItems),
		Categories: newObservable([]model.Category{}, model.CloneCategories),
		baseDelay:  baseReconnectDelay,
		maxDelay:   maxReconnectDelay,
	}
	a.Items.Subscribe(a.onItemsChanged)
	a.Categories.Subscribe(a.onCategoriesChanged)
	return a, nil
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) IsConnected() bool {
	return a.State() == Connected
}

// Connect starts (or restarts) watching listID. Connecting while already
// connecting or connected to the same list is a no-op; a different list
// tears the current subscription down first. One list is watched at a time.
func (a *Agent) Connect(listID string) {
	a.mu.Lock()
	if (a.state == Connecting || a.state == Connected) && a.listID == listID {
		a.mu.Unlock()
		return
	}
	// A retry may still be scheduled for an earlier drop; it must not fire
	// behind this subscription and resubscribe to the previous list.
	a.teardownLocked()
	// Scheduled retries re-enter here with the same list and keep their
	// backoff ladder; an explicit reconnect starts over.
	if a.state == GivenUp || a.listID != listID {
		a.attempts = 0
	}
	a.listID = listID
	a.state = Connecting
	gen := a.generation
	a.mu.Unlock()

	a.notifyState(Connecting)
	go a.dial(gen, listID)
}

// Disconnect closes the active channel immediately, cancels any pending
// retry and resets the attempt counter. A later Connect starts fresh.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	a.teardownLocked()
	a.state = Disconnected
	a.attempts = 0
	a.mu.Unlock()
	a.notifyState(Disconnected)
}

// teardownLocked invalidates in-flight dials, read loops and retry timers.
func (a *Agent) teardownLocked() {
	a.generation++
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *Agent) dial(gen int, listID string) {
	u := *a.baseURL
	u.Path = "/sync"
	u.RawQuery = url.Values{"listId": {listID}}.Encode()

	conn, _, err := a.dialer.Dial(u.String(), nil)

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		slog.Error("failed to connect", "list", listID, "err", err)
		a.state = Disconnected
		a.scheduleReconnectLocked()
		st := a.state
		a.mu.Unlock()
		if st == Disconnected {
			a.notifyState(Disconnected)
		}
		return
	}
	a.conn = conn
	a.state = Connected
	a.attempts = 0
	a.mu.Unlock()

	slog.Info("sync connected", "list", listID)
	a.notifyState(Connected)
	go a.readLoop(gen, conn)
}

func (a *Agent) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		a.handleMessage(raw)
	}

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.state = Disconnected
	a.scheduleReconnectLocked()
	st := a.state
	a.mu.Unlock()
	if st == Disconnected {
		a.notifyState(Disconnected)
	}
}

func (a *Agent) scheduleReconnectLocked() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	if a.attempts >= MaxReconnectAttempts {
		slog.Error("max reconnection attempts reached", "list", a.listID)
		a.state = GivenUp
		if a.onState != nil {
			go a.onState(GivenUp)
		}
		return
	}
	delay := backoffDelay(a.baseDelay, a.maxDelay, a.attempts)
	a.attempts++
	listID := a.listID
	slog.Info("scheduling reconnect", "list", listID, "delay", delay, "attempt", a.attempts, "max", MaxReconnectAttempts)
	a.retryTimer = time.AfterFunc(delay, func() {
		a.Connect(listID)
	})
}

func (a *Agent) notifyState(s State) {
	if a.onState != nil {
		a.onState(s)
	}
}

func (a *Agent) handleMessage(raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		slog.Error("dropping unreadable server frame", "err", err)
		return
	}
	switch msg.Type {
	case protocol.TypeConnected:
		slog.Info("sync confirmed", "list", msg.ListID)
	case protocol.TypeListUpdate:
		a.applyRemoteItems(msg.List)
	case protocol.TypeCategoriesUpdate:
		a.applyRemoteCategories(msg.Categories)
	default:
	}
}

// applyRemoteItems replaces local items with the remote payload. The guard
// is held for the synchronous duration of the apply so the store listener
// never re-emits the update, and the last-synced snapshot compare keeps
// suppression correct even beyond the guard window.
func (a *Agent) applyRemoteItems(items []model.Item) {
	prev := a.Items.Get()

	a.mu.Lock()
	a.applyingRemote = true
	a.lastItems = model.CloneItems(items)
	a.mu.Unlock()

	a.Items.Set(model.CloneItems(items))

	a.mu.Lock()
	a.applyingRemote = false
	a.mu.Unlock()

	if a.onChanges != nil {
		if changes := diff.Items(prev, items); len(changes) > 0 {
			a.onChanges(changes)
		}
	}
}

func (a *Agent) applyRemoteCategories(categories []model.Category) {
	prev := a.Categories.Get()

	a.mu.Lock()
	a.applyingRemote = true
	a.lastCategories = model.CloneCategories(categories)
	a.mu.Unlock()

	a.Categories.Set(model.CloneCategories(categories))

	a.mu.Lock()
	a.applyingRemote = false
	a.mu.Unlock()

	if a.onChanges != nil {
		if changes := diff.Categories(prev, categories); len(changes) > 0 {
			a.onChanges(changes)
		}
	}
}

// onItemsChanged publishes a local items change unless it was produced by a
// remote apply or matches the last value sent or received.
func (a *Agent) onItemsChanged(items []model.Item) {
	a.mu.Lock()
	if a.applyingRemote {
		a.lastItems = model.CloneItems(items)
		a.mu.Unlock()
		return
	}
	if a.state != Connected || a.conn == nil || model.ItemsEqual(items, a.lastItems) {
		a.mu.Unlock()
		return
	}
	a.lastItems = model.CloneItems(items)
	conn := a.conn
	listID := a.listID
	a.mu.Unlock()

	a.send(conn, protocol.Message{Type: protocol.TypeListUpdate, ListID: listID, List: items})
}

func (a *Agent) onCategoriesChanged(categories []model.Category) {
	a.mu.Lock()
	if a.applyingRemote {
		a.lastCategories = model.CloneCategories(categories)
		a.mu.Unlock()
		return
	}
	if a.state != Connected || a.conn == nil || model.CategoriesEqual(categories, a.lastCategories) {
		a.mu.Unlock()
		return
	}
	a.lastCategories = model.CloneCategories(categories)
	conn := a.conn
	listID := a.listID
	a.mu.Unlock()

	a.send(conn, protocol.Message{Type: protocol.TypeCategoriesUpdate, ListID: listID, Categories: categories})
}

func (a *Agent) send(conn *websocket.Conn, msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("failed to encode update", "err", err)
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("failed to send update", "list", msg.ListID, "err", err)
	}
}
