// Package events implements C9: the event broadcaster, per spec.md §4.9.
// Grounded in the system prompt's id-indirection guidance — the
// broadcaster never holds a socket directly in its subscriber map key,
// only a connectionId — and in the teacher's status --follow poll loop
// (internal/cli/status.go), which this replaces with push fan-out.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/re-cinq/agentgate/internal/types"
)

// Socket is anything an event message can be written to. *websocket.Conn
// satisfies this directly; tests use a fake.
type Socket interface {
	WriteJSON(v any) error
}

// Preferences controls which event kinds a subscription receives. All
// fields default to true, per spec.md §4.9.
type Preferences struct {
	IncludeToolCalls   bool
	IncludeToolResults bool
	IncludeOutput      bool
	IncludeFileChanges bool
	IncludeProgress    bool
}

// DefaultPreferences has every bit set, the subscribe() default.
var DefaultPreferences = Preferences{
	IncludeToolCalls:   true,
	IncludeToolResults: true,
	IncludeOutput:      true,
	IncludeFileChanges: true,
	IncludeProgress:    true,
}

// PartialPreferences lets a caller override a subset of DefaultPreferences;
// nil fields keep the default.
type PartialPreferences struct {
	IncludeToolCalls   *bool
	IncludeToolResults *bool
	IncludeOutput      *bool
	IncludeFileChanges *bool
	IncludeProgress    *bool
}

func merge(partial PartialPreferences) Preferences {
	p := DefaultPreferences
	if partial.IncludeToolCalls != nil {
		p.IncludeToolCalls = *partial.IncludeToolCalls
	}
	if partial.IncludeToolResults != nil {
		p.IncludeToolResults = *partial.IncludeToolResults
	}
	if partial.IncludeOutput != nil {
		p.IncludeOutput = *partial.IncludeOutput
	}
	if partial.IncludeFileChanges != nil {
		p.IncludeFileChanges = *partial.IncludeFileChanges
	}
	if partial.IncludeProgress != nil {
		p.IncludeProgress = *partial.IncludeProgress
	}
	return p
}

type subscriptionKey struct {
	connID      string
	workOrderID string
}

// Broadcaster maintains connectionId -> socket and (connectionId,
// workOrderId) -> Preferences, fanning out events to subscribers whose
// preference bit matches the event kind, per spec.md §4.9.
type Broadcaster struct {
	mu      sync.RWMutex
	sockets map[string]Socket
	prefs   map[subscriptionKey]Preferences
}

// New builds an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		sockets: make(map[string]Socket),
		prefs:   make(map[subscriptionKey]Preferences),
	}
}

// Connect registers a socket under connID, replacing any prior socket for
// the same id.
func (b *Broadcaster) Connect(connID string, socket Socket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sockets[connID] = socket
}

// Disconnect removes connID's socket and clears every subscription
// preference it held, atomically, per spec.md §4.9.
func (b *Broadcaster) Disconnect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sockets, connID)
	for key := range b.prefs {
		if key.connID == connID {
			delete(b.prefs, key)
		}
	}
}

// Subscribe merges partial with DefaultPreferences and subscribes connID
// to workOrderID's events, then sends connID exactly one "connected"
// event confirming the subscription — delivered directly to this
// subscriber's socket, never through Emit's fan-out, since every other
// subscriber to workOrderID must NOT see it per spec.md §8 scenario 1.
func (b *Broadcaster) Subscribe(connID, workOrderID string, partial PartialPreferences) {
	b.mu.Lock()
	b.prefs[subscriptionKey{connID, workOrderID}] = merge(partial)
	socket, ok := b.sockets[connID]
	b.mu.Unlock()

	if !ok {
		return
	}
	msg := wireMessage{
		Type:      string(types.EventConnected),
		Timestamp: time.Now(),
		Event: types.Event{
			Type:        types.EventConnected,
			WorkOrderID: workOrderID,
			Timestamp:   time.Now(),
		},
	}
	if err := socket.WriteJSON(msg); err != nil {
		b.Disconnect(connID)
	}
}

// Unsubscribe removes connID's subscription to workOrderID, if any.
func (b *Broadcaster) Unsubscribe(connID, workOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.prefs, subscriptionKey{connID, workOrderID})
}

// SubscriptionPreferences returns connID's preferences for workOrderID, or
// ok=false if it isn't subscribed.
func (b *Broadcaster) SubscriptionPreferences(connID, workOrderID string) (Preferences, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prefs[subscriptionKey{connID, workOrderID}]
	return p, ok
}

// includes reports whether a subscriber's Preferences admit an event of
// the given types.Event kind.
func includes(p Preferences, evt types.Event) bool {
	switch evt.Type {
	case types.EventAgentToolCall:
		return p.IncludeToolCalls
	case types.EventAgentToolResult:
		return p.IncludeToolResults
	case types.EventAgentOutput:
		return p.IncludeOutput
	case types.EventFileChanged:
		return p.IncludeFileChanges
	case types.EventProgressUpdate:
		return p.IncludeProgress
	default:
		return true
	}
}

// wireMessage is the envelope every emitted event carries: an ISO-8601
// timestamp and the event's type tag, alongside the event payload itself,
// per spec.md §4.9.
type wireMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Event     types.Event `json:"event"`
}

// Emit fans evt out to every connection subscribed to evt.WorkOrderID
// whose preferences admit this event kind. Per spec.md §4.9 and §5, the
// message is JSON-marshaled once and the fan-out is non-blocking per
// socket: a write error drops that connection rather than stalling others.
func (b *Broadcaster) Emit(evt types.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	msg := wireMessage{Type: string(evt.Type), Timestamp: evt.Timestamp, Event: evt}

	// Pre-marshal once; Socket.WriteJSON implementations that want raw
	// bytes can unmarshal, but most (incl. *websocket.Conn) accept any
	// JSON-marshalable value directly, so we pass msg itself and only use
	// this encoding to catch marshal errors up front.
	if _, err := json.Marshal(msg); err != nil {
		return
	}

	b.mu.RLock()
	type target struct {
		connID string
		socket Socket
	}
	var targets []target
	for key, prefs := range b.prefs {
		if key.workOrderID != evt.WorkOrderID {
			continue
		}
		if !includes(prefs, evt) {
			continue
		}
		socket, ok := b.sockets[key.connID]
		if !ok {
			continue
		}
		targets = append(targets, target{key.connID, socket})
	}
	b.mu.RUnlock()

	var dead []string
	for _, t := range targets {
		if err := t.socket.WriteJSON(msg); err != nil {
			dead = append(dead, t.connID)
		}
	}
	for _, connID := range dead {
		b.Disconnect(connID)
	}
}
