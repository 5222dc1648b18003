package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventMessage   = "chat-message"
	realtimeEventHeartbeat = "heartbeat"
)

// RealtimeMessage is one event delivered to a subscribed identity.
type RealtimeMessage struct {
	Identity    string
	EventType   string
	GroupChatID uint64
	Sender      string
	Timestamp   time.Time
}

// LifecycleHooks are fired when an identity's first stream opens and when its
// last stream closes. The router wires them to the chat lifecycle reducers,
// so stream presence drives User row existence. Hooks run under the
// dispatcher lock so connect/disconnect dispatch is strictly ordered per
// identity; a hook must not call back into the dispatcher.
type LifecycleHooks struct {
	Connected    func(identity string)
	Disconnected func(identity string)
}

// RealtimeDispatcher fans events out to per-identity subscriber streams and
// tracks presence by open stream count.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	hooks       LifecycleHooks
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs a dispatcher with the provided hooks.
// Either hook may be nil.
func NewRealtimeDispatcher(hooks LifecycleHooks) *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		hooks:       hooks,
	}
}

// Subscribe registers a stream for the identity. The first stream for an
// identity fires the Connected hook; releasing the last one fires
// Disconnected. The returned cleanup is idempotent and also runs when the
// context is cancelled.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, identity string) (<-chan RealtimeMessage, func()) {
	if identity == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := d.registerSubscriber(identity)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(identity, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers a message to every open stream of the target identity.
// Slow subscribers are skipped rather than blocked on.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Identity == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Identity]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Connected reports whether the identity currently has any open stream.
func (d *RealtimeDispatcher) Connected(identity string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[identity]) > 0
}

// registerSubscriber adds a stream under the lock and fires the Connected
// hook before releasing it, so a racing disconnect of the same identity can
// never observe the identity as absent mid-registration.
func (d *RealtimeDispatcher) registerSubscriber(identity string) *realtimeSubscriber {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber := &realtimeSubscriber{
		id:     d.nextID,
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	if _, ok := d.subscribers[identity]; !ok {
		d.subscribers[identity] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[identity][subscriber.id] = subscriber
	if len(d.subscribers[identity]) == 1 && d.hooks.Connected != nil {
		d.hooks.Connected(identity)
	}
	return subscriber
}

// unregisterSubscriber removes a stream under the lock and fires the
// Disconnected hook before releasing it. A reconnect racing this cleanup
// blocks in registerSubscriber until the hook returns, so the hook sequence
// for an identity is always connected, disconnected, connected, never a
// stale disconnect after a fresh stream opened.
func (d *RealtimeDispatcher) unregisterSubscriber(identity string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[identity]
	if subscribers == nil {
		return
	}
	if _, ok := subscribers[subscriberID]; !ok {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, identity)
		if d.hooks.Disconnected != nil {
			d.hooks.Disconnected(identity)
		}
	}
}
