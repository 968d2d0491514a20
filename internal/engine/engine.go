// Package engine implements the keyspace: an expiring string map and
// fan-out publish/subscribe channels, guarded by a single lock per spec.md
// §5. Snapshot encode/decode is modeled on the packed varint framing in
// the teacher's internal/replica/encoding.go (ReadPackedUint/ReadPackedString).
package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// subscriberQueueCap bounds each subscriber's message queue (spec §9 open
// question on slow-subscriber policy, resolved in DESIGN.md: fixed bound,
// broadcast never blocks, full queues drop and are still counted).
const subscriberQueueCap = 256

type record struct {
	value     string
	expiresAt int64 // ms since epoch; 0 = never expires
}

type subscriber struct {
	queue chan string
}

type channel struct {
	subscribers []*subscriber
}

// Engine is the process-wide keyspace. Every exported method takes the
// engine's exclusive lock; GET is a writer because lazy expiry mutates
// state on the read path (spec.md §9 re-architecture note).
type Engine struct {
	mu       sync.Mutex
	data     map[string]record
	channels map[string]*channel

	nextHandle uint64
	handles    map[uint64]*subscriber

	now func() int64 // injected for tests; defaults to wall-clock ms
}

// New builds an empty engine.
func New() *Engine {
	return &Engine{
		data:     make(map[string]record),
		channels: make(map[string]*channel),
		handles:  make(map[uint64]*subscriber),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// WithClock overrides the time source; used by tests to control expiry.
func (e *Engine) WithClock(now func() int64) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	return e
}

// Get returns the value for key, or (\"\", false) if absent or expired.
// An expired record is evicted as part of the read, per spec.md §3's
// invariant that no caller ever observes an expired value.
func (e *Engine) Get(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getLocked(key)
}

func (e *Engine) getLocked(key string) (string, bool) {
	rec, ok := e.data[key]
	if !ok {
		return "", false
	}
	if rec.expiresAt != 0 && rec.expiresAt <= e.now() {
		delete(e.data, key)
		return "", false
	}
	return rec.value, true
}

// SetAfter stores value with a relative TTL in milliseconds; ttlMs == 0
// means no expiry. Overwrites any existing record unconditionally. It
// returns the absolute expiry (epoch ms, 0 if none) so callers that must
// record it verbatim (the AOF line format) don't need a second,
// potentially racy, clock read.
func (e *Engine) SetAfter(key, value string, ttlMs int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var expiresAt int64
	if ttlMs > 0 {
		expiresAt = e.now() + ttlMs
	}
	e.data[key] = record{value: value, expiresAt: expiresAt}
	return expiresAt
}

// SetAt stores value with an absolute expiry in epoch milliseconds;
// expiresAtMs == 0 means no expiry.
func (e *Engine) SetAt(key, value string, expiresAtMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[key] = record{value: value, expiresAt: expiresAtMs}
}

// Del removes key, reporting whether it was present (and unexpired).
func (e *Engine) Del(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, present := e.getLocked(key)
	if !present {
		return false
	}
	delete(e.data, key)
	return true
}

// AddSubscriber allocates a fresh handle and attaches a queue to channel.
// Handles are dense, monotonically increasing, and never reused.
func (e *Engine) AddSubscriber(name string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.nextHandle
	e.nextHandle++
	sub := &subscriber{queue: make(chan string, subscriberQueueCap)}
	e.handles[h] = sub

	ch, ok := e.channels[name]
	if !ok {
		ch = &channel{}
		e.channels[name] = ch
	}
	ch.subscribers = append(ch.subscribers, sub)
	return h
}

// Fetch performs a non-blocking dequeue for handle.
func (e *Engine) Fetch(handle uint64) (string, bool, error) {
	e.mu.Lock()
	sub, ok := e.handles[handle]
	e.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("unknown handle")
	}
	select {
	case msg := <-sub.queue:
		return msg, true, nil
	default:
		return "", false, nil
	}
}

// Broadcast attempts a non-blocking enqueue to every subscriber on name
// and returns the number of subscribers the channel currently has (the
// spec's "count of attempts", which per §4.A includes drops on full queues).
func (e *Engine) Broadcast(name, message string) int {
	e.mu.Lock()
	ch, ok := e.channels[name]
	var subs []*subscriber
	if ok {
		subs = append(subs, ch.subscribers...)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- message:
		default:
			// queue full: dropped, still counted per spec.
		}
	}
	return len(subs)
}

// Stats reports observational counts for the dashboard; it takes only
// the same lock GET does and never mutates beyond GET's own lazy expiry.
type Stats struct {
	Keys        int
	Channels    int
	Subscribers int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := 0
	for _, ch := range e.channels {
		subs += len(ch.subscribers)
	}
	return Stats{Keys: len(e.data), Channels: len(e.channels), Subscribers: subs}
}

// Serialize produces a compact, self-describing snapshot of the keyspace
// (channels and subscribers are excluded, per spec.md §3/§4.A). Format:
// a packed record count, then per record a packed-length key, a
// packed-length value, and a fixed 8-byte big-endian expiry.
func (e *Engine) Serialize() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	var buf bytes.Buffer
	writePackedUint(&buf, uint64(len(e.data)))
	for key, rec := range e.data {
		writePackedString(&buf, key)
		writePackedString(&buf, rec.value)
		var expBuf [8]byte
		binary.BigEndian.PutUint64(expBuf[:], uint64(rec.expiresAt))
		buf.Write(expBuf[:])
	}
	return buf.Bytes()
}

// Deserialize replaces the current keyspace with the decoded snapshot.
// Channels and subscribers are left untouched.
func (e *Engine) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	count, err := readPackedUint(r)
	if err != nil {
		return fmt.Errorf("engine: read record count: %w", err)
	}
	next := make(map[string]record, count)
	for i := uint64(0); i < count; i++ {
		key, err := readPackedString(r)
		if err != nil {
			return fmt.Errorf("engine: read key %d: %w", i, err)
		}
		value, err := readPackedString(r)
		if err != nil {
			return fmt.Errorf("engine: read value %d: %w", i, err)
		}
		var expBuf [8]byte
		if _, err := io.ReadFull(r, expBuf[:]); err != nil {
			return fmt.Errorf("engine: read expiry %d: %w", i, err)
		}
		next[key] = record{value: value, expiresAt: int64(binary.BigEndian.Uint64(expBuf[:]))}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = next
	return nil
}
