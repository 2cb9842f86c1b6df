package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultQueueSize bounds each subscriber's pending messages. When the
	// queue is full the oldest pending behavior is to drop the new message;
	// SSE clients recover via Last-Event-ID, WebSocket clients via reload.
	defaultQueueSize = 64

	// defaultReplayWindow is how long published messages stay replayable
	// for reconnecting subscribers.
	defaultReplayWindow = 5 * time.Minute
)

// SubscribeOptions describe who is listening and what they may see.
type SubscribeOptions struct {
	// User is the subscriber's identity; non-admin subscribers only see
	// sessions they created.
	User string
	// Admin subscribers see everything, including admin-only messages.
	Admin bool
	// SessionID, when set, narrows delivery to a single session (messages
	// without a session id still pass).
	SessionID string
}

// Subscriber is one attached client. Messages arrive on C; when the
// broadcaster shuts down C is closed.
type Subscriber struct {
	id   string
	opts SubscribeOptions
	ch   chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// C returns the subscriber's message channel.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// Broadcaster distributes messages to subscribers with per-subscriber
// bounded queues and a time-bounded replay ring.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]*Subscriber
	ring   []Message
	seq    uint64
	closed bool

	queueSize    int
	replayWindow time.Duration

	now func() time.Time
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithQueueSize overrides the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) { b.queueSize = n }
}

// WithReplayWindow overrides how long messages stay replayable.
func WithReplayWindow(d time.Duration) Option {
	return func(b *Broadcaster) { b.replayWindow = d }
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:         make(map[string]*Subscriber),
		queueSize:    defaultQueueSize,
		replayWindow: defaultReplayWindow,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe attaches a new subscriber. If lastEventID names a message still
// in the replay ring, everything after it (that the subscriber may see) is
// queued before new messages; replayed reports whether that happened. When
// replayed is false the caller should send a fresh initial_state snapshot.
func (b *Broadcaster) Subscribe(opts SubscribeOptions, lastEventID string) (sub *Subscriber, replayed bool) {
	s := &Subscriber{
		id:   uuid.New().String(),
		opts: opts,
		ch:   make(chan Message, b.queueSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.close()
		return s, false
	}

	var backlog []Message
	if lastEventID != "" {
		b.pruneLocked()
		for i, m := range b.ring {
			if m.ID == lastEventID {
				backlog = b.ring[i+1:]
				replayed = true
				break
			}
		}
	}

	b.subs[s.id] = s
	for _, m := range backlog {
		if visible(opts, m) {
			// The queue is at least ring-replay sized in practice; if a
			// replay overflows, the client reconnects and falls back to a
			// fresh snapshot.
			select {
			case s.ch <- m:
			default:
				slog.Warn("Dropping replayed message for slow subscriber",
					"subscriber_id", s.id, "message_id", m.ID)
			}
		}
	}
	return s, replayed
}

// Unsubscribe detaches a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.close()
}

// Publish stamps the message with an id and timestamp, records it for
// replay, and fans it out. Full subscriber queues drop the message.
func (b *Broadcaster) Publish(msg Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return msg
	}

	b.seq++
	now := b.now().UTC()
	msg.ID = messageID(now, msg.Type, b.seq)
	msg.Timestamp = now

	b.ring = append(b.ring, msg)
	b.pruneLocked()

	for _, s := range b.subs {
		if !visible(s.opts, msg) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			slog.Warn("Subscriber queue full, dropping message",
				"subscriber_id", s.id, "message_id", msg.ID, "type", msg.Type)
		}
	}
	return msg
}

// Stamp assigns an id and timestamp from the shared sequence without
// recording or fanning the message out. Used for per-subscriber messages
// like the initial snapshot, so their ids sort with published ones.
func (b *Broadcaster) Stamp(msg Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	now := b.now().UTC()
	msg.ID = messageID(now, msg.Type, b.seq)
	msg.Timestamp = now
	return msg
}

// Shutdown closes every subscriber channel and rejects further publishes.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// SubscriberCount reports attached subscribers. Used by health reporting
// and tests.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// pruneLocked drops ring entries older than the replay window. Caller holds
// b.mu.
func (b *Broadcaster) pruneLocked() {
	cutoff := b.now().UTC().Add(-b.replayWindow)
	i := 0
	for i < len(b.ring) && b.ring[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.ring = append([]Message(nil), b.ring[i:]...)
	}
}

// visible applies the server-side filter: admins see everything, users see
// their own sessions, and a session filter narrows further.
func visible(opts SubscribeOptions, m Message) bool {
	if m.AdminOnly && !opts.Admin {
		return false
	}
	if !opts.Admin && m.CreatedBy != "" && m.CreatedBy != opts.User {
		return false
	}
	if opts.SessionID != "" && m.SessionID != "" && m.SessionID != opts.SessionID {
		return false
	}
	return true
}
