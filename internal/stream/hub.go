// Package stream provides the in-memory publish/subscribe hub that fans
// generation output out to live listeners.
//
// Streams are keyed by an arbitrary id; by convention the id of the
// assistant placeholder message currently being generated. The hub holds no
// persistent state: after a restart subscriptions are simply gone, and
// consumers that missed a live stream re-read the final content from the
// message store.
package stream

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Hub is a process-scoped fan-out broadcaster. Inject one Hub wherever
// streaming is needed; there is no package-level instance.
//
// Guarantees per stream id:
//   - every subscriber receives every chunk published after its
//     registration, in publish order (fan-out, not work-stealing);
//   - a slow or hung consumer never blocks the publisher or its peers
//     (each subscription buffers independently);
//   - Terminate closes every current subscription exactly once, and
//     subscriptions opened after termination complete immediately.
//
// There is no ordering relationship across different stream ids.
type Hub struct {
	mu         sync.Mutex
	streams    map[uuid.UUID]map[*Subscription]struct{}
	terminated map[uuid.UUID]struct{}
	logger     *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		streams:    make(map[uuid.UUID]map[*Subscription]struct{}),
		terminated: make(map[uuid.UUID]struct{}),
		logger:     logger,
	}
}

// Subscribe registers a new consumer for the given stream id. Chunks
// published from this moment on are delivered on the subscription's channel
// in publish order. Subscribing to an already-terminated stream yields a
// subscription whose channel is closed immediately.
//
// Callers that stop reading before the channel closes must call Close to
// release the subscription.
func (h *Hub) Subscribe(id uuid.UUID) *Subscription {
	sub := &Subscription{
		hub:      h,
		streamID: id,
		ch:       make(chan string),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if _, dead := h.terminated[id]; dead {
		h.mu.Unlock()
		close(sub.ch)
		return sub
	}
	subs, ok := h.streams[id]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.streams[id] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish appends a chunk to every current subscription of the stream.
// Publishing to a stream nobody is (yet) subscribed to is a no-op; chunks
// are not retained for late subscribers. Publish never blocks on consumers.
func (h *Hub) Publish(id uuid.UUID, chunk string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.streams[id] {
		sub.push(chunk)
	}
}

// Terminate signals end-of-stream to every current and future consumer of
// the id and releases the stream's state. Idempotent.
func (h *Hub) Terminate(id uuid.UUID) {
	h.mu.Lock()
	subs := h.streams[id]
	delete(h.streams, id)
	h.terminated[id] = struct{}{}
	h.mu.Unlock()

	for sub := range subs {
		sub.finish()
	}
	h.logger.Debug("stream terminated", "stream_id", id, "subscribers", len(subs))
}

// remove detaches a cancelled subscription from the hub.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.streams[sub.streamID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.streams, sub.streamID)
	}
}

// Subscription is one consumer's view of a stream. Read chunks from C; the
// channel closes at end-of-stream.
type Subscription struct {
	hub      *Hub
	streamID uuid.UUID
	ch       chan string

	mu     sync.Mutex
	buf    []string
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the delivery channel. It carries every chunk published since
// Subscribe, in order, and is closed when the stream terminates.
func (s *Subscription) C() <-chan string {
	return s.ch
}

// Close abandons the subscription. Safe to call at any time, including after
// the channel has closed; a consumer that read to end-of-stream may skip it.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// push appends a chunk to the subscription's private buffer and nudges the
// pump. Never blocks.
func (s *Subscription) push(chunk string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, chunk)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish marks end-of-stream. The pump drains the remaining buffer and then
// closes the delivery channel.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves chunks from the buffer to the delivery channel. Runs on its own
// goroutine per subscription so one consumer's backpressure stays its own.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		var chunk string
		var have bool
		if len(s.buf) > 0 {
			chunk, have = s.buf[0], true
			s.buf = s.buf[1:]
		}
		closed := s.closed
		s.mu.Unlock()

		if have {
			select {
			case s.ch <- chunk:
				continue
			case <-s.done:
				return
			}
		}
		if closed {
			close(s.ch)
			return
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
