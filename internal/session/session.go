// Package session implements ClientSession: per-connection state for the
// IPC engine (spec §3, §4.6) — authentication, rate limiting, and the
// dual-priority lossy-coalescing send queue that decouples a slow
// consumer from the runtime's producers.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the narrow capability a ClientSession needs from whatever
// concrete listener accepted it (websocket, unix-socket pipe, ...): send
// a framed payload, and release the connection.
type Transport interface {
	SendFrame(payload []byte) error
	Close() error
}

// ClientSession holds the state described in spec §3. Apart from the
// ID, fields are unexported; all access goes through methods so that the
// invariants (queuedBytes bookkeeping, monotonic auth transition, token
// bucket bounds) are enforced in one place.
type ClientSession struct {
	ID         string
	transport  Transport
	clientInfo atomic.Value // string

	authenticated atomic.Bool
	authEpoch     atomic.Int64

	lastSeenMu sync.Mutex
	lastSeen   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	bucket *tokenBucket
	queue  *sendQueue

	sendAvailable chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// New constructs a session wrapping transport, with the given rate-limit
// parameters and per-session queue byte cap.
func New(id string, transport Transport, perSecond, burst, queueCapBytes int64) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ClientSession{
		ID:            id,
		transport:     transport,
		ctx:           ctx,
		cancel:        cancel,
		bucket:        newTokenBucket(perSecond, burst),
		queue:         newSendQueue(queueCapBytes),
		sendAvailable: make(chan struct{}, 1),
	}
	s.clientInfo.Store("")
	s.lastSeen = time.Now()
	return s
}

// Context is cancelled when the session is closed.
func (s *ClientSession) Context() context.Context { return s.ctx }

// Authenticated reports the session's auth flag.
func (s *ClientSession) Authenticated() bool { return s.authenticated.Load() }

// Authenticate transitions the session to authenticated and captures the
// epoch at the moment of success. Per spec §3, this transition is
// monotonic (false→true only); calling it again is a no-op that leaves
// the originally captured epoch untouched, matching the idempotent
// handshake-replay semantics adopted in spec §9.
func (s *ClientSession) Authenticate(epoch int64) {
	if s.authenticated.CompareAndSwap(false, true) {
		s.authEpoch.Store(epoch)
	}
}

// AuthEpoch returns the epoch captured at handshake time.
func (s *ClientSession) AuthEpoch() int64 { return s.authEpoch.Load() }

// SetClientInfo stores the optional client-supplied info string.
func (s *ClientSession) SetClientInfo(info string) { s.clientInfo.Store(info) }

// ClientInfo returns the client-supplied info string, or "".
func (s *ClientSession) ClientInfo() string {
	v, _ := s.clientInfo.Load().(string)
	return v
}

// Touch updates the last-activity timestamp.
func (s *ClientSession) Touch() {
	s.lastSeenMu.Lock()
	s.lastSeen = time.Now()
	s.lastSeenMu.Unlock()
}

// IdleSince reports how long it has been since the last activity.
func (s *ClientSession) IdleSince() time.Duration {
	s.lastSeenMu.Lock()
	defer s.lastSeenMu.Unlock()
	return time.Since(s.lastSeen)
}

// TryConsume attempts to consume one rate-limit token.
func (s *ClientSession) TryConsume() bool { return s.bucket.tryConsume() }

// Tokens returns the current token count (tests/metrics).
func (s *ClientSession) Tokens() int64 { return s.bucket.Tokens() }

// QueuedBytes returns the sum of bytes currently queued across both
// queues (invariant 2 in spec §8).
func (s *ClientSession) QueuedBytes() int64 { return s.queue.QueuedBytes() }

// PerMethodNotificationCount returns how many notifications of method
// are currently queued (invariant 3 in spec §8).
func (s *ClientSession) PerMethodNotificationCount(method string) int {
	return s.queue.PerMethodCount(method)
}

// EnqueueResponse enqueues a response payload; it is never dropped.
func (s *ClientSession) EnqueueResponse(payload []byte, method string) {
	if s.closed.Load() {
		return
	}
	s.queue.EnqueueResponse(payload, method)
	s.signal()
}

// EnqueueNotification enqueues a notification payload subject to the
// coalescing policy. Returns whether it was actually queued.
func (s *ClientSession) EnqueueNotification(payload []byte, method string) bool {
	if s.closed.Load() {
		return false
	}
	ok := s.queue.EnqueueNotification(payload, method)
	if ok {
		s.signal()
	}
	return ok
}

// Dequeue returns the next payload to send (responses take strict
// priority) and whether one was available.
func (s *ClientSession) Dequeue() ([]byte, bool) {
	item, ok := s.queue.Dequeue()
	if !ok {
		return nil, false
	}
	return item.payload, true
}

// SendAvailable is the signalling channel the send loop waits on. It is
// receive-only from the caller's perspective; sends are internal.
func (s *ClientSession) SendAvailable() <-chan struct{} { return s.sendAvailable }

func (s *ClientSession) signal() {
	select {
	case s.sendAvailable <- struct{}{}:
	default:
	}
}

// SendFrame writes payload through the underlying transport.
func (s *ClientSession) SendFrame(payload []byte) error {
	return s.transport.SendFrame(payload)
}

// Close cancels the session's context, closes the transport, drains the
// queues, and is safe to call more than once.
func (s *ClientSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		err = s.transport.Close()
		s.queue.Clear()
		s.signal()
	})
	return err
}

// Closed reports whether Close has run.
func (s *ClientSession) Closed() bool { return s.closed.Load() }
