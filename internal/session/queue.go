package session

import "sync"

// queuedItem is one enqueued payload, optionally tagged with the method
// name that produced it (used for per-method coalescing of
// notifications; responses carry method for accounting only).
type queuedItem struct {
	payload []byte
	method  string
}

// sendQueue implements the dual-priority, lossy-coalescing send queue
// described in spec §4.6: responses are a lossless FIFO with strict
// priority over notifications, which are a FIFO subject to a byte-count
// cap enforced by evicting the oldest same-method entry first, then any
// oldest entry, before finally dropping the newest notification.
type sendQueue struct {
	mu           sync.Mutex
	capBytes     int64
	responses    []queuedItem
	notifications []queuedItem
	perMethod    map[string]int
	queuedBytes  int64
}

func newSendQueue(capBytes int64) *sendQueue {
	return &sendQueue{
		capBytes:  capBytes,
		perMethod: make(map[string]int),
	}
}

// QueuedBytes returns the current sum of queued payload sizes.
func (q *sendQueue) QueuedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// PerMethodCount returns how many notifications of method are queued.
func (q *sendQueue) PerMethodCount(method string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.perMethod[method]
}

// Len returns (responses, notifications) counts, for tests.
func (q *sendQueue) Len() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.responses), len(q.notifications)
}

// EnqueueResponse enqueues a response. Responses are never dropped: if
// the queue is over its byte cap, the oldest notifications are evicted
// (in FIFO order) to make room, but the response is enqueued regardless
// of whether that succeeds in freeing enough space.
func (q *sendQueue) EnqueueResponse(payload []byte, method string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(payload))
	for q.queuedBytes+n > q.capBytes && len(q.notifications) > 0 {
		q.evictOldestNotificationLocked()
	}
	q.responses = append(q.responses, queuedItem{payload: payload, method: method})
	q.queuedBytes += n
}

// EnqueueNotification implements the coalescing policy from spec §4.6.
// Returns false if the notification was dropped outright (queue could
// not be brought under cap even after eviction).
func (q *sendQueue) EnqueueNotification(payload []byte, method string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(payload))

	if q.queuedBytes+n <= q.capBytes {
		q.pushNotificationLocked(payload, method)
		return true
	}

	// Try coalescing: drop the oldest entry of the same method first.
	if q.perMethod[method] > 0 {
		q.evictOldestOfMethodLocked(method)
		if q.queuedBytes+n <= q.capBytes {
			q.pushNotificationLocked(payload, method)
			return true
		}
	}

	// Fall back to evicting any oldest notification.
	if len(q.notifications) > 0 {
		q.evictOldestNotificationLocked()
		if q.queuedBytes+n <= q.capBytes {
			q.pushNotificationLocked(payload, method)
			return true
		}
	}

	return false
}

func (q *sendQueue) pushNotificationLocked(payload []byte, method string) {
	q.notifications = append(q.notifications, queuedItem{payload: payload, method: method})
	q.perMethod[method]++
	q.queuedBytes += int64(len(payload))
}

func (q *sendQueue) evictOldestNotificationLocked() {
	if len(q.notifications) == 0 {
		return
	}
	item := q.notifications[0]
	q.notifications = q.notifications[1:]
	q.queuedBytes -= int64(len(item.payload))
	q.perMethod[item.method]--
	if q.perMethod[item.method] <= 0 {
		delete(q.perMethod, item.method)
	}
}

func (q *sendQueue) evictOldestOfMethodLocked(method string) {
	for i, item := range q.notifications {
		if item.method == method {
			q.notifications = append(q.notifications[:i], q.notifications[i+1:]...)
			q.queuedBytes -= int64(len(item.payload))
			q.perMethod[method]--
			if q.perMethod[method] <= 0 {
				delete(q.perMethod, method)
			}
			return
		}
	}
}

// Dequeue returns the next item to send, always draining responses
// before notifications (strict priority), and whether anything was
// returned.
func (q *sendQueue) Dequeue() (queuedItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.responses) > 0 {
		item := q.responses[0]
		q.responses = q.responses[1:]
		q.queuedBytes -= int64(len(item.payload))
		return item, true
	}
	if len(q.notifications) > 0 {
		item := q.notifications[0]
		q.notifications = q.notifications[1:]
		q.queuedBytes -= int64(len(item.payload))
		q.perMethod[item.method]--
		if q.perMethod[item.method] <= 0 {
			delete(q.perMethod, item.method)
		}
		return item, true
	}
	return queuedItem{}, false
}

// Clear empties both queues (used on session close).
func (q *sendQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses = nil
	q.notifications = nil
	q.perMethod = make(map[string]int)
	q.queuedBytes = 0
}
