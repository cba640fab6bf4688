package chat

import (
	"fmt"
	"sync"
	"time"
)

// PendingSend is a message waiting for a connection.
type PendingSend struct {
	ClientId   string
	Key        ConversationKey
	ReceiverId string
	Content    string
	EnqueuedAt time.Time
	Attempts   int
}

func (p *PendingSend) String() string {
	return fmt.Sprintf("{cid: %s, to: %s, attempts: %d, enqueued: %s}", p.ClientId, p.ReceiverId,
		p.Attempts, p.EnqueuedAt.Format(time.RFC3339))
}

// PendingQueue is a bounded FIFO of pending sends, one per session.
type PendingQueue struct {
	sync.Mutex

	capacity   int
	maxAge     time.Duration
	maxAttempt int
	items      []*PendingSend
	now        func() time.Time
}

func NewPendingQueue(capacity int, maxAge time.Duration, maxAttempt int) *PendingQueue {
	return &PendingQueue{
		capacity:   capacity,
		maxAge:     maxAge,
		maxAttempt: maxAttempt,
		now:        time.Now,
	}
}

// Enqueue appends p. When the queue is full the oldest entry is dropped and
// returned along with ErrQueueOverflow.
func (q *PendingQueue) Enqueue(p *PendingSend) (*PendingSend, error) {
	q.Lock()
	defer q.Unlock()

	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = q.now()
	}

	var dropped *PendingSend
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, p)

	if dropped != nil {
		return dropped, fmt.Errorf("%w: dropped %s", ErrQueueOverflow, dropped.ClientId)
	}
	return nil, nil
}

// pushFront puts back an entry taken by Drain. It never evicts: a full queue
// refuses the entry and returns false.
func (q *PendingQueue) pushFront(p *PendingSend) bool {
	q.Lock()
	defer q.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append([]*PendingSend{p}, q.items...)
	return true
}

// requeue puts ps back in front of the queue, keeping their order. When the
// result does not fit, the oldest entries are dropped and returned.
func (q *PendingQueue) requeue(ps []*PendingSend) (dropped []*PendingSend) {
	q.Lock()
	defer q.Unlock()

	items := make([]*PendingSend, 0, len(ps)+len(q.items))
	items = append(append(items, ps...), q.items...)
	if n := len(items) - q.capacity; n > 0 {
		dropped = items[:n:n]
		items = items[n:]
	}
	q.items = items
	return dropped
}

// remove deletes the entry with clientId.
func (q *PendingQueue) remove(clientId string) bool {
	q.Lock()
	defer q.Unlock()
	for i, p := range q.items {
		if p.ClientId == clientId {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Drain removes every entry in FIFO order. Entries too old or tried too many
// times are returned in expired instead of ready.
func (q *PendingQueue) Drain() (ready, expired []*PendingSend) {
	q.Lock()
	items := q.items
	q.items = nil
	q.Unlock()

	now := q.now()
	for _, p := range items {
		if q.expired(p, now) {
			expired = append(expired, p)
		} else {
			ready = append(ready, p)
		}
	}
	return ready, expired
}

func (q *PendingQueue) expired(p *PendingSend, now time.Time) bool {
	return now.Sub(p.EnqueuedAt) > q.maxAge || p.Attempts >= q.maxAttempt
}

func (q *PendingQueue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.items)
}

// Clear discards everything and returns how many entries were dropped.
func (q *PendingQueue) Clear() int {
	q.Lock()
	defer q.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
