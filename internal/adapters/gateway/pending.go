package gateway

import (
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
)

const DefaultPreparedTTL = 60 * time.Second

// PreparedStartContext binds the next StartCascade to an account.
type PreparedStartContext struct {
	AccountID       domain.AccountID
	Model           string
	MaxOutputTokens int
	PreparedAt      time.Time
}

// PendingQueue is a FIFO of prepared contexts. Entries older than the TTL are
// dropped from the front and never handed out.
type PendingQueue struct {
	mu    sync.Mutex
	items []PreparedStartContext
	ttl   time.Duration
	clock ports.Clock
}

func NewPendingQueue(clock ports.Clock, ttl time.Duration) *PendingQueue {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultPreparedTTL
	}
	return &PendingQueue{clock: clock, ttl: ttl}
}

func (q *PendingQueue) Push(ctx PreparedStartContext) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.pruneLocked(now)
	if ctx.PreparedAt.IsZero() {
		ctx.PreparedAt = now
	}
	q.items = append(q.items, ctx)
}

// Pop returns the oldest unexpired context.
func (q *PendingQueue) Pop() (PreparedStartContext, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(q.clock.Now())
	if len(q.items) == 0 {
		return PreparedStartContext{}, false
	}
	next := q.items[0]
	q.items[0] = PreparedStartContext{}
	q.items = q.items[1:]
	return next, true
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *PendingQueue) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(q.items) && now.Sub(q.items[drop].PreparedAt) > q.ttl {
		drop++
	}
	if drop > 0 {
		q.items = append([]PreparedStartContext(nil), q.items[drop:]...)
	}
}
