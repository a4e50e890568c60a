package pool

import (
	"sync"
	"time"

	"github.com/halcyon-oss/coroproxy/pkg/client"
)

// genQueue is a two-generation queue of pooled clients, the Go
// realization of client_queue.hpp's two-sub-queue design (§4.3.3): entries
// are always enqueued into the "current" generation; dequeue drains the
// other ("old") generation first, falling back to the current one, and
// within a generation takes the most recently enqueued entry first.
// reselect flips which generation is current, and clearOld evicts up to n
// entries from whatever is now the old generation. Run reselect once per
// sweep interval and clearOld on the next sweep: an entry enqueued just
// before a reselect survives at least one full interval and at most two,
// which is the [TTL, 2*TTL] guarantee.
//
// The original is a lock-free MPMC queue (moodycamel::ConcurrentQueue); a
// mutex-guarded slice pair is the idiomatic Go substitute — there is no
// lock-free MPMC queue in the example corpus's dependency surface, and the
// pool's acquire/release path is not hot enough to need one.
type genQueue struct {
	mu       sync.Mutex
	gen      [2][]*entry
	selected int
}

type entry struct {
	client   *client.Client
	enqueued time.Time
}

func newGenQueue() *genQueue {
	return &genQueue{}
}

func (q *genQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.gen[0]) + len(q.gen[1])
}

func (q *genQueue) reselect() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.selected ^= 1
}

func (q *genQueue) enqueue(e *entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.selected
	q.gen[idx] = append(q.gen[idx], e)
	return len(q.gen[0]) + len(q.gen[1])
}

func (q *genQueue) tryDequeue() (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	old := q.selected ^ 1
	if n := len(q.gen[old]); n > 0 {
		e := q.gen[old][n-1]
		q.gen[old] = q.gen[old][:n-1]
		return e, true
	}
	cur := q.selected
	if n := len(q.gen[cur]); n > 0 {
		e := q.gen[cur][n-1]
		q.gen[cur] = q.gen[cur][:n-1]
		return e, true
	}
	return nil, false
}

// clearOld evicts up to maxClear entries from the current old generation,
// returning the evicted entries so the caller can close their clients
// outside the lock.
func (q *genQueue) clearOld(maxClear int) []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	old := q.selected ^ 1
	n := len(q.gen[old])
	if n == 0 {
		return nil
	}
	if n > maxClear {
		n = maxClear
	}
	evicted := q.gen[old][:n]
	q.gen[old] = q.gen[old][n:]
	return evicted
}
