package observability

import "sync"

// tableQueue is one table's bounded row buffer. Enqueue never blocks:
// once maxRows is reached, the oldest un-flushed row of this table is
// dropped to make room for the new one (spec.md §4.8's drop policy),
// rather than ever back-pressuring the caller.
type tableQueue struct {
	mu      sync.Mutex
	rows    []any
	maxRows int
	dropped int64
	notify  chan struct{}
}

func newTableQueue(maxRows int) *tableQueue {
	return &tableQueue{maxRows: maxRows, notify: make(chan struct{}, 1)}
}

func (q *tableQueue) push(row any) {
	q.mu.Lock()
	if len(q.rows) >= q.maxRows {
		q.rows = q.rows[1:]
		q.dropped++
	}
	q.rows = append(q.rows, row)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes up to maxBatch rows from the front of the queue (oldest
// first) and returns them.
func (q *tableQueue) drain(maxBatch int) []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.rows) == 0 {
		return nil
	}
	n := len(q.rows)
	if n > maxBatch {
		n = maxBatch
	}
	batch := make([]any, n)
	copy(batch, q.rows[:n])
	q.rows = q.rows[n:]
	return batch
}

func (q *tableQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows)
}
