package ingest

import (
	"log/slog"
	"sync"
	"time"

	"marketpipe/internal/domain"
)

// Queue is the bounded, coalescing ingest queue between the watcher and
// the workers.
//
// Semantics:
//   - Pending tasks are keyed by file path: a burst of notifications for
//     one file collapses into a single task holding the newest snapshot.
//   - A content identity (path plus hash) that has already been processed
//     is dropped on enqueue, so a re-notified unchanged file is never
//     reprocessed.
//   - A path being processed is never handed out again until Done is
//     called for it; a task for that path enqueued in the meantime waits.
//   - At capacity, the oldest pending task is dropped with a warning.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity int
	order    []string        // pending paths, FIFO
	pending  map[string]Task // by path
	active   map[string]bool // paths being processed

	// Processed content identities, bounded: oldest entries age out so a
	// long watch run does not grow memory with every file version ever
	// seen. An aged-out identity is merely reprocessed, never corrupted.
	done      map[string]bool
	doneOrder []string
	doneLimit int

	closed bool
	seq    uint64

	logger *slog.Logger
}

// NewQueue creates a Queue holding at most capacity pending tasks.
func NewQueue(capacity int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		capacity:  capacity,
		pending:   make(map[string]Task),
		active:    make(map[string]bool),
		done:      make(map[string]bool),
		doneLimit: defaultDoneLimit,
		logger:    logger.With(slog.String("component", "queue")),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a task for the file, coalescing with any pending task for
// the same path. It reports whether the snapshot was accepted.
func (q *Queue) Enqueue(file domain.RawFile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	identity := file.Identity()
	if q.done[identity] {
		q.logger.Debug("skipping processed content", slog.String("path", file.Path))
		return false
	}

	task := Task{Seq: q.nextSeq(), File: file, EnqueuedAt: time.Now()}
	if _, pending := q.pending[file.Path]; pending {
		// Coalesce: keep queue position, take the newest snapshot.
		q.pending[file.Path] = task
		q.cond.Broadcast()
		return true
	}

	if len(q.order) >= q.capacity {
		q.dropOldest()
	}

	q.order = append(q.order, file.Path)
	q.pending[file.Path] = task
	q.cond.Broadcast()
	return true
}

// dropOldest evicts the oldest pending task, preferring one whose path
// is not mid-processing so a queued re-read of an active file survives.
func (q *Queue) dropOldest() {
	victim := 0
	for i, path := range q.order {
		if !q.active[path] {
			victim = i
			break
		}
	}
	dropped := q.order[victim]
	q.order = append(q.order[:victim], q.order[victim+1:]...)
	delete(q.pending, dropped)
	q.logger.Warn("queue full, dropping oldest pending task", slog.String("dropped", dropped))
}

func (q *Queue) nextSeq() uint64 {
	q.seq++
	return q.seq
}

// Dequeue blocks until a task whose path is not currently being processed
// is available, marks that path active, and returns the task. It returns
// ok=false once the queue is closed and drained.
func (q *Queue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for i, path := range q.order {
			if q.active[path] {
				continue
			}
			task := q.pending[path]
			q.order = append(q.order[:i], q.order[i+1:]...)
			delete(q.pending, path)
			q.active[path] = true
			return task, true
		}
		if q.closed && len(q.pending) == 0 {
			return Task{}, false
		}
		q.cond.Wait()
	}
}

// Done releases the path taken by Dequeue. When processed is true the
// task's content identity is remembered and never enqueued again.
func (q *Queue) Done(task Task, processed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, task.File.Path)
	if processed {
		q.markDone(task.File.Identity())
	}
	q.cond.Broadcast()
}

// defaultDoneLimit caps how many processed identities are remembered.
const defaultDoneLimit = 4096

func (q *Queue) markDone(identity string) {
	if q.done[identity] {
		return
	}
	q.done[identity] = true
	q.doneOrder = append(q.doneOrder, identity)
	for len(q.doneOrder) > q.doneLimit {
		evicted := q.doneOrder[0]
		q.doneOrder = q.doneOrder[1:]
		delete(q.done, evicted)
	}
}

// Close stops accepting tasks. Blocked Dequeue calls return once the
// pending backlog is drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
