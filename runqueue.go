package fibev

import "container/list"

// runQueueEntry is the `(fiber, resume-value, scheduled-flag)` tuple from
// spec §3 "Run queue entry". The scheduled-flag is implicit: a fiber has an
// entry iff it is present in runQueue.index.
type runQueueEntry struct {
	fiber *Fiber
	value resumeValue
}

// runQueue is a FIFO with front-insert for prioritised resumes, backed by a
// doubly-linked list plus a fiber->node index for O(1) deletion, exactly as
// spec §4.B prescribes. Every method assumes single-threaded use by the
// backend's owning goroutine; cross-thread scheduling goes through
// [Backend.Wakeup] + the async watcher, never directly through runQueue.
type runQueue struct {
	l     list.List
	index map[*Fiber]*list.Element
}

func newRunQueue() runQueue {
	return runQueue{index: make(map[*Fiber]*list.Element)}
}

// pushBack enqueues f at the back, or updates its resume value in place if
// f is already queued — scheduling is idempotent (spec §4.C "schedule").
func (q *runQueue) pushBack(f *Fiber, v resumeValue) {
	if el, ok := q.index[f]; ok {
		el.Value.(*runQueueEntry).value = v
		return
	}
	el := q.l.PushBack(&runQueueEntry{fiber: f, value: v})
	q.index[f] = el
}

// pushFront enqueues f at the front for a prioritised resume, or updates
// its resume value in place (without moving it) if already queued.
func (q *runQueue) pushFront(f *Fiber, v resumeValue) {
	if el, ok := q.index[f]; ok {
		el.Value.(*runQueueEntry).value = v
		return
	}
	el := q.l.PushFront(&runQueueEntry{fiber: f, value: v})
	q.index[f] = el
}

// popFront removes and returns the head entry, if any.
func (q *runQueue) popFront() (*Fiber, resumeValue, bool) {
	el := q.l.Front()
	if el == nil {
		return nil, resumeValue{}, false
	}
	entry := el.Value.(*runQueueEntry)
	q.l.Remove(el)
	delete(q.index, entry.fiber)
	return entry.fiber, entry.value, true
}

// delete removes f from the queue if present; used by unschedule_fiber on
// fiber death (spec DESIGN NOTES "Run-queue index"). Reports whether f was
// found.
func (q *runQueue) delete(f *Fiber) bool {
	el, ok := q.index[f]
	if !ok {
		return false
	}
	q.l.Remove(el)
	delete(q.index, f)
	return true
}

// contains reports whether f currently has an entry in the queue.
func (q *runQueue) contains(f *Fiber) bool {
	_, ok := q.index[f]
	return ok
}

func (q *runQueue) len() int { return q.l.Len() }
