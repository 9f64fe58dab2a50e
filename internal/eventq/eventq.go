// Package eventq implements a single-threaded cooperative timer
// queue, used for scheduled maintenance such as the DSE write-behind
// debounce (see internal/dse).
package eventq

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Func is a scheduled callback. It must not block - it runs on the
// queue's single worker goroutine.
type Func func(arg interface{})

// Context identifies a scheduled event for Cancel/GetArg.
type Context uint64

type entry struct {
	ctx      Context
	fn       Func
	arg      interface{}
	when     time.Time
	interval time.Duration // zero for a one-shot `once` event
	seq      uint64        // insertion order, for same-second tie-break
	index    int           // heap index, maintained by container/heap
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a single-worker cooperative timer wheel.
type Queue struct {
	mu       sync.Mutex
	h        entryHeap
	byCtx    map[Context]*entry
	nextCtx  Context
	nextSeq  uint64
	wake     chan struct{}
	stopCh   chan struct{}
	stopped  bool
	started  bool
	wg       sync.WaitGroup
	log      log.Logger
	nowFn    func() time.Time
}

// New constructs a Queue. Call Start to begin running scheduled events.
func New() *Queue {
	return &Queue{
		byCtx: make(map[Context]*entry),
		wake:  make(chan struct{}, 1),
		log:   log.New("component", "eventq"),
		nowFn: time.Now,
	}
}

// Start launches the single worker goroutine.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run()
}

// Stop idempotently stops and joins the worker. Events still queued at
// that point are not run, and events enqueued after Stop are silently
// dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.stopCh)
	q.mu.Unlock()
	q.wg.Wait()
}

// Once schedules fn to run exactly once at `when`, unless canceled
// first.
func (q *Queue) Once(fn Func, arg interface{}, when time.Time) Context {
	return q.schedule(fn, arg, when, 0)
}

// Repeat schedules fn to run at `when` and then re-queues itself every
// interval thereafter.
func (q *Queue) Repeat(fn Func, arg interface{}, when time.Time, interval time.Duration) Context {
	return q.schedule(fn, arg, when, interval)
}

func (q *Queue) schedule(fn Func, arg interface{}, when time.Time, interval time.Duration) Context {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return 0
	}
	q.nextCtx++
	ctx := q.nextCtx
	q.nextSeq++
	e := &entry{ctx: ctx, fn: fn, arg: arg, when: when, interval: interval, seq: q.nextSeq}
	heap.Push(&q.h, e)
	q.byCtx[ctx] = e
	q.signal()
	return ctx
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel returns true if the event was still queued and is now
// removed; false if it had already fired or never existed.
func (q *Queue) Cancel(ctx Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byCtx[ctx]
	if !ok || e.canceled {
		return false
	}
	e.canceled = true
	if e.index >= 0 {
		heap.Remove(&q.h, e.index)
	}
	delete(q.byCtx, ctx)
	return true
}

// GetArg returns the argument associated with ctx. Callers must treat
// this as racy: the event may fire and be reaped between check and use.
func (q *Queue) GetArg(ctx Context) (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byCtx[ctx]
	if !ok {
		return nil, false
	}
	return e.arg, true
}

func (q *Queue) run() {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var sleep time.Duration
		if len(q.h) == 0 {
			sleep = time.Hour
		} else {
			sleep = time.Until(q.h[0].when)
			if sleep < 0 {
				sleep = 0
			}
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-q.stopCh:
			return
		case <-q.wake:
			continue
		case <-timer.C:
			q.fireDue()
		}
	}
}

func (q *Queue) fireDue() {
	now := q.nowFn()
	for {
		q.mu.Lock()
		if len(q.h) == 0 || q.h[0].when.After(now) {
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.h).(*entry)
		delete(q.byCtx, e.ctx)
		q.mu.Unlock()

		if e.canceled {
			continue
		}
		q.invoke(e)

		if e.interval > 0 {
			next := now.Add(e.interval)
			if next.Before(e.when.Add(e.interval)) {
				next = e.when.Add(e.interval)
			}
			q.mu.Lock()
			if !q.stopped {
				// Re-queue under the same ctx so Cancel/GetArg on the
				// handle Repeat returned keep working.
				q.nextSeq++
				ne := &entry{ctx: e.ctx, fn: e.fn, arg: e.arg, when: next, interval: e.interval, seq: q.nextSeq}
				heap.Push(&q.h, ne)
				q.byCtx[e.ctx] = ne
			}
			q.mu.Unlock()
		}
	}
}

func (q *Queue) invoke(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("eventq: scheduled callback panicked", "recover", r)
		}
	}()
	e.fn(e.arg)
}
