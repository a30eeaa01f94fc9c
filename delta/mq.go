package delta

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// MQFlags toggles optional dispatcher behavior
type MQFlags uint32

const (
	// MQCPUAffinity pins queue workers to SQAffinity/CQAffinity masks
	MQCPUAffinity MQFlags = 1 << iota
)

// MQConfig configures a MultiQueue
type MQConfig struct {
	Name       string
	NumQueues  int
	QueueSize  int
	Timeout    time.Duration
	SQAffinity []uint64 // Per-queue CPU bitmask, 0 or missing = no pinning
	CQAffinity []uint64
	Flags      MQFlags
}

// MQHooks are the behaviors injected into the dispatcher.
// Submit runs on the queue's submission worker and must eventually lead to
// Complete(entry) or a timeout. Complete runs on the completion worker exactly
// once per accepted request. Timeout runs before a timed-out request is routed
// through Complete. StatsRow fills one row per in-flight request.
type MQHooks struct {
	Submit   func(entry QueueEntry, opaque any)
	Complete func(opaque any)
	Timeout  func(opaque any)
	StatsRow func(row *StatsRow, opaque any)
}

// QueueEntry correlates a submitted request with its completion. The zero
// value is not a valid entry; a handle goes stale once its request finishes.
type QueueEntry struct {
	queue int
	slot  int
	gen   uint64
}

// Queue returns the queue the request was submitted to
func (e QueueEntry) Queue() int { return e.queue }

// Valid reports whether the handle was issued by Submit
func (e QueueEntry) Valid() bool { return e.gen != 0 }

func (e QueueEntry) String() string {
	return fmt.Sprintf("q%d/s%d/g%d", e.queue, e.slot, e.gen)
}

// StatsRow is one line of the dispatcher's in-flight request report
type StatsRow struct {
	Queue   int           `json:"queue"`
	State   string        `json:"state"`
	Age     time.Duration `json:"age"`
	LBA     uint64        `json:"lba"`
	Ch      int           `json:"ch"`
	Lun     int           `json:"lun"`
	Blk     int           `json:"blk"`
	Pg      int           `json:"pg"`
	Pl      int           `json:"pl"`
	Sec     int           `json:"sec"`
	Type    byte          `json:"type"`
	Failed  bool          `json:"failed"`
	DataCmp bool          `json:"datacmp"`
	Size    int           `json:"size"`
}

// QueueStats are the counters of one queue
type QueueStats struct {
	Queue     int    `json:"queue"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	TimedOut  uint64 `json:"timedOut"`
	Rejected  uint64 `json:"rejected"`
	Stale     uint64 `json:"stale"` // Completions that arrived after timeout
	InFlight  int    `json:"inFlight"`
}

type entryState uint64

const (
	entryFree entryState = iota
	entrySubmitted
	entryCompleting
	entryTimedOut

	entryStateBits = 2
	entryStateMask = 1<<entryStateBits - 1
)

func (s entryState) String() string {
	switch s {
	case entryFree:
		return "free"
	case entrySubmitted:
		return "submitted"
	case entryCompleting:
		return "completing"
	case entryTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

func packEntry(gen uint64, st entryState) uint64 { return gen<<entryStateBits | uint64(st) }

func unpackEntry(w uint64) (uint64, entryState) {
	return w >> entryStateBits, entryState(w & entryStateMask)
}

// mqSlot holds one request. word packs generation and state so completion
// and timeout race on a single compare-and-swap.
type mqSlot struct {
	word        atomic.Uint64
	run         sync.Mutex // Held while the submit hook runs; completion waits on it
	opaque      any
	submittedAt time.Time
}

type mqQueue struct {
	id        int
	mu        sync.Mutex
	slots     []mqSlot
	free      []int
	deadlines *deadlineQueue
	sq        chan QueueEntry
	cq        chan int
	wake      chan struct{}

	submitted atomic.Uint64
	completed atomic.Uint64
	timedOut  atomic.Uint64
	rejected  atomic.Uint64
	stale     atomic.Uint64
}

// MultiQueue dispatches requests over a set of submission/completion queue
// pairs. Each queue has its own submission worker, completion worker and
// timeout timer.
type MultiQueue struct {
	cfg    MQConfig
	hooks  MQHooks
	queues []*mqQueue
	log    logrus.FieldLogger

	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once
}

// NewMultiQueue validates cfg, allocates the queues and starts their workers
func NewMultiQueue(cfg MQConfig, hooks MQHooks, log logrus.FieldLogger) (*MultiQueue, error) {
	if cfg.NumQueues < 1 || cfg.NumQueues > MaxQueues {
		return nil, ErrInvalidConfig(fmt.Sprintf("mq %s: numQueues must be between 1 and %d", cfg.Name, MaxQueues))
	}
	if cfg.QueueSize < 1 || cfg.QueueSize > MaxQueueSize {
		return nil, ErrInvalidConfig(fmt.Sprintf("mq %s: queueSize must be between 1 and %d", cfg.Name, MaxQueueSize))
	}
	if cfg.Timeout <= 0 {
		return nil, ErrInvalidConfig(fmt.Sprintf("mq %s: timeout must be > 0", cfg.Name))
	}
	if hooks.Submit == nil || hooks.Complete == nil {
		return nil, ErrInvalidConfig(fmt.Sprintf("mq %s: submit and complete hooks are required", cfg.Name))
	}
	if cfg.Flags&MQCPUAffinity != 0 {
		for _, masks := range [][]uint64{cfg.SQAffinity, cfg.CQAffinity} {
			for q, mask := range masks {
				if err := checkAffinity(mask); err != nil {
					return nil, fmt.Errorf("mq %s queue %d: %w", cfg.Name, q, err)
				}
			}
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	mq := &MultiQueue{
		cfg:    cfg,
		hooks:  hooks,
		queues: make([]*mqQueue, cfg.NumQueues),
		log:    log.WithField("mq", cfg.Name),
		stop:   make(chan struct{}),
	}
	for i := range mq.queues {
		q := &mqQueue{
			id:        i,
			slots:     make([]mqSlot, cfg.QueueSize),
			free:      make([]int, cfg.QueueSize),
			deadlines: newDeadlineQueue(),
			sq:        make(chan QueueEntry, cfg.QueueSize),
			cq:        make(chan int, cfg.QueueSize),
			wake:      make(chan struct{}, 1),
		}
		for s := range q.free {
			q.free[s] = cfg.QueueSize - 1 - s
		}
		mq.queues[i] = q
	}
	for _, q := range mq.queues {
		mq.wg.Add(3)
		go mq.sqWorker(q, mq.affinity(cfg.SQAffinity, q.id))
		go mq.cqWorker(q, mq.affinity(cfg.CQAffinity, q.id))
		go mq.timeoutWorker(q)
	}
	mq.log.Debugf("[MQ] started %d queues of %d entries, timeout %v", cfg.NumQueues, cfg.QueueSize, cfg.Timeout)
	return mq, nil
}

func (mq *MultiQueue) affinity(masks []uint64, q int) uint64 {
	if mq.cfg.Flags&MQCPUAffinity == 0 || q >= len(masks) {
		return 0
	}
	return masks[q]
}

// NumQueues returns the number of queue pairs
func (mq *MultiQueue) NumQueues() int { return len(mq.queues) }

// Submit enqueues opaque on queue q without blocking. It fails with
// ErrQueueFull when the queue has no free entry.
func (mq *MultiQueue) Submit(q int, opaque any) (QueueEntry, error) {
	if mq.closed.Load() {
		return QueueEntry{}, ErrClosed
	}
	if q < 0 || q >= len(mq.queues) {
		return QueueEntry{}, fmt.Errorf("mq %s: queue %d out of range", mq.cfg.Name, q)
	}
	queue := mq.queues[q]

	queue.mu.Lock()
	n := len(queue.free)
	if n == 0 {
		queue.mu.Unlock()
		queue.rejected.Add(1)
		return QueueEntry{}, fmt.Errorf("mq %s queue %d: %w", mq.cfg.Name, q, ErrQueueFull)
	}
	idx := queue.free[n-1]
	queue.free = queue.free[:n-1]
	slot := &queue.slots[idx]
	gen, _ := unpackEntry(slot.word.Load())
	gen++
	slot.opaque = opaque
	slot.submittedAt = time.Now()
	slot.word.Store(packEntry(gen, entrySubmitted))
	entry := QueueEntry{queue: q, slot: idx, gen: gen}

	select {
	case queue.sq <- entry:
	default:
		// Submission channel still holds entries of recycled slots
		slot.opaque = nil
		slot.word.Store(packEntry(gen, entryFree))
		queue.free = append(queue.free, idx)
		queue.mu.Unlock()
		queue.rejected.Add(1)
		return QueueEntry{}, fmt.Errorf("mq %s queue %d: %w", mq.cfg.Name, q, ErrQueueFull)
	}

	queue.deadlines.Push(deadline{at: slot.submittedAt.Add(mq.cfg.Timeout), slot: idx, gen: gen})
	if queue.deadlines.Len() > 4*len(queue.slots) {
		queue.deadlines.Prune(func(d deadline) bool {
			return queue.slots[d.slot].word.Load() == packEntry(d.gen, entrySubmitted)
		})
	}
	queue.mu.Unlock()
	queue.submitted.Add(1)

	select {
	case queue.wake <- struct{}{}:
	default:
	}
	return entry, nil
}

// Complete signals that the request behind e finished. A request is completed
// once: a second call, or a call after the request timed out, returns
// ErrStaleEntry.
func (mq *MultiQueue) Complete(e QueueEntry) error {
	if e.queue < 0 || e.queue >= len(mq.queues) || !e.Valid() {
		return fmt.Errorf("%w: %v", ErrStaleEntry, e)
	}
	queue := mq.queues[e.queue]
	if e.slot < 0 || e.slot >= len(queue.slots) {
		return fmt.Errorf("%w: %v", ErrStaleEntry, e)
	}
	slot := &queue.slots[e.slot]
	if !slot.word.CompareAndSwap(packEntry(e.gen, entrySubmitted), packEntry(e.gen, entryCompleting)) {
		queue.stale.Add(1)
		return fmt.Errorf("%w: %v", ErrStaleEntry, e)
	}
	queue.cq <- e.slot
	return nil
}

func (mq *MultiQueue) sqWorker(q *mqQueue, mask uint64) {
	defer mq.wg.Done()
	if mask != 0 {
		if err := pinThread(mask); err != nil {
			mq.log.Warnf("[MQ] queue %d sq affinity %#x: %v", q.id, mask, err)
		}
	}
	for {
		select {
		case <-mq.stop:
			return
		case e := <-q.sq:
			slot := &q.slots[e.slot]
			slot.run.Lock()
			// Timed out (and possibly recycled) while waiting in the queue
			if slot.word.Load() != packEntry(e.gen, entrySubmitted) {
				slot.run.Unlock()
				continue
			}
			q.mu.Lock()
			opaque := slot.opaque
			q.mu.Unlock()
			mq.hooks.Submit(e, opaque)
			slot.run.Unlock()
		}
	}
}

func (mq *MultiQueue) cqWorker(q *mqQueue, mask uint64) {
	defer mq.wg.Done()
	if mask != 0 {
		if err := pinThread(mask); err != nil {
			mq.log.Warnf("[MQ] queue %d cq affinity %#x: %v", q.id, mask, err)
		}
	}
	for {
		select {
		case <-mq.stop:
			return
		case idx := <-q.cq:
			slot := &q.slots[idx]
			slot.run.Lock()
			q.mu.Lock()
			opaque := slot.opaque
			q.mu.Unlock()
			mq.hooks.Complete(opaque)

			// Cleared before run is released so Rows never sees a recycled opaque
			q.mu.Lock()
			gen, _ := unpackEntry(slot.word.Load())
			slot.opaque = nil
			slot.word.Store(packEntry(gen, entryFree))
			q.free = append(q.free, idx)
			q.mu.Unlock()
			slot.run.Unlock()
			q.completed.Add(1)
		}
	}
}

func (mq *MultiQueue) timeoutWorker(q *mqQueue) {
	defer mq.wg.Done()
	timer := time.NewTimer(mq.cfg.Timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		next, ok := q.deadlines.Peek()
		q.mu.Unlock()
		wait := mq.cfg.Timeout
		if ok {
			wait = time.Until(next.at)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-mq.stop:
			return
		case <-q.wake:
			continue
		case <-timer.C:
		}

		q.mu.Lock()
		expired := q.deadlines.Expired(time.Now())
		q.mu.Unlock()
		for _, d := range expired {
			slot := &q.slots[d.slot]
			if !slot.word.CompareAndSwap(packEntry(d.gen, entrySubmitted), packEntry(d.gen, entryTimedOut)) {
				continue
			}
			q.timedOut.Add(1)
			q.mu.Lock()
			opaque := slot.opaque
			q.mu.Unlock()
			mq.log.Warnf("[MQ] queue %d entry %d timed out after %v", q.id, d.slot, mq.cfg.Timeout)
			if mq.hooks.Timeout != nil {
				mq.hooks.Timeout(opaque)
			}
			q.cq <- d.slot
		}
	}
}

// Stats returns the counters of every queue
func (mq *MultiQueue) Stats() []QueueStats {
	out := make([]QueueStats, len(mq.queues))
	for i, q := range mq.queues {
		q.mu.Lock()
		inFlight := len(q.slots) - len(q.free)
		q.mu.Unlock()
		out[i] = QueueStats{
			Queue:     q.id,
			Submitted: q.submitted.Load(),
			Completed: q.completed.Load(),
			TimedOut:  q.timedOut.Load(),
			Rejected:  q.rejected.Load(),
			Stale:     q.stale.Load(),
			InFlight:  inFlight,
		}
	}
	return out
}

// Rows reports one StatsRow per in-flight request. The StatsRow hook runs
// under the queue lock and must not call back into the MultiQueue.
func (mq *MultiQueue) Rows() []StatsRow {
	var rows []StatsRow
	now := time.Now()
	for _, q := range mq.queues {
		q.mu.Lock()
		for i := range q.slots {
			slot := &q.slots[i]
			_, st := unpackEntry(slot.word.Load())
			if st == entryFree {
				continue
			}
			row := StatsRow{Queue: q.id, State: st.String(), Age: now.Sub(slot.submittedAt)}
			// A busy worker owns the opaque; report the bare row
			if mq.hooks.StatsRow != nil && slot.opaque != nil && slot.run.TryLock() {
				mq.hooks.StatsRow(&row, slot.opaque)
				slot.run.Unlock()
			}
			rows = append(rows, row)
		}
		q.mu.Unlock()
	}
	return rows
}

// Close stops every worker. Requests still in flight are abandoned.
func (mq *MultiQueue) Close() {
	mq.once.Do(func() {
		mq.closed.Store(true)
		close(mq.stop)
		mq.wg.Wait()
		mq.log.Debugf("[MQ] stopped")
	})
}
