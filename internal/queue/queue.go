// Package queue runs the in-process dispatch queues. Three queues share one
// job shape: immediate work, scheduled work held until its due time, and
// failed work waiting out a retry backoff.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue names.
const (
	Immediate = "immediate"
	Scheduled = "scheduled"
	Retry     = "retry"
)

// Job points a worker at one delivery record. The record itself stays in
// Postgres; losing a job loses at most one attempt, never the record.
type Job struct {
	DeliveryID uuid.UUID
	RequestID  uuid.UUID
	Attempt    int
	DueAt      time.Time
}

// Handler processes one job. A non-nil error counts the job as failed in the
// queue's totals; requeueing for retry is the handler's decision, made through
// EnqueueRetry.
type Handler func(ctx context.Context, job Job) error

// Counts is a point-in-time snapshot of one queue.
type Counts struct {
	Waiting   int   `json:"waiting"`
	Active    int   `json:"active"`
	Delayed   int   `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// DepthObserver receives queue depth snapshots on every sweep tick.
type DepthObserver interface {
	ObserveQueueDepth(queue string, c Counts)
}

type delayedJob struct {
	job   Job
	index int
}

// delayedHeap is a min-heap ordered by due time.
type delayedHeap []*delayedJob

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].job.DueAt.Before(h[j].job.DueAt) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayedHeap) Push(x interface{}) { d := x.(*delayedJob); d.index = len(*h); *h = append(*h, d) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

type queueState struct {
	name    string
	mu      sync.Mutex
	cond    *sync.Cond
	waiting []Job
	delayed delayedHeap
	active  int
	done    int64
	failed  int64
	closed  bool
}

func newQueueState(name string) *queueState {
	q := &queueState{name: name}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queueState) push(job Job) {
	q.mu.Lock()
	q.waiting = append(q.waiting, job)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *queueState) delay(job Job) {
	q.mu.Lock()
	heap.Push(&q.delayed, &delayedJob{job: job})
	q.mu.Unlock()
}

// promote moves every due delayed job into the waiting list. Returns how many
// moved.
func (q *queueState) promote(now time.Time) int {
	q.mu.Lock()
	n := 0
	for q.delayed.Len() > 0 && !q.delayed[0].job.DueAt.After(now) {
		d := heap.Pop(&q.delayed).(*delayedJob)
		q.waiting = append(q.waiting, d.job)
		n++
	}
	q.mu.Unlock()
	for i := 0; i < n; i++ {
		q.cond.Signal()
	}
	return n
}

// pop blocks until a job is waiting or the queue is closed.
func (q *queueState) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.waiting) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.waiting) == 0 {
		return Job{}, false
	}
	job := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active++
	return job, true
}

func (q *queueState) finish(err error) {
	q.mu.Lock()
	q.active--
	if err != nil {
		q.failed++
	} else {
		q.done++
	}
	q.mu.Unlock()
}

// take removes and returns the first delayed or waiting job for the delivery.
func (q *queueState) take(deliveryID uuid.UUID) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < q.delayed.Len(); i++ {
		if q.delayed[i].job.DeliveryID == deliveryID {
			d := heap.Remove(&q.delayed, i).(*delayedJob)
			return d.job, true
		}
	}
	for i, job := range q.waiting {
		if job.DeliveryID == deliveryID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return job, true
		}
	}
	return Job{}, false
}

// remove drops every job for the given delivery from the waiting list and the
// delayed heap. Active jobs are not interrupted.
func (q *queueState) remove(deliveryID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	kept := q.waiting[:0]
	for _, job := range q.waiting {
		if job.DeliveryID == deliveryID {
			removed++
			continue
		}
		kept = append(kept, job)
	}
	q.waiting = kept

	for i := 0; i < q.delayed.Len(); {
		if q.delayed[i].job.DeliveryID == deliveryID {
			heap.Remove(&q.delayed, i)
			removed++
			continue
		}
		i++
	}
	return removed
}

func (q *queueState) counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Waiting:   len(q.waiting),
		Active:    q.active,
		Delayed:   q.delayed.Len(),
		Completed: q.done,
		Failed:    q.failed,
	}
}

func (q *queueState) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Service owns the three queues, their worker pools and the sweep loop that
// promotes due scheduled and retry jobs.
type Service struct {
	immediate *queueState
	scheduled *queueState
	retry     *queueState

	handler       Handler
	workers       int
	sweepInterval time.Duration
	observer      DepthObserver
	logger        *zap.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Options tunes a queue service. Zero values fall back to defaults.
type Options struct {
	Workers       int
	SweepInterval time.Duration
	Observer      DepthObserver
}

// NewService creates the queue service. Start must be called before jobs are
// processed; Enqueue and Schedule are usable immediately.
func NewService(handler Handler, opts Options, logger *zap.Logger) *Service {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Second
	}
	return &Service{
		immediate:     newQueueState(Immediate),
		scheduled:     newQueueState(Scheduled),
		retry:         newQueueState(Retry),
		handler:       handler,
		workers:       workers,
		sweepInterval: sweep,
		observer:      opts.Observer,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the worker pools and the sweep loop. Workers drain until
// Stop is called; ctx is passed through to the handler.
func (s *Service) Start(ctx context.Context) {
	for _, q := range s.all() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.work(ctx, q)
		}
	}
	s.wg.Add(1)
	go s.sweep(ctx)

	s.logger.Info("dispatch queues started",
		zap.Int("workers_per_queue", s.workers),
		zap.Duration("sweep_interval", s.sweepInterval),
	)
}

// Stop closes the queues and waits for in-flight jobs to finish. Waiting and
// delayed jobs are abandoned; startup recovery re-enqueues them from their
// delivery records.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, q := range s.all() {
			q.close()
		}
		s.wg.Wait()
		s.logger.Info("dispatch queues stopped")
	})
}

// Enqueue queues a job for immediate processing.
func (s *Service) Enqueue(job Job) {
	s.immediate.push(job)
}

// Schedule holds a job until job.DueAt, then runs it on the scheduled queue.
func (s *Service) Schedule(job Job) {
	s.scheduled.delay(job)
}

// EnqueueRetry holds a failed job until job.DueAt, then runs it on the retry
// queue.
func (s *Service) EnqueueRetry(job Job) {
	s.retry.delay(job)
}

// Promote pulls a delayed job forward onto the immediate queue, ahead of its
// due time. Reports whether a job for the delivery was found.
func (s *Service) Promote(deliveryID uuid.UUID) bool {
	for _, q := range []*queueState{s.scheduled, s.retry} {
		if job, ok := q.take(deliveryID); ok {
			s.immediate.push(job)
			return true
		}
	}
	return false
}

// Remove drops every waiting or delayed job for the delivery across all
// queues. Used by cancellation.
func (s *Service) Remove(deliveryID uuid.UUID) int {
	removed := 0
	for _, q := range s.all() {
		removed += q.remove(deliveryID)
	}
	return removed
}

// Counts returns a snapshot per queue name.
func (s *Service) Counts() map[string]Counts {
	out := make(map[string]Counts, 3)
	for _, q := range s.all() {
		out[q.name] = q.counts()
	}
	return out
}

func (s *Service) all() []*queueState {
	return []*queueState{s.immediate, s.scheduled, s.retry}
}

func (s *Service) work(ctx context.Context, q *queueState) {
	defer s.wg.Done()
	for {
		job, ok := q.pop()
		if !ok {
			return
		}
		err := s.handler(ctx, job)
		q.finish(err)
		if err != nil {
			s.logger.Warn("dispatch job failed",
				zap.String("queue", q.name),
				zap.String("delivery_id", job.DeliveryID.String()),
				zap.Int("attempt", job.Attempt),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.scheduled.promote(now)
			s.retry.promote(now)
			if s.observer != nil {
				for name, c := range s.Counts() {
					s.observer.ObserveQueueDepth(name, c)
				}
			}
		}
	}
}

// Backoff computes the delay before the given retry attempt: base doubled per
// prior attempt, capped at max. Attempt is 1-based.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
