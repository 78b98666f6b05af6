package worker

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"counselbot/internal/router"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher queue full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type senderQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool // a worker holds one of its jobs
}

// Dispatcher fans events out to the worker pool. Senders take turns in
// round-robin order and a sender never has two events in flight.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}
	wake    chan struct{}

	inflight sync.WaitGroup
	stopOnce sync.Once

	mu        sync.Mutex
	queues    map[int64]*senderQueue
	ready     *list.List // sender ids with queued work and nothing in flight
	positions map[int64]*list.Element
}

func NewDispatcher(cfg DispatcherConfig, handler Handler) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobQueue:  make(chan Job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		runDone:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
		queues:    make(map[int64]*senderQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, handler, d.finish)

	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues ev without blocking. ctx only carries values; its
// cancellation does not reach the handler.
func (d *Dispatcher) Submit(ctx context.Context, ev router.Event) error {
	if d.ctx.Err() != nil {
		return ErrDispatcherStopped
	}
	if ctx == nil {
		ctx = context.Background()
	}
	job := Job{Type: Handle, Ctx: context.WithoutCancel(ctx), Event: ev}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.runDone)
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.wake:
			case <-d.ctx.Done():
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.ctx.Done():
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	senderID := job.Event.SenderID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[senderID]
	if q == nil {
		q = &senderQueue{}
		d.queues[senderID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		return
	}
	q.enqueued = true
	d.positions[senderID] = d.ready.PushBack(senderID)
}

// dispatchOne hands the next job of the front sender to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	senderID := elem.Value.(int64)
	q := d.queues[senderID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, senderID)
	d.inflight.Add(1)
	d.mu.Unlock()

	ch := d.pool.acquire()
	ch <- job
	return true
}

// finish runs on the worker once a sender's job is done and requeues the
// sender behind everyone already waiting.
func (d *Dispatcher) finish(senderID int64) {
	d.mu.Lock()
	if q := d.queues[senderID]; q != nil {
		q.running = false
		if len(q.jobs) > 0 {
			q.enqueued = true
			d.positions[senderID] = d.ready.PushBack(senderID)
		} else {
			delete(d.queues, senderID)
		}
	}
	d.mu.Unlock()
	d.inflight.Done()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop refuses new events, waits for in-flight ones and drops the rest.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		<-d.runDone
		d.inflight.Wait()
		d.pool.close()

		if dropped := d.Stats().Queued + len(d.jobQueue); dropped > 0 {
			slog.Warn("dispatcher stopped with queued events", "dropped", dropped)
		}
	})
}

type Stats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Queued  int `json:"queued"`
	Senders int `json:"senders"`
}

func (d *Dispatcher) Stats() Stats {
	ps := d.pool.stats()
	d.mu.Lock()
	defer d.mu.Unlock()
	queued := 0
	for _, q := range d.queues {
		queued += len(q.jobs)
	}
	return Stats{Workers: ps.running, Idle: ps.idle, Queued: queued, Senders: len(d.queues)}
}
