// Package worker runs inbound chat events on an elastic goroutine pool while
// keeping each sender's events in arrival order.
package worker

import (
	"context"
	"log/slog"
	"runtime/debug"

	"counselbot/internal/logger"
	"counselbot/internal/router"
)

type JobType int

const (
	Handle JobType = iota
	Stop
)

type Job struct {
	Type  JobType
	Ctx   context.Context
	Event router.Event
}

// Handler processes one event. *router.Pipeline satisfies it.
type Handler interface {
	Process(ctx context.Context, ev router.Event)
}

type HandlerFunc func(ctx context.Context, ev router.Event)

func (f HandlerFunc) Process(ctx context.Context, ev router.Event) { f(ctx, ev) }

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	handler    Handler
	finish     func(senderID int64)
}

func newWorker(id int, pool *jobChannelPool, handler Handler, finish func(int64)) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		handler:    handler,
		finish:     finish,
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.run(job)
			w.finish(job.Event.SenderID)
		}
	}()
}

func (w *Worker) run(job Job) {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{SenderID: logger.Ptr(job.Event.SenderID), Component: "worker"})
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event handler panicked",
				"worker_id", w.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	slog.DebugContext(ctx, "worker picked up event", "worker_id", w.id)
	w.handler.Process(ctx, job.Event)
}
