package queue

import (
	"context"
	"log"
	"sync"
	"time"
)

// Handler processes one job envelope. A nil return acknowledges the job;
// an error triggers the queue's retry/backoff policy.
type Handler func(ctx context.Context, env *Envelope) error

// Worker hosts one consumer loop per registered queue. Within a queue up
// to Policy.Concurrency handlers run at the same time.
type Worker struct {
	broker   *Broker
	handlers map[string]Handler
	poll     time.Duration
}

func NewWorker(broker *Broker) *Worker {
	return &Worker{
		broker:   broker,
		handlers: make(map[string]Handler),
		poll:     time.Second,
	}
}

// Handle registers the handler for a queue. Must be called before Start.
func (w *Worker) Handle(queue string, h Handler) {
	w.handlers[queue] = h
}

// Start runs consumer loops until ctx is cancelled, then waits for
// in-flight handlers to drain. Jobs have no mid-flight cancellation
// signal: handlers run on a context detached from the shutdown signal and
// run to completion or error.
func (w *Worker) Start(ctx context.Context) error {
	for queue := range w.handlers {
		recovered, err := w.broker.RecoverProcessing(ctx, queue)
		if err != nil {
			return err
		}
		if recovered > 0 {
			log.Printf("queue %s: recovered %d orphaned job(s)", queue, recovered)
		}
	}

	var wg sync.WaitGroup
	for queue, handler := range w.handlers {
		wg.Add(1)
		go func(queue string, handler Handler) {
			defer wg.Done()
			w.consume(ctx, queue, handler)
		}(queue, handler)
	}
	wg.Wait()
	return ctx.Err()
}

// consume is the per-queue loop: fetch, dispatch into a bounded pool,
// ack/nack on completion.
func (w *Worker) consume(ctx context.Context, queue string, handler Handler) {
	policy := w.broker.policy(queue)
	sem := make(chan struct{}, policy.Concurrency)
	var inflight sync.WaitGroup

	log.Printf("queue %s: consuming with concurrency %d", queue, policy.Concurrency)

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			log.Printf("queue %s: drained", queue)
			return
		case sem <- struct{}{}:
		}

		env, err := w.broker.Dequeue(ctx, queue, w.poll)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				inflight.Wait()
				log.Printf("queue %s: drained", queue)
				return
			}
			log.Printf("queue %s: dequeue error: %v", queue, err)
			time.Sleep(w.poll)
			continue
		}
		if env == nil {
			<-sem
			continue
		}

		inflight.Add(1)
		go func(env *Envelope) {
			defer inflight.Done()
			defer func() { <-sem }()
			w.run(context.WithoutCancel(ctx), env, handler)
		}(env)
	}
}

// run executes one job and settles it with the broker. Logging here is the
// cross-cutting middleware around every handler invocation.
func (w *Worker) run(ctx context.Context, env *Envelope, handler Handler) {
	start := time.Now()
	log.Printf("queue %s: job %s started (attempt %d/%d)", env.Queue, env.ID, env.Attempt, env.MaxAttempts)

	err := handler(ctx, env)
	if err == nil {
		if ackErr := w.broker.Ack(ctx, env); ackErr != nil {
			log.Printf("queue %s: job %s ack error: %v", env.Queue, env.ID, ackErr)
		}
		log.Printf("queue %s: job %s completed in %s", env.Queue, env.ID, time.Since(start).Round(time.Millisecond))
		return
	}

	log.Printf("queue %s: job %s failed (attempt %d/%d): %v", env.Queue, env.ID, env.Attempt, env.MaxAttempts, err)
	if nackErr := w.broker.Nack(ctx, env, err); nackErr != nil {
		log.Printf("queue %s: job %s nack error: %v", env.Queue, env.ID, nackErr)
	}
}
