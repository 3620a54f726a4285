package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDuplicateJob is returned by Enqueue when a job with the same id is
// already waiting, delayed or running on the same queue. The submission is
// a no-op.
var ErrDuplicateJob = errors.New("queue: duplicate job id")

const keyPrefix = "sift:queue:"

// Envelope is the unit stored in the broker. Payload stays opaque here;
// handlers decode it into their queue's job type.
type Envelope struct {
	Queue       string          `json:"queue"`
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`

	// raw holds the exact bytes stored on the processing list, so Ack and
	// Nack can remove that entry even after the struct is mutated.
	raw []byte
}

// Counts is the per-queue state snapshot served to operators.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Broker is a durable at-least-once job store on Redis. It is the single
// shared handle reused by all producers and consumers; enqueue is the only
// write path in.
type Broker struct {
	rdb      redis.UniversalClient
	policies map[string]Policy
}

func NewBroker(rdb redis.UniversalClient, policies map[string]Policy) *Broker {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Broker{rdb: rdb, policies: policies}
}

func key(queue, part string) string {
	return keyPrefix + queue + ":" + part
}

func (b *Broker) policy(queue string) Policy {
	if p, ok := b.policies[queue]; ok {
		return p
	}
	return Policy{Concurrency: 1, MaxAttempts: 3, Backoff: 5 * time.Second, DeadRetention: 100}
}

// Enqueue submits a job. The unique marker for (queue, id) is claimed with
// SETNX and survives until the job reaches a terminal state, so a second
// submission of the same id is rejected while the first is anywhere in
// flight.
func (b *Broker) Enqueue(ctx context.Context, queue, jobID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	claimed, err := b.rdb.SetNX(ctx, key(queue, "ids:"+jobID), 1, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim job id: %w", err)
	}
	if !claimed {
		return ErrDuplicateJob
	}

	env := Envelope{
		Queue:       queue,
		ID:          jobID,
		Payload:     data,
		Attempt:     1,
		MaxAttempts: b.policy(queue).MaxAttempts,
		EnqueuedAt:  time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.rdb.LPush(ctx, key(queue, "waiting"), raw).Err(); err != nil {
		// Release the marker so the job can be resubmitted.
		b.rdb.Del(ctx, key(queue, "ids:"+jobID))
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next ready job, promoting due
// delayed jobs first. The envelope is moved onto the queue's processing
// list and stays there until Ack or Nack settles it, so a worker that dies
// mid-job leaves the envelope recoverable instead of lost. Returns nil when
// nothing is ready.
func (b *Broker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Envelope, error) {
	if err := b.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}

	raw, err := b.rdb.BLMove(ctx, key(queue, "waiting"), key(queue, "processing"), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	env.raw = []byte(raw)

	if err := b.rdb.Incr(ctx, key(queue, "active")).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job active: %w", err)
	}
	return &env, nil
}

// RecoverProcessing returns envelopes stranded on the processing list to
// the waiting list and corrects the active counter. Entries there belong
// to handlers that died without settling; the worker runs this once per
// queue at startup.
func (b *Broker) RecoverProcessing(ctx context.Context, queue string) (int, error) {
	recovered := 0
	for {
		_, err := b.rdb.LMove(ctx, key(queue, "processing"), key(queue, "waiting"), "RIGHT", "LEFT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return recovered, fmt.Errorf("failed to recover processing job: %w", err)
		}
		recovered++
	}
	if recovered > 0 {
		if err := b.rdb.DecrBy(ctx, key(queue, "active"), int64(recovered)).Err(); err != nil {
			return recovered, fmt.Errorf("failed to reset active counter: %w", err)
		}
	}
	return recovered, nil
}

// clearProcessing removes the job's entry from the processing list once it
// is settled.
func (b *Broker) clearProcessing(ctx context.Context, env *Envelope) error {
	raw := env.raw
	if raw == nil {
		var err error
		raw, err = json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
	}
	if err := b.rdb.LRem(ctx, key(env.Queue, "processing"), 1, raw).Err(); err != nil {
		return fmt.Errorf("failed to clear processing entry: %w", err)
	}
	return nil
}

// promoteDelayed moves due jobs from the delayed set back to the waiting
// list. Only the worker process runs this, so the read-then-remove pair
// does not race in practice.
func (b *Broker) promoteDelayed(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.rdb.ZRangeByScore(ctx, key(queue, "delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, raw := range due {
		if err := b.rdb.LPush(ctx, key(queue, "waiting"), raw).Err(); err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
		if err := b.rdb.ZRem(ctx, key(queue, "delayed"), raw).Err(); err != nil {
			return fmt.Errorf("failed to remove promoted job: %w", err)
		}
	}
	return nil
}

// Ack marks a dequeued job as completed and releases its unique marker.
func (b *Broker) Ack(ctx context.Context, env *Envelope) error {
	if err := b.clearProcessing(ctx, env); err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.Decr(ctx, key(env.Queue, "active"))
	pipe.Incr(ctx, key(env.Queue, "completed"))
	pipe.Del(ctx, key(env.Queue, "ids:"+env.ID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Nack records a handler failure. The job is re-delayed with exponential
// backoff until MaxAttempts is exhausted, after which it is moved to the
// dead list and surfaced for operator inspection.
func (b *Broker) Nack(ctx context.Context, env *Envelope, cause error) error {
	if err := b.clearProcessing(ctx, env); err != nil {
		return err
	}

	if err := b.rdb.Decr(ctx, key(env.Queue, "active")).Err(); err != nil {
		return fmt.Errorf("failed to clear active marker: %w", err)
	}

	if cause != nil {
		env.LastError = cause.Error()
	}

	if env.Attempt >= env.MaxAttempts {
		return b.bury(ctx, env)
	}

	backoff := b.policy(env.Queue).Backoff << (env.Attempt - 1)
	env.Attempt++

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	err = b.rdb.ZAdd(ctx, key(env.Queue, "delayed"), redis.Z{
		Score:  float64(time.Now().Add(backoff).UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	return nil
}

func (b *Broker) bury(ctx context.Context, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	retention := b.policy(env.Queue).DeadRetention
	pipe := b.rdb.TxPipeline()
	pipe.Incr(ctx, key(env.Queue, "failed"))
	pipe.LPush(ctx, key(env.Queue, "dead"), raw)
	pipe.LTrim(ctx, key(env.Queue, "dead"), 0, retention-1)
	pipe.Del(ctx, key(env.Queue, "ids:"+env.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to bury job: %w", err)
	}
	return nil
}

// Dead returns the retained dead envelopes, newest first.
func (b *Broker) Dead(ctx context.Context, queue string) ([]Envelope, error) {
	raws, err := b.rdb.LRange(ctx, key(queue, "dead"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead list: %w", err)
	}

	envs := make([]Envelope, 0, len(raws))
	for _, raw := range raws {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("failed to decode dead envelope: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Requeue puts a dead job back on the waiting list with a fresh attempt
// counter. Manual operator action after a job exhausted its retries.
func (b *Broker) Requeue(ctx context.Context, queue, jobID string) error {
	envs, err := b.Dead(ctx, queue)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if env.ID != jobID {
			continue
		}

		// Claim the marker before touching the dead list: burial released
		// the id, so a fresh job with the same id may already be in flight.
		claimed, err := b.rdb.SetNX(ctx, key(queue, "ids:"+jobID), 1, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to claim job id: %w", err)
		}
		if !claimed {
			return ErrDuplicateJob
		}

		raw, err := json.Marshal(env)
		if err != nil {
			b.rdb.Del(ctx, key(queue, "ids:"+jobID))
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		if err := b.rdb.LRem(ctx, key(queue, "dead"), 1, raw).Err(); err != nil {
			b.rdb.Del(ctx, key(queue, "ids:"+jobID))
			return fmt.Errorf("failed to remove dead job: %w", err)
		}

		env.Attempt = 1
		env.LastError = ""
		fresh, err := json.Marshal(env)
		if err != nil {
			b.rdb.Del(ctx, key(queue, "ids:"+jobID))
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		if err := b.rdb.LPush(ctx, key(queue, "waiting"), fresh).Err(); err != nil {
			b.rdb.Del(ctx, key(queue, "ids:"+jobID))
			return fmt.Errorf("failed to push job: %w", err)
		}
		return nil
	}
	return fmt.Errorf("dead job %s not found on queue %s", jobID, queue)
}

// QueueCounts returns the current counts for one queue.
func (b *Broker) QueueCounts(ctx context.Context, queue string) (*Counts, error) {
	waiting, err := b.rdb.LLen(ctx, key(queue, "waiting")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count waiting: %w", err)
	}
	delayed, err := b.rdb.ZCard(ctx, key(queue, "delayed")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count delayed: %w", err)
	}

	counts := &Counts{Waiting: waiting, Delayed: delayed}
	for name, dst := range map[string]*int64{
		"active":    &counts.Active,
		"completed": &counts.Completed,
		"failed":    &counts.Failed,
	} {
		val, err := b.rdb.Get(ctx, key(queue, name)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s counter: %w", name, err)
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt %s counter: %w", name, err)
		}
		*dst = n
	}
	return counts, nil
}
