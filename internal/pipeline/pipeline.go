// Package pipeline implements the bridge's delivery pipeline (§4.6): three
// durable JetStream work queues — translate-out, translate-in, and deliver —
// each drained by a bounded worker pool with its own rate limiter,
// exponential backoff with jitter, and (for deliver) a per-remote-host
// circuit breaker. A job that exhausts its retry budget is written to the
// dead-letter table instead of being dropped.
//
// Grounded on the teacher's internal/federation/sync.go retry consumer
// (queueForRetry, startRetryConsumer, insertDeadLetter, retryDelay): the
// NumDelivered-based attempt count and dead-letter-on-exhaustion shape
// carry over, adapted from its manual republish-to-a-retry-subject idiom to
// JetStream's native Nak-with-delay redelivery, and generalized from one
// federation queue to three typed job queues.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/mapping"
)

// Defaults match §4.6's documented worker/rate/retry/breaker settings.
const (
	DefaultWorkersPerQueue     = 10
	DefaultRateLimitPerSecond  = 100
	DefaultMaxAttempts         = 6
	DefaultBreakerThreshold    = 5
	DefaultBreakerResetTimeout = 60 * time.Second
	ackWait                    = 30 * time.Second
	shardBacklog               = 64
)

// Job is the capability every queued payload provides: a target string used
// both as the per-room (or per-host) serial lane key (§5) and for
// circuit-breaker keying and dead-letter records.
type Job interface {
	Target() string
}

// TranslateOutJob is a translate-out queue payload: a chat event to
// translate into a fed activity and fan out to followers' inboxes.
type TranslateOutJob struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// Target returns the room the event belongs to.
func (j TranslateOutJob) Target() string { return j.RoomID }

// TranslateInJob is a translate-in queue payload: a dedupe-accepted fed
// activity to translate into one or more chat send operations.
type TranslateInJob struct {
	ActivityID string          `json:"activity_id"`
	Activity   json.RawMessage `json:"activity"`
}

// Target returns the activity id being translated.
func (j TranslateInJob) Target() string { return j.ActivityID }

// DeliverJob is a deliver queue payload: one signed activity POST bound for
// a single remote inbox.
type DeliverJob struct {
	ActivityJSON []byte `json:"activity_json"`
	InboxURL     string `json:"inbox_url"`
	KeyID        string `json:"key_id"`
	Host         string `json:"host"`
}

// Target returns the remote host this delivery is billed against for
// circuit-breaker purposes.
func (j DeliverJob) Target() string { return j.Host }

// PermanentError marks a job failure that must go straight to the dead
// letter queue without consuming the rest of its retry budget (§4.6 "treat
// 4xx as permanent failure, no retry except 408/429").
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// RetryAfterError marks a failure that should be retried after an
// explicit delay instead of the computed backoff (§4.6 "on 429, honor any
// Retry-After header").
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// Handler processes one job. An error triggers backoff-and-redeliver, or,
// once MaxAttempts is exhausted, a dead-letter write.
type Handler[T Job] func(ctx context.Context, job T) error

// Queue runs a bounded worker pool consuming one JetStream work-queue
// subject.
type Queue[T Job] struct {
	Name        string
	Subject     string
	Workers     int
	MaxAttempts int
	RateLimit   *rate.Limiter
	Breaker     *BreakerRegistry // nil for queues that don't need one

	bus    *events.Bus
	store  *mapping.Store
	logger *slog.Logger
}

// NewQueue builds a Queue, filling workers/ratePerSecond/maxAttempts with
// §4.6's defaults when zero or negative.
func NewQueue[T Job](name, subject string, bus *events.Bus, store *mapping.Store, workers, ratePerSecond, maxAttempts int, breaker *BreakerRegistry, logger *slog.Logger) *Queue[T] {
	if workers <= 0 {
		workers = DefaultWorkersPerQueue
	}
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRateLimitPerSecond
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue[T]{
		Name:        name,
		Subject:     subject,
		Workers:     workers,
		MaxAttempts: maxAttempts,
		RateLimit:   rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		Breaker:     breaker,
		bus:         bus,
		store:       store,
		logger:      logger,
	}
}

// Enqueue publishes a job onto the queue's subject. The durable consumers
// Start registers pick it up from the AMITYVOX_PIPELINE work-queue stream.
func (q *Queue[T]) Enqueue(ctx context.Context, job T) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("pipeline: marshaling %s job: %w", q.Name, err)
	}
	return q.bus.Publish(ctx, q.Subject, events.Event{Type: q.Name, Data: data})
}

// shardedJob is one decoded message routed to its per-target serial lane.
type shardedJob[T Job] struct {
	msg     *nats.Msg
	job     T
	attempt int
}

// shardFor hashes a job's target (room id, activity id, or remote host,
// depending on the queue) onto one of n serial lanes. Every message sharing
// a target always lands on the same lane, so a single-goroutine lane drain
// gives that target strict FIFO processing (§5's "per-room serial lane")
// even though different targets still run in parallel across lanes.
func shardFor(target string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(target))
	return int(h.Sum32()) % n
}

// Start launches one durable queue-group subscription against the queue's
// subject and fans decoded messages out across Workers per-target serial
// lanes. Routing by target (not round-robin) is what makes same-target
// messages process strictly in the order they were delivered: a single
// subscription callback receives them in delivery order and a single
// goroutine drains each lane, so nothing can reorder or parallelize two
// messages that hash to the same lane.
func (q *Queue[T]) Start(ctx context.Context, handler Handler[T]) error {
	lanes := make([]chan shardedJob[T], q.Workers)
	for i := range lanes {
		lanes[i] = make(chan shardedJob[T], shardBacklog)
		go q.runLane(ctx, lanes[i], handler)
	}

	sub, err := q.bus.JetStream().QueueSubscribe(q.Subject, q.Name, func(msg *nats.Msg) {
		sj, ok := q.decode(msg)
		if !ok {
			return
		}
		lane := lanes[shardFor(sj.job.Target(), len(lanes))]
		select {
		case lane <- sj:
		case <-ctx.Done():
		}
	}, nats.ManualAck(), nats.Durable(q.Name), nats.AckWait(ackWait), nats.MaxDeliver(q.MaxAttempts+1))
	if err != nil {
		return fmt.Errorf("pipeline: subscribing %s: %w", q.Name, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// runLane drains one serial lane, processing messages one at a time in the
// order they were enqueued onto it.
func (q *Queue[T]) runLane(ctx context.Context, lane <-chan shardedJob[T], handler Handler[T]) {
	for {
		select {
		case sj, ok := <-lane:
			if !ok {
				return
			}
			q.process(ctx, sj, handler)
		case <-ctx.Done():
			return
		}
	}
}

// decode unmarshals the envelope and job payload. A malformed message is
// acked and dropped rather than routed to a lane.
func (q *Queue[T]) decode(msg *nats.Msg) (shardedJob[T], bool) {
	var evt events.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		q.logger.Error("pipeline: malformed envelope", slog.String("queue", q.Name), slog.String("error", err.Error()))
		msg.Ack()
		return shardedJob[T]{}, false
	}
	var job T
	if err := json.Unmarshal(evt.Data, &job); err != nil {
		q.logger.Error("pipeline: malformed job payload", slog.String("queue", q.Name), slog.String("error", err.Error()))
		msg.Ack()
		return shardedJob[T]{}, false
	}

	attempt := 0
	if md, err := msg.Metadata(); err == nil {
		attempt = int(md.NumDelivered) - 1
	}
	return shardedJob[T]{msg: msg, job: job, attempt: attempt}, true
}

func (q *Queue[T]) process(ctx context.Context, sj shardedJob[T], handler Handler[T]) {
	msg, job, attempt := sj.msg, sj.job, sj.attempt

	if q.Breaker != nil && !q.Breaker.Allow(job.Target()) {
		q.logger.Warn("pipeline: circuit open, deferring job",
			slog.String("queue", q.Name), slog.String("target", job.Target()))
		msg.NakWithDelay(q.Breaker.resetTimeout)
		return
	}

	if err := q.RateLimit.Wait(ctx); err != nil {
		msg.NakWithDelay(time.Second)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		if q.Breaker != nil {
			q.Breaker.Success(job.Target())
		}
		msg.Ack()
		return
	}

	if q.Breaker != nil {
		q.Breaker.Failure(job.Target())
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		q.deadLetter(ctx, job, err, attempt+1)
		msg.Ack()
		return
	}

	if attempt >= q.MaxAttempts-1 {
		q.deadLetter(ctx, job, err, attempt+1)
		msg.Ack()
		return
	}

	delay := retryDelay(attempt)
	var withDelay *RetryAfterError
	if errors.As(err, &withDelay) {
		delay = withDelay.Delay
	}

	q.logger.Warn("pipeline: job failed, retrying",
		slog.String("queue", q.Name), slog.String("target", job.Target()),
		slog.Int("attempt", attempt), slog.String("error", err.Error()))
	msg.NakWithDelay(delay)
}

func (q *Queue[T]) deadLetter(ctx context.Context, job T, cause error, attempts int) {
	if q.store == nil {
		return
	}
	payload, err := json.Marshal(job)
	if err != nil {
		payload = []byte(`{"error":"payload marshal failed"}`)
	}
	if err := q.store.InsertDeadLetter(ctx, q.Name, job.Target(), payload, cause.Error(), attempts); err != nil {
		q.logger.Error("pipeline: dead letter insert failed", slog.String("queue", q.Name), slog.String("error", err.Error()))
		return
	}
	q.logger.Warn("pipeline: job moved to dead letters",
		slog.String("queue", q.Name), slog.String("target", job.Target()), slog.Int("attempts", attempts))
}

// Manager owns the three delivery-pipeline queues.
type Manager struct {
	TranslateOut *Queue[TranslateOutJob]
	TranslateIn  *Queue[TranslateInJob]
	Deliver      *Queue[DeliverJob]
	Breaker      *BreakerRegistry
}

// NewManager builds the three queues, sharing one circuit breaker registry
// across the deliver queue (the only queue §4.6 scopes a breaker to).
func NewManager(bus *events.Bus, store *mapping.Store, workers, ratePerSecond, maxAttempts, breakerThreshold int, breakerResetTimeout time.Duration, logger *slog.Logger) *Manager {
	breaker := NewBreakerRegistry(breakerThreshold, breakerResetTimeout)
	return &Manager{
		TranslateOut: NewQueue[TranslateOutJob]("translate-out", events.SubjectPipelineTranslateOut, bus, store, workers, ratePerSecond, maxAttempts, nil, logger),
		TranslateIn:  NewQueue[TranslateInJob]("translate-in", events.SubjectPipelineTranslateIn, bus, store, workers, ratePerSecond, maxAttempts, nil, logger),
		Deliver:      NewQueue[DeliverJob]("deliver", events.SubjectPipelineDeliver, bus, store, workers, ratePerSecond, maxAttempts, breaker, logger),
		Breaker:      breaker,
	}
}

// Start launches all three queues' worker pools with their respective
// handlers. Handlers are supplied by the caller (internal/bridge wires the
// translator and the signed-delivery HTTP client).
func (m *Manager) Start(ctx context.Context, translateOut Handler[TranslateOutJob], translateIn Handler[TranslateInJob], deliver Handler[DeliverJob]) error {
	if err := m.TranslateOut.Start(ctx, translateOut); err != nil {
		return err
	}
	if err := m.TranslateIn.Start(ctx, translateIn); err != nil {
		return err
	}
	if err := m.Deliver.Start(ctx, deliver); err != nil {
		return err
	}
	return nil
}
