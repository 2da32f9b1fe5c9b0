package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/uploadgw/pkg/counterstore"
	"github.com/wisbric/uploadgw/pkg/verifier"
	"github.com/wisbric/uploadgw/pkg/webhook"
)

// requeueNotFoundDelay is how long to wait before re-checking an
// auto-triggered record whose object hasn't appeared yet (spec.md §4.6).
const requeueNotFoundDelay = 30 * time.Second

// batchDeadline bounds one worker tick's HTTP phase; in-flight requests
// past this are abandoned and the partial batch is still committed
// (spec.md §5).
const batchDeadline = 60 * time.Second

// Config tunes the engine's batch size, concurrency cap, and retry policy
// (spec.md §4.6, §6 environment knobs).
type Config struct {
	BatchSize       int
	HTTPConcurrency int
	MaxAttempts     int
	RetryDelays     []time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		HTTPConcurrency: 20,
		MaxAttempts:     MaxAttempts,
		RetryDelays:     RetryDelays,
	}
}

// QueuePayload is the byte-for-byte value stored alongside each queue
// entry (spec.md §8 round-trip law: "Re-queue then dequeue preserves the
// payload byte-for-byte").
type QueuePayload struct {
	WebhookID uuid.UUID `json:"webhookId"`
}

// DeadLetterRecorder persists a dead-letter row when a webhook's attempts
// are exhausted (pkg/deadletter.Store). Declared as an interface here so
// the engine doesn't import pkg/deadletter directly — the dependency runs
// the other way (deadletter re-enqueues via the engine).
type DeadLetterRecorder interface {
	Record(ctx context.Context, rec webhook.Record, reason string) error
}

// Engine is the delivery engine (C9): one batch dequeue followed by
// delivery per call to RunOnce.
type Engine struct {
	cfg         Config
	queue       *counterstore.Queue
	store       *webhook.Store
	verifier    *verifier.Verifier
	breakers    *BreakerRegistry
	http        *HTTPClient
	deadLetters DeadLetterRecorder
	logger      *slog.Logger

	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
}

// NewEngine creates an Engine. deadLetters may be nil in tests that don't
// exercise the exhaustion path.
func NewEngine(cfg Config, queue *counterstore.Queue, store *webhook.Store, v *verifier.Verifier, breakers *BreakerRegistry, httpClient *HTTPClient, deadLetters DeadLetterRecorder, logger *slog.Logger, deliveriesTotal *prometheus.CounterVec, deliveryDuration *prometheus.HistogramVec) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.HTTPConcurrency <= 0 {
		cfg.HTTPConcurrency = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = MaxAttempts
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = RetryDelays
	}
	return &Engine{
		cfg: cfg, queue: queue, store: store, verifier: v, breakers: breakers,
		http: httpClient, deadLetters: deadLetters, logger: logger,
		deliveriesTotal: deliveriesTotal, deliveryDuration: deliveryDuration,
	}
}

// outcome is the pending phase-2 write produced by one record's phase-1 work.
type outcome struct {
	webhook.Outcome
	record       webhook.Record
	deadLettered bool
	reason       string
}

// RunOnce performs a single dequeue-and-deliver tick: dequeue up to
// BatchSize items, run phase-1 delivery with bounded concurrency, then
// commit all phase-2 writes concurrently (spec.md §4.6).
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	items, err := e.queue.DequeueBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeuing batch: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, batchDeadline)
	defer cancel()

	outcomes := e.runPhase1(batchCtx, items)
	e.runPhase2(ctx, outcomes)
	return len(items), nil
}

// runPhase1 fans the batch out across at most HTTPConcurrency concurrent
// deliveries (spec.md §4.6 step 2).
func (e *Engine) runPhase1(ctx context.Context, items []counterstore.QueueItem) []outcome {
	sem := make(chan struct{}, e.cfg.HTTPConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var outcomes []outcome

	for _, item := range items {
		item := item
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			o, requeued := e.deliverOne(ctx, item)
			if requeued {
				return
			}
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return outcomes
}

// runPhase2 fires all durable writes (C1) concurrently — an explicit
// N+1→1 round-trip optimization (spec.md §4.6 step 4, §9).
func (e *Engine) runPhase2(ctx context.Context, outcomes []outcome) {
	var wg sync.WaitGroup
	for _, o := range outcomes {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.store.ApplyOutcome(ctx, o.Outcome); err != nil {
				e.logger.Error("applying webhook delivery outcome", "webhook_id", o.ID, "error", err)
			}
			if o.deadLettered && e.deadLetters != nil {
				if err := e.deadLetters.Record(ctx, o.record, o.reason); err != nil {
					e.logger.Error("recording dead letter", "webhook_id", o.ID, "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

// deliverOne runs the per-record delivery algorithm (spec.md §4.6). The
// second return value is true when the record was re-queued directly
// (object not yet found) and therefore has no phase-2 write of its own.
func (e *Engine) deliverOne(ctx context.Context, item counterstore.QueueItem) (outcome, bool) {
	var payload QueuePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		e.logger.Error("malformed queue payload, dropping", "id", item.ID, "error", err)
		return outcome{}, true
	}

	start := time.Now()
	rec, err := e.store.GetAny(ctx, payload.WebhookID)
	if err != nil {
		e.logger.Error("fetching webhook record for delivery", "webhook_id", payload.WebhookID, "error", err)
		return outcome{}, true
	}
	if webhook.IsTerminal(rec.Status) {
		return outcome{}, true
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		if err := e.store.MarkExpired(ctx, rec.ID); err != nil {
			e.logger.Error("marking expired webhook failed", "webhook_id", rec.ID, "error", err)
		}
		return outcome{}, true
	}

	if rec.TriggerMode == webhook.TriggerAuto && (rec.Status == webhook.StatusPending || rec.Status == webhook.StatusVerifying) {
		locator, lerr := e.store.Locator(ctx, rec.ID)
		if lerr != nil {
			return e.recordFailure(rec, lerr.Error(), start), false
		}
		result, verr := e.verifier.Verify(ctx, rec, locator)
		if verr != nil {
			// ETag mismatches and transient provider errors are both treated as
			// retryable attempts (spec.md §7); recordFailure applies the same
			// retry/dead-letter decision either way.
			return e.recordFailure(rec, verr.Error(), start), false
		}
		if !result.Exists {
			e.requeue(ctx, rec.ID, requeueNotFoundDelay)
			e.observe("file_not_found_yet", rec.Provider, start)
			return outcome{}, true
		}
		if result.Metadata != nil {
			rec.Etag = result.Metadata.Etag
			rec.FileSize = result.Metadata.ContentLength
			if err := e.store.UpdateIntermediate(ctx, rec.ID, result.Metadata.Etag, result.Metadata.ContentLength); err != nil {
				e.logger.Warn("intermediate metadata write failed", "webhook_id", rec.ID, "error", err)
			}
		}
	}

	body, err := webhook.BuildPayload(rec, webhook.Extras{}, time.Now())
	if err != nil {
		return e.recordFailure(rec, err.Error(), start), false
	}
	sig := webhook.Sign(body, rec.Secret)
	host := hostOf(rec.TargetURL)

	var resp HTTPResponse
	breakerErr := e.breakers.Execute(host, func() error {
		var derr error
		resp, derr = e.http.Deliver(ctx, rec.TargetURL, body, sig, rec.ID.String(), "upload.completed")
		return derr
	})

	if breakerErr != nil {
		if errors.Is(breakerErr, ErrCircuitOpen) {
			e.observe("circuit_open", rec.Provider, start)
			return e.recordFailure(rec, "circuit_open", start), false
		}
		e.observe("retry", rec.Provider, start)
		return e.recordFailure(rec, breakerErr.Error(), start), false
	}

	e.observe("completed", rec.Provider, start)
	return outcome{Outcome: webhook.Outcome{
		ID:             rec.ID,
		Status:         webhook.StatusCompleted,
		AttemptCount:   rec.AttemptCount + 1,
		LastAttemptAt:  time.Now(),
		Completed:      true,
		ResponseStatus: resp.StatusCode,
		ResponseBody:   resp.Body,
		Etag:           rec.Etag,
		FileSize:       rec.FileSize,
	}}, false
}

// recordFailure applies the retry/dead-letter decision for a failed
// attempt (spec.md §4.6 "on error").
func (e *Engine) recordFailure(rec webhook.Record, reason string, start time.Time) outcome {
	attempt := rec.AttemptCount + 1
	now := time.Now()

	if int(attempt) >= e.cfg.MaxAttempts {
		e.observe("dead_letter", rec.Provider, start)
		return outcome{
			Outcome: webhook.Outcome{
				ID:            rec.ID,
				Status:        webhook.StatusDeadLetter,
				AttemptCount:  attempt,
				LastAttemptAt: now,
				ErrorMessage:  reason,
				Failed:        true,
			},
			record:       rec,
			deadLettered: true,
			reason:       reason,
		}
	}

	delay := nextDelay(e.cfg.RetryDelays, int(attempt))
	e.requeue(context.Background(), rec.ID, delay)
	e.observe("retry", rec.Provider, start)
	return outcome{Outcome: webhook.Outcome{
		ID:            rec.ID,
		Status:        webhook.StatusPending,
		AttemptCount:  attempt,
		LastAttemptAt: now,
		NextRetryAt:   now.Add(delay),
		ErrorMessage:  reason,
	}}
}

func (e *Engine) requeue(ctx context.Context, id uuid.UUID, delay time.Duration) {
	payload, _ := json.Marshal(QueuePayload{WebhookID: id})
	if err := e.queue.Requeue(ctx, id.String(), payload, delay); err != nil {
		e.logger.Error("requeuing webhook failed", "webhook_id", id, "error", err)
	}
}

func (e *Engine) observe(label, provider string, start time.Time) {
	if e.deliveriesTotal != nil {
		e.deliveriesTotal.WithLabelValues(label).Inc()
	}
	if e.deliveryDuration != nil {
		e.deliveryDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}
}

// Enqueue pushes a newly created or operator-retried webhook onto the
// queue (spec.md §6 EnqueueWebhook).
func (e *Engine) Enqueue(ctx context.Context, id uuid.UUID, priority int) error {
	payload, err := json.Marshal(QueuePayload{WebhookID: id})
	if err != nil {
		return fmt.Errorf("marshaling queue payload for webhook %s: %w", id, err)
	}
	return e.queue.Enqueue(ctx, id.String(), payload, priority)
}
