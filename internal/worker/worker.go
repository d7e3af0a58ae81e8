// Package worker drives the execution pipeline: claim queued jobs, take
// the per-payment lock, run the strategy executor, and translate the
// outcome into queue acknowledgement. Multiple workers across hosts
// compete safely; the claim query and the payment lock make each job
// single-owner.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/executor"
	"github.com/tiltvault/tiltvault-cloud/internal/idempotency"
	"github.com/tiltvault/tiltvault-cloud/internal/queue"
	"github.com/tiltvault/tiltvault-cloud/internal/webhook"
	"github.com/tiltvault/tiltvault-cloud/pkg/telemetry/correlation"
)

// contendedDelay is how long a lock-contended job waits before another
// claim. Long enough for the lock holder to finish a confirmation cycle.
const contendedDelay = 30 * time.Second

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tiltvault_queue_depth",
		Help: "Jobs waiting to be claimed.",
	})
	deadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tiltvault_queue_dead_letter_depth",
		Help: "Jobs parked in the dead letter queue.",
	})
)

// Config tunes the poll loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// LockTTL bounds how long a crashed worker can pin a payment.
	LockTTL time.Duration
	// ProcessedTTL is how long completed payments stay short-circuited at
	// admission.
	ProcessedTTL time.Duration
	// QueueDepthAlert and DeadLetterAlert raise a high-severity log when
	// the queue snapshot crosses them. Zero disables the check.
	QueueDepthAlert int64
	DeadLetterAlert int64
}

// Worker is one competing consumer of the execution queue.
type Worker struct {
	queue  *queue.Queue
	idem   *idempotency.Store
	exec   *executor.StrategyExecutor
	cfg    Config
	logger *zap.Logger
	owner  string

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func New(q *queue.Queue, idem *idempotency.Store, exec *executor.StrategyExecutor, cfg Config, logger *zap.Logger) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		queue:   q,
		idem:    idem,
		exec:    exec,
		cfg:     cfg,
		logger:  logger.Named("worker"),
		owner:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run polls until Stop is called or the context ends.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	staleTicker := time.NewTicker(w.cfg.PollInterval * 12)
	defer staleTicker.Stop()

	w.logger.Info("worker_started",
		zap.String("owner", w.owner),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-staleTicker.C:
			if n, err := w.queue.ReleaseStaleClaims(ctx); err != nil {
				w.logger.Warn("stale_claim_release_failed", zap.Error(err))
			} else if n > 0 {
				w.logger.Info("stale_claims_released", zap.Int64("count", n))
			}
			w.observeDepth(ctx)
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// observeDepth publishes queue gauges and escalates when either depth
// crosses its alert threshold. Backpressure here means the chain is slow
// or a revert storm is burning attempts; draining it needs an operator.
func (w *Worker) observeDepth(ctx context.Context) {
	m, err := w.queue.Snapshot(ctx)
	if err != nil {
		w.logger.Warn("queue_snapshot_failed", zap.Error(err))
		return
	}
	queueDepth.Set(float64(m.QueueDepth))
	deadLetterDepth.Set(float64(m.DeadLetterDepth))

	if w.cfg.QueueDepthAlert > 0 && m.QueueDepth >= w.cfg.QueueDepthAlert {
		w.logger.Error("queue_backpressure",
			zap.Int64("depth", m.QueueDepth),
			zap.Int64("threshold", w.cfg.QueueDepthAlert),
			zap.Duration("oldest_job_age", m.OldestJobAge),
		)
	}
	if w.cfg.DeadLetterAlert > 0 && m.DeadLetterDepth >= w.cfg.DeadLetterAlert {
		w.logger.Error("dead_letter_accumulating",
			zap.Int64("depth", m.DeadLetterDepth),
			zap.Int64("threshold", w.cfg.DeadLetterAlert),
		)
	}
}

// Stop signals the loop and waits for the in-flight batch to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
	<-w.done
}

// drain claims and processes batches until the queue is empty or the loop
// is stopping. Processing back-to-back batches keeps latency low under
// burst without shrinking the idle poll interval.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		default:
		}

		jobs, err := w.queue.ClaimBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			w.logger.Error("claim_batch_failed", zap.Error(err))
			return
		}
		if len(jobs) == 0 {
			return
		}
		for i := range jobs {
			w.process(ctx, &jobs[i])
		}
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	ctx = correlation.ContextWithCorrelationID(ctx, job.CorrelationID)
	logger := w.logger.With(
		zap.Int64("job_id", job.ID),
		zap.String("payment_id", job.PaymentID),
		zap.String("correlation_id", job.CorrelationID),
		zap.Int("attempt", job.Attempts),
	)

	ev, err := webhook.DecodeEvent(job.Payload)
	if err != nil {
		// Undecodable payloads never become decodable; straight to the
		// dead letter queue.
		logger.Error("job_payload_corrupt", zap.Error(err))
		if dlErr := w.queue.DeadLetter(ctx, job.ID, "payload decode: "+err.Error()); dlErr != nil {
			logger.Error("dead_letter_failed", zap.Error(dlErr))
		}
		return
	}

	acquired, err := w.idem.TryAcquire(ctx, job.PaymentID, w.owner, w.cfg.LockTTL)
	if err != nil {
		// Store outage: fail closed, requeue for a later attempt.
		logger.Warn("payment_lock_unavailable", zap.Error(err))
		w.nack(ctx, logger, job, err, true)
		return
	}
	if !acquired {
		// Another worker holds this payment: a duplicate delivery, not a
		// failure. Release the claim without spending an attempt so
		// contention can never push the job toward the dead letter.
		logger.Info("payment_lock_contended")
		if err := w.queue.Release(ctx, job, contendedDelay); err != nil {
			logger.Error("release_failed", zap.Error(err))
		}
		return
	}
	defer func() {
		if err := w.idem.Release(ctx, job.PaymentID); err != nil {
			logger.Warn("payment_lock_release_failed", zap.Error(err))
		}
	}()

	start := time.Now()
	outcome := w.exec.Execute(ctx, ev)
	elapsed := time.Since(start)

	switch outcome.Kind {
	case executor.OutcomeSuccess, executor.OutcomeAlreadyComplete:
		if err := w.idem.MarkProcessed(ctx, job.PaymentID, w.cfg.ProcessedTTL); err != nil {
			logger.Warn("mark_processed_failed", zap.Error(err))
		}
		if err := w.queue.Ack(ctx, job.ID); err != nil {
			logger.Error("ack_failed", zap.Error(err))
			return
		}
		logger.Info("job_completed",
			zap.String("outcome", string(outcome.Kind)),
			zap.Duration("elapsed", elapsed),
		)

	case executor.OutcomePartialFailure:
		// The position carries the classified failure; the recovery
		// service owns it from here. Re-running the job would re-enter the
		// executor against a partial state, which retries handle through
		// the queue only when the failure was pre-submission.
		if err := w.queue.Ack(ctx, job.ID); err != nil {
			logger.Error("ack_failed", zap.Error(err))
			return
		}
		logger.Warn("job_completed_partial_failure",
			zap.Error(outcome.Err),
			zap.Duration("elapsed", elapsed),
		)

	case executor.OutcomeIndeterminate:
		// A transaction may still land; never blind-retry. Reconciliation
		// resolves the position either way.
		if err := w.queue.Ack(ctx, job.ID); err != nil {
			logger.Error("ack_failed", zap.Error(err))
			return
		}
		logger.Warn("job_completed_indeterminate",
			zap.Error(outcome.Err),
			zap.Duration("elapsed", elapsed),
		)

	case executor.OutcomeRetryable:
		w.nack(ctx, logger, job, outcome.Err, true)

	default:
		logger.Error("unexpected_outcome", zap.String("kind", string(outcome.Kind)))
		w.nack(ctx, logger, job, fmt.Errorf("unexpected outcome %q", outcome.Kind), false)
	}
}

func (w *Worker) nack(ctx context.Context, logger *zap.Logger, job *queue.Job, jobErr error, retry bool) {
	if err := w.queue.Nack(ctx, job, jobErr, retry); err != nil {
		logger.Error("nack_failed", zap.Error(err))
		return
	}
	logger.Info("job_requeued",
		zap.Bool("retry", retry),
		zap.NamedError("cause", jobErr),
	)
}
