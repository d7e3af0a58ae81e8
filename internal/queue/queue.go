package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicatePayment means a job already exists for the payment.
var ErrDuplicatePayment = errors.New("job already enqueued for payment")

// Metrics is the queue health snapshot exposed for monitoring and
// backpressure signaling.
type Metrics struct {
	QueueDepth      int64         `json:"queue_depth"`
	ProcessingDepth int64         `json:"processing_depth"`
	DeadLetterDepth int64         `json:"dead_letter_depth"`
	OldestJobAge    time.Duration `json:"oldest_job_age_seconds"`
}

// Queue is the durable execution-job queue. Delivery is at-least-once:
// competing consumers claim batches with SKIP LOCKED and a claim can be
// redelivered after worker crash via the stale-claim sweep.
type Queue struct {
	db     *gorm.DB
	logger *zap.Logger

	// claims older than this are considered abandoned by a dead worker
	staleClaimAfter time.Duration
}

func New(db *gorm.DB, logger *zap.Logger) *Queue {
	return &Queue{
		db:              db,
		logger:          logger.Named("queue"),
		staleClaimAfter: 10 * time.Minute,
	}
}

// Enqueue persists a new job. The unique index on payment_id makes the
// queue itself reject double admission, independent of the kv lock.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	err := q.db.WithContext(ctx).Create(job).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicatePayment
	}
	return err
}

// ClaimBatch transitions up to batchSize due jobs to processing and
// returns them. Uses FOR UPDATE SKIP LOCKED so horizontally scaled
// workers never claim the same row.
func (q *Queue) ClaimBatch(ctx context.Context, batchSize int) ([]Job, error) {
	var jobs []Job
	now := time.Now().UTC()

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT * FROM execution_jobs
			 WHERE state = ?
			   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			   AND attempts < max_attempts
			 ORDER BY enqueued_at ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			StateQueued,
			now,
			batchSize,
		).Scan(&jobs).Error; err != nil {
			return err
		}

		if len(jobs) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(jobs))
		for i := range jobs {
			ids = append(ids, jobs[i].ID)
			jobs[i].Attempts++
			jobs[i].State = StateProcessing
		}

		return tx.Model(&Job{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"state":           StateProcessing,
				"attempts":        gorm.Expr("attempts + 1"),
				"locked_at":       now,
				"last_attempt_at": now,
				"updated_at":      now,
			}).Error
	})

	return jobs, err
}

// Ack marks a job succeeded.
func (q *Queue) Ack(ctx context.Context, jobID int64) error {
	now := time.Now().UTC()
	return q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", jobID, StateProcessing).
		Updates(map[string]any{
			"state":        StateSucceeded,
			"completed_at": now,
			"updated_at":   now,
			"last_error":   "",
		}).Error
}

// Nack returns a failed job to the queue with exponential backoff, or
// dead-letters it when retry is false or attempts are exhausted.
func (q *Queue) Nack(ctx context.Context, job *Job, jobErr error, retry bool) error {
	if !retry || job.Attempts >= job.MaxAttempts {
		return q.DeadLetter(ctx, job.ID, errString(jobErr))
	}

	now := time.Now().UTC()
	next := now.Add(backoffDuration(job.Attempts))
	return q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"state":           StateQueued,
			"last_error":      errString(jobErr),
			"next_attempt_at": next,
			"locked_at":       nil,
			"updated_at":      now,
		}).Error
}

// Release returns a claimed job to the queue without spending the
// attempt the claim pre-charged. Used when the delivery was contended
// rather than failed: lock-held redeliveries are discarded, never pushed
// toward the dead letter.
func (q *Queue) Release(ctx context.Context, job *Job, delay time.Duration) error {
	now := time.Now().UTC()
	return q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", job.ID, StateProcessing).
		Updates(map[string]any{
			"state":           StateQueued,
			"attempts":        gorm.Expr("attempts - 1"),
			"next_attempt_at": now.Add(delay),
			"locked_at":       nil,
			"updated_at":      now,
		}).Error
}

// DeadLetter parks a job for manual intervention. Dead-lettered jobs are
// never auto-retried.
func (q *Queue) DeadLetter(ctx context.Context, jobID int64, reason string) error {
	now := time.Now().UTC()
	err := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"state":      StateDeadLettered,
			"last_error": reason,
			"locked_at":  nil,
			"updated_at": now,
		}).Error
	if err == nil {
		q.logger.Error("job_dead_lettered",
			zap.Int64("job_id", jobID),
			zap.String("reason", reason),
		)
	}
	return err
}

// ListDeadLetter returns dead-lettered jobs, oldest first.
func (q *Queue) ListDeadLetter(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	query := q.db.WithContext(ctx).
		Where("state = ?", StateDeadLettered).
		Order("enqueued_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&jobs).Error
	return jobs, err
}

// Reprocess re-admits dead-lettered jobs. The attempt budget resets, but
// execution still flows through the same idempotency gate as fresh jobs,
// so an already-completed payment short-circuits harmlessly.
func (q *Queue) Reprocess(ctx context.Context, jobIDs []int64) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	result := q.db.WithContext(ctx).Model(&Job{}).
		Where("id IN ? AND state = ?", jobIDs, StateDeadLettered).
		Updates(map[string]any{
			"state":           StateQueued,
			"attempts":        0,
			"next_attempt_at": nil,
			"last_error":      "",
			"updated_at":      now,
		})
	return result.RowsAffected, result.Error
}

// ReleaseStaleClaims requeues processing jobs whose claim is older than
// the stale threshold, covering workers that died mid-job.
func (q *Queue) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-q.staleClaimAfter)
	result := q.db.WithContext(ctx).Model(&Job{}).
		Where("state = ? AND locked_at < ?", StateProcessing, cutoff).
		Updates(map[string]any{
			"state":      StateQueued,
			"locked_at":  nil,
			"updated_at": time.Now().UTC(),
		})
	if result.RowsAffected > 0 {
		q.logger.Warn("stale_claims_released", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, result.Error
}

// Snapshot reads the current queue health counters.
func (q *Queue) Snapshot(ctx context.Context) (Metrics, error) {
	var m Metrics

	counts := []struct {
		state JobState
		dest  *int64
	}{
		{StateQueued, &m.QueueDepth},
		{StateProcessing, &m.ProcessingDepth},
		{StateDeadLettered, &m.DeadLetterDepth},
	}
	for _, c := range counts {
		if err := q.db.WithContext(ctx).Model(&Job{}).
			Where("state = ?", c.state).
			Count(c.dest).Error; err != nil {
			return Metrics{}, err
		}
	}

	var oldest struct{ EnqueuedAt *time.Time }
	err := q.db.WithContext(ctx).Model(&Job{}).
		Select("MIN(enqueued_at) as enqueued_at").
		Where("state = ?", StateQueued).
		Scan(&oldest).Error
	if err != nil {
		return Metrics{}, err
	}
	if oldest.EnqueuedAt != nil {
		m.OldestJobAge = time.Since(*oldest.EnqueuedAt)
	}
	return m, nil
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return 10 * time.Second
	}

	maxBackoff := 5 * time.Minute
	base := 10 * time.Second
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}

	d := base * time.Duration(1<<shift)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// pgx surfaces unique violations as SQLSTATE 23505
	return err != nil && strings.Contains(err.Error(), "23505")
}
