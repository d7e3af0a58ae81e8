package queue

import (
	"time"
)

// JobState is the queue-side lifecycle of an execution job.
type JobState string

const (
	StateQueued       JobState = "queued"
	StateProcessing   JobState = "processing"
	StateSucceeded    JobState = "succeeded"
	StateDeadLettered JobState = "dead_lettered"
)

// Job is a durable unit of work: one admitted payment event awaiting
// on-chain execution. The payload is an opaque blob to the queue; the
// consumer owns its encoding. Correctness under redelivery rests on the
// idempotency store, not on queue ordering.
type Job struct {
	ID            int64    `gorm:"primaryKey"`
	PaymentID     string   `gorm:"type:varchar(255);uniqueIndex;not null"`
	CorrelationID string   `gorm:"type:varchar(64)"`
	Payload       []byte   `gorm:"type:jsonb;not null"`
	State         JobState `gorm:"type:varchar(32);not null;index"`
	Attempts      int      `gorm:"not null;default:0"`
	MaxAttempts   int      `gorm:"not null"`
	LastError     string   `gorm:"type:text"`
	LockedAt      *time.Time
	NextAttemptAt *time.Time
	EnqueuedAt    time.Time `gorm:"not null"`
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

func (Job) TableName() string {
	return "execution_jobs"
}

// NewJob builds a queued job around an encoded payload.
func NewJob(id int64, correlationID, paymentID string, payload []byte, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            id,
		PaymentID:     paymentID,
		CorrelationID: correlationID,
		Payload:       payload,
		State:         StateQueued,
		MaxAttempts:   maxAttempts,
		EnqueuedAt:    now,
		UpdatedAt:     now,
	}
}
