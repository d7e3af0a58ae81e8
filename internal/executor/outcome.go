package executor

import "github.com/tiltvault/tiltvault-cloud/internal/domain/position"

// OutcomeKind discriminates the result of one execution attempt. The
// worker maps kinds onto queue decisions: retryable outcomes nack with
// backoff, everything else acks.
type OutcomeKind string

const (
	// OutcomeSuccess: all steps confirmed, position active.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeAlreadyComplete: the position was already terminal. Second
	// idempotency layer for duplicates that slip past an expired lock.
	OutcomeAlreadyComplete OutcomeKind = "already_complete"
	// OutcomePartialFailure: the protocol step failed after bookkeeping.
	// The position carries the classification; recovery owns it from here.
	OutcomePartialFailure OutcomeKind = "partial_failure"
	// OutcomeIndeterminate: a confirmation timed out. Chain state must be
	// reconciled before any corrective action; never requeued.
	OutcomeIndeterminate OutcomeKind = "indeterminate"
	// OutcomeRetryable: an infrastructure failure before any transaction
	// was submitted. Safe for queue-level retry.
	OutcomeRetryable OutcomeKind = "retryable"
)

// Outcome is the result of StrategyExecutor.Execute.
type Outcome struct {
	Kind     OutcomeKind
	Position *position.Position
	Err      error
}

func success(p *position.Position) Outcome {
	return Outcome{Kind: OutcomeSuccess, Position: p}
}

func alreadyComplete(p *position.Position) Outcome {
	return Outcome{Kind: OutcomeAlreadyComplete, Position: p}
}

func partialFailure(p *position.Position, err error) Outcome {
	return Outcome{Kind: OutcomePartialFailure, Position: p, Err: err}
}

func indeterminate(p *position.Position, err error) Outcome {
	return Outcome{Kind: OutcomeIndeterminate, Position: p, Err: err}
}

func retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}
