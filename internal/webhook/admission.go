package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/idempotency"
	"github.com/tiltvault/tiltvault-cloud/internal/queue"
	"github.com/tiltvault/tiltvault-cloud/internal/ratelimit"
	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
	"github.com/tiltvault/tiltvault-cloud/pkg/snowflake"
	"github.com/tiltvault/tiltvault-cloud/pkg/telemetry/correlation"
)

const pendingOrderPrefix = "pending:order:"

// AdmitCode is the terminal disposition of one webhook delivery.
type AdmitCode string

const (
	// CodeAdmitted: the event passed every gate and a job is queued.
	CodeAdmitted AdmitCode = "admitted"
	// CodeDuplicate: the payment is already queued, processing, or done.
	// Reported as success to the provider so it stops redelivering.
	CodeDuplicate AdmitCode = "duplicate"
	// CodeBuffered: the event lacks its complementary half (payment
	// without note, order without payment) and waits in the buffer.
	CodeBuffered AdmitCode = "buffered"
	// CodeIgnored: a valid event the pipeline has no work for, e.g. a
	// payment that is not yet completed.
	CodeIgnored AdmitCode = "ignored"
	// CodeRejected: the event failed validation or a limit.
	CodeRejected AdmitCode = "rejected"
)

// AdmitResult reports the disposition plus enough context for the HTTP
// layer to build a response.
type AdmitResult struct {
	Code       AdmitCode
	Reason     string
	PaymentID  string
	RetryAfter time.Duration
	Err        error
}

// AdmissionConfig tunes the intake gates.
type AdmissionConfig struct {
	WebhookPerMinute int
	SignatureTTL     time.Duration
	PendingOrderTTL  time.Duration
	JobMaxAttempts   int
}

// Admission is the webhook intake pipeline: rate limit, signature, replay,
// event join, velocity, dedup, enqueue. It owns no execution logic; its
// only output is a queued job or a disposition.
type Admission struct {
	validator *Validator
	limiter   *ratelimit.Limiter
	idem      *idempotency.Store
	queue     *queue.Queue
	kv        kv.Store
	ids       *snowflake.Node
	cfg       AdmissionConfig
	logger    *zap.Logger
}

func NewAdmission(
	validator *Validator,
	limiter *ratelimit.Limiter,
	idem *idempotency.Store,
	q *queue.Queue,
	store kv.Store,
	ids *snowflake.Node,
	cfg AdmissionConfig,
	logger *zap.Logger,
) *Admission {
	return &Admission{
		validator: validator,
		limiter:   limiter,
		idem:      idem,
		queue:     q,
		kv:        store,
		ids:       ids,
		cfg:       cfg,
		logger:    logger.Named("admission"),
	}
}

// Admit runs one delivery through every gate in order. Gates are ordered
// cheapest-first; the signature check runs before any state is written for
// the event. The replay marker is written only on terminal dispositions:
// a rejected delivery keeps its signature fresh so the provider's retry of
// the identical body is not misread as a replay.
func (a *Admission) Admit(ctx context.Context, clientIP string, rawBody []byte, signature string) AdmitResult {
	res := a.admit(ctx, clientIP, rawBody, signature)
	switch res.Code {
	case CodeAdmitted, CodeIgnored, CodeDuplicate:
		a.markSignature(ctx, signature)
	}
	return res
}

func (a *Admission) admit(ctx context.Context, clientIP string, rawBody []byte, signature string) AdmitResult {
	decision := a.limiter.Check(ctx, clientIP, ratelimit.LimitSpec{
		Name:   "webhook",
		Limit:  a.cfg.WebhookPerMinute,
		Window: time.Minute,
	})
	if !decision.Allowed {
		return AdmitResult{Code: CodeRejected, Reason: "rate_limited", RetryAfter: decision.RetryAfter}
	}

	ev, err := a.validator.Validate(rawBody, signature)
	if err != nil {
		return AdmitResult{Code: CodeRejected, Reason: rejectionReason(err), Err: err}
	}

	seen, err := a.idem.SignatureSeen(ctx, signature)
	if err != nil {
		return AdmitResult{Code: CodeRejected, Reason: "store_unavailable", Err: err}
	}
	if seen {
		return AdmitResult{Code: CodeDuplicate, Reason: "signature_replay", PaymentID: ev.PaymentID}
	}

	if buffered := a.joinPendingOrder(ctx, ev); buffered {
		return AdmitResult{Code: CodeBuffered, Reason: "awaiting_order_details", PaymentID: ev.PaymentID}
	}

	if ev.Status != PaymentCompleted {
		return AdmitResult{Code: CodeIgnored, Reason: "payment_not_completed", PaymentID: ev.PaymentID}
	}
	if err := ev.Note.RequireFields(ev.EventType); err != nil {
		return AdmitResult{Code: CodeRejected, Reason: "note_incomplete", PaymentID: ev.PaymentID, Err: err}
	}

	velocity := a.limiter.CheckVelocity(ctx, clientIP, ev.AmountCents)
	if !velocity.Allowed {
		return AdmitResult{Code: CodeRejected, Reason: "velocity_exceeded", PaymentID: ev.PaymentID, RetryAfter: velocity.RetryAfter}
	}

	processed, err := a.idem.IsProcessed(ctx, ev.PaymentID)
	if err != nil {
		return AdmitResult{Code: CodeRejected, Reason: "store_unavailable", Err: err}
	}
	if processed {
		return AdmitResult{Code: CodeDuplicate, Reason: "already_processed", PaymentID: ev.PaymentID}
	}

	_, correlationID := correlation.EnsureCorrelationID(ctx)
	payload, err := EncodeEvent(ev)
	if err != nil {
		return AdmitResult{Code: CodeRejected, Reason: "encode_failed", PaymentID: ev.PaymentID, Err: err}
	}
	job := queue.NewJob(a.ids.GenerateID(), correlationID, ev.PaymentID, payload, a.cfg.JobMaxAttempts)
	if err := a.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrDuplicatePayment) {
			return AdmitResult{Code: CodeDuplicate, Reason: "already_queued", PaymentID: ev.PaymentID}
		}
		return AdmitResult{Code: CodeRejected, Reason: "enqueue_failed", PaymentID: ev.PaymentID, Err: err}
	}

	a.logger.Info("payment_admitted",
		zap.String("payment_id", ev.PaymentID),
		zap.String("correlation_id", correlationID),
		zap.Int64("amount_cents", ev.AmountCents),
		zap.String("risk_profile", ev.Note.RiskProfile),
	)
	return AdmitResult{Code: CodeAdmitted, PaymentID: ev.PaymentID}
}

// markSignature is best-effort: losing the marker costs one duplicate
// admission, which the payment lock downstream absorbs.
func (a *Admission) markSignature(ctx context.Context, signature string) {
	if err := a.idem.MarkSignature(ctx, signature, a.cfg.SignatureTTL); err != nil {
		a.logger.Warn("signature_mark_failed", zap.Error(err))
	}
}

// joinPendingOrder handles the split delivery shape: a payment event may
// arrive before the order event that carries the note, or after it. The
// incomplete half waits in the kv buffer under the order ID until its
// complement arrives or the TTL expires. Returns true when the event was
// buffered and admission should stop.
func (a *Admission) joinPendingOrder(ctx context.Context, ev *PaymentEvent) bool {
	if ev.OrderID == "" {
		return false
	}
	key := pendingOrderPrefix + ev.OrderID

	if ev.Note.WalletAddress == "" {
		// Payment half without the note. Look for a buffered order half
		// first; merge if present, otherwise wait. A redelivered payment
		// half finds its own buffered copy, which carries no note either,
		// so the merge only releases the event once the note landed.
		if a.mergeBuffered(ctx, key, ev) && ev.Note.WalletAddress != "" {
			return false
		}
		a.buffer(ctx, key, ev)
		return true
	}

	// Note present. A buffered payment half may carry the authoritative
	// amount and payment ID.
	if ev.PaymentID == "" || ev.AmountCents == 0 {
		if a.mergeBuffered(ctx, key, ev) && ev.PaymentID != "" {
			return false
		}
		a.buffer(ctx, key, ev)
		return true
	}
	return false
}

func (a *Admission) buffer(ctx context.Context, key string, ev *PaymentEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := a.kv.Set(ctx, key, string(payload), a.cfg.PendingOrderTTL); err != nil {
		a.logger.Warn("pending_order_buffer_failed",
			zap.String("order_id", ev.OrderID),
			zap.Error(err),
		)
	}
}

// mergeBuffered fills the event's empty fields from the buffered half and
// consumes the buffer entry. Reports whether a buffered half existed.
func (a *Admission) mergeBuffered(ctx context.Context, key string, ev *PaymentEvent) bool {
	raw, err := a.kv.Get(ctx, key)
	if err != nil {
		return false
	}
	var buffered PaymentEvent
	if err := json.Unmarshal([]byte(raw), &buffered); err != nil {
		_ = a.kv.Del(ctx, key)
		return false
	}

	if ev.PaymentID == "" {
		ev.PaymentID = buffered.PaymentID
	}
	if ev.AmountCents == 0 {
		ev.AmountCents = buffered.AmountCents
	}
	if ev.Currency == "" {
		ev.Currency = buffered.Currency
	}
	if ev.Status == "" || ev.Status == PaymentPending {
		ev.Status = buffered.Status
	}
	if ev.Note.WalletAddress == "" {
		ev.Note = buffered.Note
	}

	_ = a.kv.Del(ctx, key)
	return true
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrMalformedBody):
		return "malformed_body"
	case errors.Is(err, ErrMalformedNote):
		return "malformed_note"
	case errors.Is(err, ErrUnresolvedPayment):
		return "unresolved_payment"
	case errors.Is(err, ErrUnsupportedEvent):
		return "unsupported_event"
	default:
		return "invalid"
	}
}
