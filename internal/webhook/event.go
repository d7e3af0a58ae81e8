package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the provider notification type after normalization.
type EventType string

const (
	EventPaymentCreated EventType = "payment.created"
	EventPaymentUpdated EventType = "payment.updated"
	EventOrderUpdated   EventType = "order.updated"
)

// PaymentStatus is the normalized provider-side payment status.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCanceled  PaymentStatus = "canceled"
)

// PaymentEvent is the normalized view of a provider notification, the
// only shape admission and the queue ever see.
type PaymentEvent struct {
	EventID     string        `json:"event_id"`
	EventType   EventType     `json:"event_type"`
	PaymentID   string        `json:"payment_id"`
	OrderID     string        `json:"order_id,omitempty"`
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
	Status      PaymentStatus `json:"status"`
	Note        Note          `json:"note"`
	ReceivedAt  time.Time     `json:"received_at"`
}

// EncodeEvent renders the event as the queue payload.
func EncodeEvent(ev *PaymentEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent parses a queue payload back into the admitted event.
func DecodeEvent(payload []byte) (*PaymentEvent, error) {
	var ev PaymentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode payment event: %w", err)
	}
	return &ev, nil
}

// Validation failure modes. Each is terminal for the specific delivery.
var (
	ErrBadSignature      = errors.New("webhook signature mismatch")
	ErrMalformedBody     = errors.New("malformed webhook body")
	ErrUnresolvedPayment = errors.New("payment id unresolved")
	ErrMalformedNote     = errors.New("malformed payment note")
	ErrUnsupportedEvent  = errors.New("unsupported event type")
)

// ValidationError carries the rejection reason plus enough context for the
// audit log.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%v: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

func validationErr(reason error, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
