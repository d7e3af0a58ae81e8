package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader is the provider's HMAC signature header.
const SignatureHeader = "X-Square-Hmacsha256-Signature"

// Validator verifies webhook authenticity and extracts a normalized
// PaymentEvent. It is a pure function over its inputs plus the shared
// secret; all persistence happens downstream.
type Validator struct {
	secret          string
	notificationURL string
	allowBypass     bool
	logger          *zap.Logger
}

func NewValidator(secret, notificationURL string, allowBypass bool, logger *zap.Logger) *Validator {
	return &Validator{
		secret:          secret,
		notificationURL: CanonicalURL(notificationURL),
		allowBypass:     allowBypass,
		logger:          logger.Named("webhook.validator"),
	}
}

// Validate checks the signature and normalizes the payload. Returned
// errors are always *ValidationError.
func (v *Validator) Validate(rawBody []byte, signature string) (*PaymentEvent, error) {
	if err := v.verifySignature(rawBody, signature); err != nil {
		if !v.allowBypass {
			return nil, err
		}
		// Bypass processes the event anyway but never treats it as valid:
		// the delivery is flagged for the security channel.
		v.logger.Error("signature_bypass_engaged",
			zap.String("severity", "critical"),
			zap.Error(err),
		)
	}
	return v.extract(rawBody)
}

func (v *Validator) verifySignature(rawBody []byte, signature string) error {
	if v.secret == "" {
		return validationErr(ErrBadSignature, "webhook secret not configured")
	}
	if signature == "" {
		return validationErr(ErrBadSignature, "missing signature header")
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write([]byte(v.notificationURL))
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return validationErr(ErrBadSignature, "hmac mismatch")
	}
	return nil
}

// CanonicalURL normalizes harmless URL variance (scheme case, www prefix,
// default ports, trailing slash, query strings) so equivalent notification
// URLs sign identically while true forgeries still fail.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimSuffix(host, ":80")

	path := strings.ToLower(u.Path)
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "/" {
		path = ""
	}

	return "https://" + host + path
}

// wire shapes for the provider payload

type envelope struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Object struct {
			Payment *wirePayment `json:"payment"`
			Order   *wireOrder   `json:"order"`
		} `json:"object"`
	} `json:"data"`
}

type wirePayment struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	Note        string `json:"note"`
	AmountMoney struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
}

type wireOrder struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Tenders []struct {
		PaymentID   string `json:"payment_id"`
		AmountMoney struct {
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
		} `json:"amount_money"`
		Payment *wirePayment `json:"payment"`
	} `json:"tenders"`
}

func (v *Validator) extract(rawBody []byte) (*PaymentEvent, error) {
	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, validationErr(ErrMalformedBody, "json: %v", err)
	}

	switch env.Type {
	case string(EventPaymentCreated), string(EventPaymentUpdated):
		return v.fromPayment(env)
	case string(EventOrderUpdated):
		return v.fromOrder(env)
	default:
		return nil, validationErr(ErrUnsupportedEvent, "type %q", env.Type)
	}
}

func (v *Validator) fromPayment(env envelope) (*PaymentEvent, error) {
	p := env.Data.Object.Payment
	if p == nil || p.ID == "" {
		return nil, validationErr(ErrUnresolvedPayment, "payment event without payment object")
	}

	note, err := ParseNote(p.Note)
	if err != nil {
		return nil, validationErr(ErrMalformedNote, "%v", err)
	}
	eventType := EventType(env.Type)
	// A payment without any note tokens may still be joined with its
	// order event downstream; only a present-but-incomplete note is
	// rejected here.
	if p.Note != "" {
		if err := note.RequireFields(eventType); err != nil {
			return nil, validationErr(ErrMalformedNote, "%v", err)
		}
	}

	return &PaymentEvent{
		EventID:     env.EventID,
		EventType:   eventType,
		PaymentID:   p.ID,
		OrderID:     p.OrderID,
		AmountCents: p.AmountMoney.Amount,
		Currency:    strings.ToUpper(p.AmountMoney.Currency),
		Status:      normalizeStatus(p.Status),
		Note:        note,
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

// fromOrder resolves a paymentId by scanning the order's tender list,
// because order.updated events routinely omit the note on the top-level
// payment object.
func (v *Validator) fromOrder(env envelope) (*PaymentEvent, error) {
	o := env.Data.Object.Order
	if o == nil {
		return nil, validationErr(ErrMalformedBody, "order event without order object")
	}

	for _, tender := range o.Tenders {
		paymentID := tender.PaymentID
		if paymentID == "" && tender.Payment != nil {
			paymentID = tender.Payment.ID
		}
		if paymentID == "" || tender.Payment == nil || tender.Payment.Note == "" {
			continue
		}

		note, err := ParseNote(tender.Payment.Note)
		if err != nil {
			return nil, validationErr(ErrMalformedNote, "tender %s: %v", paymentID, err)
		}
		if err := note.RequireFields(EventOrderUpdated); err != nil {
			return nil, validationErr(ErrMalformedNote, "tender %s: %v", paymentID, err)
		}

		amount := tender.AmountMoney.Amount
		currency := tender.AmountMoney.Currency
		status := normalizeStatus(o.State)
		if tender.Payment.AmountMoney.Amount != 0 {
			amount = tender.Payment.AmountMoney.Amount
			currency = tender.Payment.AmountMoney.Currency
		}
		if tender.Payment.Status != "" {
			status = normalizeStatus(tender.Payment.Status)
		}

		return &PaymentEvent{
			EventID:     env.EventID,
			EventType:   EventOrderUpdated,
			PaymentID:   paymentID,
			OrderID:     o.ID,
			AmountCents: amount,
			Currency:    strings.ToUpper(currency),
			Status:      status,
			Note:        note,
			ReceivedAt:  time.Now().UTC(),
		}, nil
	}

	return nil, validationErr(ErrUnresolvedPayment, "order %s: no tender carries a usable payment", o.ID)
}

func normalizeStatus(raw string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "CAPTURED", "APPROVED":
		return PaymentCompleted
	case "FAILED":
		return PaymentFailed
	case "CANCELED", "CANCELLED":
		return PaymentCanceled
	default:
		return PaymentPending
	}
}
