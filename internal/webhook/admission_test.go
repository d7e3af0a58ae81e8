package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tiltvault/tiltvault-cloud/internal/idempotency"
	"github.com/tiltvault/tiltvault-cloud/internal/queue"
	"github.com/tiltvault/tiltvault-cloud/internal/ratelimit"
	"github.com/tiltvault/tiltvault-cloud/internal/webhook"
	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
	"github.com/tiltvault/tiltvault-cloud/pkg/snowflake"
	"github.com/tiltvault/tiltvault-cloud/pkg/testhelper"
)

const (
	admitSecret = "whsec_admit_test"
	admitURL    = "https://api.tiltvault.io/webhooks/square"
	admitWallet = "0x1234567890abcdef1234567890abcdef12345678"
)

func admitSign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(admitSecret))
	mac.Write([]byte(webhook.CanonicalURL(admitURL)))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func admitPaymentBody(eventID, paymentID, orderID, status, note string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"event_id": %q,
		"type": "payment.created",
		"data": {"object": {"payment": {
			"id": %q,
			"order_id": %q,
			"status": %q,
			"note": %q,
			"amount_money": {"amount": %d, "currency": "USD"}
		}}}
	}`, eventID, paymentID, orderID, status, note, amount))
}

func admitOrderBody(eventID, orderID, paymentID, note string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"event_id": %q,
		"type": "order.updated",
		"data": {"object": {"order": {
			"id": %q,
			"state": "COMPLETED",
			"tenders": [{
				"payment_id": %q,
				"amount_money": {"amount": %d, "currency": "USD"},
				"payment": {"id": %q, "note": %q}
			}]
		}}}
	}`, eventID, orderID, paymentID, amount, paymentID, note))
}

func TestAdmission_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	pg, err := testhelper.SetupPostgres(ctx)
	require.NoError(t, err)
	defer func() {
		if err := pg.Teardown(ctx); err != nil {
			t.Logf("failed to teardown container: %v", err)
		}
	}()

	db, err := gorm.Open(postgres.Open(pg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&queue.Job{}))

	store := kv.NewMemory()
	nop := zap.NewNop()
	node, err := snowflake.NewNode()
	require.NoError(t, err)

	validator := webhook.NewValidator(admitSecret, admitURL, false, nop)
	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		GlobalViolationLimit: 100,
		TighteningFactor:     0.7,
		FactorTightening:     0.8,
		TighteningWindow:     time.Minute,
		HourlyCentsPerIP:     100_000,
		DailyCentsPerIP:      500_000,
	}, nop)
	idem := idempotency.NewStore(store, nop)
	q := queue.New(db, nop)

	admission := webhook.NewAdmission(validator, limiter, idem, q, store, node, webhook.AdmissionConfig{
		WebhookPerMinute: 1000,
		SignatureTTL:     5 * time.Minute,
		PendingOrderTTL:  10 * time.Minute,
		JobMaxAttempts:   3,
	}, nop)

	fullNote := "wallet:" + admitWallet + " risk:conservative email:jo@example.com"

	t.Run("AdmitsCompletedPayment", func(t *testing.T) {
		body := admitPaymentBody("evt_1", "pay_1", "ord_1", "COMPLETED", fullNote, 25000)
		res := admission.Admit(ctx, "10.0.0.1", body, admitSign(body))
		require.Equal(t, webhook.CodeAdmitted, res.Code, "reason: %s err: %v", res.Reason, res.Err)
		assert.Equal(t, "pay_1", res.PaymentID)

		var job queue.Job
		require.NoError(t, db.Where("payment_id = ?", "pay_1").First(&job).Error)
		assert.Equal(t, queue.StateQueued, job.State)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.NotEmpty(t, job.CorrelationID)

		ev, err := webhook.DecodeEvent(job.Payload)
		require.NoError(t, err)
		assert.Equal(t, int64(25000), ev.AmountCents)
		assert.Equal(t, admitWallet, ev.Note.WalletAddress)
	})

	t.Run("ReplayedSignatureIsDuplicate", func(t *testing.T) {
		body := admitPaymentBody("evt_2", "pay_2", "ord_2", "COMPLETED", fullNote, 100)
		sig := admitSign(body)

		res := admission.Admit(ctx, "10.0.0.1", body, sig)
		require.Equal(t, webhook.CodeAdmitted, res.Code)

		res = admission.Admit(ctx, "10.0.0.1", body, sig)
		assert.Equal(t, webhook.CodeDuplicate, res.Code)
		assert.Equal(t, "signature_replay", res.Reason)
	})

	t.Run("RedeliveredPaymentIsDuplicate", func(t *testing.T) {
		// The provider re-signs redeliveries, so the signature differs but
		// the payment does not; the queue's unique index catches it.
		first := admitPaymentBody("evt_3", "pay_3", "ord_3", "COMPLETED", fullNote, 100)
		res := admission.Admit(ctx, "10.0.0.1", first, admitSign(first))
		require.Equal(t, webhook.CodeAdmitted, res.Code)

		second := admitPaymentBody("evt_3b", "pay_3", "ord_3", "COMPLETED", fullNote, 100)
		res = admission.Admit(ctx, "10.0.0.1", second, admitSign(second))
		assert.Equal(t, webhook.CodeDuplicate, res.Code)
		assert.Equal(t, "already_queued", res.Reason)
	})

	t.Run("ProcessedPaymentShortCircuits", func(t *testing.T) {
		require.NoError(t, idem.MarkProcessed(ctx, "pay_done", time.Hour))

		body := admitPaymentBody("evt_4", "pay_done", "ord_4", "COMPLETED", fullNote, 100)
		res := admission.Admit(ctx, "10.0.0.1", body, admitSign(body))
		assert.Equal(t, webhook.CodeDuplicate, res.Code)
		assert.Equal(t, "already_processed", res.Reason)
	})

	t.Run("PendingPaymentIgnored", func(t *testing.T) {
		body := admitPaymentBody("evt_5", "pay_5", "ord_5", "PENDING", fullNote, 100)
		res := admission.Admit(ctx, "10.0.0.1", body, admitSign(body))
		assert.Equal(t, webhook.CodeIgnored, res.Code)
		assert.Equal(t, "payment_not_completed", res.Reason)
	})

	t.Run("BadSignatureRejected", func(t *testing.T) {
		body := admitPaymentBody("evt_6", "pay_6", "ord_6", "COMPLETED", fullNote, 100)
		res := admission.Admit(ctx, "10.0.0.1", body, "bogus")
		assert.Equal(t, webhook.CodeRejected, res.Code)
		assert.Equal(t, "bad_signature", res.Reason)
	})

	t.Run("SplitDeliveryJoins", func(t *testing.T) {
		// Payment half arrives without the note and waits in the buffer.
		paymentHalf := admitPaymentBody("evt_7", "pay_7", "ord_7", "COMPLETED", "", 32000)
		res := admission.Admit(ctx, "10.0.0.2", paymentHalf, admitSign(paymentHalf))
		require.Equal(t, webhook.CodeBuffered, res.Code)
		assert.Equal(t, "awaiting_order_details", res.Reason)

		// Order half carries the note; the merge admits the joined event.
		orderHalf := admitOrderBody("evt_7b", "ord_7", "pay_7", fullNote, 32000)
		res = admission.Admit(ctx, "10.0.0.2", orderHalf, admitSign(orderHalf))
		require.Equal(t, webhook.CodeAdmitted, res.Code, "reason: %s err: %v", res.Reason, res.Err)
		assert.Equal(t, "pay_7", res.PaymentID)

		var job queue.Job
		require.NoError(t, db.Where("payment_id = ?", "pay_7").First(&job).Error)
		ev, err := webhook.DecodeEvent(job.Payload)
		require.NoError(t, err)
		assert.Equal(t, int64(32000), ev.AmountCents)
		assert.Equal(t, "conservative", ev.Note.RiskProfile)
	})

	t.Run("VelocityCapRejects", func(t *testing.T) {
		// First charge fits under the hourly cap; the second blows it.
		first := admitPaymentBody("evt_8", "pay_8", "ord_8", "COMPLETED", fullNote, 90_000)
		res := admission.Admit(ctx, "10.0.0.3", first, admitSign(first))
		require.Equal(t, webhook.CodeAdmitted, res.Code)

		second := admitPaymentBody("evt_9", "pay_9", "ord_9", "COMPLETED", fullNote, 90_000)
		res = admission.Admit(ctx, "10.0.0.3", second, admitSign(second))
		assert.Equal(t, webhook.CodeRejected, res.Code)
		assert.Equal(t, "velocity_exceeded", res.Reason)
		assert.Greater(t, res.RetryAfter, time.Duration(0))
	})

	t.Run("RateLimitRejects", func(t *testing.T) {
		tight := webhook.NewAdmission(validator, ratelimit.NewLimiter(store, ratelimit.Config{
			GlobalViolationLimit: 100,
			TighteningFactor:     1,
			FactorTightening:     1,
			TighteningWindow:     time.Minute,
			HourlyCentsPerIP:     100_000,
			DailyCentsPerIP:      500_000,
		}, nop), idem, q, store, node, webhook.AdmissionConfig{
			WebhookPerMinute: 1,
			SignatureTTL:     5 * time.Minute,
			PendingOrderTTL:  10 * time.Minute,
			JobMaxAttempts:   3,
		}, nop)

		body := admitPaymentBody("evt_10", "pay_10", "ord_10", "COMPLETED", fullNote, 100)
		res := tight.Admit(ctx, "10.0.0.4", body, admitSign(body))
		require.Equal(t, webhook.CodeAdmitted, res.Code)

		res = tight.Admit(ctx, "10.0.0.4", body, admitSign(body))
		assert.Equal(t, webhook.CodeRejected, res.Code)
		assert.Equal(t, "rate_limited", res.Reason)
		assert.Greater(t, res.RetryAfter, time.Duration(0))
	})

	t.Run("RejectedDeliveryKeepsSignatureFresh", func(t *testing.T) {
		// Blow the hourly velocity cap so the second charge is rejected.
		first := admitPaymentBody("evt_12", "pay_12", "ord_12", "COMPLETED", fullNote, 90_000)
		res := admission.Admit(ctx, "10.0.0.6", first, admitSign(first))
		require.Equal(t, webhook.CodeAdmitted, res.Code)

		body := admitPaymentBody("evt_13", "pay_13", "ord_13", "COMPLETED", fullNote, 90_000)
		sig := admitSign(body)
		res = admission.Admit(ctx, "10.0.0.6", body, sig)
		require.Equal(t, webhook.CodeRejected, res.Code)
		require.Equal(t, "velocity_exceeded", res.Reason)

		// The provider redelivers the identical signed body once the
		// window rolls over. A fresh limiter stands in for the rollover;
		// the signature store is the same one that saw the rejection.
		retry := webhook.NewAdmission(validator, ratelimit.NewLimiter(kv.NewMemory(), ratelimit.Config{
			GlobalViolationLimit: 100,
			TighteningFactor:     0.7,
			FactorTightening:     0.8,
			TighteningWindow:     time.Minute,
			HourlyCentsPerIP:     100_000,
			DailyCentsPerIP:      500_000,
		}, nop), idem, q, store, node, webhook.AdmissionConfig{
			WebhookPerMinute: 1000,
			SignatureTTL:     5 * time.Minute,
			PendingOrderTTL:  10 * time.Minute,
			JobMaxAttempts:   3,
		}, nop)

		res = retry.Admit(ctx, "10.0.0.6", body, sig)
		require.Equal(t, webhook.CodeAdmitted, res.Code,
			"a rejected delivery must not consume its signature; reason: %s", res.Reason)
		assert.Equal(t, "pay_13", res.PaymentID)
	})

	t.Run("RedeliveredPaymentHalfStaysBuffered", func(t *testing.T) {
		body := admitPaymentBody("evt_14", "pay_14", "ord_14", "COMPLETED", "", 15000)
		res := admission.Admit(ctx, "10.0.0.7", body, admitSign(body))
		require.Equal(t, webhook.CodeBuffered, res.Code)

		// A re-signed redelivery of the same half finds only its own
		// buffered copy and must keep waiting for the order, not fall
		// through to a note rejection.
		redelivery := admitPaymentBody("evt_14b", "pay_14", "ord_14", "COMPLETED", "", 15000)
		res = admission.Admit(ctx, "10.0.0.7", redelivery, admitSign(redelivery))
		assert.Equal(t, webhook.CodeBuffered, res.Code, "reason: %s", res.Reason)

		// The order half still completes the join afterwards.
		orderHalf := admitOrderBody("evt_14c", "ord_14", "pay_14", fullNote, 15000)
		res = admission.Admit(ctx, "10.0.0.7", orderHalf, admitSign(orderHalf))
		require.Equal(t, webhook.CodeAdmitted, res.Code, "reason: %s err: %v", res.Reason, res.Err)
	})

	t.Run("StoreOutageFailsClosed", func(t *testing.T) {
		broken := kv.NewMemory()
		broken.Fail = true
		closed := webhook.NewAdmission(validator, limiter, idempotency.NewStore(broken, nop), q, broken, node, webhook.AdmissionConfig{
			WebhookPerMinute: 1000,
			SignatureTTL:     5 * time.Minute,
			PendingOrderTTL:  10 * time.Minute,
			JobMaxAttempts:   3,
		}, nop)

		body := admitPaymentBody("evt_11", "pay_11", "ord_11", "COMPLETED", fullNote, 100)
		res := closed.Admit(ctx, "10.0.0.5", body, admitSign(body))
		assert.Equal(t, webhook.CodeRejected, res.Code)
		assert.Equal(t, "store_unavailable", res.Reason)
		assert.ErrorIs(t, res.Err, idempotency.ErrStoreUnavailable)
	})
}
