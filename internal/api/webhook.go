package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/webhook"
)

// maxWebhookBody bounds the request body read; provider payloads are a few
// kilobytes.
const maxWebhookBody = 64 * 1024

// HandleSquareWebhook is the single payment intake endpoint. The provider
// retries on any non-2xx, so dispositions that will never change on retry
// (duplicates, ignorable events) return 200.
func (r *Router) HandleSquareWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader(webhook.SignatureHeader)
	result := r.admission.Admit(c.Request.Context(), c.ClientIP(), rawBody, signature)

	switch result.Code {
	case webhook.CodeAdmitted:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "payment_id": result.PaymentID})

	case webhook.CodeDuplicate, webhook.CodeIgnored:
		c.JSON(http.StatusOK, gin.H{"status": string(result.Code)})

	case webhook.CodeBuffered:
		c.JSON(http.StatusAccepted, gin.H{"status": "buffered"})

	case webhook.CodeRejected:
		status := http.StatusBadRequest
		switch result.Reason {
		case "bad_signature":
			status = http.StatusUnauthorized
		case "rate_limited", "velocity_exceeded":
			status = http.StatusTooManyRequests
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			}
		case "store_unavailable", "enqueue_failed":
			// Transient on our side; let the provider redeliver.
			status = http.StatusServiceUnavailable
		}
		r.logger.Warn("webhook_rejected",
			zap.String("reason", result.Reason),
			zap.String("payment_id", result.PaymentID),
			zap.String("ip", c.ClientIP()),
			zap.Error(result.Err),
		)
		c.JSON(status, gin.H{"error": result.Reason})
	}
}
