package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
)

func (r *Router) QueueMetrics(c *gin.Context) {
	metrics, err := r.queue.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (r *Router) ListDeadLetter(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	jobs, err := r.queue.ListDeadLetter(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (r *Router) ReprocessJobs(c *gin.Context) {
	var req struct {
		JobIDs []int64 `json:"job_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.JobIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_ids required"})
		return
	}

	count, err := r.queue.Reprocess(c.Request.Context(), req.JobIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "reprocess_enqueued",
		"requeued_count":  count,
		"requested_count": len(req.JobIDs),
	})
}

func (r *Router) RunRecoverySweep(c *gin.Context) {
	result, err := r.recovery.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *Router) RefundPayment(c *gin.Context) {
	paymentID := c.Param("payment_id")

	pos, err := r.recovery.RefundOne(c.Request.Context(), paymentID)
	if err != nil {
		switch {
		case errors.Is(err, position.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		case errors.Is(err, position.ErrTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "position not refundable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (r *Router) GetPosition(c *gin.Context) {
	paymentID := c.Param("payment_id")

	pos, err := r.positions.FindByPaymentID(c.Request.Context(), paymentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if pos == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (r *Router) ListPositions(c *gin.Context) {
	limit := intQuery(c, "limit", 50)

	var (
		items []*position.Position
		err   error
	)
	switch {
	case c.Query("email") != "":
		items, err = r.positions.ListByEmail(c.Request.Context(), c.Query("email"), limit)
	case c.Query("wallet") != "":
		items, err = r.positions.ListByWallet(c.Request.Context(), c.Query("wallet"), limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "email or wallet query required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": items, "count": len(items)})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
