package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/internal/api/middleware"
	"github.com/tiltvault/tiltvault-cloud/internal/config"
	"github.com/tiltvault/tiltvault-cloud/internal/domain/position"
	"github.com/tiltvault/tiltvault-cloud/internal/queue"
	"github.com/tiltvault/tiltvault-cloud/internal/recovery"
	"github.com/tiltvault/tiltvault-cloud/internal/webhook"
)

type Router struct {
	engine    *gin.Engine
	server    *http.Server
	cfg       *config.Config
	admission *webhook.Admission
	queue     *queue.Queue
	recovery  *recovery.Service
	positions position.Repository
	logger    *zap.Logger
}

func NewRouter(
	cfg *config.Config,
	admission *webhook.Admission,
	q *queue.Queue,
	recoverySvc *recovery.Service,
	positions position.Repository,
	logger *zap.Logger,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(logger))

	api := &Router{
		engine:    r,
		cfg:       cfg,
		admission: admission,
		queue:     q,
		recovery:  recoverySvc,
		positions: positions,
		logger:    logger,
	}

	api.RegisterRoutes()
	return api
}

func (r *Router) RegisterRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.engine.POST("/webhooks/square", r.HandleSquareWebhook)

	admin := r.engine.Group("/admin")
	admin.Use(r.adminAuth())
	{
		admin.GET("/queue", r.QueueMetrics)
		admin.GET("/queue/dead-letter", r.ListDeadLetter)
		admin.POST("/queue/reprocess", r.ReprocessJobs)

		admin.POST("/recovery/sweep", r.RunRecoverySweep)
		admin.POST("/recovery/refund/:payment_id", r.RefundPayment)

		admin.GET("/positions/:payment_id", r.GetPosition)
		admin.GET("/positions", r.ListPositions)
	}
}

func (r *Router) Run() error {
	r.server = &http.Server{
		Addr:         ":" + r.cfg.Port,
		Handler:      r.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return r.server.ListenAndServe()
}

// adminAuth accepts either the static operator token or an HS256 JWT
// issued for automation, both through the same header surface.
func (r *Router) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if provided == "" {
			authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				provided = strings.TrimSpace(authHeader[7:])
			}
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		expected := strings.TrimSpace(r.cfg.AdminAPIToken)
		if expected != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1 {
			c.Next()
			return
		}

		if r.cfg.AdminJWTSecret != "" && r.verifyAdminJWT(provided) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (r *Router) verifyAdminJWT(raw string) bool {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(r.cfg.AdminJWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

// Shutdown gracefully shuts down the HTTP server
func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}
