package router

import (
	"github.com/gin-gonic/gin"

	"github.com/erp/syncbridge/internal/interfaces/http/handler"
	"github.com/erp/syncbridge/internal/interfaces/http/middleware"
)

// SyncRoutes holds what the sync service exposes over HTTP
type SyncRoutes struct {
	Sync   *handler.SyncHandler
	Admin  *handler.QueueAdminHandler
	Health *handler.HealthHandler

	// WebhookMaxPayload caps webhook bodies; larger ones get 413
	WebhookMaxPayload int64
	Signature         middleware.WebhookSignatureConfig
	// TriggerLimiter throttles manual triggers per client IP. Nil disables it.
	TriggerLimiter *middleware.RateLimiter
}

// Mount declares:
//
//	GET  /health
//	GET  /ready
//	POST /webhook/:system/:entityKind
//	POST /api/{v}/sync/:system/:entityKind/:id
//	GET  /api/{v}/sync/jobs/dead
//	GET  /api/{v}/sync/jobs/stats
//	POST /api/{v}/sync/jobs/:id/retry
func (s SyncRoutes) Mount(r *Router) {
	r.Root("").
		GET("/health", s.Health.Health).
		GET("/ready", s.Health.Ready)

	r.Root("/webhook", middleware.BodyLimit(s.WebhookMaxPayload), middleware.WebhookSignature(s.Signature)).
		POST("/:system/:entityKind", s.Sync.Webhook)

	trigger := []gin.HandlerFunc{s.Sync.Trigger}
	if s.TriggerLimiter != nil {
		trigger = append([]gin.HandlerFunc{middleware.RateLimit(s.TriggerLimiter)}, trigger...)
	}
	sync := r.API("/sync").POST("/:system/:entityKind/:id", trigger...)
	sync.Sub("/jobs").
		GET("/dead", s.Admin.ListDead).
		GET("/stats", s.Admin.Stats).
		POST("/:id/retry", s.Admin.Retry)
}
