package handler

import (
	appsync "github.com/erp/syncbridge/internal/application/entitysync"
	"github.com/erp/syncbridge/internal/interfaces/http/dto"
	"github.com/erp/syncbridge/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// QueueAdminHandler exposes the dead-job queue to operators
type QueueAdminHandler struct {
	BaseHandler
	admin *appsync.QueueAdminService
}

// NewQueueAdminHandler creates a QueueAdminHandler
func NewQueueAdminHandler(admin *appsync.QueueAdminService) *QueueAdminHandler {
	return &QueueAdminHandler{admin: admin}
}

// ListDead handles GET /api/v1/sync/jobs/dead
func (h *QueueAdminHandler) ListDead(c *gin.Context) {
	var page dto.PageRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	page = page.WithDefaults()

	list, err := h.admin.ListDeadJobs(c.Request.Context(), page.Page, page.PageSize)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.SuccessWithMeta(c, list.Items, list.Total, list.Page, list.PageSize)
}

// Retry handles POST /api/v1/sync/jobs/:id/retry
func (h *QueueAdminHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.ErrorWithCode(c, dto.ErrCodeInvalidInput, "job id must be a UUID")
		return
	}

	job, err := h.admin.RetryJob(c.Request.Context(), id)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.Success(c, job)
}

// Stats handles GET /api/v1/sync/jobs/stats
func (h *QueueAdminHandler) Stats(c *gin.Context) {
	stats, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.Success(c, stats)
}
