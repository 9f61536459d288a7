package handler

import (
	"io"
	"net/http"

	appsync "github.com/erp/syncbridge/internal/application/entitysync"
	"github.com/erp/syncbridge/internal/interfaces/http/dto"
	"github.com/erp/syncbridge/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
)

// SyncHandler accepts change notifications and manual sync triggers
type SyncHandler struct {
	BaseHandler
	ingest *appsync.IngestService
}

// NewSyncHandler creates a SyncHandler
func NewSyncHandler(ingest *appsync.IngestService) *SyncHandler {
	return &SyncHandler{ingest: ingest}
}

// Webhook handles POST /webhook/:system/:entityKind.
// The body must already be size-limited and signature-checked.
func (h *SyncHandler) Webhook(c *gin.Context) {
	body, ok := middleware.RawBody(c)
	if !ok {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			if middleware.IsBodyTooLarge(err) {
				h.ErrorWithCode(c, dto.ErrCodePayloadTooLarge, "webhook payload exceeds maximum allowed size")
				return
			}
			h.BadRequest(c, "failed to read request body")
			return
		}
	}

	result, err := h.ingest.IngestWebhook(c.Request.Context(), c.Param("system"), c.Param("entityKind"), body)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, WebhookAck{Success: true, EventID: result.EventID, Duplicate: result.Duplicate})
}

// Trigger handles POST /api/v1/sync/:system/:entityKind/:id and queues a
// sync of one entity read from the named system.
func (h *SyncHandler) Trigger(c *gin.Context) {
	var path dto.TriggerPath
	if err := c.ShouldBindUri(&path); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	result, err := h.ingest.TriggerManual(c.Request.Context(), path.System, path.EntityKind, path.ID)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.Accepted(c, result)
}
