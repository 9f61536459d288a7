package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	appsync "github.com/erp/syncbridge/internal/application/entitysync"
	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/erp/syncbridge/internal/domain/shared"
	"github.com/erp/syncbridge/internal/interfaces/http/dto"
	"github.com/erp/syncbridge/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupAdminRouter(t *testing.T) (*gin.Engine, *MockJobRepository, *MockSyncLogRepository) {
	t.Helper()
	middleware.SetupValidator()
	jobs := new(MockJobRepository)
	logs := new(MockSyncLogRepository)
	h := NewQueueAdminHandler(appsync.NewQueueAdminService(jobs, logs, zaptest.NewLogger(t)))

	router := gin.New()
	jobsGroup := router.Group("/api/v1/sync/jobs")
	jobsGroup.GET("/dead", h.ListDead)
	jobsGroup.GET("/stats", h.Stats)
	jobsGroup.POST("/:id/retry", h.Retry)
	return router, jobs, logs
}

func deadJob(t *testing.T) *entitysync.SyncJob {
	t.Helper()
	job, err := entitysync.NewSyncJob("crm-evt-9", &entitysync.EntityChangePayload{
		Source:      entitysync.SystemCRM,
		EventID:     "evt-9",
		EntityType:  entitysync.EntityTypeCustomer,
		EntityID:    "1001",
		Action:      entitysync.ActionUpdated,
		TriggerType: entitysync.TriggerWebhook,
	})
	require.NoError(t, err)
	job.Status = entitysync.JobStatusDead
	job.RetryCount = job.MaxAttempts
	job.LastError = "finance: 503"
	return job
}

func get(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestQueueAdminHandler_ListDead(t *testing.T) {
	router, jobs, _ := setupAdminRouter(t)
	job := deadJob(t)
	jobs.On("FindDead", mock.Anything, 2, 10).Return([]*entitysync.SyncJob{job}, int64(11), nil).Once()

	w := get(router, http.MethodGet, "/api/v1/sync/jobs/dead?page=2&page_size=10")

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, int64(11), resp.Meta.Total)
	assert.Equal(t, 2, resp.Meta.TotalPages)

	items := resp.Data.([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "DEAD", item["status"])
	assert.Equal(t, "crm-evt-9", item["dedup_key"])
	assert.Equal(t, "1001", item["payload"].(map[string]any)["entity_id"])
	jobs.AssertExpectations(t)
}

func TestQueueAdminHandler_ListDeadDefaults(t *testing.T) {
	router, jobs, _ := setupAdminRouter(t)
	jobs.On("FindDead", mock.Anything, 1, 20).Return([]*entitysync.SyncJob{}, int64(0), nil).Once()

	w := get(router, http.MethodGet, "/api/v1/sync/jobs/dead")

	assert.Equal(t, http.StatusOK, w.Code)
	jobs.AssertExpectations(t)
}

func TestQueueAdminHandler_ListDeadRejectsPageSize(t *testing.T) {
	router, jobs, _ := setupAdminRouter(t)

	w := get(router, http.MethodGet, "/api/v1/sync/jobs/dead?page_size=1000")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, dto.ErrCodeValidation, decodeResponse(t, w).Error.Code)
	jobs.AssertNotCalled(t, "FindDead", mock.Anything, mock.Anything, mock.Anything)
}

func TestQueueAdminHandler_Retry(t *testing.T) {
	t.Run("requeues a dead job", func(t *testing.T) {
		router, jobs, _ := setupAdminRouter(t)
		job := deadJob(t)
		jobs.On("FindByID", mock.Anything, job.ID).Return(job, nil).Once()
		jobs.On("Update", mock.Anything, mock.MatchedBy(func(j *entitysync.SyncJob) bool {
			return j.Status == entitysync.JobStatusPending && j.RetryCount == 0
		})).Return(nil).Once()

		w := get(router, http.MethodPost, "/api/v1/sync/jobs/"+job.ID.String()+"/retry")

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeResponse(t, w).Data.(map[string]any)
		assert.Equal(t, "PENDING", data["status"])
		jobs.AssertExpectations(t)
	})

	t.Run("only dead jobs", func(t *testing.T) {
		router, jobs, _ := setupAdminRouter(t)
		job := deadJob(t)
		job.Status = entitysync.JobStatusSucceeded
		jobs.On("FindByID", mock.Anything, job.ID).Return(job, nil).Once()

		w := get(router, http.MethodPost, "/api/v1/sync/jobs/"+job.ID.String()+"/retry")

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, dto.ErrCodeInvalidState, decodeResponse(t, w).Error.Code)
		jobs.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})

	t.Run("unknown job", func(t *testing.T) {
		router, jobs, _ := setupAdminRouter(t)
		id := uuid.New()
		jobs.On("FindByID", mock.Anything, id).Return(nil, shared.ErrNotFound).Once()

		w := get(router, http.MethodPost, "/api/v1/sync/jobs/"+id.String()+"/retry")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		router, _, _ := setupAdminRouter(t)
		w := get(router, http.MethodPost, "/api/v1/sync/jobs/not-a-uuid/retry")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, dto.ErrCodeInvalidInput, decodeResponse(t, w).Error.Code)
	})
}

func TestQueueAdminHandler_Stats(t *testing.T) {
	router, jobs, logs := setupAdminRouter(t)
	jobs.On("CountByStatus", mock.Anything).Return(map[entitysync.JobStatus]int64{
		entitysync.JobStatusPending: 3,
		entitysync.JobStatusDead:    1,
	}, nil).Once()
	logs.On("CountByStatus", mock.Anything).Return(map[entitysync.SyncLogStatus]int64{
		entitysync.SyncLogSuccess:  40,
		entitysync.SyncLogConflict: 2,
	}, nil).Once()

	w := get(router, http.MethodGet, "/api/v1/sync/jobs/stats")

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]any)
	assert.EqualValues(t, 3, data["jobs"].(map[string]any)["PENDING"])
	assert.EqualValues(t, 2, data["logs"].(map[string]any)["CONFLICT"])

	t.Run("repository failure", func(t *testing.T) {
		router, jobs, _ := setupAdminRouter(t)
		jobs.On("CountByStatus", mock.Anything).Return(nil, errors.New("timeout")).Once()
		assert.Equal(t, http.StatusInternalServerError, get(router, http.MethodGet, "/api/v1/sync/jobs/stats").Code)
	})
}
