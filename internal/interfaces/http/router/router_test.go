package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/erp/syncbridge/internal/interfaces/http/handler"
	"github.com/erp/syncbridge/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestNewRouter(t *testing.T) {
	assert.Equal(t, "v1", NewRouter(gin.New()).apiVersion)
	assert.Equal(t, "v2", NewRouter(gin.New(), WithAPIVersion("v2")).apiVersion)
}

func TestRouter_RootAndAPI(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine, WithAPIVersion("v2"))

	r.API("/things").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "api") })
	r.Root("").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "root") })
	r.Setup()

	assert.Equal(t, "api", serve(engine, http.MethodGet, "/api/v2/things/ping", "").Body.String())
	assert.Equal(t, "root", serve(engine, http.MethodGet, "/ping", "").Body.String())
	assert.Equal(t, []string{"GET /api/v2/things/ping", "GET /ping"}, r.Routes())
}

func TestGroup_MiddlewareReachesSubgroups(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)
	outer := r.Root("/outer", func(c *gin.Context) {
		c.Header("X-Outer", "1")
		c.Next()
	})
	outer.POST("/a", func(c *gin.Context) { c.Status(http.StatusCreated) })
	outer.Sub("/inner").GET("/b", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.Setup()

	w := serve(engine, http.MethodPost, "/outer/a", "")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Outer"))

	w = serve(engine, http.MethodGet, "/outer/inner/b", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Outer"))
	assert.Equal(t, []string{"GET /outer/inner/b", "POST /outer/a"}, r.Routes())
}

func TestSyncRoutesMount(t *testing.T) {
	engine := gin.New()
	limiter := middleware.NewRateLimiter(10, time.Minute)
	defer limiter.Stop()

	r := NewRouter(engine)
	SyncRoutes{
		Sync:              handler.NewSyncHandler(nil),
		Admin:             handler.NewQueueAdminHandler(nil),
		Health:            handler.NewHealthHandler("test", time.Second, nil),
		WebhookMaxPayload: 16,
		Signature:         middleware.WebhookSignatureConfig{SecretFor: func(string) string { return "s" }},
		TriggerLimiter:    limiter,
	}.Mount(r)
	r.Setup()

	got := map[string]bool{}
	for _, route := range engine.Routes() {
		got[route.Method+" "+route.Path] = true
	}
	assert.Len(t, r.Routes(), len(engine.Routes()))
	for _, want := range []string{
		"GET /health",
		"GET /ready",
		"POST /webhook/:system/:entityKind",
		"POST /api/v1/sync/:system/:entityKind/:id",
		"GET /api/v1/sync/jobs/dead",
		"GET /api/v1/sync/jobs/stats",
		"POST /api/v1/sync/jobs/:id/retry",
	} {
		assert.True(t, got[want], want)
	}

	assert.Equal(t, http.StatusOK, serve(engine, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, serve(engine, http.MethodGet, "/ready", "").Code)

	t.Run("webhooks are signature checked", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, serve(engine, http.MethodPost, "/webhook/crm/customer", "{}").Code)
	})

	t.Run("webhooks are size limited", func(t *testing.T) {
		body := strings.Repeat("x", 64)
		assert.Equal(t, http.StatusRequestEntityTooLarge, serve(engine, http.MethodPost, "/webhook/crm/customer", body).Code)
	})
}
