package middleware

import (
	"context"
	"net/http"
	"runtime/pprof"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func labelsOf(ctx context.Context) map[string]string {
	out := map[string]string{}
	pprof.ForLabels(ctx, func(k, v string) bool {
		out[k] = v
		return true
	})
	return out
}

func TestProfiling_Labels(t *testing.T) {
	var got map[string]string
	router := gin.New()
	router.Use(Profiling(DefaultProfilingConfig()))
	router.POST("/api/v1/sync/:system/:entityKind/:id", func(c *gin.Context) {
		got = labelsOf(c.Request.Context())
		c.Status(http.StatusAccepted)
	})

	w := serve(router, http.MethodPost, "/api/v1/sync/finance/invoice/inv-9", "", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/sync/:system/:entityKind/:id", got["route"])
	assert.Equal(t, "POST", got["method"])
	assert.Equal(t, "finance", got["system"])
	assert.Equal(t, "invoice", got["entity_type"])
	assert.NotContains(t, got, "id")
}

func TestProfiling_SkipsProbes(t *testing.T) {
	var got map[string]string
	router := gin.New()
	router.Use(Profiling(DefaultProfilingConfig()))
	router.GET("/health", func(c *gin.Context) {
		got = labelsOf(c.Request.Context())
		c.Status(http.StatusOK)
	})

	serve(router, http.MethodGet, "/health", "", nil)
	assert.Empty(t, got)
}

func TestProfiling_Disabled(t *testing.T) {
	var got map[string]string
	router := gin.New()
	router.Use(Profiling(ProfilingConfig{}))
	router.GET("/x", func(c *gin.Context) {
		got = labelsOf(c.Request.Context())
	})

	serve(router, http.MethodGet, "/x", "", nil)
	assert.Empty(t, got)
}

func TestSkipProfiling(t *testing.T) {
	cfg := ProfilingConfig{SkipPaths: []string{"/ready"}, SkipPathPrefixes: []string{"/debug/"}}
	assert.True(t, skipProfiling(cfg, "/ready"))
	assert.True(t, skipProfiling(cfg, "/debug/pprof"))
	assert.False(t, skipProfiling(cfg, "/webhook/crm/customer"))
}
