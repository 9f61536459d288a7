package logger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newLoggedRouter(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, recorded := observer.New(zapcore.DebugLevel)
	l := zap.New(core)

	r := gin.New()
	r.Use(Recovery(l))
	r.Use(func(c *gin.Context) {
		c.Set(ginRequestIDKey, "req-42")
		c.Next()
	})
	r.Use(GinMiddleware(l))
	return r, recorded
}

func requestEntry(t *testing.T, recorded *observer.ObservedLogs) observer.LoggedEntry {
	t.Helper()
	entries := recorded.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	return entries[0]
}

func TestGinMiddleware_WebhookFields(t *testing.T) {
	r, recorded := newLoggedRouter(t)
	r.POST("/webhook/:system/:entityKind", func(c *gin.Context) {
		FromContext(c.Request.Context()).Info("ingested")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/crm/customer", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusOK, w.Code)

	entry := requestEntry(t, recorded)
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "/webhook/:system/:entityKind", fields["route"])
	assert.Equal(t, "crm", fields["source_system"])
	assert.Equal(t, "customer", fields["entity_kind"])
	assert.EqualValues(t, http.StatusOK, fields["status"])

	handlerLog := recorded.FilterMessage("ingested").All()
	require.Len(t, handlerLog, 1)
	assert.Equal(t, "req-42", handlerLog[0].ContextMap()["request_id"])
}

func TestGinMiddleware_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusAccepted, zapcore.InfoLevel},
		{http.StatusUnauthorized, zapcore.WarnLevel},
		{http.StatusServiceUnavailable, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			r, recorded := newLoggedRouter(t)
			r.POST("/api/v1/sync/:system/:entityKind/:id", func(c *gin.Context) {
				c.Status(tt.status)
			})

			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/sync/finance/customer/42", nil))
			entry := requestEntry(t, recorded)
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, "42", entry.ContextMap()["entity_id"])
		})
	}
}

func TestRecovery(t *testing.T) {
	r, recorded := newLoggedRouter(t)
	r.GET("/boom", func(c *gin.Context) {
		panic("mapping store exploded")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "ERR_INTERNAL", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "exploded")

	panics := recorded.FilterMessage("panic recovered").All()
	require.Len(t, panics, 1)
	assert.Equal(t, "mapping store exploded", panics[0].ContextMap()["panic"])
}
