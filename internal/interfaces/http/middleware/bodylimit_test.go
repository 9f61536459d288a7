package middleware

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/erp/syncbridge/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestBodyLimit(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), BodyLimit(16))
	router.POST("/in", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			assert.True(t, IsBodyTooLarge(err))
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.String(http.StatusOK, string(body))
	})

	t.Run("passes small bodies", func(t *testing.T) {
		w := serve(router, http.MethodPost, "/in", `{"a":1}`, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"a":1}`, w.Body.String())
	})

	t.Run("rejects declared oversize bodies", func(t *testing.T) {
		w := serve(router, http.MethodPost, "/in", strings.Repeat("x", 64), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		info := decodeError(t, w)
		assert.Equal(t, dto.ErrCodePayloadTooLarge, info.Code)
		assert.NotEmpty(t, info.RequestID)
	})
}

func TestIsBodyTooLarge(t *testing.T) {
	assert.False(t, IsBodyTooLarge(io.ErrUnexpectedEOF))
	assert.True(t, IsBodyTooLarge(&http.MaxBytesError{Limit: 1}))
}
