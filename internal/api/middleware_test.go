package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecoveryMiddlewareLogsTaskID(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	obsCore, logs := observer.New(zap.ErrorLevel)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.New(obsCore)), RequestIDMiddleware())
	router.GET("/boom/:id", func(c *gin.Context) {
		SetTaskID(c, c.Param("id"))
		panic("handler bug")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom/task-7", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "task-7", fields["task_id"])
	require.NotEmpty(t, fields["request_id"])
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "caller-1")
	router.ServeHTTP(rec, req)

	require.Equal(t, "caller-1", rec.Header().Get("X-Request-ID"))
	require.Equal(t, "caller-1", rec.Body.String())
}
