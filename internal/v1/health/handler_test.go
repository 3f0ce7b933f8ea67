package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func doRequest(handler func(*gin.Context), path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, path, nil)
	handler(c)
	return w
}

func TestLiveness(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, nil)
	w := doRequest(handler.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NilDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Nil redis and nil db means single-node in-memory mode.
	handler := NewHandler(nil, nil)
	w := doRequest(handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
	assert.Contains(t, w.Body.String(), "redis")
	assert.NotContains(t, w.Body.String(), "postgres")
}

func TestReadiness_HealthyPostgres(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, &fakePinger{})
	w := doRequest(handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "status")
	assert.Contains(t, body, "checks")
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, "postgres")
}

func TestReadiness_UnhealthyPostgres(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, &fakePinger{err: errors.New("connection refused")})
	w := doRequest(handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestLiveness_IgnoresDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, &fakePinger{err: errors.New("down")})
	w := doRequest(handler.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}
