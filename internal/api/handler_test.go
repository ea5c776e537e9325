package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventstore"
	"github.com/kandev/relay/pkg/events"
)

func testHandler(t *testing.T) (*Handler, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store := eventstore.NewMemoryStore()
	h := NewHandler(config.GatewayConfig{UserToken: "secret"}, store, log)

	engine := gin.New()
	h.RegisterRoutes(engine)
	return h, engine
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	_, engine := testHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestQueryEventsRejectsMissingToken(t *testing.T) {
	_, engine := testHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQueryEventsReturnsAppendedEvents(t *testing.T) {
	h, engine := testHandler(t)

	_, err := h.store.Append(context.Background(), events.New("task.created", map[string]interface{}{"title": "x"}))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?from_cursor=0", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestQueryEventsRejectsBadCursor(t *testing.T) {
	_, engine := testHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?from_cursor=nope", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}
