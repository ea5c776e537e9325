package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/errors"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventstore"
	"github.com/kandev/relay/pkg/protocol"
)

// Handler serves the health and event-query endpoints that sit beside the
// duplex gateway for tooling that only needs point-in-time reads.
type Handler struct {
	cfg    config.GatewayConfig
	store  eventstore.Store
	logger *logger.Logger

	startedAt time.Time
}

// NewHandler builds a Handler backed by the same event store the bus
// appends to.
func NewHandler(cfg config.GatewayConfig, store eventstore.Store, log *logger.Logger) *Handler {
	return &Handler{cfg: cfg, store: store, logger: log, startedAt: time.Now()}
}

// RegisterRoutes wires /health and /api/v1/events onto an existing gin
// engine, with the full middleware stack applied to the events group only
// (health stays unauthenticated and unlogged for load-balancer probes).
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	v1.Use(RequestLogger(h.logger), Recovery(h.logger), CORS(), ErrorHandler(h.logger))
	v1.GET("/events", h.QueryEvents)
}

// Health reports liveness and uptime; it deliberately does not touch the
// event store so a degraded backend still answers load-balancer probes.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// QueryEvents exposes eventstore.Store.Query over HTTP for external
// collaborators that poll rather than hold a duplex subscription open
// (spec §4.1's range-query contract, §9's "poll the log" integration path).
func (h *Handler) QueryEvents(c *gin.Context) {
	if _, err := h.authenticate(protocol.BearerToken(c.Request)); err != nil {
		c.Error(errors.Unauthorized(err.Error()))
		return
	}

	q, err := parseQuery(c)
	if err != nil {
		c.Error(err)
		return
	}

	events, err := h.store.Query(c.Request.Context(), q)
	if err != nil {
		c.Error(errors.ServiceUnavailable("event store"))
		h.logger.Error("event query failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) authenticate(token string) (string, error) {
	switch {
	case token == "":
		return "", errors.Unauthorized("missing bearer token")
	case h.cfg.RelayToken != "" && token == h.cfg.RelayToken:
		return "relay", nil
	case h.cfg.UserToken != "" && token == h.cfg.UserToken:
		return "user", nil
	default:
		return "", errors.Unauthorized("invalid bearer token")
	}
}

func parseQuery(c *gin.Context) (eventstore.Query, error) {
	q := eventstore.Query{}

	if raw := c.Query("from_cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, errors.BadRequest("from_cursor must be an integer")
		}
		q.FromCursor = v
	}
	if raw := c.Query("to_cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, errors.BadRequest("to_cursor must be an integer")
		}
		q.ToCursor = &v
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return q, errors.BadRequest("limit must be an integer")
		}
		q.Limit = v
	}
	q.Limit = eventstore.ClampLimit(q.Limit)

	if kinds := c.QueryArray("kind"); len(kinds) > 0 {
		q.Kinds = kinds
	}
	if raw := c.Query("agent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return q, errors.BadRequest("agent_id must be a uuid")
		}
		q.AgentID = &id
	}
	if raw := c.Query("task_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return q, errors.BadRequest("task_id must be a uuid")
		}
		q.TaskID = &id
	}

	return q, nil
}
