package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/edirooss/restreamd/internal/domain/stream"
	"github.com/edirooss/restreamd/internal/logring"
	"github.com/edirooss/restreamd/internal/service"
	"github.com/edirooss/restreamd/internal/supervisor"
	"github.com/edirooss/restreamd/pkg/jsonx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StreamController is the part of the supervisor the streams API drives.
type StreamController interface {
	Start(ctx context.Context, id string, spec stream.Spec) error
	Stop(ctx context.Context, id string) error
	Reconfigure(ctx context.Context, id string, spec stream.Spec) error
	Remove(ctx context.Context, id string) error
	Status(id string, maxLines int) (supervisor.Status, error)
	Logs(id string, maxLines int) ([]logring.Entry, error)
}

// EventStore serves a stream's recent lifecycle events, newest first.
type EventStore interface {
	Events(ctx context.Context, id string, n int) ([]supervisor.Event, error)
}

// StreamRequest is the body of start and reconfigure.
type StreamRequest struct {
	Source       stream.Source        `json:"source"`
	Destinations []stream.Destination `json:"destinations"`
	Backend      string               `json:"backend,omitempty"`
}

// ToSpec checks what JSON decoding cannot. Everything else is validated
// when the pipeline is built.
func (r StreamRequest) ToSpec() (stream.Spec, error) {
	spec := stream.Spec{Source: r.Source, Destinations: r.Destinations}
	if strings.TrimSpace(r.Backend) != "" {
		b, err := stream.ParseBackend(r.Backend)
		if err != nil {
			return stream.Spec{}, err
		}
		spec.Backend = b
	}
	return spec, nil
}

// StreamsHandler provides HTTP handlers for stream resources.
//
// Supported operations:
//   - GET    /streams                  → List all streams (cached summary)
//   - GET    /streams/{id}             → Status of one stream
//   - GET    /streams/{id}/logs        → Log tail, newest last
//   - GET    /streams/{id}/events      → Recent lifecycle events (Redis mirror)
//   - POST   /streams/{id}/start       → Start a stream
//   - POST   /streams/{id}/stop        → Stop a stream (idempotent)
//   - POST   /streams/{id}/reconfigure → Restart a stream with a new spec
//   - DELETE /streams/{id}             → Stop and forget a stream
type StreamsHandler struct {
	log         *zap.Logger
	ctl         StreamController
	summarySvc  *service.SummaryService
	events      EventStore // nil when Redis is disabled
	maxLogLines int
}

func NewStreamsHandler(log *zap.Logger, ctl StreamController, summarySvc *service.SummaryService, events EventStore, maxLogLines int) *StreamsHandler {
	return &StreamsHandler{
		log:         log.Named("streams"),
		ctl:         ctl,
		summarySvc:  summarySvc,
		events:      events,
		maxLogLines: maxLogLines,
	}
}

// Start handles POST /streams/{id}/start.
//
// Behavior:
//   - Validates the body and launches the stream.
//   - A configuration problem fails the stream without spawning anything.
//
// Status Codes:
//   - 200 OK → JSON status after the command
//   - 400 Bad Request → Invalid JSON
//   - 409 Conflict → Stream already active (use reconfigure)
//   - 422 Unprocessable Entity → Invalid source, destination or backend
//   - 500 Internal Server Error
func (h *StreamsHandler) Start(c *gin.Context) {
	h.command(c, h.ctl.Start)
}

// Reconfigure handles POST /streams/{id}/reconfigure.
//
// Behavior:
//   - Stops the current engine and starts again with the new spec and a
//     fresh restart budget.
//   - An invalid spec is rejected and the running stream is left alone.
//
// Status Codes:
//   - 200 OK
//   - 400 Bad Request
//   - 422 Unprocessable Entity
//   - 500 Internal Server Error
func (h *StreamsHandler) Reconfigure(c *gin.Context) {
	h.command(c, h.ctl.Reconfigure)
}

func (h *StreamsHandler) command(c *gin.Context, run func(context.Context, string, stream.Spec) error) {
	id := c.Param("id") // already validated by middleware

	var req StreamRequest
	if err := jsonx.DecodeStrict(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	spec, err := req.ToSpec()
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error(), "field": "backend"})
		return
	}

	if err := run(c.Request.Context(), id, spec); err != nil {
		abortWithError(c, err)
		return
	}
	h.invalidate()
	h.writeStatus(c, id)
}

// Stop handles POST /streams/{id}/stop.
//
// Behavior:
//   - Sends SIGTERM, waits for the engine, escalates to SIGKILL on timeout.
//   - Stopping an idle, stopped or failed stream succeeds and changes nothing.
//
// Status Codes:
//   - 200 OK → JSON status
//   - 404 Not Found
//   - 500 Internal Server Error
func (h *StreamsHandler) Stop(c *gin.Context) {
	id := c.Param("id")
	if err := h.ctl.Stop(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	h.invalidate()
	h.writeStatus(c, id)
}

// Delete handles DELETE /streams/{id}.
//
// Status Codes:
//   - 204 No Content
//   - 404 Not Found
//   - 500 Internal Server Error
func (h *StreamsHandler) Delete(c *gin.Context) {
	if err := h.ctl.Remove(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	h.invalidate()
	c.Status(http.StatusNoContent)
}

// Get handles GET /streams/{id}.
//
// Behavior:
//   - ?lines=N includes the last N log lines (default 0).
//
// Status Codes:
//   - 200 OK
//   - 400 Bad Request → Bad lines value
//   - 404 Not Found
func (h *StreamsHandler) Get(c *gin.Context) {
	lines, err := h.linesParam(c, 0)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	st, err := h.ctl.Status(c.Param("id"), lines)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetLogs handles GET /streams/{id}/logs.
//
// Behavior:
//   - Returns up to ?lines=N entries (default and cap MAX_LOG_LINES), newest
//     last. Logs stay readable after the stream is deleted.
//
// Status Codes:
//   - 200 OK
//   - 400 Bad Request
//   - 404 Not Found
func (h *StreamsHandler) GetLogs(c *gin.Context) {
	lines, err := h.linesParam(c, h.maxLogLines)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	entries, err := h.ctl.Logs(c.Param("id"), lines)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if entries == nil {
		entries = []logring.Entry{}
	}
	c.Header("X-Total-Count", strconv.Itoa(len(entries)))
	c.JSON(http.StatusOK, entries)
}

// GetEvents handles GET /streams/{id}/events.
//
// Status Codes:
//   - 200 OK → newest first
//   - 400 Bad Request
//   - 503 Service Unavailable → Redis mirror disabled
//   - 500 Internal Server Error
func (h *StreamsHandler) GetEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "event history requires redis"})
		return
	}
	n, err := h.linesParam(c, 0)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	events, err := h.events.Events(c.Request.Context(), c.Param("id"), n)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(events)))
	c.JSON(http.StatusOK, events)
}

// List handles GET /streams.
//
// Behavior:
//   - Serves a short-lived cached snapshot; ?force=1 bypasses it.
//   - Sets X-Total-Count, X-Cache and X-Summary-Generated-At.
//
// Status Codes:
//   - 200 OK
//   - 500 Internal Server Error
func (h *StreamsHandler) List(c *gin.Context) {
	if c.Query("force") == "1" {
		h.summarySvc.Invalidate()
	}
	res, err := h.summarySvc.Get(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}

	cache := "MISS"
	if res.CacheHit {
		cache = "HIT"
	}
	c.Header("X-Cache", cache)
	c.Header("X-Summary-Generated-At", strconv.FormatInt(res.GeneratedAt.UnixMilli(), 10))
	c.Header("X-Total-Count", strconv.Itoa(len(res.Data)))
	c.JSON(http.StatusOK, res.Data)
}

func (h *StreamsHandler) writeStatus(c *gin.Context, id string) {
	st, err := h.ctl.Status(id, 0)
	if err != nil {
		if errors.Is(err, supervisor.ErrStreamNotFound) {
			c.Status(http.StatusNoContent)
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *StreamsHandler) invalidate() {
	if h.summarySvc != nil {
		h.summarySvc.Invalidate()
	}
}

// linesParam reads ?lines, capped at maxLogLines.
func (h *StreamsHandler) linesParam(c *gin.Context, def int) (int, error) {
	raw := c.Query("lines")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("lines must be a non-negative integer, got %q", raw)
	}
	if h.maxLogLines > 0 && n > h.maxLogLines {
		n = h.maxLogLines
	}
	return n, nil
}
