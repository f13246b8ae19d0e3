package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/outing-planner/app/database"
	"github.com/lysyi3m/outing-planner/app/planner"
	"github.com/lysyi3m/outing-planner/app/runs"
	"github.com/lysyi3m/outing-planner/app/tasks"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

func NewHandler(dispatcher DispatcherInterface, store PlanStoreInterface, version string) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		store:      store,
		version:    version,
		startedAt:  time.Now(),
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   h.version,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// CreatePlans starts a run for the user. By default the run is queued and
// 202 is returned with a handle; ?mode=inline runs it synchronously.
func (h *Handler) CreatePlans(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "message": err.Error()})
		return
	}

	trigger := planner.Trigger{
		UserID:        c.Param("user"),
		Location:      req.Location,
		Interests:     req.Interests,
		TransportMode: req.TransportMode,
		MaxResults:    req.MaxResults,
		DateRange:     req.DateRange,
	}

	if c.Query("mode") == "inline" {
		outcome, err := h.dispatcher.RunInline(c.Request.Context(), trigger)
		if err != nil {
			h.writeRunError(c, trigger.UserID, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"runId":         outcome.RunID,
			"plans":         outcome.Plans,
			"alternatives":  outcome.Alternatives,
			"justification": outcome.Justification,
			"stats":         outcome.Stats,
		})
		return
	}

	handle, err := h.dispatcher.Enqueue(c.Request.Context(), trigger)
	if err != nil {
		h.writeRunError(c, trigger.UserID, err)
		return
	}

	c.JSON(http.StatusAccepted, handle)
}

func (h *Handler) writeRunError(c *gin.Context, userID string, err error) {
	switch {
	case errors.Is(err, planner.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid trigger", "message": err.Error()})
	case errors.Is(err, runs.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "Run in progress", "message": err.Error()})
	default:
		slog.Error("Failed to run pipeline", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate plans"})
	}
}

func (h *Handler) GetPlans(c *gin.Context) {
	userID := c.Param("user")

	plans, err := h.store.CurrentPlans(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Database error", "operation", "list_plans", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId": userID,
		"plans":  plans,
		"total":  len(plans),
	})
}

func (h *Handler) GetStatus(c *gin.Context) {
	userID := c.Param("user")

	status, err := h.store.Status(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Database error", "operation", "get_status", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// AcknowledgeStatus returns a completed or errored user to idle.
func (h *Handler) AcknowledgeStatus(c *gin.Context) {
	userID := c.Param("user")

	if err := h.store.Acknowledge(c.Request.Context(), userID); err != nil {
		if errors.Is(err, runs.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "Run in progress", "message": err.Error()})
			return
		}
		slog.Error("Database error", "operation", "acknowledge", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	h.GetStatus(c)
}

func (h *Handler) ListRuns(c *gin.Context) {
	userID := c.Param("user")

	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
			return
		}
		limit = min(n, maxRunsLimit)
	}

	history, err := h.store.History(c.Request.Context(), userID, limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_runs", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId": userID,
		"runs":   history,
		"total":  len(history),
	})
}

func (h *Handler) GetRun(c *gin.Context) {
	userID := c.Param("user")
	runID := c.Param("run")

	run, err := h.store.Run(c.Request.Context(), userID, runID)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "get_run", "user_id", userID, "run_id", runID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, run)
}

// GeneratePlansTask is the task queue callback. A 5xx response makes the
// queue redeliver; redelivery of a committed run is acknowledged with 200.
func (h *Handler) GeneratePlansTask(c *gin.Context) {
	var payload tasks.TaskPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task payload", "message": err.Error()})
		return
	}

	err := h.dispatcher.Execute(c.Request.Context(), payload)
	if errors.Is(err, tasks.ErrPermanent) {
		slog.Warn("Task payload rejected", "run_id", payload.RunID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task payload", "message": err.Error()})
		return
	}
	if err != nil {
		slog.Error("Task execution failed", "run_id", payload.RunID, "user_id", payload.Trigger.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Task execution failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runId": payload.RunID, "status": "ok"})
}
