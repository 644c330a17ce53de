package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"mediarelay/internal/history"
	"mediarelay/internal/task"
)

const (
	healthMessage      = "mediarelay is running"
	adminHistoryLength = 5
	clockLayout        = "15:04"
)

// HistoryLister exposes the completion history to handlers.
type HistoryLister interface {
	List(limit int) []history.Entry
}

type createTaskRequest struct {
	URL string `json:"url"`
}

type taskResponse struct {
	ID            string               `json:"id"`
	SourceURL     string               `json:"source_url"`
	State         task.State           `json:"state"`
	Title         string               `json:"title,omitempty"`
	SizeBytes     int64                `json:"size_bytes,omitempty"`
	QueuePosition int                  `json:"queue_position,omitempty"`
	Current       *task.ProgressEvent  `json:"current,omitempty"`
	ProgressLog   []task.ProgressEvent `json:"progress_log"`
	Outputs       []string             `json:"outputs"`
	Partial       bool                 `json:"partial,omitempty"`
	Error         string               `json:"error,omitempty"`
	ErrorKind     task.ErrorKind       `json:"error_kind,omitempty"`
	CreatedAt     string               `json:"created_at"`
	StartedAt     string               `json:"started_at,omitempty"`
	FinishedAt    string               `json:"finished_at,omitempty"`
}

// legacyLog is the single "current log" entry of the /response endpoint.
type legacyLog struct {
	Message   string  `json:"message"`
	Percent   float64 `json:"percent"`
	ETA       string  `json:"eta,omitempty"`
	Timestamp string  `json:"timestamp"`
}

type API struct {
	taskManager *task.Manager
	history     HistoryLister
}

func NewAPI(taskManager *task.Manager, historyLister HistoryLister) *API {
	return &API{taskManager: taskManager, history: historyLister}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/", a.Health)
	router.GET("/download", a.Download)
	router.GET("/response", a.Response)

	api := router.Group("/api/v1")
	{
		api.POST("/tasks", a.CreateTask)
		api.GET("/tasks/:id", a.GetTask)
		api.DELETE("/tasks/:id", a.CancelTask)
		api.GET("/history", a.ListHistory)
		api.GET("/admin", a.Admin)
	}
}

// Health answers liveness probes.
func (a *API) Health(c *gin.Context) { c.String(http.StatusOK, healthMessage) }

// Download starts a task from the url query parameter.
func (a *API) Download(c *gin.Context) {
	created, err := a.taskManager.Enqueue(c.Query("url"))
	if err != nil {
		a.enqueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Download started", "task_id": created.ID})
}

// Response reports the latest progress entry of a task.
func (a *API) Response(c *gin.Context) {
	id := c.Query("taskid")
	rec, err := a.taskManager.GetTask(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid task ID"})
		return
	}

	started := rec.CreatedAt
	if rec.StartedAt != nil {
		started = *rec.StartedAt
	}
	current := legacyLog{Message: "Waiting in queue", Timestamp: rec.CreatedAt.Local().Format(clockLayout)}
	if pos := a.taskManager.QueuePosition(id); pos > 0 {
		current.Message = "Waiting in queue (position " + strconv.Itoa(pos) + ")"
	}
	if ev, ok := rec.Current(); ok {
		current = legacyLog{
			Message:   ev.Message,
			Percent:   ev.Percent,
			Timestamp: ev.Timestamp.Local().Format(clockLayout),
		}
		if ev.ETA > 0 {
			current.ETA = task.FormatETA(ev.ETA)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":     rec.ID,
		"status":      rec.State,
		"current_log": current,
		"start_time":  started.Local().Format(clockLayout),
		"outputs":     rec.Outputs,
	})
}

// CreateTask handles creation of a new task
func (a *API) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid create task request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	created, err := a.taskManager.Enqueue(req.URL)
	if err != nil {
		a.enqueueError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a.toTaskResponse(created))
}

// GetTask returns task status
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("id")
	found, err := a.taskManager.GetTask(id)
	if err != nil {
		log.Warn().Str("task_id", id).Msg("task not found on get")
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, a.toTaskResponse(found))
}

// CancelTask aborts a queued or running task.
func (a *API) CancelTask(c *gin.Context) {
	id := c.Param("id")
	err := a.taskManager.Cancel(id)
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	case errors.Is(err, task.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "task already finished"})
		return
	case err != nil:
		log.Error().Str("task_id", id).Err(err).Msg("cancel failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	found, _ := a.taskManager.GetTask(id)
	c.JSON(http.StatusAccepted, a.toTaskResponse(found))
}

// ListHistory returns recent completions, newest first.
func (a *API) ListHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"entries": a.historyList(limit)})
}

// Admin reports scheduler occupancy and the latest completions.
func (a *API) Admin(c *gin.Context) {
	snap := a.taskManager.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"limit":          snap.Limit,
		"active_count":   snap.ActiveCount,
		"queue_length":   snap.QueueLength,
		"active":         snap.Active,
		"queued":         snap.Queued,
		"admitted":       snap.Admitted,
		"released":       snap.Released,
		"recent_history": a.historyList(adminHistoryLength),
	})
}

func (a *API) historyList(limit int) []history.Entry {
	if a.history == nil {
		return []history.Entry{}
	}
	return a.history.List(limit)
}

func (a *API) enqueueError(c *gin.Context, err error) {
	if errors.Is(err, task.ErrNoURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "URL missing"})
		return
	}
	log.Error().Err(err).Msg("enqueue failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create task"})
}

func (a *API) toTaskResponse(rec task.Record) taskResponse {
	resp := taskResponse{
		ID:            rec.ID,
		SourceURL:     rec.SourceURL,
		State:         rec.State,
		Title:         rec.Title,
		SizeBytes:     rec.SizeBytes,
		QueuePosition: a.taskManager.QueuePosition(rec.ID),
		ProgressLog:   rec.ProgressLog,
		Outputs:       rec.Outputs,
		Partial:       rec.Partial(),
		Error:         rec.Error,
		ErrorKind:     rec.ErrorKind,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ev, ok := rec.Current(); ok {
		resp.Current = &ev
	}
	if rec.StartedAt != nil {
		resp.StartedAt = rec.StartedAt.UTC().Format(time.RFC3339)
	}
	if rec.FinishedAt != nil {
		resp.FinishedAt = rec.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
