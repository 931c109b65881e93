package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/repository"
	"github.com/vipul43/clipdigest-worker/internal/scheduler"
)

type JobRunner interface {
	Tasks() []scheduler.TaskInfo
	TriggerNow(ctx context.Context, name string) error
}

type JobStatusReader interface {
	List(ctx context.Context) ([]models.JobStatus, error)
}

type QueueInspector interface {
	ActiveCount() int
	Len() int
	Limit() int
}

// ItemCounter reports stored items per translation status
type ItemCounter interface {
	CountByStatus(ctx context.Context) (map[models.TranslationStatus]int64, error)
}

// UsageReader exposes the per-credential usage ledger
type UsageReader interface {
	ListByCredential(ctx context.Context, credentialID string, limit int) ([]models.CredentialUsage, error)
	SumCostSince(ctx context.Context, credentialID string, since time.Time) (int64, error)
}

type CredentialAdmin interface {
	List(ctx context.Context) ([]models.Credential, error)
	Reset(ctx context.Context, id string) error
}

// Handler serves the operational endpoints
type Handler struct {
	runner      JobRunner
	statuses    JobStatusReader
	queue       QueueInspector
	credentials CredentialAdmin
	items       ItemCounter
	usage       UsageReader
}

func NewHandler(runner JobRunner, statuses JobStatusReader, queue QueueInspector, credentials CredentialAdmin) *Handler {
	return &Handler{
		runner:      runner,
		statuses:    statuses,
		queue:       queue,
		credentials: credentials,
	}
}

// WithItemCounter enables the /items/stats endpoint
func (h *Handler) WithItemCounter(items ItemCounter) *Handler {
	h.items = items
	return h
}

// WithUsageReader enables the /credentials/:id/usage endpoint
func (h *Handler) WithUsageReader(usage UsageReader) *Handler {
	h.usage = usage
	return h
}

// Router builds the gin engine with all routes registered
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.health)
	r.GET("/jobs", h.listJobs)
	r.POST("/jobs/:name/trigger", h.triggerJob)
	r.GET("/queue", h.queueStats)
	if h.items != nil {
		r.GET("/items/stats", h.itemStats)
	}
	r.GET("/credentials", h.listCredentials)
	r.POST("/credentials/:id/reset", h.resetCredential)
	if h.usage != nil {
		r.GET("/credentials/:id/usage", h.credentialUsage)
	}
	return r
}

// NewServer wraps the router in an http.Server listening on addr
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type jobResponse struct {
	Name      string          `json:"name"`
	Schedule  string          `json:"schedule"`
	Timeout   string          `json:"timeout"`
	Running   bool            `json:"running"`
	NextRun   time.Time       `json:"next_run"`
	Status    string          `json:"status"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	Message   *string         `json:"message,omitempty"`
	RunCount  int             `json:"run_count"`
	Summary   json.RawMessage `json:"summary,omitempty"`
}

func (h *Handler) listJobs(c *gin.Context) {
	statuses, err := h.statuses.List(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list job statuses")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list job statuses"})
		return
	}
	byName := make(map[string]models.JobStatus, len(statuses))
	for _, s := range statuses {
		byName[s.TaskName] = s
	}

	tasks := h.runner.Tasks()
	jobs := make([]jobResponse, 0, len(tasks))
	for _, t := range tasks {
		job := jobResponse{
			Name:     t.Name,
			Schedule: t.Schedule,
			Timeout:  t.Timeout.String(),
			Running:  t.Running,
			NextRun:  t.NextRun,
			Status:   string(models.JobStateIdle),
		}
		if s, ok := byName[t.Name]; ok {
			job.Status = string(s.Status)
			job.LastRunAt = s.LastRunAt
			job.Message = s.Message
			job.RunCount = s.RunCount
			if len(s.Summary) > 0 {
				job.Summary = json.RawMessage(s.Summary)
			}
		}
		jobs = append(jobs, job)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handler) triggerJob(c *gin.Context) {
	name := c.Param("name")
	err := h.runner.TriggerNow(c.Request.Context(), name)
	switch {
	case err == nil:
		log.Info().Str("task", name).Msg("manual trigger accepted")
		c.JSON(http.StatusAccepted, gin.H{"task": name, "status": "started"})
	case errors.Is(err, scheduler.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"task": name, "error": "task is already running"})
	case errors.Is(err, scheduler.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"task": name, "error": "unknown task"})
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"task": name, "error": "scheduler is stopping"})
	default:
		log.Error().Err(err).Str("task", name).Msg("manual trigger failed")
		c.JSON(http.StatusInternalServerError, gin.H{"task": name, "error": err.Error()})
	}
}

func (h *Handler) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":  h.queue.ActiveCount(),
		"waiting": h.queue.Len(),
		"limit":   h.queue.Limit(),
	})
}

func (h *Handler) itemStats(c *gin.Context) {
	counts, err := h.items.CountByStatus(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to count items")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count items"})
		return
	}
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

type credentialResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Secret     string     `json:"secret"`
	Active     bool       `json:"active"`
	Valid      bool       `json:"valid"`
	Priority   int        `json:"priority"`
	QuotaLimit int64      `json:"quota_limit"`
	QuotaUsed  int64      `json:"quota_used"`
	Remaining  int64      `json:"remaining"`
	ResetAt    time.Time  `json:"reset_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
}

func (h *Handler) listCredentials(c *gin.Context) {
	creds, err := h.credentials.List(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list credentials")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list credentials"})
		return
	}

	out := make([]credentialResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, credentialResponse{
			ID:         cred.ID,
			Name:       cred.Name,
			Secret:     cred.MaskedSecret(),
			Active:     cred.IsActive,
			Valid:      cred.IsValid,
			Priority:   cred.Priority,
			QuotaLimit: cred.QuotaLimit,
			QuotaUsed:  cred.QuotaUsed,
			Remaining:  cred.Remaining(),
			ResetAt:    cred.ResetAt,
			LastUsedAt: cred.LastUsedAt,
			LastError:  cred.LastError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

func (h *Handler) resetCredential(c *gin.Context) {
	id := c.Param("id")
	err := h.credentials.Reset(c.Request.Context(), id)
	switch {
	case err == nil:
		log.Info().Str("credential", id).Msg("credential reset")
		c.JSON(http.StatusOK, gin.H{"id": id, "status": "reset"})
	case errors.Is(err, repository.ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, gin.H{"id": id, "error": "credential not found"})
	default:
		log.Error().Err(err).Str("credential", id).Msg("credential reset failed")
		c.JSON(http.StatusInternalServerError, gin.H{"id": id, "error": "failed to reset credential"})
	}
}

const defaultUsageLimit = 50

type usageResponse struct {
	Operation string    `json:"operation"`
	Endpoint  string    `json:"endpoint"`
	Cost      int64     `json:"cost"`
	Success   bool      `json:"success"`
	Error     *string   `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// credentialUsage lists recent metered calls and the cost of the last 24 hours
func (h *Handler) credentialUsage(c *gin.Context) {
	id := c.Param("id")
	limit := defaultUsageLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	records, err := h.usage.ListByCredential(ctx, id, limit)
	if err != nil {
		log.Error().Err(err).Str("credential", id).Msg("failed to list usage")
		c.JSON(http.StatusInternalServerError, gin.H{"id": id, "error": "failed to list usage"})
		return
	}
	spent, err := h.usage.SumCostSince(ctx, id, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Error().Err(err).Str("credential", id).Msg("failed to sum usage")
		c.JSON(http.StatusInternalServerError, gin.H{"id": id, "error": "failed to sum usage"})
		return
	}

	out := make([]usageResponse, 0, len(records))
	for _, r := range records {
		out = append(out, usageResponse{
			Operation: r.Operation,
			Endpoint:  r.Endpoint,
			Cost:      r.Cost,
			Success:   r.Success,
			Error:     r.ErrorDetail,
			At:        r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "cost_24h": spent, "usage": out})
}
