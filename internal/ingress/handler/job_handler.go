package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/tgbot-jobs/internal/ingress/dto"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var validStatuses = map[string]bool{
	domain.JobStatusPending:    true,
	domain.JobStatusProcessing: true,
	domain.JobStatusCompleted:  true,
	domain.JobStatusFailed:     true,
}

// CreateJob handles POST /api/v1/jobs
// Enqueues a job. Without routing_key, the key is derived from a namespace prefix of job_type.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	routingKey := req.RoutingKey
	if routingKey == "" {
		routingKey = h.bots.RoutingKeyFor(req.JobType)
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	job, err := h.storage.Enqueue(c.Request.Context(), domain.NewJob{
		JobType:    req.JobType,
		RoutingKey: routingKey,
		Payload:    payload,
	})
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	h.announce(c.Request.Context(), job)

	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil || jobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filters and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !validStatuses[req.Status] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), storage.JobFilter{
		JobType:    req.JobType,
		Status:     req.Status,
		RoutingKey: req.RoutingKey,
		PageSize:   req.PageSize,
		Cursor:     cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = dto.NewJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// Stats handles GET /api/v1/jobs/stats
func (h *JobHandler) Stats(c *gin.Context) {
	counts, err := h.storage.CountByStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count jobs",
		})
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, dto.StatsResponse{Counts: counts, Total: total})
}
