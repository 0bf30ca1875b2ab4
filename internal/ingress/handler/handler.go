package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/internal/config"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/storage"
)

// Notifier announces new jobs to idle workers. *rabbitmq.Client satisfies it.
type Notifier interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	DB       *sqlx.DB
	Notifier Notifier // nil disables wake-ups
	Bots     config.BotsConfig
	Ingress  config.IngressConfig

	// AnnounceTimeout bounds one wake-up publish, retries included.
	AnnounceTimeout time.Duration
}

const defaultAnnounceTimeout = time.Second

// JobHandler serves the webhook and the admin job API.
type JobHandler struct {
	logger   *slog.Logger
	db       *sqlx.DB
	storage  *storage.Storage
	notifier Notifier
	bots     config.BotsConfig
	ingress  config.IngressConfig

	announceTimeout time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	announceTimeout := deps.AnnounceTimeout
	if announceTimeout <= 0 {
		announceTimeout = defaultAnnounceTimeout
	}
	return &JobHandler{
		logger:   deps.Logger,
		db:       deps.DB,
		storage:  storage.NewStorage(deps.DB, deps.Logger),
		notifier: deps.Notifier,
		bots:     deps.Bots,
		ingress:  deps.Ingress,

		announceTimeout: announceTimeout,
	}
}

// announce publishes a wake-up for job within the announce timeout. Failures are
// logged only; the worker still finds the job on its next poll.
func (h *JobHandler) announce(ctx context.Context, job *domain.Job) {
	if h.notifier == nil {
		return
	}

	msg := domain.WakeupMessage{
		JobID:      job.JobID,
		JobType:    job.JobType,
		RoutingKey: job.RoutingKey.String,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal wake-up message", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.announceTimeout)
	defer cancel()
	if err := h.notifier.PublishWithRetry(ctx, msg.RoutingKey, body, "application/json"); err != nil {
		h.logger.Warn("Failed to publish wake-up",
			slog.Int64("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}
