package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/storage"
)

// JobStore is the slice of the job store the worker drives.
type JobStore interface {
	ClaimNext(ctx context.Context, opts storage.ClaimOptions) (*domain.Job, error)
	Complete(ctx context.Context, job *domain.Job) error
	Requeue(ctx context.Context, job *domain.Job, reason string) error
	Fail(ctx context.Context, job *domain.Job, reason string) error
	Touch(ctx context.Context, job *domain.Job) error
}

// Dispatcher runs the handler registered for a job type.
type Dispatcher interface {
	Dispatch(ctx context.Context, db *sqlx.DB, jobType string, payload domain.Payload) error
}

// Config holds worker configuration
type Config struct {
	Logger     *slog.Logger
	Store      JobStore
	Dispatcher Dispatcher
	// DB is handed to handlers as their persistence session.
	DB *sqlx.DB

	// WorkerID is written to claimed rows. Empty generates a UUID.
	WorkerID        string
	RoutingKey      string
	IncludeUnrouted bool
	// MaxRetries is the retry ceiling: a job runs at most MaxRetries+1 times.
	MaxRetries int
	StaleAfter time.Duration

	Concurrency       int
	IdleInterval      time.Duration
	ErrorBackoff      time.Duration
	MaxErrorBackoff   time.Duration
	HeartbeatInterval time.Duration
	RunOnceEmptyPolls int

	// Wakeups, when set, carries enqueue notifications that cut idle sleeps short.
	Wakeups <-chan amqp.Delivery
}

// Worker claims jobs from the store and runs them through the dispatcher.
type Worker struct {
	logger     *slog.Logger
	store      JobStore
	dispatcher Dispatcher
	db         *sqlx.DB

	workerID string
	claim    storage.ClaimOptions

	concurrency       int
	idleInterval      time.Duration
	errorBackoff      time.Duration
	maxErrorBackoff   time.Duration
	heartbeatInterval time.Duration
	runOnceEmptyPolls int

	deliveries <-chan amqp.Delivery
	wake       chan struct{}

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a new worker instance
func New(cfg Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	idle := cfg.IdleInterval
	if idle <= 0 {
		idle = 2 * time.Second
	}

	errBackoff := cfg.ErrorBackoff
	if errBackoff <= 0 {
		errBackoff = 2 * idle
	}
	maxErrBackoff := cfg.MaxErrorBackoff
	if maxErrBackoff < errBackoff {
		maxErrBackoff = errBackoff
	}

	emptyPolls := cfg.RunOnceEmptyPolls
	if emptyPolls <= 0 {
		emptyPolls = 3
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Worker{
		logger:     cfg.Logger.With(slog.String("worker_id", workerID), slog.String("routing_key", cfg.RoutingKey)),
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		db:         cfg.DB,
		workerID:   workerID,
		claim: storage.ClaimOptions{
			RoutingKey:      cfg.RoutingKey,
			IncludeUnrouted: cfg.IncludeUnrouted,
			MaxRetries:      maxRetries,
			StaleAfter:      cfg.StaleAfter,
			WorkerID:        workerID,
		},
		concurrency:       concurrency,
		idleInterval:      idle,
		errorBackoff:      errBackoff,
		maxErrorBackoff:   maxErrBackoff,
		heartbeatInterval: cfg.HeartbeatInterval,
		runOnceEmptyPolls: emptyPolls,
		deliveries:        cfg.Wakeups,
		wake:              make(chan struct{}, concurrency),
		stopChan:          make(chan struct{}),
	}
}

// ID returns the identifier written to claimed rows.
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the worker loops until ctx is canceled or Stop is called.
// A handler already running when shutdown begins is allowed to finish.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_retries", w.claim.MaxRetries),
		slog.Duration("idle_interval", w.idleInterval),
		slog.Duration("stale_after", w.claim.StaleAfter),
	)

	if w.deliveries != nil {
		w.wg.Add(1)
		go w.consumeWakeups(ctx, w.deliveries)
	}
	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	w.wg.Wait()
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Notify wakes one idle loop. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// RunOnce polls until it has processed one job or seen RunOnceEmptyPolls empty polls.
// It reports whether a job was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	for poll := 1; ; poll++ {
		claimed, err := w.Iterate(ctx)
		if err != nil || claimed {
			return claimed, err
		}
		if poll >= w.runOnceEmptyPolls {
			w.logger.Info("No jobs found, exiting run-once mode", slog.Int("polls", poll))
			return false, nil
		}
		if !w.sleep(ctx, w.idleInterval, true) {
			return false, ctx.Err()
		}
	}
}

// Iterate claims at most one job and settles it. It reports whether a job was claimed.
// Handler failures are recorded on the job; only store failures are returned.
func (w *Worker) Iterate(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.claim)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.processJob(ctx, job)
}

// sleep waits for d, an early wake-up when wakeable, Stop or ctx. It reports whether
// the caller should keep going.
func (w *Worker) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = w.wake
	}

	select {
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}
