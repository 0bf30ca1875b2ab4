package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/internal/config"
	"github.com/cuongbtq/tgbot-jobs/internal/ingress/dto"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/storage"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
)

type enqueueRequest struct {
	JobType    string
	Payload    string
	RoutingKey string
}

func runEnqueue(ctx context.Context, db *sqlx.DB, bots config.BotsConfig, req enqueueRequest, out io.Writer) error {
	if !json.Valid([]byte(req.Payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	routingKey := req.RoutingKey
	if routingKey == "" {
		routingKey = bots.RoutingKeyFor(req.JobType)
	}

	job, err := storage.NewStorage(db, logger.NewNop()).Enqueue(ctx, domain.NewJob{
		JobType:    req.JobType,
		RoutingKey: routingKey,
		Payload:    json.RawMessage(req.Payload),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "enqueued job %d (%s", job.JobID, job.JobType)
	if routingKey != "" {
		fmt.Fprintf(out, ", routing key %s", routingKey)
	}
	fmt.Fprintln(out, ")")
	return nil
}

func runShow(ctx context.Context, db *sqlx.DB, jobID int64, out io.Writer) error {
	job, err := storage.NewStorage(db, logger.NewNop()).GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(dto.NewJobDTO(job))
}

func runStats(ctx context.Context, db *sqlx.DB, out io.Writer) error {
	counts, err := storage.NewStorage(db, logger.NewNop()).CountByStatus(ctx)
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tJOBS")
	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
	}
	return w.Flush()
}
