package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
)

// consumeWakeups turns enqueue notifications into early wake-ups of idle loops.
// Notifications only shorten the idle sleep; the jobs table stays authoritative,
// so every delivery is acknowledged once read.
func (w *Worker) consumeWakeups(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	w.logger.Info("Wake-up consumer started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake-up consumer stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Wake-up consumer stopped")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			w.handleWakeup(delivery)
		}
	}
}

func (w *Worker) handleWakeup(delivery amqp.Delivery) {
	var msg domain.WakeupMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("Failed to parse wake-up message",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
		}
		return
	}

	if w.claim.RoutingKey == "" || msg.RoutingKey == w.claim.RoutingKey ||
		(msg.RoutingKey == "" && w.claim.IncludeUnrouted) {
		w.logger.Debug("Wake-up received",
			slog.Int64("job_id", msg.JobID),
			slog.String("job_type", msg.JobType),
		)
		w.Notify()
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message", slog.Any("error", err))
	}
}
