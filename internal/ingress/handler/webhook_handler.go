package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/tgbot-jobs/internal/config"
	"github.com/cuongbtq/tgbot-jobs/internal/ingress/dto"
	"github.com/cuongbtq/tgbot-jobs/internal/tgms"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
)

// SecretTokenHeader carries the secret_token registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Webhook handles POST /webhook/:identity
// Stores a Telegram update as a job for the identity's worker.
func (h *JobHandler) Webhook(c *gin.Context) {
	identity := strings.ToLower(c.Param("identity"))
	bot, ok := h.bots.Bot(identity)
	if !ok || bot.Token == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown bot identity",
		})
		return
	}

	if bot.WebhookSecret != "" {
		got := c.GetHeader(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(bot.WebhookSecret)) != 1 {
			h.logger.Warn("Webhook secret mismatch", slog.String("identity", identity))
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid secret token",
			})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.ingress.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "update too large",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read request body",
		})
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		h.logger.Error("Invalid update body", slog.String("identity", identity))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "update must be a JSON object",
		})
		return
	}
	if _, ok := fields["update_id"]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "update_id is required",
		})
		return
	}

	jobType := UpdateJobType(identity, fields)
	job, err := h.storage.Enqueue(c.Request.Context(), domain.NewJob{
		JobType:    jobType,
		RoutingKey: bot.RoutingKey,
		Payload:    json.RawMessage(body),
	})
	if err != nil {
		h.logger.Error("Failed to enqueue update",
			slog.String("identity", identity),
			slog.Any("error", err),
		)
		// a non-2xx makes Telegram redeliver the update
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue update",
		})
		return
	}

	h.announce(c.Request.Context(), job)

	c.JSON(http.StatusOK, dto.WebhookResponse{
		OK:      true,
		JobID:   job.JobID,
		JobType: job.JobType,
	})
}

// UpdateJobType picks the job type for an update by looking at its top-level
// fields only. The tgms bot gets dedicated job types for join requests and its
// own membership changes.
func UpdateJobType(identity string, fields map[string]json.RawMessage) string {
	if identity != config.IdentityTGMS {
		return domain.JobTypeUpdate
	}
	switch {
	case has(fields, "chat_join_request"):
		return tgms.Namespace + ":" + tgms.JobTypeJoinRequest
	case has(fields, "my_chat_member"):
		return tgms.Namespace + ":" + tgms.JobTypeRegisterGroup
	default:
		return tgms.Namespace + ":" + domain.JobTypeUpdate
	}
}

func has(fields map[string]json.RawMessage, key string) bool {
	v, ok := fields[key]
	return ok && string(v) != "null"
}
