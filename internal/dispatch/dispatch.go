// Package dispatch maps job types to handlers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/internal/telegram"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
)

// Handler runs one job. Returning nil completes the job; a domain.PermanentError
// fails it at once; any other error consumes a retry. Handlers manage their own
// transactions on db and must be safe to run again from scratch.
type Handler func(ctx context.Context, db *sqlx.DB, payload domain.Payload) error

// UpdateHandler handles one decoded Telegram update variant.
type UpdateHandler func(ctx context.Context, db *sqlx.DB, update *telegram.Update) error

// UpdateRoutes selects a handler per update variant. Nil entries make that
// variant a logged no-op.
type UpdateRoutes struct {
	Commands    map[string]UpdateHandler
	Callbacks   map[string]UpdateHandler
	JoinRequest UpdateHandler
	ChatMember  UpdateHandler
	Message     UpdateHandler
}

// Registry is the dispatch table of one bot identity.
type Registry struct {
	namespace string
	handlers  map[string]Handler
	aliases   map[string]string
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Job types prefixed with "<namespace>:" or
// "<namespace>_" are looked up without the prefix.
func NewRegistry(namespace string, logger *slog.Logger) *Registry {
	return &Registry{
		namespace: domain.NormalizeJobType(namespace),
		handlers:  make(map[string]Handler),
		aliases:   make(map[string]string),
		logger:    logger,
	}
}

// Namespace returns the identity namespace stripped from job types.
func (r *Registry) Namespace() string {
	return r.namespace
}

// Register binds jobType to h, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.handlers[domain.NormalizeJobType(jobType)] = h
}

// Alias makes alias resolve to the handler registered for jobType.
func (r *Registry) Alias(alias, jobType string) {
	r.aliases[domain.NormalizeJobType(alias)] = domain.NormalizeJobType(jobType)
}

// HandleUpdates binds the generic update job type, and its short alias, to routes.
func (r *Registry) HandleUpdates(routes UpdateRoutes) {
	r.Register(domain.JobTypeUpdate, r.updateHandler(routes))
	r.Alias(domain.JobTypeUpdateShort, domain.JobTypeUpdate)
}

// JobTypes lists the registered job types in order.
func (r *Registry) JobTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolve returns the handler for jobType and the canonical name it was found under.
func (r *Registry) Resolve(jobType string) (Handler, string, error) {
	name := domain.NormalizeJobType(jobType)
	if stripped, ok := domain.StripNamespace(name, r.namespace); ok {
		name = stripped
	}
	if target, ok := r.aliases[name]; ok {
		name = target
	}

	h, ok := r.handlers[name]
	if !ok {
		return nil, name, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, jobType)
	}
	return h, name, nil
}

// Dispatch runs the handler for jobType. An unregistered type is a permanent failure.
func (r *Registry) Dispatch(ctx context.Context, db *sqlx.DB, jobType string, payload domain.Payload) error {
	h, name, err := r.Resolve(jobType)
	if err != nil {
		r.logger.Warn("No handler for job type",
			slog.String("job_type", jobType),
			slog.String("namespace", r.namespace),
		)
		return err
	}

	r.logger.Debug("Dispatching job",
		slog.String("job_type", jobType),
		slog.String("handler", name),
	)
	return h(ctx, db, payload)
}

func (r *Registry) updateHandler(routes UpdateRoutes) Handler {
	return func(ctx context.Context, db *sqlx.DB, payload domain.Payload) error {
		var update telegram.Update
		if err := payload.Decode(&update); err != nil {
			return err
		}

		kind := update.Kind()
		var (
			h     UpdateHandler
			route string
		)
		switch kind {
		case telegram.KindCommand:
			route, _, _ = update.Command()
			h = routes.Commands[route]
		case telegram.KindCallback:
			route = update.CallbackQuery.Data
			h = lookupCallback(routes.Callbacks, route)
		case telegram.KindJoinRequest:
			h = routes.JoinRequest
		case telegram.KindChatMember:
			h = routes.ChatMember
		case telegram.KindMessage:
			h = routes.Message
		}

		if h == nil {
			r.logger.Info("Ignoring update without a route",
				slog.Int("update_id", update.UpdateID),
				slog.String("kind", kind.String()),
				slog.String("route", route),
			)
			return nil
		}
		return h(ctx, db, &update)
	}
}

// lookupCallback matches callback data exactly, then by the part before ':'
// so "lang:en" reaches the "lang" handler.
func lookupCallback(callbacks map[string]UpdateHandler, data string) UpdateHandler {
	if h, ok := callbacks[data]; ok {
		return h
	}
	if prefix, _, ok := strings.Cut(data, ":"); ok {
		return callbacks[prefix]
	}
	return nil
}
