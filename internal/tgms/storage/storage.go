// Package storage holds the group-management bot's tables.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/shared/database"
)

// Join request statuses.
const (
	JoinPending  = "pending"
	JoinApproved = "approved"
	JoinFailed   = "failed"
)

var ErrGroupNotFound = errors.New("managed group not found")

// ManagedGroup is a group the bot administers.
type ManagedGroup struct {
	GroupID             int64          `db:"group_id"`
	Title               sql.NullString `db:"title"`
	AdminUserID         sql.NullInt64  `db:"admin_user_id"`
	MemberCount         int            `db:"member_count"`
	IsActive            bool           `db:"is_active"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// JoinRequest is the audit row of one join request.
type JoinRequest struct {
	UserID   int64          `db:"user_id"`
	ChatID   int64          `db:"chat_id"`
	Username sql.NullString `db:"username"`
	Status   string         `db:"status"`
}

// SentMessage records a broadcast delivered to a group.
type SentMessage struct {
	GroupID   int64     `db:"group_id"`
	MessageID int64     `db:"message_id"`
	DebugCode string    `db:"debug_code"`
	SentAt    time.Time `db:"sent_at"`
}

// Activity is the last message time of a user in a group.
type Activity struct {
	UserID          int64          `db:"user_id"`
	ChatID          int64          `db:"chat_id"`
	Username        sql.NullString `db:"username"`
	LastMessageTime time.Time      `db:"last_message_time"`
}

// Store runs the group-management queries.
type Store struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
	now     func() time.Time
}

// NewStore creates a Store on db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:      db,
		builder: database.StatementBuilder(db.DriverName()),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) exec(ctx context.Context, b sq.Sqlizer, what string) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build %s: %w", what, err)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", what, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// UpsertGroup registers groupID as active, or refreshes it and reactivates it
// when the bot is promoted again.
func (s *Store) UpsertGroup(ctx context.Context, groupID int64, title string, adminID int64) error {
	now := s.now()
	_, err := s.exec(ctx, s.builder.Insert("managed_groups").
		Columns("group_id", "title", "admin_user_id", "member_count", "is_active", "consecutive_failures", "created_at", "updated_at").
		Values(groupID, nullString(title), nullInt(adminID), 0, true, 0, now, now).
		Suffix("ON CONFLICT (group_id) DO UPDATE SET title = excluded.title, admin_user_id = excluded.admin_user_id, "+
			"is_active = excluded.is_active, consecutive_failures = 0, updated_at = excluded.updated_at"),
		"upsert managed group")
	return err
}

// GetGroup returns the managed group or ErrGroupNotFound.
func (s *Store) GetGroup(ctx context.Context, groupID int64) (*ManagedGroup, error) {
	query, args, err := s.groupSelect().Where(sq.Eq{"group_id": groupID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var group ManagedGroup
	if err := s.db.GetContext(ctx, &group, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to get managed group: %w", err)
	}
	return &group, nil
}

// ActiveGroups lists active groups. A non-empty ids limits the result to those groups.
func (s *Store) ActiveGroups(ctx context.Context, ids ...int64) ([]ManagedGroup, error) {
	b := s.groupSelect().Where(sq.Eq{"is_active": true})
	if len(ids) > 0 {
		b = b.Where(sq.Eq{"group_id": ids})
	}
	query, args, err := b.OrderBy("group_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var groups []ManagedGroup
	if err := s.db.SelectContext(ctx, &groups, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list active groups: %w", err)
	}
	return groups, nil
}

// Deactivate stops all traffic to groupID.
func (s *Store) Deactivate(ctx context.Context, groupID int64) error {
	return s.updateGroup(ctx, groupID, map[string]any{"is_active": false})
}

// UpdateMemberCount stores the latest member count.
func (s *Store) UpdateMemberCount(ctx context.Context, groupID int64, count int) error {
	return s.updateGroup(ctx, groupID, map[string]any{"member_count": count})
}

// RecordSendResult resets the failure count after a delivered message, or bumps
// it and deactivates the group at maxFailures. It reports whether the group was
// deactivated.
func (s *Store) RecordSendResult(ctx context.Context, groupID int64, ok bool, maxFailures int) (bool, error) {
	if ok {
		return false, s.updateGroup(ctx, groupID, map[string]any{"consecutive_failures": 0})
	}

	query, args, err := s.builder.Update("managed_groups").
		Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
		Set("is_active", sq.Expr("CASE WHEN consecutive_failures + 1 >= ? THEN FALSE ELSE is_active END", maxFailures)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"group_id": groupID}).
		Suffix("RETURNING is_active").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update: %w", err)
	}

	var active bool
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrGroupNotFound
		}
		return false, fmt.Errorf("failed to record send failure: %w", err)
	}
	return !active, nil
}

func (s *Store) groupSelect() sq.SelectBuilder {
	return s.builder.Select(
		"group_id", "title", "admin_user_id", "member_count", "is_active",
		"consecutive_failures", "created_at", "updated_at",
	).From("managed_groups")
}

func (s *Store) updateGroup(ctx context.Context, groupID int64, set map[string]any) error {
	set["updated_at"] = s.now()
	rows, err := s.exec(ctx, s.builder.Update("managed_groups").
		SetMap(set).
		Where(sq.Eq{"group_id": groupID}),
		"update managed group")
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// SaveJoinRequest records a pending request, resetting the status of a repeated one.
func (s *Store) SaveJoinRequest(ctx context.Context, userID, chatID int64, username string) error {
	now := s.now()
	_, err := s.exec(ctx, s.builder.Insert("join_requests").
		Columns("user_id", "chat_id", "username", "status", "created_at", "updated_at").
		Values(userID, chatID, nullString(username), JoinPending, now, now).
		Suffix("ON CONFLICT (user_id, chat_id) DO UPDATE SET username = excluded.username, "+
			"status = excluded.status, updated_at = excluded.updated_at"),
		"save join request")
	return err
}

// SetJoinRequestStatus moves a request to status.
func (s *Store) SetJoinRequestStatus(ctx context.Context, userID, chatID int64, status string) error {
	_, err := s.exec(ctx, s.builder.Update("join_requests").
		Set("status", status).
		Set("updated_at", s.now()).
		Where(sq.Eq{"user_id": userID, "chat_id": chatID}),
		"update join request")
	return err
}

// GetJoinRequest returns the request of userID for chatID.
func (s *Store) GetJoinRequest(ctx context.Context, userID, chatID int64) (*JoinRequest, error) {
	query, args, err := s.builder.Select("user_id", "chat_id", "username", "status").
		From("join_requests").
		Where(sq.Eq{"user_id": userID, "chat_id": chatID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var req JoinRequest
	if err := s.db.GetContext(ctx, &req, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get join request: %w", err)
	}
	return &req, nil
}

// LogSentMessage records a delivered broadcast.
func (s *Store) LogSentMessage(ctx context.Context, groupID, messageID int64, debugCode string) error {
	_, err := s.exec(ctx, s.builder.Insert("sent_messages").
		Columns("group_id", "message_id", "debug_code", "sent_at").
		Values(groupID, messageID, debugCode, s.now()),
		"log sent message")
	return err
}

// SentMessages lists the broadcasts delivered to groupID, oldest first.
func (s *Store) SentMessages(ctx context.Context, groupID int64) ([]SentMessage, error) {
	query, args, err := s.builder.Select("group_id", "message_id", "debug_code", "sent_at").
		From("sent_messages").
		Where(sq.Eq{"group_id": groupID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var out []SentMessage
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sent messages: %w", err)
	}
	return out, nil
}

// RecordActivity stores at as the last message time of userID in chatID.
func (s *Store) RecordActivity(ctx context.Context, userID, chatID int64, username string, at time.Time) error {
	_, err := s.exec(ctx, s.builder.Insert("user_activity").
		Columns("user_id", "chat_id", "username", "last_message_time").
		Values(userID, chatID, nullString(username), at).
		Suffix("ON CONFLICT (user_id, chat_id) DO UPDATE SET username = excluded.username, "+
			"last_message_time = excluded.last_message_time"),
		"record activity")
	return err
}

// InactiveMembers lists the members of chatID whose last message is older than cutoff.
func (s *Store) InactiveMembers(ctx context.Context, chatID int64, cutoff time.Time) ([]Activity, error) {
	query, args, err := s.builder.Select("user_id", "chat_id", "username", "last_message_time").
		From("user_activity").
		Where(sq.Eq{"chat_id": chatID}).
		Where(sq.Lt{"last_message_time": cutoff}).
		OrderBy("last_message_time").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var out []Activity
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list inactive members: %w", err)
	}
	return out, nil
}

// ForgetActivity removes the activity row of a member who was removed.
func (s *Store) ForgetActivity(ctx context.Context, userID, chatID int64) error {
	_, err := s.exec(ctx, s.builder.Delete("user_activity").
		Where(sq.Eq{"user_id": userID, "chat_id": chatID}),
		"forget activity")
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
