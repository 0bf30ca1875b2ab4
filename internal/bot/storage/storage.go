// Package storage holds the main bot's tables: users, the points ledger, the
// groups that receive broadcasts and the live accounts read by check_live.
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

// Point transaction types.
const (
	TxSignup     = "signup"
	TxReferral   = "referral"
	TxDailyReset = "daily_reset"
	TxLiveCheck  = "live_check"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrGroupNotFound = errors.New("chat group not found")
)

var userColumns = []string{
	"id", "username", "first_name", "points", "last_seen",
	"subscription_end", "referred_by_id", "language",
}

// User is one row of telegram_users.
type User struct {
	ID              int64          `db:"id"`
	Username        sql.NullString `db:"username"`
	FirstName       sql.NullString `db:"first_name"`
	Points          int            `db:"points"`
	LastSeen        time.Time      `db:"last_seen"`
	SubscriptionEnd sql.NullTime   `db:"subscription_end"`
	ReferredByID    sql.NullInt64  `db:"referred_by_id"`
	Language        string         `db:"language"`
}

// HasSubscription reports whether the user has unlimited live checks at now.
func (u *User) HasSubscription(now time.Time) bool {
	return u.SubscriptionEnd.Valid && u.SubscriptionEnd.Time.After(now)
}

// PointsTransaction is one entry of the points ledger.
type PointsTransaction struct {
	UserID          int64
	Amount          int
	TransactionType string
	Description     string
	ReferenceID     string
}

// ChatGroup is a group registered to receive broadcasts.
type ChatGroup struct {
	ChatID              int64          `db:"chat_id"`
	Title               sql.NullString `db:"title"`
	AdminUserID         sql.NullInt64  `db:"admin_user_id"`
	IsActive            bool           `db:"is_active"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	MemberCount         int            `db:"member_count"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// LiveAccount is an Instagram account currently broadcasting.
type LiveAccount struct {
	Username    string         `db:"username"`
	Link        sql.NullString `db:"link"`
	ViewerCount int            `db:"viewer_count"`
	LastLiveAt  sql.NullTime   `db:"last_live_at"`
}

// Store runs the bot queries on a database or inside a transaction.
type Store struct {
	q       sqlx.ExtContext
	builder sq.StatementBuilderType
	now     func() time.Time
}

// New creates a Store on q, a *sqlx.DB or *sqlx.Tx.
func New(q sqlx.ExtContext) *Store {
	return &Store{
		q:       q,
		builder: database.StatementBuilder(q.DriverName()),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetUser returns the user with id or ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	query, args, err := s.builder.Select(userColumns...).
		From("telegram_users").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var user User
	if err := sqlx.GetContext(ctx, s.q, &user, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// UserExists reports whether id is a known user.
func (s *Store) UserExists(ctx context.Context, id int64) (bool, error) {
	_, err := s.GetUser(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CreateUser inserts a user seen at lastSeen.
func (s *Store) CreateUser(ctx context.Context, user User) error {
	if user.Language == "" {
		user.Language = "en"
	}
	query, args, err := s.builder.Insert("telegram_users").
		Columns("id", "username", "first_name", "points", "last_seen", "referred_by_id", "language").
		Values(user.ID, user.Username, user.FirstName, user.Points, user.LastSeen, user.ReferredByID, user.Language).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// TouchUser refreshes the profile fields and last_seen.
func (s *Store) TouchUser(ctx context.Context, id int64, username, firstName string, seen time.Time) error {
	return s.updateUser(ctx, id, sq.Eq{"id": id}, map[string]any{
		"username":   nullString(username),
		"first_name": nullString(firstName),
		"last_seen":  seen,
	})
}

// ResetPoints sets the balance to points and refreshes last_seen.
func (s *Store) ResetPoints(ctx context.Context, id int64, points int, seen time.Time) error {
	return s.updateUser(ctx, id, sq.Eq{"id": id}, map[string]any{
		"points":    points,
		"last_seen": seen,
	})
}

// AddPoints credits delta points to the user.
func (s *Store) AddPoints(ctx context.Context, id int64, delta int) error {
	return s.updateUser(ctx, id, sq.Eq{"id": id}, map[string]any{
		"points": sq.Expr("points + ?", delta),
	})
}

// SpendPoint takes one point if the balance allows. It reports false when the
// user has none left.
func (s *Store) SpendPoint(ctx context.Context, id int64) (bool, error) {
	err := s.updateUser(ctx, id, sq.And{sq.Eq{"id": id}, sq.Gt{"points": 0}}, map[string]any{
		"points": sq.Expr("points - 1"),
	})
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetSubscription grants unlimited live checks until end.
func (s *Store) SetSubscription(ctx context.Context, id int64, end time.Time) error {
	return s.updateUser(ctx, id, sq.Eq{"id": id}, map[string]any{"subscription_end": end})
}

func (s *Store) updateUser(ctx context.Context, id int64, where sq.Sqlizer, set map[string]any) error {
	query, args, err := s.builder.Update("telegram_users").
		SetMap(set).
		Where(where).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RecordTransaction appends an entry to the points ledger.
func (s *Store) RecordTransaction(ctx context.Context, t PointsTransaction) error {
	query, args, err := s.builder.Insert("points_transactions").
		Columns("user_id", "amount", "transaction_type", "description", "reference_id", "created_at").
		Values(t.UserID, t.Amount, t.TransactionType, nullString(t.Description), nullString(t.ReferenceID), s.now()).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record points transaction: %w", err)
	}
	return nil
}

// HasTransaction reports whether a ledger entry of txType with referenceID exists.
func (s *Store) HasTransaction(ctx context.Context, txType, referenceID string) (bool, error) {
	query, args, err := s.builder.Select("COUNT(*)").
		From("points_transactions").
		Where(sq.Eq{"transaction_type": txType, "reference_id": referenceID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build query: %w", err)
	}

	var n int
	if err := sqlx.GetContext(ctx, s.q, &n, query, args...); err != nil {
		return false, fmt.Errorf("failed to look up points transaction: %w", err)
	}
	return n > 0, nil
}

// Transactions lists a user's ledger entries, oldest first.
func (s *Store) Transactions(ctx context.Context, userID int64) ([]PointsTransaction, error) {
	query, args, err := s.builder.
		Select("user_id", "amount", "transaction_type", "COALESCE(description, '') AS description", "COALESCE(reference_id, '') AS reference_id").
		From("points_transactions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []struct {
		UserID          int64  `db:"user_id"`
		Amount          int    `db:"amount"`
		TransactionType string `db:"transaction_type"`
		Description     string `db:"description"`
		ReferenceID     string `db:"reference_id"`
	}
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list points transactions: %w", err)
	}

	out := make([]PointsTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, PointsTransaction(r))
	}
	return out, nil
}

// RegisterGroup records chatID as an inactive group administered by adminID.
// Registering again updates the title and admin but keeps the active flag.
func (s *Store) RegisterGroup(ctx context.Context, chatID int64, title string, adminID int64) error {
	now := s.now()
	query, args, err := s.builder.Insert("chat_groups").
		Columns("chat_id", "title", "admin_user_id", "is_active", "consecutive_failures", "member_count", "created_at", "updated_at").
		Values(chatID, nullString(title), adminID, false, 0, 0, now, now).
		Suffix("ON CONFLICT (chat_id) DO UPDATE SET title = excluded.title, admin_user_id = excluded.admin_user_id, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to register group: %w", err)
	}
	return nil
}

// GetGroup returns the registered group chatID or ErrGroupNotFound.
func (s *Store) GetGroup(ctx context.Context, chatID int64) (*ChatGroup, error) {
	query, args, err := s.groupSelect().Where(sq.Eq{"chat_id": chatID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var group ChatGroup
	if err := sqlx.GetContext(ctx, s.q, &group, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &group, nil
}

// ActivateGroup marks chatID active and clears its failure count.
func (s *Store) ActivateGroup(ctx context.Context, chatID int64) error {
	return s.updateGroup(ctx, chatID, map[string]any{
		"is_active":            true,
		"consecutive_failures": 0,
	})
}

// ActiveGroups lists the groups that receive broadcasts.
func (s *Store) ActiveGroups(ctx context.Context) ([]ChatGroup, error) {
	query, args, err := s.groupSelect().
		Where(sq.Eq{"is_active": true}).
		OrderBy("chat_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var groups []ChatGroup
	if err := sqlx.SelectContext(ctx, s.q, &groups, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list active groups: %w", err)
	}
	return groups, nil
}

// RecordSendResult resets the failure count after a successful send, or bumps it
// after a failed one and deactivates the group once it reaches maxFailures.
// It reports whether the group was deactivated.
func (s *Store) RecordSendResult(ctx context.Context, chatID int64, ok bool, maxFailures int) (bool, error) {
	if ok {
		return false, s.updateGroup(ctx, chatID, map[string]any{"consecutive_failures": 0})
	}

	query, args, err := s.builder.Update("chat_groups").
		Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
		Set("is_active", sq.Expr("CASE WHEN consecutive_failures + 1 >= ? THEN FALSE ELSE is_active END", maxFailures)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"chat_id": chatID}).
		Suffix("RETURNING is_active").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update: %w", err)
	}

	var active bool
	if err := s.q.QueryRowxContext(ctx, query, args...).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrGroupNotFound
		}
		return false, fmt.Errorf("failed to record send failure: %w", err)
	}
	return !active, nil
}

func (s *Store) groupSelect() sq.SelectBuilder {
	return s.builder.Select(
		"chat_id", "title", "admin_user_id", "is_active", "consecutive_failures",
		"member_count", "created_at", "updated_at",
	).From("chat_groups")
}

func (s *Store) updateGroup(ctx context.Context, chatID int64, set map[string]any) error {
	set["updated_at"] = s.now()
	query, args, err := s.builder.Update("chat_groups").
		SetMap(set).
		Where(sq.Eq{"chat_id": chatID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update group %d: %w", chatID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// LiveAccounts lists the accounts marked live, most watched first.
func (s *Store) LiveAccounts(ctx context.Context) ([]LiveAccount, error) {
	query, args, err := s.builder.Select("username", "link", "viewer_count", "last_live_at").
		From("insta_links").
		Where(sq.Eq{"is_live": true}).
		OrderBy("viewer_count DESC", "username").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var accounts []LiveAccount
	if err := sqlx.SelectContext(ctx, s.q, &accounts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list live accounts: %w", err)
	}
	return accounts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
