// Package storage keeps the live status of tracked Instagram accounts.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/shared/database"
)

// LiveBroadcast is one account seen live in a poll.
type LiveBroadcast struct {
	Username    string
	BroadcastID string
	ViewerCount int
}

// Account is one row of insta_links.
type Account struct {
	Username    string         `db:"username"`
	Link        sql.NullString `db:"link"`
	BroadcastID sql.NullString `db:"broadcast_id"`
	ViewerCount int            `db:"viewer_count"`
	IsLive      bool           `db:"is_live"`
	LastLiveAt  sql.NullTime   `db:"last_live_at"`
	TotalLives  int            `db:"total_lives"`
	LastUpdated time.Time      `db:"last_updated"`
}

// SwapResult summarizes a ReplaceLive call.
type SwapResult struct {
	Live       int
	WentOnline int
	WentOff    int
}

// Store writes the insta_links table.
type Store struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
	logger  *slog.Logger
	now     func() time.Time
}

func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		builder: database.StatementBuilder(db.DriverName()),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ReplaceLive makes live the exact set of live accounts in one transaction.
// Accounts missing from live go offline; the rest are upserted as live, and
// total_lives counts only offline to online transitions. Readers see either the
// previous live set or the new one.
func (s *Store) ReplaceLive(ctx context.Context, live []LiveBroadcast) (SwapResult, error) {
	now := s.now()
	result := SwapResult{Live: len(live)}

	names := make([]string, 0, len(live))
	for _, b := range live {
		names = append(names, b.Username)
	}

	err := database.RunInTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		offline := s.builder.Update("insta_links").
			Set("is_live", false).
			Set("viewer_count", 0).
			Set("last_updated", now).
			Where(sq.Eq{"is_live": true})
		if len(names) > 0 {
			offline = offline.Where(sq.NotEq{"username": names})
		}
		query, args, err := offline.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build update: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to mark accounts offline: %w", err)
		}
		off, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		result.WentOff = int(off)

		for _, b := range live {
			wentOnline, err := s.upsertLive(ctx, tx, b, now)
			if err != nil {
				return err
			}
			if wentOnline {
				result.WentOnline++
			}
		}
		return nil
	})
	if err != nil {
		return SwapResult{}, fmt.Errorf("failed to replace live status: %w", err)
	}

	s.logger.Info("Live status updated",
		slog.Int("live", result.Live),
		slog.Int("went_online", result.WentOnline),
		slog.Int("went_offline", result.WentOff),
	)
	return result, nil
}

func (s *Store) upsertLive(ctx context.Context, tx *sqlx.Tx, b LiveBroadcast, now time.Time) (bool, error) {
	var wasLive sql.NullBool
	query, args, err := s.builder.Select("is_live").
		From("insta_links").
		Where(sq.Eq{"username": b.Username}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build query: %w", err)
	}
	if err := tx.QueryRowxContext(ctx, query, args...).Scan(&wasLive); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to read live status of %s: %w", b.Username, err)
	}

	query, args, err = s.builder.Insert("insta_links").
		Columns("username", "link", "broadcast_id", "viewer_count", "is_live", "last_live_at", "total_lives", "last_updated").
		Values(b.Username, ProfileLink(b.Username), nullString(b.BroadcastID), b.ViewerCount, true, now, 1, now).
		Suffix("ON CONFLICT (username) DO UPDATE SET " +
			"link = COALESCE(insta_links.link, excluded.link), " +
			"broadcast_id = excluded.broadcast_id, " +
			"viewer_count = excluded.viewer_count, " +
			"total_lives = insta_links.total_lives + CASE WHEN insta_links.is_live THEN 0 ELSE 1 END, " +
			"is_live = excluded.is_live, " +
			"last_live_at = excluded.last_live_at, " +
			"last_updated = excluded.last_updated").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("failed to mark %s live: %w", b.Username, err)
	}

	return !wasLive.Valid || !wasLive.Bool, nil
}

// Accounts lists every tracked account by username.
func (s *Store) Accounts(ctx context.Context) ([]Account, error) {
	query, args, err := s.builder.Select(
		"username", "link", "broadcast_id", "viewer_count", "is_live",
		"last_live_at", "total_lives", "last_updated",
	).From("insta_links").OrderBy("username").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var accounts []Account
	if err := s.db.SelectContext(ctx, &accounts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ProfileLink is the public profile URL of username.
func ProfileLink(username string) string {
	return "https://instagram.com/" + username
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
