package storage

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/migrations"
	"github.com/cuongbtq/tgbot-jobs/shared/database"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
)

// newPostgresStorage migrates a throwaway schema on TEST_POSTGRES_DSN and returns a store
// bound to it through search_path.
func newPostgresStorage(t *testing.T) *Storage {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	admin, err := sqlx.Open(database.DriverPostgres, dsn)
	require.NoError(t, err)
	defer admin.Close()

	schema := "jobs_test_" + uuid.NewString()[:8]
	_, err = admin.Exec("CREATE SCHEMA " + schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanup, err := sqlx.Open(database.DriverPostgres, dsn)
		if err != nil {
			return
		}
		defer cleanup.Close()
		_, _ = cleanup.Exec("DROP SCHEMA " + schema + " CASCADE")
	})

	db, err := sqlx.Open(database.DriverPostgres, withSearchPath(t, dsn, schema))
	require.NoError(t, err)
	db.SetMaxOpenConns(16)
	t.Cleanup(func() { _ = db.Close() })

	files, err := fs.Glob(migrations.Postgres, "postgres/*.up.sql")
	require.NoError(t, err)
	sort.Strings(files)
	for _, name := range files {
		ddl, err := fs.ReadFile(migrations.Postgres, name)
		require.NoError(t, err)
		_, err = db.Exec(string(ddl))
		require.NoError(t, err, "apply %s", name)
	}

	return NewStorage(db, logger.NewNop())
}

func withSearchPath(t *testing.T, dsn, schema string) string {
	t.Helper()
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		require.NoError(t, err)
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " search_path=" + schema
}

func TestPostgres_ConcurrentClaimersTakeDistinctJobs(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStorage(t)

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := s.Enqueue(ctx, domain.NewJob{JobType: "update", RoutingKey: "main", Payload: map[string]int{"n": i}})
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]string)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			opts := ClaimOptions{RoutingKey: "main", MaxRetries: domain.DefaultMaxRetries, StaleAfter: time.Minute, WorkerID: worker}
			for {
				job, err := s.ClaimNext(ctx, opts)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				prev, dup := seen[job.JobID]
				seen[job.JobID] = worker
				mu.Unlock()
				assert.False(t, dup, "job %d claimed by %s and %s", job.JobID, prev, worker)
				assert.NoError(t, s.Complete(ctx, job))
			}
		}(fmt.Sprintf("pg-worker-%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs, counts[domain.JobStatusCompleted])
}

func TestPostgres_LockedRowIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStorage(t)

	first, err := s.Enqueue(ctx, domain.NewJob{JobType: "update", Payload: "{}"})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, domain.NewJob{JobType: "update", Payload: "{}"})
	require.NoError(t, err)

	tx, err := s.db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, "SELECT job_id FROM jobs WHERE job_id = $1 FOR UPDATE", first.JobID)
	require.NoError(t, err)

	job, err := s.ClaimNext(ctx, ClaimOptions{MaxRetries: domain.DefaultMaxRetries, WorkerID: "other"})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second.JobID, job.JobID)
}
