package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tgbot-jobs/internal/testutil"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
)

func accountsByName(t *testing.T, s *Store) map[string]Account {
	t.Helper()
	accounts, err := s.Accounts(context.Background())
	require.NoError(t, err)
	out := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		out[a.Username] = a
	}
	return out
}

func TestReplaceLive(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testutil.NewDB(t), logger.NewNop())
	clock := testutil.Now()
	s.now = func() time.Time { return clock }

	steps := []struct {
		name       string
		live       []LiveBroadcast
		want       SwapResult
		wantLive   map[string]int // username -> viewers
		wantTotals map[string]int
	}{
		{
			name:       "two accounts go live",
			live:       []LiveBroadcast{{Username: "alice", BroadcastID: "b1", ViewerCount: 10}, {Username: "bob", ViewerCount: 5}},
			want:       SwapResult{Live: 2, WentOnline: 2},
			wantLive:   map[string]int{"alice": 10, "bob": 5},
			wantTotals: map[string]int{"alice": 1, "bob": 1},
		},
		{
			name:       "still live keeps the count",
			live:       []LiveBroadcast{{Username: "alice", BroadcastID: "b1", ViewerCount: 20}},
			want:       SwapResult{Live: 1, WentOff: 1},
			wantLive:   map[string]int{"alice": 20},
			wantTotals: map[string]int{"alice": 1, "bob": 1},
		},
		{
			name:       "nobody live",
			live:       nil,
			want:       SwapResult{WentOff: 1},
			wantLive:   map[string]int{},
			wantTotals: map[string]int{"alice": 1, "bob": 1},
		},
		{
			name:       "back online counts again",
			live:       []LiveBroadcast{{Username: "alice", BroadcastID: "b2", ViewerCount: 3}},
			want:       SwapResult{Live: 1, WentOnline: 1},
			wantLive:   map[string]int{"alice": 3},
			wantTotals: map[string]int{"alice": 2, "bob": 1},
		},
	}

	for _, step := range steps {
		clock = clock.Add(time.Minute)

		got, err := s.ReplaceLive(ctx, step.live)
		require.NoError(t, err, step.name)
		assert.Equal(t, step.want, got, step.name)

		accounts := accountsByName(t, s)
		for name, a := range accounts {
			viewers, live := step.wantLive[name]
			assert.Equal(t, live, a.IsLive, "%s: %s is_live", step.name, name)
			if live {
				assert.Equal(t, viewers, a.ViewerCount, "%s: %s viewers", step.name, name)
				require.True(t, a.LastLiveAt.Valid)
				assert.True(t, a.LastLiveAt.Time.Equal(clock), "%s: %s last_live_at", step.name, name)
			} else {
				assert.Zero(t, a.ViewerCount, "%s: %s viewers", step.name, name)
			}
			assert.Equal(t, step.wantTotals[name], a.TotalLives, "%s: %s total_lives", step.name, name)
		}
	}

	accounts := accountsByName(t, s)
	assert.Equal(t, "b2", accounts["alice"].BroadcastID.String)
	assert.False(t, accounts["bob"].BroadcastID.Valid)
}

func TestReplaceLive_KeepsConfiguredLink(t *testing.T) {
	db := testutil.NewDB(t)
	s := NewStore(db, logger.NewNop())

	_, err := db.Exec(
		`INSERT INTO insta_links (username, link, last_updated) VALUES (?, ?, ?)`,
		"carol", "https://instagram.com/carol.official", testutil.Now(),
	)
	require.NoError(t, err)

	got, err := s.ReplaceLive(context.Background(), []LiveBroadcast{
		{Username: "carol", ViewerCount: 1},
		{Username: "dave", ViewerCount: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, SwapResult{Live: 2, WentOnline: 2}, got)

	accounts := accountsByName(t, s)
	assert.Equal(t, "https://instagram.com/carol.official", accounts["carol"].Link.String)
	assert.Equal(t, ProfileLink("dave"), accounts["dave"].Link.String)
	assert.Equal(t, 1, accounts["carol"].TotalLives)
}
