package bot_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tgbot-jobs/internal/bot"
	"github.com/cuongbtq/tgbot-jobs/internal/bot/storage"
	"github.com/cuongbtq/tgbot-jobs/internal/dispatch"
	"github.com/cuongbtq/tgbot-jobs/internal/telegram"
	"github.com/cuongbtq/tgbot-jobs/internal/testutil"
	"github.com/cuongbtq/tgbot-jobs/internal/worker"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	jobstorage "github.com/cuongbtq/tgbot-jobs/internal/worker/storage"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
)

type fixture struct {
	db       *sqlx.DB
	fake     *testutil.FakeTelegram
	registry *dispatch.Registry
	users    *storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	fake := testutil.NewFakeTelegram(t)
	client := telegram.NewClient(telegram.ClientConfig{
		BaseURL: fake.URL,
		Token:   "123:abc",
		Logger:  logger.NewNop(),
	})

	registry := dispatch.NewRegistry("", logger.NewNop())
	bot.New(client, logger.NewNop()).Register(registry)

	return &fixture{db: db, fake: fake, registry: registry, users: storage.New(db)}
}

func (f *fixture) dispatch(t *testing.T, jobType, payload string) error {
	t.Helper()
	p, err := domain.ParsePayload(payload)
	require.NoError(t, err)
	return f.registry.Dispatch(context.Background(), f.db, jobType, p)
}

func (f *fixture) addUser(t *testing.T, id int64, points int, lastSeen time.Time) {
	t.Helper()
	require.NoError(t, f.users.CreateUser(context.Background(), storage.User{
		ID:       id,
		Points:   points,
		LastSeen: lastSeen,
	}))
}

func (f *fixture) user(t *testing.T, id int64) *storage.User {
	t.Helper()
	u, err := f.users.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) lastReply(t *testing.T) testutil.TelegramCall {
	t.Helper()
	calls := f.fake.Calls("sendMessage")
	require.NotEmpty(t, calls)
	return calls[len(calls)-1]
}

func startUpdate(userID int64, text string) string {
	return fmt.Sprintf(`{"update_id":1,"message":{"message_id":1,"text":%q,"from":{"id":%d,"first_name":"Ann"},"chat":{"id":%d,"type":"private"}}}`, text, userID, userID)
}

func callbackUpdate(userID int64, data string) string {
	return fmt.Sprintf(`{"update_id":2,"callback_query":{"id":"cb1","data":%q,"from":{"id":%d},"message":{"message_id":5,"chat":{"id":%d}}}}`, data, userID, userID)
}

func groupCommand(chatID, userID int64, text string) string {
	return fmt.Sprintf(`{"update_id":3,"message":{"message_id":1,"text":%q,"from":{"id":%d},"chat":{"id":%d,"type":"supergroup","title":"Fans"}}}`, text, userID, chatID)
}

func TestStart_ThroughWorker(t *testing.T) {
	f := newFixture(t)
	jobs := jobstorage.NewStorage(f.db, logger.NewNop())
	w := worker.New(worker.Config{
		Logger:     logger.NewNop(),
		Store:      jobs,
		Dispatcher: f.registry,
		DB:         f.db,
		MaxRetries: domain.DefaultMaxRetries,
	})

	ctx := context.Background()
	startJob, err := jobs.Enqueue(ctx, domain.NewJob{
		JobType: "update",
		Payload: `{"message":{"text":"/start","from":{"id":42}}}`,
	})
	require.NoError(t, err)
	badJob, err := jobs.Enqueue(ctx, domain.NewJob{JobType: "update", Payload: "{not valid json"})
	require.NoError(t, err)

	claimed, err := w.Iterate(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	stored, err := jobs.GetJobByID(ctx, startJob.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, bot.DailyPoints, f.user(t, 42).Points)

	reply := f.lastReply(t)
	assert.Equal(t, int64(42), reply.Int("chat_id"))
	assert.Contains(t, reply.String("text"), "You have been given 10 points")

	claimed, err = w.Iterate(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	stored, err = jobs.GetJobByID(ctx, badJob.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Retries)
	assert.Len(t, f.fake.Calls("sendMessage"), 1)
}

func TestStart(t *testing.T) {
	now := time.Now().UTC()
	yesterday := now.Add(-24 * time.Hour)

	tests := []struct {
		name          string
		seed          func(t *testing.T, f *fixture)
		text          string
		wantPoints    int
		wantGreeting  string
		referrer      int64
		wantReferrer  int
		wantTxTypes   []string
		wantNotifyRef bool
	}{
		{
			name:         "new user",
			text:         "/start",
			wantPoints:   10,
			wantGreeting: "Welcome, Ann! You have been given 10 points.",
			wantTxTypes:  []string{storage.TxSignup},
		},
		{
			name:          "referral credits referrer",
			seed:          func(t *testing.T, f *fixture) { f.addUser(t, 7, 4, now) },
			text:          "/start 7",
			wantPoints:    10,
			wantGreeting:  "Welcome, Ann!",
			referrer:      7,
			wantReferrer:  14,
			wantTxTypes:   []string{storage.TxSignup},
			wantNotifyRef: true,
		},
		{
			name:         "unknown referrer ignored",
			text:         "/start 999",
			wantPoints:   10,
			wantGreeting: "Welcome, Ann!",
			wantTxTypes:  []string{storage.TxSignup},
		},
		{
			name:         "self referral ignored",
			text:         "/start 42",
			wantPoints:   10,
			wantGreeting: "Welcome, Ann!",
			wantTxTypes:  []string{storage.TxSignup},
		},
		{
			name:         "same day keeps balance",
			seed:         func(t *testing.T, f *fixture) { f.addUser(t, 42, 3, now) },
			text:         "/start",
			wantPoints:   3,
			wantGreeting: "Welcome back! You have 3 points.",
		},
		{
			name:         "new day resets balance",
			seed:         func(t *testing.T, f *fixture) { f.addUser(t, 42, 3, yesterday) },
			text:         "/start",
			wantPoints:   10,
			wantGreeting: "Your points have been reset to 10 for the day!",
			wantTxTypes:  []string{storage.TxDailyReset},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.seed != nil {
				tt.seed(t, f)
			}

			require.NoError(t, f.dispatch(t, "process_telegram_update", startUpdate(42, tt.text)))

			user := f.user(t, 42)
			assert.Equal(t, tt.wantPoints, user.Points)
			assert.Equal(t, tt.referrer != 0, user.ReferredByID.Valid)

			txs, err := f.users.Transactions(context.Background(), 42)
			require.NoError(t, err)
			var types []string
			for _, tx := range txs {
				types = append(types, tx.TransactionType)
			}
			assert.Equal(t, tt.wantTxTypes, types)

			reply := f.lastReply(t)
			assert.Equal(t, int64(42), reply.Int("chat_id"))
			assert.Contains(t, reply.String("text"), tt.wantGreeting)
			assert.Contains(t, reply.Params, "reply_markup")

			if tt.referrer != 0 {
				assert.Equal(t, tt.wantReferrer, f.user(t, tt.referrer).Points)
				refTxs, err := f.users.Transactions(context.Background(), tt.referrer)
				require.NoError(t, err)
				require.Len(t, refTxs, 1)
				assert.Equal(t, storage.TxReferral, refTxs[0].TransactionType)
				assert.Equal(t, "42", refTxs[0].ReferenceID)
			}

			var notified bool
			for _, c := range f.fake.Calls("sendMessage") {
				if tt.referrer != 0 && c.Int("chat_id") == tt.referrer {
					notified = true
				}
			}
			assert.Equal(t, tt.wantNotifyRef, notified)
		})
	}
}

func TestStart_RunTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatch(t, "update", startUpdate(42, "/start")))
	require.NoError(t, f.dispatch(t, "update", startUpdate(42, "/start")))

	assert.Equal(t, 10, f.user(t, 42).Points)
	txs, err := f.users.Transactions(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestStart_BlockedUserIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.fake.Fail("sendMessage", http.StatusForbidden, "Forbidden: bot was blocked by the user")

	err := f.dispatch(t, "update", startUpdate(42, "/start"))
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Equal(t, 10, f.user(t, 42).Points)
}

func TestCheckLive(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name         string
		points       int
		subscription time.Duration
		wantPoints   int
		wantText     string
	}{
		{name: "spends a point", points: 2, wantPoints: 1, wantText: "@alice (120 viewers)"},
		{name: "no points left", points: 0, wantPoints: 0, wantText: "no points left"},
		{name: "subscription is unlimited", points: 0, subscription: time.Hour, wantPoints: 0, wantText: "@alice"},
		{name: "expired subscription spends", points: 1, subscription: -time.Hour, wantPoints: 0, wantText: "@alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addUser(t, 42, tt.points, now)
			if tt.subscription != 0 {
				require.NoError(t, f.users.SetSubscription(context.Background(), 42, now.Add(tt.subscription)))
			}
			_, err := f.db.Exec(`INSERT INTO insta_links (username, link, viewer_count, is_live, last_updated) VALUES ('alice', 'https://instagram.com/alice/live', 120, TRUE, ?), ('bob', NULL, 0, FALSE, ?)`, now, now)
			require.NoError(t, err)

			require.NoError(t, f.dispatch(t, "update", callbackUpdate(42, bot.CallbackCheckLive)))

			assert.Equal(t, tt.wantPoints, f.user(t, 42).Points)
			reply := f.lastReply(t)
			assert.Contains(t, reply.String("text"), tt.wantText)
			assert.NotContains(t, reply.String("text"), "@bob")
			assert.Len(t, f.fake.Calls("answerCallbackQuery"), 1)
		})
	}
}

func TestCheckLive_RetryAfterFailedReplyChargesOnce(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 42, 10, time.Now().UTC())
	f.fake.Fail("sendMessage", http.StatusInternalServerError, "Internal Server Error")

	for i := 0; i < 3; i++ {
		err := f.dispatch(t, "update", callbackUpdate(42, bot.CallbackCheckLive))
		require.Error(t, err)
		assert.False(t, domain.IsPermanent(err))
		assert.Equal(t, 9, f.user(t, 42).Points, "attempt %d", i+1)
	}

	f.fake.Clear("sendMessage")
	require.NoError(t, f.dispatch(t, "update", callbackUpdate(42, bot.CallbackCheckLive)))
	assert.Equal(t, 9, f.user(t, 42).Points)
	assert.Contains(t, f.lastReply(t).String("text"), "Nobody is live")

	txs, err := f.users.Transactions(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, storage.TxLiveCheck, txs[0].TransactionType)
	assert.Equal(t, -1, txs[0].Amount)
	assert.Equal(t, "cb1", txs[0].ReferenceID)

	// A new button press is a new charge.
	other := strings.Replace(callbackUpdate(42, bot.CallbackCheckLive), `"cb1"`, `"cb2"`, 1)
	require.NoError(t, f.dispatch(t, "update", other))
	assert.Equal(t, 8, f.user(t, 42).Points)
}

func TestCheckLive_UnregisteredUser(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatch(t, "update", callbackUpdate(42, bot.CallbackCheckLive)))
	assert.Contains(t, f.lastReply(t).String("text"), "/start")
}

func TestMyAccount(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 42, 6, time.Now().UTC())

	require.NoError(t, f.dispatch(t, "update", callbackUpdate(42, bot.CallbackMyAccount)))
	text := f.lastReply(t).String("text")
	assert.Contains(t, text, "Points: 6")
	assert.Contains(t, text, "Subscription: none")
}

func TestBack(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatch(t, "update", callbackUpdate(42, bot.CallbackBack)))
	assert.Contains(t, f.lastReply(t).Params, "reply_markup")
}

func TestInitAndActivate(t *testing.T) {
	ctx := context.Background()
	const chatID, adminID = int64(-100123), int64(9)

	f := newFixture(t)
	require.NoError(t, f.dispatch(t, "update", groupCommand(chatID, adminID, "/init")))
	assert.Contains(t, f.lastReply(t).String("text"), "Only group administrators")
	_, err := f.users.GetGroup(ctx, chatID)
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)

	f.fake.Respond("getChatMember", func(c testutil.TelegramCall) any {
		return map[string]any{"user": map[string]any{"id": c.Int("user_id")}, "status": "administrator"}
	})

	require.NoError(t, f.dispatch(t, "update", groupCommand(chatID, adminID, "/activate")))
	assert.Contains(t, f.lastReply(t).String("text"), "/init first")

	require.NoError(t, f.dispatch(t, "update", groupCommand(chatID, adminID, "/init@LiveBot")))
	group, err := f.users.GetGroup(ctx, chatID)
	require.NoError(t, err)
	assert.False(t, group.IsActive)
	assert.Equal(t, "Fans", group.Title.String)
	assert.Equal(t, adminID, group.AdminUserID.Int64)

	require.NoError(t, f.dispatch(t, "update", groupCommand(chatID, 10, "/activate")))
	assert.Contains(t, f.lastReply(t).String("text"), "registered this group")

	require.NoError(t, f.dispatch(t, "update", groupCommand(chatID, adminID, "/activate")))
	group, err = f.users.GetGroup(ctx, chatID)
	require.NoError(t, err)
	assert.True(t, group.IsActive)
}

func TestInit_PrivateChat(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatch(t, "update", startUpdate(42, "/init")))
	assert.Contains(t, f.lastReply(t).String("text"), "only works in groups")
	assert.Empty(t, f.fake.Calls("getChatMember"))
}

func TestJoinRequest_Approves(t *testing.T) {
	f := newFixture(t)
	update := `{"update_id":4,"chat_join_request":{"chat":{"id":-100,"type":"supergroup"},"from":{"id":42},"date":1}}`

	require.NoError(t, f.dispatch(t, "process_telegram_update", update))
	calls := f.fake.Calls("approveChatJoinRequest")
	require.Len(t, calls, 1)
	assert.Equal(t, int64(-100), calls[0].Int("chat_id"))
	assert.Equal(t, int64(42), calls[0].Int("user_id"))
}

func activeGroup(t *testing.T, f *fixture, chatID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.users.RegisterGroup(ctx, chatID, "", 1))
	require.NoError(t, f.users.ActivateGroup(ctx, chatID))
}

func TestBroadcast(t *testing.T) {
	t.Run("no active groups succeeds", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.dispatch(t, "broadcast_message", `{"text":"hello"}`))
		assert.Empty(t, f.fake.Calls("sendMessage"))
	})

	t.Run("missing text is a no-op", func(t *testing.T) {
		f := newFixture(t)
		activeGroup(t, f, -1)
		require.NoError(t, f.dispatch(t, "broadcast", `{}`))
		assert.Empty(t, f.fake.Calls("sendMessage"))
	})

	t.Run("failing group is deactivated after three failures", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		activeGroup(t, f, -1)
		activeGroup(t, f, -2)
		f.fake.FailChat("sendMessage", -2, http.StatusForbidden, "Forbidden: bot was kicked")

		for i := 1; i <= bot.MaxSendFailures; i++ {
			require.NoError(t, f.dispatch(t, "broadcast", `{"text":"hello"}`))
			group, err := f.users.GetGroup(ctx, -2)
			require.NoError(t, err)
			assert.Equal(t, i, group.ConsecutiveFailures)
			assert.Equal(t, i < bot.MaxSendFailures, group.IsActive)
		}

		groups, err := f.users.ActiveGroups(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, int64(-1), groups[0].ChatID)
	})

	t.Run("all sends failing is retryable", func(t *testing.T) {
		f := newFixture(t)
		activeGroup(t, f, -1)
		f.fake.Fail("sendMessage", http.StatusInternalServerError, "Internal Server Error")

		err := f.dispatch(t, "broadcast_message", `{"text":"hello"}`)
		require.Error(t, err)
		assert.False(t, domain.IsPermanent(err))
	})
}

func TestStore_SpendPointNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 42, 1, time.Now().UTC())
	ctx := context.Background()

	ok, err := f.users.SpendPoint(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.users.SpendPoint(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.user(t, 42).Points)

	ok, err = f.users.SpendPoint(ctx, 404)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UserNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.GetUser(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	var nt sql.NullTime
	assert.False(t, (&storage.User{SubscriptionEnd: nt}).HasSubscription(time.Now()))
}
