package tgms_test

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tgbot-jobs/internal/dispatch"
	"github.com/cuongbtq/tgbot-jobs/internal/telegram"
	"github.com/cuongbtq/tgbot-jobs/internal/testutil"
	"github.com/cuongbtq/tgbot-jobs/internal/tgms"
	"github.com/cuongbtq/tgbot-jobs/internal/tgms/storage"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
)

type fixture struct {
	db       *sqlx.DB
	fake     *testutil.FakeTelegram
	registry *dispatch.Registry
	store    *storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	fake := testutil.NewFakeTelegram(t)
	client := telegram.NewClient(telegram.ClientConfig{
		BaseURL: fake.URL,
		Token:   "456:def",
		Logger:  logger.NewNop(),
	})

	registry := dispatch.NewRegistry(tgms.Namespace, logger.NewNop())
	tgms.New(client, logger.NewNop()).Register(registry)

	return &fixture{db: db, fake: fake, registry: registry, store: storage.NewStore(db)}
}

func (f *fixture) dispatch(t *testing.T, jobType, payload string) error {
	t.Helper()
	p, err := domain.ParsePayload(payload)
	require.NoError(t, err)
	return f.registry.Dispatch(context.Background(), f.db, jobType, p)
}

func (f *fixture) group(t *testing.T, id int64) *storage.ManagedGroup {
	t.Helper()
	g, err := f.store.GetGroup(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (f *fixture) addGroup(t *testing.T, id int64) {
	t.Helper()
	require.NoError(t, f.store.UpsertGroup(context.Background(), id, fmt.Sprintf("group %d", id), 1))
}

func joinRequest(chatID, userID int64) string {
	return fmt.Sprintf(`{"update_id":10,"chat_join_request":{"chat":{"id":%d,"type":"supergroup"},"from":{"id":%d,"username":"neo"},"date":1}}`, chatID, userID)
}

func myChatMember(chatID int64, status string) string {
	return fmt.Sprintf(`{"update_id":11,"my_chat_member":{"chat":{"id":%d,"type":"supergroup","title":"Matrix"},"from":{"id":7},"date":1,"old_chat_member":{"user":{"id":1},"status":"member"},"new_chat_member":{"user":{"id":1},"status":%q}}}`, chatID, status)
}

func TestProcessJoinRequest(t *testing.T) {
	tests := []struct {
		name          string
		jobType       string
		seed          func(t *testing.T, f *fixture)
		payload       string
		wantErr       bool
		wantPermanent bool
		wantApproves  int
		wantStatus    string
	}{
		{
			name:         "managed group approves",
			jobType:      "tgms:process_join_request",
			seed:         func(t *testing.T, f *fixture) { f.addGroup(t, -100) },
			payload:      joinRequest(-100, 5),
			wantApproves: 1,
			wantStatus:   storage.JoinApproved,
		},
		{
			name:         "underscore namespace and generic update",
			jobType:      "tgms_process_telegram_update",
			seed:         func(t *testing.T, f *fixture) { f.addGroup(t, -100) },
			payload:      joinRequest(-100, 5),
			wantApproves: 1,
			wantStatus:   storage.JoinApproved,
		},
		{
			name:          "unmanaged group is permanent",
			jobType:       "process_join_request",
			payload:       joinRequest(-100, 5),
			wantErr:       true,
			wantPermanent: true,
		},
		{
			name:    "inactive group is permanent",
			jobType: "process_join_request",
			seed: func(t *testing.T, f *fixture) {
				f.addGroup(t, -100)
				require.NoError(t, f.store.Deactivate(context.Background(), -100))
			},
			payload:       joinRequest(-100, 5),
			wantErr:       true,
			wantPermanent: true,
		},
		{
			name:          "missing sub-fields is permanent",
			jobType:       "process_join_request",
			payload:       `{"update_id":12}`,
			wantErr:       true,
			wantPermanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.seed != nil {
				tt.seed(t, f)
			}

			err := f.dispatch(t, tt.jobType, tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantPermanent, domain.IsPermanent(err))
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, f.fake.Calls("approveChatJoinRequest"), tt.wantApproves)

			if tt.wantStatus != "" {
				req, err := f.store.GetJoinRequest(context.Background(), 5, -100)
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, req.Status)
				assert.Equal(t, "neo", req.Username.String)
			}
		})
	}
}

func TestProcessJoinRequest_ApproveFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, -100)
	f.fake.Fail("approveChatJoinRequest", http.StatusBadRequest, "Bad Request: HIDE_REQUESTER_MISSING")

	err := f.dispatch(t, "process_join_request", joinRequest(-100, 5))
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))

	req, err := f.store.GetJoinRequest(context.Background(), 5, -100)
	require.NoError(t, err)
	assert.Equal(t, storage.JoinFailed, req.Status)
}

func TestRegisterGroup(t *testing.T) {
	f := newFixture(t)
	f.fake.Respond("getChatMemberCount", func(testutil.TelegramCall) any { return 321 })

	require.NoError(t, f.dispatch(t, "tgms:register_group", myChatMember(-200, "administrator")))
	g := f.group(t, -200)
	assert.True(t, g.IsActive)
	assert.Equal(t, "Matrix", g.Title.String)
	assert.Equal(t, int64(7), g.AdminUserID.Int64)
	assert.Equal(t, 321, g.MemberCount)

	require.NoError(t, f.dispatch(t, "update", myChatMember(-200, "kicked")))
	assert.False(t, f.group(t, -200).IsActive)

	require.NoError(t, f.dispatch(t, "register_group", myChatMember(-200, "creator")))
	assert.True(t, f.group(t, -200).IsActive)

	require.NoError(t, f.dispatch(t, "register_group", myChatMember(-300, "member")))
	_, err := f.store.GetGroup(context.Background(), -300)
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)

	require.NoError(t, f.dispatch(t, "register_group", myChatMember(-400, "left")))
}

func TestRegisterGroup_MemberCountFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	f.fake.Fail("getChatMemberCount", http.StatusBadGateway, "Bad Gateway")

	require.NoError(t, f.dispatch(t, "register_group", myChatMember(-200, "administrator")))
	assert.Equal(t, 0, f.group(t, -200).MemberCount)
}

var debugCode = regexp.MustCompile(`DBG:[0-9A-F]{6}$`)

func TestSendToGroups(t *testing.T) {
	ctx := context.Background()

	t.Run("text with debug code", func(t *testing.T) {
		f := newFixture(t)
		f.addGroup(t, -1)
		f.addGroup(t, -2)

		require.NoError(t, f.dispatch(t, "tgms:send_to_groups", `{"text":"Live now"}`))

		calls := f.fake.Calls("sendMessage")
		require.Len(t, calls, 2)
		for _, c := range calls {
			assert.Regexp(t, `^Live now\n\nDBG:[0-9A-F]{6}$`, c.String("text"))
		}

		for _, id := range []int64{-1, -2} {
			sent, err := f.store.SentMessages(ctx, id)
			require.NoError(t, err)
			require.Len(t, sent, 1)
			assert.Regexp(t, debugCode, sent[0].DebugCode)
			assert.NotZero(t, sent[0].MessageID)
		}
	})

	t.Run("photo with caption", func(t *testing.T) {
		f := newFixture(t)
		f.addGroup(t, -1)

		require.NoError(t, f.dispatch(t, "send_to_groups", `{"photo_url":"https://example.com/a.jpg","caption":"Look"}`))
		calls := f.fake.Calls("sendPhoto")
		require.Len(t, calls, 1)
		assert.Equal(t, "https://example.com/a.jpg", calls[0].String("photo"))
		assert.Regexp(t, `^Look\n\nDBG:`, calls[0].String("caption"))
	})

	t.Run("group_ids limits targets", func(t *testing.T) {
		f := newFixture(t)
		f.addGroup(t, -1)
		f.addGroup(t, -2)

		require.NoError(t, f.dispatch(t, "send_to_groups", `{"text":"hi","group_ids":[-2]}`))
		calls := f.fake.Calls("sendMessage")
		require.Len(t, calls, 1)
		assert.Equal(t, int64(-2), calls[0].Int("chat_id"))
	})

	t.Run("no active groups succeeds", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.dispatch(t, "send_to_groups", `{"text":"hi"}`))
		assert.Empty(t, f.fake.Calls("sendMessage"))
	})

	t.Run("deactivates after three failures", func(t *testing.T) {
		f := newFixture(t)
		f.addGroup(t, -1)
		f.addGroup(t, -2)
		f.fake.FailChat("sendMessage", -1, http.StatusForbidden, "Forbidden: bot was kicked from the supergroup chat")

		for i := 0; i < tgms.MaxSendFailures; i++ {
			require.NoError(t, f.dispatch(t, "send_to_groups", `{"text":"hi"}`))
		}
		g := f.group(t, -1)
		assert.False(t, g.IsActive)
		assert.Equal(t, tgms.MaxSendFailures, g.ConsecutiveFailures)
		assert.True(t, f.group(t, -2).IsActive)

		// promoting the bot again starts a fresh streak
		require.NoError(t, f.store.UpsertGroup(ctx, -1, "back", 1))
		assert.Equal(t, 0, f.group(t, -1).ConsecutiveFailures)
	})

	t.Run("all failing is retryable", func(t *testing.T) {
		f := newFixture(t)
		f.addGroup(t, -1)
		f.fake.Fail("sendMessage", http.StatusTooManyRequests, "Too Many Requests: retry after 3")

		err := f.dispatch(t, "send_to_groups", `{"text":"hi"}`)
		require.Error(t, err)
		assert.False(t, domain.IsPermanent(err))
		assert.Equal(t, 1, f.group(t, -1).ConsecutiveFailures)
	})
}

func TestUpdateMemberCounts(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, -1)
	f.addGroup(t, -2)
	f.fake.Respond("getChatMemberCount", func(c testutil.TelegramCall) any { return -c.Int("chat_id") * 100 })

	require.NoError(t, f.dispatch(t, "tgms:update_member_counts", `{}`))
	assert.Equal(t, 100, f.group(t, -1).MemberCount)
	assert.Equal(t, 200, f.group(t, -2).MemberCount)
}

func TestRecordActivityAndKickInactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addGroup(t, -1)

	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	recent := time.Now().Add(-2 * 24 * time.Hour).Unix()
	for _, m := range []struct {
		user int64
		date int64
	}{{1, old}, {2, recent}, {3, old}} {
		update := fmt.Sprintf(`{"update_id":20,"message":{"message_id":1,"date":%d,"text":"hi","from":{"id":%d,"username":"u%d"},"chat":{"id":-1,"type":"group"}}}`, m.date, m.user, m.user)
		require.NoError(t, f.dispatch(t, "tgms:process_telegram_update", update))
	}
	private := `{"update_id":21,"message":{"message_id":1,"text":"hi","from":{"id":9},"chat":{"id":9,"type":"private"}}}`
	require.NoError(t, f.dispatch(t, "update", private))

	require.NoError(t, f.dispatch(t, "kick_inactive_members", `{}`))

	bans := f.fake.Calls("banChatMember")
	require.Len(t, bans, 2)
	assert.ElementsMatch(t, []int64{1, 3}, []int64{bans[0].Int("user_id"), bans[1].Int("user_id")})
	assert.Len(t, f.fake.Calls("unbanChatMember"), 2)

	remaining, err := f.store.InactiveMembers(ctx, -1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(2), remaining[0].UserID)

	inactive, err := f.store.InactiveMembers(ctx, -9, time.Now())
	require.NoError(t, err)
	assert.Empty(t, inactive)
}

func TestKickInactive_RefusedMemberIsForgotten(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addGroup(t, -1)
	require.NoError(t, f.store.RecordActivity(ctx, 1, -1, "admin", time.Now().Add(-10*24*time.Hour)))
	f.fake.Fail("banChatMember", http.StatusBadRequest, "Bad Request: can't remove chat owner")

	require.NoError(t, f.dispatch(t, "kick_inactive_members", `{"inactive_days":5,"group_id":-1}`))

	remaining, err := f.store.InactiveMembers(ctx, -1, time.Now())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestKickInactive_TransientErrorRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addGroup(t, -1)
	require.NoError(t, f.store.RecordActivity(ctx, 1, -1, "", time.Now().Add(-60*24*time.Hour)))
	f.fake.Fail("banChatMember", http.StatusInternalServerError, "Internal Server Error")

	err := f.dispatch(t, "kick_inactive_members", `{}`)
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))

	remaining, err := f.store.InactiveMembers(ctx, -1, time.Now())
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
