package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tgbot-jobs/internal/telegram"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
)

func mustPayload(t *testing.T, text string) domain.Payload {
	t.Helper()
	p, err := domain.ParsePayload(text)
	require.NoError(t, err)
	return p
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry("tgms", logger.NewNop())
	r.Register("send_to_groups", func(context.Context, *sqlx.DB, domain.Payload) error { return nil })
	r.Register("register_group", func(context.Context, *sqlx.DB, domain.Payload) error { return nil })
	r.Alias("broadcast", "send_to_groups")

	tests := []struct {
		jobType  string
		wantName string
		wantErr  bool
	}{
		{jobType: "send_to_groups", wantName: "send_to_groups"},
		{jobType: "tgms:send_to_groups", wantName: "send_to_groups"},
		{jobType: "tgms_send_to_groups", wantName: "send_to_groups"},
		{jobType: "TGMS:Send-To-Groups", wantName: "send_to_groups"},
		{jobType: "tgms:broadcast", wantName: "send_to_groups"},
		{jobType: "register-group", wantName: "register_group"},
		{jobType: "main:send_to_groups", wantErr: true},
		{jobType: "tgms:", wantErr: true},
		{jobType: "unknown", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.jobType, func(t *testing.T) {
			h, name, err := r.Resolve(tt.jobType)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrUnknownJobType)
				assert.True(t, domain.IsPermanent(err))
				assert.Nil(t, h)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, h)
			assert.Equal(t, tt.wantName, name)
		})
	}

	assert.Equal(t, []string{"register_group", "send_to_groups"}, r.JobTypes())
}

func TestRegistry_WithoutNamespaceKeepsPrefixes(t *testing.T) {
	r := NewRegistry("", logger.NewNop())
	r.Register("broadcast_message", func(context.Context, *sqlx.DB, domain.Payload) error { return nil })

	_, _, err := r.Resolve("tgms:broadcast_message")
	assert.ErrorIs(t, err, domain.ErrUnknownJobType)

	_, name, err := r.Resolve("broadcast-message")
	require.NoError(t, err)
	assert.Equal(t, "broadcast_message", name)
}

type recorder struct {
	calls []string
}

func (rec *recorder) handler(name string) UpdateHandler {
	return func(_ context.Context, _ *sqlx.DB, u *telegram.Update) error {
		rec.calls = append(rec.calls, name)
		return nil
	}
}

func TestRegistry_UpdateRouting(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry("", logger.NewNop())
	r.HandleUpdates(UpdateRoutes{
		Commands: map[string]UpdateHandler{
			"start": rec.handler("start"),
		},
		Callbacks: map[string]UpdateHandler{
			"my_account": rec.handler("my_account"),
			"lang":       rec.handler("lang"),
		},
		JoinRequest: rec.handler("join"),
	})

	tests := []struct {
		name    string
		jobType string
		payload string
		want    []string
	}{
		{name: "command", jobType: "update", payload: `{"message":{"text":"/start 7","from":{"id":42}}}`, want: []string{"start"}},
		{name: "command with bot suffix", jobType: "process_telegram_update", payload: `{"message":{"text":"/start@bot","from":{"id":42}}}`, want: []string{"start"}},
		{name: "unknown command", jobType: "update", payload: `{"message":{"text":"/nope","from":{"id":42}}}`},
		{name: "callback", jobType: "update", payload: `{"callback_query":{"id":"1","from":{"id":1},"data":"my_account"}}`, want: []string{"my_account"}},
		{name: "callback prefix", jobType: "update", payload: `{"callback_query":{"id":"1","from":{"id":1},"data":"lang:en"}}`, want: []string{"lang"}},
		{name: "join request", jobType: "update", payload: `{"chat_join_request":{"chat":{"id":-1},"from":{"id":5}}}`, want: []string{"join"}},
		{name: "chat member without route", jobType: "update", payload: `{"my_chat_member":{"chat":{"id":-1}}}`},
		{name: "plain message without route", jobType: "update", payload: `{"message":{"text":"hi"}}`},
		{name: "nothing recognisable", jobType: "update", payload: `{"poll":{"id":"1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.calls = nil
			err := r.Dispatch(context.Background(), nil, tt.jobType, mustPayload(t, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.calls)
		})
	}
}

func TestRegistry_UpdateDecodeFailureIsMalformed(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry("", logger.NewNop())
	r.HandleUpdates(UpdateRoutes{Commands: map[string]UpdateHandler{"start": rec.handler("start")}})

	err := r.Dispatch(context.Background(), nil, "update", mustPayload(t, `{"message":"not an object"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.True(t, domain.IsPermanent(err))
	assert.Empty(t, rec.calls)
}

func TestRegistry_HandlerErrorPassesThrough(t *testing.T) {
	boom := errors.New("telegram unreachable")
	r := NewRegistry("tgms", logger.NewNop())
	r.Register("update_member_counts", func(context.Context, *sqlx.DB, domain.Payload) error { return boom })

	err := r.Dispatch(context.Background(), nil, "tgms:update_member_counts", mustPayload(t, `{}`))
	assert.ErrorIs(t, err, boom)
	assert.False(t, domain.IsPermanent(err))
}
