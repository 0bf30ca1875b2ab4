// Package tgms implements the group-management bot: join approval, group
// registration, broadcasts to managed groups and inactive member cleanup.
package tgms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/internal/dispatch"
	"github.com/cuongbtq/tgbot-jobs/internal/telegram"
	"github.com/cuongbtq/tgbot-jobs/internal/tgms/storage"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
)

// Namespace prefixes the job types this bot owns, as in "tgms:send_to_groups".
const Namespace = "tgms"

// Job types.
const (
	JobTypeJoinRequest   = "process_join_request"
	JobTypeRegisterGroup = "register_group"
	JobTypeSendToGroups  = "send_to_groups"
	JobTypeMemberCounts  = "update_member_counts"
	JobTypeKickInactive  = "kick_inactive_members"
)

const (
	// MaxSendFailures deactivates a group after this many failed sends in a row.
	MaxSendFailures = 3
	// DefaultInactiveDays is used when kick_inactive_members has no inactive_days.
	DefaultInactiveDays = 30
)

// Messenger is the part of the Bot API the handlers use.
type Messenger interface {
	SendMessage(ctx context.Context, msg telegram.SendMessageRequest) (*telegram.Message, error)
	SendPhoto(ctx context.Context, msg telegram.SendPhotoRequest) (*telegram.Message, error)
	ApproveChatJoinRequest(ctx context.Context, chatID, userID int64) error
	BanChatMember(ctx context.Context, chatID, userID int64) error
	UnbanChatMember(ctx context.Context, chatID, userID int64) error
	GetChatMemberCount(ctx context.Context, chatID int64) (int, error)
}

type Handlers struct {
	tg     Messenger
	logger *slog.Logger
	now    func() time.Time
}

func New(tg Messenger, logger *slog.Logger) *Handlers {
	return &Handlers{
		tg:     tg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register binds the tgms job types on r. r should carry Namespace so prefixed
// job types resolve.
func (h *Handlers) Register(r *dispatch.Registry) {
	r.Register(JobTypeJoinRequest, h.updateJob(h.processJoinRequest))
	r.Register(JobTypeRegisterGroup, h.updateJob(h.registerGroup))
	r.Register(JobTypeSendToGroups, h.sendToGroups)
	r.Register(JobTypeMemberCounts, h.updateMemberCounts)
	r.Register(JobTypeKickInactive, h.kickInactiveMembers)

	r.HandleUpdates(dispatch.UpdateRoutes{
		JoinRequest: h.processJoinRequest,
		ChatMember:  h.registerGroup,
		Message:     h.recordActivity,
	})
}

// updateJob adapts an update handler to a job whose payload is a whole update.
func (h *Handlers) updateJob(fn dispatch.UpdateHandler) dispatch.Handler {
	return func(ctx context.Context, db *sqlx.DB, payload domain.Payload) error {
		var update telegram.Update
		if err := payload.Decode(&update); err != nil {
			return err
		}
		return fn(ctx, db, &update)
	}
}

func (h *Handlers) processJoinRequest(ctx context.Context, db *sqlx.DB, u *telegram.Update) error {
	req := u.ChatJoinRequest
	if req == nil || req.Chat.ID == 0 || req.From.ID == 0 {
		return domain.Permanentf("join request without chat or user")
	}
	chatID, userID := req.Chat.ID, req.From.ID
	st := storage.NewStore(db)

	group, err := st.GetGroup(ctx, chatID)
	if errors.Is(err, storage.ErrGroupNotFound) {
		return domain.Permanentf("join request for unmanaged group %d", chatID)
	}
	if err != nil {
		return err
	}
	if !group.IsActive {
		return domain.Permanentf("join request for inactive group %d", chatID)
	}

	if err := st.SaveJoinRequest(ctx, userID, chatID, req.From.UserName); err != nil {
		return err
	}

	if err := h.tg.ApproveChatJoinRequest(ctx, chatID, userID); err != nil {
		if statusErr := st.SetJoinRequestStatus(ctx, userID, chatID, storage.JoinFailed); statusErr != nil {
			h.logger.Error("Failed to mark join request failed", slog.Any("error", statusErr))
		}
		return telegram.Classify(err)
	}

	h.logger.Info("Join request approved",
		slog.Int64("chat_id", chatID),
		slog.Int64("user_id", userID),
		slog.String("username", req.From.UserName),
	)
	return st.SetJoinRequestStatus(ctx, userID, chatID, storage.JoinApproved)
}

// registerGroup tracks the bot's own membership: promoted to administrator
// registers the group, removed deactivates it.
func (h *Handlers) registerGroup(ctx context.Context, db *sqlx.DB, u *telegram.Update) error {
	change := u.MyChatMember
	if change == nil {
		return nil
	}
	chat := change.Chat
	if chat.ID == 0 {
		return domain.Permanentf("chat member update without chat id")
	}
	st := storage.NewStore(db)

	switch {
	case telegram.IsAdmin(change.NewChatMember):
		if err := st.UpsertGroup(ctx, chat.ID, chat.Title, change.From.ID); err != nil {
			return err
		}
		count, err := h.tg.GetChatMemberCount(ctx, chat.ID)
		if err != nil {
			h.logger.Warn("Could not fetch member count",
				slog.Int64("group_id", chat.ID),
				slog.Any("error", err),
			)
		} else if err := st.UpdateMemberCount(ctx, chat.ID, count); err != nil {
			return err
		}
		h.logger.Info("Managed group registered",
			slog.Int64("group_id", chat.ID),
			slog.String("title", chat.Title),
		)
		return nil

	case telegram.IsGone(change.NewChatMember):
		err := st.Deactivate(ctx, chat.ID)
		if err != nil && !errors.Is(err, storage.ErrGroupNotFound) {
			return err
		}
		h.logger.Info("Bot removed from group", slog.Int64("group_id", chat.ID))
		return nil

	default:
		h.logger.Info("Register group skipped, bot is not an administrator",
			slog.Int64("group_id", chat.ID),
			slog.String("status", change.NewChatMember.Status),
		)
		return nil
	}
}

func (h *Handlers) recordActivity(ctx context.Context, db *sqlx.DB, u *telegram.Update) error {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.From == nil || msg.From.IsBot || !telegram.IsGroupChat(msg.Chat) {
		return nil
	}

	at := h.now()
	if msg.Date > 0 {
		at = time.Unix(int64(msg.Date), 0).UTC()
	}
	return storage.NewStore(db).RecordActivity(ctx, msg.From.ID, msg.Chat.ID, msg.From.UserName, at)
}

type sendPayload struct {
	Text      string  `json:"text"`
	PhotoURL  string  `json:"photo_url"`
	Caption   string  `json:"caption"`
	ParseMode string  `json:"parse_mode"`
	GroupIDs  []int64 `json:"group_ids"`
}

// newDebugCode tags each delivered broadcast so a message seen in a group can be
// traced back to its sent_messages row.
func newDebugCode() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate debug code: %w", err)
	}
	return "DBG:" + strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// sendToGroups broadcasts to every active managed group, or to group_ids when
// given. No target is a success; every send failing is a retryable failure.
func (h *Handlers) sendToGroups(ctx context.Context, db *sqlx.DB, payload domain.Payload) error {
	var p sendPayload
	if err := payload.Decode(&p); err != nil {
		return err
	}
	if p.Text == "" && p.PhotoURL == "" {
		h.logger.Warn("send_to_groups without text or photo_url, nothing to send")
		return nil
	}

	st := storage.NewStore(db)
	groups, err := st.ActiveGroups(ctx, p.GroupIDs...)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		h.logger.Info("No active managed groups to send to")
		return nil
	}

	h.logger.Info("Sending to managed groups", slog.Int("groups", len(groups)))

	var sent int
	var lastErr error
	for _, g := range groups {
		code, err := newDebugCode()
		if err != nil {
			return err
		}

		msg, sendErr := h.send(ctx, g.GroupID, p, code)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if sendErr == nil {
			sent++
			if err := st.LogSentMessage(ctx, g.GroupID, int64(msg.MessageID), code); err != nil {
				return err
			}
			h.logger.Info("Sent to group",
				slog.Int64("group_id", g.GroupID),
				slog.String("debug_code", code),
			)
		} else {
			lastErr = sendErr
			h.logger.Error("Failed to send to group",
				slog.Int64("group_id", g.GroupID),
				slog.Any("error", sendErr),
			)
		}

		deactivated, err := st.RecordSendResult(ctx, g.GroupID, sendErr == nil, MaxSendFailures)
		if err != nil {
			return err
		}
		if deactivated {
			h.logger.Warn("Deactivated group after consecutive failures",
				slog.Int64("group_id", g.GroupID),
				slog.Int("failures", MaxSendFailures),
			)
		}
	}

	h.logger.Info("Broadcast complete",
		slog.Int("sent", sent),
		slog.Int("total", len(groups)),
	)
	if sent == 0 {
		return fmt.Errorf("send_to_groups failed for all %d groups: %w", len(groups), lastErr)
	}
	return nil
}

func (h *Handlers) send(ctx context.Context, groupID int64, p sendPayload, code string) (*telegram.Message, error) {
	if p.PhotoURL != "" {
		caption := code
		if p.Caption != "" {
			caption = p.Caption + "\n\n" + code
		}
		return h.tg.SendPhoto(ctx, telegram.SendPhotoRequest{
			ChatID:    groupID,
			Photo:     p.PhotoURL,
			Caption:   caption,
			ParseMode: p.ParseMode,
		})
	}
	return h.tg.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:    groupID,
		Text:      p.Text + "\n\n" + code,
		ParseMode: p.ParseMode,
	})
}

func (h *Handlers) updateMemberCounts(ctx context.Context, db *sqlx.DB, _ domain.Payload) error {
	st := storage.NewStore(db)
	groups, err := st.ActiveGroups(ctx)
	if err != nil {
		return err
	}

	h.logger.Info("Updating member counts", slog.Int("groups", len(groups)))
	for _, g := range groups {
		count, err := h.tg.GetChatMemberCount(ctx, g.GroupID)
		if err != nil {
			h.logger.Error("Failed to fetch member count",
				slog.Int64("group_id", g.GroupID),
				slog.Any("error", err),
			)
			continue
		}
		if err := st.UpdateMemberCount(ctx, g.GroupID, count); err != nil {
			return err
		}
		h.logger.Debug("Member count updated",
			slog.Int64("group_id", g.GroupID),
			slog.Int("members", count),
		)
	}
	return nil
}

type kickPayload struct {
	InactiveDays int   `json:"inactive_days"`
	GroupID      int64 `json:"group_id"`
}

// kickInactiveMembers removes members silent for longer than inactive_days. A ban
// followed by an unban removes without blocking a later rejoin. Members Telegram
// refuses to remove (admins, already gone) are forgotten too; a transient error
// stops the run so the retry resumes with the members still pending.
func (h *Handlers) kickInactiveMembers(ctx context.Context, db *sqlx.DB, payload domain.Payload) error {
	var p kickPayload
	if err := payload.Decode(&p); err != nil {
		return err
	}
	if p.InactiveDays <= 0 {
		p.InactiveDays = DefaultInactiveDays
	}
	cutoff := h.now().Add(-time.Duration(p.InactiveDays) * 24 * time.Hour)

	st := storage.NewStore(db)
	var ids []int64
	if p.GroupID != 0 {
		ids = append(ids, p.GroupID)
	}
	groups, err := st.ActiveGroups(ctx, ids...)
	if err != nil {
		return err
	}

	var kicked int
	for _, g := range groups {
		members, err := st.InactiveMembers(ctx, g.GroupID, cutoff)
		if err != nil {
			return err
		}

		for _, m := range members {
			if err := h.removeMember(ctx, g.GroupID, m.UserID); err != nil {
				if !domain.IsPermanent(err) {
					return err
				}
				h.logger.Warn("Could not remove inactive member",
					slog.Int64("group_id", g.GroupID),
					slog.Int64("user_id", m.UserID),
					slog.Any("error", err),
				)
			} else {
				kicked++
			}
			if err := st.ForgetActivity(ctx, m.UserID, g.GroupID); err != nil {
				return err
			}
		}
	}

	h.logger.Info("Inactive members removed",
		slog.Int("kicked", kicked),
		slog.Int("groups", len(groups)),
		slog.Int("inactive_days", p.InactiveDays),
	)
	return nil
}

func (h *Handlers) removeMember(ctx context.Context, groupID, userID int64) error {
	if err := h.tg.BanChatMember(ctx, groupID, userID); err != nil {
		return telegram.Classify(err)
	}
	return telegram.Classify(h.tg.UnbanChatMember(ctx, groupID, userID))
}
