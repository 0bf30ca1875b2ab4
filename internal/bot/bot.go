// Package bot implements the main bot: onboarding with daily points, live checks,
// group registration and broadcasts.
package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/internal/bot/storage"
	"github.com/cuongbtq/tgbot-jobs/internal/dispatch"
	"github.com/cuongbtq/tgbot-jobs/internal/telegram"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/shared/database"
)

const (
	// DailyPoints is the balance a user starts each UTC day with.
	DailyPoints = 10
	// ReferralBonus is credited to the user whose link brought in a new user.
	ReferralBonus = 10
	// MaxSendFailures deactivates a broadcast group after this many failed sends in a row.
	MaxSendFailures = 3
)

// Callback data of the inline menu.
const (
	CallbackMyAccount = "my_account"
	CallbackCheckLive = "check_live"
	CallbackBack      = "back"
)

// JobTypeBroadcast sends a text to every active chat group.
const JobTypeBroadcast = "broadcast_message"

// Messenger is the part of the Bot API the handlers use.
type Messenger interface {
	SendMessage(ctx context.Context, msg telegram.SendMessageRequest) (*telegram.Message, error)
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
	ApproveChatJoinRequest(ctx context.Context, chatID, userID int64) error
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
}

// Bot holds the main bot handlers.
type Bot struct {
	tg     Messenger
	logger *slog.Logger
	now    func() time.Time
}

// New creates the main bot handlers.
func New(tg Messenger, logger *slog.Logger) *Bot {
	return &Bot{
		tg:     tg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register binds the main bot's job types on r.
func (b *Bot) Register(r *dispatch.Registry) {
	r.HandleUpdates(dispatch.UpdateRoutes{
		Commands: map[string]dispatch.UpdateHandler{
			"start":    b.handleStart,
			"init":     b.handleInit,
			"activate": b.handleActivate,
		},
		Callbacks: map[string]dispatch.UpdateHandler{
			CallbackMyAccount: b.handleMyAccount,
			CallbackCheckLive: b.handleCheckLive,
			CallbackBack:      b.handleBack,
		},
		JoinRequest: b.handleJoinRequest,
	})
	r.Register(JobTypeBroadcast, b.handleBroadcast)
	r.Alias("broadcast", JobTypeBroadcast)
}

func mainMenu() *telegram.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Check live", CallbackCheckLive)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("My account", CallbackMyAccount)),
	)
	return &markup
}

func backMenu() *telegram.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Back", CallbackBack)),
	)
	return &markup
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error {
	_, err := b.tg.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	})
	return telegram.Classify(err)
}

// answer acknowledges a button press. Telegram expires callback ids quickly, so a
// failure here is logged rather than retried.
func (b *Bot) answer(ctx context.Context, u *telegram.Update) {
	if u.CallbackQuery == nil || u.CallbackQuery.ID == "" {
		return
	}
	if err := b.tg.AnswerCallbackQuery(ctx, u.CallbackQuery.ID, ""); err != nil {
		b.logger.Warn("Failed to answer callback query", slog.Any("error", err))
	}
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// parseReferrer reads the referrer id from "/start <id>". Self-referrals are ignored.
func parseReferrer(args string, self int64) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || id <= 0 || id == self {
		return 0
	}
	return id
}

func (b *Bot) handleStart(ctx context.Context, db *sqlx.DB, u *telegram.Update) error {
	from := u.Sender()
	if from == nil || from.ID == 0 {
		b.logger.Warn("Ignoring /start without a sender", slog.Int("update_id", u.UpdateID))
		return nil
	}
	_, args, _ := u.Command()
	now := b.now()

	var (
		greeting string
		referrer int64
	)
	err := database.RunInTx(ctx, db, func(ctx context.Context, tx *sqlx.Tx) error {
		st := storage.New(tx)

		user, err := st.GetUser(ctx, from.ID)
		switch {
		case errors.Is(err, storage.ErrUserNotFound):
			return b.signUp(ctx, st, from, parseReferrer(args, from.ID), now, &greeting, &referrer)

		case err != nil:
			return err

		case !sameUTCDay(user.LastSeen, now):
			if err := st.ResetPoints(ctx, from.ID, DailyPoints, now); err != nil {
				return err
			}
			if delta := DailyPoints - user.Points; delta != 0 {
				err := st.RecordTransaction(ctx, storage.PointsTransaction{
					UserID:          from.ID,
					Amount:          delta,
					TransactionType: storage.TxDailyReset,
					Description:     "Daily points reset",
				})
				if err != nil {
					return err
				}
			}
			greeting = fmt.Sprintf("Your points have been reset to %d for the day!", DailyPoints)
			return nil

		default:
			greeting = fmt.Sprintf("Welcome back! You have %d points.", user.Points)
			return st.TouchUser(ctx, from.ID, from.UserName, from.FirstName, now)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register user %d: %w", from.ID, err)
	}

	if referrer != 0 {
		msg := fmt.Sprintf("A friend joined with your link. You earned %d points!", ReferralBonus)
		if err := b.reply(ctx, referrer, msg, nil); err != nil {
			b.logger.Warn("Failed to notify referrer",
				slog.Int64("referrer_id", referrer),
				slog.Any("error", err),
			)
		}
	}

	return b.reply(ctx, u.ReplyChatID(), greeting+"\n\nChoose an option:", mainMenu())
}

func (b *Bot) signUp(ctx context.Context, st *storage.Store, from *telegram.User, referrer int64, now time.Time, greeting *string, credited *int64) error {
	if referrer != 0 {
		exists, err := st.UserExists(ctx, referrer)
		if err != nil {
			return err
		}
		if !exists {
			b.logger.Info("Ignoring unknown referrer",
				slog.Int64("user_id", from.ID),
				slog.Int64("referrer_id", referrer),
			)
			referrer = 0
		}
	}

	user := storage.User{
		ID:        from.ID,
		Username:  nullString(from.UserName),
		FirstName: nullString(from.FirstName),
		Points:    DailyPoints,
		LastSeen:  now,
		Language:  from.LanguageCode,
	}
	if referrer != 0 {
		user.ReferredByID.Int64, user.ReferredByID.Valid = referrer, true
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return err
	}
	err := st.RecordTransaction(ctx, storage.PointsTransaction{
		UserID:          from.ID,
		Amount:          DailyPoints,
		TransactionType: storage.TxSignup,
		Description:     "Welcome points",
	})
	if err != nil {
		return err
	}

	if referrer != 0 {
		if err := st.AddPoints(ctx, referrer, ReferralBonus); err != nil {
			return err
		}
		err := st.RecordTransaction(ctx, storage.PointsTransaction{
			UserID:          referrer,
			Amount:          ReferralBonus,
			TransactionType: storage.TxReferral,
			Description:     "Referral bonus",
			ReferenceID:     strconv.FormatInt(from.ID, 10),
		})
		if err != nil {
			return err
		}
		*credited = referrer
	}

	name := from.FirstName
	if name == "" {
		name = "there"
	}
	*greeting = fmt.Sprintf("Welcome, %s! You have been given %d points.", name, DailyPoints)
	b.logger.Info("User signed up",
		slog.Int64("user_id", from.ID),
		slog.Int64("referrer_id", referrer),
	)
	return nil
}

// requireGroupAdmin reports whether the sender of a group command administers the chat.
// It replies with the reason when not.
func (b *Bot) requireGroupAdmin(ctx context.Context, u *telegram.Update) (bool, error) {
	msg := u.Message
	if msg == nil || msg.From == nil {
		return false, nil
	}
	if !telegram.IsGroupChat(msg.Chat) {
		return false, b.reply(ctx, u.ReplyChatID(), "This command only works in groups.", nil)
	}

	member, err := b.tg.GetChatMember(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		return false, telegram.Classify(err)
	}
	if !telegram.IsAdmin(*member) {
		return false, b.reply(ctx, msg.Chat.ID, "Only group administrators can do this.", nil)
	}
	return true, nil
}

func (b *Bot) handleInit(ctx context.Context, db *sqlx.DB, u *telegram.Update) error {
	ok, err := b.requireGroupAdmin(ctx, u)
	if !ok || err != nil {
		return err
	}
	msg := u.Message

	if err := storage.New(db).RegisterGroup(ctx, msg.Chat.ID, msg.Chat.Title, msg.From.ID); err != nil {
		return err
	}
	b.logger.Info("Group registered",
		slog.Int64("chat_id", msg.Chat.ID),
		slog.Int64("admin_user_id", msg.From.ID),
	)
	return b.reply(ctx, msg.Chat.ID, "Group registered. Send /activate to start receiving live alerts.", nil)
}

func (b *Bot) handleActivate(ctx context.Context, db *sqlx.DB, u *telegram.Update) error {
	ok, err := b.requireGroupAdmin(ctx, u)
	if !ok || err != nil {
		return err
	}
	msg := u.Message
	st := storage.New(db)

	group, err := st.GetGroup(ctx, msg.Chat.ID)
	if errors.Is(err, storage.ErrGroupNotFound) {
		return b.reply(ctx, msg.Chat.ID, "This group is not registered yet. Send /init first.", nil)
	}
	if err != nil {
		return err
	}
	if group.AdminUserID.Valid && group.AdminUserID.Int64 != msg.From.ID {
		return b.reply(ctx, msg.Chat.ID, "Only the administrator who registered this group can activate it.", nil)
	}

	if err := st.ActivateGroup(ctx, msg.Chat.ID); err != nil {
		return err
	}
	b.logger.Info("Group activated", slog.Int64("chat_id", msg.Chat.ID))
	return b.reply(ctx, msg.Chat.ID, "Group activated.", nil)
}

func (b *Bot) handleMyAccount(ctx context.Context, db *sqlx.DB, u *telegram.Update) error {
	b.answer(ctx, u)
	from := u.Sender()

	user, err := storage.New(db).GetUser(ctx, from.ID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return b.reply(ctx, u.ReplyChatID(), "You are not registered yet. Send /start first.", nil)
	}
	if err != nil {
		return err
	}

	subscription := "none"
	if user.HasSubscription(b.now()) {
		subscription = "active until " + user.SubscriptionEnd.Time.UTC().Format("2006-01-02 15:04 UTC")
	}
	text := fmt.Sprintf("Your account\n\nPoints: %d\nSubscription: %s", user.Points, subscription)
	return b.reply(ctx, u.ReplyChatID(), text, backMenu())
}

func (b *Bot) handleCheckLive(ctx context.Context, db *sqlx.DB, u *telegram.Update) error {
	b.answer(ctx, u)
	from := u.Sender()
	now := b.now()
	callbackID := ""
	if u.CallbackQuery != nil {
		callbackID = u.CallbackQuery.ID
	}

	var (
		registered = true
		allowed    bool
		live       []storage.LiveAccount
	)
	err := database.RunInTx(ctx, db, func(ctx context.Context, tx *sqlx.Tx) error {
		st := storage.New(tx)

		user, err := st.GetUser(ctx, from.ID)
		if errors.Is(err, storage.ErrUserNotFound) {
			registered = false
			return nil
		}
		if err != nil {
			return err
		}

		if allowed, err = b.chargeLiveCheck(ctx, st, user, callbackID, now); err != nil || !allowed {
			return err
		}

		live, err = st.LiveAccounts(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to check live for user %d: %w", from.ID, err)
	}

	switch {
	case !registered:
		return b.reply(ctx, u.ReplyChatID(), "You are not registered yet. Send /start first.", nil)
	case !allowed:
		return b.reply(ctx, u.ReplyChatID(), "You have no points left. Come back tomorrow for a fresh balance.", backMenu())
	default:
		return b.reply(ctx, u.ReplyChatID(), formatLive(live), backMenu())
	}
}

// chargeLiveCheck spends one point for a live check unless the user is subscribed.
// The spend is keyed on the callback query id, so a retried job whose reply
// failed after the commit finds the ledger entry and is not charged again.
func (b *Bot) chargeLiveCheck(ctx context.Context, st *storage.Store, user *storage.User, callbackID string, now time.Time) (bool, error) {
	if user.HasSubscription(now) {
		return true, nil
	}
	if callbackID != "" {
		charged, err := st.HasTransaction(ctx, storage.TxLiveCheck, callbackID)
		if err != nil || charged {
			return charged, err
		}
	}

	spent, err := st.SpendPoint(ctx, user.ID)
	if err != nil || !spent {
		return false, err
	}
	err = st.RecordTransaction(ctx, storage.PointsTransaction{
		UserID:          user.ID,
		Amount:          -1,
		TransactionType: storage.TxLiveCheck,
		Description:     "Live check",
		ReferenceID:     callbackID,
	})
	return err == nil, err
}

func formatLive(accounts []storage.LiveAccount) string {
	if len(accounts) == 0 {
		return "Nobody is live right now."
	}

	var sb strings.Builder
	sb.WriteString("Live now:\n")
	for _, a := range accounts {
		link := a.Link.String
		if link == "" {
			link = "https://www.instagram.com/" + a.Username + "/live/"
		}
		fmt.Fprintf(&sb, "\n@%s (%d viewers)\n%s\n", a.Username, a.ViewerCount, link)
	}
	return sb.String()
}

func (b *Bot) handleBack(ctx context.Context, _ *sqlx.DB, u *telegram.Update) error {
	b.answer(ctx, u)
	return b.reply(ctx, u.ReplyChatID(), "Choose an option:", mainMenu())
}

func (b *Bot) handleJoinRequest(ctx context.Context, _ *sqlx.DB, u *telegram.Update) error {
	req := u.ChatJoinRequest
	if err := b.tg.ApproveChatJoinRequest(ctx, req.Chat.ID, req.From.ID); err != nil {
		return telegram.Classify(err)
	}
	b.logger.Info("Join request approved",
		slog.Int64("chat_id", req.Chat.ID),
		slog.Int64("user_id", req.From.ID),
	)
	return nil
}

// handleBroadcast sends payload "text" to every active group. Groups that keep
// failing are deactivated; the job fails only when every send failed.
func (b *Bot) handleBroadcast(ctx context.Context, db *sqlx.DB, payload domain.Payload) error {
	text := payload.String("text")
	if text == "" {
		b.logger.Warn("Broadcast without text, nothing to send")
		return nil
	}

	st := storage.New(db)
	groups, err := st.ActiveGroups(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		b.logger.Info("No active groups to broadcast to")
		return nil
	}

	var sent int
	var lastErr error
	for _, g := range groups {
		_, sendErr := b.tg.SendMessage(ctx, telegram.SendMessageRequest{
			ChatID:                g.ChatID,
			Text:                  text,
			DisableWebPagePreview: true,
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sendErr != nil {
			lastErr = sendErr
			b.logger.Warn("Broadcast to group failed",
				slog.Int64("chat_id", g.ChatID),
				slog.Any("error", sendErr),
			)
		} else {
			sent++
		}

		deactivated, err := st.RecordSendResult(ctx, g.ChatID, sendErr == nil, MaxSendFailures)
		if err != nil {
			return err
		}
		if deactivated {
			b.logger.Warn("Group deactivated after repeated send failures", slog.Int64("chat_id", g.ChatID))
		}
	}

	b.logger.Info("Broadcast finished",
		slog.Int("groups", len(groups)),
		slog.Int("sent", sent),
	)
	if sent == 0 {
		return fmt.Errorf("broadcast failed for all %d groups: %w", len(groups), lastErr)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
