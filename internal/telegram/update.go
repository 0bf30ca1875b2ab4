// Package telegram classifies Bot API updates and wraps the Bot API client with
// rate limiting and error classification.
package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot API objects used by the handlers.
type (
	User              = tgbotapi.User
	Chat              = tgbotapi.Chat
	Message           = tgbotapi.Message
	CallbackQuery     = tgbotapi.CallbackQuery
	ChatJoinRequest   = tgbotapi.ChatJoinRequest
	ChatMember        = tgbotapi.ChatMember
	ChatMemberUpdated = tgbotapi.ChatMemberUpdated

	InlineKeyboardMarkup = tgbotapi.InlineKeyboardMarkup
	InlineKeyboardButton = tgbotapi.InlineKeyboardButton
)

// Kind tags which variant of an update was received.
type Kind int

const (
	KindOther Kind = iota
	KindCommand
	KindCallback
	KindJoinRequest
	KindChatMember
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindCallback:
		return "callback"
	case KindJoinRequest:
		return "join_request"
	case KindChatMember:
		return "chat_member"
	case KindMessage:
		return "message"
	default:
		return "other"
	}
}

// Update is an incoming Bot API update. At most one of the optional fields is set.
type Update struct {
	tgbotapi.Update
}

// Kind classifies the update. A message whose text starts with '/' is a command;
// producers often forward updates without entities, so the text decides.
func (u *Update) Kind() Kind {
	switch {
	case u.CallbackQuery != nil:
		return KindCallback
	case u.ChatJoinRequest != nil:
		return KindJoinRequest
	case u.MyChatMember != nil || u.ChatMember != nil:
		return KindChatMember
	case u.Message != nil && strings.HasPrefix(u.Message.Text, "/"):
		return KindCommand
	case u.Message != nil || u.EditedMessage != nil:
		return KindMessage
	default:
		return KindOther
	}
}

// Command splits a command message into its lower-cased name and argument text.
// "/start@MyBot 42" yields ("start", "42"). ok is false for non-command updates.
func (u *Update) Command() (name, args string, ok bool) {
	if u.Message == nil || !strings.HasPrefix(u.Message.Text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(strings.TrimPrefix(u.Message.Text, "/"), " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// Sender returns the user that caused the update, if any.
func (u *Update) Sender() *User {
	switch {
	case u.Message != nil:
		return u.Message.From
	case u.EditedMessage != nil:
		return u.EditedMessage.From
	case u.CallbackQuery != nil:
		return u.CallbackQuery.From
	case u.ChatJoinRequest != nil:
		return &u.ChatJoinRequest.From
	case u.MyChatMember != nil:
		return &u.MyChatMember.From
	case u.ChatMember != nil:
		return &u.ChatMember.From
	}
	return nil
}

// ReplyChatID is where a reply to the update should go. Payloads without a chat
// (forwarded by hand or trimmed by a producer) fall back to the sender's private chat.
func (u *Update) ReplyChatID() int64 {
	var chat *Chat
	switch {
	case u.Message != nil:
		chat = u.Message.Chat
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		chat = u.CallbackQuery.Message.Chat
	}
	if chat != nil && chat.ID != 0 {
		return chat.ID
	}
	if sender := u.Sender(); sender != nil {
		return sender.ID
	}
	return 0
}

// IsGroupChat reports whether c is a group or supergroup.
func IsGroupChat(c *Chat) bool {
	return c != nil && (c.IsGroup() || c.IsSuperGroup())
}

// IsAdmin reports whether the member administers the chat.
func IsAdmin(m ChatMember) bool {
	return m.IsCreator() || m.IsAdministrator()
}

// IsGone reports whether the member left or was removed.
func IsGone(m ChatMember) bool {
	return m.HasLeft() || m.WasKicked()
}
