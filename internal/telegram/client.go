package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
)

// ClientConfig configures a Bot API client for one bot token.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// SendRate caps sendMessage calls per second. Zero or less means unlimited.
	SendRate   float64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the Telegram Bot API.
type Client struct {
	api        *tgbotapi.BotAPI
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Temporary reports whether repeating the call later may succeed.
func (e *APIError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500 || e.Code == 0
}

// Classify marks Bot API rejections that cannot succeed on retry (bad request,
// bot blocked or kicked) as permanent job failures. Other errors pass through.
func Classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return domain.Permanent(err)
	}
	return err
}

// NewClient creates a Bot API client. It does not call getMe.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	api := &tgbotapi.BotAPI{
		Token:  cfg.Token,
		Client: httpClient,
		Buffer: 100,
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		api.SetAPIEndpoint(tgbotapi.APIEndpoint)
	} else {
		api.SetAPIEndpoint(baseURL + "/bot%s/%s")
	}

	return &Client{
		api:        api,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     log,
	}
}

// contextDoer binds ctx to every request the SDK builds.
type contextDoer struct {
	ctx    context.Context
	client *http.Client
}

func (d contextDoer) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(d.ctx))
}

// bot returns a copy of the SDK client whose requests are bound to ctx.
func (c *Client) bot(ctx context.Context) *tgbotapi.BotAPI {
	api := *c.api
	api.Client = contextDoer{ctx: ctx, client: c.httpClient}
	return &api
}

// check converts an SDK error into an APIError and logs rejections.
func (c *Client) check(method string, err error) error {
	if err == nil {
		return nil
	}

	var sdkErr *tgbotapi.Error
	if !errors.As(err, &sdkErr) {
		return fmt.Errorf("telegram %s: %w", method, err)
	}

	apiErr := &APIError{
		Method:      method,
		Code:        sdkErr.Code,
		Description: sdkErr.Message,
		RetryAfter:  time.Duration(sdkErr.RetryAfter) * time.Second,
	}
	c.logger.Warn("Telegram API call rejected",
		slog.String("method", method),
		slog.Int("code", apiErr.Code),
		slog.String("description", apiErr.Description),
	)
	return apiErr
}

// SendMessageRequest is the sendMessage parameter set used by the handlers.
type SendMessageRequest struct {
	ChatID                int64
	Text                  string
	ParseMode             string
	DisableWebPagePreview bool
	ReplyMarkup           *InlineKeyboardMarkup
}

// SendMessage sends a text message, waiting for the send rate limiter first.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg := tgbotapi.NewMessage(req.ChatID, req.Text)
	msg.ParseMode = req.ParseMode
	msg.DisableWebPagePreview = req.DisableWebPagePreview
	if req.ReplyMarkup != nil {
		msg.ReplyMarkup = *req.ReplyMarkup
	}

	sent, err := c.bot(ctx).Send(msg)
	if err != nil {
		return nil, c.check("sendMessage", err)
	}
	return &sent, nil
}

// SendPhotoRequest is the sendPhoto parameter set. Photo is a URL or file id.
type SendPhotoRequest struct {
	ChatID    int64
	Photo     string
	Caption   string
	ParseMode string
}

// SendPhoto sends a photo, sharing the send rate limiter with SendMessage.
func (c *Client) SendPhoto(ctx context.Context, req SendPhotoRequest) (*Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var file tgbotapi.RequestFileData = tgbotapi.FileID(req.Photo)
	if strings.HasPrefix(req.Photo, "http://") || strings.HasPrefix(req.Photo, "https://") {
		file = tgbotapi.FileURL(req.Photo)
	}
	photo := tgbotapi.NewPhoto(req.ChatID, file)
	photo.Caption = req.Caption
	photo.ParseMode = req.ParseMode

	sent, err := c.bot(ctx).Send(photo)
	if err != nil {
		return nil, c.check("sendPhoto", err)
	}
	return &sent, nil
}

// AnswerCallbackQuery acknowledges a button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	_, err := c.bot(ctx).Request(tgbotapi.NewCallback(callbackQueryID, text))
	return c.check("answerCallbackQuery", err)
}

// ApproveChatJoinRequest admits userID into chatID.
func (c *Client) ApproveChatJoinRequest(ctx context.Context, chatID, userID int64) error {
	_, err := c.bot(ctx).Request(tgbotapi.ApproveChatJoinRequestConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		UserID:     userID,
	})
	return c.check("approveChatJoinRequest", err)
}

// BanChatMember removes userID from chatID.
func (c *Client) BanChatMember(ctx context.Context, chatID, userID int64) error {
	_, err := c.bot(ctx).Request(tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
	})
	return c.check("banChatMember", err)
}

// UnbanChatMember lifts a ban so the user may rejoin later.
func (c *Client) UnbanChatMember(ctx context.Context, chatID, userID int64) error {
	_, err := c.bot(ctx).Request(tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		OnlyIfBanned:     true,
	})
	return c.check("unbanChatMember", err)
}

// GetChatMember returns userID's membership in chatID.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	member, err := c.bot(ctx).GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return nil, c.check("getChatMember", err)
	}
	return &member, nil
}

// GetChatMemberCount returns the number of members in chatID.
func (c *Client) GetChatMemberCount(ctx context.Context, chatID int64) (int, error) {
	count, err := c.bot(ctx).GetChatMembersCount(tgbotapi.ChatMemberCountConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return 0, c.check("getChatMemberCount", err)
	}
	return count, nil
}
