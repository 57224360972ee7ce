// Package platform wraps the Telegram Bot API for every registered relay bot.
// One go-telegram client per bot is created lazily and cached for the process
// lifetime; deleting a bot evicts its client.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
)

// ErrClosed is returned once the client cache has been shut down.
var ErrClosed = errors.New("telegram platform closed")

// UpdateHandlerFactory builds the update handler for one bot's client.
type UpdateHandlerFactory func(bot database.Bot) tgbot.HandlerFunc

// Identity is what Telegram reports about a bot credential.
type Identity struct {
	UserID   int64
	Username string
	IsBot    bool
}

type client struct {
	api    *tgbot.Bot
	cancel context.CancelFunc
}

// Telegram is the bot-platform collaborator: send, webhook management,
// identity lookup and the per-bot client cache.
type Telegram struct {
	log            *slog.Logger
	requestTimeout time.Duration
	serverURL      string

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	clients map[string]*client
	factory UpdateHandlerFactory
}

// Option customises Telegram.
type Option func(*Telegram)

// WithServerURL points every client at a different Bot API server.
func WithServerURL(url string) Option {
	return func(t *Telegram) { t.serverURL = url }
}

// NewTelegram creates an empty client cache.
func NewTelegram(log *slog.Logger, requestTimeout time.Duration, opts ...Option) *Telegram {
	if log == nil {
		log = logger.Discard()
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Telegram{
		log:            log.With("component", "telegram_platform"),
		requestTimeout: requestTimeout,
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[string]*client),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetUpdateHandler installs the factory used for clients created afterwards.
func (t *Telegram) SetUpdateHandler(factory UpdateHandlerFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factory = factory
}

func (t *Telegram) options(extra ...tgbot.Option) []tgbot.Option {
	opts := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithHTTPClient(t.requestTimeout, &http.Client{Timeout: t.requestTimeout}),
	}
	if t.serverURL != "" {
		opts = append(opts, tgbot.WithServerURL(t.serverURL))
	}
	return append(opts, extra...)
}

// Client returns the cached client for bot, creating and starting it on first use.
func (t *Telegram) Client(bot database.Bot) (*tgbot.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if c, ok := t.clients[bot.ID]; ok {
		return c.api, nil
	}

	extra := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(t.log, bot.ID)),
	}
	if bot.WebhookSecret != "" {
		extra = append(extra, tgbot.WithWebhookSecretToken(bot.WebhookSecret))
	}
	if t.factory != nil {
		extra = append(extra, tgbot.WithDefaultHandler(t.factory(bot)))
	}

	api, err := tgbot.New(bot.Token, t.options(extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client for bot %s: %w", bot.ID, err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	go api.StartWebhook(ctx)

	t.clients[bot.ID] = &client{api: api, cancel: cancel}
	t.log.Debug("Telegram client created", "bot_id", bot.ID, "token", logger.RedactToken(bot.Token))
	return api, nil
}

// Evict stops and forgets the bot's client.
func (t *Telegram) Evict(botID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[botID]; ok {
		c.cancel()
		delete(t.clients, botID)
		t.log.Debug("Telegram client evicted", "bot_id", botID)
	}
}

// Close stops every client. The cache cannot be used afterwards.
func (t *Telegram) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancel()
	for id := range t.clients {
		delete(t.clients, id)
	}
	t.log.Info("Telegram clients stopped")
}

// WebhookHandler returns the HTTP handler that feeds the bot's update pipeline.
// It rejects requests without the bot's secret token.
func (t *Telegram) WebhookHandler(bot database.Bot) (http.Handler, error) {
	api, err := t.Client(bot)
	if err != nil {
		return nil, err
	}
	return api.WebhookHandler(), nil
}

// SendText posts text to chatID as bot, optionally replying to replyTo
// (0 means no reply target), and returns the new message id.
func (t *Telegram) SendText(ctx context.Context, bot database.Bot, chatID int64, text string, replyTo int64) (int64, error) {
	api, err := t.Client(bot)
	if err != nil {
		return 0, err
	}

	params := &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if replyTo != 0 {
		params.ReplyParameters = &models.ReplyParameters{
			MessageID:                int(replyTo),
			AllowSendingWithoutReply: true,
		}
	}

	sent, err := api.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("failed to send message as bot %s: %w", bot.ID, err)
	}
	t.log.DebugContext(ctx, "Message sent", "bot_id", bot.ID, "chat_id", chatID, "message_id", sent.ID)
	return int64(sent.ID), nil
}

// RegisterWebhook points the bot's updates at url, authenticated by the bot's secret.
func (t *Telegram) RegisterWebhook(ctx context.Context, bot database.Bot, url string) error {
	api, err := t.Client(bot)
	if err != nil {
		return err
	}

	ok, err := api.SetWebhook(ctx, &tgbot.SetWebhookParams{
		URL:            url,
		SecretToken:    bot.WebhookSecret,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("failed to set webhook for bot %s: %w", bot.ID, err)
	}
	if !ok {
		return fmt.Errorf("telegram refused webhook for bot %s", bot.ID)
	}
	t.log.InfoContext(ctx, "Webhook registered", "bot_id", bot.ID, "url", url)
	return nil
}

// RemoveWebhook stops update delivery for the bot.
func (t *Telegram) RemoveWebhook(ctx context.Context, bot database.Bot) error {
	api, err := t.Client(bot)
	if err != nil {
		return err
	}

	if _, err := api.DeleteWebhook(ctx, &tgbot.DeleteWebhookParams{DropPendingUpdates: true}); err != nil {
		return fmt.Errorf("failed to delete webhook for bot %s: %w", bot.ID, err)
	}
	t.log.InfoContext(ctx, "Webhook removed", "bot_id", bot.ID)
	return nil
}

// GetIdentity resolves a credential to the bot account behind it without caching a client.
func (t *Telegram) GetIdentity(ctx context.Context, token string) (*Identity, error) {
	api, err := tgbot.New(token, t.options()...)
	if err != nil {
		return nil, fmt.Errorf("invalid bot credential: %w", err)
	}

	me, err := api.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify bot credential %s: %w", logger.RedactToken(token), err)
	}
	return &Identity{UserID: me.ID, Username: me.Username, IsBot: me.IsBot}, nil
}
