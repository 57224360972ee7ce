// Package registration adds, toggles and removes relay bots. Every operation is
// synchronous; failures surface to the caller instead of being retried.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
	"github.com/edgard/relaybot/internal/platform"
)

var (
	// ErrNotFound is returned when the bot does not exist.
	ErrNotFound = errors.New("bot not found")
	// ErrAlreadyRegistered is returned when the credential or bot account is already in use.
	ErrAlreadyRegistered = errors.New("bot already registered")
)

// ValidationError reports a request that cannot be registered as given.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid registration: %s: %v", e.Reason, e.Err)
	}
	return "invalid registration: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Store is the persistence used by registration.
type Store interface {
	CreateBot(ctx context.Context, bot *database.Bot) error
	GetBot(ctx context.Context, id string) (*database.Bot, error)
	GetBotByToken(ctx context.Context, token string) (*database.Bot, error)
	GetBotByPlatformUserID(ctx context.Context, platformUserID int64) (*database.Bot, error)
	ListBots(ctx context.Context) ([]database.Bot, error)
	SetBotActive(ctx context.Context, id string, active bool) error
	DeleteBot(ctx context.Context, id string) error
	UpsertGroup(ctx context.Context, chatID int64, name string) (*database.Group, error)
}

// Platform is the bot-platform side of registration.
type Platform interface {
	GetIdentity(ctx context.Context, token string) (*platform.Identity, error)
	RegisterWebhook(ctx context.Context, bot database.Bot, url string) error
	RemoveWebhook(ctx context.Context, bot database.Bot) error
	Evict(botID string)
}

// Request describes a bot to add to a group.
type Request struct {
	Token       string `json:"token" validate:"required"`
	ChatID      int64  `json:"chat_id" validate:"required"`
	GroupName   string `json:"group_name" validate:"max=128"`
	Personality string `json:"personality" validate:"required,max=4000"`
}

// Service implements bot registration.
type Service struct {
	store     Store
	platform  Platform
	publicURL string
	validate  *validator.Validate
	log       *slog.Logger
	now       func() time.Time
}

// NewService creates a Service. Webhooks are registered under publicURL.
func NewService(store Store, p Platform, publicURL string, log *slog.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		store:     store,
		platform:  p,
		publicURL: strings.TrimRight(publicURL, "/"),
		validate:  validator.New(),
		log:       log.With("component", "registration"),
		now:       time.Now,
	}
}

// WebhookURL is where Telegram delivers updates for botID.
func (s *Service) WebhookURL(botID string) string {
	return s.publicURL + "/telegram/" + botID
}

// Register verifies the credential, upserts the group, points the bot's
// webhook at this service and stores the bot as active.
func (s *Service) Register(ctx context.Context, req Request) (*database.Bot, error) {
	req.Token = strings.TrimSpace(req.Token)
	req.Personality = strings.TrimSpace(req.Personality)
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Reason: "missing or malformed fields", Err: err}
	}

	identity, err := s.platform.GetIdentity(ctx, req.Token)
	if err != nil {
		return nil, &ValidationError{Reason: "credential rejected by telegram", Err: err}
	}
	if !identity.IsBot || identity.Username == "" {
		return nil, &ValidationError{Reason: "credential does not belong to a bot account"}
	}

	if err := s.checkUnique(ctx, req.Token, identity.UserID); err != nil {
		return nil, err
	}

	group, err := s.store.UpsertGroup(ctx, req.ChatID, req.GroupName)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert group %d: %w", req.ChatID, err)
	}

	bot := &database.Bot{
		ID:             uuid.NewString(),
		Token:          req.Token,
		Handle:         identity.Username,
		PlatformUserID: identity.UserID,
		Personality:    req.Personality,
		GroupID:        group.ID,
		Active:         true,
		WebhookSecret:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAt:      s.now().UTC(),
	}
	log := s.log.With("bot_id", bot.ID, "handle", bot.Handle, "token", logger.RedactToken(bot.Token))

	if err := s.platform.RegisterWebhook(ctx, *bot, s.WebhookURL(bot.ID)); err != nil {
		s.platform.Evict(bot.ID)
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}

	if err := s.store.CreateBot(ctx, bot); err != nil {
		if rmErr := s.platform.RemoveWebhook(ctx, *bot); rmErr != nil {
			log.WarnContext(ctx, "Failed to roll back webhook", "error", rmErr)
		}
		s.platform.Evict(bot.ID)
		return nil, fmt.Errorf("failed to store bot: %w", err)
	}

	log.InfoContext(ctx, "Bot registered", "group_id", group.ID, "chat_id", group.ChatID)
	return bot, nil
}

func (s *Service) checkUnique(ctx context.Context, token string, userID int64) error {
	existing, err := s.store.GetBotByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to check credential: %w", err)
	}
	if existing == nil {
		existing, err = s.store.GetBotByPlatformUserID(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to check bot account: %w", err)
		}
	}
	if existing != nil {
		return fmt.Errorf("%w as %s", ErrAlreadyRegistered, existing.ID)
	}
	return nil
}

// SetActive toggles whether the bot takes part in its group's rotation.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*database.Bot, error) {
	if err := s.store.SetBotActive(ctx, id, active); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update bot %s: %w", id, err)
	}

	bot, err := s.store.GetBot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload bot %s: %w", id, err)
	}
	if bot == nil {
		return nil, ErrNotFound
	}
	s.log.InfoContext(ctx, "Bot toggled", "bot_id", id, "active", active)
	return bot, nil
}

// Delete removes the webhook, drops the cached client and deletes the bot
// with its messages. A webhook removal failure is logged and does not stop
// the delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	bot, err := s.store.GetBot(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load bot %s: %w", id, err)
	}
	if bot == nil {
		return ErrNotFound
	}

	if err := s.platform.RemoveWebhook(ctx, *bot); err != nil {
		s.log.WarnContext(ctx, "Failed to remove webhook", "bot_id", id, "error", err)
	}
	s.platform.Evict(id)

	if err := s.store.DeleteBot(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete bot %s: %w", id, err)
	}
	s.log.InfoContext(ctx, "Bot deleted", "bot_id", id)
	return nil
}

// List returns every registered bot.
func (s *Service) List(ctx context.Context) ([]database.Bot, error) {
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	return bots, nil
}
