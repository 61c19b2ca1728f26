package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"
)

var ErrUnknownTenant = errors.New("no bot configured for tenant")

type TelegramConfig struct {
	// APIURL overrides the Bot API endpoint; empty means the public Telegram API.
	APIURL  string
	Timeout time.Duration
}

// Telegram sends through one offline telebot instance per tenant.
type Telegram struct {
	mu     sync.RWMutex
	bots   map[string]*tele.Bot
	tokens map[string]string
	config TelegramConfig
	client *http.Client
	logger zerolog.Logger
}

func NewTelegram(cfg TelegramConfig, logger zerolog.Logger) *Telegram {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Telegram{
		bots:   make(map[string]*tele.Bot),
		tokens: make(map[string]string),
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "sender.telegram").Logger(),
	}
}

// SetToken installs or rotates the bot token of a tenant. An empty token removes the bot.
func (s *Telegram) SetToken(tenantID, token string) error {
	token = strings.TrimSpace(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	if token == "" {
		delete(s.bots, tenantID)
		delete(s.tokens, tenantID)
		return nil
	}
	if s.tokens[tenantID] == token {
		return nil
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     s.config.APIURL,
		Token:   token,
		Client:  s.client,
		Offline: true,
	})
	if err != nil {
		return fmt.Errorf("create bot for tenant %s: %w", tenantID, err)
	}
	s.bots[tenantID] = bot
	s.tokens[tenantID] = token
	return nil
}

func (s *Telegram) Send(
	ctx context.Context,
	tenantID string,
	chatID int64,
	content domain.MessageContent,
) (domain.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutcomeTransient, err
	}

	s.mu.RLock()
	bot, ok := s.bots[tenantID]
	s.mu.RUnlock()
	if !ok {
		return domain.OutcomeFailed, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	chat := &tele.Chat{ID: chatID}
	options := &tele.SendOptions{
		ParseMode:             tele.ParseMode(content.ParseMode),
		DisableWebPagePreview: content.DisablePreview,
	}

	var err error
	if strings.TrimSpace(content.Photo) != "" {
		caption := content.Caption
		if caption == "" {
			caption = content.Text
		}
		_, err = bot.Send(chat, &tele.Photo{File: photoFile(content.Photo), Caption: caption}, options)
	} else {
		_, err = bot.Send(chat, content.Text, options)
	}
	if err != nil {
		outcome := Classify(err)
		var flood tele.FloodError
		if errors.As(err, &flood) && flood.RetryAfter > 0 {
			err = &ThrottledError{Wait: time.Duration(flood.RetryAfter) * time.Second, Err: err}
		}
		s.logger.Debug().Err(err).Str("tenant_id", tenantID).Int64("chat_id", chatID).Str("outcome", string(outcome)).Msg("telegram send failed")
		return outcome, err
	}
	return domain.OutcomeSent, nil
}

func photoFile(reference string) tele.File {
	if strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://") {
		return tele.FromURL(reference)
	}
	return tele.File{FileID: reference}
}

var blockedErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
}

// Classify maps a Bot API error to a delivery outcome.
// Recipients that blocked the bot, were deactivated or no longer exist are blocked;
// other 4xx answers are permanent failures; everything else is retried.
func Classify(err error) domain.Outcome {
	if err == nil {
		return domain.OutcomeSent
	}
	for _, target := range blockedErrors {
		if errors.Is(err, target) {
			return domain.OutcomeBlocked
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.OutcomeTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.OutcomeTransient
	}

	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	}
	message := strings.ToLower(err.Error())
	if code == 0 {
		code = codeFromMessage(message)
	}

	switch {
	case code == http.StatusForbidden,
		strings.Contains(message, "blocked by the user"),
		strings.Contains(message, "user is deactivated"),
		strings.Contains(message, "chat not found"):
		return domain.OutcomeBlocked
	case code == http.StatusTooManyRequests:
		return domain.OutcomeTransient
	case code >= 400 && code < 500:
		return domain.OutcomeFailed
	default:
		return domain.OutcomeTransient
	}
}

// codeFromMessage extracts the "(NNN)" suffix telebot appends to API errors.
func codeFromMessage(message string) int {
	end := strings.LastIndex(message, ")")
	start := strings.LastIndex(message, "(")
	if start < 0 || end != len(message)-1 || end-start != 4 {
		return 0
	}
	code := 0
	for _, r := range message[start+1 : end] {
		if r < '0' || r > '9' {
			return 0
		}
		code = code*10 + int(r-'0')
	}
	return code
}
