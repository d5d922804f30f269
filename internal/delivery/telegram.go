package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/junksamiad/replies-engine/internal/fault"
	"github.com/junksamiad/replies-engine/internal/secrets"
)

// Telegram delivers replies to chat-id destinations through the Bot API.
// The bot token is resolved and the bot connected lazily on first send, so
// the service boots without Telegram reachability.
type Telegram struct {
	resolver secrets.Resolver
	tokenRef string

	botOnce sync.Once
	bot     *tgbotapi.BotAPI
	botErr  error
}

func NewTelegram(resolver secrets.Resolver, tokenRef string) (*Telegram, error) {
	if resolver == nil {
		return nil, errors.New("delivery: secrets resolver must not be nil")
	}
	if strings.TrimSpace(tokenRef) == "" {
		return nil, errors.New("delivery: telegram token ref must not be empty")
	}
	return &Telegram{resolver: resolver, tokenRef: tokenRef}, nil
}

func (t *Telegram) resolveBot(ctx context.Context) (*tgbotapi.BotAPI, error) {
	t.botOnce.Do(func() {
		token, err := t.resolver.Resolve(ctx, t.tokenRef)
		if err != nil {
			t.botErr = fmt.Errorf("resolve telegram token: %w", err)
			return
		}
		t.bot, t.botErr = tgbotapi.NewBotAPI(token)
	})
	return t.bot, t.botErr
}

func (t *Telegram) Send(ctx context.Context, d Dispatch) (Receipt, error) {
	chatID, err := strconv.ParseInt(d.Destination, 10, 64)
	if err != nil {
		return Receipt{}, fault.Permanent("delivery.telegram", fmt.Errorf("destination %q is not a chat id", d.Destination))
	}

	bot, err := t.resolveBot(ctx)
	if err != nil {
		return Receipt{}, fault.Transient("delivery.telegram", err)
	}

	sent, err := bot.Send(tgbotapi.NewMessage(chatID, d.Body))
	if err != nil {
		return Receipt{}, classifyTelegram(err)
	}
	return Receipt{ProviderMessageID: strconv.Itoa(sent.MessageID), Status: "sent"}, nil
}

// classifyTelegram maps Bot API error codes onto the retry taxonomy;
// anything without a code is a transport problem and retryable. The Bot
// API client returns *Error, so match the pointer.
func classifyTelegram(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if fault.ClassifyStatus(apiErr.Code) == fault.ClassTransient {
			return fault.Transient("delivery.telegram", err)
		}
		return fault.Permanent("delivery.telegram", err)
	}
	return fault.Transient("delivery.telegram", err)
}
