package listener

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

const telegramSource = "telegram"

type TelegramConfig struct {
	Token      string  `envconfig:"TOKEN" split_words:"true"`
	AllowedIDs []int64 `envconfig:"ALLOWED_IDS" split_words:"true"`
}

// Telegram long-polls the bot API, feeds messages through the
// Listener, and delivers replies. It also implements contract.Sender
// so the daemon can notify task owners on the same channel.
type Telegram struct {
	bot      *tgbotapi.BotAPI
	handler  *Listener
	allowed  map[int64]struct{}
	pollWait int
}

var _ contractx.Sender = (*Telegram)(nil)

func NewTelegram(cfg TelegramConfig, handler *Listener) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}

	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}

	return &Telegram{
		bot:      bot,
		handler:  handler,
		allowed:  allowed,
		pollWait: 60,
	}, nil
}

// Start blocks until ctx is cancelled, reconnecting with exponential
// backoff when the update stream drops. A session that delivered
// messages resets the backoff; only consecutive dead sessions grow it.
func (t *Telegram) Start(ctx context.Context) error {
	log.Info().Str("bot", t.bot.Self.UserName).Msg("telegram: listening")

	backoff := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = t.pollWait
		updates := t.bot.GetUpdatesChan(u)

		handled, closed := t.poll(ctx, updates)
		t.bot.StopReceivingUpdates()

		if !closed {
			// ctx cancelled.
			return nil
		}

		backoff = nextBackoff(backoff, handled > 0)
		log.Warn().Dur("backoff", backoff).Msg("telegram: update stream closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

const (
	minReconnectBackoff = time.Second
	maxReconnectBackoff = 30 * time.Second
)

// nextBackoff returns the delay before the next reconnect attempt. A
// healthy session starts the progression over.
func nextBackoff(current time.Duration, sessionHandled bool) time.Duration {
	if sessionHandled {
		return minReconnectBackoff
	}
	next := current * 2
	if next > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return next
}

// poll consumes updates until the channel closes (closed=true) or ctx
// is cancelled (closed=false), reporting how many messages it handled.
// Messages are handled one at a time: the quick-chat path finishes
// before the next inbound message is read.
func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) (handled int, closed bool) {
	for {
		select {
		case <-ctx.Done():
			return handled, false
		case update, ok := <-updates:
			if !ok {
				return handled, true
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			t.handleMessage(ctx, update.Message)
			handled++
		}
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(t.allowed) > 0 {
		if _, ok := t.allowed[chatID]; !ok {
			log.Warn().Int64("chat_id", chatID).Msg("telegram: message from unauthorized chat dropped")
			return
		}
	}

	reply, err := t.handler.Handle(ctx, contractx.InboundEvent{
		Source:     telegramSource,
		Sender:     strconv.FormatInt(chatID, 10),
		Text:       msg.Text,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	})
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("telegram: handle message failed")
		reply = contractx.OutboundEvent{
			Destination: strconv.FormatInt(chatID, 10),
			Text:        "Sorry, something went wrong handling that. Please try again.",
		}
	}
	if err := t.Send(ctx, reply); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("telegram: reply failed")
	}
}

func (t *Telegram) Send(_ context.Context, ev contractx.OutboundEvent) error {
	chatID, err := strconv.ParseInt(ev.Destination, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram destination %q: %w", ev.Destination, err)
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, ev.Text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
