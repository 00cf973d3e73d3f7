// Package feed posts announcements to presentation surfaces.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pabot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram posts each announcement as a card to one chat. Delivery failures
// are logged and dropped; the feed never pushes back on the pollers.
type Telegram struct {
	token     string
	chatID    int64
	parseMode string

	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	ChatID    int64
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		chatID:    cfg.ChatID,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
	}
}

// Run connects the bot and consumes announcements until the channel closes
// or the context ends.
func (t *Telegram) Run(ctx context.Context, in <-chan domain.Announcement) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram feed connected", "username", bot.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-in:
			if !ok {
				return nil
			}
			t.sendMessage(t.chatID, formatCard(a))
		}
	}
}

func formatCard(a domain.Announcement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", a.Title)
	fmt.Fprintf(&b, "_%s · %s_\n\n", a.Source, a.Timestamp.Format("Jan 2 15:04"))
	b.WriteString(a.OriginalText)
	return b.String()
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring a
// newline boundary in the second half of the chunk. Cutting on runes keeps
// multi-byte text valid at every boundary.
func splitMessage(text string, limit int) []string {
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cutAt := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cutAt = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}

// sendChunk retries with backoff on rate limits and falls back to plain text
// when the parse mode rejects the content.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter)
			time.Sleep(retryAfter)
			continue
		}
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			plain := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plain); err2 == nil {
				return
			}
			continue
		}

		t.logger.Warn("telegram send failed", "attempt", attempt+1, "err", err)
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	t.logger.Error("telegram send gave up", "chat_id", chatID)
}
