package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "postqueue/pkg/logx"
)

const telegramTextLimit = 4000

// TelegramConfig targets one chat (optionally one forum thread).
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// TelegramSender pushes alert text to a Telegram chat. No poller is attached:
// the bot never receives or handles updates.
type TelegramSender struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegramSender(cfg TelegramConfig, log logx.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify: telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramSender{cfg: cfg, bot: b, log: log}, nil
}

func (t *TelegramSender) SendText(ctx context.Context, text string) error {
	chat := &tele.Chat{ID: t.cfg.ChatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		opt := &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              t.cfg.ThreadID,
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText chunks long messages, preferring newline boundaries so a
// multi-line summary doesn't get cut mid-sentence.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		} else {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
