package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type TelegramGateway struct {
	Bot    *tgbotapi.BotAPI
	Logger *slog.Logger
}

func NewTelegramGateway(token string, logger *slog.Logger) (*TelegramGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "telegram")
	logger.Info("authorized", "account", bot.Self.UserName)

	return &TelegramGateway{Bot: bot, Logger: logger}, nil
}

func (tg *TelegramGateway) Name() string { return "telegram" }

func (tg *TelegramGateway) Start(ctx context.Context, handle HandlerFunc) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			tg.Bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			m := update.Message
			tg.Logger.Debug("message", "user", m.From.UserName, "chat_id", m.Chat.ID)
			handle(ctx, Inbound{
				Gateway: tg.Name(),
				ChatID:  strconv.FormatInt(m.Chat.ID, 10),
				UserID:  "telegram:" + strconv.FormatInt(m.From.ID, 10),
				Name:    m.From.UserName,
				Text:    m.Text,
			})
		}
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := tg.Bot.Send(msg); err != nil {
		// Step text may not be valid Markdown; fall back to plain text.
		msg.ParseMode = ""
		_, err = tg.Bot.Send(msg)
		return err
	}
	return nil
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
