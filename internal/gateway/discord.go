package gateway

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

type DiscordGateway struct {
	Session *discordgo.Session
	Logger  *slog.Logger
}

func NewDiscordGateway(token string, logger *slog.Logger) (*DiscordGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return &DiscordGateway{Session: s, Logger: logger.With("component", "discord")}, nil
}

func (dg *DiscordGateway) Name() string { return "discord" }

func (dg *DiscordGateway) Start(ctx context.Context, handle HandlerFunc) error {
	remove := dg.Session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		handle(ctx, Inbound{
			Gateway: dg.Name(),
			ChatID:  m.ChannelID,
			UserID:  "discord:" + m.Author.ID,
			Name:    m.Author.Username,
			Text:    m.Content,
		})
	})
	defer remove()

	if err := dg.Session.Open(); err != nil {
		return err
	}
	dg.Logger.Info("connected")
	<-ctx.Done()
	return dg.Session.Close()
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	_, err := dg.Session.ChannelMessageSend(chatID, text)
	return err
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}
