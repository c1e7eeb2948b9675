package discordbot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"node.town/scribe/stt"
)

type Discord interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	UpdateListeningStatus(name string) (err error)
	ChannelVoiceJoin(
		gID, cID string,
		mute, deaf bool,
	) (voice *discordgo.VoiceConnection, err error)
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	User(
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.User, error)
	MyUserID() (userID string, err error)
	VoiceState(guildID, userID string) (*discordgo.VoiceState, error)
}

// DiscordSession adapts *discordgo.Session to Discord.
type DiscordSession struct {
	*discordgo.Session
}

func NewDiscordSession(token string) (*DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent
	return &DiscordSession{s}, nil
}

func (d *DiscordSession) MyUserID() (string, error) {
	if d.State == nil || d.State.User == nil {
		return "", fmt.Errorf("discord session is not ready")
	}
	return d.State.User.ID, nil
}

// VoiceState looks the user up in the gateway state cache.
func (d *DiscordSession) VoiceState(guildID, userID string) (*discordgo.VoiceState, error) {
	return d.State.VoiceState(guildID, userID)
}

// Languages manages the recognition language of the backend apps.
type Languages interface {
	Apps(ctx context.Context) ([]stt.WitApp, error)
	SetAppLanguage(ctx context.Context, appID, lang string) error
}
