package discordbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	dis "github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"

	"node.town/scribe/metrics"
	"node.town/scribe/session"
	"node.town/scribe/stt"
	"node.town/scribe/txt"
)

const (
	DefaultPrefix = "!"

	joinTimeout  = 30 * time.Second
	witTimeout   = 15 * time.Second
	apologyReply = "Something went wrong, try again or contact the developers if this keeps happening."
)

// CommandHandler gets the text after the command name, trimmed.
type CommandHandler func(m *dis.MessageCreate, args string) error

type BotOptions struct {
	Discord     Discord
	Log         *log.Logger
	Metrics     *metrics.Metrics
	Transcriber stt.Transcriber
	Languages   Languages
	// Joiner defaults to joining through Discord.
	Joiner session.Joiner

	Prefix         string
	DataDir        string
	MinDuration    time.Duration
	MaxDuration    time.Duration
	SilenceTimeout time.Duration
}

type Bot struct {
	mu        sync.Mutex
	log       *log.Logger
	conn      Discord
	sessions  *session.Registry
	languages Languages
	prefix    string
	commands  map[string]CommandHandler
	myUserID  string
	started   time.Time
}

// NewBot connects to Discord and starts answering commands.
func NewBot(opts BotOptions) (*Bot, error) {
	bot := newBot(opts)

	bot.conn.AddHandler(bot.handleGuildCreate)
	bot.conn.AddHandler(bot.handleVoiceStateUpdate)
	bot.conn.AddHandler(bot.handleMessageCreate)

	err := bot.conn.Open()
	if err != nil {
		return nil, fmt.Errorf("error opening connection: %w", err)
	}

	myUserID, err := bot.conn.MyUserID()
	if err != nil {
		_ = bot.conn.Close()
		return nil, fmt.Errorf("failed to get bot user ID: %w", err)
	}
	bot.mu.Lock()
	bot.myUserID = myUserID
	bot.mu.Unlock()

	if err := bot.conn.UpdateListeningStatus(bot.prefix + "help"); err != nil {
		bot.log.Warn("failed to update status", "error", err)
	}

	bot.log.Info("bot connected", "user", myUserID)
	return bot, nil
}

func newBot(opts BotOptions) *Bot {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Joiner == nil {
		opts.Joiner = &voiceJoiner{
			log:            opts.Log,
			metrics:        opts.Metrics,
			discord:        opts.Discord,
			silenceTimeout: opts.SilenceTimeout,
		}
	}

	bot := &Bot{
		log:       opts.Log,
		conn:      opts.Discord,
		languages: opts.Languages,
		prefix:    opts.Prefix,
		commands:  make(map[string]CommandHandler),
		started:   time.Now(),
	}
	bot.sessions = session.NewRegistry(session.Options{
		Joiner: opts.Joiner,
		Pipeline: NewPipeline(PipelineOptions{
			Log:         opts.Log,
			Metrics:     opts.Metrics,
			Discord:     opts.Discord,
			Transcriber: opts.Transcriber,
			DataDir:     opts.DataDir,
			MinDuration: opts.MinDuration,
			MaxDuration: opts.MaxDuration,
		}),
		Log:     opts.Log,
		Metrics: opts.Metrics,
	})

	bot.registerCommands()
	return bot
}

func (bot *Bot) registerCommands() {
	bot.commands["help"] = bot.handleHelpCommand
	bot.commands["join"] = bot.handleJoinCommand
	bot.commands["leave"] = bot.handleLeaveCommand
	bot.commands["debug"] = bot.handleDebugCommand
	bot.commands["hello"] = bot.handleHelloCommand
	bot.commands["mirror"] = bot.handleMirrorCommand
	bot.commands["lang"] = bot.handleLangCommand
	bot.commands["status"] = bot.handleStatusCommand
}

// Sessions is the registry of live voice sessions.
func (bot *Bot) Sessions() *session.Registry {
	return bot.sessions
}

func (bot *Bot) Close() error {
	err := bot.sessions.Close()
	if cerr := bot.conn.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (bot *Bot) userID() string {
	bot.mu.Lock()
	defer bot.mu.Unlock()
	return bot.myUserID
}

func (bot *Bot) handleGuildCreate(_ *dis.Session, event *dis.GuildCreate) {
	bot.log.Info(
		"joined",
		"guild", event.Guild.Name,
		"id", event.Guild.ID,
	)
}

// handleVoiceStateUpdate ends the session when the bot is kicked from the
// voice channel or the connection drops.
func (bot *Bot) handleVoiceStateUpdate(_ *dis.Session, v *dis.VoiceStateUpdate) {
	if v.VoiceState == nil || v.UserID != bot.userID() || v.ChannelID != "" {
		return
	}

	err := bot.sessions.Disconnect(v.GuildID)
	if errors.Is(err, session.ErrNotConnected) {
		return
	}
	if err != nil {
		bot.log.Error("failed to end session", "guild", v.GuildID, "error", err)
		return
	}
	bot.log.Info("disconnected from voice", "guild", v.GuildID)
}

func (bot *Bot) handleMessageCreate(_ *dis.Session, m *dis.MessageCreate) {
	bot.handleMessage(m)
}

func (bot *Bot) handleMessage(m *dis.MessageCreate) {
	if m.Author == nil || m.Author.ID == bot.userID() || m.Author.Bot {
		return
	}
	// no private messages
	if m.GuildID == "" {
		return
	}

	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, bot.prefix) {
		return
	}

	firstLine, _, _ := strings.Cut(content, "\n")
	fields := strings.Fields(strings.TrimPrefix(firstLine, bot.prefix))
	if len(fields) == 0 {
		return
	}

	commandName := strings.ToLower(fields[0])
	handler, exists := bot.commands[commandName]
	if !exists {
		return
	}

	args := strings.TrimSpace(
		strings.TrimPrefix(content, bot.prefix+fields[0]),
	)

	bot.log.Debug("command", "name", commandName, "guild", m.GuildID, "user", m.Author.Username)
	err := handler(m, args)
	if err != nil {
		bot.log.Error(
			"Command execution failed",
			"command", commandName,
			"error", err,
		)
		bot.reply(m, apologyReply)
	}
}

func (bot *Bot) reply(m *dis.MessageCreate, content string) {
	_, err := bot.conn.ChannelMessageSendReply(m.ChannelID, content, m.Reference())
	if err != nil {
		bot.log.Error("Failed to send message", "error", err)
	}
}

func (bot *Bot) handleHelpCommand(m *dis.MessageCreate, _ string) error {
	p := bot.prefix
	var b strings.Builder
	b.WriteString("Thanks for checking out the Speech-to-Text bot!\n")
	b.WriteString("To use the bot:\n")
	b.WriteString("- Enter a voice channel on the server\n")
	b.WriteString("- Switch to the text channel you would like to record your voice in\n")
	fmt.Fprintf(&b, "- Type `%sjoin` and start talking\n\n", p)
	b.WriteString("**TEXT COMMANDS:**\n")
	b.WriteString("```\n")
	fmt.Fprintf(&b, "%shelp\n", p)
	fmt.Fprintf(&b, "%sjoin/%sleave\n", p, p)
	fmt.Fprintf(&b, "%sdebug\n", p)
	fmt.Fprintf(&b, "%slang <code>\n", p)
	fmt.Fprintf(&b, "%sstatus\n", p)
	b.WriteString("```")
	bot.reply(m, b.String())
	return nil
}

func (bot *Bot) handleJoinCommand(m *dis.MessageCreate, _ string) error {
	vs, err := bot.conn.VoiceState(m.GuildID, m.Author.ID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		bot.reply(m, "Error: please join a voice channel first.")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	_, err = bot.sessions.Connect(ctx, m.GuildID, session.JoinParams{
		VoiceChannelID: vs.ChannelID,
		TextChannelID:  m.ChannelID,
	})

	var already *session.AlreadyConnectedError
	var connErr *session.ConnectionError
	switch {
	case errors.As(err, &already):
		bot.reply(m, "Already connected")
	case errors.As(err, &connErr):
		bot.log.Error("connect", "error", err, "guild", m.GuildID)
		bot.reply(m, "Error: unable to join your voice channel.")
	case err != nil:
		return err
	default:
		bot.reply(m, "connected!")
	}
	return nil
}

func (bot *Bot) handleLeaveCommand(m *dis.MessageCreate, _ string) error {
	err := bot.sessions.Disconnect(m.GuildID)
	if errors.Is(err, session.ErrNotConnected) {
		bot.reply(m, "Cannot leave because not connected.")
		return nil
	}
	if err != nil {
		// the session is gone either way
		bot.log.Error("leave", "error", err, "guild", m.GuildID)
	}
	bot.reply(m, "Disconnected.")
	return nil
}

func (bot *Bot) handleDebugCommand(m *dis.MessageCreate, _ string) error {
	s, ok := bot.sessions.Get(m.GuildID)
	if !ok {
		bot.reply(m, "Cannot toggle debug mode because not connected.")
		return nil
	}

	on := s.ToggleDebug()
	bot.log.Info("toggling debug mode", "guild", m.GuildID, "debug", on)
	if on {
		bot.reply(m, "Debug mode on.")
	} else {
		bot.reply(m, "Debug mode off.")
	}
	return nil
}

func (bot *Bot) handleHelloCommand(m *dis.MessageCreate, _ string) error {
	bot.reply(m, "hello back =)")
	return nil
}

func (bot *Bot) handleMirrorCommand(m *dis.MessageCreate, args string) error {
	if args == "" {
		bot.reply(m, fmt.Sprintf("usage: %smirror <text>", bot.prefix))
		return nil
	}
	bot.reply(m, args)
	return nil
}

func (bot *Bot) handleLangCommand(m *dis.MessageCreate, args string) error {
	lang := strings.ToLower(args)
	if lang == "" {
		bot.reply(m, fmt.Sprintf("usage: %slang <code>", bot.prefix))
		return nil
	}
	if bot.languages == nil {
		return fmt.Errorf("no language manager configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), witTimeout)
	defer cancel()

	apps, err := bot.languages.Apps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list apps: %w", err)
	}
	if len(apps) == 0 {
		bot.reply(m, "no apps found! :(")
		return nil
	}

	for _, app := range apps {
		err := bot.languages.SetAppLanguage(ctx, app.ID, lang)
		var apiErr *stt.WitAPIError
		switch {
		case err == nil:
			bot.log.Info("language changed", "app", app.Name, "lang", lang)
			bot.reply(m, "success!")
		case errors.As(err, &apiErr) && apiErr.Message == "Access token does not match":
			// apps owned by someone else show up in the list too
			bot.log.Debug("skipping foreign app", "app", app.Name)
		case errors.As(err, &apiErr) && apiErr.Message != "":
			bot.reply(m, "Error: "+apiErr.Message)
		default:
			return fmt.Errorf("failed to set language of %s: %w", app.Name, err)
		}
	}
	return nil
}

func (bot *Bot) handleStatusCommand(m *dis.MessageCreate, _ string) error {
	all := bot.sessions.Sessions()
	header := fmt.Sprintf(
		"%d active sessions, up %s",
		len(all),
		time.Since(bot.started).Truncate(time.Second),
	)

	s, ok := bot.sessions.Get(m.GuildID)
	if !ok {
		bot.reply(m, header+". Not connected in this server.")
		return nil
	}

	var b strings.Builder
	b.WriteString(header + "\n")
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"Session", "Voice", "Text", "Debug", "Pending", "Age"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.Append([]string{
		s.ID.String()[:8],
		s.VoiceChannelID,
		s.TextChannelID,
		fmt.Sprintf("%v", s.Debug()),
		fmt.Sprintf("%d", s.InFlight()),
		time.Since(s.Created).Truncate(time.Second).String(),
	})
	table.Render()

	chunks, err := txt.Chunk(strings.TrimRight(b.String(), "\n"), txt.Limit)
	if err != nil {
		return fmt.Errorf("failed to chunk status: %w", err)
	}
	for _, chunk := range chunks {
		if _, err := bot.conn.ChannelMessageSend(m.ChannelID, chunk); err != nil {
			return fmt.Errorf("failed to send status: %w", err)
		}
	}
	return nil
}
