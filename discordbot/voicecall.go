package discordbot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"node.town/scribe/audio"
	"node.town/scribe/metrics"
	"node.town/scribe/session"
	"node.town/scribe/voice"
)

type pcmDecoder interface {
	Decode(payload []byte) ([]byte, error)
}

type voiceConnection interface {
	Disconnect() error
}

// voiceLink is one joined voice channel. It decodes the inbound Opus of
// every speaker and feeds the resulting events to the session dispatcher.
type voiceLink struct {
	log     *log.Logger
	metrics *metrics.Metrics
	conn    voiceConnection
	recv    <-chan *discordgo.Packet
	updates chan discordgo.VoiceSpeakingUpdate

	guildID   string
	channelID string

	tracker    *speechTracker
	newDecoder func() (pcmDecoder, error)
	decoders   map[uint32]pcmDecoder

	lookupUser func(userID string) (*discordgo.User, error)
	usersMu    sync.Mutex
	users      map[string]voice.Speaker
	failed     map[string]time.Time

	now func() time.Time
}

// lookupRetry is how long a failed user lookup is remembered.
const lookupRetry = 30 * time.Second

type voiceLinkOptions struct {
	Log            *log.Logger
	Metrics        *metrics.Metrics
	Conn           voiceConnection
	Recv           <-chan *discordgo.Packet
	GuildID        string
	ChannelID      string
	SilenceTimeout time.Duration
	NewDecoder     func() (pcmDecoder, error)
	LookupUser     func(userID string) (*discordgo.User, error)
}

func newVoiceLink(opts voiceLinkOptions) *voiceLink {
	if opts.NewDecoder == nil {
		opts.NewDecoder = func() (pcmDecoder, error) {
			return audio.NewOpusDecoder()
		}
	}
	return &voiceLink{
		log:        opts.Log,
		metrics:    opts.Metrics,
		conn:       opts.Conn,
		recv:       opts.Recv,
		updates:    make(chan discordgo.VoiceSpeakingUpdate, 64),
		guildID:    opts.GuildID,
		channelID:  opts.ChannelID,
		tracker:    newSpeechTracker(opts.SilenceTimeout),
		newDecoder: opts.NewDecoder,
		decoders:   make(map[uint32]pcmDecoder),
		lookupUser: opts.LookupUser,
		users:      make(map[string]voice.Speaker),
		failed:     make(map[string]time.Time),
		now:        time.Now,
	}
}

func (l *voiceLink) Disconnect() error {
	return l.conn.Disconnect()
}

func (l *voiceLink) handleVoiceSpeakingUpdate(
	_ *discordgo.VoiceConnection,
	v *discordgo.VoiceSpeakingUpdate,
) {
	l.log.Debug(
		"state",
		"speaking", v.Speaking,
		"userID", v.UserID,
		"ssrc", v.SSRC,
	)
	select {
	case l.updates <- *v:
	default:
		l.log.Warn("speaking update channel full, dropping update", "userID", v.UserID)
	}
}

// Listen runs until ctx is done. Only this goroutine touches the tracker
// and the decoders.
func (l *voiceLink) Listen(ctx context.Context, sink voice.EventSink) {
	inbound := make(chan *discordgo.Packet, 3*1000/20) // 3 second audio buffer
	go l.acceptInboundAudioPackets(ctx, inbound)

	ticker := time.NewTicker(l.tracker.timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-l.updates:
			l.emit(sink, l.tracker.speaking(uint32(v.SSRC), v.UserID, v.Speaking), nil)
		case packet := <-inbound:
			l.processInboundAudioPacket(sink, packet)
		case <-ticker.C:
			l.emit(sink, l.tracker.expire(l.now()), nil)
		}
	}
}

func (l *voiceLink) acceptInboundAudioPackets(
	ctx context.Context,
	inbound chan<- *discordgo.Packet,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-l.recv:
			if !ok {
				return
			}
			select {
			case inbound <- packet:
				// good
			default:
				l.metrics.PacketDropped()
				l.log.Warn(
					"voice packet channel full, dropping packet",
					"channelID", l.channelID,
				)
			}
		}
	}
}

func (l *voiceLink) processInboundAudioPacket(
	sink voice.EventSink,
	packet *discordgo.Packet,
) {
	events := l.tracker.packet(packet.SSRC, packet.Opus, l.now())
	if len(events) == 0 {
		return
	}

	var pcm []byte
	if events[len(events)-1].Kind == voice.AudioReceived {
		var err error
		pcm, err = l.decode(packet)
		if err != nil {
			l.log.Error(
				"failed to process voice packet",
				"error", err,
				"guildID", l.guildID,
				"ssrc", packet.SSRC,
			)
			events = events[:len(events)-1]
		}
	}

	l.emit(sink, events, func(ev *voice.Event) {
		ev.PCM = pcm
		ev.Opus = packet.Opus
		ev.Timestamp = packet.Timestamp
	})
}

func (l *voiceLink) decode(packet *discordgo.Packet) ([]byte, error) {
	dec, ok := l.decoders[packet.SSRC]
	if !ok {
		var err error
		dec, err = l.newDecoder()
		if err != nil {
			return nil, err
		}
		l.decoders[packet.SSRC] = dec
	}
	return dec.Decode(packet.Opus)
}

func (l *voiceLink) emit(
	sink voice.EventSink,
	events []trackEvent,
	withAudio func(*voice.Event),
) {
	for _, te := range events {
		ev := voice.Event{
			Kind:    te.Kind,
			Speaker: l.speaker(te.UserID),
		}
		switch te.Kind {
		case voice.SpeakingStarted:
			// Discord only says speaking or not.
			ev.Energy = 1
		case voice.AudioReceived:
			if withAudio != nil {
				withAudio(&ev)
			}
		}
		if !sink.Submit(ev) {
			return
		}
	}
}

func (l *voiceLink) speaker(userID string) voice.Speaker {
	unknown := voice.Speaker{ID: userID, Name: "Unknown User"}

	l.usersMu.Lock()
	s, ok := l.users[userID]
	failedAt, failed := l.failed[userID]
	l.usersMu.Unlock()
	if ok {
		return s
	}
	if failed && l.now().Sub(failedAt) < lookupRetry {
		return unknown
	}

	user, err := l.lookupUser(userID)
	if err != nil {
		l.log.Error(
			"Failed to get username",
			"userID", userID,
			"error", err,
		)
		l.usersMu.Lock()
		l.failed[userID] = l.now()
		l.usersMu.Unlock()
		return unknown
	}
	s = unknown
	s.Name = user.Username
	s.Bot = user.Bot

	l.usersMu.Lock()
	l.users[userID] = s
	delete(l.failed, userID)
	l.usersMu.Unlock()
	return s
}

// voiceJoiner joins Discord voice channels for the session registry.
type voiceJoiner struct {
	log            *log.Logger
	metrics        *metrics.Metrics
	discord        Discord
	silenceTimeout time.Duration
}

func (j *voiceJoiner) JoinVoice(
	ctx context.Context,
	guildID, channelID string,
) (session.Voice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// not deafened, or Discord sends no audio
	vc, err := j.discord.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}

	j.log.Info("joined", "guild", guildID, "channel", channelID)

	link := newVoiceLink(voiceLinkOptions{
		Log:            j.log.With("channel", channelID),
		Metrics:        j.metrics,
		Conn:           vc,
		Recv:           vc.OpusRecv,
		GuildID:        guildID,
		ChannelID:      channelID,
		SilenceTimeout: j.silenceTimeout,
		LookupUser: func(userID string) (*discordgo.User, error) {
			return j.discord.User(userID)
		},
	})
	vc.AddHandler(link.handleVoiceSpeakingUpdate)
	return link, nil
}
