package discordbot

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"node.town/scribe/audio"
	"node.town/scribe/metrics"
	"node.town/scribe/session"
	"node.town/scribe/stt"
	"node.town/scribe/voice"
)

var _ voice.Sink = (*textSink)(nil)

// textSink posts transcripts to one text channel.
type textSink struct {
	discord   Discord
	channelID string
}

func (s *textSink) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.discord.ChannelMessageSend(s.channelID, text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

type PipelineOptions struct {
	Log         *log.Logger
	Metrics     *metrics.Metrics
	Discord     Discord
	Transcriber stt.Transcriber
	// DataDir holds the debug archives, one directory per session.
	DataDir     string
	MinDuration time.Duration
	MaxDuration time.Duration
}

// NewPipeline returns the session.Pipeline that transcribes a session's
// voice channel into its text channel.
func NewPipeline(opts PipelineOptions) session.Pipeline {
	return func(s *session.Session, alive func() bool) *voice.Dispatcher {
		logger := opts.Log.With("session", s.ID.String()[:8])
		return voice.New(voice.Options{
			Log:         logger,
			Transcriber: opts.Transcriber,
			Converter:   audio.Downmixer{},
			Sink:        &textSink{discord: opts.Discord, channelID: s.TextChannelID},
			Recorder: voice.ArchiveRecorder{
				Archive: audio.NewArchive(
					filepath.Join(opts.DataDir, "sessions", s.ID.String()),
					logger,
				),
			},
			Metrics:     opts.Metrics,
			Alive:       alive,
			Debug:       s.Debug,
			MinDuration: opts.MinDuration,
			MaxDuration: opts.MaxDuration,
		})
	}
}
