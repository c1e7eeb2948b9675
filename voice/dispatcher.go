// Package voice turns per-speaker voice events into transcribed text lines.
//
// A Dispatcher runs one event loop per voice session. Each speaker moves
// through Idle, Buffering and Finalizing: speaking-start opens a buffer,
// audio is appended in arrival order, and speaking-end finalizes the buffer
// into an utterance that is converted, transcribed and delivered on its own
// goroutine. Utterance failures are logged and the audio is dropped; there
// are no retries.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"node.town/scribe/audio"
	"node.town/scribe/etc"
	"node.town/scribe/metrics"
	"node.town/scribe/stt"
)

const (
	DefaultMinDuration = time.Second
	DefaultMaxDuration = 19 * time.Second

	eventQueueSize = 256
)

type EventKind int

const (
	SpeakingStarted EventKind = iota
	AudioReceived
	SpeakingStopped
)

func (k EventKind) String() string {
	switch k {
	case SpeakingStarted:
		return "speaking-started"
	case AudioReceived:
		return "audio"
	case SpeakingStopped:
		return "speaking-stopped"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

type Speaker struct {
	ID   string
	Name string
	Bot  bool
}

type Event struct {
	Kind    EventKind
	Speaker Speaker
	// Energy is the platform's speaking bitfield; zero marks a false trigger.
	Energy uint32
	// PCM is interleaved stereo s16le at 48 kHz.
	PCM       []byte
	Opus      []byte
	Timestamp uint32
}

type Utterance struct {
	ID       string
	Speaker  Speaker
	PCM      []byte
	Packets  []audio.OpusPacket
	Duration time.Duration
}

// Sink delivers text to the session's bound text channel.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Recorder keeps a copy of utterance audio while a session is in debug mode.
type Recorder interface {
	Record(u Utterance) error
}

// EventSink is what platform adapters feed.
type EventSink interface {
	Submit(ev Event) bool
}

type Options struct {
	Log         *log.Logger
	Transcriber stt.Transcriber
	Converter   audio.Converter
	Sink        Sink
	Recorder    Recorder
	Metrics     *metrics.Metrics

	// Alive reports whether the owning session still exists. Results of
	// utterances that finish after the session is gone are not delivered.
	Alive func() bool
	Debug func() bool

	MinDuration time.Duration
	MaxDuration time.Duration
}

type speakerState struct {
	speaker Speaker
	buf     *audio.SpeakerBuffer
	packets []audio.OpusPacket
}

type Dispatcher struct {
	opts   Options
	events chan Event
	done   chan struct{}
	once   sync.Once

	// owned by the Run goroutine
	speakers map[string]*speakerState

	inflight sync.WaitGroup
	pending  atomic.Int64
}

func New(opts Options) *Dispatcher {
	if opts.Log == nil {
		opts.Log = log.Default()
	}
	if opts.Converter == nil {
		opts.Converter = audio.Downmixer{}
	}
	if opts.Alive == nil {
		opts.Alive = func() bool { return true }
	}
	if opts.Debug == nil {
		opts.Debug = func() bool { return false }
	}
	if opts.MinDuration <= 0 {
		opts.MinDuration = DefaultMinDuration
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	return &Dispatcher{
		opts:     opts,
		events:   make(chan Event, eventQueueSize),
		done:     make(chan struct{}),
		speakers: make(map[string]*speakerState),
	}
}

// Submit queues an event. It returns false once the dispatcher has stopped.
func (d *Dispatcher) Submit(ev Event) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.events <- ev:
		return true
	case <-d.done:
		return false
	}
}

// Run processes events until ctx is cancelled. Buffers that are still open
// at that point are discarded; utterances already being transcribed finish
// on their own, see Wait.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			if n := len(d.speakers); n > 0 {
				d.opts.Log.Info("discarding open buffers", "speakers", n)
			}
			d.speakers = make(map[string]*speakerState)
			return
		case ev := <-d.events:
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// InFlight counts utterances between finalization and delivery.
func (d *Dispatcher) InFlight() int {
	return int(d.pending.Load())
}

// Wait blocks until every utterance handed to the pipeline has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	// events still queued when the session ends are dropped
	if ctx.Err() != nil {
		return
	}
	switch ev.Kind {
	case SpeakingStarted:
		d.start(ev)
	case AudioReceived:
		d.append(ev)
	case SpeakingStopped:
		d.finish(ctx, ev.Speaker)
	default:
		d.opts.Log.Warn("unknown voice event", "kind", ev.Kind)
	}
}

func (d *Dispatcher) start(ev Event) {
	if ev.Speaker.Bot || ev.Energy == 0 {
		d.opts.Log.Debug(
			"ignoring speaking update",
			"speaker", ev.Speaker.Name,
			"bot", ev.Speaker.Bot,
			"energy", ev.Energy,
		)
		return
	}

	if _, ok := d.speakers[ev.Speaker.ID]; ok {
		return
	}

	d.opts.Log.Info("listening", "speaker", ev.Speaker.Name)
	d.speakers[ev.Speaker.ID] = &speakerState{speaker: ev.Speaker}
}

func (d *Dispatcher) append(ev Event) {
	st, ok := d.speakers[ev.Speaker.ID]
	if !ok {
		return
	}

	if st.buf == nil {
		st.buf = audio.NewSpeakerBuffer(ev.Speaker.ID)
	}
	if err := st.buf.Append(ev.PCM); err != nil {
		d.opts.Log.Warn("dropping audio", "speaker", ev.Speaker.Name, "error", err)
		return
	}
	if ev.Opus != nil {
		st.packets = append(st.packets, audio.OpusPacket{
			Timestamp: ev.Timestamp,
			Payload:   ev.Opus,
		})
	}
}

func (d *Dispatcher) finish(ctx context.Context, speaker Speaker) {
	st, ok := d.speakers[speaker.ID]
	if !ok {
		return
	}
	delete(d.speakers, speaker.ID)

	if st.buf == nil {
		return
	}

	pcm := st.buf.Finalize()
	u := Utterance{
		ID:       etc.NewFreshID(),
		Speaker:  st.speaker,
		PCM:      pcm,
		Packets:  st.packets,
		Duration: audio.Duration(len(pcm)),
	}

	logger := d.opts.Log.With("utterance", u.ID, "speaker", u.Speaker.Name)
	logger.Info("duration", "seconds", audio.Seconds(len(pcm)))

	if u.Duration < d.opts.MinDuration || u.Duration > d.opts.MaxDuration {
		outcome := metrics.OutcomeTooShort
		if u.Duration > d.opts.MaxDuration {
			outcome = metrics.OutcomeTooLong
		}
		logger.Info("skipping utterance", "reason", outcome)
		d.opts.Metrics.Utterance(outcome, u.Duration)
		if d.opts.Debug() {
			d.inflight.Add(1)
			go func() {
				defer d.inflight.Done()
				d.record(logger, u)
				d.debugf(context.WithoutCancel(ctx), logger, "skipped %s from %s (%s)",
					etc.FormatSeconds(u.Duration), u.Speaker.Name, outcome)
			}()
		}
		return
	}

	d.inflight.Add(1)
	d.pending.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.pending.Add(-1)
		// The transcription outlives the session; delivery checks Alive.
		d.process(context.WithoutCancel(ctx), logger, u)
	}()
}

func (d *Dispatcher) process(ctx context.Context, logger *log.Logger, u Utterance) {
	if d.opts.Debug() {
		d.record(logger, u)
	}

	mono, err := d.opts.Converter.Convert(u.PCM)
	if err != nil {
		var convErr *audio.ConversionError
		if !errors.As(err, &convErr) {
			err = &audio.ConversionError{Reason: "converter failed", Err: err}
		}
		logger.Error("failed to convert audio", "error", err)
		d.opts.Metrics.Utterance(metrics.OutcomeConversion, u.Duration)
		return
	}

	res, err := d.opts.Transcriber.Transcribe(ctx, mono)
	if err != nil {
		logger.Error("failed to transcribe", "error", err)
		d.opts.Metrics.Utterance(metrics.OutcomeFailed, u.Duration)
		return
	}

	if res.Text == "" {
		logger.Info("nothing recognized")
		d.opts.Metrics.Utterance(metrics.OutcomeEmpty, u.Duration)
		return
	}

	if !d.opts.Alive() {
		logger.Info("session gone, dropping transcript", "text", res.Text)
		d.opts.Metrics.Utterance(metrics.OutcomeSuppressed, u.Duration)
		return
	}

	line := fmt.Sprintf("%s: %s", u.Speaker.Name, res.Text)
	if err := d.opts.Sink.Send(ctx, line); err != nil {
		logger.Error("failed to send transcribed message", "error", err)
		d.opts.Metrics.Utterance(metrics.OutcomeSendFailed, u.Duration)
		return
	}

	logger.Info("out", "text", res.Text)
	d.opts.Metrics.Utterance(metrics.OutcomeDelivered, u.Duration)
}

func (d *Dispatcher) record(logger *log.Logger, u Utterance) {
	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.Record(u); err != nil {
		logger.Error("failed to record utterance", "error", err)
	}
}

func (d *Dispatcher) debugf(
	ctx context.Context,
	logger *log.Logger,
	format string,
	args ...any,
) {
	if !d.opts.Alive() {
		return
	}
	if err := d.opts.Sink.Send(ctx, "debug: "+fmt.Sprintf(format, args...)); err != nil {
		logger.Error("failed to send debug message", "error", err)
	}
}
