// Package session keeps the live voice sessions, one per guild.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"node.town/scribe/metrics"
	"node.town/scribe/voice"
)

var ErrNotConnected = errors.New("not connected to a voice channel")

type AlreadyConnectedError struct {
	Key string
}

func (e *AlreadyConnectedError) Error() string {
	return fmt.Sprintf("already connected in %s", e.Key)
}

type ConnectionError struct {
	Key     string
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to join voice channel %s: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Voice is a joined voice connection.
type Voice interface {
	// Listen feeds voice events to sink until ctx is done.
	Listen(ctx context.Context, sink voice.EventSink)
	Disconnect() error
}

type Joiner interface {
	JoinVoice(ctx context.Context, guildID, channelID string) (Voice, error)
}

type JoinParams struct {
	VoiceChannelID string
	TextChannelID  string
}

type Session struct {
	Key            string
	ID             uuid.UUID
	VoiceChannelID string
	TextChannelID  string
	Created        time.Time

	Dispatcher *voice.Dispatcher

	debug  atomic.Bool
	alive  atomic.Bool
	voice  Voice
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Session) Debug() bool {
	return s.debug.Load()
}

// ToggleDebug flips debug mode and returns the new value.
func (s *Session) ToggleDebug() bool {
	for {
		old := s.debug.Load()
		if s.debug.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Alive is false once the session has been disconnected.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// InFlight counts utterances still being transcribed.
func (s *Session) InFlight() int {
	if s.Dispatcher == nil {
		return 0
	}
	return s.Dispatcher.InFlight()
}

// Pipeline builds the dispatcher for a new session. alive reports whether
// the session is still registered.
type Pipeline func(s *Session, alive func() bool) *voice.Dispatcher

type Options struct {
	Joiner   Joiner
	Pipeline Pipeline
	Log      *log.Logger
	Metrics  *metrics.Metrics
}

type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Log == nil {
		opts.Log = log.Default()
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
		pending:  make(map[string]bool),
	}
}

// Connect joins the voice channel and starts a session under key. The ctx
// bounds the join only; the session lives until Disconnect.
func (r *Registry) Connect(
	ctx context.Context,
	key string,
	params JoinParams,
) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.sessions[key]; ok || r.pending[key] {
		r.mu.Unlock()
		return nil, &AlreadyConnectedError{Key: key}
	}
	r.pending[key] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
	}()

	v, err := r.opts.Joiner.JoinVoice(ctx, key, params.VoiceChannelID)
	if err != nil {
		return nil, &ConnectionError{
			Key:     key,
			Channel: params.VoiceChannelID,
			Err:     err,
		}
	}

	s := &Session{
		Key:            key,
		ID:             uuid.New(),
		VoiceChannelID: params.VoiceChannelID,
		TextChannelID:  params.TextChannelID,
		Created:        time.Now(),
		voice:          v,
	}
	s.alive.Store(true)
	s.Dispatcher = r.opts.Pipeline(s, s.Alive)

	sessionCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Dispatcher.Run(sessionCtx)
	}()
	go func() {
		defer s.wg.Done()
		v.Listen(sessionCtx, s.Dispatcher)
	}()

	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()

	r.opts.Metrics.SessionOpened()
	r.opts.Log.Info(
		"session started",
		"key", key,
		"session", s.ID,
		"voice", params.VoiceChannelID,
		"text", params.TextChannelID,
	)
	return s, nil
}

// Disconnect ends the session under key. Utterances already being
// transcribed finish but are not delivered.
func (r *Registry) Disconnect(key string) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}

	s.alive.Store(false)
	s.cancel()
	s.wg.Wait()

	r.opts.Metrics.SessionClosed()
	r.opts.Log.Info("session ended", "key", key, "session", s.ID)

	if err := s.voice.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect voice: %w", err)
	}
	return nil
}

func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Sessions returns the live sessions, oldest first.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Created.Before(list[j].Created)
	})
	return list
}

// Close disconnects every session.
func (r *Registry) Close() error {
	var errs []error
	for _, s := range r.Sessions() {
		if err := r.Disconnect(s.Key); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
