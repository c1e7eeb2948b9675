package discordbot

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	dis "github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"node.town/scribe/audio"
	"node.town/scribe/voice"
)

type fakeDecoder struct{}

func (fakeDecoder) Decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty packet")
	}
	return make([]byte, audio.FrameSamples*audio.BytesPerFrame), nil
}

type recordingEventSink struct {
	mu     sync.Mutex
	events []voice.Event
	signal chan struct{}
}

func newRecordingEventSink() *recordingEventSink {
	return &recordingEventSink{signal: make(chan struct{}, 100)}
}

func (s *recordingEventSink) Submit(ev voice.Event) bool {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.signal <- struct{}{}
	return true
}

func (s *recordingEventSink) waitFor(t *testing.T, n int) []voice.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		if len(s.events) >= n {
			events := append([]voice.Event(nil), s.events...)
			s.mu.Unlock()
			return events
		}
		s.mu.Unlock()
		select {
		case <-s.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

type fakeConn struct {
	disconnected bool
}

func (c *fakeConn) Disconnect() error {
	c.disconnected = true
	return nil
}

func newTestLink(recv chan *dis.Packet, users map[string]*dis.User) *voiceLink {
	return newVoiceLink(voiceLinkOptions{
		Log:            log.New(io.Discard),
		Conn:           &fakeConn{},
		Recv:           recv,
		GuildID:        "guild1",
		ChannelID:      "voice1",
		SilenceTimeout: 50 * time.Millisecond,
		NewDecoder:     func() (pcmDecoder, error) { return fakeDecoder{}, nil },
		LookupUser: func(userID string) (*dis.User, error) {
			u, ok := users[userID]
			if !ok {
				return nil, errors.New("unknown user")
			}
			return u, nil
		},
	})
}

func TestVoiceLinkEvents(t *testing.T) {
	recv := make(chan *dis.Packet, 10)
	link := newTestLink(recv, map[string]*dis.User{
		"u1": {ID: "u1", Username: "alice"},
	})
	sink := newRecordingEventSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Listen(ctx, sink)

	link.handleVoiceSpeakingUpdate(nil, &dis.VoiceSpeakingUpdate{
		UserID:   "u1",
		SSRC:     42,
		Speaking: true,
	})
	// let the speaking update land before the audio
	time.Sleep(20 * time.Millisecond)

	recv <- &dis.Packet{SSRC: 42, Timestamp: 0, Opus: []byte{1, 2, 3}}
	recv <- &dis.Packet{SSRC: 42, Timestamp: 960, Opus: []byte{4, 5, 6}}
	recv <- &dis.Packet{SSRC: 42, Timestamp: 1920, Opus: audio.SilenceFrame}

	events := sink.waitFor(t, 4)
	want := []voice.EventKind{
		voice.SpeakingStarted,
		voice.AudioReceived,
		voice.AudioReceived,
		voice.SpeakingStopped,
	}
	for i, ev := range events[:4] {
		if ev.Kind != want[i] {
			t.Errorf("event %d = %v, want %v", i, ev.Kind, want[i])
		}
		if ev.Speaker.Name != "alice" {
			t.Errorf("event %d speaker = %q, want alice", i, ev.Speaker.Name)
		}
	}
	if events[0].Energy == 0 {
		t.Error("speaking start has zero energy")
	}
	if got := len(events[1].PCM); got != audio.FrameSamples*audio.BytesPerFrame {
		t.Errorf("audio event has %d bytes of PCM", got)
	}
	if events[2].Timestamp != 960 {
		t.Errorf("timestamp = %d, want 960", events[2].Timestamp)
	}
}

func TestVoiceLinkSilenceTimeout(t *testing.T) {
	recv := make(chan *dis.Packet, 10)
	link := newTestLink(recv, map[string]*dis.User{
		"u1": {ID: "u1", Username: "alice"},
	})
	sink := newRecordingEventSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Listen(ctx, sink)

	link.handleVoiceSpeakingUpdate(nil, &dis.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7, Speaking: true})
	time.Sleep(20 * time.Millisecond)
	recv <- &dis.Packet{SSRC: 7, Opus: []byte{1}}

	events := sink.waitFor(t, 3)
	if events[2].Kind != voice.SpeakingStopped {
		t.Errorf("third event = %v, want speaking-stopped", events[2].Kind)
	}
}

func TestVoiceLinkSpeakerLookup(t *testing.T) {
	link := newTestLink(nil, map[string]*dis.User{
		"b1": {ID: "b1", Username: "robot", Bot: true},
	})

	if s := link.speaker("b1"); !s.Bot || s.Name != "robot" {
		t.Errorf("speaker(b1) = %+v", s)
	}
	if s := link.speaker("nobody"); s.Name != "Unknown User" {
		t.Errorf("speaker(nobody) = %+v", s)
	}
	if _, cached := link.users["nobody"]; cached {
		t.Error("failed lookup stored as a known user")
	}
}

func TestVoiceLinkFailedLookupBackoff(t *testing.T) {
	calls := 0
	link := newTestLink(nil, nil)
	link.lookupUser = func(userID string) (*dis.User, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("rate limited")
		}
		return &dis.User{ID: userID, Username: "carol"}, nil
	}
	now := time.Unix(1000, 0)
	link.now = func() time.Time { return now }

	// one utterance worth of packets
	for i := 0; i < 50; i++ {
		if s := link.speaker("u3"); s.Name != "Unknown User" {
			t.Fatalf("speaker(u3) = %+v during backoff", s)
		}
	}
	if calls != 1 {
		t.Errorf("lookup called %d times during backoff, want 1", calls)
	}

	now = now.Add(lookupRetry)
	if s := link.speaker("u3"); s.Name != "carol" {
		t.Errorf("speaker(u3) after backoff = %+v, want carol", s)
	}
	link.speaker("u3")
	if calls != 2 {
		t.Errorf("lookup called %d times, want 2", calls)
	}
}

func TestVoiceLinkLookupCallsWhilePacketsArrive(t *testing.T) {
	recv := make(chan *dis.Packet, 20)
	link := newTestLink(recv, nil)
	var mu sync.Mutex
	calls := 0
	link.lookupUser = func(userID string) (*dis.User, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("unknown user")
	}
	sink := newRecordingEventSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Listen(ctx, sink)

	link.handleVoiceSpeakingUpdate(nil, &dis.VoiceSpeakingUpdate{UserID: "u9", SSRC: 9, Speaking: true})
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 10; i++ {
		recv <- &dis.Packet{SSRC: 9, Timestamp: uint32(i * 960), Opus: []byte{1}}
	}

	// speaking start plus ten audio events
	sink.waitFor(t, 11)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("lookup called %d times for one speaker, want 1", calls)
	}
}

func TestVoiceLinkDropsWhenFull(t *testing.T) {
	recv := make(chan *dis.Packet)
	link := newTestLink(recv, nil)
	inbound := make(chan *dis.Packet, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		link.acceptInboundAudioPackets(ctx, inbound)
		close(done)
	}()

	recv <- &dis.Packet{Sequence: 1}
	recv <- &dis.Packet{Sequence: 2}
	recv <- &dis.Packet{Sequence: 3}
	cancel()
	<-done

	if len(inbound) != 1 {
		t.Fatalf("inbound holds %d packets, want 1", len(inbound))
	}
	if p := <-inbound; p.Sequence != 1 {
		t.Errorf("kept packet %d, want the first", p.Sequence)
	}
}
