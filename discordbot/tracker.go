package discordbot

import (
	"time"

	"node.town/scribe/audio"
	"node.town/scribe/voice"
)

const DefaultSilenceTimeout = 300 * time.Millisecond

type trackEvent struct {
	Kind   voice.EventKind
	SSRC   uint32
	UserID string
}

// speechTracker turns Discord's sparse speaking updates into per-utterance
// start and stop events. Discord reports speaking=true once per speaker and
// not per sentence, so a stop is taken from the Opus silence frame the
// client sends when it goes quiet, a speaking=false update, or a gap of
// timeout without packets. Not safe for concurrent use.
type speechTracker struct {
	timeout time.Duration
	users   map[uint32]string
	active  map[uint32]time.Time
}

func newSpeechTracker(timeout time.Duration) *speechTracker {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &speechTracker{
		timeout: timeout,
		users:   make(map[uint32]string),
		active:  make(map[uint32]time.Time),
	}
}

func (t *speechTracker) speaking(ssrc uint32, userID string, speaking bool) []trackEvent {
	t.users[ssrc] = userID
	if speaking {
		return nil
	}
	return t.stop(ssrc)
}

// packet classifies a received packet. Packets from SSRCs that never had a
// speaking update are unknown and yield nothing.
func (t *speechTracker) packet(ssrc uint32, payload []byte, now time.Time) []trackEvent {
	userID, ok := t.users[ssrc]
	if !ok {
		return nil
	}

	if audio.IsSilenceFrame(payload) {
		return t.stop(ssrc)
	}

	var events []trackEvent
	if _, ok := t.active[ssrc]; !ok {
		events = append(events, trackEvent{voice.SpeakingStarted, ssrc, userID})
	}
	t.active[ssrc] = now
	return append(events, trackEvent{voice.AudioReceived, ssrc, userID})
}

// expire stops every speaker that has been quiet for longer than timeout.
func (t *speechTracker) expire(now time.Time) []trackEvent {
	var events []trackEvent
	for ssrc, last := range t.active {
		if now.Sub(last) >= t.timeout {
			events = append(events, t.stop(ssrc)...)
		}
	}
	return events
}

func (t *speechTracker) stop(ssrc uint32) []trackEvent {
	if _, ok := t.active[ssrc]; !ok {
		return nil
	}
	delete(t.active, ssrc)
	return []trackEvent{{voice.SpeakingStopped, ssrc, t.users[ssrc]}}
}
