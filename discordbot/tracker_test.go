package discordbot

import (
	"testing"
	"time"

	"node.town/scribe/audio"
	"node.town/scribe/voice"
)

func kinds(events []trackEvent) []voice.EventKind {
	var out []voice.EventKind
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func equalKinds(a, b []voice.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSpeechTracker(t *testing.T) {
	t0 := time.Unix(1000, 0)
	frame := []byte{0x78, 0x01, 0x02}

	type step struct {
		packet   []byte
		speaking *bool
		expireAt time.Duration
		at       time.Duration
		want     []voice.EventKind
	}
	no := false

	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "start on first packet, stop on silence frame",
			steps: []step{
				{packet: frame, want: []voice.EventKind{voice.SpeakingStarted, voice.AudioReceived}},
				{packet: frame, at: 20 * time.Millisecond, want: []voice.EventKind{voice.AudioReceived}},
				{packet: audio.SilenceFrame, at: 40 * time.Millisecond, want: []voice.EventKind{voice.SpeakingStopped}},
				{packet: audio.SilenceFrame, at: 60 * time.Millisecond, want: nil},
				{packet: frame, at: 2 * time.Second, want: []voice.EventKind{voice.SpeakingStarted, voice.AudioReceived}},
			},
		},
		{
			name: "stop on speaking update",
			steps: []step{
				{packet: frame, want: []voice.EventKind{voice.SpeakingStarted, voice.AudioReceived}},
				{speaking: &no, want: []voice.EventKind{voice.SpeakingStopped}},
				{speaking: &no, want: nil},
			},
		},
		{
			name: "stop after silence timeout",
			steps: []step{
				{packet: frame, want: []voice.EventKind{voice.SpeakingStarted, voice.AudioReceived}},
				{expireAt: 100 * time.Millisecond, want: nil},
				{expireAt: 300 * time.Millisecond, want: []voice.EventKind{voice.SpeakingStopped}},
				{expireAt: time.Second, want: nil},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newSpeechTracker(300 * time.Millisecond)
			tr.speaking(42, "u1", true)

			for i, s := range tt.steps {
				var got []trackEvent
				switch {
				case s.packet != nil:
					got = tr.packet(42, s.packet, t0.Add(s.at))
				case s.speaking != nil:
					got = tr.speaking(42, "u1", *s.speaking)
				default:
					got = tr.expire(t0.Add(s.expireAt))
				}
				if !equalKinds(kinds(got), s.want) {
					t.Errorf("step %d: got %v, want %v", i, kinds(got), s.want)
				}
				for _, ev := range got {
					if ev.UserID != "u1" || ev.SSRC != 42 {
						t.Errorf("step %d: event for %s/%d", i, ev.UserID, ev.SSRC)
					}
				}
			}
		})
	}
}

func TestSpeechTrackerUnknownSSRC(t *testing.T) {
	tr := newSpeechTracker(0)
	if got := tr.packet(7, []byte{1, 2, 3}, time.Now()); len(got) != 0 {
		t.Errorf("packet() for unknown SSRC = %v, want nothing", kinds(got))
	}
}
