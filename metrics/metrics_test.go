package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Utterance(OutcomeDelivered, time.Second)
	m.Transcription(time.Second, nil)
	m.Waited(time.Second)
	m.SessionOpened()
	m.SessionClosed()
	m.PacketDropped()
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Utterance(OutcomeDelivered, 2*time.Second)
	m.Utterance(OutcomeTooShort, 500*time.Millisecond)
	m.Utterance(OutcomeTooShort, 200*time.Millisecond)
	m.Transcription(time.Second, nil)
	m.Transcription(time.Second, errors.New("boom"))
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	if got := testutil.ToFloat64(m.Utterances.WithLabelValues(OutcomeTooShort)); got != 2 {
		t.Errorf("too_short utterances = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TranscriptionRequests); got != 2 {
		t.Errorf("transcription requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TranscriptionFailures); got != 1 {
		t.Errorf("transcription failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}
