package audio

import (
	"errors"
	"sync"
)

var ErrBufferFinalized = errors.New("speaker buffer already finalized")

// SpeakerBuffer accumulates the raw PCM of one utterance for one speaker.
// Once finalized it accepts no more audio.
type SpeakerBuffer struct {
	mu      sync.Mutex
	speaker string
	chunks  [][]byte
	size    int
	done    bool
}

func NewSpeakerBuffer(speaker string) *SpeakerBuffer {
	return &SpeakerBuffer{speaker: speaker}
}

func (b *SpeakerBuffer) Speaker() string {
	return b.speaker
}

func (b *SpeakerBuffer) Append(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return ErrBufferFinalized
	}

	c := make([]byte, len(chunk))
	copy(c, chunk)
	b.chunks = append(b.chunks, c)
	b.size += len(c)
	return nil
}

func (b *SpeakerBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Finalize returns the chunks concatenated in arrival order and releases
// them. Only the first call returns data.
func (b *SpeakerBuffer) Finalize() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return nil
	}
	b.done = true

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.chunks = nil
	return out
}
