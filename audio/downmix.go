package audio

import "fmt"

type ConversionError struct {
	Reason string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("convert audio: %s: %v", e.Reason, e.Err)
	}
	return "convert audio: " + e.Reason
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Converter turns a finalized utterance into the payload the transcription
// backend accepts.
type Converter interface {
	Convert(pcm []byte) ([]byte, error)
}

// Downmixer keeps the first channel of stereo s16le PCM.
type Downmixer struct{}

func (Downmixer) Convert(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, &ConversionError{Reason: "empty utterance"}
	}
	return Downmix(pcm), nil
}

// Downmix drops the second channel: of every 4-byte stereo frame the first
// two bytes are kept. The output is half the input length; a ragged tail is
// truncated rather than padded.
func Downmix(in []byte) []byte {
	out := make([]byte, len(in)/2)
	for i, j := 0, 0; i < len(in) && j < len(out); i += 4 {
		out[j] = in[i]
		j++
		if j < len(out) && i+1 < len(in) {
			out[j] = in[i+1]
			j++
		}
	}
	return out
}
