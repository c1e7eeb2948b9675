package stt

import (
	"context"
	"fmt"
)

// ContentType describes the payload every Transcriber receives: mono signed
// 16-bit little-endian PCM at 48 kHz.
const ContentType = "audio/raw;encoding=signed-integer;bits=16;rate=48k;endian=little"

type Result struct {
	Text string
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (Result, error)
}

type TranscriptionError struct {
	Code   string
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	msg := "transcribe: " + e.Reason
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}
