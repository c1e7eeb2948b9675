package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"node.town/scribe/metrics"
)

const (
	DefaultMinInterval = time.Second
	DefaultTimeout     = 10 * time.Second
)

type RateLimitOptions struct {
	// MinInterval separates the completion of one backend call from the
	// start of the next.
	MinInterval time.Duration
	// Timeout bounds a single backend call.
	Timeout time.Duration
	Log     *log.Logger
	Metrics *metrics.Metrics
}

// RateLimited admits one backend call at a time, in arrival order, and keeps
// MinInterval between the end of a call and the start of the next. One
// instance is shared by every session since the limit belongs to the
// backend.
type RateLimited struct {
	next Transcriber
	opts RateLimitOptions
	gate chan struct{}
	last time.Time
	now  func() time.Time
}

func NewRateLimited(next Transcriber, opts RateLimitOptions) *RateLimited {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Log == nil {
		opts.Log = log.Default()
	}
	return &RateLimited{
		next: next,
		opts: opts,
		gate: make(chan struct{}, 1),
		now:  time.Now,
	}
}

func (r *RateLimited) Transcribe(ctx context.Context, pcm []byte) (Result, error) {
	queued := r.now()

	// Blocked senders on a channel are woken in FIFO order, which makes the
	// gate a queue.
	select {
	case r.gate <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-r.gate }()

	// r.last is only touched while holding the gate.
	if !r.last.IsZero() {
		if wait := r.opts.MinInterval - r.now().Sub(r.last); wait > 0 {
			r.opts.Log.Debug("waiting for rate limit", "wait", wait)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Result{}, ctx.Err()
			}
		}
	}
	r.opts.Metrics.Waited(r.now().Sub(queued))

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := r.now()
	res, err := r.next.Transcribe(callCtx, pcm)
	r.last = r.now()
	r.opts.Metrics.Transcription(r.last.Sub(start), err)

	if err != nil {
		return Result{}, fmt.Errorf("rate limited transcription: %w", err)
	}
	return res, nil
}
