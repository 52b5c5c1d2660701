package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalTrack wraps a pion local track with an enabled switch. While disabled
// nothing reaches the wire; the sender and transceiver stay in place, so the
// peer sees silence or a frozen frame rather than a renegotiation.
type LocalTrack struct {
	webrtc.TrackLocal

	enabled  atomic.Bool
	stopped  atomic.Bool
	release  func()
	stopOnce sync.Once

	mu       sync.Mutex
	bindings map[string]*gatedContext
}

// NewLocalTrack wraps track; release runs once on Stop and may be nil
func NewLocalTrack(track webrtc.TrackLocal, release func()) *LocalTrack {
	t := &LocalTrack{
		TrackLocal: track,
		release:    release,
		bindings:   make(map[string]*gatedContext),
	}
	t.enabled.Store(true)
	return t
}

// Bind hands the wrapped track a context whose writer honours the enabled flag
func (t *LocalTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gated := &gatedContext{TrackLocalContext: ctx, track: t}

	t.mu.Lock()
	t.bindings[ctx.ID()] = gated
	t.mu.Unlock()

	params, err := t.TrackLocal.Bind(gated)
	if err != nil {
		t.mu.Lock()
		delete(t.bindings, ctx.ID())
		t.mu.Unlock()
	}
	return params, err
}

// Unbind passes the same wrapped context the track was bound with
func (t *LocalTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	gated, ok := t.bindings[ctx.ID()]
	delete(t.bindings, ctx.ID())
	t.mu.Unlock()

	if !ok {
		return t.TrackLocal.Unbind(ctx)
	}
	return t.TrackLocal.Unbind(gated)
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Stopped reports whether the track was released
func (t *LocalTrack) Stopped() bool {
	return t.stopped.Load()
}

// Stop releases the capture behind the track
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.release != nil {
			t.release()
		}
	})
}

// Bound returns how many senders the track is attached to
func (t *LocalTrack) Bound() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	track *LocalTrack
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{next: c.TrackLocalContext.WriteStream(), track: c.track}
}

type gatedWriter struct {
	next  webrtc.TrackLocalWriter
	track *LocalTrack
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.track.Enabled() {
		return len(payload), nil
	}
	return w.next.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.track.Enabled() {
		return len(b), nil
	}
	return w.next.Write(b)
}
