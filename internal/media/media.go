// Package media acquires local audio/video tracks for a call and holds the
// remote tracks that arrive from the peer.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable is returned when a source cannot provide the requested tracks
var ErrMediaUnavailable = errors.New("media: unavailable")

// Constraints selects which kinds a call needs
type Constraints struct {
	Audio bool
	Video bool
}

// Source hands out local streams. Each Acquire yields a fresh stream that the
// caller owns until Stop.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

// Verify reports a requested track kind the stream lacks
func (c Constraints) Verify(s *LocalStream) error {
	if c.Audio && s.Audio() == nil {
		return fmt.Errorf("%w: no microphone track", ErrMediaUnavailable)
	}
	if c.Video && s.Video() == nil {
		return fmt.Errorf("%w: no camera track", ErrMediaUnavailable)
	}
	return nil
}

// TrackSink consumes remote tracks, e.g. playback or recording
type TrackSink interface {
	Attach(track *webrtc.TrackRemote)
}

// LocalStream is the set of local tracks for one call. The same pointer is
// shared by the peer connection senders and the local preview.
type LocalStream struct {
	ID string

	audio *LocalTrack
	video *LocalTrack
	once  sync.Once
}

// NewLocalStream groups tracks; either may be nil
func NewLocalStream(id string, audio, video *LocalTrack) *LocalStream {
	return &LocalStream{ID: id, audio: audio, video: video}
}

func (s *LocalStream) Audio() *LocalTrack { return s.audio }
func (s *LocalStream) Video() *LocalTrack { return s.video }

// Tracks returns the present tracks, audio first
func (s *LocalStream) Tracks() []*LocalTrack {
	out := make([]*LocalTrack, 0, 2)
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

// Stop releases every track. Safe to call more than once.
func (s *LocalStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.Tracks() {
			t.Stop()
		}
	})
}

// RemoteStream collects tracks received from the peer
type RemoteStream struct {
	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	stopped bool
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// Add records a track; it reports false once the stream was stopped
func (s *RemoteStream) Add(track *webrtc.TrackRemote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.tracks = append(s.tracks, track)
	return true
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// Stop drops all tracks. Reading ends when the owning peer connection closes.
func (s *RemoteStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.tracks = nil
}

func (s *RemoteStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
