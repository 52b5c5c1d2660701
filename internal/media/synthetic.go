package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusClockRate     = 48000
	opusChannels      = 2
	vp8ClockRate      = 90000
)

// opusSilence is a single Opus frame that decodes to 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces Opus and VP8 tracks without capture hardware.
// With Pump set the audio track carries a steady stream of silence frames,
// which keeps the RTP path warm for headless agents and tests.
type SyntheticSource struct {
	Pump   bool
	Logger *slog.Logger
}

// NewSyntheticSource creates a source; pump enables the silence generator
func NewSyntheticSource(pump bool, logger *slog.Logger) *SyntheticSource {
	return &SyntheticSource{Pump: pump, Logger: logger.With("component", "media", "source", "synthetic")}
}

// Acquire builds a new stream with the requested kinds
func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no track kinds requested", ErrMediaUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	streamID := "staffcall-" + uuid.NewString()

	var audio, video *LocalTrack
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
			"audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: audio track: %v", ErrMediaUnavailable, err)
		}

		var release func()
		if s.Pump {
			release = s.pump(track)
		}
		audio = NewLocalTrack(track, release)
	}

	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: vp8ClockRate},
			"video", streamID,
		)
		if err != nil {
			if audio != nil {
				audio.Stop()
			}
			return nil, fmt.Errorf("%w: video track: %v", ErrMediaUnavailable, err)
		}
		video = NewLocalTrack(track, nil)
	}

	if s.Logger != nil {
		s.Logger.Debug("local stream acquired", "stream_id", streamID, "audio", c.Audio, "video", c.Video)
	}
	return NewLocalStream(streamID, audio, video), nil
}

// pump writes silence frames until the returned stop func runs
func (s *SyntheticSource) pump(track *webrtc.TrackLocalStaticSample) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(opusFrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// unbound tracks swallow writes
				if err := track.WriteSample(pmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil && s.Logger != nil {
					s.Logger.Debug("silence write failed", "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
