//go:build devices

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone through pion/mediadevices.
// Encoding happens in the track, VP8 for video and Opus for audio.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

// NewDeviceSource prepares the encoder selection
func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	logger = logger.With("component", "media", "source", "devices")
	for _, d := range mediadevices.EnumerateDevices() {
		logger.Info("media device", "kind", d.Kind, "label", d.Label)
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// Acquire opens every requested device or none. A call never starts with a
// kind missing, so a denied camera fails a video call instead of turning it
// into an audio call behind the caller's back.
func (s *DeviceSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no track kinds requested", ErrMediaUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		s.logger.Warn("device capture failed", "video", c.Video, "audio", c.Audio, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	streamID := "staffcall-" + uuid.NewString()
	var audio, video *LocalTrack
	for _, track := range stream.GetTracks() {
		track := track
		track.OnEnded(func(err error) {
			if err != nil {
				s.logger.Warn("local track ended", "kind", track.Kind(), "error", err)
			}
		})
		local := NewLocalTrack(track, func() { track.Close() })
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			video = local
		} else {
			audio = local
		}
	}

	local := NewLocalStream(streamID, audio, video)
	if err := c.Verify(local); err != nil {
		local.Stop()
		s.logger.Warn("device capture incomplete", "error", err)
		return nil, err
	}

	s.logger.Info("local media captured", "stream_id", streamID, "audio", audio != nil, "video", video != nil)
	return local, nil
}
