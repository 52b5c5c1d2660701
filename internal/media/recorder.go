package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// rtpWriter is satisfied by the pion container writers
type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// Recorder is the playback sink for remote tracks. With a directory set it
// writes Opus to .ogg and VP8 to .ivf; otherwise it only drains the tracks
// so the receive buffers never fill.
type Recorder struct {
	dir    string
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewRecorder(dir string, logger *slog.Logger) *Recorder {
	return &Recorder{dir: dir, logger: logger.With("component", "recorder")}
}

// Attach starts consuming the track until it ends
func (r *Recorder) Attach(track *webrtc.TrackRemote) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consume(track)
	}()
}

// Wait blocks until every attached track has ended
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) consume(track *webrtc.TrackRemote) {
	codec := track.Codec()
	logger := r.logger.With("ssrc", uint32(track.SSRC()), "mime", codec.MimeType)

	var w rtpWriter
	if r.dir != "" {
		name := fmt.Sprintf("%s-%d-%d", sanitize(track.StreamID()), uint32(track.SSRC()), time.Now().Unix())
		f, path, err := createFor(r.dir, name, codec.MimeType)
		switch {
		case errors.Is(err, errUnsupportedCodec):
			logger.Debug("codec not recorded, draining")
		case err != nil:
			logger.Warn("cannot create recording", "error", err)
		default:
			w, err = newTrackWriter(f, codec.MimeType, codec.Channels)
			if err != nil {
				logger.Warn("cannot start recording", "path", path, "error", err)
				f.Close()
			} else {
				logger.Info("recording remote track", "path", path)
			}
		}
	}

	packets := 0
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if w != nil {
				if cerr := w.Close(); cerr != nil {
					logger.Warn("closing recording failed", "error", cerr)
				}
			}
			logger.Debug("remote track ended", "packets", packets, "reason", err)
			return
		}
		packets++
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				logger.Warn("recording write failed", "error", err)
				w.Close()
				w = nil
			}
		}
	}
}

var errUnsupportedCodec = errors.New("media: codec not recordable")

func extensionFor(mimeType string) (string, error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		return ".ogg", nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8), strings.EqualFold(mimeType, webrtc.MimeTypeVP9), strings.EqualFold(mimeType, webrtc.MimeTypeAV1):
		return ".ivf", nil
	}
	return "", errUnsupportedCodec
}

func createFor(dir, name, mimeType string) (*os.File, string, error) {
	ext, err := extensionFor(mimeType)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(dir, name+ext)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("create recording: %w", err)
	}
	return f, path, nil
}

// newTrackWriter picks the container for a codec. The writer owns out when out is a Closer.
func newTrackWriter(out io.Writer, mimeType string, channels uint16) (rtpWriter, error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		if channels == 0 {
			channels = opusChannels
		}
		return oggwriter.NewWith(out, opusClockRate, channels)
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return ivfwriter.NewWith(out, ivfwriter.WithCodec(webrtc.MimeTypeVP8))
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return ivfwriter.NewWith(out, ivfwriter.WithCodec(webrtc.MimeTypeVP9))
	case strings.EqualFold(mimeType, webrtc.MimeTypeAV1):
		return ivfwriter.NewWith(out, ivfwriter.WithCodec(webrtc.MimeTypeAV1))
	}
	return nil, errUnsupportedCodec
}

func sanitize(s string) string {
	if s == "" {
		return "remote"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
