package call

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/observer/staffcall/internal/signaling"
)

// PeerConnection is the part of *webrtc.PeerConnection a call drives
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// PeerFactory creates one peer connection per call
type PeerFactory func() (PeerConnection, error)

// NewPionFactory builds peer connections with the default codecs and
// interceptors, the configured ICE servers and relaxed ICE timeouts
func NewPionFactory(cfg Config) (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.ICEDisconnectedTimeout > 0 && cfg.ICEFailedTimeout > 0 {
		se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepaliveInterval)
	}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	conf := cfg.webrtcConfiguration()

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(conf)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}, nil
}

// peer is the single live connection of a call
type peer struct {
	pc           PeerConnection
	remoteUserID string
	gen          uint64
}

// The methods below run on the manager loop only.

// newPeer creates the connection, attaches the local tracks and routes the
// connection's callbacks back into the loop tagged with the call generation
func (m *Manager) newPeer(remoteUserID string) (*peer, error) {
	pc, err := m.newPeerConn()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &peer{pc: pc, remoteUserID: remoteUserID, gen: m.gen}

	if m.local != nil {
		for _, track := range m.local.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			if sender != nil {
				go drainRTCP(sender)
			}
		}
	}

	gen := p.gen
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.post(func() { m.onLocalCandidate(gen, init) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.post(func() { m.onRemoteTrack(gen, track) })
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.post(func() { m.onConnectionState(gen, state) })
	})

	m.peer = p
	m.logger.Debug("peer connection created", "remote_user_id", remoteUserID, "gen", gen)
	return p, nil
}

// drainRTCP reads sender RTCP so the interceptors keep running
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// createOffer runs on the calling side after call-accepted
func (m *Manager) createOffer(ctx context.Context) error {
	p, err := m.newPeer(m.state.RemoteUserID)
	if err != nil {
		return err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	m.send(ctx, &signaling.Message{Type: signaling.TypeOffer, IsVideo: m.state.IsVideo, SDP: &offer})
	return nil
}

// handleOffer runs on the answering side
func (m *Manager) handleOffer(ctx context.Context, msg *signaling.Message) error {
	p, err := m.newPeer(msg.From)
	if err != nil {
		return err
	}

	if err := p.pc.SetRemoteDescription(*msg.SDP); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.drainCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	m.send(ctx, &signaling.Message{Type: signaling.TypeAnswer, IsVideo: m.state.IsVideo, SDP: &answer})
	return nil
}

// handleAnswer runs on the offering side
func (m *Manager) handleAnswer(msg *signaling.Message) error {
	if err := m.peer.pc.SetRemoteDescription(*msg.SDP); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.drainCandidates()
	return nil
}

// addRemoteCandidate applies a candidate now or queues it until the remote description is set
func (m *Manager) addRemoteCandidate(c webrtc.ICECandidateInit) {
	if m.peer == nil || m.peer.pc.RemoteDescription() == nil {
		m.queue.Push(c)
		m.logger.Debug("queued remote candidate", "queued", m.queue.Len())
		return
	}
	if err := m.peer.pc.AddICECandidate(c); err != nil {
		m.logger.Warn("failed to add remote candidate", "error", err)
	}
}

func (m *Manager) drainCandidates() {
	pending := m.queue.Drain()
	for _, c := range pending {
		if err := m.peer.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("failed to add queued candidate", "error", err)
		}
	}
	if len(pending) > 0 {
		m.logger.Debug("applied queued candidates", "count", len(pending))
	}
}

func (m *Manager) closePeer() {
	if m.peer == nil {
		return
	}
	if err := m.peer.pc.Close(); err != nil {
		m.logger.Warn("closing peer connection failed", "error", err)
	}
	m.peer = nil
}

func (m *Manager) onLocalCandidate(gen uint64, c webrtc.ICECandidateInit) {
	if gen != m.gen || m.peer == nil {
		return
	}
	ctx, cancel := m.sendContext()
	defer cancel()
	m.send(ctx, &signaling.Message{Type: signaling.TypeICECandidate, IsVideo: m.state.IsVideo, Candidate: &c})
}

func (m *Manager) onRemoteTrack(gen uint64, track *webrtc.TrackRemote) {
	if gen != m.gen || m.peer == nil || m.remote == nil {
		return
	}
	if !m.remote.Add(track) {
		return
	}

	kind := track.Kind()
	if kind == webrtc.RTPCodecTypeVideo {
		if err := m.peer.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			m.logger.Warn("failed to request keyframe", "error", err)
		}
	}
	if m.sink != nil {
		m.sink.Attach(track)
	}

	m.logger.Info("remote track received", "remote_user_id", m.state.RemoteUserID, "kind", kind.String())
	m.emit(Event{Kind: EventRemoteTrack, Track: &RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     kind.String(),
		Codec:    track.Codec().MimeType,
	}})
}

func (m *Manager) onConnectionState(gen uint64, state webrtc.PeerConnectionState) {
	if gen != m.gen || m.peer == nil {
		return
	}
	m.logger.Info("peer connection state", "state", state.String(), "status", m.state.Status)

	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		if m.state.Status == StatusConnected {
			m.terminate(NoticeConnectionLost, signaling.ReasonFailed, "peer disconnected")
		}
	case webrtc.PeerConnectionStateFailed:
		m.terminate(NoticeFailed, signaling.ReasonFailed, "peer connection failed")
	case webrtc.PeerConnectionStateClosed:
		// our own teardown bumps gen first, so this is a close we did not ask for
		m.terminate(NoticeConnectionLost, signaling.ReasonFailed, "peer connection closed")
	}
}
