package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/observer/staffcall/internal/media"
	"github.com/observer/staffcall/internal/pubsub"
	"github.com/observer/staffcall/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// =============================================================================
// fakePeer
// =============================================================================

var errNoRemoteDescription = errors.New("fake: remote description not set")

// fakePeer records what the manager does to a connection. Callbacks fire on
// their own goroutines the way pion fires them.
type fakePeer struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	local   *webrtc.SessionDescription
	remote  *webrtc.SessionDescription
	applied []webrtc.ICECandidateInit
	rtcp    []rtcp.Packet
	closed  bool
	state   webrtc.PeerConnectionState

	localCandidates int

	onICE   func(*webrtc.ICECandidate)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil, nil
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- fake offer\r\n"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- fake answer\r\n"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	n := p.localCandidates
	onICE := p.onICE
	p.mu.Unlock()

	if onICE != nil && n > 0 {
		go func() {
			for i := 0; i < n; i++ {
				onICE(&webrtc.ICECandidate{
					Foundation: fmt.Sprint(i + 1),
					Priority:   uint32(100 - i),
					Address:    "10.0.0.1",
					Protocol:   webrtc.ICEProtocolUDP,
					Port:       uint16(5000 + i),
					Typ:        webrtc.ICECandidateTypeHost,
					Component:  1,
				})
			}
			onICE(nil)
		}()
	}
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &desc
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	ready := p.local != nil && p.remote != nil && p.state == webrtc.PeerConnectionStateNew
	if ready {
		p.state = webrtc.PeerConnectionStateConnected
	}
	onState := p.onState
	p.mu.Unlock()

	if ready && onState != nil {
		go onState(webrtc.PeerConnectionStateConnected)
	}
}

func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePeer) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.state = webrtc.PeerConnectionStateClosed
	onState := p.onState
	p.mu.Unlock()

	if !already && onState != nil {
		go onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// fire simulates a connection state change reported by ICE
func (p *fakePeer) fire(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = state
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		go onState(state)
	}
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.applied))
	for _, c := range p.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) trackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// =============================================================================
// fakeFactory, fakeSource, countingTransport
// =============================================================================

type fakeFactory struct {
	mu              sync.Mutex
	peers           []*fakePeer
	localCandidates int
	err             error
}

func (f *fakeFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{state: webrtc.PeerConnectionStateNew, localCandidates: f.localCandidates}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeSource struct {
	inner *media.SyntheticSource
	fail  atomic.Bool
	calls atomic.Int32

	// noCamera hands back audio only, like a denied camera
	noCamera atomic.Bool
	streams  []*media.LocalStream
	mu       sync.Mutex
}

func (s *fakeSource) Acquire(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, fmt.Errorf("%w: permission denied", media.ErrMediaUnavailable)
	}
	if s.noCamera.Load() {
		c.Video = false
	}
	stream, err := s.inner.Acquire(ctx, c)
	if err == nil {
		s.mu.Lock()
		s.streams = append(s.streams, stream)
		s.mu.Unlock()
	}
	return stream, err
}

func (s *fakeSource) lastStream() *media.LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

type countingTransport struct {
	signaling.Transport
	mu   sync.Mutex
	sent []signaling.Type
}

func (t *countingTransport) Send(ctx context.Context, to string, msg *signaling.Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg.Type)
	t.mu.Unlock()
	return t.Transport.Send(ctx, to, msg)
}

func (t *countingTransport) sentTypes() []signaling.Type {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]signaling.Type(nil), t.sent...)
}

// =============================================================================
// eventLog
// =============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, ev := range l.events {
		if ev.Kind == EventState {
			out = append(out, ev.State.Status)
		}
	}
	return out
}

func (l *eventLog) notices() []NoticeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []NoticeKind
	for _, ev := range l.events {
		if ev.Kind == EventNotice {
			out = append(out, ev.Notice.Kind)
		}
	}
	return out
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) hasNotice(kind NoticeKind) bool {
	for _, k := range l.notices() {
		if k == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// party: one signed-in user wired over a shared broker
// =============================================================================

type party struct {
	id        string
	m         *Manager
	peers     *fakeFactory
	source    *fakeSource
	transport *countingTransport
	log       *eventLog
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.STUNURLs = nil
	cfg.SetupTimeout = 0
	return cfg
}

func newParty(t *testing.T, ps pubsub.PubSub, id string, cfg Config) *party {
	t.Helper()

	self := signaling.Identity{ID: id, Name: "User " + id}
	transport := &countingTransport{
		Transport: signaling.NewPubSubTransport(ps, self, signaling.Config{}, testLogger()),
	}
	peers := &fakeFactory{localCandidates: 2}
	source := &fakeSource{inner: media.NewSyntheticSource(false, testLogger())}
	log := &eventLog{}

	m := NewManager(self, cfg, Deps{
		Transport: transport,
		Source:    source,
		Peers:     peers.New,
	}, testLogger())
	m.Subscribe(log.record)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	return &party{id: id, m: m, peers: peers, source: source, transport: transport, log: log}
}

func (p *party) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return p.m.State().Status == want }, 2*time.Second, 5*time.Millisecond,
		"%s never reached %s (at %s)", p.id, want, p.m.State().Status)
}

func (p *party) waitIncoming(t *testing.T) *IncomingCall {
	t.Helper()
	require.Eventually(t, func() bool { return p.m.Incoming() != nil }, 2*time.Second, 5*time.Millisecond,
		"%s never received a call request", p.id)
	return p.m.Incoming()
}

// queueLen reads the candidate queue on the loop
func (p *party) queueLen(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, p.m.do(context.Background(), func() error {
		n = p.m.queue.Len()
		return nil
	}))
	return n
}

// connect runs a full audio call setup between caller and callee
func connect(t *testing.T, caller, callee *party, isVideo bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, caller.m.StartCall(ctx, callee.id, "User "+callee.id, isVideo))
	callee.waitIncoming(t)
	require.NoError(t, callee.m.AcceptCall(ctx))
	caller.waitStatus(t, StatusConnected)
	callee.waitStatus(t, StatusConnected)
}
