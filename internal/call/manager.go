// Package call runs the one-to-one call lifecycle for a signed-in user:
// signaling, the peer connection, ICE candidate buffering and local media.
//
// All state lives on a single goroutine per Manager. UI commands, inbound
// signals, peer connection callbacks and timers are posted to it as closures,
// so nothing inside the loop needs locking.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/staffcall/internal/media"
	"github.com/observer/staffcall/internal/signaling"
)

const (
	commandBuffer      = 64
	defaultSendTimeout = 5 * time.Second
)

// Deps are the collaborators a Manager drives
type Deps struct {
	Transport signaling.Transport
	Source    media.Source
	Peers     PeerFactory
	// Sink receives remote tracks; optional
	Sink media.TrackSink
}

type snapshot struct {
	state    State
	incoming *IncomingCall
	local    *media.LocalStream
	remote   *media.RemoteStream
}

type listenerEntry struct {
	id int
	fn Listener
}

// Manager owns the call state of one user session
type Manager struct {
	self        signaling.Identity
	cfg         Config
	transport   signaling.Transport
	source      media.Source
	newPeerConn PeerFactory
	sink        media.TrackSink
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	subMu     sync.Mutex
	sub       signaling.Subscription

	// loop-owned
	state         State
	incoming      *IncomingCall
	incomingTimer *time.Timer
	setupTimer    *time.Timer
	peer          *peer
	gen           uint64
	local         *media.LocalStream
	remote        *media.RemoteStream
	queue         CandidateQueue

	snapMu sync.RWMutex
	snap   snapshot

	listenersMu  sync.RWMutex
	listeners    []listenerEntry
	nextListener int
}

// NewManager creates a manager and starts its loop. Call Start to begin
// receiving signals and Close when the session ends.
func NewManager(self signaling.Identity, cfg Config, deps Deps, logger *slog.Logger) *Manager {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		self:        self,
		cfg:         cfg,
		transport:   deps.Transport,
		source:      deps.Source,
		newPeerConn: deps.Peers,
		sink:        deps.Sink,
		logger:      logger.With("component", "call", "user_id", self.ID),
		ctx:         ctx,
		cancel:      cancel,
		cmds:        make(chan func(), commandBuffer),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
		state:       idleState(),
	}
	m.snap = snapshot{state: m.state}

	go m.run()
	return m
}

// Self returns the identity this manager signals as
func (m *Manager) Self() signaling.Identity {
	return m.self
}

// Start subscribes to the user's signaling topic for the rest of the session
func (m *Manager) Start(ctx context.Context) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	select {
	case <-m.done:
		return ErrManagerClosed
	default:
	}
	if m.sub != nil {
		return nil
	}

	sub, err := m.transport.Listen(ctx, m.self.ID, m.onSignal)
	if err != nil {
		return fmt.Errorf("listen for signals: %w", err)
	}
	m.sub = sub
	m.logger.Info("call manager started")
	return nil
}

// Close ends any active call, rejects a pending request and stops the loop
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout+time.Second)
		defer cancel()
		_ = m.do(ctx, func() error {
			if m.incoming != nil {
				m.rejectIncoming(signaling.ReasonDeclined)
			}
			m.hangup(signaling.ReasonHangup)
			return nil
		})

		m.subMu.Lock()
		if m.sub != nil {
			err = m.sub.Unsubscribe()
			m.sub = nil
		}
		m.subMu.Unlock()

		m.cancel()
		close(m.done)
		<-m.exited
		m.logger.Info("call manager closed")
	})
	return err
}

func (m *Manager) run() {
	defer close(m.exited)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.done:
			return
		}
	}
}

// post queues fn on the loop; it is dropped once the manager is closed
func (m *Manager) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

// do runs fn on the loop and waits for its result
func (m *Manager) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case m.cmds <- func() { errc <- fn() }:
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// UI operations
// =============================================================================

// StartCall acquires local media and sends a call request to targetID
func (m *Manager) StartCall(ctx context.Context, targetID, targetName string, isVideo bool) error {
	return m.do(ctx, func() error { return m.startCall(ctx, targetID, targetName, isVideo) })
}

// AcceptCall answers the pending incoming request
func (m *Manager) AcceptCall(ctx context.Context) error {
	return m.do(ctx, func() error { return m.acceptCall(ctx) })
}

// RejectCall declines the pending incoming request
func (m *Manager) RejectCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.incoming == nil {
			return ErrNoIncomingCall
		}
		m.rejectIncoming(signaling.ReasonDeclined)
		return nil
	})
}

// EndCall hangs up. It is a no-op when no call is active.
func (m *Manager) EndCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.hangup(signaling.ReasonHangup)
		return nil
	})
}

// ToggleMute flips the local audio track and returns the new muted flag
func (m *Manager) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := m.do(ctx, func() error {
		if !m.state.Active() {
			return ErrNotInCall
		}
		muted = !m.state.IsMuted
		if m.local != nil && m.local.Audio() != nil {
			m.local.Audio().SetEnabled(!muted)
		}
		next := m.state
		next.IsMuted = muted
		m.setState(next)
		return nil
	})
	return muted, err
}

// ToggleVideo flips the local video track and returns the new video-off flag
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	var off bool
	err := m.do(ctx, func() error {
		if !m.state.Active() {
			return ErrNotInCall
		}
		off = !m.state.IsVideoOff
		if m.local != nil && m.local.Video() != nil {
			m.local.Video().SetEnabled(!off)
		}
		next := m.state
		next.IsVideoOff = off
		m.setState(next)
		return nil
	})
	return off, err
}

// =============================================================================
// Snapshots and listeners
// =============================================================================

func (m *Manager) State() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.state
}

// Incoming returns a copy of the pending request, or nil
func (m *Manager) Incoming() *IncomingCall {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if m.snap.incoming == nil {
		return nil
	}
	inc := *m.snap.incoming
	return &inc
}

// LocalStream returns the stream shared with the peer connection, or nil
func (m *Manager) LocalStream() *media.LocalStream {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.local
}

func (m *Manager) RemoteStream() *media.RemoteStream {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.remote
}

// Subscribe registers l for all events and returns a func that removes it
func (m *Manager) Subscribe(l Listener) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: l})

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.listenersMu.RLock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, e := range m.listeners {
		ls = append(ls, e.fn)
	}
	m.listenersMu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

func (m *Manager) publishSnapshot() {
	var inc *IncomingCall
	if m.incoming != nil {
		c := *m.incoming
		inc = &c
	}
	m.snapMu.Lock()
	m.snap = snapshot{state: m.state, incoming: inc, local: m.local, remote: m.remote}
	m.snapMu.Unlock()
}

func (m *Manager) setState(s State) {
	m.state = s
	m.publishSnapshot()
	m.logger.Debug("call state", "status", s.Status, "remote_user_id", s.RemoteUserID)
	m.emit(Event{Kind: EventState, State: s})
}

func (m *Manager) setIncoming(inc *IncomingCall) {
	m.incoming = inc
	m.publishSnapshot()
	var out *IncomingCall
	if inc != nil {
		c := *inc
		out = &c
	}
	m.emit(Event{Kind: EventIncoming, Incoming: out})
}

func (m *Manager) notify(kind NoticeKind, remoteID, remoteName, detail string) {
	m.logger.Info("call notice", "kind", kind, "remote_user_id", remoteID, "detail", detail)
	m.emit(Event{Kind: EventNotice, Notice: &Notice{
		Kind:         kind,
		RemoteUserID: remoteID,
		RemoteName:   remoteName,
		Detail:       detail,
	}})
}

// =============================================================================
// Transitions (loop only)
// =============================================================================

func (m *Manager) sendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, m.cfg.SendTimeout)
}

// send delivers to the current remote party; failures are logged only
func (m *Manager) send(ctx context.Context, msg *signaling.Message) {
	if m.state.RemoteUserID == "" {
		return
	}
	m.sendTo(ctx, m.state.RemoteUserID, msg)
}

func (m *Manager) sendTo(ctx context.Context, to string, msg *signaling.Message) {
	if err := m.transport.Send(ctx, to, msg); err != nil {
		m.logger.Warn("signal not sent", "type", msg.Type, "to", to, "error", err)
	}
}

// acquire opens local media. A stream missing a requested kind is released
// and treated as a device failure, so a call never starts degraded.
func (m *Manager) acquire(ctx context.Context, isVideo bool) (*media.LocalStream, error) {
	want := media.Constraints{Audio: true, Video: isVideo}
	stream, err := m.source.Acquire(ctx, want)
	if err != nil {
		return nil, err
	}
	if err := want.Verify(stream); err != nil {
		stream.Stop()
		return nil, err
	}
	return stream, nil
}

func (m *Manager) startCall(ctx context.Context, targetID, targetName string, isVideo bool) error {
	if targetID == "" || targetID == m.self.ID {
		return ErrInvalidTarget
	}
	if m.state.Active() {
		return ErrAlreadyInCall
	}

	stream, err := m.acquire(ctx, isVideo)
	if err != nil {
		m.notify(NoticeMediaError, targetID, targetName, err.Error())
		return fmt.Errorf("start call: %w", err)
	}

	if m.incoming != nil {
		m.rejectIncoming(signaling.ReasonBusy)
	}

	m.local = stream
	m.remote = media.NewRemoteStream()
	m.setState(State{
		Status:         StatusCalling,
		IsVideo:        isVideo,
		RemoteUserID:   targetID,
		RemoteUserName: targetName,
	})
	m.armSetupTimer()

	sctx, cancel := m.sendContext()
	defer cancel()
	m.send(sctx, &signaling.Message{Type: signaling.TypeCallRequest, IsVideo: isVideo})
	return nil
}

func (m *Manager) acceptCall(ctx context.Context) error {
	inc := m.incoming
	if inc == nil {
		return ErrNoIncomingCall
	}
	if m.state.Active() {
		return ErrAlreadyInCall
	}

	stream, err := m.acquire(ctx, inc.IsVideo)
	if err != nil {
		m.notify(NoticeMediaError, inc.From, inc.FromName, err.Error())
		return fmt.Errorf("accept call: %w", err)
	}

	m.local = stream
	m.remote = media.NewRemoteStream()
	m.clearIncoming()
	m.setState(State{
		Status:         StatusRinging,
		IsVideo:        inc.IsVideo,
		RemoteUserID:   inc.From,
		RemoteUserName: inc.FromName,
	})
	m.armSetupTimer()

	sctx, cancel := m.sendContext()
	defer cancel()
	m.send(sctx, &signaling.Message{Type: signaling.TypeCallAccepted, IsVideo: inc.IsVideo})
	return nil
}

func (m *Manager) rejectIncoming(reason string) {
	inc := m.incoming
	sctx, cancel := m.sendContext()
	defer cancel()
	m.sendTo(sctx, inc.From, &signaling.Message{Type: signaling.TypeCallRejected, IsVideo: inc.IsVideo, Reason: reason})
	m.clearIncoming()
}

func (m *Manager) clearIncoming() {
	if m.incomingTimer != nil {
		m.incomingTimer.Stop()
		m.incomingTimer = nil
	}
	if m.incoming != nil {
		m.setIncoming(nil)
	}
}

// hangup notifies the remote party and tears down; no-op when idle
func (m *Manager) hangup(reason string) {
	if !m.state.Active() {
		return
	}
	sctx, cancel := m.sendContext()
	defer cancel()
	m.send(sctx, &signaling.Message{Type: signaling.TypeCallEnded, IsVideo: m.state.IsVideo, Reason: reason})
	m.teardown()
}

// terminate ends the call on a local failure or timeout
func (m *Manager) terminate(kind NoticeKind, reason, detail string) {
	if !m.state.Active() {
		return
	}
	m.notify(kind, m.state.RemoteUserID, m.state.RemoteUserName, detail)
	m.hangup(reason)
}

// teardown releases every call resource and returns to idle. Idempotent.
func (m *Manager) teardown() {
	if !m.state.Active() && m.peer == nil && m.local == nil && m.remote == nil {
		return
	}

	m.gen++
	m.stopSetupTimer()
	m.closePeer()
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	if m.remote != nil {
		m.remote.Stop()
		m.remote = nil
	}
	m.queue.Clear()

	if m.state.Active() {
		ended := m.state
		ended.Status = StatusEnded
		m.setState(ended)
	}
	m.setState(idleState())
	m.logger.Info("call torn down")
}

func (m *Manager) setConnected() {
	m.stopSetupTimer()
	next := m.state
	next.Status = StatusConnected
	next.StartedAt = time.Now()
	m.setState(next)
}

func (m *Manager) armSetupTimer() {
	m.stopSetupTimer()
	if m.cfg.SetupTimeout <= 0 {
		return
	}
	gen := m.gen
	m.setupTimer = time.AfterFunc(m.cfg.SetupTimeout, func() {
		m.post(func() { m.onSetupTimeout(gen) })
	})
}

func (m *Manager) stopSetupTimer() {
	if m.setupTimer != nil {
		m.setupTimer.Stop()
		m.setupTimer = nil
	}
}

func (m *Manager) onSetupTimeout(gen uint64) {
	if gen != m.gen {
		return
	}
	if s := m.state.Status; s != StatusCalling && s != StatusRinging {
		return
	}
	m.logger.Info("call setup timed out", "remote_user_id", m.state.RemoteUserID, "status", m.state.Status)
	m.terminate(NoticeNoAnswer, signaling.ReasonNoAnswer, "")
}

// =============================================================================
// Inbound signals
// =============================================================================

func (m *Manager) onSignal(_ context.Context, msg *signaling.Message) {
	m.post(func() { m.handleSignal(msg) })
}

func (m *Manager) handleSignal(msg *signaling.Message) {
	ctx, cancel := m.sendContext()
	defer cancel()
	logger := m.logger.With("type", msg.Type, "from", msg.From)

	switch msg.Type {
	case signaling.TypeCallRequest:
		m.onCallRequest(ctx, msg)
		return
	case signaling.TypeCallEnded:
		// caller gave up before we answered
		if inc := m.incoming; inc != nil && inc.From == msg.From {
			m.clearIncoming()
			m.notify(NoticeMissed, inc.From, inc.FromName, msg.Reason)
			return
		}
	}

	if !m.state.Active() || msg.From != m.state.RemoteUserID {
		logger.Debug("ignoring signal outside current call", "status", m.state.Status)
		return
	}

	switch msg.Type {
	case signaling.TypeCallAccepted:
		if m.state.Status != StatusCalling {
			return
		}
		if err := m.createOffer(ctx); err != nil {
			logger.Error("offer failed", "error", err)
			m.terminate(NoticeFailed, signaling.ReasonFailed, err.Error())
			return
		}
		next := m.state
		next.Status = StatusRinging
		m.setState(next)

	case signaling.TypeCallRejected:
		if m.state.Status != StatusCalling {
			return
		}
		kind := NoticeRejected
		if msg.Reason == signaling.ReasonBusy {
			kind = NoticeBusy
		}
		m.notify(kind, m.state.RemoteUserID, m.state.RemoteUserName, msg.Reason)
		m.teardown()

	case signaling.TypeCallEnded:
		m.notify(NoticeEnded, m.state.RemoteUserID, m.state.RemoteUserName, msg.Reason)
		m.teardown()

	case signaling.TypeOffer:
		if m.state.Status != StatusRinging || m.peer != nil {
			logger.Debug("ignoring unexpected offer", "status", m.state.Status)
			return
		}
		if err := m.handleOffer(ctx, msg); err != nil {
			logger.Error("answer failed", "error", err)
			m.terminate(NoticeFailed, signaling.ReasonFailed, err.Error())
			return
		}
		m.setConnected()

	case signaling.TypeAnswer:
		if m.state.Status != StatusRinging || m.peer == nil || m.peer.pc.RemoteDescription() != nil {
			logger.Debug("ignoring unexpected answer", "status", m.state.Status)
			return
		}
		if err := m.handleAnswer(msg); err != nil {
			logger.Error("applying answer failed", "error", err)
			m.terminate(NoticeFailed, signaling.ReasonFailed, err.Error())
			return
		}
		m.setConnected()

	case signaling.TypeICECandidate:
		m.addRemoteCandidate(*msg.Candidate)
	}
}

func (m *Manager) onCallRequest(ctx context.Context, msg *signaling.Message) {
	if msg.From == m.self.ID {
		return
	}
	if m.incoming != nil && m.incoming.From == msg.From {
		return
	}
	if m.state.Active() || m.incoming != nil {
		m.logger.Info("busy, rejecting call request", "from", msg.From)
		m.sendTo(ctx, msg.From, &signaling.Message{Type: signaling.TypeCallRejected, IsVideo: msg.IsVideo, Reason: signaling.ReasonBusy})
		return
	}

	inc := &IncomingCall{
		From:       msg.From,
		FromName:   msg.FromName,
		IsVideo:    msg.IsVideo,
		ReceivedAt: time.Now(),
	}
	m.setIncoming(inc)

	if m.cfg.SetupTimeout > 0 {
		m.incomingTimer = time.AfterFunc(m.cfg.SetupTimeout, func() {
			m.post(func() {
				if m.incoming == inc {
					m.clearIncoming()
					m.notify(NoticeMissed, inc.From, inc.FromName, signaling.ReasonNoAnswer)
				}
			})
		})
	}
}
