package webrtc

import (
	"context"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/retry"
	"castrelay/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config carries the WebRTC transport settings for all peer connections
// opened by the manager.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	DefaultMaxViewers int
}

// handle is one negotiation with one peer: broadcaster uplink or viewer
// downlink.
type handle struct {
	id       domain.HandleID
	userID   domain.UserID
	streamID domain.StreamID
	pc       *webrtc.PeerConnection

	broadcaster bool
	state       domain.HandleState
	createdAt   time.Time
}

// peerSession is one broadcast: metadata, the broadcaster uplink, the
// relayed tracks and the viewer downlinks.
type peerSession struct {
	streamID      domain.StreamID
	broadcasterID domain.UserID
	title         string
	visibility    domain.Visibility
	maxViewers    int

	active    bool
	createdAt time.Time
	startedAt *time.Time
	endedAt   *time.Time

	broadcasterHandle *handle
	viewers           map[domain.UserID]*handle
	relays            []*trackRelay

	peakViewers int
	totalTips   float64
	lastSeen    time.Time
}

func (ps *peerSession) summary() *domain.SessionSummary {
	return &domain.SessionSummary{
		StreamID:      ps.streamID,
		BroadcasterID: ps.broadcasterID,
		Title:         ps.title,
		Visibility:    ps.visibility,
		ViewerCount:   len(ps.viewers),
		MaxViewers:    ps.maxViewers,
		Active:        ps.active,
		CreatedAt:     ps.createdAt,
		TipsReceived:  ps.totalTips,
	}
}

func (ps *peerSession) record() *domain.SessionRecord {
	return &domain.SessionRecord{
		StreamID:      ps.streamID,
		BroadcasterID: ps.broadcasterID,
		Title:         ps.title,
		Visibility:    ps.visibility,
		MaxViewers:    ps.maxViewers,
		Active:        ps.active,
		CreatedAt:     ps.createdAt,
		StartedAt:     ps.startedAt,
		EndedAt:       ps.endedAt,
		PeakViewers:   ps.peakViewers,
		TotalTips:     ps.totalTips,
	}
}

// Manager owns broadcast sessions and their WebRTC negotiations. One
// active session per broadcaster; media flows broadcaster → relay
// tracks → viewer downlinks.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[domain.StreamID]*peerSession
	byBroadcaster map[domain.UserID]domain.StreamID
	handles       map[domain.HandleID]*handle

	config   Config
	auth     ports.Authorizer
	store    ports.SessionStore
	notifier ports.StreamNotifier

	retryCfg retry.Config
	logger   *zap.SugaredLogger
	metrics  *monitoring.Collector
}

func NewManager(config Config, auth ports.Authorizer, store ports.SessionStore, logger *zap.SugaredLogger, metrics *monitoring.Collector) *Manager {
	if config.DefaultMaxViewers <= 0 {
		config.DefaultMaxViewers = 1000
	}
	return &Manager{
		sessions:      make(map[domain.StreamID]*peerSession),
		byBroadcaster: make(map[domain.UserID]domain.StreamID),
		handles:       make(map[domain.HandleID]*handle),
		config:        config,
		auth:          auth,
		store:         store,
		retryCfg:      retry.DefaultConfig(),
		logger:        logger,
		metrics:       metrics,
	}
}

// SetNotifier wires the room fan-out for lifecycle events. Set after
// construction to keep ownership one-way.
func (m *Manager) SetNotifier(n ports.StreamNotifier) {
	m.notifier = n
}

// CreateSession registers a new broadcast for the given broadcaster. A
// broadcaster with a live session gets ErrDuplicateSession.
func (m *Manager) CreateSession(ctx context.Context, broadcasterID domain.UserID, title string, visibility domain.Visibility, maxViewers int) (*domain.SessionSummary, error) {
	if !m.auth.Authorize(ctx, broadcasterID, ports.ActionCreateStream, "") {
		return nil, domain.ErrNotBroadcaster
	}
	if maxViewers <= 0 {
		maxViewers = m.config.DefaultMaxViewers
	}

	m.mu.Lock()
	if _, dup := m.byBroadcaster[broadcasterID]; dup {
		m.mu.Unlock()
		return nil, domain.ErrDuplicateSession
	}

	ps := &peerSession{
		streamID:      domain.StreamID(utils.NewStreamID()),
		broadcasterID: broadcasterID,
		title:         title,
		visibility:    visibility,
		maxViewers:    maxViewers,
		createdAt:     utils.Now(),
		lastSeen:      utils.Now(),
		viewers:       make(map[domain.UserID]*handle),
	}
	m.sessions[ps.streamID] = ps
	m.byBroadcaster[broadcasterID] = ps.streamID
	summary := ps.summary()
	m.mu.Unlock()

	m.persistAsync(ps.record())
	m.logger.Infow("session created",
		"stream_id", ps.streamID, "streamer_id", broadcasterID, "visibility", visibility)
	return summary, nil
}

// OpenNegotiation creates a peer connection for the user against the
// session and returns a handle id for the offer/answer/ice calls. The
// broadcaster's uplink also installs the track relay.
func (m *Manager) OpenNegotiation(ctx context.Context, userID domain.UserID, streamID domain.StreamID) (domain.HandleID, error) {
	m.mu.RLock()
	ps, ok := m.sessions[streamID]
	m.mu.RUnlock()
	if !ok {
		return "", domain.ErrSessionNotFound
	}

	isBroadcaster := ps.broadcasterID == userID

	pc, err := m.newPeerConnection()
	if err != nil {
		return "", err
	}

	h := &handle{
		id:          domain.HandleID(utils.NewHandleID()),
		userID:      userID,
		streamID:    streamID,
		pc:          pc,
		broadcaster: isBroadcaster,
		state:       domain.HandleConnecting,
		createdAt:   utils.Now(),
	}

	pc.OnConnectionStateChange(m.onStateChange(h))
	if isBroadcaster {
		pc.OnTrack(m.onBroadcasterTrack(ps, pc))
	}

	m.mu.Lock()
	m.handles[h.id] = h
	if isBroadcaster {
		if old := ps.broadcasterHandle; old != nil && old.pc != nil {
			old.pc.Close()
			delete(m.handles, old.id)
		}
		ps.broadcasterHandle = h
	}
	ps.lastSeen = utils.Now()
	m.mu.Unlock()

	m.logger.Infow("negotiation opened",
		"handle_id", h.id, "stream_id", streamID, "user_id", userID, "broadcaster", isBroadcaster)
	return h.id, nil
}

// AcceptOffer applies the remote offer and returns the local answer,
// with ICE candidates gathered in.
func (m *Manager) AcceptOffer(ctx context.Context, handleID domain.HandleID, sdp string) (string, error) {
	m.mu.RLock()
	h, ok := m.handles[handleID]
	m.mu.RUnlock()
	if !ok {
		return "", domain.ErrHandleNotFound
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := h.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}

	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	gathered := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return h.pc.LocalDescription().SDP, nil
}

// AcceptAnswer applies the remote answer for a server-initiated offer.
func (m *Manager) AcceptAnswer(ctx context.Context, handleID domain.HandleID, sdp string) error {
	m.mu.RLock()
	h, ok := m.handles[handleID]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrHandleNotFound
	}
	return h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// AcceptICE adds one trickled remote candidate to the handle.
func (m *Manager) AcceptICE(ctx context.Context, handleID domain.HandleID, candidate webrtc.ICECandidateInit) error {
	m.mu.RLock()
	h, ok := m.handles[handleID]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrHandleNotFound
	}
	return h.pc.AddICECandidate(candidate)
}

// StartBroadcast flips the session live. Only the owning broadcaster
// may start it; the room is notified afterwards.
func (m *Manager) StartBroadcast(ctx context.Context, userID domain.UserID, streamID domain.StreamID) (*domain.SessionSummary, error) {
	if !m.auth.Authorize(ctx, userID, ports.ActionStartBroadcast, string(streamID)) {
		return nil, domain.ErrNotBroadcaster
	}

	m.mu.Lock()
	ps, ok := m.sessions[streamID]
	if !ok {
		m.mu.Unlock()
		return nil, domain.ErrSessionNotFound
	}
	if ps.broadcasterID != userID {
		m.mu.Unlock()
		return nil, domain.ErrNotBroadcaster
	}
	now := utils.Now()
	ps.active = true
	ps.startedAt = &now
	ps.lastSeen = now
	summary := ps.summary()
	rec := ps.record()
	m.mu.Unlock()

	m.metrics.SessionStarted()
	if m.notifier != nil {
		m.notifier.NotifyStreamStarted(streamID, userID, summary.Title)
	}
	m.persistAsync(rec)

	m.logger.Infow("broadcast started", "stream_id", streamID, "streamer_id", userID)
	return summary, nil
}

// JoinAsViewer admits a viewer to an active session and opens their
// downlink negotiation. Already-flowing broadcaster tracks are attached
// immediately and a keyframe is requested so the viewer doesn't wait
// for the next natural keyframe.
func (m *Manager) JoinAsViewer(ctx context.Context, userID domain.UserID, streamID domain.StreamID) (domain.HandleID, error) {
	m.mu.RLock()
	ps, ok := m.sessions[streamID]
	if !ok {
		m.mu.RUnlock()
		return "", domain.ErrSessionNotFound
	}
	active := ps.active
	visibility := ps.visibility
	broadcasterID := ps.broadcasterID
	m.mu.RUnlock()

	if !active {
		return "", domain.ErrSessionNotActive
	}
	if !m.auth.CanViewStream(ctx, userID, visibility, broadcasterID) {
		return "", domain.ErrNotBroadcaster
	}

	handleID, err := m.OpenNegotiation(ctx, userID, streamID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	h, stillOpen := m.handles[handleID]
	if _, alive := m.sessions[streamID]; !alive || !stillOpen {
		m.mu.Unlock()
		m.closeHandle(handleID)
		return "", domain.ErrSessionNotFound
	}
	if len(ps.viewers) >= ps.maxViewers {
		m.mu.Unlock()
		m.closeHandle(handleID)
		return "", domain.ErrViewerCapacity
	}
	if old, rejoin := ps.viewers[userID]; rejoin && old.id != handleID {
		delete(m.handles, old.id)
		if old.pc != nil {
			defer old.pc.Close()
		}
	}
	ps.viewers[userID] = h
	if len(ps.viewers) > ps.peakViewers {
		ps.peakViewers = len(ps.viewers)
	}
	relays := make([]*trackRelay, len(ps.relays))
	copy(relays, ps.relays)
	rec := ps.record()
	m.mu.Unlock()

	// Late join: attach already-published tracks to the new downlink.
	for _, r := range relays {
		if _, err := h.pc.AddTrack(r.local); err != nil {
			m.logger.Warnw("failed to attach relay track to viewer",
				"stream_id", streamID, "user_id", userID, "error", err)
			continue
		}
		r.requestKeyframe()
	}

	m.persistAsync(rec)
	m.logger.Infow("viewer joined", "stream_id", streamID, "user_id", userID)
	return handleID, nil
}

// Leave detaches a participant. A departing broadcaster ends the
// session and cascades teardown to every viewer downlink.
func (m *Manager) Leave(ctx context.Context, userID domain.UserID, streamID domain.StreamID) error {
	m.mu.Lock()
	ps, ok := m.sessions[streamID]
	if !ok {
		m.mu.Unlock()
		return domain.ErrSessionNotFound
	}

	if ps.broadcasterID == userID {
		m.endSessionLocked(ps, "broadcaster left")
		rec := ps.record()
		m.mu.Unlock()

		if m.notifier != nil {
			m.notifier.NotifyStreamEnded(streamID)
		}
		m.persistAsync(rec)
		return nil
	}

	h, viewer := ps.viewers[userID]
	if !viewer {
		m.mu.Unlock()
		return domain.ErrHandleNotFound
	}
	delete(ps.viewers, userID)
	delete(m.handles, h.id)
	rec := ps.record()
	m.mu.Unlock()

	if h.pc != nil {
		h.pc.Close()
	}
	m.persistAsync(rec)
	m.logger.Infow("viewer left", "stream_id", streamID, "user_id", userID)
	return nil
}

// Tip credits a tip against an active session and returns the running
// total.
func (m *Manager) Tip(ctx context.Context, from domain.UserID, streamID domain.StreamID, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, domain.ErrSessionNotActive
	}
	if !m.auth.Authorize(ctx, from, ports.ActionSendTip, string(streamID)) {
		return 0, domain.ErrNotBroadcaster
	}

	m.mu.Lock()
	ps, ok := m.sessions[streamID]
	if !ok {
		m.mu.Unlock()
		return 0, domain.ErrSessionNotFound
	}
	if !ps.active {
		m.mu.Unlock()
		return 0, domain.ErrSessionNotActive
	}
	ps.totalTips += amount
	total := ps.totalTips
	rec := ps.record()
	m.mu.Unlock()

	m.metrics.TipReceived(amount)
	m.persistAsync(rec)
	m.logger.Infow("tip received", "stream_id", streamID, "from", from, "amount", amount, "total", total)
	return total, nil
}

// ActiveSessions lists the sessions currently live.
func (m *Manager) ActiveSessions() []*domain.SessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.SessionSummary, 0, len(m.sessions))
	for _, ps := range m.sessions {
		if ps.active {
			out = append(out, ps.summary())
		}
	}
	return out
}

// SessionInfo returns one session's summary.
func (m *Manager) SessionInfo(streamID domain.StreamID) (*domain.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ps, ok := m.sessions[streamID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return ps.summary(), nil
}

// ReclaimInactive ends sessions whose broadcaster uplink has been gone
// longer than the threshold. Returns the number of sessions evicted.
func (m *Manager) ReclaimInactive(threshold time.Duration) int {
	now := utils.Now()

	m.mu.Lock()
	var reclaimed []*peerSession
	for _, ps := range m.sessions {
		uplinkGone := ps.broadcasterHandle == nil || ps.broadcasterHandle.state.Terminal()
		if uplinkGone && now.Sub(ps.lastSeen) > threshold {
			m.endSessionLocked(ps, "reclaimed")
			reclaimed = append(reclaimed, ps)
		}
	}
	m.mu.Unlock()

	for _, ps := range reclaimed {
		if m.notifier != nil {
			m.notifier.NotifyStreamEnded(ps.streamID)
		}
		m.persistAsync(ps.record())
	}
	return len(reclaimed)
}

// endSessionLocked tears the session down under m.mu: closes every
// handle, marks the record ended and removes the indexes. Peer
// connection closes are deferred out of the lock.
func (m *Manager) endSessionLocked(ps *peerSession, reason string) {
	wasActive := ps.active
	now := utils.Now()
	ps.active = false
	ps.endedAt = &now

	var pcs []*webrtc.PeerConnection
	if ps.broadcasterHandle != nil {
		delete(m.handles, ps.broadcasterHandle.id)
		if ps.broadcasterHandle.pc != nil {
			pcs = append(pcs, ps.broadcasterHandle.pc)
		}
		ps.broadcasterHandle = nil
	}
	for userID, h := range ps.viewers {
		delete(m.handles, h.id)
		if h.pc != nil {
			pcs = append(pcs, h.pc)
		}
		delete(ps.viewers, userID)
	}
	for _, r := range ps.relays {
		r.stop()
	}
	ps.relays = nil

	delete(m.sessions, ps.streamID)
	delete(m.byBroadcaster, ps.broadcasterID)

	go func() {
		for _, pc := range pcs {
			pc.Close()
		}
	}()

	if wasActive {
		m.metrics.SessionEnded()
	}
	m.logger.Infow("session ended", "stream_id", ps.streamID, "reason", reason)
}

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   m.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if m.config.PortRange.Min > 0 && m.config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(m.config.PortRange.Min, m.config.PortRange.Max)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func (m *Manager) onStateChange(h *handle) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		m.logger.Infow("peer connection state changed",
			"handle_id", h.id, "stream_id", h.streamID, "state", state)

		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.markHandle(h.id, domain.HandleConnected)
		case webrtc.PeerConnectionStateDisconnected:
			m.markHandle(h.id, domain.HandleDisconnected)
			m.teardownHandle(h)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.markHandle(h.id, domain.HandleFailed)
			m.teardownHandle(h)
		}
	}
}

func (m *Manager) markHandle(id domain.HandleID, state domain.HandleState) {
	m.mu.Lock()
	if h, ok := m.handles[id]; ok {
		h.state = state
		if ps, ok := m.sessions[h.streamID]; ok {
			ps.lastSeen = utils.Now()
		}
	}
	m.mu.Unlock()
}

// teardownHandle reacts to a dead transport: a broadcaster uplink ends
// the whole session, a viewer downlink only removes that viewer. Close
// callbacks arrive asynchronously, so a handle replaced by a newer
// negotiation may report in after the session already owns its
// successor; such a stale handle is dropped without touching the
// session.
func (m *Manager) teardownHandle(h *handle) {
	m.mu.Lock()
	ps, ok := m.sessions[h.streamID]
	if !ok {
		delete(m.handles, h.id)
		m.mu.Unlock()
		return
	}

	if h.broadcaster {
		if ps.broadcasterHandle != h {
			delete(m.handles, h.id)
			m.mu.Unlock()
			return
		}
		m.endSessionLocked(ps, "broadcaster transport lost")
		rec := ps.record()
		m.mu.Unlock()

		if m.notifier != nil {
			m.notifier.NotifyStreamEnded(h.streamID)
		}
		m.persistAsync(rec)
		return
	}

	if cur, viewer := ps.viewers[h.userID]; !viewer || cur.id != h.id {
		delete(m.handles, h.id)
		m.mu.Unlock()
		return
	}
	delete(ps.viewers, h.userID)
	delete(m.handles, h.id)
	m.mu.Unlock()

	if h.pc != nil {
		h.pc.Close()
	}
}

func (m *Manager) closeHandle(id domain.HandleID) {
	m.mu.Lock()
	h, ok := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if ok && h.pc != nil {
		h.pc.Close()
	}
}

// persistAsync writes the record without blocking the caller; store
// failures are logged, never surfaced.
func (m *Manager) persistAsync(rec *domain.SessionRecord) {
	if m.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := retry.Do(ctx, m.retryCfg, func() error {
			return m.store.Upsert(ctx, rec)
		})
		if err != nil {
			m.logger.Warnw("session persistence failed",
				"stream_id", rec.StreamID, "error", err)
		}
	}()
}
