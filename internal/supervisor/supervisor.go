// Package supervisor is the session supervisor (C8): it runs one
// browser peer's whole lifecycle over its WebSocket connection,
// mediating between the peer wire protocol (internal/peer) and a
// session orchestrator (internal/orchestrator), and aggregates the
// metrics both the admin Prometheus surface and the browser's periodic
// metrics{} envelope report on.
package supervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/incomudon/mumble-ws-gateway/internal/mumbleclient"
	"github.com/incomudon/mumble-ws-gateway/internal/orchestrator"
	"github.com/incomudon/mumble-ws-gateway/internal/peer"
	"github.com/incomudon/mumble-ws-gateway/internal/varint"
	"github.com/incomudon/mumble-ws-gateway/internal/whitelist"
)

const (
	writeQueueDepth  = 64
	maxSendBufferLen = 2 << 20 // 2 MiB downlink backpressure threshold
	metricsInterval  = 2 * time.Second
	connectTimeout   = 15 * time.Second
)

// wsMessage is one queued outbound frame, text (JSON control) or
// binary (voice envelope).
type wsMessage struct {
	kind    int
	payload []byte
}

// Supervisor runs every peer that connects to the gateway's WebSocket
// endpoint. It is process-wide and holds no per-peer state itself;
// each Serve call owns its own session.
type Supervisor struct {
	whitelist *whitelist.Whitelist
	admin     *adminMetrics
	logger    *zap.Logger

	pacingCfg peer.PacerConfig
	tlsConfig func(insecure bool) *tls.Config
}

// New constructs a Supervisor. tlsConfigFn builds the *tls.Config used
// for a given server's connect attempt (InsecureSkipVerify according
// to that server's rejectUnauthorized setting).
func New(wl *whitelist.Whitelist, admin *adminMetrics, pacingCfg peer.PacerConfig, tlsConfigFn func(insecure bool) *tls.Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		whitelist: wl,
		admin:     admin,
		pacingCfg: pacingCfg,
		tlsConfig: tlsConfigFn,
		logger:    logger,
	}
}

// Serve runs one peer's entire lifecycle until the WebSocket closes.
// It blocks until the connection ends.
func (s *Supervisor) Serve(ws *websocket.Conn) {
	peerID := uuid.NewString()
	logger := s.logger.With(zap.String("peerID", peerID))

	p := &peerSession{
		id:      peerID,
		ws:      ws,
		sup:     s,
		logger:  logger,
		writeCh: make(chan wsMessage, writeQueueDepth),
		done:    make(chan struct{}),
		metrics: newPeerMetrics(s.admin),
	}

	s.admin.activePeers.Inc()
	defer s.admin.activePeers.Dec()

	p.run()
}

// peerSession is the state machine for exactly one WebSocket
// connection. Control/voice frame handling runs on the reader
// goroutine; writes are serialized through writeCh by writeLoop.
type peerSession struct {
	id     string
	ws     *websocket.Conn
	sup    *Supervisor
	logger *zap.Logger

	writeCh      chan wsMessage
	done         chan struct{}
	closeOnce    sync.Once
	sendBufBytes int64 // approximate queued-but-unsent bytes, for backpressure

	metrics *peerMetrics

	mu                 sync.Mutex
	session            *orchestrator.Session
	pacer              *peer.Pacer
	serverID           string
	forwardCancel      context.CancelFunc
	lastPacerDropValue uint64
}

func (p *peerSession) run() {
	defer p.cleanup()

	go p.writeLoop()
	go p.metricsLoop()

	p.sendControl(peer.OutboundMessage{Type: peer.OutServerList, Servers: p.serverSummaries()})

	for {
		msgType, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			p.handleControl(data)
		case websocket.BinaryMessage:
			p.handleVoice(data)
		}
	}
}

func (p *peerSession) serverSummaries() []peer.ServerSummary {
	var out []peer.ServerSummary
	for _, srv := range p.sup.whitelist.Servers() {
		out = append(out, peer.ServerSummary{ID: srv.ID, Name: srv.Name})
	}
	return out
}

func (p *peerSession) handleControl(data []byte) {
	var msg peer.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.sendControl(peer.OutboundMessage{Type: peer.OutError, Code: "bad_request", Details: err.Error()})
		return
	}

	switch msg.Type {
	case peer.InConnect:
		p.handleConnect(msg)
	case peer.InDisconnect:
		p.teardownSession(true)
	case peer.InJoinChannel:
		p.withSession(func(sess *orchestrator.Session) {
			if err := sess.JoinChannel(msg.ChannelID); err != nil {
				p.logger.Debug("supervisor: joinChannel failed", zap.Error(err))
			}
		})
	case peer.InTextSend:
		p.withSession(func(sess *orchestrator.Session) {
			var channelIDs, userIDs []uint32
			if msg.TextChannelID != nil {
				channelIDs = []uint32{*msg.TextChannelID}
			}
			if msg.TextUserID != nil {
				userIDs = []uint32{*msg.TextUserID}
			}
			if err := sess.SendText(msg.Message, channelIDs, userIDs, nil); err != nil {
				p.logger.Debug("supervisor: textSend failed", zap.Error(err))
			}
		})
	case peer.InPing:
		p.sendControl(peer.OutboundMessage{
			Type:         peer.OutPong,
			ClientTimeMs: msg.ClientTimeMs,
			ServerTimeMs: time.Now().UnixMilli(),
		})
	default:
		p.sendControl(peer.OutboundMessage{Type: peer.OutError, Code: "bad_request", Details: "unknown message type " + msg.Type})
	}
}

func (p *peerSession) handleVoice(data []byte) {
	isEnd, frame, ok := peer.DecodeUplinkVoice(data)
	if !ok {
		return
	}

	p.mu.Lock()
	pc := p.pacer
	p.mu.Unlock()
	if pc == nil {
		return
	}

	if isEnd {
		pc.EnqueueEnd()
		return
	}
	p.metrics.recordUplink(len(frame.Opus))
	pc.EnqueueOpus(frame.Opus)
}

// withSession delegates to fn only if a session currently exists,
// otherwise it surfaces not_connected per the supervisor contract.
func (p *peerSession) withSession(fn func(*orchestrator.Session)) {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()

	if sess == nil {
		p.sendControl(peer.OutboundMessage{Type: peer.OutError, Code: "not_connected"})
		return
	}
	fn(sess)
}

func (p *peerSession) handleConnect(msg peer.InboundMessage) {
	p.teardownSession(false)

	srv, ok := p.sup.whitelist.Lookup(msg.ServerID)
	if !ok {
		p.sendControl(peer.OutboundMessage{Type: peer.OutError, Code: "unknown_server", Details: msg.ServerID})
		return
	}

	cfg := orchestrator.Config{
		Host:     srv.Host,
		Port:     srv.Port,
		Username: msg.Username,
		Password: msg.Password,
		Tokens:   msg.Tokens,
		TLS:      p.sup.tlsConfig(srv.InsecureSkipVerify()),
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	sess, info, err := orchestrator.Connect(ctx, cfg, p.logger)
	if err != nil {
		p.sendControl(peer.OutboundMessage{Type: peer.OutError, Code: "connect_failed", Details: err.Error()})
		return
	}

	forwardCtx, forwardCancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.session = sess
	p.serverID = msg.ServerID
	p.forwardCancel = forwardCancel
	p.pacer = peer.NewPacer(p.sup.pacingCfg, p.makeUplinkSendFunc(sess), p.isCongested)
	p.mu.Unlock()

	p.sup.admin.connectedSessions.Inc()

	channels, users := info.Registry.Snapshot()

	p.sendControl(peer.OutboundMessage{
		Type:           peer.OutConnected,
		ServerID:       msg.ServerID,
		SelfUserID:     info.ServerSync.Session,
		WelcomeMessage: info.ServerSync.WelcomeText,
		MaxBandwidth:   info.ServerSync.MaxBandwidth,
	})
	p.sendControl(peer.OutboundMessage{
		Type:     peer.OutStateSnapshot,
		Channels: toChannelViews(channels),
		Users:    toUserViews(users),
	})

	go p.forwardSessionEvents(forwardCtx, sess)
}

func toChannelViews(channels []mumbleclient.Channel) []peer.ChannelView {
	out := make([]peer.ChannelView, len(channels))
	for i, c := range channels {
		out[i] = peer.ChannelView{
			ID:          c.ID,
			ParentID:    c.ParentID,
			Name:        c.Name,
			Description: c.Description,
			Links:       c.Links,
			Position:    c.Position,
		}
	}
	return out
}

func toUserViews(users []mumbleclient.User) []peer.UserView {
	out := make([]peer.UserView, len(users))
	for i, u := range users {
		out[i] = peer.UserView{
			ID:        u.ID,
			Name:      u.Name,
			ChannelID: u.ChannelID,
			Mute:      u.Mute,
			Deaf:      u.Deaf,
			Suppress:  u.Suppress,
			SelfMute:  u.SelfMute,
			SelfDeaf:  u.SelfDeaf,
		}
	}
	return out
}

func channelView(c mumbleclient.Channel) *peer.ChannelView {
	v := toChannelViews([]mumbleclient.Channel{c})[0]
	return &v
}

func userView(u mumbleclient.User) *peer.UserView {
	v := toUserViews([]mumbleclient.User{u})[0]
	return &v
}

// makeUplinkSendFunc builds the pacer's SendFunc for sess, bumping the
// uplink pacer-drop counter from the pacer's cumulative total before
// every send so the delta is never lost between emits.
func (p *peerSession) makeUplinkSendFunc(sess *orchestrator.Session) peer.SendFunc {
	return func(opus []byte, isEnd bool) error {
		p.mu.Lock()
		pc := p.pacer
		p.mu.Unlock()
		if pc != nil {
			total := pc.DroppedFrames()
			p.metrics.recordPacerDropped(total - p.lastPacerDrop())
			p.setLastPacerDrop(total)
		}
		if isEnd {
			return sess.SendOpusEnd(0)
		}
		return sess.SendOpusFrame(0, opus, false)
	}
}

func (p *peerSession) lastPacerDrop() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPacerDropValue
}

func (p *peerSession) setLastPacerDrop(v uint64) {
	p.mu.Lock()
	p.lastPacerDropValue = v
	p.mu.Unlock()
}

// isCongested reports whether the outbound WebSocket buffer is over
// the backpressure threshold; the pacer consults this before deciding
// whether to retain only the most recent queued frame.
func (p *peerSession) isCongested() bool {
	return atomic.LoadInt64(&p.sendBufBytes) > maxSendBufferLen
}

// forwardSessionEvents relays one orchestrator.Session's event stream
// to the peer until ctx is cancelled (by a subsequent connect or
// explicit teardown) or the session itself ends.
func (p *peerSession) forwardSessionEvents(ctx context.Context, sess *orchestrator.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				p.onSessionEnded()
				return
			}
			p.forwardEvent(ev)
		}
	}
}

func (p *peerSession) forwardEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventChannelUpsert:
		p.sendControl(peer.OutboundMessage{Type: peer.OutChannelUpsert, Channel: channelView(ev.Channel)})
	case orchestrator.EventChannelRemove:
		p.sendControl(peer.OutboundMessage{Type: peer.OutChannelRemove, ChannelRemovedID: ev.ChannelRemovedID})
	case orchestrator.EventUserUpsert:
		p.sendControl(peer.OutboundMessage{Type: peer.OutUserUpsert, User: userView(ev.User)})
	case orchestrator.EventUserRemove:
		p.sendControl(peer.OutboundMessage{Type: peer.OutUserRemove, UserRemovedID: ev.UserRemovedID})
	case orchestrator.EventTextMessage:
		tm := ev.TextMessage
		p.sendControl(peer.OutboundMessage{
			Type:           peer.OutTextRecv,
			SenderID:       tm.Actor,
			Message:        tm.Message,
			TargetUsers:    tm.Sessions,
			TargetChannels: tm.ChannelIDs,
			TargetTrees:    tm.TreeIDs,
			TimestampMs:    time.Now().UnixMilli(),
		})
	case orchestrator.EventPermissionDenied:
		p.sendControl(peer.OutboundMessage{Type: peer.OutError, Code: "mumble_denied", Details: ev.PermissionDenied.Reason})
	case orchestrator.EventServerRTT:
		p.metrics.recordServerRTT(ev.RTT)
		p.emitMetrics()
	case orchestrator.EventVoiceOpus:
		p.deliverDownlinkVoice(ev.Voice)
	case orchestrator.EventDisconnected:
		p.onSessionEnded()
	}
}

// deliverDownlinkVoice encodes a downlink Opus frame and enqueues it
// for send, applying the backpressure drop rule: if the outbound
// buffer is already over threshold, the frame is dropped and counted
// rather than queued, since stale voice is worse than no voice.
func (p *peerSession) deliverDownlinkVoice(frame varint.OpusFrame) {
	if p.isCongested() {
		p.metrics.recordDownlinkDropped()
		return
	}
	payload := peer.EncodeDownlinkOpus(frame.SessionID, frame.Target, frame.IsLastFrame, uint32(frame.Sequence), frame.Opus)
	p.metrics.recordDownlink(len(frame.Opus))
	p.enqueueBinary(payload)
}

// teardownSession tears down any existing session and pacer and
// cancels event forwarding. If a session existed, it emits
// disconnected{} with a reason reflecting clientInitiated: an explicit
// disconnect and the WebSocket closing (cleanup) pass true; a fresh
// connect tearing down a stale session and a terminal session event
// pass false. A no-op when no session exists.
func (p *peerSession) teardownSession(clientInitiated bool) {
	p.mu.Lock()
	sess := p.session
	cancel := p.forwardCancel
	pc := p.pacer
	p.session = nil
	p.pacer = nil
	p.forwardCancel = nil
	p.mu.Unlock()

	if sess == nil {
		return
	}
	p.sup.admin.connectedSessions.Dec()
	if cancel != nil {
		cancel()
	}
	if pc != nil {
		pc.Stop()
	}
	_ = sess.Close()

	reason := "mumble_disconnect"
	if clientInitiated {
		reason = "client_disconnect"
	}
	p.sendControl(peer.OutboundMessage{Type: peer.OutDisconnected, Reason: reason})
}

// onSessionEnded handles a terminal session event arriving from the
// orchestrator itself (Mumble reject, TLS error, remote close) rather
// than an explicit peer disconnect.
func (p *peerSession) onSessionEnded() {
	p.mu.Lock()
	hadSession := p.session != nil
	p.mu.Unlock()
	if !hadSession {
		return
	}
	p.teardownSession(false)
}

func (p *peerSession) cleanup() {
	p.teardownSession(true)
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.ws.Close()
}

func (p *peerSession) metricsLoop() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.emitMetrics()
		}
	}
}

func (p *peerSession) emitMetrics() {
	p.sendControl(peer.OutboundMessage{Type: peer.OutMetrics, Metrics: p.metrics.snapshot()})
}

func (p *peerSession) sendControl(msg peer.OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		data, _ = json.Marshal(peer.OutboundMessage{Type: peer.OutError, Code: "internal_error"})
	}
	p.enqueue(wsMessage{kind: websocket.TextMessage, payload: data})
}

// enqueueBinary queues a voice envelope, tracking its size in
// sendBufBytes so isCongested reflects what's actually still
// queued; the count is released when writeLoop takes the message off
// the queue, just before it writes it.
func (p *peerSession) enqueueBinary(payload []byte) {
	atomic.AddInt64(&p.sendBufBytes, int64(len(payload)))
	p.enqueue(wsMessage{kind: websocket.BinaryMessage, payload: payload})
}

func (p *peerSession) enqueue(msg wsMessage) {
	select {
	case p.writeCh <- msg:
	case <-p.done:
	}
}

func (p *peerSession) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.writeCh:
			if msg.kind == websocket.BinaryMessage {
				atomic.AddInt64(&p.sendBufBytes, -int64(len(msg.payload)))
			}
			if err := p.ws.WriteMessage(msg.kind, msg.payload); err != nil {
				return
			}
		}
	}
}
