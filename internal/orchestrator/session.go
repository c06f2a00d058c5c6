// Package orchestrator is the session orchestrator (C6): it joins a
// TLS control client and an optional UDP voice client into one logical
// Mumble session, de-duplicates voice frames that arrive on both
// transports, and assigns a single monotonic outbound sequence number
// regardless of which transport ends up carrying a given frame.
package orchestrator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/incomudon/mumble-ws-gateway/internal/mumbleclient"
	"github.com/incomudon/mumble-ws-gateway/internal/varint"
	"github.com/incomudon/mumble-ws-gateway/internal/voiceclient"
	"github.com/incomudon/mumble-ws-gateway/internal/wireproto"
)

const (
	handshakeTimeout = 15 * time.Second

	dedupWindow       = 1000 * time.Millisecond
	dedupSoftMax      = 2048
	dedupEvictOlder   = 1500 * time.Millisecond
	dedupHardClearMax = 4096
)

// ErrHandshakeTimeout is returned by Connect when ServerSync does not
// arrive within handshakeTimeout.
var ErrHandshakeTimeout = errors.New("orchestrator: handshake timed out waiting for ServerSync")

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventChannelUpsert EventKind = iota
	EventChannelRemove
	EventUserUpsert
	EventUserRemove
	EventTextMessage
	EventPermissionDenied
	EventServerRTT
	EventVoiceOpus
	EventDisconnected
)

// Event is the session's single outward-facing stream, merging control
// and voice traffic from both underlying clients.
type Event struct {
	Kind EventKind

	Channel          mumbleclient.Channel
	ChannelRemovedID uint32
	User             mumbleclient.User
	UserRemovedID    uint32
	TextMessage      wireproto.TextMessage
	PermissionDenied wireproto.PermissionDenied
	RTT              time.Duration
	Voice            varint.OpusFrame
	Err              error
}

// Config bundles what Connect needs to establish a session.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Tokens   []string
	TLS      *tls.Config
}

// ServerSyncInfo is the handshake result, passed back to the caller so
// it can build the peer's connected{} and stateSnapshot{} messages.
type ServerSyncInfo struct {
	ServerSync wireproto.ServerSync
	Registry   *mumbleclient.Registry
}

type dedupKey struct {
	userID   uint32
	target   uint8
	sequence uint64
}

// Session is one logical Mumble connection: one TLS control client and
// zero-or-one UDP voice client.
type Session struct {
	mumble *mumbleclient.Client
	voice  *voiceclient.Client
	logger *zap.Logger

	seq uint64

	dedupMu sync.Mutex
	dedup   map[dedupKey]time.Time

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Connect dials the control client, completes the Version/Authenticate
// handshake, and blocks until ServerSync arrives, a Reject/disconnect
// happens, or handshakeTimeout elapses. On success it also attempts the
// UDP voice path (a UDP dial failure is not fatal: the session still
// works over the TCP tunnel; the voice client contributes nothing and
// every send falls back to SendUDPTunnel).
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, ServerSyncInfo, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	mc, err := mumbleclient.Dial(ctx, addr, cfg.TLS, logger)
	if err != nil {
		return nil, ServerSyncInfo{}, err
	}
	if err := mc.Handshake(cfg.Username, cfg.Password, cfg.Tokens); err != nil {
		mc.Close()
		return nil, ServerSyncInfo{}, err
	}

	s := &Session{
		mumble: mc,
		logger: logger,
		dedup:  make(map[dedupKey]time.Time),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}

	var pending []mumbleclient.Event
	var cryptSetup *wireproto.CryptSetup
	var serverSync wireproto.ServerSync

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()

handshake:
	for {
		select {
		case ev, ok := <-mc.Events():
			if !ok {
				mc.Close()
				return nil, ServerSyncInfo{}, errors.New("orchestrator: control connection closed before ServerSync")
			}
			switch ev.Kind {
			case mumbleclient.EventServerSync:
				serverSync = ev.ServerSync
				break handshake
			case mumbleclient.EventReject:
				mc.Close()
				return nil, ServerSyncInfo{}, fmt.Errorf("orchestrator: server rejected connection: %s", ev.Reject.Reason)
			case mumbleclient.EventDisconnected:
				mc.Close()
				return nil, ServerSyncInfo{}, fmt.Errorf("orchestrator: disconnected before ServerSync: %w", ev.Err)
			case mumbleclient.EventCryptSetup:
				cs := ev.CryptSetup
				cryptSetup = &cs
				pending = append(pending, ev)
			default:
				pending = append(pending, ev)
			}

		case <-timer.C:
			mc.Close()
			return nil, ServerSyncInfo{}, ErrHandshakeTimeout

		case <-ctx.Done():
			mc.Close()
			return nil, ServerSyncInfo{}, ctx.Err()
		}
	}

	if cryptSetup != nil && len(cryptSetup.Key) == 16 && len(cryptSetup.ClientNonce) == 16 && len(cryptSetup.ServerNonce) == 16 {
		vc, err := voiceclient.Dial(ctx, addr, s.sendFallbackPing, logger)
		if err != nil {
			logger.Warn("orchestrator: UDP voice dial failed, staying on TCP tunnel", zap.Error(err))
		} else {
			var key, cn, sn [16]byte
			copy(key[:], cryptSetup.Key)
			copy(cn[:], cryptSetup.ClientNonce)
			copy(sn[:], cryptSetup.ServerNonce)
			if err := vc.SetCryptTriple(key, cn, sn); err != nil {
				logger.Warn("orchestrator: failed to install crypt triple", zap.Error(err))
				vc.Close()
			} else {
				s.voice = vc
				go s.pumpVoiceEvents()
			}
		}
	}

	go s.pumpMumbleEvents(pending)

	return s, ServerSyncInfo{ServerSync: serverSync, Registry: mc.Registry()}, nil
}

func (s *Session) sendFallbackPing(legacyPingPacket []byte) error {
	return s.mumble.SendUDPTunnel(legacyPingPacket)
}

// Events returns the session's merged event stream.
func (s *Session) Events() <-chan Event { return s.events }

// JoinChannel requests a channel move for the session's own user.
func (s *Session) JoinChannel(channelID uint32) error {
	return s.mumble.SendUserState(wireproto.UserState{HasChannelID: true, ChannelID: channelID})
}

// SendText relays a chat message to the configured targets.
func (s *Session) SendText(message string, channelIDs, userIDs, treeIDs []uint32) error {
	return s.mumble.SendTextMessage(wireproto.TextMessage{
		Sessions:   userIDs,
		ChannelIDs: channelIDs,
		TreeIDs:    treeIDs,
		Message:    message,
	})
}

// SendOpusFrame assigns the next outbound sequence number and sends one
// Opus frame, trying UDP first (if ready) and falling back to the TCP
// tunnel. The sequence counter advances exactly once regardless of
// which transport ultimately carries the frame.
func (s *Session) SendOpusFrame(target uint8, opus []byte, isLastFrame bool) error {
	seq := atomic.AddUint64(&s.seq, 1) - 1

	packet, err := varint.EncodeClientOpusFrame(target, seq, opus, isLastFrame)
	if err != nil {
		return fmt.Errorf("orchestrator: encode opus frame: %w", err)
	}

	if s.voice != nil && s.voice.State() == voiceclient.StateUdpReady {
		if err := s.voice.SendVoice(packet); err == nil {
			return nil
		}
	}
	return s.mumble.SendUDPTunnel(packet)
}

// SendOpusEnd sends an empty last-frame marker, per SendOpusFrame's
// transport selection and sequencing rules.
func (s *Session) SendOpusEnd(target uint8) error {
	return s.SendOpusFrame(target, nil, true)
}

// Close tears down both underlying clients. Idempotent.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.voice != nil {
			s.voice.Close()
		}
		err = s.mumble.Close()
	})
	return err
}

func (s *Session) pumpMumbleEvents(pending []mumbleclient.Event) {
	for _, ev := range pending {
		s.forwardMumbleEvent(ev)
	}
	for ev := range s.mumble.Events() {
		s.forwardMumbleEvent(ev)
	}
	s.emit(Event{Kind: EventDisconnected})
}

func (s *Session) forwardMumbleEvent(ev mumbleclient.Event) {
	switch ev.Kind {
	case mumbleclient.EventChannelUpsert:
		s.emit(Event{Kind: EventChannelUpsert, Channel: ev.Channel})
	case mumbleclient.EventChannelRemove:
		s.emit(Event{Kind: EventChannelRemove, ChannelRemovedID: ev.ChannelRemovedID})
	case mumbleclient.EventUserUpsert:
		s.emit(Event{Kind: EventUserUpsert, User: ev.User})
	case mumbleclient.EventUserRemove:
		s.emit(Event{Kind: EventUserRemove, UserRemovedID: ev.UserRemovedID})
	case mumbleclient.EventTextMessage:
		s.emit(Event{Kind: EventTextMessage, TextMessage: ev.TextMessage})
	case mumbleclient.EventPermissionDenied:
		s.emit(Event{Kind: EventPermissionDenied, PermissionDenied: ev.PermissionDenied})
	case mumbleclient.EventServerRTT:
		s.emit(Event{Kind: EventServerRTT, RTT: ev.RTT})
	case mumbleclient.EventCryptSetup:
		s.handleCryptSetup(ev.CryptSetup)
	case mumbleclient.EventUDPTunnelVoice:
		frame, err := varint.DecodeServerOpusFrame(ev.UDPTunnelPayload)
		if err != nil {
			return
		}
		s.deliverVoiceFrame(frame)
	case mumbleclient.EventReject, mumbleclient.EventDisconnected:
		s.emit(Event{Kind: EventDisconnected, Err: ev.Err})
	}
}

// handleCryptSetup applies a mid-session CryptSetup that wasn't part of
// the initial handshake: a full triple (re)keys the voice client if one
// exists; a server-nonce-only message is a resync; an empty message is
// the server asking for our current encrypt IV.
func (s *Session) handleCryptSetup(cs wireproto.CryptSetup) {
	if s.voice == nil {
		return
	}
	switch {
	case len(cs.Key) == 16 && len(cs.ClientNonce) == 16 && len(cs.ServerNonce) == 16:
		var key, cn, sn [16]byte
		copy(key[:], cs.Key)
		copy(cn[:], cs.ClientNonce)
		copy(sn[:], cs.ServerNonce)
		if err := s.voice.SetCryptTriple(key, cn, sn); err != nil {
			s.logger.Warn("orchestrator: rekey failed", zap.Error(err))
		}
	case len(cs.ServerNonce) == 16 && len(cs.Key) == 0:
		var sn [16]byte
		copy(sn[:], cs.ServerNonce)
		s.voice.SetDecryptIV(sn)
	case len(cs.Key) == 0 && len(cs.ClientNonce) == 0 && len(cs.ServerNonce) == 0:
		iv := s.voice.GetEncryptIV()
		_ = s.mumble.SendCryptSetup(wireproto.CryptSetup{ClientNonce: iv[:]})
	}
}

func (s *Session) pumpVoiceEvents() {
	for ev := range s.voice.Events() {
		switch ev.Kind {
		case voiceclient.EventVoiceFrame:
			s.deliverVoiceFrame(ev.Frame)
		case voiceclient.EventServerRTT:
			s.emit(Event{Kind: EventServerRTT, RTT: ev.RTT})
		case voiceclient.EventReady, voiceclient.EventDisconnected:
			// Readiness is read from s.voice.State() by SendOpusFrame; a
			// UDP socket error does not end the session, the TCP tunnel
			// carries on.
		}
	}
}

// deliverVoiceFrame applies the dual-path de-dup rule before handing a
// frame to the owner: a (userId, target, sequence) tuple seen within
// dedupWindow is dropped as a cross-transport duplicate.
func (s *Session) deliverVoiceFrame(frame varint.OpusFrame) {
	key := dedupKey{userID: frame.SessionID, target: frame.Target, sequence: frame.Sequence}
	now := time.Now()

	s.dedupMu.Lock()
	if last, seen := s.dedup[key]; seen && now.Sub(last) < dedupWindow {
		s.dedupMu.Unlock()
		return
	}
	s.dedup[key] = now
	s.evictDedupLocked(now)
	s.dedupMu.Unlock()

	s.emit(Event{Kind: EventVoiceOpus, Voice: frame})
}

// evictDedupLocked implements the old-first, then hard-clear eviction
// order: once the map grows past dedupSoftMax, entries older than
// dedupEvictOlder are dropped; if it is still oversized after that, the
// whole map is cleared. Callers must hold dedupMu.
func (s *Session) evictDedupLocked(now time.Time) {
	if len(s.dedup) <= dedupSoftMax {
		return
	}
	for k, t := range s.dedup {
		if now.Sub(t) > dedupEvictOlder {
			delete(s.dedup, k)
		}
	}
	if len(s.dedup) > dedupHardClearMax {
		s.dedup = make(map[dedupKey]time.Time)
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
