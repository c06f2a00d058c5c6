// Package mumbleclient is the TLS control-plane client (C4): it dials a
// Mumble server, authenticates, keeps the connection alive, maintains a
// channel/user registry, and fans decoded events out to its owner
// through a typed channel — the reimplementation's pick among the two
// event-emitter-to-Go options the source's design notes leave open.
package mumbleclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/incomudon/mumble-ws-gateway/internal/wireproto"
)

const (
	protocolMajor = 1
	protocolMinor = 4
	protocolPatch = 0

	pingInterval      = 10 * time.Second
	handshakeTimeout  = 15 * time.Second
	dialTimeout       = 10 * time.Second
	eventChannelDepth = 64
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventChannelUpsert EventKind = iota
	EventChannelRemove
	EventUserUpsert
	EventUserRemove
	EventServerSync
	EventTextMessage
	EventPermissionDenied
	EventCryptSetup
	EventReject
	EventServerRTT
	EventUDPTunnelVoice
	EventDisconnected
)

// Event is the single tagged variant delivered on Client.Events(). Every
// subscriber (there is exactly one, the orchestrator) sees every event
// in fire order.
type Event struct {
	Kind EventKind

	Channel          Channel
	ChannelRemovedID uint32
	User             User
	UserRemovedID    uint32
	ServerSync       wireproto.ServerSync
	TextMessage      wireproto.TextMessage
	PermissionDenied wireproto.PermissionDenied
	CryptSetup       wireproto.CryptSetup
	Reject           wireproto.Reject
	RTT              time.Duration
	UDPTunnelPayload []byte
	Err              error
}

// Client owns one TLS connection to a Mumble server.
type Client struct {
	conn     *tls.Conn
	registry *Registry
	events   chan Event
	logger   *zap.Logger

	pingMu   sync.Mutex
	pingSent map[uint64]time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to addr, completes the TLS handshake, and starts the
// read and keepalive loops. It does not wait for ServerSync; callers
// enforce the handshake barrier by watching Events().
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, logger *zap.Logger) (*Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mumbleclient: dial %s: %w", addr, err)
	}

	conn := tls.Client(rawConn, tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("mumbleclient: TLS handshake with %s: %w", addr, err)
	}

	c := &Client{
		conn:     conn,
		registry: newRegistry(),
		events:   make(chan Event, eventChannelDepth),
		logger:   logger,
		pingSent: make(map[uint64]time.Time),
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Events returns the channel of decoded server events.
func (c *Client) Events() <-chan Event { return c.events }

// Registry returns the connection's channel/user roster.
func (c *Client) Registry() *Registry { return c.registry }

// Handshake sends Version then Authenticate, the two messages the
// protocol expects immediately after the TLS handshake completes.
func (c *Client) Handshake(username, password string, tokens []string) error {
	version := wireproto.Version{
		Version:   wireproto.EncodeVersion(protocolMajor, protocolMinor, protocolPatch),
		Release:   "mumble-ws-gateway",
		OS:        "linux",
		OSVersion: "gateway",
	}
	if err := c.send(wireproto.MsgVersion, version.MarshalMumble()); err != nil {
		return err
	}

	auth := wireproto.Authenticate{
		Username:   username,
		Password:   password,
		Tokens:     tokens,
		Opus:       true,
		ClientType: 0, // regular user, not a bot
	}
	return c.send(wireproto.MsgAuthenticate, auth.MarshalMumble())
}

// SendUserState requests a channel move (or any other self-state
// change the gateway ever needs to push).
func (c *Client) SendUserState(u wireproto.UserState) error {
	return c.send(wireproto.MsgUserState, u.MarshalMumble())
}

// SendTextMessage relays a peer's chat message to the server.
func (c *Client) SendTextMessage(t wireproto.TextMessage) error {
	return c.send(wireproto.MsgTextMessage, t.MarshalMumble())
}

// SendCryptSetup replies to a server resync request with our current
// encrypt IV, or forwards a client_nonce-only reply as needed.
func (c *Client) SendCryptSetup(cs wireproto.CryptSetup) error {
	return c.send(wireproto.MsgCryptSetup, cs.MarshalMumble())
}

// SendUDPTunnel wraps a raw legacy voice packet in a control-plane
// UDPTunnel message, used both for the browser's uplink when no UDP
// path is ready and for the 2.5s fallback probe.
func (c *Client) SendUDPTunnel(payload []byte) error {
	return c.send(wireproto.MsgUDPTunnel, payload)
}

func (c *Client) send(msgType uint16, payload []byte) error {
	frame := wireproto.EncodeFrame(msgType, payload)
	_, err := c.conn.Write(frame)
	if err != nil {
		return fmt.Errorf("mumbleclient: write: %w", err)
	}
	return nil
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		msgType, payload, err := wireproto.ReadFrame(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.emit(Event{Kind: EventDisconnected, Err: err})
			}
			return
		}
		c.dispatch(msgType, payload)
	}
}

func (c *Client) dispatch(msgType uint16, payload []byte) {
	switch msgType {
	case wireproto.MsgUDPTunnel:
		c.emit(Event{Kind: EventUDPTunnelVoice, UDPTunnelPayload: payload})

	case wireproto.MsgPing:
		p, err := wireproto.UnmarshalPing(payload)
		if err != nil {
			c.logger.Debug("mumbleclient: dropping malformed Ping", zap.Error(err))
			return
		}
		c.handlePingEcho(p.Timestamp)

	case wireproto.MsgReject:
		rj, err := wireproto.UnmarshalReject(payload)
		if err != nil {
			return
		}
		c.emit(Event{Kind: EventReject, Reject: rj})

	case wireproto.MsgServerSync:
		ss, err := wireproto.UnmarshalServerSync(payload)
		if err != nil {
			return
		}
		c.emit(Event{Kind: EventServerSync, ServerSync: ss})

	case wireproto.MsgChannelState:
		cs, err := wireproto.UnmarshalChannelState(payload)
		if err != nil {
			return
		}
		ch := c.registry.ApplyChannelState(cs)
		c.emit(Event{Kind: EventChannelUpsert, Channel: ch})

	case wireproto.MsgChannelRemove:
		cr, err := wireproto.UnmarshalChannelRemove(payload)
		if err != nil {
			return
		}
		c.registry.RemoveChannel(cr.ChannelID)
		c.emit(Event{Kind: EventChannelRemove, ChannelRemovedID: cr.ChannelID})

	case wireproto.MsgUserState:
		us, err := wireproto.UnmarshalUserState(payload)
		if err != nil {
			return
		}
		u := c.registry.ApplyUserState(us)
		c.emit(Event{Kind: EventUserUpsert, User: u})

	case wireproto.MsgUserRemove:
		ur, err := wireproto.UnmarshalUserRemove(payload)
		if err != nil {
			return
		}
		c.registry.RemoveUser(ur.Session)
		c.emit(Event{Kind: EventUserRemove, UserRemovedID: ur.Session})

	case wireproto.MsgTextMessage:
		tm, err := wireproto.UnmarshalTextMessage(payload)
		if err != nil {
			return
		}
		c.emit(Event{Kind: EventTextMessage, TextMessage: tm})

	case wireproto.MsgPermissionDenied:
		pd, err := wireproto.UnmarshalPermissionDenied(payload)
		if err != nil {
			return
		}
		c.emit(Event{Kind: EventPermissionDenied, PermissionDenied: pd})

	case wireproto.MsgCryptSetup:
		crs, err := wireproto.UnmarshalCryptSetup(payload)
		if err != nil {
			return
		}
		c.emit(Event{Kind: EventCryptSetup, CryptSetup: crs})

	case wireproto.MsgVersion, wireproto.MsgCodecVersion:
		// Informational only; nothing downstream needs these today.

	default:
		c.logger.Debug("mumbleclient: unrecognized message type", zap.Uint16("type", msgType))
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sendPing()
		}
	}
}

func (c *Client) sendPing() {
	now := uint64(time.Now().UnixMilli())

	c.pingMu.Lock()
	c.pingSent[now] = time.Now()
	c.pingMu.Unlock()

	ping := wireproto.Ping{Timestamp: now}
	if err := c.send(wireproto.MsgPing, ping.MarshalMumble()); err != nil {
		c.logger.Debug("mumbleclient: ping send failed", zap.Error(err))
	}
}

func (c *Client) handlePingEcho(timestamp uint64) {
	c.pingMu.Lock()
	sentAt, ok := c.pingSent[timestamp]
	if ok {
		delete(c.pingSent, timestamp)
	}
	c.pingMu.Unlock()

	if !ok {
		return
	}
	c.emit(Event{Kind: EventServerRTT, RTT: time.Since(sentAt)})
}
