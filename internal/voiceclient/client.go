// Package voiceclient is the UDP voice client (C5): it owns the
// encrypted datagram socket to a Mumble server, tracks the crypt-setup
// readiness state machine, and falls back to asking the control client
// to resume voice over its TCP tunnel when UDP never proves reachable.
package voiceclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/incomudon/mumble-ws-gateway/internal/crypt"
	"github.com/incomudon/mumble-ws-gateway/internal/varint"
)

// State is the crypt-readiness state machine from the UDP voice client
// contract: NoKey -> KeyedNotReady -> UdpReady, with a resync path back
// to KeyedNotReady that leaves the key untouched.
type State int

const (
	StateNoKey State = iota
	StateKeyedNotReady
	StateUdpReady
)

const (
	pingInterval   = 5 * time.Second
	pingMapMax     = 10
	fallbackDelay  = 2500 * time.Millisecond
	readBufferSize = 2048
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventVoiceFrame EventKind = iota
	EventReady
	EventServerRTT
	EventDisconnected
)

// Event is delivered on Client.Events().
type Event struct {
	Kind  EventKind
	Frame varint.OpusFrame
	RTT   time.Duration
	Err   error
}

// FallbackFunc is invoked at most once per crypt-setup cycle when no UDP
// packet has decrypted successfully within fallbackDelay. Its job is to
// send a legacy ping wrapped in a control-plane UDPTunnel message; the
// caller (the session orchestrator, which also owns the TLS client)
// supplies it so this package never depends on mumbleclient.
type FallbackFunc func(legacyPingPacket []byte) error

// Client owns one UDP socket and its crypt state.
type Client struct {
	conn     *net.UDPConn
	crypt    *crypt.CryptState
	fallback FallbackFunc
	logger   *zap.Logger

	mu    sync.Mutex
	state State

	fallbackTimer *time.Timer
	fallbackFired bool

	pingMu    sync.Mutex
	pingSent  map[uint64]time.Time
	pingOrder []uint64

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Dial resolves addr to an IPv4 address, using the first IPv4 result when
// the host resolves to multiple families, and opens a udp4 socket. A host
// with no IPv4 address fails to dial.
func Dial(ctx context.Context, addr string, fallback FallbackFunc, logger *zap.Logger) (*Client, error) {
	raddr, err := resolveUDPAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("voiceclient: resolve %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("voiceclient: dial %s: %w", addr, err)
	}
	markVoiceSocketDSCP(conn, logger)

	c := &Client{
		conn:     conn,
		crypt:    &crypt.CryptState{},
		fallback: fallback,
		logger:   logger,
		pingSent: make(map[uint64]time.Time),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func resolveUDPAddr(addr string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	var v4 net.IP
	for _, ip := range ips {
		if v4 = ip.To4(); v4 != nil {
			break
		}
	}
	if v4 == nil && len(ips) > 0 {
		v4 = ips[0]
	}
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(v4.String(), port))
}

// Events returns the channel of decoded voice/ready/RTT events.
func (c *Client) Events() <-chan Event { return c.events }

// State reports the current crypt-readiness state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetCryptTriple installs the full (key, clientNonce, serverNonce)
// triple from a CryptSetup message, moves the state machine to
// KeyedNotReady, and arms the 2.5s TCP-tunnel fallback timer.
func (c *Client) SetCryptTriple(key, clientNonce, serverNonce [16]byte) error {
	if err := c.crypt.SetKey(key, clientNonce, serverNonce); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateKeyedNotReady
	c.fallbackFired = false
	c.stopFallbackTimerLocked()
	c.fallbackTimer = time.AfterFunc(fallbackDelay, c.onFallbackFire)
	c.mu.Unlock()

	go c.sendPing()

	return nil
}

// SetDecryptIV applies a server-initiated resync: the key is untouched,
// only the decrypt IV moves, and the state machine drops back to
// KeyedNotReady until the next successful decrypt.
func (c *Client) SetDecryptIV(iv [16]byte) {
	c.crypt.SetDecryptIV(iv)

	c.mu.Lock()
	c.state = StateKeyedNotReady
	c.fallbackFired = false
	c.stopFallbackTimerLocked()
	c.fallbackTimer = time.AfterFunc(fallbackDelay, c.onFallbackFire)
	c.mu.Unlock()

	go c.sendPing()
}

// GetEncryptIV exposes the current encrypt IV for an empty-CryptSetup
// reply ("the server is asking us").
func (c *Client) GetEncryptIV() [16]byte {
	return c.crypt.GetEncryptIV()
}

// Stats exposes the crypt state's local-side good/late/lost/resync
// counters for the metrics aggregator.
func (c *Client) Stats() crypt.Stats {
	return c.crypt.StatsLocal
}

func (c *Client) stopFallbackTimerLocked() {
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
		c.fallbackTimer = nil
	}
}

func (c *Client) onFallbackFire() {
	c.mu.Lock()
	alreadyReady := c.state == StateUdpReady
	c.fallbackFired = true
	c.mu.Unlock()

	if alreadyReady {
		return
	}

	ping := varint.EncodePing(uint64(time.Now().UnixMilli()))
	if err := c.fallback(ping); err != nil {
		c.logger.Debug("voiceclient: fallback ping send failed", zap.Error(err))
	}
}

// SendVoice encrypts and transmits one legacy voice packet (opus frame
// or ping) over UDP.
func (c *Client) SendVoice(legacyPacket []byte) error {
	encrypted, err := c.crypt.Encrypt(legacyPacket)
	if err != nil {
		return fmt.Errorf("voiceclient: encrypt: %w", err)
	}
	_, err = c.conn.Write(encrypted)
	return err
}

// Close tears down the UDP socket and timers. Idempotent.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.stopFallbackTimerLocked()
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.emit(Event{Kind: EventDisconnected, Err: err})
			}
			return
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		plaintext, err := c.crypt.Decrypt(packet)
		if err != nil {
			// Not surfaced to the peer: drop silently, the CryptState has
			// already incremented its own counters.
			continue
		}

		c.onDecryptSuccess()
		c.handleLegacyPacket(plaintext)
	}
}

func (c *Client) onDecryptSuccess() {
	c.mu.Lock()
	wasReady := c.state == StateUdpReady
	c.state = StateUdpReady
	if !wasReady {
		c.stopFallbackTimerLocked()
	}
	c.mu.Unlock()

	if !wasReady {
		c.emit(Event{Kind: EventReady})
	}
}

func (c *Client) handleLegacyPacket(plaintext []byte) {
	if len(plaintext) == 0 {
		return
	}

	// The header's type nibble distinguishes ping from opus without a
	// full decode; see splitHeader's layout in internal/varint.
	typ := (plaintext[0] >> 5) & 0x07
	if typ == varint.VoiceTypePing {
		ts, err := varint.DecodePing(plaintext)
		if err != nil {
			return
		}
		c.handlePingEcho(ts)
		return
	}

	frame, err := varint.DecodeServerOpusFrame(plaintext)
	if err != nil {
		return
	}
	c.emit(Event{Kind: EventVoiceFrame, Frame: frame})
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

// sendPing fires regardless of readiness: a ping is the only datagram
// this client ever sends unprompted, and the server's echo of it is
// what flips the state machine from StateKeyedNotReady to
// StateUdpReady in the first place. Gating this on StateUdpReady would
// mean UDP could never become ready on its own.
func (c *Client) sendPing() {
	if c.State() == StateNoKey {
		return
	}

	now := uint64(time.Now().UnixMilli())

	c.pingMu.Lock()
	c.pingSent[now] = time.Now()
	c.pingOrder = append(c.pingOrder, now)
	for len(c.pingOrder) > pingMapMax {
		oldest := c.pingOrder[0]
		c.pingOrder = c.pingOrder[1:]
		delete(c.pingSent, oldest)
	}
	c.pingMu.Unlock()

	if err := c.SendVoice(varint.EncodePing(now)); err != nil {
		c.logger.Debug("voiceclient: ping send failed", zap.Error(err))
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

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
