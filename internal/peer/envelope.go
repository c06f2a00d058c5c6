// Package peer defines the browser<->gateway wire protocol (C7): a JSON
// control envelope carried on WebSocket text frames, and a binary voice
// envelope carried on WebSocket binary frames, plus the uplink pacer
// that paces outbound Opus frames onto the Mumble session.
package peer

import "encoding/binary"

// InboundMessage is every message type a peer can send, following the
// single flat struct with a type discriminator and omitempty fields.
type InboundMessage struct {
	Type string `json:"type"`

	// connect
	ServerID string   `json:"serverId,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Tokens   []string `json:"tokens,omitempty"`

	// joinChannel
	ChannelID uint32 `json:"channelId,omitempty"`

	// textSend
	Message       string  `json:"message,omitempty"`
	TextChannelID *uint32 `json:"textChannelId,omitempty"`
	TextUserID    *uint32 `json:"textUserId,omitempty"`

	// ping
	ClientTimeMs int64 `json:"clientTimeMs,omitempty"`
}

// Inbound message type discriminators.
const (
	InConnect     = "connect"
	InDisconnect  = "disconnect"
	InJoinChannel = "joinChannel"
	InTextSend    = "textSend"
	InPing        = "ping"
)

// OutboundMessage is every message type the gateway sends to a peer.
type OutboundMessage struct {
	Type string `json:"type"`

	// serverList
	Servers []ServerSummary `json:"servers,omitempty"`

	// connected
	SelfUserID     uint32 `json:"selfUserId,omitempty"`
	RootChannelID  uint32 `json:"rootChannelId,omitempty"`
	WelcomeMessage string `json:"welcomeMessage,omitempty"`
	ServerVersion  string `json:"serverVersion,omitempty"`
	MaxBandwidth   uint32 `json:"maxBandwidth,omitempty"`

	// stateSnapshot
	Channels []ChannelView `json:"channels,omitempty"`
	Users    []UserView    `json:"users,omitempty"`

	// channelUpsert / channelRemove
	Channel          *ChannelView `json:"channel,omitempty"`
	ChannelRemovedID uint32       `json:"channelRemovedId,omitempty"`

	// userUpsert / userRemove
	User          *UserView `json:"user,omitempty"`
	UserRemovedID uint32    `json:"userRemovedId,omitempty"`

	// textRecv
	SenderID       uint32   `json:"senderId,omitempty"`
	Message        string   `json:"message,omitempty"`
	TargetUsers    []uint32 `json:"targetUsers,omitempty"`
	TargetChannels []uint32 `json:"targetChannels,omitempty"`
	TargetTrees    []uint32 `json:"targetTrees,omitempty"`
	TimestampMs    int64    `json:"timestampMs,omitempty"`

	// metrics
	Metrics *MetricsSnapshot `json:"metrics,omitempty"`

	// pong
	ClientTimeMs int64 `json:"clientTimeMs,omitempty"`
	ServerTimeMs int64 `json:"serverTimeMs,omitempty"`

	// disconnected
	Reason string `json:"reason,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`

	// shared with connect/textSend echoes
	ServerID string `json:"serverId,omitempty"`
}

// Outbound message type discriminators.
const (
	OutServerList    = "serverList"
	OutConnected     = "connected"
	OutStateSnapshot = "stateSnapshot"
	OutChannelUpsert = "channelUpsert"
	OutChannelRemove = "channelRemove"
	OutUserUpsert    = "userUpsert"
	OutUserRemove    = "userRemove"
	OutTextRecv      = "textRecv"
	OutMetrics       = "metrics"
	OutPong          = "pong"
	OutDisconnected  = "disconnected"
	OutError         = "error"
)

// ServerSummary is one entry of the whitelist surfaced as serverList.
type ServerSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChannelView is the peer-facing projection of a mumbleclient.Channel.
type ChannelView struct {
	ID          uint32   `json:"id"`
	ParentID    uint32   `json:"parentId"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Links       []uint32 `json:"links,omitempty"`
	Position    int32    `json:"position"`
}

// UserView is the peer-facing projection of a mumbleclient.User.
type UserView struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	ChannelID uint32 `json:"channelId"`
	Mute      bool   `json:"mute,omitempty"`
	Deaf      bool   `json:"deaf,omitempty"`
	Suppress  bool   `json:"suppress,omitempty"`
	SelfMute  bool   `json:"selfMute,omitempty"`
	SelfDeaf  bool   `json:"selfDeaf,omitempty"`
}

// MetricsSnapshot is the periodic metrics{} envelope body.
type MetricsSnapshot struct {
	ServerRttMs          int64   `json:"serverRttMs,omitempty"`
	VoiceUplinkFrames    uint64  `json:"voiceUplinkFrames"`
	VoiceDownlinkFrames  uint64  `json:"voiceDownlinkFrames"`
	VoiceUplinkFps       float64 `json:"voiceUplinkFps"`
	VoiceDownlinkFps     float64 `json:"voiceDownlinkFps"`
	VoiceUplinkKbps      float64 `json:"voiceUplinkKbps"`
	VoiceDownlinkKbps    float64 `json:"voiceDownlinkKbps"`
	UplinkPacerDropRate  float64 `json:"uplinkPacerDropRate"`
	VoiceDownlinkDropped uint64  `json:"voiceDownlinkDroppedFrames"`
}

// Voice binary frame kind tags.
const (
	KindUplinkEnd    = 0x03
	KindDownlinkOpus = 0x11
	KindUplinkOpus   = 0x12
)

const (
	downlinkHeaderSize = 11
	uplinkHeaderSize   = 4
	flagIsLastFrame    = 0x01
)

// DownlinkFrame is a decoded 0x11 downlink voice envelope.
type DownlinkFrame struct {
	UserID      uint32
	Target      uint8
	IsLastFrame bool
	Sequence    uint32
	Opus        []byte
}

// EncodeDownlinkOpus builds the 0x11 downlink envelope:
// [0x11 | userId:u32 | target:u8&0x1f | flags:u8 | sequence:u32 | opus[]].
func EncodeDownlinkOpus(userID uint32, target uint8, isLastFrame bool, sequence uint32, opus []byte) []byte {
	out := make([]byte, downlinkHeaderSize+len(opus))
	out[0] = KindDownlinkOpus
	binary.LittleEndian.PutUint32(out[1:5], userID)
	out[5] = target & 0x1f
	if isLastFrame {
		out[6] = flagIsLastFrame
	}
	binary.LittleEndian.PutUint32(out[7:11], sequence)
	copy(out[11:], opus)
	return out
}

// UplinkFrame is a decoded 0x12 uplink voice envelope.
type UplinkFrame struct {
	Target uint8
	Opus   []byte
}

// DecodeUplinkVoice decodes a binary frame from the peer: a 0x03
// end-of-talk marker, or a 0x12 uplink Opus frame. The returned opus
// slice is a fresh copy, never aliasing the caller's read buffer — load
// -bearing, since the WebSocket library may reuse that buffer for the
// next read.
func DecodeUplinkVoice(data []byte) (isEnd bool, frame UplinkFrame, ok bool) {
	if len(data) == 0 {
		return false, UplinkFrame{}, false
	}
	switch data[0] {
	case KindUplinkEnd:
		return true, UplinkFrame{}, true
	case KindUplinkOpus:
		if len(data) < uplinkHeaderSize {
			return false, UplinkFrame{}, false
		}
		target := data[1] & 0x1f
		opus := make([]byte, len(data)-uplinkHeaderSize)
		copy(opus, data[uplinkHeaderSize:])
		return false, UplinkFrame{Target: target, Opus: opus}, true
	default:
		return false, UplinkFrame{}, false
	}
}

// EncodeUplinkEnd builds the 0x03 uplink end-of-talk marker, used only
// by tests exercising the peer side of the wire; the gateway only
// decodes this kind tag in production.
func EncodeUplinkEnd() []byte {
	return []byte{KindUplinkEnd}
}
