package wireproto

// Message type IDs, matching the two-byte type field in the TLS control
// framing. Names follow the Mumble protocol's own message names.
const (
	MsgVersion          = 0
	MsgUDPTunnel        = 1
	MsgAuthenticate     = 2
	MsgPing             = 3
	MsgReject           = 4
	MsgServerSync       = 5
	MsgChannelRemove    = 6
	MsgChannelState     = 7
	MsgUserRemove       = 8
	MsgUserState        = 9
	MsgTextMessage      = 11
	MsgPermissionDenied = 12
	MsgCryptSetup       = 15
	MsgCodecVersion     = 21
)

// Version carries the client/server protocol version and platform
// strings. Outbound field numbers used here: 1 (version), 2 (release),
// 3 (os), 4 (os_version). Field 5 (os_version, alt numbering in some
// forks) is not emitted; this gateway only ever sends fields 1-4.
type Version struct {
	Version   uint32
	Release   string
	OS        string
	OSVersion string
}

// MarshalMumble encodes a Version message.
func (v Version) MarshalMumble() []byte {
	w := NewWriter()
	w.WriteVarint(1, uint64(v.Version))
	if v.Release != "" {
		w.WriteString(2, v.Release)
	}
	if v.OS != "" {
		w.WriteString(3, v.OS)
	}
	if v.OSVersion != "" {
		w.WriteString(4, v.OSVersion)
	}
	return w.Bytes()
}

// UnmarshalVersion decodes a Version message, skipping unknown fields.
func UnmarshalVersion(data []byte) (Version, error) {
	var v Version
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return v, err
		}
		if !ok {
			break
		}
		switch f.Number {
		case 1:
			v.Version = f.AsUint32()
		case 2:
			v.Release = f.AsString()
		case 3:
			v.OS = f.AsString()
		case 4:
			v.OSVersion = f.AsString()
		}
	}
	return v, nil
}

// Authenticate is sent immediately after the TLS handshake. Field
// numbers: 1 (username), 2 (password), 3 (tokens, repeated), 4
// (celt_versions, repeated int32 — unused, this gateway advertises Opus
// only), 5 (opus), 6 (client_type: 0 advertises a regular user).
type Authenticate struct {
	Username   string
	Password   string
	Tokens     []string
	Opus       bool
	ClientType int32
}

// MarshalMumble encodes an Authenticate message.
func (a Authenticate) MarshalMumble() []byte {
	w := NewWriter()
	w.WriteString(1, a.Username)
	if a.Password != "" {
		w.WriteString(2, a.Password)
	}
	for _, tok := range a.Tokens {
		w.WriteString(3, tok)
	}
	w.WriteBool(5, a.Opus)
	w.WriteInt32(6, a.ClientType)
	return w.Bytes()
}

// Ping carries a client- or server-chosen millisecond timestamp echoed
// back by the peer for RTT measurement. Field 1: timestamp.
type Ping struct {
	Timestamp uint64
}

// MarshalMumble encodes a Ping message.
func (p Ping) MarshalMumble() []byte {
	w := NewWriter()
	w.WriteVarint(1, p.Timestamp)
	return w.Bytes()
}

// UnmarshalPing decodes a Ping message.
func UnmarshalPing(data []byte) (Ping, error) {
	var p Ping
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return p, err
		}
		if !ok {
			break
		}
		if f.Number == 1 {
			p.Timestamp = f.AsVarint()
		}
	}
	return p, nil
}

// Reject carries a reason the server refused the connection.
type Reject struct {
	Type   uint32
	Reason string
}

// UnmarshalReject decodes a Reject message. Field 1: type, field 2: reason.
func UnmarshalReject(data []byte) (Reject, error) {
	var rj Reject
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return rj, err
		}
		if !ok {
			break
		}
		switch f.Number {
		case 1:
			rj.Type = f.AsUint32()
		case 2:
			rj.Reason = f.AsString()
		}
	}
	return rj, nil
}

// ServerSync arrives once authentication succeeds. Field 1: session
// (self user id), field 2: max_bandwidth, field 3: welcome_text.
type ServerSync struct {
	Session       uint32
	MaxBandwidth  uint32
	WelcomeText   string
	HasBandwidth  bool
	HasWelcomeMsg bool
}

// UnmarshalServerSync decodes a ServerSync message.
func UnmarshalServerSync(data []byte) (ServerSync, error) {
	var s ServerSync
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return s, err
		}
		if !ok {
			break
		}
		switch f.Number {
		case 1:
			s.Session = f.AsUint32()
		case 2:
			s.MaxBandwidth = f.AsUint32()
			s.HasBandwidth = true
		case 3:
			s.WelcomeText = f.AsString()
			s.HasWelcomeMsg = true
		}
	}
	return s, nil
}

// ChannelState describes a channel create/update. Fields: 1 channel_id,
// 2 parent, 3 name, 4 links (repeated uint32, full replacement), 5
// description, 6 links_add (repeated uint32), 7 links_remove (repeated
// uint32), 8 position.
type ChannelState struct {
	ChannelID uint32

	HasParent bool
	Parent    uint32

	HasName bool
	Name    string

	HasLinks bool
	Links    []uint32

	HasDescription bool
	Description    string

	LinksAdd    []uint32
	LinksRemove []uint32

	HasPosition bool
	Position    int32
}

// UnmarshalChannelState decodes a ChannelState message.
func UnmarshalChannelState(data []byte) (ChannelState, error) {
	var c ChannelState
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return c, err
		}
		if !ok {
			break
		}
		switch f.Number {
		case 1:
			c.ChannelID = f.AsUint32()
		case 2:
			c.HasParent = true
			c.Parent = f.AsUint32()
		case 3:
			c.HasName = true
			c.Name = f.AsString()
		case 4:
			c.HasLinks = true
			c.Links = append(c.Links, f.AsUint32())
		case 5:
			c.HasDescription = true
			c.Description = f.AsString()
		case 6:
			c.LinksAdd = append(c.LinksAdd, f.AsUint32())
		case 7:
			c.LinksRemove = append(c.LinksRemove, f.AsUint32())
		case 8:
			c.HasPosition = true
			c.Position = f.AsInt32()
		}
	}
	return c, nil
}

// ChannelRemove names a channel that no longer exists. Field 1: channel_id.
type ChannelRemove struct {
	ChannelID uint32
}

// UnmarshalChannelRemove decodes a ChannelRemove message.
func UnmarshalChannelRemove(data []byte) (ChannelRemove, error) {
	var c ChannelRemove
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return c, err
		}
		if !ok {
			break
		}
		if f.Number == 1 {
			c.ChannelID = f.AsUint32()
		}
	}
	return c, nil
}

// UserState describes a user create/update, or (outbound) a
// join-channel request. Fields used: 1 session, 3 name, 5 channel_id,
// 6 mute, 7 deaf, 8 suppress, 9 self_mute, 10 self_deaf.
type UserState struct {
	HasSession bool
	Session    uint32

	HasName bool
	Name    string

	HasChannelID bool
	ChannelID    uint32

	HasMute bool
	Mute    bool

	HasDeaf bool
	Deaf    bool

	HasSuppress bool
	Suppress    bool

	HasSelfMute bool
	SelfMute    bool

	HasSelfDeaf bool
	SelfDeaf    bool
}

// MarshalMumble encodes a UserState message. Only session (field 1) and
// channel_id (field 5) are ever needed outbound.
func (u UserState) MarshalMumble() []byte {
	w := NewWriter()
	if u.HasSession {
		w.WriteVarint(1, uint64(u.Session))
	}
	if u.HasChannelID {
		w.WriteVarint(5, uint64(u.ChannelID))
	}
	return w.Bytes()
}

// UnmarshalUserState decodes a UserState message.
func UnmarshalUserState(data []byte) (UserState, error) {
	var u UserState
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return u, err
		}
		if !ok {
			break
		}
		switch f.Number {
		case 1:
			u.HasSession = true
			u.Session = f.AsUint32()
		case 3:
			u.HasName = true
			u.Name = f.AsString()
		case 5:
			u.HasChannelID = true
			u.ChannelID = f.AsUint32()
		case 6:
			u.HasMute = true
			u.Mute = f.AsBool()
		case 7:
			u.HasDeaf = true
			u.Deaf = f.AsBool()
		case 8:
			u.HasSuppress = true
			u.Suppress = f.AsBool()
		case 9:
			u.HasSelfMute = true
			u.SelfMute = f.AsBool()
		case 10:
			u.HasSelfDeaf = true
			u.SelfDeaf = f.AsBool()
		}
	}
	return u, nil
}

// UserRemove names a user that has left. Field 1: session.
type UserRemove struct {
	Session uint32
}

// UnmarshalUserRemove decodes a UserRemove message.
func UnmarshalUserRemove(data []byte) (UserRemove, error) {
	var u UserRemove
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return u, err
		}
		if !ok {
			break
		}
		if f.Number == 1 {
			u.Session = f.AsUint32()
		}
	}
	return u, nil
}

// TextMessage carries chat text either inbound (with a sender) or
// outbound (addressed to users/channels/trees). Field numbers: 1
// actor, 2 session (repeated, outbound target users), 3 channel_id
// (repeated, outbound target channels), 4 tree_id (repeated, outbound
// target trees), 5 message.
type TextMessage struct {
	Actor      uint32
	HasActor   bool
	Sessions   []uint32
	ChannelIDs []uint32
	TreeIDs    []uint32
	Message    string
}

// MarshalMumble encodes an outbound TextMessage.
func (t TextMessage) MarshalMumble() []byte {
	w := NewWriter()
	for _, s := range t.Sessions {
		w.WriteVarint(2, uint64(s))
	}
	for _, c := range t.ChannelIDs {
		w.WriteVarint(3, uint64(c))
	}
	for _, tr := range t.TreeIDs {
		w.WriteVarint(4, uint64(tr))
	}
	w.WriteString(5, t.Message)
	return w.Bytes()
}

// UnmarshalTextMessage decodes an inbound TextMessage.
func UnmarshalTextMessage(data []byte) (TextMessage, error) {
	var t TextMessage
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return t, err
		}
		if !ok {
			break
		}
		switch f.Number {
		case 1:
			t.HasActor = true
			t.Actor = f.AsUint32()
		case 2:
			t.Sessions = append(t.Sessions, f.AsUint32())
		case 3:
			t.ChannelIDs = append(t.ChannelIDs, f.AsUint32())
		case 4:
			t.TreeIDs = append(t.TreeIDs, f.AsUint32())
		case 5:
			t.Message = f.AsString()
		}
	}
	return t, nil
}

// PermissionDenied surfaces a denial without tearing down the session.
// Field 2: reason.
type PermissionDenied struct {
	Reason string
}

// UnmarshalPermissionDenied decodes a PermissionDenied message.
func UnmarshalPermissionDenied(data []byte) (PermissionDenied, error) {
	var p PermissionDenied
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return p, err
		}
		if !ok {
			break
		}
		if f.Number == 2 {
			p.Reason = f.AsString()
		}
	}
	return p, nil
}

// CryptSetup carries the OCB2 key triple, or a subset for resync. Field
// 1: key, field 2: client_nonce, field 3: server_nonce.
type CryptSetup struct {
	Key         []byte
	ClientNonce []byte
	ServerNonce []byte
}

// MarshalMumble encodes an outbound CryptSetup, writing each of the
// three fields that is non-empty. The gateway's resync reply sets only
// client_nonce.
func (c CryptSetup) MarshalMumble() []byte {
	w := NewWriter()
	if len(c.Key) > 0 {
		w.WriteBytes(1, c.Key)
	}
	if len(c.ClientNonce) > 0 {
		w.WriteBytes(2, c.ClientNonce)
	}
	if len(c.ServerNonce) > 0 {
		w.WriteBytes(3, c.ServerNonce)
	}
	return w.Bytes()
}

// UnmarshalCryptSetup decodes an inbound CryptSetup message.
func UnmarshalCryptSetup(data []byte) (CryptSetup, error) {
	var c CryptSetup
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return c, err
		}
		if !ok {
			break
		}
		switch f.Number {
		case 1:
			c.Key = append([]byte(nil), f.AsBytes()...)
		case 2:
			c.ClientNonce = append([]byte(nil), f.AsBytes()...)
		case 3:
			c.ServerNonce = append([]byte(nil), f.AsBytes()...)
		}
	}
	return c, nil
}

// CodecVersion announces the Opus support level. Field 4: opus.
type CodecVersion struct {
	Opus bool
}

// UnmarshalCodecVersion decodes a CodecVersion message.
func UnmarshalCodecVersion(data []byte) (CodecVersion, error) {
	var c CodecVersion
	r := NewReader(data)
	for {
		f, ok, err := r.Next()
		if err != nil {
			return c, err
		}
		if !ok {
			break
		}
		if f.Number == 4 {
			c.Opus = f.AsBool()
		}
	}
	return c, nil
}
