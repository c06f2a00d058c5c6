package mumbleclient

import (
	"sort"
	"sync"

	"github.com/incomudon/mumble-ws-gateway/internal/wireproto"
)

// Channel is the registry's merged view of a ChannelState stream.
type Channel struct {
	ID          uint32
	ParentID    uint32
	Name        string
	Description string
	Links       []uint32
	Position    int32
}

// User is the registry's merged view of a UserState stream.
type User struct {
	ID        uint32
	Name      string
	ChannelID uint32
	Mute      bool
	Deaf      bool
	Suppress  bool
	SelfMute  bool
	SelfDeaf  bool
}

// Registry holds the channel/user roster for one session. It is safe
// for concurrent access, though in this gateway's cooperative-loop
// design only the connection's own read goroutine ever mutates it.
type Registry struct {
	mu       sync.RWMutex
	channels map[uint32]Channel
	users    map[uint32]User
}

func newRegistry() *Registry {
	return &Registry{
		channels: make(map[uint32]Channel),
		users:    make(map[uint32]User),
	}
}

// ApplyChannelState merges an inbound ChannelState into the registry,
// applying the copy-on-update field semantics and the link-set
// replace-or-delta rule from the control client's channel-state merge
// contract.
func (r *Registry) ApplyChannelState(cs wireproto.ChannelState) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, existed := r.channels[cs.ChannelID]
	if !existed {
		c = Channel{ID: cs.ChannelID}
	}
	if cs.HasParent {
		c.ParentID = cs.Parent
	}
	if cs.HasName {
		c.Name = cs.Name
	}
	if cs.HasDescription {
		c.Description = cs.Description
	}
	if cs.HasPosition {
		c.Position = cs.Position
	}

	switch {
	case cs.HasLinks:
		c.Links = append([]uint32(nil), cs.Links...)
	case len(cs.LinksAdd) > 0 || len(cs.LinksRemove) > 0:
		c.Links = applyLinkDelta(c.Links, cs.LinksAdd, cs.LinksRemove)
	}

	r.channels[cs.ChannelID] = c
	return c
}

func applyLinkDelta(current, add, remove []uint32) []uint32 {
	set := make(map[uint32]struct{}, len(current)+len(add))
	for _, id := range current {
		set[id] = struct{}{}
	}
	for _, id := range add {
		set[id] = struct{}{}
	}
	for _, id := range remove {
		delete(set, id)
	}
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoveChannel drops a channel from the registry.
func (r *Registry) RemoveChannel(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
}

// ApplyUserState merges an inbound UserState into the registry.
func (r *Registry) ApplyUserState(us wireproto.UserState) User {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, existed := r.users[us.Session]
	if !existed {
		u = User{ID: us.Session}
	}
	if us.HasName {
		u.Name = us.Name
	}
	if us.HasChannelID {
		u.ChannelID = us.ChannelID
	}
	if us.HasMute {
		u.Mute = us.Mute
	}
	if us.HasDeaf {
		u.Deaf = us.Deaf
	}
	if us.HasSuppress {
		u.Suppress = us.Suppress
	}
	if us.HasSelfMute {
		u.SelfMute = us.SelfMute
	}
	if us.HasSelfDeaf {
		u.SelfDeaf = us.SelfDeaf
	}

	r.users[us.Session] = u
	return u
}

// RemoveUser drops a user from the registry.
func (r *Registry) RemoveUser(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

// Snapshot returns every channel and user currently known, sorted by
// ID so stateSnapshot payloads are deterministic.
func (r *Registry) Snapshot() (channels []Channel, users []User) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels = make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		channels = append(channels, c)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })

	users = make([]User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	return channels, users
}
