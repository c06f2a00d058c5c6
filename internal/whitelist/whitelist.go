// Package whitelist loads and atomically reloads the JSON file of
// permitted upstream Mumble servers a peer is allowed to connect to.
package whitelist

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

const defaultPath = "./config/servers.json"

// Server is one whitelisted upstream Mumble server.
type Server struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  *TLS   `json:"tls,omitempty"`
}

// TLS holds the per-server TLS verification override.
type TLS struct {
	RejectUnauthorized *bool `json:"rejectUnauthorized,omitempty"`
}

// InsecureSkipVerify reports whether this server opted out of
// certificate verification; the default, absent an explicit false, is
// to verify.
func (s Server) InsecureSkipVerify() bool {
	if s.TLS == nil || s.TLS.RejectUnauthorized == nil {
		return false
	}
	return !*s.TLS.RejectUnauthorized
}

type document struct {
	Servers []Server `json:"servers"`
}

// Whitelist is the process-wide, atomically-swappable server roster.
type Whitelist struct {
	path string

	mu      sync.RWMutex
	byID    map[string]Server
	ordered []Server
}

// Load reads and parses path (or defaultPath if empty) into a new
// Whitelist.
func Load(path string) (*Whitelist, error) {
	if path == "" {
		path = defaultPath
	}
	w := &Whitelist{path: path}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload re-reads the whitelist file from disk and atomically swaps
// the in-memory roster. On parse failure the existing roster is kept
// and the error is returned, per the admin-surface contract that a
// failed reload never tears down a working whitelist.
func (w *Whitelist) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("whitelist: read %s: %w", w.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("whitelist: parse %s: %w", w.path, err)
	}

	byID := make(map[string]Server, len(doc.Servers))
	for _, s := range doc.Servers {
		byID[s.ID] = s
	}

	w.mu.Lock()
	w.byID = byID
	w.ordered = doc.Servers
	w.mu.Unlock()

	return nil
}

// Lookup resolves a connect message's serverId against the whitelist.
func (w *Whitelist) Lookup(id string) (Server, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	srv, ok := w.byID[id]
	return srv, ok
}

// Servers returns every whitelisted server, in file order, for the
// serverList{} message.
func (w *Whitelist) Servers() []Server {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Server, len(w.ordered))
	copy(out, w.ordered)
	return out
}

// Count returns the number of whitelisted servers, for the
// /admin/whitelist/reload response body.
func (w *Whitelist) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.ordered)
}
