// Package useragent holds per-client-agent tuning for streaming connections.
//
// Some user agents buffer the start of a chunked response before handing any
// of it to the page, and some cap the number of concurrent connections to a
// host. A Table maps User-Agent substrings to the kick-start padding and the
// per-session stream limit that work around those behaviours.
package useragent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Settings is one table row.
type Settings struct {
	// MatchOn is matched as a substring of the User-Agent header. The empty
	// string matches every agent and acts as a fallback.
	MatchOn string `json:"matchOn"`
	// KickstartBytes is the number of bytes, counting chunk framing, to push
	// before the first frame. Zero sends nothing.
	KickstartBytes int `json:"kickstartBytes,omitempty"`
	// MaxStreamingConnectionsPerSession overrides the session stream limit
	// when positive.
	MaxStreamingConnectionsPerSession int `json:"maxStreamingConnectionsPerSession,omitempty"`
}

// Kickstart returns the NUL padding to write for s.
//
// KickstartBytes counts the bytes the agent must receive on the wire. A chunk
// carries its length in hex plus two CRLF pairs, so the payload is shortened
// by that overhead when the result stays positive.
func (s Settings) Kickstart() []byte {
	if s.KickstartBytes <= 0 {
		return nil
	}
	overhead := len(strconv.FormatInt(int64(s.KickstartBytes), 16)) + 4
	n := s.KickstartBytes - overhead
	if n <= 0 {
		n = s.KickstartBytes
	}
	return make([]byte, n)
}

// Table is a concurrency-safe, replaceable list of Settings.
type Table struct {
	mu      sync.RWMutex
	entries []Settings
}

// NewTable returns a table holding entries.
func NewTable(entries ...Settings) *Table {
	t := &Table{}
	t.Replace(entries)
	return t
}

// Replace swaps the table contents.
func (t *Table) Replace(entries []Settings) {
	cp := append([]Settings(nil), entries...)
	t.mu.Lock()
	t.entries = cp
	t.mu.Unlock()
}

// Entries returns a copy of the current rows.
func (t *Table) Entries() []Settings {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Settings(nil), t.entries...)
}

// Match returns the row whose MatchOn is the longest substring of ua. On a
// tie the earlier row wins.
func (t *Table) Match(ua string) (Settings, bool) {
	if t == nil {
		return Settings{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		best  Settings
		found bool
	)
	for _, e := range t.entries {
		if !strings.Contains(ua, e.MatchOn) {
			continue
		}
		if !found || len(e.MatchOn) > len(best.MatchOn) {
			best, found = e, true
		}
	}
	return best, found
}

// Parse decodes a JSON array of Settings.
func Parse(r io.Reader) ([]Settings, error) {
	var entries []Settings
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode user agent table: %w", err)
	}
	for i, e := range entries {
		if e.KickstartBytes < 0 || e.MaxStreamingConnectionsPerSession < 0 {
			return nil, fmt.Errorf("user agent entry %d (%q): negative value", i, e.MatchOn)
		}
	}
	return entries, nil
}

// LoadFile reads and parses the table at path.
func LoadFile(path string) ([]Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}
