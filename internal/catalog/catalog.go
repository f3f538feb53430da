package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Channel is one entry of the provider's channel directory.
// ChannelID and ContentGUID are what a now-playing lookup needs.
type Channel struct {
	ChannelID   string `json:"channel_id"`
	Number      string `json:"number,omitempty"`
	Name        string `json:"name"`
	ContentGUID string `json:"content_guid"`
	Favorite    bool   `json:"favorite,omitempty"`
}

// Catalog is a snapshot of the channel directory that can be written to and
// read from disk.
type Catalog struct {
	mu        sync.RWMutex
	Channels  []Channel `json:"channels"`
	FetchedAt time.Time `json:"fetched_at"`
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{}
}

// Replace swaps in a new channel list.
func (c *Catalog) Replace(channels []Channel, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = channels
	c.FetchedAt = fetchedAt
}

// Snapshot returns a copy of the channels for read-only use.
func (c *Catalog) Snapshot() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, len(c.Channels))
	copy(out, c.Channels)
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Channels)
}

// Save writes the catalog to path as JSON using a temp-file-then-rename strategy
// so readers never see a partially-written file (atomic on most Unix filesystems).
func (c *Catalog) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".catalog-*.json.tmp")
	if err != nil {
		return fmt.Errorf("catalog save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalog save: write: %w", writeErr)
		}
		return fmt.Errorf("catalog save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog save: rename: %w", err)
	}
	return nil
}

// Load replaces the catalog with the contents of path (JSON).
func (c *Catalog) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var out struct {
		Channels  []Channel `json:"channels"`
		FetchedAt time.Time `json:"fetched_at"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	c.Replace(out.Channels, out.FetchedAt)
	return nil
}

// unnumbered sorts after every real channel number.
const unnumbered = 9999

// Sorted returns channels ordered favorites first, then by channel number.
// Channels without a numeric number sort last within their group.
func Sorted(channels []Channel) []Channel {
	out := make([]Channel, len(channels))
	copy(out, channels)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Favorite != out[j].Favorite {
			return out[i].Favorite
		}
		return number(out[i]) < number(out[j])
	})
	return out
}

func number(c Channel) int {
	var n int
	if _, err := fmt.Sscanf(c.Number, "%d", &n); err != nil {
		return unnumbered
	}
	return n
}
