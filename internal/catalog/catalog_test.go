package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoad_roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	c := New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Replace([]Channel{
		{ChannelID: "siriushits1", Number: "2", Name: "SiriusXM Hits 1", ContentGUID: "g1"},
		{ChannelID: "9450", Number: "37", Name: "Octane", ContentGUID: "g2", Favorite: true},
	}, at)

	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2 := New()
	if err := c2.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := c2.Snapshot()
	if len(got) != 2 || got[1].ChannelID != "9450" || !got[1].Favorite || got[0].ContentGUID != "g1" {
		t.Errorf("channels: %+v", got)
	}
	if !c2.FetchedAt.Equal(at) {
		t.Errorf("fetched_at = %v", c2.FetchedAt)
	}
}

func TestSave_atomic_noPartialFile(t *testing.T) {
	// After a successful save, no temp files remain in the directory.
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	c := New()
	c.Replace([]Channel{{ChannelID: "x", Name: "X"}}, time.Now())

	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "catalog.json" {
			t.Errorf("unexpected file left in dir: %s", e.Name())
		}
	}
}

func TestSave_permissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	c := New()
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("file mode = %o, want 0600", mode)
	}
}

func TestLoad_missingFile(t *testing.T) {
	c := New()
	err := c.Load(filepath.Join(t.TempDir(), "nonexistent.json"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_invalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0600); err != nil {
		t.Fatal(err)
	}
	c := New()
	if err := c.Load(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSorted(t *testing.T) {
	in := []Channel{
		{ChannelID: "a", Number: "20"},
		{ChannelID: "b", Number: ""},
		{ChannelID: "c", Number: "5"},
		{ChannelID: "d", Number: "40", Favorite: true},
		{ChannelID: "e", Number: "x"},
		{ChannelID: "f", Number: "3", Favorite: true},
	}
	got := Sorted(in)
	want := []string{"f", "d", "c", "a", "b", "e"}
	for i, id := range want {
		if got[i].ChannelID != id {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
	if in[0].ChannelID != "a" {
		t.Error("Sorted must not reorder its input")
	}
}

func ids(cs []Channel) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ChannelID
	}
	return out
}
