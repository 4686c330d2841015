package history

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAddGeneratesID(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Add(Entry{
		Method:   "GET",
		URL:      "http://example.com/",
		Status:   200,
		Size:     11,
		Duration: 120 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if id == "" {
		t.Fatal("Add() returned an empty ID")
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, url := range []string{"http://a.example/", "http://b.example/", "http://c.example/"} {
		_, err := store.Add(Entry{
			Method:    "GET",
			URL:       url,
			Status:    200,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	entries, err := store.List(10, 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(entries))
	}
	if entries[0].URL != "http://c.example/" {
		t.Fatalf("first entry URL = %q, want the newest", entries[0].URL)
	}
	if entries[2].URL != "http://a.example/" {
		t.Fatalf("last entry URL = %q, want the oldest", entries[2].URL)
	}
}

func TestListLimitAndOffset(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := store.Add(Entry{
			Method:    "GET",
			URL:       "http://example.com/",
			Status:    200,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	entries, err := store.List(2, 1)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List(2, 1) returned %d entries, want 2", len(entries))
	}
}

func TestRoundTripFields(t *testing.T) {
	store := newTestStore(t)

	want := Entry{
		Method:    "POST",
		URL:       "https://api.example/things",
		Status:    503,
		Size:      42,
		Duration:  1500 * time.Millisecond,
		Redirects: 2,
		Error:     "connection refused",
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	id, err := store.Add(want)
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	entries, err := store.List(1, 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	got := entries[0]
	if got.ID != id {
		t.Fatalf("ID = %q, want %q", got.ID, id)
	}
	if got.Method != want.Method || got.URL != want.URL || got.Status != want.Status {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.Size != want.Size || got.Duration != want.Duration || got.Redirects != want.Redirects {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.Error != want.Error {
		t.Fatalf("Error = %q, want %q", got.Error, want.Error)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Fatalf("Timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
}

func TestSearchByURLSubstring(t *testing.T) {
	store := newTestStore(t)

	urls := []string{"http://alpha.example/x", "http://beta.example/y", "http://alpha.example/z"}
	for _, u := range urls {
		if _, err := store.Add(Entry{Method: "GET", URL: u, Status: 200}); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	entries, err := store.Search("alpha")
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Search() returned %d entries, want 2", len(entries))
	}
}

func TestClear(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Add(Entry{Method: "GET", URL: "http://example.com/", Status: 200}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	entries, err := store.List(10, 0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("List() after Clear() returned %d entries, want 0", len(entries))
	}
}
