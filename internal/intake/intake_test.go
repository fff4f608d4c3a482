package intake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postqueue/internal/queue"
	logx "postqueue/pkg/logx"
)

type enqueued struct {
	text     string
	approved bool
}

type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	items   map[int64]*enqueued
	cursors map[string]string

	suppress map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[int64]*enqueued{}, cursors: map[string]string{}, suppress: map[string]bool{}}
}

func (f *fakeStore) Enqueue(_ context.Context, rawText string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suppress[rawText] {
		return 0, queue.ErrSuppressed
	}
	f.nextID++
	f.items[f.nextID] = &enqueued{text: rawText}
	return f.nextID, nil
}

func (f *fakeStore) Approve(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it, ok := f.items[id]; ok {
		it.approved = true
	}
	return nil
}

func (f *fakeStore) PutCursor(_ context.Context, source, position string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[source] = position
	return nil
}

func newTestService(t *testing.T, store *fakeStore, autoApprove bool) *Service {
	t.Helper()
	dir := t.TempDir()
	s := New(Config{Enabled: true, Dir: dir, AutoApprove: autoApprove}, store, logx.Nop())
	for _, d := range []string{archiveDir, rejectedDir} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func spool(t *testing.T, s *Service, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(s.cfg.Dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func listDir(t *testing.T, s *Service, sub string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.cfg.Dir, sub))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestSweepEnqueuesAndArchives(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store, false)

	spool(t, s, "a.json", `{"source":"panews","text":"BTC news","approve":true}`)
	s.sweep(context.Background())

	if len(store.items) != 1 {
		t.Fatalf("enqueued %d items, want 1", len(store.items))
	}
	it := store.items[1]
	if it.text != "BTC news" || !it.approved {
		t.Errorf("item = %+v, want approved BTC news", it)
	}
	if store.cursors["panews"] != "a.json" {
		t.Errorf("cursor = %q, want a.json", store.cursors["panews"])
	}
	if got := listDir(t, s, archiveDir); len(got) != 1 || got[0] != "a.json" {
		t.Errorf("archive = %v, want [a.json]", got)
	}
	if got := listDir(t, s, "."); len(got) != 0 {
		t.Errorf("spool not emptied: %v", got)
	}
}

func TestApprovalDefaults(t *testing.T) {
	tests := []struct {
		name        string
		autoApprove bool
		content     string
		wantApprove bool
	}{
		{"explicit approve wins", false, `{"text":"a","approve":true}`, true},
		{"explicit hold wins over auto", true, `{"text":"b","approve":false}`, false},
		{"auto approve fills the gap", true, `{"text":"c"}`, true},
		{"default is hold", false, `{"text":"d"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			s := newTestService(t, store, tt.autoApprove)
			spool(t, s, "item.json", tt.content)
			s.sweep(context.Background())

			if len(store.items) != 1 {
				t.Fatalf("enqueued %d items, want 1", len(store.items))
			}
			if got := store.items[1].approved; got != tt.wantApprove {
				t.Errorf("approved = %v, want %v", got, tt.wantApprove)
			}
		})
	}
}

func TestBadFilesGoToRejected(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store, false)

	spool(t, s, "broken.json", `{"text": "unterminated`)
	spool(t, s, "unknown-field.json", `{"text":"x","extra":1}`)
	spool(t, s, "blank.json", `{"text":"   "}`)
	s.sweep(context.Background())

	if len(store.items) != 0 {
		t.Fatalf("enqueued %d items, want 0", len(store.items))
	}
	if got := listDir(t, s, rejectedDir); len(got) != 3 {
		t.Errorf("rejected = %v, want 3 files", got)
	}
}

func TestSuppressedDuplicateIsArchived(t *testing.T) {
	store := newFakeStore()
	store.suppress["already queued"] = true
	s := newTestService(t, store, false)

	spool(t, s, "dup.json", `{"source":"panews","text":"already queued"}`)
	s.sweep(context.Background())

	if len(store.items) != 0 {
		t.Fatalf("enqueued %d items, want 0", len(store.items))
	}
	// Suppressed files are consumed, not rejected: the drop succeeded, the
	// content just wasn't new.
	if got := listDir(t, s, archiveDir); len(got) != 1 {
		t.Errorf("archive = %v, want the suppressed file", got)
	}
	if _, ok := store.cursors["panews"]; ok {
		t.Error("suppressed item must not advance the cursor")
	}
}

func TestSweepSkipsInProgressAndForeignFiles(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store, false)

	spool(t, s, ".staging.json", `{"text":"half written"}`)
	spool(t, s, "notes.txt", `not an item`)
	spool(t, s, "real.json", `{"text":"real item"}`)
	s.sweep(context.Background())

	if len(store.items) != 1 || store.items[1].text != "real item" {
		t.Fatalf("items = %v, want only the real item", store.items)
	}
}

func TestSweepProcessesOldestFirst(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store, false)

	old := filepath.Join(s.cfg.Dir, "older.json")
	spool(t, s, "older.json", `{"text":"older"}`)
	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	spool(t, s, "newer.json", `{"text":"newer"}`)

	s.sweep(context.Background())

	if store.items[1].text != "older" || store.items[2].text != "newer" {
		t.Errorf("order = [%q, %q], want oldest first", store.items[1].text, store.items[2].text)
	}
}

func TestStartRequiresDir(t *testing.T) {
	s := New(Config{Enabled: true}, newFakeStore(), logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start with empty dir must fail")
	}
}
