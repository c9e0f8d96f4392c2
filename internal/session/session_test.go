package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("create file store error: %v", err)
	}
	db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("create sqlite store error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Backend{"file": fs, "sqlite": db}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestManager_CreatesOnFirstUse(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			mgr := NewManager(backend, Options{Root: root})

			sess, err := mgr.GetCurrentSession()
			if err != nil {
				t.Fatalf("get current error: %v", err)
			}
			if sess.ID == "" || sess.Status != StatusActive {
				t.Errorf("unexpected session %+v", sess)
			}
			if sess.Meta.FormatVersion != FormatVersion || sess.Meta.CreatedAt.IsZero() {
				t.Errorf("metadata not set: %+v", sess.Meta)
			}
			if !strings.HasPrefix(sess.BaseDir, root) {
				t.Errorf("base dir %s not under %s", sess.BaseDir, root)
			}
			if _, err := os.Stat(sess.BaseDir); err != nil {
				t.Errorf("base dir not created: %v", err)
			}

			again, _ := mgr.GetCurrentSession()
			if again.ID != sess.ID {
				t.Error("expected the same current session")
			}

			// A fresh manager over the same backend finds it too.
			other, err := NewManager(backend, Options{Root: root}).GetCurrentSession()
			if err != nil || other.ID != sess.ID {
				t.Errorf("current session not persisted: %v", err)
			}
		})
	}
}

func TestManager_UpdateSessionWithLog(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mgr := NewManager(backend, Options{Root: t.TempDir()})
			sess, _ := mgr.CreateNewSession("Payments API")

			if _, err := mgr.UpdateSessionWithLog(LogRequest{
				Event:    Event{Type: EventTaskStart, Task: "draft intro section"},
				AddFiles: []string{"spec.md"},
			}); err != nil {
				t.Fatalf("update error: %v", err)
			}
			updated, err := mgr.UpdateSessionWithLog(LogRequest{
				Event:    Event{Type: EventQuestion, Step: "step-1", Content: "formal or casual?"},
				AddFiles: []string{"spec.md", "glossary.md"},
			})
			if err != nil {
				t.Fatalf("update error: %v", err)
			}
			if len(updated.ActiveFiles) != 2 {
				t.Errorf("expected 2 deduplicated files, got %v", updated.ActiveFiles)
			}

			loaded, err := backend.Load(sess.ID)
			if err != nil {
				t.Fatalf("load error: %v", err)
			}
			if loaded.Name != "Payments API" || !strings.HasSuffix(loaded.BaseDir, "payments-api") {
				t.Errorf("unexpected header %s %s", loaded.Name, loaded.BaseDir)
			}
			if len(loaded.Events) != 3 {
				t.Fatalf("expected 3 events, got %d", len(loaded.Events))
			}
			for i, e := range loaded.Events {
				if e.SeqID != uint64(i+1) {
					t.Errorf("event %d has seq %d", i, e.SeqID)
				}
			}
			if loaded.Events[2].Content != "formal or casual?" || loaded.Events[2].Step != "step-1" {
				t.Errorf("unexpected event %+v", loaded.Events[2])
			}
			if loaded.CurrentSeqID() != 3 {
				t.Errorf("sequence not restored: %d", loaded.CurrentSeqID())
			}
		})
	}
}

func TestManager_ArchiveCurrentAndStartNew(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mgr := NewManager(backend, Options{Root: t.TempDir()})
			first, _ := mgr.GetCurrentSession()

			next, err := mgr.ArchiveCurrentAndStartNew("second")
			if err != nil {
				t.Fatalf("archive error: %v", err)
			}
			if next.ID == first.ID || next.Name != "second" {
				t.Errorf("unexpected new session %+v", next)
			}

			old, err := mgr.Load(first.ID)
			if err != nil {
				t.Fatalf("archived session lost: %v", err)
			}
			if old.Status != StatusArchived {
				t.Errorf("expected archived, got %s", old.Status)
			}
			if last := old.Events[len(old.Events)-1]; last.Type != EventArchive {
				t.Errorf("expected archive event, got %s", last.Type)
			}

			cur, _ := mgr.GetCurrentSession()
			if cur.ID != next.ID {
				t.Error("new session should be current")
			}
		})
	}
}

func TestManager_InactivityExpiry(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := &clock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
			mgr := NewManager(backend, Options{Root: t.TempDir(), Inactivity: time.Hour, Now: c.Now})

			first, _ := mgr.CreateNewSession("notes")
			c.now = c.now.Add(30 * time.Minute)
			if cur, _ := mgr.GetCurrentSession(); cur.ID != first.ID {
				t.Fatal("session expired too early")
			}

			c.now = c.now.Add(2 * time.Hour)
			cur, err := mgr.GetCurrentSession()
			if err != nil {
				t.Fatal(err)
			}
			if cur.ID == first.ID {
				t.Fatal("expected expired session to be replaced")
			}
			if cur.Name != "notes" {
				t.Errorf("replacement should keep the project name, got %s", cur.Name)
			}
			old, _ := mgr.Load(first.ID)
			if old.Status != StatusArchived {
				t.Errorf("expired session not archived: %s", old.Status)
			}
		})
	}
}

func TestFileStore_ArchiveDirectory(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(store, Options{})
	first, _ := mgr.GetCurrentSession()
	if _, err := mgr.ArchiveCurrentAndStartNew(""); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, first.ID+".jsonl")); !os.IsNotExist(err) {
		t.Error("archived session still in the live directory")
	}
	if _, err := os.Stat(filepath.Join(dir, "archive", first.ID+".jsonl")); err != nil {
		t.Errorf("archived session missing: %v", err)
	}
}

func TestFileStore_JSONLLayout(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)
	sess := &Session{ID: "abc", Name: "n", Status: StatusActive, Meta: Meta{FormatVersion: FormatVersion}}
	sess.AddEvent(Event{Type: EventTaskStart, Content: "x"})
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "abc.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header, event, footer; got %d lines", len(lines))
	}
	for i, want := range []string{RecordTypeHeader, RecordTypeEvent, RecordTypeFooter} {
		if !strings.Contains(lines[i], `"_type":"`+want+`"`) {
			t.Errorf("line %d: expected %s record: %s", i, want, lines[i])
		}
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Payments API":   "payments-api",
		"  --Spec v2-- ": "spec-v2",
		"!!!":            "project",
	}
	for in, want := range tests {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManager_LogToArchivedSession(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mgr := NewManager(backend, Options{Root: t.TempDir()})
			first, _ := mgr.GetCurrentSession()
			next, err := mgr.ArchiveCurrentAndStartNew("second")
			if err != nil {
				t.Fatalf("archive error: %v", err)
			}

			_, err = mgr.UpdateSessionWithLog(LogRequest{
				SessionID: first.ID,
				Event:     Event{Type: EventTaskEnd, Content: "late result"},
			})
			if err != nil {
				t.Fatalf("log error: %v", err)
			}

			old, err := mgr.Load(first.ID)
			if err != nil {
				t.Fatalf("load error: %v", err)
			}
			last := old.Events[len(old.Events)-1]
			if last.Type != EventTaskEnd || last.Content != "late result" {
				t.Errorf("expected late result in old session, got %+v", last)
			}
			if old.Status != StatusArchived {
				t.Errorf("old session should stay archived, got %s", old.Status)
			}

			cur, _ := mgr.GetCurrentSession()
			if cur.ID != next.ID {
				t.Fatalf("current session changed to %s", cur.ID)
			}
			for _, ev := range cur.Events {
				if ev.Type == EventTaskEnd {
					t.Error("late result leaked into the current session")
				}
			}
		})
	}
}
