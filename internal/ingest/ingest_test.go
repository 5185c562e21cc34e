package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExtractPlainText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("Project deadline is March 3.\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ex, err := NewExtractor(context.Background())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	text, err := ex.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "Project deadline is March 3." {
		t.Fatalf("text = %q", text)
	}
	if !strings.HasPrefix(MediaType(path), "text/plain") {
		t.Fatalf("media type = %q", MediaType(path))
	}
}

func TestExtractEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.md")
	if err := os.WriteFile(path, []byte("   \n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ex, err := NewExtractor(context.Background())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	if _, err := ex.Extract(context.Background(), path); err != ErrNoText {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
}

func TestScraperFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Release Notes</title></head><body><article>
			<h1>Release Notes</h1>
			<p>Version two ships on Friday with faster context assembly and better previews for long documents.</p>
			<p>The retention sweep now runs every thirty minutes and evicts the oldest turns first, so long running accounts stay within their configured caps without manual cleanup.</p>
			<p>Uploaded documents are previewed when the context budget is tight, and injected in full when there is room left after the conversation history has been placed.</p>
			<p>Keyword and similarity matches are deduplicated against the session buffer, which keeps every earlier exchange visible exactly once in the assembled block.</p>
		</article></body></html>`))
	}))
	defer srv.Close()

	page, err := NewScraper(0).Fetch(context.Background(), srv.URL+"/notes")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(page.Text, "Version two ships on Friday") {
		t.Fatalf("text = %q", page.Text)
	}
	if page.Filename != "Release_Notes.html" {
		t.Fatalf("filename = %q", page.Filename)
	}
}

func TestScraperRejectsBadInput(t *testing.T) {
	s := NewScraper(0)
	if _, err := s.Fetch(context.Background(), "ftp://example.com/file"); err == nil {
		t.Fatalf("expected scheme error")
	}
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := s.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestSafeFilename(t *testing.T) {
	cases := map[string]string{
		"Release Notes":    "Release_Notes",
		"../etc/passwd":    "etc_passwd",
		"":                 "page",
		"résumé 2024.pdf": "résumé_2024.pdf",
	}
	for in, want := range cases {
		if got := SafeFilename(in); got != want {
			t.Fatalf("SafeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

type recordingSink struct {
	mu      sync.Mutex
	ingests map[string]string
	count   int
	removed []string
	done    chan struct{}
}

func (s *recordingSink) Ingest(_ context.Context, userID, filename, content, _ string) error {
	s.mu.Lock()
	s.ingests[userID+"/"+filename] = content
	s.count++
	s.mu.Unlock()
	select {
	case s.done <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSink) RemoveDocument(_ context.Context, userID, filename string) error {
	s.mu.Lock()
	s.removed = append(s.removed, userID+"/"+filename)
	s.mu.Unlock()
	select {
	case s.done <- struct{}{}:
	default:
	}
	return nil
}

func TestWatcherIngestsUserFiles(t *testing.T) {
	root := t.TempDir()
	userDir := filepath.Join(root, "42")
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ex, err := NewExtractor(context.Background())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	sink := &recordingSink{ingests: map[string]string{}, done: make(chan struct{}, 16)}
	w, err := NewWatcher(root, ex, sink, 1<<20)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	path := filepath.Join(userDir, "plan.txt")
	if err := os.WriteFile(path, []byte("ship the watcher"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.ingests["42/plan.txt"] == "ship the watcher"
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		for _, r := range sink.removed {
			if r == "42/plan.txt" {
				return true
			}
		}
		return false
	})
}

func TestWatcherSplit(t *testing.T) {
	w := &Watcher{root: "/inbox"}
	if u, f, ok := w.split("/inbox/7/a.txt"); !ok || u != "7" || f != "a.txt" {
		t.Fatalf("split = %q %q %v", u, f, ok)
	}
	for _, p := range []string{
		"/inbox/a.txt",
		"/inbox/7/sub/a.txt",
		"/inbox/7/.hidden",
		"/inbox/alice/a.txt",
		"/inbox/alice_3bc51062/a.txt",
		"/inbox/007/a.txt",
		"/inbox/0/a.txt",
		"/inbox/-3/a.txt",
	} {
		if _, _, ok := w.split(p); ok {
			t.Fatalf("%s should be ignored", p)
		}
	}
}

func TestWatcherCollapsesWriteBursts(t *testing.T) {
	root := t.TempDir()
	userDir := filepath.Join(root, "42")
	strayDir := filepath.Join(root, "alice")
	for _, d := range []string{userDir, strayDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	ex, err := NewExtractor(context.Background())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	sink := &recordingSink{ingests: map[string]string{}, done: make(chan struct{}, 16)}
	w, err := NewWatcher(root, ex, sink, 1<<20)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	w.Settle = 150 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(strayDir, "x.txt"), []byte("not an account"), 0o600); err != nil {
		t.Fatalf("write stray: %v", err)
	}
	path := filepath.Join(userDir, "log.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, part := range []string{"first ", "second ", "third"} {
		if _, err := f.WriteString(part); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := f.Sync(); err != nil {
			t.Fatalf("sync: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	f.Close()

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.ingests["42/log.txt"] != ""
	})
	time.Sleep(3 * w.Settle)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.count != 1 {
		t.Fatalf("expected one ingest for the burst, got %d", sink.count)
	}
	if got := sink.ingests["42/log.txt"]; got != "first second third" {
		t.Fatalf("ingested partial content %q", got)
	}
	if _, ok := sink.ingests["alice/x.txt"]; ok {
		t.Fatalf("non-account directory was ingested")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
