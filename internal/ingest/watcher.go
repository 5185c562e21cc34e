package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sink receives documents discovered by the Watcher.
type Sink interface {
	Ingest(ctx context.Context, userID, filename, content, mediaType string) error
	RemoveDocument(ctx context.Context, userID, filename string) error
}

// DefaultSettle is how long a file must stay quiet before it is ingested.
const DefaultSettle = 500 * time.Millisecond

// Watcher ingests files dropped into <root>/<account id>/ and removes the
// matching document when a file is deleted. Bursts of create and write
// events on one file collapse into a single ingest once it settles.
type Watcher struct {
	root      string
	fs        *fsnotify.Watcher
	extractor *Extractor
	sink      Sink
	maxBytes  int64
	// Settle is the quiet period per file; zero means DefaultSettle.
	Settle time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewWatcher(root string, extractor *Extractor, sink Sink, maxBytes int64) (*Watcher, error) {
	if root == "" {
		return nil, fmt.Errorf("inbox dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:      root,
		fs:        fsw,
		extractor: extractor,
		sink:      sink,
		maxBytes:  maxBytes,
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Start watches the inbox and every existing user directory, then runs the
// event loop until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fs.Add(w.root); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && isAccountID(e.Name()) {
			w.addUserDir(filepath.Join(w.root, e.Name()))
		}
	}
	go w.loop(ctx)
	return nil
}

func (w *Watcher) Close() error {
	w.cancelAll()
	return w.fs.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.cancelAll()
			w.fs.Close()
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("inbox watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if filepath.Dir(event.Name) == filepath.Clean(w.root) {
		if event.Op&fsnotify.Create == fsnotify.Create {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() && isAccountID(info.Name()) {
				w.addUserDir(event.Name)
			}
		}
		return
	}
	userID, filename, ok := w.split(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.schedule(ctx, userID, filename, event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.cancel(event.Name)
		if err := w.sink.RemoveDocument(ctx, userID, filename); err != nil {
			log.Printf("inbox remove %s for user %s failed: %v", filename, userID, err)
		}
	}
}

// schedule (re)starts the quiet period of path; the ingest runs when no
// further event arrives for it within Settle.
func (w *Watcher) schedule(ctx context.Context, userID, filename, path string) {
	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(settle, func() {
		w.mu.Lock()
		if w.pending[path] != timer {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.ingest(ctx, userID, filename, path)
	})
	w.pending[path] = timer
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) ingest(ctx context.Context, userID, filename, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if w.maxBytes > 0 && info.Size() > w.maxBytes {
		log.Printf("inbox file %s exceeds size limit (%d > %d)", path, info.Size(), w.maxBytes)
		return
	}
	text, err := w.extractor.Extract(ctx, path)
	if err != nil {
		log.Printf("inbox extract %s failed: %v", path, err)
		return
	}
	if err := w.sink.Ingest(ctx, userID, filename, text, MediaType(path)); err != nil {
		log.Printf("inbox ingest %s for user %s failed: %v", filename, userID, err)
	}
}

// split maps <root>/<account id>/<file> to its user id and filename.
// Directories that are not decimal account ids are ignored.
func (w *Watcher) split(path string) (string, string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || !isAccountID(parts[0]) || parts[1] == "" {
		return "", "", false
	}
	if strings.HasPrefix(parts[1], ".") {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (w *Watcher) addUserDir(dir string) {
	if err := w.fs.Add(dir); err != nil {
		log.Printf("inbox watch %s failed: %v", dir, err)
	}
}

// isAccountID accepts positive decimal ids in canonical form, the keys the
// per-user stores are addressed by.
func isAccountID(name string) bool {
	id, err := strconv.ParseInt(name, 10, 64)
	return err == nil && id > 0 && strconv.FormatInt(id, 10) == name
}
