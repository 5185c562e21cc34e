package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"chatrecall/internal/assembler"
	"chatrecall/internal/buffer"
	"chatrecall/internal/config"
	"chatrecall/internal/models"
	"chatrecall/internal/observability"
	"chatrecall/internal/redis"
	"chatrecall/internal/service/ai"
	"chatrecall/internal/storage"

	"github.com/cloudwego/eino/components/tool"
	"github.com/google/uuid"
)

const (
	queueLen       = 16
	persistTimeout = 10 * time.Second
)

// ErrSessionNotActive is returned for turns against a session that is not
// the user's active one.
var ErrSessionNotActive = errors.New("session is not active")

// CompleterFactory builds the completion backend for one provider/model/token.
type CompleterFactory func(ctx context.Context, provider, model, token string, cfg *config.Config, tools []tool.BaseTool) (ai.Completer, error)

func defaultCompleterFactory(ctx context.Context, provider, model, token string, cfg *config.Config, tools []tool.BaseTool) (ai.Completer, error) {
	svc, err := ai.NewAiService(ctx, provider, model, token, cfg, tools)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// Options wires the manager to the rest of the service. Config and Stores
// are required.
type Options struct {
	Config     *config.Config
	Stores     *storage.Registry
	Buffers    *buffer.Registry
	Metrics    *observability.Metrics
	Cache      *redis.Client
	Tools      []tool.BaseTool
	Completers CompleterFactory
	Dispatcher DispatcherConfig
}

// TurnRequest is one user utterance to answer.
type TurnRequest struct {
	Context      context.Context
	UserID       string
	SessionID    string
	Provider     string
	Model        string
	Token        string
	Message      string
	Instructions string
	// ClientTime is the sender's clock when the message was written, in
	// the sender's zone. Zero when the client did not report it.
	ClientTime time.Time
	// TimeZone is the sender's IANA zone name, informational only.
	TimeZone string
	// ChunkFn receives the reply accumulated so far while it streams.
	ChunkFn func(string) error
}

// TurnResult is a delivered reply. PersistErr is set when the reply could
// not be written to the store; the reply is valid regardless.
type TurnResult struct {
	Turn       models.Turn
	Stats      assembler.Stats
	PersistErr error
}

type turnTask struct {
	req TurnRequest
}

type documentTask struct {
	ctx       context.Context
	filename  string
	content   string
	mediaType string
	source    string
}

// SessionStats describes the live buffer of a session.
type SessionStats struct {
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	BufferTurns  int    `json:"buffer_turns"`
	BufferLimit  int    `json:"buffer_limit"`
	BufferActive bool   `json:"buffer_active"`
}

// Manager owns session lifecycle and runs every store mutation of a user
// through the dispatcher.
type Manager struct {
	cfg        *config.Config
	stores     *storage.Registry
	buffers    *buffer.Registry
	assembler  *assembler.Assembler
	metrics    *observability.Metrics
	cache      *stateRedis
	tools      []tool.BaseTool
	completers CompleterFactory
	dispatcher *Dispatcher

	mu    sync.Mutex
	state map[string]*userState
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil || opts.Stores == nil {
		return nil, errors.New("config and stores are required")
	}
	buffers := opts.Buffers
	if buffers == nil {
		buffers = buffer.NewRegistry(opts.Config.Context.BufferSize)
	}
	completers := opts.Completers
	if completers == nil {
		completers = defaultCompleterFactory
	}
	m := &Manager{
		cfg:        opts.Config,
		stores:     opts.Stores,
		buffers:    buffers,
		metrics:    opts.Metrics,
		cache:      newStateCache(opts.Cache, uuid.NewString()),
		tools:      opts.Tools,
		completers: completers,
		state:      make(map[string]*userState),
	}
	m.assembler = assembler.New(opts.Config.Context, buffers, assembler.FromRegistry(opts.Stores))
	m.dispatcher = NewDispatcher(opts.Dispatcher, m)
	return m, nil
}

// Listen applies invalidations published by other instances until ctx ends.
func (m *Manager) Listen(ctx context.Context) error {
	return m.cache.startListener(ctx, func(inv invalidateMessage) {
		switch inv.Scope {
		case scopeSession:
			m.buffers.Drop(buffer.Key{UserID: inv.UserID, SessionID: inv.SessionID})
			m.getState(inv.UserID).purge(inv.SessionID)
		case scopeUser:
			m.buffers.DropUser(inv.UserID)
			m.getState(inv.UserID).reset()
		}
		m.metrics.SetActiveSessions(m.buffers.Len())
	})
}

// Assembler exposes the context assembler used for turns.
func (m *Manager) Assembler() *assembler.Assembler { return m.assembler }

// Store opens the user's store for reads that need no ordering against
// queued jobs.
func (m *Manager) Store(ctx context.Context, userID string) (*storage.UserStore, error) {
	return m.stores.Store(ctx, userID)
}

// Preview assembles the context message would receive in the session
// without calling the completion backend.
func (m *Manager) Preview(ctx context.Context, userID, sessionID, message string) (assembler.Block, assembler.Stats, error) {
	if err := m.ensureActive(ctx, userID, sessionID); err != nil {
		return assembler.Block{}, assembler.Stats{}, err
	}
	block, stats := m.assembler.Assemble(ctx, userID, sessionID, message, "")
	return block, stats, nil
}

// Close stops the dispatcher and its workers.
func (m *Manager) Close() {
	m.dispatcher.Close()
}

// StartSession creates a fresh active session for the user and opens its
// buffer. Other sessions of the user lose their active flag and buffer.
func (m *Manager) StartSession(ctx context.Context, userID string) (models.Session, error) {
	store, err := m.stores.Store(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}
	if m.cfg.Storage.ClearDocumentsOnNewSession {
		if err := store.ClearDocuments(ctx); err != nil {
			return models.Session{}, err
		}
	}
	session, err := store.CreateSession(ctx)
	if err != nil {
		return models.Session{}, err
	}
	m.buffers.DropUser(userID)
	m.buffers.Open(buffer.Key{UserID: userID, SessionID: session.ID})
	m.metrics.SetActiveSessions(m.buffers.Len())
	return session, nil
}

// ResumeSession reactivates an existing session and rebuilds its buffer
// from the shared cache or, failing that, from the store.
func (m *Manager) ResumeSession(ctx context.Context, userID, sessionID string) (models.Session, error) {
	store, err := m.stores.Store(ctx, userID)
	if err != nil {
		return models.Session{}, err
	}
	session, err := store.ActivateSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if err := m.rebuildBuffer(ctx, store, userID, sessionID); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (m *Manager) rebuildBuffer(ctx context.Context, store *storage.UserStore, userID, sessionID string) error {
	turns, ok := m.cache.loadBuffer(userID, sessionID)
	if !ok {
		var err error
		turns, err = store.SessionTurns(ctx, sessionID, m.buffers.Limit())
		if err != nil {
			return err
		}
	}
	m.buffers.DropUser(userID)
	m.buffers.Replace(buffer.Key{UserID: userID, SessionID: sessionID}, turns)
	m.metrics.SetActiveSessions(m.buffers.Len())
	return nil
}

// CloseSession ends a session: its active flag, buffer and cached
// snapshot are dropped here and on other instances.
func (m *Manager) CloseSession(ctx context.Context, userID, sessionID string) error {
	store, err := m.stores.Store(ctx, userID)
	if err != nil {
		return err
	}
	if err := store.CloseSession(ctx, sessionID); err != nil {
		return err
	}
	m.buffers.Drop(buffer.Key{UserID: userID, SessionID: sessionID})
	m.getState(userID).purge(sessionID)
	m.cache.invalidateSession(userID, sessionID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, SessionID: sessionID, Scope: scopeSession})
	m.metrics.SetActiveSessions(m.buffers.Len())
	return nil
}

// SessionStats reports the live buffer of a session.
func (m *Manager) SessionStats(userID, sessionID string) SessionStats {
	st := SessionStats{UserID: userID, SessionID: sessionID, BufferLimit: m.buffers.Limit()}
	if b, ok := m.buffers.Get(buffer.Key{UserID: userID, SessionID: sessionID}); ok {
		st.BufferActive = true
		st.BufferTurns = b.Len()
	}
	return st
}

// ensureActive makes sure the session has a buffer, rebuilding it when the
// store still marks the session active (after a restart, say).
func (m *Manager) ensureActive(ctx context.Context, userID, sessionID string) error {
	if _, ok := m.buffers.Get(buffer.Key{UserID: userID, SessionID: sessionID}); ok {
		return nil
	}
	store, err := m.stores.Store(ctx, userID)
	if err != nil {
		return err
	}
	active, ok, err := store.ActiveSession(ctx)
	if err != nil {
		return err
	}
	if !ok || active.ID != sessionID {
		return ErrSessionNotActive
	}
	return m.rebuildBuffer(ctx, store, userID, sessionID)
}

// Turn answers one message. It blocks until the reply is complete or
// failed; nothing is written when the completion fails.
func (m *Manager) Turn(req TurnRequest) (TurnResult, error) {
	if req.Context == nil {
		req.Context = context.Background()
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.UserID == "" || req.SessionID == "" {
		return TurnResult{}, errors.New("user id and session id are required")
	}
	if req.Message == "" {
		return TurnResult{}, errors.New("message cannot be empty")
	}
	if err := m.ensureActive(req.Context, req.UserID, req.SessionID); err != nil {
		return TurnResult{}, err
	}
	ret, err := m.submit(Job{Type: Turn, UserID: req.UserID, turn: &turnTask{req: req}})
	if err != nil {
		m.metrics.TurnOutcome("rejected")
		return TurnResult{}, err
	}
	if ret.err != nil {
		return TurnResult{}, ret.err
	}
	return TurnResult{Turn: ret.turn, Stats: ret.stats, PersistErr: ret.persistErr}, nil
}

// StoreDocument stores content under filename for the user, replacing a
// document of the same name. source labels the ingestion path in metrics.
func (m *Manager) StoreDocument(ctx context.Context, userID, filename, content, mediaType, source string) (models.Document, error) {
	ret, err := m.submit(Job{Type: Ingest, UserID: userID, document: &documentTask{
		ctx: ctx, filename: filename, content: content, mediaType: mediaType, source: source,
	}})
	if err != nil {
		return models.Document{}, err
	}
	return ret.document, ret.err
}

// RemoveDocument deletes a document; removing a missing one is not an error.
func (m *Manager) RemoveDocument(ctx context.Context, userID, filename string) error {
	ret, err := m.submit(Job{Type: RemoveDocument, UserID: userID, document: &documentTask{ctx: ctx, filename: filename}})
	if err != nil {
		return err
	}
	return ret.err
}

// Wipe deletes everything stored for the user and forgets its buffers.
func (m *Manager) Wipe(ctx context.Context, userID string) error {
	ret, err := m.submit(Job{Type: Wipe, UserID: userID, document: &documentTask{ctx: ctx}})
	if err != nil {
		return err
	}
	return ret.err
}

// ResetUser drops queued work, buffers and cached backends of a user.
// Stored data is kept.
func (m *Manager) ResetUser(userID string) {
	m.dispatcher.CancelUser(userID)
	m.buffers.DropUser(userID)
	m.mu.Lock()
	delete(m.state, userID)
	m.mu.Unlock()
	m.metrics.SetActiveSessions(m.buffers.Len())
}

// StartRetentionSweeper enqueues a retention job for every open store each
// interval until ctx ends.
func (m *Manager) StartRetentionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepRetention()
			}
		}
	}()
}

// SweepRetention queues one retention job per open store without waiting.
func (m *Manager) SweepRetention() {
	for _, userID := range m.stores.Users() {
		if err := m.dispatcher.Submit(Job{Type: Retention, UserID: userID}); err != nil {
			log.Printf("retention enqueue for user %s failed: %v", userID, err)
		}
	}
}

// Sink adapts the manager to the inbox watcher.
func (m *Manager) Sink() *WatchSink { return &WatchSink{m: m} }

type WatchSink struct{ m *Manager }

func (s *WatchSink) Ingest(ctx context.Context, userID, filename, content, mediaType string) error {
	_, err := s.m.StoreDocument(ctx, userID, filename, content, mediaType, "watch")
	return err
}

func (s *WatchSink) RemoveDocument(ctx context.Context, userID, filename string) error {
	return s.m.RemoveDocument(ctx, userID, filename)
}

func (m *Manager) submit(job Job) (workerReturn, error) {
	job.result = make(chan workerReturn, 1)
	if err := m.dispatcher.Submit(job); err != nil {
		return workerReturn{}, err
	}
	return <-job.result, nil
}

func (m *Manager) getState(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state[userID]
	if !ok {
		state = newUserState()
		m.state[userID] = state
	}
	return state
}

// process runs one job on a worker goroutine.
func (m *Manager) process(job Job) {
	switch job.Type {
	case Turn:
		job.reply(m.handleTurn(job.UserID, job.turn))
	case Ingest:
		job.reply(m.handleIngest(job.UserID, job.document))
	case RemoveDocument:
		job.reply(m.handleRemove(job.UserID, job.document))
	case Wipe:
		job.reply(m.handleWipe(job.UserID, job.document))
	case Retention:
		m.handleRetention(job.UserID)
		job.reply(workerReturn{})
	default:
		job.reply(workerReturn{err: fmt.Errorf("unknown job type %d", job.Type)})
	}
}

func (m *Manager) handleTurn(userID string, task *turnTask) workerReturn {
	req := task.req
	ctx := req.Context
	if err := ctx.Err(); err != nil {
		m.metrics.TurnOutcome("canceled")
		return workerReturn{err: err}
	}
	completer, err := m.completer(ctx, req)
	if err != nil {
		m.metrics.TurnOutcome("failed")
		return workerReturn{err: err}
	}

	block, stats := m.assembler.Assemble(ctx, userID, req.SessionID, req.Message, req.Instructions)
	m.metrics.ObserveAssembly(stats.Elapsed, stats.TotalChars, stats.Truncated, stats.Degraded)

	store, storeErr := m.stores.Store(ctx, userID)
	toolCtx := ctx
	if storeErr == nil {
		toolCtx = ai.WithDocuments(ctx, store)
	}
	reply, err := completer.Complete(toolCtx, ai.CompletionRequest{
		UserID:       userID,
		SessionID:    req.SessionID,
		Instructions: withClientTime(block.Instructions, req.ClientTime, req.TimeZone),
		Context:      block.Context,
		Message:      req.Message,
	}, req.ChunkFn)
	if err != nil {
		if ctx.Err() != nil {
			m.metrics.TurnOutcome("canceled")
		} else {
			m.metrics.TurnOutcome("failed")
		}
		return workerReturn{err: err, stats: stats}
	}

	turn := models.Turn{
		ID:            uuid.NewString(),
		UserID:        userID,
		SessionID:     req.SessionID,
		UserText:      req.Message,
		AssistantText: reply,
		CreatedAt:     time.Now().UTC(),
		Metadata: map[string]any{
			"provider": req.Provider,
			"model":    req.Model,
		},
	}
	if !req.ClientTime.IsZero() {
		turn.Metadata["client_time"] = req.ClientTime.Format(time.RFC3339)
		if req.TimeZone != "" {
			turn.Metadata["time_zone"] = req.TimeZone
		}
	}
	key := buffer.Key{UserID: userID, SessionID: req.SessionID}
	m.buffers.Open(key).Push(turn)
	m.cache.cacheBuffer(userID, req.SessionID, m.buffers.Snapshot(userID, req.SessionID))

	ret := workerReturn{turn: turn, stats: stats}
	if storeErr != nil {
		ret.persistErr = storeErr
	} else {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		stored, err := store.AppendTurn(persistCtx, turn)
		cancel()
		if err != nil {
			ret.persistErr = err
		} else {
			ret.turn = stored
		}
	}
	if ret.persistErr != nil {
		log.Printf("persist turn for user %s failed: %v", userID, ret.persistErr)
		m.metrics.StoreFailure("append_turn")
		m.metrics.TurnOutcome("unpersisted")
	} else {
		m.metrics.TurnOutcome("ok")
	}
	return ret
}

// withClientTime appends the sender's local time to the instructions so
// time-related questions are answered for the sender's present.
func withClientTime(instructions string, at time.Time, zone string) string {
	if at.IsZero() {
		return instructions
	}
	_, offset := at.Zone()
	if zone == "" {
		zone = at.Location().String()
	}
	note := fmt.Sprintf("Current user local time: %s (timezone: %s, offset: %+d min). "+
		"If the user asks for the current time, date, or anything time-related, use this as the present moment.",
		at.Format("Monday, 02 January 2006 15:04"), zone, offset/60)
	if strings.TrimSpace(instructions) == "" {
		return note
	}
	return instructions + "\n\n" + note
}

// completer returns the cached backend of the session, rebuilding it when
// provider, model or token changed.
func (m *Manager) completer(ctx context.Context, req TurnRequest) (ai.Completer, error) {
	state := m.getState(req.UserID)
	if res := state.getResources(req.SessionID); res.matches(req.Provider, req.Model, req.Token) {
		return res.completer, nil
	}
	c, err := m.completers(ctx, req.Provider, req.Model, req.Token, m.cfg, m.tools)
	if err != nil {
		return nil, err
	}
	state.setResources(req.SessionID, &sessionResources{
		completer: c,
		provider:  req.Provider,
		model:     req.Model,
		token:     req.Token,
	})
	return c, nil
}

func taskContext(task *documentTask) context.Context {
	if task == nil || task.ctx == nil {
		return context.Background()
	}
	return task.ctx
}

func (m *Manager) handleIngest(userID string, task *documentTask) workerReturn {
	ctx := taskContext(task)
	store, err := m.stores.Store(ctx, userID)
	if err != nil {
		return workerReturn{err: err}
	}
	doc, err := store.StoreDocument(ctx, task.filename, task.content, task.mediaType)
	if err != nil {
		m.metrics.StoreFailure("store_document")
		return workerReturn{err: err}
	}
	m.metrics.DocumentIngested(task.source)
	return workerReturn{document: doc}
}

func (m *Manager) handleRemove(userID string, task *documentTask) workerReturn {
	ctx := taskContext(task)
	store, err := m.stores.Store(ctx, userID)
	if err != nil {
		return workerReturn{err: err}
	}
	if err := store.RemoveDocument(ctx, task.filename); err != nil {
		m.metrics.StoreFailure("remove_document")
		return workerReturn{err: err}
	}
	return workerReturn{}
}

func (m *Manager) handleWipe(userID string, task *documentTask) workerReturn {
	ctx := taskContext(task)
	store, err := m.stores.Store(ctx, userID)
	if err != nil {
		return workerReturn{err: err}
	}
	if err := store.WipeUser(ctx); err != nil {
		m.metrics.StoreFailure("wipe_user")
		return workerReturn{err: err}
	}
	m.buffers.DropUser(userID)
	m.getState(userID).reset()
	m.cache.invalidateUser(userID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, Scope: scopeUser})
	m.metrics.SetActiveSessions(m.buffers.Len())
	return workerReturn{}
}

func (m *Manager) handleRetention(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	store, err := m.stores.Store(ctx, userID)
	if err != nil {
		log.Printf("retention open store for user %s failed: %v", userID, err)
		return
	}
	counts, err := store.EnforceRetention(ctx)
	if err != nil {
		m.metrics.StoreFailure("retention")
		log.Printf("retention for user %s failed: %v", userID, err)
		return
	}
	for kind, n := range counts {
		if n > 0 {
			debugLog("[retention] user %s evicted %d %s", userID, n, kind)
		}
	}
}
