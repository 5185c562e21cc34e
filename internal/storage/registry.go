package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatrecall/internal/config"
)

// Registry hands out the physically separate store of each user, opening
// and migrating it on first use.
type Registry struct {
	opener *opener
	opts   Options

	mu     sync.Mutex
	stores map[string]*UserStore
}

// NewRegistry prepares the per-user store backend described by cfg.Storage.
// Caps left at zero in opts are taken from the config.
func NewRegistry(cfg *config.Config, opts Options) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	d, err := newDialect(cfg.Storage.Driver)
	if err != nil {
		return nil, err
	}
	o := &opener{d: d, cfg: cfg.Storage}
	if !d.sqlite() {
		server, ok := cfg.Databases[cfg.Storage.Server]
		if !ok {
			return nil, fmt.Errorf("database config for %s not found", cfg.Storage.Server)
		}
		o.server = server
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = cfg.Storage.MaxTurns
	}
	if opts.MaxDocuments <= 0 {
		opts.MaxDocuments = cfg.Storage.MaxDocuments
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = cfg.Storage.MaxSessions
	}
	return &Registry{opener: o, opts: opts, stores: make(map[string]*UserStore)}, nil
}

// Store returns the store of userID, creating it if needed. Failure to open
// or create it is reported as ErrStoreUnavailable.
func (r *Registry) Store(ctx context.Context, userID string) (*UserStore, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[userID]; ok {
		return s, nil
	}
	key := SanitizeUserID(userID)
	db, err := r.opener.open(key)
	if err != nil {
		return nil, fmt.Errorf("open store for user %s: %w: %w", userID, ErrStoreUnavailable, err)
	}
	if err := r.opener.d.migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s := newUserStore(userID, key, db, r.opener.d, r.opts)
	r.stores[userID] = s
	return s, nil
}

// Users lists the ids of every store opened so far, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Release closes the store of one user. It is reopened on next use.
func (r *Registry) Release(userID string) error {
	r.mu.Lock()
	s, ok := r.stores[userID]
	delete(r.stores, userID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// Close closes every store and the admin connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %s: %w", id, err))
		}
		delete(r.stores, id)
	}
	if err := r.opener.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
