package worker

import (
	"sync"

	"chatrecall/internal/service/ai"
)

// userState caches per-session completion backends of one user.
type userState struct {
	mu        sync.RWMutex
	resources map[string]*sessionResources
}

type sessionResources struct {
	completer ai.Completer
	provider  string
	model     string
	token     string
}

func (r *sessionResources) matches(provider, model, token string) bool {
	return r != nil && r.provider == provider && r.model == model && r.token == token
}

func newUserState() *userState {
	return &userState{resources: make(map[string]*sessionResources)}
}

func (s *userState) setResources(sessionID string, res *sessionResources) {
	if res == nil {
		return
	}
	s.mu.Lock()
	s.resources[sessionID] = res
	s.mu.Unlock()
}

func (s *userState) getResources(sessionID string) *sessionResources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resources[sessionID]
}

func (s *userState) purge(sessionID string) {
	s.mu.Lock()
	delete(s.resources, sessionID)
	s.mu.Unlock()
}

func (s *userState) reset() {
	s.mu.Lock()
	s.resources = make(map[string]*sessionResources)
	s.mu.Unlock()
}
