package call

import "sync"

// Registry is the process-wide mapping from call SID to live session.
// Removal happens exactly once per call, from the cleanup routine.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its call SID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.CallSID] = s
}

// Get looks up a session by call SID.
func (r *Registry) Get(callSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callSID]
	return s, ok
}

// Remove deletes a session and reports whether it was present.
func (r *Registry) Remove(callSID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callSID]; !ok {
		return false
	}
	delete(r.sessions, callSID)
	return true
}

// Len reports the number of active calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
