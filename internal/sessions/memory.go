package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is the in-memory Manager implementation: one mutex, three
// maps kept in lock-step, no I/O under lock — the same locking discipline
// as the teacher's session store.
type MemoryManager struct {
	mu          sync.RWMutex
	byID        map[string]*Session
	byIdentity  map[string]string // connectionIdentity -> sessionID
	byContainer map[string]string // containerID -> sessionID
}

// NewMemoryManager creates an empty in-memory session manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		byID:        map[string]*Session{},
		byIdentity:  map[string]string{},
		byContainer: map[string]string{},
	}
}

func (m *MemoryManager) Create(params CreateParams) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if params.ConnectionIdentity != "" {
		if _, ok := m.byIdentity[params.ConnectionIdentity]; ok {
			return nil, ErrDuplicateIdentity
		}
	}
	if params.ContainerID != "" {
		if _, ok := m.byContainer[params.ContainerID]; ok {
			return nil, ErrDuplicateContainer
		}
	}

	session := &Session{
		SessionID:          uuid.NewString(),
		Group:              params.Group,
		ContainerID:        params.ContainerID,
		ConnectionIdentity: params.ConnectionIdentity,
		StartedAt:          time.Now(),
	}

	m.byID[session.SessionID] = session
	if session.ConnectionIdentity != "" {
		m.byIdentity[session.ConnectionIdentity] = session.SessionID
	}
	if session.ContainerID != "" {
		m.byContainer[session.ContainerID] = session.SessionID
	}

	return cloneSession(session), nil
}

func (m *MemoryManager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSession(m.byID[sessionID])
}

func (m *MemoryManager) GetByConnectionIdentity(connectionIdentity string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIdentity[connectionIdentity]
	if !ok {
		return nil
	}
	return cloneSession(m.byID[id])
}

func (m *MemoryManager) GetByContainerID(containerID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byContainer[containerID]
	if !ok {
		return nil
	}
	return cloneSession(m.byID[id])
}

func (m *MemoryManager) Delete(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.byID[sessionID]
	if !ok {
		return false
	}
	delete(m.byID, sessionID)
	if session.ConnectionIdentity != "" {
		delete(m.byIdentity, session.ConnectionIdentity)
	}
	if session.ContainerID != "" {
		delete(m.byContainer, session.ContainerID)
	}
	return true
}

func (m *MemoryManager) GetAll() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.byID))
	for _, session := range m.byID {
		out = append(out, cloneSession(session))
	}
	return out
}

func (m *MemoryManager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID = map[string]*Session{}
	m.byIdentity = map[string]string{}
	m.byContainer = map[string]string{}
}

func (m *MemoryManager) ToSessionContext(sessionID string) *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.byID[sessionID]
	if !ok {
		return nil
	}
	return &Context{
		SessionID: session.SessionID,
		Group:     session.Group,
		Source:    session.ContainerID,
		StartedAt: session.StartedAt,
	}
}

// cloneSession returns a shallow copy so callers can never mutate manager
// state through a returned pointer; Session has only value-typed fields so
// a single-level copy is a full deep copy, kept as its own helper (rather
// than inlined at each call site) to match the teacher's clone-on-read
// convention.
func cloneSession(session *Session) *Session {
	if session == nil {
		return nil
	}
	clone := *session
	return &clone
}
