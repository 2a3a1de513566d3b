package identity

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage keys used in session-scoped client storage.
const (
	SessionKey = "conteo_session_id"
	VisitorKey = "conteo_visitor_id"
)

// Storage is session-scoped key/value storage, the equivalent of the
// browser's sessionStorage.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// MemoryStorage is a Storage held in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStorage) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

var sessionMu sync.Mutex

// SessionToken returns the session token held in storage, generating and
// storing one on first use. The token only correlates events within a
// browsing session; it is never used as a visitor identity.
func SessionToken(s Storage) string {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if token, ok := s.Get(SessionKey); ok && token != "" {
		return token
	}
	token := NewSessionID()
	s.Set(SessionKey, token)
	return token
}

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "session_" + time.Now().UTC().Format("20060102150405.000000000")
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
