package auth

import "sync"

// MemoryStore is the fallback account table used when no database is
// configured, and the store unit tests run against.
type MemoryStore struct {
	mu     sync.Mutex
	byName map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byName: make(map[string]User)}
}

func (m *MemoryStore) CreateUser(u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[u.Username]; exists {
		return ErrUsernameTaken
	}
	m.byName[u.Username] = u
	return nil
}

func (m *MemoryStore) GetUserByName(username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byName[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
