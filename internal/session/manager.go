package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("connection not found")
	ErrTooManyConnections = errors.New("too many open connections for owner")
)

// Connection is one live dictation socket.
type Connection struct {
	ID             string    `json:"connection_id"`
	OwnerID        string    `json:"owner_id"`
	Finalizes      int       `json:"finalizes"`
	FramesIn       int64     `json:"frames_in"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	teardown func()
}

// Manager tracks open connections and expires idle ones.
type Manager struct {
	mu                sync.RWMutex
	conns             map[string]*Connection
	byOwner           map[string]int
	inactivityTimeout time.Duration
	maxPerOwner       int
	onExpire          func(*Connection)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration, maxPerOwner int) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		conns:             make(map[string]*Connection),
		byOwner:           make(map[string]int),
		inactivityTimeout: inactivityTimeout,
		maxPerOwner:       maxPerOwner,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(*Connection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Open registers a connection. teardown runs if the janitor expires it.
func (m *Manager) Open(ownerID string, teardown func()) (*Connection, error) {
	now := m.now()
	c := &Connection{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		StartedAt:      now,
		LastActivityAt: now,
		teardown:       teardown,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxPerOwner > 0 && m.byOwner[ownerID] >= m.maxPerOwner {
		return nil, ErrTooManyConnections
	}
	m.conns[c.ID] = c
	m.byOwner[ownerID]++
	return clone(c), nil
}

func (m *Manager) get(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Manager) Touch(id string) error {
	return m.update(id, func(c *Connection) {})
}

func (m *Manager) RecordFrame(id string) error {
	return m.update(id, func(c *Connection) { c.FramesIn++ })
}

func (m *Manager) RecordFinalize(id string) error {
	return m.update(id, func(c *Connection) { c.Finalizes++ })
}

func (m *Manager) update(id string, fn func(*Connection)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	c.LastActivityAt = m.now()
	return nil
}

// Close removes a connection. Closing an unknown id is not an error.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) *Connection {
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	delete(m.conns, id)
	if m.byOwner[c.OwnerID]--; m.byOwner[c.OwnerID] <= 0 {
		delete(m.byOwner, c.OwnerID)
	}
	return c
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Connection

	m.mu.Lock()
	for id, c := range m.conns {
		if now.Sub(c.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.removeLocked(id)
		expired = append(expired, c)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, c := range expired {
		if c.teardown != nil {
			c.teardown()
		}
		if hook != nil {
			hook(clone(c))
		}
	}
}

func clone(c *Connection) *Connection {
	out := *c
	out.teardown = nil
	return &out
}
