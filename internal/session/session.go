// Package session tracks clients that have registered evaluation keys.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/opaque/batchpir/pkg/batch"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session binds a session ID to a client's server-side batch session.
type Session struct {
	ID           string
	ClientID     string
	Batch        *batch.Session
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessAt time.Time
	Batches      int64
}

// Manager holds live sessions in memory. A client owns at most one session:
// registering keys again replaces the previous one, so its evaluator pool
// can be collected.
type Manager struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byClient map[string]string
	maxTTL   time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a session manager. Expired sessions are swept once a
// minute until Close.
func NewManager(maxTTL time.Duration) *Manager {
	m := &Manager{
		byID:     make(map[string]*Session),
		byClient: make(map[string]string),
		maxTTL:   maxTTL,
		done:     make(chan struct{}),
	}
	go m.sweepLoop(time.Minute)
	return m
}

func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > m.maxTTL {
		return m.maxTTL
	}
	return ttl
}

// Create opens a session for bs, replacing any session its client already
// holds. A non-positive or oversized TTL is clamped to the maximum.
func (m *Manager) Create(bs *batch.Session, requestedTTL time.Duration) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:           id,
		Batch:        bs,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.clampTTL(requestedTTL)),
		LastAccessAt: now,
	}
	if bs != nil {
		sess.ClientID = bs.ClientID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.ClientID != "" {
		if old, ok := m.byClient[sess.ClientID]; ok {
			m.removeLocked(old)
		}
		m.byClient[sess.ClientID] = id
	}
	m.byID[id] = sess
	return sess, nil
}

// Get returns a live session and marks it used. An expired session is
// dropped on lookup.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := time.Now()
	if now.After(sess.ExpiresAt) {
		m.removeLocked(id)
		return nil, ErrSessionExpired
	}
	sess.LastAccessAt = now
	return sess, nil
}

// Served records one answered batch on the session.
func (m *Manager) Served(id string) {
	m.mu.Lock()
	if sess, ok := m.byID[id]; ok {
		sess.Batches++
	}
	m.mu.Unlock()
}

// Delete removes a session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	m.removeLocked(id)
	m.mu.Unlock()
}

// Count returns the number of sessions not yet swept.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Refresh extends a session's TTL from now.
func (m *Manager) Refresh(id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byID[id]
	if !ok {
		return ErrSessionNotFound
	}
	now := time.Now()
	sess.ExpiresAt = now.Add(m.clampTTL(ttl))
	sess.LastAccessAt = now
	return nil
}

// Close stops the sweep loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) removeLocked(id string) {
	sess, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if m.byClient[sess.ClientID] == id {
		delete(m.byClient, sess.ClientID)
	}
}

func (m *Manager) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.sweep(now)
		case <-m.done:
			return
		}
	}
}

// sweep drops sessions expired at now and reports how many went.
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, sess := range m.byID {
		if now.After(sess.ExpiresAt) {
			m.removeLocked(id)
			n++
		}
	}
	return n
}

func generateSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
