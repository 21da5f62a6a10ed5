package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/httpclient"
	"github.com/clove-proxy/clove/internal/webclient"
)

// Manager owns the session table. Idle sessions expire after the configured
// timeout; a background sweep removes them in batches.
type Manager struct {
	cfg       *config.Config
	pool      *account.Manager
	transport *httpclient.Client

	mu       sync.Mutex
	sessions map[string]*Session

	timeout       time.Duration
	sweepInterval time.Duration
}

// NewManager builds the session table over the account pool.
func NewManager(cfg *config.Config, pool *account.Manager, transport *httpclient.Client) *Manager {
	m := &Manager{
		cfg:           cfg,
		pool:          pool,
		transport:     transport,
		sessions:      make(map[string]*Session),
		timeout:       cfg.SessionTimeoutDuration(),
		sweepInterval: time.Duration(cfg.SessionCleanupInterval) * time.Second,
	}
	log.Infof("session manager initialized with timeout=%s, cleanup_interval=%s", m.timeout, m.sweepInterval)
	return m
}

// GetOrCreate returns the session for id, binding a fresh account when the
// session does not exist yet.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[id]; ok {
		return session, nil
	}

	acct, err := m.pool.GetForSession(id, nil, nil)
	if err != nil {
		return nil, err
	}
	client := webclient.New(m.cfg, m.transport, m.pool, acct)
	session := newSession(id, client, m.pool, m, m.cfg.PreserveChats)
	m.sessions[id] = session
	log.Debugf("created new session: %s", id)
	return session, nil
}

// Get returns the session for id if it exists and has not expired. Expired
// sessions are removed on sight.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil
	}
	if m.expired(session) {
		log.Debugf("session %s is expired, removing", id)
		m.removeLocked(id)
		return nil
	}
	return session
}

// Remove drops a session and cleans up its resources asynchronously.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) expired(session *Session) bool {
	return time.Since(session.LastActivity()) > m.timeout
}

func (m *Manager) removeLocked(id string) {
	session, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	go session.cleanup(context.Background())
	log.Debugf("removed session: %s", id)
}

// Run sweeps expired sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	log.Info("started session cleanup task")
	for {
		select {
		case <-ctx.Done():
			log.Info("stopped session cleanup task")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, session := range m.sessions {
		if m.expired(session) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.removeLocked(id)
	}
	if len(expired) > 0 {
		log.Infof("cleaned up %d expired sessions", len(expired))
	}
}

// CleanupAll removes every session, used on shutdown.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.removeLocked(id)
	}
	log.Info("cleaned up all sessions")
}
