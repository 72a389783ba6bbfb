// Package gateway pools broker connections per (user, account mode).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digit-trader/internal/account"
	"digit-trader/internal/controller"
	"digit-trader/pkg/broker"
	"digit-trader/pkg/db"
)

var (
	ErrCredentialsMissing = errors.New("no broker credentials stored")
	ErrGatewayUnhealthy   = errors.New("gateway is unhealthy")
	ErrPoolFull           = errors.New("gateway pool is full")
)

// CredentialStore reads encrypted broker tokens.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID, mode string) (*db.Credential, error)
}

// TokenOpener decrypts a stored token. *crypto.KeyManager satisfies it.
type TokenOpener interface {
	Open(ciphertext, binding string) (string, error)
}

// Binding ties a sealed token to its owner so it cannot be replayed for
// another user or mode.
func Binding(userID string, mode account.Mode) string {
	return userID + "/" + string(mode)
}

type cached struct {
	broker    broker.Broker
	userID    string
	mode      account.Mode
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of pooled connections
	IdleTimeout      time.Duration // Time before an unused connection is closed
	MinIdleToEvict   time.Duration // LRU eviction skips connections used more recently
	HealthInterval   time.Duration // Interval between balance probes
	HealthTimeout    time.Duration
	FailureThreshold int           // Consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // Time to wait before retrying an unhealthy connection
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		MinIdleToEvict:   5 * time.Minute,
		HealthInterval:   5 * time.Minute,
		HealthTimeout:    10 * time.Second,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager hands out one broker connection per (user, mode) with LRU
// eviction, idle cleanup, periodic health probes and a failure circuit.
// Connections are safe for concurrent use by several sessions.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*cached
	lruOrder []string // oldest first

	config  Config
	creds   CredentialStore
	opener  TokenOpener
	factory Factory
	now     func() time.Time
	logger  zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager. creds and opener may be nil when every
// account runs on the paper venue.
func NewManager(creds CredentialStore, opener TokenOpener, factory Factory, cfg Config) *Manager {
	d := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = d.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = d.HealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = d.HealthTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = d.CircuitTimeout
	}
	return &Manager{
		entries: make(map[string]*cached),
		config:  cfg,
		creds:   creds,
		opener:  opener,
		factory: factory,
		now:     time.Now,
		logger:  log.With().Str("component", "gateway").Logger(),
		stopCh:  make(chan struct{}),
	}
}

func key(userID string, mode account.Mode) string {
	return userID + "/" + string(mode)
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.CleanupIdle(); n > 0 {
					m.logger.Info().Int("closed", n).Msg("closed idle broker connections")
				}
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.HealthCheckAll(ctx)
			}
		}
	}()
}

// Stop shuts the background loops down and closes every connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.entries {
		closeBroker(c.broker)
		delete(m.entries, k)
	}
	m.lruOrder = nil
}

// Source adapts the pool to the controller's broker lookup.
func (m *Manager) Source() controller.BrokerSource {
	return m.GetOrCreate
}

// GetOrCreate returns the pooled connection for (userID, mode), opening
// one on first use. The returned broker reports call outcomes back to the
// pool's failure circuit.
func (m *Manager) GetOrCreate(ctx context.Context, userID string, mode account.Mode) (broker.Broker, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	k := key(userID, mode)

	m.mu.Lock()
	if c, ok := m.entries[k]; ok {
		if c.failures >= m.config.FailureThreshold && m.now().Sub(c.healthyAt) < m.config.CircuitTimeout {
			m.mu.Unlock()
			return nil, ErrGatewayUnhealthy
		}
		m.touchLocked(k)
		m.mu.Unlock()
		return &tracked{Broker: c.broker, pool: m, key: k}, nil
	}
	m.mu.Unlock()

	// Token lookup and dialing happen outside the lock.
	token, err := m.token(ctx, userID, mode)
	if err != nil {
		return nil, err
	}
	b, err := m.factory(ctx, userID, mode, token)
	if err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.entries[k]; ok {
		// Lost a race with another session of the same account.
		closeBroker(b)
		m.touchLocked(k)
		return &tracked{Broker: c.broker, pool: m, key: k}, nil
	}
	if len(m.entries) >= m.config.MaxSize && !m.evictOldestLocked() {
		closeBroker(b)
		return nil, ErrPoolFull
	}
	now := m.now()
	m.entries[k] = &cached{
		broker:    b,
		userID:    userID,
		mode:      mode,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, k)
	m.logger.Info().Str("user", userID).Str("mode", string(mode)).Msg("broker connection opened")
	return &tracked{Broker: b, pool: m, key: k}, nil
}

func (m *Manager) token(ctx context.Context, userID string, mode account.Mode) (string, error) {
	if m.creds == nil {
		return "", nil
	}
	cred, err := m.creds.GetCredential(ctx, userID, string(mode))
	if errors.Is(err, db.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}
	if m.opener == nil {
		return "", fmt.Errorf("decrypt token: no key manager configured")
	}
	token, err := m.opener.Open(cred.TokenEncrypted, Binding(userID, mode))
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return token, nil
}

// Remove closes and forgets the connection for (userID, mode), e.g. after
// the user replaced their token.
func (m *Manager) Remove(userID string, mode account.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key(userID, mode))
}

// RemoveByUser closes every connection of a user.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.entries {
		if c.userID == userID {
			m.removeLocked(k)
		}
	}
}

// RecordFailure counts a failed call against the connection's circuit.
func (m *Manager) RecordFailure(userID string, mode account.Mode) {
	m.recordFailure(key(userID, mode))
}

// RecordSuccess closes the connection's circuit.
func (m *Manager) RecordSuccess(userID string, mode account.Mode) {
	m.recordSuccess(key(userID, mode))
}

func (m *Manager) recordFailure(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.entries[k]; ok {
		c.failures++
		if c.failures == m.config.FailureThreshold {
			m.logger.Warn().Str("user", c.userID).Str("mode", string(c.mode)).Int("failures", c.failures).Msg("broker circuit opened")
		}
	}
}

func (m *Manager) recordSuccess(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.entries[k]; ok {
		c.failures = 0
		c.healthyAt = m.now()
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PoolStats{
		Total:   len(m.entries),
		MaxSize: m.config.MaxSize,
		ByMode:  make(map[account.Mode]int),
	}
	for _, c := range m.entries {
		stats.ByMode[c.mode]++
		if c.failures >= m.config.FailureThreshold {
			stats.Unhealthy++
		}
	}
	return stats
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	Total     int                  `json:"total"`
	MaxSize   int                  `json:"max_size"`
	ByMode    map[account.Mode]int `json:"by_mode"`
	Unhealthy int                  `json:"unhealthy"`
}

// CleanupIdle closes connections unused for longer than IdleTimeout.
func (m *Manager) CleanupIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var stale []string
	for k, c := range m.entries {
		if now.Sub(c.lastUsed) > m.config.IdleTimeout {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		m.removeLocked(k)
	}
	return len(stale)
}

// HealthCheckAll probes every pooled connection with a balance read.
func (m *Manager) HealthCheckAll(ctx context.Context) {
	m.mu.Lock()
	probes := make(map[string]broker.Broker, len(m.entries))
	for k, c := range m.entries {
		probes[k] = c.broker
	}
	m.mu.Unlock()

	for k, b := range probes {
		cctx, cancel := context.WithTimeout(ctx, m.config.HealthTimeout)
		_, err := b.Balance(cctx)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Str("connection", k).Msg("health check failed")
			m.recordFailure(k)
			continue
		}
		m.recordSuccess(k)
	}
}

func (m *Manager) touch(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.entries[k]; ok {
		c.lastUsed = m.now()
	}
}

func (m *Manager) touchLocked(k string) {
	if c, ok := m.entries[k]; ok {
		c.lastUsed = m.now()
	}
	m.dropLRULocked(k)
	m.lruOrder = append(m.lruOrder, k)
}

func (m *Manager) dropLRULocked(k string) {
	for i, id := range m.lruOrder {
		if id == k {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			return
		}
	}
}

func (m *Manager) removeLocked(k string) {
	c, ok := m.entries[k]
	if !ok {
		return
	}
	closeBroker(c.broker)
	delete(m.entries, k)
	m.dropLRULocked(k)
}

// evictOldestLocked closes the least recently used connection that has
// been quiet for at least MinIdleToEvict.
func (m *Manager) evictOldestLocked() bool {
	now := m.now()
	for _, k := range m.lruOrder {
		if now.Sub(m.entries[k].lastUsed) < m.config.MinIdleToEvict {
			return false
		}
		m.removeLocked(k)
		return true
	}
	return false
}

func closeBroker(b broker.Broker) {
	if closer, ok := b.(io.Closer); ok {
		_ = closer.Close()
	}
}
