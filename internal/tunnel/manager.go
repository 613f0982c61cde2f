// Package tunnel keeps a public URL pointed at the local HTTP/media
// endpoint by talking to the local tunnel agent's API, probing health and
// reconnecting with backoff when the forwarding drops.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var ErrStopped = errors.New("tunnel: manager stopped")

// Config controls the manager. Zero values get safe defaults.
type Config struct {
	// AgentURL is the local tunnel agent API (e.g. http://127.0.0.1:4040).
	AgentURL string
	// AuthToken is forwarded to the agent when set.
	AuthToken string

	ProbeInterval time.Duration // default 30s
	BaseBackoff   time.Duration // default 1s, doubles per attempt
	MaxAttempts   int           // default 10
}

// Manager owns the tunnel lifecycle. Construct once; all state is reached
// through its methods.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger

	mu        sync.RWMutex
	publicURL string
	started   bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(cfg Config, log *slog.Logger) (*Manager, error) {
	if cfg.AgentURL == "" {
		return nil, fmt.Errorf("tunnel: agent URL is required")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start resolves the public URL once, then monitors it in the background
// until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) error {
	url, err := m.fetchPublicURL(ctx)
	if err != nil {
		return fmt.Errorf("tunnel: establish: %w", err)
	}
	m.mu.Lock()
	m.publicURL = url
	m.started = true
	m.mu.Unlock()
	m.log.Info("tunnel established", "public_url", url)

	go m.monitor(ctx)
	return nil
}

// Stop halts monitoring and abandons any in-flight backoff.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if started {
		<-m.done
	}
}

// PublicURL returns the current public base URL.
func (m *Manager) PublicURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicURL
}

func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.probe(ctx); err == nil {
				continue
			} else {
				m.log.Warn("tunnel health probe failed", "err", err)
			}
			if err := m.reconnect(ctx); err != nil {
				if errors.Is(err, ErrStopped) {
					return
				}
				m.log.Error("tunnel reconnect exhausted", "err", err)
			}
		}
	}
}

// probe hits the public URL's health endpoint end to end, proving both the
// tunnel and the local server.
func (m *Manager) probe(ctx context.Context) error {
	url := m.PublicURL()
	if url == "" {
		return errors.New("no public url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// reconnect re-resolves the public URL with exponential backoff. A manager
// stopped mid-backoff abandons the attempt.
func (m *Manager) reconnect(ctx context.Context) error {
	old := m.PublicURL()
	delay := m.cfg.BaseBackoff

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		select {
		case <-m.stop:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2

		url, err := m.fetchPublicURL(ctx)
		if err != nil {
			lastErr = err
			m.log.Warn("tunnel reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		m.mu.Lock()
		m.publicURL = url
		m.mu.Unlock()

		if url != old {
			// Webhooks registered against the old URL are dead until the
			// provider configuration is updated externally.
			m.log.Warn("tunnel public URL changed", "old", old, "new", url)
		} else {
			m.log.Info("tunnel reconnected", "public_url", url)
		}
		return nil
	}
	return fmt.Errorf("gave up after %d attempts: %w", m.cfg.MaxAttempts, lastErr)
}

type agentTunnels struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
	} `json:"tunnels"`
}

// fetchPublicURL asks the local agent which public endpoint it is
// forwarding. HTTPS endpoints win over anything else.
func (m *Manager) fetchPublicURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.AgentURL+"/api/tunnels", nil)
	if err != nil {
		return "", err
	}
	if m.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent returned %d", resp.StatusCode)
	}

	var out agentTunnels
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode agent response: %w", err)
	}
	for _, t := range out.Tunnels {
		if t.Proto == "https" && t.PublicURL != "" {
			return t.PublicURL, nil
		}
	}
	for _, t := range out.Tunnels {
		if t.PublicURL != "" {
			return t.PublicURL, nil
		}
	}
	return "", errors.New("agent reported no tunnels")
}
