package channels

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Manager owns the registered remote channels and their lifecycle, and
// resolves a chat's channel id to its RemoteChannel.
type Manager struct {
	channels map[string]RemoteChannel
	mu       sync.RWMutex
}

// NewManager creates an empty manager. Channels are registered via Register.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]RemoteChannel)}
}

// Register adds a channel under its ID, replacing any previous one.
func (m *Manager) Register(ch RemoteChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID()] = ch
}

// Unregister removes a channel.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
}

// Remote returns the channel registered under id.
func (m *Manager) Remote(id string) (RemoteChannel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// MustRemote is Remote with an error for unknown ids.
func (m *Manager) MustRemote(id string) (RemoteChannel, error) {
	ch, ok := m.Remote(id)
	if !ok {
		return nil, fmt.Errorf("channel %s not found", id)
	}
	return ch, nil
}

// IDs returns the registered channel ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// StartAll starts every channel that has a lifecycle. A channel failing to
// start is logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no remote channels enabled")
		return nil
	}
	for id, ch := range m.channels {
		r, ok := ch.(Runner)
		if !ok {
			continue
		}
		slog.Info("starting channel", "channel", id)
		if err := r.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", id, "error", err)
		}
	}
	slog.Info("all channels started")
	return nil
}

// StopAll stops every running channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, ch := range m.channels {
		r, ok := ch.(Runner)
		if !ok || !r.IsRunning() {
			continue
		}
		slog.Info("stopping channel", "channel", id)
		if err := r.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", id, "error", err)
		}
	}
	slog.Info("all channels stopped")
	return nil
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any, len(m.channels))
	for id, ch := range m.channels {
		running := true
		if r, ok := ch.(Runner); ok {
			running = r.IsRunning()
		}
		status[id] = map[string]any{"name": ch.Name(), "running": running}
	}
	return status
}
