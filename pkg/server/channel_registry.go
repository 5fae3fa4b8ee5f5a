package server

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

var ErrRegistryFull = errors.New("channel registry at capacity")

// ChannelManager owns every channel. Lookups take the lock shared, creation
// and destruction take it exclusive. IDs come from an atomic counter
// starting at 1.
type ChannelManager struct {
	mu          sync.RWMutex
	maxChannels int
	nextID      atomic.Uint32
	channels    map[uint32]*Channel

	pool    *Pool
	metrics *Metrics
}

// NewChannelManager creates an empty registry with the given capacity.
func NewChannelManager(maxChannels int, pool *Pool, metrics *Metrics) *ChannelManager {
	if maxChannels < MinChannels {
		maxChannels = MinChannels
	}
	return &ChannelManager{
		maxChannels: maxChannels,
		channels:    make(map[uint32]*Channel),
		pool:        pool,
		metrics:     metrics,
	}
}

// HasCapacity reports whether another channel fits.
func (cm *ChannelManager) HasCapacity() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.channels) < cm.maxChannels
}

// Create registers a new channel and returns it with its info bytes.
func (cm *ChannelManager) Create(name string, secret bool) (*Channel, []byte, error) {
	cm.mu.Lock()
	if len(cm.channels) >= cm.maxChannels {
		cm.mu.Unlock()
		return nil, nil, ErrRegistryFull
	}

	ch := NewChannel(cm.nextID.Add(1), name, secret, cm.pool, cm.metrics)
	cm.channels[ch.ID] = ch
	count := len(cm.channels)
	cm.mu.Unlock()

	cm.metrics.RecordActiveChannels(count)
	return ch, ch.Info(), nil
}

// Find returns the channel with the given id, if registered.
func (cm *ChannelManager) Find(id uint32) (*Channel, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ch, ok := cm.channels[id]
	return ch, ok
}

// Remove unregisters a channel and runs its destruction sequence. Reports
// whether the channel existed.
func (cm *ChannelManager) Remove(id uint32) bool {
	cm.mu.Lock()
	ch, ok := cm.channels[id]
	if !ok {
		cm.mu.Unlock()
		return false
	}
	delete(cm.channels, id)
	count := len(cm.channels)
	cm.mu.Unlock()

	cm.metrics.RecordActiveChannels(count)
	ch.Close()
	return true
}

// Views returns a CH_LIST snapshot of every channel.
func (cm *ChannelManager) Views() []protocol.ChannelListEntry {
	cm.mu.RLock()
	channels := make([]*Channel, 0, len(cm.channels))
	for _, ch := range cm.channels {
		channels = append(channels, ch)
	}
	cm.mu.RUnlock()

	views := make([]protocol.ChannelListEntry, 0, len(channels))
	for _, ch := range channels {
		views = append(views, ch.View())
	}
	slices.SortFunc(views, func(a, b protocol.ChannelListEntry) int {
		return int(a.ID) - int(b.ID)
	})
	return views
}

// CloseAll destroys every channel.
func (cm *ChannelManager) CloseAll() {
	cm.mu.Lock()
	channels := make([]*Channel, 0, len(cm.channels))
	for _, ch := range cm.channels {
		channels = append(channels, ch)
	}
	cm.channels = make(map[uint32]*Channel)
	cm.mu.Unlock()

	cm.metrics.RecordActiveChannels(0)
	for _, ch := range channels {
		ch.Close()
	}
}
