package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ClientManager owns every client record. Lookups take the lock shared,
// inserts and removals take it exclusive. IDs come from an atomic counter
// and are never reused within a process lifetime.
type ClientManager struct {
	mu         sync.RWMutex
	maxClients int
	nextID     atomic.Uint32
	metrics    *Metrics

	tcpClients map[*SafeConn]*Client
	wsClients  map[*WSConn]*Client
	byID       map[uint32]*Client
}

// NewClientManager creates an empty registry with the given capacity.
func NewClientManager(maxClients int, metrics *Metrics) *ClientManager {
	if maxClients < MinClients {
		maxClients = MinClients
	}
	return &ClientManager{
		maxClients: maxClients,
		metrics:    metrics,
		tcpClients: make(map[*SafeConn]*Client),
		wsClients:  make(map[*WSConn]*Client),
		byID:       make(map[uint32]*Client),
	}
}

// HasCapacity reports whether another client fits, counting both transports.
func (cm *ClientManager) HasCapacity() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.tcpClients)+len(cm.wsClients) < cm.maxClients
}

// AddTCP allocates the next id and registers a TCP client.
func (cm *ClientManager) AddTCP(conn net.Conn) *Client {
	sc := NewSafeConn(conn)
	client := newClient(cm.nextID.Add(1), sc)

	cm.mu.Lock()
	cm.tcpClients[sc] = client
	cm.byID[client.ID] = client
	count := len(cm.tcpClients) + len(cm.wsClients)
	cm.mu.Unlock()

	cm.metrics.RecordActiveClients(count)
	return client
}

// AddWS allocates the next id and registers a WebSocket client.
func (cm *ClientManager) AddWS(conn *websocket.Conn) *Client {
	wc := NewWSConn(conn)
	client := newClient(cm.nextID.Add(1), wc)

	cm.mu.Lock()
	cm.wsClients[wc] = client
	cm.byID[client.ID] = client
	count := len(cm.tcpClients) + len(cm.wsClients)
	cm.mu.Unlock()

	cm.metrics.RecordActiveClients(count)
	return client
}

// FindByID returns the client with the given id, if registered.
func (cm *ClientManager) FindByID(id uint32) (*Client, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	client, ok := cm.byID[id]
	return client, ok
}

// Remove drops the registry's strong reference and closes the transport.
// Weak references held by channels stop resolving once the record is
// collected; fan-out additionally skips it via the connected flag.
func (cm *ClientManager) Remove(client *Client) {
	cm.mu.Lock()
	if _, ok := cm.byID[client.ID]; !ok {
		cm.mu.Unlock()
		return
	}
	delete(cm.byID, client.ID)
	switch conn := client.conn.(type) {
	case *SafeConn:
		delete(cm.tcpClients, conn)
	case *WSConn:
		delete(cm.wsClients, conn)
	}
	count := len(cm.tcpClients) + len(cm.wsClients)
	cm.mu.Unlock()

	cm.metrics.RecordActiveClients(count)
	client.Close()
}

// Count returns the number of registered clients across both transports.
func (cm *ClientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.tcpClients) + len(cm.wsClients)
}

// All returns a snapshot of every registered client.
func (cm *ClientManager) All() []*Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	clients := make([]*Client, 0, len(cm.byID))
	for _, client := range cm.byID {
		clients = append(clients, client)
	}
	return clients
}

// CloseAll closes every client transport and empties the registry.
func (cm *ClientManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, client := range cm.byID {
		client.SetConnected(false)
		client.Close()
	}
	cm.tcpClients = make(map[*SafeConn]*Client)
	cm.wsClients = make(map[*WSConn]*Client)
	cm.byID = make(map[uint32]*Client)
}
