package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Server owns the transports, the registries, the shared pool and the
// router. State lives entirely in memory and dies with the process.
type Server struct {
	config   ServerConfig
	clients  *ClientManager
	channels *ChannelManager
	pool     *Pool
	router   *Router
	metrics  *Metrics

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer wires a server instance from the given configuration.
func NewServer(config ServerConfig) *Server {
	metrics := NewMetrics()
	pool := NewPool(config.PoolSize, metrics)
	clients := NewClientManager(config.MaxClients, metrics)
	channels := NewChannelManager(config.MaxChannels, pool, metrics)
	router := NewRouter(clients, channels, pool, config, metrics)

	s := &Server{
		config:    config,
		clients:   clients,
		channels:  channels,
		pool:      pool,
		router:    router,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
	router.SetShutdown(func() { s.Stop() })

	return s
}

// Router exposes the protocol router, mainly for tests.
func (s *Server) Router() *Router {
	return s.router
}

// Clients exposes the client registry, mainly for tests.
func (s *Server) Clients() *ClientManager {
	return s.clients
}

// Channels exposes the channel registry, mainly for tests.
func (s *Server) Channels() *ChannelManager {
	return s.channels
}

// Addr returns the bound TCP listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the TCP listener and, when configured, the WebSocket and
// metrics HTTP servers.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("server is now listening on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", s.config.HTTPPort), Handler: mux}
		go func() {
			log.Printf("WebSocket server listening on %s (/ws)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("WebSocket server error: %v", err)
			}
		}()
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", s.config.MetricsPort), Handler: mux}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server: notify clients, close listeners,
// destroy channels, stop the pool, drop remaining clients.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)

		s.notifyClientsOfShutdown()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		if s.metricsServer != nil {
			s.metricsServer.Close()
		}

		s.channels.CloseAll()
		s.pool.Stop()
		s.clients.CloseAll()

		s.wg.Wait()
		log.Println("Graceful shutdown complete")
	})
}

// notifyClientsOfShutdown sends SVR_SHUTDOWN to every registered client,
// whether or not it has completed SVR_CONNECT, best effort.
func (s *Server) notifyClientsOfShutdown() {
	clients := s.clients.All()
	if len(clients) == 0 {
		return
	}

	packet := protocol.NewResponse(-1, protocol.TypeSvrShutdown, []byte("server has been shutdown"))
	sent := 0
	for _, client := range clients {
		if err := client.SendPacket(packet.Data); err == nil {
			sent++
		}
	}
	log.Printf("Shutdown notification sent to %d/%d clients", sent, len(clients))
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		s.handleConnection(conn)
	}
}

// handleConnection registers a new TCP client, or refuses it when the
// registry is full, then spawns its read loop.
func (s *Server) handleConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	if !s.clients.HasCapacity() {
		log.Printf("server capacity is full.")
		refusal := protocol.NewResponse(-1, protocol.TypeSvrConnect, []byte("server is full"))
		conn.Write(refusal.Data)
		conn.Close()
		return
	}

	client := s.clients.AddTCP(conn)
	debugLog.Printf("New connection from %s (client %d)", conn.RemoteAddr(), client.ID)

	go s.readLoop(client)
}

// readLoop reads requests off a TCP connection one at a time. The next
// request is not read until the previous one finished handling, which
// preserves per-connection ordering without per-connection locking (the
// moral equivalent of a one-shot epoll watcher that is re-armed after each
// request).
func (s *Server) readLoop(client *Client) {
	sc := client.conn.(*SafeConn)
	defer s.router.Disconnect(client)

	for {
		req, err := sc.ReadRequest()
		if err != nil {
			// grammar errors leave the stream in sync; answer and carry on
			if errors.Is(err, protocol.ErrFrameTooShort) || errors.Is(err, protocol.ErrInvalidTrailer) {
				resp := protocol.NewResponse(-1, protocol.TypeError, []byte("malformed frame"))
				if client.SendResponse(resp) != nil {
					return
				}
				continue
			}
			debugLog.Printf("client %d: read error: %v", client.ID, err)
			return
		}

		resp, ok := s.dispatch(client, req)
		if !ok {
			return
		}
		if !resp.Empty() {
			if err := client.SendResponse(resp); err != nil {
				debugLog.Printf("client %d: send error: %v", client.ID, err)
				return
			}
			s.metrics.RecordMessageSent(protocol.TypeName(resp.Type))
		}
	}
}

// dispatch runs one request on the shared pool and waits for its response.
// Returns ok=false when the server is shutting down (the pool may abandon
// a queued task, so the shutdown channel is watched too).
func (s *Server) dispatch(client *Client, req protocol.Request) (protocol.Response, bool) {
	done := make(chan protocol.Response, 1)
	if !s.pool.Submit(func() {
		done <- s.router.Handle(client, req)
	}) {
		return protocol.Response{}, false
	}

	select {
	case resp := <-done:
		return resp, true
	case <-s.shutdown:
		return protocol.Response{}, false
	}
}

// HealthHandler serves a liveness summary.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"clients":        s.clients.Count(),
		"channels":       len(s.channels.Views()),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

// metricsLoggingLoop periodically logs key counters
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			log.Printf("[METRICS] Active clients: %d, channels: %d, goroutines: %d",
				s.clients.Count(), len(s.channels.Views()), runtime.NumGoroutine())
		}
	}
}
