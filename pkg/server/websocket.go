package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay has no browser origin policy; the protocol carries its own
	// connect handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades an HTTP request and runs the client's read loop.
// WebSocket messages are already length-delimited, so the 4-byte size prefix
// of each incoming message is stripped before the rest is parsed as a frame;
// outgoing messages carry the full framed bytes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	if !s.clients.HasCapacity() {
		log.Printf("server capacity is full.")
		refusal := protocol.NewResponse(-1, protocol.TypeSvrConnect, []byte("server is full"))
		conn.WriteMessage(websocket.BinaryMessage, refusal.Data)
		conn.Close()
		return
	}

	client := s.clients.AddWS(conn)
	debugLog.Printf("new websocket client connected: %d", client.ID)

	s.wsReadLoop(client, conn)
}

func (s *Server) wsReadLoop(client *Client, conn *websocket.Conn) {
	defer s.router.Disconnect(client)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			debugLog.Printf("client %d: websocket read error: %v", client.ID, err)
			return
		}

		// strip the 4-byte size prefix; the WS message is self-delimiting
		if len(data) < 4 {
			if s.sendWSError(client) != nil {
				return
			}
			continue
		}

		req, err := protocol.ParseRequest(data[4:])
		if err != nil {
			if s.sendWSError(client) != nil {
				return
			}
			continue
		}

		resp, ok := s.dispatch(client, req)
		if !ok {
			return
		}
		if !resp.Empty() {
			if err := client.SendResponse(resp); err != nil {
				debugLog.Printf("client %d: websocket send error: %v", client.ID, err)
				return
			}
			s.metrics.RecordMessageSent(protocol.TypeName(resp.Type))
		}
	}
}

func (s *Server) sendWSError(client *Client) error {
	resp := protocol.NewResponse(-1, protocol.TypeError, []byte("malformed frame"))
	return client.SendResponse(resp)
}
