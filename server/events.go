package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whirr-ml/whirr/queue"
)

const eventSendBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Deployments restrict network access; the API carries no credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventClient is one websocket subscriber of job state transitions.
type eventClient struct {
	conn *websocket.Conn
	send chan interface{}
}

// JobEventMessage is the wire shape of a job transition event.
type JobEventMessage struct {
	Type      string     `json:"type"`
	Job       *queue.Job `json:"job"`
	Timestamp int64      `json:"timestamp"`
}

// handleEvents upgrades the connection and streams job updates until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("Websocket upgrade failed", "error", err)
		return
	}

	client := &eventClient{conn: conn, send: make(chan interface{}, eventSendBuffer)}
	s.clientsMu.Lock()
	if s.clientsClosed {
		// Shutdown already swept the client set; a late Add would race its
		// WaitGroup.
		s.clientsMu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.clientWG.Add(1)
	s.clientsMu.Unlock()

	go s.writeToClient(client)
	go s.drainClient(client)
}

// writeToClient pushes queued events to one connection and tears it down on
// the first write failure.
func (s *Server) writeToClient(client *eventClient) {
	defer s.clientWG.Done()
	defer s.removeClient(client)

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// drainClient reads and discards inbound frames so pings and close frames
// are processed.
func (s *Server) drainClient(client *eventClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			client.conn.Close()
			return
		}
	}
}

func (s *Server) removeClient(client *eventClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
	s.clientsMu.Unlock()
	client.conn.Close()
}

func (s *Server) closeAllClients() {
	s.clientsMu.Lock()
	s.clientsClosed = true
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
		client.conn.Close()
	}
	s.clientsMu.Unlock()
}

// startEventBroadcaster subscribes to the store's job transitions and fans
// them out to connected clients. Slow clients drop events rather than
// blocking the scheduling path.
func (s *Server) startEventBroadcaster() {
	jobCh := s.store.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.store.Unsubscribe(jobCh)

		for {
			select {
			case <-s.ctx.Done():
				return
			case job, ok := <-jobCh:
				if !ok {
					return
				}
				s.broadcast(JobEventMessage{
					Type:      "job_update",
					Job:       job,
					Timestamp: time.Now().Unix(),
				})
			}
		}
	}()
}

func (s *Server) broadcast(msg interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- msg:
		default:
			// Client buffer full, drop the event.
		}
	}
}
