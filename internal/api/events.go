// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"grimm.is/rinasim/internal/logging"
	"grimm.is/rinasim/internal/rina"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is a local simulator surface; cross-origin tooling is fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub fans frame events out to websocket subscribers. It
// implements rina.FrameObserver; IPCPs publish into it and slow
// consumers lose events rather than backpressure the flows.
type eventHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	events   chan rina.FrameEvent
	done     chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once

	logger *logging.Logger
}

func newEventHub() *eventHub {
	return &eventHub{
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan rina.FrameEvent, 1024),
		done:    make(chan struct{}),
		logger:  logging.WithComponent("api-events"),
	}
}

// OnFrame implements rina.FrameObserver. Events are dropped when the
// buffer is full; the stream is advisory.
func (h *eventHub) OnFrame(ev rina.FrameEvent) {
	select {
	case h.events <- ev:
	default:
	}
}

func (h *eventHub) run() {
	h.runOnce.Do(func() {
		go h.loop()
	})
}

func (h *eventHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *eventHub) loop() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *eventHub) broadcast(ev rina.FrameEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteJSON(ev); err != nil {
			h.logger.Debug("dropping event subscriber", "error", err)
			c.Close()
			delete(h.clients, c)
		}
	}
}

func (h *eventHub) add(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *eventHub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		c.Close()
	}
}

// handleEvents upgrades the connection and streams frame events until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.run()
	s.hub.add(conn)

	// Reader loop: we ignore client messages but need to notice close.
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
