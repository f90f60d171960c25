package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
)

const (
	subscriberBuffer = 64
	wsWriteTimeout   = 5 * time.Second
	wsPingInterval   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvent is the JSON frame written to websocket subscribers. Error
// carries the text of Event.Err, which mesh.Event does not serialize.
type StreamEvent struct {
	mesh.Event
	Error string `json:"error,omitempty"`
}

func newStreamEvent(ev mesh.Event) StreamEvent {
	frame := StreamEvent{Event: ev}
	if ev.Err != nil {
		frame.Error = ev.Err.Error()
	}
	return frame
}

// Hub fans engine events out to websocket subscribers. A slow subscriber
// misses events rather than stalling the others.
type Hub struct {
	events <-chan mesh.Event
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[chan mesh.Event]struct{}
	closed bool
}

// NewHub creates a hub reading from events.
func NewHub(events <-chan mesh.Event, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		events: events,
		logger: logger,
		subs:   make(map[chan mesh.Event]struct{}),
	}
}

// Run broadcasts events until ctx is cancelled, then closes all
// subscriptions.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev mesh.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("Subscriber lagging, dropping event", zap.Stringer("kind", ev.Kind))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

// Subscribe registers a new subscriber. The returned cancel function is
// safe to call more than once. The channel is closed on cancel or when the
// hub stops.
func (h *Hub) Subscribe() (<-chan mesh.Event, func()) {
	ch := make(chan mesh.Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[ch] = struct{}{}
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleEvents handles GET /api/v1/events (websocket)
func (s *Server) handleEvents(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Event stream disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// Reader goroutine notices client close frames and disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "node stopping"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(newStreamEvent(ev)); err != nil {
				s.logger.Debug("Websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
