package dispatch

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub fans coordinator events out to websocket subscribers, keyed by trip.
// It implements Notifier, so the coordinator stays unaware of transports.
type Hub struct {
	mu         sync.RWMutex
	tripConns  map[string]map[*websocket.Conn]struct{}
	register   chan subscription
	unregister chan subscription
	log        zerolog.Logger
}

type subscription struct {
	tripID string
	conn   *websocket.Conn
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		tripConns:  make(map[string]map[*websocket.Conn]struct{}),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		log:        log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if h.tripConns[sub.tripID] == nil {
				h.tripConns[sub.tripID] = make(map[*websocket.Conn]struct{})
			}
			h.tripConns[sub.tripID][sub.conn] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.tripConns[sub.tripID]; ok {
				delete(conns, sub.conn)
				if len(conns) == 0 {
					delete(h.tripConns, sub.tripID)
				}
			}
			h.mu.Unlock()
			sub.conn.Close()
		}
	}
}

// ServeTrip upgrades the request and subscribes it to the trip's feed. The
// connection is read-drained; clients only receive.
func (h *Hub) ServeTrip(w http.ResponseWriter, r *http.Request, tripID string) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("trip_id", tripID).Msg("ws upgrade failed")
		return
	}
	h.register <- subscription{tripID: tripID, conn: conn}

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.unregister <- subscription{tripID: tripID, conn: conn}
				return
			}
		}
	}()
}

// Notify implements Notifier. Send failures unsubscribe the connection;
// they never propagate back to the coordinator.
func (h *Hub) Notify(evt Event) {
	if evt.TripID == "" {
		return
	}
	h.mu.RLock()
	conns := h.tripConns[evt.TripID]
	h.mu.RUnlock()
	for conn := range conns {
		if err := conn.WriteJSON(evt); err != nil {
			h.unregister <- subscription{tripID: evt.TripID, conn: conn}
		}
	}
}
