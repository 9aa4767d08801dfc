// Package stream pushes partial synchronized acquisition data to websocket
// clients.  A Hub is a synchro.DataChannel.
//
// Each update is reduced to one value per probe position, the sum of the
// detector frame, so clients can draw the section as it fills.  Slow clients
// drop messages rather than stall the acquisition.
package stream

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nasa-jpl/stemsync/generichttp"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/xdata"
)

// ClientBuffer is the number of messages queued per client before dropping
const ClientBuffer = 16

// message states besides the acquisition states
const (
	StateStarted = "started"
	StateStopped = "stopped"
)

// Message is one websocket message
type Message struct {
	State       string       `json:"state"`
	FullShape   geom.IntSize `json:"full_shape"`
	DestSubArea geom.IntRect `json:"dest_sub_area"`
	SubArea     geom.IntRect `json:"sub_area"`
	ViewID      string       `json:"view_id,omitempty"`

	// Shape is the shape of the section data, Image its per position sum
	Shape []int     `json:"shape,omitempty"`
	Image []float64 `json:"image,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans messages out to its clients
type Hub struct {
	period time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Message

	dropped atomic.Uint64
}

// NewHub returns a hub asking the detector for updates every period
func NewHub(period time.Duration) *Hub {
	return &Hub{period: period, clients: map[*websocket.Conn]chan Message{}}
}

// UpdatePeriod implements synchro.UpdatePeriodProvider
func (h *Hub) UpdatePeriod() time.Duration {
	return h.period
}

// Start tells the clients an acquisition begins
func (h *Hub) Start() {
	h.broadcast(Message{State: StateStarted})
}

// Stop tells the clients the acquisition is over
func (h *Hub) Stop() {
	h.broadcast(Message{State: StateStopped})
}

// Update implements synchro.DataChannel
func (h *Hub) Update(data *xdata.DataAndMetadata, state string, fullShape geom.IntSize, destSubArea, subArea geom.IntRect, viewID string) {
	m := Message{
		State:       state,
		FullShape:   fullShape,
		DestSubArea: destSubArea,
		SubArea:     subArea,
		ViewID:      viewID,
	}
	if data != nil {
		m.Shape, m.Image = Reduce(data)
	}
	h.broadcast(m)
}

// Reduce sums the datum axes of xd, leaving one value per probe position
func Reduce(xd *xdata.DataAndMetadata) ([]int, []float64) {
	rank := xd.CollectionRank
	if rank <= 0 || rank > len(xd.Shape) {
		rank = len(xd.Shape)
	}
	shape := append([]int(nil), xd.Shape[:rank]...)
	n := xdata.Product(shape)
	inner := xdata.Product(xd.Shape[rank:])
	out := make([]float64, n)
	for i := range out {
		s := 0.
		for _, v := range xd.Data[i*inner : (i+1)*inner] {
			s += v
		}
		out[i] = s
	}
	return shape, out
}

func (h *Hub) broadcast(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- m:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients is the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped is the number of messages dropped for slow clients
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// HandleWebSocket upgrades the request and streams messages to it until the
// client goes away
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "not a websocket request", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	ch := make(chan Message, ClientBuffer)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go func() {
		defer conn.Close()
		for m := range ch {
			if err := conn.WriteJSON(m); err != nil {
				h.unregister(conn)
				for range ch {
				}
				return
			}
		}
	}()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket: %v", err)
				}
				h.unregister(conn)
				return
			}
		}
	}()
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[*websocket.Conn]chan Message{}
	h.mu.Unlock()
	for _, ch := range clients {
		close(ch)
	}
}

// Inject adds /stream and /stream/clients to the HTTPer
func (h *Hub) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/stream"}] = h.HandleWebSocket
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/stream/clients"}] = generichttp.GetInt(h.Clients)
}
