package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/allape/camworker/control"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const clientQueueSize = 16

// Hub mirrors outbound status messages to websocket clients and queues the commands they send.
// It is the only reader of the outbound queue.
type Hub struct {
	locker   sync.Locker
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	channel  *control.Channel
	device   string
}

type client struct {
	conn *websocket.Conn
	send chan control.StatusMessage
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func NewHub(channel *control.Channel, device string, anyOrigin bool) *Hub {
	h := &Hub{
		locker:  &sync.Mutex{},
		clients: map[*client]struct{}{},
		channel: channel,
		device:  device,
	}
	if anyOrigin {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
	return h
}

// Run broadcasts outbound messages until ctx is done, a client too slow to keep up misses messages.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.channel.Outbound():
			h.broadcast(msg)
		}
	}
}

func (h *Hub) broadcast(msg control.StatusMessage) {
	h.locker.Lock()
	defer h.locker.Unlock()

	if len(h.clients) == 0 {
		l.Verbose().Printf("no client for %s from %s", msg.Command, msg.Device)
		return
	}

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			l.Warn().Println("client too slow, dropped", msg.Command)
		}
	}
}

func (h *Hub) Clients() int {
	h.locker.Lock()
	defer h.locker.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.locker.Lock()
	defer h.locker.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.locker.Lock()
	defer h.locker.Unlock()
	delete(h.clients, c)
	c.close()
}

func (h *Hub) closeAll() {
	h.locker.Lock()
	defer h.locker.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) Serve(ctx *gin.Context) {
	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		l.Warn().Println("upgrade:", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan control.StatusMessage, clientQueueSize),
	}
	h.add(c)

	l.Info().Println("client connected:", conn.RemoteAddr())

	go h.write(c)
	h.read(c)
}

func (h *Hub) write(c *client) {
	defer func() {
		_ = c.conn.Close()
	}()

	for msg := range c.send {
		err := c.conn.WriteJSON(msg)
		if err != nil {
			l.Verbose().Println("write:", err)
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) read(c *client) {
	defer func() {
		h.remove(c)
		l.Info().Println("client disconnected:", c.conn.RemoteAddr())
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		msg := control.ControlMessage{}
		err = json.Unmarshal(data, &msg)
		if err != nil {
			l.Warn().Println("invalid command from", c.conn.RemoteAddr(), err)
			continue
		}
		if msg.Target == "" {
			msg.Target = h.device
		}

		err = h.channel.TrySubmit(msg)
		if err != nil {
			l.Warn().Println("command", msg.ID, "rejected:", err)
		}
	}
}
