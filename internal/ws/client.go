package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dmchat/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024

	defaultSendBuffer = 256
)

// Client is one WebSocket connection. Frames queued with enqueue are written
// in order by writePump.
type Client struct {
	id   domain.ConnectionID
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	// closed is closed once the socket itself is shut.
	closed chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func newClient(id domain.ConnectionID, conn *websocket.Conn, buffer int, log zerolog.Logger) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		id:   id,
		ws:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		log:    log,
	}
}

func (c *Client) ID() domain.ConnectionID { return c.id }

func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBuffer
	}
}

// close stops the write pump and shuts the socket down in the background,
// which unblocks readPump. It never waits on the socket, so a stalled writer
// cannot hold up the caller. Safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		go c.shutdown()
	})
}

// shutdown may wait up to writeWait for a stalled write to give up the
// connection's write lock.
func (c *Client) shutdown() {
	defer close(c.closed)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.ws.Close()
}

// readPump reads frames until the socket fails and hands each to handle.
func (c *Client) readPump(handle func(data []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Str("conn", string(c.id)).Msg("read error")
			}
			return
		}
		handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
