package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered per connection before posts start to wait.
	sendBuffer = 256
)

var (
	// ErrGone is returned when posting to a connection that is not (or no longer) open.
	ErrGone = errors.New("connection gone")
)

// Client is one open WebSocket connection.
type Client struct {
	id          string
	conn        *websocket.Conn
	sourceIP    string
	connectedAt time.Time
	lastActive  atomic.Int64

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(id string, conn *websocket.Conn, sourceIP string, connectedAt time.Time) *Client {
	c := &Client{
		id:          id,
		conn:        conn,
		sourceIP:    sourceIP,
		connectedAt: connectedAt,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the connection identifier assigned by the gateway.
func (c *Client) ID() string { return c.id }

func (c *Client) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// Info returns a snapshot of the connection's metadata.
func (c *Client) Info() ConnectionInfo {
	return ConnectionInfo{
		ConnectionID: c.id,
		ConnectedAt:  c.connectedAt,
		LastActiveAt: time.Unix(0, c.lastActive.Load()).UTC(),
		SourceIP:     c.sourceIP,
	}
}

// enqueue hands data to the write pump. It waits while the buffer is full
// until ctx is done.
func (c *Client) enqueue(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrGone
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops both pumps and closes the socket. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// readPump pumps frames from the socket to onFrame until the socket fails.
//
// There is at most one reader per connection: this goroutine.
func (c *Client) readPump(readLimit int64, onFrame func(data []byte)) {
	defer c.Close()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		onFrame(data)
	}
}

// writePump pumps queued frames to the socket and keeps it alive with pings.
//
// There is at most one writer per connection: this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
