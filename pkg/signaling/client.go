// Package signaling is the peer side of the relay: it connects a WebRTC
// endpoint to the gateway, announces it, learns its peers and their polite
// flags, and exchanges SDP descriptions and ICE candidates with them.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/tphan267/arqut-signal/pkg/logger"
)

const (
	keepaliveInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	maxBackoff        = 60 * time.Second
)

// ErrNotConnected is returned by sends while no socket is open
var ErrNotConnected = errors.New("not connected to signaling server")

// Options configures a Client
type Options struct {
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Defaults to 10s
	Reconnect        bool          // Reconnect with backoff when the socket drops
}

// Client handles WebSocket communication with the relay gateway
type Client struct {
	url    string
	opts   Options
	conn   *websocket.Conn
	mutex  sync.RWMutex
	writeM sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	messageHandlers   map[string]MessageHandler
	peerHandlers      []PeerHandler
	onConnectHandlers []OnConnectHandler
	handlerMutex      sync.RWMutex

	peers      map[string]bool
	peersMutex sync.RWMutex

	logger *logger.Logger

	reconnecting   bool
	reconnectMutex sync.Mutex
}

// Dial connects to the gateway at rawURL, e.g. ws://localhost:3030/dev
func Dial(ctx context.Context, rawURL string, log *logger.Logger) (*Client, error) {
	c, err := NewClient(rawURL, Options{}, log)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient creates a client without connecting, so handlers can be
// registered first
func NewClient(rawURL string, opts Options, log *logger.Logger) (*Client, error) {
	// Convert http:// to ws:// and https:// to wss://
	if after, ok := strings.CutPrefix(rawURL, "http://"); ok {
		rawURL = "ws://" + after
	} else if after, ok := strings.CutPrefix(rawURL, "https://"); ok {
		rawURL = "wss://" + after
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid signaling url %q: unsupported scheme", rawURL)
	}

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Client{
		url:             rawURL,
		opts:            opts,
		messageHandlers: make(map[string]MessageHandler),
		peers:           make(map[string]bool),
		logger:          log,
	}, nil
}

// Connect opens the socket. The client stays bound to ctx: cancelling it
// closes the connection and stops reconnecting.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connectOnce(c.ctx); err != nil {
		c.cancel()
		return err
	}

	go func() {
		<-c.ctx.Done()
		c.closeConn()
	}()
	return nil
}

// connectOnce performs a single connection attempt
func (c *Client) connectOnce(ctx context.Context) error {
	c.logger.Debug("[Signaling] Connecting to %s", c.url)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.opts.HandshakeTimeout

	conn, resp, err := dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to signaling server: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	c.mutex.Lock()
	if err := ctx.Err(); err != nil {
		c.mutex.Unlock()
		conn.Close()
		return err
	}
	c.conn = conn
	c.mutex.Unlock()

	// A new socket is a new connection id: earlier introductions are stale
	c.peersMutex.Lock()
	c.peers = make(map[string]bool)
	c.peersMutex.Unlock()

	c.logger.Info("[Signaling] Connected to %s", c.url)

	c.handlerMutex.RLock()
	handlers := make([]OnConnectHandler, len(c.onConnectHandlers))
	copy(handlers, c.onConnectHandlers)
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			c.logger.Warn("[Signaling] OnConnect handler error: %v", err)
		}
	}

	go c.readMessages(conn)
	go c.keepalive(conn)

	return nil
}

// readMessages reads incoming frames until the socket fails
func (c *Client) readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("[Signaling] Read error: %v", err)

			c.mutex.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mutex.Unlock()
			conn.Close()

			if c.opts.Reconnect {
				go c.reconnect()
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("[Signaling] Failed to unmarshal message: %v", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	switch {
	case msg.Error != "":
		c.logger.Warn("[Signaling] Gateway rejected request %s: %s", msg.RequestID, msg.Error)

	case msg.Event == EventAddPeer && msg.Polite != nil:
		polite := *msg.Polite
		c.peersMutex.Lock()
		c.peers[msg.Peer] = polite
		c.peersMutex.Unlock()

		c.handlerMutex.RLock()
		handlers := make([]PeerHandler, len(c.peerHandlers))
		copy(handlers, c.peerHandlers)
		c.handlerMutex.RUnlock()

		for _, handler := range handlers {
			if err := handler(c.ctx, msg.Peer, polite); err != nil {
				c.logger.Warn("[Signaling] Peer handler error for %s: %v", msg.Peer, err)
			}
		}

	default:
		c.handlerMutex.RLock()
		handler, exists := c.messageHandlers[msg.Event]
		c.handlerMutex.RUnlock()

		if !exists {
			c.logger.Debug("[Signaling] No handler for event: %s", msg.Event)
			return
		}
		if err := handler(c.ctx, msg); err != nil {
			c.logger.Warn("[Signaling] Handler error for %s: %v", msg.Event, err)
		}
	}
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mutex.RLock()
	conn := c.conn
	c.mutex.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeM.Lock()
	defer c.writeM.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Announce asks the relay to introduce this connection to every other
// registered connection
func (c *Client) Announce() error {
	return c.write(map[string]string{"action": "announce"})
}

// Send relays data to the peer with connection id to under event
func (c *Client) Send(to, event string, data any) error {
	if to == "" {
		return errors.New("missing destination peer")
	}
	return c.write(outboundMessage{
		Action:       "message",
		Event:        event,
		Data:         data,
		ConnectionID: to,
	})
}

// SendDescription relays an SDP offer or answer
func (c *Client) SendDescription(to string, desc webrtc.SessionDescription) error {
	return c.Send(to, EventDescription, desc)
}

// SendCandidate relays an ICE candidate
func (c *Client) SendCandidate(to string, cand webrtc.ICECandidateInit) error {
	return c.Send(to, EventCandidate, cand)
}

// SetHandler sets the handler for relayed messages of one event
func (c *Client) SetHandler(event string, handler MessageHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.messageHandlers[event] = handler
}

// OnPeer adds a handler called for every add-peer introduction
func (c *Client) OnPeer(handler PeerHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.peerHandlers = append(c.peerHandlers, handler)
}

// AddOnConnectHandler adds a handler to be called on connection
func (c *Client) AddOnConnectHandler(handler OnConnectHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.onConnectHandlers = append(c.onConnectHandlers, handler)
}

// Polite reports the role this client plays towards peer, and whether the
// peer has been introduced at all
func (c *Client) Polite(peer string) (polite bool, known bool) {
	c.peersMutex.RLock()
	defer c.peersMutex.RUnlock()
	polite, known = c.peers[peer]
	return polite, known
}

// Peers returns the introduced peers, sorted
func (c *Client) Peers() []string {
	c.peersMutex.RLock()
	defer c.peersMutex.RUnlock()

	peers := make([]string, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// keepalive sends periodic ping messages
func (c *Client) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mutex.RLock()
			current := c.conn == conn
			c.mutex.RUnlock()
			if !current {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("[Signaling] Ping failed: %v", err)
			}
		}
	}
}

// reconnect attempts to reconnect to the gateway with exponential backoff
func (c *Client) reconnect() {
	c.reconnectMutex.Lock()
	if c.reconnecting {
		c.reconnectMutex.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMutex.Unlock()

	defer func() {
		c.reconnectMutex.Lock()
		c.reconnecting = false
		c.reconnectMutex.Unlock()
	}()

	backoff := 1 * time.Second
	attempt := 1

	for {
		if c.ctx.Err() != nil {
			c.logger.Debug("[Signaling] Reconnection stopped - context cancelled")
			return
		}

		if err := c.connectOnce(c.ctx); err != nil {
			c.logger.Warn("[Signaling] Reconnect attempt #%d failed: %v (retrying in %v)", attempt, err, backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			attempt++
			continue
		}

		c.logger.Info("[Signaling] Reconnected on attempt #%d", attempt)
		return
	}
}

func (c *Client) closeConn() {
	c.mutex.Lock()
	conn := c.conn
	c.conn = nil
	c.mutex.Unlock()

	if conn == nil {
		return
	}

	c.writeM.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeM.Unlock()
	conn.Close()
}

// Close closes the signaling client connection
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.logger.Debug("[Signaling] Connection closed")
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.conn != nil
}
