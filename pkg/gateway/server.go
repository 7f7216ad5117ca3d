package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tphan267/arqut-signal/pkg/events"
	"github.com/tphan267/arqut-signal/pkg/logger"
	"github.com/tphan267/arqut-signal/pkg/utils"
)

const (
	defaultReadLimit     = 64 * 1024
	defaultInvokeTimeout = 30 * time.Second
)

// Options configures the gateway server
type Options struct {
	Stage         string        // Path segment sockets upgrade on, e.g. "dev"
	ReadLimit     int64         // Maximum inbound frame size
	InvokeTimeout time.Duration // Deadline for one handler invocation
}

// errorFrame is sent back to the caller when its frame could not be handled.
type errorFrame struct {
	Message      string `json:"message"`
	ConnectionID string `json:"connectionId"`
	RequestID    string `json:"requestId"`
}

// Server accepts WebSocket connections under /{stage} and turns connection
// lifecycle and inbound frames into handler invocations.
//
// Frames are routed by their "action" field. Unknown actions go to $default
// when registered, otherwise the caller gets a Forbidden frame.
type Server struct {
	hub      *Hub
	routes   map[string]events.Handler
	opts     Options
	path     string
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a gateway server dispatching to routes
func NewServer(hub *Hub, routes map[string]events.Handler, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if opts.Stage == "" {
		opts.Stage = "dev"
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = defaultInvokeTimeout
	}

	return &Server{
		hub:    hub,
		routes: routes,
		opts:   opts,
		path:   "/" + strings.Trim(opts.Stage, "/"),
		logger: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub returns the connection hub the server registers sockets with
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	id, err := utils.GenerateConnectionID()
	if err != nil {
		s.logger.Error("Failed to generate connection id: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	connectedAt := time.Now().UTC()
	sourceIP := remoteIP(r)

	req := s.newRequest(id, events.RouteConnect, events.EventConnect, connectedAt, sourceIP)
	req.RequestContext.DomainName = r.Host
	req.Headers = flattenHeader(r.Header)
	req.QueryStringParameters = flattenQuery(r)

	if handler, ok := s.routes[events.RouteConnect]; ok {
		resp, err := s.invoke(r.Context(), handler, req)
		if err != nil {
			s.logger.Warn("Rejecting connection %s: %v", id, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if !resp.Success() {
			s.logger.Warn("Rejecting connection %s: $connect returned %d", id, resp.StatusCode)
			http.Error(w, http.StatusText(resp.StatusCode), resp.StatusCode)
			return
		}
	}

	// Counted before the hijack, while http.Server still tracks the request
	s.hub.pumps.Add(1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed for %s: %v", id, err)
		// $connect already ran for this id
		s.handleDisconnect(id, connectedAt, sourceIP)
		s.hub.pumps.Done()
		return
	}

	client := newClient(id, conn, sourceIP, connectedAt)
	s.hub.register(client)
	s.logger.Info("Connection %s opened from %s (%d open)", id, sourceIP, s.hub.Count())

	go client.writePump()
	go func() {
		defer s.hub.pumps.Done()
		client.readPump(s.opts.ReadLimit, func(data []byte) {
			s.handleFrame(client, data)
		})
		s.hub.unregister(client)
		s.logger.Info("Connection %s closed (%d open)", id, s.hub.Count())
		s.handleDisconnect(client.id, client.connectedAt, client.sourceIP)
	}()
}

// RouteKey selects the route for an inbound frame from its "action" field.
// Reserved "$" routes are never selected by a frame.
func (s *Server) RouteKey(body []byte) (string, bool) {
	var selector struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &selector); err == nil && selector.Action != "" && !strings.HasPrefix(selector.Action, "$") {
		if _, ok := s.routes[selector.Action]; ok {
			return selector.Action, true
		}
	}
	if _, ok := s.routes[events.RouteDefault]; ok {
		return events.RouteDefault, true
	}
	return "", false
}

func (s *Server) handleFrame(c *Client, data []byte) {
	routeKey, ok := s.RouteKey(data)
	req := s.newRequest(c.id, routeKey, events.EventMessage, c.connectedAt, c.sourceIP)
	req.Body = string(data)

	if !ok {
		s.logger.Debug("No route for frame from %s: %s", c.id, utils.Truncate(req.Body, 128))
		s.replyError(c, "Forbidden", req.RequestContext.RequestID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.InvokeTimeout)
	defer cancel()

	resp, err := s.invoke(ctx, s.routes[routeKey], req)
	if err != nil {
		s.logger.Error("Route %s failed for %s: %v", routeKey, c.id, err)
		s.replyError(c, "Internal server error", req.RequestContext.RequestID)
		return
	}
	if !resp.Success() {
		s.logger.Warn("Route %s returned %d for %s", routeKey, resp.StatusCode, c.id)
		s.replyError(c, "Internal server error", req.RequestContext.RequestID)
		return
	}
	if resp.Body != "" {
		if err := c.enqueue(ctx, []byte(resp.Body)); err != nil {
			s.logger.Debug("Could not return route response to %s: %v", c.id, err)
		}
	}
}

func (s *Server) handleDisconnect(id string, connectedAt time.Time, sourceIP string) {
	handler, ok := s.routes[events.RouteDisconnect]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.InvokeTimeout)
	defer cancel()

	req := s.newRequest(id, events.RouteDisconnect, events.EventDisconnect, connectedAt, sourceIP)
	if _, err := s.invoke(ctx, handler, req); err != nil {
		s.logger.Warn("$disconnect failed for %s: %v", id, err)
	}
}

// invoke runs one handler, turning a panic into an invocation error.
func (s *Server) invoke(ctx context.Context, handler events.Handler, req events.Request) (resp events.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, req)
}

func (s *Server) replyError(c *Client, message, requestID string) {
	data, err := json.Marshal(errorFrame{
		Message:      message,
		ConnectionID: c.id,
		RequestID:    requestID,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.enqueue(ctx, data); err != nil {
		s.logger.Debug("Could not send error frame to %s: %v", c.id, err)
	}
}

func (s *Server) newRequest(connectionID, routeKey string, eventType events.EventType, connectedAt time.Time, sourceIP string) events.Request {
	requestID, _ := utils.GenerateID()
	return events.Request{
		RequestContext: events.RequestContext{
			ConnectionID: connectionID,
			RouteKey:     routeKey,
			EventType:    eventType,
			RequestID:    requestID,
			Stage:        strings.Trim(s.opts.Stage, "/"),
			SourceIP:     sourceIP,
			ConnectedAt:  connectedAt,
			RequestTime:  time.Now().UTC(),
		},
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func flattenQuery(r *http.Request) map[string]string {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
