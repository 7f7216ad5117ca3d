// Package events defines the invocation contract between the WebSocket
// gateway and the route handlers.
package events

import (
	"context"
	"net/http"
	"time"
)

// Route keys the gateway dispatches on. Custom routes are selected by the
// "action" field of the inbound JSON frame.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
	RouteMessage    = "message"
	RouteAnnounce   = "announce"
)

// EventType is the kind of transport event that triggered an invocation.
type EventType string

const (
	EventConnect    EventType = "CONNECT"
	EventMessage    EventType = "MESSAGE"
	EventDisconnect EventType = "DISCONNECT"
)

// RequestContext describes the connection an invocation belongs to.
type RequestContext struct {
	ConnectionID string    `json:"connectionId"`
	RouteKey     string    `json:"routeKey"`
	EventType    EventType `json:"eventType"`
	RequestID    string    `json:"requestId"`
	Stage        string    `json:"stage"`
	DomainName   string    `json:"domainName,omitempty"`
	SourceIP     string    `json:"sourceIp,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	RequestTime  time.Time `json:"requestTime"`
}

// Request is one invocation event. Body is the raw text frame for MESSAGE
// events and empty otherwise.
type Request struct {
	RequestContext        RequestContext    `json:"requestContext"`
	Body                  string            `json:"body,omitempty"`
	Headers               map[string]string `json:"headers,omitempty"`
	QueryStringParameters map[string]string `json:"queryStringParameters,omitempty"`
}

// Response is what a handler reports back to the gateway.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body,omitempty"`
}

// OK is the fixed success acknowledgement.
func OK() Response {
	return Response{StatusCode: http.StatusOK}
}

// Success reports whether the response carries a 2xx status.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Handler processes one invocation. A returned error is an invocation failure.
type Handler func(ctx context.Context, req Request) (Response, error)
