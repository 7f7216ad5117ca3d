// Package relay implements the signaling route handlers: registering a
// connection, announcing presence to every other registered connection, and
// forwarding one opaque signaling event to one named connection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tphan267/arqut-signal/pkg/events"
	"github.com/tphan267/arqut-signal/pkg/logger"
	"github.com/tphan267/arqut-signal/pkg/models"
)

// Registry is the connection registry the handlers read and insert into.
type Registry interface {
	Put(ctx context.Context, id string) (created bool, err error)
	ScanExcluding(ctx context.Context, excludeID, after string, limit int) (*models.ConnectionPage, error)
	Delete(ctx context.Context, id string) (deleted bool, err error)
}

// Sender delivers a payload to one connection.
type Sender interface {
	PostToConnection(ctx context.Context, connectionID string, data []byte) error
}

// Handlers holds the process-wide dependencies shared by every invocation.
// It carries no per-invocation state.
type Handlers struct {
	registry Registry
	sender   Sender
	log      *logger.Logger

	scanPageSize        int
	cleanupOnDisconnect bool
}

// Options tune handler behaviour.
type Options struct {
	// ScanPageSize bounds the registry page one announce reads; 0 reads all rows.
	ScanPageSize int
	// CleanupOnDisconnect deletes the registry row when a socket closes.
	CleanupOnDisconnect bool
}

// New creates the handlers
func New(registry Registry, sender Sender, log *logger.Logger, opts Options) *Handlers {
	if log == nil {
		log = logger.Discard()
	}
	return &Handlers{
		registry:            registry,
		sender:              sender,
		log:                 log,
		scanPageSize:        opts.ScanPageSize,
		cleanupOnDisconnect: opts.CleanupOnDisconnect,
	}
}

// Routes returns the route table the gateway dispatches on.
func (h *Handlers) Routes() map[string]events.Handler {
	return map[string]events.Handler{
		events.RouteConnect:    h.Connect,
		events.RouteDisconnect: h.Disconnect,
		events.RouteAnnounce:   h.Announce,
		events.RouteMessage:    h.Message,
	}
}

// Connect records the new connection in the registry. Registry failures never
// reject the connection.
func (h *Handlers) Connect(ctx context.Context, req events.Request) (events.Response, error) {
	h.log.Debug("connect event: %+v", req)

	id := req.RequestContext.ConnectionID
	created, err := h.registry.Put(ctx, id)
	switch {
	case err != nil:
		h.log.Warn("Failed to register connection %s: %v", id, err)
	case !created:
		h.log.Debug("Connection %s already registered", id)
	default:
		h.log.Debug("Registered connection %s", id)
	}

	return events.OK(), nil
}

// Announce tells every other registered connection about the caller and the
// caller about each of them. Only the first registry page is announced.
//
// A failed send does not stop the fan-out; failures are logged and the
// invocation still succeeds.
func (h *Handlers) Announce(ctx context.Context, req events.Request) (events.Response, error) {
	h.log.Debug("announce event: %+v", req)

	src := req.RequestContext.ConnectionID

	page, err := h.registry.ScanExcluding(ctx, src, "", h.scanPageSize)
	if err != nil {
		return events.Response{}, fmt.Errorf("failed to scan registry: %w", err)
	}
	if page.Next != "" {
		h.log.Warn("Registry holds more than %d peers, announcing %s to the first page only", h.scanPageSize, src)
	}

	var errs []error
	sent := 0
	for _, peer := range page.Items {
		dst := peer.ConnectionID

		if err := h.post(ctx, dst, AddPeer{Event: EventAddPeer, Peer: src, Polite: false}); err != nil {
			errs = append(errs, err)
		} else {
			sent++
		}

		if err := h.post(ctx, src, AddPeer{Event: EventAddPeer, Peer: dst, Polite: true}); err != nil {
			errs = append(errs, err)
		} else {
			sent++
		}
	}

	if len(errs) > 0 {
		h.log.Warn("Announce from %s: %d of %d sends failed: %v", src, len(errs), len(errs)+sent, errors.Join(errs...))
	} else {
		h.log.Debug("Announced %s to %d peers", src, len(page.Items))
	}

	return events.OK(), nil
}

// Message forwards one signaling event to the connection named in the body.
// The peer field is always the calling connection.
func (h *Handlers) Message(ctx context.Context, req events.Request) (events.Response, error) {
	h.log.Debug("message event: %+v", req)

	msg, err := ParseMessageRequest(req.Body)
	if err != nil {
		return events.Response{}, err
	}

	payload := Relayed{
		Peer:  req.RequestContext.ConnectionID,
		Event: msg.Event,
		Data:  msg.Data,
	}
	if err := h.post(ctx, msg.ConnectionID, payload); err != nil {
		return events.Response{}, err
	}

	return events.OK(), nil
}

// Disconnect acknowledges a closed socket. The registry row is only removed
// when cleanup is enabled; otherwise stale ids stay registered.
func (h *Handlers) Disconnect(ctx context.Context, req events.Request) (events.Response, error) {
	h.log.Debug("disconnect event: %+v", req)

	if !h.cleanupOnDisconnect {
		return events.OK(), nil
	}

	id := req.RequestContext.ConnectionID
	if _, err := h.registry.Delete(ctx, id); err != nil {
		h.log.Warn("Failed to remove connection %s: %v", id, err)
	}

	return events.OK(), nil
}

func (h *Handlers) post(ctx context.Context, connectionID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := h.sender.PostToConnection(ctx, connectionID, data); err != nil {
		return fmt.Errorf("failed to post to connection %s: %w", connectionID, err)
	}
	return nil
}
