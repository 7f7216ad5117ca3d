package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tphan267/arqut-signal/pkg/api"
	"github.com/tphan267/arqut-signal/pkg/gateway"
	"github.com/tphan267/arqut-signal/pkg/logger"
	"github.com/tphan267/arqut-signal/pkg/models"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Connections is the gateway side of the management API
type Connections interface {
	PostToConnection(ctx context.Context, connectionID string, data []byte) error
	Connection(connectionID string) (gateway.ConnectionInfo, error)
	Disconnect(connectionID string) error
	Count() int
}

// Registry is the read side of the connection registry
type Registry interface {
	ScanExcluding(ctx context.Context, excludeID, after string, limit int) (*models.ConnectionPage, error)
	Count(ctx context.Context) (int, error)
}

// ApiServer is the management HTTP server using Fiber
type ApiServer struct {
	app         *fiber.App
	api         fiber.Router
	stage       string
	connections Connections
	registry    Registry
	logger      *logger.Logger
}

// New creates the management server. Connection routes are mounted under
// /{stage}/@connections.
func New(stage string, connections Connections, registry Registry, log *logger.Logger) *ApiServer {
	if log == nil {
		log = logger.Discard()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		DisableStartupMessage: true,
	})

	s := &ApiServer{
		app:         app,
		stage:       strings.Trim(stage, "/"),
		connections: connections,
		registry:    registry,
		logger:      log,
	}
	if s.stage == "" {
		s.stage = "dev"
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *ApiServer) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Output: s.logger.Writer(),
	}))
}

func (s *ApiServer) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	s.api = s.app.Group("/api")
	s.api.Get("/connections", s.handleListConnections)

	conns := s.app.Group("/" + s.stage + "/@connections")
	conns.Post("/:id", s.handlePostToConnection)
	conns.Get("/:id", s.handleGetConnection)
	conns.Delete("/:id", s.handleDeleteConnection)
}

// App returns the underlying Fiber app for route registration
func (s *ApiServer) App() *fiber.App {
	return s.app
}

func (s *ApiServer) ApiRouter() fiber.Router {
	return s.api
}

// Start starts the HTTP server
func (s *ApiServer) Start(addr string) error {
	s.logger.Info("Starting management API on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *ApiServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Management API shutdown requested")
	return s.app.ShutdownWithContext(ctx)
}

// handlePostToConnection delivers the raw request body to a connection
func (s *ApiServer) handlePostToConnection(c *fiber.Ctx) error {
	id := c.Params("id")

	// Body is only valid for the lifetime of the handler
	data := append([]byte(nil), c.Body()...)

	err := s.connections.PostToConnection(c.UserContext(), id, data)
	switch {
	case err == nil:
		return c.SendStatus(fiber.StatusOK)
	case errors.Is(err, gateway.ErrGone):
		return api.ErrorGoneResp(c, "Connection "+id+" is gone")
	default:
		s.logger.Warn("Post to %s failed: %v", id, err)
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
}

// handleGetConnection reports metadata about an open connection
func (s *ApiServer) handleGetConnection(c *fiber.Ctx) error {
	id := c.Params("id")

	info, err := s.connections.Connection(id)
	if err != nil {
		if errors.Is(err, gateway.ErrGone) {
			return api.ErrorGoneResp(c, "Connection "+id+" is gone")
		}
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}

	return c.JSON(info)
}

// handleDeleteConnection closes a connection from the server side
func (s *ApiServer) handleDeleteConnection(c *fiber.Ctx) error {
	id := c.Params("id")

	if err := s.connections.Disconnect(id); err != nil {
		if errors.Is(err, gateway.ErrGone) {
			return api.ErrorGoneResp(c, "Connection "+id+" is gone")
		}
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// handleListConnections returns one page of the connection registry
func (s *ApiServer) handleListConnections(c *fiber.Ctx) error {
	after := c.Query("after")
	limit := c.QueryInt("limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		return api.ErrorBadRequestResp(c, "limit must be between 1 and 1000")
	}

	page, err := s.registry.ScanExcluding(c.UserContext(), "", after, limit)
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	total, err := s.registry.Count(c.UserContext())
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}

	return api.SuccessResp(c, page.Items, api.ApiResponseMeta{
		Pagination: &api.Pagination{
			After:   after,
			Next:    page.Next,
			PerPage: limit,
			Total:   int64(total),
		},
	})
}

// handleHealth handles health checks
func (s *ApiServer) handleHealth(c *fiber.Ctx) error {
	return api.SuccessResp(c, api.Map{
		"status":      "healthy",
		"connections": s.connections.Count(),
	})
}

// customErrorHandler handles errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	var e *fiber.Error
	if errors.As(err, &e) {
		status = e.Code
	}

	return c.Status(status).JSON(api.ApiResponse{
		Success: false,
		Error: &api.ApiError{
			Status:  status,
			Message: err.Error(),
		},
	})
}
