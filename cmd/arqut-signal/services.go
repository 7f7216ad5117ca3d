package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/tphan267/arqut-signal/api"
	"github.com/tphan267/arqut-signal/pkg/gateway"
	"github.com/tphan267/arqut-signal/pkg/logger"
	"github.com/tphan267/arqut-signal/pkg/storage"
)

// gatewayService runs the WebSocket listener
type gatewayService struct {
	srv    *http.Server
	hub    *gateway.Hub
	path   string
	logger *logger.Logger
}

func (s *gatewayService) Name() string     { return "gateway" }
func (s *gatewayService) IsRunnable() bool { return true }

func (s *gatewayService) Start(ctx context.Context) error {
	s.logger.Info("WebSocket gateway listening on %s%s", s.srv.Addr, s.path)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *gatewayService) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	// Hijacked sockets are not tracked by http.Server
	s.hub.CloseAll()
	// Storage is stopped after this service; let $disconnect finish first
	return errors.Join(err, s.hub.Wait(ctx))
}

// apiService runs the management API
type apiService struct {
	srv  *api.ApiServer
	addr string
}

func (s *apiService) Name() string     { return "api" }
func (s *apiService) IsRunnable() bool { return true }

func (s *apiService) Start(ctx context.Context) error {
	return s.srv.Start(s.addr)
}

func (s *apiService) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// storageService closes the registry database last
type storageService struct {
	store storage.Storage
}

func (s *storageService) Name() string                    { return "storage" }
func (s *storageService) IsRunnable() bool                { return false }
func (s *storageService) Start(ctx context.Context) error { return nil }
func (s *storageService) Stop(ctx context.Context) error  { return s.store.Close() }
