// Package providers manages the lifecycle of the long-running parts of the
// process: listeners are started in the background and everything is
// stopped in reverse registration order on shutdown.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/tphan267/arqut-signal/pkg/logger"
)

// Service is the base interface that all providers must implement
type Service interface {
	// Name returns unique service identifier (constant)
	Name() string

	// IsRunnable indicates if service needs to run in background
	IsRunnable() bool

	// Start runs the service until it is stopped (only called if IsRunnable returns true)
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service
	Stop(ctx context.Context) error
}

// Registry manages service lifecycle
type Registry struct {
	services map[string]Service
	ordered  []Service
	runnable []Service
	logger   *logger.Logger
	errs     chan error
}

// NewRegistry creates a new service registry
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{
		services: make(map[string]Service),
		logger:   log,
		errs:     make(chan error, 8),
	}
}

// MustRegister registers a service and panics on error (for convenience in main)
func (r *Registry) MustRegister(service Service) {
	if err := r.Register(service); err != nil {
		panic(fmt.Sprintf("Failed to register service %s: %v", service.Name(), err))
	}
}

// Register adds a service to the registry (before start)
func (r *Registry) Register(service Service) error {
	name := service.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}

	r.services[name] = service
	r.ordered = append(r.ordered, service)

	if service.IsRunnable() {
		r.runnable = append(r.runnable, service)
	}

	return nil
}

// Get retrieves a service by name
func (r *Registry) Get(name string) (Service, error) {
	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return service, nil
}

// Errors receives the error of every runnable service that stopped on its own
func (r *Registry) Errors() <-chan error {
	return r.errs
}

// StartRunnable starts all background services
func (r *Registry) StartRunnable(ctx context.Context) {
	if len(r.runnable) == 0 {
		r.logger.Info("No runnable services to start")
		return
	}

	r.logger.Debug("Starting %d runnable services...", len(r.runnable))

	for _, service := range r.runnable {
		r.logger.Debug("Starting service: %s", service.Name())

		// Start each service in its own goroutine
		go func(s Service) {
			if err := s.Start(ctx); err != nil {
				r.logger.Error("Service %s stopped with error: %v", s.Name(), err)
				select {
				case r.errs <- fmt.Errorf("service %s: %w", s.Name(), err):
				default:
				}
			}
		}(service)
	}
}

// Shutdown stops runnable services in reverse order, then the rest
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info("Shutting down services...")

	var errs []error
	stop := func(service Service) {
		r.logger.Debug("Stopping service: %s", service.Name())
		if err := service.Stop(ctx); err != nil {
			r.logger.Error("Error stopping service %s: %v", service.Name(), err)
			errs = append(errs, fmt.Errorf("stop %s: %w", service.Name(), err))
		}
	}

	for i := len(r.runnable) - 1; i >= 0; i-- {
		stop(r.runnable[i])
	}
	for i := len(r.ordered) - 1; i >= 0; i-- {
		if !r.ordered[i].IsRunnable() {
			stop(r.ordered[i])
		}
	}

	r.logger.Info("All services stopped")
	return errors.Join(errs...)
}
