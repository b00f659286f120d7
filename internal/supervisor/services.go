// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer matches the *http.Server lifecycle methods the wrapper needs,
// so tests can substitute a mock.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService wraps an HTTP server as a supervised service. It starts
// ListenAndServe in a goroutine, waits for context cancellation or a server
// error, and shuts down gracefully with the configured timeout.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService creates an HTTP server service wrapper.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve implements suture.Service. http.ErrServerClosed is converted to nil
// since it is expected on shutdown.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// The original context is already canceled, shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for supervisor log messages.
func (h *HTTPServerService) String() string {
	return h.name
}

// Closer matches components with a blocking Close, such as the queue and
// the bus connection.
type Closer interface {
	Close() error
}

// CloserService supervises an already-running component whose only lifecycle
// obligation is to be closed on shutdown. Serve blocks until the context is
// canceled, then closes the component.
type CloserService struct {
	component Closer
	name      string
}

// NewCloserService wraps a running component for supervised shutdown.
func NewCloserService(component Closer, name string) *CloserService {
	return &CloserService{component: component, name: name}
}

// Serve implements suture.Service.
func (c *CloserService) Serve(ctx context.Context) error {
	<-ctx.Done()
	if err := c.component.Close(); err != nil {
		return fmt.Errorf("%s close failed: %w", c.name, err)
	}
	return ctx.Err()
}

func (c *CloserService) String() string {
	return c.name
}

// ShutdownRunner matches components with a context-aware Shutdown, such as
// the embedded bus server.
type ShutdownRunner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownService supervises an already-running component that shuts down
// via Shutdown(ctx).
type ShutdownService struct {
	component       ShutdownRunner
	shutdownTimeout time.Duration
	name            string
}

// NewShutdownService wraps a running component for supervised shutdown.
func NewShutdownService(component ShutdownRunner, shutdownTimeout time.Duration, name string) *ShutdownService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &ShutdownService{
		component:       component,
		shutdownTimeout: shutdownTimeout,
		name:            name,
	}
}

// Serve implements suture.Service.
func (s *ShutdownService) Serve(ctx context.Context) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.component.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *ShutdownService) String() string {
	return s.name
}
