// Package httpserver exposes a read-only status server (spec §"Status
// server"): health, the last reconciliation result, and Prometheus metrics.
// It issues no cloud calls and never blocks reconciliation.
package httpserver

import (
	"fmt"
	"net/http"
	"time"
)

// NewServer builds the HTTP server bound to addr, serving router's routes.
func NewServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Addr formats a host:port listen address from a configured port.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
