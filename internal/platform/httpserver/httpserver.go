package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults. Per-request deadlines come
// from the timeout middleware, not the server.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
