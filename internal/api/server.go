package api

import (
	"net/http"
	"time"
)

// NewHTTPServer builds the serving process's HTTP server. WriteTimeout stays
// unset: the status event stream and propagation requests are long-lived.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
