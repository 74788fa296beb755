// Package server exposes the admin API and the public bundle endpoint.
package server

import (
	"crypto/ed25519"
	"log/slog"
	"net/http"
)

// New returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, log *slog.Logger, builds BuildService, components ComponentStore, jwtVerificationKey ed25519.PublicKey) *http.Server {
	addr := cfg.addr()

	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := NewHandler(builds, components, jwtVerificationKey)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
