package server

import (
	"net"
	"strconv"
	"time"
)

// Config holds the HTTP server configuration. cmd/server populates it from
// WRAPPER_SERVER_-prefixed environment variables; zero values fall back to
// the defaults in addr.
type Config struct {
	Host              string        `env:"HOST"` // default: "127.0.0.1"
	Port              int           `env:"PORT"` // default: 8080
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"`
}

// addr returns the host:port the server listens on.
func (c *Config) addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
