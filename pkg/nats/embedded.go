package nats

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const embeddedReadyTimeout = 5 * time.Second

// EmbeddedServer is an in-process NATS server with JetStream enabled.
// It backs the demo binary when no external broker is configured and
// keeps the bus tests free of external dependencies.
type EmbeddedServer struct {
	srv *server.Server
}

// EmbeddedOption adjusts the embedded server before it starts.
type EmbeddedOption func(*server.Options)

// WithStoreDir sets the JetStream storage directory. Defaults to a
// temporary directory.
func WithStoreDir(dir string) EmbeddedOption {
	return func(o *server.Options) { o.StoreDir = dir }
}

// WithPort pins the listen port instead of picking a random free one.
func WithPort(port int) EmbeddedOption {
	return func(o *server.Options) { o.Port = port }
}

// StartEmbeddedServer starts an in-process server on the loopback
// interface and blocks until it accepts connections.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	serverOpts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
	}
	for _, opt := range opts {
		opt(serverOpts)
	}

	srv, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}
	go srv.Start()

	if !srv.ReadyForConnections(embeddedReadyTimeout) {
		srv.Shutdown()
		return nil, errors.New("embedded server not ready")
	}

	return &EmbeddedServer{srv: srv}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e.srv == nil {
		return
	}
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}

// NewEmbeddedEventBus starts an embedded server and an event bus on it,
// with a short-retention stream sized for tests.
func NewEmbeddedEventBus() (*EventBus, *EmbeddedServer, error) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		return nil, nil, err
	}

	config := DefaultConfig()
	config.URL = srv.URL()
	config.MaxAge = time.Minute
	config.MaxBytes = 10 * 1024 * 1024

	bus, err := NewEventBus(config)
	if err != nil {
		srv.Shutdown()
		return nil, nil, fmt.Errorf("create event bus on embedded server: %w", err)
	}
	return bus, srv, nil
}
