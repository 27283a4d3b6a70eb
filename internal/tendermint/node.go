// Package tendermint serves the ABCI application on a socket so a separate
// Tendermint process can drive it.
package tendermint

import (
	"fmt"
	"os"
	"strings"

	abciserver "github.com/tendermint/tendermint/abci/server"
	abci "github.com/tendermint/tendermint/abci/types"
	tmlog "github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
)

// Config holds the listen address, either "unix://path" or "tcp://host:port".
type Config struct {
	SocketAddress string

	// Logger receives the server's connection logs. Defaults to stdout.
	Logger tmlog.Logger
}

// ABCIServer wraps a Tendermint socket server.
type ABCIServer struct {
	server service.Service
	socket string
}

// NewABCIServer creates the server without starting it.
func NewABCIServer(app abci.Application, config *Config) (*ABCIServer, error) {
	if app == nil {
		return nil, fmt.Errorf("ABCI application cannot be nil")
	}
	if config == nil || config.SocketAddress == "" {
		return nil, fmt.Errorf("socket address cannot be empty")
	}
	if !strings.HasPrefix(config.SocketAddress, "unix://") && !strings.HasPrefix(config.SocketAddress, "tcp://") {
		return nil, fmt.Errorf("unsupported socket address %q", config.SocketAddress)
	}

	logger := config.Logger
	if logger == nil {
		logger = tmlog.NewTMLogger(tmlog.NewSyncWriter(os.Stdout))
	}
	server := abciserver.NewSocketServer(config.SocketAddress, app)
	server.SetLogger(logger.With("module", "abci-server"))

	return &ABCIServer{server: server, socket: config.SocketAddress}, nil
}

// Start listens for Tendermint connections. A socket file left behind by an
// unclean shutdown is removed first.
func (s *ABCIServer) Start() error {
	if path, ok := s.unixPath(); ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start ABCI server: %w", err)
	}
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *ABCIServer) Stop() error {
	if s.server.IsRunning() {
		if err := s.server.Stop(); err != nil {
			return fmt.Errorf("failed to stop ABCI server: %w", err)
		}
	}
	if path, ok := s.unixPath(); ok {
		os.Remove(path)
	}
	return nil
}

func (s *ABCIServer) IsRunning() bool {
	return s.server.IsRunning()
}

// SocketPath returns the configured listen address.
func (s *ABCIServer) SocketPath() string {
	return s.socket
}

func (s *ABCIServer) unixPath() (string, bool) {
	return strings.CutPrefix(s.socket, "unix://")
}
