//go:build integration

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NATSContainer is a JetStream-enabled NATS server for integration tests.
type NATSContainer struct {
	container testcontainers.Container
	URL       string
}

type natsConfig struct {
	version      string
	startTimeout time.Duration
}

// NATSOption configures StartNATS.
type NATSOption func(*natsConfig)

// WithNATSVersion specifies a specific NATS server version to use
func WithNATSVersion(version string) NATSOption {
	return func(cfg *natsConfig) {
		cfg.version = version
	}
}

// WithStartTimeout sets the container startup timeout
func WithStartTimeout(timeout time.Duration) NATSOption {
	return func(cfg *natsConfig) {
		cfg.startTimeout = timeout
	}
}

// StartNATS starts a container for use in TestMain; it does not need a
// testing.T and returns errors instead.
func StartNATS(ctx context.Context, opts ...NATSOption) (*NATSContainer, error) {
	cfg := &natsConfig{
		version:      "2.11.7-alpine",
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	req := testcontainers.ContainerRequest{
		Image:        "nats:" + cfg.version,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &NATSContainer{
		container: container,
		URL:       fmt.Sprintf("nats://%s:%s", host, port.Port()),
	}, nil
}

// NewNATS starts a container that is terminated when the test ends.
func NewNATS(t testing.TB, opts ...NATSOption) *NATSContainer {
	t.Helper()
	c, err := StartNATS(context.Background(), opts...)
	if err != nil {
		t.Fatalf("%v", err)
	}
	t.Cleanup(func() { _ = c.Terminate() })
	return c
}

// Terminate stops the container.
func (c *NATSContainer) Terminate() error {
	return c.container.Terminate(context.Background())
}
