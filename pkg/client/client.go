package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/converge/pkg/api"
)

// DefaultTimeout bounds each call made by the client
const DefaultTimeout = 10 * time.Second

// Client queries the health surfaces of a running converge daemon
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	http   *http.Client
}

// NewClient creates a client for the gRPC health server at addr. The
// daemon listens on loopback only, so the connection is not encrypted.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		http:   &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Check returns the serving status of service. An empty service asks for
// the overall status.
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// WaitServing blocks until service reports SERVING or ctx is done
func (c *Client) WaitServing(ctx context.Context, service string) error {
	stream, err := c.health.Watch(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("failed to watch %q: %w", service, err)
	}

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return fmt.Errorf("health stream closed before %q was serving", service)
		}
		if err != nil {
			return fmt.Errorf("failed to watch %q: %w", service, err)
		}
		if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
	}
}

// Ready fetches the readiness report from the HTTP health server at addr.
// A not-ready daemon answers 503 with a report, which is returned without
// error.
func (c *Client) Ready(ctx context.Context, addr string) (*api.ReadyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/ready", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("unexpected status from %s: %s", addr, resp.Status)
	}

	var ready api.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		return nil, fmt.Errorf("failed to decode readiness: %w", err)
	}
	return &ready, nil
}
