// Package probe tracks agent backend liveness and publishes it over gRPC health.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ashureev/agent-bridge/internal/opencode"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the gRPC health service reporting backend liveness.
const ServiceName = "agentbridge.Backend"

const (
	statusUnknown      = "unknown"
	statusConnected    = "connected"
	statusDisconnected = "disconnected"
)

// Target is the backend being probed.
type Target interface {
	Probe(ctx context.Context) error
	Mode() opencode.Mode
	ServerURL() string
}

// Status is the result of the latest probe.
type Status struct {
	Connected bool      `json:"connected"`
	Server    string    `json:"server"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
	Guidance  string    `json:"guidance,omitempty"`
}

// Worker probes the backend periodically and keeps the last result.
type Worker struct {
	target   Target
	health   *health.Server
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	last Status
}

// NewWorker creates a worker. The backend counts as not serving until the
// first probe succeeds.
func NewWorker(target Target, interval, timeout time.Duration) *Worker {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Worker{
		target:   target,
		health:   hs,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		last: Status{
			Server: target.ServerURL(),
			Mode:   modeName(target.Mode()),
			Status: statusUnknown,
		},
	}
}

// Status returns the last probe result.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Check probes the backend once and records the result.
func (w *Worker) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := w.target.Probe(ctx)
	st := Status{
		Connected: err == nil,
		Server:    w.target.ServerURL(),
		Mode:      modeName(w.target.Mode()),
		Status:    statusConnected,
		CheckedAt: w.now().UTC(),
	}
	serving := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st.Status = statusDisconnected
		st.Error = err.Error()
		st.Guidance = opencode.Guidance(err)
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}

	w.mu.Lock()
	prev := w.last
	w.last = st
	w.mu.Unlock()
	w.health.SetServingStatus(ServiceName, serving)

	if prev.Connected != st.Connected || prev.Status == statusUnknown {
		if st.Connected {
			slog.Info("Agent backend reachable", "server", st.Server, "mode", st.Mode)
		} else {
			slog.Warn("Agent backend unreachable", "server", st.Server, "mode", st.Mode, "error", err)
		}
	}
	return st
}

// Run probes immediately and then every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.Check(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.health.Shutdown()
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Serve exposes the health service on addr until ctx is done.
func (w *Worker) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return w.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (w *Worker) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              time.Minute,
			Timeout:           10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(srv, w.health)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	slog.Info("gRPC health server listening", "addr", lis.Addr().String(), "service", ServiceName)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC health: %w", err)
	}
	return nil
}

func modeName(m opencode.Mode) string {
	if m == opencode.ModeAuto {
		return "auto"
	}
	return string(m)
}
