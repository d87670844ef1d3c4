// Package adapter wires a running device into external systems: liveness
// probes for orchestrators and OpenTelemetry instrumentation for the AT
// channel.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/atsock/pkg/at"
	"github.com/srediag/atsock/pkg/netdev"
)

const pingTimeout = 2 * time.Second

// NewHealth builds an HTTP health handler for one device. Liveness pings the
// module with a bare AT so a wedged channel flips the probe; readiness trips
// when the socket pool is exhausted, since new connections would fail with
// out-of-memory until slots come back.
func NewHealth(dev *netdev.Device, conn *at.Conn) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("at-channel", ChannelPing(conn))
	h.AddReadinessCheck("socket-pool", func() error {
		diag := dev.Diagnostics()
		if diag.SocketsInUse >= diag.Capacity {
			return fmt.Errorf("socket pool exhausted (%d/%d)", diag.SocketsInUse, diag.Capacity)
		}
		return nil
	})
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(200))
	return h
}

// ChannelPing returns a check that round-trips a bare AT command. It takes
// the transaction lock, so a probe never interleaves with a socket command.
func ChannelPing(conn *at.Conn) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		return conn.Do(ctx, &at.Request{Cmd: "AT", Timeout: pingTimeout})
	}
}
