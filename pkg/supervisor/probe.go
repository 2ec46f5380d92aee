package supervisor

import (
	"context"
	"net"
	"strconv"
	"time"

	"commonroom/pkg/protocol"
)

// Probe answers whether a tracked process is alive.
type Probe interface {
	Alive(ctx context.Context, h protocol.RunningHandle) (bool, error)
}

// PIDProbe checks that the handle's process still exists.
type PIDProbe struct{}

// Alive implements Probe.
func (PIDProbe) Alive(_ context.Context, h protocol.RunningHandle) (bool, error) {
	if h.PID <= 0 {
		return false, nil
	}
	return IsProcessAlive(h.PID), nil
}

// PortProbe treats a process as alive when its TCP port accepts connections.
type PortProbe struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Alive implements Probe. A refused or timed-out dial means not alive.
func (p PortProbe) Alive(ctx context.Context, _ protocol.RunningHandle) (bool, error) {
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(p.Port)))
	if err != nil {
		return false, nil //nolint:nilerr // unreachable port is the answer, not a probe failure
	}
	_ = conn.Close()
	return true, nil
}

// ProbeFor returns the probe configured for entry, defaulting to PIDProbe.
func ProbeFor(entry protocol.ProcessEntry) Probe {
	if entry.Probe.Kind == protocol.ProbePort && entry.Probe.Port > 0 {
		return PortProbe{Host: entry.Probe.Host, Port: entry.Probe.Port}
	}
	return PIDProbe{}
}
