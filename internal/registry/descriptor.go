// Package registry provides in-memory service discovery for the
// communication layer. It tracks running instances of named services
// together with their version and health state.
package registry

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HealthStatus represents the health state of a service instance.
type HealthStatus int32

const (
	// StatusUnknown indicates the instance has not been probed yet.
	StatusUnknown HealthStatus = iota
	// StatusHealthy indicates the instance is serving.
	StatusHealthy
	// StatusUnhealthy indicates the instance failed its health checks.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Descriptor identifies one running instance of a named service.
// Instances are unique per (name, host, port). The identity fields are
// immutable after registration; health and heartbeat are updated
// atomically so concurrent readers never observe a torn descriptor.
type Descriptor struct {
	ID       string
	Name     string
	Host     string
	Port     int
	Protocol string
	Version  string
	Metadata map[string]string

	status        atomic.Int32
	lastHeartbeat atomic.Int64
}

// NewDescriptor creates a descriptor for a service instance.
func NewDescriptor(name, host string, port int) *Descriptor {
	d := &Descriptor{
		ID:       uuid.NewString(),
		Name:     name,
		Host:     host,
		Port:     port,
		Protocol: "http",
		Version:  "1.0.0",
		Metadata: map[string]string{},
	}
	d.status.Store(int32(StatusUnknown))
	d.lastHeartbeat.Store(time.Now().UnixNano())
	return d
}

// WithProtocol sets the protocol ("http" or "https").
func (d *Descriptor) WithProtocol(protocol string) *Descriptor {
	d.Protocol = protocol
	return d
}

// WithVersion sets the semantic version.
func (d *Descriptor) WithVersion(version string) *Descriptor {
	d.Version = version
	return d
}

// WithMetadata sets arbitrary instance metadata.
func (d *Descriptor) WithMetadata(metadata map[string]string) *Descriptor {
	d.Metadata = metadata
	return d
}

// Addr returns the host:port address of the instance.
func (d *Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// URL returns the base URL of the instance.
func (d *Descriptor) URL() string {
	return fmt.Sprintf("%s://%s", d.Protocol, d.Addr())
}

// Status returns the current health status.
func (d *Descriptor) Status() HealthStatus {
	return HealthStatus(d.status.Load())
}

// SetStatus sets the health status.
func (d *Descriptor) SetStatus(status HealthStatus) {
	d.status.Store(int32(status))
}

// Available reports whether the instance may serve traffic. Unknown
// counts as available so freshly registered instances receive requests
// before the first probe completes.
func (d *Descriptor) Available() bool {
	return d.Status() != StatusUnhealthy
}

// Weight returns the load-balancing weight from the "weight" metadata
// entry. Missing or invalid values count as 1.
func (d *Descriptor) Weight() int {
	if raw, ok := d.Metadata["weight"]; ok {
		if w, err := strconv.Atoi(raw); err == nil && w > 0 {
			return w
		}
	}
	return 1
}

// Heartbeat refreshes the instance heartbeat timestamp.
func (d *Descriptor) Heartbeat() {
	d.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the last heartbeat.
func (d *Descriptor) LastHeartbeat() time.Time {
	return time.Unix(0, d.lastHeartbeat.Load())
}
