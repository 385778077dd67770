// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package connectivity

import (
	"context"
	"net"
	"time"
)

// Prober tests reachability for the monitor.
type Prober interface {
	// InterfaceAvailable reports whether any usable network interface is up.
	InterfaceAvailable() bool

	// Ping performs one round trip and returns its latency.
	Ping(ctx context.Context) (time.Duration, error)
}

// DialProber checks for an up, non-loopback interface and measures a TCP
// connect to Target.
type DialProber struct {
	Target string

	dialer     net.Dialer
	interfaces func() ([]net.Interface, error)
}

// NewDialProber creates a prober dialing target (host:port).
func NewDialProber(target string) *DialProber {
	return &DialProber{Target: target, interfaces: net.Interfaces}
}

// InterfaceAvailable implements Prober.
func (p *DialProber) InterfaceAvailable() bool {
	list, err := p.interfaces()
	if err != nil {
		return false
	}
	for _, iface := range list {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}

// Ping implements Prober. The deadline comes from ctx.
func (p *DialProber) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", p.Target)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return rtt, nil
}
