package pool

import (
	"context"
	"net"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// PortChecker reports whether a TCP port is already in use on the host.
type PortChecker func(port int) bool

// Port rotation constants.
const (
	portRotation   = 5000
	pidMultiplier  = 17
	pidModulus     = 3989
	DebugBasePort  = 1044
	DebugPortRange = 256
)

// startPort is the first candidate for the n-th instance created by process
// pid. Distinct processes sharing a host start at different offsets.
func startPort(base, n, pid int) int {
	return (n % portRotation) + base + (pidMultiplier*pid)%pidModulus
}

// HostPortChecker probes with a bind on all interfaces and then consults
// the kernel's connection table, which also catches sockets bound with
// SO_REUSEADDR.
func HostPortChecker() PortChecker {
	return func(port int) bool {
		if bindTaken(port) {
			return true
		}
		return connectionTaken(port)
	}
}

func bindTaken(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

func connectionTaken(port int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return false
	}
	for _, c := range conns {
		if int(c.Laddr.Port) == port {
			return true
		}
	}
	return false
}
