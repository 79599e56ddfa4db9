// Package tcpline implements the tcp:// transport variant named in
// spec.md §6, reusing the teacher's net.Conn-returning Dial (aznet.go)
// directly: a TCP stream carries exactly the same byte framing a physical
// serial line would.
package tcpline

import (
	"context"
	"net"

	"github.com/zwavecore/hostdriver/internal/transport"
)

func init() {
	transport.Register("tcp", Dial)
}

// Conn adapts a net.Conn to transport.Transport; net.Conn already
// satisfies every method Transport needs.
type Conn struct {
	net.Conn
}

// Dial opens addr ("host:port") over TCP, grounded on aznet.Dial's
// context-bounded connection setup.
func Dial(ctx context.Context, addr string) (transport.Transport, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return Conn{Conn: c}, nil
}

var _ transport.Transport = Conn{}
