package transport

import (
	"context"
	"net"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
)

// ConnectTransport is the unprivileged transport. It can only answer SYN
// probes, which it does with a full kernel connect: an established
// connection is reported as SYN|ACK and a refusal as RST.
type ConnectTransport struct {
	dialer net.Dialer
}

// NewConnectTransport returns a connect-only transport.
func NewConnectTransport() *ConnectTransport {
	return &ConnectTransport{}
}

// Exchange implements PacketTransport.
func (t *ConnectTransport) Exchange(ctx context.Context, p Probe) (Reply, error) {
	if p.Flags != SYN {
		return Reply{}, scanerrors.ErrPermissionDenied(p.Flags.String())
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := t.dialer.DialContext(dialCtx, "tcp", hostPort(p.Dst, p.DstPort))
	rtt := time.Since(start)

	switch {
	case err == nil:
		reply := Reply{Received: true, Flags: SYN | ACK, RTT: rtt}
		if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			reply.LocalPort = uint16(la.Port)
		}
		_ = conn.Close()
		return reply, nil
	case IsConnRefused(err), isReset(err):
		return Reply{Received: true, Flags: RST | ACK, RTT: rtt}, nil
	case IsUnreachable(err):
		return Reply{}, scanerrors.ErrNetworkUnreachable(p.Dst.String(), err).WithPort(p.DstPort)
	case IsTimeout(err), dialCtx.Err() != nil:
		return Reply{RTT: rtt}, nil
	default:
		return Reply{}, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeScanFailed, "connect failed",
			p.Dst.String(), err).WithPort(p.DstPort)
	}
}

// Send implements PacketTransport. Connections are already closed by
// Exchange, so a teardown RST has nothing left to do.
func (t *ConnectTransport) Send(_ context.Context, s Segment) error {
	if s.Flags.Has(RST) {
		return nil
	}
	return scanerrors.ErrPermissionDenied(s.Flags.String())
}

// Raw implements PacketTransport.
func (t *ConnectTransport) Raw() bool { return false }

// Close implements PacketTransport.
func (t *ConnectTransport) Close() error { return nil }
