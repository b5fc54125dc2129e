package scanning

import (
	"context"
	"net"
	"net/netip"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
)

const udpReadBuffer = 2048

// UDPEngine sends a protocol payload over a connected UDP socket. The kernel
// reports an ICMP port-unreachable for that socket as ECONNREFUSED on the
// next read, so no raw socket is needed.
type UDPEngine struct {
	payloads *PayloadCatalog
	dialer   net.Dialer
}

// NewUDPEngine returns a UDP engine. A nil catalogue selects DefaultPayloads.
func NewUDPEngine(payloads *PayloadCatalog) *UDPEngine {
	if payloads == nil {
		payloads = DefaultPayloads()
	}
	return &UDPEngine{payloads: payloads}
}

// Type implements Engine.
func (e *UDPEngine) Type() ScanType { return ScanUDP }

// Probe implements Engine.
func (e *UDPEngine) Probe(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (PortResult, error) {
	res := newResult(ScanUDP, port)
	addr := target.Addr.String()

	payload := e.payloads.For(port)
	data, err := payload.Build()
	if err != nil {
		return res, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeScanFailed,
			"failed to build "+payload.Name+" payload", addr, err).WithPort(port)
	}

	conn, err := e.dialer.DialContext(ctx, "udp", netip.AddrPortFrom(target.Addr, port).String())
	if err != nil {
		return res, e.mapError(addr, port, err)
	}
	defer func() { _ = conn.Close() }()

	start := time.Now()
	deadline := start.Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return res, e.mapError(addr, port, err)
	}

	buf := make([]byte, udpReadBuffer)
	if _, err = conn.Write(data); err == nil {
		var n int
		n, err = conn.Read(buf)
		buf = buf[:n]
	}
	res.Latency = time.Since(start)

	switch {
	case err == nil:
		res.Status, res.Reason = StatusOpen, ReasonUDPResponse
		if payload.Decode != nil {
			res.Service = payload.Decode(buf)
		}
	case transport.IsConnRefused(err):
		res.Status, res.Reason = StatusClosed, ReasonPortUnreachable
	case transport.IsTimeout(err):
		res.Status, res.Reason = StatusOpenFiltered, ReasonNoResponse
	default:
		return res, e.mapError(addr, port, err)
	}
	return res, nil
}

func (e *UDPEngine) mapError(addr string, port uint16, err error) error {
	if transport.IsUnreachable(err) {
		return scanerrors.ErrNetworkUnreachable(addr, err).WithPort(port)
	}
	return scanerrors.WrapScanErrorWithTarget(scanerrors.CodeScanFailed, "udp probe failed", addr, err).WithPort(port)
}
