package scanning

import (
	"context"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
)

// ConnectEngine completes a full TCP handshake through the kernel. It needs
// no privilege.
type ConnectEngine struct {
	tr transport.PacketTransport
}

// NewConnectEngine returns a connect engine on its own connect transport.
func NewConnectEngine() *ConnectEngine {
	return &ConnectEngine{tr: transport.NewConnectTransport()}
}

// Type implements Engine.
func (e *ConnectEngine) Type() ScanType { return ScanConnect }

// Probe implements Engine.
func (e *ConnectEngine) Probe(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (PortResult, error) {
	res := newResult(ScanConnect, port)
	reply, err := e.tr.Exchange(ctx, transport.Probe{
		Dst:     target.Addr,
		DstPort: port,
		Flags:   transport.SYN,
		Timeout: timeout,
	})
	res.Latency = reply.RTT
	if err != nil {
		return res, err
	}

	switch {
	case !reply.Received:
		res.Status, res.Reason = StatusFiltered, ReasonNoResponse
	case reply.Flags.Has(transport.SYN | transport.ACK):
		res.Status, res.Reason = StatusOpen, ReasonSynAck
	case reply.Flags.Has(transport.RST):
		res.Status, res.Reason = StatusClosed, ReasonConnRefused
	default:
		return res, scanerrors.ErrInvalidResponse(target.Addr.String(),
			"unexpected "+reply.Flags.String()).WithPort(port)
	}
	return res, nil
}
