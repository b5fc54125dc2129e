package scanning

import (
	"context"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
)

// SYNEngine sends a bare SYN and classifies the reply. An accepting port is
// torn down with a RST so the handshake is never completed.
type SYNEngine struct {
	tr     transport.PacketTransport
	logger *logging.Logger
}

// NewSYNEngine returns a SYN engine on tr, which must be raw.
func NewSYNEngine(tr transport.PacketTransport) *SYNEngine {
	return &SYNEngine{tr: tr, logger: logging.Default().WithComponent("syn")}
}

// Type implements Engine.
func (e *SYNEngine) Type() ScanType { return ScanSYN }

// Probe implements Engine.
func (e *SYNEngine) Probe(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (PortResult, error) {
	res := newResult(ScanSYN, port)
	if e.tr == nil || !e.tr.Raw() {
		return res, scanerrors.ErrPermissionDenied(string(ScanSYN))
	}

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
	case reply.Unreachable:
		res.Status, res.Reason = StatusFiltered, ReasonICMPUnreachable
	case reply.Flags.Has(transport.SYN | transport.ACK):
		res.Status, res.Reason = StatusOpen, ReasonSynAck
		e.reset(ctx, target, port, reply)
	case reply.Flags.Has(transport.RST):
		res.Status, res.Reason = StatusClosed, ReasonReset
	default:
		return res, scanerrors.ErrInvalidResponse(target.Addr.String(),
			"unexpected "+reply.Flags.String()).WithPort(port)
	}
	return res, nil
}

// reset aborts the half-open connection. The reply's ACK number is the
// sequence number the peer expects next.
func (e *SYNEngine) reset(ctx context.Context, target targets.Target, port uint16, reply transport.Reply) {
	err := e.tr.Send(ctx, transport.Segment{
		Dst:     target.Addr,
		DstPort: port,
		SrcPort: reply.LocalPort,
		Seq:     reply.Ack,
		Flags:   transport.RST,
	})
	if err != nil {
		e.logger.DebugProbe("failed to send RST", target.Addr.String(), port, "error", err)
	}
}
