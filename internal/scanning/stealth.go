package scanning

import (
	"context"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
)

// stealthFlags are the control bits each inverse-mapping technique sends.
var stealthFlags = map[ScanType]transport.Flags{
	ScanFIN:  transport.FIN,
	ScanXMAS: transport.FIN | transport.PSH | transport.URG,
	ScanNULL: 0,
}

// StealthEngine implements the FIN, XMAS and NULL techniques. A compliant
// stack answers these with RST on a closed port and stays silent on an open
// one, so silence can only be reported as open|filtered.
type StealthEngine struct {
	scanType ScanType
	flags    transport.Flags
	tr       transport.PacketTransport
}

// NewStealthEngine returns the engine for t, which must be fin, xmas or null.
func NewStealthEngine(t ScanType, tr transport.PacketTransport) *StealthEngine {
	return &StealthEngine{scanType: t, flags: stealthFlags[t], tr: tr}
}

// Type implements Engine.
func (e *StealthEngine) Type() ScanType { return e.scanType }

// Probe implements Engine.
func (e *StealthEngine) Probe(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (PortResult, error) {
	res := newResult(e.scanType, port)
	if e.tr == nil || !e.tr.Raw() {
		return res, scanerrors.ErrPermissionDenied(string(e.scanType))
	}

	reply, err := e.tr.Exchange(ctx, transport.Probe{
		Dst:     target.Addr,
		DstPort: port,
		Flags:   e.flags,
		Timeout: timeout,
	})
	res.Latency = reply.RTT
	if err != nil {
		return res, err
	}

	switch {
	case !reply.Received:
		res.Status, res.Reason = StatusOpenFiltered, ReasonNoResponse
	case reply.Unreachable:
		res.Status, res.Reason = StatusFiltered, ReasonICMPUnreachable
	case reply.Flags.Has(transport.RST):
		res.Status, res.Reason = StatusClosed, ReasonReset
	default:
		return res, scanerrors.ErrInvalidResponse(target.Addr.String(),
			"unexpected "+reply.Flags.String()).WithPort(port)
	}
	return res, nil
}
