package scanning

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
)

// firewallTechniques are compared on the same port.
var firewallTechniques = []ScanType{ScanSYN, ScanFIN, ScanXMAS, ScanNULL}

// FirewallVerdict holds the per-technique outcomes for one port.
type FirewallVerdict struct {
	Port      uint16
	Results   map[ScanType]PortResult
	Suspected bool
}

// FirewallDetector probes one port with SYN, FIN, XMAS and NULL. A bare
// host answers SYN differently from the other three (SYN|ACK or RST versus
// silence or RST); a stateful filter drops all four alike.
type FirewallDetector struct {
	engines []Engine
	meter   func(ctx context.Context, n int) error
}

// NewFirewallDetector builds the detector on a raw transport.
func NewFirewallDetector(tr transport.PacketTransport) *FirewallDetector {
	return &FirewallDetector{engines: []Engine{
		NewSYNEngine(tr),
		NewStealthEngine(ScanFIN, tr),
		NewStealthEngine(ScanXMAS, tr),
		NewStealthEngine(ScanNULL, tr),
	}}
}

// SetMeter makes every probe wait on meter first, so the checks share the
// scan's global rate limit.
func (d *FirewallDetector) SetMeter(meter func(ctx context.Context, n int) error) {
	d.meter = meter
}

// Check runs the four probes concurrently.
func (d *FirewallDetector) Check(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (FirewallVerdict, error) {
	verdict := FirewallVerdict{Port: port, Results: make(map[ScanType]PortResult, len(d.engines))}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, engine := range d.engines {
		g.Go(func() error {
			if d.meter != nil {
				if err := d.meter(gctx, 1); err != nil {
					return scanerrors.WrapScanError(scanerrors.CodeCanceled, "rate limit wait", err)
				}
			}
			r, err := engine.Probe(gctx, target, port, timeout)
			if err != nil {
				return err
			}
			mu.Lock()
			verdict.Results[engine.Type()] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return verdict, scanerrors.WrapScanErrorWithTarget(scanerrors.GetCode(err),
			"firewall probe failed", target.Addr.String(), err).WithPort(port).WithOperation("firewall")
	}

	verdict.Suspected = uniformlyDropped(verdict.Results)
	return verdict, nil
}

// uniformlyDropped reports whether every technique got the same
// non-answer: all silent, or all rejected by ICMP.
func uniformlyDropped(results map[ScanType]PortResult) bool {
	var reason string
	for _, t := range firewallTechniques {
		r, ok := results[t]
		if !ok {
			return false
		}
		if r.Reason != ReasonNoResponse && r.Reason != ReasonICMPUnreachable {
			return false
		}
		if reason != "" && r.Reason != reason {
			return false
		}
		reason = r.Reason
	}
	return true
}
