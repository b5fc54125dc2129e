package scanning

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/portscope/internal/targets"
)

// firewallFilteredRatio is the share of filtered ports above which a host is
// flagged as sitting behind a firewall.
const firewallFilteredRatio = 0.7

// ResultKey identifies a result slot within one host.
type ResultKey struct {
	Port     uint16
	ScanType ScanType
}

type hostState struct {
	target    targets.Target
	results   map[ResultKey]PortResult
	cancelled int
	start     time.Time
	end       time.Time
}

// Aggregator collects PortResults into per-host reports. Merge is idempotent
// and, when two results share a key, the later-completed one wins. It is safe
// for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	hosts map[netip.Addr]*hostState
	now   func() time.Time
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		hosts: make(map[netip.Addr]*hostState),
		now:   time.Now,
	}
}

func (a *Aggregator) stateLocked(t targets.Target) *hostState {
	h, ok := a.hosts[t.Addr]
	if !ok {
		h = &hostState{
			target:  t,
			results: make(map[ResultKey]PortResult),
			start:   a.now(),
		}
		a.hosts[t.Addr] = h
	}
	return h
}

// StartHost records the moment scanning of t began.
func (a *Aggregator) StartHost(t targets.Target) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateLocked(t)
}

// Merge adds r to t's report.
func (a *Aggregator) Merge(t targets.Target, r PortResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.stateLocked(t)
	key := ResultKey{Port: r.Port, ScanType: r.ScanType}
	if prev, ok := h.results[key]; ok && prev.CompletedAt.After(r.CompletedAt) {
		return
	}
	h.results[key] = r
}

// MarkCancelled records n tasks for t that were never dispatched.
func (a *Aggregator) MarkCancelled(t targets.Target, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateLocked(t).cancelled += n
}

// FinishHost stamps t's end time. Later merges still apply.
func (a *Aggregator) FinishHost(t targets.Target) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateLocked(t).end = a.now()
}

// Host returns the report for addr.
func (a *Aggregator) Host(addr netip.Addr) (HostResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hosts[addr]
	if !ok {
		return HostResult{}, false
	}
	return h.build(), true
}

// Results returns every host report, ordered by address.
func (a *Aggregator) Results() []HostResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]HostResult, 0, len(a.hosts))
	for _, h := range a.hosts {
		out = append(out, h.build())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target.Addr.Less(out[j].Target.Addr)
	})
	return out
}

func (h *hostState) build() HostResult {
	res := HostResult{
		Target:    h.target,
		Ports:     make([]PortResult, 0, len(h.results)),
		StartTime: h.start,
		EndTime:   h.end,
	}
	if !h.end.IsZero() {
		res.Duration = h.end.Sub(h.start)
	}

	for _, r := range h.results {
		res.Ports = append(res.Ports, r)
	}
	sort.Slice(res.Ports, func(i, j int) bool {
		if res.Ports[i].Port != res.Ports[j].Port {
			return res.Ports[i].Port < res.Ports[j].Port
		}
		return res.Ports[i].ScanType < res.Ports[j].ScanType
	})

	res.Summary = summarize(res.Ports)
	res.Summary.Cancelled = h.cancelled
	return res
}

func summarize(ports []PortResult) Summary {
	s := Summary{Total: len(ports)}
	for _, p := range ports {
		switch p.Status {
		case StatusOpen:
			s.Open++
		case StatusClosed:
			s.Closed++
		case StatusFiltered:
			s.Filtered++
		case StatusOpenFiltered:
			s.OpenFiltered++
		}
	}
	if s.Total > 0 && float64(s.Filtered)/float64(s.Total) > firewallFilteredRatio {
		s.FirewallSuspected = true
	}
	return s
}
