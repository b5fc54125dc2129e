package scanning

import (
	"fmt"
	"strings"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/targets"
)

// ScanType names a probing technique.
type ScanType string

const (
	ScanConnect ScanType = "connect"
	ScanSYN     ScanType = "syn"
	ScanUDP     ScanType = "udp"
	ScanFIN     ScanType = "fin"
	ScanXMAS    ScanType = "xmas"
	ScanNULL    ScanType = "null"
)

// ScanTypes lists the built-in techniques.
var ScanTypes = []ScanType{ScanConnect, ScanSYN, ScanUDP, ScanFIN, ScanXMAS, ScanNULL}

// ParseScanType accepts a technique name case-insensitively. "stealth" is an
// alias for "syn".
func ParseScanType(s string) (ScanType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "stealth" {
		return ScanSYN, nil
	}
	for _, t := range ScanTypes {
		if string(t) == name {
			return t, nil
		}
	}
	return "", scanerrors.NewScanError(scanerrors.CodeScanTypeInvalid,
		fmt.Sprintf("unknown scan type %q", s))
}

// Protocol returns the transport protocol the technique probes.
func (t ScanType) Protocol() string {
	if t == ScanUDP {
		return "udp"
	}
	return "tcp"
}

// RequiresRaw reports whether the technique crafts its own TCP segments.
func (t ScanType) RequiresRaw() bool {
	switch t {
	case ScanSYN, ScanFIN, ScanXMAS, ScanNULL:
		return true
	default:
		return false
	}
}

// PortStatus is the state a probe resolved a port to.
type PortStatus string

const (
	StatusOpen     PortStatus = "open"
	StatusClosed   PortStatus = "closed"
	StatusFiltered PortStatus = "filtered"
	// StatusOpenFiltered is reported when silence cannot tell an open port
	// from a filtered one.
	StatusOpenFiltered PortStatus = "open|filtered"
)

// Definitive reports whether the status came from an actual reply.
func (s PortStatus) Definitive() bool {
	return s == StatusOpen || s == StatusClosed
}

// Reasons recorded on a PortResult.
const (
	ReasonSynAck          = "syn-ack"
	ReasonReset           = "rst"
	ReasonConnRefused     = "conn-refused"
	ReasonNoResponse      = "no-response"
	ReasonICMPUnreachable = "icmp-unreachable"
	ReasonUDPResponse     = "udp-response"
	ReasonPortUnreachable = "port-unreachable"
	ReasonCached          = "cached"
)

// ServiceInfo is an optional identification of what listens on an open port.
type ServiceInfo struct {
	Name       string  `json:"name"`
	Version    string  `json:"version,omitempty"`
	Confidence float64 `json:"confidence"`
	Detector   string  `json:"detector,omitempty"`
}

// Task is one unit of scheduled work. At most one task exists per
// (target, port, scan type) in a scan.
type Task struct {
	Target   targets.Target
	Port     uint16
	ScanType ScanType
}

// Key identifies the result slot the task fills.
func (t Task) Key() ResultKey {
	return ResultKey{Port: t.Port, ScanType: t.ScanType}
}

// PortResult is the write-once outcome of one task.
type PortResult struct {
	Port              uint16        `json:"port"`
	Protocol          string        `json:"protocol"`
	ScanType          ScanType      `json:"scan_type"`
	Status            PortStatus    `json:"status"`
	Latency           time.Duration `json:"latency_ns"`
	Reason            string        `json:"reason,omitempty"`
	Service           *ServiceInfo  `json:"service,omitempty"`
	FirewallSuspected bool          `json:"firewall_suspected,omitempty"`
	CompletedAt       time.Time     `json:"completed_at"`
}

// Summary holds per-host counts.
type Summary struct {
	Total             int  `json:"total"`
	Open              int  `json:"open"`
	Closed            int  `json:"closed"`
	Filtered          int  `json:"filtered"`
	OpenFiltered      int  `json:"open_filtered"`
	Cancelled         int  `json:"cancelled,omitempty"`
	FirewallSuspected bool `json:"firewall_suspected,omitempty"`
}

// HostResult is the finalized report for one target. Ports are sorted by
// port number, then scan type.
type HostResult struct {
	Target    targets.Target `json:"target"`
	Ports     []PortResult   `json:"ports"`
	Summary   Summary        `json:"summary"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Duration  time.Duration  `json:"duration_ns"`
}

// OpenPorts returns the ports reported open.
func (h *HostResult) OpenPorts() []uint16 {
	var out []uint16
	for _, p := range h.Ports {
		if p.Status == StatusOpen {
			out = append(out, p.Port)
		}
	}
	return out
}

// ScanResult contains the complete results of a scan.
type ScanResult struct {
	ScanID    string        `json:"scan_id"`
	ScanType  ScanType      `json:"scan_type"`
	Hosts     []HostResult  `json:"hosts"`
	Warnings  []string      `json:"warnings,omitempty"`
	Fallback  bool          `json:"fallback_to_connect,omitempty"` // some or all hosts were connect-scanned
	Cancelled bool          `json:"cancelled,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration_ns"`
}

// NewScanResult creates a new scan result with the current time as start time.
func NewScanResult(scanID string, scanType ScanType) *ScanResult {
	return &ScanResult{
		ScanID:    scanID,
		ScanType:  scanType,
		StartTime: time.Now(),
		Hosts:     make([]HostResult, 0),
	}
}

// Complete marks the scan as complete and calculates duration.
func (r *ScanResult) Complete() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// Totals sums the host summaries.
func (r *ScanResult) Totals() Summary {
	var s Summary
	for _, h := range r.Hosts {
		s.Total += h.Summary.Total
		s.Open += h.Summary.Open
		s.Closed += h.Summary.Closed
		s.Filtered += h.Summary.Filtered
		s.OpenFiltered += h.Summary.OpenFiltered
		s.Cancelled += h.Summary.Cancelled
	}
	return s
}

// Options are the invocation parameters of one scan. Zero values for the
// override fields mean "use the learned recommendation".
type Options struct {
	// Targets is a target specification: addresses, hostnames, ranges
	// and CIDR blocks separated by commas.
	Targets string
	// Ports is a port specification: numbers, ranges and group names.
	Ports    string
	ScanType ScanType

	// Timeout overrides the per-probe timeout.
	Timeout time.Duration
	// PortParallelism overrides the per-host probe concurrency.
	PortParallelism int
	// HostRate overrides the per-host probe rate (probes per second).
	HostRate float64

	// HostParallelism bounds how many hosts are scanned at once.
	HostParallelism int
	// Rate is the global probe rate across all hosts (0 = unlimited).
	Rate float64
	// Burst is the global token bucket depth.
	Burst int

	// FallbackToConnect replaces a raw technique with connect scanning
	// when raw sockets are unavailable, or for targets the raw transport
	// cannot reach, instead of failing.
	FallbackToConnect bool
	// FirewallDetection probes every port with SYN, FIN, XMAS and NULL to
	// flag stateful filtering. Needs raw sockets.
	FirewallDetection bool
	// ServiceDetection names the detector run on open ports ("" or "none"
	// disables it).
	ServiceDetection string
	// Learn feeds probe outcomes back into the learning engine.
	Learn bool
	// PrioritizeLearned probes historically open ports first.
	PrioritizeLearned bool
}

// DefaultOptions returns the options a bare invocation scans with.
func DefaultOptions() Options {
	return Options{
		Ports:             "1-1000",
		ScanType:          ScanConnect,
		HostParallelism:   10,
		FallbackToConnect: true,
		Learn:             true,
		PrioritizeLearned: true,
	}
}

// Validate checks the options that can be checked without expanding targets.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.Targets) == "" {
		return scanerrors.ErrInvalidTarget("", "no targets specified")
	}
	if strings.TrimSpace(o.Ports) == "" {
		return scanerrors.ErrInvalidPort("", "no ports specified")
	}
	if o.ScanType == "" {
		return scanerrors.NewScanError(scanerrors.CodeScanTypeInvalid, "no scan type specified")
	}
	if o.Timeout < 0 || o.PortParallelism < 0 || o.HostParallelism < 0 ||
		o.HostRate < 0 || o.Rate < 0 || o.Burst < 0 {
		return scanerrors.NewScanError(scanerrors.CodeValidation, "overrides must not be negative")
	}
	return nil
}
