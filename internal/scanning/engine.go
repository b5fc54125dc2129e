package scanning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
)

// Engine implements one probing technique.
//
// Probe resolves a single port. Transport failures that say something about
// the path (unreachable, reset, malformed reply) are returned as a
// *scanerrors.ScanError; the orchestrator maps them onto a result rather
// than failing the scan.
type Engine interface {
	Type() ScanType
	Probe(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (PortResult, error)
}

// EngineFactory builds an engine on top of the process transport.
type EngineFactory func(tr transport.PacketTransport) Engine

// Registry maps technique and detector names to implementations. The
// built-in set is installed by NewRegistry; external implementations are
// added with RegisterEngine and RegisterDetector.
type Registry struct {
	mu        sync.RWMutex
	engines   map[ScanType]EngineFactory
	detectors map[string]ServiceDetector
}

// NewRegistry returns a registry holding the built-in engines and detectors.
func NewRegistry() *Registry {
	r := &Registry{
		engines:   make(map[ScanType]EngineFactory),
		detectors: make(map[string]ServiceDetector),
	}
	r.engines[ScanConnect] = func(transport.PacketTransport) Engine { return NewConnectEngine() }
	r.engines[ScanSYN] = func(tr transport.PacketTransport) Engine { return NewSYNEngine(tr) }
	r.engines[ScanUDP] = func(transport.PacketTransport) Engine { return NewUDPEngine(nil) }
	r.engines[ScanFIN] = func(tr transport.PacketTransport) Engine { return NewStealthEngine(ScanFIN, tr) }
	r.engines[ScanXMAS] = func(tr transport.PacketTransport) Engine { return NewStealthEngine(ScanXMAS, tr) }
	r.engines[ScanNULL] = func(tr transport.PacketTransport) Engine { return NewStealthEngine(ScanNULL, tr) }

	for _, d := range []ServiceDetector{NewBannerDetector(), NewNmapDetector()} {
		r.detectors[d.Name()] = d
	}
	return r
}

// RegisterEngine adds a technique. Registering a name twice is an error.
func (r *Registry) RegisterEngine(t ScanType, f EngineFactory) error {
	if t == "" || f == nil {
		return scanerrors.NewScanError(scanerrors.CodeValidation, "engine name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[t]; exists {
		return scanerrors.NewScanError(scanerrors.CodeValidation,
			fmt.Sprintf("scan type %q is already registered", t))
	}
	r.engines[t] = f
	return nil
}

// Engine builds the engine registered under t.
func (r *Registry) Engine(t ScanType, tr transport.PacketTransport) (Engine, error) {
	r.mu.RLock()
	f, ok := r.engines[t]
	r.mu.RUnlock()
	if !ok {
		return nil, scanerrors.NewScanError(scanerrors.CodeScanTypeInvalid,
			fmt.Sprintf("unknown scan type %q", t))
	}
	return f(tr), nil
}

// EngineNames lists the registered techniques, sorted.
func (r *Registry) EngineNames() []ScanType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ScanType, 0, len(r.engines))
	for t := range r.engines {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegisterDetector adds a service detector under its Name.
func (r *Registry) RegisterDetector(d ServiceDetector) error {
	if d == nil || d.Name() == "" {
		return scanerrors.NewScanError(scanerrors.CodeValidation, "detector name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.detectors[d.Name()]; exists {
		return scanerrors.NewScanError(scanerrors.CodeValidation,
			fmt.Sprintf("detector %q is already registered", d.Name()))
	}
	r.detectors[d.Name()] = d
	return nil
}

// Detector returns the detector registered under name.
func (r *Registry) Detector(name string) (ServiceDetector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// DetectorNames lists the registered detectors, sorted.
func (r *Registry) DetectorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// newResult starts a result for port with the fields every engine sets.
func newResult(t ScanType, port uint16) PortResult {
	return PortResult{
		Port:     port,
		Protocol: t.Protocol(),
		ScanType: t,
	}
}
