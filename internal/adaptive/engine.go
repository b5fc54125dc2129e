// Package adaptive implements the learning engine that tunes scan timing per
// network class. Every probe outcome is folded into exponential moving
// averages of latency and success rate; recommendations for timeout, rate and
// parallelism are derived from them. State is loaded explicitly at scan start
// and flushed explicitly (or periodically by a Flusher) to a Store.
package adaptive

import (
	"math"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/netclass"
)

const (
	timeoutMultiplier = 3
	minTimeout        = 50 * time.Millisecond
	maxTimeout        = 10 * time.Second
	growFactor        = 1.1
	shrinkFactor      = 0.9
	maxRateFactor     = 10
)

// Defaults are the starting parameters of a class without learned state.
type Defaults struct {
	Timeout     time.Duration
	Rate        float64 // probes per second per host
	Parallelism int
}

// ClassDefaults holds the built-in parameters per class.
var ClassDefaults = map[netclass.Class]Defaults{
	netclass.LocalHost: {Timeout: 200 * time.Millisecond, Rate: 2000, Parallelism: 100},
	netclass.LAN:       {Timeout: 500 * time.Millisecond, Rate: 1000, Parallelism: 50},
	netclass.Cloud:     {Timeout: 1000 * time.Millisecond, Rate: 500, Parallelism: 30},
	netclass.Internet:  {Timeout: 2000 * time.Millisecond, Rate: 200, Parallelism: 20},
}

func defaultsFor(class netclass.Class) Defaults {
	if d, ok := ClassDefaults[class]; ok {
		return d
	}
	return ClassDefaults[netclass.Internet]
}

// Params configures the learning behavior.
type Params struct {
	LearningRate     float64
	MinParallelism   int
	MaxParallelism   int
	HighWater        float64
	LowWater         float64
	LowLatencyFactor float64
	Retention        time.Duration
}

// DefaultParams returns the built-in learning parameters.
func DefaultParams() Params {
	return Params{
		LearningRate:     0.1,
		MinParallelism:   1,
		MaxParallelism:   100,
		HighWater:        0.8,
		LowWater:         0.5,
		LowLatencyFactor: 0.5,
		Retention:        30 * 24 * time.Hour,
	}
}

func (p Params) normalized() Params {
	d := DefaultParams()
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		p.LearningRate = d.LearningRate
	}
	if p.MinParallelism < 1 {
		p.MinParallelism = 1
	}
	if p.MaxParallelism < p.MinParallelism {
		p.MaxParallelism = p.MinParallelism
	}
	if p.LowLatencyFactor <= 0 {
		p.LowLatencyFactor = d.LowLatencyFactor
	}
	return p
}

// Recommendation is the set of parameters to use for a probe.
type Recommendation struct {
	Timeout     time.Duration
	Rate        float64
	Parallelism int
	Learned     bool
}

// Engine holds learned state. All methods are safe for concurrent use;
// updates are serialized so no read-modify-write is ever lost.
type Engine struct {
	mu       sync.Mutex
	flushMu  sync.Mutex
	params   Params
	profiles map[netclass.Class]*Profile
	ports    map[netclass.Class]map[uint16]*PortStats
	hosts    map[netip.Addr]*HostRecord
	dirty    bool
	store    *Store
	logger   *logging.Logger
	now      func() time.Time
}

// NewEngine creates an engine. store may be nil for purely in-memory learning.
func NewEngine(params Params, store *Store, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		params:   params.normalized(),
		profiles: make(map[netclass.Class]*Profile),
		ports:    make(map[netclass.Class]map[uint16]*PortStats),
		hosts:    make(map[netip.Addr]*HostRecord),
		store:    store,
		logger:   logger.WithComponent("adaptive"),
		now:      time.Now,
	}
}

// Load replaces in-memory state with the persisted store. Failures are not
// fatal: the engine keeps built-in defaults and the error is returned so the
// caller can report it.
func (e *Engine) Load() error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Load()

	e.mu.Lock()
	e.profiles = snap.Profiles
	e.ports = snap.Ports
	e.hosts = snap.Hosts
	e.dirty = false
	e.mu.Unlock()

	if err != nil {
		e.logger.WarnStorage("adaptive store unusable, using defaults", e.store.Path(), err)
		return err
	}
	e.logger.Debug("adaptive store loaded", "profiles", len(snap.Profiles), "hosts", len(snap.Hosts))
	return nil
}

// Flush persists the current state atomically.
func (e *Engine) Flush() error {
	if e.store == nil {
		return nil
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	snap := e.snapshotLocked()
	e.dirty = false
	e.mu.Unlock()

	if err := e.store.Save(snap); err != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return err
	}
	return nil
}

// FlushIfDirty flushes only when updates happened since the last flush.
func (e *Engine) FlushIfDirty() error {
	e.mu.Lock()
	dirty := e.dirty
	e.mu.Unlock()
	if !dirty {
		return nil
	}
	return e.Flush()
}

func (e *Engine) snapshotLocked() *Snapshot {
	snap := NewSnapshot()
	for class, p := range e.profiles {
		cp := *p
		snap.Profiles[class] = &cp
	}
	for class, ports := range e.ports {
		m := make(map[uint16]*PortStats, len(ports))
		for port, st := range ports {
			cp := *st
			m[port] = &cp
		}
		snap.Ports[class] = m
	}
	for addr, h := range e.hosts {
		snap.Hosts[addr] = copyHost(h)
	}
	return snap
}

func copyHost(h *HostRecord) *HostRecord {
	cp := *h
	cp.OpenPorts = append([]uint16(nil), h.OpenPorts...)
	return &cp
}

func (e *Engine) expired(t time.Time) bool {
	return e.params.Retention > 0 && e.now().Sub(t) > e.params.Retention
}

// Recommend returns parameters for class: derived from the learned profile,
// or the class defaults when none exists or it is past retention.
func (e *Engine) Recommend(class netclass.Class) Recommendation {
	d := defaultsFor(class)

	e.mu.Lock()
	p, ok := e.profiles[class]
	var prof Profile
	if ok {
		prof = *p
	}
	e.mu.Unlock()

	if !ok || prof.SampleCount == 0 || e.expired(prof.LastUpdated) {
		return Recommendation{
			Timeout:     d.Timeout,
			Rate:        d.Rate,
			Parallelism: clampInt(d.Parallelism, e.params.MinParallelism, e.params.MaxParallelism),
		}
	}

	par := clampInt(prof.RecommendedParallelism, e.params.MinParallelism, e.params.MaxParallelism)
	timeout := time.Duration(prof.TimeoutEMA * timeoutMultiplier * float64(time.Millisecond))
	rate := d.Rate * float64(par) / float64(d.Parallelism)

	return Recommendation{
		Timeout:     clampDuration(timeout, minTimeout, maxTimeout),
		Rate:        math.Max(1, math.Min(rate, d.Rate*maxRateFactor)),
		Parallelism: par,
		Learned:     true,
	}
}

// Update folds one probe outcome into the class profile. The latency EMA
// only moves on succeeded probes: a timeout measures the timeout, not the
// network.
func (e *Engine) Update(class netclass.Class, latency time.Duration, succeeded bool) {
	d := defaultsFor(class)
	alpha := e.params.LearningRate
	observed := float64(latency) / float64(time.Millisecond)
	outcome := 0.0
	if succeeded {
		outcome = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[class]
	if !ok || e.expired(p.LastUpdated) {
		p = &Profile{
			Class:                  class,
			TimeoutEMA:             float64(d.Timeout) / float64(time.Millisecond) / timeoutMultiplier,
			SuccessRateEMA:         1,
			RecommendedParallelism: d.Parallelism,
		}
		e.profiles[class] = p
	}

	if succeeded {
		if p.SampleCount == 0 {
			p.TimeoutEMA = observed
		} else {
			p.TimeoutEMA = ema(alpha, observed, p.TimeoutEMA)
		}
	}
	p.SuccessRateEMA = ema(alpha, outcome, p.SuccessRateEMA)
	p.SampleCount++
	p.LastUpdated = e.now()

	lowLatency := float64(d.Timeout) / float64(time.Millisecond) * e.params.LowLatencyFactor
	switch {
	case p.SuccessRateEMA > e.params.HighWater && p.TimeoutEMA < lowLatency:
		p.RecommendedParallelism = max(p.RecommendedParallelism+1, int(float64(p.RecommendedParallelism)*growFactor))
	case p.SuccessRateEMA < e.params.LowWater:
		p.RecommendedParallelism = min(p.RecommendedParallelism-1, int(float64(p.RecommendedParallelism)*shrinkFactor))
	}
	p.RecommendedParallelism = clampInt(p.RecommendedParallelism, e.params.MinParallelism, e.params.MaxParallelism)
	e.dirty = true
}

// RecordPort folds a port-level outcome into the per-port statistics used
// by SuggestedPorts.
func (e *Engine) RecordPort(class netclass.Class, port uint16, latency time.Duration, open bool) {
	observed := float64(latency) / float64(time.Millisecond)

	e.mu.Lock()
	defer e.mu.Unlock()

	ports, ok := e.ports[class]
	if !ok {
		ports = make(map[uint16]*PortStats)
		e.ports[class] = ports
	}
	st, ok := ports[port]
	if !ok {
		st = &PortStats{LatencyEMA: observed}
		ports[port] = st
	}
	st.Probes++
	if open {
		st.Open++
	}
	st.LatencyEMA = ema(e.params.LearningRate, observed, st.LatencyEMA)
	st.LastUpdated = e.now()
	e.dirty = true
}

// SuggestedPorts returns up to n ports of class that were found open most
// often, most frequent first.
func (e *Engine) SuggestedPorts(class netclass.Class, n int) []uint16 {
	type ranked struct {
		port uint16
		open uint64
		rate float64
	}

	e.mu.Lock()
	list := make([]ranked, 0, len(e.ports[class]))
	for port, st := range e.ports[class] {
		if st.Open == 0 || e.expired(st.LastUpdated) {
			continue
		}
		list = append(list, ranked{port: port, open: st.Open, rate: float64(st.Open) / float64(st.Probes)})
	}
	e.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].open != list[j].open {
			return list[i].open > list[j].open
		}
		if list[i].rate != list[j].rate {
			return list[i].rate > list[j].rate
		}
		return list[i].port < list[j].port
	})
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	out := make([]uint16, len(list))
	for i, r := range list {
		out[i] = r.port
	}
	return out
}

// RecordHost remembers the outcome of a complete scan of addr, replacing
// what an earlier scan found.
func (e *Engine) RecordHost(addr netip.Addr, class netclass.Class, open []uint16, firewall bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.hosts[addr]
	if !ok {
		h = &HostRecord{}
		e.hosts[addr] = h
	}
	h.Class = class
	h.OpenPorts = append(h.OpenPorts[:0], open...)
	slices.Sort(h.OpenPorts)
	h.FirewallSuspected = firewall
	h.Scans++
	h.LastScan = e.now()
	e.dirty = true
}

// Host returns what is remembered about addr. Records outside the retention
// window are treated as absent.
func (e *Engine) Host(addr netip.Addr) (HostRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hosts[addr]
	if !ok || e.expired(h.LastScan) {
		return HostRecord{}, false
	}
	return *copyHost(h), true
}

// Hosts returns a copy of every remembered host.
func (e *Engine) Hosts() map[netip.Addr]HostRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[netip.Addr]HostRecord, len(e.hosts))
	for addr, h := range e.hosts {
		if !e.expired(h.LastScan) {
			out[addr] = *copyHost(h)
		}
	}
	return out
}

// Profiles returns a copy of every profile, ordered by class.
func (e *Engine) Profiles() []Profile {
	e.mu.Lock()
	out := make([]Profile, 0, len(e.profiles))
	for class, p := range e.profiles {
		cp := *p
		cp.Class = class
		out = append(out, cp)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// Profile returns the learned profile of class, if any.
func (e *Engine) Profile(class netclass.Class) (Profile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[class]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Reset drops all learned state. The store is untouched until the next Flush.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.profiles = make(map[netclass.Class]*Profile)
	e.ports = make(map[netclass.Class]map[uint16]*PortStats)
	e.hosts = make(map[netip.Addr]*HostRecord)
	e.dirty = true
	e.mu.Unlock()
}

func ema(alpha, observed, old float64) float64 {
	return alpha*observed + (1-alpha)*old
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	return max(lo, min(v, hi))
}
