package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscope/internal/adaptive"
	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/netclass"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
	"github.com/anstrom/portscope/internal/workers"
)

const scanFake ScanType = "fake"

// fakeEngine records how it was driven and answers with a fixed status.
type fakeEngine struct {
	status  PortStatus
	err     error
	delay   time.Duration
	onProbe func(call int32)

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32

	mu          sync.Mutex
	timeouts    []time.Duration
	probed      []uint16
	activeHosts map[netip.Addr]int
	maxHosts    int
}

func (e *fakeEngine) Type() ScanType { return scanFake }

func (e *fakeEngine) Probe(_ context.Context, target targets.Target, port uint16, timeout time.Duration) (PortResult, error) {
	n := e.calls.Add(1)
	e.enterHost(target.Addr)
	defer e.leaveHost(target.Addr)
	cur := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		prev := e.maxActive.Load()
		if cur <= prev || e.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}

	e.mu.Lock()
	e.timeouts = append(e.timeouts, timeout)
	e.probed = append(e.probed, port)
	e.mu.Unlock()

	if e.onProbe != nil {
		e.onProbe(n)
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return PortResult{}, e.err
	}
	res := newResult(scanFake, port)
	res.Status = e.status
	res.Reason = ReasonReset
	res.Latency = time.Millisecond
	return res, nil
}

func (e *fakeEngine) enterHost(addr netip.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeHosts == nil {
		e.activeHosts = make(map[netip.Addr]int)
	}
	e.activeHosts[addr]++
	e.maxHosts = max(e.maxHosts, len(e.activeHosts))
}

func (e *fakeEngine) leaveHost(addr netip.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeHosts[addr]--; e.activeHosts[addr] == 0 {
		delete(e.activeHosts, addr)
	}
}

func (e *fakeEngine) concurrentHosts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxHosts
}

func (e *fakeEngine) probeOrder() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint16(nil), e.probed...)
}

func (e *fakeEngine) recordedTimeouts() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.timeouts...)
}

func newTestOrchestrator(t *testing.T, engine Engine, opts ...Option) *Orchestrator {
	t.Helper()
	registry := NewRegistry()
	if engine != nil {
		require.NoError(t, registry.RegisterEngine(engine.Type(), func(transport.PacketTransport) Engine { return engine }))
	}
	base := []Option{
		WithRegistry(registry),
		WithLogger(logging.Discard()),
		WithMetrics(metrics.NewRegistry()),
		WithLearner(adaptive.NewEngine(adaptive.DefaultParams(), nil, logging.Discard())),
	}
	return NewOrchestrator(append(base, opts...)...)
}

func fakeOptions(ports string) Options {
	opts := DefaultOptions()
	opts.Targets = "127.0.0.1"
	opts.Ports = ports
	opts.ScanType = scanFake
	opts.Learn = false
	opts.PrioritizeLearned = false
	return opts
}

func TestOrchestratorOverridesWin(t *testing.T) {
	engine := &fakeEngine{status: StatusClosed, delay: 10 * time.Millisecond}
	o := newTestOrchestrator(t, engine)

	opts := fakeOptions("1-20")
	opts.Timeout = 123 * time.Millisecond
	opts.PortParallelism = 2

	result, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, result.Hosts, 1)
	assert.Equal(t, 20, result.Hosts[0].Summary.Total)

	for _, timeout := range engine.recordedTimeouts() {
		assert.Equal(t, 123*time.Millisecond, timeout)
	}
	assert.LessOrEqual(t, engine.maxActive.Load(), int32(2))
}

func TestOrchestratorUsesClassDefaults(t *testing.T) {
	engine := &fakeEngine{status: StatusClosed}
	o := newTestOrchestrator(t, engine)

	result, err := o.Run(context.Background(), fakeOptions("1-5"))
	require.NoError(t, err)
	require.Len(t, result.Hosts, 1)
	assert.Equal(t, netclass.LocalHost, result.Hosts[0].Target.Class)

	timeouts := engine.recordedTimeouts()
	require.Len(t, timeouts, 5)
	for _, timeout := range timeouts {
		assert.Equal(t, adaptive.ClassDefaults[netclass.LocalHost].Timeout, timeout)
	}
}

func TestOrchestratorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := &fakeEngine{status: StatusClosed}
	engine.onProbe = func(call int32) {
		if call == 10 {
			cancel()
		}
	}
	o := newTestOrchestrator(t, engine)

	opts := fakeOptions("1-1000")
	opts.PortParallelism = 1
	opts.HostRate = 100000

	result, err := o.Run(ctx, opts)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, int32(10), engine.calls.Load(), "no probe is dispatched after cancellation")

	require.Len(t, result.Hosts, 1)
	summary := result.Hosts[0].Summary
	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 990, summary.Cancelled)
	for _, p := range result.Hosts[0].Ports {
		assert.Equal(t, StatusClosed, p.Status, "completed probes keep their result")
	}
}

func TestOrchestratorPrivilege(t *testing.T) {
	_, port := listenTCP(t)
	opts := DefaultOptions()
	opts.Targets = "127.0.0.1"
	opts.Ports = fmt.Sprint(port)
	opts.ScanType = ScanSYN
	opts.Learn = false

	t.Run("no fallback fails", func(t *testing.T) {
		o := newTestOrchestrator(t, nil)
		noFallback := opts
		noFallback.FallbackToConnect = false

		_, err := o.Run(context.Background(), noFallback)
		require.Error(t, err)
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodePermission))
	})

	t.Run("fallback scans with connect", func(t *testing.T) {
		o := newTestOrchestrator(t, nil)
		result, err := o.Run(context.Background(), opts)
		require.NoError(t, err)
		assert.True(t, result.Fallback)
		assert.Equal(t, ScanConnect, result.ScanType)
		assert.NotEmpty(t, result.Warnings)
		require.Len(t, result.Hosts, 1)
		assert.Equal(t, []uint16{port}, result.Hosts[0].OpenPorts())
	})
}

func TestOrchestratorRejectsBadInput(t *testing.T) {
	o := newTestOrchestrator(t, &fakeEngine{status: StatusClosed})

	tests := []struct {
		name   string
		mutate func(*Options)
		code   scanerrors.ErrorCode
	}{
		{"port out of range", func(o *Options) { o.Ports = "70000" }, scanerrors.CodePortInvalid},
		{"unknown scan type", func(o *Options) { o.ScanType = "window" }, scanerrors.CodeScanTypeInvalid},
		{"unknown detector", func(o *Options) { o.ServiceDetection = "telepathy" }, scanerrors.CodeValidation},
		{"bad target", func(o *Options) { o.Targets = "10.0.0.0/33" }, scanerrors.CodeTargetInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := fakeOptions("1-3")
			tt.mutate(&opts)
			_, err := o.Run(context.Background(), opts)
			require.Error(t, err)
			assert.True(t, scanerrors.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestOrchestratorCorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adaptive.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	learner := adaptive.NewEngine(adaptive.DefaultParams(), adaptive.NewStore(path, 0), logging.Discard())
	o := newTestOrchestrator(t, &fakeEngine{status: StatusClosed}, WithLearner(learner))

	opts := fakeOptions("1-5")
	opts.Learn = true

	result, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "adaptive store")
	assert.Equal(t, 5, result.Totals().Closed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data), "the store is rewritten after the scan")

	profile, ok := learner.Profile(netclass.LocalHost)
	require.True(t, ok)
	assert.Positive(t, profile.SampleCount)
}

func TestOrchestratorAbsorbsProbeErrors(t *testing.T) {
	engine := &fakeEngine{err: scanerrors.ErrNetworkUnreachable("127.0.0.1", nil)}
	o := newTestOrchestrator(t, engine)

	result, err := o.Run(context.Background(), fakeOptions("1-3"))
	require.NoError(t, err)
	require.Len(t, result.Hosts, 1)
	for _, p := range result.Hosts[0].Ports {
		assert.Equal(t, StatusFiltered, p.Status)
		assert.Equal(t, "network-unreachable", p.Reason)
	}
	assert.True(t, result.Hosts[0].Summary.FirewallSuspected)
}

func TestOrchestratorHelpers(t *testing.T) {
	engine := &fakeEngine{status: StatusOpen}
	var hosts []HostResult
	o := newTestOrchestrator(t, engine, WithHostCallback(func(h HostResult) { hosts = append(hosts, h) }))
	require.NoError(t, o.registry.RegisterDetector(staticDetector{name: "static"}))

	opts := fakeOptions("22")
	opts.ServiceDetection = "static"
	opts.FirewallDetection = true

	result, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Contains(t, result.Warnings, "firewall detection requires raw socket privilege; disabled")

	require.Len(t, result.Hosts, 1)
	require.Len(t, result.Hosts[0].Ports, 1)
	svc := result.Hosts[0].Ports[0].Service
	require.NotNil(t, svc)
	assert.Equal(t, "static", svc.Name)

	require.Len(t, hosts, 1)
	assert.Equal(t, result.Hosts[0].Target.Addr, hosts[0].Target.Addr)
}

func TestOrchestratorCacheReuse(t *testing.T) {
	engine := &fakeEngine{status: StatusOpen}
	o := newTestOrchestrator(t, engine, WithCache(NewResultCache(0, time.Minute)))

	_, err := o.Run(context.Background(), fakeOptions("80,443"))
	require.NoError(t, err)
	require.Equal(t, int32(2), engine.calls.Load())

	result, err := o.Run(context.Background(), fakeOptions("80,443"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), engine.calls.Load(), "cached ports are not probed again")
	for _, p := range result.Hosts[0].Ports {
		assert.Equal(t, ReasonCached, p.Reason)
		assert.Equal(t, StatusOpen, p.Status)
	}
}

func TestOrchestratorConnectScan(t *testing.T) {
	_, open := listenTCP(t)
	closed := closedTCPPort(t)

	o := newTestOrchestrator(t, nil)
	opts := DefaultOptions()
	opts.Targets = "127.0.0.1"
	opts.Ports = fmt.Sprintf("%d,%d", open, closed)
	opts.Learn = false

	result, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, result.Hosts, 1)

	status := make(map[uint16]PortStatus)
	for _, p := range result.Hosts[0].Ports {
		status[p.Port] = p.Status
	}
	assert.Equal(t, StatusOpen, status[open])
	assert.Equal(t, StatusClosed, status[closed])
	assert.False(t, result.Cancelled)
	assert.NotEmpty(t, result.ScanID)
}

// countingRawTransport answers every probe with RST|ACK and counts what it
// was asked to send. With v4Only set it refuses other address families the
// way the raw socket transport does.
type countingRawTransport struct {
	v4Only    bool
	exchanges atomic.Int32
}

func (c *countingRawTransport) Exchange(_ context.Context, p transport.Probe) (transport.Reply, error) {
	if !c.Supports(p.Dst) {
		return transport.Reply{}, scanerrors.ErrUnsupportedFamily(p.Dst.String())
	}
	c.exchanges.Add(1)
	return transport.Reply{Received: true, Flags: transport.RST | transport.ACK, RTT: time.Millisecond}, nil
}

func (c *countingRawTransport) Send(context.Context, transport.Segment) error { return nil }
func (c *countingRawTransport) Raw() bool { return true }
func (c *countingRawTransport) Close() error { return nil }

func (c *countingRawTransport) Supports(addr netip.Addr) bool {
	return !c.v4Only || addr.Unmap().Is4()
}

func TestOrchestratorHostParallelism(t *testing.T) {
	tests := []struct {
		name  string
		limit int
	}{
		{"one host at a time", 1},
		{"two hosts", 2},
		{"three hosts", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{status: StatusClosed, delay: 30 * time.Millisecond}
			o := newTestOrchestrator(t, engine, WithPoolConfig(workers.Config{Size: 32, QueueSize: 64}))

			opts := fakeOptions("1-4")
			opts.Targets = "127.0.0.1-6"
			opts.HostParallelism = tt.limit
			opts.PortParallelism = 4
			opts.HostRate = 100000

			result, err := o.Run(context.Background(), opts)
			require.NoError(t, err)
			require.Len(t, result.Hosts, 6)
			assert.Equal(t, int32(24), engine.calls.Load())
			assert.Equal(t, tt.limit, engine.concurrentHosts(),
				"at most HostParallelism distinct hosts are probed at once")
		})
	}
}

func TestOrchestratorGlobalRate(t *testing.T) {
	tests := []struct {
		name  string
		ports string
		count int
		rate  float64
		burst int
	}{
		{"single token bucket", "1-30", 30, 50, 1},
		{"burst spends first", "1-40", 40, 100, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{status: StatusClosed}
			o := newTestOrchestrator(t, engine)

			opts := fakeOptions(tt.ports)
			opts.Rate = tt.rate
			opts.Burst = tt.burst
			opts.PortParallelism = 16
			opts.HostRate = 100000

			start := time.Now()
			result, err := o.Run(context.Background(), opts)
			require.NoError(t, err)
			elapsed := time.Since(start)

			assert.Equal(t, tt.count, result.Totals().Total)
			minimum := time.Duration(float64(tt.count-tt.burst) / tt.rate * float64(time.Second))
			assert.GreaterOrEqual(t, elapsed, minimum*9/10,
				"%d probes at %.0f/s finished in %s", tt.count, tt.rate, elapsed)
		})
	}
}

func TestOrchestratorFirewallChecksShareRate(t *testing.T) {
	tr := &countingRawTransport{}
	o := newTestOrchestrator(t, nil, WithTransport(tr))

	opts := DefaultOptions()
	opts.Targets = "127.0.0.1"
	opts.Ports = "1-10"
	opts.ScanType = ScanSYN
	opts.Learn = false
	opts.PrioritizeLearned = false
	opts.FirewallDetection = true
	opts.Timeout = 50 * time.Millisecond
	opts.Rate = 100
	opts.Burst = 1
	opts.HostRate = 100000

	start := time.Now()
	result, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	elapsed := time.Since(start)

	// one SYN per port plus four firewall probes per port
	require.Equal(t, int32(50), tr.exchanges.Load())
	assert.Equal(t, 10, result.Totals().Closed)
	assert.GreaterOrEqual(t, elapsed, 440*time.Millisecond,
		"50 raw probes at 100/s finished in %s", elapsed)
}

func TestOrchestratorIPv6WithRawTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skip("IPv6 loopback unavailable")
	}
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	opts := DefaultOptions()
	opts.Targets = "127.0.0.1,::1"
	opts.Ports = fmt.Sprint(port)
	opts.ScanType = ScanSYN
	opts.Learn = false
	opts.FirewallDetection = true

	t.Run("fallback connect-scans the IPv6 host", func(t *testing.T) {
		tr := &countingRawTransport{v4Only: true}
		o := newTestOrchestrator(t, nil, WithTransport(tr))

		result, err := o.Run(context.Background(), opts)
		require.NoError(t, err)
		assert.True(t, result.Fallback)
		assert.Equal(t, ScanSYN, result.ScanType)
		assert.Contains(t, result.Warnings, "syn scan supports IPv4 targets only; 1 target(s) fell back to connect")

		require.Len(t, result.Hosts, 2)
		v4, v6 := result.Hosts[0], result.Hosts[1]
		require.True(t, v6.Target.Addr.Is6())

		require.Len(t, v4.Ports, 1)
		assert.Equal(t, ScanSYN, v4.Ports[0].ScanType)
		assert.Equal(t, StatusClosed, v4.Ports[0].Status)

		require.Len(t, v6.Ports, 1)
		assert.Equal(t, ScanConnect, v6.Ports[0].ScanType)
		assert.Equal(t, StatusOpen, v6.Ports[0].Status)

		// the IPv4 SYN plus its four firewall probes; nothing for ::1
		assert.Equal(t, int32(5), tr.exchanges.Load())
	})

	t.Run("without fallback the scan is refused", func(t *testing.T) {
		tr := &countingRawTransport{v4Only: true}
		o := newTestOrchestrator(t, nil, WithTransport(tr))

		strict := opts
		strict.FallbackToConnect = false
		_, err := o.Run(context.Background(), strict)
		require.Error(t, err)
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodePermission), "got %v", err)
		assert.Zero(t, tr.exchanges.Load(), "nothing is sent before the scan is refused")
	})
}

func TestOrchestratorRemembersHosts(t *testing.T) {
	loopback := netip.MustParseAddr("127.0.0.1")

	t.Run("complete scan is recorded", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeEngine{status: StatusOpen})
		opts := fakeOptions("21-23")
		opts.Learn = true

		_, err := o.Run(context.Background(), opts)
		require.NoError(t, err)

		h, ok := o.Learner().Host(loopback)
		require.True(t, ok)
		assert.Equal(t, netclass.LocalHost, h.Class)
		assert.Equal(t, []uint16{21, 22, 23}, h.OpenPorts)
		assert.Equal(t, uint64(1), h.Scans)
	})

	t.Run("remembered ports are probed first", func(t *testing.T) {
		engine := &fakeEngine{status: StatusClosed}
		o := newTestOrchestrator(t, engine)
		o.Learner().RecordHost(loopback, netclass.LocalHost, []uint16{7, 3}, false)

		opts := fakeOptions("1-8")
		opts.PrioritizeLearned = true
		opts.PortParallelism = 1

		_, err := o.Run(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, []uint16{3, 7, 1, 2, 4, 5, 6, 8}, engine.probeOrder())
	})

	t.Run("cancelled scan is not recorded", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		engine := &fakeEngine{status: StatusOpen}
		engine.onProbe = func(call int32) {
			if call == 2 {
				cancel()
			}
		}
		o := newTestOrchestrator(t, engine)
		opts := fakeOptions("1-50")
		opts.Learn = true
		opts.PortParallelism = 1

		result, err := o.Run(ctx, opts)
		require.NoError(t, err)
		require.True(t, result.Cancelled)
		_, ok := o.Learner().Host(loopback)
		assert.False(t, ok)
	})
}
