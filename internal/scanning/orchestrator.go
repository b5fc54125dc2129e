package scanning

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/anstrom/portscope/internal/adaptive"
	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/netclass"
	"github.com/anstrom/portscope/internal/ports"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
	"github.com/anstrom/portscope/internal/workers"
)

const (
	defaultHostParallelism = 10
	suggestedPortCount     = 32
	jobTypeProbe           = "probe"
)

// Orchestrator runs scans: it expands targets, schedules one task per
// (target, port) on a shared worker pool, feeds outcomes back into the
// learning engine and aggregates the results.
type Orchestrator struct {
	registry      *Registry
	transport     transport.PacketTransport
	enumerator    *targets.Enumerator
	learner       *adaptive.Engine
	cache         *ResultCache
	prom          *metrics.PrometheusMetrics
	stats         metrics.MetricsRegistry
	poolConfig    workers.Config
	flushInterval time.Duration
	onHost        func(HostResult)
	logger        *logging.Logger
	newID         func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry sets the engine and detector registry.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithTransport sets the packet transport raw techniques run on.
func WithTransport(tr transport.PacketTransport) Option {
	return func(o *Orchestrator) { o.transport = tr }
}

// WithEnumerator sets the target enumerator.
func WithEnumerator(e *targets.Enumerator) Option {
	return func(o *Orchestrator) { o.enumerator = e }
}

// WithLearner sets the learning engine. The orchestrator loads it at scan
// start and flushes it at scan end.
func WithLearner(e *adaptive.Engine) Option {
	return func(o *Orchestrator) { o.learner = e }
}

// WithCache enables result reuse across scans.
func WithCache(c *ResultCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithPrometheus reports probe and host activity to pm.
func WithPrometheus(pm *metrics.PrometheusMetrics) Option {
	return func(o *Orchestrator) { o.prom = pm }
}

// WithMetrics sets the in-process registry shared with the worker pool.
func WithMetrics(r metrics.MetricsRegistry) Option {
	return func(o *Orchestrator) { o.stats = r }
}

// WithPoolConfig sizes the worker pool. Rate and Burst come from the scan
// options.
func WithPoolConfig(c workers.Config) Option {
	return func(o *Orchestrator) { o.poolConfig = c }
}

// WithFlushInterval makes the learning engine flush periodically during a
// scan. Zero flushes only at the end.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.flushInterval = d }
}

// WithHostCallback is called with each host's report once it is final.
func WithHostCallback(fn func(HostResult)) Option {
	return func(o *Orchestrator) { o.onHost = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator returns an orchestrator. Without options it connect-scans
// with the system resolver and learns in memory only.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		poolConfig: workers.DefaultConfig(),
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}
	o.logger = o.logger.WithComponent("orchestrator")
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.transport == nil {
		o.transport = transport.NewConnectTransport()
	}
	if o.enumerator == nil {
		o.enumerator = targets.NewEnumerator(targets.NewSystemResolver())
	}
	if o.learner == nil {
		o.learner = adaptive.NewEngine(adaptive.DefaultParams(), nil, o.logger)
	}
	if o.stats == nil {
		o.stats = metrics.Default()
	}
	return o
}

// Learner returns the learning engine the orchestrator feeds.
func (o *Orchestrator) Learner() *adaptive.Engine { return o.learner }

// scanRun is the state shared by every task of one Run.
type scanRun struct {
	id          string
	opts        Options
	engine      Engine
	fallback    Engine              // connect engine for connectOnly hosts
	connectOnly map[netip.Addr]bool // targets the transport cannot craft packets for
	firewall    *FirewallDetector
	detector    ServiceDetector
	ports       []uint16
	pool        *workers.Pool
	agg         *Aggregator
	logger      *logging.Logger
	warningMu   sync.Mutex
	warnings    []string
}

// engineFor returns the engine that probes t.
func (r *scanRun) engineFor(t targets.Target) Engine {
	if r.connectOnly[t.Addr] {
		return r.fallback
	}
	return r.engine
}

func (r *scanRun) warn(msg string) {
	r.warningMu.Lock()
	r.warnings = append(r.warnings, msg)
	r.warningMu.Unlock()
}

// Run executes one scan. Only invalid input and a missing privilege without
// fallback fail the call; every per-probe failure ends up in the result.
// Cancelling ctx stops new dispatches; the partial result is returned with
// Cancelled set and no error.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*ScanResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	portList, err := ports.Parse(opts.Ports)
	if err != nil {
		return nil, err
	}

	run := &scanRun{id: o.newID(), opts: opts, ports: portList, agg: NewAggregator()}
	run.logger = o.logger.WithScanID(run.id)

	scanType, err := o.selectScanType(run)
	if err != nil {
		return nil, err
	}
	if run.engine, err = o.registry.Engine(scanType, o.transport); err != nil {
		return nil, err
	}
	if err := o.selectHelpers(run); err != nil {
		return nil, err
	}

	list, warnings, err := o.enumerator.Expand(ctx, opts.Targets)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		run.warn(w.Error())
	}
	if err := o.planFamilies(run, scanType, list); err != nil {
		return nil, err
	}

	result := NewScanResult(run.id, scanType)
	result.Fallback = scanType != opts.ScanType || len(run.connectOnly) > 0

	if opts.Learn {
		if err := o.learner.Load(); err != nil {
			run.warn(fmt.Sprintf("adaptive store unusable, using defaults: %v", err))
		}
		if o.flushInterval > 0 {
			f, err := adaptive.NewFlusher(o.learner, o.flushInterval, o.logger)
			if err != nil {
				run.logger.Warn("Periodic adaptive flush disabled", "error", err)
			} else {
				f.OnError(o.recordFlush)
				f.Start()
				defer f.Stop()
			}
		}
	}

	poolCfg := o.poolConfig
	poolCfg.Rate = opts.Rate
	poolCfg.Burst = opts.Burst
	poolCfg.MaxRetries = 0
	run.pool = workers.New(poolCfg, workers.WithMetrics(o.stats), workers.WithLogger(o.logger))
	run.pool.Start(ctx)
	if run.firewall != nil {
		run.firewall.SetMeter(run.pool.Reserve)
	}

	run.logger.Info("Starting scan",
		"scan_type", scanType,
		"targets", len(list),
		"ports", len(portList),
		"fallback", result.Fallback)

	o.scanHosts(ctx, run, list)

	if err := run.pool.Shutdown(); err != nil {
		run.logger.Warn("Worker pool shutdown incomplete", "error", err)
	}

	if opts.Learn {
		err := o.learner.Flush()
		o.recordFlush(err)
		if err != nil {
			run.warn(fmt.Sprintf("failed to persist adaptive store: %v", err))
		}
	}

	result.Hosts = run.agg.Results()
	result.Warnings = run.warnings
	result.Cancelled = ctx.Err() != nil
	result.Complete()

	totals := result.Totals()
	run.logger.Info("Scan finished",
		"hosts", len(result.Hosts),
		"open", totals.Open,
		"cancelled_tasks", totals.Cancelled,
		"dispatched", run.pool.Dispatched(),
		"duration", result.Duration)
	return result, nil
}

// selectScanType applies the privilege check. A raw technique without a raw
// transport either falls back to connect or fails.
func (o *Orchestrator) selectScanType(run *scanRun) (ScanType, error) {
	t := run.opts.ScanType
	if !t.RequiresRaw() || o.transport.Raw() {
		return t, nil
	}
	if !run.opts.FallbackToConnect {
		return "", scanerrors.ErrPermissionDenied(string(t))
	}
	run.logger.Warn("Raw sockets unavailable, falling back to connect scan", "scan_type", t)
	run.warn(fmt.Sprintf("%s scan requires raw socket privilege; fell back to connect", t))
	return ScanConnect, nil
}

// planFamilies handles targets the raw transport cannot reach (IPv6 on the
// IPv4-only raw socket). They are connect-scanned when fallback is allowed;
// otherwise the scan is refused before anything is sent.
func (o *Orchestrator) planFamilies(run *scanRun, scanType ScanType, list []targets.Target) error {
	if !scanType.RequiresRaw() {
		return nil
	}
	var unsupported []netip.Addr
	for _, t := range list {
		if !transport.Supports(o.transport, t.Addr) {
			unsupported = append(unsupported, t.Addr)
		}
	}
	if len(unsupported) == 0 {
		return nil
	}
	if !run.opts.FallbackToConnect {
		return scanerrors.ErrUnsupportedFamily(unsupported[0].String()).WithOperation(string(scanType))
	}

	fallback, err := o.registry.Engine(ScanConnect, o.transport)
	if err != nil {
		return err
	}
	run.fallback = fallback
	run.connectOnly = make(map[netip.Addr]bool, len(unsupported))
	for _, addr := range unsupported {
		run.connectOnly[addr] = true
	}
	run.logger.Warn("Raw transport cannot reach some targets, connect-scanning them",
		"scan_type", scanType, "targets", len(unsupported))
	run.warn(fmt.Sprintf("%s scan supports IPv4 targets only; %d target(s) fell back to connect",
		scanType, len(unsupported)))
	return nil
}

func (o *Orchestrator) selectHelpers(run *scanRun) error {
	if run.opts.FirewallDetection {
		if o.transport.Raw() {
			run.firewall = NewFirewallDetector(o.transport)
		} else {
			run.warn("firewall detection requires raw socket privilege; disabled")
		}
	}

	name := strings.ToLower(strings.TrimSpace(run.opts.ServiceDetection))
	if name == "" || name == "none" {
		return nil
	}
	d, ok := o.registry.Detector(name)
	if !ok {
		return scanerrors.NewScanError(scanerrors.CodeValidation,
			fmt.Sprintf("unknown service detector %q", run.opts.ServiceDetection))
	}
	run.detector = d
	return nil
}

// scanHosts is the outer concurrency bound: at most HostParallelism hosts
// hold a slot at once.
func (o *Orchestrator) scanHosts(ctx context.Context, run *scanRun, list []targets.Target) {
	limit := run.opts.HostParallelism
	if limit <= 0 {
		limit = defaultHostParallelism
	}
	slots := NewFixedResourceManager(limit)
	defer func() { _ = slots.Close() }()

	var wg sync.WaitGroup
	for i, t := range list {
		if err := slots.Acquire(ctx, t.Addr.String()); err != nil {
			for _, rest := range list[i:] {
				run.agg.MarkCancelled(rest, len(run.ports))
				o.stats.Add(metrics.MetricTasksCancelled, float64(len(run.ports)), nil)
			}
			break
		}
		wg.Add(1)
		go func(t targets.Target) {
			defer wg.Done()
			defer slots.Release(t.Addr.String())
			o.scanHost(ctx, run, t)
		}(t)
	}
	wg.Wait()
}

// scanHost is the inner bound: a weighted semaphore sized by the learned (or
// overridden) parallelism, read once at host start, plus a per-host pacing
// limiter. Each admitted port becomes a job on the shared pool.
func (o *Orchestrator) scanHost(ctx context.Context, run *scanRun, t targets.Target) {
	if t.Class == "" {
		t.Class = netclass.Classify(t.Addr)
	}
	start := time.Now()
	run.agg.StartHost(t)
	o.hostGauge(1)
	defer o.hostGauge(-1)

	rec := o.learner.Recommend(t.Class)
	parallelism := rec.Parallelism
	if run.opts.PortParallelism > 0 {
		parallelism = run.opts.PortParallelism
	}
	sem := semaphore.NewWeighted(int64(parallelism))
	pace := rate.NewLimiter(rate.Limit(o.hostRate(run, rec)), 1)
	if o.prom != nil {
		o.prom.SetRecommendation(string(t.Class), rec.Timeout, rec.Parallelism)
	}

	engine := run.engineFor(t)
	order := run.ports
	if run.opts.PrioritizeLearned {
		// ports this host had open last time, then what its class tends to have open
		preferred := o.learner.SuggestedPorts(t.Class, suggestedPortCount)
		if h, ok := o.learner.Host(t.Addr); ok {
			preferred = append(h.OpenPorts, preferred...)
		}
		order = ports.Prioritize(run.ports, preferred)
	}

	var wg sync.WaitGroup
	for i, port := range order {
		if r, ok := o.cached(t, port, engine.Type()); ok {
			run.agg.Merge(t, r)
			continue
		}

		if err := o.admit(ctx, pace, sem); err != nil {
			o.cancelRemaining(run, t, len(order)-i)
			break
		}

		// timeout and rate are re-read per task so that learning during
		// the scan takes effect
		rec = o.learner.Recommend(t.Class)
		pace.SetLimit(rate.Limit(o.hostRate(run, rec)))
		timeout := rec.Timeout
		if run.opts.Timeout > 0 {
			timeout = run.opts.Timeout
		}

		job := &probeJob{o: o, run: run, engine: engine, target: t, port: port, timeout: timeout}
		job.done = func() {
			sem.Release(1)
			wg.Done()
		}
		wg.Add(1)
		if err := run.pool.Submit(ctx, job); err != nil {
			job.done()
			o.cancelRemaining(run, t, len(order)-i)
			break
		}
	}
	wg.Wait()
	run.agg.FinishHost(t)

	outcome := "completed"
	if ctx.Err() != nil {
		outcome = "cancelled"
	}
	o.stats.Counter(metrics.MetricHostsScanned, metrics.Labels{
		metrics.LabelClass:  string(t.Class),
		metrics.LabelStatus: outcome,
	})
	if o.prom != nil {
		o.prom.RecordHost(string(t.Class), outcome, time.Since(start))
	}
	h, ok := run.agg.Host(t.Addr)
	if !ok {
		return
	}
	if run.opts.Learn && ctx.Err() == nil && h.Summary.Cancelled == 0 {
		o.learner.RecordHost(t.Addr, t.Class, h.OpenPorts(), h.Summary.FirewallSuspected)
	}
	if o.onHost != nil {
		o.onHost(h)
	}
}

// admit waits for a pacing token and then a port slot.
func (o *Orchestrator) admit(ctx context.Context, pace *rate.Limiter, sem *semaphore.Weighted) error {
	if err := pace.Wait(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sem.Acquire(ctx, 1)
}

func (o *Orchestrator) hostRate(run *scanRun, rec adaptive.Recommendation) float64 {
	if run.opts.HostRate > 0 {
		return run.opts.HostRate
	}
	return rec.Rate
}

func (o *Orchestrator) cached(t targets.Target, port uint16, st ScanType) (PortResult, bool) {
	if o.cache == nil {
		return PortResult{}, false
	}
	r, ok := o.cache.Get(t.Addr, port, st)
	if ok {
		o.stats.Counter(metrics.MetricCacheHits, metrics.Labels{metrics.LabelScanType: string(st)})
	}
	return r, ok
}

func (o *Orchestrator) cancelRemaining(run *scanRun, t targets.Target, n int) {
	if n <= 0 {
		return
	}
	run.agg.MarkCancelled(t, n)
	o.stats.Add(metrics.MetricTasksCancelled, float64(n), nil)
}

func (o *Orchestrator) hostGauge(delta int) {
	if o.prom != nil {
		o.prom.AddActiveHosts(delta)
	}
}

func (o *Orchestrator) recordFlush(err error) {
	metrics.RecordStoreFlushOn(o.stats, err)
	if o.prom != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		o.prom.IncrementStoreFlushes(status)
	}
}

// complete finalizes one probe outcome: learning feedback, optional firewall
// and service checks, caching and aggregation.
func (o *Orchestrator) complete(ctx context.Context, run *scanRun, engine Engine, t targets.Target, port uint16, timeout time.Duration, res PortResult, probeErr error) {
	st := engine.Type()
	res.Port = port
	res.ScanType = st
	if res.Protocol == "" {
		res.Protocol = st.Protocol()
	}

	if probeErr != nil {
		code := scanerrors.GetCode(probeErr)
		res.Status = StatusFiltered
		res.Reason = strings.ReplaceAll(strings.ToLower(string(code)), "_", "-")
		run.logger.DebugProbe("Probe failed", t.Addr.String(), port, "error", probeErr)
		o.stats.Counter(metrics.MetricProbeErrors, metrics.Labels{
			metrics.LabelScanType: string(st),
			metrics.LabelCode:     string(code),
		})
		if o.prom != nil {
			o.prom.IncrementProbeErrors(string(st), string(code))
		}
	}

	succeeded := probeErr == nil && res.Status.Definitive()
	if run.opts.Learn {
		o.learner.Update(t.Class, res.Latency, succeeded)
		if probeErr == nil {
			o.learner.RecordPort(t.Class, port, res.Latency, res.Status == StatusOpen)
		}
		o.stats.Counter(metrics.MetricLearningUpdates, metrics.Labels{metrics.LabelClass: string(t.Class)})
		if o.prom != nil {
			o.prom.RecordLearningUpdate(string(t.Class), succeeded)
		}
	}

	if run.firewall != nil && !run.connectOnly[t.Addr] {
		verdict, err := run.firewall.Check(ctx, t, port, timeout)
		if err != nil {
			run.logger.DebugProbe("Firewall check failed", t.Addr.String(), port, "error", err)
		} else {
			res.FirewallSuspected = verdict.Suspected
		}
	}

	if run.detector != nil && res.Status == StatusOpen && res.Service == nil {
		// the detector opens its own connection, which counts against the
		// global rate like any other probe
		if err := run.pool.Reserve(ctx, 1); err == nil {
			info, err := run.detector.Detect(ctx, t, port, timeout)
			if err != nil {
				run.logger.DebugProbe("Service detection failed", t.Addr.String(), port,
					"detector", run.detector.Name(), "error", err)
			}
			res.Service = info
		}
	}

	res.CompletedAt = time.Now()
	if o.cache != nil && probeErr == nil {
		o.cache.Put(t.Addr, res)
	}
	run.agg.Merge(t, res)

	metrics.RecordProbeOn(o.stats, string(st), string(t.Class), string(res.Status), res.Latency)
	if o.prom != nil {
		o.prom.RecordProbe(string(st), string(t.Class), string(res.Status), res.Latency)
	}
}

// probeJob runs one task on the worker pool.
type probeJob struct {
	o       *Orchestrator
	run     *scanRun
	engine  Engine
	target  targets.Target
	port    uint16
	timeout time.Duration
	done    func()
}

// Execute implements workers.Job.
func (j *probeJob) Execute(ctx context.Context) error {
	defer j.done()
	if j.o.prom != nil {
		j.o.prom.AddActiveProbes(1)
		defer j.o.prom.AddActiveProbes(-1)
	}
	res, err := j.engine.Probe(ctx, j.target, j.port, j.timeout)
	j.o.complete(ctx, j.run, j.engine, j.target, j.port, j.timeout, res, err)
	return err
}

// Skip implements workers.Skipper: the task was queued but the scan was
// cancelled before dispatch.
func (j *probeJob) Skip(error) {
	defer j.done()
	j.o.cancelRemaining(j.run, j.target, 1)
}

// ID implements workers.Job.
func (j *probeJob) ID() string {
	return fmt.Sprintf("%s/%s:%d", j.engine.Type(), j.target.Addr, j.port)
}

// Type implements workers.Job.
func (j *probeJob) Type() string { return jobTypeProbe }
