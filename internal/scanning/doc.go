// Package scanning implements port scanning for portscope: the per-technique
// probe engines, the orchestrator that schedules them, and the aggregator
// that turns probe outcomes into host reports.
//
// # Techniques
//
// Every technique implements Engine and maps a reply to a PortStatus:
//
//	technique       open              closed            no reply
//	connect         handshake         refused           filtered
//	syn             SYN|ACK (+RST)    RST               filtered
//	udp             any datagram      ICMP unreachable  open|filtered
//	fin/xmas/null   -                 RST               open|filtered
//
// SYN, FIN, XMAS and NULL craft their own segments and need a raw
// transport (see package transport). When only the connect transport is
// available, Orchestrator either falls back to connect scanning or refuses
// to start, depending on Options.FallbackToConnect.
//
// open|filtered is a real outcome, not a failure: silence to a UDP or
// inverse-mapping probe cannot tell an open port from a dropped packet.
//
// # Scheduling
//
// Orchestrator.Run bounds concurrency at two levels. A ResourceManager
// limits how many hosts are scanned at once; within a host a weighted
// semaphore limits in-flight ports. Parallelism, timeout and per-host rate
// come from the adaptive engine for the host's network class unless the
// caller overrides them. All probes share one worker pool whose token
// bucket caps the global probe rate.
//
// Cancelling the context passed to Run stops new dispatches. Probes already
// handed to a worker finish normally; queued ones are counted as cancelled
// in the host summary and produce no PortResult.
//
// # Extension
//
// Registry maps technique and service detector names to implementations.
// NewRegistry installs the built-in set; RegisterEngine and
// RegisterDetector add others.
//
// # Example
//
//	orch := scanning.NewOrchestrator(
//		scanning.WithTransport(transport.Open(logger)),
//		scanning.WithLearner(engine),
//	)
//	opts := scanning.DefaultOptions()
//	opts.Targets = "192.168.1.0/24"
//	opts.Ports = "web"
//	result, err := orch.Run(ctx, opts)
package scanning
