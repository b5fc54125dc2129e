//go:build linux

package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
)

const (
	localPortLow   = 40000
	localPortHigh  = 60000
	readBufferSize = 65535
	readPoll       = 200 * time.Millisecond
)

type pendingSlot struct {
	ch   chan Reply
	sent time.Time
}

// RawTransport crafts IPv4 TCP segments on an IP_HDRINCL socket. Sends are
// serialized; one reader goroutine per receive socket demultiplexes replies
// into pending slots.
type RawTransport struct {
	sendFD int
	sendMu sync.Mutex

	recvFDs []int

	mu       sync.Mutex
	pending  map[replyKey]*pendingSlot
	nextPort uint16

	srcMu   sync.Mutex
	sources map[netip.Addr]netip.Addr

	logger    *logging.Logger
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// HasRawAccess reports whether the process may open raw IPv4 sockets.
func HasRawAccess() bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return false
	}
	_ = unix.Close(fd)
	return true
}

// NewRawTransport opens the raw sockets and starts the reader loops.
func NewRawTransport(logger *logging.Logger) (*RawTransport, error) {
	if logger == nil {
		logger = logging.Default()
	}

	sendFD, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, scanerrors.WrapScanError(scanerrors.CodePermission, "open raw send socket", err)
	}
	if err := unix.SetsockoptInt(sendFD, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		_ = unix.Close(sendFD)
		return nil, scanerrors.WrapScanError(scanerrors.CodePermission, "enable IP_HDRINCL", err)
	}

	t := &RawTransport{
		sendFD:   sendFD,
		pending:  make(map[replyKey]*pendingSlot),
		nextPort: localPortLow + uint16(rand.IntN(localPortHigh-localPortLow)),
		sources:  make(map[netip.Addr]netip.Addr),
		logger:   logger.WithComponent("raw-transport"),
		done:     make(chan struct{}),
	}

	for _, proto := range []int{unix.IPPROTO_TCP, unix.IPPROTO_ICMP} {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, proto)
		if err != nil {
			_ = t.Close()
			return nil, scanerrors.WrapScanError(scanerrors.CodePermission, "open raw receive socket", err)
		}
		tv := unix.NsecToTimeval(readPoll.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			_ = unix.Close(fd)
			_ = t.Close()
			return nil, scanerrors.WrapScanError(scanerrors.CodePermission, "set receive timeout", err)
		}
		t.recvFDs = append(t.recvFDs, fd)
		t.wg.Add(1)
		go t.readLoop(fd)
	}
	return t, nil
}

// Raw implements PacketTransport.
func (t *RawTransport) Raw() bool { return true }

// Supports implements FamilyLimiter: segments are crafted for IPv4 only.
func (t *RawTransport) Supports(addr netip.Addr) bool { return addr.Unmap().Is4() }

// Exchange implements PacketTransport.
func (t *RawTransport) Exchange(ctx context.Context, p Probe) (Reply, error) {
	dst := p.Dst.Unmap()
	if !t.Supports(dst) {
		return Reply{}, scanerrors.ErrUnsupportedFamily(dst.String()).WithPort(p.DstPort)
	}
	src, err := t.sourceFor(dst, p.DstPort)
	if err != nil {
		return Reply{}, scanerrors.ErrNetworkUnreachable(dst.String(), err).WithPort(p.DstPort)
	}

	slot := &pendingSlot{ch: make(chan Reply, 1)}
	key := t.register(dst, p.DstPort, slot)
	defer t.unregister(key)

	seq := rand.Uint32()
	var ack uint32
	if p.Flags.Has(ACK) {
		ack = rand.Uint32()
	}
	pkt, err := buildSegment(src, dst, key.localPort, p.DstPort, seq, ack, p.Flags, uint16(rand.UintN(1<<16)))
	if err != nil {
		return Reply{}, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeScanFailed, "build segment", dst.String(), err)
	}

	slot.sent = time.Now()
	if err := t.write(dst, pkt); err != nil {
		if IsUnreachable(err) {
			return Reply{}, scanerrors.ErrNetworkUnreachable(dst.String(), err).WithPort(p.DstPort)
		}
		return Reply{}, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeScanFailed, "send segment", dst.String(), err).WithPort(p.DstPort)
	}

	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	select {
	case r := <-slot.ch:
		r.RTT = time.Since(slot.sent)
		return r, nil
	case <-timer.C:
		return Reply{LocalPort: key.localPort, RTT: time.Since(slot.sent)}, nil
	case <-ctx.Done():
		return Reply{LocalPort: key.localPort}, ctx.Err()
	case <-t.done:
		return Reply{LocalPort: key.localPort}, net.ErrClosed
	}
}

// Send implements PacketTransport.
func (t *RawTransport) Send(_ context.Context, s Segment) error {
	dst := s.Dst.Unmap()
	src, err := t.sourceFor(dst, s.DstPort)
	if err != nil {
		return scanerrors.ErrNetworkUnreachable(dst.String(), err)
	}
	pkt, err := buildSegment(src, dst, s.SrcPort, s.DstPort, s.Seq, s.Ack, s.Flags, uint16(rand.UintN(1<<16)))
	if err != nil {
		return scanerrors.WrapScanErrorWithTarget(scanerrors.CodeScanFailed, "build segment", dst.String(), err)
	}
	return t.write(dst, pkt)
}

func (t *RawTransport) write(dst netip.Addr, pkt []byte) error {
	sa := &unix.SockaddrInet4{Addr: dst.As4()}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return unix.Sendto(t.sendFD, pkt, 0, sa)
}

// sourceFor finds the local address the kernel would route dst from.
// Dialing UDP sends nothing; it only performs the route lookup.
func (t *RawTransport) sourceFor(dst netip.Addr, port uint16) (netip.Addr, error) {
	t.srcMu.Lock()
	src, ok := t.sources[dst]
	t.srcMu.Unlock()
	if ok {
		return src, nil
	}

	conn, err := net.Dial("udp4", hostPort(dst, max(port, 1)))
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	la, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, errors.New("unexpected local address type")
	}
	src = la.AddrPort().Addr().Unmap()

	t.srcMu.Lock()
	t.sources[dst] = src
	t.srcMu.Unlock()
	return src, nil
}

// register allocates a local port unique among pending probes to dst:port.
func (t *RawTransport) register(dst netip.Addr, dstPort uint16, slot *pendingSlot) replyKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.nextPort++
		if t.nextPort < localPortLow || t.nextPort >= localPortHigh {
			t.nextPort = localPortLow
		}
		key := replyKey{remote: dst, remotePort: dstPort, localPort: t.nextPort}
		if _, busy := t.pending[key]; !busy {
			t.pending[key] = slot
			return key
		}
	}
}

func (t *RawTransport) unregister(key replyKey) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

func (t *RawTransport) deliver(key replyKey, r Reply) {
	t.mu.Lock()
	slot, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case slot.ch <- r:
	default:
		// first reply wins; retransmissions are dropped
	}
}

func (t *RawTransport) readLoop(fd int) {
	defer t.wg.Done()
	buf := make([]byte, readBufferSize)
	dec := newDecoder()

	for {
		select {
		case <-t.done:
			return
		default:
		}

		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-t.done:
			default:
				t.logger.Warn("raw socket read failed", "error", err)
			}
			return
		}
		if key, reply, ok := dec.decode(buf[:n]); ok {
			t.deliver(key, reply)
		}
	}
}

// Close stops the reader loops and releases the sockets. Pending
// exchanges return net.ErrClosed.
func (t *RawTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		for _, fd := range t.recvFDs {
			_ = unix.Close(fd)
		}
		_ = unix.Close(t.sendFD)
	})
	return nil
}
