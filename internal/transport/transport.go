// Package transport abstracts how TCP probe segments reach a target.
//
// A PacketTransport is chosen once at startup: the raw-socket transport
// crafts segments itself and needs elevated privilege; the connect transport
// relies on the kernel's TCP stack and can only emulate a SYN probe with a
// full connect. The raw transport owns a single reader loop that routes
// replies to waiting probes by (remote address, remote port, local port).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/anstrom/portscope/internal/logging"
)

// Flags is a set of TCP control bits.
type Flags uint8

const (
	FIN Flags = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
)

// Has reports whether all bits of o are set in f.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// String renders flags in the usual "SYN|ACK" form.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		flag Flags
		name string
	}{{FIN, "FIN"}, {SYN, "SYN"}, {RST, "RST"}, {PSH, "PSH"}, {ACK, "ACK"}, {URG, "URG"}}
	var parts []string
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Probe asks the transport to send one segment and wait for its reply.
type Probe struct {
	Dst     netip.Addr
	DstPort uint16
	Flags   Flags
	Timeout time.Duration
}

// Reply describes what came back for a Probe. Received is false when the
// timeout expired with no matching packet.
type Reply struct {
	Received    bool
	Flags       Flags
	Unreachable bool // ICMP destination unreachable
	ICMPType    uint8
	ICMPCode    uint8
	LocalPort   uint16
	Seq         uint32
	Ack         uint32
	RTT         time.Duration
}

// Segment is a fire-and-forget TCP segment, used to tear down half-open
// connections.
type Segment struct {
	Dst     netip.Addr
	DstPort uint16
	SrcPort uint16
	Seq     uint32
	Ack     uint32
	Flags   Flags
}

//go:generate mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks

// PacketTransport sends probe segments and matches their replies.
type PacketTransport interface {
	// Exchange sends p and blocks until a matching reply arrives, the
	// probe's timeout expires or ctx is done.
	Exchange(ctx context.Context, p Probe) (Reply, error)
	// Send transmits s without waiting for a reply.
	Send(ctx context.Context, s Segment) error
	// Raw reports whether arbitrary segments can be crafted.
	Raw() bool
	Close() error
}

// FamilyLimiter is implemented by transports that can only reach some
// address families.
type FamilyLimiter interface {
	Supports(addr netip.Addr) bool
}

// Supports reports whether tr can probe addr. Transports that do not
// implement FamilyLimiter reach every family.
func Supports(tr PacketTransport, addr netip.Addr) bool {
	if fl, ok := tr.(FamilyLimiter); ok {
		return fl.Supports(addr)
	}
	return true
}

// Open selects the transport for this process: raw when the process may
// open raw sockets, connect otherwise.
func Open(logger *logging.Logger) PacketTransport {
	if logger == nil {
		logger = logging.Default()
	}
	if HasRawAccess() {
		t, err := NewRawTransport(logger)
		if err == nil {
			logger.Debug("using raw socket transport")
			return t
		}
		logger.Warn("raw socket transport unavailable, falling back to connect", "error", err)
	}
	logger.Debug("using connect transport")
	return NewConnectTransport()
}

func isErrno(err error, errno syscall.Errno) bool {
	if errors.Is(err, errno) {
		return true
	}
	var se *os.SyscallError
	if errors.As(err, &se) {
		return errors.Is(se.Err, errno)
	}
	return false
}

// IsConnRefused reports whether err means the peer actively refused,
// which for UDP is how the kernel surfaces an ICMP port-unreachable.
func IsConnRefused(err error) bool {
	return err != nil && (isErrno(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused"))
}

func isReset(err error) bool {
	return err != nil && isErrno(err, syscall.ECONNRESET)
}

// IsUnreachable reports whether err means no route to the destination.
func IsUnreachable(err error) bool {
	return err != nil && (isErrno(err, syscall.ENETUNREACH) || isErrno(err, syscall.EHOSTUNREACH))
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func hostPort(addr netip.Addr, port uint16) string {
	return netip.AddrPortFrom(addr, port).String()
}

func errUnsupported(what string) error {
	return fmt.Errorf("%s is not supported by this transport", what)
}
