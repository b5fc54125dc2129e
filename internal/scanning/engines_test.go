package scanning

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/netclass"
	"github.com/anstrom/portscope/internal/targets"
	"github.com/anstrom/portscope/internal/transport"
	"github.com/anstrom/portscope/internal/transport/mocks"
)

var loopback = targets.Target{Addr: netip.MustParseAddr("127.0.0.1"), Class: netclass.LocalHost}

func listenTCP(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return l, uint16(l.Addr().(*net.TCPAddr).Port)
}

func closedTCPPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())
	return port
}

func isListening(port uint16) bool {
	conn, err := net.DialTimeout("tcp", netip.AddrPortFrom(loopback.Addr, port).String(), 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func TestConnectEngine(t *testing.T) {
	engine := NewConnectEngine()
	assert.Equal(t, ScanConnect, engine.Type())

	t.Run("listening port is open", func(t *testing.T) {
		_, port := listenTCP(t)
		res, err := engine.Probe(context.Background(), loopback, port, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, res.Status)
		assert.Equal(t, ReasonSynAck, res.Reason)
		assert.Equal(t, "tcp", res.Protocol)
		assert.Equal(t, port, res.Port)
	})

	t.Run("refused port is closed", func(t *testing.T) {
		res, err := engine.Probe(context.Background(), loopback, closedTCPPort(t), time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, res.Status)
		assert.Equal(t, ReasonConnRefused, res.Reason)
	})

	t.Run("80 and 443 on loopback with nothing listening", func(t *testing.T) {
		for _, port := range []uint16{80, 443} {
			if isListening(port) {
				t.Skipf("port %d has a listener on this machine", port)
			}
		}
		for _, port := range []uint16{80, 443} {
			res, err := engine.Probe(context.Background(), loopback, port, time.Second)
			require.NoError(t, err)
			assert.Equal(t, StatusClosed, res.Status, "port %d", port)
		}
	})
}

func TestSYNEngine(t *testing.T) {
	target := targets.Target{Addr: netip.MustParseAddr("192.0.2.10"), Class: netclass.Internet}

	t.Run("SYN-ACK is open and torn down with RST only", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tr := mocks.NewMockPacketTransport(ctrl)
		tr.EXPECT().Raw().Return(true).AnyTimes()
		tr.EXPECT().Exchange(gomock.Any(), transport.Probe{
			Dst: target.Addr, DstPort: 443, Flags: transport.SYN, Timeout: time.Second,
		}).Return(transport.Reply{
			Received:  true,
			Flags:     transport.SYN | transport.ACK,
			LocalPort: 40001,
			Seq:       7000,
			Ack:       1001,
			RTT:       3 * time.Millisecond,
		}, nil)
		tr.EXPECT().Send(gomock.Any(), transport.Segment{
			Dst: target.Addr, DstPort: 443, SrcPort: 40001, Seq: 1001, Flags: transport.RST,
		}).Return(nil).Times(1)

		res, err := NewSYNEngine(tr).Probe(context.Background(), target, 443, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, res.Status)
		assert.Equal(t, 3*time.Millisecond, res.Latency)
	})

	tests := []struct {
		name   string
		reply  transport.Reply
		status PortStatus
		reason string
	}{
		{"RST is closed", transport.Reply{Received: true, Flags: transport.RST | transport.ACK}, StatusClosed, ReasonReset},
		{"silence is filtered", transport.Reply{}, StatusFiltered, ReasonNoResponse},
		{"ICMP unreachable is filtered", transport.Reply{Received: true, Unreachable: true, ICMPType: 3, ICMPCode: 13}, StatusFiltered, ReasonICMPUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			tr := mocks.NewMockPacketTransport(ctrl)
			tr.EXPECT().Raw().Return(true).AnyTimes()
			tr.EXPECT().Exchange(gomock.Any(), gomock.Any()).Return(tt.reply, nil)

			res, err := NewSYNEngine(tr).Probe(context.Background(), target, 22, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}

	t.Run("unexpected flags are an invalid response", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tr := mocks.NewMockPacketTransport(ctrl)
		tr.EXPECT().Raw().Return(true).AnyTimes()
		tr.EXPECT().Exchange(gomock.Any(), gomock.Any()).
			Return(transport.Reply{Received: true, Flags: transport.ACK}, nil)

		_, err := NewSYNEngine(tr).Probe(context.Background(), target, 22, time.Second)
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodeInvalidResponse))
	})

	t.Run("requires a raw transport", func(t *testing.T) {
		_, err := NewSYNEngine(transport.NewConnectTransport()).Probe(context.Background(), target, 22, time.Second)
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodePermission))
	})

	t.Run("transport errors propagate", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tr := mocks.NewMockPacketTransport(ctrl)
		tr.EXPECT().Raw().Return(true).AnyTimes()
		tr.EXPECT().Exchange(gomock.Any(), gomock.Any()).
			Return(transport.Reply{}, scanerrors.ErrNetworkUnreachable(target.Addr.String(), nil))

		_, err := NewSYNEngine(tr).Probe(context.Background(), target, 22, time.Second)
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodeNetworkUnreachable))
	})
}

func TestStealthEngines(t *testing.T) {
	target := targets.Target{Addr: netip.MustParseAddr("192.0.2.20"), Class: netclass.Internet}

	flags := map[ScanType]transport.Flags{
		ScanFIN:  transport.FIN,
		ScanXMAS: transport.FIN | transport.PSH | transport.URG,
		ScanNULL: 0,
	}
	replies := []struct {
		name   string
		reply  transport.Reply
		status PortStatus
	}{
		{"silence", transport.Reply{}, StatusOpenFiltered},
		{"reset", transport.Reply{Received: true, Flags: transport.RST | transport.ACK}, StatusClosed},
		{"unreachable", transport.Reply{Received: true, Unreachable: true}, StatusFiltered},
	}

	for scanType, want := range flags {
		for _, rr := range replies {
			t.Run(string(scanType)+"/"+rr.name, func(t *testing.T) {
				ctrl := gomock.NewController(t)
				tr := mocks.NewMockPacketTransport(ctrl)
				tr.EXPECT().Raw().Return(true).AnyTimes()
				tr.EXPECT().Exchange(gomock.Any(), gomock.Any()).
					DoAndReturn(func(_ context.Context, p transport.Probe) (transport.Reply, error) {
						assert.Equal(t, want, p.Flags)
						return rr.reply, nil
					})

				engine := NewStealthEngine(scanType, tr)
				assert.Equal(t, scanType, engine.Type())
				res, err := engine.Probe(context.Background(), target, 8080, 500*time.Millisecond)
				require.NoError(t, err)
				assert.Equal(t, rr.status, res.Status)
			})
		}
	}

	t.Run("SYN|ACK is not a valid stealth reply", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tr := mocks.NewMockPacketTransport(ctrl)
		tr.EXPECT().Raw().Return(true).AnyTimes()
		tr.EXPECT().Exchange(gomock.Any(), gomock.Any()).
			Return(transport.Reply{Received: true, Flags: transport.SYN | transport.ACK}, nil)

		_, err := NewStealthEngine(ScanFIN, tr).Probe(context.Background(), target, 80, time.Second)
		assert.True(t, scanerrors.IsCode(err, scanerrors.CodeInvalidResponse))
	})
}

func TestUDPEngine(t *testing.T) {
	engine := NewUDPEngine(nil)
	assert.Equal(t, ScanUDP, engine.Type())

	t.Run("reply is open", func(t *testing.T) {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = pc.Close() })
		go func() {
			buf := make([]byte, 512)
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(buf[:n], addr)
		}()

		port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
		res, err := engine.Probe(context.Background(), loopback, port, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, res.Status)
		assert.Equal(t, ReasonUDPResponse, res.Reason)
		assert.Equal(t, "udp", res.Protocol)
	})

	t.Run("port unreachable is closed", func(t *testing.T) {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
		require.NoError(t, pc.Close())

		res, err := engine.Probe(context.Background(), loopback, port, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, res.Status)
		assert.Equal(t, ReasonPortUnreachable, res.Reason)
	})

	t.Run("silence is open|filtered", func(t *testing.T) {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = pc.Close() })

		port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
		res, err := engine.Probe(context.Background(), loopback, port, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, StatusOpenFiltered, res.Status)
		assert.Equal(t, ReasonNoResponse, res.Reason)
	})
}
