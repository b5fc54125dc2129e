package transport

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	defaultTTL    = 64
	defaultWindow = 1024
	defaultMSS    = 1460
)

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// replyKey identifies the probe a reply belongs to, seen from the reply's side.
type replyKey struct {
	remote     netip.Addr
	remotePort uint16
	localPort  uint16
}

// buildSegment serializes an IPv4 header and TCP segment ready for an
// IP_HDRINCL socket.
func buildSegment(src, dst netip.Addr, srcPort, dstPort uint16, seq, ack uint32, flags Flags, ipID uint16) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, errors.New("raw segments are IPv4 only")
	}
	srcIP := src.As4()
	dstIP := dst.As4()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Id:       ipID,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP[:],
		DstIP:    dstIP[:],
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		Window:  defaultWindow,
		FIN:     flags.Has(FIN),
		SYN:     flags.Has(SYN),
		RST:     flags.Has(RST),
		PSH:     flags.Has(PSH),
		ACK:     flags.Has(ACK),
		URG:     flags.Has(URG),
	}
	if flags.Has(SYN) {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, defaultMSS)
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   mss,
		}}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, tcp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flagsOf(tcp *layers.TCP) Flags {
	var f Flags
	if tcp.FIN {
		f |= FIN
	}
	if tcp.SYN {
		f |= SYN
	}
	if tcp.RST {
		f |= RST
	}
	if tcp.PSH {
		f |= PSH
	}
	if tcp.ACK {
		f |= ACK
	}
	if tcp.URG {
		f |= URG
	}
	return f
}

// decoder parses packets read from raw IPv4 sockets. It reuses its layers
// and is therefore not safe for concurrent use.
type decoder struct {
	ip      layers.IPv4
	tcp     layers.TCP
	icmp    layers.ICMPv4
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip, &d.tcp, &d.icmp)
	d.parser.IgnoreUnsupported = true
	return d
}

// decode extracts the reply key and reply from one raw IPv4 packet. ok is
// false for packets that are not TCP replies or ICMP errors about TCP.
func (d *decoder) decode(data []byte) (replyKey, Reply, bool) {
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return replyKey{}, Reply{}, false
	}

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			src, ok := netip.AddrFromSlice(d.ip.SrcIP)
			if !ok {
				return replyKey{}, Reply{}, false
			}
			key := replyKey{remote: src.Unmap(), remotePort: uint16(d.tcp.SrcPort), localPort: uint16(d.tcp.DstPort)}
			return key, Reply{
				Received:  true,
				Flags:     flagsOf(&d.tcp),
				LocalPort: uint16(d.tcp.DstPort),
				Seq:       d.tcp.Seq,
				Ack:       d.tcp.Ack,
			}, true
		case layers.LayerTypeICMPv4:
			if d.icmp.TypeCode.Type() != layers.ICMPv4TypeDestinationUnreachable {
				return replyKey{}, Reply{}, false
			}
			key, ok := quotedTCPKey(d.icmp.Payload)
			if !ok {
				return replyKey{}, Reply{}, false
			}
			return key, Reply{
				Received:    true,
				Unreachable: true,
				ICMPType:    d.icmp.TypeCode.Type(),
				ICMPCode:    d.icmp.TypeCode.Code(),
				LocalPort:   key.localPort,
			}, true
		}
	}
	return replyKey{}, Reply{}, false
}

// quotedTCPKey reads the original IPv4 header and first eight TCP bytes an
// ICMP error quotes, returning the key the TCP reply would have used.
func quotedTCPKey(quote []byte) (replyKey, bool) {
	if len(quote) < 20 {
		return replyKey{}, false
	}
	ihl := int(quote[0]&0x0f) * 4
	if quote[0]>>4 != 4 || ihl < 20 || len(quote) < ihl+4 || quote[9] != byte(layers.IPProtocolTCP) {
		return replyKey{}, false
	}
	dst := netip.AddrFrom4([4]byte(quote[16:20]))
	return replyKey{
		remote:     dst,
		remotePort: binary.BigEndian.Uint16(quote[ihl+2 : ihl+4]),
		localPort:  binary.BigEndian.Uint16(quote[ihl : ihl+2]),
	}, true
}
