package scanning

import (
	"io"
	"log"
	"strings"
	"sync"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
)

const (
	sysDescrOID   = ".1.3.6.1.2.1.1.1.0"
	ntpPacketSize = 48
	// ntpClientHeader is LI=0, VN=3, Mode=3 (client).
	ntpClientHeader = 0x1b
)

// Payload is what the UDP engine sends to one port. Decode, when set, turns
// a reply into a service hint.
type Payload struct {
	Name   string
	Build  func() ([]byte, error)
	Decode func(reply []byte) *ServiceInfo
}

// PayloadCatalog maps UDP ports to protocol-specific probes. Services that
// ignore malformed datagrams only answer a well-formed request, so a
// protocol payload turns many open|filtered results into open.
type PayloadCatalog struct {
	mu       sync.RWMutex
	payloads map[uint16]Payload
	fallback Payload
}

// DefaultPayloads returns the built-in catalogue: DNS, NTP and SNMP, with a
// single zero byte for every other port.
func DefaultPayloads() *PayloadCatalog {
	c := &PayloadCatalog{
		payloads: make(map[uint16]Payload),
		fallback: Payload{Name: "empty", Build: func() ([]byte, error) { return []byte{0}, nil }},
	}
	c.Register(53, Payload{Name: "dns", Build: dnsVersionQuery, Decode: decodeDNSReply})
	c.Register(123, Payload{Name: "ntp", Build: ntpClientRequest, Decode: decodeNTPReply})
	c.Register(161, Payload{Name: "snmp", Build: snmpSysDescrRequest, Decode: decodeSNMPReply})
	return c
}

// Register sets the payload for port, replacing any previous one.
func (c *PayloadCatalog) Register(port uint16, p Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads[port] = p
}

// For returns the payload sent to port.
func (c *PayloadCatalog) For(port uint16) Payload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.payloads[port]; ok {
		return p
	}
	return c.fallback
}

// dnsVersionQuery asks for version.bind in the CHAOS class, which most
// resolvers answer even when they refuse recursion.
func dnsVersionQuery() ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion("version.bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS
	m.RecursionDesired = false
	return m.Pack()
}

func decodeDNSReply(reply []byte) *ServiceInfo {
	m := new(dns.Msg)
	if err := m.Unpack(reply); err != nil || !m.Response {
		return nil
	}
	info := &ServiceInfo{Name: "dns", Confidence: 0.9, Detector: "udp-payload"}
	for _, rr := range m.Answer {
		if txt, ok := rr.(*dns.TXT); ok && len(txt.Txt) > 0 {
			info.Version = strings.Join(txt.Txt, " ")
			break
		}
	}
	return info
}

func ntpClientRequest() ([]byte, error) {
	pkt := make([]byte, ntpPacketSize)
	pkt[0] = ntpClientHeader
	return pkt, nil
}

func decodeNTPReply(reply []byte) *ServiceInfo {
	// mode 4 is a server reply
	if len(reply) < ntpPacketSize || reply[0]&0x07 != 4 {
		return nil
	}
	return &ServiceInfo{Name: "ntp", Confidence: 0.9, Detector: "udp-payload"}
}

var snmpLogger = gosnmp.NewLogger(log.New(io.Discard, "", 0))

// snmpSysDescrRequest is an SNMPv2c GET for sysDescr with the "public"
// community.
func snmpSysDescrRequest() ([]byte, error) {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		PDUType:   gosnmp.GetRequest,
		RequestID: 1,
		Variables: []gosnmp.SnmpPDU{{Name: sysDescrOID, Type: gosnmp.Null}},
		Logger:    snmpLogger,
	}
	return pkt.MarshalMsg()
}

func decodeSNMPReply(reply []byte) *ServiceInfo {
	decoder := &gosnmp.GoSNMP{Version: gosnmp.Version2c, Logger: snmpLogger}
	pkt, err := decoder.SnmpDecodePacket(reply)
	if err != nil || pkt.PDUType != gosnmp.GetResponse {
		return nil
	}
	info := &ServiceInfo{Name: "snmp", Confidence: 0.9, Detector: "udp-payload"}
	for _, v := range pkt.Variables {
		if b, ok := v.Value.([]byte); ok {
			info.Version = strings.TrimSpace(string(b))
			break
		}
	}
	return info
}
