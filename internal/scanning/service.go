package scanning

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/targets"
)

// ServiceDetector identifies the service behind an open port. It is only
// called after a port has been classified open and never changes its status.
type ServiceDetector interface {
	Name() string
	Detect(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (*ServiceInfo, error)
}

const (
	bannerReadSize       = 1024
	probeConfidence      = 0.9
	detectorBanner       = "banner"
	detectorNmap         = "nmap"
	defaultDetectTimeout = 3 * time.Second
)

var (
	httpServerRe = regexp.MustCompile(`Server: ([^\r\n]+)`)
	sshVersionRe = regexp.MustCompile(`SSH-([0-9.]+[^\r\n]*)`)
	greetingRe   = regexp.MustCompile(`220[- ]([^\r\n]+)`)
	mysqlRe      = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+[^\x00]*)`)
	redisRe      = regexp.MustCompile(`redis_version:([^\r\n]+)`)
	popRe        = regexp.MustCompile(`\+OK ([^\r\n]+)`)
	imapRe       = regexp.MustCompile(`\* OK ([^\r\n]+)`)
)

var httpRequest = []byte("GET / HTTP/1.1\r\nHost: target\r\nUser-Agent: portscope\r\nConnection: close\r\n\r\n")

// serviceProbe is a request sent to a well-known port and the bytes a
// matching reply contains.
type serviceProbe struct {
	name    string
	tls     bool // handshake before sending
	send    []byte
	expect  []byte
	version *regexp.Regexp
}

var defaultServiceProbes = map[uint16][]serviceProbe{
	21:   {{name: "ftp", expect: []byte("220"), version: greetingRe}},
	22:   {{name: "ssh", expect: []byte("SSH-"), version: sshVersionRe}},
	25:   {{name: "smtp", expect: []byte("220"), version: greetingRe}},
	80:   {{name: "http", send: httpRequest, expect: []byte("HTTP/"), version: httpServerRe}},
	110:  {{name: "pop3", expect: []byte("+OK"), version: popRe}},
	143:  {{name: "imap", expect: []byte("* OK"), version: imapRe}},
	443:  {{name: "https", tls: true, send: httpRequest, expect: []byte("HTTP/"), version: httpServerRe}},
	3306: {{name: "mysql", expect: []byte{0x0a}, version: mysqlRe}},
	6379: {{name: "redis", send: []byte("*1\r\n$4\r\nINFO\r\n"), expect: []byte("redis_version:"), version: redisRe}},
	8080: {{name: "http", send: httpRequest, expect: []byte("HTTP/"), version: httpServerRe}},
	8443: {{name: "https", tls: true, send: httpRequest, expect: []byte("HTTP/"), version: httpServerRe}},
}

// BannerDetector connects to the port, sends a protocol probe where one is
// known and matches the reply. Unknown ports fall back to reading whatever
// greeting the service volunteers.
type BannerDetector struct {
	probes map[uint16][]serviceProbe
	dialer net.Dialer
}

// NewBannerDetector returns the built-in banner detector.
func NewBannerDetector() *BannerDetector {
	return &BannerDetector{probes: defaultServiceProbes}
}

// Name implements ServiceDetector.
func (d *BannerDetector) Name() string { return detectorBanner }

// Detect implements ServiceDetector. A nil result with a nil error means
// nothing was recognized.
func (d *BannerDetector) Detect(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (*ServiceInfo, error) {
	if timeout <= 0 {
		timeout = defaultDetectTimeout
	}
	for _, p := range d.probes[port] {
		reply, err := d.exchange(ctx, target.Addr, port, p.tls, p.send, timeout)
		if err != nil {
			continue
		}
		if bytes.Contains(reply, p.expect) {
			return &ServiceInfo{
				Name:       p.name,
				Version:    extractVersion(reply, p.version),
				Confidence: probeConfidence,
				Detector:   detectorBanner,
			}, nil
		}
	}

	banner, err := d.exchange(ctx, target.Addr, port, false, nil, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeCanceled,
				"service detection cancelled", target.Addr.String(), ctx.Err()).WithPort(port)
		}
		return nil, nil
	}
	return classifyBanner(banner), nil
}

func (d *BannerDetector) exchange(ctx context.Context, addr netip.Addr, port uint16, useTLS bool, send []byte, timeout time.Duration) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.dialer.DialContext(dialCtx, "tcp", netip.AddrPortFrom(addr, port).String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if useTLS {
		// identification only; the peer's certificate is not trusted for anything
		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // service fingerprinting
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			return nil, err
		}
		conn = tlsConn
	}
	if len(send) > 0 {
		if _, err := conn.Write(send); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, bannerReadSize)
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// classifyBanner guesses a service from an unsolicited greeting.
func classifyBanner(banner []byte) *ServiceInfo {
	text := string(banner)
	info := &ServiceInfo{Detector: detectorBanner}
	switch {
	case strings.Contains(text, "HTTP/"):
		info.Name, info.Confidence = "http", 0.7
		info.Version = extractVersion(banner, httpServerRe)
	case strings.Contains(text, "SSH-"):
		info.Name, info.Confidence = "ssh", 0.8
		info.Version = extractVersion(banner, sshVersionRe)
	case strings.HasPrefix(text, "220"):
		info.Name, info.Confidence = "smtp/ftp", 0.6
		info.Version = extractVersion(banner, greetingRe)
	case strings.HasPrefix(text, "+OK"):
		info.Name, info.Confidence = "pop3", 0.6
		info.Version = extractVersion(banner, popRe)
	case strings.HasPrefix(text, "* OK"):
		info.Name, info.Confidence = "imap", 0.6
		info.Version = extractVersion(banner, imapRe)
	case len(banner) > 0:
		info.Name, info.Confidence = "unknown", 0.3
	default:
		return nil
	}
	return info
}

func extractVersion(reply []byte, re *regexp.Regexp) string {
	if re == nil {
		return ""
	}
	m := re.FindSubmatch(reply)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// NmapDetector delegates version detection to an installed nmap binary.
type NmapDetector struct{}

// NewNmapDetector returns a detector that finds nmap on PATH.
func NewNmapDetector() *NmapDetector {
	return &NmapDetector{}
}

// Name implements ServiceDetector.
func (d *NmapDetector) Name() string { return detectorNmap }

// Detect implements ServiceDetector.
func (d *NmapDetector) Detect(ctx context.Context, target targets.Target, port uint16, timeout time.Duration) (*ServiceInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		// version probes take several round trips
		ctx, cancel = context.WithTimeout(ctx, 10*timeout+defaultDetectTimeout)
		defer cancel()
	}

	options := []nmap.Option{
		nmap.WithTargets(target.Addr.String()),
		nmap.WithPorts(strconv.Itoa(int(port))),
		nmap.WithConnectScan(),
		nmap.WithServiceInfo(),
		nmap.WithSkipHostDiscovery(),
	}

	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeScanFailed,
			"failed to create nmap scanner", target.Addr.String(), err).WithPort(port)
	}
	run, _, err := scanner.Run()
	if err != nil {
		return nil, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeScanFailed,
			"nmap version detection failed", target.Addr.String(), err).WithPort(port)
	}
	return serviceFromRun(run, port), nil
}

func serviceFromRun(run *nmap.Run, port uint16) *ServiceInfo {
	if run == nil {
		return nil
	}
	for i := range run.Hosts {
		for j := range run.Hosts[i].Ports {
			p := &run.Hosts[i].Ports[j]
			if p.ID != port || p.Service.Name == "" {
				continue
			}
			version := strings.TrimSpace(p.Service.Product + " " + p.Service.Version)
			confidence := float64(p.Service.Confidence) / 10
			if confidence <= 0 {
				confidence = 0.5
			}
			return &ServiceInfo{
				Name:       p.Service.Name,
				Version:    version,
				Confidence: confidence,
				Detector:   detectorNmap,
			}
		}
	}
	return nil
}
