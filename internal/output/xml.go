package output

import (
	"encoding/xml"
	"io"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/scanning"
)

// ScanXML is the root element for XML serialization of scan results.
type ScanXML struct {
	XMLName   xml.Name  `xml:"scanresult"`
	ScanID    string    `xml:"scan_id,attr"`
	ScanType  string    `xml:"scan_type,attr"`
	StartTime string    `xml:"start_time,attr"`
	EndTime   string    `xml:"end_time,attr"`
	Duration  string    `xml:"duration,attr"`
	Cancelled bool      `xml:"cancelled,attr,omitempty"`
	Fallback  bool      `xml:"fallback_to_connect,attr,omitempty"`
	Warnings  []string  `xml:"warning,omitempty"`
	Hosts     []HostXML `xml:"host"`
}

// HostXML represents a scanned host and its port results.
type HostXML struct {
	Address  string     `xml:"address,attr"`
	Hostname string     `xml:"hostname,attr,omitempty"`
	Class    string     `xml:"class,attr"`
	Summary  SummaryXML `xml:"summary"`
	Ports    []PortXML  `xml:"ports>port,omitempty"`
}

// SummaryXML carries the per-host counts.
type SummaryXML struct {
	Total             int  `xml:"total,attr"`
	Open              int  `xml:"open,attr"`
	Closed            int  `xml:"closed,attr"`
	Filtered          int  `xml:"filtered,attr"`
	OpenFiltered      int  `xml:"open_filtered,attr"`
	Cancelled         int  `xml:"cancelled,attr,omitempty"`
	FirewallSuspected bool `xml:"firewall_suspected,attr,omitempty"`
}

// PortXML represents one port result.
type PortXML struct {
	Number            uint16      `xml:"number,attr"`
	Protocol          string      `xml:"protocol,attr"`
	ScanType          string      `xml:"scan_type,attr"`
	State             string      `xml:"state"`
	Reason            string      `xml:"reason,omitempty"`
	LatencyMS         float64     `xml:"latency_ms"`
	FirewallSuspected bool        `xml:"firewall_suspected,omitempty"`
	Service           *ServiceXML `xml:"service,omitempty"`
}

// ServiceXML is the optional service identification of an open port.
type ServiceXML struct {
	Name       string  `xml:"name,attr"`
	Version    string  `xml:"version,attr,omitempty"`
	Confidence float64 `xml:"confidence,attr"`
	Detector   string  `xml:"detector,attr,omitempty"`
}

// ToXML converts a scan result into its XML document form.
func ToXML(result *scanning.ScanResult) *ScanXML {
	doc := &ScanXML{
		ScanID:    result.ScanID,
		ScanType:  string(result.ScanType),
		StartTime: result.StartTime.Format(time.RFC3339),
		EndTime:   result.EndTime.Format(time.RFC3339),
		Duration:  result.Duration.String(),
		Cancelled: result.Cancelled,
		Fallback:  result.Fallback,
		Warnings:  result.Warnings,
		Hosts:     make([]HostXML, len(result.Hosts)),
	}

	for i := range result.Hosts {
		host := &result.Hosts[i]
		s := host.Summary
		xmlHost := HostXML{
			Address:  host.Target.Addr.String(),
			Hostname: host.Target.Hostname,
			Class:    string(host.Target.Class),
			Summary: SummaryXML{
				Total:             s.Total,
				Open:              s.Open,
				Closed:            s.Closed,
				Filtered:          s.Filtered,
				OpenFiltered:      s.OpenFiltered,
				Cancelled:         s.Cancelled,
				FirewallSuspected: s.FirewallSuspected,
			},
			Ports: make([]PortXML, len(host.Ports)),
		}
		for j, p := range host.Ports {
			xmlHost.Ports[j] = PortXML{
				Number:            p.Port,
				Protocol:          p.Protocol,
				ScanType:          string(p.ScanType),
				State:             string(p.Status),
				Reason:            p.Reason,
				LatencyMS:         float64(p.Latency.Microseconds()) / 1000,
				FirewallSuspected: p.FirewallSuspected,
			}
			if p.Service != nil {
				xmlHost.Ports[j].Service = &ServiceXML{
					Name:       p.Service.Name,
					Version:    p.Service.Version,
					Confidence: p.Service.Confidence,
					Detector:   p.Service.Detector,
				}
			}
		}
		doc.Hosts[i] = xmlHost
	}
	return doc
}

func writeXML(w io.Writer, result *scanning.ScanResult) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return scanerrors.WrapScanError(scanerrors.CodeUnknown, "write XML header", err)
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(ToXML(result)); err != nil {
		return scanerrors.WrapScanError(scanerrors.CodeUnknown, "encode XML", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	return nil
}
