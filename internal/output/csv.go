package output

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/anstrom/portscope/internal/scanning"
)

var csvHeader = []string{
	"address", "hostname", "class", "port", "protocol", "scan_type", "status",
	"reason", "latency_ms", "service", "version", "confidence", "firewall_suspected",
}

// writeCSV writes one row per port result.
func writeCSV(w io.Writer, result *scanning.ScanResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for i := range result.Hosts {
		host := &result.Hosts[i]
		for _, p := range host.Ports {
			var service, version, confidence string
			if p.Service != nil {
				service = p.Service.Name
				version = p.Service.Version
				confidence = strconv.FormatFloat(p.Service.Confidence, 'f', 2, 64)
			}
			record := []string{
				host.Target.Addr.String(),
				host.Target.Hostname,
				string(host.Target.Class),
				strconv.Itoa(int(p.Port)),
				p.Protocol,
				string(p.ScanType),
				string(p.Status),
				p.Reason,
				strconv.FormatFloat(float64(p.Latency.Microseconds())/1000, 'f', 3, 64),
				service,
				version,
				confidence,
				strconv.FormatBool(p.FirewallSuspected),
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}
