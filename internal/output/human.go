package output

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/portscope/internal/scanning"
)

func writeHuman(w io.Writer, result *scanning.ScanResult, opts Options) error {
	for _, warning := range result.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}

	for i := range result.Hosts {
		if err := writeHost(w, &result.Hosts[i], opts); err != nil {
			return err
		}
	}

	totals := result.Totals()
	status := "completed"
	if result.Cancelled {
		status = "cancelled"
	}
	_, err := fmt.Fprintf(w, "\nScan %s (%s) %s in %s: %d hosts, %d ports probed, %d open\n",
		shortID(result.ScanID), result.ScanType, status, result.Duration.Round(time.Millisecond),
		len(result.Hosts), totals.Total, totals.Open)
	return err
}

func writeHost(w io.Writer, host *scanning.HostResult, opts Options) error {
	name := host.Target.Addr.String()
	if host.Target.Hostname != "" {
		name = fmt.Sprintf("%s (%s)", host.Target.Hostname, name)
	}
	s := host.Summary
	line := fmt.Sprintf("\nHost %s [%s]: %d open, %d closed, %d filtered, %d open|filtered",
		name, host.Target.Class, s.Open, s.Closed, s.Filtered, s.OpenFiltered)
	if s.Cancelled > 0 {
		line += fmt.Sprintf(", %d cancelled", s.Cancelled)
	}
	if s.FirewallSuspected {
		line += ", firewall suspected"
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}

	rows := make([][]string, 0, len(host.Ports))
	for _, p := range host.Ports {
		if !opts.Verbose && p.Status != scanning.StatusOpen && p.Status != scanning.StatusOpenFiltered {
			continue
		}
		rows = append(rows, portRow(p))
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "  no open ports")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Port", "Proto", "Scan", "Status", "Reason", "Latency", "Service")
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func portRow(p scanning.PortResult) []string {
	status := string(p.Status)
	if p.FirewallSuspected {
		status += " (fw)"
	}
	return []string{
		strconv.Itoa(int(p.Port)),
		p.Protocol,
		string(p.ScanType),
		status,
		p.Reason,
		p.Latency.Round(10 * time.Microsecond).String(),
		describeService(p.Service),
	}
}

func describeService(svc *scanning.ServiceInfo) string {
	if svc == nil {
		return ""
	}
	parts := []string{svc.Name}
	if svc.Version != "" {
		parts = append(parts, svc.Version)
	}
	return fmt.Sprintf("%s (%.0f%%)", strings.Join(parts, " "), svc.Confidence*100)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
