package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/anstrom/portscope/internal/scanning"
)

// ScanRun is one row of scan_runs.
type ScanRun struct {
	ID             uuid.UUID      `db:"id"`
	ScanType       string         `db:"scan_type"`
	StartedAt      time.Time      `db:"started_at"`
	CompletedAt    time.Time      `db:"completed_at"`
	DurationMS     int64          `db:"duration_ms"`
	HostCount      int            `db:"host_count"`
	OpenCount      int            `db:"open_count"`
	CancelledCount int            `db:"cancelled_count"`
	Cancelled      bool           `db:"cancelled"`
	Fallback       bool           `db:"fallback_to_connect"`
	Warnings       pq.StringArray `db:"warnings"`
}

// PortRow is one row of port_results.
type PortRow struct {
	ScanID            uuid.UUID      `db:"scan_id"`
	Address           string         `db:"address"`
	Hostname          string         `db:"hostname"`
	NetworkClass      string         `db:"network_class"`
	Port              int            `db:"port"`
	Protocol          string         `db:"protocol"`
	ScanType          string         `db:"scan_type"`
	Status            string         `db:"status"`
	Reason            string         `db:"reason"`
	LatencyMS         float64        `db:"latency_ms"`
	ServiceName       sql.NullString `db:"service_name"`
	ServiceVersion    sql.NullString `db:"service_version"`
	FirewallSuspected bool           `db:"firewall_suspected"`
	CompletedAt       time.Time      `db:"completed_at"`
}

// newScanRun builds the scan_runs row. Scan IDs that are not UUIDs get a
// fresh one.
func newScanRun(result *scanning.ScanResult) ScanRun {
	id, err := uuid.Parse(result.ScanID)
	if err != nil {
		id = uuid.New()
	}

	totals := result.Totals()
	warnings := pq.StringArray(result.Warnings)
	if warnings == nil {
		warnings = pq.StringArray{}
	}
	return ScanRun{
		ID:             id,
		ScanType:       string(result.ScanType),
		StartedAt:      result.StartTime,
		CompletedAt:    result.EndTime,
		DurationMS:     result.Duration.Milliseconds(),
		HostCount:      len(result.Hosts),
		OpenCount:      totals.Open,
		CancelledCount: totals.Cancelled,
		Cancelled:      result.Cancelled,
		Fallback:       result.Fallback,
		Warnings:       warnings,
	}
}

func portRows(scanID uuid.UUID, result *scanning.ScanResult) []PortRow {
	var rows []PortRow
	for i := range result.Hosts {
		host := &result.Hosts[i]
		for _, p := range host.Ports {
			row := PortRow{
				ScanID:            scanID,
				Address:           host.Target.Addr.String(),
				Hostname:          host.Target.Hostname,
				NetworkClass:      string(host.Target.Class),
				Port:              int(p.Port),
				Protocol:          p.Protocol,
				ScanType:          string(p.ScanType),
				Status:            string(p.Status),
				Reason:            p.Reason,
				LatencyMS:         float64(p.Latency.Microseconds()) / 1000,
				FirewallSuspected: p.FirewallSuspected,
				CompletedAt:       p.CompletedAt,
			}
			if p.Service != nil {
				row.ServiceName = sql.NullString{String: p.Service.Name, Valid: true}
				row.ServiceVersion = sql.NullString{String: p.Service.Version, Valid: p.Service.Version != ""}
			}
			rows = append(rows, row)
		}
	}
	return rows
}
