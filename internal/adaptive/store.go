package adaptive

import (
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/netclass"
)

// SchemaVersion is written into every store file. Readers accept any
// version and ignore fields they do not know.
const SchemaVersion = 1

const (
	storeDirPerm  = 0750
	storeFilePerm = 0600
)

// Profile is the learned state of one network class.
type Profile struct {
	Class                  netclass.Class `json:"-"`
	TimeoutEMA             float64        `json:"timeout_ema"` // milliseconds
	SuccessRateEMA         float64        `json:"success_rate_ema"`
	RecommendedParallelism int            `json:"recommended_parallelism"`
	SampleCount            uint64         `json:"sample_count"`
	LastUpdated            time.Time      `json:"last_updated"`
}

// PortStats is the learned state of one port within a class.
type PortStats struct {
	Probes      uint64    `json:"probes"`
	Open        uint64    `json:"open"`
	LatencyEMA  float64   `json:"latency_ema"` // milliseconds
	LastUpdated time.Time `json:"last_updated"`
}

// HostRecord is what the most recent complete scan of one address found.
type HostRecord struct {
	Class             netclass.Class `json:"class"`
	OpenPorts         []uint16       `json:"open_ports"`
	FirewallSuspected bool           `json:"firewall_suspected"`
	Scans             uint64         `json:"scans"`
	LastScan          time.Time      `json:"last_scan"`
}

// Snapshot is the persisted form of the learning state.
type Snapshot struct {
	Version  int                                       `json:"version"`
	Profiles map[netclass.Class]*Profile               `json:"profiles"`
	Ports    map[netclass.Class]map[uint16]*PortStats `json:"ports,omitempty"`
	Hosts    map[netip.Addr]*HostRecord                `json:"hosts,omitempty"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:  SchemaVersion,
		Profiles: make(map[netclass.Class]*Profile),
		Ports:    make(map[netclass.Class]map[uint16]*PortStats),
		Hosts:    make(map[netip.Addr]*HostRecord),
	}
}

// Store persists snapshots as a JSON file.
type Store struct {
	path      string
	retention time.Duration
	now       func() time.Time
}

// NewStore creates a store at path. Entries older than retentionDays are
// dropped on load; zero keeps everything.
func NewStore(path string, retentionDays int) *Store {
	return &Store{
		path:      path,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// Path returns the file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the store. A missing file yields an empty snapshot. A file that
// cannot be read or decoded yields an empty snapshot and a StorageError.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return NewSnapshot(), scanerrors.WrapStorageError(scanerrors.CodeStorage, "read adaptive store", s.path, err)
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return NewSnapshot(), scanerrors.WrapStorageError(scanerrors.CodeStoreCorrupt, "decode adaptive store", s.path, err)
	}
	if snap.Profiles == nil {
		snap.Profiles = make(map[netclass.Class]*Profile)
	}
	if snap.Ports == nil {
		snap.Ports = make(map[netclass.Class]map[uint16]*PortStats)
	}
	if snap.Hosts == nil {
		snap.Hosts = make(map[netip.Addr]*HostRecord)
	}

	s.prune(snap)
	return snap, nil
}

// prune drops unknown classes, nil entries and entries outside the retention window.
func (s *Store) prune(snap *Snapshot) {
	cutoff := time.Time{}
	if s.retention > 0 {
		cutoff = s.now().Add(-s.retention)
	}

	for class, p := range snap.Profiles {
		if p == nil || !class.Valid() || p.LastUpdated.Before(cutoff) {
			delete(snap.Profiles, class)
			continue
		}
		p.Class = class
	}
	for class, ports := range snap.Ports {
		if !class.Valid() {
			delete(snap.Ports, class)
			continue
		}
		for port, st := range ports {
			if st == nil || st.LastUpdated.Before(cutoff) {
				delete(ports, port)
			}
		}
		if len(ports) == 0 {
			delete(snap.Ports, class)
		}
	}
	for addr, h := range snap.Hosts {
		if h == nil || !addr.IsValid() || !h.Class.Valid() || h.LastScan.Before(cutoff) {
			delete(snap.Hosts, addr)
		}
	}
}

// Save writes snap atomically: the data goes to a temporary file in the same
// directory which is synced and then renamed over the previous file.
func (s *Store) Save(snap *Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return scanerrors.WrapStorageError(scanerrors.CodeDirectoryCreate, "create store directory", dir, err)
	}

	snap.Version = SchemaVersion
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return scanerrors.WrapStorageError(scanerrors.CodeStorage, "encode adaptive store", s.path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return scanerrors.WrapStorageError(scanerrors.CodeFilePermission, "create temporary store file", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return scanerrors.WrapStorageError(scanerrors.CodeStorage, "write temporary store file", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return scanerrors.WrapStorageError(scanerrors.CodeStorage, "sync temporary store file", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return scanerrors.WrapStorageError(scanerrors.CodeStorage, "close temporary store file", tmpName, err)
	}
	if err := os.Chmod(tmpName, storeFilePerm); err != nil {
		cleanup()
		return scanerrors.WrapStorageError(scanerrors.CodeFilePermission, "chmod temporary store file", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return scanerrors.WrapStorageError(scanerrors.CodeStorage, "replace adaptive store", s.path, err)
	}
	return nil
}
