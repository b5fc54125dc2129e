package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscope/internal/config"
	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/scanning"
)

func TestTargetSpec(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		flag     string
		expected string
	}{
		{"args only", []string{"10.0.0.1", "example.com"}, "", "10.0.0.1,example.com"},
		{"flag only", nil, "192.168.1.0/24", "192.168.1.0/24"},
		{"both", []string{"10.0.0.1"}, " 10.0.0.2-5 ", "10.0.0.1,10.0.0.2-5"},
		{"blank", []string{" ", ""}, "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, targetSpec(tt.args, tt.flag))
		})
	}
}

func TestApplyScanFlags(t *testing.T) {
	var o scanFlags
	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	addScanFlags(fs, &o)
	require.NoError(t, fs.Parse([]string{
		"-p", "web", "-s", "SYN", "--timeout", "750ms", "--port-parallelism", "12",
		"--no-fallback", "--service", "Banner", "--no-learn", "-o", "csv",
		"--metrics-listen", "127.0.0.1:0",
	}))

	cfg := config.Default()
	cfg.Scanning.HostRate = 42
	applyScanFlags(cfg, fs, &o)

	assert.Equal(t, "web", cfg.Scanning.Ports)
	assert.Equal(t, "syn", cfg.Scanning.ScanType)
	assert.Equal(t, 750, cfg.Scanning.TimeoutMS)
	assert.Equal(t, 12, cfg.Scanning.PortParallelism)
	assert.Equal(t, float64(42), cfg.Scanning.HostRate, "unset flags leave config alone")
	assert.False(t, cfg.Scanning.FallbackToConnect)
	assert.Equal(t, "banner", cfg.Scanning.ServiceDetection)
	assert.False(t, cfg.Adaptive.Enabled)
	assert.Equal(t, "csv", cfg.Output.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.Metrics.Listen)
	require.NoError(t, cfg.Validate())
}

func TestScanOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Scanning.ScanType = "stealth"
	cfg.Scanning.TimeoutMS = 300
	cfg.Scanning.ServiceDetection = "none"

	opts, err := scanOptions(cfg, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanSYN, opts.ScanType)
	assert.Equal(t, 300*time.Millisecond, opts.Timeout)
	assert.Empty(t, opts.ServiceDetection)
	assert.True(t, opts.Learn)
	assert.True(t, opts.FallbackToConnect)

	cfg.Scanning.ScanType = "window"
	_, err = scanOptions(cfg, "10.0.0.1")
	assert.True(t, scanerrors.IsCode(err, scanerrors.CodeScanTypeInvalid))

	cfg.Scanning.ScanType = "connect"
	_, err = scanOptions(cfg, "")
	assert.True(t, scanerrors.IsCode(err, scanerrors.CodeTargetInvalid))
}

func TestLearningParams(t *testing.T) {
	ac := config.Default().Adaptive
	ac.LearningRate = 0.25
	ac.RetentionDays = 7

	p := learningParams(ac)
	assert.Equal(t, 0.25, p.LearningRate)
	assert.Equal(t, 7*24*time.Hour, p.Retention)
	assert.Equal(t, ac.MaxParallelism, p.MaxParallelism)
}

func TestApplyOverridesFromEnv(t *testing.T) {
	t.Setenv("PORTSCOPE_SCANNING_PORTS", "22,80")
	t.Setenv("PORTSCOPE_OUTPUT_FORMAT", "json")
	initConfig()

	cfg := config.Default()
	applyOverrides(cfg)
	assert.Equal(t, "22,80", cfg.Scanning.Ports)
	assert.Equal(t, "json", cfg.Output.Format)
}

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	store := filepath.Join(dir, "adaptive.json")
	path := filepath.Join(dir, "portscope.yaml")
	cfg := config.Default()
	cfg.Adaptive.StorePath = store
	cfg.Adaptive.FlushInterval = 0
	require.NoError(t, cfg.Save(path))
	return path, store
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestScanCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	cfgPath, store := writeTestConfig(t)
	out, err := execute(t, "--config", cfgPath, "scan", "127.0.0.1",
		"-p", strconv.Itoa(port), "-o", "json", "--timeout", "500ms")
	require.NoError(t, err)

	var result scanning.ScanResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Hosts, 1)
	require.Len(t, result.Hosts[0].Ports, 1)
	assert.Equal(t, scanning.StatusOpen, result.Hosts[0].Ports[0].Status)

	_, err = os.Stat(store)
	assert.NoError(t, err, "learned state is persisted after the scan")

	out, err = execute(t, "--config", cfgPath, "profiles", "show")
	require.NoError(t, err)
	assert.Contains(t, out, store)
	assert.Contains(t, out, "LocalHost")

	out, err = execute(t, "--config", cfgPath, "profiles", "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "127.0.0.1")
	assert.Contains(t, out, strconv.Itoa(port))

	out, err = execute(t, "--config", cfgPath, "profiles", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Learned profiles cleared")

	out, err = execute(t, "--config", cfgPath, "profiles", "hosts")
	require.NoError(t, err)
	assert.Contains(t, out, "No hosts remembered yet.")
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "today")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "portscope 1.2.3 (commit: abc123, built: today)")
}
