// Package output renders scan results as a human-readable table, JSON, CSV or
// XML, either to a writer or to a file.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/scanning"
)

const outputFilePerm = 0600

// Format names an output renderer.
type Format string

const (
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatXML   Format = "xml"
)

// Formats lists the supported renderers.
var Formats = []Format{FormatHuman, FormatJSON, FormatCSV, FormatXML}

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	name := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, f := range Formats {
		if f == name {
			return f, nil
		}
	}
	return "", scanerrors.NewScanError(scanerrors.CodeValidation,
		fmt.Sprintf("unknown output format %q (want human, json, csv or xml)", s))
}

// Options tune rendering.
type Options struct {
	// Verbose includes closed and filtered ports in the human table. The
	// machine formats always carry every port.
	Verbose bool
}

// Write renders result to w.
func Write(w io.Writer, format Format, result *scanning.ScanResult, opts Options) error {
	if result == nil {
		return scanerrors.NewScanError(scanerrors.CodeValidation, "cannot render nil result")
	}
	switch format {
	case FormatHuman:
		return writeHuman(w, result, opts)
	case FormatJSON:
		return writeJSON(w, result)
	case FormatCSV:
		return writeCSV(w, result)
	case FormatXML:
		return writeXML(w, result)
	default:
		_, err := ParseFormat(string(format))
		return err
	}
}

// SaveResults writes result to path in the given format.
func SaveResults(result *scanning.ScanResult, path string, format Format, opts Options) error {
	if err := validateFilePath(path); err != nil {
		return scanerrors.WrapStorageError(scanerrors.CodeFilePermission, "refusing output path", path, err)
	}

	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, outputFilePerm)
	if err != nil {
		return scanerrors.WrapStorageError(scanerrors.CodeStorage, "create output file", path, err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logging.Warn("Failed to close output file", "path", path, "error", err)
		}
	}()

	return Write(file, format, result, opts)
}

func writeJSON(w io.Writer, result *scanning.ScanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return scanerrors.WrapScanError(scanerrors.CodeUnknown, "encode JSON", err)
	}
	return nil
}

// validateFilePath rejects paths that climb out of their directory.
func validateFilePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal")
		}
	}
	return nil
}
