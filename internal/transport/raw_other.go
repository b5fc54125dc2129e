//go:build !linux

package transport

import (
	"context"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
)

// RawTransport is only implemented on Linux.
type RawTransport struct{}

// HasRawAccess reports false on platforms without the raw transport.
func HasRawAccess() bool { return false }

// NewRawTransport always fails on this platform.
func NewRawTransport(_ *logging.Logger) (*RawTransport, error) {
	return nil, scanerrors.WrapScanError(scanerrors.CodePermission, "open raw transport",
		errUnsupported("raw packet crafting on this platform"))
}

// Exchange implements PacketTransport.
func (t *RawTransport) Exchange(context.Context, Probe) (Reply, error) {
	return Reply{}, scanerrors.ErrPermissionDenied("raw")
}

// Send implements PacketTransport.
func (t *RawTransport) Send(context.Context, Segment) error {
	return scanerrors.ErrPermissionDenied("raw")
}

// Raw implements PacketTransport.
func (t *RawTransport) Raw() bool { return false }

// Close implements PacketTransport.
func (t *RawTransport) Close() error { return nil }
