// Package netclass maps addresses to the coarse network class used as the
// key for learned scan parameters.
package netclass

import (
	"net/netip"

	"go4.org/netipx"
)

// Class is a coarse network bucket.
type Class string

const (
	LocalHost Class = "LocalHost"
	LAN       Class = "LAN"
	Internet  Class = "Internet"
	Cloud     Class = "Cloud"
)

// All lists every class in a fixed order.
var All = []Class{LocalHost, LAN, Cloud, Internet}

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	switch c {
	case LocalHost, LAN, Internet, Cloud:
		return true
	}
	return false
}

// cloudPrefixes are well-known provider allocations. Coarse on purpose: the
// class only selects starting parameters.
var cloudPrefixes = []string{
	// AWS
	"3.0.0.0/13", "13.0.0.0/8", "15.0.0.0/8", "18.0.0.0/8", "52.0.0.0/8", "54.0.0.0/8",
	// Azure
	"20.0.0.0/8", "40.0.0.0/8",
	// GCP
	"34.64.0.0/10", "35.184.0.0/13",
	// Cloudflare
	"104.16.0.0/13",
	"2600:1f00::/24", "2a05:d000::/25", "2600:1900::/28",
}

var lanPrefixes = []string{
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"100.64.0.0/10", // carrier-grade NAT
	"169.254.0.0/16",
	"fc00::/7", "fe80::/10",
}

var (
	cloudSet = mustSet(cloudPrefixes)
	lanSet   = mustSet(lanPrefixes)
)

func mustSet(prefixes []string) *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(netip.MustParsePrefix(p))
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}

// Classify returns the network class of addr. It is a pure function.
func Classify(addr netip.Addr) Class {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid():
		return Internet
	case addr.IsLoopback(), addr.IsUnspecified():
		return LocalHost
	case lanSet.Contains(addr):
		return LAN
	case cloudSet.Contains(addr):
		return Cloud
	default:
		return Internet
	}
}
