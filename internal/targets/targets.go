// Package targets expands target specifications into ordered, deduplicated
// scan targets. A specification is a comma separated list whose elements are
// single addresses, hostnames, inclusive ranges ("10.0.0.1-10.0.0.9" or the
// short form "10.0.0.1-9") and CIDR blocks.
package targets

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"go4.org/netipx"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/netclass"
)

const (
	// DefaultMaxExpansion bounds how many addresses one element may expand to.
	DefaultMaxExpansion = 1 << 16
	// DefaultMaxTargets bounds the total number of targets of one scan.
	DefaultMaxTargets = 1 << 20
)

var hostnameRE = regexp.MustCompile(`^(?i)[a-z0-9_]([a-z0-9_-]{0,62})(\.[a-z0-9_]([a-z0-9_-]{0,62}))*\.?$`)

// Target is a single address to scan. It is immutable once enumerated.
type Target struct {
	Addr     netip.Addr     `json:"address"`
	Hostname string         `json:"hostname,omitempty"`
	Class    netclass.Class `json:"network_class"`
}

// String returns the address, annotated with the hostname when known.
func (t Target) String() string {
	if t.Hostname != "" {
		return fmt.Sprintf("%s (%s)", t.Addr, t.Hostname)
	}
	return t.Addr.String()
}

// Enumerator expands target specifications.
type Enumerator struct {
	resolver     Resolver
	maxExpansion int
	maxTargets   int
}

// Option customizes an Enumerator.
type Option func(*Enumerator)

// WithMaxExpansion overrides the per-element expansion limit.
func WithMaxExpansion(n int) Option {
	return func(e *Enumerator) { e.maxExpansion = n }
}

// WithMaxTargets overrides the total target limit.
func WithMaxTargets(n int) Option {
	return func(e *Enumerator) { e.maxTargets = n }
}

// NewEnumerator creates an enumerator. A nil resolver uses the system resolver.
func NewEnumerator(resolver Resolver, opts ...Option) *Enumerator {
	if resolver == nil {
		resolver = NewSystemResolver()
	}
	e := &Enumerator{
		resolver:     resolver,
		maxExpansion: DefaultMaxExpansion,
		maxTargets:   DefaultMaxTargets,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand turns spec into targets in ascending address order (IPv4 before
// IPv6) with duplicates removed.
//
// Malformed elements fail the whole expansion. Hostnames that cannot be
// resolved are returned as warnings while the remaining elements are still
// expanded; if nothing at all could be expanded the warnings are returned as
// the error.
func (e *Enumerator) Expand(ctx context.Context, spec string) (targets []Target, warnings []error, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil, scanerrors.ErrInvalidTarget(spec, "empty target specification")
	}

	var (
		builder   netipx.IPSetBuilder
		hostnames = make(map[netip.Addr]string)
		total     int
	)

	for _, raw := range strings.Split(spec, ",") {
		elem := strings.TrimSpace(raw)
		if elem == "" {
			return nil, nil, scanerrors.ErrInvalidTarget(spec, "empty element")
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		n, err := e.addElement(ctx, &builder, hostnames, elem)
		if err != nil {
			if isResolveFailure(err) {
				warnings = append(warnings, err)
				continue
			}
			return nil, nil, err
		}
		total += n
		if total > e.maxTargets {
			return nil, nil, scanerrors.ErrInvalidTarget(spec,
				fmt.Sprintf("expands to more than %d targets", e.maxTargets))
		}
	}

	set, err := builder.IPSet()
	if err != nil {
		return nil, nil, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeTargetInvalid, "build target set", spec, err)
	}

	for _, r := range set.Ranges() {
		for addr := r.From(); addr.IsValid() && addr.Compare(r.To()) <= 0; addr = addr.Next() {
			targets = append(targets, Target{
				Addr:     addr,
				Hostname: hostnames[addr],
				Class:    netclass.Classify(addr),
			})
		}
	}

	if len(targets) == 0 {
		if len(warnings) > 0 {
			return nil, nil, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeTargetInvalid,
				"no resolvable targets", spec, errors.Join(warnings...))
		}
		return nil, nil, scanerrors.ErrInvalidTarget(spec, "no addresses")
	}
	return targets, warnings, nil
}

// addElement adds one element to the builder and returns how many addresses it contributed.
func (e *Enumerator) addElement(ctx context.Context, b *netipx.IPSetBuilder, hostnames map[netip.Addr]string, elem string) (int, error) {
	if strings.Contains(elem, "/") {
		return e.addPrefix(b, elem)
	}

	if addr, err := netip.ParseAddr(elem); err == nil {
		b.Add(addr.Unmap())
		return 1, nil
	}

	if lo, hi, ok := strings.Cut(elem, "-"); ok {
		if start, err := netip.ParseAddr(strings.TrimSpace(lo)); err == nil {
			return e.addRange(b, elem, start.Unmap(), strings.TrimSpace(hi))
		}
	}

	if !hostnameRE.MatchString(elem) || len(elem) > 253 {
		return 0, scanerrors.ErrInvalidTarget(elem, "not an address, range, CIDR block or hostname")
	}

	addrs, err := e.resolver.LookupNetIP(ctx, strings.TrimSuffix(elem, "."))
	if err != nil || len(addrs) == 0 {
		if err == nil {
			err = errors.New("no addresses returned")
		}
		return 0, scanerrors.WrapScanErrorWithTarget(scanerrors.CodeTargetInvalid,
			"hostname could not be resolved", elem, err).WithOperation(opResolve)
	}
	for _, a := range addrs {
		a = a.Unmap()
		b.Add(a)
		if _, seen := hostnames[a]; !seen {
			hostnames[a] = elem
		}
	}
	return len(addrs), nil
}

func (e *Enumerator) addPrefix(b *netipx.IPSetBuilder, elem string) (int, error) {
	prefix, err := netip.ParsePrefix(elem)
	if err != nil {
		return 0, scanerrors.ErrInvalidTarget(elem, "malformed CIDR block")
	}
	prefix = prefix.Masked()

	hosts := HostRange(prefix)
	n, ok := countRange(hosts, e.maxExpansion)
	if !ok {
		return 0, scanerrors.ErrInvalidTarget(elem, fmt.Sprintf("CIDR block larger than %d addresses", e.maxExpansion))
	}
	b.AddRange(hosts)
	return n, nil
}

func (e *Enumerator) addRange(b *netipx.IPSetBuilder, elem string, start netip.Addr, hi string) (int, error) {
	end, err := netip.ParseAddr(hi)
	if err != nil {
		// short form: 192.168.1.10-20
		octet, convErr := strconv.Atoi(hi)
		if convErr != nil || !start.Is4() || octet < 0 || octet > 255 {
			return 0, scanerrors.ErrInvalidTarget(elem, "malformed range end")
		}
		a := start.As4()
		a[3] = byte(octet)
		end = netip.AddrFrom4(a)
	}
	end = end.Unmap()

	if start.Is4() != end.Is4() {
		return 0, scanerrors.ErrInvalidTarget(elem, "range mixes address families")
	}
	r := netipx.IPRangeFrom(start, end)
	if !r.IsValid() {
		return 0, scanerrors.ErrInvalidTarget(elem, "range start is greater than end")
	}
	n, ok := countRange(r, e.maxExpansion)
	if !ok {
		return 0, scanerrors.ErrInvalidTarget(elem, fmt.Sprintf("range larger than %d addresses", e.maxExpansion))
	}
	b.AddRange(r)
	return n, nil
}

// HostRange returns the usable host addresses of prefix. For IPv4 prefixes
// up to /30 the network and broadcast addresses are excluded; /31, /32 and
// IPv6 prefixes yield every address.
func HostRange(prefix netip.Prefix) netipx.IPRange {
	r := netipx.RangeOfPrefix(prefix.Masked())
	if prefix.Addr().Is4() && prefix.Bits() <= 30 {
		return netipx.IPRangeFrom(r.From().Next(), r.To().Prev())
	}
	return r
}

// countRange counts addresses in r, giving up once limit is exceeded.
func countRange(r netipx.IPRange, limit int) (int, bool) {
	if r.From().Is4() {
		from := ipv4ToUint(r.From())
		to := ipv4ToUint(r.To())
		n := int(to-from) + 1
		return n, n <= limit
	}
	// IPv6: a prefix narrower than the limit is cheap to detect.
	if p, ok := r.Prefix(); ok && p.Bits() < 128-31 {
		return 0, false
	}
	n := 0
	for a := r.From(); a.IsValid() && a.Compare(r.To()) <= 0; a = a.Next() {
		n++
		if n > limit {
			return n, false
		}
	}
	return n, true
}

const opResolve = "resolve"

func isResolveFailure(err error) bool {
	var se *scanerrors.ScanError
	return errors.As(err, &se) && se.Operation == opResolve
}

func ipv4ToUint(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
