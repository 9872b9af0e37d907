package checks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/probe"
	"github.com/therealbill/prober/internal/xerrors"
)

// Resolver is the part of *net.Resolver the DNS checks use.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

func resolverOrDefault(r Resolver) Resolver {
	if r == nil {
		return net.DefaultResolver
	}
	return r
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// DNSMX passes when Domain has at least one MX record.
type DNSMX struct {
	Domain   string
	Resolver Resolver
}

func (c DNSMX) Check(ctx context.Context) probe.Result {
	mxs, res, done := lookupMX(ctx, resolverOrDefault(c.Resolver), c.Domain)
	if done {
		return res
	}
	return probe.Pass(fmt.Sprintf("%d MX records for %s", len(mxs), c.Domain))
}

// lookupMX returns done=true with a final result when there is nothing
// to continue with.
func lookupMX(ctx context.Context, r Resolver, domain string) ([]*net.MX, probe.Result, bool) {
	mxs, err := r.LookupMX(ctx, domain)
	switch {
	case err != nil && isNotFound(err):
		log.FromContext(ctx).Warn(ctx, "no MX records found", "domain", domain)
		return nil, probe.Fail("no MX records for %s", domain), true
	case err != nil:
		return nil, probe.Errored(xerrors.Wrapf(err, "lookup MX %s", domain)), true
	case len(mxs) == 0:
		return nil, probe.Fail("no MX records for %s", domain), true
	}
	return mxs, probe.Result{}, false
}

// DNSMXIP passes when any MX target of Domain has an A record equal to
// ExpectedIP. Targets that fail to resolve are logged and skipped.
type DNSMXIP struct {
	Domain     string
	ExpectedIP string
	Resolver   Resolver
}

func (c DNSMXIP) Check(ctx context.Context) probe.Result {
	want := net.ParseIP(c.ExpectedIP)
	if want == nil {
		return probe.Errored(xerrors.Newf("expected ip %q is not an IP address", c.ExpectedIP))
	}
	r := resolverOrDefault(c.Resolver)
	mxs, res, done := lookupMX(ctx, r, c.Domain)
	if done {
		return res
	}

	L := log.FromContext(ctx)
	for _, mx := range mxs {
		target := strings.TrimSuffix(mx.Host, ".")
		ips, err := r.LookupIP(ctx, "ip4", target)
		if err != nil {
			if ctx.Err() != nil {
				return probe.Errored(xerrors.Wrapf(ctx.Err(), "lookup A %s", target))
			}
			L.Warn(ctx, "could not resolve MX target", "target", target, "err", err)
			continue
		}
		for _, ip := range ips {
			if ip.Equal(want) {
				return probe.Pass(fmt.Sprintf("MX target %s resolves to %s", target, c.ExpectedIP))
			}
		}
		L.Warn(ctx, "MX target does not resolve to expected ip", "target", target, "expected_ip", c.ExpectedIP)
	}
	return probe.Fail("no MX target of %s resolves to %s", c.Domain, c.ExpectedIP)
}
