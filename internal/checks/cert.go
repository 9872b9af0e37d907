package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/therealbill/prober/internal/probe"
	"github.com/therealbill/prober/internal/xerrors"
)

// Certificate verifies the chain presented on Hostname:Port and passes
// when the leaf's subject common name is exactly Hostname.
type Certificate struct {
	Hostname string
	Port     int

	// StartTLS upgrades an SMTP session instead of handshaking on the
	// first byte. Build sets it for the submission port.
	StartTLS bool

	Addr      string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (c Certificate) Check(ctx context.Context) probe.Result {
	addr := hostPort(c.Addr, c.Hostname, c.Port)
	cfg := tlsConfig(c.TLSConfig, c.Hostname)

	var state tls.ConnectionState
	if c.StartTLS {
		cl, release, err := openSMTP(ctx, c.Hostname, addr, c.Timeout)
		if err != nil {
			return errored(ctx, err)
		}
		defer release()
		if err := cl.StartTLS(cfg); err != nil {
			return errored(ctx, xerrors.Wrapf(err, "starttls with %s", addr))
		}
		state, _ = cl.TLSConnectionState()
		_ = cl.Quit()
	} else {
		conn, err := dial(ctx, addr, c.Timeout)
		if err != nil {
			return errored(ctx, xerrors.Wrapf(err, "connect %s", addr))
		}
		defer conn.Close()
		stop := bindConn(ctx, conn)
		defer stop()

		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			return errored(ctx, xerrors.Wrapf(err, "tls handshake with %s", addr))
		}
		state = tc.ConnectionState()
		_ = tc.Close()
	}
	return matchCommonName(state, c.Hostname)
}

func matchCommonName(state tls.ConnectionState, host string) probe.Result {
	if len(state.PeerCertificates) == 0 {
		return probe.Fail("no certificate presented by %s", host)
	}
	leaf := state.PeerCertificates[0]
	if leaf.Subject.CommonName != host {
		return probe.Fail("certificate common name %q does not match %s", leaf.Subject.CommonName, host)
	}
	return probe.Pass(fmt.Sprintf("certificate for %s valid until %s", host, leaf.NotAfter.UTC().Format(time.RFC3339)))
}
