package checks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/therealbill/prober/internal/probe"
	"github.com/therealbill/prober/internal/xerrors"
)

// DefaultDialTimeout bounds every TCP connect.
const DefaultDialTimeout = 5 * time.Second

// heloName is what the SMTP checks announce in EHLO.
const heloName = "localhost"

func hostPort(addr, host string, port int) string {
	if addr != "" {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// bindConn applies the ctx deadline to conn and closes conn once ctx is
// done, so blocking protocol reads return on shutdown.
func bindConn(ctx context.Context, conn net.Conn) (stop func() bool) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return context.AfterFunc(ctx, func() { _ = conn.Close() })
}

// tlsConfig clones base (nil means system roots) and pins ServerName.
func tlsConfig(base *tls.Config, host string) *tls.Config {
	cfg := &tls.Config{}
	if base != nil {
		cfg = base.Clone()
	}
	cfg.ServerName = host
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// openSMTP dials addr and reads the greeting. release closes the client
// and drops the ctx binding.
func openSMTP(ctx context.Context, host, addr string, timeout time.Duration) (c *smtp.Client, release func(), err error) {
	conn, err := dial(ctx, addr, timeout)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "connect %s", addr)
	}
	stop := bindConn(ctx, conn)
	c, err = smtp.NewClient(conn, host)
	if err != nil {
		stop()
		_ = conn.Close()
		return nil, nil, xerrors.Wrapf(err, "smtp greeting from %s", addr)
	}
	return c, func() {
		stop()
		_ = c.Close()
	}, nil
}

// errored attaches ctx.Err() once ctx is done, so a check cut off by its
// deadline reads as a timeout rather than as a closed connection.
func errored(ctx context.Context, err error) probe.Result {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		err = fmt.Errorf("%w: %w", err, cerr)
	}
	return probe.Errored(err)
}
