package checks

import (
	"context"
	"time"

	"github.com/therealbill/prober/internal/probe"
	"github.com/therealbill/prober/internal/xerrors"
)

// Port passes when a TCP connection to Host:Port is accepted.
type Port struct {
	Host string
	Port int

	// Addr overrides the dial address; defaults to Host:Port.
	Addr    string
	Timeout time.Duration
}

func (c Port) Check(ctx context.Context) probe.Result {
	addr := hostPort(c.Addr, c.Host, c.Port)
	conn, err := dial(ctx, addr, c.Timeout)
	if err != nil {
		return errored(ctx, xerrors.Wrapf(err, "connect %s", addr))
	}
	_ = conn.Close()
	return probe.Pass(addr + " accepting connections")
}
