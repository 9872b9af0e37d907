package checks

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"runtime"

	"github.com/therealbill/prober/internal/probe"
	"github.com/therealbill/prober/internal/xerrors"
)

// Ping sends one ICMP echo through the system ping binary.
type Ping struct {
	IP string

	run func(ctx context.Context, name string, args ...string) error
}

func pingArgs(goos, ip string) []string {
	if goos == "windows" {
		return []string{"-n", "1", "-w", "1000", ip}
	}
	return []string{"-c", "1", "-W", "1", ip}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

func (c Ping) Check(ctx context.Context) probe.Result {
	// never hand anything but an address to the command line
	if net.ParseIP(c.IP) == nil {
		return probe.Errored(xerrors.Newf("ping target %q is not an IP address", c.IP))
	}
	run := c.run
	if run == nil {
		run = runCommand
	}

	err := run(ctx, "ping", pingArgs(runtime.GOOS, c.IP)...)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return probe.Pass("")
	case ctx.Err() != nil:
		return probe.Errored(xerrors.Wrapf(ctx.Err(), "ping %s", c.IP))
	case errors.As(err, &exitErr):
		return probe.Fail("no reply from %s (exit %d)", c.IP, exitErr.ExitCode())
	}
	return probe.Errored(xerrors.Wrapf(err, "run ping %s", c.IP))
}
