package checks

import (
	"context"
	"errors"
	"os/exec"
	"slices"
	"testing"
)

func TestPingArgs(t *testing.T) {
	if got := pingArgs("linux", "192.0.2.1"); !slices.Equal(got, []string{"-c", "1", "-W", "1", "192.0.2.1"}) {
		t.Fatalf("linux args = %v", got)
	}
	if got := pingArgs("windows", "192.0.2.1"); !slices.Equal(got, []string{"-n", "1", "-w", "1000", "192.0.2.1"}) {
		t.Fatalf("windows args = %v", got)
	}
}

// exitWith runs a real process exiting with the given status.
func exitWith(t *testing.T, status string) error {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return exec.Command(sh, "-c", "exit "+status).Run()
}

func TestPing(t *testing.T) {
	var gotName string
	ok := Ping{IP: "192.0.2.1", run: func(_ context.Context, name string, _ ...string) error {
		gotName = name
		return nil
	}}
	if res := ok.Check(context.Background()); !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if gotName != "ping" {
		t.Fatalf("ran %q", gotName)
	}

	exitErr := exitWith(t, "1")
	noReply := Ping{IP: "192.0.2.1", run: func(context.Context, string, ...string) error { return exitErr }}
	if res := noReply.Check(context.Background()); res.OK || res.Err != nil {
		t.Fatalf("no reply should fail without error, got %+v", res)
	}

	missing := Ping{IP: "192.0.2.1", run: func(context.Context, string, ...string) error { return exec.ErrNotFound }}
	if res := missing.Check(context.Background()); !errors.Is(res.Err, exec.ErrNotFound) {
		t.Fatalf("missing binary should error, got %+v", res)
	}
}

func TestPing_RejectsNonIP(t *testing.T) {
	called := false
	c := Ping{IP: "-f example.test", run: func(context.Context, string, ...string) error {
		called = true
		return nil
	}}
	if res := c.Check(context.Background()); res.Err == nil || called {
		t.Fatalf("non-IP target ran: %+v", res)
	}
}

func TestPing_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := Ping{IP: "192.0.2.1", run: func(ctx context.Context, _ string, _ ...string) error { return ctx.Err() }}
	if res := c.Check(ctx); !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("result = %+v", res)
	}
}
