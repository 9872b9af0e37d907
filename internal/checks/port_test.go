package checks

import (
	"context"
	"net"
	"testing"

	"github.com/therealbill/prober/internal/errclass"
)

func TestPort_Open(t *testing.T) {
	ln := listen(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	res := Port{Addr: ln.Addr().String()}.Check(context.Background())
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
}

func TestPort_Refused(t *testing.T) {
	host, port, _ := net.SplitHostPort(closedAddr(t))
	res := Port{Host: host, Addr: net.JoinHostPort(host, port)}.Check(context.Background())
	if res.OK || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
	if got := errclass.New(true).Categorize(res.Err); got != errclass.Network {
		t.Fatalf("category = %s, want network", got)
	}
}

func TestHostPort(t *testing.T) {
	if got := hostPort("", "mail.example.test", 25); got != "mail.example.test:25" {
		t.Fatalf("got %q", got)
	}
	if got := hostPort("127.0.0.1:2525", "mail.example.test", 25); got != "127.0.0.1:2525" {
		t.Fatalf("override ignored: %q", got)
	}
	if got := hostPort("", "2001:db8::1", 443); got != "[2001:db8::1]:443" {
		t.Fatalf("ipv6: %q", got)
	}
}
