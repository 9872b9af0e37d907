package errclass

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCategorize(t *testing.T) {
	c := New(true)

	tests := []struct {
		name string
		err  error
		want Category
	}{
		// timeout
		{"deadline exceeded", context.DeadlineExceeded, Timeout},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), Timeout},
		{"os deadline", os.ErrDeadlineExceeded, Timeout},
		{"net timeout", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}, Timeout},
		{"dns timeout", &net.DNSError{Err: "i/o", Name: "mx.example.com", IsTimeout: true}, Timeout},
		{"message timeout", errors.New("smtp: read timed out"), Timeout},

		// cert
		{"unknown authority", x509.UnknownAuthorityError{}, Cert},
		{"hostname mismatch", x509.HostnameError{Certificate: &x509.Certificate{}, Host: "mail.example.com"}, Cert},
		{"verification error", &tls.CertificateVerificationError{Err: errors.New("expired")}, Cert},
		{"alert", tls.AlertError(42), Cert},
		{"record header", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, Cert},
		{"tls over net error", &net.OpError{Op: "remote error", Err: errors.New("tls: bad certificate")}, Cert},

		// dns
		{"dns not found", &net.DNSError{Err: "no such host", Name: "nx.example.com", IsNotFound: true}, DNS},
		{"wrapped dns", fmt.Errorf("lookup mx: %w", &net.DNSError{Err: "server misbehaving"}), DNS},

		// network
		{"conn refused", &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}, Network},
		{"errno", syscall.ECONNRESET, Network},
		{"eof", fmt.Errorf("smtp greeting: %w", io.EOF), Network},
		{"closed", net.ErrClosed, Network},
		{"message refused", errors.New("connection refused by peer"), Network},

		// auth
		{"535", &textproto.Error{Code: 535, Msg: "5.7.8 Bad credentials"}, Auth},
		{"auth message", errors.New("535 Authentication failed for user"), Auth},
		{"auth mixed case", errors.New("SMTP AUTHENTICATION FAILED"), Auth},

		// unknown
		{"value error", errors.New("invalid literal for int() with base 10"), Unknown},
		{"smtp other code", &textproto.Error{Code: 554, Msg: "transaction failed"}, Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Categorize(tt.err); got != tt.want {
				t.Fatalf("Categorize(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestCategorize_Nil(t *testing.T) {
	if got := New(true).Categorize(nil); got != None {
		t.Fatalf("Categorize(nil) = %s, want none", got)
	}
	if got := New(false).Categorize(nil); got != None {
		t.Fatalf("disabled Categorize(nil) = %s, want none", got)
	}
}

func TestCategorize_Disabled(t *testing.T) {
	c := Categorizer{}
	for _, err := range []error{
		context.DeadlineExceeded,
		x509.UnknownAuthorityError{},
		&net.DNSError{Err: "no such host"},
		syscall.ECONNREFUSED,
		errors.New("authentication failed"),
	} {
		if got := c.Categorize(err); got != Unknown {
			t.Fatalf("disabled Categorize(%v) = %s, want unknown", err, got)
		}
	}
}

func TestAll_Distinct(t *testing.T) {
	seen := map[Category]bool{}
	for _, c := range All() {
		if seen[c] {
			t.Fatalf("duplicate category %s", c)
		}
		seen[c] = true
	}
	if len(seen) != 9 {
		t.Fatalf("got %d categories, want 9", len(seen))
	}
}
