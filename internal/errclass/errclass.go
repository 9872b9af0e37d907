// Package errclass maps check failures onto a small fixed set of categories
// used as the error_type metric label.
package errclass

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"syscall"
)

type Category string

const (
	Timeout Category = "timeout"
	Cert    Category = "cert"
	DNS     Category = "dns"
	Network Category = "network"
	Auth    Category = "auth"
	Unknown Category = "unknown"

	// set by the probe runner, never returned by Categorize
	CheckFailed    Category = "check_failed"
	CircuitBreaker Category = "circuit_breaker"
	None           Category = "none"
)

func (c Category) String() string { return string(c) }

// All lists every category, in classification order followed by the
// runner-level ones.
func All() []Category {
	return []Category{Timeout, Cert, DNS, Network, Auth, Unknown, CheckFailed, CircuitBreaker, None}
}

// Categorizer classifies errors. The zero value is disabled and reports
// every failure as Unknown.
type Categorizer struct {
	Enabled bool
}

func New(enabled bool) Categorizer { return Categorizer{Enabled: enabled} }

// Categorize returns None for nil. Order matters: TLS and DNS failures are
// also network errors, and any of them may be a timeout.
func (c Categorizer) Categorize(err error) Category {
	if err == nil {
		return None
	}
	if !c.Enabled {
		return Unknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case isTimeout(err, msg):
		return Timeout
	case isCert(err, msg):
		return Cert
	case isDNS(err, msg):
		return DNS
	case isNetwork(err, msg):
		return Network
	case isAuth(err, msg):
		return Auth
	}
	return Unknown
}

func isTimeout(err error, msg string) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

func isCert(err error, msg string) bool {
	var (
		verr  *tls.CertificateVerificationError
		rherr tls.RecordHeaderError
		alert tls.AlertError
		uaerr x509.UnknownAuthorityError
		hnerr x509.HostnameError
		cierr x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &rherr), errors.As(err, &alert),
		errors.As(err, &uaerr), errors.As(err, &hnerr), errors.As(err, &cierr):
		return true
	}
	return strings.Contains(msg, "certificate") || strings.Contains(msg, "x509:") || strings.Contains(msg, "tls:")
}

func isDNS(err error, msg string) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return strings.Contains(msg, "no such host")
}

func isNetwork(err error, msg string) bool {
	var (
		opErr   *net.OpError
		sysErr  *os.SyscallError
		errno   syscall.Errno
		addrErr *net.AddrError
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &sysErr), errors.As(err, &errno), errors.As(err, &addrErr):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	}
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "broken pipe")
}

// SMTP 535 is "authentication credentials invalid"
func isAuth(err error, msg string) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code == 535 {
		return true
	}
	return strings.Contains(msg, "authentication failed")
}
