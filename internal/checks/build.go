package checks

import (
	"crypto/tls"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/therealbill/prober/internal/probe"
)

// Kind selects one check (or, for smtp_unauth, a pair) in Build.
type Kind string

const (
	KindDNSMX      Kind = "dns_mx"
	KindDNSMXIP    Kind = "dns_mx_ip"
	KindPing       Kind = "ping"
	KindHTTPPort   Kind = "http_port"
	KindHTTPSPort  Kind = "https_port"
	KindMailPort   Kind = "mail_port"
	KindSMTPPort   Kind = "smtp_port"
	KindHTTPSCert  Kind = "https_cert"
	KindSMTPCert   Kind = "smtp_cert"
	KindSMTPAuth   Kind = "smtp_auth"
	KindSMTPUnauth Kind = "smtp_unauth"
)

// SubmissionPort is where certificate and unauthenticated checks switch
// to STARTTLS.
const SubmissionPort = 587

func AllKinds() []Kind {
	return []Kind{
		KindDNSMX, KindDNSMXIP, KindPing,
		KindHTTPPort, KindHTTPSPort, KindMailPort, KindSMTPPort,
		KindHTTPSCert, KindSMTPCert,
		KindSMTPAuth, KindSMTPUnauth,
	}
}

// DefaultKinds is the set run when none is configured. http_port,
// smtp_cert and smtp_auth are opt-in.
func DefaultKinds() []Kind {
	return []Kind{
		KindDNSMX, KindDNSMXIP, KindPing,
		KindHTTPSPort, KindMailPort, KindSMTPPort,
		KindHTTPSCert, KindSMTPUnauth,
	}
}

// ParseKinds parses a comma separated list. Empty or "default" yields
// DefaultKinds, "all" yields AllKinds. Duplicates are dropped.
func ParseKinds(s string) ([]Kind, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "default":
		return DefaultKinds(), nil
	case "all":
		return AllKinds(), nil
	}

	all := AllKinds()
	var (
		out  []Kind
		errs []error
	)
	for _, part := range strings.Split(s, ",") {
		k := Kind(strings.ToLower(strings.TrimSpace(part)))
		switch {
		case k == "":
			continue
		case !slices.Contains(all, k):
			errs = append(errs, fmt.Errorf("unknown probe %q", part))
		case !slices.Contains(out, k):
			out = append(out, k)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(out) == 0 {
		return nil, errors.New("no probes selected")
	}
	return out, nil
}

// Target is everything the checks need to know about the server.
type Target struct {
	ServerIP   string
	Hostname   string
	MXDomain   string
	ExpectedIP string

	HTTPPort  int
	HTTPSPort int
	MailPort  int
	SMTPPort  int

	SMTPUsername string
	SMTPPassword string

	// envelope addresses of the unauthenticated submission test
	From string
	To   string

	Resolver    Resolver
	TLSConfig   *tls.Config
	DialTimeout time.Duration
}

// Named pairs a checker with the probe name used in metrics and logs.
type Named struct {
	Name    string
	Checker probe.Checker
}

// Build returns one Named per selected check, in the order of kinds.
// Every missing field any selected check needs is reported in one error.
func Build(t Target, kinds []Kind) ([]Named, error) {
	var (
		out  []Named
		errs []error
	)
	need := func(k Kind, field string, ok bool) bool {
		if !ok {
			errs = append(errs, fmt.Errorf("probe %s: %s is required", k, field))
		}
		return ok
	}
	port := func(k Kind, field string, p int) bool {
		return need(k, field, p > 0 && p <= 65535)
	}

	for _, k := range kinds {
		switch k {
		case KindDNSMX:
			if need(k, "mx domain", t.MXDomain != "") {
				out = append(out, Named{"DNSMXDomainProbe", DNSMX{Domain: t.MXDomain, Resolver: t.Resolver}})
			}
		case KindDNSMXIP:
			okDomain := need(k, "mx domain", t.MXDomain != "")
			if need(k, "expected ip", t.ExpectedIP != "") && okDomain {
				out = append(out, Named{"DNSMXIPProbe", DNSMXIP{Domain: t.MXDomain, ExpectedIP: t.ExpectedIP, Resolver: t.Resolver}})
			}
		case KindPing:
			if need(k, "server ip", t.ServerIP != "") {
				out = append(out, Named{"IPPingProbe", Ping{IP: t.ServerIP}})
			}
		case KindHTTPPort, KindHTTPSPort, KindMailPort, KindSMTPPort:
			name, field, p := portProbe(k, t)
			okHost := need(k, "server hostname", t.Hostname != "")
			if port(k, field, p) && okHost {
				out = append(out, Named{name, Port{Host: t.Hostname, Port: p, Timeout: t.DialTimeout}})
			}
		case KindHTTPSCert, KindSMTPCert:
			name, field, p := "HTTPSCertificateProbe", "https port", t.HTTPSPort
			if k == KindSMTPCert {
				name, field, p = "SMTPCertificateProbe", "smtp port", t.SMTPPort
			}
			okHost := need(k, "server hostname", t.Hostname != "")
			if port(k, field, p) && okHost {
				out = append(out, Named{name, Certificate{
					Hostname:  t.Hostname,
					Port:      p,
					StartTLS:  p == SubmissionPort,
					TLSConfig: t.TLSConfig,
					Timeout:   t.DialTimeout,
				}})
			}
		case KindSMTPAuth:
			okHost := need(k, "server hostname", t.Hostname != "")
			okPort := port(k, "smtp port", t.SMTPPort)
			okUser := need(k, "smtp username", t.SMTPUsername != "")
			if need(k, "smtp password", t.SMTPPassword != "") && okHost && okPort && okUser {
				out = append(out, Named{"AuthenticatedSMTPSendProbe", SMTPAuth{
					Hostname:  t.Hostname,
					Port:      t.SMTPPort,
					Username:  t.SMTPUsername,
					Password:  t.SMTPPassword,
					TLSConfig: t.TLSConfig,
					Timeout:   t.DialTimeout,
				}})
			}
		case KindSMTPUnauth:
			okHost := need(k, "server hostname", t.Hostname != "")
			okMail := port(k, "mail port", t.MailPort)
			if port(k, "smtp port", t.SMTPPort) && okHost && okMail {
				for _, p := range []int{t.MailPort, t.SMTPPort} {
					out = append(out, Named{fmt.Sprintf("UnauthenticatedSMTPProbe_%d", p), SMTPUnauth{
						Hostname:  t.Hostname,
						Port:      p,
						StartTLS:  p == SubmissionPort,
						From:      t.From,
						To:        t.To,
						TLSConfig: t.TLSConfig,
						Timeout:   t.DialTimeout,
					}})
				}
			}
		default:
			errs = append(errs, fmt.Errorf("unknown probe %q", k))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if dup := firstDuplicate(out); dup != "" {
		return nil, fmt.Errorf("probe name %s is used twice", dup)
	}
	return out, nil
}

func portProbe(k Kind, t Target) (name, field string, port int) {
	switch k {
	case KindHTTPPort:
		return "HTTPPortProbe", "http port", t.HTTPPort
	case KindHTTPSPort:
		return "HTTPSPortProbe", "https port", t.HTTPSPort
	case KindMailPort:
		return "MailPortProbe", "mail port", t.MailPort
	}
	return "SMTPPortProbe", "smtp port", t.SMTPPort
}

// firstDuplicate catches a mail port equal to the smtp port, which would
// give both unauthenticated probes the same name.
func firstDuplicate(ns []Named) string {
	seen := make(map[string]bool, len(ns))
	for _, n := range ns {
		if seen[n.Name] {
			return n.Name
		}
		seen[n.Name] = true
	}
	return ""
}
