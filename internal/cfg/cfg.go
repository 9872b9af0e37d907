package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/therealbill/prober/internal/backoff"
	"github.com/therealbill/prober/internal/breaker"
	"github.com/therealbill/prober/internal/checks"
	"github.com/therealbill/prober/internal/log"
)

type App struct {
	ConfigFile string

	// logging
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	LogFile           string
	LogMaxSizeMB      int
	LogMaxBackups     int

	// observability
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// target server
	ServerIP        string
	ServerHostname  string
	MXDomain        string
	ExpectedIP      string
	ServerHTTPPort  int
	ServerHTTPSPort int
	MailPort        int
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPTestFrom    string
	SMTPTestTo      string
	Probes          string

	// scheduling and resilience
	CollectionInterval      int
	CheckTimeout            time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerRecovery  time.Duration
	BackoffBase             time.Duration
	BackoffMax              time.Duration
	BackoffMultiplier       float64
	BackoffMaxFailures      int
	ErrorCategorization     bool
	EnhancedLogging         bool
	StopTimeout             time.Duration
	TolerantStart           bool

	// resource monitor
	ResourceChecks     bool
	ResourceInterval   time.Duration
	MemoryWarningMB    float64
	ThreadWarningCount int

	// ops http
	MetricsHost    string
	MetricsPort    int
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional config file (yaml, toml, json or .env); lowest precedence after defaults")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.StringVar(&c.LogFile, "log-file", "", "also write logs to this file, rotated by size")
	fs.IntVar(&c.LogMaxSizeMB, "log-max-size-mb", 50, "rotate the log file at this size")
	fs.IntVar(&c.LogMaxBackups, "log-max-backups", 3, "rotated log files to keep (0 keeps all)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Serve pprof under /debug on the metrics port")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.ServerIP, "server-ip", "", "email server IP address (ping target)")
	fs.StringVar(&c.ServerHostname, "server-hostname", "", "email server hostname (port, certificate and SMTP checks)")
	fs.StringVar(&c.MXDomain, "mx-domain", "", "domain whose MX records are checked")
	fs.StringVar(&c.ExpectedIP, "expected-ip", "", "IP address an MX target must resolve to")
	fs.IntVar(&c.ServerHTTPPort, "server-http-port", 80, "email server HTTP port")
	fs.IntVar(&c.ServerHTTPSPort, "server-https-port", 443, "email server HTTPS port")
	fs.IntVar(&c.MailPort, "mail-port", 25, "email server SMTP relay port")
	fs.IntVar(&c.SMTPPort, "smtp-port", 587, "email server SMTP submission port (STARTTLS)")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "SMTP username, literal or secretref:<provider>:<ref>")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP password, literal or secretref:<provider>:<ref>")
	fs.StringVar(&c.SMTPTestFrom, "smtp-test-from", checks.DefaultTestAddress, "envelope sender of the unauthenticated submission test")
	fs.StringVar(&c.SMTPTestTo, "smtp-test-to", checks.DefaultTestAddress, "envelope recipient of the unauthenticated submission test")
	fs.StringVar(&c.Probes, "probes", "default", "comma separated probes to run, or default|all")

	fs.IntVar(&c.CollectionInterval, "collection-interval", 300, "seconds between checks while healthy (30..3600)")
	fs.DurationVar(&c.CheckTimeout, "check-timeout", 30*time.Second, "upper bound for a single check")
	fs.IntVar(&c.CircuitBreakerThreshold, "circuit-breaker-threshold", 5, "consecutive failures that open a probe's circuit")
	fs.DurationVar(&c.CircuitBreakerRecovery, "circuit-breaker-recovery", 60*time.Second, "how long an open circuit waits before a trial check")
	fs.DurationVar(&c.BackoffBase, "backoff-base", 300*time.Second, "first backed-off delay")
	fs.DurationVar(&c.BackoffMax, "backoff-max", 3600*time.Second, "longest backed-off delay")
	fs.Float64Var(&c.BackoffMultiplier, "backoff-multiplier", 2.0, "backoff growth per consecutive failure (>= 1)")
	fs.IntVar(&c.BackoffMaxFailures, "backoff-max-failures", 5, "failures after which the backoff stops growing")
	fs.BoolVar(&c.ErrorCategorization, "error-categorization", true, "label failures by category (timeout, dns, cert, ...)")
	fs.BoolVar(&c.EnhancedLogging, "enhanced-logging", false, "add failure counters, circuit state and next interval to probe logs")
	fs.DurationVar(&c.StopTimeout, "stop-timeout", 10*time.Second, "shutdown budget shared by all probes")
	fs.BoolVar(&c.TolerantStart, "tolerant-start", false, "keep starting when a probe fails to start")

	fs.BoolVar(&c.ResourceChecks, "resource-checks", true, "sample the prober's own memory and thread usage")
	fs.DurationVar(&c.ResourceInterval, "resource-interval", 30*time.Second, "resource sampling period")
	fs.Float64Var(&c.MemoryWarningMB, "memory-warning-mb", 256, "resident memory above which /health reports unhealthy")
	fs.IntVar(&c.ThreadWarningCount, "thread-warning-count", 50, "thread count above which /health reports unhealthy")

	fs.StringVar(&c.MetricsHost, "metrics-host", "", "listen address for /metrics and /health (empty = all interfaces)")
	fs.IntVar(&c.MetricsPort, "metrics-port", 9101, "listen TCP port for /metrics and /health (1024..65535)")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 5, "per-client request rate on the metrics port (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 20, "per-client burst on the metrics port")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "", "comma separated origins allowed to GET /health and /metrics")
}

// envAliases are the legacy EMAIL_* environment names, accepted after the
// PREFIX_ form.
var envAliases = map[string][]string{
	"collection-interval": {"PROBE_COLLECTION_INTERVAL"},
	"server-ip":           {"EMAIL_SERVER_IP"},
	"server-hostname":     {"EMAIL_SERVER_HOSTNAME"},
	"mx-domain":           {"EMAIL_MX_DOMAIN"},
	"expected-ip":         {"EMAIL_EXPECTED_MX_IP"},
	"server-http-port":    {"EMAIL_SERVER_HTTP_PORT"},
	"server-https-port":   {"EMAIL_SERVER_HTTPS_PORT"},
	"mail-port":           {"EMAIL_SERVER_SMTP_PORT"},
	"smtp-port":           {"EMAIL_SERVER_SMTP_SECURE_PORT"},
	"smtp-username":       {"EMAIL_SMTP_USERNAME"},
	"smtp-password":       {"EMAIL_SMTP_PASSWORD"},
	"metrics-port":        {"METRICS_EXPORT_PORT"},
}

// EnvKeys lists the environment variables read for a flag, in order.
func EnvKeys(prefix, name string) []string {
	keys := []string{prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")}
	return append(keys, envAliases[name]...)
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR, then to
// its alias names, first match wins.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		var key, envVal string
		envSet := false
		for _, k := range EnvKeys(prefix, f.Name) {
			if v, ok := os.LookupEnv(k); ok {
				key, envVal, envSet = k, v, true
				break
			}
		}
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, redact(f.Name, f.Value.String()), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, envVal), err)
			}
		}
	})
}

func redact(name, v string) string {
	if strings.Contains(name, "password") && v != "" {
		return "[redacted]"
	}
	return v
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Target
	if c.ServerIP == "" {
		errs = append(errs, fmt.Errorf("SERVER_IP is required"))
	} else if net.ParseIP(c.ServerIP) == nil {
		errs = append(errs, fmt.Errorf("SERVER_IP must be an IP address (got %q)", c.ServerIP))
	}
	if strings.TrimSpace(c.ServerHostname) == "" {
		errs = append(errs, fmt.Errorf("SERVER_HOSTNAME is required"))
	}
	if strings.TrimSpace(c.MXDomain) == "" {
		errs = append(errs, fmt.Errorf("MX_DOMAIN is required"))
	}
	if c.ExpectedIP == "" {
		errs = append(errs, fmt.Errorf("EXPECTED_IP is required"))
	} else if net.ParseIP(c.ExpectedIP) == nil {
		errs = append(errs, fmt.Errorf("EXPECTED_IP must be an IP address (got %q)", c.ExpectedIP))
	}

	// Ports
	for _, p := range []struct {
		name string
		v    int
	}{
		{"SERVER_HTTP_PORT", c.ServerHTTPPort},
		{"SERVER_HTTPS_PORT", c.ServerHTTPSPort},
		{"MAIL_PORT", c.MailPort},
		{"SMTP_PORT", c.SMTPPort},
	} {
		if p.v < 1 || p.v > 65535 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be 1..65535)", p.name, p.v))
		}
	}
	if c.MetricsPort < 1024 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid METRICS_PORT %d (must be 1024..65535)", c.MetricsPort))
	}

	// Probes
	kinds, err := checks.ParseKinds(c.Probes)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid PROBES %q: %w", c.Probes, err))
	}
	if slices.Contains(kinds, checks.KindSMTPAuth) {
		if c.SMTPUsername == "" {
			errs = append(errs, fmt.Errorf("SMTP_USERNAME required when PROBES includes smtp_auth"))
		}
		if c.SMTPPassword == "" {
			errs = append(errs, fmt.Errorf("SMTP_PASSWORD required when PROBES includes smtp_auth"))
		}
	}
	if slices.Contains(kinds, checks.KindSMTPUnauth) && c.MailPort == c.SMTPPort {
		errs = append(errs, fmt.Errorf("MAIL_PORT and SMTP_PORT must differ when PROBES includes smtp_unauth (both %d)", c.MailPort))
	}

	// Scheduling
	if c.CollectionInterval < 30 || c.CollectionInterval > 3600 {
		errs = append(errs, fmt.Errorf("invalid COLLECTION_INTERVAL %d (must be 30..3600 seconds)", c.CollectionInterval))
	}
	if c.CheckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CHECK_TIMEOUT must be > 0 (got %s)", c.CheckTimeout))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STOP_TIMEOUT must be > 0 (got %s)", c.StopTimeout))
	}

	// Circuit breaker and backoff
	if c.CircuitBreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be > 0 (got %d)", c.CircuitBreakerThreshold))
	}
	if c.CircuitBreakerRecovery <= 0 {
		errs = append(errs, fmt.Errorf("CIRCUIT_BREAKER_RECOVERY must be > 0 (got %s)", c.CircuitBreakerRecovery))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("BACKOFF_BASE must be > 0 (got %s)", c.BackoffBase))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("BACKOFF_MAX %s must be >= BACKOFF_BASE %s", c.BackoffMax, c.BackoffBase))
	}
	if c.BackoffMultiplier < 1 || math.IsNaN(c.BackoffMultiplier) || math.IsInf(c.BackoffMultiplier, 0) {
		errs = append(errs, fmt.Errorf("BACKOFF_MULTIPLIER must be finite and >= 1 (got %g)", c.BackoffMultiplier))
	}
	if c.BackoffMaxFailures < 1 {
		errs = append(errs, fmt.Errorf("BACKOFF_MAX_FAILURES must be > 0 (got %d)", c.BackoffMaxFailures))
	}

	// Resource monitor
	if c.ResourceChecks {
		if c.MemoryWarningMB <= 0 {
			errs = append(errs, fmt.Errorf("MEMORY_WARNING_MB must be > 0 (got %g)", c.MemoryWarningMB))
		}
		if c.ThreadWarningCount < 1 {
			errs = append(errs, fmt.Errorf("THREAD_WARNING_COUNT must be > 0 (got %d)", c.ThreadWarningCount))
		}
		if c.ResourceInterval <= 0 {
			errs = append(errs, fmt.Errorf("RESOURCE_INTERVAL must be > 0 (got %s)", c.ResourceInterval))
		}
	}

	// Ops http
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0 (got %g)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be > 0 when RATE_LIMIT_RPS is set (got %d)", c.RateLimitBurst))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.LogFile != "" && c.LogMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("LOG_MAX_SIZE_MB must be > 0 (got %d)", c.LogMaxSizeMB))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Kinds parses the probe selection; call after Validate.
func (c App) Kinds() ([]checks.Kind, error) { return checks.ParseKinds(c.Probes) }

// Target maps the server fields onto checks.Target.
func (c App) Target() checks.Target {
	return checks.Target{
		ServerIP:     c.ServerIP,
		Hostname:     strings.TrimSpace(c.ServerHostname),
		MXDomain:     strings.TrimSpace(c.MXDomain),
		ExpectedIP:   c.ExpectedIP,
		HTTPPort:     c.ServerHTTPPort,
		HTTPSPort:    c.ServerHTTPSPort,
		MailPort:     c.MailPort,
		SMTPPort:     c.SMTPPort,
		SMTPUsername: c.SMTPUsername,
		SMTPPassword: c.SMTPPassword,
		From:         c.SMTPTestFrom,
		To:           c.SMTPTestTo,
	}
}

func (c App) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		CollectionInterval: time.Duration(c.CollectionInterval) * time.Second,
		Base:               c.BackoffBase,
		Max:                c.BackoffMax,
		Multiplier:         c.BackoffMultiplier,
		MaxFailures:        uint64(max(c.BackoffMaxFailures, 1)),
	}
}

func (c App) BreakerSettings() breaker.Settings {
	return breaker.Settings{
		FailureThreshold: uint32(max(c.CircuitBreakerThreshold, 1)),
		RecoveryTimeout:  c.CircuitBreakerRecovery,
	}
}

// CORSOriginList splits CORSOrigins, dropping blanks.
func (c App) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
