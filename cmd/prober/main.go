package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealbill/prober/internal/cfg"
	"github.com/therealbill/prober/internal/checks"
	"github.com/therealbill/prober/internal/errclass"
	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/metrics"
	"github.com/therealbill/prober/internal/opshttp"
	"github.com/therealbill/prober/internal/orchestrator"
	"github.com/therealbill/prober/internal/otelx"
	"github.com/therealbill/prober/internal/probe"
	"github.com/therealbill/prober/internal/prof"
	"github.com/therealbill/prober/internal/ratelimit"
	"github.com/therealbill/prober/internal/resource"
	"github.com/therealbill/prober/internal/secret"
	v "github.com/therealbill/prober/internal/version"
)

const (
	appName   = "prober"
	envPrefix = "PROBER_"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags, then env, then the optional config file
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "version", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		return 0
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, stderrf)
	if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile, envPrefix, stderrf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	// Setup logging; levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.ShortCommit(),
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		File: log.FileOptions{
			Path:       conf.LogFile,
			MaxSizeMB:  conf.LogMaxSizeMB,
			MaxBackups: conf.LogMaxBackups,
			Compress:   true,
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "prober")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing prober",
		"version", vi.Version,
		"commit", vi.ShortCommit(),
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"server_ip", conf.ServerIP,
		"server_hostname", conf.ServerHostname,
		"mx_domain", conf.MXDomain,
		"probes", conf.Probes,
		"collection_interval", conf.CollectionInterval,
		"circuit_breaker_threshold", conf.CircuitBreakerThreshold,
		"metrics_port", conf.MetricsPort,
		"resource_checks", conf.ResourceChecks,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	// SMTP credentials may be secretref:<provider>:<ref> values
	if err := resolveCredentials(ctx, newSecretResolver(), &conf); err != nil {
		L.Error(ctx, err, "failed to resolve SMTP credentials")
		return 1
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":     appName,
			"version": vi.Version,
			"commit":  vi.ShortCommit(),
			"target":  conf.ServerHostname,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Insecure is true because spans go to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  appName,
		Version:  vi.Version,
		Target:   conf.ServerHostname,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
	}
	m.SetTracingActive(conf.EnableTracing && err == nil)

	runners, err := buildRunners(conf, m, L)
	if err != nil {
		L.Error(ctx, err, "failed to build probes")
		return 1
	}

	monitor := resource.NewMonitor(resource.Options{
		Enabled:            conf.ResourceChecks,
		Interval:           conf.ResourceInterval,
		MemoryWarningMB:    conf.MemoryWarningMB,
		ThreadWarningCount: conf.ThreadWarningCount,
		Metrics:            m,
		Logger:             L,
	})

	var limiter *ratelimit.Limiter
	if conf.RateLimitRPS > 0 {
		limiter = ratelimit.New(
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// logged once per ip until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func(string) {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
			}),
		)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Runners: runners,
		Monitor: monitor,
		Logger:  L,
		HTTP: &opshttp.Options{
			Host:        conf.MetricsHost,
			Port:        conf.MetricsPort,
			Metrics:     m.Handler(),
			MetricsMW:   m.Middleware,
			RateLimit:   limiter,
			CORSOrigins: conf.CORSOriginList(),
			EnablePprof: conf.EnablePprof,
		},
		StopTimeout: conf.StopTimeout,
		Tolerant:    conf.TolerantStart,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create orchestrator")
		return 1
	}
	if err := orch.Start(ctx); err != nil {
		L.Error(ctx, err, "failed to start prober")
		return 1
	}

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "reason", err.Error())
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// runners share StopTimeout; the http server and exporters get a little extra
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.StopTimeout+5*time.Second)
	defer cancel()

	if err := orch.Stop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "prober shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return 0
}

func newSecretResolver() *secret.Resolver {
	r := secret.NewResolver(secret.Env{}, secret.Keyring{})
	for _, p := range secret.AWSProviders(secret.AWSOptions{}) {
		r.Register(p)
	}
	return r
}

func resolveCredentials(ctx context.Context, r *secret.Resolver, conf *cfg.App) error {
	return r.ResolveAll(ctx, map[string]*string{
		"smtp-username": &conf.SMTPUsername,
		"smtp-password": &conf.SMTPPassword,
	})
}

// buildRunners creates one runner per selected probe, sharing policy,
// breaker settings and metrics.
func buildRunners(conf cfg.App, m *metrics.ProberMetrics, L log.Logger) ([]orchestrator.Runner, error) {
	kinds, err := conf.Kinds()
	if err != nil {
		return nil, err
	}
	target := conf.Target()
	target.DialTimeout = min(conf.CheckTimeout, checks.DefaultDialTimeout)
	named, err := checks.Build(target, kinds)
	if err != nil {
		return nil, err
	}

	categorizer := errclass.New(conf.ErrorCategorization)
	runners := make([]orchestrator.Runner, 0, len(named))
	for _, n := range named {
		r, err := probe.NewRunner(probe.Options{
			Name:            n.Name,
			Checker:         n.Checker,
			Policy:          conf.BackoffPolicy(),
			Breaker:         conf.BreakerSettings(),
			Categorizer:     categorizer,
			Metrics:         m,
			Logger:          L,
			CheckTimeout:    conf.CheckTimeout,
			EnhancedLogging: conf.EnhancedLogging,
		})
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
