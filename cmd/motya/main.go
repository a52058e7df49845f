// Command motya compiles a KDL config tree into a running proxy
// configuration. It validates, logs, and wires the compiled services; the
// listener/transport that actually accepts connections is provided by the
// embedding HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"motya/internal/collector"
	"motya/internal/compiler"
	"motya/internal/driver"
	"motya/internal/filters"
	"motya/internal/kdl"
	"motya/internal/metrics"
	"motya/internal/plugins"
)

var appVersion = "dev"

func main() {
	var (
		configEntry       string
		validateConfigs   bool
		threadsPerService int
		logLevel          string
		daemonize         bool
		upgrade           bool
		upgradeSocket     string
		pidfile           string
		showVersion       bool
	)

	flag.StringVar(&configEntry, "config-entry", os.Getenv("MOTYA_CONFIG_ENTRY"), "path to the entry KDL config file")
	flag.BoolVar(&validateConfigs, "validate-configs", false, "compile the config tree, report diagnostics, and exit without serving")
	flag.IntVar(&threadsPerService, "threads-per-service", 0, "worker count per service; overrides system > threads-per-service")
	flag.StringVar(&logLevel, "log-level", "warning", "log level: debug, info, warning, error")
	flag.BoolVar(&daemonize, "daemonize", false, "fork into the background (validated and surfaced only in this build)")
	flag.BoolVar(&upgrade, "upgrade", false, "hand off listening sockets to a freshly started process (validated and surfaced only)")
	flag.StringVar(&upgradeSocket, "upgrade-socket", "", "control socket used for --upgrade (validated and surfaced only)")
	flag.StringVar(&pidfile, "pidfile", "", "write the process id to this path (validated and surfaced only)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("motya %s\n", appVersion)
		os.Exit(0)
	}

	configureLogging(logLevel)

	if configEntry == "" {
		fmt.Fprintln(os.Stderr, "motya: --config-entry (or MOTYA_CONFIG_ENTRY) is required")
		os.Exit(2)
	}

	if daemonize || upgrade {
		commonlog.GetLogger("motya").Warning("--daemonize/--upgrade/--upgrade-socket/--pidfile are validated but have no process-level effect in this build")
	}

	ctx := context.Background()
	m := metrics.New(prometheus.DefaultRegisterer)

	sources, parseErrs, err := collector.New(collector.OSFileSystem{}).Collect(configEntry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "motya: %v\n", err)
		os.Exit(2)
	}
	if len(parseErrs) > 0 {
		reportParseErrors(m, parseErrs)
		os.Exit(1)
	}

	registry := filters.NewRegistry()
	cfg, compileErrs := compiler.New(envVarsTable(), compiler.WithFilterCatalog(registry.Names())).Compile(sources)
	if len(compileErrs) > 0 {
		reportCompileErrors(m, compileErrs)
		os.Exit(1)
	}

	if validateConfigs {
		fmt.Println("motya: config tree is valid")
		os.Exit(0)
	}

	logger := buildZapLogger(logLevel)
	defer logger.Sync()

	pluginStore := plugins.NewStore(ctx)
	defer pluginStore.Close(ctx)
	for fqdn, def := range cfg.Definitions.Plugins {
		if err := pluginStore.Load(ctx, def); err != nil {
			fmt.Fprintf(os.Stderr, "motya: %v\n", err)
			os.Exit(2)
		}
		registry.Register(fqdn, plugins.NewFilterFactory(pluginStore, logger, fqdn))
	}

	services, err := driver.BuildServices(cfg, registry, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "motya: %v\n", err)
		os.Exit(2)
	}

	workers := cfg.System.ThreadsPerService
	if threadsPerService > 0 {
		workers = threadsPerService
	}

	upstream := driver.NewHTTPUpstream("http")
	drivers := make([]*driver.Driver, len(services))
	for i, svc := range services {
		drivers[i] = driver.New(svc, upstream, m, logger)
	}

	logger.Infow("compiled services ready", "count", len(drivers), "threads_per_service", workers)
	// No listener is started here: connection accept, TLS termination and
	// HTTP/1.1/2 framing belong to an external transport component, which
	// would call drivers[i].Handle per request.
}

func configureLogging(level string) {
	verbosity := 2
	switch level {
	case "debug":
		verbosity = 5
	case "info":
		verbosity = 4
	case "warning", "warn":
		verbosity = 2
	case "error":
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)
}

func buildZapLogger(level string) *zap.SugaredLogger {
	var zlevel zapcore.Level
	switch level {
	case "debug":
		zlevel = zapcore.DebugLevel
	case "info":
		zlevel = zapcore.InfoLevel
	case "error":
		zlevel = zapcore.ErrorLevel
	default:
		zlevel = zapcore.WarnLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zlevel)
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

func envVarsTable() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

type diagnostic struct {
	File        string `json:"file"`
	Message     string `json:"message"`
	Severity    string `json:"severity"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// reportParseErrors renders *kdl.ParseError diagnostics, which carry a
// precise byte span: a JSON line per diagnostic on a non-TTY stderr, a
// human-readable line on a TTY, per go-isatty detection. Each diagnostic is
// also counted into the config-diagnostics vector.
func reportParseErrors(m *metrics.Metrics, errs []*kdl.ParseError) {
	countDiagnostics(m, len(errs))
	if jsonOutput() {
		enc := json.NewEncoder(os.Stderr)
		for _, e := range errs {
			enc.Encode(diagnostic{
				Message:     e.Message,
				Severity:    "error",
				StartOffset: e.Span.Offset,
				EndOffset:   e.Span.End(),
			})
		}
		return
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", e.Message, e.Span)
	}
}

func countDiagnostics(m *metrics.Metrics, n int) {
	m.ConfigDiagnostics.WithLabelValues("error").Add(float64(n))
}

func jsonOutput() bool {
	return !isatty.IsTerminal(os.Stderr.Fd())
}

// reportCompileErrors renders schema/reference/service-resolution errors
// from the compiler. These are plain errors rather than *kdl.ParseError, so
// they carry a message but no byte span; start/end offset are left at zero
// in the JSON form rather than omitted, keeping the wire shape fixed.
func reportCompileErrors(m *metrics.Metrics, errs []error) {
	countDiagnostics(m, len(errs))
	if jsonOutput() {
		enc := json.NewEncoder(os.Stderr)
		for _, e := range errs {
			enc.Encode(diagnostic{Message: e.Error(), Severity: "error"})
		}
		return
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "error: %v\n", e)
	}
}
