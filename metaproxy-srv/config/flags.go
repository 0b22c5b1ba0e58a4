package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Flags holds the command line interface. Values set on the command line
// override the environment and the config file.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath string
	EnvFile    string
	Debug      bool
	Version    bool

	controlAddress    string
	listenHost        string
	proxyToHeader     string
	allowDirect       bool
	directHosts       []string
	blockedHosts      []string
	timeout           int
	connectTimeout    int
	tunnelIdleTimeout int
	tunnelMaxDuration int
	logLevel          string
	bindings          []string
}

// NewFlags registers every flag on a new FlagSet named name.
func NewFlags(name string) *Flags {
	f := &Flags{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	fs := f.fs

	fs.StringVarP(&f.ConfigPath, "config", "c", "", "Path to configuration file (.json, .yaml or .hcl)")
	fs.StringVar(&f.EnvFile, "envfile", "", "Path to env file to load environment variables")
	fs.BoolVarP(&f.Debug, "debug", "d", false, "Enable debug logging")
	fs.BoolVarP(&f.Version, "version", "v", false, "Print version and exit")

	fs.StringVar(&f.controlAddress, "control-address", "", "Address of the control API (default 127.0.0.1:8000)")
	fs.StringVar(&f.listenHost, "listen-host", "", "Host proxy bindings listen on (default 0.0.0.0)")
	fs.StringVar(&f.proxyToHeader, "proxy-to-header", "", "Header naming a per-request upstream (default X-Proxy-To)")
	fs.BoolVar(&f.allowDirect, "allow-direct", false, "Connect directly when a binding has no upstream")
	fs.StringSliceVar(&f.directHosts, "direct-host", nil, "Domain always reached directly (repeatable)")
	fs.StringSliceVar(&f.blockedHosts, "blocked-host", nil, "Domain rejected with 403 (repeatable)")
	fs.IntVar(&f.timeout, "timeout-seconds", 0, "Timeout for forwarded requests")
	fs.IntVar(&f.connectTimeout, "connect-timeout-seconds", 0, "Timeout for dialing targets and upstreams")
	fs.IntVar(&f.tunnelIdleTimeout, "tunnel-idle-timeout-seconds", 0, "Close tunnels idle for this long")
	fs.IntVar(&f.tunnelMaxDuration, "tunnel-max-duration-seconds", 0, "Close tunnels after this long (0 = unlimited)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	fs.StringArrayVarP(&f.bindings, "bind", "b", nil, "Startup binding PORT or PORT=UPSTREAM (repeatable)")

	return f
}

// Parse parses the command line arguments without the program name.
func (f *Flags) Parse(args []string) error {
	return f.fs.Parse(args)
}

// Usage returns the flag help text.
func (f *Flags) Usage() string {
	return f.fs.FlagUsages()
}

// Apply writes every explicitly set flag into cfg and revalidates it.
func (f *Flags) Apply(cfg *Config) error {
	changed := f.fs.Changed

	if changed("control-address") {
		cfg.ControlAddress = f.controlAddress
	}
	if changed("listen-host") {
		cfg.ListenHost = f.listenHost
	}
	if changed("proxy-to-header") {
		cfg.ProxyToHeader = f.proxyToHeader
	}
	if changed("allow-direct") {
		cfg.AllowDirect = f.allowDirect
	}
	if changed("direct-host") {
		cfg.DirectHosts = f.directHosts
	}
	if changed("blocked-host") {
		cfg.BlockedHosts = f.blockedHosts
	}
	if changed("timeout-seconds") {
		cfg.TimeoutSeconds = f.timeout
	}
	if changed("connect-timeout-seconds") {
		cfg.ConnectTimeoutSeconds = f.connectTimeout
	}
	if changed("tunnel-idle-timeout-seconds") {
		cfg.TunnelIdleTimeoutSeconds = f.tunnelIdleTimeout
	}
	if changed("tunnel-max-duration-seconds") {
		cfg.TunnelMaxDurationSeconds = f.tunnelMaxDuration
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.Debug {
		cfg.LogLevel = "DEBUG"
	}
	if changed("bind") {
		bindings, err := parseBindFlags(f.bindings)
		if err != nil {
			return err
		}
		cfg.Bindings = append(cfg.Bindings, bindings...)
	}

	return cfg.Validate()
}

func parseBindFlags(values []string) ([]BindingConfig, error) {
	out := make([]BindingConfig, 0, len(values))
	for _, v := range values {
		portStr, upstream, _ := strings.Cut(v, "=")
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil {
			return nil, fmt.Errorf("invalid --bind %q: %w", v, err)
		}
		out = append(out, BindingConfig{Port: port, Upstream: strings.TrimSpace(upstream)})
	}
	return out, nil
}
