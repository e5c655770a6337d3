package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/mjwhitta/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/internal/telemetry"
	"github.com/ineffectivecoder/smbwire/pkg/auth"
	"github.com/ineffectivecoder/smbwire/pkg/config"
	"github.com/ineffectivecoder/smbwire/pkg/metrics"
	"github.com/ineffectivecoder/smbwire/pkg/smb"
)

// Version info
const (
	Version = "0.2.0"
	Banner  = "smbwire"
)

// Colors for output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

var verbose bool

type options struct {
	configPath string
	username   string
	password   string
	hash       string
	domain     string
	ccache     string
	keytab     string
	socks5     string
	metrics    string
	anonymous  bool
	execCmd    string
}

func main() {
	var o options

	cli.Align = true
	cli.Banner = "smbwire [OPTIONS] [UNC]"
	cli.Info("SMB2/3 client with DFS resolution")
	cli.Authors = []string{"smbwire developers"}

	cli.Flag(&o.configPath, "c", "config", "", "Config file (default: ~/.config/smbwire/config.yaml)")
	cli.Flag(&o.username, "u", "user", "", "Username")
	cli.Flag(&o.domain, "d", "domain", "", "Domain name / Kerberos realm")
	cli.Flag(&o.password, "p", "password", "", "Password")
	cli.Flag(&o.hash, "H", "hash", "", "NTLM hash (32 hex chars)")
	cli.Flag(&o.ccache, "k", "ccache", "", "Kerberos ccache file")
	cli.Flag(&o.keytab, "K", "keytab", "", "Kerberos keytab file")
	cli.Flag(&o.socks5, "s", "socks5", "", "SOCKS5 proxy (e.g., 127.0.0.1:1080)")
	cli.Flag(&o.metrics, "m", "metrics", "", "Serve Prometheus metrics on this address")
	cli.Flag(&o.anonymous, "a", "anonymous", false, "Use an anonymous session")
	cli.Flag(&o.execCmd, "x", "exec", "", "Execute command(s) and exit (semicolon separated)")
	cli.Flag(&verbose, "v", "verbose", false, "Verbose output")

	cli.Parse()

	if err := run(o, cli.Args()); err != nil {
		error_("%v", err)
		os.Exit(1)
	}
}

func run(o options, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.socks5 != "" {
		if !strings.HasPrefix(o.socks5, "socks5://") {
			o.socks5 = "socks5://" + o.socks5
		}
		cfg.Transport.Socks5 = o.socks5
	}
	if o.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = o.metrics
	}
	if verbose {
		cfg.Logging.Level = "DEBUG"
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	tel, err := startTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", logger.Err(err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = serveMetrics(cfg.Metrics.Listen)
	}

	creds, err := buildCredentials(o, cfg)
	if err != nil {
		return err
	}
	if k, ok := creds.(*auth.KerberosCredentials); ok {
		defer k.Close()
	}

	client, err := smb.NewClient(cfg, creds, smb.WithMetrics(m), smb.WithTelemetry(tel))
	if err != nil {
		return err
	}
	defer client.Close()

	sh := &shell{client: client, cfg: cfg, user: creds.Username(), domain: creds.Domain(), configPath: o.configPath}
	defer sh.disconnect(ctx)

	if len(args) > 0 {
		if !sh.execute(ctx, "connect", args[:1]) {
			return nil
		}
	}

	if o.execCmd != "" {
		for _, cmd := range strings.Split(o.execCmd, ";") {
			cmd = strings.TrimSpace(cmd)
			if cmd == "" {
				continue
			}
			args := parseArgs(cmd)
			if len(args) > 0 && !sh.execute(ctx, strings.ToLower(args[0]), args[1:]) {
				break
			}
		}
		return nil
	}

	printBanner()
	return sh.run(ctx)
}

func startTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Provider, error) {
	if !cfg.Telemetry.Enabled {
		return telemetry.Noop(), nil
	}
	tc := telemetry.DefaultConfig()
	tc.Enabled = true
	tc.ServiceVersion = Version
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Insecure = cfg.Telemetry.Insecure
	tc.SampleRate = cfg.Telemetry.SampleRate
	return telemetry.New(ctx, tc)
}

// serveMetrics exposes a private registry on addr in the background.
func serveMetrics(addr string) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener", logger.Err(err))
		}
	}()
	debug_("Metrics on http://%s/metrics", addr)
	return m
}

func buildCredentials(o options, cfg *config.Config) (auth.Credentials, error) {
	if o.anonymous {
		return auth.NewAnonymousCredentials(), nil
	}

	// KRB5CCNAME is honoured when no explicit ccache is given
	if o.ccache == "" && o.password == "" && o.hash == "" && o.keytab == "" {
		if env := os.Getenv("KRB5CCNAME"); env != "" {
			o.ccache = strings.TrimPrefix(env, "FILE:")
			debug_("Using KRB5CCNAME: %s", o.ccache)
		}
	}

	switch {
	case o.ccache != "":
		info_("Using Kerberos ccache %s", o.ccache)
		return auth.NewKerberosCredentialsFromCCache(o.ccache, o.domain, cfg.Auth.Krb5Conf)
	case o.keytab != "":
		if o.username == "" || o.domain == "" {
			return nil, fmt.Errorf("keytab requires a username (-u) and realm (-d)")
		}
		return auth.NewKerberosCredentialsFromKeytab(o.keytab, o.username, o.domain, cfg.Auth.Krb5Conf)
	case o.hash != "":
		return auth.ParseHashCredentials(o.domain, o.username, o.hash)
	}

	if o.username == "" {
		warn_("No credentials given, using an anonymous session")
		return auth.NewAnonymousCredentials(), nil
	}
	if o.password == "" {
		p, err := promptPassword()
		if err != nil {
			return nil, err
		}
		o.password = p
	}
	return auth.NewPasswordCredentials(o.domain, o.username, o.password), nil
}

func printBanner() {
	fmt.Printf("%s%s%s v%s - type 'help' for commands\n\n", colorBold+colorCyan, Banner, colorReset, Version)
}

// run is the interactive loop.
func (s *shell) run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     historyFile(),
		AutoComplete:    newCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.prompt())
		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		args := parseArgs(strings.TrimSpace(input))
		if len(args) == 0 {
			continue
		}
		if !s.execute(ctx, strings.ToLower(args[0]), args[1:]) {
			return nil
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.smbwire_history"
}

func newCompleter() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, cmd := range commands.List() {
		items = append(items, readline.PcItem(cmd.Name))
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *shell) prompt() string {
	p := colorBold + "[smbwire]" + colorReset
	if s.share != nil {
		p += " " + colorCyan + s.share.UNC() + colorReset
	}
	return p + "> "
}

func parseArgs(line string) []string {
	// Splits on spaces and honours single or double quotes
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, r := range line {
		switch {
		case r == '"' || r == '\'':
			if inQuote && r == quoteChar {
				inQuote = false
			} else if !inQuote {
				inQuote = true
				quoteChar = r
			} else {
				current.WriteRune(r)
			}
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}
	return args
}

// Output helpers
func info_(format string, args ...interface{}) {
	fmt.Printf(colorCyan+"[*]"+colorReset+" "+format+"\n", args...)
}

func success_(format string, args ...interface{}) {
	fmt.Printf(colorGreen+"[+]"+colorReset+" "+format+"\n", args...)
}

func error_(format string, args ...interface{}) {
	fmt.Printf(colorRed+"[!]"+colorReset+" "+format+"\n", args...)
}

func warn_(format string, args ...interface{}) {
	fmt.Printf(colorYellow+"[-]"+colorReset+" "+format+"\n", args...)
}

func debug_(format string, args ...interface{}) {
	if verbose {
		fmt.Printf(colorBlue+"[D]"+colorReset+" "+format+"\n", args...)
	}
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pass), nil
}
