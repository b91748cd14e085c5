// receiverctl pairs with receivers and drives them from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"receiverlink/internal/config"
	"receiverlink/internal/deferred"
	"receiverlink/internal/health"
	"receiverlink/internal/logging"
	"receiverlink/internal/metrics"
	"receiverlink/internal/receiver"
	"receiverlink/internal/trust"
)

type globalFlags struct {
	configPath  string
	port        int
	logLevel    string
	metricsAddr string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, receiver.ErrRequiresPairing) {
			fmt.Fprintln(os.Stderr, "hint: pair first with: receiverctl pair <host> --code <code>")
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("receiverctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVar(&g.configPath, "config", "", "path to config file")
	fs.IntVar(&g.port, "port", 0, "receiver port (default from config)")
	fs.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&g.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		usage(fs)
		return errors.New("missing command")
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "pair":
		return cmdPair(&g, rest)
	case "send":
		return cmdSend(&g, rest)
	case "watch":
		return cmdWatch(&g, rest)
	case "devices":
		return cmdDevices(&g, rest)
	case "forget":
		return cmdForget(&g, rest)
	case "commands":
		return cmdCommands()
	case "help":
		usage(fs)
		return nil
	default:
		usage(fs)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `receiverctl - pair with and control receivers

Usage: receiverctl [options] <command> [args]

Commands:
  pair <host> [--code <code>] [--name <name>]   Pair with a receiver
  send <host> <command> [args...]                 Send a catalog command
  watch <host> --event <type> [--event <type>]    Print pushed events
  devices                                         List paired receivers
  forget <device-id>                              Remove a pairing
  commands                                        List the command catalog

Options:
%s`, fs.FlagUsages())
}

// env is the state shared by commands.
type env struct {
	cfg      *config.Config
	loader   *config.Loader
	logger   *logging.Logger
	stats    *metrics.ReceiverMetrics
	checker  *health.Checker
	keys     *trust.Keystore
	server   *http.Server
	session  receiver.Options
	delivery *deferred.Pool
}

func setup(g *globalFlags) (*env, error) {
	path := g.configPath
	if path == "" {
		if path = config.FindConfigFile(); path == "" {
			path = config.ConfigPath()
		}
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.port != 0 {
		cfg.Receiver.DefaultPort = g.port
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = g.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, err := logging.New(loggingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(logger)

	e := &env{
		cfg:     cfg,
		loader:  loader,
		logger:  logger,
		stats:   metrics.NewReceiverMetrics(nil),
		checker: health.NewChecker(),
	}
	deferred.SetPanicHandler(func(p any) {
		e.stats.RecordCallbackPanic()
		logger.Error("callback panicked", "panic", p)
	})

	// Verbosity follows config edits while a command runs
	loader.OnChange(func(_, next *config.Config) {
		if g.logLevel != "" {
			return
		}
		if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
			logger.SetLevel(level)
			logger.Info("log level changed", "level", logging.LevelString(level))
		}
	})
	if err := loader.Watch(); err != nil {
		logger.Debug("config watch unavailable", "error", err)
	}

	e.session, e.delivery = receiver.OptionsFromConfig(cfg)

	keys, err := trust.Open(cfg.Storage.IdentityDir, cfg.Storage.DatabasePath, logger)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	e.keys = keys
	e.checker.RegisterFunc(health.ComponentStore, true, health.DatabaseCheck(keys.Store().Ping))

	if cfg.Metrics.Enabled {
		e.serveMetrics(cfg.Metrics.ListenAddr)
	}
	return e, nil
}

func loggingConfig(cfg *config.Config) *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		lc.Level = level
	}
	if cfg.Logging.Format == "json" {
		lc.Format = logging.FormatJSON
	}
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.Compress = cfg.Logging.Compress
	return lc
}

func (e *env) serveMetrics(addr string) {
	mux := e.checker.Mux()
	mux.Handle("/metrics", e.stats.Registry().HTTPHandler())
	e.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	e.logger.Info("serving metrics", "addr", addr)
}

func (e *env) sessionOptions() receiver.Options {
	opts := e.session
	opts.Logger = e.logger
	opts.Metrics = e.stats
	return opts
}

func (e *env) close() {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		e.server.Shutdown(ctx)
		cancel()
	}
	if e.delivery != nil {
		e.delivery.Close()
	}
	if e.keys != nil {
		e.keys.Close()
	}
	e.logger.Debug("session totals", "stats", e.stats.Snapshot())
	e.loader.Close()
	e.logger.Close()
}

// parseTarget turns "host" or "host:port" into a Spec.
func parseTarget(target string, defaultPort int) (receiver.Spec, error) {
	if target == "" {
		return receiver.Spec{}, errors.New("missing receiver host")
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port given
		return receiver.Spec{Host: target, Port: defaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return receiver.Spec{}, fmt.Errorf("invalid port in %q", target)
	}
	return receiver.Spec{Host: host, Port: port}, nil
}

// signalContext is cancelled on interrupt or termination.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
