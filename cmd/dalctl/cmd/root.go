// Package cmd implements the dalctl commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/driver/all"
	"github.com/gobeaver/dal/internal/logging"
	"github.com/gobeaver/dal/layers/metrics"
	"github.com/gobeaver/dal/layers/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// app carries the global flags and the operator shared by one invocation.
type app struct {
	cfgFile     string
	scheme      string
	root        string
	options     []string
	logLevel    string
	logFormat   string
	readOnly    bool
	metricsAddr string

	op     *dal.Operator
	server *http.Server
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "dalctl",
		Short: "Run data access operations against any storage backend",
		Long: `dalctl reads, writes and lists objects through the unified data access layer.

The backend is chosen by --scheme and configured with --option key=value
pairs, a YAML file given by --config, or BEAVER_DAL_* environment variables.

Examples:
  dalctl ls -s fs --root /srv/data -r
  dalctl write -s s3 -o bucket=logs -o region=eu-west-1 app/today.log ./today.log
  dalctl cat -c dal.yaml reports/q3.csv --offset 100 --length 50
  dalctl presign -s s3 -o bucket=media photos/cat.jpg --expire 1h`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "YAML config file (default: environment)")
	flags.StringVarP(&a.scheme, "scheme", "s", "", "backend scheme, e.g. fs, s3, sqlite")
	flags.StringVar(&a.root, "root", "", "root directory or prefix inside the backend")
	flags.StringArrayVarP(&a.options, "option", "o", nil, "backend option as key=value (repeatable)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text, json or tint")
	flags.BoolVar(&a.readOnly, "read-only", false, "reject every mutating operation")
	flags.StringVar(&a.metricsAddr, "metrics", "", "serve Prometheus metrics on this address, e.g. :9090")

	root.AddCommand(
		newStatCmd(a),
		newCatCmd(a),
		newWriteCmd(a),
		newListCmd(a),
		newRemoveCmd(a),
		newMkdirCmd(a),
		newCopyCmd(a),
		newMoveCmd(a),
		newPresignCmd(a),
		newChecksumCmd(a),
		newWatchCmd(a),
		newSchemesCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// config resolves the configuration: file or environment first, flags last.
func (a *app) config(cmd *cobra.Command) (*dal.Config, error) {
	var (
		cfg *dal.Config
		err error
	)
	if a.cfgFile != "" {
		cfg, err = dal.LoadFile(a.cfgFile)
	} else {
		cfg, err = dal.GetConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("scheme") {
		cfg.Scheme = a.scheme
	}
	if flags.Changed("root") {
		cfg.Root = a.root
	}
	if len(a.options) > 0 {
		opts := a.options
		if cfg.Options != "" {
			opts = append([]string{cfg.Options}, opts...)
		}
		cfg.Options = strings.Join(opts, ",")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	if a.readOnly {
		cfg.ReadOnly = true
	}
	return cfg, nil
}

// operator opens the configured backend once per invocation.
func (a *app) operator(cmd *cobra.Command) (*dal.Operator, error) {
	if a.op != nil {
		return a.op, nil
	}
	cfg, err := a.config(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

	op, err := dal.Open(cmd.Context(), all.Registry(), cfg, dal.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	op = op.Layer(tracing.New())

	if a.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg)
		if err != nil {
			op.Close()
			return nil, err
		}
		op = op.Layer(m)
		if err := a.serveMetrics(reg, logger); err != nil {
			op.Close()
			return nil, err
		}
	}
	logger.Debug("backend opened", "scheme", op.Info().Scheme, "root", op.Info().Root)
	a.op = op
	return op, nil
}

// run opens the operator for fn and releases it when fn returns.
func (a *app) run(fn func(cmd *cobra.Command, op *dal.Operator, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		op, err := a.operator(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, op, args)
	}
}

func (a *app) serveMetrics(reg *prometheus.Registry, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", a.metricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.server = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.server.Shutdown(ctx))
		a.server = nil
	}
	if a.op != nil {
		errs = append(errs, a.op.Close())
		a.op = nil
	}
	return errors.Join(errs...)
}
